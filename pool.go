package mqlight

import (
	"sync"
)

// readChunkSize is the largest chunk the inbound pump reads at once.
const readChunkSize = 1024

// chunkPool holds read buffers for the inbound pump.
var chunkPool = sync.Pool{
	New: func() any {
		b := make([]byte, readChunkSize)
		return &b
	},
}

// getChunk returns a pooled read buffer of readChunkSize bytes.
func getChunk() *[]byte {
	b := chunkPool.Get().(*[]byte)
	*b = (*b)[:readChunkSize]
	return b
}

// putChunk returns a read buffer to the pool.
func putChunk(b *[]byte) {
	if b == nil || cap(*b) < readChunkSize {
		return
	}
	chunkPool.Put(b)
}
