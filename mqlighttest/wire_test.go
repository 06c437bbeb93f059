package mqlighttest

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameEncodeDecode(t *testing.T) {
	f := frame{kind: frameOpen, payload: []byte("client_1")}
	buf := f.encode()

	assert.Equal(t, byte(frameOpen), buf[0])
	assert.Equal(t, uint32(8), binary.BigEndian.Uint32(buf[1:5]))

	got, n, err := decodeFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, f, got)
}

func TestDecodeFrameIncomplete(t *testing.T) {
	buf := frame{kind: frameChallenge, payload: []byte("r=abc")}.encode()

	for _, size := range []int{0, 3, frameHeaderSize, len(buf) - 1} {
		_, n, err := decodeFrame(buf[:size])
		require.NoError(t, err)
		assert.Zero(t, n, "size %d", size)
	}
}

func TestDecodeFrameSequence(t *testing.T) {
	var buf []byte
	buf = append(buf, frame{kind: frameOutcome}.encode()...)
	buf = append(buf, frame{kind: frameOpened, payload: []byte("7")}.encode()...)

	first, n, err := decodeFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, byte(frameOutcome), first.kind)
	assert.Empty(t, first.payload)

	second, m, err := decodeFrame(buf[n:])
	require.NoError(t, err)
	assert.Equal(t, []byte("7"), second.payload)
	assert.Equal(t, len(buf), n+m)
}

func TestDecodeFrameTooLarge(t *testing.T) {
	buf := make([]byte, frameHeaderSize)
	buf[0] = frameSASLInit
	binary.BigEndian.PutUint32(buf[1:], maxFrameSize+1)

	_, _, err := decodeFrame(buf)
	assert.ErrorIs(t, err, errFrameTooLarge)

	_, err = readFrame(bytes.NewReader(buf))
	assert.ErrorIs(t, err, errFrameTooLarge)
}

func TestReadFrame(t *testing.T) {
	t.Run("whole frame", func(t *testing.T) {
		f := frame{kind: frameClose, payload: []byte("bye")}
		got, err := readFrame(bytes.NewReader(f.encode()))
		require.NoError(t, err)
		assert.Equal(t, f, got)
	})

	t.Run("empty input", func(t *testing.T) {
		_, err := readFrame(bytes.NewReader(nil))
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("truncated payload", func(t *testing.T) {
		buf := frame{kind: frameClose, payload: []byte("bye")}.encode()
		_, err := readFrame(bytes.NewReader(buf[:len(buf)-1]))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}
