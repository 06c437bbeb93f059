package mqlighttest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame types of the handshake spoken between Engine and Broker.
const (
	frameSASLInit     byte = 'S' // client: mechanism NUL initial response
	frameSASLResponse byte = 'R' // client: response to a challenge
	frameOpen         byte = 'O' // client: client id
	frameChallenge    byte = 'C' // server: SASL challenge
	frameOutcome      byte = 'A' // server: empty on success, otherwise the failure text
	frameOpened       byte = 'o' // server: the connection is open
	frameClose        byte = 'X' // server: the connection is being closed, with the reason
)

const (
	frameHeaderSize = 5
	maxFrameSize    = 64 * 1024
)

var errFrameTooLarge = errors.New("mqlighttest: frame too large")

type frame struct {
	kind    byte
	payload []byte
}

func (f frame) encode() []byte {
	buf := make([]byte, frameHeaderSize+len(f.payload))
	buf[0] = f.kind
	binary.BigEndian.PutUint32(buf[1:], uint32(len(f.payload)))
	copy(buf[frameHeaderSize:], f.payload)
	return buf
}

// decodeFrame parses one frame from the front of buf. It returns the number
// of bytes used, or 0 when buf does not hold a whole frame yet.
func decodeFrame(buf []byte) (frame, int, error) {
	if len(buf) < frameHeaderSize {
		return frame{}, 0, nil
	}
	size := binary.BigEndian.Uint32(buf[1:])
	if size > maxFrameSize {
		return frame{}, 0, fmt.Errorf("%w: %d bytes", errFrameTooLarge, size)
	}
	end := frameHeaderSize + int(size)
	if len(buf) < end {
		return frame{}, 0, nil
	}
	payload := append([]byte(nil), buf[frameHeaderSize:end]...)
	return frame{kind: buf[0], payload: payload}, end, nil
}

// readFrame reads one frame from r.
func readFrame(r io.Reader) (frame, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return frame{}, err
	}
	size := binary.BigEndian.Uint32(header[1:])
	if size > maxFrameSize {
		return frame{}, fmt.Errorf("%w: %d bytes", errFrameTooLarge, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return frame{}, err
	}
	return frame{kind: header[0], payload: payload}, nil
}
