package transport

import (
	"errors"
	"fmt"
)

// Frames larger than one SCTP message are split into binary chunks. pion
// reads each DataChannel message into a 64 KiB buffer, so a chunk plus its
// header must stay below that.
const (
	maxChunkPayload = 16 * 1024
	maxFrameSize    = 8 * 1024 * 1024 // above the largest encoded file envelope

	chunkMore byte = 0
	chunkLast byte = 1
)

var errFrameTooLarge = errors.New("frame exceeds maximum size")

// splitFrame cuts frame into chunks of at most maxChunkPayload bytes, each
// prefixed with a marker telling whether more chunks follow.
func splitFrame(frame []byte) [][]byte {
	chunks := make([][]byte, 0, len(frame)/maxChunkPayload+1)
	for off := 0; off < len(frame); off += maxChunkPayload {
		end := min(off+maxChunkPayload, len(frame))
		marker := chunkMore
		if end == len(frame) {
			marker = chunkLast
		}
		chunk := make([]byte, 0, end-off+1)
		chunk = append(chunk, marker)
		chunk = append(chunk, frame[off:end]...)
		chunks = append(chunks, chunk)
	}
	return chunks
}

// assembler rebuilds frames from DataChannel messages. Text messages are
// whole frames; binary messages are chunks. It is only touched from pion's
// read loop and needs no locking.
type assembler struct {
	buf []byte
}

// feed consumes one message and returns a complete frame, or nil while a
// chunked frame is still incomplete.
func (a *assembler) feed(data []byte, isString bool) ([]byte, error) {
	if isString {
		if len(a.buf) > 0 {
			a.buf = nil
			return data, errors.New("text frame interrupted a chunked frame")
		}
		return data, nil
	}

	if len(data) == 0 {
		return nil, errors.New("empty chunk")
	}
	if len(a.buf)+len(data)-1 > maxFrameSize {
		a.buf = nil
		return nil, fmt.Errorf("%w (%d bytes)", errFrameTooLarge, maxFrameSize)
	}

	a.buf = append(a.buf, data[1:]...)
	switch data[0] {
	case chunkMore:
		return nil, nil
	case chunkLast:
		frame := a.buf
		a.buf = nil
		return frame, nil
	default:
		a.buf = nil
		return nil, fmt.Errorf("unknown chunk marker %d", data[0])
	}
}
