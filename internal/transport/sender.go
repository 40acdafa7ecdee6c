package transport

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/togetherly/internal/util"
)

const (
	highWaterMark  = 1024 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 256 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 64          // outgoing frame channel capacity
)

// sender is a goroutine-based frame writer that serializes all writes to a
// single DataChannel, adding open-gate and backpressure control. File
// envelopes can be megabytes: they are chunked and the high water mark
// paces the chunks.
type sender struct {
	inbox       chan []byte
	drainSignal chan struct{}
}

// newSender creates a sender, wires the backpressure callbacks on dc, and
// starts the background loop. The loop exits when ctx is cancelled.
func newSender(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) *sender {
	s := &sender{
		inbox:       make(chan []byte, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, dc, openSignal)

	return s
}

// loop is the single-writer goroutine. It waits for the DataChannel to open,
// then drains the inbox with backpressure awareness.
func (s *sender) loop(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) {
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case frame := <-s.inbox:
			if len(frame) <= maxChunkPayload {
				if !s.write(ctx, dc, frame, true) {
					return
				}
				continue
			}
			for _, chunk := range splitFrame(frame) {
				if !s.write(ctx, dc, chunk, false) {
					return
				}
			}

		case <-ctx.Done():
			return
		}
	}
}

// write sends one DataChannel message once the buffer has drained below
// the high water mark. Whole frames go out as text, chunks as binary.
func (s *sender) write(ctx context.Context, dc *webrtc.DataChannel, msg []byte, text bool) bool {
	if dc.BufferedAmount() > uint64(highWaterMark) {
		select {
		case <-s.drainSignal:
		case <-ctx.Done():
			return false
		}
	}

	var err error
	if text {
		err = dc.SendText(string(msg))
	} else {
		err = dc.Send(msg)
	}
	if err != nil {
		util.LogError("Failed to send frame (%d bytes): %v", len(msg), err)
		return false
	}
	util.Stats.AddSent(len(msg))
	return true
}

// send enqueues a frame for transmission. It blocks if the internal buffer
// is full and returns false when ctx is already cancelled.
func (s *sender) send(ctx context.Context, frame []byte) bool {
	select {
	case s.inbox <- frame:
		return true
	case <-ctx.Done():
		return false
	}
}
