package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/togetherly/internal/util"
)

// dataChannel is a Channel backed by one PeerConnection and one
// DataChannel. Its lifecycle is governed by the DataChannel state: it is
// open between the DataChannel's open and close events, and closing it
// tears down the PeerConnection as well.
type dataChannel struct {
	l  *link
	md Metadata

	ctx        context.Context
	cancel     context.CancelFunc
	openSignal chan struct{}
	openOnce   sync.Once

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	sender    *sender
	open      bool
	closed    bool
	onOpen    func()
	onMessage func([]byte)
	onClose   func()
	onError   func(error)
}

func newChannel(l *link, md Metadata) *dataChannel {
	ctx, cancel := context.WithCancel(context.Background())
	ch := &dataChannel{
		l:          l,
		md:         md,
		ctx:        ctx,
		cancel:     cancel,
		openSignal: make(chan struct{}),
	}

	l.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection %s state: %s", l.connID, state)
		if state == webrtc.PeerConnectionStateFailed {
			ch.failed(ErrNetwork)
		}
	})
	return ch
}

// attach binds the pion DataChannel. Outbound channels attach right after
// creation; inbound ones when OnDataChannel fires.
func (ch *dataChannel) attach(dc *webrtc.DataChannel) {
	ch.mu.Lock()
	if ch.dc != nil || ch.closed {
		ch.mu.Unlock()
		dc.Close()
		return
	}
	ch.dc = dc
	ch.sender = newSender(ch.ctx, dc, ch.openSignal)
	ch.mu.Unlock()

	dc.OnOpen(func() {
		ch.openOnce.Do(func() { close(ch.openSignal) })

		ch.mu.Lock()
		if ch.closed {
			ch.mu.Unlock()
			return
		}
		ch.open = true
		fn := ch.onOpen
		ch.mu.Unlock()

		util.LogDebug("DataChannel to %s open", ch.l.remoteID)
		if fn != nil {
			fn()
		}
	})

	var frames assembler
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		util.Stats.AddRecv(len(msg.Data))
		frame, err := frames.feed(msg.Data, msg.IsString)
		if err != nil {
			util.LogWarning("DataChannel to %s: %v", ch.l.remoteID, err)
		}
		if frame == nil {
			return
		}

		ch.mu.Lock()
		fn := ch.onMessage
		ch.mu.Unlock()
		if fn != nil {
			fn(frame)
		}
	})

	dc.OnClose(func() {
		util.LogDebug("DataChannel to %s closed", ch.l.remoteID)
		ch.finish()
	})

	dc.OnError(func(err error) {
		ch.mu.Lock()
		fn := ch.onError
		ch.mu.Unlock()
		if fn != nil {
			fn(err)
		}
	})
}

func (ch *dataChannel) Peer() string       { return ch.l.remoteID }
func (ch *dataChannel) Metadata() Metadata { return ch.md }

func (ch *dataChannel) IsOpen() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.open && !ch.closed
}

func (ch *dataChannel) Send(data []byte) error {
	ch.mu.Lock()
	if !ch.open || ch.closed {
		ch.mu.Unlock()
		return ErrNotOpen
	}
	s := ch.sender
	ch.mu.Unlock()

	if !s.send(ch.ctx, data) {
		return ErrNotOpen
	}
	return nil
}

func (ch *dataChannel) OnOpen(fn func()) {
	ch.mu.Lock()
	ch.onOpen = fn
	alreadyOpen := ch.open && !ch.closed
	ch.mu.Unlock()

	if alreadyOpen {
		go fn()
	}
}

func (ch *dataChannel) OnMessage(fn func([]byte)) {
	ch.mu.Lock()
	ch.onMessage = fn
	ch.mu.Unlock()
}

func (ch *dataChannel) OnClose(fn func()) {
	ch.mu.Lock()
	ch.onClose = fn
	closed := ch.closed
	ch.mu.Unlock()

	if closed {
		go fn()
	}
}

func (ch *dataChannel) OnError(fn func(error)) {
	ch.mu.Lock()
	ch.onError = fn
	ch.mu.Unlock()
}

// Close closes the channel locally and tells the peer.
func (ch *dataChannel) Close() error {
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		return nil
	}

	ch.l.leave()
	return ch.finish()
}

func (ch *dataChannel) link() *link { return ch.l }

func (ch *dataChannel) remoteClosed() { ch.finish() }

func (ch *dataChannel) failed(err error) {
	ch.mu.Lock()
	fn := ch.onError
	closed := ch.closed
	ch.mu.Unlock()

	if !closed && fn != nil {
		fn(err)
	}
	ch.finish()
}

// finish releases the DataChannel and PeerConnection and fires OnClose
// once. Safe to re-enter from pion's close callbacks.
func (ch *dataChannel) finish() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	ch.open = false
	dc := ch.dc
	fn := ch.onClose
	ch.mu.Unlock()

	ch.cancel()
	ch.l.ep.forget(ch.l.connID)

	var errs []error
	if dc != nil {
		errs = append(errs, dc.Close())
	}
	errs = append(errs, ch.l.pc.Close())

	if fn != nil {
		fn()
	}
	return errors.Join(errs...)
}
