package session

import (
	"errors"
	"fmt"

	"github.com/1ureka/togetherly/internal/connstate"
	"github.com/1ureka/togetherly/internal/identity"
	"github.com/1ureka/togetherly/internal/protocol"
	"github.com/1ureka/togetherly/internal/transport"
	"github.com/1ureka/togetherly/internal/util"
)

// ConnectToPeer dials remoteID. Only precondition failures are returned;
// transport failures are reported as notices and drive automatic retries
// through the state machine.
func (s *Session) ConnectToPeer(remoteID string, md transport.Metadata) error {
	if !identity.Validate(remoteID) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, remoteID)
	}

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case !s.ready:
		s.mu.Unlock()
		return ErrNotReady
	case remoteID == s.localID:
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot connect to yourself", ErrInvalidIdentifier)
	case s.channel != nil && s.open:
		s.mu.Unlock()
		return ErrBusy
	}
	// An attempt still in flight is superseded.
	stale := s.channel
	s.channel = nil
	s.dialTimer.Stop()
	s.dialTimer = nil
	s.pendingSend = nil
	s.target = dialTarget{remoteID: remoteID, metadata: md}
	s.mu.Unlock()

	if stale != nil {
		stale.Close()
	}

	util.LogInfo("Connecting to %s", remoteID)
	s.machine.SetConnecting(remoteID)
	s.dial(dialTarget{remoteID: remoteID, metadata: md})
	return nil
}

// Retry is the manual way out of the failed state: it resets the retry
// budget and redials the last peer.
func (s *Session) Retry() error {
	s.mu.Lock()
	target := s.target
	s.mu.Unlock()
	if target.remoteID == "" {
		return ErrNoPeer
	}

	s.machine.ManualRetry(s.redial)
	return nil
}

func (s *Session) redial() {
	s.mu.Lock()
	target := s.target
	if s.closed || target.remoteID == "" || (s.channel != nil && s.open) {
		s.mu.Unlock()
		return
	}
	stale := s.channel
	s.channel = nil
	s.dialTimer.Stop()
	s.dialTimer = nil
	s.mu.Unlock()

	if stale != nil {
		stale.Close()
	}

	util.LogInfo("Reconnecting to %s", target.remoteID)
	s.machine.SetConnecting(target.remoteID)
	s.dial(target)
}

func (s *Session) dial(target dialTarget) {
	ch, err := s.ep.Dial(target.remoteID, target.metadata)
	if err != nil {
		s.dialFailed(target.remoteID, err)
		return
	}

	s.mu.Lock()
	if s.closed || s.target.remoteID != target.remoteID || s.channel != nil {
		s.mu.Unlock()
		ch.Close()
		return
	}
	s.channel = ch
	s.open = false
	s.dialErr = nil
	s.remoteID = target.remoteID
	s.dialTimer = s.clk.AfterFunc(s.opts.DialTimeout, func() { s.onDialTimeout(ch) })
	s.mu.Unlock()

	s.watch(ch)
}

// watch registers the handlers of an active (not pending) channel.
func (s *Session) watch(ch transport.Channel) {
	ch.OnMessage(func(data []byte) { s.onData(ch, data) })
	ch.OnError(func(err error) { s.onChannelError(ch, err) })
	ch.OnClose(func() { s.onClose(ch) })
	ch.OnOpen(func() { s.onOpen(ch) })
}

func retryable(err error) bool {
	return errors.Is(err, transport.ErrNetwork) || errors.Is(err, transport.ErrPeerUnavailable)
}

func (s *Session) dialFailed(remoteID string, err error) {
	util.LogWarning("Connection to %s failed: %v", remoteID, err)
	if retryable(err) {
		s.notice("Could not reach %s: %v", remoteID, err)
		s.scheduleRedial()
		return
	}
	s.notice("Connection to %s failed: %v", remoteID, err)
	s.machine.SetFailed(err.Error())
}

func (s *Session) scheduleRedial() {
	if s.machine.State().Status == connstate.StatusFailed {
		return
	}
	if s.machine.ScheduleRetry(s.redial) {
		util.LogDebug("Retry %d/%d scheduled", s.machine.State().RetryCount, connstate.MaxRetries)
	}
}

func (s *Session) onOpen(ch transport.Channel) {
	s.mu.Lock()
	if s.channel != ch || s.open {
		s.mu.Unlock()
		return
	}
	s.open = true
	s.dialTimer.Stop()
	s.dialTimer = nil
	frame := s.pendingSend
	s.pendingSend = nil
	remoteID := s.remoteID
	s.mu.Unlock()

	util.LogSuccess("Connected to %s", remoteID)
	util.Stats.AddConn()
	s.machine.SetConnected(remoteID)
	s.Emit(Event{Type: EventConnected, PeerID: remoteID})

	if frame != nil {
		if err := ch.Send(frame); err != nil {
			s.notice("Message not sent: %v", err)
		} else {
			util.Stats.AddEnvSent()
		}
	}
}

func (s *Session) onData(ch transport.Channel, data []byte) {
	s.mu.Lock()
	if p := s.pending; p != nil && p.ch == ch {
		if len(p.buffered) < s.opts.MaxBufferedFrames {
			p.buffered = append(p.buffered, data)
		} else {
			util.LogDebug("Dropping frame from pending peer %s", ch.Peer())
		}
		s.mu.Unlock()
		return
	}
	active := s.channel == ch
	s.mu.Unlock()

	if active {
		s.deliver(ch.Peer(), data)
	}
}

func (s *Session) deliver(peerID string, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		util.LogDebug("Ignoring frame from %s: %v", peerID, err)
		return
	}
	util.Stats.AddEnvRecv()
	s.Emit(Event{Type: EventEnvelope, PeerID: peerID, Envelope: env})
}

func (s *Session) onChannelError(ch transport.Channel, err error) {
	s.mu.Lock()
	if s.channel != ch {
		s.mu.Unlock()
		return
	}
	open := s.open
	if !open {
		s.dialErr = err
	}
	s.mu.Unlock()

	util.LogWarning("Channel error: %v", err)
	if open {
		s.notice("Connection error: %v", err)
	}
}

func (s *Session) onClose(ch transport.Channel) {
	s.mu.Lock()
	if p := s.pending; p != nil && p.ch == ch {
		s.pending = nil
		s.mu.Unlock()
		p.timer.Stop()
		util.LogInfo("Connection request from %s withdrawn", ch.Peer())
		s.Emit(Event{Type: EventRequestCancelled, PeerID: ch.Peer()})
		return
	}
	if s.channel != ch {
		s.mu.Unlock()
		return
	}
	wasOpen := s.open
	dialErr := s.dialErr
	remoteID := s.remoteID
	s.channel = nil
	s.open = false
	s.pendingSend = nil
	s.dialErr = nil
	s.dialTimer.Stop()
	s.dialTimer = nil
	s.mu.Unlock()

	if wasOpen {
		util.LogInfo("Peer %s disconnected", remoteID)
		util.Stats.RemoveConn()
		s.machine.SetDisconnected("peer disconnected")
		s.Emit(Event{Type: EventDisconnected, PeerID: remoteID, Notice: "Peer disconnected"})
		return
	}

	// Closed before it ever opened. Without a transport error the remote
	// side turned it down (rejected or busy), which is not retried.
	if dialErr != nil {
		s.dialFailed(remoteID, dialErr)
		return
	}
	util.LogInfo("%s declined the connection", remoteID)
	s.notice("%s declined the connection", remoteID)
	s.machine.SetFailed("connection declined")
}

func (s *Session) onDialTimeout(ch transport.Channel) {
	s.mu.Lock()
	if s.channel != ch || s.open {
		s.mu.Unlock()
		return
	}
	s.channel = nil
	s.dialTimer = nil
	s.pendingSend = nil
	remoteID := s.remoteID
	s.mu.Unlock()

	ch.Close()
	util.LogWarning("Connection to %s timed out", remoteID)
	s.machine.SetFailed("connection request timed out")
	s.Emit(Event{Type: EventTimeout, PeerID: remoteID, Notice: fmt.Sprintf("Connection to %s timed out", remoteID)})
}

// Disconnect closes the channel, or abandons the attempt in flight, and
// cancels scheduled retries. Calling it again is a no-op.
func (s *Session) Disconnect() {
	s.mu.Lock()
	ch := s.channel
	wasOpen := s.open
	remoteID := s.remoteID
	s.channel = nil
	s.open = false
	s.pendingSend = nil
	s.dialErr = nil
	s.dialTimer.Stop()
	s.dialTimer = nil
	s.mu.Unlock()

	s.machine.Close()
	if ch == nil {
		// Between a failed dial and its scheduled retry there is no channel,
		// but the machine still reads connecting.
		if s.machine.State().Status == connstate.StatusConnecting {
			s.machine.SetDisconnected("connection attempt cancelled")
		}
		return
	}
	ch.Close()

	if wasOpen {
		util.LogInfo("Disconnected from %s", remoteID)
		util.Stats.RemoveConn()
		s.machine.SetDisconnected("disconnected")
		s.Emit(Event{Type: EventDisconnected, PeerID: remoteID, Notice: "Peer disconnected"})
		return
	}
	s.machine.SetDisconnected("connection attempt cancelled")
}

// onIncoming holds a remote-dialed channel for the user, or closes it
// right away when busy.
func (s *Session) onIncoming(ch transport.Channel) {
	s.mu.Lock()
	busyFn := s.busy
	s.mu.Unlock()
	inCall := busyFn != nil && busyFn()

	s.mu.Lock()
	if s.closed || !s.ready || inCall || (s.channel != nil && s.open) || s.pending != nil {
		s.mu.Unlock()
		util.LogInfo("Rejecting connection request from %s: busy", ch.Peer())
		ch.Close()
		return
	}
	p := &inbound{ch: ch}
	p.timer = s.clk.AfterFunc(s.opts.RequestTimeout, func() { s.onRequestTimeout(p) })
	s.pending = p
	s.mu.Unlock()

	util.LogInfo("Connection request from %s", ch.Peer())
	s.Emit(Event{Type: EventIncomingRequest, PeerID: ch.Peer(), Metadata: ch.Metadata()})

	ch.OnMessage(func(data []byte) { s.onData(ch, data) })
	ch.OnError(func(err error) { s.onChannelError(ch, err) })
	ch.OnClose(func() { s.onClose(ch) })
}

func (s *Session) onRequestTimeout(p *inbound) {
	s.mu.Lock()
	if s.pending != p {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	s.mu.Unlock()

	p.ch.Close()
	util.LogInfo("Connection request from %s expired", p.ch.Peer())
	s.Emit(Event{Type: EventTimeout, PeerID: p.ch.Peer(), Notice: fmt.Sprintf("Connection request from %s expired", p.ch.Peer())})
}

// AcceptConnection promotes the pending inbound request to the active
// channel. An outbound attempt still in flight is abandoned.
func (s *Session) AcceptConnection() error {
	s.mu.Lock()
	p := s.pending
	if p == nil {
		s.mu.Unlock()
		return ErrNoPendingRequest
	}
	if s.channel != nil && s.open {
		s.mu.Unlock()
		return ErrBusy
	}
	s.pending = nil
	stale := s.channel
	s.channel = p.ch
	s.open = false
	s.dialErr = nil
	s.pendingSend = nil
	s.remoteID = p.ch.Peer()
	s.target = dialTarget{remoteID: p.ch.Peer()}
	s.dialTimer.Stop()
	s.dialTimer = nil
	buffered := p.buffered
	s.mu.Unlock()

	p.timer.Stop()
	if stale != nil {
		stale.Close()
	}

	util.LogInfo("Accepted connection from %s", p.ch.Peer())
	s.machine.SetConnecting(p.ch.Peer())
	for _, data := range buffered {
		s.deliver(p.ch.Peer(), data)
	}
	p.ch.OnOpen(func() { s.onOpen(p.ch) })
	return nil
}

// RejectConnection closes the pending inbound request.
func (s *Session) RejectConnection() error {
	s.mu.Lock()
	p := s.pending
	s.pending = nil
	s.mu.Unlock()
	if p == nil {
		return ErrNoPendingRequest
	}

	p.timer.Stop()
	util.LogInfo("Rejected connection from %s", p.ch.Peer())
	return p.ch.Close()
}

// Send encodes env and sends it on the channel. Before the channel opens a
// single send is held and flushed on open; without a channel the envelope
// is dropped with a notice.
func (s *Session) Send(env protocol.Envelope) error {
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	s.mu.Lock()
	ch, open := s.channel, s.open
	switch {
	case ch == nil:
		s.mu.Unlock()
		s.notice("Not connected: %s not sent", env.Type())
		return ErrNotConnected
	case !open && s.pendingSend != nil:
		s.mu.Unlock()
		s.notice("Still connecting: %s not sent", env.Type())
		return ErrSendQueued
	case !open:
		s.pendingSend = frame
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := ch.Send(frame); err != nil {
		s.notice("Message not sent: %v", err)
		return fmt.Errorf("send %s: %w", env.Type(), err)
	}
	util.Stats.AddEnvSent()
	return nil
}
