// Package session owns the local transport endpoint and the single peer
// channel. It turns transport callbacks into a flat stream of Events and
// drives the connection state machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/1ureka/togetherly/internal/clock"
	"github.com/1ureka/togetherly/internal/connstate"
	"github.com/1ureka/togetherly/internal/identity"
	"github.com/1ureka/togetherly/internal/transport"
	"github.com/1ureka/togetherly/internal/util"
)

var (
	ErrInvalidIdentifier = errors.New("invalid connection identifier")
	ErrNotReady          = errors.New("local endpoint not ready")
	ErrBusy              = errors.New("already connected")
	ErrNotConnected      = errors.New("not connected")
	ErrSendQueued        = errors.New("a send is already waiting for the channel to open")
	ErrNoPendingRequest  = errors.New("no pending connection request")
	ErrNoPeer            = errors.New("no peer to reconnect to")
	ErrClosed            = errors.New("session closed")
)

// Options tunes timeouts and identifier generation. Zero values take the
// defaults.
type Options struct {
	// DialTimeout bounds how long an outbound channel may take to open.
	DialTimeout time.Duration
	// RequestTimeout bounds how long an inbound request stays pending.
	RequestTimeout time.Duration
	// OpenRetryDelay is the wait after a network error while opening the
	// endpoint.
	OpenRetryDelay time.Duration
	// MaxBufferedFrames caps frames held for a pending inbound channel.
	MaxBufferedFrames int

	NewID      func() string
	FallbackID func() string
}

const (
	DefaultDialTimeout       = 5 * time.Minute
	DefaultRequestTimeout    = 5 * time.Minute
	DefaultOpenRetryDelay    = 2000 * time.Millisecond
	DefaultMaxBufferedFrames = 16
)

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.OpenRetryDelay <= 0 {
		o.OpenRetryDelay = DefaultOpenRetryDelay
	}
	if o.MaxBufferedFrames <= 0 {
		o.MaxBufferedFrames = DefaultMaxBufferedFrames
	}
	if o.NewID == nil {
		o.NewID = identity.Generate
	}
	if o.FallbackID == nil {
		o.FallbackID = identity.GenerateFallback
	}
	return o
}

// dialTarget is what a retry redials.
type dialTarget struct {
	remoteID string
	metadata transport.Metadata
}

// inbound is a channel dialed by the remote peer that has not been
// accepted or rejected yet.
type inbound struct {
	ch       transport.Channel
	timer    *clock.Timer
	buffered [][]byte
}

// Session is the process-wide peer session. All methods are safe for
// concurrent use; no transport method is called while s.mu is held.
type Session struct {
	ep      transport.Endpoint
	machine *connstate.Machine
	clk     clock.Clock
	opts    Options
	events  *eventQueue

	mu          sync.Mutex
	localID     string
	ready       bool
	closed      bool
	remoteID    string
	channel     transport.Channel
	open        bool
	pendingSend []byte
	dialTimer   *clock.Timer
	dialErr     error
	target      dialTarget
	pending     *inbound
	busy        func() bool
}

// New creates a session over ep. It registers for inbound channels right
// away; they are only surfaced once Initialize succeeded.
func New(ep transport.Endpoint, machine *connstate.Machine, clk clock.Clock, opts Options) *Session {
	s := &Session{
		ep:      ep,
		machine: machine,
		clk:     clk,
		opts:    opts.withDefaults(),
		events:  newEventQueue(),
	}
	ep.OnIncomingChannel(s.onIncoming)
	return s
}

// Events is the session's event stream. It is closed by Close.
func (s *Session) Events() <-chan Event { return s.events.out }

// Emit publishes e on the event stream.
func (s *Session) Emit(e Event) { s.events.push(e) }

func (s *Session) notice(format string, args ...any) {
	s.Emit(Event{Type: EventNotice, Notice: fmt.Sprintf(format, args...)})
}

// Machine returns the connection state machine the session drives.
func (s *Session) Machine() *connstate.Machine { return s.machine }

// SetBusyFunc installs a predicate consulted for inbound requests; a true
// result (e.g. a call is active) rejects them.
func (s *Session) SetBusyFunc(fn func() bool) {
	s.mu.Lock()
	s.busy = fn
	s.mu.Unlock()
}

// LocalID returns the assigned identifier, or "" before Initialize.
func (s *Session) LocalID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localID
}

// RemoteID returns the identifier of the current or last peer.
func (s *Session) RemoteID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID
}

// Connected reports whether the channel is open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel != nil && s.open
}

// PendingRequest returns the peer of the pending inbound request.
func (s *Session) PendingRequest() (peerID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return "", false
	}
	return s.pending.ch.Peer(), true
}

// Initialize allocates the local identifier and opens the endpoint. A taken
// identifier is replaced by a fallback one and retried immediately; network
// errors are retried after a fixed delay. At most connstate.MaxRetries
// retries happen in total. Calling it again after success returns the
// assigned identifier.
func (s *Session) Initialize(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	if s.ready {
		id := s.localID
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	id := s.opts.NewID()
	var lastErr error
	open := func() error {
		assigned, err := s.ep.Open(ctx, id)
		lastErr = err
		switch {
		case err == nil:
			id = assigned
			return nil
		case errors.Is(err, transport.ErrUnavailableID):
			util.LogWarning("Identifier %s is taken, switching to a fallback", id)
			id = s.opts.FallbackID()
			return err
		case errors.Is(err, transport.ErrNetwork):
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(&openBackOff{delay: s.opts.OpenRetryDelay, lastErr: &lastErr}, connstate.MaxRetries),
		ctx,
	)
	notify := func(err error, next time.Duration) {
		util.LogDebug("Endpoint open failed (%v), retrying in %s", err, next)
	}

	if err := backoff.RetryNotifyWithTimer(open, policy, notify, newClockTimer(s.clk)); err != nil {
		util.LogError("Failed to open local endpoint: %v", err)
		s.machine.SetFailed(fmt.Sprintf("initialization failed: %v", err))
		s.Emit(Event{Type: EventInitFailed, Err: err})
		return "", err
	}

	s.mu.Lock()
	s.localID = id
	s.ready = true
	s.mu.Unlock()

	util.LogSuccess("Local identifier: %s", id)
	s.Emit(Event{Type: EventReady, LocalID: id})
	return id, nil
}

// Close tears down the channel, any pending request, the endpoint and the
// event stream.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ch := s.channel
	s.channel = nil
	s.open = false
	s.target = dialTarget{}
	s.dialTimer.Stop()
	p := s.pending
	s.pending = nil
	s.mu.Unlock()

	if p != nil {
		p.timer.Stop()
		p.ch.Close()
	}
	var errs []error
	if ch != nil {
		errs = append(errs, ch.Close())
	}
	s.machine.Close()
	errs = append(errs, s.ep.Close())
	s.events.close()
	return errors.Join(errs...)
}
