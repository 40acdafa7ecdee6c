// Package call manages the single audio or video call layered on top of
// the peer session.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/togetherly/internal/media"
	"github.com/1ureka/togetherly/internal/session"
	"github.com/1ureka/togetherly/internal/transport"
	"github.com/1ureka/togetherly/internal/util"
)

var (
	ErrNotConnected = errors.New("no open channel to call over")
	ErrCallActive   = errors.New("a call is already active")
	ErrInvalidKind  = errors.New("call kind must be audio or video")
)

const acquireTimeout = 30 * time.Second

// Host is the part of the session the controller depends on.
type Host interface {
	Connected() bool
	RemoteID() string
	Emit(e session.Event)
}

type activeCall struct {
	handle transport.Call
	kind   media.Kind
	local  *media.Stream
	remote *media.Stream
}

// Controller places, answers and ends calls. At most one call exists at a
// time, and a call is only placed or answered while the session channel
// is open.
type Controller struct {
	ep     transport.Endpoint
	host   Host
	source media.Source

	mu       sync.Mutex
	active   *activeCall
	starting bool

	answering sync.WaitGroup // inbound calls still acquiring media
}

// New returns a Controller answering inbound calls on ep.
func New(ep transport.Endpoint, host Host, source media.Source) *Controller {
	c := &Controller{ep: ep, host: host, source: source}
	ep.OnIncomingCall(c.onIncoming)
	return c
}

func validKind(kind media.Kind) bool {
	return kind == media.KindAudio || kind == media.KindVideo
}

// Active reports whether a call is active or being set up.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil || c.starting
}

// Kind returns the kind of the active call, or "".
func (c *Controller) Kind() media.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ""
	}
	return c.active.kind
}

func (c *Controller) notice(format string, args ...any) {
	c.host.Emit(session.Event{Type: session.EventNotice, Notice: fmt.Sprintf(format, args...)})
}

// describe turns an acquisition error into user-facing text.
func describe(err error) string {
	switch {
	case errors.Is(err, media.ErrPermissionDenied):
		return "Call aborted: camera or microphone permission denied"
	case errors.Is(err, media.ErrNoDevice):
		return "Call aborted: no camera or microphone found"
	default:
		return fmt.Sprintf("Call aborted: %v", err)
	}
}

// reserve claims the single call slot for a call being set up.
func (c *Controller) reserve() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil || c.starting {
		return false
	}
	c.starting = true
	return true
}

func (c *Controller) unreserve() {
	c.mu.Lock()
	c.starting = false
	c.mu.Unlock()
}

func (c *Controller) activate(a *activeCall) {
	c.mu.Lock()
	c.active = a
	c.starting = false
	c.mu.Unlock()
}

// StartCall acquires local media and calls the connected peer. Failures
// leave no call behind and are also reported as notices.
func (c *Controller) StartCall(ctx context.Context, kind media.Kind) error {
	if !validKind(kind) {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if !c.host.Connected() {
		c.notice("Connect to a peer before starting a call")
		return ErrNotConnected
	}
	if !c.reserve() {
		return ErrCallActive
	}

	local, err := c.source.Acquire(ctx, media.ConstraintsFor(kind))
	if err != nil {
		c.unreserve()
		util.LogWarning("Media acquisition failed: %v", err)
		c.notice("%s", describe(err))
		return err
	}

	peerID := c.host.RemoteID()
	handle, err := c.ep.Call(peerID, local, transport.Metadata{"kind": string(kind)})
	if err != nil {
		local.Stop()
		c.unreserve()
		util.LogWarning("Call to %s failed: %v", peerID, err)
		c.notice("Call failed: %v", err)
		return err
	}

	a := &activeCall{handle: handle, kind: kind, local: local}
	c.activate(a)
	util.LogInfo("Started %s call with %s", kind, peerID)
	c.host.Emit(session.Event{Type: session.EventCallStarted, PeerID: peerID, Kind: kind})
	c.wire(a)
	return nil
}

func (c *Controller) onIncoming(ic transport.IncomingCall) {
	if !c.host.Connected() || ic.Peer() != c.host.RemoteID() {
		util.LogInfo("Ignoring call from %s: not the connected peer", ic.Peer())
		ic.Close()
		return
	}
	if !c.reserve() {
		util.LogInfo("Rejecting call from %s: busy", ic.Peer())
		ic.Close()
		return
	}

	kind := media.Kind(ic.Metadata()["kind"])
	if !validKind(kind) {
		kind = media.KindAudio
	}

	// Opening a camera can take seconds; the endpoint's signaling loop
	// must keep running meanwhile.
	c.answering.Add(1)
	go func() {
		defer c.answering.Done()
		c.answer(ic, kind)
	}()
}

// answer acquires local media for a reserved inbound call and answers it.
func (c *Controller) answer(ic transport.IncomingCall, kind media.Kind) {
	ctx, cancel := context.WithTimeout(context.Background(), acquireTimeout)
	defer cancel()
	local, err := c.source.Acquire(ctx, media.ConstraintsFor(kind))
	if err != nil {
		c.unreserve()
		ic.Close()
		util.LogWarning("Media acquisition failed: %v", err)
		c.notice("%s", describe(err))
		return
	}

	a := &activeCall{handle: ic, kind: kind, local: local}
	c.activate(a)
	util.LogInfo("Answering %s call from %s", kind, ic.Peer())
	c.host.Emit(session.Event{Type: session.EventCallStarted, PeerID: ic.Peer(), Kind: kind})
	c.wire(a)

	if err := ic.Answer(local); err != nil {
		util.LogWarning("Failed to answer call: %v", err)
		c.notice("Call failed: %v", err)
		c.end(a)
	}
}

func (c *Controller) wire(a *activeCall) {
	a.handle.OnStream(func(remote *media.Stream) {
		c.mu.Lock()
		if c.active != a {
			c.mu.Unlock()
			return
		}
		a.remote = remote
		c.mu.Unlock()

		c.host.Emit(session.Event{Type: session.EventCallStream, PeerID: a.handle.Peer(), Kind: a.kind, Stream: remote})
	})
	a.handle.OnError(func(err error) {
		util.LogWarning("Call error: %v", err)
		c.notice("Call error: %v", err)
		c.end(a)
	})
	a.handle.OnClose(func() { c.end(a) })
}

// EndCall ends the active call. It is safe to call repeatedly and from
// any path; only the first call releases anything.
func (c *Controller) EndCall() {
	c.mu.Lock()
	a := c.active
	c.mu.Unlock()
	if a != nil {
		c.end(a)
	}
}

func (c *Controller) end(a *activeCall) {
	c.mu.Lock()
	if c.active != a {
		c.mu.Unlock()
		return
	}
	c.active = nil
	remote := a.remote
	c.mu.Unlock()

	a.local.Stop()
	if remote != nil {
		remote.Stop()
	}
	if err := a.handle.Close(); err != nil {
		util.LogDebug("Closing call: %v", err)
	}

	util.LogInfo("Call with %s ended", a.handle.Peer())
	c.host.Emit(session.Event{Type: session.EventCallEnded, PeerID: a.handle.Peer(), Kind: a.kind, Notice: "Call ended"})
}

// ToggleMedia flips the first local track of kind. ok is false when there
// is no call or no such track.
func (c *Controller) ToggleMedia(kind media.Kind) (enabled, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return false, false
	}
	tracks := c.active.local.TracksOf(kind)
	if len(tracks) == 0 {
		return false, false
	}
	t := tracks[0]
	t.SetEnabled(!t.Enabled())
	return t.Enabled(), true
}
