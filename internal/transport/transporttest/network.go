// Package transporttest provides an in-memory transport. Endpoints created
// from one Network reach each other synchronously: a Send on one side runs
// the peer's OnMessage handler before returning.
package transporttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/1ureka/togetherly/internal/media"
	"github.com/1ureka/togetherly/internal/transport"
)

// Network is a set of endpoints that can reach each other.
type Network struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	failOpen  []error
	failDial  map[string]error
	manual    bool
}

func NewNetwork() *Network {
	return &Network{
		endpoints: make(map[string]*Endpoint),
		failDial:  make(map[string]error),
	}
}

// NewEndpoint returns an unregistered endpoint.
func (n *Network) NewEndpoint() *Endpoint {
	return &Endpoint{net: n}
}

// FailNextOpen queues errors returned by the next Open calls, across all
// endpoints, in order.
func (n *Network) FailNextOpen(errs ...error) {
	n.mu.Lock()
	n.failOpen = append(n.failOpen, errs...)
	n.mu.Unlock()
}

// FailDial makes every Dial to remoteID fail with err until cleared with
// a nil err.
func (n *Network) FailDial(remoteID string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		delete(n.failDial, remoteID)
		return
	}
	n.failDial[remoteID] = err
}

// SetManualOpen stops Dial from opening channels; tests then call
// Channel.Open themselves.
func (n *Network) SetManualOpen(manual bool) {
	n.mu.Lock()
	n.manual = manual
	n.mu.Unlock()
}

// Endpoint returns the endpoint registered under id, or nil.
func (n *Network) Endpoint(id string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoints[id]
}

// Endpoint is an in-memory transport.Endpoint.
type Endpoint struct {
	net *Network

	mu       sync.Mutex
	id       string
	closed   bool
	opens    int
	onChan   func(transport.Channel)
	onCall   func(transport.IncomingCall)
	channels []*Channel
	calls    []*Call
}

var _ transport.Endpoint = (*Endpoint)(nil)

func (e *Endpoint) Open(ctx context.Context, id string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	e.mu.Lock()
	e.opens++
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return "", transport.ErrEndpointClosed
	}

	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.failOpen) > 0 {
		err := n.failOpen[0]
		n.failOpen = n.failOpen[1:]
		return "", err
	}
	if other, ok := n.endpoints[id]; ok && other != e {
		return "", fmt.Errorf("%w: %s", transport.ErrUnavailableID, id)
	}

	e.mu.Lock()
	if e.id != "" && e.id != id {
		delete(n.endpoints, e.id)
	}
	e.id = id
	e.mu.Unlock()
	n.endpoints[id] = e
	return id, nil
}

// ID returns the registered identifier.
func (e *Endpoint) ID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.id
}

// Opens reports how many times Open was called.
func (e *Endpoint) Opens() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opens
}

func (e *Endpoint) OnIncomingChannel(fn func(transport.Channel)) {
	e.mu.Lock()
	e.onChan = fn
	e.mu.Unlock()
}

func (e *Endpoint) OnIncomingCall(fn func(transport.IncomingCall)) {
	e.mu.Lock()
	e.onCall = fn
	e.mu.Unlock()
}

func (e *Endpoint) Dial(remoteID string, md transport.Metadata) (transport.Channel, error) {
	remote, err := e.reach(remoteID)
	if err != nil {
		return nil, err
	}

	local := newChannel(remoteID, md)
	peer := newChannel(e.ID(), md)
	local.peer, peer.peer = peer, local

	e.mu.Lock()
	e.channels = append(e.channels, local)
	e.mu.Unlock()

	remote.mu.Lock()
	remote.channels = append(remote.channels, peer)
	onChan := remote.onChan
	remote.mu.Unlock()

	if onChan != nil {
		onChan(peer)
	} else {
		peer.Close()
	}

	e.net.mu.Lock()
	manual := e.net.manual
	e.net.mu.Unlock()
	if !manual {
		local.Open()
	}
	return local, nil
}

func (e *Endpoint) Call(remoteID string, stream *media.Stream, md transport.Metadata) (transport.Call, error) {
	remote, err := e.reach(remoteID)
	if err != nil {
		return nil, err
	}

	local := newCall(remoteID, md)
	peer := newCall(e.ID(), md)
	local.peer, peer.peer = peer, local
	local.stream = stream

	e.mu.Lock()
	e.calls = append(e.calls, local)
	e.mu.Unlock()

	remote.mu.Lock()
	remote.calls = append(remote.calls, peer)
	onCall := remote.onCall
	remote.mu.Unlock()

	if onCall != nil {
		onCall(peer)
	} else {
		peer.Close()
	}
	return local, nil
}

func (e *Endpoint) reach(remoteID string) (*Endpoint, error) {
	e.mu.Lock()
	id, closed := e.id, e.closed
	e.mu.Unlock()
	if closed {
		return nil, transport.ErrEndpointClosed
	}
	if id == "" {
		return nil, fmt.Errorf("%w: not registered", transport.ErrNetwork)
	}

	n := e.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if err, ok := n.failDial[remoteID]; ok {
		return nil, err
	}
	remote, ok := n.endpoints[remoteID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrPeerUnavailable, remoteID)
	}
	return remote, nil
}

// Channels returns every channel this endpoint dialed or received.
func (e *Endpoint) Channels() []*Channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Channel(nil), e.channels...)
}

// Calls returns every call this endpoint placed or received.
func (e *Endpoint) Calls() []*Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Call(nil), e.calls...)
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	id := e.id
	channels, calls := e.channels, e.calls
	e.mu.Unlock()

	e.net.mu.Lock()
	if e.net.endpoints[id] == e {
		delete(e.net.endpoints, id)
	}
	e.net.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	for _, c := range calls {
		c.Close()
	}
	return nil
}
