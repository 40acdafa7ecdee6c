// Package transport defines the peer-to-peer capabilities the session core
// consumes (an endpoint that dials reliable ordered channels and places
// media calls) and implements them on pion/webrtc.
package transport

import (
	"context"
	"errors"

	"github.com/1ureka/togetherly/internal/media"
)

var (
	// ErrUnavailableID means the local identifier is already registered.
	ErrUnavailableID = errors.New("identifier unavailable")
	// ErrNetwork covers signaling server and network failures.
	ErrNetwork = errors.New("network error")
	// ErrPeerUnavailable means the remote identifier is not reachable.
	ErrPeerUnavailable = errors.New("peer unavailable")
	// ErrNotOpen is returned by Send before the channel opened or after
	// it closed.
	ErrNotOpen = errors.New("channel not open")
	// ErrEndpointClosed is returned by operations on a closed endpoint.
	ErrEndpointClosed = errors.New("endpoint closed")
)

// Metadata travels with a dial or call so the remote side can describe
// the request (caller nickname, call kind).
type Metadata map[string]string

// Endpoint is the local side of the transport, registered under one
// identifier.
type Endpoint interface {
	// Open registers id and returns the identifier actually assigned.
	Open(ctx context.Context, id string) (string, error)
	// Dial opens a reliable ordered channel to remoteID.
	Dial(remoteID string, md Metadata) (Channel, error)
	// OnIncomingChannel registers the handler for channels dialed by
	// remote peers.
	OnIncomingChannel(fn func(Channel))
	// Call places a media call carrying stream.
	Call(remoteID string, stream *media.Stream, md Metadata) (Call, error)
	// OnIncomingCall registers the handler for calls placed by remote
	// peers.
	OnIncomingCall(fn func(IncomingCall))
	Close() error
}

// Channel is a reliable ordered message channel to one peer. Handlers
// run on transport goroutines. Registering OnOpen on an already open
// channel, or OnClose on a closed one, invokes the handler right away.
type Channel interface {
	Peer() string
	Metadata() Metadata
	IsOpen() bool
	Send(data []byte) error
	OnOpen(fn func())
	OnMessage(fn func(data []byte))
	OnClose(fn func())
	OnError(fn func(err error))
	// Close is idempotent; OnClose fires once.
	Close() error
}

// Call is a media call. Registering OnStream after a remote stream arrived
// replays the latest stream; OnClose on a closed call fires right away.
type Call interface {
	Peer() string
	Metadata() Metadata
	OnStream(fn func(remote *media.Stream))
	OnClose(fn func())
	OnError(fn func(err error))
	// Close is idempotent; OnClose fires once.
	Close() error
}

// IncomingCall is a call placed by the remote peer that has not been
// answered yet.
type IncomingCall interface {
	Call
	Answer(stream *media.Stream) error
}
