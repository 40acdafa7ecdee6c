package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/togetherly/internal/media"
	"github.com/1ureka/togetherly/internal/signaling"
	"github.com/1ureka/togetherly/internal/util"
)

// PeerOptions configures a PeerEndpoint.
type PeerOptions struct {
	// SignalURL is the broker's WebSocket endpoint, e.g. wss://host/ws.
	SignalURL  string
	ICEServers []string
	// Codecs selects the encoders offered for calls. Nil keeps pion's
	// default codec set, which is enough for chat-only use.
	Codecs *mediadevices.CodecSelector
}

// PeerEndpoint is the pion/webrtc Endpoint. Every channel and call gets
// its own PeerConnection; SDP and ICE travel through the broker.
type PeerEndpoint struct {
	opts PeerOptions
	api  *webrtc.API

	mu     sync.Mutex
	sig    *signaling.Client
	owners map[string]owner
	onChan func(Channel)
	onCall func(IncomingCall)
	closed bool
}

// NewPeerEndpoint builds an endpoint. Nothing touches the network until
// Open.
func NewPeerEndpoint(opts PeerOptions) (*PeerEndpoint, error) {
	api, err := newAPI(opts.Codecs)
	if err != nil {
		return nil, err
	}
	return &PeerEndpoint{
		opts:   opts,
		api:    api,
		owners: make(map[string]owner),
	}, nil
}

// Open registers id with the broker.
func (ep *PeerEndpoint) Open(ctx context.Context, id string) (string, error) {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return "", ErrEndpointClosed
	}
	prev := ep.sig
	ep.sig = nil
	ep.mu.Unlock()

	if prev != nil {
		prev.Close()
	}

	sig, err := signaling.Connect(ctx, ep.opts.SignalURL, id)
	switch {
	case errors.Is(err, signaling.ErrIDTaken):
		return "", fmt.Errorf("%w: %s", ErrUnavailableID, id)
	case err != nil:
		return "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		sig.Close()
		return "", ErrEndpointClosed
	}
	ep.sig = sig
	ep.mu.Unlock()

	util.LogSuccess("Registered as %s", id)
	go ep.dispatch(sig)
	return sig.ID(), nil
}

func (ep *PeerEndpoint) OnIncomingChannel(fn func(Channel)) {
	ep.mu.Lock()
	ep.onChan = fn
	ep.mu.Unlock()
}

func (ep *PeerEndpoint) OnIncomingCall(fn func(IncomingCall)) {
	ep.mu.Lock()
	ep.onCall = fn
	ep.mu.Unlock()
}

// Dial opens a data channel to remoteID. The returned channel opens once
// ICE completes; an unknown remote surfaces through OnError with
// ErrPeerUnavailable.
func (ep *PeerEndpoint) Dial(remoteID string, md Metadata) (Channel, error) {
	if ep.signal() == nil {
		return nil, fmt.Errorf("%w: not registered", ErrNetwork)
	}

	l, err := ep.newLink(remoteID, "dc_"+uuid.NewString(), signaling.ConnectionData)
	if err != nil {
		return nil, err
	}
	ch := newChannel(l, md)

	dc, err := newDataChannel(l.pc)
	if err != nil {
		ch.finish()
		return nil, fmt.Errorf("create DataChannel: %w", err)
	}
	ch.attach(dc)

	if err := ep.register(l.connID, ch); err != nil {
		ch.finish()
		return nil, err
	}
	if err := l.sendOffer(md); err != nil {
		ch.finish()
		return nil, err
	}
	util.LogDebug("Dialing %s (%s)", remoteID, l.connID)
	return ch, nil
}

// Call places a media call. md["kind"] selects the call kind; without it
// the kind follows the stream's tracks.
func (ep *PeerEndpoint) Call(remoteID string, stream *media.Stream, md Metadata) (Call, error) {
	if ep.signal() == nil {
		return nil, fmt.Errorf("%w: not registered", ErrNetwork)
	}

	kind := media.Kind(md["kind"])
	if kind == "" {
		kind = media.KindAudio
		if stream != nil && len(stream.TracksOf(media.KindVideo)) > 0 {
			kind = media.KindVideo
		}
		md = withKind(md, kind)
	}

	l, err := ep.newLink(remoteID, "mc_"+uuid.NewString(), signaling.ConnectionMedia)
	if err != nil {
		return nil, err
	}
	c := newCall(l, md)
	c.answered = true

	if err := c.attachLocal(stream, kind); err != nil {
		c.finish()
		return nil, err
	}
	if err := ep.register(l.connID, c); err != nil {
		c.finish()
		return nil, err
	}
	if err := l.sendOffer(md); err != nil {
		c.finish()
		return nil, err
	}
	util.LogDebug("Calling %s (%s, %s)", remoteID, kind, l.connID)
	return c, nil
}

// Close ends every channel and call and unregisters from the broker.
func (ep *PeerEndpoint) Close() error {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}
	ep.closed = true
	sig := ep.sig
	ep.sig = nil
	owners := make([]owner, 0, len(ep.owners))
	for _, o := range ep.owners {
		owners = append(owners, o)
	}
	ep.mu.Unlock()

	for _, o := range owners {
		o.link().leave()
		o.remoteClosed()
	}
	if sig != nil {
		return sig.Close()
	}
	return nil
}

func (ep *PeerEndpoint) signal() *signaling.Client {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.sig
}

func (ep *PeerEndpoint) register(connID string, o owner) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closed {
		return ErrEndpointClosed
	}
	ep.owners[connID] = o
	return nil
}

func (ep *PeerEndpoint) forget(connID string) {
	ep.mu.Lock()
	delete(ep.owners, connID)
	ep.mu.Unlock()
}

func (ep *PeerEndpoint) lookup(connID string) owner {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.owners[connID]
}

// dispatch routes broker messages to their connections until the broker
// connection ends.
func (ep *PeerEndpoint) dispatch(sig *signaling.Client) {
	for msg := range sig.Messages() {
		connID := msg.ConnectionID()

		switch msg.Type {
		case signaling.MsgTypeOffer:
			ep.handleOffer(msg)

		case signaling.MsgTypeAnswer:
			if o := ep.lookup(connID); o != nil {
				desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.Payload.SDP}
				if err := o.link().setRemote(desc); err != nil {
					util.LogWarning("Rejecting answer from %s: %v", msg.Src, err)
					o.failed(fmt.Errorf("%w: %v", ErrNetwork, err))
				}
			}

		case signaling.MsgTypeCandidate:
			if o := ep.lookup(connID); o != nil {
				o.link().addCandidate(msg.Payload.Candidate)
			}

		case signaling.MsgTypeLeave:
			if o := ep.lookup(connID); o != nil {
				o.remoteClosed()
			}

		case signaling.MsgTypeExpire:
			if o := ep.lookup(connID); o != nil {
				o.failed(fmt.Errorf("%w: %s", ErrPeerUnavailable, msg.Dst))
			}

		case signaling.MsgTypeError:
			reason := ""
			if msg.Payload != nil {
				reason = msg.Payload.Error
			}
			util.LogWarning("Signaling error for %q: %s", connID, reason)

		default:
			util.LogDebug("Ignoring signaling message %q", msg.Type)
		}
	}

	if err := sig.Err(); err != nil && !errors.Is(err, signaling.ErrClosed) {
		util.LogWarning("Signaling connection lost: %v", err)
	}
}

func (ep *PeerEndpoint) handleOffer(msg signaling.Message) {
	if msg.Payload == nil || msg.Payload.ConnectionID == "" {
		return
	}
	p := msg.Payload
	md := Metadata(p.Metadata)

	ep.mu.Lock()
	onChan, onCall := ep.onChan, ep.onCall
	ep.mu.Unlock()

	l, err := ep.newLink(msg.Src, p.ConnectionID, p.ConnectionType)
	if err != nil {
		util.LogError("Failed to accept offer from %s: %v", msg.Src, err)
		return
	}

	switch p.ConnectionType {
	case signaling.ConnectionData:
		ch := newChannel(l, md)
		l.pc.OnDataChannel(ch.attach)
		if err := ep.register(p.ConnectionID, ch); err != nil {
			ch.finish()
			return
		}
		if onChan == nil {
			l.leave()
			ch.finish()
			return
		}
		onChan(ch)
		if err := l.sendAnswer(p.SDP); err != nil {
			util.LogWarning("Failed to answer %s: %v", msg.Src, err)
			ch.failed(err)
		}

	case signaling.ConnectionMedia:
		c := newCall(l, md)
		c.offerSDP = p.SDP
		if err := ep.register(p.ConnectionID, c); err != nil {
			c.finish()
			return
		}
		if onCall == nil {
			l.leave()
			c.finish()
			return
		}
		onCall(c)

	default:
		util.LogDebug("Ignoring offer with connection type %q", p.ConnectionType)
		l.pc.Close()
	}
}

func withKind(md Metadata, kind media.Kind) Metadata {
	out := make(Metadata, len(md)+1)
	for k, v := range md {
		out[k] = v
	}
	out["kind"] = string(kind)
	return out
}
