package transport

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/togetherly/internal/util"
)

// link is the PeerConnection behind one channel or call, plus its ICE
// bookkeeping. Local candidates gathered before our SDP went out are held
// back so they never overtake it; remote candidates that arrive before the
// remote description is set are queued.
type link struct {
	ep       *PeerEndpoint
	pc       *webrtc.PeerConnection
	connID   string
	connType string
	remoteID string

	mu          sync.Mutex
	sdpSent     bool
	localQueue  []string
	remoteSet   bool
	remoteQueue []webrtc.ICECandidateInit
}

// owner is a channel or call registered with the endpoint under its
// connection ID.
type owner interface {
	link() *link
	remoteClosed()
	failed(err error)
}

func (ep *PeerEndpoint) newLink(remoteID, connID, connType string) (*link, error) {
	pc, err := newPeerConnection(ep.api, ep.opts.ICEServers)
	if err != nil {
		return nil, fmt.Errorf("create PeerConnection: %w", err)
	}

	l := &link{ep: ep, pc: pc, connID: connID, connType: connType, remoteID: remoteID}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		l.sendCandidate(string(data))
	})
	return l, nil
}

func (l *link) sendCandidate(candidate string) {
	l.mu.Lock()
	if !l.sdpSent {
		l.localQueue = append(l.localQueue, candidate)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	if sig := l.ep.signal(); sig != nil {
		if err := sig.SendCandidate(l.remoteID, l.connID, candidate); err != nil {
			util.LogDebug("Failed to relay ICE candidate: %v", err)
		}
	}
}

// sendOffer creates and relays the SDP offer.
func (l *link) sendOffer(md Metadata) error {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("CreateOffer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("SetLocalDescription: %w", err)
	}

	sig := l.ep.signal()
	if sig == nil {
		return fmt.Errorf("%w: not registered", ErrNetwork)
	}
	if err := sig.SendOffer(l.remoteID, l.connID, l.connType, offer.SDP, md); err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	l.flushLocal()
	return nil
}

// sendAnswer applies the remote offer, then creates and relays the answer.
func (l *link) sendAnswer(offerSDP string) error {
	if err := l.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		return err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("CreateAnswer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("SetLocalDescription: %w", err)
	}

	sig := l.ep.signal()
	if sig == nil {
		return fmt.Errorf("%w: not registered", ErrNetwork)
	}
	if err := sig.SendAnswer(l.remoteID, l.connID, l.connType, answer.SDP); err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	l.flushLocal()
	return nil
}

func (l *link) flushLocal() {
	l.mu.Lock()
	l.sdpSent = true
	queued := l.localQueue
	l.localQueue = nil
	l.mu.Unlock()

	for _, c := range queued {
		l.sendCandidate(c)
	}
}

func (l *link) setRemote(desc webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("SetRemoteDescription: %w", err)
	}

	l.mu.Lock()
	l.remoteSet = true
	queued := l.remoteQueue
	l.remoteQueue = nil
	l.mu.Unlock()

	for _, c := range queued {
		if err := l.pc.AddICECandidate(c); err != nil {
			util.LogDebug("AddICECandidate failed: %v", err)
		}
	}
	return nil
}

func (l *link) addCandidate(raw string) {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(raw), &init); err != nil {
		util.LogDebug("Ignoring malformed ICE candidate: %v", err)
		return
	}

	l.mu.Lock()
	if !l.remoteSet {
		l.remoteQueue = append(l.remoteQueue, init)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	if err := l.pc.AddICECandidate(init); err != nil {
		util.LogDebug("AddICECandidate failed: %v", err)
	}
}

// leave tells the remote side the connection is gone. Best effort.
func (l *link) leave() {
	if sig := l.ep.signal(); sig != nil {
		_ = sig.SendLeave(l.remoteID, l.connID)
	}
}
