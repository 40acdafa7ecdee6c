package transport

import (
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are used when no ICE servers are configured. No TURN:
// the app is meant for direct P2P connectivity.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// newAPI builds the pion API. With a codec selector the media engine
// advertises the encoders linked into the binary; otherwise pion's
// default codecs are registered.
func newAPI(codecs *mediadevices.CodecSelector) (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}
	if codecs != nil {
		codecs.Populate(me)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(me)), nil
}

// newPeerConnection creates a PeerConnection using the given ICE servers.
func newPeerConnection(api *webrtc.API, iceServers []string) (*webrtc.PeerConnection, error) {
	if len(iceServers) == 0 {
		iceServers = DefaultSTUNServers
	}
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: iceServers},
		},
	}
	return api.NewPeerConnection(config)
}

// newDataChannel creates the ordered, reliable channel chat and playback
// sync ride on. Ordering is required: envelopes must arrive in send order.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	return pc.CreateDataChannel("togetherly", &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
}
