// Package signaling relays SDP and ICE between registered connection
// identifiers. It contains the broker (server side) and the client used by
// the peer endpoint.
package signaling

// MessageType identifies the kind of signaling message.
type MessageType string

const (
	// Broker → client.
	MsgTypeOpen    MessageType = "open"     // identifier registered
	MsgTypeIDTaken MessageType = "id-taken" // identifier already registered
	MsgTypeError   MessageType = "error"
	MsgTypeExpire  MessageType = "expire" // destination of an offer is unknown

	// Relayed between peers.
	MsgTypeOffer     MessageType = "offer"
	MsgTypeAnswer    MessageType = "answer"
	MsgTypeCandidate MessageType = "candidate"
	MsgTypeLeave     MessageType = "leave"
)

// Connection types carried by offers.
const (
	ConnectionData  = "data"
	ConnectionMedia = "media"
)

// Message is the JSON structure exchanged over the WebSocket.
type Message struct {
	Type    MessageType `json:"type"`
	Src     string      `json:"src,omitempty"`
	Dst     string      `json:"dst,omitempty"`
	Payload *Payload    `json:"payload,omitempty"`
}

// Payload carries the per-connection part of a message.
type Payload struct {
	ConnectionID   string            `json:"connectionId,omitempty"`
	ConnectionType string            `json:"connectionType,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	SDP            string            `json:"sdp,omitempty"`
	Candidate      string            `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
	Error          string            `json:"error,omitempty"`
}

// ConnectionID returns the payload's connection ID, or "" without a payload.
func (m Message) ConnectionID() string {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.ConnectionID
}

func (t MessageType) relayed() bool {
	switch t {
	case MsgTypeOffer, MsgTypeAnswer, MsgTypeCandidate, MsgTypeLeave:
		return true
	}
	return false
}
