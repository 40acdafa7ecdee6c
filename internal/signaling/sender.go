package signaling

import (
	"fmt"
	"time"
)

// Send writes msg to the broker, guarded by a mutex. Src is filled in by
// the broker.
func (c *Client) Send(msg Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: send %s: %v", ErrUnreachable, msg.Type, err)
	}
	return nil
}

// SendOffer relays an SDP offer for a new connection to dst.
func (c *Client) SendOffer(dst, connID, connType, sdp string, metadata map[string]string) error {
	return c.Send(Message{Type: MsgTypeOffer, Dst: dst, Payload: &Payload{
		ConnectionID:   connID,
		ConnectionType: connType,
		Metadata:       metadata,
		SDP:            sdp,
	}})
}

// SendAnswer relays an SDP answer to dst.
func (c *Client) SendAnswer(dst, connID, connType, sdp string) error {
	return c.Send(Message{Type: MsgTypeAnswer, Dst: dst, Payload: &Payload{
		ConnectionID:   connID,
		ConnectionType: connType,
		SDP:            sdp,
	}})
}

// SendCandidate relays a JSON-encoded ICE candidate to dst.
func (c *Client) SendCandidate(dst, connID, candidate string) error {
	return c.Send(Message{Type: MsgTypeCandidate, Dst: dst, Payload: &Payload{
		ConnectionID: connID,
		Candidate:    candidate,
	}})
}

// SendLeave tells dst that the connection is gone.
func (c *Client) SendLeave(dst, connID string) error {
	return c.Send(Message{Type: MsgTypeLeave, Dst: dst, Payload: &Payload{ConnectionID: connID}})
}
