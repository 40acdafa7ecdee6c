package signaling

import (
	"fmt"

	"github.com/1ureka/togetherly/internal/util"
)

// readLoop forwards broker messages to the inbox until the connection
// fails, then closes the inbox.
func (c *Client) readLoop() {
	defer close(c.inbox)

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				util.LogWarning("Signaling connection lost: %v", err)
			}
			c.shutdown(fmt.Errorf("%w: %v", ErrUnreachable, err))
			return
		}

		if msg.Type == MsgTypeError && msg.Payload != nil {
			util.LogWarning("Signaling server: %s", msg.Payload.Error)
		}

		select {
		case c.inbox <- msg:
		case <-c.done:
			return
		}
	}
}
