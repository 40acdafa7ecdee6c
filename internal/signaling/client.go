package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrIDTaken     = errors.New("identifier already taken")
	ErrUnreachable = errors.New("signaling server unreachable")
	ErrServer      = errors.New("signaling server error")
	ErrClosed      = errors.New("signaling connection closed")
)

const handshakeTimeout = 10 * time.Second

// Client is a registered connection to the broker. Messages addressed to
// the client's identifier arrive on Messages.
type Client struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex

	inbox     chan Message
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Connect dials the broker at baseURL (e.g. wss://example.com/ws) and
// registers id. It fails with ErrIDTaken when another client holds id and
// with ErrUnreachable or ErrServer on transport problems.
func Connect(ctx context.Context, baseURL, id string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid url %q: %v", ErrUnreachable, baseURL, err)
	}
	q := u.Query()
	q.Set("id", id)
	u.RawQuery = q.Encode()

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = handshakeTimeout
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	first, err := readHandshake(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	switch first.Type {
	case MsgTypeOpen:
	case MsgTypeIDTaken:
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrIDTaken, id)
	default:
		conn.Close()
		reason := string(first.Type)
		if first.Payload != nil && first.Payload.Error != "" {
			reason = first.Payload.Error
		}
		return nil, fmt.Errorf("%w: %s", ErrServer, reason)
	}

	c := &Client{
		id:    id,
		conn:  conn,
		inbox: make(chan Message, sendBufferSize),
		done:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func readHandshake(ctx context.Context, conn *websocket.Conn) (Message, error) {
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		return Message{}, fmt.Errorf("%w: no registration reply: %v", ErrServer, err)
	}
	return msg, nil
}

// ID returns the registered identifier.
func (c *Client) ID() string { return c.id }

// Messages delivers inbound messages. It is closed when the connection
// ends.
func (c *Client) Messages() <-chan Message { return c.inbox }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection ended, if it has.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close unregisters from the broker.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
	})
}
