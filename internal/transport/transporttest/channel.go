package transporttest

import (
	"sync"

	"github.com/1ureka/togetherly/internal/media"
	"github.com/1ureka/togetherly/internal/transport"
)

// Channel is one side of an in-memory channel pair.
type Channel struct {
	remote string
	md     transport.Metadata
	peer   *Channel

	mu        sync.Mutex
	open      bool
	closed    bool
	sent      [][]byte
	onOpen    func()
	onMessage func([]byte)
	onClose   func()
	onError   func(error)
}

var _ transport.Channel = (*Channel)(nil)

func newChannel(remote string, md transport.Metadata) *Channel {
	return &Channel{remote: remote, md: md}
}

func (c *Channel) Peer() string                 { return c.remote }
func (c *Channel) Metadata() transport.Metadata { return c.md }

func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.closed
}

// Open opens both sides, firing OnOpen on each.
func (c *Channel) Open() {
	c.markOpen()
	if c.peer != nil {
		c.peer.markOpen()
	}
}

func (c *Channel) markOpen() {
	c.mu.Lock()
	if c.open || c.closed {
		c.mu.Unlock()
		return
	}
	c.open = true
	fn := c.onOpen
	c.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Send delivers data to the peer's OnMessage handler before returning.
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	if !c.open || c.closed {
		c.mu.Unlock()
		return transport.ErrNotOpen
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	c.mu.Unlock()

	if c.peer != nil {
		c.peer.Deliver(data)
	}
	return nil
}

// Deliver runs the OnMessage handler as if data arrived from the peer.
func (c *Channel) Deliver(data []byte) {
	c.mu.Lock()
	fn := c.onMessage
	closed := c.closed
	c.mu.Unlock()

	if fn != nil && !closed {
		fn(append([]byte(nil), data...))
	}
}

// Sent returns the frames sent on this side.
func (c *Channel) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *Channel) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	open := c.open && !c.closed
	c.mu.Unlock()

	if open {
		fn()
	}
}

func (c *Channel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *Channel) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	closed := c.closed
	c.mu.Unlock()

	if closed {
		fn()
	}
}

func (c *Channel) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// Closed reports whether this side is closed.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes both sides.
func (c *Channel) Close() error {
	if c.closeLocal() && c.peer != nil {
		c.peer.closeLocal()
	}
	return nil
}

// Fail reports err on this side, then closes both sides.
func (c *Channel) Fail(err error) {
	c.mu.Lock()
	fn := c.onError
	closed := c.closed
	c.mu.Unlock()

	if fn != nil && !closed {
		fn(err)
	}
	c.Close()
}

func (c *Channel) closeLocal() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.open = false
	fn := c.onClose
	c.mu.Unlock()

	if fn != nil {
		fn()
	}
	return true
}

// Call is one side of an in-memory call. The caller's stream reaches the
// callee on Answer, and the callee's stream reaches the caller.
type Call struct {
	remote string
	md     transport.Metadata
	peer   *Call

	mu       sync.Mutex
	stream   *media.Stream // local stream
	remoteSt *media.Stream
	answered bool
	closed   bool
	onStream func(*media.Stream)
	onClose  func()
	onError  func(error)
}

var _ transport.IncomingCall = (*Call)(nil)

func newCall(remote string, md transport.Metadata) *Call {
	return &Call{remote: remote, md: md}
}

func (c *Call) Peer() string                 { return c.remote }
func (c *Call) Metadata() transport.Metadata { return c.md }

func (c *Call) Answer(stream *media.Stream) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrNotOpen
	}
	c.answered = true
	c.stream = stream
	c.mu.Unlock()

	if c.peer == nil {
		return nil
	}
	c.peer.mu.Lock()
	callerStream := c.peer.stream
	c.peer.mu.Unlock()

	c.peer.deliver(stream)
	c.deliver(callerStream)
	return nil
}

// Answered reports whether Answer was called on this side.
func (c *Call) Answered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answered
}

func (c *Call) deliver(s *media.Stream) {
	if s == nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.remoteSt = s
	fn := c.onStream
	c.mu.Unlock()

	if fn != nil {
		fn(s)
	}
}

func (c *Call) OnStream(fn func(*media.Stream)) {
	c.mu.Lock()
	c.onStream = fn
	latest := c.remoteSt
	c.mu.Unlock()

	if latest != nil {
		fn(latest)
	}
}

func (c *Call) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	closed := c.closed
	c.mu.Unlock()

	if closed {
		fn()
	}
}

func (c *Call) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// Closed reports whether this side is closed.
func (c *Call) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes both sides.
func (c *Call) Close() error {
	if c.closeLocal() && c.peer != nil {
		c.peer.closeLocal()
	}
	return nil
}

// Fail reports err on this side, then closes both sides.
func (c *Call) Fail(err error) {
	c.mu.Lock()
	fn := c.onError
	closed := c.closed
	c.mu.Unlock()

	if fn != nil && !closed {
		fn(err)
	}
	c.Close()
}

func (c *Call) closeLocal() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	fn := c.onClose
	c.mu.Unlock()

	if fn != nil {
		fn()
	}
	return true
}
