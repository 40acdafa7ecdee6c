package signaling

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/togetherly/internal/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// peer is one identifier connected to the broker. All writes go through
// the send channel and are performed by writePump.
type peer struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newPeer(id string, conn *websocket.Conn) *peer {
	return &peer{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// enqueue queues msg for delivery. It reports false when the peer's
// buffer is full or the peer is gone.
func (p *peer) enqueue(msg Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		util.LogError("Failed to marshal %s for %s: %v", msg.Type, p.id, err)
		return false
	}

	select {
	case <-p.done:
		return false
	default:
	}

	select {
	case p.send <- data:
		return true
	default:
		util.LogWarning("Send buffer full for %s, dropping %s", p.id, msg.Type)
		return false
	}
}

// writePump drains the send queue and keeps the connection alive with
// pings. onTick runs on every ping.
func (p *peer) writePump(onTick func()) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case data := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				util.LogDebug("Write to %s failed: %v", p.id, err)
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			if onTick != nil {
				onTick()
			}

		case <-p.done:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump decodes inbound messages and hands them to handle until the
// connection fails.
func (p *peer) readPump(handle func(Message)) {
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				util.LogWarning("WebSocket error from %s: %v", p.id, err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			util.LogDebug("Ignoring malformed message from %s: %v", p.id, err)
			continue
		}
		handle(msg)
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// rejectConn writes a single message and closes the connection. Used
// before a peer is registered.
func rejectConn(conn *websocket.Conn, msg Message) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err == nil {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(msg.Type)))
	}
	conn.Close()
}
