package session

import (
	"sync"

	"github.com/1ureka/togetherly/internal/media"
	"github.com/1ureka/togetherly/internal/protocol"
	"github.com/1ureka/togetherly/internal/transport"
)

// EventType discriminates Event.
type EventType string

const (
	EventReady            EventType = "ready"
	EventInitFailed       EventType = "init-failed"
	EventIncomingRequest  EventType = "incoming-request"
	EventRequestCancelled EventType = "request-cancelled"
	EventConnected        EventType = "connected"
	EventEnvelope         EventType = "envelope"
	EventNotice           EventType = "notice"
	EventDisconnected     EventType = "disconnected"
	EventTimeout          EventType = "timeout"
	EventCallStarted      EventType = "call-started"
	EventCallStream       EventType = "call-stream"
	EventCallEnded        EventType = "call-ended"
)

// Event is one entry of the session's event stream. Only the fields
// relevant to Type are set.
type Event struct {
	Type     EventType
	LocalID  string
	PeerID   string
	Metadata transport.Metadata
	Envelope protocol.Envelope
	Notice   string
	Err      error
	Kind     media.Kind
	Stream   *media.Stream
}

// eventQueue is an unbounded FIFO in front of the Events channel, so
// transport callbacks never block on a slow consumer.
type eventQueue struct {
	mu     sync.Mutex
	queue  []Event
	closed bool

	wake chan struct{}
	stop chan struct{}
	out  chan Event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		out:  make(chan Event),
	}
	go q.run()
	return q
}

func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.queue = append(q.queue, e)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.queue) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-q.wake:
			case <-q.stop:
			}
			continue
		}
		e := q.queue[0]
		q.queue[0] = Event{}
		q.queue = q.queue[1:]
		q.mu.Unlock()

		select {
		case q.out <- e:
		case <-q.stop:
			return
		}
	}
}

// close stops delivery. Queued events are discarded.
func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.queue = nil
	close(q.stop)
}
