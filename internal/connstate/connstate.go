// Package connstate tracks the lifecycle of a single peer session:
// connecting → connected → disconnected/failed, with a bounded automatic
// retry schedule and a manual override.
package connstate

import (
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/togetherly/internal/clock"
)

// Status is the lifecycle phase of the peer session.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusFailed       Status = "failed"
)

// Hard limits.
const (
	MaxRetries        = 3
	ConnectionTimeout = 10 * time.Second
)

// retryDelays is indexed by attempt number; later attempts reuse the last
// entry.
var retryDelays = []time.Duration{
	1000 * time.Millisecond,
	3000 * time.Millisecond,
	5000 * time.Millisecond,
}

// RetryDelay returns the backoff delay for the given zero-based attempt.
func RetryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(retryDelays) {
		attempt = len(retryDelays) - 1
	}
	return retryDelays[attempt]
}

// State is an immutable snapshot handed to observers.
type State struct {
	Status            Status
	PeerID            string
	RetryCount        int
	LastError         string
	IsManualReconnect bool
}

// Machine owns the ConnectionState of the current session attempt. All
// methods are safe for concurrent use. Observers are invoked synchronously,
// in transition order, and must not call back into the Machine.
type Machine struct {
	clk clock.Clock

	mu           sync.Mutex
	state        State
	timeoutTimer *clock.Timer
	retryTimer   *clock.Timer
	observers    map[int]func(State)
	nextObserver int

	// notifyMu serializes observer delivery so snapshots arrive in the
	// order the transitions happened.
	notifyMu sync.Mutex
}

// New returns a Machine in the disconnected state.
func New(clk clock.Clock) *Machine {
	return &Machine{
		clk:       clk,
		state:     State{Status: StatusDisconnected},
		observers: make(map[int]func(State)),
	}
}

// State returns the current snapshot.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers fn for every future transition. The returned function
// removes the subscription.
func (m *Machine) Subscribe(fn func(State)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextObserver
	m.nextObserver++
	m.observers[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.observers, id)
			m.mu.Unlock()
		})
	}
}

// SetConnecting enters connecting for peerID, clears the last error, cancels
// any pending retry and (re)arms the connection timeout.
func (m *Machine) SetConnecting(peerID string) {
	m.mu.Lock()
	m.stopTimersLocked()
	m.state.Status = StatusConnecting
	m.state.PeerID = peerID
	m.state.LastError = ""
	m.timeoutTimer = m.clk.AfterFunc(ConnectionTimeout, m.onTimeout)
	m.commitLocked()
}

// SetConnected enters connected and resets the retry bookkeeping.
func (m *Machine) SetConnected(peerID string) {
	m.mu.Lock()
	m.stopTimersLocked()
	m.state = State{Status: StatusConnected, PeerID: peerID}
	m.commitLocked()
}

// SetDisconnected enters disconnected. The retry count is preserved so that
// a flapping peer still exhausts its retry budget.
func (m *Machine) SetDisconnected(reason string) {
	m.mu.Lock()
	m.stopTimeoutLocked()
	m.state.Status = StatusDisconnected
	m.state.LastError = reason
	m.commitLocked()
}

// SetFailed enters failed with a human-readable reason.
func (m *Machine) SetFailed(reason string) {
	m.mu.Lock()
	m.stopTimersLocked()
	m.state.Status = StatusFailed
	m.state.LastError = reason
	m.commitLocked()
}

// ScheduleRetry arranges for fn to run after the backoff delay of the next
// attempt. It returns false without scheduling when the session is already
// connected, and transitions to failed instead once MaxRetries attempts
// have been used. fn is skipped if the session connected in the meantime.
func (m *Machine) ScheduleRetry(fn func()) bool {
	m.mu.Lock()
	if m.state.Status == StatusConnected {
		m.mu.Unlock()
		return false
	}

	if m.state.RetryCount >= MaxRetries {
		m.stopTimersLocked()
		m.state.Status = StatusFailed
		m.state.LastError = fmt.Sprintf("connection failed after %d attempts", MaxRetries)
		m.commitLocked()
		return false
	}

	delay := RetryDelay(m.state.RetryCount)
	m.state.RetryCount++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	m.retryTimer = m.clk.AfterFunc(delay, func() {
		m.mu.Lock()
		connected := m.state.Status == StatusConnected
		m.retryTimer = nil
		m.mu.Unlock()
		if !connected {
			fn()
		}
	})
	m.commitLocked()
	return true
}

// ManualRetry is the user-initiated path out of failed: it cancels timers,
// resets the retry count, marks the attempt as manual and runs fn
// immediately.
func (m *Machine) ManualRetry(fn func()) {
	m.mu.Lock()
	m.stopTimersLocked()
	m.state.RetryCount = 0
	m.state.IsManualReconnect = true
	m.state.LastError = ""
	m.commitLocked()

	fn()
}

// Close cancels all pending timers. The state is left untouched.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimersLocked()
}

func (m *Machine) onTimeout() {
	m.mu.Lock()
	if m.state.Status != StatusConnecting {
		m.mu.Unlock()
		return
	}
	m.timeoutTimer = nil
	m.state.Status = StatusFailed
	m.state.LastError = "connection timed out: the peer may be offline"
	m.commitLocked()
}

func (m *Machine) stopTimeoutLocked() {
	if m.timeoutTimer != nil {
		m.timeoutTimer.Stop()
		m.timeoutTimer = nil
	}
}

func (m *Machine) stopTimersLocked() {
	m.stopTimeoutLocked()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// commitLocked snapshots the state, releases m.mu and delivers the
// snapshot to every observer. Must be called with m.mu held.
func (m *Machine) commitLocked() {
	snapshot := m.state
	observers := make([]func(State), 0, len(m.observers))
	for _, fn := range m.observers {
		observers = append(observers, fn)
	}

	m.notifyMu.Lock()
	m.mu.Unlock()
	defer m.notifyMu.Unlock()

	for _, fn := range observers {
		fn(snapshot)
	}
}
