package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/togetherly/internal/clock"
	"github.com/1ureka/togetherly/internal/connstate"
	"github.com/1ureka/togetherly/internal/protocol"
	"github.com/1ureka/togetherly/internal/transport"
	"github.com/1ureka/togetherly/internal/transport/transporttest"
)

type peer struct {
	s   *Session
	ep  *transporttest.Endpoint
	clk *clock.FakeClock
}

func newPeer(t *testing.T, n *transporttest.Network, id string) *peer {
	t.Helper()
	clk := clock.Fake(time.Unix(0, 0))
	ep := n.NewEndpoint()
	s := New(ep, connstate.New(clk), clk, Options{
		NewID:      func() string { return id },
		FallbackID: func() string { return id + "-fb" },
	})
	t.Cleanup(func() { s.Close() })
	return &peer{s: s, ep: ep, clk: clk}
}

func readyPeer(t *testing.T, n *transporttest.Network, id string) *peer {
	t.Helper()
	p := newPeer(t, n, id)
	got, err := p.s.Initialize(context.Background())
	require.NoError(t, err)
	require.Equal(t, id, got)
	expect(t, p.s, EventReady)
	return p
}

// expect returns the next event, which must be of type want.
func expect(t *testing.T, s *Session, want EventType) Event {
	t.Helper()
	select {
	case e := <-s.Events():
		require.Equal(t, want, e.Type, "event: %+v", e)
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
		return Event{}
	}
}

// drain returns every event delivered within a short grace period.
func drain(s *Session) []Event {
	var out []Event
	for {
		select {
		case e := <-s.Events():
			out = append(out, e)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func types(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestInitializeAssignsIdentifier(t *testing.T) {
	n := transporttest.NewNetwork()
	p := readyPeer(t, n, "togetherly-alice1")

	assert.Equal(t, "togetherly-alice1", p.s.LocalID())
	assert.Same(t, p.ep, n.Endpoint("togetherly-alice1"))

	// Idempotent once assigned.
	id, err := p.s.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "togetherly-alice1", id)
	assert.Equal(t, 1, p.ep.Opens())
}

func TestInitializeCollisionUsesFallback(t *testing.T) {
	n := transporttest.NewNetwork()
	readyPeer(t, n, "togetherly-taken1")

	p := newPeer(t, n, "togetherly-taken1")
	id, err := p.s.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "togetherly-taken1-fb", id)
	assert.Equal(t, 2, p.ep.Opens())
	assert.Equal(t, 0, p.clk.Pending(), "collision retry must not wait")
}

func TestInitializeRetriesNetworkErrorsAfterFixedDelay(t *testing.T) {
	n := transporttest.NewNetwork()
	n.FailNextOpen(transport.ErrNetwork, transport.ErrNetwork)
	p := newPeer(t, n, "togetherly-alice1")

	done := make(chan error, 1)
	go func() {
		_, err := p.s.Initialize(context.Background())
		done <- err
	}()

	for i := 0; i < 2; i++ {
		p.clk.WaitForTimers(1)
		p.clk.Advance(1999 * time.Millisecond)
		assert.Equal(t, 1, p.clk.Pending(), "fired before 2000ms")
		p.clk.Advance(time.Millisecond)
	}

	require.NoError(t, <-done)
	assert.Equal(t, 3, p.ep.Opens())
}

func TestInitializeGivesUpAfterMaxRetries(t *testing.T) {
	n := transporttest.NewNetwork()
	n.FailNextOpen(transport.ErrNetwork, transport.ErrNetwork, transport.ErrNetwork, transport.ErrNetwork, transport.ErrNetwork)
	p := newPeer(t, n, "togetherly-alice1")

	done := make(chan error, 1)
	go func() {
		_, err := p.s.Initialize(context.Background())
		done <- err
	}()
	for i := 0; i < connstate.MaxRetries; i++ {
		p.clk.WaitForTimers(1)
		p.clk.Advance(DefaultOpenRetryDelay)
	}

	err := <-done
	assert.ErrorIs(t, err, transport.ErrNetwork)
	assert.Equal(t, 1+connstate.MaxRetries, p.ep.Opens())
	assert.Equal(t, connstate.StatusFailed, p.s.Machine().State().Status)
	e := expect(t, p.s, EventInitFailed)
	assert.ErrorIs(t, e.Err, transport.ErrNetwork)
	assert.Empty(t, p.s.LocalID())
}

func TestInitializeTerminalError(t *testing.T) {
	n := transporttest.NewNetwork()
	boom := errors.New("unsupported browser")
	n.FailNextOpen(boom)
	p := newPeer(t, n, "togetherly-alice1")

	_, err := p.s.Initialize(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, p.ep.Opens())
	expect(t, p.s, EventInitFailed)
}

func TestConnectPreconditions(t *testing.T) {
	n := transporttest.NewNetwork()
	p := newPeer(t, n, "togetherly-alice1")

	assert.ErrorIs(t, p.s.ConnectToPeer("ab", nil), ErrInvalidIdentifier)
	assert.ErrorIs(t, p.s.ConnectToPeer("bad id!", nil), ErrInvalidIdentifier)
	assert.ErrorIs(t, p.s.ConnectToPeer("togetherly-bob001", nil), ErrNotReady)

	_, err := p.s.Initialize(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, p.s.ConnectToPeer("togetherly-alice1", nil), ErrInvalidIdentifier)
	assert.Empty(t, p.ep.Channels(), "validation failures never reach the transport")
}

func connectPair(t *testing.T, n *transporttest.Network) (alice, bob *peer) {
	t.Helper()
	alice = readyPeer(t, n, "togetherly-alice1")
	bob = readyPeer(t, n, "togetherly-bob001")

	require.NoError(t, alice.s.ConnectToPeer("togetherly-bob001", transport.Metadata{"nickname": "Alice"}))
	req := expect(t, bob.s, EventIncomingRequest)
	assert.Equal(t, "togetherly-alice1", req.PeerID)
	assert.Equal(t, "Alice", req.Metadata["nickname"])

	require.NoError(t, bob.s.AcceptConnection())
	expect(t, bob.s, EventConnected)
	expect(t, alice.s, EventConnected)
	return alice, bob
}

func TestConnectAcceptAndExchange(t *testing.T) {
	n := transporttest.NewNetwork()
	alice, bob := connectPair(t, n)

	assert.True(t, alice.s.Connected())
	assert.True(t, bob.s.Connected())
	assert.Equal(t, connstate.StatusConnected, alice.s.Machine().State().Status)
	assert.Equal(t, connstate.StatusConnected, bob.s.Machine().State().Status)
	assert.Equal(t, "togetherly-bob001", alice.s.RemoteID())

	require.NoError(t, alice.s.Send(protocol.Video("abc123")))
	e := expect(t, bob.s, EventEnvelope)
	assert.Equal(t, protocol.Video("abc123"), e.Envelope)
	assert.Equal(t, "togetherly-alice1", e.PeerID)

	assert.ErrorIs(t, alice.s.ConnectToPeer("togetherly-carol1", nil), ErrBusy)
}

func TestBusyRejectionWhileConnected(t *testing.T) {
	n := transporttest.NewNetwork()
	_, bob := connectPair(t, n)
	carol := readyPeer(t, n, "togetherly-carol1")

	require.NoError(t, carol.s.ConnectToPeer("togetherly-bob001", nil))

	_, pending := bob.s.PendingRequest()
	assert.False(t, pending)
	assert.NotContains(t, types(drain(bob.s)), EventIncomingRequest)
	assert.True(t, bob.s.Connected(), "existing connection untouched")

	inbound := bob.ep.Channels()
	assert.True(t, inbound[len(inbound)-1].Closed())
	assert.Equal(t, connstate.StatusFailed, carol.s.Machine().State().Status)
}

func TestBusyRejectionDuringCall(t *testing.T) {
	n := transporttest.NewNetwork()
	bob := readyPeer(t, n, "togetherly-bob001")
	bob.s.SetBusyFunc(func() bool { return true })
	alice := readyPeer(t, n, "togetherly-alice1")

	require.NoError(t, alice.s.ConnectToPeer("togetherly-bob001", nil))
	assert.NotContains(t, types(drain(bob.s)), EventIncomingRequest)
}

func TestSecondPendingRequestRejected(t *testing.T) {
	n := transporttest.NewNetwork()
	bob := readyPeer(t, n, "togetherly-bob001")
	alice := readyPeer(t, n, "togetherly-alice1")
	carol := readyPeer(t, n, "togetherly-carol1")

	require.NoError(t, alice.s.ConnectToPeer("togetherly-bob001", nil))
	expect(t, bob.s, EventIncomingRequest)
	require.NoError(t, carol.s.ConnectToPeer("togetherly-bob001", nil))

	peerID, ok := bob.s.PendingRequest()
	require.True(t, ok)
	assert.Equal(t, "togetherly-alice1", peerID)
	assert.NotContains(t, types(drain(bob.s)), EventIncomingRequest)
}

func TestRejectConnection(t *testing.T) {
	n := transporttest.NewNetwork()
	n.SetManualOpen(true)
	bob := readyPeer(t, n, "togetherly-bob001")
	alice := readyPeer(t, n, "togetherly-alice1")

	require.NoError(t, alice.s.ConnectToPeer("togetherly-bob001", nil))
	expect(t, bob.s, EventIncomingRequest)

	require.NoError(t, bob.s.RejectConnection())
	assert.ErrorIs(t, bob.s.RejectConnection(), ErrNoPendingRequest)
	assert.ErrorIs(t, bob.s.AcceptConnection(), ErrNoPendingRequest)
	assert.False(t, bob.s.Connected())
	assert.NotContains(t, types(drain(bob.s)), EventConnected)

	// The dialer sees a close before open: declined, not retried.
	e := expect(t, alice.s, EventNotice)
	assert.Contains(t, e.Notice, "declined")
	st := alice.s.Machine().State()
	assert.Equal(t, connstate.StatusFailed, st.Status)
	assert.Equal(t, 0, st.RetryCount)
	assert.Equal(t, 0, alice.clk.Pending())
}

func TestPendingRequestBuffersFrames(t *testing.T) {
	n := transporttest.NewNetwork()
	bob := readyPeer(t, n, "togetherly-bob001")
	alice := readyPeer(t, n, "togetherly-alice1")

	require.NoError(t, alice.s.ConnectToPeer("togetherly-bob001", nil))
	expect(t, bob.s, EventIncomingRequest)
	expect(t, alice.s, EventConnected)

	require.NoError(t, alice.s.Send(protocol.Nickname("Alice")))
	assert.NotContains(t, types(drain(bob.s)), EventEnvelope)

	require.NoError(t, bob.s.AcceptConnection())
	e := expect(t, bob.s, EventEnvelope)
	assert.Equal(t, protocol.Nickname("Alice"), e.Envelope)
	expect(t, bob.s, EventConnected)
}

func TestPendingRequestExpires(t *testing.T) {
	n := transporttest.NewNetwork()
	bob := readyPeer(t, n, "togetherly-bob001")
	alice := readyPeer(t, n, "togetherly-alice1")

	require.NoError(t, alice.s.ConnectToPeer("togetherly-bob001", nil))
	expect(t, bob.s, EventIncomingRequest)

	bob.clk.Advance(DefaultRequestTimeout - time.Second)
	_, ok := bob.s.PendingRequest()
	require.True(t, ok)

	bob.clk.Advance(time.Second)
	_, ok = bob.s.PendingRequest()
	assert.False(t, ok)
	e := expect(t, bob.s, EventTimeout)
	assert.Equal(t, "togetherly-alice1", e.PeerID)
	assert.True(t, bob.ep.Channels()[0].Closed())
}

func TestPendingRequestWithdrawn(t *testing.T) {
	n := transporttest.NewNetwork()
	bob := readyPeer(t, n, "togetherly-bob001")
	alice := readyPeer(t, n, "togetherly-alice1")

	require.NoError(t, alice.s.ConnectToPeer("togetherly-bob001", nil))
	expect(t, bob.s, EventIncomingRequest)

	alice.s.Disconnect()
	expect(t, bob.s, EventRequestCancelled)
	_, ok := bob.s.PendingRequest()
	assert.False(t, ok)
	assert.Equal(t, 0, bob.clk.Pending(), "expiry timer stopped")
}

func TestSendWithoutChannelDropsWithNotice(t *testing.T) {
	n := transporttest.NewNetwork()
	alice := readyPeer(t, n, "togetherly-alice1")

	err := alice.s.Send(protocol.Chat{ID: "1", Content: "hi", Timestamp: "10:00"})
	assert.ErrorIs(t, err, ErrNotConnected)
	e := expect(t, alice.s, EventNotice)
	assert.Contains(t, e.Notice, "Not connected")
}

func TestSendBeforeOpenHoldsOneFrame(t *testing.T) {
	n := transporttest.NewNetwork()
	n.SetManualOpen(true)
	alice := readyPeer(t, n, "togetherly-alice1")
	bob := readyPeer(t, n, "togetherly-bob001")

	require.NoError(t, alice.s.ConnectToPeer("togetherly-bob001", nil))
	expect(t, bob.s, EventIncomingRequest)
	require.NoError(t, bob.s.AcceptConnection())

	require.NoError(t, alice.s.Send(protocol.Video("first")))
	assert.ErrorIs(t, alice.s.Send(protocol.Video("second")), ErrSendQueued)
	expect(t, alice.s, EventNotice)

	alice.ep.Channels()[0].Open()
	expect(t, alice.s, EventConnected)

	events := drain(bob.s)
	var envelopes []protocol.Envelope
	for _, e := range events {
		if e.Type == EventEnvelope {
			envelopes = append(envelopes, e.Envelope)
		}
	}
	assert.Contains(t, types(events), EventConnected)
	assert.Equal(t, []protocol.Envelope{protocol.Video("first")}, envelopes)
}

func TestDialTimeout(t *testing.T) {
	n := transporttest.NewNetwork()
	n.SetManualOpen(true)
	alice := readyPeer(t, n, "togetherly-alice1")
	bob := readyPeer(t, n, "togetherly-bob001")

	require.NoError(t, alice.s.ConnectToPeer("togetherly-bob001", nil))
	expect(t, bob.s, EventIncomingRequest)

	alice.clk.Advance(connstate.ConnectionTimeout)
	assert.Equal(t, connstate.StatusFailed, alice.s.Machine().State().Status)

	alice.clk.Advance(DefaultDialTimeout)
	e := expect(t, alice.s, EventTimeout)
	assert.Equal(t, "togetherly-bob001", e.PeerID)
	assert.True(t, alice.ep.Channels()[0].Closed())
	assert.Equal(t, 0, alice.clk.Pending(), "no automatic retry after a dial timeout")
}

// TestDialRetryCeiling: consecutive network errors dial at most
// 1+MaxRetries times and settle in failed.
func TestDialRetryCeiling(t *testing.T) {
	n := transporttest.NewNetwork()
	alice := readyPeer(t, n, "togetherly-alice1")
	n.FailDial("togetherly-bob001", fmt.Errorf("%w: relay down", transport.ErrNetwork))

	var counts []int
	alice.s.Machine().Subscribe(func(st connstate.State) {
		assert.LessOrEqual(t, st.RetryCount, connstate.MaxRetries)
		counts = append(counts, st.RetryCount)
	})

	require.NoError(t, alice.s.ConnectToPeer("togetherly-bob001", nil))
	for _, d := range []time.Duration{time.Second, 3 * time.Second, 5 * time.Second} {
		assert.Equal(t, 1, alice.clk.Pending()-1, "one retry timer beside the connect timeout")
		alice.clk.Advance(d)
	}

	st := alice.s.Machine().State()
	assert.Equal(t, connstate.StatusFailed, st.Status)
	assert.Equal(t, connstate.MaxRetries, st.RetryCount)
	assert.Equal(t, 0, alice.clk.Pending())
	assert.Equal(t, connstate.MaxRetries, counts[len(counts)-1])
}

func TestManualRetryAfterFailure(t *testing.T) {
	n := transporttest.NewNetwork()
	n.SetManualOpen(true)
	alice := readyPeer(t, n, "togetherly-alice1")
	bob := readyPeer(t, n, "togetherly-bob001")
	n.FailDial("togetherly-bob001", transport.ErrNetwork)

	assert.ErrorIs(t, alice.s.Retry(), ErrNoPeer)
	require.NoError(t, alice.s.ConnectToPeer("togetherly-bob001", nil))
	for _, d := range []time.Duration{time.Second, 3 * time.Second, 5 * time.Second} {
		alice.clk.Advance(d)
	}
	require.Equal(t, connstate.StatusFailed, alice.s.Machine().State().Status)

	n.FailDial("togetherly-bob001", nil)
	require.NoError(t, alice.s.Retry())
	st := alice.s.Machine().State()
	assert.Equal(t, connstate.StatusConnecting, st.Status)
	assert.Equal(t, 0, st.RetryCount)
	assert.True(t, st.IsManualReconnect)
	assert.Empty(t, st.LastError)

	expect(t, bob.s, EventIncomingRequest)
}

func TestPeerUnavailableIsRetried(t *testing.T) {
	n := transporttest.NewNetwork()
	alice := readyPeer(t, n, "togetherly-alice1")

	require.NoError(t, alice.s.ConnectToPeer("togetherly-ghost1", nil))
	e := expect(t, alice.s, EventNotice)
	assert.Contains(t, e.Notice, "togetherly-ghost1")
	assert.Equal(t, 1, alice.s.Machine().State().RetryCount)

	bob := readyPeer(t, n, "togetherly-ghost1")
	alice.clk.Advance(time.Second)
	expect(t, bob.s, EventIncomingRequest)
}

func TestDisconnectDuringRetryBackoff(t *testing.T) {
	n := transporttest.NewNetwork()
	alice := readyPeer(t, n, "togetherly-alice1")
	n.FailDial("togetherly-bob001", transport.ErrNetwork)

	require.NoError(t, alice.s.ConnectToPeer("togetherly-bob001", nil))
	st := alice.s.Machine().State()
	require.Equal(t, connstate.StatusConnecting, st.Status)
	require.Equal(t, 1, st.RetryCount)

	alice.s.Disconnect()
	st = alice.s.Machine().State()
	assert.Equal(t, connstate.StatusDisconnected, st.Status)
	assert.Equal(t, "connection attempt cancelled", st.LastError)
	assert.Equal(t, 0, alice.clk.Pending())

	alice.clk.Advance(time.Hour)
	assert.Equal(t, connstate.StatusDisconnected, alice.s.Machine().State().Status)
}

func TestRemoteCloseDisconnects(t *testing.T) {
	n := transporttest.NewNetwork()
	alice, bob := connectPair(t, n)

	bob.s.Disconnect()
	bob.s.Disconnect()

	e := expect(t, alice.s, EventDisconnected)
	assert.Equal(t, "togetherly-bob001", e.PeerID)
	assert.False(t, alice.s.Connected())
	assert.Equal(t, connstate.StatusDisconnected, alice.s.Machine().State().Status)
	assert.ErrorIs(t, alice.s.Send(protocol.Video("x")), ErrNotConnected)

	expect(t, bob.s, EventDisconnected)
	assert.NotContains(t, types(drain(bob.s)), EventDisconnected, "disconnect is idempotent")
}

func TestChannelErrorWhileOpenIsNoticed(t *testing.T) {
	n := transporttest.NewNetwork()
	alice, _ := connectPair(t, n)

	alice.ep.Channels()[0].Fail(errors.New("ice failed"))
	e := expect(t, alice.s, EventNotice)
	assert.Contains(t, e.Notice, "ice failed")
	expect(t, alice.s, EventDisconnected)
}

func TestUnknownFramesIgnored(t *testing.T) {
	n := transporttest.NewNetwork()
	alice, bob := connectPair(t, n)

	bob.ep.Channels()[0].Deliver([]byte(`{"type":"hologram","payload":{}}`))
	bob.ep.Channels()[0].Deliver([]byte(`not json`))
	require.NoError(t, alice.s.Send(protocol.System("still here")))

	e := expect(t, bob.s, EventEnvelope)
	assert.Equal(t, protocol.System("still here"), e.Envelope)
}

func TestEmitSharesStream(t *testing.T) {
	n := transporttest.NewNetwork()
	p := readyPeer(t, n, "togetherly-alice1")

	p.s.Emit(Event{Type: EventCallEnded, Notice: "Call ended"})
	e := expect(t, p.s, EventCallEnded)
	assert.Equal(t, "Call ended", e.Notice)
}

func TestCloseEndsEverything(t *testing.T) {
	n := transporttest.NewNetwork()
	alice, _ := connectPair(t, n)

	require.NoError(t, alice.s.Close())
	require.NoError(t, alice.s.Close())
	assert.Nil(t, n.Endpoint("togetherly-alice1"))

	_, open := <-alice.s.Events()
	for open {
		_, open = <-alice.s.Events()
	}
	assert.ErrorIs(t, alice.s.ConnectToPeer("togetherly-bob001", nil), ErrClosed)
}
