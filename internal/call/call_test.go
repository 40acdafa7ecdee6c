package call

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/togetherly/internal/media"
	"github.com/1ureka/togetherly/internal/media/mediatest"
	"github.com/1ureka/togetherly/internal/session"
	"github.com/1ureka/togetherly/internal/transport/transporttest"
)

type fakeHost struct {
	mu        sync.Mutex
	connected bool
	remote    string
	events    []session.Event
}

func (h *fakeHost) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

func (h *fakeHost) RemoteID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.remote
}

func (h *fakeHost) Emit(e session.Event) {
	h.mu.Lock()
	h.events = append(h.events, e)
	h.mu.Unlock()
}

func (h *fakeHost) of(typ session.EventType) []session.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []session.Event
	for _, e := range h.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type side struct {
	ctrl   *Controller
	host   *fakeHost
	source *mediatest.Source
	ep     *transporttest.Endpoint
}

// settle waits for inbound calls that are still acquiring media.
func (s *side) settle() { s.ctrl.answering.Wait() }

func newPair(t *testing.T) (alice, bob *side) {
	t.Helper()
	n := transporttest.NewNetwork()
	mk := func(id, remote string) *side {
		ep := n.NewEndpoint()
		_, err := ep.Open(context.Background(), id)
		require.NoError(t, err)
		host := &fakeHost{connected: true, remote: remote}
		source := &mediatest.Source{}
		return &side{ctrl: New(ep, host, source), host: host, source: source, ep: ep}
	}
	return mk("togetherly-alice1", "togetherly-bob001"), mk("togetherly-bob001", "togetherly-alice1")
}

func TestStartVideoCall(t *testing.T) {
	alice, bob := newPair(t)

	require.NoError(t, alice.ctrl.StartCall(context.Background(), media.KindVideo))
	bob.settle()

	require.True(t, alice.ctrl.Active())
	require.True(t, bob.ctrl.Active())
	assert.Equal(t, media.KindVideo, alice.ctrl.Kind())
	assert.Equal(t, media.KindVideo, bob.ctrl.Kind(), "callee follows the caller's kind")

	local := alice.source.Acquired()[0]
	assert.Len(t, local.TracksOf(media.KindAudio), 1)
	assert.Len(t, local.TracksOf(media.KindVideo), 1)
	assert.Equal(t, "video", alice.ep.Calls()[0].Metadata()["kind"])

	streams := alice.host.of(session.EventCallStream)
	require.Len(t, streams, 1)
	assert.Same(t, bob.source.Acquired()[0], streams[0].Stream)
	require.Len(t, bob.host.of(session.EventCallStream), 1)
	assert.Same(t, local, bob.host.of(session.EventCallStream)[0].Stream)

	assert.Len(t, alice.host.of(session.EventCallStarted), 1)
	assert.Len(t, bob.host.of(session.EventCallStarted), 1)
}

func TestAudioCallHasNoVideo(t *testing.T) {
	alice, _ := newPair(t)
	require.NoError(t, alice.ctrl.StartCall(context.Background(), media.KindAudio))

	local := alice.source.Acquired()[0]
	assert.Len(t, local.TracksOf(media.KindAudio), 1)
	assert.Empty(t, local.TracksOf(media.KindVideo))

	_, ok := alice.ctrl.ToggleMedia(media.KindVideo)
	assert.False(t, ok, "toggling video on an audio call is a no-op")
}

func TestStartCallPreconditions(t *testing.T) {
	alice, _ := newPair(t)

	assert.ErrorIs(t, alice.ctrl.StartCall(context.Background(), "hologram"), ErrInvalidKind)

	alice.host.connected = false
	assert.ErrorIs(t, alice.ctrl.StartCall(context.Background(), media.KindAudio), ErrNotConnected)
	assert.Empty(t, alice.source.Acquired())

	alice.host.connected = true
	require.NoError(t, alice.ctrl.StartCall(context.Background(), media.KindAudio))
	assert.ErrorIs(t, alice.ctrl.StartCall(context.Background(), media.KindAudio), ErrCallActive)
}

func TestAcquisitionFailureLeavesNoCall(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		notice string
	}{
		{"permission", fmt.Errorf("%w: user said no", media.ErrPermissionDenied), "permission denied"},
		{"device", fmt.Errorf("%w: camera", media.ErrNoDevice), "no camera or microphone"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			alice, bob := newPair(t)
			alice.source.SetErr(tc.err)

			err := alice.ctrl.StartCall(context.Background(), media.KindVideo)
			bob.settle()
			assert.ErrorIs(t, err, tc.err)
			assert.False(t, alice.ctrl.Active())
			assert.False(t, bob.ctrl.Active())
			assert.Empty(t, alice.ep.Calls())

			notices := alice.host.of(session.EventNotice)
			require.Len(t, notices, 1)
			assert.Contains(t, notices[0].Notice, tc.notice)
		})
	}
}

func TestCalleeAcquisitionFailureClosesCall(t *testing.T) {
	alice, bob := newPair(t)
	bob.source.SetErr(media.ErrNoDevice)

	require.NoError(t, alice.ctrl.StartCall(context.Background(), media.KindAudio))
	bob.settle()

	assert.False(t, bob.ctrl.Active())
	assert.False(t, alice.ctrl.Active(), "caller sees the call close")
	assert.True(t, alice.source.AllStopped())
	require.Len(t, bob.host.of(session.EventNotice), 1)
	assert.Contains(t, bob.host.of(session.EventNotice)[0].Notice, "no camera")
}

func TestEndCallIsIdempotent(t *testing.T) {
	alice, bob := newPair(t)
	require.NoError(t, alice.ctrl.StartCall(context.Background(), media.KindVideo))
	bob.settle()

	alice.ctrl.EndCall()
	alice.ctrl.EndCall()

	assert.False(t, alice.ctrl.Active())
	assert.False(t, bob.ctrl.Active())
	assert.True(t, alice.source.AllStopped())
	assert.True(t, bob.source.AllStopped())
	assert.Len(t, alice.host.of(session.EventCallEnded), 1)
	assert.Len(t, bob.host.of(session.EventCallEnded), 1)
	assert.Equal(t, "Call ended", alice.host.of(session.EventCallEnded)[0].Notice)

	// Tracks were stopped exactly once.
	for _, tr := range alice.source.Acquired()[0].Tracks() {
		assert.True(t, tr.(*media.BasicTrack).Stopped())
	}
}

func TestRemoteHangupEndsCall(t *testing.T) {
	alice, bob := newPair(t)
	require.NoError(t, alice.ctrl.StartCall(context.Background(), media.KindAudio))
	bob.settle()

	bob.ctrl.EndCall()
	assert.False(t, alice.ctrl.Active())
	assert.Len(t, alice.host.of(session.EventCallEnded), 1)

	// A second call can be placed afterwards.
	require.NoError(t, alice.ctrl.StartCall(context.Background(), media.KindAudio))
	bob.settle()
	assert.True(t, bob.ctrl.Active())
}

func TestSecondInboundCallRejected(t *testing.T) {
	alice, bob := newPair(t)
	require.NoError(t, alice.ctrl.StartCall(context.Background(), media.KindAudio))
	bob.settle()

	// Bypass the caller-side check to simulate a racing second invitation.
	_, err := alice.ep.Call("togetherly-bob001", media.NewStream(), nil)
	require.NoError(t, err)

	calls := bob.ep.Calls()
	require.Len(t, calls, 2)
	assert.True(t, calls[1].Closed())
	assert.False(t, calls[0].Closed())
	assert.Len(t, bob.source.Acquired(), 1)
}

func TestInboundCallFromStrangerRejected(t *testing.T) {
	alice, bob := newPair(t)
	bob.host.remote = "togetherly-carol1"

	require.NoError(t, alice.ctrl.StartCall(context.Background(), media.KindAudio))
	bob.settle()
	assert.False(t, bob.ctrl.Active())
	assert.False(t, alice.ctrl.Active())
}

func TestToggleMedia(t *testing.T) {
	alice, _ := newPair(t)

	_, ok := alice.ctrl.ToggleMedia(media.KindAudio)
	assert.False(t, ok, "no call")

	require.NoError(t, alice.ctrl.StartCall(context.Background(), media.KindVideo))
	enabled, ok := alice.ctrl.ToggleMedia(media.KindVideo)
	require.True(t, ok)
	assert.False(t, enabled)
	assert.False(t, alice.source.Acquired()[0].TracksOf(media.KindVideo)[0].Enabled())
	assert.True(t, alice.source.Acquired()[0].TracksOf(media.KindAudio)[0].Enabled())

	enabled, ok = alice.ctrl.ToggleMedia(media.KindVideo)
	require.True(t, ok)
	assert.True(t, enabled)
}

func TestSlowCalleeDevicesDoNotBlockSignaling(t *testing.T) {
	alice, bob := newPair(t)
	release := bob.source.Hold()

	done := make(chan error, 1)
	go func() { done <- alice.ctrl.StartCall(context.Background(), media.KindVideo) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound call handling blocked the caller while devices opened")
	}

	assert.True(t, bob.ctrl.Active(), "slot is reserved while acquiring")
	assert.Empty(t, bob.host.of(session.EventCallStarted))
	assert.False(t, bob.ep.Calls()[0].Answered())

	release()
	bob.settle()
	assert.Equal(t, media.KindVideo, bob.ctrl.Kind())
	assert.True(t, bob.ep.Calls()[0].Answered())
	assert.Len(t, bob.host.of(session.EventCallStarted), 1)
	assert.Len(t, alice.host.of(session.EventCallStream), 1)
}

func TestHangupWhileCalleeAcquiring(t *testing.T) {
	alice, bob := newPair(t)
	release := bob.source.Hold()

	require.NoError(t, alice.ctrl.StartCall(context.Background(), media.KindAudio))
	alice.ctrl.EndCall()

	release()
	bob.settle()
	assert.False(t, bob.ctrl.Active())
	assert.True(t, bob.source.AllStopped())
}
