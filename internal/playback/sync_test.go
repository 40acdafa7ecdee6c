package playback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/togetherly/internal/clock"
	"github.com/1ureka/togetherly/internal/protocol"
)

// recordingPlayer is a Player that logs every call.
type recordingPlayer struct {
	time    float64
	playing bool
	calls   []string
	seekTo  []float64
}

func (p *recordingPlayer) CurrentTime() float64 { return p.time }
func (p *recordingPlayer) IsPlaying() bool      { return p.playing }
func (p *recordingPlayer) Play()                { p.playing = true; p.calls = append(p.calls, "play") }
func (p *recordingPlayer) Pause()               { p.playing = false; p.calls = append(p.calls, "pause") }
func (p *recordingPlayer) Seek(s float64) {
	p.time = s
	p.seekTo = append(p.seekTo, s)
	p.calls = append(p.calls, "seek")
}

func TestDriftCorrection(t *testing.T) {
	testCases := []struct {
		name      string
		local     float64
		playing   bool
		in        protocol.PlayerState
		wantCalls []string
		wantTime  float64
		wantPlay  bool
	}{
		{
			name:      "play beyond threshold seeks then plays",
			local:     10.0,
			in:        protocol.PlayerState{Event: protocol.EventPlay, CurrentTime: 12.0},
			wantCalls: []string{"seek", "play"},
			wantTime:  12.0,
			wantPlay:  true,
		},
		{
			name:      "play within threshold only plays",
			local:     10.0,
			in:        protocol.PlayerState{Event: protocol.EventPlay, CurrentTime: 10.2},
			wantCalls: []string{"play"},
			wantTime:  10.0,
			wantPlay:  true,
		},
		{
			name:      "play while playing is idempotent",
			local:     10.0,
			playing:   true,
			in:        protocol.PlayerState{Event: protocol.EventPlay, CurrentTime: 10.5},
			wantCalls: nil,
			wantTime:  10.0,
			wantPlay:  true,
		},
		{
			name:      "pause pauses before seeking",
			local:     30.0,
			playing:   true,
			in:        protocol.PlayerState{Event: protocol.EventPause, CurrentTime: 20.0},
			wantCalls: []string{"pause", "seek"},
			wantTime:  20.0,
			wantPlay:  false,
		},
		{
			name:      "pause at exactly the threshold does not seek",
			local:     10.0,
			playing:   true,
			in:        protocol.PlayerState{Event: protocol.EventPause, CurrentTime: 11.5},
			wantCalls: []string{"pause"},
			wantTime:  10.0,
			wantPlay:  false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := &recordingPlayer{time: tc.local, playing: tc.playing}
			s := NewSynchronizer(p, clock.Fake(time.Unix(0, 0)), func(protocol.PlayerState) {})

			s.Apply(tc.in)

			assert.Equal(t, tc.wantCalls, p.calls)
			assert.Equal(t, tc.wantTime, p.time)
			assert.Equal(t, tc.wantPlay, p.playing)
		})
	}
}

// TestEchoSuppressedDuringSettleWindow wires a VirtualPlayer the way the
// application does: every local change is reported to the synchronizer.
func TestEchoSuppressedDuringSettleWindow(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	player := NewVirtualPlayer(clk)
	player.Seek(10)

	var sent []protocol.PlayerState
	s := NewSynchronizer(player, clk, func(ps protocol.PlayerState) { sent = append(sent, ps) })
	player.OnChange(func(event string) { s.LocalChange(event) })

	s.Apply(protocol.PlayerState{Event: protocol.EventPlay, CurrentTime: 12})
	assert.True(t, player.IsPlaying())
	assert.Equal(t, 2, player.Seeks(), "initial seek plus one correction")
	assert.Empty(t, sent, "applying a remote instruction must not echo")
	assert.Equal(t, PhaseSuppressing, s.Phase())

	clk.Advance(SettleWindow - time.Millisecond)
	player.Pause()
	assert.Empty(t, sent, "still inside the settle window")

	clk.Advance(time.Millisecond)
	assert.Equal(t, PhaseIdle, s.Phase())

	player.Play()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.EventPlay, sent[0].Event)
}

func TestSettleWindowRearmedPerInstruction(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	p := &recordingPlayer{}

	var sent int
	s := NewSynchronizer(p, clk, func(protocol.PlayerState) { sent++ })

	s.Apply(protocol.PlayerState{Event: protocol.EventPlay})
	clk.Advance(200 * time.Millisecond)
	s.Apply(protocol.PlayerState{Event: protocol.EventPause})
	clk.Advance(200 * time.Millisecond)

	assert.Equal(t, PhaseSuppressing, s.Phase(), "second instruction extends suppression")
	assert.False(t, s.LocalChange(protocol.EventPlay))

	clk.Advance(100 * time.Millisecond)
	assert.Equal(t, PhaseIdle, s.Phase())
	assert.True(t, s.LocalChange(protocol.EventPlay))
	assert.Equal(t, 1, sent)
}

func TestLocalChangeBroadcastsCurrentTime(t *testing.T) {
	p := &recordingPlayer{time: 42.5, playing: true}
	var got protocol.PlayerState
	s := NewSynchronizer(p, clock.Fake(time.Unix(0, 0)), func(ps protocol.PlayerState) { got = ps })

	require.True(t, s.LocalChange(protocol.EventPlay))
	assert.Equal(t, protocol.PlayerState{Event: protocol.EventPlay, CurrentTime: 42.5}, got)
}

func TestCloseReturnsToIdle(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	s := NewSynchronizer(&recordingPlayer{}, clk, func(protocol.PlayerState) {})

	s.Apply(protocol.PlayerState{Event: protocol.EventPause})
	s.Close()
	assert.Equal(t, PhaseIdle, s.Phase())
	assert.Zero(t, clk.Pending())
}
