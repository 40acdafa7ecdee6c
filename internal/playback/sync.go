// Package playback keeps two independently running players within a small
// drift of each other without echoing corrections back and forth.
package playback

import (
	"math"
	"sync"
	"time"

	"github.com/1ureka/togetherly/internal/clock"
	"github.com/1ureka/togetherly/internal/protocol"
	"github.com/1ureka/togetherly/internal/util"
)

const (
	// DriftThreshold is the largest time difference, in seconds, that is
	// tolerated without seeking.
	DriftThreshold = 1.5

	// SettleWindow is how long local player changes are treated as echoes
	// after a remote instruction was applied.
	SettleWindow = 300 * time.Millisecond
)

// Player is the local video player the synchronizer drives.
type Player interface {
	CurrentTime() float64
	IsPlaying() bool
	Play()
	Pause()
	Seek(seconds float64)
}

// Phase is the echo-suppression state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSuppressing
)

func (p Phase) String() string {
	if p == PhaseSuppressing {
		return "suppressing"
	}
	return "idle"
}

// Synchronizer applies remote player_state instructions to the local
// player and broadcasts local play/pause changes, except while it is
// suppressing the echoes of its own corrections.
type Synchronizer struct {
	player    Player
	clk       clock.Clock
	broadcast func(protocol.PlayerState)

	mu     sync.Mutex
	phase  Phase
	settle *clock.Timer
	gen    uint64
}

// NewSynchronizer returns an idle Synchronizer. broadcast is called for
// every local change that should reach the peer.
func NewSynchronizer(player Player, clk clock.Clock, broadcast func(protocol.PlayerState)) *Synchronizer {
	return &Synchronizer{player: player, clk: clk, broadcast: broadcast}
}

// Phase returns the current suppression phase.
func (s *Synchronizer) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Apply executes a remote instruction. Each call (re)arms the settle
// window, so back-to-back instructions extend suppression.
func (s *Synchronizer) Apply(ps protocol.PlayerState) {
	s.suppress()

	switch ps.Event {
	case protocol.EventPlay:
		s.correctDrift(ps.CurrentTime)
		if !s.player.IsPlaying() {
			s.player.Play()
		}
	case protocol.EventPause:
		if s.player.IsPlaying() {
			s.player.Pause()
		}
		s.correctDrift(ps.CurrentTime)
	default:
		util.LogWarning("Ignoring player instruction %q", ps.Event)
	}
}

// LocalChange reports a play/pause change of the local player. It
// broadcasts the change with the current position and returns true,
// unless the change is the echo of a remote instruction.
func (s *Synchronizer) LocalChange(event string) bool {
	s.mu.Lock()
	suppressed := s.phase == PhaseSuppressing
	s.mu.Unlock()

	if suppressed {
		util.LogDebug("Suppressed local %s during settle window", event)
		return false
	}
	s.broadcast(protocol.PlayerState{Event: event, CurrentTime: s.player.CurrentTime()})
	return true
}

// Close cancels a pending settle timer.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settle.Stop()
	s.settle = nil
	s.phase = PhaseIdle
}

func (s *Synchronizer) suppress() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settle.Stop()
	s.gen++
	gen := s.gen
	s.phase = PhaseSuppressing
	s.settle = s.clk.AfterFunc(SettleWindow, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen == gen {
			s.phase = PhaseIdle
			s.settle = nil
		}
	})
}

func (s *Synchronizer) correctDrift(remote float64) {
	local := s.player.CurrentTime()
	if math.Abs(local-remote) > DriftThreshold {
		util.LogDebug("Drift %.2fs exceeds threshold, seeking to %.2f", local-remote, remote)
		s.player.Seek(remote)
	}
}
