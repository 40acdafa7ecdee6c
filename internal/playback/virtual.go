package playback

import (
	"sync"

	"github.com/1ureka/togetherly/internal/clock"
	"github.com/1ureka/togetherly/internal/protocol"
)

// VirtualPlayer models a video player whose position advances with the
// clock while playing. It stands in for a real player in the terminal
// client.
type VirtualPlayer struct {
	clk clock.Clock

	mu       sync.Mutex
	position float64 // seconds at anchor
	anchor   int64   // clock time in ns when position was taken
	playing  bool
	onChange func(event string)
	seeks    int
}

// NewVirtualPlayer returns a paused player at position 0.
func NewVirtualPlayer(clk clock.Clock) *VirtualPlayer {
	return &VirtualPlayer{clk: clk, anchor: clk.Now().UnixNano()}
}

// OnChange registers fn for play/pause changes, including those caused
// by Seek. fn is called without internal locks held.
func (p *VirtualPlayer) OnChange(fn func(event string)) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

func (p *VirtualPlayer) CurrentTime() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentLocked()
}

func (p *VirtualPlayer) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *VirtualPlayer) Play() {
	p.mu.Lock()
	if p.playing {
		p.mu.Unlock()
		return
	}
	p.rebaseLocked(p.currentLocked())
	p.playing = true
	fn := p.onChange
	p.mu.Unlock()

	if fn != nil {
		fn(protocol.EventPlay)
	}
}

func (p *VirtualPlayer) Pause() {
	p.mu.Lock()
	if !p.playing {
		p.mu.Unlock()
		return
	}
	p.rebaseLocked(p.currentLocked())
	p.playing = false
	fn := p.onChange
	p.mu.Unlock()

	if fn != nil {
		fn(protocol.EventPause)
	}
}

// Seek jumps to seconds (clamped at 0) and reports the current play state,
// the way a real player re-emits its state after seeking.
func (p *VirtualPlayer) Seek(seconds float64) {
	p.mu.Lock()
	p.rebaseLocked(max(seconds, 0))
	p.seeks++
	event := protocol.EventPause
	if p.playing {
		event = protocol.EventPlay
	}
	fn := p.onChange
	p.mu.Unlock()

	if fn != nil {
		fn(event)
	}
}

// Seeks returns how many times Seek was called.
func (p *VirtualPlayer) Seeks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seeks
}

func (p *VirtualPlayer) currentLocked() float64 {
	if !p.playing {
		return p.position
	}
	elapsed := p.clk.Now().UnixNano() - p.anchor
	return p.position + float64(elapsed)/1e9
}

func (p *VirtualPlayer) rebaseLocked(position float64) {
	p.position = position
	p.anchor = p.clk.Now().UnixNano()
}
