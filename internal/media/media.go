// Package media describes local and remote media streams independently of
// the capture backend.
package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Kind is the media type of a track or a call.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

var (
	ErrPermissionDenied = errors.New("media permission denied")
	ErrNoDevice         = errors.New("no media device found")
)

// Track is one audio or video track. Stop releases the underlying
// hardware and is safe to call more than once.
type Track interface {
	ID() string
	Kind() Kind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

// Constraints selects which kinds of tracks to acquire.
type Constraints struct {
	Audio bool
	Video bool
}

// ConstraintsFor returns the constraints of a call of the given kind:
// video calls carry audio as well.
func ConstraintsFor(kind Kind) Constraints {
	return Constraints{Audio: true, Video: kind == KindVideo}
}

// Source acquires local streams.
type Source interface {
	Acquire(ctx context.Context, c Constraints) (*Stream, error)
}

// Stream is an ordered set of tracks.
type Stream struct {
	id     string
	tracks []Track
	once   sync.Once
}

// NewStream groups tracks into a stream with a random ID.
func NewStream(tracks ...Track) *Stream {
	return &Stream{id: uuid.NewString(), tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

// Tracks returns every track of the stream.
func (s *Stream) Tracks() []Track {
	return append([]Track(nil), s.tracks...)
}

// TracksOf returns the tracks of the given kind, in order.
func (s *Stream) TracksOf(kind Kind) []Track {
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// Stop stops every track once.
func (s *Stream) Stop() {
	s.once.Do(func() {
		for _, t := range s.tracks {
			t.Stop()
		}
	})
}

// BasicTrack is a Track without a hardware backend. It represents remote
// tracks, where enabling only affects local rendering.
type BasicTrack struct {
	id      string
	kind    Kind
	enabled atomic.Bool
	stops   atomic.Int32
	onStop  func()
}

// NewBasicTrack returns an enabled track. onStop, if non-nil, runs on the
// first Stop.
func NewBasicTrack(id string, kind Kind, onStop func()) *BasicTrack {
	if id == "" {
		id = uuid.NewString()
	}
	t := &BasicTrack{id: id, kind: kind, onStop: onStop}
	t.enabled.Store(true)
	return t
}

func (t *BasicTrack) ID() string              { return t.id }
func (t *BasicTrack) Kind() Kind              { return t.kind }
func (t *BasicTrack) Enabled() bool           { return t.enabled.Load() }
func (t *BasicTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *BasicTrack) Stop() {
	if t.stops.Add(1) == 1 && t.onStop != nil {
		t.onStop()
	}
}

// Stopped reports whether Stop has been called.
func (t *BasicTrack) Stopped() bool { return t.stops.Load() > 0 }
