// Package mediatest provides an in-memory media.Source.
package mediatest

import (
	"context"
	"sync"

	"github.com/1ureka/togetherly/internal/media"
)

// Source hands out streams of media.BasicTrack, or Err when set.
type Source struct {
	mu       sync.Mutex
	Err      error
	acquired []*media.Stream
	gate     chan struct{}
}

// Acquire returns a fresh stream matching c.
func (s *Source) Acquire(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	var tracks []media.Track
	if c.Audio {
		tracks = append(tracks, media.NewBasicTrack("", media.KindAudio, nil))
	}
	if c.Video {
		tracks = append(tracks, media.NewBasicTrack("", media.KindVideo, nil))
	}
	stream := media.NewStream(tracks...)
	s.acquired = append(s.acquired, stream)
	return stream, nil
}

// Hold makes Acquire block, like a device that is slow to open, until the
// returned release func is called.
func (s *Source) Hold() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.gate = nil
			s.mu.Unlock()
			close(gate)
		})
	}
}

// SetErr makes subsequent Acquire calls fail with err.
func (s *Source) SetErr(err error) {
	s.mu.Lock()
	s.Err = err
	s.mu.Unlock()
}

// Acquired returns every stream handed out so far.
func (s *Source) Acquired() []*media.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*media.Stream(nil), s.acquired...)
}

// AllStopped reports whether every track of every acquired stream has been
// stopped.
func (s *Source) AllStopped() bool {
	for _, stream := range s.Acquired() {
		for _, t := range stream.Tracks() {
			if bt, ok := t.(*media.BasicTrack); ok && !bt.Stopped() {
				return false
			}
		}
	}
	return true
}
