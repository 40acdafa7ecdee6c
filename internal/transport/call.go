package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/togetherly/internal/media"
	"github.com/1ureka/togetherly/internal/util"
)

const rtpMTU = 1200

// mediaCall is a Call on its own PeerConnection. Local device tracks are
// pumped into static RTP tracks; remote tracks surface as BasicTracks
// grouped into one cumulative stream.
type mediaCall struct {
	l        *link
	md       Metadata
	offerSDP string // set on inbound calls until answered

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	remote   []media.Track
	latest   *media.Stream
	answered bool
	closed   bool
	onStream func(*media.Stream)
	onClose  func()
	onError  func(error)
}

func newCall(l *link, md Metadata) *mediaCall {
	ctx, cancel := context.WithCancel(context.Background())
	c := &mediaCall{l: l, md: md, ctx: ctx, cancel: cancel}

	l.pc.OnTrack(c.handleTrack)
	l.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("Call %s state: %s", l.connID, state)
		switch state {
		case webrtc.PeerConnectionStateFailed:
			c.failed(ErrNetwork)
		case webrtc.PeerConnectionStateClosed:
			c.finish()
		}
	})
	return c
}

// attachLocal adds one outgoing track per local track of stream, plus a
// receive-only transceiver for every kind the call carries but stream
// lacks.
func (c *mediaCall) attachLocal(stream *media.Stream, kind media.Kind) error {
	have := map[media.Kind]bool{}
	if stream != nil {
		for _, t := range stream.Tracks() {
			dt, ok := t.(*media.DeviceTrack)
			if !ok {
				continue
			}
			if err := c.addDeviceTrack(dt); err != nil {
				return err
			}
			have[dt.Kind()] = true
		}
	}

	for _, k := range []media.Kind{media.KindAudio, media.KindVideo} {
		if have[k] || (k == media.KindVideo && kind != media.KindVideo) {
			continue
		}
		codecType := webrtc.RTPCodecTypeAudio
		if k == media.KindVideo {
			codecType = webrtc.RTPCodecTypeVideo
		}
		if _, err := c.l.pc.AddTransceiverFromKind(codecType, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", k, err)
		}
	}
	return nil
}

func (c *mediaCall) addDeviceTrack(dt *media.DeviceTrack) error {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if dt.Kind() == media.KindVideo {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}

	local, err := webrtc.NewTrackLocalStaticRTP(codec, string(dt.Kind()), "togetherly-"+dt.ID())
	if err != nil {
		return fmt.Errorf("create %s track: %w", dt.Kind(), err)
	}
	rtpSender, err := c.l.pc.AddTrack(local)
	if err != nil {
		return fmt.Errorf("add %s track: %w", dt.Kind(), err)
	}

	// RTCP must be read for interceptors to run.
	go func() {
		buf := make([]byte, rtpMTU)
		for {
			if _, _, err := rtpSender.Read(buf); err != nil {
				return
			}
		}
	}()

	params := rtpSender.GetParameters()
	if len(params.Encodings) == 0 || params.Encodings[0].SSRC == 0 {
		return fmt.Errorf("no SSRC assigned for %s track", dt.Kind())
	}
	go c.pump(dt, local, uint32(params.Encodings[0].SSRC))
	return nil
}

// pump copies encoded packets from the device into the outgoing track.
// Packets of a disabled track are dropped, which mutes it for the peer.
func (c *mediaCall) pump(dt *media.DeviceTrack, local *webrtc.TrackLocalStaticRTP, ssrc uint32) {
	reader, err := dt.NewRTPReader(local.Codec().MimeType, ssrc, rtpMTU)
	if err != nil {
		util.LogWarning("Failed to create %s RTP reader: %v", dt.Kind(), err)
		return
	}
	defer reader.Close()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		packets, release, err := reader.Read()
		if err != nil {
			util.LogDebug("%s RTP reader stopped: %v", dt.Kind(), err)
			return
		}
		if dt.Enabled() {
			for _, p := range packets {
				if err := local.WriteRTP(p); err != nil {
					release()
					return
				}
			}
		}
		release()
	}
}

func (c *mediaCall) handleTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := media.KindAudio
	if remote.Kind() == webrtc.RTPCodecTypeVideo {
		kind = media.KindVideo
	}
	util.LogDebug("Remote %s track %s (ssrc %d)", kind, remote.ID(), remote.SSRC())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.remote = append(c.remote, media.NewBasicTrack(remote.ID(), kind, nil))
	stream := media.NewStream(c.remote...)
	c.latest = stream
	fn := c.onStream
	c.mu.Unlock()

	go func() {
		buf := make([]byte, 1500)
		for {
			n, _, err := remote.Read(buf)
			if err != nil {
				return
			}
			util.Stats.AddRecv(n)
		}
	}()

	if fn != nil {
		fn(stream)
	}
}

func (c *mediaCall) Peer() string       { return c.l.remoteID }
func (c *mediaCall) Metadata() Metadata { return c.md }

func (c *mediaCall) OnStream(fn func(*media.Stream)) {
	c.mu.Lock()
	c.onStream = fn
	latest := c.latest
	c.mu.Unlock()

	if latest != nil {
		go fn(latest)
	}
}

func (c *mediaCall) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	closed := c.closed
	c.mu.Unlock()

	if closed {
		go fn()
	}
}

func (c *mediaCall) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// Answer accepts an inbound call with the local stream.
func (c *mediaCall) Answer(stream *media.Stream) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotOpen
	}
	if c.answered {
		c.mu.Unlock()
		return errors.New("call already answered")
	}
	c.answered = true
	offer := c.offerSDP
	c.mu.Unlock()

	if err := c.attachLocal(stream, media.Kind(c.md["kind"])); err != nil {
		return err
	}
	return c.l.sendAnswer(offer)
}

func (c *mediaCall) Close() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}

	c.l.leave()
	return c.finish()
}

func (c *mediaCall) link() *link { return c.l }

func (c *mediaCall) remoteClosed() { c.finish() }

func (c *mediaCall) failed(err error) {
	c.mu.Lock()
	fn := c.onError
	closed := c.closed
	c.mu.Unlock()

	if !closed && fn != nil {
		fn(err)
	}
	c.finish()
}

func (c *mediaCall) finish() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	fn := c.onClose
	remote := c.remote
	c.mu.Unlock()

	c.cancel()
	c.l.ep.forget(c.l.connID)
	for _, t := range remote {
		t.Stop()
	}
	err := c.l.pc.Close()

	if fn != nil {
		fn()
	}
	return err
}
