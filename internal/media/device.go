package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/togetherly/internal/util"
)

// DeviceSource captures from the camera and microphone drivers registered
// with mediadevices. Drivers and encoders are linked in by the binary.
type DeviceSource struct {
	codecs *mediadevices.CodecSelector
	width  int
	height int
}

// NewDeviceSource returns a Source that encodes captured media with codecs.
func NewDeviceSource(codecs *mediadevices.CodecSelector) *DeviceSource {
	return &DeviceSource{codecs: codecs, width: 640, height: 480}
}

// Acquire opens the requested devices.
func (s *DeviceSource) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("acquire media: nothing requested")
	}
	if err := checkDevices(c); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: s.codecs}
	if c.Video {
		constraints.Video = func(mtc *mediadevices.MediaTrackConstraints) {
			mtc.Width = prop.Int(s.width)
			mtc.Height = prop.Int(s.height)
		}
	}
	if c.Audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, classify(err)
	}

	var tracks []Track
	for _, t := range ms.GetTracks() {
		tracks = append(tracks, newDeviceTrack(t))
	}
	util.LogDebug("Acquired %d local track(s) (audio=%v video=%v)", len(tracks), c.Audio, c.Video)
	return NewStream(tracks...), nil
}

func checkDevices(c Constraints) error {
	var audio, video bool
	for _, d := range mediadevices.EnumerateDevices() {
		switch d.Kind {
		case mediadevices.AudioInput:
			audio = true
		case mediadevices.VideoInput:
			video = true
		}
	}
	if c.Audio && !audio {
		return fmt.Errorf("%w: microphone", ErrNoDevice)
	}
	if c.Video && !video {
		return fmt.Errorf("%w: camera", ErrNoDevice)
	}
	return nil
}

func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, os.ErrPermission),
		strings.Contains(msg, "permission"),
		strings.Contains(msg, "not permitted"),
		strings.Contains(msg, "denied"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "failed to find"),
		strings.Contains(msg, "not found"),
		strings.Contains(msg, "no such"):
		return fmt.Errorf("%w: %v", ErrNoDevice, err)
	default:
		return fmt.Errorf("acquire media: %w", err)
	}
}

// DeviceTrack is a captured track. Disabling it keeps the device open but
// the transport stops forwarding its packets.
type DeviceTrack struct {
	track   mediadevices.Track
	enabled atomic.Bool
	once    sync.Once
}

func newDeviceTrack(t mediadevices.Track) *DeviceTrack {
	dt := &DeviceTrack{track: t}
	dt.enabled.Store(true)
	return dt
}

func (t *DeviceTrack) ID() string { return t.track.ID() }

func (t *DeviceTrack) Kind() Kind {
	if t.track.Kind() == webrtc.RTPCodecTypeVideo {
		return KindVideo
	}
	return KindAudio
}

func (t *DeviceTrack) Enabled() bool           { return t.enabled.Load() }
func (t *DeviceTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *DeviceTrack) Stop() {
	t.once.Do(func() {
		if err := t.track.Close(); err != nil {
			util.LogWarning("Failed to release %s track: %v", t.Kind(), err)
		}
	})
}

// NewRTPReader returns an encoded packet reader for the track.
func (t *DeviceTrack) NewRTPReader(codecName string, ssrc uint32, mtu int) (mediadevices.RTPReadCloser, error) {
	return t.track.NewRTPReader(codecName, ssrc, mtu)
}
