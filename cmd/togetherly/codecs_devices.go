//go:build devices

package main

import (
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers camera drivers
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers microphone drivers

	"github.com/1ureka/togetherly/internal/util"
)

// codecSelector builds the VP8 and Opus encoders used for calls.
func codecSelector() *mediadevices.CodecSelector {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		util.LogWarning("VP8 encoder unavailable: %v", err)
		return nil
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		util.LogWarning("Opus encoder unavailable: %v", err)
		return nil
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
}
