//go:build !devices

package main

import "github.com/pion/mediadevices"

// codecSelector returns nil in builds without device drivers; calls then
// fail with "no camera or microphone found". Build with -tags devices to
// link the camera, microphone, VP8 and Opus support.
func codecSelector() *mediadevices.CodecSelector { return nil }
