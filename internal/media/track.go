// Package media provides the local-track and remote-audio plumbing around
// the peer connection: a silent placeholder track for offers without a
// capture device, and the fan-out of remote RTP audio into a render sink.
package media

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/voxium/voice/internal/core"
)

// NewSilentTrack returns an opus audio track that never produces samples.
// Attaching it keeps an audio media section in the offer when no capture
// device was granted.
func NewSilentTrack() (*webrtc.TrackLocalStaticSample, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "voxium-silence",
	)
	if err != nil {
		return nil, fmt.Errorf("silent track: %w", err)
	}
	return track, nil
}

// DeniedCapture is the capture provider for headless deployments: every
// acquisition is denied, so sessions join deafened with the silent
// placeholder. Real device capture plugs in behind core.CaptureProvider.
type DeniedCapture struct{}

func (DeniedCapture) Acquire(context.Context) (webrtc.TrackLocal, error) {
	return nil, fmt.Errorf("%w: no capture device on this host", core.ErrDevice)
}

func (DeniedCapture) SetEnabled(bool) {}

func (DeniedCapture) Release() {}
