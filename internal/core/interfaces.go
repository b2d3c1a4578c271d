// Package core holds the interfaces and error taxonomy shared between the
// voice session machinery and its collaborators. No implementation logic here.
package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/voxium/voice/internal/domain"
)

// CredentialProvider obtains and releases server-assigned voice credentials.
// The coordinator treats both calls as opaque backend operations.
type CredentialProvider interface {
	// FetchVoiceCredentials asks the backend to move us into the given
	// channel and blocks until the server assigns session credentials.
	FetchVoiceCredentials(ctx context.Context, guildID domain.GuildID, channelID domain.ChannelID) (domain.VoiceServerCredentials, error)

	// ReleaseVoiceCredentials tells the backend we left. Best effort;
	// failures never block local teardown.
	ReleaseVoiceCredentials(ctx context.Context, guildID domain.GuildID) error
}

// CaptureProvider acquires a local audio track for transmission.
// Acquire returns ErrDevice when the capture device is denied; the
// coordinator then falls back to a silent placeholder track.
type CaptureProvider interface {
	Acquire(ctx context.Context) (webrtc.TrackLocal, error)
	// SetEnabled starts or stops feeding captured audio into the track.
	// Muting toggles this without renegotiating.
	SetEnabled(enabled bool)
	Release()
}

// RenderSink accepts remote audio payloads per synchronization source.
// Owned by the presentation layer; the media fan-out writes into it.
type RenderSink interface {
	Write(ssrc uint32, payload []byte) error
	CloseStream(ssrc uint32)
}

// SessionObserver receives session notifications. All methods are invoked
// from the coordinator's single dispatch path, in the order the underlying
// events were observed; implementations must not block.
type SessionObserver interface {
	OnStateChange(domain.StateChange)
	OnSpeaking(domain.SpeakingEvent)
	OnError(error)
}
