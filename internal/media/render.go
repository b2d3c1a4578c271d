package media

import "github.com/rs/zerolog/log"

// DiscardSink swallows remote audio. Used when no presentation layer is
// attached, e.g. in the headless server binary.
type DiscardSink struct{}

func (DiscardSink) Write(uint32, []byte) error { return nil }

func (DiscardSink) CloseStream(ssrc uint32) {
	log.Debug().Str("module", "media.render").Uint32("ssrc", ssrc).Msg("remote stream ended")
}
