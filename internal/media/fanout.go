package media

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// receiveMTU bounds a single RTP read; same headroom pion uses internally.
const receiveMTU = 1500

// Fanout forwards remote audio tracks into a render sink, one reader
// goroutine per track. Deafening drops payloads without stopping the
// readers, so undeafening resumes instantly.
type Fanout struct {
	sink     sinkWriter
	deafened atomic.Bool
	closed   atomic.Bool
	wg       sync.WaitGroup
}

// sinkWriter is the part of core.RenderSink the fan-out needs.
type sinkWriter interface {
	Write(ssrc uint32, payload []byte) error
	CloseStream(ssrc uint32)
}

// remoteTrack is the part of webrtc.TrackRemote the forwarder reads from.
type remoteTrack interface {
	Read(b []byte) (int, interceptor.Attributes, error)
	SSRC() webrtc.SSRC
}

func NewFanout(sink sinkWriter) *Fanout {
	return &Fanout{sink: sink}
}

// SetDeafened silences or restores every forwarded stream.
func (f *Fanout) SetDeafened(deafened bool) {
	f.deafened.Store(deafened)
}

// Consume starts forwarding one remote track. Matches the negotiator's
// OnTrack callback signature.
func (f *Fanout) Consume(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if f.closed.Load() {
		return
	}
	f.wg.Add(1)
	go f.forward(track)
}

func (f *Fanout) forward(track remoteTrack) {
	defer f.wg.Done()
	ssrc := uint32(track.SSRC())
	defer func() {
		if f.sink != nil {
			f.sink.CloseStream(ssrc)
		}
	}()

	buf := make([]byte, receiveMTU)
	packet := &rtp.Packet{}
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("module", "media.fanout").Uint32("ssrc", ssrc).Msg("track read ended")
			}
			return
		}
		if f.closed.Load() {
			return
		}
		if f.deafened.Load() || f.sink == nil {
			continue
		}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			log.Warn().Err(err).Str("module", "media.fanout").Uint32("ssrc", ssrc).Msg("bad rtp packet")
			continue
		}
		if err := f.sink.Write(ssrc, packet.Payload); err != nil {
			log.Warn().Err(err).Str("module", "media.fanout").Uint32("ssrc", ssrc).Msg("render sink write")
		}
	}
}

// Close stops accepting tracks. Reader goroutines exit when the peer
// connection closes their tracks; Close does not wait for them.
func (f *Fanout) Close() {
	f.closed.Store(true)
}
