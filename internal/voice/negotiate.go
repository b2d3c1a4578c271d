package voice

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/voxium/voice/internal/core"
)

// Candidate gathering is cut short after this long; a partially gathered
// description is preferred over an unbounded join.
const gatherTimeout = 3 * time.Second

const opusPriority = 1000

// MediaNegotiator drives the offer/answer exchange that carries audio,
// adapting the gateway's simplified answer format back into a description
// the peer connection will accept. Negotiate and ApplyRemote run on the
// control-channel read loop while Close arrives from API callers, so all
// field access goes through the mutex.
type MediaNegotiator struct {
	send          func(Opcode, any)
	gatherTimeout time.Duration

	mu         sync.Mutex
	pc         *webrtc.PeerConnection
	closed     bool
	localOffer string
	onTrack    func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

// NewMediaNegotiator wires the negotiator to a control-channel send function.
func NewMediaNegotiator(send func(Opcode, any)) *MediaNegotiator {
	return &MediaNegotiator{send: send, gatherTimeout: gatherTimeout}
}

// OnTrack sets the callback for remote audio tracks. Must be set before Setup.
func (n *MediaNegotiator) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onTrack = fn
}

// Setup constructs the peer connection and attaches the outgoing track.
// The track is either the granted capture track or a silent placeholder, so
// the offer always advertises an audio media section.
func (n *MediaNegotiator) Setup(track webrtc.TrackLocal) error {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return fmt.Errorf("%w: new peer connection: %v", core.ErrNegotiation, err)
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "voice.media").Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "voice.media").
			Str("kind", track.Kind().String()).
			Uint32("ssrc", uint32(track.SSRC())).
			Msg("remote track")
		n.mu.Lock()
		fn := n.onTrack
		n.mu.Unlock()
		if fn != nil {
			fn(track, receiver)
		}
	})

	if _, err := pc.AddTrack(track); err != nil {
		_ = pc.Close()
		return fmt.Errorf("%w: add local track: %v", core.ErrNegotiation, err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		_ = pc.Close()
		return fmt.Errorf("%w: setup on released negotiator", core.ErrNegotiation)
	}
	n.pc = pc
	return nil
}

// Negotiate builds the local offer and announces it to the gateway: create
// the offer, apply it unmodified, wait (bounded) for candidate gathering,
// then send Select-Protocol followed by the initial Speaking state. The
// synchronization sources are rewritten to the server-assigned value only on
// the announced copy: the peer connection refuses a local description that
// differs from the offer it generated, and the gateway only ever sees the
// announced text.
func (n *MediaNegotiator) Negotiate(ready MediaReadyInfo, muted bool) error {
	pc := n.connection()
	if pc == nil {
		return fmt.Errorf("%w: negotiate before setup", core.ErrNegotiation)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("%w: create offer: %v", core.ErrNegotiation, err)
	}

	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: set local description: %v", core.ErrNegotiation, err)
	}

	select {
	case <-webrtc.GatheringCompletePromise(pc):
	case <-time.After(n.gatherTimeout):
		log.Warn().Str("module", "voice.media").Msg("candidate gathering timed out, sending partial description")
	}

	local := pc.LocalDescription()
	if local == nil {
		return fmt.Errorf("%w: no local description after gathering", core.ErrNegotiation)
	}
	announced := rewriteSSRC(local.SDP, ready.SSRC)

	n.mu.Lock()
	n.localOffer = announced
	n.mu.Unlock()

	n.send(OpSelectProtocol, selectProtocolPayload{
		Protocol:        "webrtc",
		Data:            announced,
		RTCConnectionID: uuid.NewString(),
		Codecs: []codecDescription{{
			Name:        "opus",
			Type:        "audio",
			Priority:    opusPriority,
			PayloadType: defaultOpusPayloadType,
		}},
	})

	speaking := 1
	if muted {
		speaking = 0
	}
	n.send(OpSpeaking, speakingPayload{Speaking: speaking, Delay: 0, SSRC: ready.SSRC})
	return nil
}

// ApplyRemote reconstructs the gateway's simplified description into a full
// answer and applies it. The caller handles the degraded no-description case
// before getting here.
func (n *MediaNegotiator) ApplyRemote(remoteSDP string) error {
	n.mu.Lock()
	pc := n.pc
	offer := n.localOffer
	n.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("%w: remote description before setup", core.ErrNegotiation)
	}

	remote, err := parseRemoteDescription(remoteSDP)
	if err != nil {
		return err
	}
	facts := extractOfferFacts(offer)
	answer := buildAnswer(remote, facts)

	err = pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	})
	if err != nil {
		return fmt.Errorf("%w: set remote description: %v", core.ErrNegotiation, err)
	}

	log.Info().
		Str("module", "voice.media").
		Str("remote", fmt.Sprintf("%s:%d", remote.IP, remote.Port)).
		Int("candidates", len(remote.Candidates)).
		Msg("remote description applied")
	return nil
}

// Close releases the peer connection. Idempotent and safe concurrently with
// an in-flight Negotiate: the connection is closed, never mutated in place,
// so a concurrent operation fails with an error instead of observing torn
// state.
func (n *MediaNegotiator) Close() {
	n.mu.Lock()
	pc := n.pc
	n.pc = nil
	n.closed = true
	n.localOffer = ""
	n.mu.Unlock()

	if pc == nil {
		return
	}
	if err := pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "voice.media").Msg("peer connection close")
	}
}

func (n *MediaNegotiator) connection() *webrtc.PeerConnection {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pc
}
