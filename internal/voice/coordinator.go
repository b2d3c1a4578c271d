package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/voxium/voice/internal/core"
	"github.com/voxium/voice/internal/domain"
	"github.com/voxium/voice/internal/media"
)

const releaseTimeout = 5 * time.Second

// controlConn and negotiator are the seams between the coordinator and its
// two protocol drivers; the production implementations are ControlChannel
// and MediaNegotiator.
type controlConn interface {
	Connect(url string, handler ControlEvents) error
	Send(op Opcode, d any)
	Close()
}

type negotiator interface {
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Setup(track webrtc.TrackLocal) error
	Negotiate(ready MediaReadyInfo, muted bool) error
	ApplyRemote(sdp string) error
	Close()
}

// Coordinator is the single entry point for the voice session lifecycle:
// join, leave, mute/deafen, and notifications. It owns every per-session
// handle (socket, peer connection, capture, render fan-out) and serializes
// all mutation through one mutex, so control-message handlers and API
// callers never race.
type Coordinator struct {
	creds    core.CredentialProvider
	capture  core.CaptureProvider
	sink     core.RenderSink
	observer core.SessionObserver

	newControl    func() controlConn
	newNegotiator func(send func(Opcode, any)) negotiator

	// joinMu serializes whole join attempts. Leave stays off it so it can
	// still cancel a join that is blocked waiting for the handshake.
	joinMu sync.Mutex

	mu          sync.Mutex
	session     domain.VoiceSession
	control     controlConn
	neg         negotiator
	fanout      *media.Fanout
	captureHeld bool
	ssrc        uint32
	muted       bool
	deafened    bool
	tearingDown bool
	joinDone    chan error
}

// NewCoordinator builds an idle coordinator. observer may be nil.
func NewCoordinator(creds core.CredentialProvider, capture core.CaptureProvider, sink core.RenderSink, observer core.SessionObserver) *Coordinator {
	return &Coordinator{
		creds:    creds,
		capture:  capture,
		sink:     sink,
		observer: observer,
		newControl: func() controlConn {
			return NewControlChannel()
		},
		newNegotiator: func(send func(Opcode, any)) negotiator {
			return NewMediaNegotiator(send)
		},
		session: domain.VoiceSession{State: domain.StateIdle},
	}
}

// Session returns a snapshot of the current session.
func (c *Coordinator) Session() domain.VoiceSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Muted and Deafened report the local flags.
func (c *Coordinator) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

func (c *Coordinator) Deafened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deafened
}

// Join connects to the given channel and blocks until the session reaches
// Connected, the join fails, or ctx is cancelled. An active session is left
// first; join is never additive. Concurrent joins run one after another, so
// a second caller waits out the first instead of clobbering its handles.
func (c *Coordinator) Join(ctx context.Context, guildID domain.GuildID, channelID domain.ChannelID) error {
	c.joinMu.Lock()
	defer c.joinMu.Unlock()

	c.mu.Lock()
	active := c.session.State == domain.StateConnecting || c.session.State == domain.StateConnected
	c.mu.Unlock()
	if active {
		c.Leave(ctx)
	}

	creds, err := c.creds.FetchVoiceCredentials(ctx, guildID, channelID)
	if err != nil {
		return fmt.Errorf("fetch credentials: %w", err)
	}
	if !creds.Complete() {
		return fmt.Errorf("%w: join endpoint returned incomplete transport info", core.ErrCredential)
	}

	// Capture denial is recoverable: proceed deafened with a silent
	// placeholder so the offer still advertises an audio section.
	track, err := c.capture.Acquire(ctx)
	deafened := false
	captureHeld := err == nil
	if err != nil {
		if !errors.Is(err, core.ErrDevice) {
			return fmt.Errorf("acquire capture: %w", err)
		}
		log.Warn().Err(err).Str("module", "voice.coordinator").Msg("capture denied, joining deafened")
		deafened = true
		track, err = media.NewSilentTrack()
		if err != nil {
			return fmt.Errorf("%w: silent track: %v", core.ErrNegotiation, err)
		}
	}

	control := c.newControl()
	neg := c.newNegotiator(control.Send)
	fanout := media.NewFanout(c.sink)
	fanout.SetDeafened(deafened)
	neg.OnTrack(fanout.Consume)

	if err := neg.Setup(track); err != nil {
		neg.Close()
		fanout.Close()
		if captureHeld {
			c.capture.Release()
		}
		return err
	}

	joinDone := make(chan error, 1)

	c.mu.Lock()
	c.session = domain.VoiceSession{GuildID: guildID, ChannelID: channelID, State: domain.StateConnecting}
	c.control = control
	c.neg = neg
	c.fanout = fanout
	c.captureHeld = captureHeld
	c.ssrc = 0
	c.deafened = deafened
	c.tearingDown = false
	c.joinDone = joinDone
	c.mu.Unlock()

	c.notifyState(domain.StateChange{GuildID: guildID, ChannelID: channelID, State: domain.StateConnecting})

	handler := &sessionHandler{coord: c}
	if err := control.Connect(gatewayURL(creds.Endpoint), handler); err != nil {
		c.failJoin(err)
		return err
	}

	control.Send(OpIdentify, identifyPayload{
		ServerID:  string(creds.GuildID),
		UserID:    string(creds.UserID),
		SessionID: creds.SessionID,
		Token:     creds.Token,
		Video:     false,
		Streams:   []string{},
	})

	select {
	case err := <-joinDone:
		return err
	case <-ctx.Done():
		c.Leave(context.Background())
		return ctx.Err()
	}
}

// Leave tears the session down unconditionally and emits Disconnected. Safe
// to call at any point, including mid-join and after a prior disconnect.
func (c *Coordinator) Leave(ctx context.Context) {
	c.mu.Lock()
	guildID := c.session.GuildID
	hadSession := c.session.State != domain.StateIdle && c.session.State != domain.StateDisconnected
	c.mu.Unlock()

	if hadSession {
		releaseCtx, cancel := context.WithTimeout(ctx, releaseTimeout)
		if err := c.creds.ReleaseVoiceCredentials(releaseCtx, guildID); err != nil {
			log.Warn().Err(err).Str("module", "voice.coordinator").Msg("leave notification failed")
		}
		cancel()
	}

	c.teardown(nil)
}

// ToggleMute flips local transmission. Receiving is unaffected.
func (c *Coordinator) ToggleMute() bool {
	c.mu.Lock()
	c.muted = !c.muted
	muted := c.muted
	transmit := !c.muted && !c.deafened
	captureHeld := c.captureHeld
	control := c.control
	ssrc := c.ssrc
	connected := c.session.State == domain.StateConnected
	c.mu.Unlock()

	if captureHeld {
		c.capture.SetEnabled(transmit)
	}
	if connected && control != nil && ssrc != 0 {
		speaking := 1
		if muted {
			speaking = 0
		}
		control.Send(OpSpeaking, speakingPayload{Speaking: speaking, Delay: 0, SSRC: ssrc})
	}
	return muted
}

// ToggleDeafen flips whether remote audio is rendered. Deafening also stops
// local transmission at the render level but does not change the mute flag.
func (c *Coordinator) ToggleDeafen() bool {
	c.mu.Lock()
	c.deafened = !c.deafened
	deafened := c.deafened
	transmit := !c.muted && !c.deafened
	captureHeld := c.captureHeld
	fanout := c.fanout
	c.mu.Unlock()

	if fanout != nil {
		fanout.SetDeafened(deafened)
	}
	if captureHeld {
		c.capture.SetEnabled(transmit)
	}
	return deafened
}

// failJoin aborts an in-flight join: full cleanup, error notification, and
// a Disconnected transition.
func (c *Coordinator) failJoin(err error) {
	if c.observer != nil {
		c.observer.OnError(err)
	}
	c.teardown(err)
}

// teardown releases the socket, the media engine, the render fan-out, and
// the capture device together, never partially, then emits Disconnected.
// Runs at most once per session; subsequent calls are no-ops.
func (c *Coordinator) teardown(cause error) {
	c.mu.Lock()
	if c.tearingDown || c.session.State == domain.StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.tearingDown = true
	control := c.control
	neg := c.neg
	fanout := c.fanout
	captureHeld := c.captureHeld
	joinDone := c.joinDone
	sess := c.session
	c.session.State = domain.StateDisconnected
	c.control = nil
	c.neg = nil
	c.fanout = nil
	c.captureHeld = false
	c.ssrc = 0
	c.mu.Unlock()

	if control != nil {
		control.Close()
	}
	if neg != nil {
		neg.Close()
	}
	if fanout != nil {
		fanout.Close()
	}
	if captureHeld {
		c.capture.Release()
	}

	if joinDone != nil {
		failure := cause
		if failure == nil {
			failure = fmt.Errorf("%w: session closed before negotiation completed", core.ErrConnection)
		}
		select {
		case joinDone <- failure:
		default:
		}
	}

	log.Info().
		Str("module", "voice.coordinator").
		Str("guild", string(sess.GuildID)).
		Msg("session torn down")
	c.notifyState(domain.StateChange{GuildID: sess.GuildID, ChannelID: sess.ChannelID, State: domain.StateDisconnected})
}

func (c *Coordinator) notifyState(change domain.StateChange) {
	if c.observer != nil {
		c.observer.OnStateChange(change)
	}
}

// sessionHandler adapts control-channel events onto the coordinator for one
// join.
type sessionHandler struct {
	coord *Coordinator
}

// OnReady answers the handshake with Identify already sent; it stores the
// ssrc and starts media negotiation.
func (h *sessionHandler) OnReady(ready MediaReadyInfo) {
	c := h.coord

	c.mu.Lock()
	c.ssrc = ready.SSRC
	neg := c.neg
	muted := c.muted
	c.mu.Unlock()

	if neg == nil {
		return
	}
	if err := neg.Negotiate(ready, muted); err != nil {
		log.Error().Err(err).Str("module", "voice.coordinator").Msg("negotiation failed")
		c.failJoin(err)
	}
}

func (h *sessionHandler) OnSessionDescription(sdp string) {
	c := h.coord

	c.mu.Lock()
	neg := c.neg
	c.mu.Unlock()
	if neg == nil {
		return
	}

	if sdp == "" {
		// Degraded mode: the gateway acknowledged the session but sent no
		// description text, so the session carries no audio.
		log.Warn().Str("module", "voice.coordinator").Msg("empty remote description, connected without media")
	} else if err := neg.ApplyRemote(sdp); err != nil {
		log.Error().Err(err).Str("module", "voice.coordinator").Msg("remote description rejected")
		c.failJoin(err)
		return
	}

	c.mu.Lock()
	if c.session.State != domain.StateConnecting {
		c.mu.Unlock()
		return
	}
	c.session.State = domain.StateConnected
	sess := c.session
	joinDone := c.joinDone
	c.mu.Unlock()

	log.Info().
		Str("module", "voice.coordinator").
		Str("guild", string(sess.GuildID)).
		Str("channel", string(sess.ChannelID)).
		Msg("voice session connected")
	c.notifyState(domain.StateChange{GuildID: sess.GuildID, ChannelID: sess.ChannelID, State: domain.StateConnected})

	if joinDone != nil {
		select {
		case joinDone <- nil:
		default:
		}
	}
}

func (h *sessionHandler) OnSpeaking(ev domain.SpeakingEvent) {
	if h.coord.observer != nil {
		h.coord.observer.OnSpeaking(ev)
	}
}

// OnClose before the handshake completes fails the in-flight join; after
// Connected it transitions to Disconnected with full cleanup. Either way
// there is no automatic reconnect.
func (h *sessionHandler) OnClose(err error) {
	c := h.coord

	c.mu.Lock()
	state := c.session.State
	c.mu.Unlock()

	switch state {
	case domain.StateConnecting:
		failure := err
		if failure == nil {
			failure = fmt.Errorf("%w: control channel closed during handshake", core.ErrConnection)
		}
		c.failJoin(failure)
	case domain.StateConnected:
		if err != nil && c.observer != nil {
			c.observer.OnError(err)
		}
		c.teardown(err)
	}
}

// gatewayURL turns a bare endpoint into a dialable websocket URL.
func gatewayURL(endpoint string) string {
	if strings.HasPrefix(endpoint, "wss://") || strings.HasPrefix(endpoint, "ws://") {
		return endpoint
	}
	return "wss://" + endpoint + "/?v=4"
}
