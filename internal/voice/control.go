package voice

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/voxium/voice/internal/core"
	"github.com/voxium/voice/internal/domain"
)

// Hello omits the interval on some gateway revisions; this is the
// documented fallback.
const defaultHeartbeatInterval = 13750 * time.Millisecond

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
)

// ControlEvents receives decoded control messages. All methods run on the
// read loop goroutine, so they are invoked strictly in receipt order and
// never reentrantly.
type ControlEvents interface {
	// OnReady fires when the gateway completes the handshake and assigns
	// the synchronization source.
	OnReady(MediaReadyInfo)
	// OnSessionDescription delivers the gateway's remote description text.
	// Empty when the payload carried no description at all.
	OnSessionDescription(sdp string)
	// OnSpeaking reports a remote speaking change.
	OnSpeaking(domain.SpeakingEvent)
	// OnClose fires exactly once when the socket closes, expectedly or not.
	// err is nil only for a locally requested Close.
	OnClose(err error)
}

// ControlChannel is a websocket client for the voice gateway's opcode
// protocol. It owns the socket lifecycle and the heartbeat scheduler; it
// reacts to inbound opcodes and leaves all session state to its handler.
type ControlChannel struct {
	heartbeat *HeartbeatScheduler

	mu      sync.Mutex
	conn    *websocket.Conn
	open    bool
	handler ControlEvents
}

func NewControlChannel() *ControlChannel {
	c := &ControlChannel{}
	c.heartbeat = NewHeartbeatScheduler(c.Send)
	return c
}

// Connect dials the gateway and starts the read loop. No implicit retry:
// a dial failure is returned once, wrapped as core.ErrConnection.
func (c *ControlChannel) Connect(url string, handler ControlEvents) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return fmt.Errorf("%w: control channel already connected", core.ErrConnection)
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", core.ErrConnection, url, err)
	}

	c.conn = conn
	c.open = true
	c.handler = handler
	log.Info().Str("module", "voice.control").Str("url", url).Msg("control channel connected")

	go c.readLoop(conn, handler)
	return nil
}

// Send serializes and transmits a control message. Silently dropped when the
// socket is not open; callers must not rely on delivery confirmation.
func (c *ControlChannel) Send(op Opcode, d any) {
	raw, err := json.Marshal(d)
	if err != nil {
		log.Error().Err(err).Str("module", "voice.control").Str("op", op.String()).Msg("marshal payload")
		return
	}
	msg, err := json.Marshal(ControlMessage{Op: op, D: raw})
	if err != nil {
		log.Error().Err(err).Str("module", "voice.control").Str("op", op.String()).Msg("marshal message")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		log.Debug().Str("module", "voice.control").Str("op", op.String()).Msg("send on closed channel dropped")
		return
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		log.Error().Err(err).Str("module", "voice.control").Str("op", op.String()).Msg("write failed")
	}
}

// Close shuts the socket if open. Idempotent. The handler's OnClose fires
// with a nil error.
func (c *ControlChannel) Close() {
	c.shutdown(nil)
}

// Open reports whether the socket is currently usable for sends.
func (c *ControlChannel) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// shutdown stops the heartbeat and closes the socket exactly once,
// then notifies the handler.
func (c *ControlChannel) shutdown(err error) {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return
	}
	c.open = false
	// Stopped under the lock so a concurrently dispatched Hello cannot
	// start a scheduler after this one is stopped.
	c.heartbeat.Stop()
	conn := c.conn
	handler := c.handler
	c.mu.Unlock()

	_ = conn.Close()
	log.Info().Err(err).Str("module", "voice.control").Msg("control channel closed")
	if handler != nil {
		handler.OnClose(err)
	}
}

func (c *ControlChannel) readLoop(conn *websocket.Conn, handler ControlEvents) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %v", core.ErrConnection, err))
			return
		}
		c.dispatch(data, handler)
	}
}

func (c *ControlChannel) dispatch(data []byte, handler ControlEvents) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Str("module", "voice.control").Msg("unparseable control message")
		return
	}

	switch msg.Op {
	case OpHello:
		var hello helloPayload
		if err := json.Unmarshal(msg.D, &hello); err != nil {
			log.Warn().Err(err).Str("module", "voice.control").Msg("bad hello payload")
		}
		interval := defaultHeartbeatInterval
		if hello.HeartbeatInterval > 0 {
			interval = time.Duration(hello.HeartbeatInterval) * time.Millisecond
		}
		c.mu.Lock()
		if c.open {
			c.heartbeat.Start(interval)
		}
		c.mu.Unlock()

	case OpReady:
		var ready MediaReadyInfo
		if err := json.Unmarshal(msg.D, &ready); err != nil {
			log.Error().Err(err).Str("module", "voice.control").Msg("bad ready payload")
			return
		}
		log.Info().Str("module", "voice.control").Uint32("ssrc", ready.SSRC).Msg("ready")
		handler.OnReady(ready)

	case OpSessionDescription:
		var desc sessionDescriptionPayload
		if err := json.Unmarshal(msg.D, &desc); err != nil {
			log.Error().Err(err).Str("module", "voice.control").Msg("bad session description payload")
			return
		}
		handler.OnSessionDescription(desc.SDP)

	case OpSpeaking:
		var sp speakingPayload
		if err := json.Unmarshal(msg.D, &sp); err != nil {
			log.Warn().Err(err).Str("module", "voice.control").Msg("bad speaking payload")
			return
		}
		handler.OnSpeaking(domain.SpeakingEvent{
			UserID:   domain.UserID(sp.UserID),
			SSRC:     sp.SSRC,
			Speaking: sp.Speaking != 0,
		})

	case OpHeartbeatAck:
		log.Debug().Str("module", "voice.control").Msg("heartbeat ack")

	case OpResumed:
		log.Info().Str("module", "voice.control").Msg("session resumed")

	case OpClientDisconnect:
		log.Info().Str("module", "voice.control").Msg("remote client disconnect")

	default:
		log.Debug().Str("module", "voice.control").Int("op", int(msg.Op)).Msg("ignoring unknown opcode")
	}
}
