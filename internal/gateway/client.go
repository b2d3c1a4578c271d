// Package gateway maintains the long-lived main-gateway connection used to
// obtain voice-server credentials: it identifies, heartbeats, asks the
// server to move us in or out of voice channels, and correlates the
// VOICE_STATE_UPDATE / VOICE_SERVER_UPDATE pair into credentials the voice
// session can use. It also feeds the participant presence cache.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/voxium/voice/internal/domain"
)

const (
	dialTimeout = 10 * time.Second
	// The server needs a moment to process a leave before a re-join in the
	// same guild yields a fresh VOICE_SERVER_UPDATE.
	leaveSettle = 200 * time.Millisecond
	// Covers identify plus the voice join round-trip.
	defaultJoinWait = 20 * time.Second

	defaultHeartbeatInterval = 41250 * time.Millisecond
)

type joinReply struct {
	creds domain.VoiceServerCredentials
	err   error
}

type joinCmd struct {
	guildID   domain.GuildID
	channelID domain.ChannelID
	reply     chan joinReply
}

type leaveCmd struct {
	guildID domain.GuildID
	reply   chan error
}

// Client is the main-gateway connection. It implements
// core.CredentialProvider. The connection is dialed lazily on the first
// fetch and redialed on the next fetch if the run loop has died.
type Client struct {
	url      string
	token    string
	joinWait time.Duration
	presence *PresenceStore

	mu      sync.Mutex
	cmds    chan any
	cancel  context.CancelFunc
	running bool
}

func NewClient(url, token string, joinWait time.Duration) *Client {
	if joinWait <= 0 {
		joinWait = defaultJoinWait
	}
	return &Client{
		url:      url,
		token:    token,
		joinWait: joinWait,
		presence: NewPresenceStore(),
	}
}

// Presence exposes the participant cache fed by this connection.
func (c *Client) Presence() *PresenceStore {
	return c.presence
}

// FetchVoiceCredentials asks the gateway to join the channel and waits for
// the server-assigned credentials.
func (c *Client) FetchVoiceCredentials(ctx context.Context, guildID domain.GuildID, channelID domain.ChannelID) (domain.VoiceServerCredentials, error) {
	cmds, err := c.ensureRunning(ctx)
	if err != nil {
		return domain.VoiceServerCredentials{}, err
	}

	cmd := joinCmd{guildID: guildID, channelID: channelID, reply: make(chan joinReply, 1)}
	select {
	case cmds <- cmd:
	case <-ctx.Done():
		return domain.VoiceServerCredentials{}, ctx.Err()
	}

	timer := time.NewTimer(c.joinWait)
	defer timer.Stop()
	select {
	case reply := <-cmd.reply:
		return reply.creds, reply.err
	case <-timer.C:
		return domain.VoiceServerCredentials{}, fmt.Errorf("timed out waiting for voice server info")
	case <-ctx.Done():
		return domain.VoiceServerCredentials{}, ctx.Err()
	}
}

// ReleaseVoiceCredentials moves us out of voice in the guild. Best effort.
func (c *Client) ReleaseVoiceCredentials(ctx context.Context, guildID domain.GuildID) error {
	cmds, err := c.ensureRunning(ctx)
	if err != nil {
		return err
	}

	cmd := leaveCmd{guildID: guildID, reply: make(chan error, 1)}
	select {
	case cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the run loop. A later fetch redials.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.running = false
}

func (c *Client) ensureRunning(ctx context.Context) (chan any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return c.cmds, nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway dial %s: %w", c.url, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	cmds := make(chan any, 16)
	c.cmds = cmds
	c.cancel = cancel
	c.running = true
	log.Info().Str("module", "gateway").Str("url", c.url).Msg("gateway connected")

	go func() {
		c.run(runCtx, conn, cmds)
		conn.Close()
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		log.Info().Str("module", "gateway").Msg("gateway run loop ended")
	}()
	return cmds, nil
}

// session is the mutable state of one gateway connection, owned entirely by
// the run loop goroutine.
type session struct {
	conn       *websocket.Conn
	sequence   *int64
	sessionID  string
	userID     string
	identified bool

	pending      *joinCmd
	queued       *joinCmd
	queuedLeaves []leaveCmd
	voiceToken   string
	voiceEndp    string
	voiceGuild   string
}

func (c *Client) run(ctx context.Context, conn *websocket.Conn, cmds chan any) {
	reads := make(chan payload)
	readErr := make(chan error, 1)
	go func() {
		for {
			var p payload
			if err := conn.ReadJSON(&p); err != nil {
				readErr <- err
				return
			}
			select {
			case reads <- p:
			case <-ctx.Done():
				return
			}
		}
	}()

	s := &session{conn: conn}
	var beat <-chan time.Time

	defer func() {
		if s.pending != nil {
			s.pending.reply <- joinReply{err: fmt.Errorf("gateway connection closed")}
		}
		if s.queued != nil {
			s.queued.reply <- joinReply{err: fmt.Errorf("gateway connection closed")}
		}
		for _, leave := range s.queuedLeaves {
			leave.reply <- fmt.Errorf("gateway connection closed")
		}
	}()

	for {
		select {
		case p := <-reads:
			if p.S != nil {
				s.sequence = p.S
			}
			switch p.Op {
			case opHello:
				var hello helloData
				_ = json.Unmarshal(p.D, &hello)
				interval := defaultHeartbeatInterval
				if hello.HeartbeatInterval > 0 {
					interval = time.Duration(hello.HeartbeatInterval) * time.Millisecond
				}
				if beat == nil {
					ticker := time.NewTicker(interval)
					defer ticker.Stop()
					beat = ticker.C
				}
				if !s.identified {
					c.sendIdentify(s)
				}
			case opHeartbeatAck:
				// liveness only
			case opReconnect:
				log.Info().Str("module", "gateway").Msg("server requested reconnect")
				return
			case opInvalidSession:
				log.Warn().Str("module", "gateway").Msg("session invalidated")
				return
			case opDispatch:
				c.handleDispatch(s, p)
			}

		case err := <-readErr:
			log.Error().Err(err).Str("module", "gateway").Msg("gateway read failed")
			return

		case <-beat:
			c.sendHeartbeat(s)

		case raw := <-cmds:
			switch cmd := raw.(type) {
			case joinCmd:
				c.handleJoin(s, cmd)
			case leaveCmd:
				// Nothing may be written before Identify; hold voice-state
				// commands until READY like queued joins.
				if s.sessionID == "" {
					s.queuedLeaves = append(s.queuedLeaves, cmd)
					break
				}
				cmd.reply <- c.sendVoiceState(s, cmd.guildID, nil)
			}

		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) sendIdentify(s *session) {
	data, _ := json.Marshal(identifyData{
		Token:   c.token,
		Intents: gatewayIntents,
		Properties: identifyProperties{
			OS:      "linux",
			Browser: "voxium",
			Device:  "voxium",
		},
	})
	if err := s.conn.WriteJSON(payload{Op: opIdentify, D: data}); err != nil {
		log.Error().Err(err).Str("module", "gateway").Msg("identify send failed")
		return
	}
	s.identified = true
	log.Info().Str("module", "gateway").Msg("identify sent")
}

func (c *Client) sendHeartbeat(s *session) {
	data, _ := json.Marshal(s.sequence)
	if err := s.conn.WriteJSON(payload{Op: opHeartbeat, D: data}); err != nil {
		log.Error().Err(err).Str("module", "gateway").Msg("heartbeat send failed")
	}
}

func (c *Client) sendVoiceState(s *session, guildID domain.GuildID, channelID *domain.ChannelID) error {
	state := voiceStateUpdateData{GuildID: string(guildID)}
	if channelID != nil {
		id := string(*channelID)
		state.ChannelID = &id
	}
	data, _ := json.Marshal(state)
	return s.conn.WriteJSON(payload{Op: opVoiceState, D: data})
}

func (c *Client) handleJoin(s *session, cmd joinCmd) {
	if s.sessionID == "" {
		// Not READY yet; hold the command until the dispatch arrives.
		if s.queued != nil {
			s.queued.reply <- joinReply{err: fmt.Errorf("superseded by a newer join")}
		}
		s.queued = &cmd
		return
	}

	if s.pending != nil {
		s.pending.reply <- joinReply{err: fmt.Errorf("superseded by a newer join")}
		s.pending = nil
	}

	// Leave first so the server issues a fresh VOICE_SERVER_UPDATE even when
	// rejoining the same guild.
	if err := c.sendVoiceState(s, cmd.guildID, nil); err != nil {
		cmd.reply <- joinReply{err: fmt.Errorf("voice state send: %w", err)}
		return
	}
	time.Sleep(leaveSettle)

	s.voiceToken = ""
	s.voiceEndp = ""
	s.voiceGuild = ""
	s.pending = &cmd

	if err := c.sendVoiceState(s, cmd.guildID, &cmd.channelID); err != nil {
		s.pending = nil
		cmd.reply <- joinReply{err: fmt.Errorf("voice state send: %w", err)}
	}
}

func (c *Client) handleDispatch(s *session, p payload) {
	switch p.T {
	case "READY":
		var ready readyData
		_ = json.Unmarshal(p.D, &ready)
		s.sessionID = ready.SessionID
		s.userID = ready.User.ID
		log.Info().Str("module", "gateway").Str("session_id", s.sessionID).Msg("gateway ready")
		for _, leave := range s.queuedLeaves {
			leave.reply <- c.sendVoiceState(s, leave.guildID, nil)
		}
		s.queuedLeaves = nil
		if s.queued != nil {
			queued := *s.queued
			s.queued = nil
			c.handleJoin(s, queued)
		}

	case "VOICE_STATE_UPDATE":
		var state voiceStateUpdateData
		if err := json.Unmarshal(p.D, &state); err != nil {
			return
		}
		c.presence.apply(state)
		userID := state.UserID
		if userID == "" && state.Member != nil {
			userID = state.Member.User.ID
		}
		if userID == s.userID && s.voiceToken != "" && s.voiceEndp != "" {
			c.resolvePending(s)
		}

	case "VOICE_SERVER_UPDATE":
		var server voiceServerUpdateData
		if err := json.Unmarshal(p.D, &server); err != nil {
			return
		}
		s.voiceToken = server.Token
		s.voiceEndp = server.Endpoint
		s.voiceGuild = server.GuildID
		log.Info().Str("module", "gateway").Str("endpoint", server.Endpoint).Msg("voice server update")
		c.resolvePending(s)

	case "RESUMED", "VOICE_CHANNEL_EFFECT_SEND":
		// no state change

	default:
		log.Debug().Str("module", "gateway").Str("event", p.T).Msg("ignoring dispatch")
	}
}

func (c *Client) resolvePending(s *session) {
	if s.pending == nil {
		return
	}
	pending := s.pending
	s.pending = nil

	creds := domain.VoiceServerCredentials{
		Token:     s.voiceToken,
		Endpoint:  s.voiceEndp,
		SessionID: s.sessionID,
		UserID:    domain.UserID(s.userID),
		GuildID:   domain.GuildID(s.voiceGuild),
	}
	s.voiceToken = ""
	s.voiceEndp = ""
	s.voiceGuild = ""

	log.Info().Str("module", "gateway").Str("endpoint", creds.Endpoint).Msg("voice credentials resolved")
	pending.reply <- joinReply{creds: creds}
}
