package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/voxium/voice/internal/core"
	"github.com/voxium/voice/internal/domain"
	"github.com/voxium/voice/internal/gateway"
	"github.com/voxium/voice/internal/voice"
)

// VoiceController maps the REST surface onto the session coordinator and
// the presence cache. No protocol logic lives here.
type VoiceController struct {
	Coord    *voice.Coordinator
	Presence *gateway.PresenceStore
}

type joinRequest struct {
	GuildID   string `json:"guild_id" binding:"required"`
	ChannelID string `json:"channel_id" binding:"required"`
}

type leaveRequest struct {
	GuildID string `json:"guild_id"`
}

func (ctl *VoiceController) Join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := ctl.Coord.Join(c.Request.Context(), domain.GuildID(req.GuildID), domain.ChannelID(req.ChannelID))
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("guild", req.GuildID).Msg("join failed")
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ctl.Coord.Session())
}

func (ctl *VoiceController) Leave(c *gin.Context) {
	var req leaveRequest
	_ = c.ShouldBindJSON(&req)
	ctl.Coord.Leave(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (ctl *VoiceController) ToggleMute(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"muted": ctl.Coord.ToggleMute()})
}

func (ctl *VoiceController) ToggleDeafen(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"deafened": ctl.Coord.ToggleDeafen()})
}

func (ctl *VoiceController) State(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"session":  ctl.Coord.Session(),
		"muted":    ctl.Coord.Muted(),
		"deafened": ctl.Coord.Deafened(),
	})
}

func (ctl *VoiceController) Participants(c *gin.Context) {
	guildID := c.Query("guild_id")
	if guildID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "guild_id is required"})
		return
	}
	participants := ctl.Presence.Participants(
		domain.GuildID(guildID),
		domain.ChannelID(c.Query("channel_id")),
	)
	c.JSON(http.StatusOK, participants)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrCredential):
		return http.StatusBadGateway
	case errors.Is(err, core.ErrConnection), errors.Is(err, core.ErrNegotiation):
		return http.StatusBadGateway
	case errors.Is(err, core.ErrDevice):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
