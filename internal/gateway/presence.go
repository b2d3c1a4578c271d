package gateway

import (
	"fmt"
	"sync"

	"github.com/voxium/voice/internal/domain"
)

// PresenceStore tracks which users currently sit in which voice channel,
// fed by VOICE_STATE_UPDATE dispatches for all users.
type PresenceStore struct {
	mu      sync.RWMutex
	byGuild map[domain.GuildID]map[domain.UserID]domain.VoiceParticipant
}

func NewPresenceStore() *PresenceStore {
	return &PresenceStore{
		byGuild: make(map[domain.GuildID]map[domain.UserID]domain.VoiceParticipant),
	}
}

func (p *PresenceStore) apply(state voiceStateUpdateData) {
	userID := domain.UserID(state.UserID)
	if userID == "" && state.Member != nil {
		userID = domain.UserID(state.Member.User.ID)
	}
	guildID := domain.GuildID(state.GuildID)
	if guildID == "" || userID == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	guild := p.byGuild[guildID]
	if state.ChannelID == nil {
		delete(guild, userID)
		return
	}
	if guild == nil {
		guild = make(map[domain.UserID]domain.VoiceParticipant)
		p.byGuild[guildID] = guild
	}

	participant := domain.VoiceParticipant{
		UserID:    userID,
		ChannelID: domain.ChannelID(*state.ChannelID),
	}
	if member := state.Member; member != nil {
		switch {
		case member.Nick != "":
			participant.DisplayName = member.Nick
		case member.User.GlobalName != "":
			participant.DisplayName = member.User.GlobalName
		default:
			participant.DisplayName = member.User.Username
		}
		if member.User.Avatar != "" {
			participant.AvatarURL = fmt.Sprintf(
				"https://cdn.discordapp.com/avatars/%s/%s.png?size=64",
				userID, member.User.Avatar,
			)
		}
	}
	guild[userID] = participant
}

// Participants lists everyone in voice for a guild, optionally filtered to
// one channel. The returned slice is a copy.
func (p *PresenceStore) Participants(guildID domain.GuildID, channelID domain.ChannelID) []domain.VoiceParticipant {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]domain.VoiceParticipant, 0, len(p.byGuild[guildID]))
	for _, participant := range p.byGuild[guildID] {
		if channelID != "" && participant.ChannelID != channelID {
			continue
		}
		out = append(out, participant)
	}
	return out
}
