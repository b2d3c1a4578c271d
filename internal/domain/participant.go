package domain

// VoiceParticipant is a user currently present in some voice channel,
// as observed from gateway voice-state events.
type VoiceParticipant struct {
	UserID      UserID    `json:"user_id"`
	ChannelID   ChannelID `json:"channel_id"`
	DisplayName string    `json:"display_name,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
}
