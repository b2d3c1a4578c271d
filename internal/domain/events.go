package domain

// StateChange is emitted on every session state transition the caller
// is promised to see: Connecting, Connecting→Connected, any→Disconnected.
type StateChange struct {
	GuildID   GuildID      `json:"guild_id"`
	ChannelID ChannelID    `json:"channel_id"`
	State     SessionState `json:"state"`
}

// SpeakingEvent reports a remote user starting or stopping to speak.
type SpeakingEvent struct {
	UserID   UserID `json:"user_id"`
	SSRC     uint32 `json:"ssrc"`
	Speaking bool   `json:"speaking"`
}
