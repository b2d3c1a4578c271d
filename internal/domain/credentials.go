package domain

// VoiceServerCredentials is everything the join endpoint hands back for one
// voice-gateway connection. Opaque to the control channel except for Identify.
type VoiceServerCredentials struct {
	Token     string  `json:"token"`
	Endpoint  string  `json:"endpoint"`
	SessionID string  `json:"session_id"`
	UserID    UserID  `json:"user_id"`
	GuildID   GuildID `json:"guild_id"`
}

// Complete reports whether the credentials carry enough transport
// information to open a voice-gateway connection.
func (c VoiceServerCredentials) Complete() bool {
	return c.Token != "" && c.Endpoint != "" && c.SessionID != ""
}
