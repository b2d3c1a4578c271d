// Package domain contains entity without logic, just meta-data
package domain

type (
	GuildID   string
	ChannelID string
	UserID    string
)

// SessionState is the lifecycle state of a voice session.
type SessionState int

const (
	StateIdle SessionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// VoiceSession is the single active session a coordinator owns.
// At most one exists at a time; a new join forces a leave first.
type VoiceSession struct {
	GuildID   GuildID      `json:"guild_id"`
	ChannelID ChannelID    `json:"channel_id"`
	State     SessionState `json:"state"`
}
