package gateway

import "encoding/json"

// Main-gateway opcodes. Distinct from the voice gateway's numbering.
type opcode int

const (
	opDispatch       opcode = 0
	opHeartbeat      opcode = 1
	opIdentify       opcode = 2
	opVoiceState     opcode = 4
	opReconnect      opcode = 7
	opInvalidSession opcode = 9
	opHello          opcode = 10
	opHeartbeatAck   opcode = 11
)

// GUILDS | GUILD_VOICE_STATES
const gatewayIntents = 1 | 1<<7

type payload struct {
	Op opcode          `json:"op"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

type helloData struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type identifyData struct {
	Token      string             `json:"token"`
	Intents    int                `json:"intents"`
	Properties identifyProperties `json:"properties"`
}

type readyData struct {
	SessionID string `json:"session_id"`
	User      struct {
		ID string `json:"id"`
	} `json:"user"`
}

// voiceStateUpdateData is both the op 4 request body (join/leave) and the
// VOICE_STATE_UPDATE dispatch shape we care about.
type voiceStateUpdateData struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	UserID    string  `json:"user_id,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
	Member    *struct {
		Nick string `json:"nick"`
		User struct {
			ID         string `json:"id"`
			Username   string `json:"username"`
			GlobalName string `json:"global_name"`
			Avatar     string `json:"avatar"`
		} `json:"user"`
	} `json:"member,omitempty"`
}

type voiceServerUpdateData struct {
	Token    string `json:"token"`
	Endpoint string `json:"endpoint"`
	GuildID  string `json:"guild_id"`
}
