package voice

// Wire payload shapes for the opcodes we send and receive.
// Field names follow the gateway's JSON exactly.

type identifyPayload struct {
	ServerID  string   `json:"server_id"`
	UserID    string   `json:"user_id"`
	SessionID string   `json:"session_id"`
	Token     string   `json:"token"`
	Video     bool     `json:"video"`
	Streams   []string `json:"streams"`
}

type helloPayload struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

// MediaReadyInfo is delivered by the Ready control message. The ssrc in it
// becomes authoritative for all SDP produced afterwards.
type MediaReadyInfo struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  uint16   `json:"port"`
	Modes []string `json:"modes"`
}

type codecDescription struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Priority    int    `json:"priority"`
	PayloadType uint8  `json:"payload_type"`
}

type selectProtocolPayload struct {
	Protocol        string             `json:"protocol"`
	Data            string             `json:"data"`
	RTCConnectionID string             `json:"rtc_connection_id"`
	Codecs          []codecDescription `json:"codecs"`
}

type heartbeatPayload struct {
	Nonce int64 `json:"nonce"`
}

type sessionDescriptionPayload struct {
	SDP string `json:"sdp"`
}

type speakingPayload struct {
	Speaking int    `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
	UserID   string `json:"user_id,omitempty"`
}
