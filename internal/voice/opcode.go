package voice

import "encoding/json"

// Opcode identifies a voice-gateway control message.
type Opcode int

const (
	OpIdentify           Opcode = 0  // client: begin the voice websocket handshake
	OpSelectProtocol     Opcode = 1  // client: select the media transport protocol
	OpReady              Opcode = 2  // server: handshake complete, ssrc assigned
	OpHeartbeat          Opcode = 3  // client: keep the connection alive
	OpSessionDescription Opcode = 4  // server: remote media description
	OpSpeaking           Opcode = 5  // both: speaking state for an ssrc
	OpHeartbeatAck       Opcode = 6  // server: heartbeat acknowledged
	OpHello              Opcode = 8  // server: heartbeat interval negotiation
	OpResumed            Opcode = 9  // server: resume acknowledged
	OpClientDisconnect   Opcode = 13 // server: a client left the channel
)

func (op Opcode) String() string {
	switch op {
	case OpIdentify:
		return "identify"
	case OpSelectProtocol:
		return "select_protocol"
	case OpReady:
		return "ready"
	case OpHeartbeat:
		return "heartbeat"
	case OpSessionDescription:
		return "session_description"
	case OpSpeaking:
		return "speaking"
	case OpHeartbeatAck:
		return "heartbeat_ack"
	case OpHello:
		return "hello"
	case OpResumed:
		return "resumed"
	case OpClientDisconnect:
		return "client_disconnect"
	default:
		return "unknown"
	}
}

// ControlMessage is the unit of exchange on the control channel.
// The payload shape depends on the opcode.
type ControlMessage struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d"`
}
