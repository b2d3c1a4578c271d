package voice

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxium/voice/internal/core"
	"github.com/voxium/voice/internal/domain"
)

type recordingHandler struct {
	mu       sync.Mutex
	ready    []MediaReadyInfo
	descs    []string
	speaking []domain.SpeakingEvent
	closed   []error
	closedCh chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{closedCh: make(chan struct{}, 1)}
}

func (h *recordingHandler) OnReady(info MediaReadyInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = append(h.ready, info)
}

func (h *recordingHandler) OnSessionDescription(sdp string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.descs = append(h.descs, sdp)
}

func (h *recordingHandler) OnSpeaking(ev domain.SpeakingEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.speaking = append(h.speaking, ev)
}

func (h *recordingHandler) OnClose(err error) {
	h.mu.Lock()
	h.closed = append(h.closed, err)
	h.mu.Unlock()
	select {
	case h.closedCh <- struct{}{}:
	default:
	}
}

// gatewayStub is an in-process websocket endpoint standing in for the voice
// gateway. The script runs with the server side of the socket.
func gatewayStub(t *testing.T, script func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		script(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func sendOp(t *testing.T, conn *websocket.Conn, op Opcode, d any) {
	t.Helper()
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(ControlMessage{Op: op, D: raw}))
}

func TestControlChannelDispatch(t *testing.T) {
	done := make(chan struct{})
	url := gatewayStub(t, func(conn *websocket.Conn) {
		sendOp(t, conn, OpReady, MediaReadyInfo{SSRC: 555, IP: "1.2.3.4", Port: 4000, Modes: []string{"webrtc"}})
		sendOp(t, conn, OpSpeaking, speakingPayload{Speaking: 1, SSRC: 555, UserID: "42"})
		sendOp(t, conn, OpSessionDescription, sessionDescriptionPayload{SDP: "m=audio 5000"})
		// Unknown opcodes are ignored without closing the channel.
		sendOp(t, conn, Opcode(99), map[string]any{"x": 1})
		<-done
	})
	defer close(done)

	handler := newRecordingHandler()
	channel := NewControlChannel()
	require.NoError(t, channel.Connect(url, handler))
	defer channel.Close()

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.ready) == 1 && len(handler.speaking) == 1 && len(handler.descs) == 1
	}, time.Second, 5*time.Millisecond)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, uint32(555), handler.ready[0].SSRC)
	assert.Equal(t, "1.2.3.4", handler.ready[0].IP)
	assert.Equal(t, domain.UserID("42"), handler.speaking[0].UserID)
	assert.True(t, handler.speaking[0].Speaking)
	assert.Equal(t, "m=audio 5000", handler.descs[0])
	assert.Empty(t, handler.closed)
}

func TestControlChannelHelloStartsHeartbeat(t *testing.T) {
	beats := make(chan ControlMessage, 4)
	url := gatewayStub(t, func(conn *websocket.Conn) {
		sendOp(t, conn, OpHello, helloPayload{HeartbeatInterval: 20})
		for {
			var msg ControlMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Op == OpHeartbeat {
				beats <- msg
			}
		}
	})

	channel := NewControlChannel()
	require.NoError(t, channel.Connect(url, newRecordingHandler()))
	defer channel.Close()

	// Immediate beat plus at least one periodic follow-up.
	for i := 0; i < 2; i++ {
		select {
		case msg := <-beats:
			var beat heartbeatPayload
			require.NoError(t, json.Unmarshal(msg.D, &beat))
			assert.Positive(t, beat.Nonce)
		case <-time.After(time.Second):
			t.Fatal("no heartbeat received")
		}
	}
}

func TestControlChannelRemoteCloseNotifies(t *testing.T) {
	url := gatewayStub(t, func(conn *websocket.Conn) {
		// Close straight away; the client should see a connection error.
	})

	handler := newRecordingHandler()
	channel := NewControlChannel()
	require.NoError(t, channel.Connect(url, handler))

	select {
	case <-handler.closedCh:
	case <-time.After(time.Second):
		t.Fatal("no close notification")
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Len(t, handler.closed, 1)
	assert.ErrorIs(t, handler.closed[0], core.ErrConnection)
}

func TestControlChannelSendAfterCloseDropped(t *testing.T) {
	url := gatewayStub(t, func(conn *websocket.Conn) {
		var msg ControlMessage
		for conn.ReadJSON(&msg) == nil {
		}
	})

	handler := newRecordingHandler()
	channel := NewControlChannel()
	require.NoError(t, channel.Connect(url, handler))
	channel.Close()
	assert.False(t, channel.Open())

	assert.NotPanics(t, func() {
		channel.Send(OpSpeaking, speakingPayload{Speaking: 1, SSRC: 1})
	})
	assert.NotPanics(t, channel.Close)

	// Local close reports a nil error exactly once.
	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Len(t, handler.closed, 1)
	assert.NoError(t, handler.closed[0])
}

func TestControlChannelHelloAfterCloseIgnored(t *testing.T) {
	url := gatewayStub(t, func(conn *websocket.Conn) {
		var msg ControlMessage
		for conn.ReadJSON(&msg) == nil {
		}
	})

	channel := NewControlChannel()
	require.NoError(t, channel.Connect(url, newRecordingHandler()))
	channel.Close()

	// A Hello still in flight on the read loop when the channel closes must
	// not spawn a scheduler nothing will stop.
	raw, err := json.Marshal(helloPayload{HeartbeatInterval: 10})
	require.NoError(t, err)
	msg, err := json.Marshal(ControlMessage{Op: OpHello, D: raw})
	require.NoError(t, err)
	channel.dispatch(msg, newRecordingHandler())

	channel.heartbeat.mu.Lock()
	running := channel.heartbeat.running
	channel.heartbeat.mu.Unlock()
	assert.False(t, running)
}

func TestControlChannelDialFailure(t *testing.T) {
	channel := NewControlChannel()
	err := channel.Connect("ws://127.0.0.1:1/nope", newRecordingHandler())
	assert.ErrorIs(t, err, core.ErrConnection)
}
