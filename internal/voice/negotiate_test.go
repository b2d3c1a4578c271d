package voice

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxium/voice/internal/core"
	"github.com/voxium/voice/internal/media"
)

type opRecorder struct {
	mu  sync.Mutex
	ops []sentOp
}

func (r *opRecorder) send(op Opcode, d any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, sentOp{op: op, d: d})
}

func (r *opRecorder) sent() []sentOp {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentOp(nil), r.ops...)
}

func setupNegotiator(t *testing.T) (*MediaNegotiator, *opRecorder) {
	t.Helper()
	rec := &opRecorder{}
	neg := NewMediaNegotiator(rec.send)
	neg.gatherTimeout = 2 * time.Second

	track, err := media.NewSilentTrack()
	require.NoError(t, err)
	require.NoError(t, neg.Setup(track))
	t.Cleanup(neg.Close)
	return neg, rec
}

func TestNegotiateAnnouncesOffer(t *testing.T) {
	neg, rec := setupNegotiator(t)

	require.NoError(t, neg.Negotiate(MediaReadyInfo{SSRC: 4242}, false))

	sent := rec.sent()
	require.Len(t, sent, 2)

	require.Equal(t, OpSelectProtocol, sent[0].op)
	sel, ok := sent[0].d.(selectProtocolPayload)
	require.True(t, ok)
	assert.Equal(t, "webrtc", sel.Protocol)
	assert.NotEmpty(t, sel.RTCConnectionID)
	require.Len(t, sel.Codecs, 1)
	assert.Equal(t, "opus", sel.Codecs[0].Name)
	assert.Equal(t, "audio", sel.Codecs[0].Type)

	// Every source in the announced offer is the server-assigned one.
	require.NotEmpty(t, sel.Data)
	var sources int
	for _, line := range strings.Split(sel.Data, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "a=ssrc:") {
			sources++
			assert.True(t, strings.HasPrefix(line, "a=ssrc:4242"), "line %q", line)
		}
	}
	assert.Positive(t, sources)

	require.Equal(t, OpSpeaking, sent[1].op)
	speaking, ok := sent[1].d.(speakingPayload)
	require.True(t, ok)
	assert.Equal(t, 1, speaking.Speaking)
	assert.Equal(t, uint32(4242), speaking.SSRC)

	// The peer connection keeps the offer it generated; the rewrite exists
	// only on the announced copy.
	local := neg.connection().LocalDescription()
	require.NotNil(t, local)
	assert.Equal(t, rewriteSSRC(local.SDP, 4242), sel.Data)
}

func TestNegotiateMutedAnnouncesSilent(t *testing.T) {
	neg, rec := setupNegotiator(t)

	require.NoError(t, neg.Negotiate(MediaReadyInfo{SSRC: 7}, true))

	sent := rec.sent()
	require.Len(t, sent, 2)
	speaking, ok := sent[1].d.(speakingPayload)
	require.True(t, ok)
	assert.Equal(t, 0, speaking.Speaking)
}

func TestNegotiateBeforeSetup(t *testing.T) {
	neg := NewMediaNegotiator(func(Opcode, any) {})
	err := neg.Negotiate(MediaReadyInfo{SSRC: 1}, false)
	assert.ErrorIs(t, err, core.ErrNegotiation)
}

func TestApplyRemoteBeforeSetup(t *testing.T) {
	neg := NewMediaNegotiator(func(Opcode, any) {})
	err := neg.ApplyRemote("m=audio 5000")
	assert.ErrorIs(t, err, core.ErrNegotiation)
}

func TestApplyRemoteRejectsUnusablePayload(t *testing.T) {
	neg, _ := setupNegotiator(t)
	require.NoError(t, neg.Negotiate(MediaReadyInfo{SSRC: 7}, false))

	err := neg.ApplyRemote("garbage with no transport lines")
	assert.ErrorIs(t, err, core.ErrNegotiation)
}

func TestNegotiatorCloseIdempotent(t *testing.T) {
	neg, _ := setupNegotiator(t)
	neg.Close()
	assert.NotPanics(t, neg.Close)
}

func TestNegotiatorCloseDuringNegotiate(t *testing.T) {
	neg, _ := setupNegotiator(t)

	done := make(chan error, 1)
	go func() {
		done <- neg.Negotiate(MediaReadyInfo{SSRC: 1}, false)
	}()
	neg.Close()

	// A close landing anywhere inside Negotiate must surface as an error
	// (or a completed negotiation), never a panic on the read loop.
	select {
	case err := <-done:
		if err != nil {
			assert.ErrorIs(t, err, core.ErrNegotiation)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("negotiate did not return after close")
	}
}

func TestNegotiatorSetupAfterClose(t *testing.T) {
	rec := &opRecorder{}
	neg := NewMediaNegotiator(rec.send)
	neg.Close()

	track, err := media.NewSilentTrack()
	require.NoError(t, err)
	assert.ErrorIs(t, neg.Setup(track), core.ErrNegotiation)
	assert.Nil(t, neg.connection())
}
