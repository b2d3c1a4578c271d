package media

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	writes map[uint32][][]byte
	closed []uint32
}

func newRecordingSink() *recordingSink {
	return &recordingSink{writes: make(map[uint32][][]byte)}
}

func (s *recordingSink) Write(ssrc uint32, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes[ssrc] = append(s.writes[ssrc], append([]byte(nil), payload...))
	return nil
}

func (s *recordingSink) CloseStream(ssrc uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, ssrc)
}

func (s *recordingSink) payloads(ssrc uint32) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes[ssrc]...)
}

// scriptedTrack feeds frames into the forwarder, then reports EOF when the
// frames channel closes.
type scriptedTrack struct {
	ssrc   webrtc.SSRC
	frames chan []byte
}

func newScriptedTrack(ssrc uint32) *scriptedTrack {
	// Unbuffered: a send returns only once the forwarder picked the frame
	// up, which makes flag flips between frames deterministic.
	return &scriptedTrack{ssrc: webrtc.SSRC(ssrc), frames: make(chan []byte)}
}

func (t *scriptedTrack) Read(b []byte) (int, interceptor.Attributes, error) {
	frame, ok := <-t.frames
	if !ok {
		return 0, nil, io.EOF
	}
	return copy(b, frame), nil, nil
}

func (t *scriptedTrack) SSRC() webrtc.SSRC { return t.ssrc }

func rtpFrame(t *testing.T, seq uint16, payload []byte) []byte {
	t.Helper()
	packet := &rtp.Packet{
		Header:  rtp.Header{Version: 2, SequenceNumber: seq, PayloadType: 111},
		Payload: payload,
	}
	raw, err := packet.Marshal()
	require.NoError(t, err)
	return raw
}

func runForward(f *Fanout, track remoteTrack) chan struct{} {
	done := make(chan struct{})
	f.wg.Add(1)
	go func() {
		defer close(done)
		f.forward(track)
	}()
	return done
}

func TestFanoutForwardsPayloads(t *testing.T) {
	sink := newRecordingSink()
	fanout := NewFanout(sink)
	track := newScriptedTrack(777)

	done := runForward(fanout, track)
	track.frames <- rtpFrame(t, 1, []byte("opus-frame-1"))
	track.frames <- rtpFrame(t, 2, []byte("opus-frame-2"))
	close(track.frames)
	<-done

	got := sink.payloads(777)
	require.Len(t, got, 2)
	assert.Equal(t, []byte("opus-frame-1"), got[0])
	assert.Equal(t, []byte("opus-frame-2"), got[1])
	assert.Equal(t, []uint32{777}, sink.closed)
}

func TestFanoutDeafenedDropsWithoutStopping(t *testing.T) {
	sink := newRecordingSink()
	fanout := NewFanout(sink)
	track := newScriptedTrack(5)

	done := runForward(fanout, track)
	track.frames <- rtpFrame(t, 1, []byte("heard"))
	require.Eventually(t, func() bool {
		return len(sink.payloads(5)) == 1
	}, time.Second, time.Millisecond)

	fanout.SetDeafened(true)
	track.frames <- rtpFrame(t, 2, []byte("dropped"))
	track.frames <- rtpFrame(t, 3, []byte("dropped-too"))
	// Once this send returns, both dropped frames were handled while
	// deafened. Its own fate straddles the flip, so it is not asserted.
	track.frames <- rtpFrame(t, 4, []byte("boundary"))

	// Undeafening resumes delivery on the same reader.
	fanout.SetDeafened(false)
	track.frames <- rtpFrame(t, 5, []byte("heard-again"))
	close(track.frames)
	<-done

	got := sink.payloads(5)
	require.NotEmpty(t, got)
	assert.Equal(t, []byte("heard"), got[0])
	assert.Equal(t, []byte("heard-again"), got[len(got)-1])
	assert.NotContains(t, got, []byte("dropped"))
	assert.NotContains(t, got, []byte("dropped-too"))
}

func TestFanoutSkipsMalformedPackets(t *testing.T) {
	sink := newRecordingSink()
	fanout := NewFanout(sink)
	track := newScriptedTrack(9)

	done := runForward(fanout, track)
	track.frames <- []byte{0x00}
	track.frames <- rtpFrame(t, 1, []byte("good"))
	close(track.frames)
	<-done

	got := sink.payloads(9)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("good"), got[0])
}

func TestFanoutClosedStopsForwarding(t *testing.T) {
	sink := newRecordingSink()
	fanout := NewFanout(sink)
	fanout.Close()

	track := newScriptedTrack(3)
	done := runForward(fanout, track)
	track.frames <- rtpFrame(t, 1, []byte("late"))
	<-done

	assert.Empty(t, sink.payloads(3))
}
