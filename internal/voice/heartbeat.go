package voice

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HeartbeatScheduler sends the liveness opcode once immediately on Start and
// then on a fixed period, for as long as the control channel is open.
// The nonce is a wall-clock timestamp, so consecutive beats carry
// non-decreasing values; the gateway never matches acks to nonces.
type HeartbeatScheduler struct {
	send func(Opcode, any)

	mu      sync.Mutex
	stop    chan struct{}
	running bool
}

// NewHeartbeatScheduler wires the scheduler to a send function, normally
// ControlChannel.Send. The send function must tolerate a closed socket.
func NewHeartbeatScheduler(send func(Opcode, any)) *HeartbeatScheduler {
	return &HeartbeatScheduler{send: send}
}

// Start begins beating at the given interval. A second Start replaces the
// previous schedule.
func (h *HeartbeatScheduler) Start(interval time.Duration) {
	h.mu.Lock()
	if h.running {
		close(h.stop)
	}
	stop := make(chan struct{})
	h.stop = stop
	h.running = true
	h.mu.Unlock()

	log.Debug().Str("module", "voice.heartbeat").Dur("interval", interval).Msg("heartbeat started")

	go h.run(interval, stop)
}

// Stop cancels any pending beat. Idempotent.
func (h *HeartbeatScheduler) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	h.running = false
	close(h.stop)
}

func (h *HeartbeatScheduler) run(interval time.Duration, stop chan struct{}) {
	h.beat()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.beat()
		case <-stop:
			return
		}
	}
}

func (h *HeartbeatScheduler) beat() {
	h.send(OpHeartbeat, heartbeatPayload{Nonce: time.Now().UnixMilli()})
}
