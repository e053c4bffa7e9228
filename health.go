package dbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	dbusBusDestination = "org.freedesktop.DBus"
	dbusBusPath        = ObjectPath("/org/freedesktop/DBus")
	peerInterface      = "org.freedesktop.DBus.Peer"
)

// HealthMonitor periodically pings the bus via CorrelationCore and reports
// consecutive failures to its owning Connection.
type HealthMonitor struct {
	interval time.Duration
	timeout  time.Duration
	maxFails int

	sendPing func(timeout time.Duration) error
	onResult func(ok bool, consecutiveFailures int)

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
	fails   int32
}

// NewHealthMonitor creates a HealthMonitor. sendPing performs one
// Peer.Ping round trip (via the owning Connection's sendRequestLocked,
// which skips SendRequest's state check) and
// returns its outcome; onResult is invoked after each attempt with the
// updated consecutive-failure count.
func NewHealthMonitor(interval, timeout time.Duration, maxFails int, sendPing func(time.Duration) error, onResult func(ok bool, consecutiveFailures int)) *HealthMonitor {
	return &HealthMonitor{
		interval: interval,
		timeout:  timeout,
		maxFails: maxFails,
		sendPing: sendPing,
		onResult: onResult,
	}
}

// Start begins the periodic ping loop. It is a no-op if already running.
func (h *HealthMonitor) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.stopCh = make(chan struct{})
	atomic.StoreInt32(&h.fails, 0)
	go h.loop(h.stopCh)
}

// Stop halts the ping loop. It is a no-op if not running.
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	h.running = false
	close(h.stopCh)
}

func (h *HealthMonitor) loop(stop chan struct{}) {
	t := time.NewTicker(h.interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			h.ping()
		}
	}
}

func (h *HealthMonitor) ping() {
	err := h.sendPing(h.timeout)
	if err == nil {
		atomic.StoreInt32(&h.fails, 0)
		if h.onResult != nil {
			h.onResult(true, 0)
		}
		return
	}
	n := atomic.AddInt32(&h.fails, 1)
	if h.onResult != nil {
		h.onResult(false, int(n))
	}
}
