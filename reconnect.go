package dbus

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ReconnectController drives capped exponential backoff on transitions to
// FAILED.
type ReconnectController struct {
	enabled     bool
	maxAttempts int

	newBackoff     func() backoff.BackOff
	reconnect      func() error
	onReconnecting func()
	onAttempt      func(attempt int)
	onExhausted    func()

	mu      sync.Mutex
	timer   *time.Timer
	attempt int
	active  bool
}

// NewReconnectController creates a ReconnectController. reconnect performs
// one connect attempt (via the owning Connection) and returns its error;
// onReconnecting fires once, synchronously, as soon as Trigger commits to
// scheduling a retry, so the Connection can move to RECONNECTING for the
// full duration of the backoff wait and every subsequent attempt, rather
// than sitting in FAILED until the first attempt actually fires. onAttempt/
// onExhausted notify the Connection for event-stream reporting.
func NewReconnectController(enabled bool, initial, max time.Duration, multiplier float64, maxAttempts int, reconnect func() error, onReconnecting func(), onAttempt func(int), onExhausted func()) *ReconnectController {
	return &ReconnectController{
		enabled:        enabled,
		maxAttempts:    maxAttempts,
		reconnect:      reconnect,
		onReconnecting: onReconnecting,
		onAttempt:      onAttempt,
		onExhausted:    onExhausted,
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			b.MaxInterval = max
			b.Multiplier = multiplier
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Trigger schedules a reconnect attempt after the next backoff delay. It
// is a no-op if reconnection is disabled or already in progress.
func (r *ReconnectController) Trigger() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled || r.active {
		return
	}
	r.active = true
	r.attempt = 0
	if r.onReconnecting != nil && r.maxAttempts > 0 {
		r.onReconnecting()
	}
	bo := r.newBackoff()
	r.scheduleLocked(bo)
}

func (r *ReconnectController) scheduleLocked(bo backoff.BackOff) {
	if r.attempt >= r.maxAttempts {
		r.active = false
		if r.onExhausted != nil {
			go r.onExhausted()
		}
		return
	}
	delay := bo.NextBackOff()
	if delay == backoff.Stop {
		r.active = false
		if r.onExhausted != nil {
			go r.onExhausted()
		}
		return
	}
	r.attempt++
	attempt := r.attempt
	r.timer = time.AfterFunc(delay, func() {
		if r.onAttempt != nil {
			r.onAttempt(attempt)
		}
		err := r.reconnect()
		r.mu.Lock()
		defer r.mu.Unlock()
		if err == nil {
			r.active = false
			r.attempt = 0
			return
		}
		r.scheduleLocked(bo)
	})
}

// Reset cancels any scheduled attempt and zeroes the attempt counter,
// called on every successful CONNECTED transition.
func (r *ReconnectController) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.active = false
	r.attempt = 0
}
