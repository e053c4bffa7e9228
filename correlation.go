package dbus

import (
	"sync"
	"time"
)

// pendingReply is one outstanding method call awaiting a reply.
type pendingReply struct {
	serial   uint32
	deadline time.Time
	timer    *time.Timer
	done     chan struct{}
	result   *Message
	err      error
	once     sync.Once
}

func (p *pendingReply) complete(msg *Message, err error) {
	p.once.Do(func() {
		p.result = msg
		p.err = err
		if p.timer != nil {
			p.timer.Stop()
		}
		close(p.done)
	})
}

// CorrelationCore assigns outbound serials and correlates inbound method
// returns/errors with the pending call that requested them.
type CorrelationCore struct {
	mu      sync.Mutex
	lastSer uint32
	pending map[uint32]*pendingReply
	maxCap  int
}

// NewCorrelationCore creates a CorrelationCore with the given back-pressure
// cap on the number of in-flight method calls.
func NewCorrelationCore(maxInFlight int) *CorrelationCore {
	return &CorrelationCore{
		pending: make(map[uint32]*pendingReply),
		maxCap:  maxInFlight,
	}
}

// NextSerial allocates the next nonzero serial, wrapping modulo 2^32 and
// skipping zero.
func (c *CorrelationCore) NextSerial() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextSerialLocked()
}

func (c *CorrelationCore) nextSerialLocked() uint32 {
	c.lastSer++
	if c.lastSer == 0 {
		c.lastSer = 1
	}
	return c.lastSer
}

// RegisterCall assigns a serial to an outbound method call expecting a
// reply, inserts its pending entry, and arms its timeout. It returns
// TooManyInFlightError if the in-flight cap is already saturated.
func (c *CorrelationCore) RegisterCall(m *Message, timeout time.Duration) (*pendingReply, error) {
	c.mu.Lock()
	if len(c.pending) >= c.maxCap {
		c.mu.Unlock()
		return nil, &TooManyInFlightError{Limit: c.maxCap}
	}
	serial := c.nextSerialLocked()
	m.Serial = serial

	p := &pendingReply{serial: serial, done: make(chan struct{})}
	if timeout > 0 {
		p.deadline = time.Now().Add(timeout)
		p.timer = time.AfterFunc(timeout, func() {
			c.expire(serial)
		})
	}
	c.pending[serial] = p
	c.mu.Unlock()
	return p, nil
}

// Cancel removes a pending call's registration and resolves its future
// with err, freeing its serial slot; a
// reply that arrives afterward is treated as unmatched inbound traffic.
func (c *CorrelationCore) Cancel(serial uint32, err error) {
	c.mu.Lock()
	p, ok := c.pending[serial]
	if ok {
		delete(c.pending, serial)
	}
	c.mu.Unlock()
	if ok {
		p.complete(nil, err)
	}
}

func (c *CorrelationCore) expire(serial uint32) {
	c.mu.Lock()
	p, ok := c.pending[serial]
	if ok {
		delete(c.pending, serial)
	}
	c.mu.Unlock()
	if ok {
		p.complete(nil, &MethodTimedOutError{Serial: serial})
	}
}

// Unregister removes the pending entry for an outbound write that failed
// before reaching the wire.
func (c *CorrelationCore) Unregister(serial uint32) {
	c.mu.Lock()
	delete(c.pending, serial)
	c.mu.Unlock()
}

// CompleteReply looks up the pending call for an inbound method return or
// error by REPLY_SERIAL. It reports handled=false when the serial is
// unknown (already timed out, cancelled, or spurious), in which case the
// caller should forward msg onto the inbound pipeline instead.
func (c *CorrelationCore) CompleteReply(msg *Message) (handled bool) {
	c.mu.Lock()
	p, ok := c.pending[msg.ReplySerial]
	if ok {
		delete(c.pending, msg.ReplySerial)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	if msg.Type == TypeError {
		var text string
		if len(msg.Body) > 0 {
			if s, ok := msg.Body[0].(string); ok {
				text = s
			}
		}
		p.complete(nil, &RemoteError{ErrorName: msg.ErrorName, Message: text})
		return true
	}
	p.complete(msg, nil)
	return true
}

// CloseAll fails every outstanding pending call with a disconnected error,
// called when the connection closes or is torn down.
func (c *CorrelationCore) CloseAll() {
	c.mu.Lock()
	all := c.pending
	c.pending = make(map[uint32]*pendingReply)
	c.mu.Unlock()

	for _, p := range all {
		p.complete(nil, &DisconnectedError{})
	}
}

// Wait blocks until the pending reply resolves or ctx-equivalent deadline
// passes (the timeout is already armed in RegisterCall), returning the
// reply message or the error it resolved with.
func (p *pendingReply) Wait() (*Message, error) {
	<-p.done
	return p.result, p.err
}
