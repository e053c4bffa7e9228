package dbus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Connection is the client-facing entry point: it composes the transport,
// the SASL handshake, frame codec, pipeline, correlation core, health
// monitor, and reconnect controller, and owns the connection's lifecycle
// state machine.
//
// A caller shouldn't assume Connection's methods are lock-free: Send and
// SendRequest may be called concurrently from multiple goroutines, but
// internally writes to the wire are serialized the same way the D-Bus
// specification requires messages to be sent serially on one connection.
type Connection struct {
	cfg  *Config
	addr []address

	mu    sync.Mutex
	state State
	tr    transport
	fw    *frameWriter
	fr    *frameReader
	guid  string

	writeMu sync.Mutex

	connectOnce sync.Mutex
	connecting  bool
	connectDone chan struct{}
	connectErr  error

	corr     *CorrelationCore
	pipeline *Pipeline
	health   *HealthMonitor
	reconn   *ReconnectController

	listenersMu sync.Mutex
	listeners   []EventListener

	closed bool
}

// NewConnection parses busAddr (a D-Bus address string such as
// "unix:path=/run/user/1000/bus") and returns an unconnected Connection
// configured by opts. Call Connect to establish the transport.
func NewConnection(busAddr string, opts ...Option) (*Connection, error) {
	addrs, err := parseAddresses(busAddr)
	if err != nil {
		return nil, err
	}
	cfg := NewConfig(opts...)
	c := &Connection{
		cfg:   cfg,
		addr:  addrs,
		state: StateDisconnected,
		corr:  NewCorrelationCore(cfg.maxInFlight),
	}
	c.pipeline = NewPipeline(newDefaultTailHandler(c.handleUnmatchedInbound))
	c.reconn = NewReconnectController(
		cfg.autoReconnectEnabled,
		cfg.reconnectInitialDelay,
		cfg.reconnectMaxDelay,
		cfg.reconnectMultiplier,
		cfg.maxReconnectAttempts,
		c.reconnectAttempt,
		func() { c.setState(StateReconnecting) },
		func(attempt int) { c.emit(ConnectionEvent{Kind: EventReconnectAttempt, Attempt: attempt}) },
		func() { c.emit(ConnectionEvent{Kind: EventReconnectExhausted}) },
	)
	if cfg.healthCheckEnabled {
		c.health = NewHealthMonitor(cfg.healthCheckInterval, cfg.healthCheckTimeout, cfg.healthCheckFailures, c.pingOnce, c.onHealthResult)
	}
	return c, nil
}

// DialSystemBus returns a Connection addressed at the system bus,
// resolved via DBUS_SYSTEM_BUS_ADDRESS or its well-known fallback path.
func DialSystemBus(opts ...Option) (*Connection, error) {
	return NewConnection(systemBusAddress(), opts...)
}

// DialSessionBus returns a Connection addressed at the session bus,
// resolved via DBUS_SESSION_BUS_ADDRESS.
func DialSessionBus(opts ...Option) (*Connection, error) {
	addr, err := sessionBusAddress()
	if err != nil {
		return nil, err
	}
	return NewConnection(addr, opts...)
}

// Connect transitions DISCONNECTED -> CONNECTING -> AUTHENTICATING ->
// CONNECTED. Concurrent callers share the same in-flight attempt.
func (c *Connection) Connect(ctx context.Context) error {
	c.connectOnce.Lock()
	if c.connecting {
		done := c.connectDone
		c.connectOnce.Unlock()
		<-done
		c.mu.Lock()
		err := c.connectErr
		c.mu.Unlock()
		return err
	}
	c.connecting = true
	c.connectDone = make(chan struct{})
	c.connectOnce.Unlock()

	err := c.connectOnceLocked(ctx)

	c.mu.Lock()
	c.connectErr = err
	c.mu.Unlock()

	c.connectOnce.Lock()
	c.connecting = false
	close(c.connectDone)
	c.connectOnce.Unlock()

	return err
}

func (c *Connection) connectOnceLocked(ctx context.Context) error {
	if c.cfg.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.connectTimeout)
		defer cancel()
	}

	c.setState(StateConnecting)

	tr, err := dialFirst(ctx, c.addr)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.setState(StateAuthenticating)
	res, err := authenticate(&transportReadWriter{tr}, c.cfg.mechanisms, c.cfg.negotiateUnixFD && tr.supportsFDPassing())
	if err != nil {
		tr.Close()
		c.setState(StateDisconnected)
		return err
	}

	c.mu.Lock()
	c.tr = tr
	c.guid = res.GUID
	c.fr = newFrameReader(tr, c.cfg.connReadSize, tr)
	c.fw = newFrameWriter(tr, byteOrderOf(littleEndian), tr)
	c.mu.Unlock()

	if err := c.sendHello(ctx); err != nil {
		c.teardown()
		return err
	}

	c.setState(StateConnected)
	c.pipeline.PropagateConnectionActive()
	if c.health != nil {
		c.health.Start()
	}
	c.reconn.Reset()

	go c.readLoop()

	return nil
}

// sendHello calls org.freedesktop.DBus.Hello to complete bus registration,
// mirroring what every D-Bus client must do immediately after auth.
func (c *Connection) sendHello(ctx context.Context) error {
	call := NewMethodCall(dbusBusPath, "org.freedesktop.DBus", "Hello", dbusBusDestination)
	// readLoop starts only once CONNECTED, so the Hello reply is read here
	// until it completes the pending call; on failure the caller's teardown
	// closes the transport, which ends this reader.
	go func(fr *frameReader) {
		for {
			msg, err := fr.ReadMessage()
			if err != nil || c.corr.CompleteReply(msg) {
				return
			}
		}
	}(c.fr)
	_, err := c.sendRequestLocked(call, c.cfg.connectTimeout)
	return err
}

func (c *Connection) readLoop() {
	for {
		msg, err := c.fr.ReadMessage()
		if err != nil {
			c.onTransportFailure(err)
			return
		}
		if (msg.Type == TypeMethodReply || msg.Type == TypeError) && msg.ReplySerial != 0 {
			if c.corr.CompleteReply(msg) {
				continue
			}
		}
		c.pipeline.PropagateInboundMessage(msg)
	}
}

func (c *Connection) onTransportFailure(err error) {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.mu.Unlock()
	if alreadyClosed {
		return
	}

	c.teardown()
	c.corr.CloseAll()
	c.setState(StateFailed)
	c.emit(ConnectionEvent{Kind: EventStateChanged, Current: StateFailed, Err: err})
	c.reconn.Trigger()
}

func (c *Connection) teardown() {
	c.mu.Lock()
	tr := c.tr
	c.tr = nil
	c.fr = nil
	c.fw = nil
	c.mu.Unlock()
	if c.health != nil {
		c.health.Stop()
	}
	c.pipeline.PropagateConnectionInactive()
	if tr != nil {
		tr.Close()
	}
}

func (c *Connection) reconnectAttempt() error {
	return c.Connect(context.Background())
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.emit(ConnectionEvent{Kind: EventStateChanged, Previous: prev, Current: s})
	}
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send writes outbound without waiting for any reply; it fails with
// NotConnectedError outside CONNECTED/UNHEALTHY.
func (c *Connection) Send(msg *Message) error {
	c.mu.Lock()
	st := c.state
	fw := c.fw
	c.mu.Unlock()
	if !st.canSend() {
		return &NotConnectedError{State: st}
	}
	if msg.Serial == 0 {
		msg.Serial = c.corr.NextSerial()
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return fw.WriteMessage(msg)
}

// SendRequest sends a method call and blocks until the matching reply,
// RemoteError, MethodTimedOut, or Disconnected resolves it. If timeout is
// zero the configured MethodCallTimeout applies.
func (c *Connection) SendRequest(call *Message, timeout time.Duration) (*Message, error) {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if !st.canSend() {
		return nil, &NotConnectedError{State: st}
	}
	return c.sendRequestLocked(call, timeout)
}

func (c *Connection) sendRequestLocked(call *Message, timeout time.Duration) (*Message, error) {
	if timeout == 0 {
		timeout = c.cfg.methodCallTimeout
	}

	if call.Flags&FlagNoReplyExpected != 0 {
		return nil, c.Send(call)
	}

	p, err := c.corr.RegisterCall(call, timeout)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	fw := c.fw
	c.mu.Unlock()
	if fw == nil {
		c.corr.Unregister(call.Serial)
		return nil, &NotConnectedError{State: c.State()}
	}

	c.writeMu.Lock()
	writeErr := fw.WriteMessage(call)
	c.writeMu.Unlock()
	if writeErr != nil {
		c.corr.Cancel(call.Serial, writeErr)
		return nil, writeErr
	}

	return p.Wait()
}

// Cancel cancels a previously sent request by serial, freeing its serial
// slot; a late reply becomes an unmatched inbound message.
func (c *Connection) Cancel(serial uint32) {
	c.corr.Cancel(serial, &DisconnectedError{})
}

// NextSerial exposes the serial allocator for callers constructing
// messages outside of SendRequest.
func (c *Connection) NextSerial() uint32 {
	return c.corr.NextSerial()
}

// Pipeline returns the connection's handler pipeline. Inbound messages that
// do not complete a pending request are propagated through it. Its HEAD
// stage has no outbound handler and Connection installs none, so messages
// sent outbound through the pipeline, including the TAIL handler's default
// error reply, are not written to the transport; their completion callback
// receives an error.
func (c *Connection) Pipeline() *Pipeline {
	return c.pipeline
}

// AddEventListener registers l to receive future ConnectionEvents. l is
// invoked off any internal lock, so a slow listener cannot stall message
// delivery, and a panicking listener does not impair delivery to others.
func (c *Connection) AddEventListener(l EventListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, l)
}

// RemoveEventListener unregisters a previously added listener. Listeners
// are compared by the code pointer that %p prints for a func value, so
// closures created from the same function literal all match and the
// earliest registered one is removed.
func (c *Connection) RemoveEventListener(l EventListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	for i := range c.listeners {
		if fmt.Sprintf("%p", c.listeners[i]) == fmt.Sprintf("%p", l) {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

func (c *Connection) emit(ev ConnectionEvent) {
	c.listenersMu.Lock()
	ls := append([]EventListener(nil), c.listeners...)
	c.listenersMu.Unlock()

	for _, l := range ls {
		go func(l EventListener) {
			defer func() { recover() }()
			l(ev)
		}(l)
	}
}

func (c *Connection) pingOnce(timeout time.Duration) error {
	call := NewMethodCall(dbusBusPath, peerInterface, "Ping", "")
	_, err := c.sendRequestLocked(call, timeout)
	return err
}

func (c *Connection) onHealthResult(ok bool, consecutiveFailures int) {
	if ok {
		c.mu.Lock()
		if c.state == StateUnhealthy {
			c.state = StateConnected
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	st := c.state
	if st == StateConnected {
		c.state = StateUnhealthy
	}
	c.mu.Unlock()
	c.emit(ConnectionEvent{Kind: EventHealthCheckFailed, Attempt: consecutiveFailures})

	if consecutiveFailures >= c.cfg.healthCheckFailures {
		c.onTransportFailure(&TransportError{Err: fmt.Errorf("health check failed %d consecutive times", consecutiveFailures)})
	}
}

func (c *Connection) handleUnmatchedInbound(msg *Message) {
	// Unhandled messages and inbound failures that reach TAIL are dropped
	// here without any diagnostic or event; callers observe them only
	// through their own pipeline handlers.
}

// Close idempotently tears down the connection, failing every pending
// request with DisconnectedError.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.reconn.Reset()
	c.teardown()
	c.corr.CloseAll()
	c.pipeline.Close()
	c.setState(StateDisconnected)
	return nil
}

// transportReadWriter adapts a transport to io.ReadWriter for the SASL
// handshake, which runs before frame-level Unix FD bookkeeping is wired up.
type transportReadWriter struct {
	t transport
}

func (t *transportReadWriter) Read(b []byte) (int, error)  { return t.t.Read(b) }
func (t *transportReadWriter) Write(b []byte) (int, error) { return t.t.Write(b) }
