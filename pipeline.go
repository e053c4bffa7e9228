package dbus

import (
	"fmt"
	"sync"
)

// InboundHandler observes messages flowing from the transport toward the
// application. Implementations that don't care about a given hook embed
// InboundHandlerDefaults to satisfy the interface with no-ops.
type InboundHandler interface {
	HandleInboundMessage(ctx *HandlerContext, msg *Message)
	HandleInboundFailure(ctx *HandlerContext, err error)
	HandleConnectionActive(ctx *HandlerContext)
	HandleConnectionInactive(ctx *HandlerContext)
}

// OutboundHandler observes messages flowing from the application toward
// the transport.
type OutboundHandler interface {
	HandleOutboundMessage(ctx *HandlerContext, msg *Message, complete func(error))
}

// InboundHandlerDefaults gives every hook a propagate-as-is default so
// handlers only need to implement what they care about.
type InboundHandlerDefaults struct{}

func (InboundHandlerDefaults) HandleInboundMessage(ctx *HandlerContext, msg *Message) {
	ctx.FireInboundMessage(msg)
}
func (InboundHandlerDefaults) HandleInboundFailure(ctx *HandlerContext, err error) {
	ctx.FireInboundFailure(err)
}
func (InboundHandlerDefaults) HandleConnectionActive(ctx *HandlerContext) {
	ctx.FireConnectionActive()
}
func (InboundHandlerDefaults) HandleConnectionInactive(ctx *HandlerContext) {
	ctx.FireConnectionInactive()
}

// OutboundHandlerDefaults gives HandleOutboundMessage a propagate-as-is
// default.
type OutboundHandlerDefaults struct{}

func (OutboundHandlerDefaults) HandleOutboundMessage(ctx *HandlerContext, msg *Message, complete func(error)) {
	ctx.FireOutboundMessage(msg, complete)
}

// stageEntry is one named node in the pipeline's doubly linked chain.
type stageEntry struct {
	name     string
	inbound  InboundHandler
	outbound OutboundHandler
	prev     *stageEntry
	next     *stageEntry
	pipeline *Pipeline
	removed  bool
}

// HandlerContext is the per-stage view a handler uses to propagate to its
// neighbors, or to emit brand new messages in either direction. A context
// is invalidated when its stage is removed; using it afterward panics,
// mirroring the "cyclic pipeline reference" design note.
type HandlerContext struct {
	entry *stageEntry
}

func (c *HandlerContext) checkLive() {
	if c.entry.removed {
		panic(fmt.Sprintf("dbus: pipeline: handler context for %q used after removal", c.entry.name))
	}
}

// FireInboundMessage propagates msg to the next handler toward TAIL.
func (c *HandlerContext) FireInboundMessage(msg *Message) {
	c.checkLive()
	if n := c.entry.next; n != nil {
		n.pipeline.invokeInboundMessage(n, msg)
	}
}

// FireInboundFailure propagates err to the next handler toward TAIL.
func (c *HandlerContext) FireInboundFailure(err error) {
	c.checkLive()
	if n := c.entry.next; n != nil {
		n.pipeline.invokeInboundFailure(n, err)
	}
}

// FireConnectionActive propagates a became-active notification toward TAIL.
func (c *HandlerContext) FireConnectionActive() {
	c.checkLive()
	if n := c.entry.next; n != nil {
		n.pipeline.invokeConnectionActive(n)
	}
}

// FireConnectionInactive propagates a became-inactive notification toward
// TAIL.
func (c *HandlerContext) FireConnectionInactive() {
	c.checkLive()
	if n := c.entry.next; n != nil {
		n.pipeline.invokeConnectionInactive(n)
	}
}

// FireOutboundMessage propagates msg toward HEAD; complete is invoked
// exactly once when the write succeeds or fails.
func (c *HandlerContext) FireOutboundMessage(msg *Message, complete func(error)) {
	c.checkLive()
	if p := c.entry.prev; p != nil {
		p.pipeline.invokeOutboundMessage(p, msg, complete)
		return
	}
	if complete != nil {
		complete(fmt.Errorf("dbus: pipeline: no handler accepted outbound message"))
	}
}

// WriteOutbound injects msg at the tail of the outbound direction, as if
// the application itself had sent it; used by handlers that synthesize
// replies (e.g. the built-in TAIL handler's default error response). Like
// PropagateOutboundMessage, the actual handler chain runs on the outbound
// Stage 2 pool so a synthesizing inbound handler is never blocked waiting
// for the reply to clear the outbound chain.
func (c *HandlerContext) WriteOutbound(msg *Message, complete func(error)) {
	c.checkLive()
	c.entry.pipeline.mu.RLock()
	tail := c.entry.pipeline.tail.prev
	pool := c.entry.pipeline.outPool
	c.entry.pipeline.mu.RUnlock()
	if tail == nil {
		if complete != nil {
			complete(fmt.Errorf("dbus: pipeline: no handler accepted outbound message"))
		}
		return
	}
	pool.Submit(func() { tail.pipeline.invokeOutboundMessage(tail, msg, complete) })
}

// Pipeline is an ordered chain of named handler stages between a fixed
// HEAD (nearest the transport) and TAIL (nearest the application).
// Inbound propagation runs head to tail; outbound runs tail to head.
//
// Stage 1 (the transport's read/write loops) only ever hands a message to
// inPool/outPool and returns once the pool's bounded queue accepts it
// (blocking while that queue is full); the pools are Stage 2,
// running the actual handler chain on their own goroutines so a slow or
// blocking handler stalls neither the socket read loop nor reply delivery
// for other in-flight requests.
type Pipeline struct {
	mu   sync.RWMutex
	head *stageEntry
	tail *stageEntry

	inPool  *stageTwoPool
	outPool *stageTwoPool
}

// NewPipeline creates an empty pipeline with just its head and tail
// sentinels installed; tailHandler supplies the built-in TAIL behavior.
// Its Stage 2 pools are sized runtime.GOMAXPROCS(0)/2 (minimum 2) workers
// each, draining a bounded handoff channel.
func NewPipeline(tailHandler InboundHandler) *Pipeline {
	p := &Pipeline{}
	p.head = &stageEntry{name: "head", pipeline: p}
	p.tail = &stageEntry{name: "tail", pipeline: p, inbound: tailHandler}
	p.head.next = p.tail
	p.tail.prev = p.head
	workers := defaultStageTwoWorkers()
	p.inPool = newStageTwoPool(workers, defaultStageTwoQueueSize)
	p.outPool = newStageTwoPool(workers, defaultStageTwoQueueSize)
	return p
}

// Close stops both Stage 2 pools, waiting for in-flight handler
// invocations to finish. Called once, when the owning Connection is
// permanently closed.
func (p *Pipeline) Close() {
	p.inPool.Close()
	p.outPool.Close()
}

// AddLast inserts a named stage immediately before TAIL. Either handler may
// be nil if the stage is one-directional.
func (p *Pipeline) AddLast(name string, in InboundHandler, out OutboundHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.find(name) != nil {
		return fmt.Errorf("dbus: pipeline: stage %q already exists", name)
	}
	e := &stageEntry{name: name, inbound: in, outbound: out, pipeline: p}
	before := p.tail
	after := before.prev
	after.next = e
	e.prev = after
	e.next = before
	before.prev = e
	return nil
}

// AddFirst inserts a named stage immediately after HEAD.
func (p *Pipeline) AddFirst(name string, in InboundHandler, out OutboundHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.find(name) != nil {
		return fmt.Errorf("dbus: pipeline: stage %q already exists", name)
	}
	e := &stageEntry{name: name, inbound: in, outbound: out, pipeline: p}
	after := p.head
	before := after.next
	after.next = e
	e.prev = after
	e.next = before
	before.prev = e
	return nil
}

// Remove detaches the named stage and invalidates any HandlerContext still
// held by it.
func (p *Pipeline) Remove(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.find(name)
	if e == nil {
		return fmt.Errorf("dbus: pipeline: stage %q not found", name)
	}
	e.prev.next = e.next
	e.next.prev = e.prev
	e.removed = true
	return nil
}

func (p *Pipeline) find(name string) *stageEntry {
	for e := p.head; e != nil; e = e.next {
		if e.name == name {
			return e
		}
	}
	return nil
}

// PropagateInboundMessage hands msg off to the inbound Stage 2 pool, which
// runs the handler chain starting at HEAD's first neighbor; called by
// Stage 1 (the transport read loop) for every decoded message that
// CorrelationCore did not consume as a reply. It returns as soon as the
// handoff channel accepts msg, never waiting on handler execution.
func (p *Pipeline) PropagateInboundMessage(msg *Message) {
	p.mu.RLock()
	first := p.head.next
	pool := p.inPool
	p.mu.RUnlock()
	if first == nil {
		return
	}
	pool.Submit(func() { p.invokeInboundMessage(first, msg) })
}

// PropagateInboundFailure hands an inbound failure off to the inbound
// Stage 2 pool, starting at HEAD.
func (p *Pipeline) PropagateInboundFailure(err error) {
	p.mu.RLock()
	first := p.head.next
	pool := p.inPool
	p.mu.RUnlock()
	if first == nil {
		return
	}
	pool.Submit(func() { p.invokeInboundFailure(first, err) })
}

// PropagateOutboundMessage hands msg off to the outbound Stage 2 pool,
// which runs the handler chain starting at TAIL's neighbor, i.e. as if the
// application itself sent msg.
func (p *Pipeline) PropagateOutboundMessage(msg *Message, complete func(error)) {
	p.mu.RLock()
	last := p.tail.prev
	pool := p.outPool
	p.mu.RUnlock()
	if last == nil {
		if complete != nil {
			complete(fmt.Errorf("dbus: pipeline: no handler accepted outbound message"))
		}
		return
	}
	pool.Submit(func() { p.invokeOutboundMessage(last, msg, complete) })
}

// PropagateConnectionActive notifies every inbound handler that the
// connection just became CONNECTED.
func (p *Pipeline) PropagateConnectionActive() {
	p.mu.RLock()
	first := p.head.next
	p.mu.RUnlock()
	if first != nil {
		p.invokeConnectionActive(first)
	}
}

// PropagateConnectionInactive notifies every inbound handler that the
// connection just left CONNECTED/UNHEALTHY.
func (p *Pipeline) PropagateConnectionInactive() {
	p.mu.RLock()
	first := p.head.next
	p.mu.RUnlock()
	if first != nil {
		p.invokeConnectionInactive(first)
	}
}

func (p *Pipeline) invokeInboundMessage(e *stageEntry, msg *Message) {
	if e.inbound == nil {
		if e.next != nil {
			p.invokeInboundMessage(e.next, msg)
		}
		return
	}
	e.inbound.HandleInboundMessage(&HandlerContext{entry: e}, msg)
}

func (p *Pipeline) invokeInboundFailure(e *stageEntry, err error) {
	if e.inbound == nil {
		if e.next != nil {
			p.invokeInboundFailure(e.next, err)
		}
		return
	}
	e.inbound.HandleInboundFailure(&HandlerContext{entry: e}, err)
}

func (p *Pipeline) invokeConnectionActive(e *stageEntry) {
	if e.inbound == nil {
		if e.next != nil {
			p.invokeConnectionActive(e.next)
		}
		return
	}
	e.inbound.HandleConnectionActive(&HandlerContext{entry: e})
}

func (p *Pipeline) invokeConnectionInactive(e *stageEntry) {
	if e.inbound == nil {
		if e.next != nil {
			p.invokeConnectionInactive(e.next)
		}
		return
	}
	e.inbound.HandleConnectionInactive(&HandlerContext{entry: e})
}

func (p *Pipeline) invokeOutboundMessage(e *stageEntry, msg *Message, complete func(error)) {
	if e.outbound == nil {
		if e.prev != nil {
			p.invokeOutboundMessage(e.prev, msg, complete)
			return
		}
		if complete != nil {
			complete(fmt.Errorf("dbus: pipeline: no handler accepted outbound message"))
		}
		return
	}
	e.outbound.HandleOutboundMessage(&HandlerContext{entry: e}, msg, complete)
}

// errorFailedName is the well-known error name the built-in TAIL handler
// uses to answer an unhandled method call.
const errorFailedName = "org.freedesktop.DBus.Error.Failed"

// defaultTailHandler implements the pipeline's built-in TAIL behavior:
// answer unhandled reply-expecting calls with
// org.freedesktop.DBus.Error.Failed, silently drop other unhandled
// messages, and close any leaked Unix FDs so they never accumulate.
type defaultTailHandler struct {
	onUnhandled func(msg *Message)
}

func newDefaultTailHandler(onUnhandled func(msg *Message)) *defaultTailHandler {
	return &defaultTailHandler{onUnhandled: onUnhandled}
}

func (h *defaultTailHandler) HandleInboundMessage(ctx *HandlerContext, msg *Message) {
	defer closeLeakedFiles(msg)

	if msg.Type == TypeMethodCall && msg.replyExpected() {
		reply := NewError(msg, errorFailedName)
		if err := reply.SetBody(fmt.Sprintf("Unknown method %q", msg.Member)); err == nil {
			ctx.WriteOutbound(reply, nil)
		}
		return
	}

	if h.onUnhandled != nil {
		h.onUnhandled(msg)
	}
}

func (h *defaultTailHandler) HandleInboundFailure(ctx *HandlerContext, err error) {
	if h.onUnhandled != nil {
		h.onUnhandled(nil)
	}
}

func (h *defaultTailHandler) HandleConnectionActive(ctx *HandlerContext)   {}
func (h *defaultTailHandler) HandleConnectionInactive(ctx *HandlerContext) {}

func closeLeakedFiles(msg *Message) {
	for _, f := range msg.Files {
		f.Close()
	}
}
