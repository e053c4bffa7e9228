package dbus

import (
	"sync"
	"testing"
	"time"
)

type recordingFile struct {
	closed bool
}

func (f *recordingFile) Fd() uintptr  { return 0 }
func (f *recordingFile) Close() error { f.closed = true; return nil }

// syncOrder is a mutex-guarded append-only log, since Stage 2 handler
// invocations now run on pool worker goroutines rather than the caller's.
type syncOrder struct {
	mu  sync.Mutex
	log []string
}

func (o *syncOrder) add(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.log = append(o.log, name)
}

func (o *syncOrder) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.log...)
}

func (o *syncOrder) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.log)
}

type recordingInbound struct {
	InboundHandlerDefaults
	name  string
	order *syncOrder
}

func (h *recordingInbound) HandleInboundMessage(ctx *HandlerContext, msg *Message) {
	h.order.add(h.name)
	ctx.FireInboundMessage(msg)
}

type recordingOutbound struct {
	name  string
	order *syncOrder
	msgs  *syncMessages
}

type syncMessages struct {
	mu  sync.Mutex
	log []*Message
}

func (m *syncMessages) add(msg *Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = append(m.log, msg)
}

func (m *syncMessages) snapshot() []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Message(nil), m.log...)
}

func (h *recordingOutbound) HandleOutboundMessage(ctx *HandlerContext, msg *Message, complete func(error)) {
	h.order.add(h.name)
	if h.msgs != nil {
		h.msgs.add(msg)
	}
	ctx.FireOutboundMessage(msg, complete)
}

func TestPipelineInboundOrderHeadToTail(t *testing.T) {
	order := &syncOrder{}
	p := NewPipeline(newDefaultTailHandler(nil))
	defer p.Close()
	if err := p.AddLast("first", &recordingInbound{name: "first", order: order}, nil); err != nil {
		t.Fatalf("AddLast: %v", err)
	}
	if err := p.AddLast("second", &recordingInbound{name: "second", order: order}, nil); err != nil {
		t.Fatalf("AddLast: %v", err)
	}

	p.PropagateInboundMessage(NewSignal("/a", "a.b", "Sig"))

	waitForCondition(t, func() bool { return order.len() == 2 })
	got := order.snapshot()
	want := []string{"first", "second"}
	if got[0] != want[0] || got[1] != want[1] {
		t.Errorf("invocation order = %v, want %v", got, want)
	}
}

func TestPipelineOutboundOrderTailToHead(t *testing.T) {
	order := &syncOrder{}
	p := NewPipeline(newDefaultTailHandler(nil))
	defer p.Close()
	if err := p.AddLast("near-app", &recordingInbound{}, &recordingOutbound{name: "near-app", order: order}); err != nil {
		t.Fatalf("AddLast: %v", err)
	}
	if err := p.AddFirst("near-wire", nil, &recordingOutbound{name: "near-wire", order: order}); err != nil {
		t.Fatalf("AddFirst: %v", err)
	}

	p.PropagateOutboundMessage(NewSignal("/a", "a.b", "Sig"), nil)

	waitForCondition(t, func() bool { return order.len() == 2 })
	got := order.snapshot()
	want := []string{"near-app", "near-wire"}
	if got[0] != want[0] || got[1] != want[1] {
		t.Errorf("invocation order = %v, want %v", got, want)
	}
}

func TestPipelineRejectsDuplicateStageName(t *testing.T) {
	p := NewPipeline(newDefaultTailHandler(nil))
	defer p.Close()
	if err := p.AddLast("dup", InboundHandlerDefaults{}, nil); err != nil {
		t.Fatalf("AddLast: %v", err)
	}
	if err := p.AddLast("dup", InboundHandlerDefaults{}, nil); err == nil {
		t.Error("expected error adding a duplicate stage name")
	}
	if err := p.AddFirst("dup", InboundHandlerDefaults{}, nil); err == nil {
		t.Error("expected error adding a duplicate stage name via AddFirst")
	}
}

func TestPipelineRemoveDetachesStage(t *testing.T) {
	order := &syncOrder{}
	p := NewPipeline(newDefaultTailHandler(nil))
	defer p.Close()
	p.AddLast("only", &recordingInbound{name: "only", order: order}, nil)

	if err := p.Remove("only"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := p.Remove("only"); err == nil {
		t.Error("expected error removing an already-removed stage")
	}

	p.PropagateInboundMessage(NewSignal("/a", "a.b", "Sig"))
	time.Sleep(20 * time.Millisecond)
	if order.len() != 0 {
		t.Errorf("removed stage was still invoked: %v", order.snapshot())
	}
}

func TestDefaultTailHandlerRepliesToUnhandledCall(t *testing.T) {
	captured := &syncMessages{}
	p := NewPipeline(newDefaultTailHandler(nil))
	defer p.Close()
	p.AddFirst("capture", nil, &recordingOutbound{name: "capture", order: &syncOrder{}, msgs: captured})

	call := NewMethodCall("/a", "a.b", "Missing", "a.b")
	call.Serial = 5
	p.PropagateInboundMessage(call)

	waitForCondition(t, func() bool { return len(captured.snapshot()) == 1 })
	reply := captured.snapshot()[0]
	if reply.Type != TypeError || reply.ErrorName != errorFailedName || reply.ReplySerial != 5 {
		t.Errorf("unexpected error reply: %+v", reply)
	}
}

func TestDefaultTailHandlerDropsNoReplyCall(t *testing.T) {
	var mu sync.Mutex
	var unhandled *Message
	p := NewPipeline(newDefaultTailHandler(func(msg *Message) {
		mu.Lock()
		defer mu.Unlock()
		unhandled = msg
	}))
	defer p.Close()

	call := NewMethodCall("/a", "a.b", "Missing", "a.b")
	call.Flags = FlagNoReplyExpected
	p.PropagateInboundMessage(call)

	waitForCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return unhandled != nil
	})
	mu.Lock()
	defer mu.Unlock()
	if unhandled != call {
		t.Error("onUnhandled callback was not invoked for a no-reply call")
	}
}

func TestDefaultTailHandlerClosesLeakedFiles(t *testing.T) {
	f := &recordingFile{}
	p := NewPipeline(newDefaultTailHandler(nil))
	defer p.Close()

	sig := NewSignal("/a", "a.b", "Sig")
	sig.Files = []fileRef{f}
	p.PropagateInboundMessage(sig)

	waitForCondition(t, func() bool { return f.closed })
}

// TestPipelineInboundStageDoesNotBlockSubmitter verifies a blocking handler
// only stalls its own Stage 2 worker, not the goroutine that calls
// PropagateInboundMessage (which models Stage 1, the transport read loop).
func TestPipelineInboundStageDoesNotBlockSubmitter(t *testing.T) {
	release := make(chan struct{})
	blockingStarted := make(chan struct{}, 1)

	p := NewPipeline(newDefaultTailHandler(nil))
	defer func() {
		close(release)
		p.Close()
	}()

	p.AddLast("blocker", &blockingInbound{started: blockingStarted, release: release}, nil)

	done := make(chan struct{})
	go func() {
		p.PropagateInboundMessage(NewSignal("/a", "a.b", "Sig"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PropagateInboundMessage blocked on handler execution")
	}

	<-blockingStarted
}

type blockingInbound struct {
	InboundHandlerDefaults
	started chan struct{}
	release chan struct{}
}

func (h *blockingInbound) HandleInboundMessage(ctx *HandlerContext, msg *Message) {
	select {
	case h.started <- struct{}{}:
	default:
	}
	<-h.release
}

// TestPipelineInboundPoolIsolatesSlowHandlerFromOtherMessages verifies a
// message stuck behind one slow handler invocation does not prevent other,
// independently submitted messages from being handled concurrently by the
// rest of the Stage 2 pool.
func TestPipelineInboundPoolIsolatesSlowHandlerFromOtherMessages(t *testing.T) {
	release := make(chan struct{})
	order := &syncOrder{}

	p := NewPipeline(newDefaultTailHandler(nil))
	defer func() {
		close(release)
		p.Close()
	}()

	p.AddLast("gate", &gatedInbound{gateFor: "blocked", release: release, order: order}, nil)

	blocked := NewSignal("/a", "a.b", "blocked")
	fast := NewSignal("/a", "a.b", "fast")

	p.PropagateInboundMessage(blocked)
	p.PropagateInboundMessage(fast)

	waitForCondition(t, func() bool { return order.len() >= 1 })
	got := order.snapshot()
	found := false
	for _, name := range got {
		if name == "fast" {
			found = true
		}
	}
	if !found {
		t.Error("fast message was not processed while an unrelated message was blocked")
	}
}

type gatedInbound struct {
	InboundHandlerDefaults
	gateFor string
	release chan struct{}
	order   *syncOrder
}

func (h *gatedInbound) HandleInboundMessage(ctx *HandlerContext, msg *Message) {
	if msg.Member == h.gateFor {
		<-h.release
	}
	h.order.add(msg.Member)
	ctx.FireInboundMessage(msg)
}

// TestPipelineInboundPoolBackPressureBlocksSubmitterWhenQueueFull verifies
// the bounded handoff channel, not an unbounded goroutine-per-message
// fan-out, is what bounds memory: once every worker and the queue are
// saturated with blocked jobs, a further Submit blocks until capacity frees
// up instead of spawning an unbounded number of goroutines.
func TestPipelineInboundPoolBackPressureBlocksSubmitterWhenQueueFull(t *testing.T) {
	workers := 2
	queueSize := 2
	pool := newStageTwoPool(workers, queueSize)
	defer pool.Close()

	release := make(chan struct{})
	defer close(release)

	started := make(chan struct{}, workers+queueSize+1)
	block := func() {
		started <- struct{}{}
		<-release
	}

	// Saturate every worker and every queue slot.
	for i := 0; i < workers+queueSize; i++ {
		pool.Submit(block)
	}
	for i := 0; i < workers; i++ {
		<-started
	}

	submitted := make(chan struct{})
	go func() {
		pool.Submit(func() {})
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Fatal("Submit did not block once the pool's queue and workers were saturated")
	case <-time.After(50 * time.Millisecond):
	}
}
