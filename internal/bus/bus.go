package bus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"forgeflow/internal/config"
	"forgeflow/internal/logging"

	"golang.org/x/sync/errgroup"
)

// Sentinel errors.
var (
	ErrDuplicateMessage = errors.New("duplicate message id")
	ErrBusStopped       = errors.New("bus is stopped")
	ErrUnknownMessage   = errors.New("unknown message id")
)

// AgentInvoker delivers one message to one agent. Implementations are
// expected to honour the context deadline.
type AgentInvoker interface {
	Invoke(ctx context.Context, agentID string, msg *Message) error
}

// InvokerFunc adapts a function to the AgentInvoker interface.
type InvokerFunc func(ctx context.Context, agentID string, msg *Message) error

func (f InvokerFunc) Invoke(ctx context.Context, agentID string, msg *Message) error {
	return f(ctx, agentID, msg)
}

// Metrics is a point-in-time snapshot of bus counters.
type Metrics struct {
	Received      int64            `json:"received"`
	Processed     int64            `json:"processed"`
	Failed        int64            `json:"failed"`
	Retried       int64            `json:"retried"`
	DLQSize       int              `json:"dlq_size"`
	QueueDepths   map[string]int   `json:"queue_depths"`
	Transitions   int64            `json:"transitions"`
	ApprovalGates int64            `json:"approval_gates"`
}

// Bus is the priority dispatcher. One dispatcher goroutine pulls the next
// eligible message (highest non-empty priority, FIFO within a class, no two
// messages of the same execution in flight) and hands it to a bounded
// worker group.
type Bus struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queues    [priorityCount][]*Message
	dlq       []*Message
	seen      map[string]*Message // every id ever published
	inFlight  map[string]bool     // execution ids with a message processing
	cancelled map[string]bool     // executions whose messages are dropped
	timers    map[string]*time.Timer
	stopped   bool

	invoker AgentInvoker
	cfg     config.BusConfig

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	done   chan struct{}

	// Counters, guarded by mu.
	received      int64
	processed     int64
	failed        int64
	retried       int64
	transitions   int64
	approvalGates int64
}

// New creates a bus. Start must be called before messages are processed.
func New(cfg config.BusConfig, invoker AgentInvoker) *Bus {
	b := &Bus{
		seen:      make(map[string]*Message),
		inFlight:  make(map[string]bool),
		cancelled: make(map[string]bool),
		timers:    make(map[string]*time.Timer),
		invoker:   invoker,
		cfg:       cfg,
		done:      make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Start launches the dispatcher and worker pool.
func (b *Bus) Start(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.group, _ = errgroup.WithContext(b.ctx)
	b.group.SetLimit(b.cfg.MaxWorkers)

	go b.dispatch()
	logging.Bus("bus started (workers=%d max_retries=%d)", b.cfg.MaxWorkers, b.cfg.MaxRetries)
}

// Stop drains in-flight work and shuts the dispatcher down. Pending queued
// messages stay queued in memory and are lost with the process.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	for id, timer := range b.timers {
		timer.Stop()
		delete(b.timers, id)
	}
	b.cond.Broadcast()
	b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
	}
	<-b.done
	if b.group != nil {
		_ = b.group.Wait()
	}
	logging.Bus("bus stopped")
}

// =============================================================================
// PUBLISH / RETRY / CANCEL
// =============================================================================

// Publish enqueues a message onto the queue matching its priority.
// Publishing the same message id twice is rejected.
func (b *Bus) Publish(msg *Message) (string, error) {
	if len(msg.Targets) == 0 {
		return "", fmt.Errorf("message %s has no targets", msg.ID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return "", ErrBusStopped
	}
	if _, dup := b.seen[msg.ID]; dup {
		return "", fmt.Errorf("message %s: %w", msg.ID, ErrDuplicateMessage)
	}
	if b.cancelled[msg.ExecutionID] {
		return "", fmt.Errorf("execution %s is cancelled", msg.ExecutionID)
	}

	msg.Status = StatusPending
	b.seen[msg.ID] = msg
	b.queues[msg.Priority] = append(b.queues[msg.Priority], msg)
	b.received++
	if msg.Type == TypePhaseTransition {
		b.transitions++
	}
	if msg.NeedsApproval || msg.Type == TypeDeploymentApproval {
		b.approvalGates++
	}

	logging.BusDebug("published %s (type=%s priority=%s exec=%s targets=%v)",
		msg.ID, msg.Type, msg.Priority, msg.ExecutionID, msg.Targets)
	b.cond.Signal()
	return msg.ID, nil
}

// RetryDead moves a dead-lettered message back onto its original priority
// queue with the retry count reset.
func (b *Bus) RetryDead(messageID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, msg := range b.dlq {
		if msg.ID != messageID {
			continue
		}
		b.dlq = append(b.dlq[:i], b.dlq[i+1:]...)
		msg.RetryCount = 0
		msg.Status = StatusPending
		msg.LastError = ""
		b.queues[msg.Priority] = append(b.queues[msg.Priority], msg)
		logging.Bus("requeued dead-lettered message %s", messageID)
		b.cond.Signal()
		return nil
	}
	return fmt.Errorf("message %s not in dead-letter queue: %w", messageID, ErrUnknownMessage)
}

// CancelExecution drops every pending message for the execution and marks it
// so that late completions and retries are discarded.
func (b *Bus) CancelExecution(execID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cancelled[execID] = true
	dropped := 0
	for p := range b.queues {
		kept := b.queues[p][:0]
		for _, msg := range b.queues[p] {
			if msg.ExecutionID == execID {
				msg.Status = StatusFailed
				msg.LastError = "execution cancelled"
				dropped++
				continue
			}
			kept = append(kept, msg)
		}
		b.queues[p] = kept
	}
	for id, timer := range b.timers {
		if b.seen[id] != nil && b.seen[id].ExecutionID == execID {
			timer.Stop()
			delete(b.timers, id)
		}
	}
	logging.Bus("cancelled execution %s (dropped %d pending messages)", execID, dropped)
}

// PendingForExecution counts queued and dead-lettered messages for an
// execution.
func (b *Bus) PendingForExecution(execID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for p := range b.queues {
		for _, msg := range b.queues[p] {
			if msg.ExecutionID == execID {
				n++
			}
		}
	}
	for _, msg := range b.dlq {
		if msg.ExecutionID == execID {
			n++
		}
	}
	return n
}

// Message returns the tracked message for an id.
func (b *Bus) Message(id string) (*Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := b.seen[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, ErrUnknownMessage)
	}
	return msg, nil
}

// DeadLetters returns a snapshot of the DLQ.
func (b *Bus) DeadLetters() []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Message, len(b.dlq))
	copy(out, b.dlq)
	return out
}

// Metrics returns a snapshot of bus counters and queue depths.
func (b *Bus) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	depths := make(map[string]int, priorityCount)
	for p := range b.queues {
		depths[Priority(p).String()] = len(b.queues[p])
	}
	return Metrics{
		Received:      b.received,
		Processed:     b.processed,
		Failed:        b.failed,
		Retried:       b.retried,
		DLQSize:       len(b.dlq),
		QueueDepths:   depths,
		Transitions:   b.transitions,
		ApprovalGates: b.approvalGates,
	}
}

// =============================================================================
// DISPATCH LOOP
// =============================================================================

func (b *Bus) dispatch() {
	defer close(b.done)

	for {
		msg := b.next()
		if msg == nil {
			return
		}
		// Go blocks while the worker pool is saturated, which bounds
		// concurrency without a separate semaphore.
		b.group.Go(func() error {
			b.process(msg)
			return nil
		})
	}
}

// next blocks until an eligible message exists or the bus stops. Eligible
// means: highest non-empty priority class first, FIFO within the class, and
// no other message of the same execution currently in flight.
func (b *Bus) next() *Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if b.stopped {
			return nil
		}
		for p := 0; p < priorityCount; p++ {
			q := b.queues[p]
			for i := 0; i < len(q); i++ {
				msg := q[i]
				if b.cancelled[msg.ExecutionID] {
					q = append(q[:i], q[i+1:]...)
					b.queues[p] = q
					msg.Status = StatusFailed
					msg.LastError = "execution cancelled"
					i--
					continue
				}
				if b.inFlight[msg.ExecutionID] {
					continue
				}
				b.queues[p] = append(q[:i], q[i+1:]...)
				b.inFlight[msg.ExecutionID] = true
				msg.Status = StatusProcessing
				return msg
			}
		}
		b.cond.Wait()
	}
}

func (b *Bus) process(msg *Message) {
	// The cancel token is observed before every invocation; a message
	// picked just before its execution was cancelled is discarded here.
	b.mu.Lock()
	if b.cancelled[msg.ExecutionID] {
		msg.Status = StatusFailed
		msg.LastError = "execution cancelled"
		delete(b.inFlight, msg.ExecutionID)
		b.cond.Broadcast()
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryBus, fmt.Sprintf("deliver %s", msg.ID))
	err := b.deliver(msg)
	timer.Stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.inFlight, msg.ExecutionID)
	defer b.cond.Broadcast()

	if b.cancelled[msg.ExecutionID] {
		// Late result for a cancelled execution; discard either way.
		msg.Status = StatusFailed
		msg.LastError = "execution cancelled"
		return
	}

	if err == nil {
		msg.Status = StatusCompleted
		b.processed++
		logging.BusDebug("completed %s", msg.ID)
		return
	}

	msg.LastError = err.Error()
	b.failed++

	if msg.RetryCount >= b.cfg.MaxRetries {
		b.deadLetterLocked(msg)
		return
	}

	msg.RetryCount++
	msg.Status = StatusRetrying
	b.retried++
	delay := b.backoff(msg.RetryCount - 1)
	logging.Bus("retry %d/%d for %s in %s: %v", msg.RetryCount, b.cfg.MaxRetries, msg.ID, delay, err)

	b.timers[msg.ID] = time.AfterFunc(delay, func() {
		b.requeue(msg)
	})
}

// deliver invokes every target; the message completes only if all succeed.
func (b *Bus) deliver(msg *Message) error {
	for _, agentID := range msg.Targets {
		ctx := b.ctx
		var cancel context.CancelFunc
		if b.cfg.InvocationTimeout > 0 {
			ctx, cancel = context.WithTimeout(b.ctx, b.cfg.InvocationTimeout)
		}
		err := b.invoker.Invoke(ctx, agentID, msg)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			return fmt.Errorf("agent %s failed: %w", agentID, err)
		}
	}
	return nil
}

func (b *Bus) requeue(msg *Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.timers, msg.ID)
	if b.stopped || b.cancelled[msg.ExecutionID] {
		msg.Status = StatusFailed
		return
	}
	msg.Status = StatusPending
	b.queues[msg.Priority] = append(b.queues[msg.Priority], msg)
	b.cond.Signal()
}

// deadLetterLocked parks the message and publishes a CRITICAL escalation
// carrying the original message id.
func (b *Bus) deadLetterLocked(msg *Message) {
	msg.Status = StatusDeadLettered
	b.dlq = append(b.dlq, msg)
	logging.Get(logging.CategoryBus).Error("dead-lettered %s after %d retries: %s", msg.ID, msg.RetryCount, msg.LastError)

	if msg.Type == TypeEscalation {
		// Never escalate an escalation; that would loop on a dead agent.
		return
	}

	esc := NewMessage(msg.ExecutionID, msg.Phase, TypeEscalation, []string{"escalation-handler"}, map[string]any{
		"original_message_id": msg.ID,
		"phase":               msg.Phase,
		"reason":              msg.LastError,
	})
	b.seen[esc.ID] = esc
	b.queues[esc.Priority] = append(b.queues[esc.Priority], esc)
	b.received++
	b.cond.Signal()
}

// backoff computes min(initial * multiplier^retry, max).
func (b *Bus) backoff(retry int) time.Duration {
	d := time.Duration(float64(b.cfg.InitialBackoff) * math.Pow(b.cfg.BackoffMultiplier, float64(retry)))
	if d > b.cfg.MaxBackoff {
		return b.cfg.MaxBackoff
	}
	return d
}
