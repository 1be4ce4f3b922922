package bus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"forgeflow/internal/config"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() config.BusConfig {
	return config.BusConfig{
		MaxWorkers:        2,
		MaxRetries:        2,
		InitialBackoff:    2 * time.Millisecond,
		MaxBackoff:        10 * time.Millisecond,
		BackoffMultiplier: 2.0,
		InvocationTimeout: 5 * time.Second,
	}
}

// recordingInvoker tracks delivery order and injects failures per agent.
type recordingInvoker struct {
	mu       sync.Mutex
	started  int
	calls    []string       // "<agent>:<messageID>"
	failures map[string]int // agent -> remaining injected failures
	delay    time.Duration
	gate     chan struct{} // when set, invocations wait for it to close
}

func (r *recordingInvoker) Invoke(ctx context.Context, agentID string, msg *Message) error {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()

	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, agentID+":"+msg.ID)
	if r.failures[agentID] > 0 {
		r.failures[agentID]--
		return errors.New("injected failure")
	}
	return nil
}

func (r *recordingInvoker) startedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

func (r *recordingInvoker) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recordingInvoker) agents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = strings.SplitN(c, ":", 2)[0]
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func TestPriorityByPhaseAndType(t *testing.T) {
	cases := []struct {
		phase   int
		msgType MessageType
		want    Priority
	}{
		{0, TypePhaseEntry, PriorityHigh},
		{3, TypePhaseEntry, PriorityHigh},
		{4, TypePhaseEntry, PriorityCritical},
		{5, TypePhaseEntry, PriorityCritical},
		{6, TypePhaseEntry, PriorityNormal},
		{10, TypePhaseEntry, PriorityNormal},
		{11, TypePhaseEntry, PriorityLow},
		{8, TypeEscalation, PriorityCritical},
		{11, TypeDeploymentApproval, PriorityCritical},
		{7, TypeValidationGate, PriorityCritical},
	}
	for _, tc := range cases {
		if got := ComputePriority(tc.phase, tc.msgType); got != tc.want {
			t.Errorf("ComputePriority(%d, %s) = %s, want %s", tc.phase, tc.msgType, got, tc.want)
		}
	}
}

func TestDuplicatePublishRejected(t *testing.T) {
	inv := &recordingInvoker{}
	b := New(testConfig(), inv)
	b.Start(context.Background())
	defer b.Stop()

	msg := NewMessage("exec-1", 0, TypePhaseEntry, []string{"a"}, nil)
	if _, err := b.Publish(msg); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if _, err := b.Publish(msg); !errors.Is(err, ErrDuplicateMessage) {
		t.Errorf("second publish error = %v, want ErrDuplicateMessage", err)
	}
}

func TestPublishWithoutTargetsRejected(t *testing.T) {
	inv := &recordingInvoker{}
	b := New(testConfig(), inv)
	b.Start(context.Background())
	defer b.Stop()

	if _, err := b.Publish(NewMessage("exec-1", 0, TypePhaseEntry, nil, nil)); err == nil {
		t.Fatal("expected error for message without targets")
	}
}

func TestStrictPriorityDraining(t *testing.T) {
	gate := make(chan struct{})
	inv := &recordingInvoker{gate: gate}
	cfg := testConfig()
	cfg.MaxWorkers = 1
	b := New(cfg, inv)
	b.Start(context.Background())
	defer b.Stop()

	// The first message is picked immediately and parks on the gate; the
	// rest queue up behind it. Distinct execution ids keep per-execution
	// serialisation out of play.
	if _, err := b.Publish(NewMessage("exec-first", 11, TypePhaseEntry, []string{"first"}, nil)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return inv.startedCount() == 1 })

	for _, m := range []*Message{
		NewMessage("exec-low", 11, TypePhaseEntry, []string{"low"}, nil),
		NewMessage("exec-norm", 7, TypePhaseEntry, []string{"norm"}, nil),
		NewMessage("exec-high", 1, TypePhaseEntry, []string{"high"}, nil),
		NewMessage("exec-crit", 4, TypePhaseEntry, []string{"crit"}, nil),
	} {
		if _, err := b.Publish(m); err != nil {
			t.Fatal(err)
		}
	}
	close(gate)

	waitFor(t, 2*time.Second, func() bool { return inv.callCount() == 5 })

	got := inv.agents()
	want := []string{"first", "crit", "high", "norm", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order = %v, want %v", got, want)
		}
	}
}

func TestPerExecutionSerialisation(t *testing.T) {
	var mu sync.Mutex
	current, maxSeen := 0, 0
	var order []string

	inv := InvokerFunc(func(ctx context.Context, agentID string, msg *Message) error {
		mu.Lock()
		current++
		if current > maxSeen {
			maxSeen = current
		}
		order = append(order, msg.ID)
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		current--
		mu.Unlock()
		return nil
	})

	cfg := testConfig()
	cfg.MaxWorkers = 4
	b := New(cfg, inv)
	b.Start(context.Background())
	defer b.Stop()

	var published []string
	for i := 0; i < 4; i++ {
		msg := NewMessage("exec-serial", 7, TypePhaseEntry, []string{"agent"}, nil)
		if _, err := b.Publish(msg); err != nil {
			t.Fatal(err)
		}
		published = append(published, msg.ID)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	})

	mu.Lock()
	defer mu.Unlock()
	if maxSeen != 1 {
		t.Errorf("max concurrent deliveries for one execution = %d, want 1", maxSeen)
	}
	for i := range published {
		if order[i] != published[i] {
			t.Errorf("delivery order %v does not match publish order %v", order, published)
			break
		}
	}
}

func TestRetryThenDeadLetterAndEscalation(t *testing.T) {
	inv := &recordingInvoker{failures: map[string]int{"flaky": 100}}
	b := New(testConfig(), inv)
	b.Start(context.Background())
	defer b.Stop()

	msg := NewMessage("exec-1", 7, TypePhaseEntry, []string{"flaky"}, nil)
	if _, err := b.Publish(msg); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool { return b.Metrics().DLQSize == 1 })

	dead := b.DeadLetters()
	if len(dead) != 1 || dead[0].ID != msg.ID {
		t.Fatalf("dead letters = %v", dead)
	}
	if dead[0].Status != StatusDeadLettered {
		t.Errorf("status = %s, want dead_lettered", dead[0].Status)
	}
	if dead[0].RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", dead[0].RetryCount)
	}

	// Initial delivery plus two retries, then the escalation delivery.
	waitFor(t, 2*time.Second, func() bool { return inv.callCount() == 4 })
	agents := inv.agents()
	if agents[len(agents)-1] != "escalation-handler" {
		t.Errorf("last delivery = %s, want escalation-handler", agents[len(agents)-1])
	}

	m := b.Metrics()
	if m.Retried != 2 {
		t.Errorf("retried = %d, want 2", m.Retried)
	}
	if m.Failed != 3 {
		t.Errorf("failed = %d, want 3", m.Failed)
	}
}

func TestRetryDeadRequeues(t *testing.T) {
	inv := &recordingInvoker{failures: map[string]int{"flaky": 3}}
	b := New(testConfig(), inv)
	b.Start(context.Background())
	defer b.Stop()

	msg := NewMessage("exec-1", 7, TypePhaseEntry, []string{"flaky"}, nil)
	if _, err := b.Publish(msg); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return b.Metrics().DLQSize == 1 })

	// Failures are exhausted now; the requeued message succeeds.
	if err := b.RetryDead(msg.ID); err != nil {
		t.Fatalf("RetryDead: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		m := b.Metrics()
		return m.DLQSize == 0 && m.Processed == 1
	})

	if err := b.RetryDead("no-such-id"); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("RetryDead unknown id error = %v, want ErrUnknownMessage", err)
	}
}

func TestCancelExecutionDropsPending(t *testing.T) {
	gate := make(chan struct{})
	inv := &recordingInvoker{gate: gate}
	cfg := testConfig()
	cfg.MaxWorkers = 1
	b := New(cfg, inv)
	b.Start(context.Background())
	defer b.Stop()

	// Blocker occupies the single worker while the doomed messages queue.
	if _, err := b.Publish(NewMessage("exec-keep", 7, TypePhaseEntry, []string{"keeper"}, nil)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return inv.startedCount() == 1 })

	for i := 0; i < 3; i++ {
		if _, err := b.Publish(NewMessage("exec-doomed", 7, TypePhaseEntry, []string{"doomed"}, nil)); err != nil {
			t.Fatal(err)
		}
	}

	b.CancelExecution("exec-doomed")
	if n := b.PendingForExecution("exec-doomed"); n != 0 {
		t.Errorf("pending after cancel = %d, want 0", n)
	}
	if _, err := b.Publish(NewMessage("exec-doomed", 7, TypePhaseEntry, []string{"doomed"}, nil)); err == nil {
		t.Error("publish for cancelled execution should fail")
	}

	close(gate)
	waitFor(t, 2*time.Second, func() bool { return b.Metrics().Processed == 1 })
	time.Sleep(20 * time.Millisecond) // let any stray delivery surface

	for _, agent := range inv.agents() {
		if agent == "doomed" {
			t.Error("cancelled execution's message was delivered")
		}
	}
}

func TestMetricsCounters(t *testing.T) {
	inv := &recordingInvoker{}
	b := New(testConfig(), inv)
	b.Start(context.Background())
	defer b.Stop()

	if _, err := b.Publish(NewMessage("exec-a", 1, TypePhaseTransition, []string{"x"}, nil)); err != nil {
		t.Fatal(err)
	}
	approval := NewMessage("exec-b", 5, TypeDeploymentApproval, []string{"y"}, nil)
	approval.NeedsApproval = true
	if _, err := b.Publish(approval); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool { return b.Metrics().Processed == 2 })

	m := b.Metrics()
	if m.Received != 2 {
		t.Errorf("received = %d, want 2", m.Received)
	}
	if m.Transitions != 1 {
		t.Errorf("transitions = %d, want 1", m.Transitions)
	}
	if m.ApprovalGates != 1 {
		t.Errorf("approval gates = %d, want 1", m.ApprovalGates)
	}
}

func TestBackoffFormula(t *testing.T) {
	b := New(config.BusConfig{
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}, nil)

	cases := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // capped
		{10, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := b.backoff(tc.retry); got != tc.want {
			t.Errorf("backoff(%d) = %s, want %s", tc.retry, got, tc.want)
		}
	}
}
