package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devrelay/devrelay/internal/common/logger"
	"github.com/devrelay/devrelay/internal/events"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := New(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	received := make(chan *events.Event, 1)

	sub, err := b.Subscribe(ForType(events.SessionCreated), 0, func(ctx context.Context, e *events.Event) error {
		received <- e
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	event := events.New(events.SessionCreated, "test", map[string]interface{}{"key": "value"})
	if err := b.Publish(ctx, event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != event.ID {
			t.Errorf("Expected event ID %s, got %s", event.ID, e.ID)
		}
		if e.Category != events.CategorySession {
			t.Errorf("Expected category session, got %s", e.Category)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

func TestBus_CategoryAndWildcardSelectors(t *testing.T) {
	b := New(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var byCategory, byAll int32

	_, err := b.Subscribe(ForCategory(events.CategoryApproval), 0, func(ctx context.Context, e *events.Event) error {
		atomic.AddInt32(&byCategory, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	_, err = b.Subscribe(ForAll(), 0, func(ctx context.Context, e *events.Event) error {
		atomic.AddInt32(&byAll, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := b.PublishSync(ctx, events.New(events.ApprovalRequested, "test", nil)); err != nil {
		t.Fatalf("PublishSync failed: %v", err)
	}
	if err := b.PublishSync(ctx, events.New(events.SessionCreated, "test", nil)); err != nil {
		t.Fatalf("PublishSync failed: %v", err)
	}

	if got := atomic.LoadInt32(&byCategory); got != 1 {
		t.Errorf("Expected 1 category delivery, got %d", got)
	}
	if got := atomic.LoadInt32(&byAll); got != 2 {
		t.Errorf("Expected 2 wildcard deliveries, got %d", got)
	}
}

func TestBus_PriorityOrdering(t *testing.T) {
	b := New(newTestLogger(t))
	defer b.Close()

	var mu sync.Mutex
	var order []string
	push := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	// Registered low priority first to prove priority wins over registration.
	// Distinct literals: same-literal closures share handler identity.
	if _, err := b.Subscribe(ForAll(), 0, func(ctx context.Context, e *events.Event) error {
		push("low")
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe(ForAll(), 10, func(ctx context.Context, e *events.Event) error {
		push("high")
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe(ForAll(), 10, func(ctx context.Context, e *events.Event) error {
		push("high2")
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := b.PublishSync(context.Background(), events.New(events.SystemStarted, "test", nil)); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high", "high2", "low"}
	if len(order) != len(want) {
		t.Fatalf("Expected %d invocations, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestBus_HandlerErrorIsolation(t *testing.T) {
	b := New(newTestLogger(t))
	defer b.Close()

	var delivered int32
	if _, err := b.Subscribe(ForAll(), 10, func(ctx context.Context, e *events.Event) error {
		return fmt.Errorf("boom")
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe(ForAll(), 0, func(ctx context.Context, e *events.Event) error {
		atomic.AddInt32(&delivered, 1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := b.PublishSync(context.Background(), events.New(events.SystemStarted, "test", nil)); err != nil {
		t.Fatalf("PublishSync should not surface handler errors: %v", err)
	}

	if atomic.LoadInt32(&delivered) != 1 {
		t.Error("Second handler should run despite first handler error")
	}

	stats := b.Stats()
	if stats.HandlersFailed != 1 || stats.HandlersSucceeded != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestBus_MiddlewareDrop(t *testing.T) {
	b := New(newTestLogger(t))
	defer b.Close()

	b.Use(func(ctx context.Context, e *events.Event) (*events.Event, error) {
		if e.Type == events.MetricsSnapshot {
			return nil, nil
		}
		return e, nil
	})

	var delivered int32
	if _, err := b.Subscribe(ForAll(), 0, func(ctx context.Context, e *events.Event) error {
		atomic.AddInt32(&delivered, 1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := b.PublishSync(context.Background(), events.New(events.MetricsSnapshot, "test", nil)); err != nil {
		t.Fatalf("Dropped publish should not error: %v", err)
	}
	if atomic.LoadInt32(&delivered) != 0 {
		t.Error("Dropped event must not reach handlers")
	}

	stats := b.Stats()
	if stats.Published != 1 || stats.Dropped != 1 {
		t.Errorf("Drop should still count the publish: %+v", stats)
	}
}

// countingSubscriber records deliveries per receiver. Method values taken
// from distinct instances share a code pointer, so each registration must be
// tracked as its own subscriber.
type countingSubscriber struct {
	count int32
}

func (c *countingSubscriber) record(ctx context.Context, e *events.Event) error {
	atomic.AddInt32(&c.count, 1)
	return nil
}

func TestBus_MethodValueSubscribersAreDistinct(t *testing.T) {
	b := New(newTestLogger(t))
	defer b.Close()

	first := &countingSubscriber{}
	second := &countingSubscriber{}

	if _, err := b.Subscribe(ForType(events.SessionCreated), 0, first.record); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe(ForType(events.SessionCreated), 0, second.record); err != nil {
		t.Fatal(err)
	}

	if err := b.PublishSync(context.Background(), events.New(events.SessionCreated, "test", nil)); err != nil {
		t.Fatal(err)
	}

	if got := atomic.LoadInt32(&first.count); got != 1 {
		t.Errorf("First subscriber should see the event, got %d deliveries", got)
	}
	if got := atomic.LoadInt32(&second.count); got != 1 {
		t.Errorf("Second subscriber should see the event, got %d deliveries", got)
	}
}

func TestBus_EachSubscribeRegistersOwnSubscriber(t *testing.T) {
	b := New(newTestLogger(t))
	defer b.Close()

	var count int32
	handler := func(ctx context.Context, e *events.Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	}

	sub1, err := b.Subscribe(ForType(events.SessionCreated), 0, handler)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe(ForType(events.SessionCreated), 0, handler); err != nil {
		t.Fatal(err)
	}

	if err := b.PublishSync(context.Background(), events.New(events.SessionCreated, "test", nil)); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&count); got != 2 {
		t.Errorf("Two subscriptions should deliver twice, got %d", got)
	}

	// Unsubscribing one handle leaves the other registration live.
	sub1.Unsubscribe()
	sub1.Unsubscribe() // safe to repeat
	if err := b.PublishSync(context.Background(), events.New(events.SessionCreated, "test", nil)); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&count); got != 3 {
		t.Errorf("Expected one more delivery after unsubscribe, got %d total", got)
	}
}

func TestBus_InvalidEventRejectedAtPublish(t *testing.T) {
	b := New(newTestLogger(t))
	defer b.Close()

	bad := events.New("not.a.real.type", "test", nil)
	if err := b.Publish(context.Background(), bad); err == nil {
		t.Fatal("Expected publish of unknown type to fail")
	}

	missingSource := events.New(events.SessionCreated, "", nil)
	if err := b.Publish(context.Background(), missingSource); err == nil {
		t.Fatal("Expected publish without source to fail")
	}
}

func TestBus_AwaitHandlersInvocationCount(t *testing.T) {
	b := New(newTestLogger(t))
	defer b.Close()

	const subscribers = 3
	const publishes = 5

	var count int32
	handlers := []Handler{
		func(ctx context.Context, e *events.Event) error { atomic.AddInt32(&count, 1); return nil },
		func(ctx context.Context, e *events.Event) error { atomic.AddInt32(&count, 1); return nil },
		func(ctx context.Context, e *events.Event) error { atomic.AddInt32(&count, 1); return nil },
	}
	for i, h := range handlers {
		if _, err := b.Subscribe(ForAll(), i, h); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < publishes; i++ {
		if err := b.PublishSync(context.Background(), events.New(events.SystemStarted, "test", nil)); err != nil {
			t.Fatal(err)
		}
	}

	if got := atomic.LoadInt32(&count); got != subscribers*publishes {
		t.Errorf("Expected %d invocations, got %d", subscribers*publishes, got)
	}
	if stats := b.Stats(); stats.HandlersSucceeded != subscribers*publishes {
		t.Errorf("Stats mismatch: %+v", stats)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New(newTestLogger(t))
	defer b.Close()

	var count int32
	sub, err := b.Subscribe(ForAll(), 0, func(ctx context.Context, e *events.Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := b.PublishSync(context.Background(), events.New(events.SystemStarted, "test", nil)); err != nil {
		t.Fatal(err)
	}
	sub.Unsubscribe()
	if err := b.PublishSync(context.Background(), events.New(events.SystemStarted, "test", nil)); err != nil {
		t.Fatal(err)
	}

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("Expected 1 delivery after unsubscribe, got %d", got)
	}
}
