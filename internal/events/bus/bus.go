// Package bus provides the in-process typed publish/subscribe hub.
//
// Delivery semantics: for a single publish, matched handlers run in priority
// order (higher first, registration order breaking ties). Handler errors are
// logged and counted but never abort delivery to peers. The bus holds no
// buffer of its own; Publish returns once handlers are scheduled,
// PublishSync returns after every handler has terminated.
package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrelay/devrelay/internal/common/logger"
	"github.com/devrelay/devrelay/internal/events"
)

// Handler processes a delivered event. Errors are isolated per handler.
type Handler func(ctx context.Context, event *events.Event) error

// Middleware runs before delivery. It may enrich the event (return a
// modified copy), drop it silently (return nil, nil), or reject the publish
// (return nil, err).
type Middleware func(ctx context.Context, event *events.Event) (*events.Event, error)

// Selector matches events by exact type, by category, or everything.
type Selector struct {
	Type     events.Type
	Category events.Category
	All      bool
}

// ForType selects events of one exact type.
func ForType(t events.Type) Selector { return Selector{Type: t} }

// ForCategory selects every event in a category.
func ForCategory(c events.Category) Selector { return Selector{Category: c} }

// ForAll selects every event.
func ForAll() Selector { return Selector{All: true} }

func (s Selector) matches(e *events.Event) bool {
	switch {
	case s.All:
		return true
	case s.Type != "":
		return e.Type == s.Type
	case s.Category != "":
		return e.Category == s.Category
	default:
		return false
	}
}

// Stats holds per-run bus counters.
type Stats struct {
	Published         uint64    `json:"published"`
	Dropped           uint64    `json:"dropped"`
	HandlersSucceeded uint64    `json:"handlers_succeeded"`
	HandlersFailed    uint64    `json:"handlers_failed"`
	LastEventAt       time.Time `json:"last_event_at"`
}

type subscription struct {
	selector Selector
	handler  Handler
	priority int
	seq      uint64
	active   bool
}

// Subscription is the unsubscribe capability returned by Subscribe.
type Subscription struct {
	bus *Bus
	sub *subscription
}

// Unsubscribe removes the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if !s.sub.active {
		return
	}
	s.sub.active = false
	for i, sub := range s.bus.subs {
		if sub == s.sub {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
}

// Bus is the in-process event hub.
type Bus struct {
	mu          sync.RWMutex
	subs        []*subscription
	middlewares []Middleware
	nextSeq     uint64
	closed      bool

	statsMu sync.Mutex
	stats   Stats

	logger *logger.Logger
}

// New creates a new event bus.
func New(log *logger.Logger) *Bus {
	return &Bus{
		logger: log.WithFields(zap.String("component", "event_bus")),
	}
}

// Use appends a middleware to the delivery chain. Middlewares run in
// registration order before any handler sees the event.
func (b *Bus) Use(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middlewares = append(b.middlewares, mw)
}

// Subscribe registers a handler for events matching the selector.
// Higher priority handlers run first; ties break by registration order.
// Every call registers a distinct subscriber; the returned Subscription is
// the identity callers hold to unsubscribe. Go gives method values on
// different receivers the same code pointer, so function identity cannot
// stand in for subscriber identity.
func (b *Bus) Subscribe(selector Selector, priority int, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler must not be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &subscription{
		selector: selector,
		handler:  handler,
		priority: priority,
		seq:      b.nextSeq,
		active:   true,
	}
	b.nextSeq++
	b.subs = append(b.subs, sub)

	b.logger.Debug("subscribed",
		zap.String("type", string(selector.Type)),
		zap.String("category", string(selector.Category)),
		zap.Bool("all", selector.All),
		zap.Int("priority", priority))
	return &Subscription{bus: b, sub: sub}, nil
}

// Publish delivers the event to matched handlers asynchronously and returns
// once delivery is scheduled. Handler errors are logged and counted.
func (b *Bus) Publish(ctx context.Context, event *events.Event) error {
	handlers, err := b.prepare(ctx, event)
	if err != nil || handlers == nil {
		return err
	}
	go b.deliver(ctx, event, handlers)
	return nil
}

// PublishSync delivers the event and returns only after every matched
// handler has terminated or errored.
func (b *Bus) PublishSync(ctx context.Context, event *events.Event) error {
	handlers, err := b.prepare(ctx, event)
	if err != nil || handlers == nil {
		return err
	}
	b.deliver(ctx, event, handlers)
	return nil
}

// prepare validates the event, runs middlewares, records the publish in
// stats, and returns the ordered handler list. A nil handler slice with nil
// error means a middleware dropped the event.
func (b *Bus) prepare(ctx context.Context, event *events.Event) ([]*subscription, error) {
	if err := validate(event); err != nil {
		return nil, err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, fmt.Errorf("event bus is closed")
	}
	middlewares := b.middlewares
	b.mu.RUnlock()

	b.recordPublish()

	for _, mw := range middlewares {
		out, err := mw(ctx, event)
		if err != nil {
			return nil, fmt.Errorf("middleware rejected event %s: %w", event.Type, err)
		}
		if out == nil {
			b.recordDrop()
			b.logger.Debug("event dropped by middleware", zap.String("type", string(event.Type)))
			return nil, nil
		}
		*event = *out
	}

	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.active && sub.selector.matches(event) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].priority != matched[j].priority {
			return matched[i].priority > matched[j].priority
		}
		return matched[i].seq < matched[j].seq
	})
	return matched, nil
}

// deliver invokes handlers sequentially so per-publish ordering stays
// deterministic.
func (b *Bus) deliver(ctx context.Context, event *events.Event, handlers []*subscription) {
	for _, sub := range handlers {
		if err := b.invoke(ctx, sub, event); err != nil {
			b.recordFailure()
			b.logger.Error("event handler error",
				zap.String("event_id", event.ID),
				zap.String("type", string(event.Type)),
				zap.Error(err))
		} else {
			b.recordSuccess()
		}
	}
}

func (b *Bus) invoke(ctx context.Context, sub *subscription, event *events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, event)
}

func validate(event *events.Event) error {
	if event == nil {
		return fmt.Errorf("event must not be nil")
	}
	if event.ID == "" {
		return fmt.Errorf("event id must not be empty")
	}
	if event.Source == "" {
		return fmt.Errorf("event source must not be empty")
	}
	if _, ok := events.CategoryOf(event.Type); !ok {
		return fmt.Errorf("unknown event type %q", event.Type)
	}
	if event.Category == "" {
		return fmt.Errorf("event category must not be empty")
	}
	return nil
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats
}

func (b *Bus) recordPublish() {
	b.statsMu.Lock()
	b.stats.Published++
	b.stats.LastEventAt = time.Now().UTC()
	b.statsMu.Unlock()
}

func (b *Bus) recordDrop() {
	b.statsMu.Lock()
	b.stats.Dropped++
	b.statsMu.Unlock()
}

func (b *Bus) recordSuccess() {
	b.statsMu.Lock()
	b.stats.HandlersSucceeded++
	b.statsMu.Unlock()
}

func (b *Bus) recordFailure() {
	b.statsMu.Lock()
	b.stats.HandlersFailed++
	b.statsMu.Unlock()
}

// Close deactivates the bus. Subsequent publishes and subscribes fail.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sub := range b.subs {
		sub.active = false
	}
	b.subs = nil
	b.logger.Info("event bus closed")
}
