package bus

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/termd/internal/common/logger"
)

var errBusClosed = errors.New("event bus is closed")

// MemoryEventBus dispatches events in process. Handlers run synchronously
// on the publishing goroutine, so every subscriber observes events in
// exact publish order. The terminal pipeline relies on that ordering; a
// NATS deployment trades it for cross-process fan-out.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []*localSub
	groups map[string]*queueGroup
	closed bool
	log    *logger.Logger
}

// localSub is one handler registration on the in-memory bus.
type localSub struct {
	bus     *MemoryEventBus
	pattern string
	re      *regexp.Regexp
	handler EventHandler
	queue   string
	mu      sync.Mutex
	active  bool
}

// queueGroup tracks round-robin delivery for one queue+pattern pair.
type queueGroup struct {
	mu      sync.Mutex
	members []*localSub
	next    int
}

// NewMemoryEventBus returns an empty in-process bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		groups: make(map[string]*queueGroup),
		log:    log,
	}
}

// Publish delivers the event to every matching subscriber, plus one member
// of each matching queue group. Handlers run after the bus lock is
// released, so a handler may itself publish or subscribe.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errBusClosed
	}

	var targets []*localSub
	drawn := make(map[string]bool)
	for _, sub := range b.subs {
		if !sub.IsValid() || !subjectMatches(subject, sub.pattern, sub.re) {
			continue
		}
		if sub.queue == "" {
			targets = append(targets, sub)
			continue
		}
		key := groupKey(sub.queue, sub.pattern)
		if drawn[key] {
			continue
		}
		drawn[key] = true
		if g := b.groups[key]; g != nil {
			if member := g.draw(); member != nil {
				targets = append(targets, member)
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if err := sub.handler(ctx, event); err != nil {
			b.log.Error("Event handler error",
				zap.String("subject", subject),
				zap.Error(err))
		}
	}

	b.log.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe registers a handler for every event matching the pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.add(subject, "", handler)
}

// QueueSubscribe registers a handler in a queue group: each matching event
// reaches exactly one group member, rotating round-robin.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	return b.add(subject, queue, handler)
}

func (b *MemoryEventBus) add(pattern, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errBusClosed
	}

	sub := &localSub{
		bus:     b,
		pattern: pattern,
		re:      wildcardRegexp(pattern),
		handler: handler,
		queue:   queue,
		active:  true,
	}
	b.subs = append(b.subs, sub)

	if queue != "" {
		key := groupKey(queue, pattern)
		g := b.groups[key]
		if g == nil {
			g = &queueGroup{}
			b.groups[key] = g
		}
		g.mu.Lock()
		g.members = append(g.members, sub)
		g.mu.Unlock()
		b.log.Debug("Queue subscribed",
			zap.String("subject", pattern),
			zap.String("queue", queue))
		return sub, nil
	}

	b.log.Debug("Subscribed", zap.String("subject", pattern))
	return sub, nil
}

// Close drops every subscription. Publishing afterwards returns an error.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, sub := range b.subs {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}
	b.subs = nil
	b.groups = make(map[string]*queueGroup)

	b.log.Info("Memory event bus closed")
}

// IsConnected reports whether the bus still accepts events.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Unsubscribe deactivates the registration and removes it from the bus.
func (s *localSub) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	if s.queue == "" {
		return nil
	}
	if g := s.bus.groups[groupKey(s.queue, s.pattern)]; g != nil {
		g.mu.Lock()
		for i, m := range g.members {
			if m == s {
				g.members = append(g.members[:i], g.members[i+1:]...)
				break
			}
		}
		g.mu.Unlock()
	}
	return nil
}

// IsValid reports whether the registration still receives events.
func (s *localSub) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// draw returns the next active member, advancing the round-robin cursor.
func (g *queueGroup) draw() *localSub {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := len(g.members)
	for i := 0; i < n; i++ {
		idx := (g.next + i) % n
		if member := g.members[idx]; member.IsValid() {
			g.next = (idx + 1) % n
			return member
		}
	}
	return nil
}

func groupKey(queue, pattern string) string {
	return queue + ":" + pattern
}

// subjectMatches reports whether subject falls under pattern. Literal
// patterns compare directly; wildcard patterns use the compiled regexp.
func subjectMatches(subject, pattern string, re *regexp.Regexp) bool {
	if re == nil {
		return subject == pattern
	}
	return re.MatchString(subject)
}

// wildcardRegexp compiles a NATS-style pattern, or returns nil when the
// pattern is literal. * matches exactly one dot-separated token and >
// matches the rest of the subject. QuoteMeta escapes * to \* and leaves
// > alone, so both rewrites below see predictable input.
func wildcardRegexp(pattern string) *regexp.Regexp {
	if !strings.ContainsAny(pattern, "*>") {
		return nil
	}
	expr := regexp.QuoteMeta(pattern)
	expr = strings.ReplaceAll(expr, `\*`, `[^.]+`)
	expr = strings.ReplaceAll(expr, `>`, `.+`)
	re, err := regexp.Compile("^" + expr + "$")
	if err != nil {
		return nil
	}
	return re
}
