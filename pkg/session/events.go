package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/adfharrison1/go-syncdb/pkg/domain"
	"github.com/adfharrison1/go-syncdb/pkg/metrics"
)

// EventKind names a change applied by a Session.
type EventKind string

const (
	EventCommit EventKind = "commit"
	EventDelete EventKind = "delete"
)

// Event is emitted after a change has been persisted and applied.
type Event struct {
	Kind   EventKind
	Tenant string
	// Origin identifies the caller that issued the change, see WithOrigin.
	Origin  string
	Created []*domain.Doc
	Deleted []domain.Ref
}

// Subscription receives the events of one Session. A subscriber that falls
// behind by more than its buffer loses events rather than blocking the Session.
type Subscription struct {
	C  <-chan Event
	c  chan Event
	id uint64
	h  *hub
}

// Close stops delivery and closes C. It is safe to call more than once.
func (sub *Subscription) Close() {
	sub.h.unsubscribe(sub.id)
}

type hub struct {
	mu     sync.RWMutex
	next   uint64
	subs   map[uint64]*Subscription
	closed bool
	logger *zap.SugaredLogger
}

func newHub(logger *zap.SugaredLogger) *hub {
	return &hub{subs: make(map[uint64]*Subscription), logger: logger}
}

func (h *hub) subscribe(buffer int) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := make(chan Event, buffer)
	sub := &Subscription{C: c, c: c, h: h}
	if h.closed {
		close(c)
		return sub
	}
	h.next++
	sub.id = h.next
	h.subs[sub.id] = sub
	return sub
}

func (h *hub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.c)
	}
}

func (h *hub) publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, sub := range h.subs {
		select {
		case sub.c <- ev:
		default:
			metrics.BroadcastDeliveries.WithLabelValues("dropped").Inc()
			h.logger.Warnw("subscriber queue full, event dropped", "tenant", ev.Tenant, "subscription", id, "kind", ev.Kind)
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.c)
	}
}

type originKey struct{}

// WithOrigin tags ctx with the identity of the caller, typically a connection id,
// so the resulting events can be told apart from peers' events.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

// OriginFrom returns the origin set by WithOrigin.
func OriginFrom(ctx context.Context) string {
	origin, _ := ctx.Value(originKey{}).(string)
	return origin
}
