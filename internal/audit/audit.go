// Package audit provides the append-only record of order transitions and
// payment events. The audit trail is the system of record for dispute
// resolution: entries are written before results are returned to callers
// and are never rewritten.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind classifies an audit entry.
type Kind string

const (
	KindTransition Kind = "transition"
	KindPayment    Kind = "payment"
	KindRefund     Kind = "refund"
	KindFailure    Kind = "failure"
)

// Entry is one immutable audit record.
type Entry struct {
	ID         string
	OrderID    string
	Kind       Kind
	Actor      string
	FromStatus string
	ToStatus   string
	Detail     string
	At         time.Time
}

// Store persists audit entries append-only.
type Store interface {
	Append(ctx context.Context, e Entry) error
	ListByOrder(ctx context.Context, orderID string) ([]Entry, error)
}

// Dispatcher receives recorded entries for fire-and-forget delivery to
// the notification side of the platform. Implementations must not block.
type Dispatcher interface {
	Dispatch(e Entry)
}

// NopDispatcher drops all entries.
type NopDispatcher struct{}

func (NopDispatcher) Dispatch(Entry) {}

// ChannelDispatcher forwards entries onto a buffered channel, dropping
// on overflow. Delivery is best-effort: the audit store, not the
// dispatcher, is the system of record.
type ChannelDispatcher struct {
	C  chan Entry
	lg *zap.Logger
}

// NewChannelDispatcher creates a ChannelDispatcher with the given buffer size.
func NewChannelDispatcher(size int, lg *zap.Logger) *ChannelDispatcher {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &ChannelDispatcher{C: make(chan Entry, size), lg: lg}
}

func (d *ChannelDispatcher) Dispatch(e Entry) {
	select {
	case d.C <- e:
	default:
		d.lg.Warn("notification queue full, event dropped",
			zap.String("order_id", e.OrderID),
			zap.String("kind", string(e.Kind)),
		)
	}
}

// Log appends entries to the store and hands them to the dispatcher.
type Log struct {
	store      Store
	dispatcher Dispatcher
	lg         *zap.Logger
}

// NewLog creates a Log. A nil dispatcher defaults to NopDispatcher.
func NewLog(store Store, dispatcher Dispatcher, lg *zap.Logger) *Log {
	if dispatcher == nil {
		dispatcher = NopDispatcher{}
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Log{store: store, dispatcher: dispatcher, lg: lg}
}

// Record appends the entry, assigning its id and timestamp, then
// dispatches it. The append error is returned so callers can guarantee
// the log is written before they report success or failure upstream.
func (l *Log) Record(ctx context.Context, e Entry) error {
	e.ID = uuid.New().String()
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if err := l.store.Append(ctx, e); err != nil {
		return errors.Wrap(err, "append audit entry")
	}
	l.dispatcher.Dispatch(e)
	return nil
}

// ListByOrder returns all entries for one order in append order.
func (l *Log) ListByOrder(ctx context.Context, orderID string) ([]Entry, error) {
	return l.store.ListByOrder(ctx, orderID)
}

// MemoryStore is an in-process Store used in tests and as a fallback
// when no database is configured.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryStore) ListByOrder(_ context.Context, orderID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}
