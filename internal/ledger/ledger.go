// Package ledger implements the reservation ledger: time-bounded stock
// holds keyed by (SKU, reservation id) with commit/release semantics.
//
// Availability accounting is in-process. Each SKU gets its own slot with
// its own mutex, so contention between checkouts is scoped to the SKUs
// they actually share. Reservation status changes are compare-and-swap
// under the owning slot's lock: a racing commit and expiry sweep resolve
// deterministically, whichever wins sets the terminal status and the
// loser becomes a no-op.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTTL is the checkout-abandonment window a hold survives without
// being committed or released.
const DefaultTTL = 15 * time.Minute

// terminalRetention is how long a committed or released hold stays
// queryable past its expiry before the sweep prunes it. Within the
// window a late duplicate Commit or Release is still a no-op instead of
// an unknown-reservation error.
const terminalRetention = DefaultTTL

// Status is the lifecycle state of a single reservation.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusCommitted Status = "COMMITTED"
	StatusReleased  Status = "RELEASED"
)

// ErrUnknownReservation is returned for a reservation id the ledger has
// never issued.
var ErrUnknownReservation = errors.New("unknown reservation")

// ErrUnknownSKU is returned when reserving against a SKU the ledger does
// not track.
var ErrUnknownSKU = errors.New("unknown sku")

// InsufficientStockError indicates a reserve request exceeds the SKU's
// currently available quantity.
type InsufficientStockError struct {
	SKU       string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for sku %s: requested %d, available %d", e.SKU, e.Requested, e.Available)
}

// Reservation is a hold on stock for one checkout attempt.
type Reservation struct {
	ID        string
	SKU       string
	Quantity  int
	OrderID   string
	Status    Status
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Store receives write-through copies of reservation state for
// durability. The in-memory ledger remains authoritative for
// availability; the store only ever sees terminal outcomes the ledger
// already decided.
type Store interface {
	SaveReservation(ctx context.Context, r *Reservation) error
	UpdateReservationStatus(ctx context.Context, id string, status Status, orderID string) error
}

// NopStore discards all writes. Used when durability is not required.
type NopStore struct{}

func (NopStore) SaveReservation(context.Context, *Reservation) error { return nil }
func (NopStore) UpdateReservationStatus(context.Context, string, Status, string) error {
	return nil
}

// slot holds the per-SKU counters. All fields are guarded by mu, which
// is held only for short in-process critical sections.
type slot struct {
	mu        sync.Mutex
	stock     int // total units ever stocked, minus nothing
	committed int // units permanently sold
	held      int // units in active reservations
	holds     map[string]*Reservation
}

func (s *slot) available() int {
	return s.stock - s.committed - s.held
}

// Ledger tracks stock levels and reservations for all SKUs.
type Ledger struct {
	mu    sync.RWMutex // guards the slots and index maps, never held across slot work
	slots map[string]*slot
	index map[string]string // reservation id -> sku

	store Store
	lg    *zap.Logger
}

// New creates an empty Ledger writing through to store. A nil store
// defaults to NopStore.
func New(store Store, lg *zap.Logger) *Ledger {
	if store == nil {
		store = NopStore{}
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Ledger{
		slots: make(map[string]*slot),
		index: make(map[string]string),
		store: store,
		lg:    lg,
	}
}

// SetStock sets the total stock level for a SKU, creating its slot if
// needed. Committed sales and active holds are preserved.
func (l *Ledger) SetStock(sku string, total int) {
	s := l.slotFor(sku, true)
	s.mu.Lock()
	s.stock = total
	s.mu.Unlock()
}

// Load restores a SKU's durable counters at startup. Holds are not
// restored; abandoned ones from a previous process are already expired.
func (l *Ledger) Load(sku string, total, committed int) {
	s := l.slotFor(sku, true)
	s.mu.Lock()
	s.stock = total
	s.committed = committed
	s.mu.Unlock()
}

// Available returns the currently reservable quantity for a SKU.
func (l *Ledger) Available(sku string) int {
	s := l.slotFor(sku, false)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available()
}

// Committed returns the permanently sold quantity for a SKU.
func (l *Ledger) Committed(sku string) int {
	s := l.slotFor(sku, false)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

// Reserve places a hold of quantity units on sku for ttl. A non-positive
// ttl falls back to DefaultTTL. It fails with InsufficientStockError when
// available stock is short, where available = stock - committed - held.
func (l *Ledger) Reserve(ctx context.Context, sku string, quantity int, ttl time.Duration) (string, error) {
	if quantity <= 0 {
		return "", errors.Errorf("reserve quantity must be positive, got %d", quantity)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s := l.slotFor(sku, false)
	if s == nil {
		return "", errors.Wrapf(ErrUnknownSKU, "sku %s", sku)
	}

	now := time.Now()
	r := &Reservation{
		ID:        uuid.New().String(),
		SKU:       sku,
		Quantity:  quantity,
		Status:    StatusActive,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}

	s.mu.Lock()
	if avail := s.available(); avail < quantity {
		s.mu.Unlock()
		return "", &InsufficientStockError{SKU: sku, Requested: quantity, Available: avail}
	}
	s.held += quantity
	s.holds[r.ID] = r
	s.mu.Unlock()

	l.mu.Lock()
	l.index[r.ID] = sku
	l.mu.Unlock()

	if err := l.store.SaveReservation(ctx, r); err != nil {
		// Durability write failed; roll the hold back rather than let the
		// in-memory and stored views diverge.
		l.transition(ctx, r.ID, StatusReleased, "")
		return "", errors.Wrap(err, "persist reservation")
	}
	return r.ID, nil
}

// Commit converts an active hold into a permanent stock decrement and
// attaches it to orderID. Idempotent: committing an already-committed
// reservation is a no-op, as is committing one the sweep already
// released (the racing loser must not double-decrement).
func (l *Ledger) Commit(ctx context.Context, reservationID, orderID string) error {
	return l.transition(ctx, reservationID, StatusCommitted, orderID)
}

// Release returns a hold to the available pool. Idempotent and safe to
// call on an already-committed or already-released reservation.
func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	return l.transition(ctx, reservationID, StatusReleased, "")
}

// Get returns a copy of the reservation's current state.
func (l *Ledger) Get(reservationID string) (Reservation, error) {
	s, r := l.lookup(reservationID)
	if r == nil {
		return Reservation{}, ErrUnknownReservation
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return *r, nil
}

// transition moves a reservation to a terminal status. The CAS on
// r.Status under the slot lock is what makes commit/release/sweep races
// resolve to exactly one winner.
func (l *Ledger) transition(ctx context.Context, reservationID string, to Status, orderID string) error {
	s, r := l.lookup(reservationID)
	if r == nil {
		return errors.Wrapf(ErrUnknownReservation, "reservation %s", reservationID)
	}

	s.mu.Lock()
	if r.Status != StatusActive {
		// Already terminal; the first transition won.
		s.mu.Unlock()
		return nil
	}
	r.Status = to
	r.OrderID = orderID
	s.held -= r.Quantity
	if to == StatusCommitted {
		s.committed += r.Quantity
	}
	s.mu.Unlock()

	if err := l.store.UpdateReservationStatus(ctx, reservationID, to, orderID); err != nil {
		// In-memory state already advanced; surface the durability failure
		// but do not undo the decision.
		return errors.Wrapf(err, "persist reservation %s status", reservationID)
	}
	return nil
}

// Sweep releases every active reservation whose expiry is at or before
// now, and returns how many were released. It also prunes terminal
// holds past their retention window so the hold maps stay bounded in a
// long-running server. Safe to run concurrently with Commit and Release.
func (l *Ledger) Sweep(ctx context.Context, now time.Time) int {
	l.mu.RLock()
	slots := make([]*slot, 0, len(l.slots))
	for _, s := range l.slots {
		slots = append(slots, s)
	}
	l.mu.RUnlock()

	released := 0
	var pruned []string
	for _, s := range slots {
		var expired []string
		s.mu.Lock()
		for id, r := range s.holds {
			switch {
			case r.Status == StatusActive && !r.ExpiresAt.After(now):
				expired = append(expired, id)
			case r.Status != StatusActive && now.Sub(r.ExpiresAt) >= terminalRetention:
				delete(s.holds, id)
				pruned = append(pruned, id)
			}
		}
		s.mu.Unlock()

		for _, id := range expired {
			if err := l.Release(ctx, id); err != nil {
				l.lg.Warn("sweep release failed",
					zap.String("reservation_id", id),
					zap.Error(err),
				)
				continue
			}
			released++
		}
	}

	if len(pruned) > 0 {
		l.mu.Lock()
		for _, id := range pruned {
			delete(l.index, id)
		}
		l.mu.Unlock()
	}

	if released > 0 || len(pruned) > 0 {
		l.lg.Info("reservation sweep",
			zap.Int("released", released),
			zap.Int("pruned", len(pruned)),
		)
	}
	return released
}

// RunSweeper runs the expiry sweep every interval until ctx is cancelled.
func (l *Ledger) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.Sweep(ctx, now)
		}
	}
}

func (l *Ledger) slotFor(sku string, create bool) *slot {
	l.mu.RLock()
	s, ok := l.slots[sku]
	l.mu.RUnlock()
	if ok || !create {
		return s
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok = l.slots[sku]; ok {
		return s
	}
	s = &slot{holds: make(map[string]*Reservation)}
	l.slots[sku] = s
	return s
}

func (l *Ledger) lookup(reservationID string) (*slot, *Reservation) {
	l.mu.RLock()
	sku, ok := l.index[reservationID]
	var s *slot
	if ok {
		s = l.slots[sku]
	}
	l.mu.RUnlock()
	if s == nil {
		return nil, nil
	}

	s.mu.Lock()
	r := s.holds[reservationID]
	s.mu.Unlock()
	if r == nil {
		return nil, nil
	}
	return s, r
}
