package order

import (
	"context"
	"sync"
	"testing"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/orderflow/internal/audit"
	"github.com/xenking/orderflow/internal/domain/pricing"
)

// --- Mock implementations ---

type mockOrderRepo struct {
	mu     sync.Mutex
	byID   map[string]*Order
	getErr error
}

func newOrderRepo() *mockOrderRepo {
	return &mockOrderRepo{byID: make(map[string]*Order)}
}

func (m *mockOrderRepo) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.byID[o.ID] = &cp
	return nil
}

func (m *mockOrderRepo) Get(_ context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	o, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *mockOrderRepo) Update(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[o.ID]; !ok {
		return ErrNotFound
	}
	cp := *o
	m.byID[o.ID] = &cp
	return nil
}

func (m *mockOrderRepo) ListByPrincipal(_ context.Context, principal string) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.byID {
		if o.Principal == principal {
			out = append(out, *o)
		}
	}
	return out, nil
}

type mockLedger struct {
	mu        sync.Mutex
	committed []string
	released  []string
}

func (m *mockLedger) Commit(_ context.Context, reservationID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committed = append(m.committed, reservationID)
	return nil
}

func (m *mockLedger) Release(_ context.Context, reservationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, reservationID)
	return nil
}

// blockingRefunder parks RefundForOrder until release is closed, so a
// test can observe what the machine does while a refund is in flight.
type blockingRefunder struct {
	started  chan struct{}
	release  chan struct{}
	orderIDs []string
}

func (b *blockingRefunder) RefundForOrder(_ context.Context, orderID, _ string) error {
	close(b.started)
	<-b.release
	b.orderIDs = append(b.orderIDs, orderID)
	return nil
}

type mockRefunder struct {
	orderIDs []string
	err      error
}

func (m *mockRefunder) RefundForOrder(_ context.Context, orderID, _ string) error {
	if m.err != nil {
		return m.err
	}
	m.orderIDs = append(m.orderIDs, orderID)
	return nil
}

// --- Helpers ---

func testQuote(total string) *pricing.Quote {
	subtotal := decimal.RequireFromString(total)
	return &pricing.Quote{
		Lines: []pricing.LineItem{{
			SKU: "A", Name: "A", Quantity: 1,
			UnitPrice: subtotal, LineTotal: subtotal,
		}},
		Subtotal: subtotal,
		Tax:      decimal.Zero,
		Shipping: decimal.Zero,
		Discount: decimal.Zero,
		Total:    subtotal,
	}
}

type machineEnv struct {
	machine  *Machine
	repo     *mockOrderRepo
	ledger   *mockLedger
	store    *audit.MemoryStore
	refunder *mockRefunder
}

func newMachineEnv(t *testing.T) *machineEnv {
	t.Helper()
	repo := newOrderRepo()
	led := &mockLedger{}
	store := audit.NewMemoryStore()
	refunder := &mockRefunder{}
	m := NewMachine(repo, led, audit.NewLog(store, nil, nil), nil)
	m.BindRefunder(refunder)
	return &machineEnv{machine: m, repo: repo, ledger: led, store: store, refunder: refunder}
}

func (e *machineEnv) create(t *testing.T, reservations ...string) *Order {
	t.Helper()
	o, err := e.machine.Create(context.Background(), CreateParams{
		Principal:      "cust-1",
		Quote:          testQuote("25.00"),
		PaymentMethod:  "card",
		ReservationIDs: reservations,
	})
	require.NoError(t, err)
	return o
}

// --- Tests ---

func TestCreate_EmptyItems(t *testing.T) {
	env := newMachineEnv(t)

	_, err := env.machine.Create(context.Background(), CreateParams{Principal: "c"})
	require.ErrorIs(t, err, ErrEmptyItems)
}

func TestCreate_TotalsMismatch(t *testing.T) {
	env := newMachineEnv(t)

	q := testQuote("100.00")
	q.Tax = decimal.RequireFromString("8.00")
	q.Shipping = decimal.RequireFromString("5.00")
	q.Discount = decimal.RequireFromString("10.00")
	// Total left at 100.00: should be 103.00.
	_, err := env.machine.Create(context.Background(), CreateParams{Principal: "c", Quote: q})

	var tmErr *TotalsMismatchError
	require.ErrorAs(t, err, &tmErr)
	assert.True(t, decimal.RequireFromString("103.00").Equal(tmErr.Want))
}

func TestCreate_StartsPendingUnpaid(t *testing.T) {
	env := newMachineEnv(t)

	o := env.create(t, "res-1")
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, PaymentUnpaid, o.PaymentState)

	entries, err := env.store.ListByOrder(context.Background(), o.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.KindTransition, entries[0].Kind)
}

func TestApply_CaptureConfirmsAndCommits(t *testing.T) {
	env := newMachineEnv(t)
	o := env.create(t, "res-1", "res-2")

	got, err := env.machine.Apply(context.Background(), o.ID, EvPaymentCaptured{AttemptID: "att-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.Equal(t, PaymentCaptured, got.PaymentState)
	assert.ElementsMatch(t, []string{"res-1", "res-2"}, env.ledger.committed)
	assert.Empty(t, env.ledger.released)
}

func TestApply_PaymentFailedReleasesAndStaysPending(t *testing.T) {
	env := newMachineEnv(t)
	o := env.create(t, "res-1")

	got, err := env.machine.Apply(context.Background(), o.ID, EvPaymentFailed{AttemptID: "att-1", Reason: "declined"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, PaymentFailed, got.PaymentState)
	assert.Equal(t, []string{"res-1"}, env.ledger.released)
}

func TestApply_PaymentReference(t *testing.T) {
	env := newMachineEnv(t)
	o := env.create(t)

	got, err := env.machine.Apply(context.Background(), o.ID, EvPaymentReference{AttemptID: "att-1", Ref: "BT-DEADBEEF"})
	require.NoError(t, err)
	assert.Equal(t, "BT-DEADBEEF", got.GatewayRef)
	assert.Equal(t, StatusPending, got.Status)

	// A confirmed order no longer accepts a reference.
	_, err = env.machine.Apply(context.Background(), o.ID, EvPaymentCaptured{AttemptID: "att-1"})
	require.NoError(t, err)
	_, err = env.machine.Apply(context.Background(), o.ID, EvPaymentReference{AttemptID: "att-1", Ref: "BT-OTHER"})
	var itErr *InvalidTransitionError
	require.ErrorAs(t, err, &itErr)
}

func TestApply_CaptureAfterConfirmIsInvalid(t *testing.T) {
	env := newMachineEnv(t)
	o := env.create(t)

	_, err := env.machine.Apply(context.Background(), o.ID, EvPaymentCaptured{AttemptID: "att-1"})
	require.NoError(t, err)

	_, err = env.machine.Apply(context.Background(), o.ID, EvPaymentCaptured{AttemptID: "att-1"})
	var itErr *InvalidTransitionError
	require.ErrorAs(t, err, &itErr)
	assert.Equal(t, StatusConfirmed, itErr.From)
}

func TestApply_AdminAdvanceChain(t *testing.T) {
	env := newMachineEnv(t)
	o := env.create(t)

	_, err := env.machine.Apply(context.Background(), o.ID, EvPaymentCaptured{AttemptID: "att-1"})
	require.NoError(t, err)

	for _, to := range []Status{StatusProcessing, StatusShipped, StatusDelivered} {
		got, err := env.machine.Apply(context.Background(), o.ID, EvAdminAdvance{To: to, Actor: "ops"})
		require.NoError(t, err)
		assert.Equal(t, to, got.Status)
	}
}

func TestApply_AdminAdvanceBackwardsRejected(t *testing.T) {
	env := newMachineEnv(t)
	o := env.create(t)

	_, err := env.machine.Apply(context.Background(), o.ID, EvPaymentCaptured{AttemptID: "att-1"})
	require.NoError(t, err)
	_, err = env.machine.Apply(context.Background(), o.ID, EvAdminAdvance{To: StatusShipped, Actor: "ops"})
	require.NoError(t, err)

	_, err = env.machine.Apply(context.Background(), o.ID, EvAdminAdvance{To: StatusProcessing, Actor: "ops"})
	var itErr *InvalidTransitionError
	require.ErrorAs(t, err, &itErr)
}

func TestApply_AdminAdvanceSetsTrackingRef(t *testing.T) {
	env := newMachineEnv(t)
	o := env.create(t)

	_, err := env.machine.Apply(context.Background(), o.ID, EvPaymentCaptured{AttemptID: "att-1"})
	require.NoError(t, err)

	got, err := env.machine.Apply(context.Background(), o.ID, EvAdminAdvance{To: StatusShipped, TrackingRef: "TRK-9"})
	require.NoError(t, err)
	assert.Equal(t, "TRK-9", got.TrackingRef)
}

func TestCancel_BeforeCapture(t *testing.T) {
	env := newMachineEnv(t)
	o := env.create(t, "res-1")

	got, err := env.machine.Cancel(context.Background(), o.ID, "changed my mind", "cust-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, []string{"res-1"}, env.ledger.released)
	assert.Empty(t, env.refunder.orderIDs)
}

func TestCancel_AfterCaptureRefunds(t *testing.T) {
	env := newMachineEnv(t)
	o := env.create(t, "res-1")

	_, err := env.machine.Apply(context.Background(), o.ID, EvPaymentCaptured{AttemptID: "att-1"})
	require.NoError(t, err)

	got, err := env.machine.Cancel(context.Background(), o.ID, "damaged in transit", "ops")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, got.Status)
	assert.Equal(t, PaymentRefunded, got.PaymentState)
	assert.Equal(t, []string{o.ID}, env.refunder.orderIDs)
}

func TestCancel_RefundRunsOutsideOrderLock(t *testing.T) {
	env := newMachineEnv(t)
	ref := &blockingRefunder{started: make(chan struct{}), release: make(chan struct{})}
	env.machine.BindRefunder(ref)
	o := env.create(t, "res-1")

	_, err := env.machine.Apply(context.Background(), o.ID, EvPaymentCaptured{AttemptID: "att-1"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := env.machine.Cancel(context.Background(), o.ID, "buyer remorse", "cust-1")
		done <- err
	}()
	<-ref.started

	// With the refund still in flight the machine keeps answering for
	// this order; the competing event loses the transition race instead
	// of queueing behind the gateway call.
	_, err = env.machine.Apply(context.Background(), o.ID, EvAdminAdvance{To: StatusShipped, Actor: "ops"})
	var itErr *InvalidTransitionError
	require.ErrorAs(t, err, &itErr)

	close(ref.release)
	require.NoError(t, <-done)

	got, err := env.machine.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, got.Status)
	assert.Equal(t, PaymentRefunded, got.PaymentState)
	assert.Equal(t, []string{"res-1"}, env.ledger.released)
}

func TestCancel_RefundFailureLeavesOrderConfirmed(t *testing.T) {
	env := newMachineEnv(t)
	o := env.create(t, "res-1")

	_, err := env.machine.Apply(context.Background(), o.ID, EvPaymentCaptured{AttemptID: "att-1"})
	require.NoError(t, err)

	env.refunder.err = errors.New("gateway down")
	_, err = env.machine.Cancel(context.Background(), o.ID, "damaged", "ops")
	require.Error(t, err)

	got, err := env.machine.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.Equal(t, PaymentCaptured, got.PaymentState)

	// The failed cancel leaves no stale in-flight mark behind; a retry
	// after the gateway recovers goes through.
	env.refunder.err = nil
	cancelled, err := env.machine.Cancel(context.Background(), o.ID, "damaged", "ops")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, cancelled.Status)
}

func TestCancel_AfterShipRejected(t *testing.T) {
	env := newMachineEnv(t)
	o := env.create(t)

	_, err := env.machine.Apply(context.Background(), o.ID, EvPaymentCaptured{AttemptID: "att-1"})
	require.NoError(t, err)
	_, err = env.machine.Apply(context.Background(), o.ID, EvAdminAdvance{To: StatusShipped})
	require.NoError(t, err)

	_, err = env.machine.Cancel(context.Background(), o.ID, "too late", "cust-1")
	var itErr *InvalidTransitionError
	require.ErrorAs(t, err, &itErr)
	assert.Equal(t, StatusShipped, itErr.From)
}

func TestApply_HistoryRecordsEveryTransition(t *testing.T) {
	env := newMachineEnv(t)
	o := env.create(t)

	_, err := env.machine.Apply(context.Background(), o.ID, EvPaymentAuthorized{AttemptID: "att-1"})
	require.NoError(t, err)
	_, err = env.machine.Apply(context.Background(), o.ID, EvPaymentCaptured{AttemptID: "att-1"})
	require.NoError(t, err)

	got, err := env.machine.Get(context.Background(), o.ID)
	require.NoError(t, err)
	require.Len(t, got.History, 2)
	assert.Equal(t, StatusPending, got.History[0].From)
	assert.Equal(t, StatusPending, got.History[0].To)
	assert.Equal(t, StatusConfirmed, got.History[1].To)
}

func TestApply_ConcurrentEventsOneWinner(t *testing.T) {
	env := newMachineEnv(t)
	o := env.create(t, "res-1")

	// A capture and a cancel race; whichever loses must get a clean
	// InvalidTransitionError, never a half-applied order.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = env.machine.Apply(context.Background(), o.ID, EvPaymentCaptured{AttemptID: "att-1"})
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = env.machine.Cancel(context.Background(), o.ID, "race", "cust-1")
	}()
	wg.Wait()

	got, err := env.machine.Get(context.Background(), o.ID)
	require.NoError(t, err)

	// Cancel after capture refunds, so three outcomes are legal. What is
	// not legal is both calls failing or a torn state.
	switch got.Status {
	case StatusConfirmed:
		require.NoError(t, errs[0])
		require.Error(t, errs[1])
	case StatusCancelled:
		require.NoError(t, errs[1])
		require.Error(t, errs[0])
	case StatusRefunded:
		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
	default:
		t.Fatalf("unexpected final status %s", got.Status)
	}
}
