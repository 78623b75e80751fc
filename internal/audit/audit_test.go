package audit

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAssignsIdentityAndDispatches(t *testing.T) {
	store := NewMemoryStore()
	dispatcher := NewChannelDispatcher(4, nil)
	log := NewLog(store, dispatcher, nil)

	err := log.Record(context.Background(), Entry{
		OrderID:  "ord-1",
		Kind:     KindTransition,
		Actor:    "system",
		ToStatus: "PENDING",
	})
	require.NoError(t, err)

	entries, err := log.ListByOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].ID)
	assert.False(t, entries[0].At.IsZero())

	select {
	case e := <-dispatcher.C:
		assert.Equal(t, entries[0].ID, e.ID)
	default:
		t.Fatal("entry was not dispatched")
	}
}

type failingStore struct{}

func (failingStore) Append(context.Context, Entry) error {
	return errors.New("disk full")
}

func (failingStore) ListByOrder(context.Context, string) ([]Entry, error) {
	return nil, nil
}

func TestRecordReturnsAppendError(t *testing.T) {
	dispatcher := NewChannelDispatcher(4, nil)
	log := NewLog(failingStore{}, dispatcher, nil)

	err := log.Record(context.Background(), Entry{OrderID: "ord-1", Kind: KindPayment})
	require.Error(t, err)

	// A failed append must not notify anyone.
	select {
	case <-dispatcher.C:
		t.Fatal("dispatched despite append failure")
	default:
	}
}

func TestChannelDispatcherDropsOnOverflow(t *testing.T) {
	d := NewChannelDispatcher(1, nil)

	d.Dispatch(Entry{OrderID: "ord-1"})
	d.Dispatch(Entry{OrderID: "ord-2"}) // buffer full, dropped

	e := <-d.C
	assert.Equal(t, "ord-1", e.OrderID)
	select {
	case <-d.C:
		t.Fatal("overflow entry should have been dropped")
	default:
	}
}

func TestListByOrderFiltersAndPreservesOrder(t *testing.T) {
	store := NewMemoryStore()
	log := NewLog(store, nil, nil)

	ctx := context.Background()
	require.NoError(t, log.Record(ctx, Entry{OrderID: "ord-1", Kind: KindTransition, ToStatus: "PENDING"}))
	require.NoError(t, log.Record(ctx, Entry{OrderID: "ord-2", Kind: KindTransition, ToStatus: "PENDING"}))
	require.NoError(t, log.Record(ctx, Entry{OrderID: "ord-1", Kind: KindPayment, Detail: "payment captured"}))

	entries, err := log.ListByOrder(ctx, "ord-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, KindTransition, entries[0].Kind)
	assert.Equal(t, KindPayment, entries[1].Kind)
}
