package audit_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/txndispatch/audit"
	"github.com/hrygo/txndispatch/dispatch"
)

func newTestSQLiteStore(t *testing.T) *audit.SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := audit.NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_RecordsCompletion(t *testing.T) {
	store := newTestSQLiteStore(t)
	key := dispatch.RoutingKey{Family: "test1", Version: "1.0"}
	record := audit.CompletionRecord{
		ContextID:    uuid.New(),
		Outcome:      dispatch.Invalid,
		ErrorMessage: "rejected",
		ObservedAt:   time.Now().UTC(),
	}

	err := store.Record(context.Background(), key, record)
	assert.NoError(t, err)
}

// recordingStore captures every Record call for assertions, without
// touching a real database.
type recordingStore struct {
	calls []struct {
		key    dispatch.RoutingKey
		record audit.CompletionRecord
	}
}

func (s *recordingStore) Record(ctx context.Context, key dispatch.RoutingKey, record audit.CompletionRecord) error {
	s.calls = append(s.calls, struct {
		key    dispatch.RoutingKey
		record audit.CompletionRecord
	}{key, record})
	return nil
}

// passthroughNotifier records what it was asked to forward.
type passthroughNotifier struct {
	got []dispatch.CompletionNotification
}

func (n *passthroughNotifier) Notify(c dispatch.CompletionNotification) {
	n.got = append(n.got, c)
}

func TestWrap_RecordsThenForwards(t *testing.T) {
	store := &recordingStore{}
	inner := &passthroughNotifier{}
	key := dispatch.RoutingKey{Family: "test1", Version: "1.0"}

	notifier := audit.Wrap(inner, store, audit.WithRoutingKey(key))

	n := dispatch.CompletionNotification{ContextID: uuid.New(), Outcome: dispatch.Valid}
	notifier.Notify(n)

	require.Len(t, store.calls, 1)
	assert.Equal(t, key, store.calls[0].key)
	assert.Equal(t, n.ContextID, store.calls[0].record.ContextID)

	require.Len(t, inner.got, 1)
	assert.Equal(t, n, inner.got[0])
}

// failingStore always errors, to verify Wrap never lets a Store failure
// suppress delivery to the wrapped Notifier.
type failingStore struct{}

func (failingStore) Record(ctx context.Context, key dispatch.RoutingKey, record audit.CompletionRecord) error {
	return assert.AnError
}

func TestWrap_StoreFailureDoesNotBlockForwarding(t *testing.T) {
	inner := &passthroughNotifier{}
	notifier := audit.Wrap(inner, failingStore{})

	notifier.Notify(dispatch.CompletionNotification{ContextID: uuid.New(), Outcome: dispatch.Valid})

	assert.Len(t, inner.got, 1)
}
