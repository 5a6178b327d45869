package errqueue_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dsi-insa-strasbourg/hermes-go/pkg/errqueue"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/event"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/notify"
)

func openQueue(t *testing.T, policy errqueue.Policy) *errqueue.Queue {
	t.Helper()
	q, err := errqueue.Open(filepath.Join(t.TempDir(), "errqueue.sqlite"), policy, notify.NewNotifier())
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func addedEvent(login string, num int64) event.Event {
	return event.Event{Num: num, Type: event.Added, ObjType: "User", ObjPKey: login, ObjAttrs: map[string]any{"login": login}}
}

func removedEvent(login string, num int64) event.Event {
	return event.Event{Num: num, Type: event.Removed, ObjType: "User", ObjPKey: login}
}

func TestQueueEnqueueThenGet(t *testing.T) {
	q := openQueue(t, errqueue.Conservative)
	ctx := context.Background()

	ev := addedEvent("jdoe", 1)
	require.NoError(t, q.Enqueue(ctx, "User", "jdoe", ev, ev, "handler failed", false))

	e, ok := q.Get("User", "jdoe", errqueue.KindAdd)
	require.True(t, ok)
	require.Equal(t, errqueue.KindAdd, e.Kind)
	require.Equal(t, "handler failed", e.ErrMsg)
	require.Equal(t, 1, q.Len())
}

func TestQueueMarkSucceededRemovesEntry(t *testing.T) {
	q := openQueue(t, errqueue.Conservative)
	ctx := context.Background()

	ev := addedEvent("jdoe", 1)
	require.NoError(t, q.Enqueue(ctx, "User", "jdoe", ev, ev, "boom", false))
	require.Equal(t, 1, q.Len())

	require.NoError(t, q.MarkSucceeded(ctx, "User", "jdoe", errqueue.KindAdd))
	require.Equal(t, 0, q.Len())
	_, ok := q.Get("User", "jdoe", errqueue.KindAdd)
	require.False(t, ok)
}

func TestQueueAddThenRemoveCancelsUnderMaximumPolicy(t *testing.T) {
	q := openQueue(t, errqueue.Maximum)
	ctx := context.Background()

	add := addedEvent("jdoe", 1)
	require.NoError(t, q.Enqueue(ctx, "User", "jdoe", add, add, "add failed", false))

	rem := removedEvent("jdoe", 2)
	require.NoError(t, q.Enqueue(ctx, "User", "jdoe", rem, rem, "remove failed", false))

	_, addOK := q.Get("User", "jdoe", errqueue.KindAdd)
	require.False(t, addOK)
	_, remOK := q.Get("User", "jdoe", errqueue.KindRem)
	require.False(t, remOK)
	require.Equal(t, 0, q.Len())
}

// TestQueueAddThenRemoveKeepsBothUnderConservativePolicy covers S5: under
// a non-Maximum policy the Add/Rem cancellation never fires, so both the
// original failed-Add entry and the new failed-Rem entry are retained as
// independent bucket entries, each preserving its own evNumber.
func TestQueueAddThenRemoveKeepsBothUnderConservativePolicy(t *testing.T) {
	q := openQueue(t, errqueue.Conservative)
	ctx := context.Background()

	add := addedEvent("jdoe", 1)
	require.NoError(t, q.Enqueue(ctx, "User", "jdoe", add, add, "add failed", false))

	rem := removedEvent("jdoe", 2)
	require.NoError(t, q.Enqueue(ctx, "User", "jdoe", rem, rem, "remove failed", false))

	addEntry, addOK := q.Get("User", "jdoe", errqueue.KindAdd)
	require.True(t, addOK)
	require.EqualValues(t, 1, addEntry.EvNumber)

	remEntry, remOK := q.Get("User", "jdoe", errqueue.KindRem)
	require.True(t, remOK)
	require.EqualValues(t, 2, remEntry.EvNumber)
	require.Equal(t, 2, q.Len())
}

// TestQueuePartiallyProcessedAddSurvivesRemoveUnderMaximumPolicy covers
// S5's partial-processing branch: even under Maximum, a partially
// processed Add is never discarded by a later Rem — it is kept
// untouched and the Rem is appended as a separate entry so a later
// retry can undo the partial add before applying the removal.
func TestQueuePartiallyProcessedAddSurvivesRemoveUnderMaximumPolicy(t *testing.T) {
	q := openQueue(t, errqueue.Maximum)
	ctx := context.Background()

	add := addedEvent("jdoe", 1)
	require.NoError(t, q.Enqueue(ctx, "User", "jdoe", add, add, "add partially failed", true))

	rem := removedEvent("jdoe", 2)
	require.NoError(t, q.Enqueue(ctx, "User", "jdoe", rem, rem, "remove failed", false))

	addEntry, addOK := q.Get("User", "jdoe", errqueue.KindAdd)
	require.True(t, addOK)
	require.True(t, addEntry.IsPartiallyProcessed)
	require.EqualValues(t, 1, addEntry.EvNumber)

	remEntry, remOK := q.Get("User", "jdoe", errqueue.KindRem)
	require.True(t, remOK)
	require.EqualValues(t, 2, remEntry.EvNumber)
	require.Equal(t, 2, q.Len())
}

func TestQueueRestoreFromDiskAfterReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "errqueue.sqlite")
	notifier := notify.NewNotifier()

	q1, err := errqueue.Open(path, errqueue.Conservative, notifier)
	require.NoError(t, err)
	ev := addedEvent("jdoe", 1)
	require.NoError(t, q1.Enqueue(context.Background(), "User", "jdoe", ev, ev, "boom", false))
	require.NoError(t, q1.Close())

	q2, err := errqueue.Open(path, errqueue.Conservative, notifier)
	require.NoError(t, err)
	t.Cleanup(func() { q2.Close() })

	e, ok := q2.Get("User", "jdoe", errqueue.KindAdd)
	require.True(t, ok)
	require.Equal(t, "boom", e.ErrMsg)
}

func TestQueueMutateAppliesAndPersists(t *testing.T) {
	q := openQueue(t, errqueue.Conservative)
	ctx := context.Background()
	ev := addedEvent("jdoe", 1)
	require.NoError(t, q.Enqueue(ctx, "User", "jdoe", ev, ev, "boom", false))

	require.NoError(t, q.Mutate("User", "jdoe", errqueue.KindAdd, func(e *errqueue.Entry) {
		e.ErrMsg = "operator edited"
	}))

	e, ok := q.Get("User", "jdoe", errqueue.KindAdd)
	require.True(t, ok)
	require.Equal(t, "operator edited", e.ErrMsg)
}

func TestQueueDrainRetriesInEvNumberOrderAndMarksSucceeded(t *testing.T) {
	q := openQueue(t, errqueue.Conservative)
	ctx := context.Background()

	first := addedEvent("jdoe", 1)
	require.NoError(t, q.Enqueue(ctx, "User", "jdoe", first, first, "boom", false))
	second := addedEvent("bwayne", 2)
	require.NoError(t, q.Enqueue(ctx, "User", "bwayne", second, second, "boom", false))

	var seen []string
	require.NoError(t, q.Drain(ctx, time.Millisecond, func(_ context.Context, e *errqueue.Entry) error {
		seen = append(seen, fmt.Sprint(e.ObjPKey))
		return nil
	}))

	require.Equal(t, []string{"jdoe", "bwayne"}, seen)
	require.Equal(t, 0, q.Len())
}

func TestQueueDrainReQueuesOnPersistentFailure(t *testing.T) {
	q := openQueue(t, errqueue.Conservative)
	ctx := context.Background()

	ev := addedEvent("jdoe", 1)
	require.NoError(t, q.Enqueue(ctx, "User", "jdoe", ev, ev, "boom", false))

	require.NoError(t, q.Drain(ctx, time.Millisecond, func(_ context.Context, e *errqueue.Entry) error {
		return errors.New("handler still failing")
	}))

	e, ok := q.Get("User", "jdoe", errqueue.KindAdd)
	require.True(t, ok)
	require.Equal(t, errqueue.StateQueued, e.State)
	require.Equal(t, "handler still failing", e.ErrMsg)
	require.Equal(t, 1, e.RetryCount)
}
