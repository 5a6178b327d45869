package notify_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dsi-insa-strasbourg/hermes-go/pkg/notify"
)

type recordingSink struct {
	mu   sync.Mutex
	seen []notify.Notification
}

func (r *recordingSink) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, n)
	return nil
}

func (r *recordingSink) classes() []notify.Class {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Class, len(r.seen))
	for i, n := range r.seen {
		out[i] = n.Class
	}
	return out
}

func TestNotifierDatamodelWarningClearsOnlyOnce(t *testing.T) {
	sink := &recordingSink{}
	n := notify.NewNotifier(sink)
	ctx := context.Background()

	n.ClearDatamodelWarnings(ctx, "User")
	require.Empty(t, sink.classes())

	n.DatamodelWarning(ctx, "User", "attribute set changed")
	n.ClearDatamodelWarnings(ctx, "User")
	n.ClearDatamodelWarnings(ctx, "User")

	require.Equal(t, []notify.Class{notify.DatamodelWarning, notify.NoMoreDatamodelWarning}, sink.classes())
}

func TestNotifierQueueChangedFiresDrainedOnceOnTransitionToEmpty(t *testing.T) {
	sink := &recordingSink{}
	n := notify.NewNotifier(sink)
	ctx := context.Background()

	n.ErrorQueueChanged(ctx, "User", false)
	n.ErrorQueueChanged(ctx, "User", false)
	n.ErrorQueueChanged(ctx, "User", true)
	n.ErrorQueueChanged(ctx, "User", true)

	require.Equal(t, []notify.Class{notify.QueueChanged, notify.QueueChanged, notify.QueueDrained}, sink.classes())
}

func TestPlainStripsAnsiCodes(t *testing.T) {
	colored := "\x1b[33mwarning\x1b[0m"
	require.Equal(t, "warning", notify.Plain(colored))
}

func TestUnifiedDiffEmptyWhenIdentical(t *testing.T) {
	diff := notify.UnifiedDiff("User", []string{"login", "fullname"}, []string{"login", "fullname"})
	require.Empty(t, diff)
}

func TestUnifiedDiffNonEmptyOnChange(t *testing.T) {
	diff := notify.UnifiedDiff("User", []string{"login", "fullname"}, []string{"login"})
	require.NotEmpty(t, diff)
}
