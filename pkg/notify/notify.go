// Package notify implements the three (plus one clearing) operator
// notification classes of spec §7: datamodel warnings, error-queue churn,
// error-queue drained, and datamodel-warnings-cleared — each emitted and
// cleared idempotently.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/acarl005/stripansi"
	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
)

// Class identifies one notification kind.
type Class string

const (
	DatamodelWarning       Class = "datamodel_warning"
	NoMoreDatamodelWarning Class = "no_more_datamodel_warning"
	QueueChanged           Class = "error_queue_changed"
	QueueDrained           Class = "no_more_error_queue"
)

// Notification is one emitted event, carrying the subject/context and last
// error message a human needs to act on it.
type Notification struct {
	Class   Class
	Subject string
	Message string
}

// Sink receives notifications. Console is the only implementation carried
// here; a Mailer (SMTP delivery) is explicitly out of scope (spec §1) but
// plugs in at this same interface — it would render Notification.Message
// through Plain() to strip the console's ANSI coloring before composing a
// mail body.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// Plain strips ANSI color codes from a message, for sinks (log files,
// mail) that must not carry terminal escape sequences.
func Plain(msg string) string { return stripansi.Strip(msg) }

// Console is a colored-console Sink, mirroring the teacher's cprint
// create/update/delete color convention: warnings in yellow, clears in
// green, queue churn in cyan.
type Console struct {
	mu sync.Mutex
}

func NewConsole() *Console { return &Console{} }

func (c *Console) Notify(_ context.Context, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var printer func(format string, a ...any)
	switch n.Class {
	case DatamodelWarning:
		printer = color.New(color.FgYellow).PrintfFunc()
	case NoMoreDatamodelWarning, QueueDrained:
		printer = color.New(color.FgGreen).PrintfFunc()
	case QueueChanged:
		printer = color.New(color.FgCyan).PrintfFunc()
	default:
		printer = color.New(color.FgWhite).PrintfFunc()
	}
	printer("[%s] %s: %s\n", n.Class, n.Subject, n.Message)
	return nil
}

// UnifiedDiff renders a unified diff between two newline-joined attribute
// lists, used to make a datamodel-warning message concretely actionable
// (e.g. "attribute set of User changed").
func UnifiedDiff(label string, before, after []string) string {
	beforeText := strings.Join(before, "\n") + "\n"
	afterText := strings.Join(after, "\n") + "\n"
	if beforeText == afterText {
		return ""
	}
	edits := myers.ComputeEdits(span.URIFromPath(label+".before"), beforeText, afterText)
	udiff := gotextdiff.ToUnified(label+".before", label+".after", beforeText, edits)
	return fmt.Sprint(udiff)
}

// Notifier tracks the sticky state needed to emit the clearing classes
// idempotently (spec §8 property 7): DatamodelWarning/QueueChanged fire on
// every call (they report each new piece of churn), but their "cleared"
// counterparts fire at most once per active-to-cleared transition.
type Notifier struct {
	mu             sync.Mutex
	sinks          []Sink
	warningsActive bool
	queueHasOpen   bool
}

func NewNotifier(sinks ...Sink) *Notifier {
	return &Notifier{sinks: sinks}
}

func (n *Notifier) emit(ctx context.Context, note Notification) {
	for _, s := range n.sinks {
		_ = s.Notify(ctx, note)
	}
}

// DatamodelWarning reports schema drift (attribute set or mapping change).
func (n *Notifier) DatamodelWarning(ctx context.Context, subject, message string) {
	n.mu.Lock()
	n.warningsActive = true
	n.mu.Unlock()
	n.emit(ctx, Notification{Class: DatamodelWarning, Subject: subject, Message: message})
}

// ClearDatamodelWarnings emits NoMoreDatamodelWarning only if a warning was
// previously active; calling it again before a new warning is a no-op.
func (n *Notifier) ClearDatamodelWarnings(ctx context.Context, subject string) {
	n.mu.Lock()
	wasActive := n.warningsActive
	n.warningsActive = false
	n.mu.Unlock()
	if wasActive {
		n.emit(ctx, Notification{Class: NoMoreDatamodelWarning, Subject: subject, Message: "datamodel warnings cleared"})
	}
}

// ErrorQueueChanged reports error-queue churn. nowEmpty indicates whether
// the queue is empty after this change: the first time it transitions to
// empty, QueueDrained fires once; while non-empty, every call fires
// QueueChanged.
func (n *Notifier) ErrorQueueChanged(ctx context.Context, subject string, nowEmpty bool) {
	n.mu.Lock()
	hadOpen := n.queueHasOpen
	n.queueHasOpen = !nowEmpty
	n.mu.Unlock()

	if nowEmpty {
		if hadOpen {
			n.emit(ctx, Notification{Class: QueueDrained, Subject: subject, Message: "error queue drained"})
		}
		return
	}
	n.emit(ctx, Notification{Class: QueueChanged, Subject: subject, Message: "error queue contents changed"})
}
