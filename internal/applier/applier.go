// Package applier is the single consumer of the update queue. For each item
// it re-verifies the change, reads the file, runs its rules and writes the
// result back, then records the new snapshot so the write is not detected
// as a fresh change.
package applier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tripwire/rewriter/internal/journal"
	"github.com/tripwire/rewriter/internal/queue"
	"github.com/tripwire/rewriter/internal/registry"
	"github.com/tripwire/rewriter/internal/retry"
	"github.com/tripwire/rewriter/internal/textfile"
	"github.com/tripwire/rewriter/internal/transform"
)

// Action classifies what Process did with an item.
type Action int

const (
	// Skipped means the file no longer differed from its snapshot.
	Skipped Action = iota
	// Vanished means the file disappeared before it could be read.
	Vanished
	// Inspected means the file was read for the first time.
	Inspected
	// Modified means a known file changed and was processed.
	Modified
	// Failed means reading, transforming or writing failed.
	Failed
)

// String returns the phrase used in logs and the journal.
func (a Action) String() string {
	switch a {
	case Skipped:
		return "skipped"
	case Vanished:
		return "vanished"
	case Inspected:
		return "inspected"
	case Modified:
		return "identified modification to"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome describes one processed item.
type Outcome struct {
	Target *registry.TargetFile
	Method queue.Method
	Action Action
	Before registry.Snapshot
	After  registry.Snapshot
	Counts []transform.RuleCount
	Wrote  bool
	Err    error
}

// Changes returns the total number of replacements.
func (o Outcome) Changes() int {
	n := 0
	for _, c := range o.Counts {
		n += c.Matches
	}
	return n
}

// Recorder persists outcomes. *journal.Journal implements it.
type Recorder interface {
	Record(ctx context.Context, e journal.Entry) error
}

// Option configures an Applier.
type Option func(*Applier)

// WithRetry overrides the read/write retry policy.
func WithRetry(p retry.Policy) Option {
	return func(a *Applier) { a.policy = p }
}

// WithRecorder records every inspected, modified or failed outcome.
func WithRecorder(r Recorder) Option {
	return func(a *Applier) { a.recorder = r }
}

// Applier processes queue items one at a time.
type Applier struct {
	queue    *queue.Queue
	logger   *slog.Logger
	policy   retry.Policy
	recorder Recorder
}

// New returns an Applier consuming q.
func New(q *queue.Queue, logger *slog.Logger, opts ...Option) *Applier {
	a := &Applier{
		queue:  q,
		logger: logger,
		policy: retry.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Run processes items until ctx is cancelled or the queue is closed. Both
// are clean terminations and return nil. A panic while processing one item
// is logged and the loop continues.
func (a *Applier) Run(ctx context.Context) error {
	for {
		item, err := a.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return fmt.Errorf("applier: pop: %w", err)
		}
		a.safeProcess(ctx, item)
	}
}

// Drain processes every item currently queued and returns how many there
// were.
func (a *Applier) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		item, ok := a.queue.TryPop()
		if !ok {
			break
		}
		a.safeProcess(ctx, item)
		n++
	}
	return n
}

func (a *Applier) safeProcess(ctx context.Context, item queue.Item) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("applier: unexpected failure",
				slog.String("path", item.Target.Path),
				slog.Any("error", fmt.Errorf("panic: %v", r)),
			)
		}
	}()
	a.Process(ctx, item)
}

// Process handles a single item and returns what happened.
func (a *Applier) Process(ctx context.Context, item queue.Item) Outcome {
	t := item.Target
	out := Outcome{Target: t, Method: item.Method, Before: t.Observed()}

	// An earlier item for the same file may already have caught up.
	if _, changed := t.Changed(); !changed {
		out.Action = Skipped
		return out
	}

	release := t.Quiesce()
	defer release()

	live := t.Live()
	if !live.Exists {
		out.Action = Vanished
		a.logger.Debug("applier: file vanished before processing", slog.String("path", t.Path))
		return out
	}

	out.Action = Modified
	if !out.Before.Inspected() {
		out.Action = Inspected
	}

	doc, err := retry.Value(ctx, a.policy, func() (textfile.Document, error) {
		return textfile.Read(t.Path)
	})
	if err != nil {
		// The snapshot is left alone so the next detection retries.
		return a.fail(ctx, out, fmt.Errorf("read: %w", err))
	}

	res, err := transform.Apply(doc.Text, t.Rules)
	if err != nil {
		// Retrying unchanged content would time out again.
		t.Record(live)
		out.After = live
		return a.fail(ctx, out, err)
	}
	out.Counts = res.Counts

	if res.Total() > 0 && res.Content != doc.Text {
		err := retry.Do(ctx, a.policy, func() error {
			return textfile.Write(t.Path, res.Content, doc.BOM)
		})
		if err != nil {
			return a.fail(ctx, out, fmt.Errorf("write: %w", err))
		}
		out.Wrote = true
		out.After = t.Refresh()
	} else {
		t.Record(live)
		out.After = live
	}

	a.report(out)
	a.record(ctx, out)
	return out
}

func (a *Applier) fail(ctx context.Context, out Outcome, err error) Outcome {
	out.Action = Failed
	out.Err = err
	if out.After == (registry.Snapshot{}) {
		out.After = out.Target.Observed()
	}
	a.logger.Error("applier: unable to update file",
		slog.String("path", out.Target.Path),
		slog.String("method", out.Method.String()),
		slog.Any("error", err),
	)
	a.record(ctx, out)
	return out
}

func (a *Applier) report(out Outcome) {
	a.logger.Info("applier: "+out.Action.String(),
		slog.String("path", out.Target.Path),
		slog.String("method", out.Method.String()),
		slog.Int("changes", out.Changes()),
		slog.Bool("wrote", out.Wrote),
		slog.Int64("size_before", out.Before.Size),
		slog.Int64("size_after", out.After.Size),
		slog.Time("mtime_before", out.Before.ModTime),
		slog.Time("mtime_after", out.After.ModTime),
	)
	if out.Changes() == 0 {
		return
	}
	for _, c := range out.Counts {
		a.logger.Info("applier: rule applied",
			slog.String("path", out.Target.Path),
			slog.String("rule", c.Rule.String()),
			slog.Int("matches", c.Matches),
		)
	}
}

func (a *Applier) record(ctx context.Context, out Outcome) {
	if a.recorder == nil {
		return
	}

	e := journal.Entry{
		TargetID:   out.Target.ID,
		Path:       out.Target.Path,
		Method:     out.Method.String(),
		Action:     out.Action.String(),
		Changes:    out.Changes(),
		SizeBefore: out.Before.Size,
		SizeAfter:  out.After.Size,
		ModBefore:  out.Before.ModTime,
		ModAfter:   out.After.ModTime,
		Wrote:      out.Wrote,
		RecordedAt: time.Now(),
	}
	for _, c := range out.Counts {
		e.Rules = append(e.Rules, journal.RuleCount{Rule: c.Rule.String(), Matches: c.Matches})
	}
	if out.Err != nil {
		e.Error = out.Err.Error()
	}

	if err := a.recorder.Record(context.WithoutCancel(ctx), e); err != nil {
		a.logger.Warn("applier: unable to record outcome",
			slog.String("path", out.Target.Path),
			slog.Any("error", err),
		)
	}
}
