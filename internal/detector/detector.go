// Package detector turns the two change signals (the periodic scan and
// file-system notifications) into queue items. Both paths use the same test:
// a file has changed iff it exists and its size or modification time differs
// from the last observed snapshot.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tripwire/rewriter/internal/queue"
	"github.com/tripwire/rewriter/internal/registry"
	"github.com/tripwire/rewriter/internal/watcher"
)

// MinInterval is the smallest accepted poll interval.
const MinInterval = time.Second

// Detector feeds the update queue.
type Detector struct {
	registry *registry.Registry
	queue    *queue.Queue
	logger   *slog.Logger

	interval atomic.Int64
}

// New returns a Detector polling every interval (clamped to MinInterval).
func New(reg *registry.Registry, q *queue.Queue, logger *slog.Logger, interval time.Duration) *Detector {
	d := &Detector{registry: reg, queue: q, logger: logger}
	d.SetInterval(interval)
	return d
}

// SetInterval changes the poll interval. It takes effect after the current
// wait.
func (d *Detector) SetInterval(interval time.Duration) {
	if interval < MinInterval {
		interval = MinInterval
	}
	d.interval.Store(int64(interval))
}

// Interval returns the current poll interval.
func (d *Detector) Interval() time.Duration {
	return time.Duration(d.interval.Load())
}

// Check enqueues t when it has changed and reports whether it did. An
// unwatched target whose directory now exists is subscribed on the way.
func (d *Detector) Check(t *registry.TargetFile, method queue.Method) bool {
	if !t.Valid {
		return false
	}
	if !t.Watching() {
		d.registry.TryWatch(t)
	}

	if _, changed := t.Changed(); !changed {
		return false
	}

	if err := d.queue.Push(queue.Item{Target: t, Method: method}); err != nil {
		d.logger.Debug("detector: dropping item", slog.String("path", t.Path), slog.Any("error", err))
		return false
	}
	return true
}

// PollOnce checks every target once and returns the number of items queued.
func (d *Detector) PollOnce() int {
	n := 0
	d.registry.Each(func(t *registry.TargetFile) {
		if d.Check(t, queue.Poll) {
			n++
		}
	})
	return n
}

// RunPolling scans the registry every interval until ctx is cancelled. The
// first scan happens immediately. It returns nil on cancellation.
func (d *Detector) RunPolling(ctx context.Context) error {
	for {
		guard(d.logger, "poll", func() { d.PollOnce() })

		timer := time.NewTimer(d.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// RunNotifications turns notifications into queue items until ctx is
// cancelled or events is closed. Notifications whose key is not in the
// current registry (stale after a rebuild) are ignored, as are those for
// targets the applier is writing.
func (d *Detector) RunNotifications(ctx context.Context, events <-chan watcher.Notification) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case nt, ok := <-events:
			if !ok {
				return nil
			}
			guard(d.logger, "notification", func() { d.handle(nt) })
		}
	}
}

func (d *Detector) handle(nt watcher.Notification) {
	t, ok := d.registry.Lookup(nt.Key)
	if !ok || t.Suppressed() {
		return
	}
	if d.Check(t, queue.Notification) {
		d.logger.Debug("detector: change notified",
			slog.String("path", nt.Path),
			slog.String("event", nt.Type.String()),
		)
	}
}

// guard runs fn and logs instead of propagating a panic.
func guard(logger *slog.Logger, loop string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("detector: unexpected failure",
				slog.String("loop", loop),
				slog.Any("error", fmt.Errorf("panic: %v", r)),
			)
		}
	}()
	fn()
}
