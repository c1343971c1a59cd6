// Package agent contains the rewriter service. It wires together the
// configuration store, the target registry, both change detectors, the
// update queue and the applier, and manages their lifecycle through a shared
// context.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tripwire/rewriter/internal/applier"
	"github.com/tripwire/rewriter/internal/config"
	"github.com/tripwire/rewriter/internal/detector"
	"github.com/tripwire/rewriter/internal/queue"
	"github.com/tripwire/rewriter/internal/registry"
	"github.com/tripwire/rewriter/internal/retry"
	"github.com/tripwire/rewriter/internal/watcher"
)

// notificationBuffer is the capacity of the target notification channel.
const notificationBuffer = 256

// Option is a functional option for Agent construction.
type Option func(*Agent)

// WithRecorder records every applier outcome, typically in a
// *journal.Journal.
func WithRecorder(r applier.Recorder) Option {
	return func(a *Agent) { a.recorder = r }
}

// WithRetry overrides the file read/write retry policy.
func WithRetry(p retry.Policy) Option {
	return func(a *Agent) { a.policy = p }
}

// WithPollOnly disables file-system notifications; changes are then found
// by the polling scan alone.
func WithPollOnly() Option {
	return func(a *Agent) { a.pollOnly = true }
}

// WithoutSettingsWatch stops the agent from watching the settings file for
// external edits.
func WithoutSettingsWatch() Option {
	return func(a *Agent) { a.noSettingsWatch = true }
}

// Agent is the long-running rewriter service. It is constructed by the
// process entry point and driven through Start and Stop.
type Agent struct {
	store           *config.Store
	logger          *slog.Logger
	recorder        applier.Recorder
	policy          retry.Policy
	pollOnly        bool
	noSettingsWatch bool

	mu        sync.RWMutex
	running   bool
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	registry  *registry.Registry
	queue     *queue.Queue
	detector  *detector.Detector
}

// New creates an Agent reading its rules from store.
func New(store *config.Store, logger *slog.Logger, opts ...Option) *Agent {
	a := &Agent{
		store:  store,
		logger: logger,
		policy: retry.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start builds the pipeline and starts its workers in the background. It
// returns immediately; calling Start while the agent is running does
// nothing. The workers stop when Stop is called, when ctx is cancelled, or
// after a fatal error, which is then reported by Err.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}

	a.logger.Info("agent: initialising", slog.String("settings", a.store.Path()))

	var (
		sub    registry.Subscriber = watcher.Disabled{}
		events <-chan watcher.Notification
		n      *watcher.Notifier
	)
	if !a.pollOnly {
		var err error
		n, err = watcher.NewNotifier(a.logger, notificationBuffer)
		if err == nil {
			err = n.Start(ctx)
		}
		if err != nil {
			a.logger.Warn("agent: file notifications unavailable, polling only", slog.Any("error", err))
			if n != nil {
				n.Stop()
			}
			n = nil
		} else {
			sub, events = n, n.Events()
		}
	}

	a.registry = registry.New(sub, a.logger)
	a.queue = queue.New()
	a.detector = detector.New(a.registry, a.queue, a.logger, config.DefaultPollFrequency)
	app := applier.New(a.queue, a.logger, a.applierOptions()...)

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.err = nil
	a.running = true
	a.startTime = time.Now()

	go a.run(ctx, app, n, events)
	return nil
}

func (a *Agent) applierOptions() []applier.Option {
	opts := []applier.Option{applier.WithRetry(a.policy)}
	if a.recorder != nil {
		opts = append(opts, applier.WithRecorder(a.recorder))
	}
	return opts
}

// run supervises the workers and releases every resource when they exit.
func (a *Agent) run(ctx context.Context, app *applier.Applier, n *watcher.Notifier, events <-chan watcher.Notification) {
	a.mu.RLock()
	reg, q, det, done := a.registry, a.queue, a.detector, a.done
	a.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return app.Run(gctx) })
	if events != nil {
		g.Go(func() error { return det.RunNotifications(gctx, events) })
	}
	if !a.noSettingsWatch {
		g.Go(func() error {
			if err := a.store.Watch(gctx); err != nil {
				a.logger.Warn("agent: settings file not watched, restart to apply edits", slog.Any("error", err))
			}
			return nil
		})
	}
	g.Go(func() error { return a.supervise(gctx, g, det) })

	err := g.Wait()
	if err != nil {
		a.logger.Error("agent: fatal error, stopping", slog.Any("error", err))
	}

	q.Close()
	reg.Close()
	if n != nil {
		n.Stop()
	}

	a.mu.Lock()
	a.err = err
	a.running = false
	a.mu.Unlock()
	close(done)

	a.logger.Info("agent: stopped")
}

// supervise is the main loop: it loads the settings, waits for at least one
// rule, starts polling and applies every reloaded configuration.
func (a *Agent) supervise(ctx context.Context, g *errgroup.Group, det *detector.Detector) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent: main loop: panic: %v", r)
		}
	}()

	cfg, err := a.store.Current(ctx)
	if err != nil {
		return fmt.Errorf("agent: load settings: %w", err)
	}

	for !cfg.Any() {
		a.logger.Warn("agent: no valid file updates configured, waiting for settings",
			slog.String("settings", a.store.Path()),
		)
		select {
		case <-ctx.Done():
			return nil
		case cfg = <-a.store.Changed():
		}
	}

	a.apply(cfg)
	g.Go(func() error { return det.RunPolling(ctx) })

	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg := <-a.store.Changed():
			a.logger.Info("agent: settings reloaded")
			a.apply(cfg)
		}
	}
}

// apply rebuilds the registry from cfg and adopts its poll frequency. New
// targets start with an unknown snapshot, so the next scan reconciles every
// file.
func (a *Agent) apply(cfg *config.Config) {
	a.mu.RLock()
	reg, det := a.registry, a.detector
	a.mu.RUnlock()

	targets := reg.Rebuild(cfg.Rules)
	det.SetInterval(cfg.PollFrequency)

	if len(targets) == 0 {
		a.logger.Warn("agent: no valid targets configured")
	}
	a.logger.Info("agent: targets loaded",
		slog.Int("targets", len(targets)),
		slog.Duration("poll_frequency", det.Interval()),
	)
	for _, t := range targets {
		for _, r := range t.Rules {
			a.logger.Info("agent: rule registered",
				slog.String("target", t.Path),
				slog.String("rule", r.String()),
			)
		}
	}
}

// Stop signals all workers to shut down and waits for them to exit. It is
// safe to call Stop multiple times.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	cancel, done := a.cancel, a.done
	a.mu.Unlock()

	a.logger.Info("agent: shutting down")
	cancel()
	<-done
}

// Done is closed when the workers started by the last Start have exited.
// It is nil before the first Start.
func (a *Agent) Done() <-chan struct{} {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.done
}

// Err returns the fatal error that stopped the agent, if any.
func (a *Agent) Err() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.err
}

// HealthStatus is a snapshot of the agent state.
type HealthStatus struct {
	Status     string  `json:"status"`
	UptimeS    float64 `json:"uptime_s"`
	QueueDepth int     `json:"queue_depth"`
	Targets    int     `json:"targets"`
}

// Health returns a snapshot of the current agent health state.
func (a *Agent) Health() HealthStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.running {
		return HealthStatus{Status: "stopped"}
	}
	h := HealthStatus{
		Status:  "ok",
		UptimeS: time.Since(a.startTime).Seconds(),
	}
	if a.queue != nil {
		h.QueueDepth = a.queue.Len()
	}
	if a.registry != nil {
		h.Targets = a.registry.Len()
	}
	return h
}

// RunOnce performs a single reconciliation without notifications: it builds
// a registry from the current settings, scans every target once and
// processes the resulting items. It returns ErrNoRules when nothing is
// configured.
func (a *Agent) RunOnce(ctx context.Context) ([]applier.Outcome, error) {
	cfg, err := a.store.Current(ctx)
	if err != nil {
		return nil, err
	}
	if !cfg.Any() {
		return nil, config.ErrNoRules
	}

	reg := registry.New(watcher.Disabled{}, a.logger)
	defer reg.Close()
	q := queue.New()
	defer q.Close()

	reg.Rebuild(cfg.Rules)
	det := detector.New(reg, q, a.logger, cfg.PollFrequency)
	app := applier.New(q, a.logger, a.applierOptions()...)

	a.logger.Info("agent: checking targets", slog.Int("targets", reg.Len()))
	det.PollOnce()

	var outcomes []applier.Outcome
	for ctx.Err() == nil {
		item, ok := q.TryPop()
		if !ok {
			break
		}
		outcomes = append(outcomes, app.Process(ctx, item))
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return outcomes, err
	}
	return outcomes, nil
}
