// Package registry owns the set of Target Files derived from the configured
// rules. The set is an arena keyed by target id; a rebuild produces a fresh
// arena that is swapped in under the registry lock, after every subscription
// of the previous arena has been torn down.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tripwire/rewriter/internal/transform"
	"github.com/tripwire/rewriter/internal/watcher"
)

// Subscriber is the file-system notification provider used to watch target
// directories. *watcher.Notifier and watcher.Disabled implement it.
type Subscriber interface {
	Subscribe(dir, name, key string) (*watcher.Subscription, error)
	Unsubscribe(s *watcher.Subscription)
	SetActive(s *watcher.Subscription, active bool)
}

// Registry holds the current Target Files. It is safe for concurrent use;
// iteration through Each and rebuilds are mutually exclusive.
type Registry struct {
	subscriber Subscriber
	logger     *slog.Logger

	mu      sync.Mutex
	targets map[string]*TargetFile
	order   []*TargetFile
}

// New returns an empty Registry that watches targets through subscriber.
// A nil subscriber disables notifications.
func New(subscriber Subscriber, logger *slog.Logger) *Registry {
	if subscriber == nil {
		subscriber = watcher.Disabled{}
	}
	return &Registry{
		subscriber: subscriber,
		logger:     logger,
		targets:    make(map[string]*TargetFile),
	}
}

// Rebuild replaces the registry contents with one Target File per distinct
// file path in rules. Paths are compared case-insensitively; rules keep their
// relative order within a target. Targets with an invalid path are dropped
// with a warning. Rebuild returns the new targets in first-seen order.
func (r *Registry) Rebuild(rules []*transform.Rule) []*TargetFile {
	type group struct {
		path  string
		rules []*transform.Rule
	}
	var groups []*group
	byKey := make(map[string]*group)
	for _, rule := range rules {
		key := pathKey(rule.FilePath)
		g, ok := byKey[key]
		if !ok {
			g = &group{path: rule.FilePath}
			byKey[key] = g
			groups = append(groups, g)
		}
		g.rules = append(g.rules, rule)
	}

	targets := make(map[string]*TargetFile, len(groups))
	order := make([]*TargetFile, 0, len(groups))
	for _, g := range groups {
		t := NewTarget(g.path, g.rules)
		if !t.Valid {
			r.logger.Warn("registry: ignoring invalid file path", slog.String("path", g.path))
			continue
		}
		targets[t.ID] = t
		order = append(order, t)
	}

	r.mu.Lock()
	for _, old := range r.order {
		old.retire()
	}
	r.targets = targets
	r.order = order
	for _, t := range order {
		r.TryWatch(t)
	}
	r.mu.Unlock()

	out := make([]*TargetFile, len(order))
	copy(out, order)
	return out
}

// TryWatch attaches a notification subscription to t when it has none and
// its directory exists. It reports whether t is watched afterwards. A missing
// directory is not an error: the target stays poll-only until it appears.
// Concurrent calls for one target are serialized, and a target dropped by
// Rebuild or Close is never subscribed again.
func (r *Registry) TryWatch(t *TargetFile) bool {
	if !t.Valid {
		return false
	}

	t.watchMu.Lock()
	defer t.watchMu.Unlock()
	if t.retired {
		return false
	}
	if t.Watching() {
		return true
	}
	// Drop a subscription closed by the provider (directory removed).
	t.detach()

	if info, err := os.Stat(t.Dir); err != nil || !info.IsDir() {
		return false
	}

	sub, err := r.subscriber.Subscribe(t.Dir, t.Name, t.ID)
	if err != nil {
		if errors.Is(err, watcher.ErrDisabled) {
			return false
		}
		// Report the first failure; repeats on later scans go to debug.
		level := slog.LevelWarn
		if t.watchFailed.Swap(true) {
			level = slog.LevelDebug
		}
		r.logger.Log(context.Background(), level, "registry: unable to watch",
			slog.String("path", t.Path),
			slog.Any("error", err),
		)
		return false
	}

	t.watchFailed.Store(false)
	t.attach(r.subscriber, sub)
	r.logger.Info("registry: watching", slog.String("path", t.Path))
	return true
}

// Each calls fn for every target in registration order while holding the
// registry lock. fn must not call Rebuild or Close.
func (r *Registry) Each(fn func(t *TargetFile)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.order {
		fn(t)
	}
}

// Lookup returns the target with the given id from the current arena.
// Ids from a previous arena resolve to nothing.
func (r *Registry) Lookup(id string) (*TargetFile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[id]
	return t, ok
}

// Targets returns a copy of the current target list.
func (r *Registry) Targets() []*TargetFile {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*TargetFile, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of targets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Close tears down every subscription and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.order {
		t.retire()
	}
	r.targets = make(map[string]*TargetFile)
	r.order = nil
}

func pathKey(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return strings.ToLower(p)
}
