package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultBufferSize is the default capacity of the Notification channel.
const defaultBufferSize = 64

// Notifier delivers fsnotify events for individual files. Directories are
// watched once no matter how many files in them are subscribed; events are
// routed to subscriptions by file name (case-insensitive).
//
// Notifier is safe for concurrent use.
type Notifier struct {
	fs     *fsnotify.Watcher
	logger *slog.Logger

	events chan Notification
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	dirs    map[string][]*Subscription
	started bool
	closed  bool

	stopOnce sync.Once
}

// NewNotifier creates a Notifier. bufSize is the capacity of the channel
// returned by Events; zero or negative uses the default of 64. When the
// consumer falls behind and the channel is full, notifications are dropped
// with a warning.
func NewNotifier(logger *slog.Logger, bufSize int) (*Notifier, error) {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: create fsnotify watcher: %w", err)
	}

	return &Notifier{
		fs:     fsw,
		logger: logger,
		events: make(chan Notification, bufSize),
		done:   make(chan struct{}),
		dirs:   make(map[string][]*Subscription),
	}, nil
}

// Start begins forwarding events in a background goroutine. Calling Start
// more than once has no effect.
func (n *Notifier) Start(_ context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrClosed
	}
	if n.started {
		return nil
	}
	n.started = true

	n.wg.Add(1)
	go n.run()
	return nil
}

// Stop closes the underlying OS watcher, waits for the forwarding goroutine
// and closes the Events channel. Every open subscription is marked closed.
// Stop is idempotent.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		for _, subs := range n.dirs {
			for _, s := range subs {
				s.closed.Store(true)
			}
		}
		n.dirs = make(map[string][]*Subscription)
		n.mu.Unlock()

		close(n.done)
		if err := n.fs.Close(); err != nil {
			n.logger.Warn("watcher: close fsnotify watcher", slog.Any("error", err))
		}
		n.wg.Wait()
		close(n.events)
	})
}

// Events returns the channel on which Notifications are delivered. It is
// closed when Stop returns.
func (n *Notifier) Events() <-chan Notification {
	return n.events
}

// Subscribe starts delivering notifications for the file name inside dir,
// tagged with key. The directory must exist.
func (n *Notifier) Subscribe(dir, name, key string) (*Subscription, error) {
	dir = filepath.Clean(dir)

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, ErrClosed
	}

	if _, watched := n.dirs[dir]; !watched {
		if err := n.fs.Add(dir); err != nil {
			return nil, fmt.Errorf("watcher: watch %q: %w", dir, err)
		}
	}

	s := NewSubscription(key, dir, name)
	n.dirs[dir] = append(n.dirs[dir], s)
	return s, nil
}

// Unsubscribe stops delivery for s. The directory watch is released when
// its last subscription goes away. Unsubscribing twice is harmless.
func (n *Notifier) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	s.active.Store(false)
	if s.closed.Swap(true) {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	subs := n.dirs[s.dir]
	for i, cur := range subs {
		if cur == s {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}

	if len(subs) > 0 {
		n.dirs[s.dir] = subs
		return
	}

	delete(n.dirs, s.dir)
	if !n.closed {
		// The directory may already be gone, in which case the OS has
		// dropped the watch itself.
		_ = n.fs.Remove(s.dir)
	}
}

// SetActive pauses or resumes delivery for s.
func (n *Notifier) SetActive(s *Subscription, active bool) {
	if s == nil {
		return
	}
	s.active.Store(active)
}

// run forwards fsnotify events until Stop is called.
func (n *Notifier) run() {
	defer n.wg.Done()

	for {
		select {
		case <-n.done:
			return
		case ev, ok := <-n.fs.Events:
			if !ok {
				return
			}
			n.dispatch(ev)
		case err, ok := <-n.fs.Errors:
			if !ok {
				return
			}
			n.logger.Warn("watcher: notification error", slog.Any("error", err))
		}
	}
}

// dispatch routes one fsnotify event to the matching subscriptions.
func (n *Notifier) dispatch(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	typ := eventType(ev)
	now := time.Now().UTC()

	n.mu.Lock()

	// A watched directory that is removed or renamed away loses its OS
	// watch; its subscriptions are closed so owners can re-subscribe once
	// it reappears.
	if typ == EventDelete || typ == EventRename {
		if subs, watched := n.dirs[path]; watched {
			for _, s := range subs {
				s.closed.Store(true)
			}
			delete(n.dirs, path)
			_ = n.fs.Remove(path)
			n.mu.Unlock()

			n.logger.Warn("watcher: watched directory went away",
				slog.String("dir", path),
				slog.Int("subscriptions", len(subs)),
			)
			return
		}
	}

	dir, name := filepath.Dir(path), filepath.Base(path)
	var out []Notification
	for _, s := range n.dirs[dir] {
		if !s.active.Load() || !strings.EqualFold(s.name, name) {
			continue
		}
		out = append(out, Notification{
			Key:       s.key,
			Path:      path,
			Type:      typ,
			Timestamp: now,
		})
	}
	n.mu.Unlock()

	for _, nt := range out {
		n.emit(nt)
	}
}

// emit sends nt without blocking. If the channel is full the notification
// is dropped with a warning; the polling path will still pick the change up.
func (n *Notifier) emit(nt Notification) {
	select {
	case n.events <- nt:
	default:
		n.logger.Warn("watcher: notification channel full, dropping event",
			slog.String("path", nt.Path),
			slog.String("type", nt.Type.String()),
		)
	}
}

func eventType(ev fsnotify.Event) EventType {
	switch {
	case ev.Has(fsnotify.Create):
		return EventCreate
	case ev.Has(fsnotify.Write):
		return EventWrite
	case ev.Has(fsnotify.Remove):
		return EventDelete
	case ev.Has(fsnotify.Rename):
		return EventRename
	default:
		return EventChmod
	}
}
