// Package watcher provides the file-system notification provider used by the
// rewriter. Consumers subscribe to a single file name inside a directory and
// receive Notifications on a channel; delivery for a subscription can be
// paused and resumed while the process writes to the file itself.
package watcher

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrDisabled is returned by providers that cannot deliver notifications.
// Callers fall back to polling.
var ErrDisabled = errors.New("watcher: notifications disabled")

// ErrClosed is returned by Subscribe after the notifier has been stopped.
var ErrClosed = errors.New("watcher: notifier closed")

// EventType classifies the kind of file system event detected.
type EventType uint32

const (
	// EventWrite indicates the file was written or modified.
	EventWrite EventType = iota + 1
	// EventCreate indicates a file was created.
	EventCreate
	// EventDelete indicates a file was deleted.
	EventDelete
	// EventRename indicates a file was renamed away.
	EventRename
	// EventChmod indicates attributes (including timestamps) changed.
	EventChmod
)

// String returns the lowercase name of the event type.
func (e EventType) String() string {
	switch e {
	case EventWrite:
		return "write"
	case EventCreate:
		return "create"
	case EventDelete:
		return "delete"
	case EventRename:
		return "rename"
	case EventChmod:
		return "chmod"
	default:
		return "unknown"
	}
}

// Notification is a single event for a subscribed file.
type Notification struct {
	// Key is the key the subscription was registered with.
	Key string
	// Path is the path of the file the event concerns.
	Path string
	// Type classifies the event.
	Type EventType
	// Timestamp is when the event was observed.
	Timestamp time.Time
}

// Subscription is the handle returned by Subscribe. Its state is safe to
// read from any goroutine.
type Subscription struct {
	key  string
	dir  string
	name string

	active atomic.Bool
	closed atomic.Bool
}

// NewSubscription returns an active handle. Providers other than Notifier use
// it to hand out subscriptions.
func NewSubscription(key, dir, name string) *Subscription {
	s := &Subscription{key: key, dir: dir, name: name}
	s.active.Store(true)
	return s
}

// Key returns the subscriber-supplied key.
func (s *Subscription) Key() string { return s.key }

// Dir returns the watched directory.
func (s *Subscription) Dir() string { return s.dir }

// Name returns the watched file name.
func (s *Subscription) Name() string { return s.name }

// Active reports whether notifications are currently delivered.
func (s *Subscription) Active() bool { return s.active.Load() }

// Closed reports whether the subscription no longer delivers anything,
// either because it was unsubscribed or because its directory disappeared.
func (s *Subscription) Closed() bool { return s.closed.Load() }

// Disabled is a provider that never subscribes. It is used when the OS
// notification facility is unavailable.
type Disabled struct{}

// Subscribe always returns ErrDisabled.
func (Disabled) Subscribe(_, _, _ string) (*Subscription, error) { return nil, ErrDisabled }

// Unsubscribe is a no-op.
func (Disabled) Unsubscribe(*Subscription) {}

// SetActive is a no-op.
func (Disabled) SetActive(*Subscription, bool) {}
