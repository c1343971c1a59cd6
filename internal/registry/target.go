package registry

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/rewriter/internal/transform"
	"github.com/tripwire/rewriter/internal/watcher"
)

// Snapshot is the observed (existence, size, modification time) triple of a
// file. A Size of -1 together with a zero ModTime means the file was never
// inspected or did not exist.
type Snapshot struct {
	Exists  bool
	Size    int64
	ModTime time.Time
}

// Unknown is the snapshot of a file that has not been inspected yet.
var Unknown = Snapshot{Size: -1}

// Inspected reports whether s was taken from an existing file.
func (s Snapshot) Inspected() bool { return s.Size >= 0 }

// Stat returns the live snapshot of the file at path. Any stat failure is
// reported as a missing file.
func Stat(path string) Snapshot {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return Unknown
	}
	return Snapshot{
		Exists:  true,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
}

// TargetFile is one managed file path together with the rules that rewrite
// it. The snapshot and the suppression flag may be read from any goroutine;
// the subscription handle is guarded by its own lock.
type TargetFile struct {
	// ID keys the target in the registry arena and tags its notifications.
	ID string
	// Path is the absolute, cleaned path of the file.
	Path string
	// Dir and Name are derived from Path.
	Dir  string
	Name string
	// Valid is false when Dir or Name could not be derived from the
	// configured path.
	Valid bool
	// Rules are applied to the file in order.
	Rules []*transform.Rule

	observed   atomic.Pointer[Snapshot]
	suppressed atomic.Bool

	// watchMu serializes TryWatch and retire so a target never holds more
	// than one subscription.
	watchMu sync.Mutex
	retired bool
	// watchFailed is set after a failed subscribe has been reported.
	watchFailed atomic.Bool

	mu         sync.Mutex
	sub        *watcher.Subscription
	subscriber Subscriber
}

// NewTarget builds a TargetFile for path. The returned target is never nil;
// check Valid before using it.
func NewTarget(path string, rules []*transform.Rule) *TargetFile {
	t := &TargetFile{
		ID:    uuid.NewString(),
		Path:  path,
		Rules: rules,
	}
	t.Record(Unknown)

	if path == "" || strings.HasSuffix(path, "/") || strings.HasSuffix(path, string(filepath.Separator)) {
		return t
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return t
	}

	t.Path = abs
	t.Dir = filepath.Dir(abs)
	t.Name = filepath.Base(abs)
	t.Valid = t.Dir != "" && t.Name != "" && t.Name != "." && t.Name != string(filepath.Separator)
	return t
}

// Observed returns the last snapshot recorded for the file.
func (t *TargetFile) Observed() Snapshot { return *t.observed.Load() }

// Live returns the current snapshot of the file on disk.
func (t *TargetFile) Live() Snapshot { return Stat(t.Path) }

// Changed compares the live file with the last observed snapshot. A file has
// changed iff it exists and its size or modification time differs.
func (t *TargetFile) Changed() (Snapshot, bool) {
	live := t.Live()
	if !live.Exists {
		return live, false
	}
	obs := t.Observed()
	return live, live.Size != obs.Size || !live.ModTime.Equal(obs.ModTime)
}

// Record stores s as the last observed snapshot.
func (t *TargetFile) Record(s Snapshot) { t.observed.Store(&s) }

// Refresh records and returns the live snapshot.
func (t *TargetFile) Refresh() Snapshot {
	s := t.Live()
	t.Record(s)
	return s
}

// Suppressed reports whether notifications are currently ignored for the
// file because the process is writing to it.
func (t *TargetFile) Suppressed() bool { return t.suppressed.Load() }

// Quiesce suppresses notification delivery for the file until the returned
// release function is called. Release is safe to call more than once.
func (t *TargetFile) Quiesce() (release func()) {
	t.suppressed.Store(true)
	t.setActive(false)

	var once sync.Once
	return func() {
		once.Do(func() {
			t.setActive(true)
			t.suppressed.Store(false)
		})
	}
}

// Watching reports whether a live notification subscription is attached.
func (t *TargetFile) Watching() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sub != nil && !t.sub.Closed()
}

func (t *TargetFile) setActive(active bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub != nil && t.subscriber != nil {
		t.subscriber.SetActive(t.sub, active)
	}
}

// attach stores a new subscription. A suppressed target starts inactive.
func (t *TargetFile) attach(s Subscriber, sub *watcher.Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscriber = s
	t.sub = sub
	if t.suppressed.Load() {
		s.SetActive(sub, false)
	}
}

// retire detaches t for good: a later TryWatch does not subscribe it again.
func (t *TargetFile) retire() {
	t.watchMu.Lock()
	defer t.watchMu.Unlock()
	t.retired = true
	t.detach()
}

// detach unsubscribes and forgets the current subscription, if any.
func (t *TargetFile) detach() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub != nil && t.subscriber != nil {
		t.subscriber.Unsubscribe(t.sub)
	}
	t.sub = nil
}
