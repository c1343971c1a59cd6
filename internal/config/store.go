package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripwire/rewriter/internal/audit"
	"github.com/tripwire/rewriter/internal/retry"
	"github.com/tripwire/rewriter/internal/watcher"
)

// DefaultDebounce is the quiet period after the last notification for the
// settings file before it is reloaded.
const DefaultDebounce = 150 * time.Millisecond

// DefaultRecheck is how often Watch checks that its subscription is still
// alive.
const DefaultRecheck = time.Second

// Ledger records configuration revisions. *audit.Ledger implements it.
type Ledger interface {
	Record(rev audit.Revision) (audit.Entry, error)
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) StoreOption {
	return func(s *Store) { s.debounce = d }
}

// WithRecheck overrides DefaultRecheck.
func WithRecheck(d time.Duration) StoreOption {
	return func(s *Store) { s.recheck = d }
}

// WithLedger records every load, reload and save.
func WithLedger(l Ledger) StoreOption {
	return func(s *Store) { s.ledger = l }
}

// WithRetry overrides the file I/O retry policy.
func WithRetry(p retry.Policy) StoreOption {
	return func(s *Store) { s.policy = p }
}

// Store owns the settings file. It caches the effective Config, reloads it
// when the file is edited externally and persists new settings with a
// backup of the previous file.
type Store struct {
	path     string
	format   string
	logger   *slog.Logger
	debounce time.Duration
	recheck  time.Duration
	ledger   Ledger
	policy   retry.Policy

	// writeFile is os.WriteFile; tests replace it to simulate failures.
	writeFile func(name string, data []byte, perm fs.FileMode) error

	mu       sync.Mutex
	current  *Config
	digest   string
	notifier *watcher.Notifier
	sub      *watcher.Subscription

	saving  atomic.Bool
	changed chan *Config
}

// NewStore returns a Store for the settings file at path. Nothing is read
// until Current is called.
func NewStore(path string, opts ...StoreOption) *Store {
	s := &Store{
		path:      path,
		format:    Format(path),
		logger:    slog.Default(),
		debounce:  DefaultDebounce,
		recheck:   DefaultRecheck,
		policy:    retry.Default(),
		writeFile: os.WriteFile,
		changed:   make(chan *Config, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DefaultPath returns <user config dir>/rewriter/settings.json.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: locate user config dir: %w", err)
	}
	return filepath.Join(dir, "rewriter", "settings.json"), nil
}

// Path returns the settings file path.
func (s *Store) Path() string { return s.path }

// BackupPath returns the path the previous settings are copied to on save.
func (s *Store) BackupPath() string { return s.path + ".bak" }

// Exists reports whether the settings file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Changed delivers the new Config after each reload caused by an external
// edit. Only the most recent undelivered Config is kept.
func (s *Store) Changed() <-chan *Config { return s.changed }

// Current returns the cached Config, loading it on first use. A missing
// settings file yields the default (empty) configuration.
func (s *Store) Current(ctx context.Context) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return s.current, nil
	}
	return s.loadLocked(ctx, "load")
}

// Reload reads the file again and replaces the cached Config. On failure
// the previous Config stays current.
func (s *Store) Reload(ctx context.Context) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx, "reload")
}

func (s *Store) loadLocked(ctx context.Context, trigger string) (*Config, error) {
	data, err := s.read(ctx)
	if err != nil {
		return nil, err
	}

	settings, err := Parse(data, s.format)
	if err != nil {
		return nil, fmt.Errorf("config: %q: %w", s.path, err)
	}

	cfg := Compile(settings)
	for _, rej := range cfg.Rejected {
		s.logger.Warn("config: ignoring invalid file update",
			slog.Int("index", rej.Index),
			slog.String("path", rej.FilePath),
			slog.Any("error", rej.Err),
		)
	}

	s.current = cfg
	s.digest = digest(data)
	s.recordRevision(trigger, cfg)
	return cfg, nil
}

// read returns the settings bytes; a missing file reads as empty.
func (s *Store) read(ctx context.Context) ([]byte, error) {
	data, err := retry.Value(ctx, s.policy, func() ([]byte, error) {
		return os.ReadFile(s.path)
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", s.path, err)
	}
	return data, nil
}

// Save writes settings to the file, sparsely, and makes them current. An
// existing file is first copied to BackupPath; if writing fails the backup
// is restored. Notifications caused by the save do not trigger a reload.
func (s *Store) Save(ctx context.Context, settings Settings) error {
	data, err := Marshal(settings, s.format)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.saving.Store(true)
	defer s.saving.Store(false)
	if s.sub != nil {
		s.notifier.SetActive(s.sub, false)
		defer s.notifier.SetActive(s.sub, true)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("config: create settings dir: %w", err)
	}

	backup, hadBackup, err := s.backup(ctx)
	if err != nil {
		return err
	}

	werr := retry.Do(ctx, s.policy, func() error {
		return s.writeFile(s.path, data, 0o644)
	})
	if werr != nil {
		werr = fmt.Errorf("config: write %q: %w", s.path, werr)
		if hadBackup {
			rerr := retry.Do(ctx, s.policy, func() error {
				return s.writeFile(s.path, backup, 0o644)
			})
			if rerr != nil {
				s.logger.Error("config: unable to restore settings backup",
					slog.String("path", s.path),
					slog.Any("error", rerr),
				)
			} else {
				s.logger.Warn("config: restored settings from backup", slog.String("path", s.path))
			}
		}
		return werr
	}

	// Record the digest before releasing the lock so the watcher sees the
	// file as already loaded.
	s.digest = digest(data)
	s.current = Compile(settings)
	s.recordRevision("save", s.current)
	return nil
}

// backup copies the current settings file to BackupPath and returns its
// contents.
func (s *Store) backup(ctx context.Context) ([]byte, bool, error) {
	data, err := retry.Value(ctx, s.policy, func() ([]byte, error) {
		return os.ReadFile(s.path)
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("config: read for backup: %w", err)
	}
	err = retry.Do(ctx, s.policy, func() error {
		return s.writeFile(s.BackupPath(), data, 0o644)
	})
	if err != nil {
		return nil, false, fmt.Errorf("config: write backup: %w", err)
	}
	return data, true, nil
}

func (s *Store) recordRevision(trigger string, cfg *Config) {
	if s.ledger == nil {
		return
	}
	_, err := s.ledger.Record(audit.Revision{
		Trigger:       trigger,
		Path:          s.path,
		Digest:        s.digest,
		Rules:         len(cfg.Rules),
		Rejected:      len(cfg.Rejected),
		PollFrequency: FormatDuration(cfg.PollFrequency),
	})
	if err != nil {
		s.logger.Warn("config: unable to record revision", slog.Any("error", err))
	}
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
