package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tripwire/rewriter/internal/watcher"
)

// Watch subscribes to the settings file and reloads it after external
// edits until ctx is cancelled. Bursts of notifications are collapsed: the
// file is read once the debounce period has passed without a new one. A
// notification is ignored while Save runs, and a reload is skipped when the
// file content matches what was last loaded or saved, which filters out the
// store's own writes.
//
// When the settings directory is removed the watch is re-established once
// it exists again, and the file is re-read.
//
// Watch blocks and returns nil on cancellation.
func (s *Store) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(s.path), filepath.Base(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: create settings dir: %w", err)
	}

	n, err := watcher.NewNotifier(s.logger, 16)
	if err != nil {
		return err
	}
	defer n.Stop()
	if err := n.Start(ctx); err != nil {
		return err
	}

	sub, err := n.Subscribe(dir, name, "settings")
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.notifier, s.sub = n, sub
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.notifier, s.sub = nil, nil
		s.mu.Unlock()
	}()

	s.logger.Info("config: watching settings", slog.String("path", s.path))

	fire := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	recheck := time.NewTicker(s.recheck)
	defer recheck.Stop()
	lost := false

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-recheck.C:
			if !sub.Closed() {
				continue
			}
			if !lost {
				s.logger.Warn("config: settings directory went away, waiting for it to reappear",
					slog.String("dir", dir),
				)
				lost = true
			}
			next, err := s.resubscribe(n, dir, name)
			if err != nil {
				s.logger.Debug("config: unable to watch settings again", slog.Any("error", err))
				continue
			}
			sub, lost = next, false
			s.logger.Info("config: watching settings again", slog.String("path", s.path))
			// The file may have changed while it was not watched.
			select {
			case fire <- struct{}{}:
			default:
			}

		case _, ok := <-n.Events():
			if !ok {
				return nil
			}
			if s.saving.Load() {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(s.debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(s.debounce)
			}

		case <-fire:
			s.safeReload(ctx)
		}
	}
}

// resubscribe watches the settings file again once its directory exists.
func (s *Store) resubscribe(n *watcher.Notifier, dir, name string) (*watcher.Subscription, error) {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("config: settings dir %q not present", dir)
	}
	sub, err := n.Subscribe(dir, name, "settings")
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	return sub, nil
}

func (s *Store) safeReload(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("config: unexpected failure during reload",
				slog.Any("error", fmt.Errorf("panic: %v", r)),
			)
		}
	}()
	s.reloadIfChanged(ctx)
}

// reloadIfChanged reloads and publishes the settings unless the file still
// holds the bytes last loaded or saved.
func (s *Store) reloadIfChanged(ctx context.Context) {
	if s.saving.Load() {
		return
	}

	data, err := s.read(ctx)
	if err != nil {
		s.logger.Warn("config: unable to read settings", slog.Any("error", err))
		return
	}

	s.mu.Lock()
	same := digest(data) == s.digest
	s.mu.Unlock()
	if same {
		s.logger.Debug("config: settings unchanged, ignoring notification")
		return
	}

	cfg, err := s.Reload(ctx)
	if err != nil {
		s.logger.Error("config: reload failed, keeping previous settings", slog.Any("error", err))
		return
	}

	s.logger.Info("config: settings changed externally, reloaded",
		slog.Int("rules", len(cfg.Rules)),
		slog.Int("rejected", len(cfg.Rejected)),
		slog.Duration("poll_frequency", cfg.PollFrequency),
	)
	s.publish(cfg)
}

// publish hands cfg to Changed, replacing an undelivered older Config.
func (s *Store) publish(cfg *Config) {
	for {
		select {
		case s.changed <- cfg:
			return
		default:
		}
		select {
		case <-s.changed:
		default:
		}
	}
}
