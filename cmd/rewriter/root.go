package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tripwire/rewriter/internal/audit"
	"github.com/tripwire/rewriter/internal/config"
	"github.com/tripwire/rewriter/internal/journal"
	"github.com/tripwire/rewriter/internal/logging"
)

// Flag and environment keys. Every persistent flag can also be set through
// REWRITER_<KEY> with dashes turned into underscores, e.g. REWRITER_LOG_LEVEL.
const (
	keyConfig     = "config"
	keyLogLevel   = "log-level"
	keyLogFormat  = "log-format"
	keyLogFile    = "log-file"
	keyJournal    = "journal"
	keyAuditLog   = "audit-log"
	keyPollOnly   = "poll-only"
	keyKeep       = "history-keep"
	keyHistoryMax = "limit"
)

// app carries the resolved settings shared by every command.
type app struct {
	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "rewriter",
		Short: "Keep text files in sync by applying search/replace rules whenever they change",
		Long: `rewriter watches the files named in its settings and, whenever one of them
changes, applies that file's regular-expression search/replace rules and
writes the result back. Changes are found through file-system notifications
and a periodic polling scan. The settings file is watched too; edits to it
are picked up without a restart.

Every flag can also be set in the environment as REWRITER_<FLAG>, for
example REWRITER_LOG_LEVEL=debug.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	settingsPath, err := config.DefaultPath()
	if err != nil {
		settingsPath = "settings.json"
	}
	dir := filepath.Dir(settingsPath)

	pf := root.PersistentFlags()
	pf.String(keyConfig, settingsPath, "settings file (JSON, or YAML with a .yaml/.yml extension)")
	pf.String(keyLogLevel, "info", "log level (debug, info, warn, error)")
	pf.String(keyLogFormat, "json", "log format (json, text)")
	pf.String(keyLogFile, "", "write logs to this file with size-based rotation instead of stderr")
	pf.String(keyJournal, filepath.Join(dir, "history.db"), `update history database; "" disables it`)
	pf.String(keyAuditLog, filepath.Join(dir, "audit.log"), `settings revision ledger; "" disables it`)
	_ = a.v.BindPFlags(pf)

	a.v.SetEnvPrefix("REWRITER")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	run := newRunCmd(a)
	root.AddCommand(run, newCheckCmd(a), newValidateCmd(a), newInitCmd(a), newHistoryCmd(a), newAuditCmd(a))

	// Without a subcommand the service runs.
	root.Flags().AddFlagSet(run.Flags())
	root.RunE = run.RunE

	return root
}

// logger builds the process logger from the logging flags.
func (a *app) logger() (*slog.Logger, io.Closer, error) {
	return logging.New(logging.Options{
		Level:  a.v.GetString(keyLogLevel),
		Format: a.v.GetString(keyLogFormat),
		File:   a.v.GetString(keyLogFile),
	})
}

// store returns the settings store, recording revisions in ledger when it
// is not nil.
func (a *app) store(logger *slog.Logger, ledger *audit.Ledger) *config.Store {
	opts := []config.StoreOption{config.WithLogger(logger)}
	if ledger != nil {
		opts = append(opts, config.WithLedger(ledger))
	}
	return config.NewStore(a.v.GetString(keyConfig), opts...)
}

// openLedger opens the revision ledger, or returns nil when it is disabled.
func (a *app) openLedger() (*audit.Ledger, error) {
	path := a.v.GetString(keyAuditLog)
	if path == "" {
		return nil, nil
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	return audit.Open(path)
}

// openJournal opens the update history, or returns nil when it is disabled.
func (a *app) openJournal() (*journal.Journal, error) {
	path := a.v.GetString(keyJournal)
	if path == "" {
		return nil, nil
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	return journal.New(path)
}

// session opens everything a command that loads the settings needs and
// returns a function releasing it.
func (a *app) session() (*slog.Logger, *config.Store, *journal.Journal, func(), error) {
	logger, logCloser, err := a.logger()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	slog.SetDefault(logger)

	ledger, err := a.openLedger()
	if err != nil {
		_ = logCloser.Close()
		return nil, nil, nil, nil, err
	}
	j, err := a.openJournal()
	if err != nil {
		if ledger != nil {
			_ = ledger.Close()
		}
		_ = logCloser.Close()
		return nil, nil, nil, nil, err
	}

	release := func() {
		if j != nil {
			if err := j.Close(); err != nil {
				logger.Warn("error closing update history", slog.Any("error", err))
			}
		}
		if ledger != nil {
			if err := ledger.Close(); err != nil {
				logger.Warn("error closing revision ledger", slog.Any("error", err))
			}
		}
		_ = logCloser.Close()
	}
	return logger, a.store(logger, ledger), j, release, nil
}

func ensureDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %q: %w", path, err)
	}
	return nil
}
