package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tripwire/rewriter/internal/agent"
)

// DefaultHistoryKeep is the number of history rows kept when the service
// starts.
const DefaultHistoryKeep = 10000

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the rewriter service until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context())
		},
	}
	cmd.Flags().Bool(keyPollOnly, false, "detect changes by polling only, without file-system notifications")
	cmd.Flags().Int(keyKeep, DefaultHistoryKeep, "update history rows to keep; older rows are pruned at startup (0 keeps all)")
	_ = a.v.BindPFlag(keyPollOnly, cmd.Flags().Lookup(keyPollOnly))
	_ = a.v.BindPFlag(keyKeep, cmd.Flags().Lookup(keyKeep))
	return cmd
}

func (a *app) run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logger, store, j, release, err := a.session()
	if err != nil {
		return err
	}
	defer release()

	logger.Info("starting rewriter",
		slog.String("settings", store.Path()),
		slog.String("journal", a.v.GetString(keyJournal)),
		slog.String("audit_log", a.v.GetString(keyAuditLog)),
	)

	var opts []agent.Option
	if j != nil {
		if keep := a.v.GetInt(keyKeep); keep > 0 {
			if n, err := j.Prune(ctx, keep); err != nil {
				logger.Warn("unable to prune update history", slog.Any("error", err))
			} else if n > 0 {
				logger.Info("pruned update history", slog.Int64("rows", n))
			}
		}
		opts = append(opts, agent.WithRecorder(j))
	}
	if a.v.GetBool(keyPollOnly) {
		opts = append(opts, agent.WithPollOnly())
	}

	ag := agent.New(store, logger, opts...)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := ag.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	// Block until SIGTERM or SIGINT, or until the agent stops on its own.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
	case <-ag.Done():
	}

	ag.Stop()

	if err := ag.Err(); err != nil {
		logger.Error("rewriter stopped after a fatal error", slog.Any("error", err))
		return err
	}
	logger.Info("rewriter exited cleanly")
	return nil
}
