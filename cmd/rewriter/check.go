package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tripwire/rewriter/internal/agent"
	"github.com/tripwire/rewriter/internal/applier"
	"github.com/tripwire/rewriter/internal/config"
)

func newCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Inspect every configured file once, apply its rules and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, store, j, release, err := a.session()
			if err != nil {
				return err
			}
			defer release()

			var opts []agent.Option
			if j != nil {
				opts = append(opts, agent.WithRecorder(j))
			}
			outcomes, err := agent.New(store, logger, opts...).RunOnce(cmd.Context())
			if errors.Is(err, config.ErrNoRules) {
				return fmt.Errorf("%w in %s", err, store.Path())
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(outcomes) == 0 {
				fmt.Fprintln(out, "no existing files to inspect")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ACTION\tCHANGES\tWRITTEN\tFILE")
			failed := 0
			for _, o := range outcomes {
				fmt.Fprintf(tw, "%s\t%d\t%t\t%s\n", o.Action, o.Changes(), o.Wrote, o.Target.Path)
				if o.Action == applier.Failed {
					failed++
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d files could not be updated", failed, len(outcomes))
			}
			return nil
		},
	}
}
