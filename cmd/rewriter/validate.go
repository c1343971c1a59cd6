package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tripwire/rewriter/internal/config"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the settings file and report every rule and rejected entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, store, _, release, err := a.session()
			if err != nil {
				return err
			}
			defer release()

			cfg, err := store.Current(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "settings: %s\n", store.Path())
			if !store.Exists() {
				fmt.Fprintln(out, "  (file does not exist, defaults apply)")
			}
			fmt.Fprintf(out, "poll frequency: %s\n", config.FormatDuration(cfg.PollFrequency))
			fmt.Fprintf(out, "rules: %d\n", len(cfg.Rules))
			for _, r := range cfg.Rules {
				fmt.Fprintf(out, "  %s: %s\n", r.FilePath, r)
			}

			if len(cfg.Rejected) > 0 {
				fmt.Fprintf(out, "rejected: %d\n", len(cfg.Rejected))
				for _, rej := range cfg.Rejected {
					fmt.Fprintf(out, "  %v\n", rej)
				}
				return fmt.Errorf("%d invalid file updates: %w", len(cfg.Rejected), cfg.Validate())
			}
			if !cfg.Any() {
				return config.ErrNoRules
			}
			return nil
		},
	}
}
