package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"

	"github.com/tripwire/rewriter/internal/config"
)

func newInitCmd(a *app) *cobra.Command {
	var (
		file, search, replace, poll string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the settings file, optionally adding a file update",
		Long: `init writes the settings file. Existing settings are kept and a copy of the
previous file is saved next to it with a .bak suffix. With --file and
--search a new file update is appended; --poll-frequency sets the polling
interval ("0:00:05", "5s" or "5").`,
		Args: cobra.NoArgs,
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
			settings := cfg.Settings
			settings.FileUpdates = slices.Clone(settings.FileUpdates)

			if file != "" || search != "" {
				if file == "" || search == "" {
					return errors.New("--file and --search must be given together")
				}
				abs, err := filepath.Abs(file)
				if err != nil {
					return fmt.Errorf("resolve %q: %w", file, err)
				}
				settings.FileUpdates = append(settings.FileUpdates, config.FileUpdate{
					FilePath:       abs,
					SearchPattern:  search,
					ReplacePattern: replace,
				})

				check := config.Compile(settings)
				for _, rej := range check.Rejected {
					if rej.Index == len(settings.FileUpdates)-1 {
						return fmt.Errorf("new file update is invalid: %w", rej.Err)
					}
				}
			}

			if poll != "" {
				d, err := config.ParseDuration(poll)
				if err != nil {
					return fmt.Errorf("--poll-frequency: %w", err)
				}
				settings.PollFrequency = d
			}

			existed := store.Exists()
			if err := store.Save(cmd.Context(), settings); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "wrote %s (%d file updates)\n", store.Path(), len(settings.FileUpdates))
			if existed {
				fmt.Fprintf(out, "previous settings saved to %s\n", store.BackupPath())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "file to update")
	cmd.Flags().StringVar(&search, "search", "", "regular expression to search for")
	cmd.Flags().StringVar(&replace, "replace", "", "replacement; $1 or ${name} insert captured groups")
	cmd.Flags().StringVar(&poll, "poll-frequency", "", "polling interval")
	return cmd
}
