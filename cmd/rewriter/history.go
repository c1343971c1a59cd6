package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the most recent file inspections and rewrites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			j, err := a.openJournal()
			if err != nil {
				return err
			}
			if j == nil {
				return errors.New("update history is disabled (--journal is empty)")
			}
			defer j.Close()

			entries, err := j.Recent(cmd.Context(), a.v.GetInt(keyHistoryMax))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "no updates recorded")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tMETHOD\tACTION\tCHANGES\tWRITTEN\tFILE\tERROR")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\t%s\t%s\n",
					e.RecordedAt.Local().Format(time.DateTime), e.Method, e.Action, e.Changes, e.Wrote, e.Path, e.Error)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntP(keyHistoryMax, "n", 20, "number of entries to show")
	_ = a.v.BindPFlag(keyHistoryMax, cmd.Flags().Lookup(keyHistoryMax))
	return cmd
}
