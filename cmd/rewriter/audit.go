package main

import (
	"errors"
	"fmt"
	"io/fs"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tripwire/rewriter/internal/audit"
)

func newAuditCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Verify the settings revision ledger and list its entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := a.v.GetString(keyAuditLog)
			if path == "" {
				return errors.New("revision ledger is disabled (--audit-log is empty)")
			}

			out := cmd.OutOrStdout()
			entries, err := audit.Verify(path)
			if errors.Is(err, fs.ErrNotExist) {
				fmt.Fprintf(out, "no revisions recorded in %s\n", path)
				return nil
			}
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tTIME\tTRIGGER\tRULES\tREJECTED\tDIGEST")
			for _, e := range entries {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\n",
					e.Seq, e.Timestamp.Local().Format(time.DateTime), e.Revision.Trigger,
					e.Revision.Rules, e.Revision.Rejected, shortDigest(e.Revision.Digest))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "%d entries verified in %s\n", len(entries), path)
			return nil
		},
	}
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
