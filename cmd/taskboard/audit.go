package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/basket/taskboard/internal/audit"
)

func newAuditCmd() *cobra.Command {
	var (
		q          audit.Query
		deniedOnly bool
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent access decisions from the local database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, store, err := openLocalStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if deniedOnly {
				q.Decision = audit.DecisionDeny
			}
			entries, err := audit.Recent(cmd.Context(), store.DB(), q)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tDECISION\tCAPABILITY\tSUBJECT\tREASON")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.Time.Format("2006-01-02 15:04:05"), e.Decision, e.Capability, e.Subject, e.Reason)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&deniedOnly, "denied", false, "only deny decisions")
	cmd.Flags().StringVar(&q.Capability, "capability", "", "filter by capability")
	cmd.Flags().IntVarP(&q.Limit, "limit", "n", 50, "maximum rows")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "emit JSON")
	return cmd
}
