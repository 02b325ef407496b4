package cli

import (
	"fmt"

	"github.com/hidsward/hidsward/pkg/types"
	"github.com/spf13/cobra"
)

func newIncidentsCmd() *cobra.Command {
	var limit int
	var stats bool
	cmd := &cobra.Command{
		Use:   "incidents [ADDRESS]",
		Short: "List recent incidents, optionally for one address",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFor(cmd)
			if err != nil {
				return err
			}
			if stats {
				st, err := c.IncidentStats(cmd.Context())
				if err != nil {
					return classify(err)
				}
				if !wantTable(cmd) {
					return printJSON(cmd, st)
				}
				tw := newTable(cmd.OutOrStdout())
				fmt.Fprintf(tw, "Total:\t%d\n", st.Total)
				fmt.Fprintf(tw, "Addresses:\t%d\n", st.Addresses)
				fmt.Fprintf(tw, "Blocked:\t%d\n", st.Blocked)
				for _, rc := range st.ByReason {
					fmt.Fprintf(tw, "  %s\t%d\n", rc.Reason, rc.Count)
				}
				return tw.Flush()
			}

			var address string
			if len(args) == 1 {
				address = args[0]
			}
			incs, err := c.Incidents(cmd.Context(), address, limit)
			if err != nil {
				return classify(err)
			}
			if !wantTable(cmd) {
				if incs == nil {
					incs = []types.Incident{}
				}
				return printJSON(cmd, incs)
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tOBSERVED\tADDRESS\tBLOCKED\tREASON")
			for _, inc := range incs {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\n", inc.ID, fmtTime(inc.ObservedAt), inc.Address, inc.Blocked, inc.Reason)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum incidents to list")
	cmd.Flags().BoolVar(&stats, "stats", false, "Show aggregate counts instead of individual incidents")
	return cmd
}
