package cli

import (
	"fmt"

	"github.com/hidsward/hidsward/pkg/types"
	"github.com/spf13/cobra"
)

func newBlockCmd() *cobra.Command {
	var reason, duration string
	cmd := &cobra.Command{
		Use:   "block ADDRESS",
		Short: "Block an IPv4 address",
		Long:  "Block an IPv4 address. --duration takes a Go duration (90m, 24h) or \"permanent\"; empty uses the server default.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFor(cmd)
			if err != nil {
				return err
			}
			res, err := c.Block(cmd.Context(), args[0], reason, duration)
			if err != nil {
				return classify(err)
			}
			return printTransition(cmd, res)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual block", "Reason recorded with the block and in the firewall rule comment")
	cmd.Flags().StringVar(&duration, "duration", "", "Block duration (e.g. 1h, permanent)")
	return cmd
}

func newUnblockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock ADDRESS",
		Short: "Lift a block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFor(cmd)
			if err != nil {
				return err
			}
			res, err := c.Unblock(cmd.Context(), args[0])
			if err != nil {
				return classify(err)
			}
			return printTransition(cmd, res)
		},
	}
}

func printTransition(cmd *cobra.Command, res types.TransitionResult) error {
	if !wantTable(cmd) {
		return printJSON(cmd, res)
	}
	out := cmd.OutOrStdout()
	switch res.Outcome {
	case types.OutcomeBlocked:
		fmt.Fprintf(out, "%s blocked", res.Address)
	case types.OutcomeRefreshed:
		fmt.Fprintf(out, "%s already blocked, record refreshed", res.Address)
	case types.OutcomeUnblocked:
		fmt.Fprintf(out, "%s unblocked\n", res.Address)
		return nil
	case types.OutcomeAlreadyUnblocked:
		fmt.Fprintf(out, "%s was not blocked\n", res.Address)
		return nil
	default:
		fmt.Fprintf(out, "%s %s\n", res.Address, res.Outcome)
		return nil
	}
	if res.Record != nil {
		fmt.Fprintf(out, " (expires: %s)", fmtExpiry(res.Record.ExpiresAt))
	}
	fmt.Fprintln(out)
	return nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status ADDRESS",
		Short: "Show the block state of an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFor(cmd)
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context(), args[0])
			if err != nil {
				return classify(err)
			}
			if !wantTable(cmd) {
				return printJSON(cmd, st)
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintf(tw, "Address:\t%s\n", st.Address)
			fmt.Fprintf(tw, "State:\t%s\n", st.State)
			fmt.Fprintf(tw, "Whitelisted:\t%t\n", st.Whitelisted)
			if st.Record != nil {
				fmt.Fprintf(tw, "Reason:\t%s\n", st.Record.Reason)
				fmt.Fprintf(tw, "Blocked since:\t%s\n", fmtTime(st.Record.CreatedAt))
				fmt.Fprintf(tw, "Expires:\t%s\n", fmtExpiry(st.Record.ExpiresAt))
			}
			return tw.Flush()
		},
	}
}

func newBlocksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "blocks",
		Short: "List active blocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFor(cmd)
			if err != nil {
				return err
			}
			recs, err := c.ListBlocks(cmd.Context())
			if err != nil {
				return classify(err)
			}
			if !wantTable(cmd) {
				if recs == nil {
					recs = []types.BlockRecord{}
				}
				return printJSON(cmd, recs)
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ADDRESS\tSINCE\tEXPIRES\tREASON")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Address, fmtTime(r.CreatedAt), fmtExpiry(r.ExpiresAt), r.Reason)
			}
			return tw.Flush()
		},
	}
}
