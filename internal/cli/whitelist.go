package cli

import (
	"fmt"

	"github.com/hidsward/hidsward/pkg/types"
	"github.com/spf13/cobra"
)

func newWhitelistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whitelist",
		Short: "Manage addresses that must never be blocked",
	}
	cmd.AddCommand(newWhitelistAddCmd(), newWhitelistRemoveCmd(), newWhitelistListCmd())
	return cmd
}

func newWhitelistAddCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "add ADDRESS",
		Short: "Whitelist an address (an existing block stays in place)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFor(cmd)
			if err != nil {
				return err
			}
			res, err := c.AddWhitelist(cmd.Context(), args[0], note)
			if err != nil {
				return classify(err)
			}
			if !wantTable(cmd) {
				return printJSON(cmd, res)
			}
			out := cmd.OutOrStdout()
			if res.Added {
				fmt.Fprintf(out, "%s whitelisted\n", res.Entry.Address)
			} else {
				fmt.Fprintf(out, "%s was already whitelisted\n", res.Entry.Address)
			}
			if res.StillBlocked {
				fmt.Fprintf(cmd.ErrOrStderr(), "note: %s is still blocked; run `hidsward unblock %s` to lift it\n", res.Entry.Address, res.Entry.Address)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "Free-form note stored with the entry")
	return cmd
}

func newWhitelistRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove ADDRESS",
		Aliases: []string{"rm"},
		Short:   "Remove an address from the whitelist",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFor(cmd)
			if err != nil {
				return err
			}
			removed, err := c.RemoveWhitelist(cmd.Context(), args[0])
			if err != nil {
				return classify(err)
			}
			if !wantTable(cmd) {
				return printJSON(cmd, map[string]any{"address": args[0], "removed": removed})
			}
			if removed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s removed from whitelist\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s was not whitelisted\n", args[0])
			}
			return nil
		},
	}
}

func newWhitelistListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List whitelisted addresses",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFor(cmd)
			if err != nil {
				return err
			}
			entries, err := c.ListWhitelist(cmd.Context())
			if err != nil {
				return classify(err)
			}
			if !wantTable(cmd) {
				if entries == nil {
					entries = []types.WhitelistEntry{}
				}
				return printJSON(cmd, entries)
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ADDRESS\tADDED\tNOTE")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Address, fmtTime(e.AddedAt), e.Note)
			}
			return tw.Flush()
		},
	}
}
