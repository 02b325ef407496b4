package cli

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/hidsward/hidsward/internal/client"
	"github.com/hidsward/hidsward/pkg/types"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	var address, eventType string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream alert, block and whitelist events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFor(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			table := wantTable(cmd)
			out := cmd.OutOrStdout()
			err = c.WatchEvents(ctx, client.WatchFilter{Address: address, Type: eventType}, func(ev types.Event) error {
				if !table {
					b, err := json.Marshal(ev)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(out, string(b))
					return err
				}
				_, err := fmt.Fprintln(out, formatEvent(ev))
				return err
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "Only show events for this address")
	cmd.Flags().StringVar(&eventType, "type", "", "Only show one event type (alert, block_state_changed, whitelist_changed)")
	return cmd
}

func formatEvent(ev types.Event) string {
	ts := fmtTime(ev.Timestamp)
	switch ev.Type {
	case types.EventAlert:
		return fmt.Sprintf("%s  alert      %-15s  %s", ts, ev.Address, ev.Reason)
	case types.EventBlockStateChange:
		s := fmt.Sprintf("%s  %-9s  %-15s  %s", ts, ev.NewState, ev.Address, ev.Cause)
		if ev.NewState == types.StateBlocked {
			s += fmt.Sprintf(" until %s: %s", fmtExpiry(ev.ExpiresAt), ev.Reason)
		}
		return s
	case types.EventWhitelistChange:
		return fmt.Sprintf("%s  whitelist  %-15s  %s", ts, ev.Address, ev.Cause)
	}
	return fmt.Sprintf("%s  %s  %s", ts, ev.Type, ev.Address)
}
