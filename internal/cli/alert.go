package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/hidsward/hidsward/internal/ingest"
	"github.com/hidsward/hidsward/pkg/types"
	"github.com/spf13/cobra"
)

func newSendAlertCmd() *cobra.Command {
	var socketPath, reason, timestamp string
	var count int
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send-alert ADDRESS",
		Short: "Write a test alert to the alert socket, as the detector would",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := types.Alert{Address: args[0], Reason: reason}
			if timestamp != "" {
				t, err := time.ParseInLocation(ingest.LocalTimestampLayout, timestamp, time.Local)
				if err != nil {
					return fmt.Errorf("invalid --timestamp (want %q): %w", ingest.LocalTimestampLayout, err)
				}
				a.ObservedAt = t
			}
			for i := 0; i < count; i++ {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				err := ingest.SendAlert(ctx, socketPath, a)
				cancel()
				if err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d alert(s) for %s to %s\n", count, a.Address, socketPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&socketPath, "socket", getenvDefault("HIDSWARD_ALERT_SOCKET", "/var/run/hids/alert.sock"), "Alert listener socket")
	cmd.Flags().StringVar(&reason, "reason", "test alert", "Alert reason")
	cmd.Flags().StringVar(&timestamp, "timestamp", "", "Observation time in local time (YYYY-MM-DD HH:MM:SS); default now")
	cmd.Flags().IntVar(&count, "count", 1, "Number of alerts to send")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Per-alert connect and write timeout")
	return cmd
}
