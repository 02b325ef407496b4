package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/hidsward/hidsward/pkg/types"
)

// SendAlert writes one alert to a listener socket the way the detector does:
// "ip", "reason" and a local-time timestamp, then closes the connection.
func SendAlert(ctx context.Context, socketPath string, a types.Alert) error {
	observed := a.ObservedAt
	if observed.IsZero() {
		observed = time.Now()
	}
	payload, err := json.Marshal(map[string]string{
		"ip":        a.Address,
		"reason":    a.Reason,
		"timestamp": observed.Local().Format(LocalTimestampLayout),
	})
	if err != nil {
		return err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return fmt.Errorf("dial %s: %w", socketPath, err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write alert: %w", err)
	}
	return nil
}
