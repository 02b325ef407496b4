package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hidsward/hidsward/pkg/types"
)

// LocalTimestampLayout is the layout the detector writes, in host local time.
const LocalTimestampLayout = "2006-01-02 15:04:05"

const (
	maxReasonLen    = 1024
	maxEpochSeconds = float64(math.MaxInt64 / 1e9)
)

type wireAlert struct {
	Address   string          `json:"address"`
	IP        string          `json:"ip"`
	Reason    string          `json:"reason"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// Decode parses one alert message. The address may be sent as "address" or
// "ip"; when both are present they must agree. A missing timestamp resolves
// to received.
func Decode(payload []byte, received time.Time) (types.Alert, error) {
	var w wireAlert
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&w); err != nil {
		return types.Alert{}, fmt.Errorf("%w: %v", types.ErrMalformedAlert, err)
	}
	if dec.More() {
		return types.Alert{}, fmt.Errorf("%w: trailing data after alert", types.ErrMalformedAlert)
	}

	addr := w.Address
	switch {
	case addr == "":
		addr = w.IP
	case w.IP != "" && w.IP != addr:
		return types.Alert{}, fmt.Errorf("%w: address %q and ip %q disagree", types.ErrMalformedAlert, w.Address, w.IP)
	}
	if addr == "" {
		return types.Alert{}, fmt.Errorf("%w: missing address", types.ErrMalformedAlert)
	}
	if err := types.ValidateIPv4(addr); err != nil {
		return types.Alert{}, fmt.Errorf("%w: %w", types.ErrMalformedAlert, err)
	}
	reason := strings.TrimSpace(w.Reason)
	if reason == "" {
		return types.Alert{}, fmt.Errorf("%w: missing reason", types.ErrMalformedAlert)
	}
	reason = truncateUTF8(reason, maxReasonLen)

	observed := received
	if len(w.Timestamp) > 0 && string(w.Timestamp) != "null" {
		ts, err := parseTimestamp(w.Timestamp)
		if err != nil {
			return types.Alert{}, fmt.Errorf("%w: timestamp: %v", types.ErrMalformedAlert, err)
		}
		observed = ts
	}
	return types.Alert{Address: addr, Reason: reason, ObservedAt: observed.UTC()}, nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.ParseInLocation(LocalTimestampLayout, s, time.Local); err == nil {
			return t, nil
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, nil
		}
		return time.Time{}, fmt.Errorf("unrecognized format %q", s)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return time.Time{}, fmt.Errorf("want string or number, got %s", raw)
	}
	// Beyond maxEpochSeconds the nanosecond count no longer fits an int64.
	if f < 0 || f > maxEpochSeconds || math.IsNaN(f) {
		return time.Time{}, fmt.Errorf("out of range: %v", f)
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)), nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
