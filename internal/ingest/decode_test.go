package ingest

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/hidsward/hidsward/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	received := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	local := time.Date(2024, 3, 9, 14, 30, 5, 0, time.Local)

	tests := []struct {
		name     string
		payload  string
		wantAddr string
		wantTime time.Time
		wantErr  bool
	}{
		{name: "address key", payload: `{"address":"10.1.2.3","reason":"ssh"}`, wantAddr: "10.1.2.3", wantTime: received},
		{name: "ip alias", payload: `{"ip":"10.1.2.3","reason":"ssh"}`, wantAddr: "10.1.2.3", wantTime: received},
		{name: "both agree", payload: `{"ip":"10.1.2.3","address":"10.1.2.3","reason":"ssh"}`, wantAddr: "10.1.2.3", wantTime: received},
		{name: "detector timestamp", payload: `{"ip":"10.1.2.3","reason":"ssh","timestamp":"2024-03-09 14:30:05"}`, wantAddr: "10.1.2.3", wantTime: local},
		{name: "rfc3339", payload: `{"ip":"10.1.2.3","reason":"ssh","timestamp":"2024-03-09T14:30:05Z"}`, wantAddr: "10.1.2.3", wantTime: time.Date(2024, 3, 9, 14, 30, 5, 0, time.UTC)},
		{name: "epoch", payload: `{"ip":"10.1.2.3","reason":"ssh","timestamp":1700000000.5}`, wantAddr: "10.1.2.3", wantTime: time.Unix(1700000000, 500000000)},
		{name: "null timestamp", payload: `{"ip":"10.1.2.3","reason":"ssh","timestamp":null}`, wantAddr: "10.1.2.3", wantTime: received},
		{name: "not json", payload: `ip=10.1.2.3`, wantErr: true},
		{name: "trailing data", payload: `{"ip":"10.1.2.3","reason":"a"}{}`, wantErr: true},
		{name: "missing reason", payload: `{"ip":"10.1.2.3"}`, wantErr: true},
		{name: "blank reason", payload: `{"ip":"10.1.2.3","reason":"  "}`, wantErr: true},
		{name: "missing address", payload: `{"reason":"ssh"}`, wantErr: true},
		{name: "disagreeing keys", payload: `{"ip":"10.1.2.3","address":"10.1.2.4","reason":"ssh"}`, wantErr: true},
		{name: "ipv6", payload: `{"ip":"::1","reason":"ssh"}`, wantErr: true},
		{name: "octet range", payload: `{"ip":"10.1.2.256","reason":"ssh"}`, wantErr: true},
		{name: "leading zero", payload: `{"ip":"10.01.2.3","reason":"ssh"}`, wantErr: true},
		{name: "bad timestamp", payload: `{"ip":"10.1.2.3","reason":"ssh","timestamp":"yesterday"}`, wantErr: true},
		{name: "negative epoch", payload: `{"ip":"10.1.2.3","reason":"ssh","timestamp":-5}`, wantErr: true},
		{name: "epoch overflows nanoseconds", payload: `{"ip":"10.1.2.3","reason":"ssh","timestamp":1e19}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := Decode([]byte(tt.payload), received)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, types.ErrMalformedAlert))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAddr, a.Address)
			assert.True(t, tt.wantTime.Equal(a.ObservedAt), "got %s want %s", a.ObservedAt, tt.wantTime)
			assert.Equal(t, time.UTC, a.ObservedAt.Location())
		})
	}
}

func TestDecode_TruncatesLongReason(t *testing.T) {
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	a, err := Decode([]byte(`{"ip":"1.2.3.4","reason":"`+string(long)+`"}`), time.Now())
	require.NoError(t, err)
	assert.Len(t, a.Reason, maxReasonLen)

	// 400 three-byte runes: the cut must land on a rune boundary.
	euros := strings.Repeat("€", 400)
	a, err = Decode([]byte(`{"ip":"1.2.3.4","reason":"`+euros+`"}`), time.Now())
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(a.Reason))
	assert.Len(t, a.Reason, 1023)
	assert.True(t, strings.HasPrefix(euros, a.Reason))
}
