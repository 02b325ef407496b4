package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hidsward/hidsward/internal/blockstate"
	"github.com/hidsward/hidsward/internal/events"
	"github.com/hidsward/hidsward/internal/firewall"
	"github.com/hidsward/hidsward/internal/store/sqlite"
	"github.com/hidsward/hidsward/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	app    *App
	eff    *firewall.Memory
	store  *sqlite.Store
	broker *events.Broker
	srv    *httptest.Server
}

func newTestEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "hidsward.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	broker := events.NewBroker(nil)
	eff := firewall.NewMemory()
	m, err := blockstate.New(blockstate.Options{Ledger: st, Whitelist: st, Effector: eff, Broker: broker})
	require.NoError(t, err)
	t.Cleanup(m.Stop)

	app := NewApp(Options{
		Blocks:          m,
		Incidents:       st,
		Broker:          broker,
		Metrics:         http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "hidsward_up 1\n") }),
		APIKey:          apiKey,
		DefaultDuration: time.Hour,
	})
	srv := httptest.NewServer(app.Router())
	t.Cleanup(srv.Close)
	return &testEnv{app: app, eff: eff, store: st, broker: broker, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func TestHealthAndAuth(t *testing.T) {
	env := newTestEnv(t, "s3cret")

	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	code, body := env.do(t, http.MethodGet, "/api/v1/blocks/203.0.113.7", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "unauthorized", body["error"])

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/metrics", nil)
	req.Header.Set(APIKeyHeader, "s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "hidsward_up")
}

func TestBlockLifecycle(t *testing.T) {
	env := newTestEnv(t, "")

	code, body := env.do(t, http.MethodPut, "/api/v1/blocks/203.0.113.7", `{"reason":"ssh brute force","duration":"permanent"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["changed"])
	assert.Equal(t, "blocked", body["outcome"])

	code, body = env.do(t, http.MethodPut, "/api/v1/blocks/203.0.113.7", `{"reason":"again"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["changed"])
	assert.Equal(t, "refreshed", body["outcome"])
	rec := body["record"].(map[string]any)
	assert.NotEmpty(t, rec["expires_at"], "empty duration uses the default")

	code, body = env.do(t, http.MethodGet, "/api/v1/blocks/203.0.113.7", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "blocked", body["state"])

	resp, err := http.Get(env.srv.URL + "/api/v1/blocks")
	require.NoError(t, err)
	var list []types.BlockRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list, 1)
	assert.Equal(t, "again", list[0].Reason)

	code, body = env.do(t, http.MethodDelete, "/api/v1/blocks/203.0.113.7", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["changed"])

	code, body = env.do(t, http.MethodDelete, "/api/v1/blocks/203.0.113.7", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["changed"])
	assert.Equal(t, "already_unblocked", body["outcome"])

	_, adds, removes, _ := env.eff.Stats()
	assert.Equal(t, 1, adds)
	assert.Equal(t, 1, removes)
}

func TestBlockErrorMapping(t *testing.T) {
	env := newTestEnv(t, "")

	code, _ := env.do(t, http.MethodPut, "/api/v1/whitelist/198.51.100.9", `{"note":"office"}`)
	require.Equal(t, http.StatusOK, code)

	code, body := env.do(t, http.MethodPut, "/api/v1/blocks/198.51.100.9", `{"reason":"x"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["error"], "whitelisted")

	code, _ = env.do(t, http.MethodPut, "/api/v1/blocks/not-an-ip", `{"reason":"x"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodPut, "/api/v1/blocks/127.0.0.1", `{"reason":"x"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodPut, "/api/v1/blocks/203.0.113.8", `{"reason":""}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodPut, "/api/v1/blocks/203.0.113.8", `{"reason":"x","duration":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodPut, "/api/v1/blocks/203.0.113.8", `{"reason":`)
	assert.Equal(t, http.StatusBadRequest, code)

	env.eff.SetErrors(errors.New("iptables: exit status 4"), nil)
	code, body = env.do(t, http.MethodPut, "/api/v1/blocks/203.0.113.8", `{"reason":"x"}`)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Contains(t, body["error"], "enforcement failed")
}

func TestWhitelistEndpoints(t *testing.T) {
	env := newTestEnv(t, "")

	_, _ = env.do(t, http.MethodPut, "/api/v1/blocks/203.0.113.7", `{"reason":"x"}`)
	code, body := env.do(t, http.MethodPut, "/api/v1/whitelist/203.0.113.7", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["added"])
	assert.Equal(t, true, body["still_blocked"])

	resp, err := http.Get(env.srv.URL + "/api/v1/whitelist")
	require.NoError(t, err)
	var entries []types.WhitelistEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	resp.Body.Close()
	require.Len(t, entries, 1)

	code, body = env.do(t, http.MethodDelete, "/api/v1/whitelist/203.0.113.7", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["removed"])
	code, body = env.do(t, http.MethodDelete, "/api/v1/whitelist/203.0.113.7", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["changed"])
}

func TestIncidentEndpoints(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	now := time.Now().UTC()
	for i, addr := range []string{"203.0.113.1", "203.0.113.1", "203.0.113.2"} {
		_, err := env.store.AppendIncident(ctx, types.Incident{Address: addr, Reason: "ssh", ObservedAt: now.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}

	resp, err := http.Get(env.srv.URL + "/api/v1/incidents?limit=2")
	require.NoError(t, err)
	var incs []types.Incident
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&incs))
	resp.Body.Close()
	assert.Len(t, incs, 2)

	resp, err = http.Get(env.srv.URL + "/api/v1/incidents/203.0.113.1")
	require.NoError(t, err)
	incs = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&incs))
	resp.Body.Close()
	assert.Len(t, incs, 2)

	code, body := env.do(t, http.MethodGet, "/api/v1/incidents/stats", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 3, body["total"])
	assert.EqualValues(t, 2, body["addresses"])

	code, _ = env.do(t, http.MethodGet, "/api/v1/incidents?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = env.do(t, http.MethodGet, "/api/v1/incidents/bogus", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestStreamEventsSSE(t *testing.T) {
	env := newTestEnv(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/api/v1/events?address=203.0.113.7", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	require.True(t, sc.Scan())
	assert.Equal(t, "event: ready", sc.Text())

	_, _ = env.do(t, http.MethodPut, "/api/v1/blocks/203.0.113.99", `{"reason":"other"}`)
	_, _ = env.do(t, http.MethodPut, "/api/v1/blocks/203.0.113.7", `{"reason":"ssh"}`)

	var data string
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "data: {\"id\"") {
			data = strings.TrimPrefix(sc.Text(), "data: ")
			break
		}
	}
	var ev types.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, "203.0.113.7", ev.Address)
	assert.Equal(t, types.EventBlockStateChange, ev.Type)
	assert.Equal(t, types.StateBlocked, ev.NewState)
}

func TestStreamEventsWebsocket(t *testing.T) {
	env := newTestEnv(t, "")
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/v1/events/ws?type=" + types.EventWhitelistChange
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ready types.Event
	require.NoError(t, conn.ReadJSON(&ready))
	assert.Equal(t, "ready", ready.Type)

	_, _ = env.do(t, http.MethodPut, "/api/v1/blocks/203.0.113.7", `{"reason":"ssh"}`)
	_, _ = env.do(t, http.MethodPut, "/api/v1/whitelist/203.0.113.7", `{"note":"vpn"}`)

	var ev types.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, types.EventWhitelistChange, ev.Type)
	assert.Equal(t, "added", ev.Cause)

	code, _ := env.do(t, http.MethodGet, "/api/v1/events/ws", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestParseBlockDuration(t *testing.T) {
	d, err := ParseBlockDuration("", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, d)

	d, err = ParseBlockDuration("permanent", time.Hour)
	require.NoError(t, err)
	assert.Zero(t, d)

	d, err = ParseBlockDuration("0", time.Hour)
	require.NoError(t, err)
	assert.Zero(t, d)

	d, err = ParseBlockDuration("90m", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d)

	_, err = ParseBlockDuration("-1h", time.Hour)
	assert.Error(t, err)
}
