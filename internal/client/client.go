package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hidsward/hidsward/pkg/types"
)

const unixScheme = "unix://"

// Client talks to the HTTP control API. A base URL of the form
// unix:///path/to/control.sock dials the unix socket.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	// streamClient has no overall timeout, for event streams.
	streamClient *http.Client
}

func New(baseURL string, apiKey string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	tr := &http.Transport{}
	if strings.HasPrefix(baseURL, unixScheme) {
		sock := strings.TrimPrefix(baseURL, unixScheme)
		var d net.Dialer
		tr.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			return d.DialContext(ctx, "unix", sock)
		}
		baseURL = "http://unix"
	}
	return &Client{
		baseURL:      baseURL,
		apiKey:       apiKey,
		httpClient:   &http.Client{Transport: tr, Timeout: 30 * time.Second},
		streamClient: &http.Client{Transport: tr},
	}
}

// HTTPError is returned for any non-2xx response.
type HTTPError struct {
	Method     string
	Path       string
	Status     string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s %s: %s", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: %s: %s", e.Method, e.Path, e.Status, body)
}

// Unwrap maps the API's status codes back to the domain sentinels so callers
// can use errors.Is.
func (e *HTTPError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusConflict:
		return types.ErrWhitelistConflict
	case http.StatusBadGateway:
		return types.ErrEnforcementFailed
	}
	return nil
}

func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/health", nil, nil, nil)
}

func (c *Client) Block(ctx context.Context, address, reason, duration string) (types.TransitionResult, error) {
	var out types.TransitionResult
	body := types.BlockRequest{Reason: reason, Duration: duration}
	err := c.doJSON(ctx, http.MethodPut, "/api/v1/blocks/"+url.PathEscape(address), nil, body, &out)
	return out, err
}

func (c *Client) Unblock(ctx context.Context, address string) (types.TransitionResult, error) {
	var out types.TransitionResult
	err := c.doJSON(ctx, http.MethodDelete, "/api/v1/blocks/"+url.PathEscape(address), nil, nil, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context, address string) (types.BlockStatus, error) {
	var out types.BlockStatus
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/blocks/"+url.PathEscape(address), nil, nil, &out)
	return out, err
}

func (c *Client) ListBlocks(ctx context.Context) ([]types.BlockRecord, error) {
	var out []types.BlockRecord
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/blocks", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Incidents lists recent incidents, newest first. An empty address lists
// across all addresses.
func (c *Client) Incidents(ctx context.Context, address string, limit int) ([]types.Incident, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/incidents"
	if address != "" {
		path += "/" + url.PathEscape(address)
	}
	var out []types.Incident
	if err := c.doJSON(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) IncidentStats(ctx context.Context) (types.IncidentStats, error) {
	var out types.IncidentStats
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/incidents/stats", nil, nil, &out)
	return out, err
}

func (c *Client) AddWhitelist(ctx context.Context, address, note string) (types.WhitelistResult, error) {
	var out types.WhitelistResult
	err := c.doJSON(ctx, http.MethodPut, "/api/v1/whitelist/"+url.PathEscape(address), nil, types.WhitelistRequest{Note: note}, &out)
	return out, err
}

func (c *Client) RemoveWhitelist(ctx context.Context, address string) (bool, error) {
	var out struct {
		Removed bool `json:"removed"`
	}
	err := c.doJSON(ctx, http.MethodDelete, "/api/v1/whitelist/"+url.PathEscape(address), nil, nil, &out)
	return out.Removed, err
}

func (c *Client) ListWhitelist(ctx context.Context) ([]types.WhitelistEntry, error) {
	var out []types.WhitelistEntry
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/whitelist", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchEvents follows the server-sent event stream and calls fn for every
// event until ctx is done, the stream ends, or fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, f WatchFilter, fn func(types.Event) error) error {
	q := f.values()
	u := c.baseURL + "/api/v1/events"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	c.addAuth(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
		return &HTTPError{Method: http.MethodGet, Path: "/api/v1/events", Status: resp.Status, StatusCode: resp.StatusCode, Body: string(b)}
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var event string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if event == "ready" {
				continue
			}
			var ev types.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			if err := fn(ev); err != nil {
				return err
			}
		case line == "":
			event = ""
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return sc.Err()
}

// WatchFilter narrows an event stream.
type WatchFilter struct {
	Address string
	Type    string
}

func (f WatchFilter) values() url.Values {
	q := url.Values{}
	if f.Address != "" {
		q.Set("address", f.Address)
	}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	return q
}

func (c *Client) doJSON(ctx context.Context, method, path string, q url.Values, body any, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return err
	}
	c.addAuth(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return &HTTPError{Method: method, Path: path, Status: resp.Status, StatusCode: resp.StatusCode, Body: errorBody(b)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// errorBody unwraps the API's {"error": "..."} envelope when present.
func errorBody(b []byte) string {
	var env struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil && env.Error != "" {
		return env.Error
	}
	return strings.TrimSpace(string(b))
}

func (c *Client) addAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}
