package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hidsward/hidsward/internal/events"
	"github.com/hidsward/hidsward/pkg/types"
)

const (
	streamBuffer  = 200
	wsWriteWait   = 5 * time.Second
	wsPingPeriod  = 30 * time.Second
	wsReadTimeout = 2 * wsPingPeriod
)

// topicFrom returns the broker topic selected by ?type=, defaulting to all
// events.
func topicFrom(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("type")); t != "" {
		return t
	}
	return events.AllTopics
}

// streamEvents serves the broker as server-sent events. An optional
// ?address= narrows the stream to one address.
func (a *App) streamEvents(w http.ResponseWriter, r *http.Request) {
	if a.broker == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "event stream unavailable"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "streaming unsupported"})
		return
	}
	addr := r.URL.Query().Get("address")
	topic := topicFrom(r)
	ch := a.broker.Subscribe(topic, streamBuffer)
	defer a.broker.Unsubscribe(topic, ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	_, _ = fmt.Fprint(w, "event: ready\ndata: {}\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if addr != "" && ev.Address != addr {
				continue
			}
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, b)
			flusher.Flush()
		}
	}
}

// streamEventsWS serves the same stream over a websocket, one JSON text
// message per event.
func (a *App) streamEventsWS(w http.ResponseWriter, r *http.Request) {
	if a.broker == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "event stream unavailable"})
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "websocket upgrade required"})
		return
	}
	up := websocket.Upgrader{
		// Only reachable over the local control socket.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	addr := r.URL.Query().Get("address")
	topic := topicFrom(r)
	ch := a.broker.Subscribe(topic, streamBuffer)
	defer a.broker.Unsubscribe(topic, ch)

	// The reader only exists to notice the peer going away and to handle
	// pong frames.
	closed := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	if err := writeWS(conn, types.Event{Type: "ready", Timestamp: time.Now().UTC()}); err != nil {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
				return
			}
			if addr != "" && ev.Address != addr {
				continue
			}
			if err := writeWS(conn, ev); err != nil {
				return
			}
		}
	}
}

func writeWS(conn *websocket.Conn, ev types.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}
