// Package webhook posts batches of events as JSON arrays.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/hidsward/hidsward/pkg/types"
)

var errClosed = errors.New("webhook sink closed")

// Sink buffers events and POSTs them as one JSON array per batch. A batch
// goes out when it reaches batchSize, or on the first Send or Flush after
// flushInterval has passed since the previous post.
type Sink struct {
	url           string
	batchSize     int
	flushInterval time.Duration
	timeout       time.Duration
	headers       map[string]string
	client        *http.Client

	mu      sync.Mutex
	pending []types.Event
	last    time.Time
	closed  bool
}

func New(url string, batchSize int, flushInterval time.Duration, timeout time.Duration, headers map[string]string) (*Sink, error) {
	if url == "" {
		return nil, errors.New("webhook url is empty")
	}
	if batchSize <= 0 {
		batchSize = 20
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Sink{
		url:           url,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		timeout:       timeout,
		headers:       maps.Clone(headers),
		client:        &http.Client{Timeout: timeout},
		last:          time.Now(),
	}, nil
}

func (s *Sink) Name() string { return "webhook" }

func (s *Sink) Send(ctx context.Context, ev types.Event) error {
	batch, err := s.take(func() bool {
		s.pending = append(s.pending, ev)
		return len(s.pending) >= s.batchSize || s.due()
	})
	if err != nil || batch == nil {
		return err
	}
	return s.post(ctx, batch)
}

// Flush posts the buffer once the flush interval has passed.
func (s *Sink) Flush(ctx context.Context) error {
	batch, err := s.take(s.due)
	if err != nil || batch == nil {
		return err
	}
	return s.post(ctx, batch)
}

// Close posts whatever is buffered. Later sends fail.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.post(ctx, batch)
}

func (s *Sink) due() bool { return time.Since(s.last) >= s.flushInterval }

// take runs ready under the lock and hands back the buffer when it says so.
func (s *Sink) take(ready func() bool) ([]types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}
	if !ready() || len(s.pending) == 0 {
		return nil, nil
	}
	batch := s.pending
	s.pending = nil
	s.last = time.Now()
	return batch, nil
}

func (s *Sink) post(ctx context.Context, batch []types.Event) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode %d events: %w", len(batch), err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %d events: %w", len(batch), err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook responded %s", resp.Status)
	}
	return nil
}
