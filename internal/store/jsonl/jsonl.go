package jsonl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hidsward/hidsward/pkg/types"
)

const (
	defaultMaxSizeMB  = 100
	defaultMaxBackups = 3
	fileMode          = 0o640
)

var errClosed = errors.New("incident log closed")

// Store mirrors incidents to a JSON-lines file. When the next line would
// push the file past its size cap, the file is shifted to path.1 (older
// copies move up one number, the oldest beyond maxBackups is dropped).
type Store struct {
	path       string
	maxBytes   int64
	maxBackups int

	mu   sync.Mutex
	f    *os.File
	size int64
}

func New(path string, maxSizeMB int, maxBackups int) (*Store, error) {
	if path == "" {
		return nil, errors.New("incident log path is empty")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = defaultMaxSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir incident log dir: %w", err)
	}
	s := &Store{path: path, maxBytes: int64(maxSizeMB) << 20, maxBackups: maxBackups}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) WriteIncident(_ context.Context, inc types.Incident) error {
	line, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("encode incident %d: %w", inc.ID, err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errClosed
	}
	if s.size > 0 && s.size+int64(len(line)) > s.maxBytes {
		if err := s.rotate(); err != nil {
			return err
		}
	}
	n, err := s.f.Write(line)
	s.size += int64(n)
	if err != nil {
		return fmt.Errorf("append incident %d: %w", inc.ID, err)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *Store) open() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, fileMode)
	if err != nil {
		return fmt.Errorf("open incident log: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat incident log: %w", err)
	}
	s.f, s.size = f, st.Size()
	return nil
}

// rotate runs with mu held. The live file is reopened even when shifting
// backups fails, so a rotation error never closes the log for good.
func (s *Store) rotate() error {
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("close incident log for rotation: %w", err)
	}
	s.f = nil
	shiftErr := s.shiftBackups()
	if err := s.open(); err != nil {
		return err
	}
	return shiftErr
}

func (s *Store) shiftBackups() error {
	for i := s.maxBackups; i > 1; i-- {
		// Renaming over the oldest backup drops it.
		if err := os.Rename(s.backup(i-1), s.backup(i)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("shift incident log backup: %w", err)
		}
	}
	if err := os.Rename(s.path, s.backup(1)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("rotate incident log: %w", err)
	}
	return nil
}

func (s *Store) backup(n int) string { return fmt.Sprintf("%s.%d", s.path, n) }
