package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "msgrouter/pkg/logx"
)

// fileStore is a dependency-free persistence backend: one JSON snapshot file
// holding all keys, rewritten atomically (temp + rename) on every Set.
//
// Write volume is low (block/unblock, impression appends, session end), so a
// full rewrite per Set is acceptable and keeps recovery trivial.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	path string
	kv   map[string]json.RawMessage

	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	kv := map[string]json.RawMessage{}
	if b, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(b, &kv); err != nil {
			// Malformed snapshot: start empty rather than failing init.
			log.Warn("discarding malformed storage snapshot", logx.String("path", path), logx.Err(err))
			kv = map[string]json.RawMessage{}
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	return &fileStore{log: log, path: path, kv: kv}, nil
}

func (s *fileStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("store closed")
	}
	v, ok := s.kv[key]
	if !ok {
		return nil, nil
	}
	return append(json.RawMessage(nil), v...), nil
}

func (s *fileStore) Set(ctx context.Context, key string, value json.RawMessage) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("store closed")
	}
	s.kv[key] = append(json.RawMessage(nil), value...)
	return s.flushLocked()
}

func (s *fileStore) flushLocked() error {
	// Compact marshal: stored RawMessage values must round-trip byte for byte.
	b, err := json.Marshal(s.kv)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
