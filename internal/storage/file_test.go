package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	logx "msgrouter/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " None "} {
		s, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q) error: %v", driver, err)
		}
		if s != nil {
			t.Fatalf("Open(%q) must return nil store", driver)
		}
	}
	if _, err := Open(Config{Driver: "bolt"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver must error")
	}
}

func TestOpenSharedWithoutPath(t *testing.T) {
	t.Parallel()
	s, err := OpenShared(Config{}, logx.Nop())
	if err != nil || s != nil {
		t.Fatalf("OpenShared without path = %v, %v; want nil, nil", s, err)
	}
}

func TestFileStoreRoundtrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}

	if v, err := s.Get(ctx, KeyMessageBlockList); err != nil || v != nil {
		t.Fatalf("absent key = %s, %v; want nil, nil", v, err)
	}

	if err := s.Set(ctx, KeyMessageBlockList, json.RawMessage(`["a","b"]`)); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	got, err := s.Get(ctx, KeyMessageBlockList)
	if err != nil || string(got) != `["a","b"]` {
		t.Fatalf("Get = %s, %v", got, err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if _, err := s.Get(ctx, KeyMessageBlockList); err == nil {
		t.Fatal("Get after Close must error")
	}

	// Reopening sees the flushed snapshot.
	s2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer s2.Close()
	got, err = s2.Get(ctx, KeyMessageBlockList)
	if err != nil || string(got) != `["a","b"]` {
		t.Fatalf("Get after reopen = %s, %v", got, err)
	}
}

func TestFileStoreMalformedSnapshot(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer s.Close()
	if v, err := s.Get(context.Background(), KeyPreviousSessionEnd); err != nil || v != nil {
		t.Fatalf("malformed snapshot must start empty, got %s, %v", v, err)
	}
}
