package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"msgrouter/internal/messages"
	logx "msgrouter/pkg/logx"
)

// Store is the async key/value persistence API used by the router. Values
// are opaque JSON; Get returns (nil, nil) for an absent key. Writes are
// serialized per store so a Set observed by a later Get is authoritative.
type Store interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Set(ctx context.Context, key string, value json.RawMessage) error
	Close() error
}

// SharedStore is the cross-profile data path. It must only be used when the
// multi-profile capability is on; profiles of the same user share one backing
// database.
type SharedStore interface {
	GetMessageImpressions(ctx context.Context) (messages.ImpressionMap, error)
	GetMessageBlocklist(ctx context.Context) ([]string, error)
	SetMessageImpressions(ctx context.Context, imps messages.ImpressionMap) error
	SetMessageBlocked(ctx context.Context, id string, blocked bool) error
	Close() error
}

// Open initializes the configured local store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// OpenShared initializes the cross-profile store. It returns (nil, nil) when
// no shared path is configured; callers must treat that as "capability off".
func OpenShared(cfg Config, log logx.Logger) (SharedStore, error) {
	if strings.TrimSpace(cfg.SharedPath) == "" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSharedSQLite(cfg, log)
}
