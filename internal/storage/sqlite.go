package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"msgrouter/internal/messages"
	logx "msgrouter/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	db, err := openDB(cfg.Path, cfg.BusyTimeout)
	if err != nil {
		return nil, err
	}
	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func openDB(path string, busyTimeout time.Duration) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	return db, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(v), nil
}

func (s *sqliteStore) Set(ctx context.Context, key string, value json.RawMessage) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv(key, value, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, string(value), time.Now().Format(time.RFC3339Nano),
	)
	return err
}

// ---- shared (cross-profile) store ----

type sharedSQLiteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSharedSQLite(cfg Config, log logx.Logger) (SharedStore, error) {
	db, err := openDB(cfg.SharedPath, cfg.BusyTimeout)
	if err != nil {
		return nil, err
	}
	st := &sharedSQLiteStore{db: db, log: log}
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(context.Background(), string(b)); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sharedSQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sharedSQLiteStore) GetMessageImpressions(ctx context.Context) (messages.ImpressionMap, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT message_id, timestamps FROM shared_impressions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := messages.ImpressionMap{}
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var ts []int64
		if err := json.Unmarshal([]byte(raw), &ts); err != nil {
			// Malformed row: treat as empty rather than failing the load.
			s.log.Warn("malformed shared impressions row", logx.String("message_id", id), logx.Err(err))
			ts = []int64{}
		}
		out[id] = ts
	}
	return out, rows.Err()
}

func (s *sharedSQLiteStore) GetMessageBlocklist(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT message_id FROM shared_blocklist ORDER BY message_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sharedSQLiteStore) SetMessageImpressions(ctx context.Context, imps messages.ImpressionMap) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM shared_impressions`); err != nil {
		return err
	}
	for id, ts := range imps {
		b, err := json.Marshal(ts)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO shared_impressions(message_id, timestamps) VALUES(?,?)`, id, string(b)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sharedSQLiteStore) SetMessageBlocked(ctx context.Context, id string, blocked bool) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if blocked {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO shared_blocklist(message_id, blocked_at) VALUES(?,?)
			 ON CONFLICT(message_id) DO NOTHING`,
			id, time.Now().Format(time.RFC3339Nano))
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM shared_blocklist WHERE message_id = ?`, id)
	return err
}
