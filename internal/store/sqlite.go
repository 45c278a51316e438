package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "feedwatch/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	chat_id      INTEGER NOT NULL,
	url          TEXT    NOT NULL,
	cadence_min  INTEGER NOT NULL,
	last_seen_id TEXT,
	created_at   TEXT    NOT NULL,
	PRIMARY KEY (chat_id, url)
);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Load(ctx context.Context) (State, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, url, cadence_min, last_seen_id, created_at
		 FROM subscriptions ORDER BY chat_id, created_at`)
	if err != nil {
		// Unreadable state is "start fresh", never fatal.
		s.log.Warn("subscription table unreadable; starting fresh", logx.Err(err))
		return State{}, nil
	}
	defer rows.Close()

	st := State{}
	for rows.Next() {
		var (
			chatID    int64
			sub       Subscription
			lastSeen  sql.NullString
			createdAt string
		)
		if err := rows.Scan(&chatID, &sub.URL, &sub.CadenceMin, &lastSeen, &createdAt); err != nil {
			s.log.Warn("subscription row skipped", logx.Err(err))
			continue
		}
		if lastSeen.Valid {
			sub.LastSeenID = lastSeen.String
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			sub.CreatedAt = t
		}
		st[chatID] = append(st[chatID], sub)
	}
	if err := rows.Err(); err != nil {
		s.log.Warn("subscription scan ended early; starting fresh", logx.Err(err))
		return State{}, nil
	}
	return st, nil
}

func (s *sqliteStore) Save(ctx context.Context, st State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Replace-all keeps Save semantics identical across drivers: the persisted
	// document is always the full mapping.
	if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions`); err != nil {
		return err
	}
	for chatID, subs := range st {
		for _, sub := range subs {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO subscriptions(chat_id, url, cadence_min, last_seen_id, created_at)
				 VALUES(?,?,?,?,?)`,
				chatID, sub.URL, sub.CadenceMin, nullStr(sub.LastSeenID),
				sub.CreatedAt.Format(time.RFC3339Nano),
			)
			if err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
