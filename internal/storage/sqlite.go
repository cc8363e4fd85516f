package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "jobexec/pkg/logx"

	_ "modernc.org/sqlite"
)

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	// Pragmas go into the DSN so every pooled connection gets them.
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(ON)")
	// Writers take the lock at BEGIN, so a transaction never has to upgrade.
	q.Set("_txlock", "immediate")

	db, err := sql.Open("sqlite", path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	if err := migrate(ctx, db, dialectSQLite, log); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}

	// One connection serializes this process's writers; other processes
	// are arbitrated by SQLite's file lock and busy_timeout.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	log.Debug("sqlite store opened", logx.String("path", path), logx.Duration("busy_timeout", busy))
	return newSQLStore(db, dialectSQLite, cfg, log), nil
}
