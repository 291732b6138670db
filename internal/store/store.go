// Package store persists research session snapshots and their artifacts.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/mohammad-safakhou/deepsearch/config"
	"github.com/mohammad-safakhou/deepsearch/internal/research"
)

// SessionStore is the sole writer of session state. Snapshots are append
// only: Save rejects a snapshot whose Seq does not follow the latest one.
type SessionStore interface {
	Save(ctx context.Context, snap research.Snapshot) error
	Latest(ctx context.Context, sessionID string) (research.Snapshot, bool, error)
	List(ctx context.Context) ([]research.Session, error)
	SaveScore(ctx context.Context, sessionID string, score research.JudgeScore) error
	Close() error
}

// ErrSeqConflict is returned when a snapshot would overwrite or skip history.
var ErrSeqConflict = errors.New("snapshot sequence conflict")

// Open builds the store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StorageConfig) (SessionStore, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.File.DataDir)
	case "postgres":
		pctx, cancel := context.WithTimeout(ctx, cfg.Postgres.Timeout)
		defer cancel()
		return NewPostgresStore(pctx, cfg.Postgres.DSN())
	}
	return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return research.StoreError{Op: op, Err: err}
}
