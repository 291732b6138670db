package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/mohammad-safakhou/deepsearch/internal/research"
)

// PostgresStore keeps every snapshot as a JSONB row plus one index row per
// session for listing.
type PostgresStore struct {
	DB *sql.DB
}

// NewPostgresStore opens and pings a Postgres database.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, storeErr("open", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, storeErr("open", err)
	}
	return &PostgresStore{DB: db}, nil
}

func (s *PostgresStore) Close() error { return s.DB.Close() }

const upsertSessionSQL = `
INSERT INTO research_sessions (id, topic, depth_tier, status, output_dir, latest_seq, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  output_dir = EXCLUDED.output_dir,
  latest_seq = EXCLUDED.latest_seq,
  updated_at = EXCLUDED.updated_at
WHERE research_sessions.latest_seq = EXCLUDED.latest_seq - 1;
`

const insertSnapshotSQL = `
INSERT INTO research_snapshots (session_id, seq, status, snapshot)
VALUES ($1,$2,$3,$4);
`

func (s *PostgresStore) Save(ctx context.Context, snap research.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return storeErr("save", err)
	}
	sess := snap.Session
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("save", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, upsertSessionSQL,
		sess.ID, sess.Topic, sess.DepthTier, string(sess.Status), sess.OutputDir, snap.Seq, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return storeErr("save session", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storeErr("save session", fmt.Errorf("%w: session %s seq %d", ErrSeqConflict, sess.ID, snap.Seq))
	}
	if _, err := tx.ExecContext(ctx, insertSnapshotSQL, sess.ID, snap.Seq, string(sess.Status), data); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return storeErr("save snapshot", fmt.Errorf("%w: session %s seq %d", ErrSeqConflict, sess.ID, snap.Seq))
		}
		return storeErr("save snapshot", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("save", err)
	}
	return nil
}

const latestSnapshotSQL = `SELECT snapshot FROM research_snapshots WHERE session_id=$1 ORDER BY seq DESC LIMIT 1`

func (s *PostgresStore) Latest(ctx context.Context, sessionID string) (research.Snapshot, bool, error) {
	var data []byte
	err := s.DB.QueryRowContext(ctx, latestSnapshotSQL, sessionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return research.Snapshot{}, false, nil
	}
	if err != nil {
		return research.Snapshot{}, false, storeErr("latest", err)
	}
	var snap research.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return research.Snapshot{}, false, storeErr("latest", err)
	}
	return snap, true, nil
}

const listSessionsSQL = `SELECT id, topic, depth_tier, status, output_dir, created_at, updated_at FROM research_sessions ORDER BY created_at DESC`

func (s *PostgresStore) List(ctx context.Context) ([]research.Session, error) {
	rows, err := s.DB.QueryContext(ctx, listSessionsSQL)
	if err != nil {
		return nil, storeErr("list", err)
	}
	defer rows.Close()
	var out []research.Session
	for rows.Next() {
		var sess research.Session
		var status string
		if err := rows.Scan(&sess.ID, &sess.Topic, &sess.DepthTier, &status, &sess.OutputDir, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, storeErr("list", err)
		}
		sess.Status = research.Status(status)
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list", err)
	}
	return out, nil
}

const insertScoreSQL = `INSERT INTO judge_scores (session_id, rubric, decision, score) VALUES ($1,$2,$3,$4)`

func (s *PostgresStore) SaveScore(ctx context.Context, sessionID string, score research.JudgeScore) error {
	data, err := json.Marshal(score)
	if err != nil {
		return storeErr("save score", err)
	}
	sid := sql.NullString{String: sessionID, Valid: sessionID != ""}
	decision := sql.NullString{String: string(score.Decision), Valid: score.Decision != ""}
	if _, err := s.DB.ExecContext(ctx, insertScoreSQL, sid, score.Rubric, decision, data); err != nil {
		return storeErr("save score", err)
	}
	return nil
}
