package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/mohammad-safakhou/deepsearch/internal/research"
)

// FileStore keeps one directory per session:
//
//	<root>/<id>/snapshots/000001-created.json
//	<root>/<id>/plan.json
//	<root>/<id>/findings/sq-01.json, sq-01.attempt-2.json
//	<root>/<id>/evaluations/evaluation-1.json
//	<root>/<id>/report.md, report.json
//	<root>/<id>/scores/score-001.json
//
// Files are written with temp+rename and never rewritten once present.
type FileStore struct {
	root string
	mu   sync.Mutex
}

// NewFileStore creates root if needed.
func NewFileStore(root string) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, storeErr("open", errors.New("data dir is empty"))
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, storeErr("open", err)
	}
	return &FileStore{root: root}, nil
}

// Root returns the data directory.
func (s *FileStore) Root() string { return s.root }

// SessionDir returns the directory holding a session's files.
func (s *FileStore) SessionDir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) Save(ctx context.Context, snap research.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return storeErr("save", err)
	}
	id := snap.Session.ID
	if !validID(id) {
		return storeErr("save", fmt.Errorf("invalid session id %q", id))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.SessionDir(id)
	for _, sub := range []string{"snapshots", "findings", "evaluations"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return storeErr("save", err)
		}
	}
	latest, _, err := s.latestSnapshotFile(id)
	if err != nil {
		return storeErr("save", err)
	}
	if snap.Seq != latest+1 {
		return storeErr("save", fmt.Errorf("%w: session %s has seq %d, got %d", ErrSeqConflict, id, latest, snap.Seq))
	}

	// artifacts first so a snapshot never references a file that is missing
	if err := s.writeArtifacts(dir, snap); err != nil {
		return storeErr("save artifacts", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return storeErr("save", err)
	}
	name := fmt.Sprintf("%06d-%s.json", snap.Seq, snap.Session.Status)
	if err := writeOnce(filepath.Join(dir, "snapshots", name), data); err != nil {
		return storeErr("save", err)
	}
	return nil
}

func (s *FileStore) writeArtifacts(dir string, snap research.Snapshot) error {
	if len(snap.Plan) > 0 {
		name := "plan.json"
		if hasGapFillQuestions(snap.Plan) {
			name = fmt.Sprintf("plan.gap-fill-%d.json", snap.Session.GapFills)
		}
		if err := writeJSONOnce(filepath.Join(dir, name), snap.Plan); err != nil {
			return err
		}
	}
	for _, f := range snap.Findings {
		if err := writeJSONOnce(filepath.Join(dir, "findings", FindingFileName(f)), f); err != nil {
			return err
		}
	}
	for _, e := range snap.Evaluations {
		name := fmt.Sprintf("evaluation-%d.json", e.Iteration)
		if err := writeJSONOnce(filepath.Join(dir, "evaluations", name), e); err != nil {
			return err
		}
	}
	if snap.Report != nil {
		if err := writeOnce(filepath.Join(dir, "report.md"), []byte(snap.Report.Body)); err != nil {
			return err
		}
		if err := writeJSONOnce(filepath.Join(dir, "report.json"), snap.Report); err != nil {
			return err
		}
	}
	return nil
}

func hasGapFillQuestions(plan []research.SubQuestion) bool {
	for _, sq := range plan {
		if sq.Origin == research.OriginGapFill {
			return true
		}
	}
	return false
}

// FindingFileName names a finding file: the first attempt uses the bare
// sub-question id, later attempts get an attempt suffix.
func FindingFileName(f research.Finding) string {
	if f.Attempt <= 1 {
		return f.SubQuestionID + ".json"
	}
	return fmt.Sprintf("%s.attempt-%d.json", f.SubQuestionID, f.Attempt)
}

func (s *FileStore) Latest(ctx context.Context, sessionID string) (research.Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return research.Snapshot{}, false, storeErr("latest", err)
	}
	if !validID(sessionID) {
		return research.Snapshot{}, false, nil
	}
	_, name, err := s.latestSnapshotFile(sessionID)
	if err != nil {
		return research.Snapshot{}, false, storeErr("latest", err)
	}
	if name == "" {
		return research.Snapshot{}, false, nil
	}
	data, err := os.ReadFile(filepath.Join(s.SessionDir(sessionID), "snapshots", name))
	if err != nil {
		return research.Snapshot{}, false, storeErr("latest", err)
	}
	var snap research.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return research.Snapshot{}, false, storeErr("latest", fmt.Errorf("decode %s: %w", name, err))
	}
	return snap, true, nil
}

// latestSnapshotFile returns the highest seq and its file name, or 0 and ""
// when the session has no snapshots.
func (s *FileStore) latestSnapshotFile(id string) (int, string, error) {
	entries, err := os.ReadDir(filepath.Join(s.SessionDir(id), "snapshots"))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", err
	}
	best, bestName := 0, ""
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		prefix, _, ok := strings.Cut(name, "-")
		if !ok {
			continue
		}
		seq, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		if seq > best {
			best, bestName = seq, name
		}
	}
	return best, bestName, nil
}

func (s *FileStore) List(ctx context.Context) ([]research.Session, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, storeErr("list", err)
	}
	out := make([]research.Session, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		snap, ok, err := s.Latest(ctx, e.Name())
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, snap.Session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *FileStore) SaveScore(ctx context.Context, sessionID string, score research.JudgeScore) error {
	if err := ctx.Err(); err != nil {
		return storeErr("save score", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := filepath.Join(s.root, "_scores")
	if sessionID != "" {
		if !validID(sessionID) {
			return fmt.Errorf("%w: %q", research.ErrUnknownSession, sessionID)
		}
		_, latest, err := s.latestSnapshotFile(sessionID)
		if err != nil {
			return storeErr("save score", err)
		}
		if latest == "" {
			return fmt.Errorf("%w: %s", research.ErrUnknownSession, sessionID)
		}
		dir = filepath.Join(s.SessionDir(sessionID), "scores")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return storeErr("save score", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return storeErr("save score", err)
	}
	name := fmt.Sprintf("score-%03d.json", len(entries)+1)
	if err := writeJSONOnce(filepath.Join(dir, name), score); err != nil {
		return storeErr("save score", err)
	}
	return nil
}

// validID rejects ids that would resolve outside the session's own
// directory.
func validID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`) && !strings.HasPrefix(id, "_")
}

func writeJSONOnce(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeOnce(path, data)
}

// writeOnce atomically creates path. An existing file is left untouched.
func writeOnce(path string, data []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
