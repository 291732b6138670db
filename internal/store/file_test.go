package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/deepsearch/internal/research"
)

func sampleSnapshot(seq int, status research.Status) research.Snapshot {
	created := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	return research.Snapshot{
		Seq: seq,
		Session: research.Session{
			ID:        "0190a1b2-test",
			Topic:     "impact of synthetic biology on drug discovery",
			DepthTier: 2,
			CreatedAt: created,
			UpdatedAt: created.Add(time.Duration(seq) * time.Minute),
			Status:    status,
		},
	}
}

func TestFileStoreAppendOnlySnapshots(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if _, ok, err := fs.Latest(ctx, "0190a1b2-test"); err != nil || ok {
		t.Fatalf("expected no snapshot, ok=%v err=%v", ok, err)
	}
	if err := fs.Save(ctx, sampleSnapshot(1, research.StatusCreated)); err != nil {
		t.Fatalf("save 1: %v", err)
	}
	if err := fs.Save(ctx, sampleSnapshot(2, research.StatusPlanning)); err != nil {
		t.Fatalf("save 2: %v", err)
	}
	err = fs.Save(ctx, sampleSnapshot(2, research.StatusSearching))
	var serr research.StoreError
	if !errors.As(err, &serr) || !errors.Is(err, ErrSeqConflict) {
		t.Fatalf("expected seq conflict StoreError, got %v", err)
	}
	if err := fs.Save(ctx, sampleSnapshot(4, research.StatusSearching)); !errors.Is(err, ErrSeqConflict) {
		t.Fatalf("expected gap in seq to be rejected, got %v", err)
	}

	snap, ok, err := fs.Latest(ctx, "0190a1b2-test")
	if err != nil || !ok {
		t.Fatalf("latest: ok=%v err=%v", ok, err)
	}
	if snap.Seq != 2 || snap.Session.Status != research.StatusPlanning {
		t.Fatalf("unexpected latest snapshot %+v", snap)
	}
	for _, name := range []string{"000001-created.json", "000002-planning.json"} {
		if _, err := os.Stat(filepath.Join(fs.SessionDir("0190a1b2-test"), "snapshots", name)); err != nil {
			t.Fatalf("missing snapshot file %s: %v", name, err)
		}
	}
}

func TestFileStoreWritesArtifactsWithoutOverwriting(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	snap := sampleSnapshot(1, research.StatusEvaluating)
	snap.Plan = []research.SubQuestion{{ID: "sq-01", Text: "q1", Origin: research.OriginPlan}}
	snap.Findings = []research.Finding{
		{SubQuestionID: "sq-01", Attempt: 1, WorkerStatus: research.WorkerTimeout},
	}
	if err := fs.Save(ctx, snap); err != nil {
		t.Fatalf("save: %v", err)
	}

	next := snap.Clone()
	next.Seq = 2
	next.Session.Status = research.StatusCompleted
	// a later snapshot carrying a mutated first attempt must not rewrite it
	next.Findings[0].WorkerStatus = research.WorkerOK
	next.Findings = append(next.Findings, research.Finding{SubQuestionID: "sq-01", Attempt: 2, WorkerStatus: research.WorkerOK, Payload: []byte(`{}`)})
	next.Evaluations = []research.Evaluation{{Iteration: 1, OverallAssessment: "ok"}}
	next.Report = &research.Report{Title: "r", Body: "# Report\n"}
	if err := fs.Save(ctx, next); err != nil {
		t.Fatalf("save 2: %v", err)
	}

	dir := fs.SessionDir(snap.Session.ID)
	first, err := os.ReadFile(filepath.Join(dir, "findings", "sq-01.json"))
	if err != nil {
		t.Fatalf("read first attempt: %v", err)
	}
	if !strings.Contains(string(first), `"worker_status": "timeout"`) {
		t.Fatalf("first attempt was overwritten: %s", first)
	}
	for _, rel := range []string{"plan.json", "findings/sq-01.attempt-2.json", "evaluations/evaluation-1.json", "report.md", "report.json"} {
		if _, err := os.Stat(filepath.Join(dir, rel)); err != nil {
			t.Fatalf("missing artifact %s: %v", rel, err)
		}
	}
}

func TestFileStoreListAndScores(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := fs.Save(ctx, sampleSnapshot(1, research.StatusCreated)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := fs.SaveScore(ctx, "", research.JudgeScore{Rubric: "default"}); err != nil {
		t.Fatalf("save score: %v", err)
	}
	if err := fs.SaveScore(ctx, "0190a1b2-test", research.JudgeScore{Rubric: "default"}); err != nil {
		t.Fatalf("save session score: %v", err)
	}
	sessions, err := fs.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "0190a1b2-test" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
	if _, err := os.Stat(filepath.Join(fs.SessionDir("0190a1b2-test"), "scores", "score-001.json")); err != nil {
		t.Fatalf("missing score file: %v", err)
	}
}

func TestFileStoreRejectsPathLikeIDs(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	snap := sampleSnapshot(1, research.StatusCreated)
	snap.Session.ID = "../escape"
	if err := fs.Save(context.Background(), snap); err == nil {
		t.Fatalf("expected invalid id to be rejected")
	}
}

func TestFileStoreScoreNeedsKnownSession(t *testing.T) {
	ctx := context.Background()
	parent := t.TempDir()
	fs, err := NewFileStore(filepath.Join(parent, "data"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	for _, id := range []string{"../escaped", "..", `a\b`, "_scores", "no-such-session"} {
		err := fs.SaveScore(ctx, id, research.JudgeScore{Rubric: "default"})
		if !errors.Is(err, research.ErrUnknownSession) {
			t.Fatalf("SaveScore(%q) error = %v, want ErrUnknownSession", id, err)
		}
	}
	if _, err := os.Stat(filepath.Join(parent, "escaped")); !os.IsNotExist(err) {
		t.Fatalf("score directory created outside the data dir: %v", err)
	}
	entries, err := os.ReadDir(fs.Root())
	if err != nil {
		t.Fatalf("read data dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no directories for rejected scores, got %d", len(entries))
	}
	if _, ok, err := fs.Latest(ctx, ".."); ok || err != nil {
		t.Fatalf("Latest(..) = %v, %v", ok, err)
	}
}
