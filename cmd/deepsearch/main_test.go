package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/deepsearch/internal/research"
)

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	data := filepath.Join(dir, "sessions")
	cfg := fmt.Sprintf(`general:
  log_level: error
worker:
  type: offline
storage:
  backend: file
  file:
    data_dir: %q
`, data)
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path, data
}

func execute(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetArgs(append([]string{"--config", cfgPath}, args...))
	root.SetErr(&bytes.Buffer{})
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func field(t *testing.T, out, key string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(line, key+": "); ok {
			return v
		}
	}
	t.Fatalf("no %q in output:\n%s", key, out)
	return ""
}

func TestSessionLifecycle(t *testing.T) {
	cfgPath, data := writeConfig(t)

	out, err := execute(t, cfgPath, "start-session", "impact of synthetic biology on drug discovery", "2")
	if err != nil {
		t.Fatalf("start-session: %v", err)
	}
	id := field(t, out, "sessionId")
	outputDir := field(t, out, "outputDir")
	if !strings.HasPrefix(outputDir, data) {
		t.Fatalf("output dir %q not under %q", outputDir, data)
	}

	out, err = execute(t, cfgPath, "advance", id)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got := field(t, out, "status"); got != string(research.StatusSearching) {
		t.Fatalf("after first advance status=%s", got)
	}

	out, err = execute(t, cfgPath, "run", id)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := field(t, out, "status"); got != string(research.StatusCompleted) {
		t.Fatalf("run ended in %s", got)
	}

	out, err = execute(t, cfgPath, "status", id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, `"status": "completed"`) {
		t.Fatalf("status output missing completed:\n%s", out)
	}

	out, err = execute(t, cfgPath, "list", "--status", "completed")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, id) {
		t.Fatalf("list output missing %s:\n%s", id, out)
	}

	_, err = execute(t, cfgPath, "advance", id)
	if code := exitCode(err); code != exitPhase {
		t.Fatalf("advance on completed session: exit %d err %v", code, err)
	}

	report := filepath.Join(outputDir, "report.md")
	out, err = execute(t, cfgPath, "score", report, "impact of synthetic biology on drug discovery", "--session", id)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if !strings.Contains(out, `"aggregate"`) {
		t.Fatalf("score output:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(outputDir, "scores", "score-001.json")); err != nil {
		t.Fatalf("score not persisted: %v", err)
	}
}

func TestCancelThenAdvance(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	out, err := execute(t, cfgPath, "start-session", "grid scale battery storage economics")
	if err != nil {
		t.Fatalf("start-session: %v", err)
	}
	id := field(t, out, "sessionId")

	out, err = execute(t, cfgPath, "cancel", id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if field(t, out, "status") != string(research.StatusFailed) || field(t, out, "cause") != "cancelled" {
		t.Fatalf("unexpected cancel output:\n%s", out)
	}
	_, err = execute(t, cfgPath, "advance", id)
	if !errors.Is(err, research.ErrTerminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
}

func TestCompareWritesDecision(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	dir := t.TempDir()
	a := filepath.Join(dir, "a.md")
	b := filepath.Join(dir, "b.md")
	if err := os.WriteFile(a, []byte("# Short\n\nOne line."), 0o644); err != nil {
		t.Fatal(err)
	}
	rich := "# Battery storage\n\n## Costs\n\nLithium-ion pack prices fell sharply [sq-01].\n\n" +
		"## Deployment\n\nUtility scale projects grew across regions [sq-02].\n\n## Risks\n\nSupply chains remain concentrated [sq-03].\n"
	if err := os.WriteFile(b, []byte(rich), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, cfgPath, "compare", a, b, "battery storage economics")
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !strings.Contains(out, `"decision"`) || !strings.Contains(out, `"variant_b"`) {
		t.Fatalf("compare output:\n%s", out)
	}
}

func TestInvalidInputExitCodes(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	cases := []struct {
		name string
		args []string
	}{
		{"empty topic", []string{"start-session", "   "}},
		{"bad tier", []string{"start-session", "ocean acidification", "9"}},
		{"tier not a number", []string{"start-session", "ocean acidification", "deep"}},
		{"unknown session", []string{"status", "does-not-exist"}},
		{"missing report", []string{"score", "/nonexistent/report.md", "question"}},
		{"bad list filter", []string{"list", "--status", "sleeping"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := execute(t, cfgPath, tc.args...)
			if err == nil {
				t.Fatalf("expected error")
			}
			if code := exitCode(err); code != exitInvalid {
				t.Fatalf("exit code %d for %v", code, err)
			}
		})
	}
}

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{research.ErrInvalidInput, exitInvalid},
		{fmt.Errorf("wrap: %w", research.SessionTimeout{}), exitTimeout},
		{research.PhaseError{Phase: "synthesizing", Err: research.ErrInsufficientFindings}, exitPhase},
		{research.ValidationError{Phase: "planning", Reason: "too few"}, exitPhase},
		{fmt.Errorf("%w: completed", research.ErrTerminal), exitPhase},
		{errors.New("boom"), exitInvalid},
	}
	for _, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Fatalf("exitCode(%v)=%d want %d", tc.err, got, tc.want)
		}
	}
}
