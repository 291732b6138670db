package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// Exec runs an external command per request. The request is written to
// stdin as JSON and the payload is read from stdout. This lets a script,
// a CLI agent or a human-in-the-loop tool act as the worker.
type Exec struct {
	Command string
	Args    []string
	Dir     string
}

func (e *Exec) Invoke(ctx context.Context, req Request) (json.RawMessage, error) {
	ctx, cancel := withTimeout(ctx, req.Timeout)
	defer cancel()

	in, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	cmd.Dir = e.Dir
	cmd.Stdin = bytes.NewReader(in)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, classify(ctx, fmt.Errorf("%s: %w", e.Command, ctx.Err()))
		}
		return nil, fmt.Errorf("%s: %w: %s", e.Command, err, truncate(strings.TrimSpace(stderr.String()), 256))
	}
	return decodeJSONObject(stdout.String())
}
