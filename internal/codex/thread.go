package codex

import (
	"bytes"
	"context"
	"sync"
)

// cliThread runs each turn as one `codex exec` invocation.
type cliThread struct {
	client *Client
	opts   ThreadOptions

	runMu sync.Mutex // one turn at a time per thread

	idMu sync.RWMutex
	id   string
}

var _ Thread = (*cliThread)(nil)

func (t *cliThread) ID() string {
	t.idMu.RLock()
	defer t.idMu.RUnlock()
	return t.id
}

func (t *cliThread) setID(id string) {
	t.idMu.Lock()
	t.id = id
	t.idMu.Unlock()
}

func (t *cliThread) Run(ctx context.Context, input string) (*Turn, error) {
	t.runMu.Lock()
	defer t.runMu.Unlock()

	if timeout := t.client.cfg.TurnTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	current := t.ID()
	res, runErr := t.client.runner.Run(ctx, t.client.command(t.opts, current, input))

	parsed, parseErr := parseStream(res.Stdout)
	if parsed.threadID != "" && parsed.threadID != current {
		t.setID(parsed.threadID)
	}

	switch {
	case parsed.failure != "":
		return nil, &BackendError{ThreadID: t.ID(), Message: parsed.failure, ExitCode: res.ExitCode, Err: runErr}
	case runErr != nil:
		if ctx.Err() != nil {
			return nil, &BackendError{ThreadID: t.ID(), Message: "turn aborted", ExitCode: res.ExitCode, Err: ctx.Err()}
		}
		msg := stderrTail(res.Stderr)
		if len(bytes.TrimSpace(res.Stderr)) == 0 && parsed.notice != "" {
			msg = parsed.notice
		}
		return nil, &BackendError{ThreadID: t.ID(), Message: msg, ExitCode: res.ExitCode, Err: runErr}
	case parseErr != nil:
		return nil, &BackendError{ThreadID: t.ID(), Message: "malformed output", ExitCode: res.ExitCode, Err: parseErr}
	case !parsed.complete:
		msg := "stream ended before turn.completed"
		if parsed.notice != "" {
			msg = parsed.notice
		}
		return nil, &BackendError{ThreadID: t.ID(), Message: msg, ExitCode: res.ExitCode}
	}

	turn := parsed.turn
	return &turn, nil
}

// stderrTail returns the last non-empty stderr line, which is where the CLI prints its error.
func stderrTail(stderr []byte) string {
	lines := bytes.Split(bytes.TrimSpace(stderr), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if l := bytes.TrimSpace(lines[i]); len(l) > 0 {
			const limit = 500
			if len(l) > limit {
				l = l[len(l)-limit:]
			}
			return string(l)
		}
	}
	return "process failed"
}
