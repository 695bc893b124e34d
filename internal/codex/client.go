// Package codex drives the Codex CLI (`codex exec --experimental-json`) as the
// conversational backend: one Thread per chat, resumable by id across restarts.
package codex

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultBinary is the Codex CLI executable looked up on PATH.
const DefaultBinary = "codex"

// Config configures the CLI client.
type Config struct {
	Binary       string        // executable (default DefaultBinary)
	Home         string        // CODEX_HOME for the subprocess; empty uses $CODEX_HOME or ~/.codex
	Env          []string      // extra KEY=VALUE pairs appended to the environment
	TurnTimeout  time.Duration // 0 = no timeout
	VerifyResume bool          // check that a rollout file exists before resuming
}

// Thread is a live or resumable Codex conversation.
type Thread interface {
	// ID returns the durable thread id; empty until the backend has started the thread.
	ID() string
	// Run sends input as the next user turn and waits for the turn to finish.
	Run(ctx context.Context, input string) (*Turn, error)
}

// Client starts and resumes Codex threads.
type Client struct {
	cfg    Config
	runner CommandRunner
}

// NewClient creates a CLI-backed client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.Home == "" {
		cfg.Home = defaultHome()
	}
	return &Client{cfg: cfg, runner: execRunner{}}, nil
}

// SetCommandRunner injects a runner (tests).
func (c *Client) SetCommandRunner(r CommandRunner) { c.runner = r }

// Home returns the resolved CODEX_HOME.
func (c *Client) Home() string { return c.cfg.Home }

// LookPath verifies the Codex binary is executable.
func (c *Client) LookPath() (string, error) {
	return exec.LookPath(c.cfg.Binary)
}

// StartThread returns a new thread; its id is assigned by the first Run.
func (c *Client) StartThread(ctx context.Context, opts ThreadOptions) (Thread, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &cliThread{client: c, opts: opts}, nil
}

// ResumeThread returns a thread bound to an existing id.
// Failures are reported as *ResumeError.
func (c *Client) ResumeThread(ctx context.Context, id string, opts ThreadOptions) (Thread, error) {
	if id == "" {
		return nil, &ResumeError{ThreadID: id, Err: errors.New("empty thread id")}
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return nil, &ResumeError{ThreadID: id, Err: errors.New("invalid thread id")}
	}
	if c.cfg.VerifyResume {
		if _, err := c.findRollout(ctx, id); err != nil {
			return nil, &ResumeError{ThreadID: id, Err: err}
		}
	}
	return &cliThread{client: c, opts: opts, id: id}, nil
}

// findRollout locates the session log Codex keeps for a thread:
// $CODEX_HOME/sessions/YYYY/MM/DD/rollout-<timestamp>-<id>.jsonl
func (c *Client) findRollout(ctx context.Context, id string) (string, error) {
	root := filepath.Join(c.cfg.Home, "sessions")
	suffix := "-" + id + ".jsonl"

	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, "rollout-") && strings.HasSuffix(name, suffix) {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("scan %s: %w", root, err)
	}
	if found == "" {
		return "", ErrThreadNotFound
	}
	return found, nil
}

func (c *Client) command(opts ThreadOptions, threadID, input string) Command {
	env := append(os.Environ(), "CODEX_HOME="+c.cfg.Home)
	env = append(env, c.cfg.Env...)
	return Command{
		Name:  c.cfg.Binary,
		Args:  execArgs(opts, threadID),
		Env:   env,
		Stdin: input,
	}
}

func defaultHome() string {
	if v := os.Getenv("CODEX_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".codex"
	}
	return filepath.Join(home, ".codex")
}
