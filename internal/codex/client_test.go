package codex

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
)

type fakeRunner struct {
	mu     sync.Mutex
	calls  []Command
	result CommandResult
	err    error
}

func (f *fakeRunner) Run(_ context.Context, cmd Command) (CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)
	return f.result, f.err
}

func (f *fakeRunner) lastArgs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1].Args
}

const okStream = `{"type":"thread.started","thread_id":"th-new"}
{"type":"turn.started"}
{"type":"item.completed","item":{"id":"i0","type":"reasoning","text":"thinking"}}
{"type":"item.completed","item":{"id":"i1","type":"agent_message","text":"first"}}
{"type":"item.completed","item":{"id":"i2","type":"agent_message","text":"hello there"}}
{"type":"turn.completed","usage":{"input_tokens":10,"cached_input_tokens":2,"output_tokens":5}}
`

func newTestClient(t *testing.T, r CommandRunner) *Client {
	t.Helper()
	c, err := NewClient(Config{Binary: "codex-test", Home: t.TempDir(), VerifyResume: true})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.SetCommandRunner(r)
	return c
}

func TestExecArgs(t *testing.T) {
	on := true
	tests := []struct {
		name     string
		opts     ThreadOptions
		threadID string
		want     []string
	}{
		{"minimal", ThreadOptions{}, "", []string{"exec", "--experimental-json"}},
		{
			"full",
			ThreadOptions{
				Model:            "gpt-5-codex",
				SandboxMode:      SandboxWorkspaceWrite,
				ApprovalPolicy:   "never",
				ReasoningEffort:  "medium",
				WebSearchEnabled: &on,
				WorkingDirectory: "/work",
				SkipGitRepoCheck: true,
			},
			"th-1",
			[]string{
				"exec", "--experimental-json",
				"--model", "gpt-5-codex",
				"--sandbox", "workspace-write",
				"--cd", "/work",
				"--skip-git-repo-check",
				"--config", `model_reasoning_effort="medium"`,
				"--config", `approval_policy="never"`,
				"--config", "features.web_search_request=true",
				"resume", "th-1",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := execArgs(tt.opts, tt.threadID)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("execArgs() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStartThreadRunAssignsID(t *testing.T) {
	r := &fakeRunner{result: CommandResult{Stdout: []byte(okStream)}}
	c := newTestClient(t, r)

	th, err := c.StartThread(context.Background(), ThreadOptions{})
	if err != nil {
		t.Fatalf("StartThread: %v", err)
	}
	if th.ID() != "" {
		t.Errorf("ID before first run = %q, want empty", th.ID())
	}

	turn, err := th.Run(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if th.ID() != "th-new" {
		t.Errorf("ID after run = %q, want %q", th.ID(), "th-new")
	}
	if turn.FinalResponse != "hello there" {
		t.Errorf("FinalResponse = %q, want %q", turn.FinalResponse, "hello there")
	}
	if len(turn.Items) != 3 {
		t.Errorf("len(Items) = %d, want 3", len(turn.Items))
	}
	if turn.Usage == nil || turn.Usage.OutputTokens != 5 {
		t.Errorf("Usage = %+v, want output_tokens 5", turn.Usage)
	}

	r.mu.Lock()
	call := r.calls[0]
	r.mu.Unlock()
	if call.Stdin != "hi" {
		t.Errorf("stdin = %q, want %q", call.Stdin, "hi")
	}
	if call.Name != "codex-test" {
		t.Errorf("binary = %q, want codex-test", call.Name)
	}
	if !containsEnv(call.Env, "CODEX_HOME="+c.Home()) {
		t.Errorf("env missing CODEX_HOME=%s", c.Home())
	}

	// Second turn resumes the assigned id.
	if _, err := th.Run(context.Background(), "again"); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	args := r.lastArgs()
	if n := len(args); n < 2 || args[n-2] != "resume" || args[n-1] != "th-new" {
		t.Errorf("second run args = %q, want trailing resume th-new", args)
	}
}

func TestRunEmptyResponse(t *testing.T) {
	stream := `{"type":"thread.started","thread_id":"t"}
{"type":"turn.completed","usage":{"input_tokens":1,"cached_input_tokens":0,"output_tokens":0}}
`
	c := newTestClient(t, &fakeRunner{result: CommandResult{Stdout: []byte(stream)}})
	th, _ := c.StartThread(context.Background(), ThreadOptions{})
	turn, err := th.Run(context.Background(), "x")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if turn.FinalResponse != "" {
		t.Errorf("FinalResponse = %q, want empty", turn.FinalResponse)
	}
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name    string
		result  CommandResult
		err     error
		wantMsg string
	}{
		{
			name:    "turn failed",
			result:  CommandResult{Stdout: []byte(`{"type":"thread.started","thread_id":"t"}` + "\n" + `{"type":"turn.failed","error":{"message":"quota exceeded"}}`)},
			wantMsg: "quota exceeded",
		},
		{
			name:    "error event",
			result:  CommandResult{Stdout: []byte(`{"type":"error","message":"stream disconnected"}`)},
			wantMsg: "stream disconnected",
		},
		{
			name:    "notice then turn failed",
			result:  CommandResult{Stdout: []byte(`{"type":"error","message":"Reconnecting... 1/5"}` + "\n" + `{"type":"turn.failed","error":{"message":"stream disconnected before completion"}}`)},
			wantMsg: "stream disconnected before completion",
		},
		{
			name:    "process failed",
			result:  CommandResult{Stderr: []byte("warming up\nError: not logged in\n"), ExitCode: 1},
			err:     errors.New("exit status 1"),
			wantMsg: "Error: not logged in",
		},
		{
			name:    "truncated stream",
			result:  CommandResult{Stdout: []byte(`{"type":"thread.started","thread_id":"t"}`)},
			wantMsg: "stream ended before turn.completed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, &fakeRunner{result: tt.result, err: tt.err})
			th, _ := c.StartThread(context.Background(), ThreadOptions{})
			_, err := th.Run(context.Background(), "x")
			var be *BackendError
			if !errors.As(err, &be) {
				t.Fatalf("Run() error = %v, want *BackendError", err)
			}
			if be.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", be.Message, tt.wantMsg)
			}
		})
	}
}

func TestRunErrorNoticeThenCompleted(t *testing.T) {
	stream := `{"type":"thread.started","thread_id":"th-r"}
{"type":"error","message":"Reconnecting... 1/5"}
{"type":"item.completed","item":{"id":"i1","type":"agent_message","text":"answer"}}
{"type":"turn.completed","usage":{"input_tokens":1,"cached_input_tokens":0,"output_tokens":1}}
`
	c := newTestClient(t, &fakeRunner{result: CommandResult{Stdout: []byte(stream)}})
	th, _ := c.StartThread(context.Background(), ThreadOptions{})
	turn, err := th.Run(context.Background(), "x")
	if err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if turn.FinalResponse != "answer" {
		t.Errorf("FinalResponse = %q, want %q", turn.FinalResponse, "answer")
	}
	if th.ID() != "th-r" {
		t.Errorf("ID() = %q, want %q", th.ID(), "th-r")
	}
}

func TestParseStreamSkipsNoise(t *testing.T) {
	data := "Reading prompt from stdin...\n\n{not json}\n" + okStream
	res, err := parseStream([]byte(data))
	if err != nil {
		t.Fatalf("parseStream: %v", err)
	}
	if res.threadID != "th-new" || !res.complete {
		t.Errorf("parseStream = %+v, want thread th-new complete", res)
	}

	res, err = parseStream([]byte(`{"type":"error","message":"Reconnecting... 2/5"}` + "\n" + okStream))
	if err != nil {
		t.Fatalf("parseStream: %v", err)
	}
	if res.failure != "" || res.notice != "Reconnecting... 2/5" || !res.complete {
		t.Errorf("parseStream = %+v, want notice recorded, no failure, complete", res)
	}
}

func TestResumeThread(t *testing.T) {
	r := &fakeRunner{result: CommandResult{Stdout: []byte(okStream)}}
	c := newTestClient(t, r)

	dir := filepath.Join(c.Home(), "sessions", "2025", "10", "01")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	rollout := filepath.Join(dir, "rollout-2025-10-01T10-00-00-0199a000-aaaa-bbbb-cccc-000000000001.jsonl")
	if err := os.WriteFile(rollout, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	th, err := c.ResumeThread(context.Background(), "0199a000-aaaa-bbbb-cccc-000000000001", ThreadOptions{})
	if err != nil {
		t.Fatalf("ResumeThread: %v", err)
	}
	if th.ID() != "0199a000-aaaa-bbbb-cccc-000000000001" {
		t.Errorf("ID = %q", th.ID())
	}
	if _, err := th.Run(context.Background(), "hi"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if args := r.lastArgs(); !strings.Contains(strings.Join(args, " "), "resume 0199a000-aaaa-bbbb-cccc-000000000001") {
		t.Errorf("args = %q, want resume of stored id", args)
	}
}

func TestResumeThreadErrors(t *testing.T) {
	c := newTestClient(t, &fakeRunner{})
	for _, id := range []string{"", "missing-id", "../etc", "a/b"} {
		_, err := c.ResumeThread(context.Background(), id, ThreadOptions{})
		if !IsResumeError(err) {
			t.Errorf("ResumeThread(%q) error = %v, want *ResumeError", id, err)
		}
	}
	_, err := c.ResumeThread(context.Background(), "missing-id", ThreadOptions{})
	if !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("ResumeThread(missing) error = %v, want ErrThreadNotFound", err)
	}
}

func TestResumeWithoutVerification(t *testing.T) {
	c, _ := NewClient(Config{Home: t.TempDir()})
	th, err := c.ResumeThread(context.Background(), "anything", ThreadOptions{})
	if err != nil {
		t.Fatalf("ResumeThread: %v", err)
	}
	if th.ID() != "anything" {
		t.Errorf("ID = %q, want anything", th.ID())
	}
}

func containsEnv(env []string, kv string) bool {
	for _, e := range env {
		if e == kv {
			return true
		}
	}
	return false
}
