package codex

import (
	"fmt"
	"strconv"
)

// Sandbox modes accepted by `codex exec --sandbox`.
const (
	SandboxReadOnly         = "read-only"
	SandboxWorkspaceWrite   = "workspace-write"
	SandboxDangerFullAccess = "danger-full-access"
)

// ThreadOptions is the fixed configuration every thread is started or resumed with.
type ThreadOptions struct {
	Model            string
	SandboxMode      string // SandboxReadOnly, SandboxWorkspaceWrite, SandboxDangerFullAccess
	ApprovalPolicy   string // "never", "on-request", "on-failure", "untrusted"
	ReasoningEffort  string // "minimal", "low", "medium", "high"
	WebSearchEnabled *bool  // nil leaves the CLI default
	WorkingDirectory string
	SkipGitRepoCheck bool
}

// execArgs builds the `codex exec` argument list. A non-empty threadID resumes that thread.
func execArgs(opts ThreadOptions, threadID string) []string {
	args := []string{"exec", "--experimental-json"}

	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SandboxMode != "" {
		args = append(args, "--sandbox", opts.SandboxMode)
	}
	if opts.WorkingDirectory != "" {
		args = append(args, "--cd", opts.WorkingDirectory)
	}
	if opts.SkipGitRepoCheck {
		args = append(args, "--skip-git-repo-check")
	}
	if opts.ReasoningEffort != "" {
		args = append(args, "--config", configString("model_reasoning_effort", opts.ReasoningEffort))
	}
	if opts.ApprovalPolicy != "" {
		args = append(args, "--config", configString("approval_policy", opts.ApprovalPolicy))
	}
	if opts.WebSearchEnabled != nil {
		args = append(args, "--config", "features.web_search_request="+strconv.FormatBool(*opts.WebSearchEnabled))
	}

	if threadID != "" {
		args = append(args, "resume", threadID)
	}
	return args
}

// configString renders a TOML string override for --config.
func configString(key, value string) string {
	return fmt.Sprintf("%s=%s", key, strconv.Quote(value))
}
