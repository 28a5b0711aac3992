// Package shellexec adapts an allowlisted local command runner into a
// taskregistry.Func, so a schedule or job can run a shell command as
// its body instead of a function compiled into the process. It is
// grounded on the teacher's internal/connectors (the Connector
// interface and its ExecResult) and internal/connectors/localexec
// (the allowlist and os/exec wiring), re-themed from an AI-agent
// command sandbox into a job body.
package shellexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/tidecron/scheduler/internal/taskregistry"
)

// Result is what a shell-backed job returns as its ReturnValue.
type Result struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// Spec is the job Args payload a shellexec-backed task expects:
// {"command": "git", "args": ["status"]}.
type Spec struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// Allowlist maps an executable name to the subcommands permitted for
// it, mirroring the teacher's allowedCommands map.
type Allowlist map[string][]string

// IsAllowed reports whether cmd's first argument (its subcommand) is
// permitted by the allowlist.
func (a Allowlist) IsAllowed(cmd string, args []string) bool {
	allowedSubcmds, ok := a[cmd]
	if !ok || len(args) == 0 {
		return false
	}
	for _, allowed := range allowedSubcmds {
		if args[0] == allowed {
			return true
		}
	}
	return false
}

// Runner executes allowlisted commands inside workDir.
type Runner struct {
	workDir   string
	allowlist Allowlist
}

// New creates a Runner rooted at workDir, permitting only the
// commands/subcommands named in allowlist.
func New(workDir string, allowlist Allowlist) *Runner {
	return &Runner{workDir: workDir, allowlist: allowlist}
}

// Execute runs cmd with args if the allowlist permits it.
func (r *Runner) Execute(ctx context.Context, cmd string, args []string) (*Result, error) {
	if !r.allowlist.IsAllowed(cmd, args) {
		return nil, fmt.Errorf("command not allowed: %s %s", cmd, strings.Join(args, " "))
	}

	execCmd := exec.CommandContext(ctx, cmd, args...)
	if r.workDir != "" {
		execCmd.Dir = r.workDir
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	exitCode := 0
	if err := execCmd.Run(); err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("exec error: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &Result{Command: cmd, Args: args, ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// Func adapts r into a taskregistry.Func: it decodes the job's Args
// as a Spec, runs the command, and returns the *Result as the return
// value (the worker's serializer encodes it).
func (r *Runner) Func() taskregistry.Func {
	return func(ctx context.Context, args, kwargs []byte) (any, error) {
		var spec Spec
		if err := json.Unmarshal(args, &spec); err != nil {
			return nil, fmt.Errorf("shellexec: invalid job args: %w", err)
		}
		return r.Execute(ctx, spec.Command, spec.Args)
	}
}
