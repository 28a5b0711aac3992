package shellexec

import (
	"context"
	"encoding/json"
	"testing"
)

func TestAllowlistIsAllowed(t *testing.T) {
	a := Allowlist{"git": {"status", "log"}}

	if !a.IsAllowed("git", []string{"status"}) {
		t.Error("git status should be allowed")
	}
	if a.IsAllowed("git", []string{"push"}) {
		t.Error("git push should not be allowed")
	}
	if a.IsAllowed("curl", []string{"status"}) {
		t.Error("an unlisted command should never be allowed")
	}
	if a.IsAllowed("git", nil) {
		t.Error("a command with no subcommand should not be allowed")
	}
}

func TestExecuteRejectsDisallowedCommand(t *testing.T) {
	r := New("", Allowlist{"echo": {"hi"}})
	if _, err := r.Execute(context.Background(), "rm", []string{"-rf", "/"}); err == nil {
		t.Fatal("expected an error for a command outside the allowlist")
	}
}

func TestExecuteRunsAllowedCommand(t *testing.T) {
	r := New("", Allowlist{"echo": {"hello"}})
	result, err := r.Execute(context.Background(), "echo", []string{"hello"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
	if result.Stdout != "hello\n" {
		t.Errorf("Stdout = %q, want %q", result.Stdout, "hello\n")
	}
}

func TestFuncDecodesSpecAndReturnsResult(t *testing.T) {
	r := New("", Allowlist{"echo": {"hi"}})
	fn := r.Func()

	args, _ := json.Marshal(Spec{Command: "echo", Args: []string{"hi"}})
	ret, err := fn(context.Background(), args, nil)
	if err != nil {
		t.Fatalf("Func: %v", err)
	}
	result, ok := ret.(*Result)
	if !ok {
		t.Fatalf("return value is %T, want *Result", ret)
	}
	if result.Command != "echo" {
		t.Errorf("Command = %q, want echo", result.Command)
	}
}

func TestFuncRejectsInvalidJSON(t *testing.T) {
	r := New("", Allowlist{"echo": {"hi"}})
	fn := r.Func()

	if _, err := fn(context.Background(), []byte("not json"), nil); err == nil {
		t.Error("expected an error for malformed job args")
	}
}
