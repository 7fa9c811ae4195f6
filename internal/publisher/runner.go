// runner.go provides command execution for the publish pipeline.
//
// The Runner interface exists so tests can inject fake implementations
// without running real cargo or shell commands; ExecRunner is the real
// implementation backed by os/exec.
package publisher

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"
)

// Runner executes an external command and returns its combined output.
type Runner interface {
	// Execute runs name with args in dir. extraEnv entries ("KEY=value")
	// are appended to the inherited environment; this is how the registry
	// token reaches cargo without ever appearing on a command line.
	Execute(ctx context.Context, name string, args []string, dir string, extraEnv []string) (string, error)
}

// ExecRunner is the real Runner implementation.
type ExecRunner struct{}

// Execute runs the command, capturing stdout and stderr together —
// cargo interleaves progress and errors across both, and for a release
// log the interleaved order is the useful one.
func (ExecRunner) Execute(ctx context.Context, name string, args []string, dir string, extraEnv []string) (string, error) {
	// #nosec G204 — name/args come from the pipeline and validated config
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(extraEnv) > 0 {
		cmd.Env = append(cmd.Environ(), extraEnv...)
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return string(output), nil
}

// splitHook parses a configured hook command string into argv using
// shell quoting rules, so hooks like `sh -c "cargo check && cargo test"`
// work without stevedore itself spawning a shell.
func splitHook(command string) (name string, args []string, err error) {
	words, err := shellquote.Split(command)
	if err != nil {
		return "", nil, fmt.Errorf("invalid hook command %q: %w", command, err)
	}
	if len(words) == 0 {
		return "", nil, fmt.Errorf("hook command is empty")
	}
	return words[0], words[1:], nil
}

// tail returns the last n lines of command output, for use in step
// details — a failed cargo publish emits hundreds of lines and only the
// end says why.
func tail(output string, n int) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return ""
	}
	lines := strings.Split(output, "\n")
	if len(lines) <= n {
		return output
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
