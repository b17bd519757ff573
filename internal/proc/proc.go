// Package proc runs short-lived interpreter scripts on behalf of server
// operations, with a wall-clock time limit, a bounded output capture, and
// optional user switching.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"
	"time"
)

// Spec describes one script execution.
type Spec struct {
	// Interpreter is the program run against the script file, e.g.
	// "/bin/sh" or "/usr/bin/python3".
	Interpreter string
	// Code is the script body, written to a private temp file.
	Code string
	// Username selects the account to run as; empty means the current
	// process user.
	Username string
	// Env is the child environment; nil inherits nothing but a minimal
	// PATH/HOME set derived from the target user.
	Env []string
	// TimeLimit bounds wall-clock runtime. Zero means no limit.
	TimeLimit time.Duration
	// OutputLimit bounds captured combined output in bytes. Zero means
	// unlimited.
	OutputLimit int
}

// Result is the outcome of a completed execution.
type Result struct {
	// Output is the combined stdout and stderr, truncated at OutputLimit.
	Output []byte
	// Truncated reports whether output was cut at the limit.
	Truncated bool
	// ExitCode is the script's exit status.
	ExitCode int
}

// UnknownInterpreterError reports an interpreter that is not present.
type UnknownInterpreterError struct {
	Interpreter string
}

func (e *UnknownInterpreterError) Error() string {
	return fmt.Sprintf("unknown interpreter: %q", e.Interpreter)
}

// UnknownUserError reports a target user that does not exist.
type UnknownUserError struct {
	Username string
}

func (e *UnknownUserError) Error() string {
	return fmt.Sprintf("unknown user: %q", e.Username)
}

// ProhibitedUserError reports a target user outside the configured allow
// list. Policy is enforced by the caller; the type lives here with the other
// execution errors.
type ProhibitedUserError struct {
	Username string
}

func (e *ProhibitedUserError) Error() string {
	return fmt.Sprintf("scripts may not run as user %q", e.Username)
}

// TimeLimitError reports an execution killed at its time limit. Output holds
// whatever the script produced before it was stopped.
type TimeLimitError struct {
	Limit     time.Duration
	Output    []byte
	Truncated bool
}

func (e *TimeLimitError) Error() string {
	return fmt.Sprintf("process exceeded its %s time limit", e.Limit)
}

// termGrace is how long a timed-out process gets to exit after SIGTERM
// before it is killed.
const termGrace = 5 * time.Second

// Run executes the spec and returns the captured result. A non-zero exit is
// not an error here; callers inspect Result.ExitCode.
func Run(ctx context.Context, spec Spec) (*Result, error) {
	interpreter, err := exec.LookPath(spec.Interpreter)
	if err != nil {
		return nil, &UnknownInterpreterError{Interpreter: spec.Interpreter}
	}

	cred, env, err := resolveUser(spec.Username)
	if err != nil {
		return nil, err
	}
	if spec.Env != nil {
		env = spec.Env
	}

	script, err := writeScript(spec.Code)
	if err != nil {
		return nil, err
	}
	defer os.Remove(script)

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.TimeLimit > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.TimeLimit)
		defer cancel()
	}

	out := newBoundedBuffer(spec.OutputLimit)
	cmd := exec.CommandContext(runCtx, interpreter, script)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = env
	if cred != nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: cred}
	}
	// On deadline, ask nicely first; kill after the grace period.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = termGrace

	err = cmd.Run()
	if spec.TimeLimit > 0 && runCtx.Err() == context.DeadlineExceeded {
		return nil, &TimeLimitError{
			Limit:     spec.TimeLimit,
			Output:    out.Bytes(),
			Truncated: out.Truncated(),
		}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run %s: %w", spec.Interpreter, err)
		}
	}
	return &Result{
		Output:    out.Bytes(),
		Truncated: out.Truncated(),
		ExitCode:  cmd.ProcessState.ExitCode(),
	}, nil
}

func writeScript(code string) (string, error) {
	f, err := os.CreateTemp("", "outpost-script-*")
	if err != nil {
		return "", fmt.Errorf("create script file: %w", err)
	}
	name := f.Name()
	if _, err := f.WriteString(code); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("write script file: %w", err)
	}
	if err := f.Chmod(0o700); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("chmod script file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("close script file: %w", err)
	}
	return name, nil
}

// resolveUser returns the credential for switching to username (nil when no
// switch is needed) and a minimal environment for the target account.
func resolveUser(username string) (*syscall.Credential, []string, error) {
	if username == "" {
		return nil, minimalEnv(os.Getenv("HOME"), os.Getenv("USER")), nil
	}
	u, err := user.Lookup(username)
	if err != nil {
		return nil, nil, &UnknownUserError{Username: username}
	}
	env := minimalEnv(u.HomeDir, u.Username)

	current, err := user.Current()
	if err == nil && current.Uid == u.Uid {
		return nil, env, nil
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, nil, fmt.Errorf("parse uid for %q: %w", username, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, nil, fmt.Errorf("parse gid for %q: %w", username, err)
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, env, nil
}

func minimalEnv(home, username string) []string {
	return []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=" + home,
		"USER=" + username,
	}
}

// boundedBuffer keeps the first limit bytes written and drops the rest.
type boundedBuffer struct {
	limit     int
	buf       bytes.Buffer
	truncated bool
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.limit > 0 {
		room := b.limit - b.buf.Len()
		if room <= 0 {
			b.truncated = true
			return n, nil
		}
		if len(p) > room {
			p = p[:room]
			b.truncated = true
		}
	}
	b.buf.Write(p)
	return n, nil
}

func (b *boundedBuffer) Bytes() []byte   { return b.buf.Bytes() }
func (b *boundedBuffer) Truncated() bool { return b.truncated }
