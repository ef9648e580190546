package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// CommandResult is the captured outcome of a finished command
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// StartSpec describes a long-running process started in the background
type StartSpec struct {
	Name string
	Args []string
	Dir  string

	// OutputPath receives merged stdout and stderr; empty discards output
	OutputPath string

	// OnExit is called from a background goroutine once the process has been reaped
	OnExit func(err error)
}

// Runner executes external commands. The lifecycle controller never calls os/exec directly
// so tests can script provider and service-manager responses.
type Runner interface {
	// Run executes a command to completion. A non-zero exit yields a *CommandError.
	Run(ctx context.Context, stdin io.Reader, name string, args ...string) (CommandResult, error)

	// Start launches a detached process and returns its pid
	Start(spec StartSpec) (int, error)

	// LookPath resolves a binary name against PATH
	LookPath(name string) (string, error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct{}

// NewExecRunner creates the default runner
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes a command and captures its output
func (r *ExecRunner) Run(ctx context.Context, stdin io.Reader, name string, args ...string) (CommandResult, error) {
	LogCommand(name, args)

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = stdin
	}

	err := cmd.Run()
	result := CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	LogCommandOutput(name, result.Stdout, result.Stderr)

	if err == nil {
		return result, nil
	}

	cmdErr := &CommandError{Name: name, Args: args, Stderr: result.Stderr, Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cmdErr.ExitCode = exitErr.ExitCode()
		result.ExitCode = cmdErr.ExitCode
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		cmdErr.Err = ctxErr
	}
	return result, cmdErr
}

// Start launches a process in its own process group so it outlives the caller
func (r *ExecRunner) Start(spec StartSpec) (int, error) {
	LogCommand(spec.Name, spec.Args)

	cmd := exec.Command(spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = detachedProcAttr()

	var logFile *os.File
	if spec.OutputPath != "" {
		f, err := os.OpenFile(spec.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return 0, fmt.Errorf("failed to open output file: %w", err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return 0, &CommandError{Name: spec.Name, Args: spec.Args, Err: err}
	}

	pid := cmd.Process.Pid
	go func() {
		err := cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
		if spec.OnExit != nil {
			spec.OnExit(err)
		}
	}()

	return pid, nil
}

// LookPath resolves a binary name against PATH
func (r *ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}
