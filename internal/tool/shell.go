package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/agentserver/agentserver/internal/models"
)

// MaxShellOutputChars bounds how much output run_shell returns,
// following internal/shell's ProcessSession truncation of pending
// output to keep events off the wire when a command is chatty.
const MaxShellOutputChars = 30_000

// DefaultShellTimeout caps how long a single command may run.
const DefaultShellTimeout = 2 * time.Minute

// ChunkEmitter receives terminal output for terminal_chunk events.
// run_shell calls it once per non-empty stream after the command
// exits, with the truncated output; nothing is emitted while the
// command is still running.
type ChunkEmitter func(stream models.TerminalStream, data string)

type emitterKey string

const emitterCtxKey emitterKey = "shell_chunk_emitter"

// WithChunkEmitter attaches a live-output sink to ctx for run_shell to
// use.
func WithChunkEmitter(ctx context.Context, emit ChunkEmitter) context.Context {
	return context.WithValue(ctx, emitterCtxKey, emit)
}

func emitterFrom(ctx context.Context) ChunkEmitter {
	if e, ok := ctx.Value(emitterCtxKey).(ChunkEmitter); ok {
		return e
	}
	return nil
}

// runShellTool executes a command in the session workspace.
// InternalOnly is true: Registry.List leaves it out, so it is never
// offered to the model, and sub-agent allowlists, which are built from
// List, cannot reach it either.
type runShellTool struct {
	workdir string
	timeout time.Duration
}

func NewRunShellTool(workdir string) Tool {
	return runShellTool{workdir: workdir, timeout: DefaultShellTimeout}
}

func (runShellTool) Name() string        { return "run_shell" }
func (runShellTool) Description() string { return "Run a shell command in the session workspace." }
func (runShellTool) InternalOnly() bool  { return true }

func (runShellTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string"},
			"timeout_seconds": {"type": "integer", "minimum": 1, "maximum": 600}
		},
		"required": ["command"],
		"additionalProperties": false
	}`)
}

func (t runShellTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var params struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return &Result{Content: fmt.Sprintf("invalid input: %v", err), IsError: true}, nil
	}

	timeout := t.timeout
	if params.TimeoutSeconds > 0 {
		timeout = time.Duration(params.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", params.Command)
	cmd.Dir = t.workdir

	emit := emitterFrom(ctx)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if emit != nil {
		if stdout.Len() > 0 {
			emit(models.StreamStdout, truncate(stdout.String(), MaxShellOutputChars))
		}
		if stderr.Len() > 0 {
			emit(models.StreamStderr, truncate(stderr.String(), MaxShellOutputChars))
		}
	}

	exitCode := 0
	if runErr != nil {
		if runCtx.Err() != nil {
			return &Result{Content: fmt.Sprintf("command timed out after %s", timeout), IsError: true}, nil
		}
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return &Result{Content: fmt.Sprintf("command failed to start: %v", runErr), IsError: true}, nil
		}
	}

	combined := truncate(stdout.String()+stderr.String(), MaxShellOutputChars)
	result := &Result{Content: fmt.Sprintf("exit_code=%d\n%s", exitCode, combined)}
	if exitCode != 0 {
		result.IsError = true
	}
	return result, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n[truncated]"
}
