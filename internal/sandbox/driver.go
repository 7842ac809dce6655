// Package sandbox defines the SandboxDriver contract — the boundary between
// the session orchestrator and whatever actually isolates and runs user
// code — and provides a Docker-engine-backed implementation of it.
package sandbox

import (
	"context"
	"io"

	"github.com/cloudbox/cloudbox/internal/config"
)

// Driver is the external contract every sandbox backend must satisfy. The
// orchestrator (internal/registry, internal/execjob) depends only on this
// interface, never on Docker types directly.
type Driver interface {
	// BuildImage ensures tag is available locally, building or pulling it
	// if necessary. Idempotent: a second call with the same tag is a no-op.
	BuildImage(ctx context.Context, tag string) error

	// StartInstance creates and starts a new sandbox for userID running
	// image, returning an opaque instance id.
	StartInstance(ctx context.Context, userID, image string, defaults config.Defaults, workspaceID string) (instanceID string, err error)

	// Exec runs argv to completion inside instanceID and returns its
	// captured output and exit code. Used by one-shot jobs, not the
	// interactive terminal.
	Exec(ctx context.Context, instanceID string, argv []string, timeout int) (stdout []byte, exitCode int, err error)

	// AttachPTY starts argv inside instanceID with a pseudo-terminal and
	// returns a duplex stream driving it. Used by PtyController.
	AttachPTY(ctx context.Context, instanceID string, argv []string, cols, rows int) (PTYStream, error)

	// AttachProcess starts argv inside instanceID with stdin/stdout piped but
	// no pseudo-terminal, for line/frame-oriented children (LSP servers).
	AttachProcess(ctx context.Context, instanceID string, argv []string) (ProcessStream, error)

	// WriteFile writes content to path inside instanceID, creating parent
	// directories as needed. Used by the terminal channel's write_file op.
	WriteFile(ctx context.Context, instanceID, path string, content []byte) error

	// ReadFile reads up to maxBytes of path inside instanceID.
	ReadFile(ctx context.Context, instanceID, path string, maxBytes int) (content []byte, truncated bool, err error)

	// IsAlive reports whether instanceID is still running.
	IsAlive(ctx context.Context, instanceID string) (bool, error)

	// StopInstance tears down instanceID and releases its resources.
	StopInstance(ctx context.Context, instanceID string) error
}

// ProcessStream is a live, TTY-less child process inside a sandbox instance,
// used for framed protocols (LSP) that must not have their bytes mangled by
// terminal line discipline.
type ProcessStream interface {
	io.ReadWriteCloser
}

// PTYStream is a live pseudo-terminal session inside a sandbox instance.
// Write sends keystrokes; Read receives the terminal's rendered output.
type PTYStream interface {
	io.ReadWriteCloser
	Resize(cols, rows int) error
}

// ErrSandboxUnavailable wraps failures reaching the sandbox backend itself
// (daemon down, instance gone) — the error kind spec'd as SandboxUnavailable.
type ErrSandboxUnavailable struct {
	Instance string
	Cause    error
}

func (e *ErrSandboxUnavailable) Error() string {
	if e.Instance == "" {
		return "sandbox unavailable: " + e.Cause.Error()
	}
	return "sandbox unavailable (" + e.Instance + "): " + e.Cause.Error()
}

func (e *ErrSandboxUnavailable) Unwrap() error { return e.Cause }
