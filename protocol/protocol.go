// Package protocol defines the JSON-line message types exchanged between
// the daemon and the runner binary inside each sandbox container, plus the
// wire shapes carried over the browser-facing WebSocket channels.
package protocol

// Request is the envelope sent from daemon → runner.
type Request struct {
	ID   string      `json:"id"`
	Type RequestType `json:"type"`

	// Exec fields
	Cmd       string `json:"cmd,omitempty"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`

	// Write fields
	Path          string `json:"path,omitempty"`
	ContentBase64 string `json:"content_base64,omitempty"`
	Text          string `json:"text,omitempty"`

	// Read fields
	MaxBytes int `json:"max_bytes,omitempty"`

	// RawOutput disables ANSI-stripping/line-ending normalization of exec
	// output, returning the command's bytes as-is.
	RawOutput bool `json:"raw_output,omitempty"`
}

// MaxExecInlineCmdBytes bounds a command string sent inline in a Request;
// larger payloads should use the write+exec-file path instead.
const MaxExecInlineCmdBytes = 256 * 1024

type RequestType string

const (
	RequestExec       RequestType = "exec"
	RequestExecStream RequestType = "exec_stream" // streaming exec
	RequestWrite      RequestType = "write"
	RequestRead       RequestType = "read"
)

// Response is the envelope sent from runner → daemon.
type Response struct {
	ID   string       `json:"id"`
	Type ResponseType `json:"type"`

	// Exec response fields
	ExitCode   int    `json:"exit_code,omitempty"`
	Cwd        string `json:"cwd,omitempty"`
	Output     string `json:"output,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`

	// Streaming exec fields (for exec_chunk)
	Chunk     string `json:"chunk,omitempty"`     // output chunk
	Timestamp int64  `json:"timestamp,omitempty"` // unix timestamp ms

	// Write response fields
	OK bool `json:"ok,omitempty"`

	// Read response fields
	ContentBase64 string `json:"content_base64,omitempty"`

	// Error fields
	Error string `json:"error,omitempty"`
}

type ResponseType string

const (
	ResponseExec      ResponseType = "exec"
	ResponseExecChunk ResponseType = "exec_chunk" // streaming output chunk
	ResponseExecDone  ResponseType = "exec_done"  // streaming complete
	ResponseWrite     ResponseType = "write"
	ResponseRead      ResponseType = "read"
	ResponseError     ResponseType = "error"
	ResponseReady     ResponseType = "ready"
)

// ReadyMessage is emitted by the runner on startup.
type ReadyMessage struct {
	Type ResponseType `json:"type"` // always "ready"
}

// MaxOutputBytes is the default cap on exec output.
const MaxOutputBytes = 5 * 1024 * 1024 // 5 MB

// DefaultMaxReadBytes is the default cap on file reads.
const DefaultMaxReadBytes = 10 * 1024 * 1024 // 10 MB

const WorkspaceVolumePrefix = "cloudbox-ws-" // Docker named volume prefix

// SentinelBegin is the marker written before a command run through the
// runner's internal shell (used by the one-shot exec path, not the
// interactive terminal channel — see internal/pty for the prompt sentinel
// used there).
const SentinelBegin = "__CLOUDBOX_BEGIN__"

// SentinelEnd is the marker written after a command completes.
const SentinelEnd = "__CLOUDBOX_END__"

// --- Filesystem mirror wire types -----------------------------------------

// FilesystemEventType enumerates the kinds of changes the in-container
// watcher reports.
type FilesystemEventType string

const (
	FSEventCreated  FilesystemEventType = "created"
	FSEventModified FilesystemEventType = "modified"
	FSEventDeleted  FilesystemEventType = "deleted"
	FSEventMoved    FilesystemEventType = "moved"
)

// FilesystemContentType classifies how (or whether) Content is encoded,
// mirroring spec.md §3's content_type vocabulary.
type FilesystemContentType string

const (
	FSContentText         FilesystemContentType = "text"
	FSContentBinary       FilesystemContentType = "binary"
	FSContentFileTooLarge FilesystemContentType = "file_too_large"
	FSContentNotFile      FilesystemContentType = "not_file"
	FSContentReadError    FilesystemContentType = "read_error"
)

// FilesystemEvent is one line of the in-container event log
// (/tmp/fs_events.jsonl). internal/fsmirror translates it to a
// fsmirror.ClientEvent before anything is sent on the
// /ws/filesystem/{user_id} channel.
type FilesystemEvent struct {
	Type        FilesystemEventType   `json:"type"`
	Path        string                `json:"path"`
	OldPath     string                `json:"old_path,omitempty"` // set for "moved"
	IsDir       bool                  `json:"is_dir"`
	Content     string                `json:"content,omitempty"`      // UTF-8 text or base64, per ContentType
	ContentType FilesystemContentType `json:"content_type,omitempty"` // set alongside Content on "created"/"modified"
	Timestamp   int64                 `json:"timestamp"`
}

