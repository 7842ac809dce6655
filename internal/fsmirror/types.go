// Package fsmirror implements the host side of the bidirectional filesystem
// mirror (spec.md §4.4): it polls the in-container watcher's JSON-Lines
// event log, suppresses echoes of changes the host itself just made, and
// applies client-originated operations back into the sandbox via
// argv-level exec — never a shell string, so a path containing a quote or
// space can never break out of the intended command.
package fsmirror

import (
	"time"

	"github.com/cloudbox/cloudbox/protocol"
)

// ContentType classifies how (or whether) a changed file's bytes are
// inlined into the event sent to the client.
type ContentType string

const (
	ContentText          ContentType = "text"
	ContentBinary        ContentType = "binary"
	ContentFileTooLarge  ContentType = "file_too_large"
	ContentNotFile       ContentType = "not_file"
	ContentReadError     ContentType = "read_error"
)

// FileInfo mirrors the metadata spec.md attaches to most events.
type FileInfo struct {
	Size        int64     `json:"size"`
	Mtime       time.Time `json:"mtime"`
	Permissions string    `json:"permissions"`
	Name        string    `json:"name"`
}

// Operation is the client-facing vocabulary, distinct from the in-container
// watcher's own event-type vocabulary (created/modified/deleted/moved).
type Operation string

const (
	OpCreate Operation = "create"
	OpDelete Operation = "delete"
	OpChange Operation = "change"
	OpRename Operation = "rename"
)

// ClientEvent is what's delivered over /ws/filesystem/{user_id} for each
// sandbox-originated change, after translation from the raw watcher record.
type ClientEvent struct {
	Operation   Operation   `json:"operation"`
	Path        string      `json:"path"`
	OldPath     string      `json:"oldPath,omitempty"`
	IsDirectory bool        `json:"isDirectory"`
	Content     string      `json:"content,omitempty"`
	ContentType ContentType `json:"contentType,omitempty"`
	FileInfo    *FileInfo   `json:"fileInfo,omitempty"`
}

// ClientFile is one entry in a batched client-originated file_operation
// request (spec.md §6).
type ClientFile struct {
	Path    string `json:"path"`
	OldPath string `json:"oldPath,omitempty"`
	IsDir   bool   `json:"isDirectory"`
}

// ClientOpRequest is the inbound batch the /ws/filesystem handler forwards
// to ApplyClientOp.
type ClientOpRequest struct {
	Operation Operation    `json:"operation"`
	Files     []ClientFile `json:"files"`
}

// ApplyResult reports what happened applying one ClientOpRequest, mirroring
// spec.md §6's file_operation_result.
type ApplyResult struct {
	Operation Operation    `json:"operation"`
	Success   bool         `json:"success"`
	Files     []ClientFile `json:"files"`
	Error     string       `json:"error,omitempty"`
}

// rawEvent is one line of the in-container watcher's JSON-Lines log
// (/tmp/fs_events.jsonl): the same wire shape cmd/fswatcher writes via
// protocol.FilesystemEvent, aliased here rather than imported as a struct
// literal type so the host-side translation step (operationFor) stays local
// to this package.
type rawEvent = protocol.FilesystemEvent

func operationFor(e rawEvent) Operation {
	switch e.Type {
	case protocol.FSEventCreated:
		return OpCreate
	case protocol.FSEventModified:
		return OpChange
	case protocol.FSEventDeleted:
		return OpDelete
	case protocol.FSEventMoved:
		return OpRename
	default:
		return ""
	}
}

// pendingKey identifies a suppressible (event type, path) pair.
type pendingKey struct {
	op   Operation
	path string
}
