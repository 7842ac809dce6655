// Command fswatcher runs inside the sandbox container and watches a
// directory tree for changes, appending one JSON line per event to
// /tmp/fs_events.jsonl for the host-side FilesystemMirror to poll.
//
// This replaces the original system's fs_monitor.py entry point with an
// fsnotify-backed Go binary — restated in Go idiom rather than ported
// line-for-line, per the project's standing rule against imitating the
// original implementation's source language.
package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cloudbox/cloudbox/protocol"
)

const (
	eventLogPath   = "/tmp/fs_events.jsonl"
	maxInlineBytes = 10 * 1024 * 1024
	debounce       = 100 * time.Millisecond
)

var ignoredComponents = map[string]bool{
	"__pycache__":    true,
	".cache":         true,
	".tmp":           true,
	"node_modules":   true,
}

var ownFiles = map[string]bool{
	"fs_events.jsonl": true,
	"fs_monitor.py":   true,
	"fs_monitor.log":  true,
}

func main() {
	root := "/workspace"
	if len(os.Args) > 1 {
		root = os.Args[1]
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fswatcher: new watcher: %v\n", err)
		os.Exit(1)
	}
	defer w.Close()

	if err := addTreeRecursive(w, root); err != nil {
		fmt.Fprintf(os.Stderr, "fswatcher: watch %s: %v\n", root, err)
		os.Exit(1)
	}

	logFile, err := os.OpenFile(eventLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fswatcher: open log: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	d := &debouncer{seen: make(map[string]time.Time)}
	rt := &renameTracker{pending: make(map[string]renameAway)}

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			handleFSEvent(w, root, ev, d, rt, logFile)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			fmt.Fprintf(os.Stderr, "fswatcher: %v\n", err)
		}
	}
}

// renameAway is a path fsnotify reported as Rename (renamed away from, in
// fsnotify's naming) whose destination hasn't been observed yet.
type renameAway struct {
	name string
	at   time.Time
}

// renameTracker pairs an fsnotify Rename (old path gone) with the Create
// that almost always immediately follows it for the new path. The Rename is
// still reported as "deleted" for the old path; the paired Create is then
// reported as "moved" (carrying old_path) instead of "created". fsnotify itself
// never reports the destination name for a rename, so pairing is by
// basename within a short window rather than anything sturdier — the old
// path is already gone by the time the Rename event arrives, so its size
// can't be compared against the Create's.
type renameTracker struct {
	mu      sync.Mutex
	pending map[string]renameAway // basename -> renamed-away info
}

const renamePairWindow = 50 * time.Millisecond

func (rt *renameTracker) observeRenameAway(name string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.pending[filepath.Base(name)] = renameAway{name: name, at: time.Now()}
}

// matchCreate consumes a pending rename-away entry if a Create with the same
// basename arrives within renamePairWindow, returning the old path.
func (rt *renameTracker) matchCreate(newName string) (oldPath string, ok bool) {
	base := filepath.Base(newName)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	away, found := rt.pending[base]
	if !found {
		return "", false
	}
	delete(rt.pending, base)
	if time.Since(away.at) > renamePairWindow {
		return "", false
	}
	return away.name, true
}

// debouncer collapses identical (type, path) events that arrive within
// WATCHER_DEBOUNCE of each other, per spec.md §4.4.
type debouncer struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func (d *debouncer) shouldEmit(eventType, path string) bool {
	key := eventType + "\x00" + path
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.seen[key]; ok && now.Sub(last) < debounce {
		return false
	}
	d.seen[key] = now
	return true
}

func handleFSEvent(w *fsnotify.Watcher, root string, ev fsnotify.Event, d *debouncer, rt *renameTracker, logFile *os.File) {
	if ev.Op&fsnotify.Chmod == fsnotify.Chmod && ev.Op == fsnotify.Chmod {
		return // permission-only changes carry no content signal
	}
	if isIgnored(root, ev.Name) {
		return
	}

	info, statErr := os.Lstat(ev.Name)
	isDir := statErr == nil && info.IsDir()

	var evType protocol.FilesystemEventType
	switch {
	case ev.Op&fsnotify.Create != 0:
		if isDir {
			addTreeRecursive(w, ev.Name)
		}
		if oldPath, matched := rt.matchCreate(ev.Name); matched {
			if !d.shouldEmit(string(protocol.FSEventMoved), ev.Name) {
				return
			}
			out := protocol.FilesystemEvent{Type: protocol.FSEventMoved, Path: ev.Name, OldPath: oldPath, IsDir: isDir, Timestamp: time.Now().UnixMilli()}
			appendEvent(logFile, out)
			return
		}
		evType = protocol.FSEventCreated
	case ev.Op&fsnotify.Remove != 0:
		evType = protocol.FSEventDeleted
	case ev.Op&fsnotify.Rename != 0:
		// fsnotify reports a rename as the old path disappearing; stash it and
		// wait for the paired Create on the new path (renameTracker.matchCreate).
		rt.observeRenameAway(ev.Name)
		evType = protocol.FSEventDeleted
	case ev.Op&fsnotify.Write != 0:
		evType = protocol.FSEventModified
	default:
		return
	}

	if !d.shouldEmit(string(evType), ev.Name) {
		return
	}

	out := protocol.FilesystemEvent{
		Type:      evType,
		Path:      ev.Name,
		IsDir:     isDir,
		Timestamp: time.Now().UnixMilli(),
	}

	if !isDir && statErr == nil && (evType == protocol.FSEventCreated || evType == protocol.FSEventModified) {
		out.Content, out.ContentType = inlineContent(ev.Name, info.Size())
	}

	appendEvent(logFile, out)
}

// inlineContent classifies and, where small enough, inlines a changed
// file's bytes: UTF-8 text verbatim, anything else base64, matching
// spec.md §3's text/binary/file_too_large/read_error vocabulary.
func inlineContent(path string, size int64) (content string, ct protocol.FilesystemContentType) {
	if size > maxInlineBytes {
		return "", protocol.FSContentFileTooLarge
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", protocol.FSContentReadError
	}
	if isLikelyText(data) {
		return string(data), protocol.FSContentText
	}
	return base64.StdEncoding.EncodeToString(data), protocol.FSContentBinary
}

// isLikelyText reports whether data looks like UTF-8 text rather than
// binary, matching internal/fsmirror's initial-sync classification.
func isLikelyText(data []byte) bool {
	for _, b := range data {
		if b == 0 {
			return false
		}
	}
	return true
}

func appendEvent(logFile *os.File, ev protocol.FilesystemEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = logFile.Write(data)
}

func isIgnored(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "." || part == ".." || part == "" {
			continue
		}
		if ownFiles[part] {
			return true
		}
		if ignoredComponents[part] {
			return true
		}
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

func addTreeRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if isIgnored(dir, path) && path != dir {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
