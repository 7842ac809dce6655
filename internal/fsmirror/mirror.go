package fsmirror

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cloudbox/cloudbox/internal/config"
	"github.com/cloudbox/cloudbox/internal/sandbox"
	"github.com/cloudbox/cloudbox/protocol"
)

const eventLogPath = "/tmp/fs_events.jsonl"

// Mirror is the FilesystemMirror component for one user's sandbox: it polls
// the watcher's append-only log, suppresses host-originated echoes, and
// applies client-originated mutations via argv exec.
type Mirror struct {
	driver     sandbox.Driver
	instanceID string
	root       string
	cfg        config.FilesystemConfig
	logger     *slog.Logger

	offset int64

	mu      sync.Mutex
	pending map[pendingKey]time.Time

	watcherOnce   sync.Once
	watcherStream sandbox.ProcessStream
	watcherErr    error
}

func New(driver sandbox.Driver, instanceID, root string, cfg config.FilesystemConfig, logger *slog.Logger) *Mirror {
	return &Mirror{
		driver:     driver,
		instanceID: instanceID,
		root:       root,
		cfg:        cfg,
		logger:     logger,
		pending:    make(map[pendingKey]time.Time),
	}
}

// Start launches the in-sandbox watcher (once per sandbox lifetime) and
// runs the poll loop until ctx is canceled or the sandbox is no longer
// alive, sending translated events to the returned channel, which it closes
// on exit. The watcher process itself outlives any one connection's ctx —
// it's torn down only when the sandbox instance is, along with everything
// else inside it.
func (m *Mirror) Start(ctx context.Context) <-chan ClientEvent {
	out := make(chan ClientEvent, 64)
	if err := m.ensureWatcher(ctx); err != nil {
		if m.logger != nil {
			m.logger.Warn("fsmirror: failed to launch in-sandbox watcher", "instance_id", m.instanceID, "error", err)
		}
	}
	go func() {
		defer close(out)
		interval := m.cfg.PollInterval()
		backoff := m.cfg.ErrorBackoff()
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}

			alive, err := m.driver.IsAlive(ctx, m.instanceID)
			if err != nil || !alive {
				return
			}

			events, err := m.poll(ctx)
			if err != nil {
				if m.logger != nil {
					m.logger.Warn("fsmirror poll failed", "instance_id", m.instanceID, "error", err)
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				continue
			}
			for _, ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// ensureWatcher spawns cmd/fswatcher inside the sandbox, rooted at m.root,
// exactly once for this Mirror's lifetime (i.e. once per sandbox instance —
// a Mirror is shared across every WebSocket channel for that instance). The
// watcher runs detached from any one connection's context: it keeps writing
// to eventLogPath for as long as the sandbox itself is alive, and Exec/poll
// picks up its output regardless of which connection triggered the launch.
func (m *Mirror) ensureWatcher(ctx context.Context) error {
	m.watcherOnce.Do(func() {
		stream, err := m.driver.AttachProcess(ctx, m.instanceID, []string{m.cfg.WatcherBinary, m.root})
		if err != nil {
			m.watcherErr = fmt.Errorf("launch watcher: %w", err)
			return
		}
		m.watcherStream = stream
		go io.Copy(io.Discard, stream) // watcher writes no stdout; drain to keep the exec pipe from blocking
	})
	return m.watcherErr
}

// poll reads newly-appended bytes of the event log since the last call,
// parses each JSON line, and translates it, dropping anything suppressed by
// a pending client-originated operation.
func (m *Mirror) poll(ctx context.Context) ([]ClientEvent, error) {
	out, exitCode, err := m.driver.Exec(ctx, m.instanceID,
		[]string{"tail", "-c", "+" + strconv.FormatInt(m.offset+1, 10), eventLogPath}, 0)
	if err != nil {
		return nil, fmt.Errorf("tail event log: %w", err)
	}
	if exitCode != 0 {
		// Log file doesn't exist yet (watcher hasn't started) or was
		// truncated out from under the offset; nothing to report this tick.
		return nil, nil
	}

	m.offset += int64(len(out))

	var events []ClientEvent
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var raw rawEvent
		if err := json.Unmarshal(line, &raw); err != nil {
			if m.logger != nil {
				m.logger.Warn("fsmirror: skipping malformed event line", "error", err)
			}
			continue
		}
		op := operationFor(raw)
		if op == "" {
			continue
		}
		if m.isSuppressed(op, raw.Path) || (op == OpRename && (m.isSuppressed(OpDelete, raw.OldPath) || m.isSuppressed(OpCreate, raw.Path))) {
			continue
		}
		events = append(events, ClientEvent{
			Operation:   op,
			Path:        raw.Path,
			OldPath:     raw.OldPath,
			IsDirectory: raw.IsDir,
			Content:     raw.Content,
			ContentType: contentTypeFor(raw),
		})
	}
	return events, scanner.Err()
}

// contentTypeFor translates the watcher's own text/binary/file_too_large/
// read_error classification (computed when the event was written, per
// spec.md §3) into the client-facing ContentType vocabulary.
func contentTypeFor(raw rawEvent) ContentType {
	switch raw.ContentType {
	case protocol.FSContentText:
		return ContentText
	case protocol.FSContentBinary:
		return ContentBinary
	case protocol.FSContentFileTooLarge:
		return ContentFileTooLarge
	case protocol.FSContentReadError:
		return ContentReadError
	default:
		return ""
	}
}

// MarkChangePending suppresses the next watcher echo for a content change at
// path, for host-initiated writes that don't go through ApplyClientOp (the
// terminal channel's write_file op).
func (m *Mirror) MarkChangePending(path string) {
	m.markPending(OpChange, path)
}

// markPending records a (op, path) pair as host-initiated so the next
// matching watcher echo, within PENDING_OP_TTL, is dropped silently.
func (m *Mirror) markPending(op Operation, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[pendingKey{op, path}] = time.Now().Add(m.cfg.PendingOpTTL())
}

func (m *Mirror) isSuppressed(op Operation, path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pendingKey{op, path}
	expiry, ok := m.pending[key]
	if !ok {
		return false
	}
	delete(m.pending, key)
	return time.Now().Before(expiry)
}

// InitialSync walks the sandbox tree (bounded to INITIAL_SYNC_CAP entries)
// and synthesizes "create" events so a newly connected client can
// materialize the whole tree without waiting for live watcher events.
func (m *Mirror) InitialSync(ctx context.Context) ([]ClientEvent, error) {
	out, exitCode, err := m.driver.Exec(ctx, m.instanceID, []string{
		"find", m.root,
		"-not", "-path", "*/.*",
		"-not", "-path", "*/__pycache__/*",
		"-not", "-path", "*/node_modules/*",
		"-printf", "%y %p\n",
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("initial sync walk: %w", err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("initial sync walk exited %d", exitCode)
	}

	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	if len(lines) > m.cfg.InitialSyncCap {
		if m.logger != nil {
			m.logger.Warn("fsmirror: initial sync truncated", "total", len(lines), "cap", m.cfg.InitialSyncCap)
		}
		lines = lines[:m.cfg.InitialSyncCap]
	}

	events := make([]ClientEvent, 0, len(lines))
	for _, line := range lines {
		kind, path, ok := strings.Cut(line, " ")
		if !ok || path == "" || path == m.root {
			continue
		}
		isDir := kind == "d"
		ev := ClientEvent{Operation: OpCreate, Path: path, IsDirectory: isDir}
		if !isDir {
			ev.Content, ev.ContentType = m.readSmallFile(ctx, path)
		}
		events = append(events, ev)
	}
	return events, nil
}

// readSmallFile fetches a file's content for inlining into an event,
// classifying it per spec.md's MAX_FILE_INLINE cutoff.
func (m *Mirror) readSmallFile(ctx context.Context, path string) (content string, ct ContentType) {
	data, truncated, err := m.driver.ReadFile(ctx, m.instanceID, path, int(m.cfg.MaxFileInlineBytes()))
	if err != nil {
		return "", ContentReadError
	}
	if truncated {
		return "", ContentFileTooLarge
	}
	if isLikelyText(data) {
		return string(data), ContentText
	}
	return base64.StdEncoding.EncodeToString(data), ContentBinary
}

func isLikelyText(b []byte) bool {
	for _, c := range b {
		if c == 0 {
			return false
		}
	}
	return true
}
