package fsmirror

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudbox/cloudbox/internal/config"
	"github.com/cloudbox/cloudbox/internal/sandbox"
	"github.com/cloudbox/cloudbox/protocol"
)

// fakeDriver records Exec calls and returns canned output, enough to drive
// Mirror without a real sandbox.Driver implementation.
type fakeDriver struct {
	execCalls    [][]string
	execOut      []byte
	execCode     int
	execErr      error
	alive        bool
	attachCalls  [][]string
}

func (f *fakeDriver) BuildImage(ctx context.Context, tag string) error { return nil }
func (f *fakeDriver) StartInstance(ctx context.Context, userID, image string, d config.Defaults, ws string) (string, error) {
	return "inst", nil
}
func (f *fakeDriver) Exec(ctx context.Context, instanceID string, argv []string, timeout int) ([]byte, int, error) {
	f.execCalls = append(f.execCalls, argv)
	return f.execOut, f.execCode, f.execErr
}
func (f *fakeDriver) AttachPTY(ctx context.Context, instanceID string, argv []string, cols, rows int) (sandbox.PTYStream, error) {
	return ptyStreamStub{}, nil
}
func (f *fakeDriver) AttachProcess(ctx context.Context, instanceID string, argv []string) (sandbox.ProcessStream, error) {
	f.attachCalls = append(f.attachCalls, argv)
	return ptyStreamStub{}, nil
}
func (f *fakeDriver) WriteFile(ctx context.Context, instanceID, path string, content []byte) error {
	return nil
}
func (f *fakeDriver) ReadFile(ctx context.Context, instanceID, path string, maxBytes int) ([]byte, bool, error) {
	return nil, false, nil
}
func (f *fakeDriver) IsAlive(ctx context.Context, instanceID string) (bool, error) { return f.alive, nil }
func (f *fakeDriver) StopInstance(ctx context.Context, instanceID string) error    { return nil }

type ptyStreamStub struct{}

func (ptyStreamStub) Read(p []byte) (int, error)   { return 0, nil }
func (ptyStreamStub) Write(p []byte) (int, error)  { return len(p), nil }
func (ptyStreamStub) Close() error                 { return nil }
func (ptyStreamStub) Resize(c, r int) error         { return nil }

func TestApplyClientOp_RenameMarksBothKeys(t *testing.T) {
	fd := &fakeDriver{execCode: 0}
	m := New(nil, "inst", "/workspace", config.FilesystemConfig{PendingOpTTLMs: 2000}, nil)
	m.driver = fd

	result := m.ApplyClientOp(context.Background(), ClientOpRequest{
		Operation: OpRename,
		Files:     []ClientFile{{OldPath: "/h/a", Path: "/h/b"}},
	})

	require.True(t, result.Success)
	require.Len(t, fd.execCalls, 1)
	assert.Equal(t, []string{"mv", "/h/a", "/h/b"}, fd.execCalls[0])

	assert.True(t, m.isSuppressed(OpDelete, "/h/a"))
	// isSuppressed above consumed the delete key; re-mark it. The create key
	// for the new path is a separate entry ApplyClientOp left pending.
	m.markPending(OpDelete, "/h/a")
	assert.True(t, m.isSuppressed(OpCreate, "/h/b"))
}

func TestStart_LaunchesWatcherOnce(t *testing.T) {
	fd := &fakeDriver{alive: false} // not alive: poll loop exits after the first tick, watcher launch still happens first
	m := New(fd, "inst", "/workspace", config.FilesystemConfig{
		PollIntervalMs: 1,
		ErrorBackoffMs: 1,
		WatcherBinary:  "/usr/local/bin/fswatcher",
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ch := m.Start(ctx)
	for range ch {
	}

	require.Len(t, fd.attachCalls, 1)
	assert.Equal(t, []string{"/usr/local/bin/fswatcher", "/workspace"}, fd.attachCalls[0])

	// A second Start on the same Mirror (e.g. a second WebSocket connection)
	// must not relaunch the watcher.
	ch2 := m.Start(ctx)
	for range ch2 {
	}
	assert.Len(t, fd.attachCalls, 1)
}

func TestPendingOp_ExpiresAfterTTL(t *testing.T) {
	m := New(nil, "inst", "/workspace", config.FilesystemConfig{PendingOpTTLMs: 1}, nil)
	m.markPending(OpDelete, "/x")
	time.Sleep(5 * time.Millisecond)
	assert.False(t, m.isSuppressed(OpDelete, "/x"))
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, ContentType(""), contentTypeFor(rawEvent{IsDir: true}))
	assert.Equal(t, ContentType(""), contentTypeFor(rawEvent{Content: ""}))
	assert.Equal(t, ContentText, contentTypeFor(rawEvent{Content: "hello", ContentType: protocol.FSContentText}))
	assert.Equal(t, ContentBinary, contentTypeFor(rawEvent{Content: "abcd", ContentType: protocol.FSContentBinary}))
	assert.Equal(t, ContentFileTooLarge, contentTypeFor(rawEvent{ContentType: protocol.FSContentFileTooLarge}))
	assert.Equal(t, ContentReadError, contentTypeFor(rawEvent{ContentType: protocol.FSContentReadError}))
}
