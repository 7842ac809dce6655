package lsp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudbox/cloudbox/internal/config"
)

func newTestReader(s string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(s))
}

func lspConfigWith(servers map[string][]string) config.LspConfig {
	if servers == nil {
		servers = map[string][]string{"python": {"pylsp"}}
	}
	return config.LspConfig{Servers: servers}
}

// fakeServer is an in-memory ProcessStream standing in for a real language
// server: writes from the session land in `in`, and fakeServer answers by
// writing framed responses into the buffer the session reads from.
type fakeServer struct {
	mu     sync.Mutex
	toSrv  bytes.Buffer
	toSess bytes.Buffer
	cond   *sync.Cond
	closed bool
}

func newFakeServer() *fakeServer {
	f := &fakeServer{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *fakeServer) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.toSrv.Write(p)
	f.cond.Broadcast()
	return n, err
}

func (f *fakeServer) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.toSess.Len() == 0 && !f.closed {
		f.cond.Wait()
	}
	if f.closed && f.toSess.Len() == 0 {
		return 0, fmt.Errorf("closed")
	}
	return f.toSess.Read(p)
}

func (f *fakeServer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.cond.Broadcast()
	return nil
}

// respond writes a framed JSON-RPC response/notification to the session.
func (f *fakeServer) respond(body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	frame := fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body)
	f.toSess.WriteString(frame)
	f.cond.Broadcast()
}

func TestSession_InitializeRoundTrip(t *testing.T) {
	srv := newFakeServer()
	s := newSession("python", "file:///workspace", srv, nil)
	go s.readLoop()
	defer s.Close()

	go func() {
		// Wait for the initialize request to land, then answer it with id 1.
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			srv.mu.Lock()
			has := bytes.Contains(srv.toSrv.Bytes(), []byte(`"method":"initialize"`))
			srv.mu.Unlock()
			if has {
				break
			}
			time.Sleep(time.Millisecond)
		}
		srv.respond(`{"jsonrpc":"2.0","id":1,"result":{"capabilities":{}}}`)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.initialize(ctx)
	require.NoError(t, err)
}

func TestSession_ForwardAcceptsStringID(t *testing.T) {
	srv := newFakeServer()
	s := newSession("python", "file:///workspace", srv, nil)
	go s.readLoop()
	defer s.Close()

	go func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			srv.mu.Lock()
			has := bytes.Contains(srv.toSrv.Bytes(), []byte(`"method":"textDocument/hover"`))
			srv.mu.Unlock()
			if has {
				break
			}
			time.Sleep(time.Millisecond)
		}
		srv.respond(`{"jsonrpc":"2.0","id":"req-abc","result":{"contents":"hi"}}`)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw := json.RawMessage(`{"jsonrpc":"2.0","id":"req-abc","method":"textDocument/hover","params":{}}`)
	result, hasResponse, err := s.Forward(ctx, raw)
	require.NoError(t, err)
	assert.True(t, hasResponse)
	assert.JSONEq(t, `{"contents":"hi"}`, string(result))
}

func TestSession_DidOpenThenDidChangeIncrementsVersion(t *testing.T) {
	srv := newFakeServer()
	s := newSession("python", "file:///workspace", srv, nil)
	go s.readLoop()
	defer s.Close()

	require.NoError(t, s.DidOpen("file:///workspace/main.py", "print(1)"))
	require.NoError(t, s.DidChange("file:///workspace/main.py", "print(2)"))

	s.openDocsMu.Lock()
	version := s.openDocs["file:///workspace/main.py"]
	s.openDocsMu.Unlock()
	assert.Equal(t, 2, version)
}

func TestReadFrame_ParsesContentLength(t *testing.T) {
	body := `{"jsonrpc":"2.0","id":1,"result":null}`
	raw := fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body)
	r := newTestReader(raw)
	out, err := readFrame(r)
	require.NoError(t, err)
	assert.Equal(t, body, string(out))
}

func TestProxy_UnsupportedLanguage(t *testing.T) {
	p := NewProxy(nil, lspConfigWith(nil), nil)
	_, err := p.Session(context.Background(), "u1", "inst", "ruby", "/workspace")
	require.Error(t, err)
	var unsupported *ErrUnsupportedLanguage
	assert.ErrorAs(t, err, &unsupported)
}
