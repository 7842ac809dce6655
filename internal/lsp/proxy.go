// Package lsp implements the LspProxy component: one language-server child
// process per (user_id, language) pair, spoken to over Content-Length framed
// JSON-RPC exactly as the LSP specification describes, adapted from the
// other_examples LSP session-manager's stdin/stdout session into one driven
// through a sandbox.ProcessStream instead of a local os/exec.Cmd.
package lsp

import (
	"bufio"
	"context"
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
)

// ErrUnsupportedLanguage is returned when no server command is configured
// for the requested language.
type ErrUnsupportedLanguage struct {
	Language string
}

func (e *ErrUnsupportedLanguage) Error() string {
	return fmt.Sprintf("no LSP server configured for language %q", e.Language)
}

type pendingCall struct {
	result json.RawMessage
	err    *rpcError
	done   chan struct{}
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("lsp error %d: %s", e.Code, e.Message) }

// hasID reports whether a decoded JSON-RPC "id" field was present and
// non-null — absent for notifications, which carry no id at all.
func hasID(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// idKey canonicalizes a JSON-RPC id (number or string, per the spec) into a
// pending-call map key by trimming incidental whitespace from its raw wire
// form; numeric and string ids never collide since a string id's bytes
// include its surrounding quotes.
func idKey(raw json.RawMessage) string {
	return strings.TrimSpace(string(raw))
}

// completionItemKinds enumerates every LSP CompletionItemKind (1-25) the
// client declares support for in its initialize capabilities.
var completionItemKinds = func() []int {
	kinds := make([]int, 25)
	for i := range kinds {
		kinds[i] = i + 1
	}
	return kinds
}()

// Session is one running language-server child process for a single
// (user_id, language) pair.
type Session struct {
	language string
	rootURI  string
	stream   sandbox.ProcessStream
	logger   *slog.Logger

	nextID int64

	mu sync.Mutex
	// pending is keyed by the JSON-RPC id's canonical wire form (e.g. "7" for
	// a request this Session originated, `"abc"` for a string id a client
	// forwarded through us) so either numeric or string ids round-trip.
	pending map[string]*pendingCall

	openDocsMu sync.Mutex
	openDocs   map[string]int // uri -> version

	notifications chan json.RawMessage
	closeOnce     sync.Once
	closed        chan struct{}
}

// Proxy manages one Session per (userID, language), starting servers lazily
// and tearing them all down when a user's sandbox goes away.
type Proxy struct {
	driver sandbox.Driver
	cfg    config.LspConfig
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session // key: userID + "\x00" + language
}

func NewProxy(driver sandbox.Driver, cfg config.LspConfig, logger *slog.Logger) *Proxy {
	return &Proxy{
		driver:   driver,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

func sessionKey(userID, language string) string {
	return userID + "\x00" + language
}

// Session returns the running session for (userID, language), starting and
// initializing one if none exists yet.
func (p *Proxy) Session(ctx context.Context, userID, instanceID, language, workspaceRoot string) (*Session, error) {
	key := sessionKey(userID, language)

	p.mu.Lock()
	if s, ok := p.sessions[key]; ok {
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	argv, ok := p.cfg.Servers[language]
	if !ok || len(argv) == 0 {
		return nil, &ErrUnsupportedLanguage{Language: language}
	}

	stream, err := p.driver.AttachProcess(ctx, instanceID, argv)
	if err != nil {
		return nil, fmt.Errorf("attach lsp process: %w", err)
	}

	s := newSession(language, "file://"+workspaceRoot, stream, p.logger)
	go s.readLoop()

	initCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if err := s.initialize(initCtx); err != nil {
		s.Close()
		return nil, fmt.Errorf("initialize lsp session: %w", err)
	}

	p.mu.Lock()
	p.sessions[key] = s
	p.mu.Unlock()

	return s, nil
}

// CloseUser tears down every language session started for userID.
func (p *Proxy) CloseUser(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prefix := userID + "\x00"
	for key, s := range p.sessions {
		if strings.HasPrefix(key, prefix) {
			s.Close()
			delete(p.sessions, key)
		}
	}
}

func newSession(language, rootURI string, stream sandbox.ProcessStream, logger *slog.Logger) *Session {
	return &Session{
		language:      language,
		rootURI:       rootURI,
		stream:        stream,
		logger:        logger,
		pending:       make(map[string]*pendingCall),
		openDocs:      make(map[string]int),
		notifications: make(chan json.RawMessage, 32),
		closed:        make(chan struct{}),
	}
}

// Notifications yields server-originated notifications (diagnostics,
// progress, log messages) — e.g. for forwarding over the client WebSocket.
func (s *Session) Notifications() <-chan json.RawMessage { return s.notifications }

// Close runs spec.md §4.5 step 6's shutdown sequence: a "shutdown" request
// (giving the server a chance to reply before going away), then an "exit"
// notification, then the stream itself is torn down.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, _ = s.request(ctx, "shutdown", nil)
		cancel()
		_ = s.sendNotification("exit", nil)
		close(s.closed)
		_ = s.stream.Close()
		close(s.notifications)
	})
}

func (s *Session) initialize(ctx context.Context) error {
	params := map[string]any{
		"processId": nil,
		"rootUri":   s.rootURI,
		"capabilities": map[string]any{
			"textDocument": map[string]any{
				"hover": map[string]any{
					"contentFormat": []string{"markdown", "plaintext"},
				},
				"definition":     map[string]any{"linkSupport": true},
				"references":     map[string]any{},
				"documentSymbol": map[string]any{},
				"completion": map[string]any{
					"completionItem": map[string]any{
						"snippetSupport":          true,
						"documentationFormat":     []string{"markdown", "plaintext"},
						"resolveSupport":          map[string]any{"properties": []string{"documentation", "detail"}},
					},
					"completionItemKind": map[string]any{"valueSet": completionItemKinds},
				},
			},
			"workspace": map[string]any{"workspaceFolders": true},
		},
		"workspaceFolders": []map[string]string{
			{"uri": s.rootURI, "name": "workspace"},
		},
	}

	if _, err := s.request(ctx, "initialize", params); err != nil {
		return err
	}
	return s.sendNotification("initialized", map[string]any{})
}

// DidOpen opens or reopens a document, assigning it version 1. Reopening an
// already-open document sends didClose first so the server's view resets.
func (s *Session) DidOpen(uri, text string) error {
	s.openDocsMu.Lock()
	_, already := s.openDocs[uri]
	s.openDocs[uri] = 1
	s.openDocsMu.Unlock()

	if already {
		if err := s.sendNotification("textDocument/didClose", map[string]any{
			"textDocument": map[string]any{"uri": uri},
		}); err != nil {
			return err
		}
	}

	return s.sendNotification("textDocument/didOpen", map[string]any{
		"textDocument": map[string]any{
			"uri":        uri,
			"languageId": s.language,
			"version":    1,
			"text":       text,
		},
	})
}

// DidChange sends the document's full new text, incrementing its tracked
// version.
func (s *Session) DidChange(uri, text string) error {
	s.openDocsMu.Lock()
	version := s.openDocs[uri] + 1
	s.openDocs[uri] = version
	s.openDocsMu.Unlock()

	return s.sendNotification("textDocument/didChange", map[string]any{
		"textDocument": map[string]any{
			"uri":     uri,
			"version": version,
		},
		"contentChanges": []map[string]any{{"text": text}},
	})
}

// Request forwards an arbitrary LSP method call (hover, definition,
// references, documentSymbol, completion, ...) and returns its raw result.
func (s *Session) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return s.request(ctx, method, params)
}

func (s *Session) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := s.allocID()
	key := strconv.FormatInt(id, 10)
	call := &pendingCall{done: make(chan struct{})}

	s.mu.Lock()
	s.pending[key] = call
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
	}()

	msg := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}
	if err := s.write(msg); err != nil {
		return nil, err
	}

	select {
	case <-call.done:
		if call.err != nil {
			return nil, call.err
		}
		return call.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, io.ErrClosedPipe
	}
}

// Forward frames and sends an arbitrary client-originated JSON-RPC message
// verbatim, matching a response back to it when the message carries an id
// (numeric or string — JSON-RPC 2.0 permits either). Returns (nil, false,
// nil) for notifications, which have no response to wait for.
func (s *Session) Forward(ctx context.Context, raw json.RawMessage) (json.RawMessage, bool, error) {
	var base struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(raw, &base); err != nil {
		return nil, false, fmt.Errorf("invalid JSON-RPC message: %w", err)
	}

	if !hasID(base.ID) {
		if err := s.writeRaw(raw); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	key := idKey(base.ID)
	call := &pendingCall{done: make(chan struct{})}
	s.mu.Lock()
	s.pending[key] = call
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
	}()

	if err := s.writeRaw(raw); err != nil {
		return nil, true, err
	}

	select {
	case <-call.done:
		if call.err != nil {
			return nil, true, call.err
		}
		return call.result, true, nil
	case <-ctx.Done():
		return nil, true, ctx.Err()
	case <-s.closed:
		return nil, true, io.ErrClosedPipe
	}
}

func (s *Session) writeRaw(body []byte) error {
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.stream.Write([]byte(header)); err != nil {
		return err
	}
	_, err := s.stream.Write(body)
	return err
}

func (s *Session) sendNotification(method string, params any) error {
	return s.write(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
}

func (s *Session) allocID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

// write frames msg as Content-Length-prefixed JSON and sends it to the
// language server's stdin.
func (s *Session) write(msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.stream.Write([]byte(header)); err != nil {
		return err
	}
	_, err = s.stream.Write(body)
	return err
}

// readLoop demultiplexes the server's framed stdout into responses
// delivered to pending calls and notifications forwarded on the channel.
// Exits, closing nothing itself, when the stream returns an error — Close
// is the only path that tears the stream down.
func (s *Session) readLoop() {
	reader := bufio.NewReader(s.stream)
	for {
		body, err := readFrame(reader)
		if err != nil {
			if s.logger != nil {
				s.logger.Debug("lsp read loop exiting", "language", s.language, "error", err)
			}
			return
		}

		var base struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *rpcError       `json:"error"`
		}
		if err := json.Unmarshal(body, &base); err != nil {
			continue
		}

		if hasID(base.ID) && base.Method == "" {
			s.mu.Lock()
			call, ok := s.pending[idKey(base.ID)]
			s.mu.Unlock()
			if ok {
				call.result = base.Result
				call.err = base.Error
				close(call.done)
			}
			continue
		}

		if base.Method != "" {
			select {
			case s.notifications <- body:
			default:
				// slow consumer; drop rather than block the read loop
			}
		}
	}
}

// readFrame reads one Content-Length-framed JSON-RPC message, exactly the
// header/body shape the LSP spec requires.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var contentLength int
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "Content-Length:") {
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Content-Length:")))
			if err != nil {
				return nil, fmt.Errorf("invalid Content-Length: %w", err)
			}
			contentLength = n
		}
	}
	if contentLength == 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}
	body := make([]byte, contentLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
