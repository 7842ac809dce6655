// Package pty drives one interactive shell living inside a sandbox
// instance: it writes keystrokes, reads output in either prompt-delimited
// or raw-passthrough mode depending on whether a full-screen program has
// taken over the alternate screen buffer, and tracks that transition with a
// small escape-sequence state machine (see escscan.go) rather than a
// substring search over partial reads.
package pty

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cloudbox/cloudbox/internal/config"
	"github.com/cloudbox/cloudbox/internal/sandbox"
)

// PromptInfo is what the controller last parsed out of the shell's sentinel
// prompt. Any field can be empty if the prompt didn't carry it.
type PromptInfo struct {
	User string
	Host string
	Cwd  string
}

// ReadResult is one chunk produced by a read, plus (when Final is true) the
// terminal record spec.md's streaming variant emits on completion.
type ReadResult struct {
	Output      string
	Final       bool
	Prompt      PromptInfo
	RawMode     bool
	IsExitingRaw bool
}

var errPtyClosed = fmt.Errorf("pty closed")

// ErrClosed is returned by Write/Read after the underlying PTYStream died.
func ErrClosed() error { return errPtyClosed }

// Controller owns one sandbox.PTYStream for the lifetime of a terminal
// WebSocket. It is not safe for concurrent use by more than one goroutine
// at a time (matches spec.md §5: one connection owns one PTY).
type Controller struct {
	stream sandbox.PTYStream
	cfg    config.PTYConfig

	rows, cols int
	altScreen  bool
	scanner    altScreenScanner
	lastPrompt PromptInfo

	promptRegex *regexp.Regexp

	// A single long-lived goroutine owns stream.Read; readImmediate only ever
	// drains readCh. Without this, each readImmediate call spawned its own
	// Read goroutine that stayed blocked past a timeout, so the next call's
	// goroutine raced it for the same underlying stream and could interleave
	// bytes out of order.
	readOnce sync.Once
	readCh   chan []byte
}

// startReader launches the stream's sole reader goroutine, once per
// Controller. It runs until stream.Read returns an error (Close or a dead
// child), then closes readCh so every subsequent readImmediate call fails
// fast with errPtyClosed instead of blocking.
func (c *Controller) startReader() {
	c.readOnce.Do(func() {
		c.readCh = make(chan []byte, 256)
		go func() {
			buf := make([]byte, 64*1024)
			for {
				n, err := c.stream.Read(buf)
				if n > 0 {
					chunk := make([]byte, n)
					copy(chunk, buf[:n])
					c.readCh <- chunk
				}
				if err != nil {
					close(c.readCh)
					return
				}
			}
		}()
	})
}

// Attach starts argv (the sandbox's login shell) inside instanceID with a
// pseudo-terminal, then configures the sentinel prompt and terminal mode.
func Attach(ctx context.Context, driver sandbox.Driver, instanceID string, argv []string, cfg config.PTYConfig, cols, rows int) (*Controller, error) {
	if cols <= 0 {
		cols = 120
	}
	if rows <= 0 {
		rows = 40
	}
	stream, err := driver.AttachPTY(ctx, instanceID, argv, cols, rows)
	if err != nil {
		return nil, fmt.Errorf("attach pty: %w", err)
	}

	re, err := compilePromptRegex(cfg.PromptPrefix, cfg.PromptSuffix)
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("compile prompt regex: %w", err)
	}

	c := &Controller{
		stream:      stream,
		cfg:         cfg,
		rows:        rows,
		cols:        cols,
		promptRegex: re,
	}

	if err := c.configure(); err != nil {
		stream.Close()
		return nil, err
	}
	return c, nil
}

// configure writes the PS1 sentinel assignment, TERM, and stty settings so
// the shell's prompt carries a machine-parseable user@host:cwd, and raw
// keystrokes reach the shell without local echo or canonical-mode editing.
func (c *Controller) configure() error {
	ps1 := fmt.Sprintf(`export PS1="%s\u@\h:\w%s "`+"\n", c.cfg.PromptPrefix, c.cfg.PromptSuffix)
	cmds := []string{
		ps1,
		"export TERM=xterm-256color\n",
		"stty -icanon -echo opost\n",
		"clear\n",
	}
	for _, cmd := range cmds {
		if _, err := c.stream.Write([]byte(cmd)); err != nil {
			return fmt.Errorf("configure: %w", err)
		}
	}
	// Drain the configuration echo before first real read so it never leaks
	// into the first command's output.
	_, _ = c.readImmediate(c.cfg.ImmediateRead())
	return nil
}

func (c *Controller) Close() error {
	return c.stream.Close()
}

// Write sends raw bytes to the shell (keystrokes, a command line, etc).
func (c *Controller) Write(p []byte) error {
	_, err := c.stream.Write(p)
	if err != nil {
		return errPtyClosed
	}
	return nil
}

// InAlternateScreen reports whether the last read observed the shell in a
// full-screen program's alternate screen buffer.
func (c *Controller) InAlternateScreen() bool { return c.altScreen }

// observe feeds freshly-read bytes through the alt-screen scanner and
// returns whether this read caused a true->false ("is_exiting_raw") edge.
func (c *Controller) observe(chunk []byte) (isExitingRaw bool) {
	entering, transitioned := c.scanner.FeedBytes(chunk)
	if !transitioned {
		return false
	}
	was := c.altScreen
	c.altScreen = entering
	return was && !entering
}

// ReadUntilPrompt blocks (up to PROMPT_READ_TIMEOUT) until the prompt
// sentinel appears in prompt mode, or returns whatever is immediately
// available in raw mode. On timeout, returns the buffered partial output
// with no error, per spec.md §4.2.
func (c *Controller) ReadUntilPrompt(ctx context.Context) (ReadResult, error) {
	if c.altScreen {
		out, err := c.readImmediate(c.cfg.ImmediateRead())
		if err != nil {
			return ReadResult{}, err
		}
		isExiting := c.observe([]byte(out))
		return ReadResult{Output: out, Final: true, RawMode: true, IsExitingRaw: isExiting, Prompt: c.lastPrompt}, nil
	}

	deadline := time.Now().Add(c.cfg.PromptReadTimeout())
	var acc bytes.Buffer
	for time.Now().Before(deadline) {
		chunk, err := c.readImmediate(20 * time.Millisecond)
		if err != nil {
			return ReadResult{}, err
		}
		if chunk == "" {
			continue
		}
		acc.WriteString(chunk)
		isExiting := c.observe([]byte(chunk))
		if c.altScreen {
			// Shell launched a full-screen program mid-read; stop collecting
			// prompt-mode output and hand back what we have so far.
			return ReadResult{Output: acc.String(), Final: true, RawMode: true, IsExitingRaw: isExiting}, nil
		}
		if idx := strings.Index(acc.String(), c.cfg.PromptSuffix); idx >= 0 {
			info := c.parsePrompt(acc.String())
			c.lastPrompt = info
			return ReadResult{
				Output: stripPrompt(acc.String(), c.cfg.PromptPrefix, c.cfg.PromptSuffix),
				Final:  true,
				Prompt: info,
			}, nil
		}
	}
	return ReadResult{Output: acc.String(), Final: true, Prompt: c.lastPrompt}, nil
}

// StreamUntilPrompt emits chunks as they arrive (filtering out the prompt
// sentinel and terminating once it's seen), then one final ReadResult with
// Final=true carrying the parsed prompt/raw-mode state.
func (c *Controller) StreamUntilPrompt(ctx context.Context, out chan<- ReadResult) error {
	defer close(out)

	if c.altScreen {
		chunk, err := c.readImmediate(c.cfg.ImmediateRead())
		if err != nil {
			return err
		}
		isExiting := c.observe([]byte(chunk))
		out <- ReadResult{Output: chunk, Final: true, RawMode: true, IsExitingRaw: isExiting, Prompt: c.lastPrompt}
		return nil
	}

	deadline := time.Now().Add(c.cfg.PromptReadTimeout())
	var acc bytes.Buffer
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		chunk, err := c.readImmediate(20 * time.Millisecond)
		if err != nil {
			return err
		}
		if chunk == "" {
			continue
		}
		acc.WriteString(chunk)
		isExiting := c.observe([]byte(chunk))
		if c.altScreen {
			out <- ReadResult{Output: chunk, Final: true, RawMode: true, IsExitingRaw: isExiting}
			return nil
		}
		full := acc.String()
		if idx := strings.Index(full, c.cfg.PromptSuffix); idx >= 0 {
			info := c.parsePrompt(full)
			c.lastPrompt = info
			visible := stripPrompt(full, c.cfg.PromptPrefix, c.cfg.PromptSuffix)
			if visible != "" {
				out <- ReadResult{Output: visible}
			}
			out <- ReadResult{Final: true, Prompt: info}
			return nil
		}
		// Don't emit a chunk that might still contain half of the sentinel;
		// the next loop iteration will include it in full's prefix check.
		if !strings.Contains(full, c.cfg.PromptPrefix) {
			out <- ReadResult{Output: chunk}
			acc.Reset()
		}
	}
	out <- ReadResult{Output: acc.String(), Final: true, Prompt: c.lastPrompt}
	return nil
}

// ReadImmediate returns whatever bytes are available within IMMEDIATE_READ,
// used for raw-mode alternate-screen passthrough (spec.md §4.2).
func (c *Controller) ReadImmediate() (string, error) {
	out, err := c.readImmediate(c.cfg.ImmediateRead())
	if err != nil {
		return "", err
	}
	c.observe([]byte(out))
	return out, nil
}

// Resize applies new geometry, propagating SIGWINCH via the PTYStream, and
// drains or captures whatever brief redraw output results.
func (c *Controller) Resize(cols, rows int) (string, error) {
	c.cols, c.rows = cols, rows
	if err := c.stream.Resize(cols, rows); err != nil {
		return "", fmt.Errorf("resize: %w", err)
	}
	out, err := c.readImmediate(c.cfg.ImmediateRead())
	if err != nil {
		return "", err
	}
	c.observe([]byte(out))
	return out, nil
}

// readImmediate returns whatever is available on the stream within window,
// returning "" (no error) on a plain timeout. It never reads the stream
// directly — it drains readCh, fed by the single reader goroutine started
// by startReader, so concurrent calls can never race each other's Read.
func (c *Controller) readImmediate(window time.Duration) (string, error) {
	c.startReader()

	var buf bytes.Buffer
	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case chunk, ok := <-c.readCh:
		if !ok {
			return "", errPtyClosed
		}
		buf.Write(chunk)
	case <-timer.C:
		return "", nil
	}

	// Keep draining whatever's already buffered, without waiting further,
	// so one readImmediate call surfaces everything currently available.
	for {
		select {
		case chunk, ok := <-c.readCh:
			if !ok {
				return buf.String(), nil
			}
			buf.Write(chunk)
		default:
			return buf.String(), nil
		}
	}
}

// parsePrompt extracts user/host/cwd from the most recent sentinel prompt
// in s, per spec.md §4.2/§8 property 6. Missing fields yield "", never an
// error.
func (c *Controller) parsePrompt(s string) PromptInfo {
	matches := c.promptRegex.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return c.lastPrompt
	}
	last := matches[len(matches)-1][1]
	user, rest, _ := strings.Cut(last, "@")
	host, cwd, _ := strings.Cut(rest, ":")
	return PromptInfo{User: user, Host: host, Cwd: cwd}
}

// compilePromptRegex builds the PROMPT_PREFIX(.+?)PROMPT_SUFFIX_HEAD
// matcher from spec.md §4.2, where PROMPT_SUFFIX_HEAD omits the trailing
// '$' that only appears once the shell substitutes its own prompt.
func compilePromptRegex(prefix, suffix string) (*regexp.Regexp, error) {
	suffixHead := strings.TrimSuffix(suffix, "$")
	return regexp.Compile(regexp.QuoteMeta(prefix) + `(.+?)` + regexp.QuoteMeta(suffixHead))
}

// stripPrompt removes the sentinel-wrapped prompt line from output so the
// client never sees the raw PS1 markup.
func stripPrompt(s, prefix, suffix string) string {
	for {
		start := strings.Index(s, prefix)
		if start < 0 {
			break
		}
		rest := s[start:]
		end := strings.Index(rest, suffix)
		if end < 0 {
			s = s[:start]
			break
		}
		s = s[:start] + rest[end+len(suffix):]
	}
	return strings.TrimRight(s, " \r\n")
}
