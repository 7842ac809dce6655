// Package workspaceeditor composes a PTY controller and a filesystem mirror
// behind one terminal WebSocket, implementing the client message contract:
// free-form commands (with the "xoblas" structured-output convention),
// raw input passthrough for alternate-screen programs, a single
// conventionally-located open file, and geometry changes.
package workspaceeditor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/cloudbox/cloudbox/internal/config"
	"github.com/cloudbox/cloudbox/internal/fsmirror"
	"github.com/cloudbox/cloudbox/internal/pty"
	"github.com/cloudbox/cloudbox/internal/sandbox"
)

// Inbound is one client-originated message on /ws/terminal/{user_id}.
type Inbound struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
	Data    string `json:"data,omitempty"`
	Content string `json:"content,omitempty"`
	Cols    int    `json:"cols,omitempty"`
	Rows    int    `json:"rows,omitempty"`
}

// Outbound is one server-originated message, covering all three reply
// shapes spec.md §6 names for this channel.
type Outbound struct {
	Type          string          `json:"type"`
	Output        string          `json:"output,omitempty"`
	Cwd           string          `json:"cwd,omitempty"`
	User          string          `json:"user,omitempty"`
	Host          string          `json:"host,omitempty"`
	RawMode       bool            `json:"raw_mode,omitempty"`
	IsComplete    bool            `json:"is_complete,omitempty"`
	IsExitingRaw  bool            `json:"is_exiting_raw,omitempty"`
	Content       string          `json:"content,omitempty"`
	FilePath      string          `json:"file_path,omitempty"`
	FileStructure json.RawMessage `json:"file_structure,omitempty"`
	Message       string          `json:"message,omitempty"`
}

var ansiRegex = regexp.MustCompile("[\x1b\x9b][[\\]()#;?]*(?:(?:(?:[a-zA-Z\\d]*(?:;[a-zA-Z\\d]*)*)?\x07)|(?:(?:\\d{1,4}(?:;\\d{0,4})*)?[\\dA-PRZcf-ntqry=><~]))")

func stripANSI(s string) string { return ansiRegex.ReplaceAllString(s, "") }

// Editor is the WorkspaceEditor façade for one terminal connection.
type Editor struct {
	driver     sandbox.Driver
	instanceID string
	pty        *pty.Controller
	mirror     *fsmirror.Mirror
	openPath   string
}

// New attaches a PTY for instanceID and prepares the editor. workDir is the
// sandbox-side directory containing the conventional open file.
func New(ctx context.Context, driver sandbox.Driver, instanceID, workDir string, cfg config.PTYConfig, mirror *fsmirror.Mirror, cols, rows int) (*Editor, error) {
	shell := []string{"/bin/sh", "-il"}
	ctl, err := pty.Attach(ctx, driver, instanceID, shell, cfg, cols, rows)
	if err != nil {
		return nil, fmt.Errorf("attach editor pty: %w", err)
	}
	return &Editor{
		driver:     driver,
		instanceID: instanceID,
		pty:        ctl,
		mirror:     mirror,
		openPath:   strings.TrimRight(workDir, "/") + "/main.py",
	}, nil
}

func (e *Editor) Close() error { return e.pty.Close() }

// OpenFile reads the conventional open file and returns the "file" record
// the client expects on connect and on exit-from-raw.
func (e *Editor) OpenFile(ctx context.Context) (Outbound, error) {
	content, truncated, err := e.driver.ReadFile(ctx, e.instanceID, e.openPath, 10*1024*1024)
	if err != nil {
		return Outbound{}, fmt.Errorf("read open file: %w", err)
	}
	if truncated {
		content = append(content, []byte("\n... (truncated)")...)
	}
	return Outbound{Type: "file", Content: string(content), FilePath: e.openPath}, nil
}

// HandleCommand runs a free-form shell command. A first token of "xoblas"
// switches to the muted structured-output path; anything else is written to
// the shell and answered with one "command" record holding the output up to
// the next prompt. Output is not streamed in chunks.
func (e *Editor) HandleCommand(ctx context.Context, cmd string) ([]Outbound, error) {
	fields := strings.Fields(cmd)
	if len(fields) > 0 && fields[0] == "xoblas" {
		return e.handleXoblas(ctx, strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(cmd), "xoblas")))
	}

	if err := e.pty.Write([]byte(cmd + "\n")); err != nil {
		return nil, err
	}
	result, err := e.pty.ReadUntilPrompt(ctx)
	if err != nil {
		return nil, err
	}

	out := Outbound{
		Type:         "command",
		Output:       result.Output,
		Cwd:          result.Prompt.Cwd,
		User:         result.Prompt.User,
		Host:         result.Prompt.Host,
		RawMode:      result.RawMode,
		IsComplete:   result.Final,
		IsExitingRaw: result.IsExitingRaw,
	}

	msgs := []Outbound{out}
	if result.IsExitingRaw {
		if file, err := e.OpenFile(ctx); err == nil {
			msgs = append(msgs, file)
		}
	}
	return msgs, nil
}

// handleXoblas runs remainder in a muted shell invocation (not echoed to
// the interactive terminal) and parses its output as JSON, per spec.md
// §4.3's xoblas convention.
func (e *Editor) handleXoblas(ctx context.Context, remainder string) ([]Outbound, error) {
	argv := []string{"env", "NO_COLOR=1", "TERM=dumb", "sh", "-c", remainder}
	out, exitCode, err := e.driver.Exec(ctx, e.instanceID, argv, 0)
	if err != nil {
		return nil, fmt.Errorf("xoblas exec: %w", err)
	}

	cleaned := strings.TrimSpace(sanitizeForXoblas(out))

	if exitCode != 0 {
		return []Outbound{{Type: "error", Message: fmt.Sprintf("xoblas command exited %d: %s", exitCode, cleaned)}}, nil
	}

	var parsed json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return []Outbound{{Type: "error", Message: "xoblas output was not valid JSON"}}, nil
	}

	return []Outbound{{Type: "xoblas", FileStructure: parsed}}, nil
}

// HandleInput forwards raw keystrokes verbatim — the alternate-screen
// passthrough path — and replies with whatever the PTY immediately
// produced, plus a refreshed open-file record on exit-from-raw.
func (e *Editor) HandleInput(ctx context.Context, data string) ([]Outbound, error) {
	wasAlt := e.pty.InAlternateScreen()

	if err := e.pty.Write([]byte(data)); err != nil {
		return nil, err
	}
	output, err := e.pty.ReadImmediate()
	if err != nil {
		return nil, err
	}

	isAlt := e.pty.InAlternateScreen()
	out := Outbound{
		Type:         "command",
		Output:       output,
		RawMode:      isAlt,
		IsComplete:   true,
		IsExitingRaw: wasAlt && !isAlt,
	}

	msgs := []Outbound{out}
	if out.IsExitingRaw {
		if file, err := e.OpenFile(ctx); err == nil {
			msgs = append(msgs, file)
		}
	}
	return msgs, nil
}

// HandleWriteFile overwrites the conventional open file with content. The
// write is marked pending on the shared mirror first so the watcher's own
// echo of this change isn't re-delivered to the filesystem channel.
func (e *Editor) HandleWriteFile(ctx context.Context, content string) error {
	if e.mirror != nil {
		e.mirror.MarkChangePending(e.openPath)
	}
	return e.driver.WriteFile(ctx, e.instanceID, e.openPath, []byte(content))
}

// HandleResize applies new terminal geometry and returns any brief redraw
// output the shell or a full-screen program produced in response.
func (e *Editor) HandleResize(cols, rows int) (Outbound, error) {
	redraw, err := e.pty.Resize(cols, rows)
	if err != nil {
		return Outbound{}, err
	}
	return Outbound{Type: "command", Output: redraw, RawMode: e.pty.InAlternateScreen(), IsComplete: true}, nil
}

// Mirror returns the filesystem mirror composed alongside this terminal, so
// the API layer can start its event stream independently of terminal I/O.
func (e *Editor) Mirror() *fsmirror.Mirror { return e.mirror }

func sanitizeForXoblas(raw []byte) string {
	var b bytes.Buffer
	b.WriteString(stripANSI(string(raw)))
	return strings.ReplaceAll(b.String(), "\n", "")
}
