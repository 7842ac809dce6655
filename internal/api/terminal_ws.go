package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/cloudbox/cloudbox/internal/workspaceeditor"
)

// handleTerminalWS implements /ws/terminal/{user_id}: one WorkspaceEditor
// per connection, driving a PTY shell plus the conventional open file and
// the xoblas structured-command convention over a single JSON message
// stream (spec.md §6).
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("terminal ws upgrade failed", "user_id", userID, "error", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	ctx := r.Context()

	info, err := s.registry.Acquire(ctx, userID, "", "")
	if err != nil {
		writeMu.Lock()
		conn.WriteJSON(workspaceeditor.Outbound{Type: "error", Message: err.Error()})
		writeMu.Unlock()
		return
	}
	defer s.registry.Release(userID)

	workDir := "/home/termuser/root"
	mirror := s.mirrorFor(info.InstanceID)
	editor, err := workspaceeditor.New(ctx, s.driver, info.InstanceID, workDir, s.cfg.PTY, mirror, 80, 24)
	if err != nil {
		writeMu.Lock()
		conn.WriteJSON(workspaceeditor.Outbound{Type: "error", Message: err.Error()})
		writeMu.Unlock()
		return
	}
	defer editor.Close()

	if opened, err := editor.OpenFile(ctx); err == nil {
		writeMu.Lock()
		conn.WriteJSON(opened)
		writeMu.Unlock()
	}

	for {
		var in workspaceeditor.Inbound
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("terminal ws closed", "user_id", userID, "error", err)
			}
			return
		}

		outbound, err := s.dispatchTerminal(ctx, editor, in)
		if err != nil {
			writeMu.Lock()
			conn.WriteJSON(workspaceeditor.Outbound{Type: "error", Message: err.Error()})
			writeMu.Unlock()
			continue
		}

		writeMu.Lock()
		for _, o := range outbound {
			if err := conn.WriteJSON(o); err != nil {
				writeMu.Unlock()
				return
			}
		}
		writeMu.Unlock()
	}
}

func (s *Server) dispatchTerminal(ctx context.Context, e *workspaceeditor.Editor, in workspaceeditor.Inbound) ([]workspaceeditor.Outbound, error) {
	switch in.Type {
	case "command":
		return e.HandleCommand(ctx, in.Command)
	case "input":
		return e.HandleInput(ctx, in.Data)
	case "write_file":
		if err := e.HandleWriteFile(ctx, in.Content); err != nil {
			return nil, err
		}
		return nil, nil
	case "resize":
		out, err := e.HandleResize(in.Cols, in.Rows)
		if err != nil {
			return nil, err
		}
		return []workspaceeditor.Outbound{out}, nil
	default:
		return nil, unknownMessageType(in.Type)
	}
}

type unsupportedMessage struct{ messageType string }

func (e unsupportedMessage) Error() string { return "unsupported message type: " + e.messageType }

func unknownMessageType(t string) error { return unsupportedMessage{messageType: t} }
