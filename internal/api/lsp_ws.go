package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// handleLspWS implements /ws/lsp/{user_id}: forwards arbitrary JSON-RPC 2.0
// messages into a per-(user, language) LspProxy session and relays both its
// responses and its asynchronous notifications back over the socket.
func (s *Server) handleLspWS(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	language := r.URL.Query().Get("language")
	if language == "" {
		language = "python"
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("lsp ws upgrade failed", "user_id", userID, "error", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	ctx := r.Context()

	info, err := s.registry.Acquire(ctx, userID, "", "")
	if err != nil {
		writeMu.Lock()
		conn.WriteJSON(map[string]any{"type": "error", "message": err.Error()})
		writeMu.Unlock()
		return
	}
	defer s.registry.Release(userID)

	workspaceRoot, _ := url.QueryUnescape(r.URL.Query().Get("root"))
	if workspaceRoot == "" {
		workspaceRoot = "/home/termuser/root"
	}

	session, err := s.lsp.Session(ctx, userID, info.InstanceID, language, workspaceRoot)
	if err != nil {
		writeMu.Lock()
		conn.WriteJSON(map[string]any{"type": "error", "message": err.Error()})
		writeMu.Unlock()
		return
	}

	go func() {
		for note := range session.Notifications() {
			writeMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, note)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("lsp ws closed", "user_id", userID, "error", err)
			}
			return
		}

		var envelope struct {
			ID json.RawMessage `json:"id"` // number or string per JSON-RPC 2.0; echoed back verbatim
		}
		_ = json.Unmarshal(raw, &envelope)

		result, hasResponse, err := session.Forward(ctx, raw)
		if err != nil {
			writeMu.Lock()
			conn.WriteJSON(map[string]any{"type": "error", "message": err.Error()})
			writeMu.Unlock()
			continue
		}
		if !hasResponse {
			continue
		}

		writeMu.Lock()
		conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": envelope.ID, "result": result})
		writeMu.Unlock()
	}
}
