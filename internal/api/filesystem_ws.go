package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cloudbox/cloudbox/internal/fsmirror"
)

type fsInbound struct {
	Type string                   `json:"type"`
	Data fsmirror.ClientOpRequest `json:"data,omitempty"`
}

type fsOutbound struct {
	Type         string                 `json:"type"`
	Files        []fsmirror.ClientEvent `json:"files,omitempty"`
	ResultFiles  []fsmirror.ClientFile  `json:"-"`
	WatchPath    string                 `json:"watch_path,omitempty"`
	Timestamp    int64                  `json:"timestamp,omitempty"`
	Source       string                 `json:"source,omitempty"`
	Operation    fsmirror.Operation     `json:"operation,omitempty"`
	Success      bool                   `json:"success,omitempty"`
	Watching     bool                   `json:"watching,omitempty"`
	Message      string                 `json:"message,omitempty"`
}

// MarshalJSON flattens ResultFiles into the wire "files" key: a
// file_operation_result's files are ClientFile echoes of the request, while
// a filesystem_change_from_container's files are full ClientEvent records,
// two distinct Go types sharing one wire field name.
func (o fsOutbound) MarshalJSON() ([]byte, error) {
	type wire struct {
		Type      string      `json:"type"`
		Files     interface{} `json:"files,omitempty"`
		WatchPath string      `json:"watch_path,omitempty"`
		Timestamp int64       `json:"timestamp,omitempty"`
		Source    string      `json:"source,omitempty"`
		Operation string      `json:"operation,omitempty"`
		Success   bool        `json:"success,omitempty"`
		Watching  bool        `json:"watching,omitempty"`
		Message   string      `json:"message,omitempty"`
	}
	w := wire{
		Type:      o.Type,
		WatchPath: o.WatchPath,
		Timestamp: o.Timestamp,
		Source:    o.Source,
		Operation: string(o.Operation),
		Success:   o.Success,
		Watching:  o.Watching,
		Message:   o.Message,
	}
	if o.ResultFiles != nil {
		w.Files = o.ResultFiles
	} else if o.Files != nil {
		w.Files = o.Files
	}
	return json.Marshal(w)
}

// handleFilesystemWS implements /ws/filesystem/{user_id}: an initial tree
// sync followed by a live stream of the shared Mirror's sandbox-originated
// changes, plus the reverse direction (client file_operation requests
// applied back into the sandbox).
func (s *Server) handleFilesystemWS(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("filesystem ws upgrade failed", "user_id", userID, "error", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	ctx := r.Context()

	info, err := s.registry.Acquire(ctx, userID, "", "")
	if err != nil {
		writeMu.Lock()
		conn.WriteJSON(fsOutbound{Type: "error", Message: err.Error()})
		writeMu.Unlock()
		return
	}
	defer s.registry.Release(userID)

	mirror := s.mirrorFor(info.InstanceID)

	writeMu.Lock()
	conn.WriteJSON(fsOutbound{Type: "filesystem_connected"})
	writeMu.Unlock()

	watching := false
	var cancelWatch func()

	startWatching := func() {
		if watching {
			return
		}
		initial, err := mirror.InitialSync(ctx)
		if err != nil {
			writeMu.Lock()
			conn.WriteJSON(fsOutbound{Type: "error", Message: err.Error()})
			writeMu.Unlock()
			return
		}
		writeMu.Lock()
		conn.WriteJSON(fsOutbound{Type: "filesystem_initial_sync", Files: initial, WatchPath: "/home/termuser/root", Source: "sandbox", Timestamp: time.Now().Unix()})
		writeMu.Unlock()

		watchCtx, cancel := context.WithCancel(ctx)
		cancelWatch = cancel
		events := mirror.Start(watchCtx)
		watching = true

		go func() {
			for ev := range events {
				writeMu.Lock()
				err := conn.WriteJSON(fsOutbound{Type: "filesystem_change_from_container", Files: []fsmirror.ClientEvent{ev}, Source: "sandbox", Timestamp: time.Now().Unix()})
				writeMu.Unlock()
				if err != nil {
					cancel()
					return
				}
			}
		}()

		writeMu.Lock()
		conn.WriteJSON(fsOutbound{Type: "watching_status", Watching: true})
		writeMu.Unlock()
	}

	defer func() {
		if cancelWatch != nil {
			cancelWatch()
		}
	}()

	for {
		var in fsInbound
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("filesystem ws closed", "user_id", userID, "error", err)
			}
			return
		}

		switch in.Type {
		case "start_watching":
			startWatching()
		case "stop_watching":
			if cancelWatch != nil {
				cancelWatch()
				cancelWatch = nil
			}
			watching = false
			writeMu.Lock()
			conn.WriteJSON(fsOutbound{Type: "watching_status", Watching: false})
			writeMu.Unlock()
		case "file_operation":
			result := mirror.ApplyClientOp(ctx, in.Data)
			writeMu.Lock()
			conn.WriteJSON(fsOutbound{Type: "file_operation_result", Operation: result.Operation, Success: result.Success, Message: result.Error, ResultFiles: result.Files, Timestamp: time.Now().Unix()})
			writeMu.Unlock()
		default:
			writeMu.Lock()
			conn.WriteJSON(fsOutbound{Type: "error", Message: "unsupported message type: " + in.Type})
			writeMu.Unlock()
		}
	}
}
