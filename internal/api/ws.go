package api

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// CheckOrigin accepts every origin: the WebSocket handshake stays
// permissive since identity on these channels comes from the user id path
// segment, not an Origin check.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}
