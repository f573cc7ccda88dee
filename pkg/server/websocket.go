package server

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/livefish/cmdrelay/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  protocol.ChunkSize,
	WriteBufferSize: protocol.ChunkSize,
	CheckOrigin: func(r *http.Request) bool {
		return true // Peers are CLIs, not browsers
	},
}

// HandleWebSocket upgrades the request and serves the connection exactly like
// a TCP one: the same line protocol and file transfer, carried in binary
// WebSocket messages
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.shutdown:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		errorLog.Printf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	wsConn := protocol.NewWebSocketConn(conn)
	s.handleConnection(wsConn, wsConn.RemoteAddr())
}
