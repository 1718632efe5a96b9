package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/stormasm/toy-rpc/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin and authentication policy belong to the mounting application;
	// wrap the handler in middleware to enforce one.
	CheckOrigin: func(*http.Request) bool { return true },
}

// HTTPHandler upgrades requests to WebSocket and serves the frame protocol
// on the upgraded connection. Mount it under DefaultRPCPath on any router:
//
//	r := mux.NewRouter()
//	r.Handle(server.DefaultRPCPath, srv.HTTPHandler())
func (s *Server) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error response.
			s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		s.logger.Log(r.Context(), slog.LevelDebug, "websocket connection upgraded", "remote", r.RemoteAddr)
		s.ServeStream(transport.NewWebSocket(conn))
	})
}
