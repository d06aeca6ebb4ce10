package main

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"stayswap/internal/realtime"
)

// eventsHandler upgrades subscribers and registers them with the hub. The
// read loop exists only to detect the client going away.
func eventsHandler(hub *realtime.Hub, logger *zap.Logger) http.Handler {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		hub.Register <- conn

		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					hub.Unregister <- conn
					return
				}
			}
		}()
	})
}
