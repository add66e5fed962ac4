package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/oreboard/indexer/internal/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 5 * time.Second

// handleWSRounds upgrades the connection and pushes every subsequently
// finalized round as a JSON message until the client disconnects.
func (s *Server) handleWSRounds(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.Warnf("api: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch := s.cache.Subscribe()
	defer s.cache.Unsubscribe(ch)

	// Drain client reads so a client-initiated close is observed promptly;
	// this connection is write-only from the server's side.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for round := range ch {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(round); err != nil {
			return
		}
	}
}
