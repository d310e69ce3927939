package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"agentfactory/backend/internal/repository"
)

const writeWait = 10 * time.Second

// upgrader accepts any origin; the gateway in front of this service owns
// origin policy.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// StreamWorkflow upgrades to a websocket and streams workflow events,
// replaying from the requested sequence number before going live. The
// connection is closed by the server after the terminal event.
// (GET /api/v1/workflows/:id/stream?from=N)
func (s *Server) StreamWorkflow(c echo.Context) error {
	fromSeq := 1
	if v := c.QueryParam("from"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "from must be a positive integer")
		}
		fromSeq = n
	}

	sub, err := s.hub.Subscribe(c.Request().Context(), c.Param("id"), fromSeq)
	if errors.Is(err, repository.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Read pump: the client never sends data, but reading is what surfaces
	// a disconnect.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	for ev := range sub.Events() {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			s.logger.Debug("stream write to %s failed: %v", c.RealIP(), err)
			return nil
		}
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "workflow finished"))
	return nil
}
