package httpapi

import (
	"net/http"

	"github.com/gorilla/websocket"

	"fleethub/internal/hub"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard is served from arbitrary origins; auth is out of scope
	// here, matching the permissive CORS posture of the REST API.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS upgrades the connection, registers it as an observer (which
// pushes the current snapshot as a state event) and then drains inbound
// frames until the client goes away.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	obs := hub.NewWSObserver(conn)
	if err := h.hub.Register(obs); err != nil {
		h.log.Warn().Err(err).Msg("failed to send initial state to observer")
		_ = conn.Close()
		return
	}

	defer func() {
		h.hub.Unregister(obs)
		_ = conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
