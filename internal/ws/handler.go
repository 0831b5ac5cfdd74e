package ws

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	// Clients only send pings and close frames.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades event subscription requests. It expects a chi route with
// a cameraID parameter; "all" subscribes to every camera.
type Handler struct {
	hub *Hub
	log *logrus.Entry
}

// NewHandler creates a WebSocket upgrade handler backed by hub.
func NewHandler(hub *Hub, logger *logrus.Logger) *Handler {
	return &Handler{hub: hub, log: logger.WithField("component", "ws")}
}

// ServeHTTP upgrades the connection and parks it in the hub until the peer
// goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "cameraID")
	if cameraID == "" {
		http.Error(w, "camera_id required", http.StatusBadRequest)
		return
	}
	if cameraID == "all" {
		cameraID = AllCameras
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	h.log.WithFields(logrus.Fields{
		"camera_id": cameraID,
		"remote":    r.RemoteAddr,
	}).Info("WebSocket client connected")

	h.hub.Register(cameraID, conn)
	go h.readPump(cameraID, conn)
}

// readPump drains the connection to notice disconnects and answers pongs to
// keep it alive.
func (h *Handler) readPump(cameraID string, conn *websocket.Conn) {
	defer func() {
		h.hub.Unregister(cameraID, conn)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	go func() {
		for range ticker.C {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.WithError(err).WithField("camera_id", cameraID).Debug("WebSocket read error")
			}
			return
		}
	}
}
