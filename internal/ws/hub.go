// Package ws pushes engine events to WebSocket subscribers, one
// subscription per camera.
package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"passage/internal/bus"
)

const writeWait = 10 * time.Second

// Hub tracks connected clients keyed by camera id and fans events out to
// them. Clients interested in every camera subscribe under "*".
type Hub struct {
	log *logrus.Entry

	mu      sync.RWMutex
	clients map[string]map[*websocket.Conn]bool
}

// AllCameras is the subscription key receiving every camera's events.
const AllCameras = "*"

// NewHub creates an empty hub.
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		log:     logger.WithField("component", "ws"),
		clients: make(map[string]map[*websocket.Conn]bool),
	}
}

// Register adds a connection for a camera.
func (h *Hub) Register(cameraID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[cameraID] == nil {
		h.clients[cameraID] = make(map[*websocket.Conn]bool)
	}
	h.clients[cameraID][conn] = true
	h.log.WithFields(logrus.Fields{
		"camera_id": cameraID,
		"total":     len(h.clients[cameraID]),
	}).Debug("WebSocket client registered")
}

// Unregister removes a connection for a camera.
func (h *Hub) Unregister(cameraID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[cameraID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.clients, cameraID)
		}
		h.log.WithField("camera_id", cameraID).Debug("WebSocket client unregistered")
	}
}

// HasClients reports whether anyone listens for a camera, directly or via
// the all-cameras key.
func (h *Hub) HasClients(cameraID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[cameraID]) > 0 || len(h.clients[AllCameras]) > 0
}

// ClientCount returns the total number of connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, conns := range h.clients {
		count += len(conns)
	}
	return count
}

// Broadcast sends a text message to every client of a camera and to the
// all-cameras subscribers. Connections that fail to accept the write are
// dropped.
func (h *Hub) Broadcast(cameraID string, message []byte) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, 4)
	keys := make([]string, 0, 4)
	for c := range h.clients[cameraID] {
		conns = append(conns, c)
		keys = append(keys, cameraID)
	}
	if cameraID != AllCameras {
		for c := range h.clients[AllCameras] {
			conns = append(conns, c)
			keys = append(keys, AllCameras)
		}
	}
	h.mu.RUnlock()

	for i, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
			h.log.WithError(err).WithField("camera_id", cameraID).Debug("WebSocket write failed, dropping client")
			h.Unregister(keys[i], conn)
			conn.Close()
		}
	}
}

// BroadcastEvent marshals a bus event and sends it to the event's camera
// subscribers.
func (h *Hub) BroadcastEvent(e *bus.Event) {
	if e == nil || !h.HasClients(e.CameraID) {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		h.log.WithError(err).Warn("Failed to marshal event for WebSocket broadcast")
		return
	}
	h.Broadcast(e.CameraID, data)
}

// Bind pumps bus events into the hub through a buffered channel so a slow
// socket never stalls publishers. The returned stop function unsubscribes
// and waits for the pump to finish.
func (h *Hub) Bind(b *bus.Bus, buffer int) func() {
	ch, unsubscribe := b.SubscribeChannel(buffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			h.BroadcastEvent(e)
		}
	}()
	return func() {
		unsubscribe()
		<-done
	}
}
