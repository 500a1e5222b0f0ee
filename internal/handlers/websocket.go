package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optionscan/internal/common"
	"github.com/ternarybob/optionscan/internal/interfaces"
	"golang.org/x/time/rate"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WSMessage is the envelope of every message sent to clients
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// HelloPayload is sent once when a client connects. Clients compare
// server_instance_id across reconnects to detect a server restart.
type HelloPayload struct {
	ServerInstanceID string `json:"server_instance_id"`
	Version          string `json:"version"`
}

// WebSocketHandler streams orchestrator events to connected clients
type WebSocketHandler struct {
	logger           arbor.ILogger
	clients          map[*websocket.Conn]*sync.Mutex
	mu               sync.RWMutex
	eventService     interfaces.EventService
	subscriptions    map[interfaces.EventType]string
	progressInterval time.Duration
	throttleMu       sync.Mutex
	progressLimiters map[string]*rate.Limiter // Per-task job_progress throttlers
	serverInstanceID string
}

func NewWebSocketHandler(eventService interfaces.EventService, logger arbor.ILogger, config *common.WebSocketConfig) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		clients:          make(map[*websocket.Conn]*sync.Mutex),
		eventService:     eventService,
		subscriptions:    make(map[interfaces.EventType]string),
		progressLimiters: make(map[string]*rate.Limiter),
		serverInstanceID: uuid.New().String(),
	}

	if config != nil && config.ProgressThrottle != "" {
		if d, err := time.ParseDuration(config.ProgressThrottle); err == nil && d > 0 {
			h.progressInterval = d
		} else {
			logger.Warn().
				Str("interval", config.ProgressThrottle).
				Msg("Invalid job_progress throttle interval - throttler disabled")
		}
	}

	logger.Info().
		Str("server_instance_id", h.serverInstanceID).
		Dur("progress_throttle", h.progressInterval).
		Msg("WebSocket handler initialized")

	if eventService != nil {
		h.SubscribeToEvents()
	}

	return h
}

// HandleWebSocket upgrades the connection and keeps it registered until the client goes away
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	mutex := &sync.Mutex{}
	h.mu.Lock()
	h.clients[conn] = mutex
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("clients", clientCount).Msg("WebSocket client connected")

	h.send(conn, mutex, WSMessage{
		Type:    "hello",
		Payload: HelloPayload{ServerInstanceID: h.serverInstanceID, Version: common.GetVersion()},
	})

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		remaining := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Int("clients", remaining).Msg("WebSocket client disconnected")
	}()

	// Read messages from client (keep connection alive)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
	}
}

// SubscribeToEvents forwards every orchestrator event type to clients
func (h *WebSocketHandler) SubscribeToEvents() {
	if h.eventService == nil {
		return
	}

	for _, eventType := range interfaces.AllEventTypes {
		id, err := h.eventService.Subscribe(eventType, h.handleEvent)
		if err != nil {
			h.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to subscribe WebSocket handler")
			continue
		}
		h.subscriptions[eventType] = id
	}
}

func (h *WebSocketHandler) handleEvent(ctx context.Context, event interfaces.Event) error {
	switch event.Type {
	case interfaces.EventJobProgress:
		if job, ok := event.Payload.(interfaces.JobEvent); ok && !h.allowProgress(job.TaskID) {
			return nil
		}
	case interfaces.EventJobCompleted, interfaces.EventJobFailed:
		if job, ok := event.Payload.(interfaces.JobEvent); ok {
			h.forgetProgress(job.TaskID)
		}
	}

	h.Broadcast(WSMessage{Type: string(event.Type), Payload: event.Payload})
	return nil
}

// allowProgress reports whether a job_progress event for taskID may be sent now
func (h *WebSocketHandler) allowProgress(taskID string) bool {
	if h.progressInterval <= 0 {
		return true
	}

	h.throttleMu.Lock()
	defer h.throttleMu.Unlock()

	limiter, ok := h.progressLimiters[taskID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(h.progressInterval), 1)
		h.progressLimiters[taskID] = limiter
	}
	return limiter.Allow()
}

func (h *WebSocketHandler) forgetProgress(taskID string) {
	h.throttleMu.Lock()
	delete(h.progressLimiters, taskID)
	h.throttleMu.Unlock()
}

// Broadcast sends msg to all connected clients
func (h *WebSocketHandler) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn, mutex := range h.clients {
		clients = append(clients, conn)
		mutexes = append(mutexes, mutex)
	}
	h.mu.RUnlock()

	for i, conn := range clients {
		if err := h.write(conn, mutexes[i], data); err != nil {
			h.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to send message to client")
		}
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close unsubscribes from events and disconnects every client
func (h *WebSocketHandler) Close() {
	if h.eventService != nil {
		for eventType, id := range h.subscriptions {
			h.eventService.Unsubscribe(eventType, id)
		}
	}

	h.mu.Lock()
	for conn, mutex := range h.clients {
		mutex.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		mutex.Unlock()
		conn.Close()
	}
	h.mu.Unlock()
}

func (h *WebSocketHandler) send(conn *websocket.Conn, mutex *sync.Mutex, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return
	}
	if err := h.write(conn, mutex, data); err != nil {
		h.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to send message to client")
	}
}

func (h *WebSocketHandler) write(conn *websocket.Conn, mutex *sync.Mutex, data []byte) error {
	mutex.Lock()
	defer mutex.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
