package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optionscan/internal/common"
	"github.com/ternarybob/optionscan/internal/interfaces"
	"github.com/ternarybob/optionscan/internal/jobengine/enginetest"
	"github.com/ternarybob/optionscan/internal/services/events"
)

func dialWS(t *testing.T, handler *WebSocketHandler) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// The hello message is written after registration, so events published
	// from here on reach this client.
	msg := readMessage(t, conn)
	require.Equal(t, "hello", msg.Type)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocket_ThrottlesJobProgressPerTask(t *testing.T) {
	logger := arbor.NewLogger()
	eventService := events.NewService(logger)
	defer eventService.Close()

	handler := NewWebSocketHandler(eventService, logger, &common.WebSocketConfig{ProgressThrottle: "1h"})
	defer handler.Close()
	conn := dialWS(t, handler)

	ctx := context.Background()
	progress := func(taskID string, p int) {
		require.NoError(t, eventService.PublishSync(ctx, interfaces.Event{
			Type:    interfaces.EventJobProgress,
			Payload: interfaces.JobEvent{TaskID: taskID, Key: "AAPL", Status: "running", Progress: p},
		}))
	}

	progress("task-1", 10)
	progress("task-1", 20)
	progress("task-1", 30)
	progress("task-2", 5)
	require.NoError(t, eventService.PublishSync(ctx, interfaces.Event{
		Type:    interfaces.EventJobCompleted,
		Payload: interfaces.JobEvent{TaskID: "task-1", Key: "AAPL", Status: "completed", Progress: 100},
	}))
	// A fresh limiter after completion lets the next update through.
	progress("task-1", 1)

	var got []string
	for i := 0; i < 4; i++ {
		msg := readMessage(t, conn)
		payload := msg.Payload.(map[string]interface{})
		got = append(got, msg.Type+":"+payload["task_id"].(string))
	}
	assert.Equal(t, []string{
		"job_progress:task-1",
		"job_progress:task-2",
		"job_completed:task-1",
		"job_progress:task-1",
	}, got)
}

func TestWebSocket_StreamsBatchLifecycle(t *testing.T) {
	engine := enginetest.New().On("AAPL", enginetest.Script{Result: enginetest.Result("AAPL", 1, 1, 100)})
	env := newTestEnv(t, engine)

	handler := NewWebSocketHandler(env.events, arbor.NewLogger(), &common.WebSocketConfig{})
	defer handler.Close()
	conn := dialWS(t, handler)
	assert.Equal(t, 1, handler.ClientCount())

	batchID := createBatch(t, env, "AAPL")
	env.waitBatch(t, batchID)

	var types []string
	for {
		msg := readMessage(t, conn)
		types = append(types, msg.Type)
		if msg.Type == string(interfaces.EventBatchCompleted) {
			payload := msg.Payload.(map[string]interface{})
			assert.Equal(t, batchID, payload["batch_id"])
			break
		}
	}
	assert.Equal(t, string(interfaces.EventBatchStarted), types[0])
	assert.Contains(t, types, string(interfaces.EventJobSubmitted))
	assert.Contains(t, types, string(interfaces.EventJobCompleted))
	assert.Contains(t, types, string(interfaces.EventBatchProgress))
}

func TestWebSocket_CloseDisconnectsClients(t *testing.T) {
	logger := arbor.NewLogger()
	eventService := events.NewService(logger)
	defer eventService.Close()

	handler := NewWebSocketHandler(eventService, logger, nil)
	conn := dialWS(t, handler)

	handler.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)
	assert.Eventually(t, func() bool { return handler.ClientCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}
