package ha

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// mockHAServer creates a mock Home Assistant WebSocket server
func mockHAServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/websocket" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()

		handler(conn)
	}))
}

// standardAuthFlow handles the standard authentication flow
func standardAuthFlow(t *testing.T, conn *websocket.Conn, token string) {
	// Send auth_required
	err := conn.WriteJSON(Message{Type: "auth_required"})
	require.NoError(t, err)

	// Receive auth message
	var authMsg AuthMessage
	err = conn.ReadJSON(&authMsg)
	require.NoError(t, err)
	assert.Equal(t, "auth", authMsg.Type)
	assert.Equal(t, token, authMsg.AccessToken)

	// Send auth_ok
	err = conn.WriteJSON(Message{Type: "auth_ok"})
	require.NoError(t, err)
}

func TestWebSocketURL(t *testing.T) {
	testCases := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{"http://homeassistant.local:8123", "ws://homeassistant.local:8123/api/websocket", false},
		{"https://ha.example.com/", "wss://ha.example.com/api/websocket", false},
		{"ws://ha:8123/api/websocket", "ws://ha:8123/api/websocket", false},
		{"ftp://ha", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.base, func(t *testing.T) {
			got, err := WebSocketURL(tc.base)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestClient_Connect(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	t.Run("successful connection runs hooks", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)

			// Keep connection open
			time.Sleep(100 * time.Millisecond)
		})
		defer server.Close()

		client, err := NewClient(server.URL, token, logger)
		require.NoError(t, err)
		defer client.Disconnect()

		hooks := 0
		client.OnConnect(func() { hooks++ })

		err = client.Connect()
		assert.NoError(t, err)
		assert.True(t, client.IsConnected())
		assert.Equal(t, 1, hooks)
	})

	t.Run("invalid token", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			// Send auth_required
			conn.WriteJSON(Message{Type: "auth_required"})

			// Receive auth message
			var authMsg AuthMessage
			conn.ReadJSON(&authMsg)

			// Send auth_invalid
			conn.WriteJSON(Message{Type: "auth_invalid"})
		})
		defer server.Close()

		client, err := NewClient(server.URL, "wrong_token", logger)
		require.NoError(t, err)

		err = client.Connect()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "authentication failed")
		assert.False(t, client.IsConnected())
	})

	t.Run("already connected", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)
			time.Sleep(100 * time.Millisecond)
		})
		defer server.Close()

		client, err := NewClient(server.URL, token, logger)
		require.NoError(t, err)
		defer client.Disconnect()

		err = client.Connect()
		require.NoError(t, err)

		err = client.Connect()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already connected")
	})

	t.Run("unreachable", func(t *testing.T) {
		client, err := NewClient("http://127.0.0.1:1", token, logger)
		require.NoError(t, err)

		err = client.Connect()
		assert.Error(t, err)
		assert.False(t, client.IsConnected())
	})
}

func TestClient_SubscribeEvents(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)

		// Subscriptions registered before Connect are sent right after auth
		var subMsg SubscribeEventsRequest
		require.NoError(t, conn.ReadJSON(&subMsg))
		assert.Equal(t, "subscribe_events", subMsg.Type)
		assert.Equal(t, EventHomeAssistantStarted, subMsg.EventType)

		success := true
		conn.WriteJSON(Message{
			ID:      subMsg.ID,
			Type:    "result",
			Success: &success,
		})

		conn.WriteJSON(Message{
			ID:   subMsg.ID,
			Type: "event",
			Event: &Event{
				EventType: EventHomeAssistantStarted,
				Data:      json.RawMessage(`{}`),
				Origin:    "LOCAL",
			},
		})

		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	client, err := NewClient(server.URL, token, logger)
	require.NoError(t, err)
	defer client.Disconnect()

	received := make(chan *Event, 1)
	_, err = client.SubscribeEvents(EventHomeAssistantStarted, func(event *Event) {
		received <- event
	})
	require.NoError(t, err)

	require.NoError(t, client.Connect())

	select {
	case event := <-received:
		assert.Equal(t, EventHomeAssistantStarted, event.EventType)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestClient_Unsubscribe(t *testing.T) {
	client, err := NewClient("http://localhost:8123", "token", zap.NewNop())
	require.NoError(t, err)

	sub, err := client.SubscribeEvents("custom_event", func(*Event) {})
	require.NoError(t, err)
	assert.Equal(t, []string{"custom_event"}, client.eventTypes())

	require.NoError(t, sub.Unsubscribe())
	assert.Empty(t, client.eventTypes())
	assert.NoError(t, sub.Unsubscribe(), "unsubscribing twice is harmless")
}

func TestClient_Reconnect(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	var connections atomic.Int32
	server := mockHAServer(t, func(conn *websocket.Conn) {
		n := connections.Add(1)
		standardAuthFlow(t, conn, token)
		if n == 1 {
			// Drop the first session right away
			return
		}
		time.Sleep(500 * time.Millisecond)
	})
	defer server.Close()

	client, err := NewClient(server.URL, token, logger)
	require.NoError(t, err)
	defer client.Disconnect()

	var hooks atomic.Int32
	client.OnConnect(func() { hooks.Add(1) })

	require.NoError(t, client.Connect())

	require.Eventually(t, func() bool {
		return hooks.Load() == 2 && client.IsConnected()
	}, 5*time.Second, 50*time.Millisecond, "client should reconnect and rerun hooks")
}

func TestClient_SetState(t *testing.T) {
	logger := zap.NewNop()

	t.Run("posts state with bearer token", func(t *testing.T) {
		var gotPath, gotAuth string
		var gotBody map[string]interface{}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			gotPath = r.URL.Path
			gotAuth = r.Header.Get("Authorization")
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			json.NewDecoder(r.Body).Decode(&gotBody)
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{}`))
		}))
		defer server.Close()

		client, err := NewClient(server.URL+"/", "secret", logger)
		require.NoError(t, err)

		err = client.SetState(context.Background(), &State{
			EntityID:   "sensor.tacitus_drive_s1_temperature",
			State:      "38",
			Attributes: map[string]interface{}{"unit_of_measurement": "°C"},
		})
		require.NoError(t, err)

		assert.Equal(t, "/api/states/sensor.tacitus_drive_s1_temperature", gotPath)
		assert.Equal(t, "Bearer secret", gotAuth)
		assert.Equal(t, "38", gotBody["state"])
		assert.Equal(t, map[string]interface{}{"unit_of_measurement": "°C"}, gotBody["attributes"])
		assert.NotContains(t, gotBody, "entity_id")
	})

	t.Run("error status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("401: Unauthorized"))
		}))
		defer server.Close()

		client, err := NewClient(server.URL, "bad", logger)
		require.NoError(t, err)

		err = client.SetState(context.Background(), &State{EntityID: "sensor.x", State: "1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HTTP 401")
		assert.Contains(t, err.Error(), "Unauthorized")
	})

	t.Run("missing entity id", func(t *testing.T) {
		client, err := NewClient("http://localhost:8123", "token", logger)
		require.NoError(t, err)

		assert.Error(t, client.SetState(context.Background(), &State{State: "1"}))
		assert.Error(t, client.SetState(context.Background(), nil))
	})

	t.Run("cancelled context", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		client, err := NewClient(server.URL, "token", logger)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err = client.SetState(ctx, &State{EntityID: "sensor.x", State: "1"})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMockClient(t *testing.T) {
	mock := NewMockClient()

	t.Run("connection", func(t *testing.T) {
		hooks := 0
		mock.OnConnect(func() { hooks++ })

		assert.False(t, mock.IsConnected())

		err := mock.Connect()
		assert.NoError(t, err)
		assert.True(t, mock.IsConnected())
		assert.Equal(t, 1, hooks)

		err = mock.Connect()
		assert.Error(t, err)

		mock.SimulateReconnect()
		assert.Equal(t, 2, hooks)

		err = mock.Disconnect()
		assert.NoError(t, err)
		assert.False(t, mock.IsConnected())

		mock.SetConnectError(errors.New("refused"))
		assert.EqualError(t, mock.Connect(), "refused")
		mock.SetConnectError(nil)
	})

	t.Run("state management", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, mock.SetState(ctx, &State{EntityID: "sensor.test", State: "on"}))
		require.NoError(t, mock.SetState(ctx, &State{EntityID: "sensor.test", State: "off"}))

		state, err := mock.GetState("sensor.test")
		assert.NoError(t, err)
		assert.Equal(t, "off", state.State)
		assert.Len(t, mock.GetHistory(), 2)
		assert.Len(t, mock.GetAllStates(), 1)

		_, err = mock.GetState("nonexistent")
		assert.Error(t, err)

		mock.ClearHistory()
		assert.Empty(t, mock.GetHistory())

		mock.SetStateError(errors.New("boom"))
		assert.Error(t, mock.SetState(ctx, &State{EntityID: "sensor.test", State: "on"}))
		mock.SetStateError(nil)
	})

	t.Run("events", func(t *testing.T) {
		callCount := 0
		sub, err := mock.SubscribeEvents(EventHomeAssistantStarted, func(event *Event) {
			callCount++
			assert.Equal(t, EventHomeAssistantStarted, event.EventType)
		})
		require.NoError(t, err)

		mock.SimulateEvent(EventHomeAssistantStarted)
		mock.SimulateEvent("other")
		assert.Equal(t, 1, callCount)

		require.NoError(t, sub.Unsubscribe())
		mock.SimulateEvent(EventHomeAssistantStarted)
		assert.Equal(t, 1, callCount)
	})
}

func TestClient_ConnectInBackground(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			// Home Assistant still starting
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		standardAuthFlow(t, conn, token)
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, token, logger)
	require.NoError(t, err)
	defer client.Disconnect()

	err = client.ConnectInBackground()
	assert.Error(t, err)
	assert.False(t, client.IsConnected())

	require.Eventually(t, client.IsConnected, 5*time.Second, 50*time.Millisecond)
}
