// Package testutil provides a mock Home Assistant server and a mock Tacitus API
// for end-to-end tests of the bridge.
package testutil

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *connWrapper) writeJSON(v interface{}) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteJSON(v)
}

// EntityState is a state as stored by the mock server
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// Message represents a WebSocket message
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Event represents a Home Assistant event
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// MockHAServer simulates the parts of Home Assistant the bridge talks to: the
// WebSocket API for events and the REST states endpoint for writes
type MockHAServer struct {
	server *httptest.Server
	token  string

	states   map[string]*EntityState
	writes   map[string]int
	statesMu sync.RWMutex

	// status returned by POST /api/states while non-zero
	failStatus int

	connections   []*connWrapper
	subscriptions map[string]int
	connsMu       sync.Mutex
}

// NewMockHAServer starts a mock server accepting token
func NewMockHAServer(token string) *MockHAServer {
	s := &MockHAServer{
		token:         token,
		states:        make(map[string]*EntityState),
		writes:        make(map[string]int),
		subscriptions: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	mux.HandleFunc("POST /api/states/{entity_id}", s.handleSetState)
	s.server = httptest.NewServer(mux)

	return s
}

// URL returns the http:// base URL of the server
func (s *MockHAServer) URL() string {
	return s.server.URL
}

// Stop closes every connection and shuts the server down
func (s *MockHAServer) Stop() {
	s.DropConnections()
	s.server.Close()
}

// DropConnections closes every open WebSocket, as a Home Assistant restart would
func (s *MockHAServer) DropConnections() {
	s.connsMu.Lock()
	conns := s.connections
	s.connections = nil
	s.connsMu.Unlock()

	for _, wrapper := range conns {
		wrapper.conn.Close()
	}
}

// Connections returns the number of authenticated WebSocket connections
func (s *MockHAServer) Connections() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.connections)
}

// Subscriptions returns how many subscribe_events requests were made for eventType
func (s *MockHAServer) Subscriptions(eventType string) int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return s.subscriptions[eventType]
}

// GetState returns the last state written for entityID
func (s *MockHAServer) GetState(entityID string) *EntityState {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	if state, ok := s.states[entityID]; ok {
		copied := *state
		return &copied
	}
	return nil
}

// Writes returns how many times entityID was written
func (s *MockHAServer) Writes(entityID string) int {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	return s.writes[entityID]
}

// SetFailStatus makes state writes fail with status; 0 restores normal behavior
func (s *MockHAServer) SetFailStatus(status int) {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()
	s.failStatus = status
}

// FireEvent broadcasts an event of eventType to every connection
func (s *MockHAServer) FireEvent(eventType string) {
	msg := Message{
		Type: "event",
		Event: &Event{
			EventType: eventType,
			Data:      json.RawMessage(`{}`),
			Origin:    "LOCAL",
			TimeFired: time.Now(),
		},
	}

	s.connsMu.Lock()
	wrappers := make([]*connWrapper, len(s.connections))
	copy(wrappers, s.connections)
	s.connsMu.Unlock()

	for _, wrapper := range wrappers {
		wrapper.writeJSON(msg)
	}
}

func (s *MockHAServer) handleSetState(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.token {
		http.Error(w, "401: Unauthorized", http.StatusUnauthorized)
		return
	}

	var body struct {
		State      string                 `json:"state"`
		Attributes map[string]interface{} `json:"attributes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	entityID := r.PathValue("entity_id")
	now := time.Now()

	s.statesMu.Lock()
	if s.failStatus != 0 {
		status := s.failStatus
		s.statesMu.Unlock()
		http.Error(w, http.StatusText(status), status)
		return
	}

	status := http.StatusOK
	old, exists := s.states[entityID]
	state := &EntityState{
		EntityID:    entityID,
		State:       body.State,
		Attributes:  body.Attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	if !exists {
		status = http.StatusCreated
	} else if old.State == body.State {
		state.LastChanged = old.LastChanged
	}
	s.states[entityID] = state
	s.writes[entityID]++
	s.statesMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(state)
}

func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}
	defer conn.Close()

	wrapper := &connWrapper{conn: conn}

	wrapper.writeJSON(Message{Type: "auth_required"})

	var auth struct {
		Type        string `json:"type"`
		AccessToken string `json:"access_token"`
	}
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth.AccessToken != s.token {
		wrapper.writeJSON(Message{Type: "auth_invalid"})
		return
	}
	wrapper.writeJSON(Message{Type: "auth_ok"})

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		for i, c := range s.connections {
			if c == wrapper {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
	}()

	for {
		var req struct {
			ID        int    `json:"id"`
			Type      string `json:"type"`
			EventType string `json:"event_type"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		success := true
		switch req.Type {
		case "subscribe_events":
			s.connsMu.Lock()
			s.subscriptions[req.EventType]++
			s.connsMu.Unlock()
		case "unsubscribe_events":
		default:
			success = false
		}

		wrapper.writeJSON(Message{ID: req.ID, Type: "result", Success: &success})
	}
}
