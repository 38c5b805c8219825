package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"tacitus/internal/tacitus"
)

// MockTacitusServer serves {"result": [...]} documents for each resource
type MockTacitusServer struct {
	server *httptest.Server

	mu       sync.Mutex
	records  map[tacitus.Resource][]tacitus.Record
	status   map[tacitus.Resource]int
	requests map[tacitus.Resource]int
}

// NewMockTacitusServer starts a server with no records for any resource
func NewMockTacitusServer() *MockTacitusServer {
	s := &MockTacitusServer{
		records:  make(map[tacitus.Resource][]tacitus.Record),
		status:   make(map[tacitus.Resource]int),
		requests: make(map[tacitus.Resource]int),
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the API base URL
func (s *MockTacitusServer) URL() string {
	return s.server.URL
}

// Stop shuts the server down
func (s *MockTacitusServer) Stop() {
	s.server.Close()
}

// SetRecords replaces the records served for resource and clears any error status
func (s *MockTacitusServer) SetRecords(resource tacitus.Resource, records ...tacitus.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[resource] = records
	delete(s.status, resource)
}

// SetStatus makes resource answer with status and an empty body
func (s *MockTacitusServer) SetStatus(resource tacitus.Resource, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[resource] = status
}

// Requests returns how many GETs resource received
func (s *MockTacitusServer) Requests(resource tacitus.Resource) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[resource]
}

func (s *MockTacitusServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resource, err := tacitus.ParseResource(strings.Trim(r.URL.Path, "/"))
	if err != nil || r.URL.Path != resource.Path() {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	s.requests[resource]++
	status := s.status[resource]
	records := s.records[resource]
	s.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}

	if records == nil {
		records = []tacitus.Record{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"result": records})
}
