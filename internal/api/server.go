package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tacitus/internal/bridge"
	"tacitus/internal/poller"
	"tacitus/internal/tacitus"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// EntitySource provides the entities and their last rendered states
type EntitySource interface {
	States() []bridge.EntityState
}

// Server provides HTTP API endpoints for the bridge
type Server struct {
	entities EntitySource
	pollers  map[tacitus.Resource]*poller.Poller
	order    []tacitus.Resource
	logger   *zap.Logger
	server   *http.Server
	listener net.Listener
}

// NewServer creates a new API server. gatherer backs /metrics; nil disables the endpoint.
func NewServer(entities EntitySource, pollers []*poller.Poller, gatherer prometheus.Gatherer, logger *zap.Logger, port int) *Server {
	s := &Server{
		entities: entities,
		pollers:  make(map[tacitus.Resource]*poller.Poller),
		order:    make([]tacitus.Resource, 0, len(pollers)),
		logger:   logger,
	}
	for _, p := range pollers {
		s.pollers[p.Resource()] = p
		s.order = append(s.order, p.Resource())
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/entities", s.handleEntities)
	mux.HandleFunc("/api/pollers", s.handlePollers)
	mux.HandleFunc("/api/snapshots/{resource}", s.handleSnapshot)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ErrorResponse is the JSON body of every failed API request
type ErrorResponse struct {
	Error    string `json:"error"`
	Resource string `json:"resource,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// handleEntities returns every discovered entity with its last rendered state
func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, s.entities.States())

	s.logger.Debug("Entities request served",
		zap.String("remote_addr", r.RemoteAddr))
}

// handlePollers returns the status of every poller
func (s *Server) handlePollers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	statuses := make([]poller.Status, 0, len(s.order))
	for _, resource := range s.order {
		statuses = append(statuses, s.pollers[resource].Status())
	}

	s.writeJSON(w, http.StatusOK, statuses)
}

// handleSnapshot serves a resource through its poller: cached while fresh, fetched otherwise
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resource, err := tacitus.ParseResource(r.PathValue("resource"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	p, ok := s.pollers[resource]
	if !ok {
		s.writeJSON(w, http.StatusNotFound, ErrorResponse{
			Error:    "resource is not polled",
			Resource: string(resource),
		})
		return
	}

	snap, err := p.FetchOrCached(r.Context())
	if err != nil {
		status := StatusForError(err)
		var backoff *poller.BackoffError
		if errors.As(err, &backoff) {
			retry := int(time.Until(backoff.RetryAt).Seconds()) + 1
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
		}

		s.logger.Warn("Snapshot request failed",
			zap.String("resource", string(resource)),
			zap.Int("status", status),
			zap.Error(err))
		s.writeJSON(w, status, ErrorResponse{Error: err.Error(), Resource: string(resource)})
		return
	}

	s.writeJSON(w, http.StatusOK, snap)
}

// StatusForError maps a fetch failure to the HTTP status returned to API clients
func StatusForError(err error) int {
	var backoff *poller.BackoffError
	switch {
	case errors.As(err, &backoff):
		return http.StatusServiceUnavailable
	case errors.Is(err, tacitus.ErrUnreachable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, tacitus.ErrResponseInvalid):
		return http.StatusBadGateway
	}
	if _, ok := tacitus.IsUnavailable(err); ok {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

// endpoints lists every route served
func (s *Server) endpoints() []Endpoint {
	endpoints := []Endpoint{
		{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
		{Path: "/health", Method: "GET", Description: "Health check endpoint - returns {\"status\": \"ok\"}"},
		{Path: "/api/entities", Method: "GET", Description: "Every discovered entity with its last rendered state"},
		{Path: "/api/pollers", Method: "GET", Description: "Fetch state of every polled resource"},
	}
	for _, resource := range s.order {
		endpoints = append(endpoints, Endpoint{
			Path:        "/api/snapshots/" + string(resource),
			Method:      "GET",
			Description: fmt.Sprintf("Latest %s snapshot, fetched when older than the poll interval", resource),
		})
	}
	return append(endpoints, Endpoint{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"})
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	// Only handle requests to the root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	endpoints := s.endpoints()
	preferHTML := strings.Contains(r.Header.Get("Accept"), "text/html")

	if preferHTML {
		// HTML format for browsers
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Tacitus Bridge API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .description { color: #9cdcfe; margin-top: 5px; }
        a { color: #ce9178; text-decoration: none; }
    </style>
</head>
<body>
    <h1>Tacitus Bridge API</h1>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <a href="%s">%s</a></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "</body>\n</html>\n")
	} else {
		// Plain text format for terminal
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "Tacitus Bridge API\n")
		fmt.Fprintf(w, "==================\n\n")
		fmt.Fprintf(w, "Available endpoints:\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-6s %-24s %s\n", ep.Method, ep.Path, ep.Description)
		}
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

// Start binds the listen address and serves HTTP requests in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = listener

	s.logger.Info("Starting HTTP API server", zap.String("addr", listener.Addr().String()))

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Port returns the bound TCP port once Start has succeeded
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
