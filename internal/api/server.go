// Package api exposes the bridge's admin HTTP surface: device status, job
// service calls, and on-demand discovery scans.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"xtoolbridge/internal/device"
	"xtoolbridge/internal/entity"
	"xtoolbridge/internal/xtool"
)

// Registry is the device-registry surface the API consumes.
type Registry interface {
	Entries() []device.EntryStatus
	Entry(id string) (device.EntryStatus, bool)
	RunAction(ctx context.Context, action, entryID string) ([]device.ActionResult, error)
}

// Server provides the admin HTTP endpoints.
type Server struct {
	registry        Registry
	discover        func(ctx context.Context, timeout time.Duration) ([]xtool.DiscoveredDevice, error)
	discoveryWindow time.Duration
	logger          *zap.Logger
	server          *http.Server
}

// NewServer creates the admin server on the given port.
func NewServer(registry Registry, discoveryWindow time.Duration, logger *zap.Logger, port int) *Server {
	s := &Server{
		registry:        registry,
		discover:        xtool.Discover,
		discoveryWindow: discoveryWindow,
		logger:          logger.Named("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/api/devices/", s.handleDevice)
	mux.HandleFunc("/api/services/", s.handleService)
	mux.HandleFunc("/api/discover", s.handleDiscover)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// DevicesResponse is the JSON body for the device list endpoint.
type DevicesResponse struct {
	Devices []device.EntryStatus `json:"devices"`
	Count   int                  `json:"count"`
}

// ServiceResponse is the JSON body for a job service call.
type ServiceResponse struct {
	Action  string                `json:"action"`
	Results []device.ActionResult `json:"results"`
}

// DiscoverResponse is the JSON body for a discovery scan.
type DiscoverResponse struct {
	Devices []xtool.DiscoveredDevice `json:"devices"`
	Count   int                      `json:"count"`
}

type serviceRequest struct {
	EntryID string `json:"entry_id"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleDevices returns every loaded entry with its latest snapshot.
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entries := s.registry.Entries()
	writeJSON(w, http.StatusOK, DevicesResponse{Devices: entries, Count: len(entries)})

	s.logger.Debug("Device list served",
		zap.Int("count", len(entries)),
		zap.String("remote_addr", r.RemoteAddr))
}

// handleDevice returns one entry by ID.
func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/devices/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	status, ok := s.registry.Entry(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown device entry %q", id))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleService runs a job action. The path names the service (pause_job,
// resume_job, stop_job); an optional JSON body targets a single entry.
func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/services/")
	button, ok := entity.ButtonsByKey()[name]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown service %q", name))
		return
	}

	var req serviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	results, err := s.registry.RunAction(r.Context(), button.Action, req.EntryID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	// Every target failing means the device side is down, not the request.
	status := http.StatusOK
	failed := 0
	for _, res := range results {
		if !res.OK {
			failed++
		}
	}
	if failed == len(results) {
		status = http.StatusBadGateway
	}

	writeJSON(w, status, ServiceResponse{Action: button.Action, Results: results})

	s.logger.Info("Service call handled",
		zap.String("service", name),
		zap.String("entry_id", req.EntryID),
		zap.Int("targets", len(results)),
		zap.Int("failed", failed))
}

// handleDiscover runs a UDP broadcast scan and returns whatever answered.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	devices, err := s.discover(r.Context(), s.discoveryWindow)
	if err != nil {
		s.logger.Error("Discovery scan failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "discovery failed")
		return
	}

	writeJSON(w, http.StatusOK, DiscoverResponse{Devices: devices, Count: len(devices)})

	s.logger.Info("Discovery scan served",
		zap.Int("found", len(devices)),
		zap.String("remote_addr", r.RemoteAddr))
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
	})
}

// Endpoint represents an API endpoint with its documentation.
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

// handleSitemap returns a list of all available API endpoints.
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

	endpoints := []Endpoint{
		{
			Path:        "/",
			Method:      "GET",
			Description: "This sitemap - lists all available API endpoints",
		},
		{
			Path:        "/health",
			Method:      "GET",
			Description: "Health check endpoint - returns {\"status\": \"ok\"}",
		},
		{
			Path:        "/api/devices",
			Method:      "GET",
			Description: "List every loaded device with availability and snapshot",
		},
		{
			Path:        "/api/devices/{id}",
			Method:      "GET",
			Description: "One device's full status",
		},
		{
			Path:        "/api/services/{pause_job|resume_job|stop_job}",
			Method:      "POST",
			Description: "Run a job action; optional body {\"entry_id\": \"...\"} targets one device",
		},
		{
			Path:        "/api/discover",
			Method:      "POST",
			Description: "Scan the local network for xTool devices via UDP broadcast",
		},
	}

	// Determine if the request is from a browser (check Accept header)
	acceptHeader := r.Header.Get("Accept")
	preferHTML := false
	if acceptHeader != "" {
		// Simple check - if Accept contains text/html, prefer HTML
		for _, part := range []string{"text/html", "*/*"} {
			if len(acceptHeader) > 0 && (acceptHeader == part || len(acceptHeader) > len(part) && acceptHeader[:len(part)] == part) {
				preferHTML = true
				break
			}
		}
	}

	// Return 404 status code (for automation compatibility) but with helpful body
	w.WriteHeader(http.StatusNotFound)

	if preferHTML {
		// HTML format for browsers
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>xTool Bridge API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        h2 { color: #569cd6; margin-top: 30px; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
        a { color: #569cd6; text-decoration: none; }
        a:hover { text-decoration: underline; }
    </style>
</head>
<body>
    <h1>xTool Bridge API</h1>
    <p>Welcome! This API manages the laser cutter MQTT bridge.</p>
    <h2>Available Endpoints</h2>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, `    <h2>Examples</h2>
    <div class="endpoint">
        <div>List devices:</div>
        <div class="description">curl <a href="/api/devices">http://localhost:8090/api/devices</a></div>
    </div>
    <div class="endpoint">
        <div>Pause a job:</div>
        <div class="description">curl -X POST http://localhost:8090/api/services/pause_job -d '{"entry_id": "workshop"}'</div>
    </div>
</body>
</html>
`)
	} else {
		// Plain text format for terminal
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "xTool Bridge API\n")
		fmt.Fprintf(w, "================\n\n")
		fmt.Fprintf(w, "Available endpoints:\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-10s %-45s %s\n", ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "\nExamples:\n\n")
		fmt.Fprintf(w, "  List devices:\n")
		fmt.Fprintf(w, "    curl http://localhost:8090/api/devices | jq\n\n")
		fmt.Fprintf(w, "  Pause a job on one device:\n")
		fmt.Fprintf(w, "    curl -X POST http://localhost:8090/api/services/pause_job -d '{\"entry_id\": \"workshop\"}'\n\n")
		fmt.Fprintf(w, "  Scan for devices:\n")
		fmt.Fprintf(w, "    curl -X POST http://localhost:8090/api/discover | jq\n\n")
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
