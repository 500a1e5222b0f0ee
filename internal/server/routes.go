package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Batches
	mux.HandleFunc("/api/batches", s.handleBatchesRoute)  // GET (list), POST (create)
	mux.HandleFunc("/api/batches/", s.handleBatchRoutes) // GET/DELETE /{id}, GET /{id}/result

	// API routes - Scheduled scans
	mux.HandleFunc("/api/scans", s.app.SchedulerHandler.ListScansHandler)
	mux.HandleFunc("/api/scans/", s.handleScanRoutes) // GET /{name}, POST /{name}/trigger

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleBatchesRoute routes /api/batches requests (list and create)
func (s *Server) handleBatchesRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r, s.app.BatchHandler.ListBatchesHandler, s.app.BatchHandler.CreateBatchHandler)
}

// handleBatchRoutes routes /api/batches/{id} and its subpaths
func (s *Server) handleBatchRoutes(w http.ResponseWriter, r *http.Request) {
	if strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/batches/"), "/") == "" {
		s.handleBatchesRoute(w, r)
		return
	}

	if RouteByPathSuffix(w, r, "/api/batches/", []PathSuffixRouter{
		{Suffix: "/result", Handler: s.app.BatchHandler.GetBatchResultHandler},
	}) {
		return
	}

	RouteResourceItem(w, r, s.app.BatchHandler.GetBatchHandler, nil, s.app.BatchHandler.DeleteBatchHandler)
}

// handleScanRoutes routes /api/scans/{name} and /api/scans/{name}/trigger
func (s *Server) handleScanRoutes(w http.ResponseWriter, r *http.Request) {
	if RouteByPathSuffix(w, r, "/api/scans/", []PathSuffixRouter{
		{Suffix: "/trigger", Handler: s.app.SchedulerHandler.TriggerScanHandler},
	}) {
		return
	}

	RouteByMethod(w, r, MethodRouter{
		http.MethodGet: s.app.SchedulerHandler.GetScanHandler,
	})
}
