// Package api is the HTTP surface: job submission, listing, cancel,
// report retrieval, and the websocket upgrade endpoint.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/evalforge/evalforge/internal/domain"
	"github.com/evalforge/evalforge/internal/scheduler"
)

var logger = logrus.WithFields(logrus.Fields{
	"app":       "evalforge",
	"component": "api",
})

// ReportStore reads persisted reports
type ReportStore interface {
	GetReport(id string) (*domain.Report, error)
	ListTrials(jobID string) ([]*domain.Trial, error)
}

// Orchestrator is the scheduler surface the API needs
type Orchestrator interface {
	Submit(user string, typ domain.JobType, spec json.RawMessage) (string, error)
	Cancel(id string) (scheduler.CancelOutcome, error)
	Get(id string) (*domain.Job, error)
	List(user string) []*domain.Job
}

// WebSocketHandler upgrades the progress channel
type WebSocketHandler interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
}

// Server is the HTTP API server
type Server struct {
	orch    Orchestrator
	reports ReportStore
	ws      WebSocketHandler
	addr    string
	mux     *http.ServeMux
}

// NewServer creates a new API server
func NewServer(orch Orchestrator, reports ReportStore, ws WebSocketHandler, addr string) *Server {
	s := &Server{
		orch:    orch,
		reports: reports,
		ws:      ws,
		addr:    addr,
		mux:     http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/jobs", s.jobsHandler())
	s.mux.HandleFunc("/api/jobs/", s.jobHandler())
	s.mux.HandleFunc("/api/reports/", s.reportHandler())
	s.mux.HandleFunc("/ws", s.ws.HandleWebSocket)
}

// Handler exposes the route table, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	logger.WithField("addr", s.addr).Info("http server listening")
	return http.ListenAndServe(s.addr, s.mux)
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
