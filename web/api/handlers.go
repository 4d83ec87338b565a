package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/evalforge/evalforge/internal/domain"
	"github.com/evalforge/evalforge/internal/jobstore"
	"github.com/evalforge/evalforge/internal/scheduler"
)

// SubmitRequest is the POST /api/jobs body
type SubmitRequest struct {
	User string          `json:"user"`
	Type string          `json:"type"`
	Spec json.RawMessage `json:"spec"`
}

// SubmitResponse acknowledges an accepted submission
type SubmitResponse struct {
	JobID string `json:"job_id"`
}

// JobResponse is the API view of a job
type JobResponse struct {
	ID             string  `json:"id"`
	Type           string  `json:"type"`
	Owner          string  `json:"owner"`
	Status         string  `json:"status"`
	ProgressPct    float64 `json:"progress_pct"`
	ProgressDetail string  `json:"progress_detail,omitempty"`
	CreatedAt      string  `json:"created_at"`
	StartedAt      *string `json:"started_at,omitempty"`
	CompletedAt    *string `json:"completed_at,omitempty"`
	ResultRef      string  `json:"result_ref,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// CancelResponse reports what a DELETE achieved
type CancelResponse struct {
	Outcome string `json:"outcome"`
}

// ReportResponse wraps a persisted report; the payload is
// driver-specific JSON.
type ReportResponse struct {
	ID        string          `json:"id"`
	JobID     string          `json:"job_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

// TrialResponse is the API view of one persisted trial row
type TrialResponse struct {
	ID          string             `json:"id"`
	Seq         int                `json:"seq"`
	Params      map[string]float64 `json:"params,omitempty"`
	ModelTarget string             `json:"model_target,omitempty"`
	Score       *float64           `json:"score"`
	CreatedAt   string             `json:"created_at"`
}

func jobToResponse(j *domain.Job) JobResponse {
	resp := JobResponse{
		ID:             j.ID,
		Type:           string(j.Type),
		Owner:          j.OwnerID,
		Status:         string(j.Status),
		ProgressPct:    j.ProgressPct,
		ProgressDetail: j.ProgressDetail,
		CreatedAt:      j.CreatedAt.Format(time.RFC3339),
		ResultRef:      j.ResultRef,
		Error:          j.ErrorMsg,
	}
	if j.StartedAt != nil {
		t := j.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := j.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &t
	}
	return resp
}

// admissionStatus maps scheduler sentinel errors onto HTTP codes
func admissionStatus(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, scheduler.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrValidation), errors.Is(err, scheduler.ErrUnknownType):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) jobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.submitJob(w, r)
		case http.MethodGet:
			s.listJobs(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.User == "" {
		writeError(w, http.StatusBadRequest, "user is required")
		return
	}

	jobID, err := s.orch.Submit(req.User, domain.JobType(req.Type), req.Spec)
	if err != nil {
		writeError(w, admissionStatus(err), err.Error())
		return
	}

	logger.WithFields(logrus.Fields{
		"job_id": jobID,
		"user":   req.User,
		"type":   req.Type,
	}).Info("job submitted")
	writeJSON(w, http.StatusAccepted, SubmitResponse{JobID: jobID})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		writeError(w, http.StatusBadRequest, "user is required")
		return
	}

	jobs := s.orch.List(user)
	resp := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		resp = append(resp, jobToResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) jobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
		if rest == "" {
			writeError(w, http.StatusNotFound, "job id is required")
			return
		}

		// GET /api/jobs/{id}/trials
		if id, found := strings.CutSuffix(rest, "/trials"); found {
			if r.Method != http.MethodGet {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			s.listTrials(w, id)
			return
		}

		switch r.Method {
		case http.MethodGet:
			s.getJob(w, rest)
		case http.MethodDelete:
			s.cancelJob(w, rest)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) getJob(w http.ResponseWriter, id string) {
	job, err := s.orch.Get(id)
	if err != nil {
		writeError(w, admissionStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (s *Server) cancelJob(w http.ResponseWriter, id string) {
	outcome, err := s.orch.Cancel(id)
	if err != nil {
		writeError(w, admissionStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{Outcome: string(outcome)})
}

func (s *Server) listTrials(w http.ResponseWriter, jobID string) {
	trials, err := s.reports.ListTrials(jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing trials")
		return
	}

	resp := make([]TrialResponse, 0, len(trials))
	for _, t := range trials {
		resp = append(resp, TrialResponse{
			ID:          t.ID,
			Seq:         t.Seq,
			Params:      t.Params,
			ModelTarget: t.ModelTarget,
			Score:       t.Score,
			CreatedAt:   t.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) reportHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		id := strings.TrimPrefix(r.URL.Path, "/api/reports/")
		if id == "" {
			writeError(w, http.StatusNotFound, "report id is required")
			return
		}

		rep, err := s.reports.GetReport(id)
		if err != nil {
			if errors.Is(err, jobstore.ErrNotFound) {
				writeError(w, http.StatusNotFound, "report not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "fetching report")
			return
		}

		writeJSON(w, http.StatusOK, ReportResponse{
			ID:        rep.ID,
			JobID:     rep.JobID,
			Kind:      rep.Kind,
			Payload:   json.RawMessage(rep.Payload),
			CreatedAt: rep.CreatedAt.Format(time.RFC3339),
		})
	}
}
