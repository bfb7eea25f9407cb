package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/teranos/agentdeploy/deployment"
	"github.com/teranos/agentdeploy/errors"
	"github.com/teranos/agentdeploy/jobstore"
	"github.com/teranos/agentdeploy/logger"
	"github.com/teranos/agentdeploy/version"
)

// SubmitRequest is the body of POST /api/deployments.
type SubmitRequest struct {
	AgentID     string          `json:"agent_id"`
	RequesterID string          `json:"requester_id"`
	Config      json.RawMessage `json:"config"`
}

// SubmitResponse acknowledges an accepted submit.
type SubmitResponse struct {
	JobID string `json:"job_id"`
}

// CancelResponse acknowledges a cancellation request.
type CancelResponse struct {
	JobID  string            `json:"job_id"`
	Status deployment.Status `json:"status"`
}

// ListResponse wraps a job listing.
type ListResponse struct {
	Jobs  []*deployment.Job `json:"jobs"`
	Count int               `json:"count"`
}

// HealthResponse reports liveness.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Uptime  string `json:"uptime"`
}

// HandleSubmit accepts a deployment request and returns the job id without
// waiting for the pipeline.
func (s *Server) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	jobID, err := s.mgr.Submit(r.Context(), req.AgentID, req.RequesterID, req.Config)
	if err != nil {
		s.writeErrorFrom(w, r, err)
		return
	}
	s.requestLogger(r).Infow("Deployment submitted",
		logger.FieldJobID, jobID,
		logger.FieldAgentID, req.AgentID,
	)
	w.Header().Set("Location", "/api/deployments/"+jobID)
	writeJSON(w, http.StatusAccepted, SubmitResponse{JobID: jobID})
}

// HandleList lists deployments, newest first.
func (s *Server) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := jobstore.ListFilter{
		AgentID: q.Get("agent_id"),
		Status:  deployment.Status(q.Get("status")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		filter.Limit = limit
	}
	jobs, err := s.mgr.List(r.Context(), filter)
	if err != nil {
		s.writeErrorFrom(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*deployment.Job{}
	}
	writeJSON(w, http.StatusOK, ListResponse{Jobs: jobs, Count: len(jobs)})
}

// HandleStatus returns the current job snapshot.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.mgr.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErrorFrom(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandleLogs returns the full log as plain text. A job without lines is a
// 404 "no logs yet", which callers should not treat as a failure.
func (s *Server) HandleLogs(w http.ResponseWriter, r *http.Request) {
	text, err := s.mgr.GetLogs(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, "no logs yet")
			return
		}
		s.writeErrorFrom(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(text))
}

// HandleCancel requests cooperative cancellation. Terminal jobs are
// acknowledged unchanged.
func (s *Server) HandleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	job, err := s.mgr.Cancel(r.Context(), jobID)
	if err != nil {
		s.writeErrorFrom(w, r, err)
		return
	}
	s.requestLogger(r).Infow("Cancel requested", logger.FieldJobID, shortID(jobID), logger.FieldStatus, job.Status)
	writeJSON(w, http.StatusAccepted, CancelResponse{JobID: job.ID, Status: job.Status})
}

// HandleHealth reports liveness and build version.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: info.Version,
		Commit:  info.CommitHash,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	})
}
