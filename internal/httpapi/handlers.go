package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/optimode/mailverify"
)

type validateRequest struct {
	Email          string  `json:"email"`
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
}

type submitRequest struct {
	Emails         []string `json:"emails"`
	Concurrency    int      `json:"concurrency,omitempty"`
	TimeoutSeconds float64  `json:"timeout_seconds,omitempty"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type emailsRequest struct {
	Emails []string `json:"emails"`
}

type recordRequest struct {
	Emails   []string             `json:"emails"`
	Verdicts []mailverify.Verdict `json:"verdicts"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// POST /v1/validate
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Email == "" {
		respondError(w, http.StatusBadRequest, "email is required")
		return
	}
	res, err := s.engine.ValidateOne(r.Context(), req.Email, seconds(req.TimeoutSeconds))
	if err != nil && res.Email == "" {
		s.respondErr(w, err)
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Str("email", req.Email).Msg("validation result not stored")
	}
	respondJSON(w, http.StatusOK, res)
}

// POST /v1/jobs
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Concurrency < 0 || req.TimeoutSeconds < 0 {
		respondError(w, http.StatusBadRequest, "concurrency and timeout_seconds must not be negative")
		return
	}
	id, err := s.engine.SubmitBatch(r.Context(), req.Emails, req.Concurrency, seconds(req.TimeoutSeconds))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+id)
	respondJSON(w, http.StatusAccepted, submitResponse{JobID: id})
}

// GET /v1/jobs/{id}
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.GetProgress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// DELETE /v1/jobs/{id}
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Cancel(chi.URLParam(r, "id")); err != nil {
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// GET /v1/jobs/{id}/events streams progress snapshots as Server-Sent Events
// until the job ends or the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	id := chi.URLParam(r, "id")
	updates, err := s.engine.SubscribeProgress(r.Context(), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": job %s\n\n", id)
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case p, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(p)
			if err != nil {
				return
			}
			event := "progress"
			if p.Status.Terminal() {
				event = "done"
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// POST /v1/dedup/check
func (s *Server) handleCheckDuplicates(w http.ResponseWriter, r *http.Request) {
	var req emailsRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.engine.CheckDuplicates(r.Context(), req.Emails)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if p.New == nil {
		p.New = []string{}
	}
	if p.Duplicate == nil {
		p.Duplicate = []string{}
	}
	respondJSON(w, http.StatusOK, p)
}

// POST /v1/dedup/record
func (s *Server) handleRecordBatch(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.RecordBatch(r.Context(), req.Emails, req.Verdicts); err != nil {
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /v1/dedup/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.DedupStats(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// GET /v1/records/{address}
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Lookup(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}
