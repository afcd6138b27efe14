package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/steelthread/foreman/internal/events"
	"github.com/steelthread/foreman/internal/metrics"
	"github.com/steelthread/foreman/internal/scheduler"
	"github.com/steelthread/foreman/internal/store"
)

// maxBodySize bounds every request body read.
const maxBodySize = 1 << 20

// decodeStrict decodes JSON rejecting unknown fields and trailing data.
func decodeStrict(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected trailing data")
	}
	return nil
}

// handleSubmit accepts a feature with its phase graph.
// POST /submit
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decodeStrict(http.MaxBytesReader(w, r.Body, maxBodySize), &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if len(req.Phases) == 0 {
		writeError(w, http.StatusBadRequest, "at least one phase is required")
		return
	}

	priority := store.DefaultPriority
	if req.Priority != nil {
		if !store.ValidPriority(*req.Priority) {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("priority must be between %d and %d", store.MinPriority, store.MaxPriority))
			return
		}
		priority = *req.Priority
	}

	phases := make([]store.NewPhase, 0, len(req.Phases))
	for _, p := range req.Phases {
		if p.Title == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("phase %d: title is required", p.PhaseNumber))
			return
		}
		np := store.NewPhase{
			PhaseNumber: p.PhaseNumber,
			Title:       p.Title,
			Prompt:      p.Prompt,
			DependsOn:   p.DependsOn,
		}
		if p.Priority != nil {
			if !store.ValidPriority(*p.Priority) {
				writeError(w, http.StatusBadRequest,
					fmt.Sprintf("phase %d: priority must be between %d and %d", p.PhaseNumber, store.MinPriority, store.MaxPriority))
				return
			}
			np.Priority = *p.Priority
		}
		phases = append(phases, np)
	}

	if err := scheduler.ValidateGraph(phases); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	featureID, phaseIDs, err := s.store.SubmitFeature(req.Title, req.Description, priority, phases)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist feature")
		return
	}

	s.admission.Kick()
	writeJSON(w, http.StatusCreated, SubmitResponse{FeatureID: featureID, PhaseIDs: phaseIDs})
}

// handlePhaseComplete is the worker completion webhook.
// POST /phase-complete
//
// Order matters: authenticate, dedup, then apply. A duplicate is
// acknowledged with 200 so workers stop retrying.
func (s *Server) handlePhaseComplete(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if !verifySignature(s.webhookSecret, body, r.Header.Get("X-Signature")) {
		metrics.RejectedCompletions.WithLabelValues("bad_signature").Inc()
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var req CompletionRequest
	if err := decodeStrict(bytes.NewReader(body), &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.PhaseID == "" || req.WorkerRef == "" {
		writeError(w, http.StatusBadRequest, "phase_id and worker_ref are required")
		return
	}

	var terminal store.PhaseStatus
	switch req.Status {
	case string(store.PhaseCompleted):
		terminal = store.PhaseCompleted
	case string(store.PhaseFailed):
		terminal = store.PhaseFailed
	default:
		writeError(w, http.StatusBadRequest, "status must be completed or failed")
		return
	}

	eventID := store.EventID(req.PhaseID, req.Status, req.WorkerRef)
	outcome, observed, err := s.store.ApplyCompletion(eventID, req.PhaseID, terminal, req.ErrorMessage)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to apply completion")
		return
	}

	switch outcome {
	case store.CompletionDuplicate:
		metrics.DuplicateCompletions.Inc()
		s.emit(events.NewEvent(events.CompletionDuplicate, req.PhaseID))
		writeJSON(w, http.StatusOK, CompletionResponse{PhaseID: req.PhaseID, Status: req.Status, Duplicate: true})
	case store.CompletionUnknownPhase:
		metrics.RejectedCompletions.WithLabelValues("unknown_phase").Inc()
		s.emit(events.NewEvent(events.CompletionRejected, req.PhaseID).WithError(errors.New("unknown phase")))
		writeError(w, http.StatusNotFound, "unknown phase")
	case store.CompletionConflict:
		metrics.RejectedCompletions.WithLabelValues("not_running").Inc()
		s.emit(events.NewEvent(events.CompletionRejected, req.PhaseID).
			WithError(fmt.Errorf("phase is %s, not running", observed)))
		writeError(w, http.StatusConflict, fmt.Sprintf("phase is %s, not running", observed))
	default:
		metrics.Completions.WithLabelValues(req.Status).Inc()
		s.emit(events.NewEvent(events.CompletionAccepted, req.PhaseID).WithStatus(req.Status))
		writeJSON(w, http.StatusOK, CompletionResponse{PhaseID: req.PhaseID, Status: req.Status})
	}
}

// handleListFeatures returns all features, newest first.
// GET /features
func (s *Server) handleListFeatures(w http.ResponseWriter, r *http.Request) {
	features, err := s.store.ListFeatures()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list features")
		return
	}
	writeJSON(w, http.StatusOK, features)
}

// handleGetFeature returns one feature with its phases.
// GET /features/{id}
func (s *Server) handleGetFeature(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid feature id")
		return
	}

	feature, err := s.store.GetFeature(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load feature")
		return
	}
	if feature == nil {
		writeError(w, http.StatusNotFound, "feature not found")
		return
	}
	phases, err := s.store.ListByFeature(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load phases")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"feature": feature,
		"phases":  phases,
	})
}

// handleGetPhase returns one phase.
// GET /phases/{id}
func (s *Server) handleGetPhase(w http.ResponseWriter, r *http.Request) {
	phase, err := s.store.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load phase")
		return
	}
	if phase == nil {
		writeError(w, http.StatusNotFound, "phase not found")
		return
	}
	writeJSON(w, http.StatusOK, phase)
}

// handleEvents is the SSE stream.
// GET /events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Snapshot first so a reconnecting client never renders from a gap:
	// scheduler state, then the running set.
	if state, err := s.stateView(); err == nil {
		writeFrame(w, newFrame(frameSystemStatus, state))
	}
	if running, err := s.store.ListByStatus(store.PhaseRunning); err == nil {
		writeFrame(w, newFrame(frameQueueUpdate, map[string]any{"running": running}))
	}
	flusher.Flush()

	client := NewClient()
	s.hub.Register(client)
	defer s.hub.Unregister(client)

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-client.events:
			if !ok {
				return
			}
			writeFrame(w, frameFor(event))
			flusher.Flush()
		}
	}
}

func writeFrame(w io.Writer, f StreamFrame) {
	data, _ := json.Marshal(f)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Type, data)
}

// stateView assembles the scheduler state snapshot.
func (s *Server) stateView() (StateView, error) {
	counts, err := s.store.CountByStatus()
	if err != nil {
		return StateView{}, err
	}
	cfg, err := s.store.LoadCoordinatorConfig()
	if err != nil {
		return StateView{}, err
	}
	return StateView{
		Paused:         cfg.Paused,
		MaxConcurrent:  cfg.MaxConcurrent,
		RunningCount:   counts[store.PhaseRunning],
		ReadyCount:     counts[store.PhaseReady],
		QueuedCount:    counts[store.PhaseQueued],
		BlockedCount:   counts[store.PhaseBlocked],
		CompletedCount: counts[store.PhaseCompleted],
		FailedCount:    counts[store.PhaseFailed],
	}, nil
}

// handleAdminState returns the scheduler state snapshot.
// GET /admin/state
func (s *Server) handleAdminState(w http.ResponseWriter, r *http.Request) {
	state, err := s.stateView()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to assemble state")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleAdminPause stops new admissions.
// POST /admin/pause
func (s *Server) handleAdminPause(w http.ResponseWriter, r *http.Request) {
	if err := s.controls.Pause(); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to pause")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

// handleAdminResume re-enables admissions.
// POST /admin/resume
func (s *Server) handleAdminResume(w http.ResponseWriter, r *http.Request) {
	if err := s.controls.Resume(); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resume")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// handleAdminConfig updates runtime settings.
// PATCH /admin/config
func (s *Server) handleAdminConfig(w http.ResponseWriter, r *http.Request) {
	var patch ConfigPatch
	if err := decodeStrict(http.MaxBytesReader(w, r.Body, maxBodySize), &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if patch.MaxConcurrent != nil {
		if err := s.store.SetMaxConcurrent(*patch.MaxConcurrent); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// A raised cap may open slots immediately
		s.admission.Kick()
	}
	if patch.DedupWindowSeconds != nil {
		if err := s.store.SetDedupWindow(*patch.DedupWindowSeconds); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if patch.Paused != nil {
		var err error
		if *patch.Paused {
			err = s.controls.Pause()
		} else {
			err = s.controls.Resume()
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to update paused state")
			return
		}
	}

	cfg, err := s.store.LoadCoordinatorConfig()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reload config")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleAdminUnblock clears a blocked phase back to queued after the
// operator has dealt with the failed predecessor.
// POST /admin/phases/{id}/unblock
func (s *Server) handleAdminUnblock(w http.ResponseWriter, r *http.Request) {
	phaseID := chi.URLParam(r, "id")
	phase, err := s.store.Get(phaseID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load phase")
		return
	}
	if phase == nil {
		writeError(w, http.StatusNotFound, "phase not found")
		return
	}

	ok, err := s.store.Unblock(phaseID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to unblock phase")
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, fmt.Sprintf("phase is %s, not blocked", phase.Status))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"phase_id": phaseID, "status": string(store.PhaseQueued)})
}

// handleHealthz is the liveness probe.
// GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) emit(e events.Event) {
	if s.bus != nil {
		s.bus.Emit(e)
	}
}
