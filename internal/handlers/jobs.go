package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lyallcooper/kuron-watch/internal/control"
	"github.com/lyallcooper/kuron-watch/internal/scheduler"
)

// ListJobs returns jobs created through this process, soonest first.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.jobs.Jobs())
}

// CreateJob registers a recurring job on the scan server.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var spec scheduler.JobSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if spec.Action == "" {
		spec.Action = scheduler.ActionScan
	}

	job, err := h.jobs.Schedule(r.Context(), spec)
	if err != nil {
		var reqErr *control.RequestError
		switch {
		case errors.Is(err, scheduler.ErrInvalidSchedule):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.As(err, &reqErr):
			h.writeError(w, http.StatusBadGateway, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, job)
}
