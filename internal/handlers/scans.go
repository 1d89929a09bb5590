package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/lyallcooper/kuron-watch/internal/control"
	"github.com/lyallcooper/kuron-watch/internal/livescan"
)

// Status returns the whole mirror.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.engine.State())
}

// ScanSession returns one mirrored session.
func (h *Handler) ScanSession(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	sess, found := h.engine.Session(jobID)
	if !found {
		h.writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	h.writeJSON(w, http.StatusOK, sess)
}

// CancelScan forwards a cancel request to the scan server. The mirror is
// not touched; the resulting stopped frame arrives on the stream.
func (h *Handler) CancelScan(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	err := h.engine.Cancel(r.Context(), jobID)
	var reqErr *control.RequestError
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID, "status": "cancel requested"})
	case errors.Is(err, livescan.ErrEngineStopped):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &reqErr):
		h.writeError(w, http.StatusBadGateway, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid job id")
		return 0, false
	}
	return id, true
}
