package handlers

import (
	"net/http"
	"strconv"

	"github.com/lyallcooper/kuron-watch/internal/journal"
)

const historyPageSize = 20

// HistoryPage is one page of recorded completions.
type HistoryPage struct {
	Completions []*journal.Completion `json:"completions"`
	Page        int                   `json:"page"`
	TotalPages  int                   `json:"total_pages"`
	Total       int                   `json:"total"`
}

// History lists finished scans, newest first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.writeError(w, http.StatusNotFound, "journal disabled")
		return
	}

	// Parse pagination
	page := 1
	if p := r.URL.Query().Get("page"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil && parsed > 0 {
			page = parsed
		}
	}
	offset := (page - 1) * historyPageSize

	total, err := h.history.Count()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	completions, err := h.history.ListRecent(historyPageSize, offset)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if completions == nil {
		completions = []*journal.Completion{}
	}

	totalPages := (total + historyPageSize - 1) / historyPageSize
	if totalPages < 1 {
		totalPages = 1
	}

	h.writeJSON(w, http.StatusOK, HistoryPage{
		Completions: completions,
		Page:        page,
		TotalPages:  totalPages,
		Total:       total,
	})
}
