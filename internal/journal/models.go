package journal

import (
	"time"

	"github.com/lyallcooper/kuron-watch/internal/livescan"
)

// Completion is one finished scan as it looked when its first terminal
// frame arrived.
type Completion struct {
	ID               int64           `json:"id"`
	JobID            int64           `json:"job_id"`
	TargetPath       string          `json:"target_path"`
	Status           livescan.Status `json:"status"`
	ErrorMessage     *string         `json:"error_message,omitempty"`
	Phase            string          `json:"phase"`
	CompletedPhases  []string        `json:"completed_phases"`
	ItemsSeen        *int64          `json:"items_seen,omitempty"`
	ContainersSeen   *int64          `json:"containers_seen,omitempty"`
	OverallCompleted *int64          `json:"overall_completed,omitempty"`
	OverallTotal     *int64          `json:"overall_total,omitempty"`
	CompletedAt      time.Time       `json:"completed_at"`
}
