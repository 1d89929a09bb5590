package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lyallcooper/kuron-watch/internal/livescan"
	"github.com/sirupsen/logrus"
)

const completionColumns = `id, job_id, target_path, status, error_message, phase, completed_phases,
	items_seen, containers_seen, overall_completed, overall_total, completed_at`

// Record stores a finished session.
func (db *DB) Record(sess livescan.ScanSession, at time.Time) (*Completion, error) {
	phasesJSON, err := json.Marshal(nonNil(sess.CompletedPhases))
	if err != nil {
		return nil, fmt.Errorf("failed to encode completed phases: %w", err)
	}

	var errorMsg sql.NullString
	if sess.Status == livescan.StatusError {
		errorMsg = sql.NullString{String: sess.ErrorMessage, Valid: true}
	}

	var items, containers, done, total sql.NullInt64
	if c := sess.Collecting; c != nil {
		items = sql.NullInt64{Int64: c.ItemsSeen, Valid: true}
		containers = sql.NullInt64{Int64: c.ContainersSeen, Valid: true}
	}
	if o := sess.Overall; o != nil {
		done = sql.NullInt64{Int64: o.Completed, Valid: true}
		total = sql.NullInt64{Int64: o.Total, Valid: true}
	}

	result, err := db.Exec(`
		INSERT INTO scan_completions (job_id, target_path, status, error_message, phase, completed_phases,
			items_seen, containers_seen, overall_completed, overall_total, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.JobID, sess.TargetPath, string(sess.Status), errorMsg, sess.Phase.String(), string(phasesJSON),
		items, containers, done, total, at.UTC(),
	)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return db.getByID(id)
}

// Get returns the latest completion recorded for a job.
func (db *DB) Get(jobID int64) (*Completion, error) {
	row := db.QueryRow(`SELECT `+completionColumns+`
		FROM scan_completions WHERE job_id = ? ORDER BY completed_at DESC, id DESC LIMIT 1`, jobID)
	return scanCompletion(row)
}

func (db *DB) getByID(id int64) (*Completion, error) {
	row := db.QueryRow(`SELECT `+completionColumns+` FROM scan_completions WHERE id = ?`, id)
	return scanCompletion(row)
}

// ListRecent returns completions newest first with pagination.
func (db *DB) ListRecent(limit, offset int) ([]*Completion, error) {
	rows, err := db.Query(`SELECT `+completionColumns+`
		FROM scan_completions ORDER BY completed_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Completion
	for rows.Next() {
		c, err := scanCompletion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Count returns the number of stored completions.
func (db *DB) Count() (int, error) {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM scan_completions").Scan(&n)
	return n, err
}

// CleanupOldData removes completions older than the retention period and
// returns how many were deleted.
func (db *DB) CleanupOldData(retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UTC()

	result, err := db.Exec("DELETE FROM scan_completions WHERE completed_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Hook returns a completion hook for livescan.WithCompletionHook that
// records every finished scan. Failures are logged.
func (db *DB) Hook(logger logrus.FieldLogger, now func() time.Time) func(livescan.ScanSession) {
	if now == nil {
		now = time.Now
	}
	return func(sess livescan.ScanSession) {
		c, err := db.Record(sess, now())
		if err != nil {
			logger.WithError(err).WithField("job_id", sess.JobID).Error("failed to record scan completion")
			return
		}
		logger.WithFields(logrus.Fields{
			"job_id": c.JobID,
			"status": c.Status,
		}).Debug("recorded scan completion")
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCompletion(row rowScanner) (*Completion, error) {
	var c Completion
	var status, phasesJSON string
	var errorMsg sql.NullString
	var items, containers, done, total sql.NullInt64

	err := row.Scan(&c.ID, &c.JobID, &c.TargetPath, &status, &errorMsg, &c.Phase, &phasesJSON,
		&items, &containers, &done, &total, &c.CompletedAt)
	if err != nil {
		return nil, err
	}

	c.Status = livescan.Status(status)
	if errorMsg.Valid {
		c.ErrorMessage = &errorMsg.String
	}
	if err := json.Unmarshal([]byte(phasesJSON), &c.CompletedPhases); err != nil {
		c.CompletedPhases = nil
	}
	c.ItemsSeen = nullInt(items)
	c.ContainersSeen = nullInt(containers)
	c.OverallCompleted = nullInt(done)
	c.OverallTotal = nullInt(total)

	return &c, nil
}

func nullInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
