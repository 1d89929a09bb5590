package livescan

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Drop reasons reported to Metrics.
const (
	DropMalformed         = "malformed"
	DropDuplicateTerminal = "duplicate_terminal"
)

// HandleMessage decodes one raw payload from the stream and applies it.
// Malformed payloads are logged and dropped.
func (e *Engine) HandleMessage(data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		e.metrics.IncFrameDropped(DropMalformed)
		e.logger.WithError(err).WithField("bytes", len(data)).Warn("dropping frame")
		return
	}
	e.Apply(frame)
}

// Apply reconciles a decoded frame into the mirror.
func (e *Engine) Apply(f Frame) {
	var completed *ScanSession

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}

	changed := false
	switch fr := f.(type) {
	case IdleFrame:
		e.metrics.IncFrameReceived(FrameTypeIdle)
		changed = e.applyIdle()
	case SnapshotFrame:
		e.metrics.IncFrameReceived(FrameTypeActive)
		changed, completed = e.applySnapshot(fr)
	}

	if changed {
		e.metrics.SetActiveSessions(len(e.sessions))
		e.subs.broadcast(e.stateLocked())
	}
	e.mu.Unlock()

	if completed != nil {
		for _, fn := range e.onCompleted {
			fn(*completed)
		}
	}
}

// applyIdle handles the "nothing running" sentinel. It repairs a mirror that
// missed the terminal frame while disconnected. Pending completion timers are
// left alone; they find nothing to evict.
func (e *Engine) applyIdle() bool {
	if e.current == nil {
		return false
	}

	e.logger.WithFields(logrus.Fields{
		"job_id":   *e.current,
		"sessions": len(e.sessions),
	}).Info("server reports no active scan, clearing mirror")

	e.sessions = make(map[int64]*ScanSession)
	e.current = nil
	e.lastTerminal = nil
	e.lastCompletedAt = e.now()
	return true
}

// applySnapshot merges one job snapshot. It returns whether the mirror changed
// and, on the first terminal observation of a job, a copy of the final session.
func (e *Engine) applySnapshot(f SnapshotFrame) (bool, *ScanSession) {
	terminal := f.Terminal()
	if terminal {
		key := terminalKey{jobID: f.JobID, status: *f.Status}
		if e.lastTerminal != nil && *e.lastTerminal == key {
			e.metrics.IncFrameDropped(DropDuplicateTerminal)
			return false, nil
		}
		e.lastTerminal = &key
	}

	sess, ok := e.sessions[f.JobID]
	if !ok {
		sess = &ScanSession{
			JobID:      f.JobID,
			TargetPath: f.TargetPath,
			Phase:      PhaseCollecting,
			Status:     StatusRunning,
		}
		e.sessions[f.JobID] = sess
		e.logger.WithFields(logrus.Fields{
			"job_id": f.JobID,
			"path":   f.TargetPath,
		}).Info("tracking scan")
	}
	merge(sess, f)

	if e.current == nil || *e.current != f.JobID {
		id := f.JobID
		e.current = &id
	}

	if !terminal || e.scheduler.Pending(f.JobID) {
		return true, nil
	}

	e.lastCompletedAt = e.now()
	grace := e.graceFor(sess.Status)
	jobID := f.JobID
	e.scheduler.Schedule(jobID, grace, func() { e.evict(jobID) })

	e.logger.WithFields(logrus.Fields{
		"job_id": jobID,
		"status": sess.Status,
		"evict":  grace,
	}).Info("scan finished")

	done := sess.clone()
	return true, &done
}

func (e *Engine) graceFor(s Status) time.Duration {
	if s == StatusError {
		return e.errorGrace
	}
	return e.completedGrace
}

// merge copies the sub-structures present in f onto s.
func merge(s *ScanSession, f SnapshotFrame) {
	if s.TargetPath == "" {
		s.TargetPath = f.TargetPath
	}
	if f.Phase != nil {
		s.Phase = *f.Phase
	}
	if f.CompletedPhases != nil {
		s.CompletedPhases = append([]string(nil), f.CompletedPhases...)
	}
	if f.Collecting != nil {
		c := *f.Collecting
		s.Collecting = &c
	}
	if f.Overall != nil {
		o := *f.Overall
		s.Overall = &o
	}
	if f.Workers != nil {
		s.Workers = append([]WorkerState(nil), f.Workers...)
	}
	if f.Status != nil {
		s.Status = *f.Status
		if s.Status == StatusError {
			s.ErrorMessage = f.ErrorMessage
		} else {
			s.ErrorMessage = ""
		}
	}
}

// evict runs when a completion timer fires.
func (e *Engine) evict(jobID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return
	}

	sess, ok := e.sessions[jobID]
	if ok {
		delete(e.sessions, jobID)
		e.metrics.IncEviction(sess.Status)
	}
	if e.current != nil && *e.current == jobID {
		e.current = nil
	}
	if e.lastTerminal != nil && e.lastTerminal.jobID == jobID {
		e.lastTerminal = nil
	}

	e.logger.WithField("job_id", jobID).Debug("evicted finished scan")

	e.metrics.SetActiveSessions(len(e.sessions))
	e.subs.broadcast(e.stateLocked())
}
