package livescan

import (
	"fmt"
	"time"
)

// Phase is the ordinal stage a remote scan is in.
type Phase int

const (
	PhaseCollecting  Phase = 1 // wire name "scanning"
	PhaseReconciling Phase = 2 // wire name "sweeping"
	PhaseAnalyzing   Phase = 3 // wire name "analyzing"
)

var phaseNames = map[Phase]string{
	PhaseCollecting:  "scanning",
	PhaseReconciling: "sweeping",
	PhaseAnalyzing:   "analyzing",
}

// String returns the wire name of the phase.
func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// MarshalText encodes the phase by its wire name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// ParsePhase maps a wire phase name to a Phase.
func ParsePhase(name string) (Phase, error) {
	for p, n := range phaseNames {
		if n == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", name)
}

// Status is the lifecycle status of a remote scan.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPausing   Status = "pausing"
	StatusStopping  Status = "stopping"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// ParseStatus validates a wire status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusRunning, StatusPausing, StatusStopping, StatusStopped, StatusCompleted, StatusError:
		return st, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// Terminal reports whether no further progress is expected for a scan in this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusStopped || s == StatusError
}

// CollectingCounters are the totals gathered while walking the target.
type CollectingCounters struct {
	ItemsSeen      int64 `json:"items_seen"`
	ContainersSeen int64 `json:"containers_seen"`
}

// OverallProgress is the analysis progress of a scan.
type OverallProgress struct {
	Completed  int64   `json:"completed"`
	Total      int64   `json:"total"`
	Percentage float64 `json:"percentage"`
}

// Worker labels reported by the remote scanner.
const (
	WorkerHashing    = "hashing"
	WorkerValidating = "validating"
)

// WorkerState is one concurrent worker of a scan. A zero Label means idle.
type WorkerState struct {
	Label  string `json:"label,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Idle reports whether the worker has nothing to do.
func (w WorkerState) Idle() bool {
	return w.Label == ""
}

// ScanSession is the last known state of one remote scan.
type ScanSession struct {
	JobID           int64               `json:"job_id"`
	TargetPath      string              `json:"target_path"`
	Phase           Phase               `json:"phase"`
	CompletedPhases []string            `json:"completed_phases"`
	Collecting      *CollectingCounters `json:"collecting,omitempty"`
	Overall         *OverallProgress    `json:"overall,omitempty"`
	Workers         []WorkerState       `json:"workers"`
	Status          Status              `json:"status"`
	ErrorMessage    string              `json:"error_message,omitempty"`
}

// Terminal reports whether the session has reached a final status.
func (s *ScanSession) Terminal() bool {
	return s.Status.Terminal()
}

// ActiveWorkers counts workers that are not idle.
func (s *ScanSession) ActiveWorkers() int {
	n := 0
	for _, w := range s.Workers {
		if !w.Idle() {
			n++
		}
	}
	return n
}

// clone returns a deep copy safe to hand to readers.
func (s *ScanSession) clone() ScanSession {
	c := *s
	if s.CompletedPhases != nil {
		c.CompletedPhases = append([]string(nil), s.CompletedPhases...)
	}
	if s.Collecting != nil {
		cc := *s.Collecting
		c.Collecting = &cc
	}
	if s.Overall != nil {
		op := *s.Overall
		c.Overall = &op
	}
	if s.Workers != nil {
		c.Workers = append([]WorkerState(nil), s.Workers...)
	}
	return c
}

// State is a consistent snapshot of the mirror.
type State struct {
	Sessions        map[int64]ScanSession `json:"sessions"`
	CurrentJobID    *int64                `json:"current_job_id"`
	Busy            bool                  `json:"busy"`
	LastCompletedAt time.Time             `json:"last_completed_at"`
	LastScheduledAt time.Time             `json:"last_scheduled_at"`
}

// Current returns the session the current job id points at, if any.
func (s State) Current() (ScanSession, bool) {
	if s.CurrentJobID == nil {
		return ScanSession{}, false
	}
	sess, ok := s.Sessions[*s.CurrentJobID]
	return sess, ok
}
