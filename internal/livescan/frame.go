package livescan

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// Frame type tags on the wire.
const (
	FrameTypeIdle   = "no_active_scan"
	FrameTypeActive = "active_scan"
)

// ErrMalformedFrame is wrapped by every decode failure.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is one decoded message from the progress stream.
// It is either an IdleFrame or a SnapshotFrame.
type Frame interface {
	frameType() string
}

// IdleFrame asserts that nothing is running on the server.
type IdleFrame struct{}

func (IdleFrame) frameType() string { return FrameTypeIdle }

// SnapshotFrame is the full state of one running scan. Nil fields were absent
// from the frame and must leave the mirrored session untouched.
type SnapshotFrame struct {
	JobID           int64
	TargetPath      string
	Phase           *Phase
	CompletedPhases []string
	Collecting      *CollectingCounters
	Overall         *OverallProgress
	Workers         []WorkerState
	Status          *Status
	ErrorMessage    string
}

func (SnapshotFrame) frameType() string { return FrameTypeActive }

// Terminal reports whether the frame carries a terminal status.
func (f SnapshotFrame) Terminal() bool {
	return f.Status != nil && f.Status.Terminal()
}

type wireEnvelope struct {
	Type string          `json:"type"`
	Scan json.RawMessage `json:"scan"`
}

type wireSnapshot struct {
	ScanID       *int64 `json:"scan_id"`
	RootPath     string `json:"root_path"`
	CurrentPhase *struct {
		Name string `json:"name"`
	} `json:"current_phase"`
	CompletedPhases  []string `json:"completed_phases"`
	ScanningProgress *struct {
		FilesScanned       int64 `json:"files_scanned"`
		DirectoriesScanned int64 `json:"directories_scanned"`
	} `json:"scanning_progress"`
	OverallProgress *struct {
		Completed  int64   `json:"completed"`
		Total      int64   `json:"total"`
		Percentage float64 `json:"percentage"`
	} `json:"overall_progress"`
	ThreadStates []wireThreadState `json:"thread_states"`
	Status       *struct {
		Status  string  `json:"status"`
		Message *string `json:"message"`
	} `json:"status"`
	Error *string `json:"error"`
}

type wireThreadState struct {
	ThreadIndex int `json:"thread_index"`
	Operation   struct {
		Type string  `json:"type"`
		File *string `json:"file"`
	} `json:"operation"`
}

// DecodeFrame parses one raw message into a Frame.
func DecodeFrame(data []byte) (Frame, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch env.Type {
	case FrameTypeIdle:
		return IdleFrame{}, nil
	case FrameTypeActive:
		return decodeSnapshot(env.Scan)
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, env.Type)
	}
}

func decodeSnapshot(raw json.RawMessage) (Frame, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: active_scan without scan", ErrMalformedFrame)
	}

	var ws wireSnapshot
	if err := json.Unmarshal(raw, &ws); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if ws.ScanID == nil {
		return nil, fmt.Errorf("%w: missing scan_id", ErrMalformedFrame)
	}

	f := SnapshotFrame{
		JobID:           *ws.ScanID,
		TargetPath:      ws.RootPath,
		CompletedPhases: ws.CompletedPhases,
	}

	if ws.CurrentPhase != nil {
		p, err := ParsePhase(ws.CurrentPhase.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		f.Phase = &p
	}

	if sp := ws.ScanningProgress; sp != nil {
		f.Collecting = &CollectingCounters{
			ItemsSeen:      sp.FilesScanned,
			ContainersSeen: sp.DirectoriesScanned,
		}
	}

	if op := ws.OverallProgress; op != nil {
		f.Overall = &OverallProgress{
			Completed:  op.Completed,
			Total:      op.Total,
			Percentage: op.Percentage,
		}
	}

	if ws.ThreadStates != nil {
		workers, err := decodeWorkers(ws.ThreadStates)
		if err != nil {
			return nil, err
		}
		f.Workers = workers
	}

	if ws.Status != nil {
		st, err := ParseStatus(ws.Status.Status)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		f.Status = &st
		if st == StatusError {
			switch {
			case ws.Status.Message != nil && *ws.Status.Message != "":
				f.ErrorMessage = *ws.Status.Message
			case ws.Error != nil:
				f.ErrorMessage = *ws.Error
			}
		}
	}

	return f, nil
}

// decodeWorkers orders thread states by thread_index. Indexes need not be
// dense or zero-based; ties keep their order on the wire.
func decodeWorkers(states []wireThreadState) ([]WorkerState, error) {
	sorted := slices.Clone(states)
	slices.SortStableFunc(sorted, func(a, b wireThreadState) int {
		return cmp.Compare(a.ThreadIndex, b.ThreadIndex)
	})

	workers := make([]WorkerState, 0, len(sorted))
	for _, ts := range sorted {
		switch ts.Operation.Type {
		case "idle":
			workers = append(workers, WorkerState{})
		case WorkerHashing, WorkerValidating:
			w := WorkerState{Label: ts.Operation.Type}
			if ts.Operation.File != nil {
				w.Detail = *ts.Operation.File
			}
			workers = append(workers, w)
		default:
			return nil, fmt.Errorf("%w: unknown operation %q", ErrMalformedFrame, ts.Operation.Type)
		}
	}

	return workers, nil
}
