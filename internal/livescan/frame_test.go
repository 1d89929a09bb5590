package livescan

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame_Idle(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"type":"no_active_scan"}`))
	require.NoError(t, err)
	assert.Equal(t, IdleFrame{}, f)
}

func TestDecodeFrame_FullSnapshot(t *testing.T) {
	raw := `{
		"type": "active_scan",
		"scan": {
			"scan_id": 42,
			"root_path": "/data/photos",
			"current_phase": {"name": "analyzing"},
			"completed_phases": ["Scanning files", "Grouping by size"],
			"scanning_progress": {"files_scanned": 1200, "directories_scanned": 37},
			"overall_progress": {"completed": 50, "total": 200, "percentage": 25.0},
			"thread_states": [
				{"thread_index": 1, "operation": {"type": "validating", "file": "/data/photos/b.jpg"}},
				{"thread_index": 0, "operation": {"type": "hashing", "file": "/data/photos/a.jpg"}},
				{"thread_index": 2, "operation": {"type": "idle"}}
			],
			"status": {"status": "running"}
		}
	}`

	f, err := DecodeFrame([]byte(raw))
	require.NoError(t, err)

	snap, ok := f.(SnapshotFrame)
	require.True(t, ok, "expected SnapshotFrame, got %T", f)

	assert.Equal(t, int64(42), snap.JobID)
	assert.Equal(t, "/data/photos", snap.TargetPath)
	require.NotNil(t, snap.Phase)
	assert.Equal(t, PhaseAnalyzing, *snap.Phase)
	assert.Equal(t, []string{"Scanning files", "Grouping by size"}, snap.CompletedPhases)
	assert.Equal(t, &CollectingCounters{ItemsSeen: 1200, ContainersSeen: 37}, snap.Collecting)
	assert.Equal(t, &OverallProgress{Completed: 50, Total: 200, Percentage: 25}, snap.Overall)
	assert.Equal(t, []WorkerState{
		{Label: WorkerHashing, Detail: "/data/photos/a.jpg"},
		{Label: WorkerValidating, Detail: "/data/photos/b.jpg"},
		{},
	}, snap.Workers)
	require.NotNil(t, snap.Status)
	assert.Equal(t, StatusRunning, *snap.Status)
	assert.False(t, snap.Terminal())
	assert.Empty(t, snap.ErrorMessage)
}

func TestDecodeFrame_AbsentSectionsStayNil(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"type":"active_scan","scan":{"scan_id":7,"root_path":"/x"}}`))
	require.NoError(t, err)

	snap := f.(SnapshotFrame)
	assert.Nil(t, snap.Phase)
	assert.Nil(t, snap.CompletedPhases)
	assert.Nil(t, snap.Collecting)
	assert.Nil(t, snap.Overall)
	assert.Nil(t, snap.Workers)
	assert.Nil(t, snap.Status)
}

func TestDecodeFrame_ErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		scan string
		want string
	}{
		{
			name: "status message",
			scan: `{"scan_id":1,"status":{"status":"error","message":"disk gone"}}`,
			want: "disk gone",
		},
		{
			name: "falls back to top-level error",
			scan: `{"scan_id":1,"status":{"status":"error"},"error":"fclones exited with 2"}`,
			want: "fclones exited with 2",
		},
		{
			name: "ignored unless status is error",
			scan: `{"scan_id":1,"status":{"status":"completed","message":"done"},"error":"stale"}`,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeFrame([]byte(`{"type":"active_scan","scan":` + tt.scan + `}`))
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.(SnapshotFrame).ErrorMessage)
		})
	}
}

func TestDecodeFrame_SparseThreadIndexes(t *testing.T) {
	tests := []struct {
		name   string
		states string
		want   []WorkerState
	}{
		{
			name:   "one-based",
			states: `[{"thread_index":2,"operation":{"type":"hashing","file":"/b"}},{"thread_index":1,"operation":{"type":"idle"}}]`,
			want:   []WorkerState{{}, {Label: WorkerHashing, Detail: "/b"}},
		},
		{
			name:   "busy threads only",
			states: `[{"thread_index":7,"operation":{"type":"validating","file":"/z"}},{"thread_index":3,"operation":{"type":"hashing","file":"/y"}}]`,
			want: []WorkerState{
				{Label: WorkerHashing, Detail: "/y"},
				{Label: WorkerValidating, Detail: "/z"},
			},
		},
		{
			name:   "repeated index keeps wire order",
			states: `[{"thread_index":0,"operation":{"type":"hashing","file":"/a"}},{"thread_index":0,"operation":{"type":"idle"}}]`,
			want:   []WorkerState{{Label: WorkerHashing, Detail: "/a"}, {}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := `{"type":"active_scan","scan":{"scan_id":1,"thread_states":` + tt.states +
				`,"status":{"status":"completed"}}}`
			f, err := DecodeFrame([]byte(raw))
			require.NoError(t, err)

			snap := f.(SnapshotFrame)
			assert.Equal(t, tt.want, snap.Workers)
			assert.True(t, snap.Terminal())
		})
	}
}

func TestDecodeFrame_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"type":`},
		{"missing type", `{"scan":{"scan_id":1}}`},
		{"unknown type", `{"type":"paused_scan"}`},
		{"missing scan", `{"type":"active_scan"}`},
		{"null scan", `{"type":"active_scan","scan":null}`},
		{"missing scan_id", `{"type":"active_scan","scan":{"root_path":"/x"}}`},
		{"null scan_id", `{"type":"active_scan","scan":{"scan_id":null}}`},
		{"unknown phase", `{"type":"active_scan","scan":{"scan_id":1,"current_phase":{"name":"dreaming"}}}`},
		{"unknown status", `{"type":"active_scan","scan":{"scan_id":1,"status":{"status":"exploded"}}}`},
		{"unknown operation", `{"type":"active_scan","scan":{"scan_id":1,"thread_states":[{"thread_index":0,"operation":{"type":"sleeping"}}]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeFrame([]byte(tt.raw))
			assert.Nil(t, f)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedFrame), "error %v does not wrap ErrMalformedFrame", err)
		})
	}
}

func TestParsePhase(t *testing.T) {
	for _, p := range []Phase{PhaseCollecting, PhaseReconciling, PhaseAnalyzing} {
		got, err := ParsePhase(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}

	_, err := ParsePhase("")
	assert.Error(t, err)
}

func TestStatusTerminal(t *testing.T) {
	tests := map[Status]bool{
		StatusRunning:   false,
		StatusPausing:   false,
		StatusStopping:  false,
		StatusStopped:   true,
		StatusCompleted: true,
		StatusError:     true,
	}
	for status, want := range tests {
		assert.Equal(t, want, status.Terminal(), "status %s", status)
	}
}
