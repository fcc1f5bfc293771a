package sqlite

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/surface.report/internal/survey"
	"github.com/banshee-data/surface.report/internal/survey/l4detect"
	"github.com/banshee-data/surface.report/internal/survey/l5capture"
	"github.com/banshee-data/surface.report/internal/survey/l6consensus"
)

func openTestStore(t *testing.T) *ResultStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "survey.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRun() (l5capture.ScanSession, l6consensus.Result) {
	session := l5capture.ScanSession{
		ID:        "session-1",
		StartedAt: time.Unix(1700000000, 0),
		Needed:    2,
		Completed: 2,
		Complete:  true,
	}
	res := l6consensus.Result{
		SessionID: "session-1",
		Clusters: []l6consensus.ClusteredObservation{
			{
				ID:         "cluster-a",
				Position:   survey.Pt(100.5, 150.25),
				Confidence: 0.9,
				Variance:   0.5,
				Supporters: []l4detect.DetectedObject{{ID: "cone_1"}, {ID: "cone_2"}},
				Captures:   []string{"pos-1", "pos-2"},
			},
			{
				ID:         "cluster-b",
				Position:   survey.Pt(300, 80),
				Confidence: 0.8,
				Variance:   1.25,
				Supporters: []l4detect.DetectedObject{{ID: "cone_3"}, {ID: "cone_4"}},
				Captures:   []string{"pos-1", "pos-2"},
			},
		},
		Outliers: []l6consensus.SurfaceObservation{
			{CaptureID: "pos-2", Object: l4detect.DetectedObject{ID: "cone_9"}, Position: survey.Pt(500, 20), Confidence: 0.6},
		},
		Confidence: 0.82,
		Metrics: l6consensus.QualityMetrics{
			TotalObservations:     5,
			ClusteredObservations: 4,
			OutlierCount:          1,
			ClusterCount:          2,
			SkippedStaleTransform: 2,
			MeanImageQuality:      0.95,
			MeanClusterConfidence: 0.85,
			SpatialAccuracy:       0.94,
			MeanVariance:          0.875,
		},
	}
	return session, res
}

func TestOpen_MigratesToLatest(t *testing.T) {
	store := openTestStore(t)

	version, dirty, err := MigrateVersion(store.DB())
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(3), version)

	// Re-running is a no-op.
	require.NoError(t, MigrateUp(store.DB()))
}

func TestResultStore_SaveAndGet(t *testing.T) {
	store := openTestStore(t)
	session, res := sampleRun()
	params := json.RawMessage(`{"cluster_radius_mm":15}`)

	run, err := store.SaveResult(session, res, "fixtures/cones.json", params)
	require.NoError(t, err)
	require.NotEmpty(t, run.RunID)

	got, err := store.GetRun(run.RunID)
	require.NoError(t, err)
	if diff := cmp.Diff(run, got); diff != "" {
		t.Errorf("run mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "session-1", got.SessionID)
	assert.Equal(t, 2, got.Captures)
	assert.Equal(t, session.StartedAt.UnixNano(), got.SessionStartedAt)

	clusters, err := store.ListClusters(run.RunID)
	require.NoError(t, err)
	want := []*ClusterRecord{
		{ClusterID: "cluster-a", RunID: run.RunID, Ordinal: 0, Position: survey.Pt(100.5, 150.25), Confidence: 0.9, Variance: 0.5, Supporters: 2, Captures: []string{"pos-1", "pos-2"}},
		{ClusterID: "cluster-b", RunID: run.RunID, Ordinal: 1, Position: survey.Pt(300, 80), Confidence: 0.8, Variance: 1.25, Supporters: 2, Captures: []string{"pos-1", "pos-2"}},
	}
	if diff := cmp.Diff(want, clusters); diff != "" {
		t.Errorf("clusters mismatch (-want +got):\n%s", diff)
	}

	outliers, err := store.ListOutliers(run.RunID)
	require.NoError(t, err)
	require.Len(t, outliers, 1)
	assert.Equal(t, "cone_9", outliers[0].ObjectID)
	assert.Equal(t, "pos-2", outliers[0].CaptureID)
	assert.Equal(t, survey.Pt(500, 20), outliers[0].Position)
}

func TestResultStore_SameResultTwice(t *testing.T) {
	store := openTestStore(t)
	session, res := sampleRun()

	first, err := store.SaveResult(session, res, "", nil)
	require.NoError(t, err)
	second, err := store.SaveResult(session, res, "", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)

	runs, err := store.ListRuns(0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	limited, err := store.ListRuns(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	got, err := store.GetRun(first.RunID)
	require.NoError(t, err)
	assert.Empty(t, got.Recording)
	assert.Nil(t, got.ParamsJSON)
}

func TestResultStore_EmptyResult(t *testing.T) {
	store := openTestStore(t)
	session, _ := sampleRun()
	res := l6consensus.Result{SessionID: session.ID}

	run, err := store.SaveResult(session, res, "", nil)
	require.NoError(t, err)

	clusters, err := store.ListClusters(run.RunID)
	require.NoError(t, err)
	assert.Empty(t, clusters)
	outliers, err := store.ListOutliers(run.RunID)
	require.NoError(t, err)
	assert.Empty(t, outliers)
}

func TestResultStore_NotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetRun("missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, store.DeleteRun("missing"), ErrRunNotFound)
}

func TestResultStore_DeleteRun(t *testing.T) {
	store := openTestStore(t)
	session, res := sampleRun()

	run, err := store.SaveResult(session, res, "", nil)
	require.NoError(t, err)
	require.NoError(t, store.DeleteRun(run.RunID))

	_, err = store.GetRun(run.RunID)
	assert.ErrorIs(t, err, ErrRunNotFound)
	clusters, err := store.ListClusters(run.RunID)
	require.NoError(t, err)
	assert.Empty(t, clusters)
	outliers, err := store.ListOutliers(run.RunID)
	require.NoError(t, err)
	assert.Empty(t, outliers)
}
