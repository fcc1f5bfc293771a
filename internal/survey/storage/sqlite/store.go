package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/surface.report/internal/survey"
	"github.com/banshee-data/surface.report/internal/survey/l5capture"
	"github.com/banshee-data/surface.report/internal/survey/l6consensus"
)

// ErrRunNotFound is returned when a run ID does not exist.
var ErrRunNotFound = errors.New("survey run not found")

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// RunRecord is one persisted consensus run.
type RunRecord struct {
	RunID            string                     `json:"run_id"`
	SessionID        string                     `json:"session_id"`
	Recording        string                     `json:"recording,omitempty"`
	SessionStartedAt int64                      `json:"session_started_at"` // unix nanos
	Captures         int                        `json:"captures"`
	Confidence       float64                    `json:"confidence"`
	Metrics          l6consensus.QualityMetrics `json:"metrics"`
	ParamsJSON       json.RawMessage            `json:"params,omitempty"`
	CreatedAt        int64                      `json:"created_at"` // unix nanos
}

// ClusterRecord is one persisted cluster.
type ClusterRecord struct {
	ClusterID  string       `json:"cluster_id"`
	RunID      string       `json:"run_id"`
	Ordinal    int          `json:"ordinal"`
	Position   survey.Point `json:"position"`
	Confidence float64      `json:"confidence"`
	Variance   float64      `json:"variance"`
	Supporters int          `json:"supporters"`
	Captures   []string     `json:"captures"`
}

// OutlierRecord is one persisted unclustered observation.
type OutlierRecord struct {
	RunID      string       `json:"run_id"`
	CaptureID  string       `json:"capture_id"`
	ObjectID   string       `json:"object_id"`
	Position   survey.Point `json:"position"`
	Confidence float64      `json:"confidence"`
}

// ResultStore persists consensus results.
type ResultStore struct {
	db *sql.DB
}

// NewResultStore wraps an already migrated database.
func NewResultStore(db *sql.DB) *ResultStore {
	return &ResultStore{db: db}
}

// Open opens (or creates) the database at path, applies connection PRAGMAs
// and migrates the schema.
func Open(path string) (*ResultStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}
	if err := MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	survey.Diagf("opened survey store %s", path)
	return NewResultStore(db), nil
}

// DB returns the underlying handle.
func (s *ResultStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *ResultStore) Close() error {
	return s.db.Close()
}

// SaveResult stores a consensus result with its session summary in a single
// transaction and returns the new run record.
func (s *ResultStore) SaveResult(session l5capture.ScanSession, res l6consensus.Result, recording string, params json.RawMessage) (*RunRecord, error) {
	run := &RunRecord{
		RunID:            uuid.New().String(),
		SessionID:        res.SessionID,
		Recording:        recording,
		SessionStartedAt: session.StartedAt.UnixNano(),
		Captures:         session.Completed,
		Confidence:       res.Confidence,
		Metrics:          res.Metrics,
		ParamsJSON:       params,
		CreatedAt:        time.Now().UnixNano(),
	}
	if run.SessionID == "" {
		run.SessionID = session.ID
	}

	err := retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := insertRun(tx, run); err != nil {
			return err
		}
		for i, c := range res.Clusters {
			if err := insertCluster(tx, run.RunID, i, c); err != nil {
				return err
			}
		}
		for _, o := range res.Outliers {
			if _, err := tx.Exec(`
				INSERT INTO survey_outliers (run_id, capture_id, object_id, x_mm, y_mm, confidence)
				VALUES (?, ?, ?, ?, ?, ?)`,
				run.RunID, o.CaptureID, o.Object.ID, o.Position.X, o.Position.Y, o.Confidence,
			); err != nil {
				return fmt.Errorf("insert outlier: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("save run: %w", err)
	}
	survey.Diagf("stored run %s: %d clusters, %d outliers", run.RunID, len(res.Clusters), len(res.Outliers))
	return run, nil
}

func insertRun(tx *sql.Tx, run *RunRecord) error {
	var params sql.NullString
	if len(run.ParamsJSON) > 0 {
		params = sql.NullString{String: string(run.ParamsJSON), Valid: true}
	}
	m := run.Metrics
	_, err := tx.Exec(`
		INSERT INTO survey_runs (
			run_id, session_id, recording, session_started_at, captures, confidence,
			total_observations, clustered_observations, outlier_count, cluster_count,
			skipped_no_surface, skipped_stale_transform, mean_image_quality, mean_cluster_confidence,
			spatial_accuracy, mean_variance, params_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.SessionID, run.Recording, run.SessionStartedAt, run.Captures, run.Confidence,
		m.TotalObservations, m.ClusteredObservations, m.OutlierCount, m.ClusterCount,
		m.SkippedNoSurface, m.SkippedStaleTransform, m.MeanImageQuality, m.MeanClusterConfidence,
		m.SpatialAccuracy, m.MeanVariance, params, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func insertCluster(tx *sql.Tx, runID string, ordinal int, c l6consensus.ClusteredObservation) error {
	captures := c.Captures
	if captures == nil {
		captures = []string{}
	}
	capturesJSON, err := json.Marshal(captures)
	if err != nil {
		return fmt.Errorf("marshal captures: %w", err)
	}
	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	if _, err := tx.Exec(`
		INSERT INTO survey_clusters (
			cluster_id, run_id, ordinal, x_mm, y_mm, confidence, variance_mm, supporters, captures_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, runID, ordinal, c.Position.X, c.Position.Y, c.Confidence, c.Variance,
		len(c.Supporters), string(capturesJSON),
	); err != nil {
		return fmt.Errorf("insert cluster: %w", err)
	}
	return nil
}

const runColumns = `run_id, session_id, recording, session_started_at, captures, confidence,
	total_observations, clustered_observations, outlier_count, cluster_count,
	skipped_no_surface, skipped_stale_transform, mean_image_quality, mean_cluster_confidence,
	spatial_accuracy, mean_variance, params_json, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var (
		run       RunRecord
		recording sql.NullString
		params    sql.NullString
	)
	m := &run.Metrics
	if err := row.Scan(
		&run.RunID, &run.SessionID, &recording, &run.SessionStartedAt, &run.Captures, &run.Confidence,
		&m.TotalObservations, &m.ClusteredObservations, &m.OutlierCount, &m.ClusterCount,
		&m.SkippedNoSurface, &m.SkippedStaleTransform, &m.MeanImageQuality, &m.MeanClusterConfidence,
		&m.SpatialAccuracy, &m.MeanVariance, &params, &run.CreatedAt,
	); err != nil {
		return nil, err
	}
	run.Recording = recording.String
	if params.Valid && params.String != "" {
		run.ParamsJSON = json.RawMessage(params.String)
	}
	return &run, nil
}

// GetRun returns one run by ID.
func (s *ResultStore) GetRun(runID string) (*RunRecord, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM survey_runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first. A limit of zero or less
// returns every run.
func (s *ResultStore) ListRuns(limit int) ([]*RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM survey_runs ORDER BY created_at DESC, run_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListClusters returns the clusters of a run in consensus order.
func (s *ResultStore) ListClusters(runID string) ([]*ClusterRecord, error) {
	rows, err := s.db.Query(`
		SELECT cluster_id, run_id, ordinal, x_mm, y_mm, confidence, variance_mm, supporters, captures_json
		FROM survey_clusters WHERE run_id = ? ORDER BY ordinal`, runID)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer rows.Close()

	var out []*ClusterRecord
	for rows.Next() {
		var (
			c            ClusterRecord
			capturesJSON string
		)
		if err := rows.Scan(&c.ClusterID, &c.RunID, &c.Ordinal, &c.Position.X, &c.Position.Y,
			&c.Confidence, &c.Variance, &c.Supporters, &capturesJSON); err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		if err := json.Unmarshal([]byte(capturesJSON), &c.Captures); err != nil {
			return nil, fmt.Errorf("decode captures for %s: %w", c.ClusterID, err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ListOutliers returns the outliers of a run in insertion order.
func (s *ResultStore) ListOutliers(runID string) ([]*OutlierRecord, error) {
	rows, err := s.db.Query(`
		SELECT run_id, capture_id, object_id, x_mm, y_mm, confidence
		FROM survey_outliers WHERE run_id = ? ORDER BY outlier_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list outliers: %w", err)
	}
	defer rows.Close()

	var out []*OutlierRecord
	for rows.Next() {
		var o OutlierRecord
		if err := rows.Scan(&o.RunID, &o.CaptureID, &o.ObjectID, &o.Position.X, &o.Position.Y, &o.Confidence); err != nil {
			return nil, fmt.Errorf("scan outlier: %w", err)
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

// DeleteRun removes a run with its clusters and outliers.
func (s *ResultStore) DeleteRun(runID string) error {
	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for _, table := range []string{"survey_clusters", "survey_outliers"} {
			if _, err := tx.Exec(`DELETE FROM `+table+` WHERE run_id = ?`, runID); err != nil {
				return fmt.Errorf("delete from %s: %w", table, err)
			}
		}
		res, err := tx.Exec(`DELETE FROM survey_runs WHERE run_id = ?`, runID)
		if err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return tx.Commit()
	})
}
