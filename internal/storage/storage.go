package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"videoscan/internal/align"
)

// Store wraps SQLite-backed persistence for runs and their iteration
// history.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            quality TEXT,
            stop_reason TEXT,
            result_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS run_iterations (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            iteration INTEGER NOT NULL,
            image_count INTEGER,
            component_count INTEGER,
            quality_score REAL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_run_iterations_run_id ON run_iterations(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures persisted run info.
type RunRecord struct {
	ID          string
	Status      string
	InputPath   string
	OutputPath  string
	Quality     string
	StopReason  string
	ResultJSON  string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RecordRunQueued inserts a pending run.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, status, input_path, output_path, quality) VALUES (?, ?, ?, ?, ?);`,
		rec.ID, rec.Status, rec.InputPath, rec.OutputPath, rec.Quality)
	return err
}

// RecordRunStart marks a run as running.
func (s *Store) RecordRunStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE runs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordRunResult finalizes a run with its outcome.
func (s *Store) RecordRunResult(id, status string, reason align.StopReason, res align.Result, errMsg string) error {
	if s == nil {
		return nil
	}
	summary := map[string]any{
		"total_images":            res.TotalImages,
		"aligned_images":          res.AlignedImageCount(),
		"component_count":         len(res.Components),
		"alignment_ratio":         res.AlignmentRatio,
		"mean_reprojection_error": res.MeanReprojectionError,
	}
	resultJSON, _ := json.Marshal(summary)
	_, err := s.DB.Exec(`UPDATE runs SET status=?, stop_reason=?, result_json=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`,
		status, string(reason), string(resultJSON), errMsg, id)
	return err
}

// RecordIteration appends one history entry for a run.
func (s *Store) RecordIteration(runID string, rec align.IterationRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO run_iterations (run_id, iteration, image_count, component_count, quality_score) VALUES (?, ?, ?, ?, ?);`,
		runID, rec.Iteration, rec.ImageCount, rec.ComponentCount, rec.QualityScore)
	return err
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, status, input_path, output_path, quality, stop_reason, result_json, created_at, started_at, completed_at, error_message FROM runs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var created time.Time
		var started, completed sql.NullTime
		var stopReason, resultJSON, errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.Quality, &stopReason, &resultJSON, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if stopReason.Valid {
			rec.StopReason = stopReason.String
		}
		if resultJSON.Valid {
			rec.ResultJSON = resultJSON.String
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// RunIterations fetches the recorded history for a run, oldest first.
func (s *Store) RunIterations(runID string) ([]align.IterationRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT iteration, image_count, component_count, quality_score FROM run_iterations WHERE run_id=? ORDER BY iteration ASC;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []align.IterationRecord
	for rows.Next() {
		var rec align.IterationRecord
		if err := rows.Scan(&rec.Iteration, &rec.ImageCount, &rec.ComponentCount, &rec.QualityScore); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// RunSummary fetches the stored result blob for a run.
func (s *Store) RunSummary(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var resultJSON string
	err := s.DB.QueryRow(`SELECT result_json FROM runs WHERE id=?;`, id).Scan(&resultJSON)
	if err != nil {
		return nil, err
	}
	var summary map[string]any
	if err := json.Unmarshal([]byte(resultJSON), &summary); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return summary, nil
}
