// Package history journals calibration runs to a sqlite database
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/teslashibe/go-rangefuse/internal/calibration"
)

// schema.sql creates the calibration_runs table and its index.
//
//go:embed schema.sql
var schemaSQL string

// DefaultListLimit bounds List when no limit is given
const DefaultListLimit = 50

// Run is one journaled calibration
type Run struct {
	ID         string             `json:"id"`
	Kind       string             `json:"kind"`
	Params     calibration.Params `json:"params"`
	PointCount int                `json:"point_count"`
	RecordedAt time.Time          `json:"recorded_at"`
}

// Journal stores calibration runs
type Journal struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens (or creates) the journal at path. ":memory:" keeps it in memory.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writes
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}

	logger.Info("calibration history opened", "path", path)

	return &Journal{db: db, path: path, logger: logger}, nil
}

// Record stores one calibration run
func (j *Journal) Record(ctx context.Context, rec calibration.Record) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}

	query := `
		INSERT INTO calibration_runs (id, kind, angle_cam_lidar, distance_cam_lidar, camera_fov, point_count, recorded_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := j.db.ExecContext(ctx, query,
		uuid.NewString(),
		rec.Kind,
		rec.Params.AngleCamLidar,
		rec.Params.DistanceCamLidar,
		rec.Params.CameraFOV,
		rec.PointCount,
		at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert calibration run: %w", err)
	}

	j.logger.Debug("calibration run recorded",
		"kind", rec.Kind,
		"offset_deg", rec.Params.AngleCamLidar,
	)
	return nil
}

// List returns the most recent runs, newest first
func (j *Journal) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT id, kind, angle_cam_lidar, distance_cam_lidar, camera_fov, point_count, recorded_at_ns
		FROM calibration_runs
		ORDER BY recorded_at_ns DESC, rowid DESC
		LIMIT ?
	`

	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query calibration runs: %w", err)
	}
	defer rows.Close()

	runs := make([]Run, 0, limit)
	for rows.Next() {
		var (
			r  Run
			ns int64
		)
		if err := rows.Scan(
			&r.ID,
			&r.Kind,
			&r.Params.AngleCamLidar,
			&r.Params.DistanceCamLidar,
			&r.Params.CameraFOV,
			&r.PointCount,
			&ns,
		); err != nil {
			return nil, fmt.Errorf("failed to scan calibration run: %w", err)
		}
		r.RecordedAt = time.Unix(0, ns)
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

// Count returns the number of journaled runs
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM calibration_runs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count calibration runs: %w", err)
	}
	return n, nil
}

// Path returns the database location
func (j *Journal) Path() string {
	return j.path
}

// Close closes the database
func (j *Journal) Close() error {
	return j.db.Close()
}
