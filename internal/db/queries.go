package db

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/pierviz/pierviz/internal/errors"
)

// Capture statuses stored in runs.capture_status.
const (
	CaptureSaved   = "saved"
	CaptureSkipped = "skipped"
	CaptureFailed  = "failed"
)

// Run is one row of the run ledger.
type Run struct {
	ID            string `json:"id"`
	StartedAt     int64  `json:"started_at"`
	FinishedAt    int64  `json:"finished_at"`
	FrameDate     string `json:"frame_date"`
	FrameHour     int    `json:"frame_hour"`
	CaptureStatus string `json:"capture_status"`
	CapturePath   string `json:"capture_path,omitempty"`
	CaptureDetail string `json:"capture_detail,omitempty"`
	Swept         int    `json:"swept"`
	Highlights    int    `json:"highlights"`
	Months        int    `json:"months"`
	Error         string `json:"error,omitempty"`
}

// Observation is a visibility estimate for one archived frame.
type Observation struct {
	FrameDate    string   `json:"frame_date"`
	FrameHour    int      `json:"frame_hour"`
	VisibilityFt *float64 `json:"visibility_ft,omitempty"`
	Conditions   string   `json:"conditions,omitempty"`
	RecordedAt   int64    `json:"recorded_at"`
}

const runColumns = `id, started_at, finished_at, frame_date, frame_hour,
			capture_status, capture_path, capture_detail,
			swept, highlights, months, error`

// InsertRun stores a finished run.
func InsertRun(db *sql.DB, r *Run) error {
	query := `
		INSERT INTO runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.Exec(query,
		r.ID, r.StartedAt, r.FinishedAt, r.FrameDate, r.FrameHour,
		r.CaptureStatus, toNullString(r.CapturePath), toNullString(r.CaptureDetail),
		r.Swept, r.Highlights, r.Months, toNullString(r.Error),
	)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// ListRuns returns runs newest first, plus the total count.
func ListRuns(db *sql.DB, limit, offset int) ([]Run, int, error) {
	var total int
	if err := db.QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&total); err != nil {
		return nil, 0, errors.NewInternal(err)
	}

	rows, err := db.Query(`
		SELECT ` + runColumns + `
		FROM runs
		ORDER BY started_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, errors.NewInternal(err)
	}
	defer rows.Close()

	runs := make([]Run, 0)
	for rows.Next() {
		r, err := ScanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.NewInternal(err)
	}

	return runs, total, nil
}

// StreamRuns returns every run, oldest first. The caller must close the rows.
func StreamRuns(ctx context.Context, db *sql.DB) (*sql.Rows, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT ` + runColumns + `
		FROM runs
		ORDER BY started_at ASC, id ASC
	`)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return rows, nil
}

// ScanRun scans one row selected with runColumns.
func ScanRun(rows *sql.Rows) (*Run, error) {
	var r Run
	var path, detail, runErr sql.NullString
	if err := rows.Scan(
		&r.ID, &r.StartedAt, &r.FinishedAt, &r.FrameDate, &r.FrameHour,
		&r.CaptureStatus, &path, &detail,
		&r.Swept, &r.Highlights, &r.Months, &runErr,
	); err != nil {
		return nil, errors.NewInternal(err)
	}
	r.CapturePath = path.String
	r.CaptureDetail = detail.String
	r.Error = runErr.String
	return &r, nil
}

// UpsertObservation inserts or replaces the observation for (date, hour).
func UpsertObservation(db *sql.DB, o *Observation) error {
	query := `
		INSERT INTO observations (frame_date, frame_hour, visibility_ft, conditions, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(frame_date, frame_hour) DO UPDATE SET
			visibility_ft = excluded.visibility_ft,
			conditions = excluded.conditions,
			recorded_at = excluded.recorded_at
	`
	_, err := db.Exec(query, o.FrameDate, o.FrameHour, toNullFloat(o.VisibilityFt), o.Conditions, o.RecordedAt)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// GetObservation returns the observation for (date, hour), or NOT_FOUND.
func GetObservation(db *sql.DB, date string, hour int) (*Observation, error) {
	row := db.QueryRow(`
		SELECT frame_date, frame_hour, visibility_ft, conditions, recorded_at
		FROM observations
		WHERE frame_date = ? AND frame_hour = ?
	`, date, hour)

	var o Observation
	var vis sql.NullFloat64
	if err := row.Scan(&o.FrameDate, &o.FrameHour, &vis, &o.Conditions, &o.RecordedAt); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFound(date)
		}
		return nil, errors.NewInternal(err)
	}
	o.VisibilityFt = fromNullFloat(vis)
	return &o, nil
}

// ObservationExists reports whether an observation is stored for (date, hour).
func ObservationExists(db *sql.DB, date string, hour int) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM observations WHERE frame_date = ? AND frame_hour = ?`, date, hour).Scan(&n)
	if err != nil {
		return false, errors.NewInternal(err)
	}
	return n > 0, nil
}

// toNullString converts an empty string to NULL.
func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func toNullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func fromNullFloat(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}
