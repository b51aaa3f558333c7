package ops

import (
	"database/sql"
	"encoding/csv"
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pierviz/pierviz/internal/archive"
	"github.com/pierviz/pierviz/internal/db"
	"github.com/pierviz/pierviz/internal/errors"
)

// ObservationTimestampLayout is the timestamp format of observation CSV rows.
const ObservationTimestampLayout = "2006-01-02 15:04"

// RecordObservationInput contains parameters for the RecordObservation operation.
type RecordObservationInput struct {
	Date         string   // required, YYYY-MM-DD
	Hour         int      // required, 0-23
	VisibilityFt *float64 // optional; nil means unknown
	Conditions   string
}

// RecordObservation stores the observation for one frame slot, replacing
// any earlier one.
func RecordObservation(database *sql.DB, input RecordObservationInput, now time.Time) (*db.Observation, error) {
	day, err := archive.ParseDay(strings.TrimSpace(input.Date))
	if err != nil {
		return nil, errors.NewInvalidRequest(err.Error())
	}
	if input.Hour < 0 || input.Hour > 23 {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("hour must be in [0,23], got %d", input.Hour))
	}
	if input.VisibilityFt != nil {
		if err := checkVisibility(*input.VisibilityFt); err != nil {
			return nil, err
		}
	}

	o := &db.Observation{
		FrameDate:    day.String(),
		FrameHour:    input.Hour,
		VisibilityFt: input.VisibilityFt,
		Conditions:   strings.TrimSpace(input.Conditions),
		RecordedAt:   now.Unix(),
	}
	if err := db.UpsertObservation(database, o); err != nil {
		return nil, err
	}
	return o, nil
}

// checkVisibility rejects NaN, infinite and negative distances.
func checkVisibility(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return errors.NewInvalidRequest("visibility_ft must be a non-negative number")
	}
	return nil
}

// LookupObservations adapts the observations table to an ObservationLookup.
func LookupObservations(database *sql.DB) ObservationLookup {
	return func(date string, hour int) (*db.Observation, error) {
		o, err := db.GetObservation(database, date, hour)
		if errors.Is(err, errors.ErrNotFound) {
			return nil, nil
		}
		return o, err
	}
}

// ImportObservationsInput contains parameters for the ImportObservations operation.
type ImportObservationsInput struct {
	Path string // required, .csv
}

// ImportObservationsOutput contains the result of the ImportObservations operation.
type ImportObservationsOutput struct {
	Imported int           `json:"imported"`
	Skipped  int           `json:"skipped"`
	Errors   []ImportError `json:"errors"`
}

// ImportError represents a row that could not be imported.
type ImportError struct {
	Line    int    `json:"line"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ImportObservations loads a timestamp,visibility_ft,conditions CSV file.
// Timestamps are "YYYY-MM-DD HH:MM"; minutes are dropped. A blank or "nan"
// visibility is stored as unknown. Bad rows are reported and skipped; later
// rows for the same slot replace earlier ones.
func ImportObservations(database *sql.DB, input ImportObservationsInput, now time.Time) (*ImportObservationsOutput, error) {
	if err := ValidateImportPath(input.Path); err != nil {
		return nil, err
	}

	file, err := openFileNoFollowRead(input.Path)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) || errors.Is(err, errors.ErrInvalidRequest) {
			return nil, err
		}
		return nil, errors.NewFilesystem("open", input.Path, err)
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		if stderrors.Is(err, io.EOF) {
			return nil, errors.NewInvalidRequest("observations file is empty")
		}
		return nil, errors.NewInvalidRequest(fmt.Sprintf("invalid CSV header: %v", err))
	}
	cols, err := observationColumns(header)
	if err != nil {
		return nil, err
	}

	out := &ImportObservationsOutput{Errors: []ImportError{}}
	for {
		record, err := r.Read()
		if stderrors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			line := 0
			var pe *csv.ParseError
			if stderrors.As(err, &pe) {
				line = pe.Line
			}
			out.Skipped++
			out.Errors = append(out.Errors, ImportError{Line: line, Code: string(errors.ErrInvalidRequest), Message: err.Error()})
			continue
		}
		line, _ := r.FieldPos(0)

		o, err := parseObservationRow(record, cols, now)
		if err != nil {
			perr := errors.As(err)
			out.Skipped++
			out.Errors = append(out.Errors, ImportError{Line: line, Code: string(perr.Code), Message: perr.Message})
			continue
		}
		if err := db.UpsertObservation(database, o); err != nil {
			return nil, err
		}
		out.Imported++
	}

	return out, nil
}

type csvColumns struct {
	timestamp, visibility, conditions int
}

func observationColumns(header []string) (csvColumns, error) {
	cols := csvColumns{timestamp: -1, visibility: -1, conditions: -1}
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))) {
		case "timestamp":
			cols.timestamp = i
		case "visibility_ft":
			cols.visibility = i
		case "conditions":
			cols.conditions = i
		}
	}
	if cols.timestamp < 0 || cols.visibility < 0 {
		return cols, errors.NewInvalidRequest("CSV header must name timestamp and visibility_ft columns")
	}
	return cols, nil
}

func parseObservationRow(record []string, cols csvColumns, now time.Time) (*db.Observation, error) {
	field := func(i int) string {
		if i < 0 || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	ts, err := time.Parse(ObservationTimestampLayout, field(cols.timestamp))
	if err != nil {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("invalid timestamp %q", field(cols.timestamp)))
	}

	o := &db.Observation{
		FrameDate:  archive.DayOf(ts).String(),
		FrameHour:  ts.Hour(),
		Conditions: field(cols.conditions),
		RecordedAt: now.Unix(),
	}

	if vis := field(cols.visibility); vis != "" {
		v, err := strconv.ParseFloat(vis, 64)
		if err != nil {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("invalid visibility_ft %q", vis))
		}
		if !math.IsNaN(v) {
			if err := checkVisibility(v); err != nil {
				return nil, err
			}
			o.VisibilityFt = &v
		}
	}
	return o, nil
}
