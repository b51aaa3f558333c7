package ops

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pierviz/pierviz/internal/archive"
	"github.com/pierviz/pierviz/internal/config"
	"github.com/pierviz/pierviz/internal/db"
	"github.com/pierviz/pierviz/internal/errors"
	"github.com/pierviz/pierviz/internal/logger"
	"github.com/pierviz/pierviz/internal/stream"
)

// Estimate statuses.
const (
	EstimateRecorded = "recorded"
	EstimateFailed   = "failed"
	EstimateSkipped  = "skipped"
)

// DefaultBackfillWorkers is the number of concurrent estimate requests.
const DefaultBackfillWorkers = 10

// EstimateResult reports the estimate step of a run.
type EstimateResult struct {
	Status       string   `json:"status"`
	VisibilityFt *float64 `json:"visibility_ft,omitempty"`
	Conditions   string   `json:"conditions,omitempty"`
	Code         string   `json:"code,omitempty"`
	Detail       string   `json:"detail,omitempty"`
}

func estimateFrame(ctx context.Context, input RunInput, out *RunOutput, log *slog.Logger) *EstimateResult {
	if input.DB == nil {
		log.Info("estimate skipped", "reason", "no run ledger")
		return &EstimateResult{Status: EstimateSkipped, Detail: "no run ledger"}
	}

	o, err := estimateSlot(ctx, input.DB, input.Estimator, out.Capture.Path, out.Date, out.Hour)
	if err != nil {
		perr := errors.As(err)
		log.Warn("estimate failed", "code", perr.Code, "error", perr.Message)
		return &EstimateResult{Status: EstimateFailed, Code: string(perr.Code), Detail: perr.Message}
	}
	log.Info("estimate recorded", "visibility_ft", feet(o.VisibilityFt), "conditions", o.Conditions)
	return &EstimateResult{Status: EstimateRecorded, VisibilityFt: o.VisibilityFt, Conditions: o.Conditions}
}

// estimateSlot reads the frame at path and stores the reading as the
// observation for (date, hour).
func estimateSlot(ctx context.Context, database *sql.DB, est stream.Estimator, path, date string, hour int) (*db.Observation, error) {
	e, err := est.Estimate(ctx, path)
	if err != nil {
		if !errors.Is(err, errors.ErrEstimateFailed) {
			err = errors.NewEstimateFailed(path, err)
		}
		return nil, err
	}
	if e.VisibilityFt != nil {
		if err := checkVisibility(*e.VisibilityFt); err != nil {
			return nil, errors.NewEstimateFailed(path, err)
		}
	}
	o := &db.Observation{
		FrameDate:    date,
		FrameHour:    hour,
		VisibilityFt: e.VisibilityFt,
		Conditions:   e.Conditions,
		RecordedAt:   time.Now().Unix(),
	}
	if err := db.UpsertObservation(database, o); err != nil {
		return nil, err
	}
	return o, nil
}

// BackfillInput contains parameters for the Backfill operation.
type BackfillInput struct {
	Month     string // required, YYYY-MM
	Estimator stream.Estimator
	// Workers bounds concurrent estimate requests; <= 0 uses DefaultBackfillWorkers.
	Workers int
	Logger  *slog.Logger
}

// BackfillError reports a frame whose estimate failed.
type BackfillError struct {
	Date    string `json:"date"`
	Hour    int    `json:"hour"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BackfillOutput contains the result of the Backfill operation.
type BackfillOutput struct {
	Month     string          `json:"month"`
	Found     int             `json:"found"`
	Skipped   int             `json:"skipped"`
	Estimated int             `json:"estimated"`
	Failed    int             `json:"failed"`
	Errors    []BackfillError `json:"errors"`
}

// Backfill estimates visibility for every frame of a month that has no
// observation yet. Slots that already have one are skipped, so an
// interrupted backfill resumes where it stopped. Individual failures are
// reported and do not stop the others.
func Backfill(ctx context.Context, database *sql.DB, cfg *config.Config, input BackfillInput) (*BackfillOutput, error) {
	year, month, err := parseMonth(input.Month)
	if err != nil {
		return nil, err
	}
	if database == nil {
		return nil, errors.NewInvalidRequest("backfill needs the run ledger")
	}
	if input.Estimator == nil {
		return nil, errors.NewInvalidRequest("no visibility estimator configured")
	}
	log := logger.OrDiscard(input.Logger).With("month", input.Month)

	monthDir := filepath.Join(cfg.ArchiveRoot, fmt.Sprintf("%04d", year), fmt.Sprintf("%02d", int(month)))
	days, err := readDirs(monthDir, archive.IsPartName)
	if err != nil {
		return nil, err
	}
	if len(days) == 0 {
		return nil, errors.NewNotFound(fmt.Sprintf("frames for %s", input.Month))
	}

	out := &BackfillOutput{Month: input.Month, Errors: []BackfillError{}}
	var todo []archive.Frame
	for _, name := range days {
		day, err := archive.ParseDay(fmt.Sprintf("%04d-%02d-%s", year, int(month), name))
		if err != nil {
			continue
		}
		frames, err := archive.DayFrames(cfg.ArchiveRoot, day, cfg.Extension)
		if err != nil {
			return nil, errors.NewFilesystem("read", day.Dir(cfg.ArchiveRoot), err)
		}
		seen := map[int]bool{}
		for _, f := range frames {
			// 7.png and 07.png are the same slot; the first one wins
			if seen[f.Hour] {
				continue
			}
			seen[f.Hour] = true
			out.Found++

			exists, err := db.ObservationExists(database, f.Day.String(), f.Hour)
			if err != nil {
				return nil, err
			}
			if exists {
				out.Skipped++
				continue
			}
			todo = append(todo, f)
		}
	}
	log.Info("backfill started", "found", out.Found, "skipped", out.Skipped, "pending", len(todo))

	workers := input.Workers
	if workers <= 0 {
		workers = DefaultBackfillWorkers
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, f := range todo {
		if err := checkCancelled(gctx, "backfill"); err != nil {
			break
		}
		g.Go(func() error {
			date := f.Day.String()
			o, err := estimateSlot(gctx, database, input.Estimator, f.Path, date, f.Hour)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				perr := errors.As(err)
				if perr.Code != errors.ErrEstimateFailed {
					// the ledger itself failed; stop the rest
					return err
				}
				out.Failed++
				out.Errors = append(out.Errors, BackfillError{Date: date, Hour: f.Hour, Code: string(perr.Code), Message: perr.Message})
				log.Warn("estimate failed", "date", date, "hour", f.Hour, "error", perr.Message)
				return nil
			}
			out.Estimated++
			log.Info("estimate recorded", "date", date, "hour", f.Hour, "visibility_ft", feet(o.VisibilityFt))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := checkCancelled(ctx, "backfill"); err != nil {
		return nil, err
	}
	sort.Slice(out.Errors, func(i, j int) bool {
		if out.Errors[i].Date != out.Errors[j].Date {
			return out.Errors[i].Date < out.Errors[j].Date
		}
		return out.Errors[i].Hour < out.Errors[j].Hour
	})

	log.Info("backfill finished", "estimated", out.Estimated, "failed", out.Failed)
	return out, nil
}

// feet renders an optional visibility for log lines.
func feet(v *float64) any {
	if v == nil {
		return "unknown"
	}
	return *v
}

// parseMonth parses YYYY-MM.
func parseMonth(s string) (int, time.Month, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil || len(s) != 7 {
		return 0, 0, errors.NewInvalidRequest(fmt.Sprintf("month must be YYYY-MM, got %q", s))
	}
	return t.Year(), t.Month(), nil
}
