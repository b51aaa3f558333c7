package ops

import (
	"context"
	"crypto/rand"
	"database/sql"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pierviz/pierviz/internal/archive"
	"github.com/pierviz/pierviz/internal/config"
	"github.com/pierviz/pierviz/internal/db"
	"github.com/pierviz/pierviz/internal/errors"
	"github.com/pierviz/pierviz/internal/logger"
	"github.com/pierviz/pierviz/internal/stream"
)

// Capture skip reasons.
const (
	SkipDisabled      = "capture disabled"
	SkipOutsideWindow = "outside window"
)

// RunInput contains parameters for the Run operation.
type RunInput struct {
	// Now is the run's clock; its location decides the frame date and hour.
	Now time.Time

	Resolver stream.Resolver
	Capturer stream.Capturer

	// Estimator reads visibility off a newly saved frame. Optional; the
	// estimate is stored as that slot's observation, so it needs DB too.
	Estimator stream.Estimator

	// SkipCapture runs only the bookkeeping steps.
	SkipCapture bool

	// DB is the run ledger. Optional; when nil the run is not recorded and
	// highlights carry no observations.
	DB *sql.DB

	Logger *slog.Logger
}

// CaptureResult reports the capture step.
type CaptureResult struct {
	Status string `json:"status"`
	Path   string `json:"path,omitempty"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// SweepSummary reports the retention step.
type SweepSummary struct {
	Deleted int `json:"deleted"`
	Kept    int `json:"kept"`
}

// CountSummary reports a manifest rebuild.
type CountSummary struct {
	Count int `json:"count"`
}

// RunOutput contains the result of the Run operation.
type RunOutput struct {
	RunID      string        `json:"run_id"`
	Date       string        `json:"date"`
	Hour       int           `json:"hour"`
	Capture    CaptureResult   `json:"capture"`
	Estimate   *EstimateResult `json:"estimate,omitempty"`
	Sweep      SweepSummary    `json:"sweep"`
	Highlights CountSummary    `json:"highlights"`
	Months     CountSummary    `json:"months"`
	Error      string          `json:"error,omitempty"`
}

// Run performs one hourly invocation: capture the current frame, enforce the
// retention window, then rebuild the highlights and months manifests.
// A saved frame is sent to the estimator, when one is set, before the
// highlights are rebuilt so the new reading is attached.
//
// The archive lock is held for the whole run; if another run holds it, Run
// returns a LOCKED error before doing anything. Resolution, capture and
// estimate failures are reported in the output and do not stop the run. A failing
// bookkeeping step stops the remaining steps and is returned as the error,
// alongside the partial output.
func Run(ctx context.Context, cfg *config.Config, input RunInput) (*RunOutput, error) {
	log := logger.OrDiscard(input.Logger)

	lock, err := archive.Acquire(cfg.ArchiveRoot)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn("release lock", "path", lock.Path(), "error", err)
		}
	}()

	now := input.Now
	if now.IsZero() {
		now = time.Now()
	}
	startedAt := time.Now()
	day := archive.DayOf(now)

	out := &RunOutput{
		RunID: newRunID(startedAt),
		Date:  day.String(),
		Hour:  now.Hour(),
	}
	log = log.With("run_id", out.RunID)
	log.Info("run started", "date", out.Date, "hour", out.Hour, "window_start", cfg.StartHour, "window_end", cfg.EndHour)
	if cfg.EmptyWindow() {
		log.Warn("retention window is empty, every frame will be swept", "start_hour", cfg.StartHour, "end_hour", cfg.EndHour)
	}

	out.Capture = captureFrame(ctx, cfg, input, day, out.Hour, log)
	if out.Capture.Status == db.CaptureSaved && input.Estimator != nil {
		out.Estimate = estimateFrame(ctx, input, out, log)
	}

	fatal := runBookkeeping(ctx, cfg, input, now, out, log)
	if fatal != nil {
		out.Error = fatal.Error()
		log.Error("run aborted", "error", fatal)
	} else {
		log.Info("run finished", "capture", out.Capture.Status, "deleted", out.Sweep.Deleted,
			"highlights", out.Highlights.Count, "months", out.Months.Count)
	}

	if input.DB != nil {
		if err := recordRun(input.DB, out, startedAt); err != nil {
			log.Warn("record run", "error", err)
		}
	}

	return out, fatal
}

func captureFrame(ctx context.Context, cfg *config.Config, input RunInput, day archive.Day, hour int, log *slog.Logger) CaptureResult {
	if input.SkipCapture || input.Capturer == nil {
		log.Info("capture skipped", "reason", SkipDisabled)
		return CaptureResult{Status: db.CaptureSkipped, Detail: SkipDisabled}
	}
	if !inWindow(hour, cfg.StartHour, cfg.EndHour) {
		log.Info("capture skipped", "reason", SkipOutsideWindow, "hour", hour)
		return CaptureResult{Status: db.CaptureSkipped, Detail: SkipOutsideWindow}
	}

	dest := archive.FramePath(cfg.ArchiveRoot, day, hour, cfg.Extension)
	failed := func(err error) CaptureResult {
		perr := errors.As(err)
		log.Warn("capture failed", "code", perr.Code, "error", perr.Message)
		return CaptureResult{Status: db.CaptureFailed, Path: dest, Code: string(perr.Code), Detail: perr.Message}
	}

	if input.Resolver == nil {
		return failed(errors.NewResolutionFailed("configuration", errors.NewInvalidRequest("no stream resolver")))
	}
	streamURL, err := input.Resolver.Resolve(ctx)
	if err != nil {
		return failed(err)
	}
	log.Debug("stream resolved", "url", streamURL)

	if err := input.Capturer.Capture(ctx, streamURL, dest); err != nil {
		return failed(err)
	}
	log.Info("frame saved", "path", dest)
	return CaptureResult{Status: db.CaptureSaved, Path: dest}
}

func runBookkeeping(ctx context.Context, cfg *config.Config, input RunInput, now time.Time, out *RunOutput, log *slog.Logger) error {
	swept, err := Sweep(ctx, cfg)
	if err != nil {
		return err
	}
	out.Sweep = SweepSummary{Deleted: len(swept.Deleted), Kept: swept.Kept}
	for _, p := range swept.Deleted {
		log.Debug("swept", "path", p)
	}
	log.Info("retention sweep", "deleted", out.Sweep.Deleted, "kept", out.Sweep.Kept)

	hin := HighlightsInput{Now: now}
	if input.DB != nil {
		hin.Observations = LookupObservations(input.DB)
	}
	hl, err := BuildHighlights(ctx, cfg, hin)
	if err != nil {
		return err
	}
	out.Highlights = CountSummary{Count: len(hl.Entries)}
	log.Info("highlights rebuilt", "entries", out.Highlights.Count, "manifest", hl.Manifest)

	months, err := BuildMonths(cfg)
	if err != nil {
		return err
	}
	out.Months = CountSummary{Count: len(months.Months)}
	log.Info("months rebuilt", "entries", out.Months.Count, "manifest", months.Manifest)

	return nil
}

func recordRun(database *sql.DB, out *RunOutput, startedAt time.Time) error {
	return db.InsertRun(database, &db.Run{
		ID:            out.RunID,
		StartedAt:     startedAt.Unix(),
		FinishedAt:    time.Now().Unix(),
		FrameDate:     out.Date,
		FrameHour:     out.Hour,
		CaptureStatus: out.Capture.Status,
		CapturePath:   out.Capture.Path,
		CaptureDetail: out.Capture.Detail,
		Swept:         out.Sweep.Deleted,
		Highlights:    out.Highlights.Count,
		Months:        out.Months.Count,
		Error:         out.Error,
	})
}

// newRunID generates a new ULID for a run.
func newRunID(t time.Time) string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
