package ops

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pierviz/pierviz/internal/archive"
	"github.com/pierviz/pierviz/internal/db"
	"github.com/pierviz/pierviz/internal/errors"
	"github.com/pierviz/pierviz/internal/stream"
)

type fakeResolver struct {
	url string
	err error
}

func (r fakeResolver) Resolve(context.Context) (string, error) {
	return r.url, r.err
}

type fakeCapturer struct {
	calls []string
	err   error
}

func (c *fakeCapturer) Capture(_ context.Context, streamURL, destPath string) error {
	c.calls = append(c.calls, streamURL+" -> "+destPath)
	if c.err != nil {
		return c.err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(destPath, []byte("frame"), 0644)
}

func openLedger(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("db.Init failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestRun_CapturesAndRebuilds(t *testing.T) {
	cfg := testConfig(t)
	writeFrame(t, cfg.ArchiveRoot, "2025/08/05/05.png", "early")
	writeFrame(t, cfg.ArchiveRoot, "2025/08/04/12.png", "noon")

	database := openLedger(t)
	capt := &fakeCapturer{}
	var logs bytes.Buffer

	out, err := Run(context.Background(), cfg, RunInput{
		Now:      fixedNow(t, "2025-08-05T13:07:00Z"),
		Resolver: fakeResolver{url: "https://cdn.example.org/live.m3u8"},
		Capturer: capt,
		DB:       database,
		Logger:   slog.New(slog.NewTextHandler(&logs, nil)),
	})
	require.NoError(t, err)

	dest := filepath.Join(cfg.ArchiveRoot, "2025", "08", "05", "13.png")
	require.Equal(t, []string{"https://cdn.example.org/live.m3u8 -> " + dest}, capt.calls)
	require.Equal(t, CaptureResult{Status: db.CaptureSaved, Path: dest}, out.Capture)
	require.Equal(t, "2025-08-05", out.Date)
	require.Equal(t, 13, out.Hour)
	require.Equal(t, SweepSummary{Deleted: 1, Kept: 2}, out.Sweep)
	require.Equal(t, 2, out.Highlights.Count)
	require.Equal(t, 1, out.Months.Count)
	require.NotEmpty(t, out.RunID)
	require.Empty(t, out.Error)

	require.FileExists(t, filepath.Join(cfg.HighlightsDir, "2025-08-05_13.png"))
	require.FileExists(t, cfg.MonthsManifest)

	runs, total, err := db.ListRuns(database, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, out.RunID, runs[0].ID)
	require.Equal(t, db.CaptureSaved, runs[0].CaptureStatus)
	require.Equal(t, 1, runs[0].Swept)

	require.Contains(t, logs.String(), "frame saved")
	require.Contains(t, logs.String(), "months rebuilt")
}

func TestRun_OutsideWindowSkipsCapture(t *testing.T) {
	cfg := testConfig(t)
	capt := &fakeCapturer{}

	out, err := Run(context.Background(), cfg, RunInput{
		Now:      fixedNow(t, "2025-08-05T22:00:00Z"),
		Resolver: fakeResolver{url: "https://cdn.example.org/live.m3u8"},
		Capturer: capt,
	})
	require.NoError(t, err)
	require.Empty(t, capt.calls)
	require.Equal(t, db.CaptureSkipped, out.Capture.Status)
	require.Equal(t, SkipOutsideWindow, out.Capture.Detail)
}

func TestRun_SkipCapture(t *testing.T) {
	cfg := testConfig(t)
	capt := &fakeCapturer{}

	out, err := Run(context.Background(), cfg, RunInput{
		Now:         fixedNow(t, "2025-08-05T12:00:00Z"),
		Capturer:    capt,
		SkipCapture: true,
	})
	require.NoError(t, err)
	require.Empty(t, capt.calls)
	require.Equal(t, SkipDisabled, out.Capture.Detail)
	require.FileExists(t, cfg.HighlightsManifestPath())
}

func TestRun_ResolutionFailureIsNotFatal(t *testing.T) {
	cfg := testConfig(t)
	writeFrame(t, cfg.ArchiveRoot, "2025/08/05/11.png", "x")
	capt := &fakeCapturer{}

	out, err := Run(context.Background(), cfg, RunInput{
		Now:      fixedNow(t, "2025-08-05T12:00:00Z"),
		Resolver: fakeResolver{err: errors.NewResolutionFailed("https://example.org", fmt.Errorf("status 503"))},
		Capturer: capt,
	})
	require.NoError(t, err)
	require.Empty(t, capt.calls)
	require.Equal(t, db.CaptureFailed, out.Capture.Status)
	require.Equal(t, string(errors.ErrResolutionFailed), out.Capture.Code)
	require.Equal(t, 1, out.Highlights.Count)
	require.Equal(t, 1, out.Months.Count)
}

func TestRun_CaptureFailureIsNotFatal(t *testing.T) {
	cfg := testConfig(t)
	capt := &fakeCapturer{err: errors.NewCaptureFailed("x", fmt.Errorf("exit status 1"))}

	out, err := Run(context.Background(), cfg, RunInput{
		Now:      fixedNow(t, "2025-08-05T12:00:00Z"),
		Resolver: stream.StaticResolver("https://cdn.example.org/live.m3u8"),
		Capturer: capt,
	})
	require.NoError(t, err)
	require.Len(t, capt.calls, 1)
	require.Equal(t, db.CaptureFailed, out.Capture.Status)
	require.Equal(t, string(errors.ErrCaptureFailed), out.Capture.Code)
	require.Zero(t, out.Highlights.Count)
}

func TestRun_Locked(t *testing.T) {
	cfg := testConfig(t)

	held, err := archive.Acquire(cfg.ArchiveRoot)
	require.NoError(t, err)
	defer held.Release()

	capt := &fakeCapturer{}
	out, err := Run(context.Background(), cfg, RunInput{
		Now:      fixedNow(t, "2025-08-05T12:00:00Z"),
		Resolver: fakeResolver{url: "u"},
		Capturer: capt,
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.ErrLocked))
	require.Nil(t, out)
	require.Empty(t, capt.calls)
	require.NoFileExists(t, cfg.HighlightsManifestPath())
}

func TestRun_BookkeepingFailureIsFatal(t *testing.T) {
	cfg := testConfig(t)
	// a regular file where the highlights directory should be
	writeFrame(t, filepath.Dir(cfg.HighlightsDir), filepath.Base(cfg.HighlightsDir), "not a dir")
	database := openLedger(t)

	out, err := Run(context.Background(), cfg, RunInput{
		Now:         fixedNow(t, "2025-08-05T12:00:00Z"),
		SkipCapture: true,
		DB:          database,
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.ErrFilesystem), "got %v", err)
	require.NotNil(t, out)
	require.NotEmpty(t, out.Error)
	require.NoFileExists(t, cfg.MonthsManifest)

	runs, _, err := db.ListRuns(database, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, out.Error, runs[0].Error)
}
