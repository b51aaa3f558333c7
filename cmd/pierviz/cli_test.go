package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pierviz/pierviz/internal/config"
	"github.com/pierviz/pierviz/internal/db"
	"github.com/pierviz/pierviz/internal/errors"
	"github.com/pierviz/pierviz/internal/logger"
	"github.com/pierviz/pierviz/internal/ops"
	"github.com/pierviz/pierviz/internal/stream"
)

type stubResolver string

func (s stubResolver) Resolve(context.Context) (string, error) { return string(s), nil }

type stubCapturer struct {
	err   error
	calls int
}

func (c *stubCapturer) Capture(_ context.Context, _ string, destPath string) error {
	c.calls++
	if c.err != nil {
		return c.err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(destPath, []byte("frame"), 0644)
}

type stubEstimator struct {
	mu    sync.Mutex
	feet  float64
	calls int
}

func (e *stubEstimator) Estimate(context.Context, string) (*stream.Estimate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	v := e.feet
	return &stream.Estimate{VisibilityFt: &v, Conditions: "pilings sharp"}, nil
}

// setupTest returns deps over a temporary archive and ledger.
func setupTest(t *testing.T) *deps {
	t.Helper()
	base := t.TempDir()

	database, err := db.Init(filepath.Join(base, ".pierviz"))
	if err != nil {
		t.Fatalf("failed to init test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	cfg := config.DefaultConfig()
	cfg.ArchiveRoot = filepath.Join(base, "snapshots")
	cfg.HighlightsDir = filepath.Join(base, "docs", "last7days")
	cfg.MonthsManifest = filepath.Join(base, "docs", "months.json")
	cfg.DataDir = filepath.Join(base, ".pierviz")
	cfg.Timezone = "UTC"

	return &deps{
		cfg: cfg,
		db:  database,
		log: logger.Discard(),
		now: func() time.Time { return time.Date(2025, 8, 5, 15, 0, 0, 0, time.UTC) },
	}
}

func writeFrame(t *testing.T, d *deps, rel string) string {
	t.Helper()
	path := filepath.Join(d.cfg.ArchiveRoot, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("frame"), 0644); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	return path
}

// runApp runs the CLI with args and returns stdout.
func runApp(t *testing.T, d *deps, args ...string) (string, error) {
	t.Helper()
	app := newCLIApp(d)
	var buf bytes.Buffer
	app.Writer = &buf
	app.ErrWriter = &buf
	err := app.Run(append([]string{"pierviz"}, args...))
	return buf.String(), err
}

func decodeOutput(t *testing.T, out string, v any) {
	t.Helper()
	if err := json.Unmarshal([]byte(out), v); err != nil {
		t.Fatalf("failed to parse output: %v\nOutput: %s", err, out)
	}
}

func TestIsCLIMode(t *testing.T) {
	tests := []struct {
		args []string
		want bool
	}{
		{[]string{"pierviz"}, false},
		{[]string{"pierviz", "run"}, true},
		{[]string{"pierviz", "observe"}, true},
		{[]string{"pierviz", "--help"}, true},
		{[]string{"pierviz", "-v"}, true},
		{[]string{"pierviz", "--config", "x.json", "run"}, true},
		{[]string{"pierviz", "--config=x.json", "sweep"}, true},
		{[]string{"pierviz", "bogus"}, false},
	}
	for _, tt := range tests {
		if got := isCLIMode(tt.args); got != tt.want {
			t.Errorf("isCLIMode(%v) = %v, want %v", tt.args, got, tt.want)
		}
	}
}

func TestCLIRun_NoCapture(t *testing.T) {
	d := setupTest(t)
	writeFrame(t, d, "2025/08/05/05.png")
	writeFrame(t, d, "2025/08/05/12.png")
	writeFrame(t, d, "2025/08/04/13.png")
	writeFrame(t, d, "2025/07/31/20.png")

	out, err := runApp(t, d, "run", "--no-capture", "--now", "2025-08-05T15:00:00Z")
	if err != nil {
		t.Fatalf("run command failed: %v", err)
	}

	var output ops.RunOutput
	decodeOutput(t, out, &output)
	if output.RunID == "" {
		t.Error("expected a run id")
	}
	if output.Capture.Status != db.CaptureSkipped {
		t.Errorf("capture status = %q, want skipped", output.Capture.Status)
	}
	if output.Sweep.Deleted != 2 {
		t.Errorf("swept %d frames, want 2", output.Sweep.Deleted)
	}
	if output.Highlights.Count != 2 {
		t.Errorf("highlights = %d, want 2", output.Highlights.Count)
	}
	if output.Months.Count != 1 {
		t.Errorf("months = %d, want 1", output.Months.Count)
	}

	runs, total, err := db.ListRuns(d.db, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if total != 1 || runs[0].ID != output.RunID {
		t.Errorf("ledger = %d runs, want the run just made", total)
	}
}

func TestCLIRun_CapturesFrame(t *testing.T) {
	d := setupTest(t)
	capturer := &stubCapturer{}
	d.resolver = stubResolver("https://cdn.example.org/pier.m3u8")
	d.capturer = capturer

	out, err := runApp(t, d, "run", "--now", "2025-08-05T09:00:00Z")
	if err != nil {
		t.Fatalf("run command failed: %v", err)
	}

	var output ops.RunOutput
	decodeOutput(t, out, &output)
	if output.Capture.Status != db.CaptureSaved {
		t.Fatalf("capture status = %q, want saved", output.Capture.Status)
	}
	want := filepath.Join(d.cfg.ArchiveRoot, "2025", "08", "05", "09.png")
	if _, err := os.Stat(want); err != nil {
		t.Errorf("expected frame at %s: %v", want, err)
	}
	if output.Highlights.Count != 1 {
		t.Errorf("highlights = %d, want 1", output.Highlights.Count)
	}
}

func TestCLIRun_EstimatesFrame(t *testing.T) {
	d := setupTest(t)
	est := &stubEstimator{feet: 25}
	d.resolver = stubResolver("https://cdn.example.org/pier.m3u8")
	d.capturer = &stubCapturer{}
	d.estimator = est

	out, err := runApp(t, d, "run", "--now", "2025-08-05T09:00:00Z")
	if err != nil {
		t.Fatalf("run command failed: %v", err)
	}
	var output ops.RunOutput
	decodeOutput(t, out, &output)
	if output.Estimate == nil || output.Estimate.Status != ops.EstimateRecorded {
		t.Fatalf("estimate = %+v, want recorded", output.Estimate)
	}
	obs, err := db.GetObservation(d.db, "2025-08-05", 9)
	if err != nil {
		t.Fatalf("GetObservation: %v", err)
	}
	if obs.VisibilityFt == nil || *obs.VisibilityFt != 25 {
		t.Errorf("VisibilityFt = %v, want 25", obs.VisibilityFt)
	}

	out, err = runApp(t, d, "run", "--no-estimate", "--now", "2025-08-05T10:00:00Z")
	if err != nil {
		t.Fatalf("run --no-estimate failed: %v", err)
	}
	output = ops.RunOutput{}
	decodeOutput(t, out, &output)
	if output.Estimate != nil {
		t.Errorf("estimate = %+v, want none with --no-estimate", output.Estimate)
	}
	if est.calls != 1 {
		t.Errorf("estimator calls = %d, want 1", est.calls)
	}
}

func TestCLIRun_SendsUserAgent(t *testing.T) {
	var agent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent = r.Header.Get("User-Agent")
		w.Write([]byte(`<video src="https://cdn.example.org/pier/index.m3u8"></video>`))
	}))
	defer srv.Close()

	d := setupTest(t)
	d.cfg.PageURL = srv.URL
	d.cfg.UserAgent = "pier-bot/1"
	capturer := &stubCapturer{}
	d.capturer = capturer

	if _, err := runApp(t, d, "run", "--now", "2025-08-05T09:00:00Z"); err != nil {
		t.Fatalf("run command failed: %v", err)
	}
	if agent != "pier-bot/1" {
		t.Errorf("User-Agent = %q, want pier-bot/1", agent)
	}
	if capturer.calls != 1 {
		t.Errorf("capture calls = %d, want 1", capturer.calls)
	}
}

func TestCLIRun_CaptureFailure(t *testing.T) {
	d := setupTest(t)
	d.resolver = stubResolver("https://cdn.example.org/pier.m3u8")
	d.capturer = &stubCapturer{err: errors.NewCaptureFailed("09.png", os.ErrDeadlineExceeded)}

	out, err := runApp(t, d, "run", "--now", "2025-08-05T09:00:00Z")
	if err != nil {
		t.Fatalf("capture failure must not fail the run: %v", err)
	}
	var output ops.RunOutput
	decodeOutput(t, out, &output)
	if output.Capture.Status != db.CaptureFailed {
		t.Errorf("capture status = %q, want failed", output.Capture.Status)
	}

	_, err = runApp(t, d, "run", "--strict", "--now", "2025-08-05T10:00:00Z")
	if err == nil || !strings.Contains(err.Error(), "[CAPTURE_FAILED]") {
		t.Errorf("--strict error = %v, want CAPTURE_FAILED", err)
	}
}

func TestCLIRun_WindowOverrides(t *testing.T) {
	d := setupTest(t)
	writeFrame(t, d, "2025/08/05/09.png")
	writeFrame(t, d, "2025/08/05/12.png")

	out, err := runApp(t, d, "run", "--no-capture", "--start-hour", "10", "--end-hour", "14")
	if err != nil {
		t.Fatalf("run command failed: %v", err)
	}
	var output ops.RunOutput
	decodeOutput(t, out, &output)
	if output.Sweep.Deleted != 1 || output.Sweep.Kept != 1 {
		t.Errorf("sweep = %+v, want 1 deleted 1 kept", output.Sweep)
	}
	if d.cfg.StartHour != 6 {
		t.Errorf("flag override leaked into shared config: start_hour = %d", d.cfg.StartHour)
	}
}

func TestCLIRun_WindowFromEnv(t *testing.T) {
	d := setupTest(t)
	writeFrame(t, d, "2025/08/05/07.png")
	t.Setenv("START_HOUR", "8")

	out, err := runApp(t, d, "run", "--no-capture")
	if err != nil {
		t.Fatalf("run command failed: %v", err)
	}
	var output ops.RunOutput
	decodeOutput(t, out, &output)
	if output.Sweep.Deleted != 1 {
		t.Errorf("swept %d frames, want 1", output.Sweep.Deleted)
	}
}

func TestCLIRun_InvalidInput(t *testing.T) {
	d := setupTest(t)

	tests := [][]string{
		{"run", "--no-capture", "--now", "yesterday"},
		{"run", "--no-capture", "--start-hour", "30"},
	}
	for _, args := range tests {
		_, err := runApp(t, d, args...)
		if err == nil || !strings.Contains(err.Error(), "[INVALID_REQUEST]") {
			t.Errorf("%v: error = %v, want INVALID_REQUEST", args, err)
		}
	}
}

func TestCLIRun_Locked(t *testing.T) {
	d := setupTest(t)

	err := withArchiveLock(d.cfg, func() error {
		_, err := runApp(t, d, "run", "--no-capture")
		return err
	})
	if err == nil || !strings.Contains(err.Error(), "[LOCKED]") {
		t.Errorf("error = %v, want LOCKED", err)
	}
}

func TestCLISweep(t *testing.T) {
	d := setupTest(t)
	writeFrame(t, d, "2025/08/05/05.png")
	writeFrame(t, d, "2025/08/05/06.png")

	out, err := runApp(t, d, "sweep")
	if err != nil {
		t.Fatalf("sweep command failed: %v", err)
	}
	var output ops.SweepOutput
	decodeOutput(t, out, &output)
	if len(output.Deleted) != 1 || output.Kept != 1 {
		t.Errorf("sweep = %+v, want 1 deleted 1 kept", output)
	}
}

func TestCLIHighlights(t *testing.T) {
	d := setupTest(t)
	writeFrame(t, d, "2025/08/05/11.png")
	writeFrame(t, d, "2025/08/05/13.png")

	t.Run("dry run writes nothing", func(t *testing.T) {
		out, err := runApp(t, d, "highlights", "--dry-run")
		if err != nil {
			t.Fatalf("highlights command failed: %v", err)
		}
		var entries []ops.HighlightPreview
		decodeOutput(t, out, &entries)
		if len(entries) != 1 || entries[0].Time != "11" {
			t.Errorf("entries = %+v, want the 11:00 frame", entries)
		}
		if _, err := os.Stat(d.cfg.HighlightsDir); !os.IsNotExist(err) {
			t.Errorf("dry run created %s", d.cfg.HighlightsDir)
		}
	})

	t.Run("build", func(t *testing.T) {
		out, err := runApp(t, d, "highlights")
		if err != nil {
			t.Fatalf("highlights command failed: %v", err)
		}
		var output ops.HighlightsOutput
		decodeOutput(t, out, &output)
		if len(output.Entries) != 1 {
			t.Fatalf("entries = %d, want 1", len(output.Entries))
		}
		if _, err := os.Stat(filepath.Join(d.cfg.HighlightsDir, "2025-08-05_11.png")); err != nil {
			t.Errorf("expected highlight copy: %v", err)
		}
	})
}

func TestCLIMonths(t *testing.T) {
	d := setupTest(t)
	writeFrame(t, d, "2025/07/31/13.png")

	out, err := runApp(t, d, "months")
	if err != nil {
		t.Fatalf("months command failed: %v", err)
	}
	var output ops.MonthsOutput
	decodeOutput(t, out, &output)
	if len(output.Months) != 1 || output.Months[0] != (ops.Month{Year: "2025", Month: "07"}) {
		t.Errorf("months = %+v", output.Months)
	}
	data, err := os.ReadFile(d.cfg.MonthsManifest)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if string(data) != `[{"year":"2025","month":"07"}]`+"\n" {
		t.Errorf("manifest = %q", data)
	}
}

func TestCLIMigrate(t *testing.T) {
	d := setupTest(t)
	legacy := filepath.Join(d.cfg.ArchiveRoot, "2025-07-29")
	if err := os.MkdirAll(legacy, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(legacy, "13.png"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	out, err := runApp(t, d, "migrate", "--dry-run")
	if err != nil {
		t.Fatalf("migrate --dry-run failed: %v", err)
	}
	var output ops.MigrateOutput
	decodeOutput(t, out, &output)
	if !output.DryRun || len(output.Dirs) != 1 {
		t.Errorf("dry run output = %+v", output)
	}
	if _, err := os.Stat(legacy); err != nil {
		t.Errorf("dry run moved the legacy dir: %v", err)
	}

	if _, err := runApp(t, d, "migrate"); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(d.cfg.ArchiveRoot, "2025", "07", "29", "13.png")); err != nil {
		t.Errorf("expected migrated frame: %v", err)
	}
	if _, err := os.Stat(legacy); !os.IsNotExist(err) {
		t.Errorf("legacy dir still present")
	}
}

func TestCLIObserveAndHistory(t *testing.T) {
	d := setupTest(t)

	out, err := runApp(t, d, "observe", "record", "--date", "2025-08-05", "--hour", "12", "--visibility", "1500", "--conditions", "clear")
	if err != nil {
		t.Fatalf("observe record failed: %v", err)
	}
	var obs db.Observation
	decodeOutput(t, out, &obs)
	if obs.VisibilityFt == nil || *obs.VisibilityFt != 1500 {
		t.Errorf("visibility = %v, want 1500", obs.VisibilityFt)
	}

	_, err = runApp(t, d, "observe", "record", "--date", "2025-08-05", "--hour", "24")
	if err == nil || !strings.Contains(err.Error(), "[INVALID_REQUEST]") {
		t.Errorf("hour 24 error = %v, want INVALID_REQUEST", err)
	}

	out, err = runApp(t, d, "history")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	var runs ops.ListRunsOutput
	decodeOutput(t, out, &runs)
	if runs.Pagination.Total != 0 || runs.Items == nil {
		t.Errorf("history = %+v, want an empty list", runs)
	}
}

func TestCLIExport(t *testing.T) {
	d := setupTest(t)
	if _, err := runApp(t, d, "run", "--no-capture"); err != nil {
		t.Fatalf("run command failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "runs.jsonl")
	out, err := runApp(t, d, "export", "--path", path)
	if err != nil {
		t.Fatalf("export command failed: %v", err)
	}
	var output ops.ExportRunsOutput
	decodeOutput(t, out, &output)
	if output.Count != 1 || output.Path != path {
		t.Errorf("export = %+v, want 1 run at %s", output, path)
	}

	_, err = runApp(t, d, "export", "--path", filepath.Join(t.TempDir(), "runs.txt"))
	if err == nil || !strings.Contains(err.Error(), "[INVALID_REQUEST]") {
		t.Errorf("bad extension error = %v, want INVALID_REQUEST", err)
	}
}

func TestCLIObserveImport(t *testing.T) {
	d := setupTest(t)

	_, err := runApp(t, d, "observe", "import")
	if err == nil || !strings.Contains(err.Error(), "[INVALID_REQUEST]") {
		t.Errorf("missing path error = %v, want INVALID_REQUEST", err)
	}

	path := filepath.Join(t.TempDir(), "visibility.csv")
	body := "timestamp,visibility_ft,conditions\n2025-08-05 12:00,900,haze\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	out, err := runApp(t, d, "observe", "import", path)
	if err != nil {
		t.Fatalf("observe import failed: %v", err)
	}
	var output ops.ImportObservationsOutput
	decodeOutput(t, out, &output)
	if output.Imported != 1 {
		t.Errorf("imported = %d, want 1", output.Imported)
	}
}

func TestCLIObserveBackfill(t *testing.T) {
	d := setupTest(t)
	writeFrame(t, d, "2025/08/04/09.png")
	writeFrame(t, d, "2025/08/05/12.png")

	_, err := runApp(t, d, "observe", "backfill", "--month", "2025-08")
	if err == nil || !strings.Contains(err.Error(), "estimator_url is not configured") {
		t.Fatalf("error = %v, want missing estimator", err)
	}

	est := &stubEstimator{feet: 12}
	d.estimator = est
	out, err := runApp(t, d, "observe", "backfill", "--month", "2025-08", "--workers", "1")
	if err != nil {
		t.Fatalf("observe backfill failed: %v", err)
	}
	var output ops.BackfillOutput
	decodeOutput(t, out, &output)
	if output.Found != 2 || output.Estimated != 2 || output.Skipped != 0 {
		t.Errorf("output = %+v, want 2 found and estimated", output)
	}

	out, err = runApp(t, d, "observe", "backfill", "-m", "2025-08")
	if err != nil {
		t.Fatalf("second backfill failed: %v", err)
	}
	output = ops.BackfillOutput{}
	decodeOutput(t, out, &output)
	if output.Skipped != 2 || output.Estimated != 0 {
		t.Errorf("second output = %+v, want everything skipped", output)
	}
	if est.calls != 2 {
		t.Errorf("estimator calls = %d, want 2", est.calls)
	}

	_, err = runApp(t, d, "observe", "backfill", "--month", "August")
	if err == nil || !strings.Contains(err.Error(), "[INVALID_REQUEST]") {
		t.Errorf("bad month error = %v, want INVALID_REQUEST", err)
	}
}

func TestCLIObserveBackfill_ChatEndpoint(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Write([]byte(`{"choices":[{"message":{"content":"{\"conditions\":\"murky\",\"visibility_ft\":8}"}}]}`))
	}))
	defer srv.Close()

	d := setupTest(t)
	d.cfg.EstimatorURL = srv.URL
	d.cfg.EstimatorKeyEnv = "PIERVIZ_TEST_ESTIMATOR_KEY"
	t.Setenv("PIERVIZ_TEST_ESTIMATOR_KEY", "sk-cli")
	writeFrame(t, d, "2025/08/05/12.png")

	if _, err := runApp(t, d, "observe", "backfill", "--month", "2025-08"); err != nil {
		t.Fatalf("observe backfill failed: %v", err)
	}
	if auth != "Bearer sk-cli" {
		t.Errorf("Authorization = %q, want Bearer sk-cli", auth)
	}
	obs, err := db.GetObservation(d.db, "2025-08-05", 12)
	if err != nil {
		t.Fatalf("GetObservation: %v", err)
	}
	if obs.Conditions != "murky" || obs.VisibilityFt == nil || *obs.VisibilityFt != 8 {
		t.Errorf("observation = %+v, want murky at 8 ft", obs)
	}
}

func TestCLIConfigFlag(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(t.TempDir(), "pierviz.json")
	if err := os.WriteFile(path, []byte(`{"archive_root": `+jsonQuote(root)+`}`), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "2024", "12", "01"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "2024", "12", "01", "10.png"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	d := &deps{log: logger.Discard()}
	out, err := runApp(t, d, "--config", path, "months", "--dry-run")
	if err != nil {
		t.Fatalf("months command failed: %v", err)
	}
	var months []ops.Month
	decodeOutput(t, out, &months)
	if len(months) != 1 || months[0].Year != "2024" || months[0].Month != "12" {
		t.Errorf("months = %+v", months)
	}
}

func TestCLIConfigFlag_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pierviz.json")
	if err := os.WriteFile(path, []byte(`{"start_hour": 40}`), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := runApp(t, &deps{log: logger.Discard()}, "--config", path, "sweep")
	if err == nil || !strings.Contains(err.Error(), "[INVALID_REQUEST]") {
		t.Errorf("error = %v, want INVALID_REQUEST", err)
	}
}

func TestOutputError(t *testing.T) {
	err := outputError(errors.NewNotFound("frame"))
	if !strings.HasPrefix(err.Error(), "[NOT_FOUND] ") {
		t.Errorf("outputError = %q", err.Error())
	}

	err = outputError(os.ErrClosed)
	if err.Error() != os.ErrClosed.Error() {
		t.Errorf("outputError(plain) = %q", err.Error())
	}
}

func jsonQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
