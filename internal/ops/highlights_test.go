package ops

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pierviz/pierviz/internal/db"
)

func TestSelectHighlights_Scenario(t *testing.T) {
	cfg := testConfig(t)
	for _, h := range []string{"06", "11", "13"} {
		writeFrame(t, cfg.ArchiveRoot, "2025/08/05/"+h+".png", h)
	}
	writeFrame(t, cfg.ArchiveRoot, "2025/08/03/12.png", "12")

	picks, err := SelectHighlights(cfg, fixedNow(t, "2025-08-05T15:00:00Z"))
	require.NoError(t, err)
	require.Len(t, picks, 2)

	require.Equal(t, "2025-08-05", picks[0].Day.String())
	require.Equal(t, 11, picks[0].Hour)
	require.Equal(t, filepath.Join(cfg.ArchiveRoot, "2025", "08", "05", "11.png"), picks[0].Source)

	require.Equal(t, "2025-08-03", picks[1].Day.String())
	require.Equal(t, 12, picks[1].Hour)
}

func TestSelectHighlights_WindowAndRange(t *testing.T) {
	cfg := testConfig(t)
	cfg.StartHour, cfg.EndHour = 6, 10
	// noon is out of window, so 10 is the closest in-window hour
	writeFrame(t, cfg.ArchiveRoot, "2025/08/05/12.png", "x")
	writeFrame(t, cfg.ArchiveRoot, "2025/08/05/10.png", "x")
	writeFrame(t, cfg.ArchiveRoot, "2025/08/05/07.png", "x")
	// only out-of-window frames: day omitted
	writeFrame(t, cfg.ArchiveRoot, "2025/08/04/13.png", "x")
	// 7th day back is outside the range
	writeFrame(t, cfg.ArchiveRoot, "2025/07/29/08.png", "x")
	// 6th day back is inside
	writeFrame(t, cfg.ArchiveRoot, "2025/07/30/09.png", "x")

	picks, err := SelectHighlights(cfg, fixedNow(t, "2025-08-05T01:00:00Z"))
	require.NoError(t, err)
	require.Len(t, picks, 2)
	require.Equal(t, "2025-08-05", picks[0].Day.String())
	require.Equal(t, 10, picks[0].Hour)
	require.Equal(t, "2025-07-30", picks[1].Day.String())
	require.Equal(t, 9, picks[1].Hour)
}

func TestSelectHighlights_AtMostSevenOnePerDay(t *testing.T) {
	cfg := testConfig(t)
	now := fixedNow(t, "2025-03-02T08:00:00Z")
	for d := 0; d < 10; d++ {
		day := now.AddDate(0, 0, -d)
		for _, h := range []string{"08", "12", "16"} {
			writeFrame(t, cfg.ArchiveRoot, day.Format("2006/01/02")+"/"+h+".png", h)
		}
	}

	picks, err := SelectHighlights(cfg, now)
	require.NoError(t, err)
	require.Len(t, picks, HighlightDays)

	seen := map[string]bool{}
	for i, p := range picks {
		require.False(t, seen[p.Day.String()])
		seen[p.Day.String()] = true
		require.Equal(t, 12, p.Hour)
		require.Equal(t, now.AddDate(0, 0, -i).Format(time.DateOnly), p.Day.String())
	}
}

func TestSelectHighlights_UsesNowLocation(t *testing.T) {
	cfg := testConfig(t)
	writeFrame(t, cfg.ArchiveRoot, "2025/08/05/12.png", "x")

	// 2025-08-06 03:00 UTC is still 2025-08-05 at UTC-7, so the 7 days end on the 5th
	loc := time.FixedZone("PDT", -7*3600)
	picks, err := SelectHighlights(cfg, time.Date(2025, 8, 6, 3, 0, 0, 0, time.UTC).In(loc))
	require.NoError(t, err)
	require.Len(t, picks, 1)
	require.Equal(t, "2025-08-05", picks[0].Day.String())
}

func TestBuildHighlights_WritesCopiesAndManifest(t *testing.T) {
	cfg := testConfig(t)
	for _, h := range []string{"06", "11", "13"} {
		writeFrame(t, cfg.ArchiveRoot, "2025/08/05/"+h+".png", "frame-"+h)
	}
	src := writeFrame(t, cfg.ArchiveRoot, "2025/08/03/12.png", "frame-12")
	mtime := time.Date(2025, 8, 3, 12, 0, 5, 0, time.UTC)
	require.NoError(t, os.Chtimes(src, mtime, mtime))

	out, err := BuildHighlights(context.Background(), cfg, HighlightsInput{Now: fixedNow(t, "2025-08-05T15:00:00Z")})
	require.NoError(t, err)
	require.Len(t, out.Entries, 2)

	data, err := os.ReadFile(cfg.HighlightsManifestPath())
	require.NoError(t, err)
	require.Equal(t,
		`[{"file":"2025-08-05_11.png","date":"2025-08-05","time":"11"},{"file":"2025-08-03_12.png","date":"2025-08-03","time":"12"}]`+"\n",
		string(data))

	copied, err := os.ReadFile(filepath.Join(cfg.HighlightsDir, "2025-08-05_11.png"))
	require.NoError(t, err)
	require.Equal(t, "frame-11", string(copied))

	info, err := os.Stat(filepath.Join(cfg.HighlightsDir, "2025-08-03_12.png"))
	require.NoError(t, err)
	require.True(t, info.ModTime().Equal(mtime), "mtime = %v", info.ModTime())

	entries, err := ReadHighlights(cfg)
	require.NoError(t, err)
	require.Equal(t, out.Entries, entries)
}

func TestBuildHighlights_RemovesStaleOutput(t *testing.T) {
	cfg := testConfig(t)
	writeFrame(t, cfg.ArchiveRoot, "2025/08/05/12.png", "x")
	stale := writeFrame(t, cfg.HighlightsDir, "2025-07-01_12.png", "old")
	keep := writeFrame(t, cfg.HighlightsDir, "index.html", "<html>")
	logo := writeFrame(t, cfg.HighlightsDir, "logo.png", "png")

	out, err := BuildHighlights(context.Background(), cfg, HighlightsInput{Now: fixedNow(t, "2025-08-05T12:30:00Z")})
	require.NoError(t, err)
	require.Equal(t, 1, out.Removed)
	require.NoFileExists(t, stale)
	require.FileExists(t, keep)
	require.FileExists(t, logo)
	require.FileExists(t, filepath.Join(cfg.HighlightsDir, "2025-08-05_12.png"))
}

func TestBuildHighlights_Deterministic(t *testing.T) {
	cfg := testConfig(t)
	writeFrame(t, cfg.ArchiveRoot, "2025/08/05/09.png", "a")
	writeFrame(t, cfg.ArchiveRoot, "2025/08/02/15.png", "b")
	now := fixedNow(t, "2025-08-05T18:00:00Z")

	_, err := BuildHighlights(context.Background(), cfg, HighlightsInput{Now: now})
	require.NoError(t, err)
	first, err := os.ReadFile(cfg.HighlightsManifestPath())
	require.NoError(t, err)

	_, err = BuildHighlights(context.Background(), cfg, HighlightsInput{Now: now})
	require.NoError(t, err)
	second, err := os.ReadFile(cfg.HighlightsManifestPath())
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestBuildHighlights_EmptyArchive(t *testing.T) {
	cfg := testConfig(t)

	out, err := BuildHighlights(context.Background(), cfg, HighlightsInput{Now: fixedNow(t, "2025-08-05T12:00:00Z")})
	require.NoError(t, err)
	require.Empty(t, out.Entries)

	data, err := os.ReadFile(cfg.HighlightsManifestPath())
	require.NoError(t, err)
	require.Equal(t, "[]\n", string(data))
}

func TestBuildHighlights_AttachesObservations(t *testing.T) {
	cfg := testConfig(t)
	writeFrame(t, cfg.ArchiveRoot, "2025/08/05/12.png", "x")
	writeFrame(t, cfg.ArchiveRoot, "2025/08/04/12.png", "x")
	writeFrame(t, cfg.ArchiveRoot, "2025/08/03/12.png", "x")

	vis := 18.0
	lookup := func(date string, hour int) (*db.Observation, error) {
		switch date {
		case "2025-08-05":
			return &db.Observation{FrameDate: date, FrameHour: hour, VisibilityFt: &vis, Conditions: "clear"}, nil
		case "2025-08-04":
			// no figure: conditions alone are not shown
			return &db.Observation{FrameDate: date, FrameHour: hour, Conditions: "lens blocked"}, nil
		}
		return nil, nil
	}

	out, err := BuildHighlights(context.Background(), cfg, HighlightsInput{
		Now:          fixedNow(t, "2025-08-05T12:00:00Z"),
		Observations: lookup,
	})
	require.NoError(t, err)
	require.Len(t, out.Entries, 3)

	data, err := os.ReadFile(cfg.HighlightsManifestPath())
	require.NoError(t, err)
	require.Equal(t,
		`[{"file":"2025-08-05_12.png","date":"2025-08-05","time":"12","visibility_ft":18,"conditions":"clear"},`+
			`{"file":"2025-08-04_12.png","date":"2025-08-04","time":"12"},`+
			`{"file":"2025-08-03_12.png","date":"2025-08-03","time":"12"}]`+"\n",
		string(data))
}

func TestReadHighlights_Missing(t *testing.T) {
	cfg := testConfig(t)

	_, err := ReadHighlights(cfg)
	require.Error(t, err)
}
