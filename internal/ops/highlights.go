package ops

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pierviz/pierviz/internal/archive"
	"github.com/pierviz/pierviz/internal/config"
	"github.com/pierviz/pierviz/internal/db"
	"github.com/pierviz/pierviz/internal/errors"
)

// Highlight is one entry of the highlights manifest.
type Highlight struct {
	File         string   `json:"file"`
	Date         string   `json:"date"`
	Time         string   `json:"time"`
	VisibilityFt *float64 `json:"visibility_ft,omitempty"`
	Conditions   string   `json:"conditions,omitempty"`
}

// Selection is the frame chosen to represent one day.
type Selection struct {
	Day    archive.Day
	Hour   int
	Source string
}

// ObservationLookup returns the observation for a frame slot, or nil when
// none is recorded.
type ObservationLookup func(date string, hour int) (*db.Observation, error)

// HighlightsInput contains parameters for the BuildHighlights operation.
type HighlightsInput struct {
	// Now fixes "today"; its location decides the calendar date.
	Now time.Time

	// Observations is optional.
	Observations ObservationLookup
}

// HighlightsOutput contains the result of the BuildHighlights operation.
type HighlightsOutput struct {
	Manifest string      `json:"manifest"`
	Entries  []Highlight `json:"entries"`
	Removed  int         `json:"removed"`
}

// SelectHighlights picks, for each of the HighlightDays calendar days ending
// at now's date, the in-window frame whose hour is closest to TargetHour.
// On a tie the earlier hour wins. Days without an in-window frame are left
// out. The result is ordered most recent day first. Nothing is written.
func SelectHighlights(cfg *config.Config, now time.Time) ([]Selection, error) {
	today := archive.DayOf(now)
	picks := make([]Selection, 0, HighlightDays)

	for offset := 0; offset < HighlightDays; offset++ {
		day := today.AddDays(-offset)
		frames, err := archive.DayFrames(cfg.ArchiveRoot, day, cfg.Extension)
		if err != nil {
			return nil, errors.NewFilesystem("read", day.Dir(cfg.ArchiveRoot), err)
		}

		best := -1
		bestDiff := 0
		for i, f := range frames {
			if !inWindow(f.Hour, cfg.StartHour, cfg.EndHour) {
				continue
			}
			diff := abs(f.Hour - TargetHour)
			// frames are in ascending hour order; strict < keeps the earlier hour on ties
			if best < 0 || diff < bestDiff {
				best, bestDiff = i, diff
			}
		}
		if best < 0 {
			continue
		}
		picks = append(picks, Selection{Day: day, Hour: frames[best].Hour, Source: frames[best].Path})
	}

	return picks, nil
}

// BuildHighlights regenerates the highlights directory from scratch: previous
// highlight copies and the manifest are removed, then the current selection
// is copied in as YYYY-MM-DD_HH.<ext> and the manifest is rewritten. The same
// archive and the same Now always produce a byte-identical manifest.
func BuildHighlights(ctx context.Context, cfg *config.Config, input HighlightsInput) (*HighlightsOutput, error) {
	dir := cfg.HighlightsDir
	manifestPath := cfg.HighlightsManifestPath()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.NewFilesystem("mkdir", dir, err)
	}

	removed, err := clearHighlights(dir, cfg.Extension)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(manifestPath); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return nil, errors.NewFilesystem("remove", manifestPath, err)
	}

	picks, err := SelectHighlights(cfg, input.Now)
	if err != nil {
		return nil, err
	}

	entries := make([]Highlight, 0, len(picks))
	for _, p := range picks {
		if err := checkCancelled(ctx, "highlights"); err != nil {
			return nil, err
		}

		entry, err := highlightEntry(p, cfg.Extension, input.Observations)
		if err != nil {
			return nil, err
		}
		if err := copyFile(p.Source, filepath.Join(dir, entry.File)); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err := writeManifest(manifestPath, entries); err != nil {
		return nil, err
	}

	return &HighlightsOutput{
		Manifest: manifestPath,
		Entries:  entries,
		Removed:  removed,
	}, nil
}

// HighlightPreview is a selected highlight together with its archive source.
type HighlightPreview struct {
	Highlight
	Source string `json:"source"`
}

// PreviewHighlights returns what BuildHighlights would write for now,
// without touching the highlights directory.
func PreviewHighlights(cfg *config.Config, now time.Time, lookup ObservationLookup) ([]HighlightPreview, error) {
	picks, err := SelectHighlights(cfg, now)
	if err != nil {
		return nil, err
	}
	previews := make([]HighlightPreview, 0, len(picks))
	for _, p := range picks {
		entry, err := highlightEntry(p, cfg.Extension, lookup)
		if err != nil {
			return nil, err
		}
		previews = append(previews, HighlightPreview{Highlight: entry, Source: p.Source})
	}
	return previews, nil
}

func highlightEntry(p Selection, ext string, lookup ObservationLookup) (Highlight, error) {
	entry := Highlight{
		File: archive.HighlightName(p.Day, p.Hour, ext),
		Date: p.Day.String(),
		Time: fmt.Sprintf("%02d", p.Hour),
	}
	if lookup == nil {
		return entry, nil
	}
	obs, err := lookup(entry.Date, p.Hour)
	if err != nil {
		return entry, err
	}
	// an observation without a visibility figure is not shown
	if obs != nil && obs.VisibilityFt != nil {
		entry.VisibilityFt = obs.VisibilityFt
		entry.Conditions = obs.Conditions
	}
	return entry, nil
}

// ReadHighlights loads the current highlights manifest.
func ReadHighlights(cfg *config.Config) ([]Highlight, error) {
	var entries []Highlight
	if err := readManifest(cfg.HighlightsManifestPath(), &entries); err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []Highlight{}
	}
	return entries, nil
}

// clearHighlights removes previously generated highlight copies from dir.
// Other files are left alone.
func clearHighlights(dir, ext string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, errors.NewFilesystem("read", dir, err)
	}

	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() || !archive.IsHighlightName(e.Name(), ext) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
			return removed, errors.NewFilesystem("remove", path, err)
		}
		removed++
	}
	return removed, nil
}

// copyFile copies src to dst, replacing dst, and carries over src's
// modification time.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.NewFilesystem("open", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return errors.NewFilesystem("stat", src, err)
	}

	out, err := openFileNoFollow(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.NewFilesystem("create", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.NewFilesystem("copy", dst, err)
	}
	if err := out.Close(); err != nil {
		return errors.NewFilesystem("close", dst, err)
	}

	if err := os.Chtimes(dst, time.Time{}, info.ModTime()); err != nil {
		return errors.NewFilesystem("chtimes", dst, err)
	}
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
