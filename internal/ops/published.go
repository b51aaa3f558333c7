package ops

import (
	"slices"
	"time"

	"github.com/pierviz/pierviz/internal/config"
	"github.com/pierviz/pierviz/internal/errors"
)

// PublishedOutput is what the last run wrote to the manifests, set against
// what a rebuild at now would write.
type PublishedOutput struct {
	Highlights []Highlight `json:"highlights"`
	Months     []Month     `json:"months"`
	// Missing lists manifest paths that have not been written yet.
	Missing []string `json:"missing"`
	// HighlightsCurrent and MonthsCurrent report whether the manifest exists
	// and a rebuild would produce the same entries, observations aside.
	HighlightsCurrent bool `json:"highlights_current"`
	MonthsCurrent     bool `json:"months_current"`
}

// ReadPublished loads both manifests and compares them with the live
// archive. A manifest that does not exist yet reads as empty and is listed
// in Missing.
func ReadPublished(cfg *config.Config, now time.Time) (*PublishedOutput, error) {
	out := &PublishedOutput{Missing: []string{}}

	highlights, err := ReadHighlights(cfg)
	if err != nil {
		if !errors.Is(err, errors.ErrNotFound) {
			return nil, err
		}
		highlights = []Highlight{}
		out.Missing = append(out.Missing, cfg.HighlightsManifestPath())
	}
	out.Highlights = highlights

	months, err := ReadMonths(cfg)
	if err != nil {
		if !errors.Is(err, errors.ErrNotFound) {
			return nil, err
		}
		months = []Month{}
		out.Missing = append(out.Missing, cfg.MonthsManifest)
	}
	out.Months = months

	previews, err := PreviewHighlights(cfg, now, nil)
	if err != nil {
		return nil, err
	}
	live := make([]string, 0, len(previews))
	for _, p := range previews {
		live = append(live, p.File)
	}
	published := make([]string, 0, len(highlights))
	for _, h := range highlights {
		published = append(published, h.File)
	}
	out.HighlightsCurrent = !slices.Contains(out.Missing, cfg.HighlightsManifestPath()) && slices.Equal(live, published)

	scanned, err := ScanMonths(cfg)
	if err != nil {
		return nil, err
	}
	out.MonthsCurrent = !slices.Contains(out.Missing, cfg.MonthsManifest) && slices.Equal(scanned, months)

	return out, nil
}
