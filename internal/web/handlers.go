package web

import (
	"database/sql"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pierviz/pierviz/internal/archive"
	"github.com/pierviz/pierviz/internal/config"
	"github.com/pierviz/pierviz/internal/errors"
	"github.com/pierviz/pierviz/internal/ops"
)

// Handlers contains HTTP route handlers for the web UI.
type Handlers struct {
	db       *sql.DB
	cfg      *config.Config
	renderer *Renderer
	now      func() time.Time
}

// HandleHighlights handles GET /highlights with the frames the next highlights
// build would publish.
func (h *Handlers) HandleHighlights(w http.ResponseWriter, r *http.Request) {
	loc, err := h.cfg.Location()
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	now := h.now().In(loc)

	entries, err := ops.PreviewHighlights(h.cfg, now, h.observations())
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	h.renderer.renderPage(w, "highlights", HighlightsPageData{
		PageData: PageData{
			Title:   "Highlights",
			Version: h.renderer.version,
			Nav:     "highlights",
		},
		Today:   archive.DayOf(now).String(),
		Entries: entries,
	})
}

// HandlePublished handles GET /published with the manifests as last written.
func (h *Handlers) HandlePublished(w http.ResponseWriter, r *http.Request) {
	loc, err := h.cfg.Location()
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	published, err := ops.ReadPublished(h.cfg, h.now().In(loc))
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	h.renderer.renderPage(w, "published", PublishedPageData{
		PageData: PageData{
			Title:   "Published",
			Version: h.renderer.version,
			Nav:     "published",
		},
		Published: published,
	})
}

// HandleMonths handles GET /months listing every month with at least one frame.
func (h *Handlers) HandleMonths(w http.ResponseWriter, r *http.Request) {
	months, err := ops.ScanMonths(h.cfg)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	h.renderer.renderPage(w, "months", MonthsPageData{
		PageData: PageData{
			Title:   "Months",
			Version: h.renderer.version,
			Nav:     "months",
		},
		Months: months,
	})
}

// HandleMonth handles GET /months/{year}/{month} with frames grouped by day.
// Days without frames are left out.
func (h *Handlers) HandleMonth(w http.ResponseWriter, r *http.Request) {
	year, month := r.PathValue("year"), r.PathValue("month")
	if !archive.IsYearName(year) || !archive.IsPartName(month) {
		h.renderer.renderError(w, r, errors.NewNotFound(fmt.Sprintf("month %s/%s", year, month)))
		return
	}
	y, _ := strconv.Atoi(year)
	m, _ := strconv.Atoi(month)
	if m < 1 || m > 12 {
		h.renderer.renderError(w, r, errors.NewNotFound(fmt.Sprintf("month %s/%s", year, month)))
		return
	}

	lookup := h.observations()
	first := archive.Day{Year: y, Month: time.Month(m), Dom: 1}
	var days []ops.ListFramesOutput
	for d := first; d.Month == first.Month; d = d.AddDays(1) {
		out, err := ops.ListFrames(h.cfg, ops.ListFramesInput{Date: d.String(), Observations: lookup})
		if err != nil {
			h.renderer.renderError(w, r, err)
			return
		}
		if len(out.Frames) > 0 {
			days = append(days, *out)
		}
	}

	h.renderer.renderPage(w, "month", MonthPageData{
		PageData: PageData{
			Title:   fmt.Sprintf("%s-%s", year, month),
			Version: h.renderer.version,
			Nav:     "months",
		},
		Year:  year,
		Month: month,
		Days:  days,
	})
}

// HandleRuns handles GET /runs with the run ledger, newest first.
func (h *Handlers) HandleRuns(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		h.renderer.renderError(w, r, errors.NewNotFound("run ledger"))
		return
	}

	result, err := ops.ListRuns(h.db, ops.ListRunsInput{
		Limit:  parseIntParam(r, "limit", ops.DefaultListLimit),
		Offset: parseIntParam(r, "offset", 0),
	})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	h.renderer.renderPage(w, "runs", RunsPageData{
		PageData: PageData{
			Title:   "Runs",
			Version: h.renderer.version,
			Nav:     "runs",
		},
		Items:      result.Items,
		Pagination: result.Pagination,
	})
}

// HandleFrame handles GET /frames/{date}/{hour} by serving the archived image.
// Any frame name for the hour matches, so 7.png is served for /07.
func (h *Handlers) HandleFrame(w http.ResponseWriter, r *http.Request) {
	day, err := archive.ParseDay(r.PathValue("date"))
	if err != nil {
		h.renderer.renderError(w, r, errors.NewInvalidRequest(err.Error()))
		return
	}
	hour, ok := archive.ParseHour(r.PathValue("hour"))
	if !ok {
		h.renderer.renderError(w, r, errors.NewInvalidRequest(fmt.Sprintf("invalid hour %q", r.PathValue("hour"))))
		return
	}

	frames, err := archive.DayFrames(h.cfg.ArchiveRoot, day, h.cfg.Extension)
	if err != nil {
		h.renderer.renderError(w, r, errors.NewFilesystem("read", day.Dir(h.cfg.ArchiveRoot), err))
		return
	}
	path := ""
	for _, f := range frames {
		if f.Hour == hour {
			path = f.Path
			break
		}
	}
	if path == "" {
		h.renderer.renderError(w, r, errors.NewNotFound(fmt.Sprintf("frame %s %02d", day, hour)))
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeFile(w, r, path)
}

func (h *Handlers) observations() ops.ObservationLookup {
	if h.db == nil {
		return nil
	}
	return ops.LookupObservations(h.db)
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
