package ops

import (
	"fmt"
	"strings"

	"github.com/pierviz/pierviz/internal/archive"
	"github.com/pierviz/pierviz/internal/config"
	"github.com/pierviz/pierviz/internal/errors"
)

// ListFramesInput contains parameters for the ListFrames operation.
type ListFramesInput struct {
	Date string // required, YYYY-MM-DD

	// Observations is optional.
	Observations ObservationLookup
}

// FrameInfo describes one archived frame.
type FrameInfo struct {
	Hour         int      `json:"hour"`
	Time         string   `json:"time"`
	Path         string   `json:"path"`
	InWindow     bool     `json:"in_window"`
	VisibilityFt *float64 `json:"visibility_ft,omitempty"`
	Conditions   string   `json:"conditions,omitempty"`
}

// ListFramesOutput contains the result of the ListFrames operation.
type ListFramesOutput struct {
	Date   string      `json:"date"`
	Frames []FrameInfo `json:"frames"`
}

// ListFrames lists the frames archived for one date in ascending hour order.
// A date with no directory has no frames.
func ListFrames(cfg *config.Config, input ListFramesInput) (*ListFramesOutput, error) {
	day, err := archive.ParseDay(strings.TrimSpace(input.Date))
	if err != nil {
		return nil, errors.NewInvalidRequest(err.Error())
	}

	frames, err := archive.DayFrames(cfg.ArchiveRoot, day, cfg.Extension)
	if err != nil {
		return nil, errors.NewFilesystem("read", day.Dir(cfg.ArchiveRoot), err)
	}

	out := &ListFramesOutput{Date: day.String(), Frames: make([]FrameInfo, 0, len(frames))}
	for _, f := range frames {
		info := FrameInfo{
			Hour:     f.Hour,
			Time:     fmt.Sprintf("%02d", f.Hour),
			Path:     f.Path,
			InWindow: inWindow(f.Hour, cfg.StartHour, cfg.EndHour),
		}
		if input.Observations != nil {
			obs, err := input.Observations(out.Date, f.Hour)
			if err != nil {
				return nil, err
			}
			if obs != nil {
				info.VisibilityFt = obs.VisibilityFt
				info.Conditions = obs.Conditions
			}
		}
		out.Frames = append(out.Frames, info)
	}
	return out, nil
}
