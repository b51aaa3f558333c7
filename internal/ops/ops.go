// Package ops implements the archive maintenance operations: retention,
// highlights, the months index, legacy migration and the hourly run, plus the
// run ledger and observation bookkeeping built on package db.
package ops

import (
	"context"

	"github.com/pierviz/pierviz/internal/errors"
)

// Pagination limits
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Highlight selection
const (
	// TargetHour is the hour each day's highlight is chosen closest to.
	TargetHour = 12

	// HighlightDays is the number of calendar days, today included, in the highlights view.
	HighlightDays = 7
)

// Pagination contains pagination metadata for list operations.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
	Total   int  `json:"total"`
}

// clampPage applies limit defaults and bounds and a non-negative offset.
func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return limit, max(offset, 0)
}

// inWindow reports whether hour lies in the inclusive [start, end] window.
// A start after the end admits nothing.
func inWindow(hour, start, end int) bool {
	return hour >= start && hour <= end
}

func checkCancelled(ctx context.Context, op string) error {
	select {
	case <-ctx.Done():
		return errors.NewCancelled(op)
	default:
		return nil
	}
}
