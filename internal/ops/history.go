package ops

import (
	"database/sql"

	"github.com/pierviz/pierviz/internal/db"
)

// ListRunsInput contains parameters for the ListRuns operation.
type ListRunsInput struct {
	Limit  int // default: 20, max: 100
	Offset int // default: 0
}

// ListRunsOutput contains the result of the ListRuns operation.
type ListRunsOutput struct {
	Items      []db.Run   `json:"items"`
	Pagination Pagination `json:"pagination"`
	Sort       string     `json:"sort"`
}

// ListRuns retrieves recorded runs, newest first, with pagination.
func ListRuns(database *sql.DB, input ListRunsInput) (*ListRunsOutput, error) {
	limit, offset := clampPage(input.Limit, input.Offset)

	runs, total, err := db.ListRuns(database, limit, offset)
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []db.Run{}
	}

	return &ListRunsOutput{
		Items: runs,
		Pagination: Pagination{
			Limit:   limit,
			Offset:  offset,
			HasMore: offset+len(runs) < total,
			Total:   total,
		},
		Sort: "started_at_desc",
	}, nil
}
