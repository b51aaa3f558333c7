package mcp

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/pierviz/pierviz/internal/archive"
	"github.com/pierviz/pierviz/internal/config"
	"github.com/pierviz/pierviz/internal/errors"
	"github.com/pierviz/pierviz/internal/ops"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	db  *sql.DB
	cfg *config.Config
	now func() time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(db *sql.DB, cfg *config.Config) *Handlers {
	return &Handlers{db: db, cfg: cfg, now: time.Now}
}

// Request types for each tool

// HighlightsRequest represents the arguments for archive_highlights.
type HighlightsRequest struct {
	Date string `json:"date,omitempty"`
}

// FramesRequest represents the arguments for archive_frames.
type FramesRequest struct {
	Date string `json:"date"`
}

// RunListRequest represents the arguments for run_list.
type RunListRequest struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// ObservationRecordRequest represents the arguments for observation_record.
type ObservationRecordRequest struct {
	Date         string   `json:"date"`
	Hour         *int     `json:"hour"`
	VisibilityFt *float64 `json:"visibility_ft,omitempty"`
	Conditions   string   `json:"conditions,omitempty"`
}

// HighlightsResponse is the archive_highlights result.
type HighlightsResponse struct {
	Today   string                 `json:"today"`
	Entries []ops.HighlightPreview `json:"entries"`
}

// MonthsResponse is the archive_months result.
type MonthsResponse struct {
	Months []ops.Month `json:"months"`
}

// HandleHighlights handles the archive_highlights tool call.
func (h *Handlers) HandleHighlights(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[HighlightsRequest](req)
	if err != nil {
		return errorResult(err), nil
	}

	now, err := h.clock(input.Date)
	if err != nil {
		return errorResult(err), nil
	}

	entries, err := ops.PreviewHighlights(h.cfg, now, h.observations())
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(HighlightsResponse{Today: archive.DayOf(now).String(), Entries: entries})
}

// HandleMonths handles the archive_months tool call.
func (h *Handlers) HandleMonths(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	months, err := ops.ScanMonths(h.cfg)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(MonthsResponse{Months: months})
}

// HandlePublished handles the archive_published tool call.
func (h *Handlers) HandlePublished(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	now, err := h.clock("")
	if err != nil {
		return errorResult(err), nil
	}
	published, err := ops.ReadPublished(h.cfg, now)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(published)
}

// HandleFrames handles the archive_frames tool call.
func (h *Handlers) HandleFrames(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[FramesRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	if strings.TrimSpace(input.Date) == "" {
		return errorResult(errors.NewInvalidRequest("date is required")), nil
	}

	result, err := ops.ListFrames(h.cfg, ops.ListFramesInput{
		Date:         input.Date,
		Observations: h.observations(),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleRunList handles the run_list tool call.
func (h *Handlers) HandleRunList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[RunListRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	if h.db == nil {
		return errorResult(errors.NewInternal(stderrors.New("run ledger is not open"))), nil
	}

	result, err := ops.ListRuns(h.db, ops.ListRunsInput{
		Limit:  input.Limit,
		Offset: input.Offset,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleObservationRecord handles the observation_record tool call.
func (h *Handlers) HandleObservationRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ObservationRecordRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	if input.Hour == nil {
		return errorResult(errors.NewInvalidRequest("hour is required")), nil
	}
	if h.db == nil {
		return errorResult(errors.NewInternal(stderrors.New("run ledger is not open"))), nil
	}

	result, err := ops.RecordObservation(h.db, ops.RecordObservationInput{
		Date:         input.Date,
		Hour:         *input.Hour,
		VisibilityFt: input.VisibilityFt,
		Conditions:   input.Conditions,
	}, h.now())
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// clock returns the current time in the configured zone, or noon of date
// when one is given.
func (h *Handlers) clock(date string) (time.Time, error) {
	loc, err := h.cfg.Location()
	if err != nil {
		return time.Time{}, err
	}
	if date = strings.TrimSpace(date); date == "" {
		return h.now().In(loc), nil
	}
	day, err := archive.ParseDay(date)
	if err != nil {
		return time.Time{}, errors.NewInvalidRequest(err.Error())
	}
	return time.Date(day.Year, day.Month, day.Dom, ops.TargetHour, 0, 0, 0, loc), nil
}

func (h *Handlers) observations() ops.ObservationLookup {
	if h.db == nil {
		return nil
	}
	return ops.LookupObservations(h.db)
}

// errorResult creates an MCP error result from an error.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	var pErr *errors.PierError
	if stderrors.As(err, &pErr) {
		msg := pErr.Message
		// keep context added by wrappers such as fmt.Errorf("items[2]: %w", err)
		if prefix, ok := strings.CutSuffix(err.Error(), pErr.Error()); ok && prefix != "" {
			msg = prefix + msg
		}
		errorObj := map[string]any{
			"code":    pErr.Code,
			"message": msg,
			"status":  pErr.Status,
		}
		// Only include details for non-internal errors to avoid leaking
		// sensitive info like file paths or SQL errors
		if pErr.Code != errors.ErrInternal && pErr.Details != nil {
			errorObj["details"] = pErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    "INTERNAL",
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
