package mcp

import "github.com/mark3labs/mcp-go/mcp"

var highlightsToolDef = mcp.NewTool("archive_highlights",
	mcp.WithDescription("Preview the highlights selection: for each of the last 7 days, the in-window frame closest to noon (earlier hour wins ties). Nothing is written."),
	mcp.WithString("date", mcp.Description("Last day of the 7-day range, YYYY-MM-DD. Defaults to today in the configured timezone.")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var monthsToolDef = mcp.NewTool("archive_months",
	mcp.WithDescription("List the (year, month) pairs that have at least one archived frame, scanned live from the archive."),
	mcp.WithReadOnlyHintAnnotation(true),
)

var publishedToolDef = mcp.NewTool("archive_published",
	mcp.WithDescription("Read the highlights and months manifests as last written, and report whether a rebuild now would change them."),
	mcp.WithReadOnlyHintAnnotation(true),
)

var framesToolDef = mcp.NewTool("archive_frames",
	mcp.WithDescription("List the frames archived for one date, in hour order, with their window membership and any recorded observation."),
	mcp.WithString("date", mcp.Required(), mcp.Description("Date to list, YYYY-MM-DD.")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var runListToolDef = mcp.NewTool("run_list",
	mcp.WithDescription("List recorded capture runs, newest first."),
	mcp.WithNumber("limit", mcp.Description("Maximum runs to return (default 20, max 100).")),
	mcp.WithNumber("offset", mcp.Description("Runs to skip (default 0).")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var observationRecordToolDef = mcp.NewTool("observation_record",
	mcp.WithDescription("Record the water visibility observed in one archived frame. Replaces any earlier observation for the same date and hour."),
	mcp.WithString("date", mcp.Required(), mcp.Description("Frame date, YYYY-MM-DD.")),
	mcp.WithNumber("hour", mcp.Required(), mcp.Description("Frame hour, 0-23.")),
	mcp.WithNumber("visibility_ft", mcp.Description("Estimated visibility in feet. Omit when it cannot be judged.")),
	mcp.WithString("conditions", mcp.Description("Short description of the conditions (markdown allowed).")),
	mcp.WithDestructiveHintAnnotation(false),
)
