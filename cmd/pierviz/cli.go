package main

import (
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pierviz/pierviz/internal/archive"
	"github.com/pierviz/pierviz/internal/config"
	"github.com/pierviz/pierviz/internal/db"
	"github.com/pierviz/pierviz/internal/errors"
	"github.com/pierviz/pierviz/internal/logger"
	"github.com/pierviz/pierviz/internal/mcp"
	"github.com/pierviz/pierviz/internal/ops"
	"github.com/pierviz/pierviz/internal/stream"
	"github.com/pierviz/pierviz/internal/web"
)

// deps holds what commands share. Zero fields are filled lazily from the
// --config file; tests preset them.
type deps struct {
	cfg *config.Config
	db  *sql.DB
	log *slog.Logger
	now func() time.Time

	resolver  stream.Resolver
	capturer  stream.Capturer
	estimator stream.Estimator

	ownsDB bool
}

// newCLIApp creates the CLI application with all commands.
func newCLIApp(d *deps) *cli.App {
	if d.now == nil {
		d.now = time.Now
	}
	app := &cli.App{
		Name:    "pierviz",
		Usage:   "Hourly pier camera frame archive",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "Config file (default: " + config.DefaultFile + " if present)"},
		},
		Commands: []*cli.Command{
			runCmd(d),
			sweepCmd(d),
			highlightsCmd(d),
			monthsCmd(d),
			migrateCmd(d),
			historyCmd(d),
			exportCmd(d),
			observeCmd(d),
			serveCmd(d),
			mcpCmd(d),
		},
		After: func(*cli.Context) error {
			if d.ownsDB && d.db != nil {
				err := d.db.Close()
				d.db, d.ownsDB = nil, false
				return err
			}
			return nil
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// runCmd creates the run command, the hourly entry point.
func runCmd(d *deps) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Capture the current frame, sweep the archive and rebuild both manifests",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "now", Usage: "Override the clock (RFC 3339)"},
			&cli.StringFlag{Name: "url", EnvVars: []string{"URL"}, Usage: "Page embedding the stream"},
			&cli.StringFlag{Name: "stream-url", Usage: "Stream address; skips page resolution"},
			&cli.IntFlag{Name: "start-hour", EnvVars: []string{"START_HOUR"}, Usage: "First hour of the retention window"},
			&cli.IntFlag{Name: "end-hour", EnvVars: []string{"END_HOUR"}, Usage: "Last hour of the retention window"},
			&cli.BoolFlag{Name: "no-capture", Usage: "Only sweep and rebuild manifests"},
			&cli.BoolFlag{Name: "no-estimate", Usage: "Do not estimate visibility on the saved frame"},
			&cli.BoolFlag{Name: "strict", Usage: "Exit non-zero when a capture was attempted and failed"},
		},
		Action: func(c *cli.Context) error {
			base, err := d.config(c)
			if err != nil {
				return outputError(err)
			}
			cfg := *base
			if c.IsSet("url") {
				cfg.PageURL = c.String("url")
			}
			if c.IsSet("stream-url") {
				cfg.StreamURL = c.String("stream-url")
			}
			if c.IsSet("start-hour") {
				cfg.StartHour = c.Int("start-hour")
			}
			if c.IsSet("end-hour") {
				cfg.EndHour = c.Int("end-hour")
			}
			if err := cfg.Validate(); err != nil {
				return outputError(err)
			}

			now, err := d.clock(&cfg, c.String("now"))
			if err != nil {
				return outputError(err)
			}
			log := d.logger()

			input := ops.RunInput{
				Now:         now,
				SkipCapture: c.Bool("no-capture"),
				Logger:      log,
			}
			if !input.SkipCapture {
				input.Resolver, input.Capturer, err = d.collaborators(&cfg)
				if err != nil {
					return outputError(err)
				}
				if !c.Bool("no-estimate") {
					input.Estimator = d.visibilityEstimator(&cfg)
				}
			}
			if database, err := d.ledger(&cfg); err != nil {
				log.Warn("run ledger unavailable, run will not be recorded", "error", err)
			} else {
				input.DB = database
			}

			output, runErr := ops.Run(c.Context, &cfg, input)
			if output != nil {
				if err := outputJSON(c.App.Writer, output); err != nil {
					return err
				}
			}
			if runErr != nil {
				return outputError(runErr)
			}
			if c.Bool("strict") && output.Capture.Status == db.CaptureFailed {
				return cli.Exit(fmt.Sprintf("[%s] %s", output.Capture.Code, output.Capture.Detail), 1)
			}
			return nil
		},
	}
}

// sweepCmd creates the sweep command.
func sweepCmd(d *deps) *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Delete frames outside the retention window",
		Action: func(c *cli.Context) error {
			cfg, err := d.config(c)
			if err != nil {
				return outputError(err)
			}
			var output *ops.SweepOutput
			err = withArchiveLock(cfg, func() (err error) {
				output, err = ops.Sweep(c.Context, cfg)
				return err
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// highlightsCmd creates the highlights command.
func highlightsCmd(d *deps) *cli.Command {
	return &cli.Command{
		Name:  "highlights",
		Usage: "Rebuild the last-7-days highlights directory and manifest",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "now", Usage: "Override the clock (RFC 3339)"},
			&cli.BoolFlag{Name: "dry-run", Usage: "Show the selection without writing anything"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := d.config(c)
			if err != nil {
				return outputError(err)
			}
			now, err := d.clock(cfg, c.String("now"))
			if err != nil {
				return outputError(err)
			}
			lookup := d.observations(cfg)

			if c.Bool("dry-run") {
				entries, err := ops.PreviewHighlights(cfg, now, lookup)
				if err != nil {
					return outputError(err)
				}
				return outputJSON(c.App.Writer, entries)
			}

			var output *ops.HighlightsOutput
			err = withArchiveLock(cfg, func() (err error) {
				output, err = ops.BuildHighlights(c.Context, cfg, ops.HighlightsInput{Now: now, Observations: lookup})
				return err
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// monthsCmd creates the months command.
func monthsCmd(d *deps) *cli.Command {
	return &cli.Command{
		Name:  "months",
		Usage: "Rebuild the months index",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "dry-run", Usage: "List the months without writing the index"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := d.config(c)
			if err != nil {
				return outputError(err)
			}

			if c.Bool("dry-run") {
				months, err := ops.ScanMonths(cfg)
				if err != nil {
					return outputError(err)
				}
				return outputJSON(c.App.Writer, months)
			}

			var output *ops.MonthsOutput
			err = withArchiveLock(cfg, func() (err error) {
				output, err = ops.BuildMonths(cfg)
				return err
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// migrateCmd creates the migrate command.
func migrateCmd(d *deps) *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Move legacy YYYY-MM-DD directories into the YYYY/MM/DD layout",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "dry-run", Usage: "Report what would move without moving it"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := d.config(c)
			if err != nil {
				return outputError(err)
			}
			var output *ops.MigrateOutput
			err = withArchiveLock(cfg, func() (err error) {
				output, err = ops.Migrate(c.Context, cfg, ops.MigrateInput{DryRun: c.Bool("dry-run")})
				return err
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// historyCmd creates the history command.
func historyCmd(d *deps) *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List recorded runs, newest first",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: ops.DefaultListLimit, Usage: "Maximum items to return"},
			&cli.IntFlag{Name: "offset", Aliases: []string{"o"}, Value: 0, Usage: "Items to skip"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := d.config(c)
			if err != nil {
				return outputError(err)
			}
			database, err := d.ledger(cfg)
			if err != nil {
				return outputError(err)
			}

			output, err := ops.ListRuns(database, ops.ListRunsInput{
				Limit:  c.Int("limit"),
				Offset: c.Int("offset"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// exportCmd creates the export command.
func exportCmd(d *deps) *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Export the run ledger to a JSONL file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Usage: "Export file path (default: <data_dir>/exports/runs-<timestamp>.jsonl)"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := d.config(c)
			if err != nil {
				return outputError(err)
			}
			database, err := d.ledger(cfg)
			if err != nil {
				return outputError(err)
			}

			output, err := ops.ExportRuns(c.Context, database, cfg, ops.ExportRunsInput{Path: c.String("path")}, d.now())
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c.App.Writer, output)
		},
	}
}

// observeCmd creates the observe command group.
func observeCmd(d *deps) *cli.Command {
	return &cli.Command{
		Name:  "observe",
		Usage: "Record visibility observations for archived frames",
		Subcommands: []*cli.Command{
			{
				Name:  "record",
				Usage: "Record one observation",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "date", Aliases: []string{"d"}, Required: true, Usage: "Frame date (YYYY-MM-DD)"},
					&cli.IntFlag{Name: "hour", Required: true, Usage: "Frame hour (0-23)"},
					&cli.Float64Flag{Name: "visibility", Usage: "Estimated visibility in feet"},
					&cli.StringFlag{Name: "conditions", Usage: "Free-form notes (markdown)"},
				},
				Action: func(c *cli.Context) error {
					cfg, err := d.config(c)
					if err != nil {
						return outputError(err)
					}
					database, err := d.ledger(cfg)
					if err != nil {
						return outputError(err)
					}

					input := ops.RecordObservationInput{
						Date:       c.String("date"),
						Hour:       c.Int("hour"),
						Conditions: c.String("conditions"),
					}
					if c.IsSet("visibility") {
						v := c.Float64("visibility")
						input.VisibilityFt = &v
					}

					output, err := ops.RecordObservation(database, input, d.now())
					if err != nil {
						return outputError(err)
					}
					return outputJSON(c.App.Writer, output)
				},
			},
			{
				Name:      "import",
				Usage:     "Import observations from a timestamp,visibility_ft,conditions CSV file",
				ArgsUsage: "<path>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return outputError(errors.NewInvalidRequest("exactly one CSV path is required"))
					}
					cfg, err := d.config(c)
					if err != nil {
						return outputError(err)
					}
					database, err := d.ledger(cfg)
					if err != nil {
						return outputError(err)
					}

					output, err := ops.ImportObservations(database, ops.ImportObservationsInput{Path: c.Args().First()}, d.now())
					if err != nil {
						return outputError(err)
					}
					return outputJSON(c.App.Writer, output)
				},
			},
			{
				Name:  "backfill",
				Usage: "Estimate visibility for every frame of a month that has no observation yet",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "month", Aliases: []string{"m"}, Required: true, Usage: "Month to backfill (YYYY-MM)"},
					&cli.IntFlag{Name: "workers", Aliases: []string{"w"}, Value: ops.DefaultBackfillWorkers, Usage: "Concurrent estimate requests"},
				},
				Action: func(c *cli.Context) error {
					cfg, err := d.config(c)
					if err != nil {
						return outputError(err)
					}
					est := d.visibilityEstimator(cfg)
					if est == nil {
						return outputError(errors.NewInvalidRequest("estimator_url is not configured"))
					}
					database, err := d.ledger(cfg)
					if err != nil {
						return outputError(err)
					}

					output, err := ops.Backfill(c.Context, database, cfg, ops.BackfillInput{
						Month:     c.String("month"),
						Estimator: est,
						Workers:   c.Int("workers"),
						Logger:    d.logger(),
					})
					if err != nil {
						return outputError(err)
					}
					return outputJSON(c.App.Writer, output)
				},
			},
		},
	}
}

// serveCmd creates the serve command.
func serveCmd(d *deps) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the archive preview UI",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Value: "127.0.0.1", Usage: "Address to bind"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Value: 8080, Usage: "Port to listen on"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := d.config(c)
			if err != nil {
				return outputError(err)
			}
			log := d.logger()
			database, err := d.ledger(cfg)
			if err != nil {
				log.Warn("run ledger unavailable, runs page disabled", "error", err)
				database = nil
			}

			srv, err := web.NewServer(database, cfg, log, Version, c.String("bind"), c.Int("port"))
			if err != nil {
				return outputError(errors.NewInternal(err))
			}
			return web.Run(srv, log)
		},
	}
}

// mcpCmd creates the mcp command. It is also what runs on piped stdin
// without arguments.
func mcpCmd(d *deps) *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve MCP tools over stdio",
		Action: func(c *cli.Context) error {
			cfg, err := d.config(c)
			if err != nil {
				return outputError(err)
			}
			database, err := d.ledger(cfg)
			if err != nil {
				return outputError(err)
			}
			return mcp.Run(database, cfg, Version)
		},
	}
}

// config loads and validates the configuration once.
func (d *deps) config(c *cli.Context) (*config.Config, error) {
	if d.cfg != nil {
		return d.cfg, nil
	}
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, errors.NewInvalidRequest(err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d.cfg = cfg
	return cfg, nil
}

func (d *deps) logger() *slog.Logger {
	if d.log == nil {
		cfg := d.cfg
		if cfg == nil {
			cfg = config.DefaultConfig()
		}
		d.log = logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	}
	return d.log
}

// ledger opens the run ledger under cfg.DataDir on first use.
func (d *deps) ledger(cfg *config.Config) (*sql.DB, error) {
	if d.db != nil {
		return d.db, nil
	}
	database, err := db.Init(cfg.DataDir)
	if err != nil {
		return nil, errors.NewInternal(fmt.Errorf("open run ledger: %w", err))
	}
	d.db, d.ownsDB = database, true
	return database, nil
}

// observations returns a lookup backed by the ledger, or nil when the
// ledger cannot be opened.
func (d *deps) observations(cfg *config.Config) ops.ObservationLookup {
	database, err := d.ledger(cfg)
	if err != nil {
		d.logger().Warn("run ledger unavailable, highlights carry no observations", "error", err)
		return nil
	}
	return ops.LookupObservations(database)
}

// clock returns now (or the RFC 3339 override) in the configured zone.
func (d *deps) clock(cfg *config.Config, override string) (time.Time, error) {
	loc, err := cfg.Location()
	if err != nil {
		return time.Time{}, err
	}
	if override == "" {
		return d.now().In(loc), nil
	}
	t, err := time.Parse(time.RFC3339, override)
	if err != nil {
		return time.Time{}, errors.NewInvalidRequest(fmt.Sprintf("invalid --now %q: want RFC 3339", override))
	}
	return t.In(loc), nil
}

// collaborators builds the stream resolver and frame capturer for cfg.
func (d *deps) collaborators(cfg *config.Config) (stream.Resolver, stream.Capturer, error) {
	resolver, capturer := d.resolver, d.capturer
	if resolver == nil {
		if cfg.StreamURL != "" {
			resolver = stream.StaticResolver(cfg.StreamURL)
		} else {
			re, err := cfg.SourceRegexp()
			if err != nil {
				return nil, nil, err
			}
			r := stream.NewHTTPResolver(cfg.PageURL, re, cfg.ResolveTimeout())
			r.UserAgent = cfg.UserAgent
			resolver = r
		}
	}
	if capturer == nil {
		capturer = &stream.FFmpegCapturer{
			Binary:  cfg.FFmpegPath,
			Width:   cfg.FrameWidth,
			Height:  cfg.FrameHeight,
			Timeout: cfg.CaptureTimeout(),
		}
	}
	return resolver, capturer, nil
}

// visibilityEstimator returns the configured estimator, or nil when
// estimator_url is unset.
func (d *deps) visibilityEstimator(cfg *config.Config) stream.Estimator {
	if d.estimator != nil {
		return d.estimator
	}
	if cfg.EstimatorURL == "" {
		return nil
	}
	return stream.NewChatEstimator(cfg.EstimatorURL, cfg.EstimatorModel, cfg.EstimatorKey(), cfg.EstimatorTimeout())
}

// withArchiveLock runs fn while holding the archive lock, so standalone
// commands never race an hourly run.
func withArchiveLock(cfg *config.Config, fn func() error) error {
	lock, err := archive.Acquire(cfg.ArchiveRoot)
	if err != nil {
		return err
	}
	defer lock.Release()
	return fn()
}

// Helper functions

// outputJSON marshals result to w as JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	var pErr *errors.PierError
	if stderrors.As(err, &pErr) {
		return cli.Exit(fmt.Sprintf("[%s] %s", pErr.Code, pErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}
