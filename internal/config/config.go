package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	perrors "github.com/pierviz/pierviz/internal/errors"
)

// EnvPrefix is the prefix for environment overrides (PIERVIZ_START_HOUR -> start_hour).
const EnvPrefix = "PIERVIZ_"

// DefaultFile is the config file looked up in the working directory when none is given.
const DefaultFile = "pierviz.json"

// DefaultSourcePattern matches a quoted HLS playlist address in the vendor embed page.
const DefaultSourcePattern = `"(https?:(?:\\?/){2}[^"]+?\.m3u8[^"]*)"`

// DefaultUserAgent is sent with the vendor page fetch.
const DefaultUserAgent = "Mozilla/5.0 (compatible; pierviz)"

// Config holds application configuration.
type Config struct {
	// ArchiveRoot is the root of the YYYY/MM/DD/HH.<ext> frame hierarchy.
	ArchiveRoot string `koanf:"archive_root" json:"archive_root"`

	// HighlightsDir receives the flat YYYY-MM-DD_HH.<ext> copies and the highlights manifest.
	HighlightsDir string `koanf:"highlights_dir" json:"highlights_dir"`

	// HighlightsManifest is the manifest file name, relative to HighlightsDir unless absolute.
	HighlightsManifest string `koanf:"highlights_manifest" json:"highlights_manifest"`

	// MonthsManifest is the path of the months index.
	MonthsManifest string `koanf:"months_manifest" json:"months_manifest"`

	// StartHour and EndHour bound the retention window, both inclusive.
	// A start after the end is an empty window: every frame is swept.
	StartHour int `koanf:"start_hour" json:"start_hour"`
	EndHour   int `koanf:"end_hour" json:"end_hour"`

	// Extension of frame files, without the dot.
	Extension string `koanf:"extension" json:"extension"`

	// Timezone is an IANA zone name used for "now"; empty means the process local zone.
	Timezone string `koanf:"timezone" json:"timezone,omitempty"`

	// PageURL is the vendor page embedding the stream source.
	PageURL string `koanf:"page_url" json:"page_url"`

	// StreamURL, when set, is used directly and PageURL is not fetched.
	StreamURL string `koanf:"stream_url" json:"stream_url,omitempty"`

	// SourcePattern extracts the stream address (first capture group) from the page body.
	SourcePattern string `koanf:"source_pattern" json:"source_pattern"`

	FFmpegPath  string `koanf:"ffmpeg_path" json:"ffmpeg_path"`
	FrameWidth  int    `koanf:"frame_width" json:"frame_width"`
	FrameHeight int    `koanf:"frame_height" json:"frame_height"`

	// CaptureTimeoutSeconds bounds a single frame grab. 0 leaves it to the caller.
	CaptureTimeoutSeconds int `koanf:"capture_timeout_seconds" json:"capture_timeout_seconds"`

	// ResolveTimeoutSeconds bounds the page fetch. 0 means no timeout.
	ResolveTimeoutSeconds int `koanf:"resolve_timeout_seconds" json:"resolve_timeout_seconds"`

	// UserAgent is sent with the page fetch; some vendor pages refuse Go's default.
	UserAgent string `koanf:"user_agent" json:"user_agent,omitempty"`

	// EstimatorURL is an OpenAI-compatible chat completions endpoint used to
	// estimate visibility on saved frames. Empty disables estimation.
	EstimatorURL   string `koanf:"estimator_url" json:"estimator_url,omitempty"`
	EstimatorModel string `koanf:"estimator_model" json:"estimator_model"`

	// EstimatorKeyEnv names the environment variable holding the API key.
	// The key itself is never read from the config file.
	EstimatorKeyEnv string `koanf:"estimator_key_env" json:"estimator_key_env"`

	// EstimatorTimeoutSeconds bounds one completion request. 0 means no timeout.
	EstimatorTimeoutSeconds int `koanf:"estimator_timeout_seconds" json:"estimator_timeout_seconds"`

	// DataDir holds the run ledger database.
	DataDir string `koanf:"data_dir" json:"data_dir"`

	LogLevel  string `koanf:"log_level" json:"log_level"`
	LogFormat string `koanf:"log_format" json:"log_format"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	DisabledTools []string `koanf:"disabled_tools" json:"disabled_tools,omitempty"`

	// DisabledTypes disables every MCP tool of the given types ("archive", "run", "observation").
	DisabledTypes []string `koanf:"disabled_types" json:"disabled_types,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ArchiveRoot:             "snapshots",
		HighlightsDir:           filepath.Join("docs", "last7days"),
		HighlightsManifest:      "last7days.json",
		MonthsManifest:          filepath.Join("docs", "months.json"),
		StartHour:               6,
		EndHour:                 19,
		Extension:               "png",
		PageURL:                 "https://coollab.ucsd.edu/pierviz/",
		SourcePattern:           DefaultSourcePattern,
		FFmpegPath:              "ffmpeg",
		FrameWidth:              1920,
		FrameHeight:             940,
		ResolveTimeoutSeconds:   30,
		UserAgent:               DefaultUserAgent,
		EstimatorModel:          "gpt-5.1",
		EstimatorKeyEnv:         "OPENAI_API_KEY",
		EstimatorTimeoutSeconds: 120,
		DataDir:                 ".pierviz",
		LogLevel:                "info",
		LogFormat:               "text",
	}
}

// Load builds the configuration from defaults, the JSON file at path and
// PIERVIZ_* environment variables, in increasing priority.
// An empty path falls back to DefaultFile; a missing file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = DefaultFile
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), parserFor(path)); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat config file %s: %w", path, err)
	}

	envKey := func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.DisabledTools = splitList(cfg.DisabledTools)
	cfg.DisabledTypes = splitList(cfg.DisabledTypes)

	return cfg, nil
}

// parserFor picks the file parser by extension: YAML for .yaml/.yml, JSON otherwise.
func parserFor(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser()
	default:
		return json.Parser()
	}
}

// Validate checks ranges and formats. A start hour after the end hour is allowed.
func (c *Config) Validate() error {
	if c.StartHour < 0 || c.StartHour > 23 {
		return perrors.NewInvalidRequest(fmt.Sprintf("start_hour must be in [0,23], got %d", c.StartHour))
	}
	if c.EndHour < 0 || c.EndHour > 23 {
		return perrors.NewInvalidRequest(fmt.Sprintf("end_hour must be in [0,23], got %d", c.EndHour))
	}
	if strings.TrimSpace(c.ArchiveRoot) == "" {
		return perrors.NewInvalidRequest("archive_root is required")
	}
	if strings.TrimSpace(c.HighlightsDir) == "" {
		return perrors.NewInvalidRequest("highlights_dir is required")
	}
	if strings.TrimSpace(c.HighlightsManifest) == "" {
		return perrors.NewInvalidRequest("highlights_manifest is required")
	}
	if strings.TrimSpace(c.MonthsManifest) == "" {
		return perrors.NewInvalidRequest("months_manifest is required")
	}
	if c.Extension == "" || strings.ContainsAny(c.Extension, `./\`) {
		return perrors.NewInvalidRequest(fmt.Sprintf("extension must be a bare suffix like png, got %q", c.Extension))
	}
	if c.FrameWidth < 0 || c.FrameHeight < 0 {
		return perrors.NewInvalidRequest("frame_width and frame_height must not be negative")
	}
	if c.CaptureTimeoutSeconds < 0 || c.ResolveTimeoutSeconds < 0 || c.EstimatorTimeoutSeconds < 0 {
		return perrors.NewInvalidRequest("timeouts must not be negative")
	}
	if c.StreamURL == "" {
		if c.PageURL == "" {
			return perrors.NewInvalidRequest("page_url or stream_url is required")
		}
		if _, err := c.SourceRegexp(); err != nil {
			return err
		}
	}
	if c.EstimatorURL != "" && strings.TrimSpace(c.EstimatorModel) == "" {
		return perrors.NewInvalidRequest("estimator_model is required when estimator_url is set")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// EmptyWindow reports whether the retention window admits no hour at all.
func (c *Config) EmptyWindow() bool {
	return c.StartHour > c.EndHour
}

// Location returns the zone used to compute the current date and hour.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, perrors.NewInvalidRequest(fmt.Sprintf("unknown timezone %q: %v", c.Timezone, err))
	}
	return loc, nil
}

// SourceRegexp compiles SourcePattern. The pattern must have a capture group.
func (c *Config) SourceRegexp() (*regexp.Regexp, error) {
	re, err := regexp.Compile(c.SourcePattern)
	if err != nil {
		return nil, perrors.NewInvalidRequest(fmt.Sprintf("invalid source_pattern: %v", err))
	}
	if re.NumSubexp() < 1 {
		return nil, perrors.NewInvalidRequest("source_pattern needs a capture group for the stream address")
	}
	return re, nil
}

// HighlightsManifestPath resolves the highlights manifest location.
func (c *Config) HighlightsManifestPath() string {
	if filepath.IsAbs(c.HighlightsManifest) {
		return c.HighlightsManifest
	}
	return filepath.Join(c.HighlightsDir, c.HighlightsManifest)
}

// CaptureTimeout returns the frame grab bound, zero when unbounded.
func (c *Config) CaptureTimeout() time.Duration {
	return time.Duration(c.CaptureTimeoutSeconds) * time.Second
}

// ResolveTimeout returns the page fetch bound, zero when unbounded.
func (c *Config) ResolveTimeout() time.Duration {
	return time.Duration(c.ResolveTimeoutSeconds) * time.Second
}

// EstimatorTimeout returns the completion request bound, zero when unbounded.
func (c *Config) EstimatorTimeout() time.Duration {
	return time.Duration(c.EstimatorTimeoutSeconds) * time.Second
}

// EstimatorKey reads the estimator API key from the environment.
func (c *Config) EstimatorKey() string {
	if c.EstimatorKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.EstimatorKeyEnv)
}

// splitList flattens comma-separated entries (as they arrive from env vars),
// trims whitespace, and removes duplicates.
func splitList(in []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(in))

	for _, item := range in {
		for _, s := range strings.Split(item, ",") {
			s = strings.TrimSpace(s)
			if s != "" && !seen[s] {
				seen[s] = true
				result = append(result, s)
			}
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
