package ops

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/pierviz/pierviz/internal/config"
	"github.com/pierviz/pierviz/internal/db"
	"github.com/pierviz/pierviz/internal/errors"
)

// ExportSchemaVersion is written in the header line of every export.
const ExportSchemaVersion = "1.0"

// ExportRunsInput contains parameters for the ExportRuns operation.
type ExportRunsInput struct {
	Path string // optional, default: <data_dir>/exports/runs-<timestamp>.jsonl
}

// ExportRunsOutput contains the result of the ExportRuns operation.
type ExportRunsOutput struct {
	Path       string `json:"path"`
	Count      int    `json:"count"`
	ExportedAt int64  `json:"exported_at"`
}

// ExportHeader is the first line of a run ledger export.
type ExportHeader struct {
	PiervizExport bool   `json:"_pierviz_export"`
	SchemaVersion string `json:"schema_version"`
	ExportedAt    int64  `json:"exported_at"`
}

// ExportRuns writes the run ledger, oldest run first, to a JSONL file: one
// header line followed by one run per line.
func ExportRuns(ctx context.Context, database *sql.DB, cfg *config.Config, input ExportRunsInput, now time.Time) (*ExportRunsOutput, error) {
	exportedAt := now.Unix()

	exportPath := input.Path
	if exportPath == "" {
		exportPath = defaultExportPath(cfg, now)
	}
	if err := ValidateExportPath(exportPath); err != nil {
		return nil, err
	}

	dir := filepath.Dir(exportPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.NewFilesystem("mkdir", dir, err)
	}

	// Write to temp file first, then atomic rename to preserve existing file on failure
	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("generate temp file name: %w", err))
	}
	tempPath := exportPath + "." + hex.EncodeToString(randBytes) + ".tmp"
	file, err := openFileNoFollow(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.NewFilesystem("create", tempPath, err)
	}

	success := false
	defer func() {
		if file != nil {
			file.Close()
		}
		if !success {
			os.Remove(tempPath)
		}
	}()

	enc := json.NewEncoder(file)
	if err := enc.Encode(ExportHeader{
		PiervizExport: true,
		SchemaVersion: ExportSchemaVersion,
		ExportedAt:    exportedAt,
	}); err != nil {
		return nil, errors.NewFilesystem("write", tempPath, err)
	}

	rows, err := db.StreamRuns(ctx, database)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		if err := checkCancelled(ctx, "export"); err != nil {
			return nil, err
		}
		run, err := db.ScanRun(rows)
		if err != nil {
			return nil, err
		}
		if err := enc.Encode(run); err != nil {
			return nil, errors.NewFilesystem("write", tempPath, err)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}

	if err := file.Sync(); err != nil {
		return nil, errors.NewFilesystem("sync", tempPath, err)
	}
	// Close before atomic replace (required on Windows; fine elsewhere).
	if err := file.Close(); err != nil {
		return nil, errors.NewFilesystem("close", tempPath, err)
	}
	file = nil

	// os.Rename would follow a symlink at the destination.
	if info, err := os.Lstat(exportPath); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return nil, errors.NewInvalidRequest("export path is a symlink")
	}

	// On Windows os.Rename fails if the destination exists; the existing
	// file is kept rather than deleted first.
	if err := os.Rename(tempPath, exportPath); err != nil {
		if runtime.GOOS == "windows" {
			if _, statErr := os.Stat(exportPath); statErr == nil {
				return nil, errors.NewInvalidRequest("export destination already exists; choose a new path or delete the existing file")
			}
		}
		return nil, errors.NewFilesystem("rename", exportPath, err)
	}

	success = true
	return &ExportRunsOutput{
		Path:       exportPath,
		Count:      count,
		ExportedAt: exportedAt,
	}, nil
}

// defaultExportPath returns <data_dir>/exports/runs-<timestamp>.jsonl.
func defaultExportPath(cfg *config.Config, now time.Time) string {
	name := fmt.Sprintf("runs-%s.jsonl", now.UTC().Format("2006-01-02T150405"))
	return filepath.Join(cfg.DataDir, "exports", name)
}
