package ops

import (
	"context"
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pierviz/pierviz/internal/archive"
	"github.com/pierviz/pierviz/internal/config"
	"github.com/pierviz/pierviz/internal/errors"
)

// MigrateInput contains parameters for the Migrate operation.
type MigrateInput struct {
	// DryRun reports what would move without touching the archive.
	DryRun bool
}

// MigratedDir describes one legacy directory folded into the nested layout.
type MigratedDir struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Moved int    `json:"moved"`
}

// MigrateOutput contains the result of the Migrate operation.
type MigrateOutput struct {
	Dirs   []MigratedDir `json:"dirs"`
	DryRun bool          `json:"dry_run"`
}

// Migrate moves the contents of every legacy root/YYYY-MM-DD directory into
// root/YYYY/MM/DD and removes the emptied legacy directory. Same-named files
// already at the destination are overwritten; same-named subdirectories are
// merged. Only direct children of root
// are considered, so nested day directories never match and a second run is
// a no-op.
func Migrate(ctx context.Context, cfg *config.Config, input MigrateInput) (*MigrateOutput, error) {
	root := cfg.ArchiveRoot
	out := &MigrateOutput{Dirs: []MigratedDir{}, DryRun: input.DryRun}

	entries, err := os.ReadDir(root)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return out, nil
		}
		return nil, errors.NewFilesystem("read", root, err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		day, ok := archive.ParseLegacyDayName(e.Name())
		if !ok {
			continue
		}
		if err := checkCancelled(ctx, "migrate"); err != nil {
			return nil, err
		}

		from := filepath.Join(root, e.Name())
		to := day.Dir(root)
		moved, err := migrateDir(from, to, input.DryRun)
		if err != nil {
			return nil, err
		}
		out.Dirs = append(out.Dirs, MigratedDir{From: from, To: to, Moved: moved})
	}

	return out, nil
}

func migrateDir(from, to string, dryRun bool) (int, error) {
	items, err := os.ReadDir(from)
	if err != nil {
		return 0, errors.NewFilesystem("read", from, err)
	}
	if dryRun {
		return len(items), nil
	}
	if err := mergeDir(from, to, items); err != nil {
		return 0, err
	}
	return len(items), nil
}

// mergeDir moves items from one directory into another and removes the
// emptied source. A subdirectory whose name already exists as a directory at
// the destination is merged entry by entry.
func mergeDir(from, to string, items []fs.DirEntry) error {
	if err := os.MkdirAll(to, 0755); err != nil {
		return errors.NewFilesystem("mkdir", to, err)
	}

	for _, item := range items {
		src := filepath.Join(from, item.Name())
		dst := filepath.Join(to, item.Name())
		if item.IsDir() {
			if info, err := os.Lstat(dst); err == nil && info.IsDir() {
				sub, err := os.ReadDir(src)
				if err != nil {
					return errors.NewFilesystem("read", src, err)
				}
				if err := mergeDir(src, dst, sub); err != nil {
					return err
				}
				continue
			}
		}
		if err := os.Rename(src, dst); err != nil {
			return errors.NewFilesystem("rename", src, err)
		}
	}

	if err := os.Remove(from); err != nil {
		return errors.NewFilesystem("remove", from, err)
	}
	return nil
}
