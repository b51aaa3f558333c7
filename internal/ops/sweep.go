package ops

import (
	"context"
	stderrors "errors"
	"io/fs"
	"os"

	"github.com/pierviz/pierviz/internal/archive"
	"github.com/pierviz/pierviz/internal/config"
	"github.com/pierviz/pierviz/internal/errors"
)

// SweepOutput contains the result of the Sweep operation.
type SweepOutput struct {
	Deleted []string `json:"deleted"`
	Kept    int      `json:"kept"`
}

// Sweep deletes every frame under the archive root whose hour falls outside
// [cfg.StartHour, cfg.EndHour]. Frames are matched at any depth, so leftovers
// in legacy directories are swept too. Files whose stem is not a decimal hour
// are never touched. Running Sweep twice deletes nothing the second time.
func Sweep(ctx context.Context, cfg *config.Config) (*SweepOutput, error) {
	out := &SweepOutput{Deleted: []string{}}

	for f, err := range archive.Walk(cfg.ArchiveRoot, cfg.Extension) {
		if err != nil {
			return nil, errors.NewFilesystem("walk", cfg.ArchiveRoot, err)
		}
		if err := checkCancelled(ctx, "sweep"); err != nil {
			return nil, err
		}

		if inWindow(f.Hour, cfg.StartHour, cfg.EndHour) {
			out.Kept++
			continue
		}
		if err := os.Remove(f.Path); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
			return nil, errors.NewFilesystem("remove", f.Path, err)
		}
		out.Deleted = append(out.Deleted, f.Path)
	}

	return out, nil
}
