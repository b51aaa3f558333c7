package ops

import (
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pierviz/pierviz/internal/archive"
	"github.com/pierviz/pierviz/internal/config"
	"github.com/pierviz/pierviz/internal/errors"
)

// Month is one entry of the months index.
type Month struct {
	Year  string `json:"year"`
	Month string `json:"month"`
}

// MonthsOutput contains the result of the BuildMonths operation.
type MonthsOutput struct {
	Manifest string  `json:"manifest"`
	Months   []Month `json:"months"`
}

// ScanMonths lists every root/YYYY/MM that has at least one day directory
// (root/YYYY/MM/DD) holding a frame. Entries follow directory listing order,
// which is sorted by name. Hours are not checked against the window.
func ScanMonths(cfg *config.Config) ([]Month, error) {
	root := cfg.ArchiveRoot
	months := []Month{}

	years, err := readDirs(root, archive.IsYearName)
	if err != nil {
		return nil, err
	}
	for _, year := range years {
		mdirs, err := readDirs(filepath.Join(root, year), archive.IsPartName)
		if err != nil {
			return nil, err
		}
		for _, month := range mdirs {
			ok, err := monthHasFrame(filepath.Join(root, year, month), cfg.Extension)
			if err != nil {
				return nil, err
			}
			if ok {
				months = append(months, Month{Year: year, Month: month})
			}
		}
	}

	return months, nil
}

// BuildMonths rescans the archive and rewrites the months manifest.
func BuildMonths(cfg *config.Config) (*MonthsOutput, error) {
	months, err := ScanMonths(cfg)
	if err != nil {
		return nil, err
	}
	if err := writeManifest(cfg.MonthsManifest, months); err != nil {
		return nil, err
	}
	return &MonthsOutput{Manifest: cfg.MonthsManifest, Months: months}, nil
}

// ReadMonths loads the current months manifest.
func ReadMonths(cfg *config.Config) ([]Month, error) {
	var months []Month
	if err := readManifest(cfg.MonthsManifest, &months); err != nil {
		return nil, err
	}
	if months == nil {
		months = []Month{}
	}
	return months, nil
}

func monthHasFrame(dir, ext string) (bool, error) {
	days, err := readDirs(dir, archive.IsPartName)
	if err != nil {
		return false, err
	}
	for _, day := range days {
		path := filepath.Join(dir, day)
		ok, err := archive.HasFrame(path, ext)
		if err != nil {
			return false, errors.NewFilesystem("read", path, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// readDirs returns the names of subdirectories of dir accepted by match,
// in name order. A missing dir has none.
func readDirs(dir string, match func(string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.NewFilesystem("read", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && match(e.Name()) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
