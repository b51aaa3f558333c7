package ops

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pierviz/pierviz/internal/errors"
)

// ValidateImportPath checks a user-supplied observations file path: it must
// be free of ".." components, carry the .csv extension, exist, and not be a
// symlink.
func ValidateImportPath(path string) error {
	if path == "" {
		return errors.NewInvalidRequest("path is required")
	}

	if containsTraversal(path) {
		return errors.NewInvalidRequest("path must not contain directory traversal (..)")
	}

	cleaned := filepath.Clean(path)
	if !strings.EqualFold(filepath.Ext(cleaned), ".csv") {
		return errors.NewInvalidRequest("path must have .csv extension")
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return errors.NewInvalidRequest(fmt.Sprintf("invalid path: %v", err))
	}

	info, err := os.Lstat(absPath)
	if os.IsNotExist(err) {
		return errors.NewNotFound(path)
	}
	if err != nil {
		return errors.NewFilesystem("stat", path, err)
	}
	// O_NOFOLLOW at open time would catch this too; rejecting early gives a clearer error.
	if info.Mode()&os.ModeSymlink != 0 {
		return errors.NewInvalidRequest("path must not be a symlink")
	}
	if !info.Mode().IsRegular() {
		return errors.NewInvalidRequest("path must be a regular file")
	}

	return nil
}

// ValidateExportPath checks a run ledger export destination: no ".."
// components, the .jsonl extension, and not an existing symlink or directory.
func ValidateExportPath(path string) error {
	if path == "" {
		return errors.NewInvalidRequest("path is required")
	}
	if containsTraversal(path) {
		return errors.NewInvalidRequest("path must not contain directory traversal (..)")
	}
	if !strings.EqualFold(filepath.Ext(filepath.Clean(path)), ".jsonl") {
		return errors.NewInvalidRequest("path must have .jsonl extension")
	}

	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.NewFilesystem("stat", path, err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return errors.NewInvalidRequest("path must not be a symlink")
	}
	if info.IsDir() {
		return errors.NewInvalidRequest("path must not be a directory")
	}
	return nil
}

// containsTraversal checks if path contains ".." directory traversal.
func containsTraversal(path string) bool {
	for _, part := range strings.Split(path, string(filepath.Separator)) {
		if part == ".." {
			return true
		}
	}
	// Also check forward slashes on all platforms (e.g., user input)
	if filepath.Separator != '/' {
		for _, part := range strings.Split(path, "/") {
			if part == ".." {
				return true
			}
		}
	}
	return false
}
