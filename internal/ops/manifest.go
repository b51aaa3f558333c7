package ops

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pierviz/pierviz/internal/errors"
)

// writeManifest writes v as compact JSON to path. The document goes to a
// sibling temp file first and is renamed into place, so readers of path see
// either the previous manifest or the complete new one.
func writeManifest(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.NewInternal(err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.NewFilesystem("mkdir", dir, err)
	}

	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return errors.NewInternal(fmt.Errorf("failed to generate temp file name: %w", err))
	}
	tempPath := path + "." + hex.EncodeToString(randBytes) + ".tmp"
	file, err := openFileNoFollow(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.NewFilesystem("create", tempPath, err)
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

	if _, err := file.Write(data); err != nil {
		return errors.NewFilesystem("write", tempPath, err)
	}
	if err := file.Sync(); err != nil {
		return errors.NewFilesystem("sync", tempPath, err)
	}
	// Close before rename (required on Windows; fine elsewhere).
	if err := file.Close(); err != nil {
		return errors.NewFilesystem("close", tempPath, err)
	}
	file = nil

	// os.Rename would replace a symlink itself, but refuse anyway so a
	// planted link is noticed rather than silently dropped.
	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return errors.NewInvalidRequest(fmt.Sprintf("manifest path is a symlink: %s", path))
	}

	if err := os.Rename(tempPath, path); err != nil {
		return errors.NewFilesystem("rename", path, err)
	}

	success = true
	return nil
}

// readManifest decodes the JSON manifest at path into v.
// A missing manifest is NOT_FOUND.
func readManifest(path string, v any) error {
	file, err := openFileNoFollowRead(path)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) || errors.Is(err, errors.ErrInvalidRequest) {
			return err
		}
		return errors.NewFilesystem("open", path, err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(v); err != nil {
		return errors.NewInvalidRequest(fmt.Sprintf("malformed manifest %s: %v", path, err))
	}
	return nil
}
