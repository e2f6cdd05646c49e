package transfer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"lanbeam/models"
)

const partialSuffix = ".part"

// FilePersister writes reassembled files into Dir. Existing files are never
// overwritten: a " (n)" suffix is added before the extension instead.
type FilePersister struct {
	Dir string
}

// Persist writes data to a temporary file and renames it into place.
func (p FilePersister) Persist(desc models.FileDescriptor, data []byte) (string, error) {
	if p.Dir == "" {
		return "", errors.New("download directory is required")
	}
	name := sanitizeName(desc.Name)
	if name == "" {
		return "", fmt.Errorf("invalid file name %q", desc.Name)
	}
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}

	tmp, err := os.CreateTemp(p.Dir, "."+name+"-*"+partialSuffix)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("close temp file: %w", err)
	}

	target, err := availablePath(p.Dir, name)
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, target); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("move file into place: %w", err)
	}
	return target, nil
}

func availablePath(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for i := 0; i < 10000; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		path := filepath.Join(dir, candidate)
		if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
			return path, nil
		} else if err != nil {
			return "", fmt.Errorf("stat %q: %w", path, err)
		}
	}
	return "", fmt.Errorf("no free file name for %q", name)
}
