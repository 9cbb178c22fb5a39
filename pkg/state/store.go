package state

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// ErrNotExist is returned by Load when the target file does not exist.
var ErrNotExist = errors.New("state: file does not exist")

// Save atomically writes v as JSON to path: write to a sibling temp file,
// fsync it, chmod it, then rename it over the final path. The parent directory
// is created if missing. mode applies to the final file.
func Save(path string, v interface{}, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// Load decodes the JSON document at path into v. Returns ErrNotExist if
// the file is absent; callers typically treat that as "no prior state".
func Load(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotExist
		}
		return err
	}
	return json.Unmarshal(data, v)
}

// Exists reports whether a persisted document is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
