package yaml

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// WriteRaw replaces path with content. The bytes go to a temp file in the same directory which is
// synced and renamed over path; a readable previous version is kept as path.bak.
func WriteRaw(path string, content []byte) error {
	if err := Decode(content, "", nil); err != nil {
		return fmt.Errorf("refusing to write %s: %w", filepath.Base(path), err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	renamed := false
	defer func() {
		if !renamed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := keepBackup(path); err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	renamed = true
	syncDir(dir)
	return nil
}

// keepBackup copies the current content of path to path.bak. A corrupt file never replaces a
// good backup.
func keepBackup(path string) error {
	prev, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if Decode(prev, "", nil) != nil {
		return nil
	}
	return os.WriteFile(path+".bak", prev, 0o644)
}

// syncDir flushes the rename. Some filesystems reject fsync on directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
