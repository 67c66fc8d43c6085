package yaml

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Outcome records how Recover rebuilt a document.
type Outcome int

const (
	RestoredBackup Outcome = iota + 1
	WroteSkeleton
)

func (o Outcome) String() string {
	switch o {
	case RestoredBackup:
		return "backup"
	case WroteSkeleton:
		return "skeleton"
	default:
		return "none"
	}
}

// Quarantine moves path into dir as <name>.<timestamp>.corrupt and returns the new location.
// Earlier quarantined copies with the same timestamp are never overwritten.
func Quarantine(dir, path string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}
	stem := filepath.Base(path) + "." + now.UTC().Format("20060102T150405")
	dst := filepath.Join(dir, stem+".corrupt")
	for n := 1; ; n++ {
		if _, err := os.Lstat(dst); errors.Is(err, fs.ErrNotExist) {
			break
		}
		dst = filepath.Join(dir, fmt.Sprintf("%s.%d.corrupt", stem, n))
	}
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}

// Recover quarantines the unreadable document at path and rebuilds it from path.bak when that is
// a valid document of fileType, or from an empty skeleton otherwise.
func Recover(quarantineDir, path, fileType string, now time.Time) (Outcome, error) {
	if _, err := Quarantine(quarantineDir, path, now); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, err
	}
	if bak, err := os.ReadFile(path + ".bak"); err == nil && Decode(bak, fileType, nil) == nil {
		if err := os.WriteFile(path, bak, 0o644); err != nil {
			return 0, fmt.Errorf("restore backup: %w", err)
		}
		return RestoredBackup, nil
	}
	if err := Write(path, skeleton(fileType)); err != nil {
		return 0, fmt.Errorf("write skeleton: %w", err)
	}
	return WroteSkeleton, nil
}

func skeleton(fileType string) map[string]any {
	doc := map[string]any{
		"schema_version": CurrentSchemaVersion,
		"file_type":      fileType,
	}
	if fileType == FileTypeConfigStore {
		doc["services"] = map[string]any{}
	}
	return doc
}
