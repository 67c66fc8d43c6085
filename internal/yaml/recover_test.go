package yaml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var quarantineTime = time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

func TestQuarantine(t *testing.T) {
	dir := t.TempDir()
	qdir := filepath.Join(dir, "quarantine")
	path := filepath.Join(dir, "store.yaml")

	for i := 0; i < 2; i++ {
		if err := os.WriteFile(path, []byte("services: [\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		dst, err := Quarantine(qdir, path, quarantineTime)
		if err != nil {
			t.Fatalf("Quarantine #%d: %v", i, err)
		}
		if !strings.HasPrefix(filepath.Base(dst), "store.yaml.20260301T123000") || !strings.HasSuffix(dst, ".corrupt") {
			t.Errorf("unexpected quarantine name %s", dst)
		}
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("original file should be gone")
	}
	entries, err := os.ReadDir(qdir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("quarantined %d files, want 2", len(entries))
	}
}

func TestRecover_RestoresBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.yaml")
	good := "schema_version: 1\nfile_type: config_store\nservices:\n  web: 7\n"
	if err := os.WriteFile(path+".bak", []byte(good), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("services: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	outcome, err := Recover(filepath.Join(dir, "quarantine"), path, FileTypeConfigStore, quarantineTime)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if outcome != RestoredBackup {
		t.Errorf("outcome = %s, want backup", outcome)
	}
	var doc storeDoc
	if err := Read(path, FileTypeConfigStore, &doc); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if doc.Services["web"] != 7 {
		t.Errorf("web = %d, want 7", doc.Services["web"])
	}
}

func TestRecover_BackupOfWrongTypeFallsBackToSkeleton(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.yaml")
	if err := os.WriteFile(path+".bak", []byte("schema_version: 1\nfile_type: service_unit\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("\x00\x01"), 0o644); err != nil {
		t.Fatal(err)
	}

	outcome, err := Recover(filepath.Join(dir, "quarantine"), path, FileTypeConfigStore, quarantineTime)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if outcome != WroteSkeleton {
		t.Errorf("outcome = %s, want skeleton", outcome)
	}
	var doc storeDoc
	if err := Read(path, FileTypeConfigStore, &doc); err != nil {
		t.Fatalf("skeleton unreadable: %v", err)
	}
	if doc.Services == nil || len(doc.Services) != 0 {
		t.Errorf("skeleton services = %v, want empty map", doc.Services)
	}
}

func TestRecover_MissingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	outcome, err := Recover(filepath.Join(dir, "quarantine"), path, FileTypeConfig, quarantineTime)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if outcome != WroteSkeleton {
		t.Errorf("outcome = %s", outcome)
	}
	if err := CheckFile(path, FileTypeConfig); err != nil {
		t.Errorf("CheckFile: %v", err)
	}
}
