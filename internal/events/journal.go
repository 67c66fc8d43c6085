package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxJournalSize is the rotation threshold when none is configured (10MiB).
	DefaultMaxJournalSize = 10 * 1024 * 1024
	// JournalFileExtension is the extension of the active journal and its archives.
	JournalFileExtension = ".jsonl"
	// ArchiveDir holds rotated journals next to the active one.
	ArchiveDir = "archive"
)

// Entry is one journaled event.
type Entry struct {
	ID        string         `json:"id,omitempty"`
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	Subject   string         `json:"subject,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Journal is an append-only JSONL record of events with size-based rotation. It backs `svc logs`.
type Journal struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	path            string
	rotationCounter int
}

// OpenJournal opens or creates the journal at path.
func OpenJournal(path string, maxSize int64) (*Journal, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxJournalSize
	}
	j := &Journal{path: path, maxSize: maxSize}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	if err := j.open(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) open() error {
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat journal: %w", err)
	}
	j.file = file
	j.currentSize = stat.Size()
	return nil
}

// Record appends an event. It is shaped as a Subscriber so it can be attached to a Bus.
func (j *Journal) Record(e Event) {
	_ = j.Write(Entry{
		ID:        e.ID,
		Seq:       e.Seq,
		Timestamp: e.Timestamp,
		EventType: string(e.Type),
		Subject:   e.Subject,
		Details:   e.Data,
	})
}

func (j *Journal) Write(entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return fmt.Errorf("journal closed")
	}
	if j.currentSize+int64(len(data)) > j.maxSize {
		if err := j.rotate(); err != nil {
			return fmt.Errorf("failed to rotate journal: %w", err)
		}
	}
	n, err := j.file.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	j.currentSize += int64(n)
	return nil
}

func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("failed to close current journal: %w", err)
	}
	archiveDir := filepath.Join(filepath.Dir(j.path), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}
	j.rotationCounter++
	base := strings.TrimSuffix(filepath.Base(j.path), JournalFileExtension)
	archiveName := fmt.Sprintf("%s.%s.%d%s", base, time.Now().Format("20060102_150405"), j.rotationCounter, JournalFileExtension)
	if err := os.Rename(j.path, filepath.Join(archiveDir, archiveName)); err != nil {
		return fmt.Errorf("failed to archive journal: %w", err)
	}
	return j.open()
}

// Tail returns the last n entries about subject from the active journal, oldest first.
// An empty subject matches every entry; n <= 0 returns all matches.
func (j *Journal) Tail(subject string, n int) ([]Entry, error) {
	j.mu.Lock()
	path := j.path
	if j.file != nil {
		_ = j.file.Sync()
	}
	j.mu.Unlock()
	return ReadJournal(path, subject, n)
}

// ReadJournal reads a journal file without opening it for writing. Malformed lines are skipped.
func ReadJournal(path, subject string, n int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if subject != "" && e.Subject != subject {
			continue
		}
		out = append(out, e)
		if n > 0 && len(out) > n {
			out = out[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("failed to read journal: %w", err)
	}
	return out, nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	if err := j.file.Sync(); err != nil {
		return err
	}
	err := j.file.Close()
	j.file = nil
	return err
}

func (j *Journal) Path() string {
	return j.path
}

func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.currentSize
}
