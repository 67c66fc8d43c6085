package lock

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// MutexMap hands out one mutex per key. Lock can wait under a context.
type MutexMap[K comparable] struct {
	mu      sync.Mutex
	mutexes map[K]chan struct{}
}

func NewMutexMap[K comparable]() *MutexMap[K] {
	return &MutexMap[K]{
		mutexes: make(map[K]chan struct{}),
	}
}

func (m *MutexMap[K]) Lock(key K) {
	m.getMutex(key) <- struct{}{}
}

// LockContext waits for key's mutex or returns ctx.Err().
func (m *MutexMap[K]) LockContext(ctx context.Context, key K) error {
	select {
	case m.getMutex(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryLock acquires key's mutex only if it is free.
func (m *MutexMap[K]) TryLock(key K) bool {
	select {
	case m.getMutex(key) <- struct{}{}:
		return true
	default:
		return false
	}
}

func (m *MutexMap[K]) Unlock(key K) {
	select {
	case <-m.getMutex(key):
	default:
		panic(fmt.Sprintf("lock: unlock of unlocked key %v", key))
	}
}

// Forget drops the mutex for key. Callers must not hold it.
func (m *MutexMap[K]) Forget(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mutexes, key)
}

func (m *MutexMap[K]) getMutex(key K) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mu, ok := m.mutexes[key]; ok {
		return mu
	}
	mu := make(chan struct{}, 1)
	m.mutexes[key] = mu
	return mu
}

type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("acquire lock (another orbit daemon may be running): %w", err)
	}

	// Write PID to lock file
	if err := f.Truncate(0); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return fmt.Errorf("write PID to lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return fmt.Errorf("sync lock file: %w", err)
	}

	fl.file = f
	return nil
}

func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		fl.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}

	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}

	os.Remove(fl.path)
	fl.file = nil
	return nil
}

// ReadPID returns the PID recorded in a lock file, or 0 if none is readable.
func ReadPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
