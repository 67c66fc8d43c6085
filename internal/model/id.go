package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"sync/atomic"
	"time"
)

type (
	ThreadID   uint64
	ProcessID  uint64
	ServiceID  uint64
	InstanceID uint64
	CPUID      int
)

func (id ThreadID) String() string   { return "thread:" + strconv.FormatUint(uint64(id), 10) }
func (id ServiceID) String() string  { return "service:" + strconv.FormatUint(uint64(id), 10) }
func (id InstanceID) String() string { return "instance:" + strconv.FormatUint(uint64(id), 10) }
func (id CPUID) String() string      { return "cpu:" + strconv.Itoa(int(id)) }

// MaxCPUs bounds the CPU count of one scheduler instance.
const MaxCPUs = 64

// NoCPU marks a thread that has never been attached to a run structure.
const NoCPU CPUID = -1

// Sequence hands out monotonically increasing ids starting at 1.
type Sequence struct {
	n atomic.Uint64
}

func (s *Sequence) Next() uint64 {
	return s.n.Add(1)
}

// Reset sets the sequence so the next value is after v.
func (s *Sequence) Reset(v uint64) {
	s.n.Store(v)
}

type IDType string

const (
	IDTypeEvent   IDType = "evt"
	IDTypeRequest IDType = "req"
)

var validIDTypes = map[IDType]bool{
	IDTypeEvent:   true,
	IDTypeRequest: true,
}

var idRegex = regexp.MustCompile(`^(evt|req)_[0-9]{10}_[0-9a-f]{8}$`)

// GenerateID returns an opaque correlation id such as evt_1700000000_0a1b2c3d.
func GenerateID(idType IDType, now time.Time) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return fmt.Sprintf("%s_%010d_%s", idType, now.Unix(), hex.EncodeToString(randomBytes)), nil
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}
