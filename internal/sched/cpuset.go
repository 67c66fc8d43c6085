package sched

import (
	"math/bits"
	"strconv"
	"strings"

	"github.com/msageha/orbit/internal/model"
)

// MaxCPUs is the number of CPUs a CPUSet can describe.
const MaxCPUs = model.MaxCPUs

// CPUSet is an affinity mask. The zero value means "no restriction" when used as a thread parameter.
type CPUSet uint64

func NewCPUSet(cpus ...model.CPUID) CPUSet {
	var s CPUSet
	for _, c := range cpus {
		if c >= 0 && c < MaxCPUs {
			s |= 1 << uint(c)
		}
	}
	return s
}

// AllCPUs returns the set {0..n-1}.
func AllCPUs(n int) CPUSet {
	if n >= MaxCPUs {
		return ^CPUSet(0)
	}
	return CPUSet(1)<<uint(n) - 1
}

func (s CPUSet) Has(c model.CPUID) bool {
	return c >= 0 && c < MaxCPUs && s&(1<<uint(c)) != 0
}

func (s CPUSet) Empty() bool { return s == 0 }

func (s CPUSet) Count() int { return bits.OnesCount64(uint64(s)) }

func (s CPUSet) CPUs() []model.CPUID {
	out := make([]model.CPUID, 0, s.Count())
	for v := uint64(s); v != 0; v &= v - 1 {
		out = append(out, model.CPUID(bits.TrailingZeros64(v)))
	}
	return out
}

func (s CPUSet) String() string {
	ids := s.CPUs()
	parts := make([]string, len(ids))
	for i, c := range ids {
		parts[i] = strconv.Itoa(int(c))
	}
	return "{" + strings.Join(parts, ",") + "}"
}
