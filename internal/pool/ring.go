package pool

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/msageha/orbit/internal/model"
)

// vnodesPerWeight is the number of ring points one unit of weight buys.
const vnodesPerWeight = 64

type vnode struct {
	hash uint64
	id   model.InstanceID
}

// ring is a consistent-hash ring keyed by xxhash64.
type ring struct {
	nodes []vnode
}

func newRing() *ring { return &ring{} }

func (r *ring) add(id model.InstanceID, weight int) {
	base := strconv.FormatUint(uint64(id), 10) + "#"
	for v := 0; v < weight*vnodesPerWeight; v++ {
		r.nodes = append(r.nodes, vnode{hash: xxhash.Sum64String(base + strconv.Itoa(v)), id: id})
	}
	sort.Slice(r.nodes, func(i, j int) bool {
		if r.nodes[i].hash != r.nodes[j].hash {
			return r.nodes[i].hash < r.nodes[j].hash
		}
		return r.nodes[i].id < r.nodes[j].id
	})
}

func (r *ring) remove(id model.InstanceID) {
	kept := r.nodes[:0]
	for _, n := range r.nodes {
		if n.id != id {
			kept = append(kept, n)
		}
	}
	r.nodes = kept
}

// lookup walks clockwise from key's hash to the first point whose instance passes ok.
func (r *ring) lookup(key string, ok func(model.InstanceID) bool) (model.InstanceID, bool) {
	if len(r.nodes) == 0 {
		return 0, false
	}
	h := xxhash.Sum64String(key)
	start := sort.Search(len(r.nodes), func(i int) bool { return r.nodes[i].hash >= h })
	for i := 0; i < len(r.nodes); i++ {
		n := r.nodes[(start+i)%len(r.nodes)]
		if ok(n.id) {
			return n.id, true
		}
	}
	return 0, false
}
