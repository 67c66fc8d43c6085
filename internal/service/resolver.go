package service

import (
	"sort"

	"github.com/msageha/orbit/internal/model"
)

type Op int

const (
	OpStart Op = iota
	OpStop
)

func (o Op) String() string {
	if o == OpStop {
		return "stop"
	}
	return "start"
}

// Plan is a resolved operation: Order lists every service to act on, Levels groups them
// into batches that may run in parallel, in execution order.
type Plan struct {
	Op     Op
	Target string
	Order  []string
	Levels [][]string
}

// Resolve returns the services an operation on target touches.
// Start: target's transitive dependencies, deepest first, then target.
// Stop: target's transitive dependents, outermost first, then target.
// Services already in the desired state are included; the executor skips them.
func (r *Registry) Resolve(target string, op Op) (Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.lookupLocked(target)
	if !ok {
		return Plan{}, model.Errorf(model.KindNotFound, "resolve", target, "service not registered")
	}
	name := svc.desc.Name
	edges := r.edgesLocked()

	walk := edges
	if op == OpStop {
		walk = invert(edges)
	}
	closure := make(map[string]bool)
	var visit func(n, from string) error
	visit = func(n, from string) error {
		if closure[n] {
			return nil
		}
		if _, ok := r.byName[n]; !ok {
			return model.Errorf(model.KindNotFound, "resolve", n, "unknown service referenced by %s", from)
		}
		closure[n] = true
		for _, next := range walk[n] {
			if err := visit(next, n); err != nil {
				return err
			}
		}
		return nil
	}
	if err := visit(name, name); err != nil {
		return Plan{}, err
	}

	nodes := make([]string, 0, len(closure))
	for n := range closure {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	order, err := topoSort(nodes, edges)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{Op: op, Target: name}
	if op == OpStart {
		plan.Order = order
		plan.Levels = levels(order, edges)
		return plan, nil
	}
	for i := len(order) - 1; i >= 0; i-- {
		plan.Order = append(plan.Order, order[i])
	}
	plan.Levels = levels(plan.Order, walk)
	return plan, nil
}
