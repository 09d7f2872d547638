package engine

import (
	"github.com/weftworks/weft/pkg/api"
)

// validateTemplate checks step-id uniqueness, dependency references,
// acyclicity and the step-count bound. It runs at registration so that
// execution can assume a well-formed DAG.
func validateTemplate(tpl api.Template, maxSteps int) error {
	if tpl.Name == "" {
		return api.Errorf(api.KindInvalidInput, "template name is required")
	}
	if len(tpl.Steps) == 0 {
		return api.Errorf(api.KindInvalidInput, "template %s has no steps", tpl.Name)
	}
	if len(tpl.Steps) > maxSteps {
		return api.Errorf(api.KindTooManySteps,
			"template %s has %d steps, maximum is %d", tpl.Name, len(tpl.Steps), maxSteps)
	}

	ids := make(map[string]struct{}, len(tpl.Steps))
	for _, s := range tpl.Steps {
		if s.ID == "" {
			return api.Errorf(api.KindInvalidInput, "template %s has a step without an id", tpl.Name)
		}
		if s.Action == "" {
			return api.Errorf(api.KindInvalidInput, "template %s step %s has no action", tpl.Name, s.ID)
		}
		if _, dup := ids[s.ID]; dup {
			return api.Errorf(api.KindInvalidInput, "template %s has duplicate step id %s", tpl.Name, s.ID)
		}
		ids[s.ID] = struct{}{}
	}

	for _, s := range tpl.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := ids[dep]; !ok {
				return api.Errorf(api.KindInvalidInput,
					"template %s step %s depends on undeclared step %s", tpl.Name, s.ID, dep)
			}
			if dep == s.ID {
				return api.Errorf(api.KindCycleInTemplate,
					"template %s step %s depends on itself", tpl.Name, s.ID)
			}
		}
	}

	if !topoSortable(tpl.Steps) {
		return api.Errorf(api.KindCycleInTemplate, "template %s has a dependency cycle", tpl.Name)
	}
	return nil
}

// topoSortable runs Kahn's algorithm and reports whether every step can
// be ordered, i.e. the dependency graph is acyclic.
func topoSortable(steps []api.Step) bool {
	indegree := make(map[string]int, len(steps))
	successors := make(map[string][]string, len(steps))
	for _, s := range steps {
		indegree[s.ID] += 0
		for _, dep := range s.DependsOn {
			indegree[s.ID]++
			successors[dep] = append(successors[dep], s.ID)
		}
	}

	var ready []string
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}

	visited := 0
	for len(ready) > 0 {
		id := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		visited++
		for _, succ := range successors[id] {
			indegree[succ]--
			if indegree[succ] == 0 {
				ready = append(ready, succ)
			}
		}
	}
	return visited == len(steps)
}

// dagState is the per-execution scheduling state: indegrees and
// successor lists, with completed checkpoint steps already discharged.
type dagState struct {
	indegree   map[string]int
	successors map[string][]string
	ready      []string
	remaining  int
}

// newDAGState seeds the ready set with indegree-0 steps. Steps in
// done are treated as already completed; their edges are discharged.
func newDAGState(steps []api.Step, done map[string]bool) *dagState {
	d := &dagState{
		indegree:   make(map[string]int, len(steps)),
		successors: make(map[string][]string, len(steps)),
	}
	for _, s := range steps {
		if done[s.ID] {
			continue
		}
		d.remaining++
		d.indegree[s.ID] = 0
		for _, dep := range s.DependsOn {
			if done[dep] {
				continue
			}
			d.indegree[s.ID]++
			d.successors[dep] = append(d.successors[dep], s.ID)
		}
	}
	for id, deg := range d.indegree {
		if deg == 0 {
			d.ready = append(d.ready, id)
		}
	}
	return d
}

// wave takes the current ready set and clears it.
func (d *dagState) wave() []string {
	w := d.ready
	d.ready = nil
	return w
}

// complete discharges a finished step's edges and promotes newly-ready
// successors.
func (d *dagState) complete(id string) {
	d.remaining--
	for _, succ := range d.successors[id] {
		d.indegree[succ]--
		if d.indegree[succ] == 0 {
			d.ready = append(d.ready, succ)
		}
	}
}

// fail marks a step finished without unblocking its successors; they can
// never become ready and end up skipped.
func (d *dagState) fail(id string) {
	d.remaining--
}
