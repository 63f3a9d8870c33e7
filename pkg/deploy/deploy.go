package deploy

import (
	"sort"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// Candidate is the planner's view of one active (Pending or Running) instance
type Candidate struct {
	ID        string
	Current   bool // runs the current template
	Ready     bool
	CreatedAt time.Time
}

// Plan is one reconcile step for a stateless workload
type Plan struct {
	// Create is the number of new instances to start on the current template
	Create int

	// Terminate lists instances to stop, in order
	Terminate []string
}

// Empty reports whether the step does nothing
func (p Plan) Empty() bool {
	return p.Create == 0 && len(p.Terminate) == 0
}

// Done reports whether the set has converged: exactly desired instances, all
// on the current template.
func Done(desired int, instances []Candidate) bool {
	if len(instances) != desired {
		return false
	}
	for _, c := range instances {
		if !c.Current {
			return false
		}
	}
	return true
}

// Compute returns the next step that moves instances toward desired replicas
// of the current template without exceeding desired+maxSurge instances or
// letting ready instances drop below desired-maxUnavailable.
//
// Scaling is the degenerate case with no outdated instances. Scale-down is
// not strict LIFO: unready instances are terminated first whatever their
// age, and only then ready ones, most recently created first. Removing an
// instance that serves no traffic never lowers availability, so a newer
// ready instance outlives an older unready one.
func Compute(desired int, strategy types.UpdateStrategy, instances []Candidate) Plan {
	surge, unavailable := strategy.Bounds()
	maxTotal := desired + surge
	minAvailable := desired - unavailable
	if minAvailable < 0 {
		minAvailable = 0
	}

	var current, outdated []Candidate
	available := 0
	for _, c := range instances {
		if c.Ready {
			available++
		}
		if c.Current {
			current = append(current, c)
		} else {
			outdated = append(outdated, c)
		}
	}
	sortForTermination(current)
	sortForTermination(outdated)

	var plan Plan
	total := len(instances)

	// Current instances beyond desired go first
	for len(current) > desired {
		c := current[0]
		current = current[1:]
		plan.Terminate = append(plan.Terminate, c.ID)
		total--
		if c.Ready {
			available--
		}
	}

	// Outdated instances: unready ones are free to remove, ready ones only
	// while availability stays within budget.
	for _, c := range outdated {
		if c.Ready {
			if available-1 < minAvailable {
				continue
			}
			available--
		}
		plan.Terminate = append(plan.Terminate, c.ID)
		total--
	}

	create := desired - len(current)
	if room := maxTotal - total; room < create {
		create = room
	}
	if create > 0 {
		plan.Create = create
	}
	return plan
}

// sortForTermination orders unready before ready, then newest first
func sortForTermination(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Ready != cs[j].Ready {
			return !cs[i].Ready
		}
		if !cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CreatedAt.After(cs[j].CreatedAt)
		}
		return cs[i].ID > cs[j].ID
	})
}
