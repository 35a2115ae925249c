package domain

import "fmt"

// DAG is the dependency graph of stage instances for one participant.
// Edges run from producer to consumer where an output kind satisfies a
// required input kind. Cross-modal dependencies (diffusion stages reading
// anatomical outputs) are ordinary edges; the scheduler never special-cases
// them.
type DAG struct {
	Participant ParticipantID
	Instances   map[StageID]*StageInstance
	// Producers maps each instance to the stages whose outputs it consumes.
	Producers map[StageID][]StageID
	// Consumers is the reverse adjacency, used for failure propagation.
	Consumers map[StageID][]StageID
}

// NewDAG returns an empty DAG for the given participant.
func NewDAG(p ParticipantID) *DAG {
	return &DAG{
		Participant: p,
		Instances:   make(map[StageID]*StageInstance),
		Producers:   make(map[StageID][]StageID),
		Consumers:   make(map[StageID][]StageID),
	}
}

// Add inserts an instance. Adding the same stage twice is a builder bug.
func (d *DAG) Add(si *StageInstance) error {
	id := si.Definition.ID
	if _, ok := d.Instances[id]; ok {
		return fmt.Errorf("stage %q already present in DAG for participant %q", id, d.Participant)
	}
	d.Instances[id] = si
	return nil
}

// Link records a producer -> consumer edge.
func (d *DAG) Link(producer, consumer StageID) {
	d.Producers[consumer] = append(d.Producers[consumer], producer)
	d.Consumers[producer] = append(d.Consumers[producer], consumer)
}

// Descendants returns every stage reachable downstream of the given stage.
func (d *DAG) Descendants(id StageID) []StageID {
	seen := make(map[StageID]bool)
	var out []StageID
	var walk func(StageID)
	walk = func(cur StageID) {
		for _, next := range d.Consumers[cur] {
			if !seen[next] {
				seen[next] = true
				out = append(out, next)
				walk(next)
			}
		}
	}
	walk(id)
	return out
}

// TopoSort returns the instances in dependency order, or an error if the
// graph contains a cycle. Kahn's algorithm.
func (d *DAG) TopoSort() ([]StageID, error) {
	indeg := make(map[StageID]int, len(d.Instances))
	for id := range d.Instances {
		indeg[id] = len(d.Producers[id])
	}

	var queue []StageID
	for id, deg := range indeg {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	var order []StageID
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)
		for _, next := range d.Consumers[cur] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(d.Instances) {
		return nil, fmt.Errorf("dependency cycle detected in DAG for participant %q", d.Participant)
	}
	return order, nil
}
