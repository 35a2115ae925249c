package graph

import (
	"fmt"

	"github.com/dwiprep/dwiprep/internal/domain"
)

// Validate checks the structural invariants of a built DAG: non-empty, all
// edges reference existing instances, and no cycles.
func Validate(d *domain.DAG) error {
	if d == nil {
		return fmt.Errorf("graph is nil")
	}
	if len(d.Instances) == 0 {
		return fmt.Errorf("graph for participant %q has no stage instances", d.Participant)
	}

	for consumer, prods := range d.Producers {
		if _, ok := d.Instances[consumer]; !ok {
			return fmt.Errorf("edge references non-existent consumer stage: %s", consumer)
		}
		for _, p := range prods {
			if _, ok := d.Instances[p]; !ok {
				return fmt.Errorf("edge references non-existent producer stage: %s", p)
			}
		}
	}

	if _, err := d.TopoSort(); err != nil {
		return err
	}
	return nil
}
