package workflow

// topoOrder linearizes the step DAG with Kahn's algorithm.
//
// The ordering is deterministic: among steps whose dependencies are all
// satisfied, the one declared earliest in the definition goes first.
// The order is computed once per instance and fixed for its lifetime.
//
// Returns an error wrapping ErrInvalidDefinition if the graph contains
// a cycle (Kahn's algorithm cannot place every step).
func topoOrder(steps []StepSpec) ([]string, error) {
	indegree := make(map[string]int, len(steps))
	for _, s := range steps {
		indegree[s.ID] = len(s.DependsOn)
	}

	order := make([]string, 0, len(steps))
	placed := make(map[string]bool, len(steps))

	for len(order) < len(steps) {
		progressed := false

		// Scan in declaration order so ties break deterministically.
		for _, s := range steps {
			if placed[s.ID] || indegree[s.ID] != 0 {
				continue
			}

			order = append(order, s.ID)
			placed[s.ID] = true
			progressed = true

			for _, t := range steps {
				if placed[t.ID] {
					continue
				}
				for _, dep := range t.DependsOn {
					if dep == s.ID {
						indegree[t.ID]--
					}
				}
			}
			break
		}

		if !progressed {
			return nil, &Error{
				Code:    "CYCLIC_GRAPH",
				Message: "dependency graph contains a cycle",
				Err:     ErrInvalidDefinition,
			}
		}
	}

	return order, nil
}
