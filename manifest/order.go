package manifest

import "slices"

// LoadOrder returns image names with dependencies before dependents,
// otherwise in declaration order. Cycles do not stop the walk: each cycle is
// reported once, as the path that closed it, and its members keep the
// order in which the walk reached them. The loader breaks such cycles one
// level short at run time.
func (m *Manifest) LoadOrder() (order []string, cycles [][]string) {
	deps := make(map[string][]string, len(m.Images))
	for _, img := range m.Images {
		deps[img.Name] = img.Deps
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(m.Images))
	var stack []string

	var visit func(name string)
	visit = func(name string) {
		switch state[name] {
		case done:
			return
		case visiting:
			start := slices.Index(stack, name)
			cycles = append(cycles, append(slices.Clone(stack[start:]), name))
			return
		}
		state[name] = visiting
		stack = append(stack, name)
		for _, dep := range deps[name] {
			visit(dep)
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		order = append(order, name)
	}

	for _, img := range m.Images {
		visit(img.Name)
	}
	return order, cycles
}
