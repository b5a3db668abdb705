package orchestrator

import (
	"fmt"

	"github.com/skelly-jelly/pipeline/internal/config"
)

// startupLevels runs Kahn's algorithm over the module descriptors' DependsOn
// edges and groups them into levels: every module in level i depends only on
// modules in levels < i, so within a level, starts may run in parallel when
// ParallelStartup is enabled (spec.md §4.2).
func startupLevels(modules []config.ModuleDescriptor) ([][]config.ModuleDescriptor, error) {
	byID := make(map[string]config.ModuleDescriptor, len(modules))
	indegree := make(map[string]int, len(modules))
	dependents := make(map[string][]string, len(modules))

	for _, m := range modules {
		byID[m.ID] = m
		if _, exists := indegree[m.ID]; !exists {
			indegree[m.ID] = 0
		}
	}
	for _, m := range modules {
		for _, dep := range m.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("orchestrator: module %q depends on unknown module %q", m.ID, dep)
			}
			indegree[m.ID]++
			dependents[dep] = append(dependents[dep], m.ID)
		}
	}

	var levels [][]config.ModuleDescriptor
	remaining := len(modules)
	for remaining > 0 {
		var frontier []string
		for id, deg := range indegree {
			if deg == 0 {
				frontier = append(frontier, id)
			}
		}
		if len(frontier) == 0 {
			return nil, fmt.Errorf("orchestrator: dependency cycle detected among modules")
		}

		level := make([]config.ModuleDescriptor, 0, len(frontier))
		for _, id := range frontier {
			level = append(level, byID[id])
			delete(indegree, id)
			remaining--
		}
		for _, id := range frontier {
			for _, dependent := range dependents[id] {
				indegree[dependent]--
			}
		}
		levels = append(levels, level)
	}
	return levels, nil
}
