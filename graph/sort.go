package graph

import (
	"maps"
	"slices"

	"github.com/gomlx/exceptions"
)

// SortedNodes returns the nodes in a topological order: every node appears
// after the producers of all its inputs. Inputs and initializers count as
// already produced.
//
// It panics (throws an exception) if some node can never become ready --
// either the graph has a cycle or a node consumes a tensor nobody produces.
// The result is cached until the graph is mutated again.
func (g *Graph) SortedNodes() []*Node {
	if g.sorted != nil {
		return g.sorted
	}
	sortedNodes := make([]*Node, 0, len(g.nodes))

	// Build reverse dependency map: tensor name -> nodes consuming it.
	outputToDependants := make(map[string]map[*Node]bool)
	for _, node := range g.nodes {
		for _, input := range node.Inputs {
			if input == "" {
				continue // Omitted optional input.
			}
			deps, found := outputToDependants[input]
			if !found {
				deps = make(map[*Node]bool)
				outputToDependants[input] = deps
			}
			deps[node] = true
		}
	}

	// doneOutputs includes both node names and tensor names already available.
	doneOutputs := make(map[string]bool)
	doneNodes := make(map[*Node]bool)
	isReady := func(node *Node) bool {
		for _, input := range node.Inputs {
			if input != "" && !doneOutputs[input] {
				return false
			}
		}
		return true
	}

	nextDoneScan := make(map[string]bool)
	markDone := func(outputName string) {
		deps, found := outputToDependants[outputName]
		if !found {
			return
		}
		delete(outputToDependants, outputName)
		for dep := range maps.Keys(deps) {
			if doneNodes[dep] || !isReady(dep) {
				continue
			}
			sortedNodes = append(sortedNodes, dep)
			doneNodes[dep] = true
			for _, output := range dep.Outputs {
				doneOutputs[output] = true
				nextDoneScan[output] = true
			}
		}
	}

	// Inputs, initializers and nodes without inputs seed the scan.
	for _, input := range g.inputs {
		doneOutputs[input.Name] = true
		nextDoneScan[input.Name] = true
	}
	for name := range g.initializers {
		doneOutputs[name] = true
		nextDoneScan[name] = true
	}
	for _, node := range g.nodes {
		hasInputs := false
		for _, input := range node.Inputs {
			if input != "" {
				hasInputs = true
				break
			}
		}
		if hasInputs {
			continue
		}
		sortedNodes = append(sortedNodes, node)
		doneNodes[node] = true
		for _, output := range node.Outputs {
			doneOutputs[output] = true
			nextDoneScan[output] = true
		}
	}

	for len(nextDoneScan) > 0 {
		nextDoneScanSlice := slices.Collect(maps.Keys(nextDoneScan))
		clear(nextDoneScan)
		for _, name := range nextDoneScanSlice {
			markDone(name)
		}
	}
	if len(sortedNodes) != len(g.nodes) {
		exceptions.Panicf("graph %q: sorting operations failed: only %d of %d nodes are reachable from the graph inputs -- cycle or undefined tensor reference",
			g.name, len(sortedNodes), len(g.nodes))
	}
	g.sorted = sortedNodes
	return sortedNodes
}
