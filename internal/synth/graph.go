package synth

import (
	"fmt"
	"sort"
)

// Kind classifies a synthesized resource node.
type Kind string

const (
	KindEvaluationFunction Kind = "evaluation-function"
	KindInvokePermission   Kind = "invoke-permission"
	KindExecutionRole      Kind = "execution-role"
	KindPolicyBinding      Kind = "policy-binding"
	KindRemediationAction  Kind = "remediation-action"
	KindAutomationDocument Kind = "automation-document"
	KindIdentityRole       Kind = "identity-role"
	KindIdentityPolicy     Kind = "identity-policy"

	// Bootstrap resources emitted only by the multi-account template.
	KindRecorderRole    Kind = "recorder-role"
	KindRecorderBucket  Kind = "recorder-bucket"
	KindRecorder        Kind = "recorder"
	KindDeliveryChannel Kind = "delivery-channel"
)

// Node is one declarative resource definition in the synthesized graph.
type Node struct {
	Key        string
	Kind       Kind
	Type       string
	Properties map[string]any
	DependsOn  []string
}

// dependsOn adds key to the node's dependency set, ignoring duplicates.
func (n *Node) dependsOn(keys ...string) {
	for _, k := range keys {
		found := false
		for _, have := range n.DependsOn {
			if have == k {
				found = true
				break
			}
		}
		if !found {
			n.DependsOn = append(n.DependsOn, k)
		}
	}
}

// Graph is an insertion-ordered set of nodes keyed by resource key.
type Graph struct {
	order []string
	nodes map[string]*Node
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]*Node)}
}

// Add inserts n. Adding a second node with the same key is an error.
func (g *Graph) Add(n *Node) error {
	if _, dup := g.nodes[n.Key]; dup {
		return fmt.Errorf("duplicate resource key %q", n.Key)
	}
	g.nodes[n.Key] = n
	g.order = append(g.order, n.Key)
	return nil
}

// Node returns the node stored under key, or nil.
func (g *Graph) Node(key string) *Node { return g.nodes[key] }

// Keys returns every resource key in insertion order.
func (g *Graph) Keys() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.order) }

// OfKind returns the nodes of kind k in insertion order.
func (g *Graph) OfKind(k Kind) []*Node {
	var out []*Node
	for _, key := range g.order {
		if n := g.nodes[key]; n.Kind == k {
			out = append(out, n)
		}
	}
	return out
}

// TopoOrder returns the keys ordered so every node follows its
// dependencies. Ties are broken by key. It fails when a node depends on a key
// that is not in the graph or when the edges form a cycle.
func (g *Graph) TopoOrder() ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for _, key := range g.order {
		n := g.nodes[key]
		for _, dep := range n.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return nil, fmt.Errorf("resource %q depends on unknown resource %q", key, dep)
			}
			indegree[key]++
			dependents[dep] = append(dependents[dep], key)
		}
	}

	var ready []string
	for _, key := range g.order {
		if indegree[key] == 0 {
			ready = append(ready, key)
		}
	}
	sort.Strings(ready)

	out := make([]string, 0, len(g.order))
	for len(ready) > 0 {
		key := ready[0]
		ready = ready[1:]
		out = append(out, key)

		var next []string
		for _, d := range dependents[key] {
			indegree[d]--
			if indegree[d] == 0 {
				next = append(next, d)
			}
		}
		if len(next) > 0 {
			ready = append(ready, next...)
			sort.Strings(ready)
		}
	}

	if len(out) != len(g.order) {
		return nil, fmt.Errorf("resource graph contains a dependency cycle")
	}
	return out, nil
}
