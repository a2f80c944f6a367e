package flow

import (
	"fmt"

	api "github.com/mohitkumar/caseflow/api/v1"
	"github.com/mohitkumar/caseflow/model"
)

// Flow is the compiled, immutable form of a definition. Nodes and edges are
// addressed by id; outgoing edges keep definition order.
type Flow struct {
	Definition *model.WorkflowDefinition
	StartNode  string
	nodes      map[string]model.WorkflowNode
	order      map[string]int
	outgoing   map[string][]model.WorkflowEdge
	incoming   map[string][]model.WorkflowEdge
	joins      map[string]string
}

func index(def *model.WorkflowDefinition) *Flow {
	f := &Flow{
		Definition: def,
		nodes:      make(map[string]model.WorkflowNode, len(def.Nodes)),
		order:      make(map[string]int, len(def.Nodes)),
		outgoing:   make(map[string][]model.WorkflowEdge),
		incoming:   make(map[string][]model.WorkflowEdge),
		joins:      make(map[string]string),
	}
	for i, n := range def.Nodes {
		if _, ok := f.nodes[n.Id]; ok {
			continue
		}
		f.nodes[n.Id] = n
		f.order[n.Id] = i
		if n.Type == model.NODE_TYPE_START && f.StartNode == "" {
			f.StartNode = n.Id
		}
	}
	for _, e := range def.Edges {
		f.outgoing[e.Source] = append(f.outgoing[e.Source], e)
		f.incoming[e.Target] = append(f.incoming[e.Target], e)
	}
	return f
}

// Convert validates def and compiles it. An invalid definition yields an
// api.ValidationError listing every issue.
func Convert(def *model.WorkflowDefinition) (*Flow, error) {
	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}
	f := index(def)
	for _, n := range def.Nodes {
		if n.Type != model.NODE_TYPE_PARALLEL {
			continue
		}
		join, ok := f.resolveJoin(n)
		if !ok {
			return nil, api.ValidationError{DefinitionId: def.Id, Issues: []api.ValidationIssue{{
				Code: "PARALLEL_NO_JOIN", NodeId: n.Id, Message: "no join node reachable from every branch",
			}}}
		}
		f.joins[n.Id] = join
	}
	return f, nil
}

func (f *Flow) Id() string {
	return f.Definition.Id
}

func (f *Flow) Node(id string) (model.WorkflowNode, error) {
	n, ok := f.nodes[id]
	if !ok {
		return model.WorkflowNode{}, fmt.Errorf("node %s not found in definition %s", id, f.Definition.Id)
	}
	return n, nil
}

func (f *Flow) Outgoing(id string) []model.WorkflowEdge {
	return f.outgoing[id]
}

// Next returns the target of a node's single outgoing edge.
func (f *Flow) Next(id string) (model.WorkflowEdge, error) {
	out := f.outgoing[id]
	if len(out) != 1 {
		return model.WorkflowEdge{}, fmt.Errorf("node %s has %d outgoing edges, expected 1", id, len(out))
	}
	return out[0], nil
}

// JoinOf returns the join node of a Parallel node.
func (f *Flow) JoinOf(parallelId string) string {
	return f.joins[parallelId]
}

func (f *Flow) resolveJoin(n model.WorkflowNode) (string, bool) {
	candidates := f.commonSuccessors(n.Id)
	if cfg, ok := n.Config.(model.ParallelNodeConfig); ok && cfg.JoinNodeId != "" {
		_, found := candidates[cfg.JoinNodeId]
		return cfg.JoinNodeId, found
	}
	best := ""
	bestMax, bestSum := 0, 0
	for id, dists := range candidates {
		far, sum := 0, 0
		for _, d := range dists {
			sum += d
			if d > far {
				far = d
			}
		}
		if best == "" || far < bestMax ||
			(far == bestMax && sum < bestSum) ||
			(far == bestMax && sum == bestSum && f.order[id] < f.order[best]) {
			best, bestMax, bestSum = id, far, sum
		}
	}
	return best, best != ""
}

// commonSuccessors maps every node reachable from all branches of a fork to
// its distance from each branch head.
func (f *Flow) commonSuccessors(parallelId string) map[string][]int {
	branches := f.outgoing[parallelId]
	if len(branches) == 0 {
		return nil
	}
	var common map[string][]int
	for i, e := range branches {
		dist := f.distances(e.Target)
		if i == 0 {
			common = make(map[string][]int, len(dist))
			for id, d := range dist {
				common[id] = []int{d}
			}
			continue
		}
		for id := range common {
			d, ok := dist[id]
			if !ok {
				delete(common, id)
				continue
			}
			common[id] = append(common[id], d)
		}
	}
	delete(common, parallelId)
	return common
}

func (f *Flow) distances(from string) map[string]int {
	dist := map[string]int{from: 0}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range f.outgoing[cur] {
			if _, seen := dist[e.Target]; seen {
				continue
			}
			if _, ok := f.nodes[e.Target]; !ok {
				continue
			}
			dist[e.Target] = dist[cur] + 1
			queue = append(queue, e.Target)
		}
	}
	return dist
}

func (f *Flow) reachableFrom(start string) map[string]bool {
	seen := make(map[string]bool)
	for id := range f.distances(start) {
		seen[id] = true
	}
	return seen
}
