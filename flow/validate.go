package flow

import (
	"fmt"

	api "github.com/mohitkumar/caseflow/api/v1"
	"github.com/mohitkumar/caseflow/expression"
	"github.com/mohitkumar/caseflow/model"
)

// ValidateDefinition returns an api.ValidationError holding every issue, or
// nil when def is structurally sound.
func ValidateDefinition(def *model.WorkflowDefinition) error {
	issues := Validate(def)
	if len(issues) == 0 {
		return nil
	}
	return api.ValidationError{DefinitionId: def.Id, Issues: issues}
}

// Validate collects all structural violations of def. It never stops at the
// first problem.
func Validate(def *model.WorkflowDefinition) []api.ValidationIssue {
	v := &validator{def: def, f: index(def)}
	v.checkNodes()
	v.checkEdges()
	v.checkStartEnd()
	v.checkDegrees()
	v.checkReachability()
	acyclic := v.checkCycles()
	if acyclic {
		v.checkJoins()
	}
	return v.issues
}

type validator struct {
	def    *model.WorkflowDefinition
	f      *Flow
	issues []api.ValidationIssue
}

func (v *validator) nodeIssue(code, nodeId, format string, args ...any) {
	v.issues = append(v.issues, api.ValidationIssue{Code: code, NodeId: nodeId, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) edgeIssue(code string, e model.WorkflowEdge, format string, args ...any) {
	v.issues = append(v.issues, api.ValidationIssue{Code: code, EdgeId: edgeRef(e), Message: fmt.Sprintf(format, args...)})
}

func edgeRef(e model.WorkflowEdge) string {
	if e.Id != "" {
		return e.Id
	}
	return e.Source + "->" + e.Target
}

func (v *validator) checkNodes() {
	seen := make(map[string]bool)
	for _, n := range v.def.Nodes {
		if n.Id == "" {
			v.nodeIssue("MISSING_NODE_ID", "", "node %q has no id", n.Name)
			continue
		}
		if seen[n.Id] {
			v.nodeIssue("DUPLICATE_NODE", n.Id, "node id is used more than once")
			continue
		}
		seen[n.Id] = true
		if !n.Type.Valid() {
			v.nodeIssue("UNKNOWN_NODE_TYPE", n.Id, "unknown node type %q", n.Type)
			continue
		}
		v.checkConfig(n)
	}
}

func (v *validator) checkConfig(n model.WorkflowNode) {
	switch n.Type {
	case model.NODE_TYPE_TASK:
		cfg, ok := n.Config.(model.TaskNodeConfig)
		if !ok {
			v.nodeIssue("MISSING_CONFIG", n.Id, "task node requires assignment configuration")
			return
		}
		v.checkTask(n.Id, cfg)
	case model.NODE_TYPE_SERVICE:
		cfg, ok := n.Config.(model.ServiceNodeConfig)
		if !ok || cfg.ServiceName == "" {
			v.nodeIssue("MISSING_CONFIG", n.Id, "service node requires a service name")
			return
		}
		if cfg.MaxRetries < 0 {
			v.nodeIssue("INVALID_CONFIG", n.Id, "maxRetries must not be negative")
		}
	case model.NODE_TYPE_SUBPROCESS:
		cfg, ok := n.Config.(model.SubProcessNodeConfig)
		if !ok || (cfg.DefinitionId == "" && cfg.DefinitionName == "") {
			v.nodeIssue("MISSING_CONFIG", n.Id, "subprocess node requires a definition id or name")
			return
		}
		if (cfg.DefinitionId != "" && cfg.DefinitionId == v.def.Id) ||
			(cfg.DefinitionName != "" && cfg.DefinitionName == v.def.Name) {
			v.nodeIssue("SUBPROCESS_SELF_REFERENCE", n.Id, "subprocess must not start its own definition")
		}
	}
}

func (v *validator) checkTask(nodeId string, cfg model.TaskNodeConfig) {
	if cfg.Priority != "" && !cfg.Priority.Valid() {
		v.nodeIssue("INVALID_CONFIG", nodeId, "unknown priority %q", cfg.Priority)
	}
	switch cfg.AssignmentType {
	case model.ASSIGNMENT_MANUAL:
		if cfg.Assignee == "" {
			v.nodeIssue("INVALID_CONFIG", nodeId, "manual assignment requires an assignee")
		}
	case model.ASSIGNMENT_AUTOMATIC:
		if cfg.AssigneeRule == nil || cfg.AssigneeRule.Path == "" {
			v.nodeIssue("INVALID_CONFIG", nodeId, "automatic assignment requires an assignee rule")
		} else if cfg.AssigneeRule.Type != model.ASSIGNEE_RULE_VARIABLE && cfg.AssigneeRule.Type != model.ASSIGNEE_RULE_MANAGER {
			v.nodeIssue("INVALID_CONFIG", nodeId, "unknown assignee rule %q", cfg.AssigneeRule.Type)
		}
	case model.ASSIGNMENT_ROUND_ROBIN, model.ASSIGNMENT_LOAD_BALANCED:
		if len(cfg.Candidates) == 0 {
			v.nodeIssue("INVALID_CONFIG", nodeId, "%s assignment requires candidates", cfg.AssignmentType)
		}
	case model.ASSIGNMENT_ROLE_BASED:
		if cfg.Role == "" {
			v.nodeIssue("INVALID_CONFIG", nodeId, "role based assignment requires a role")
		}
	default:
		v.nodeIssue("INVALID_CONFIG", nodeId, "unknown assignment type %q", cfg.AssignmentType)
	}
}

func (v *validator) checkEdges() {
	seen := make(map[string]bool)
	for _, e := range v.def.Edges {
		if e.Id != "" {
			if seen[e.Id] {
				v.edgeIssue("DUPLICATE_EDGE", e, "edge id is used more than once")
			}
			seen[e.Id] = true
		}
		if _, ok := v.f.nodes[e.Source]; !ok {
			v.edgeIssue("DANGLING_EDGE", e, "source node %q does not exist", e.Source)
		}
		if _, ok := v.f.nodes[e.Target]; !ok {
			v.edgeIssue("DANGLING_EDGE", e, "target node %q does not exist", e.Target)
		}
		if e.Source == e.Target {
			v.edgeIssue("SELF_LOOP", e, "edge connects node %q to itself", e.Source)
		}
		if e.Condition == "" {
			continue
		}
		if src, ok := v.f.nodes[e.Source]; ok && src.Type != model.NODE_TYPE_DECISION {
			v.edgeIssue("CONDITION_NOT_ON_DECISION", e, "conditions are only allowed on edges leaving a decision node")
		}
		if _, err := expression.Compile(e.Condition); err != nil {
			v.edgeIssue("INVALID_CONDITION", e, "condition does not compile: %v", err)
		}
	}
}

func (v *validator) checkStartEnd() {
	starts, ends := 0, 0
	for _, n := range v.def.Nodes {
		switch n.Type {
		case model.NODE_TYPE_START:
			starts++
			if len(v.f.incoming[n.Id]) > 0 {
				v.nodeIssue("START_HAS_INCOMING", n.Id, "start node must not have incoming edges")
			}
		case model.NODE_TYPE_END:
			ends++
			if len(v.f.outgoing[n.Id]) > 0 {
				v.nodeIssue("END_HAS_OUTGOING", n.Id, "end node must not have outgoing edges")
			}
		}
	}
	if starts == 0 {
		v.nodeIssue("NO_START", "", "definition has no start node")
	}
	if starts > 1 {
		v.nodeIssue("MULTIPLE_START", "", "definition has %d start nodes, expected exactly one", starts)
	}
	if ends == 0 {
		v.nodeIssue("NO_END", "", "definition has no end node")
	}
}

func (v *validator) checkDegrees() {
	for _, n := range v.def.Nodes {
		out := len(v.f.outgoing[n.Id])
		switch n.Type {
		case model.NODE_TYPE_END:
		case model.NODE_TYPE_DECISION:
			if out == 0 {
				v.nodeIssue("DECISION_NO_EDGE", n.Id, "decision node needs at least one outgoing edge")
			}
			defaults := 0
			for _, e := range v.f.outgoing[n.Id] {
				if e.IsDefault() {
					defaults++
				}
			}
			if defaults > 1 {
				v.nodeIssue("DECISION_MULTIPLE_DEFAULT", n.Id, "decision node has %d default edges, at most one allowed", defaults)
			}
		case model.NODE_TYPE_PARALLEL:
			if out < 2 {
				v.nodeIssue("PARALLEL_TOO_FEW_BRANCHES", n.Id, "parallel node needs at least two outgoing edges, has %d", out)
			}
		default:
			if !n.Type.Valid() {
				continue
			}
			if out == 0 {
				v.nodeIssue("DEAD_END", n.Id, "%s node has no outgoing edge", n.Type)
			}
			if out > 1 {
				v.nodeIssue("OUT_DEGREE", n.Id, "%s node has %d outgoing edges, only decision and parallel nodes may branch", n.Type, out)
			}
		}
	}
}

func (v *validator) checkReachability() {
	if v.f.StartNode == "" {
		return
	}
	reached := v.f.reachableFrom(v.f.StartNode)
	for _, n := range v.def.Nodes {
		if n.Id != "" && !reached[n.Id] {
			v.nodeIssue("UNREACHABLE", n.Id, "node is not reachable from the start node")
		}
	}
}

// checkCycles reports every back edge found by a depth first search and
// returns true when the graph is acyclic.
func (v *validator) checkCycles() bool {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(v.def.Nodes))
	acyclic := true
	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		for _, e := range v.f.outgoing[id] {
			if _, ok := v.f.nodes[e.Target]; !ok || e.Source == e.Target {
				continue
			}
			switch color[e.Target] {
			case grey:
				acyclic = false
				v.edgeIssue("CYCLE", e, "edge closes a cycle through node %q", e.Target)
			case white:
				visit(e.Target)
			}
		}
		color[id] = black
	}
	for _, n := range v.def.Nodes {
		if color[n.Id] == white {
			visit(n.Id)
		}
	}
	return acyclic
}

func (v *validator) checkJoins() {
	for _, n := range v.def.Nodes {
		if n.Type != model.NODE_TYPE_PARALLEL || len(v.f.outgoing[n.Id]) < 2 {
			continue
		}
		join, ok := v.f.resolveJoin(n)
		if ok {
			continue
		}
		if join != "" {
			v.nodeIssue("PARALLEL_INVALID_JOIN", n.Id, "configured join %q is not reachable from every branch", join)
			continue
		}
		v.nodeIssue("PARALLEL_NO_JOIN", n.Id, "no join node is reachable from every branch")
	}
}
