package flow

import (
	"testing"

	json "github.com/goccy/go-json"
	api "github.com/mohitkumar/caseflow/api/v1"
	"github.com/mohitkumar/caseflow/model"
	"github.com/stretchr/testify/require"
)

func node(id string, t model.NodeType) model.WorkflowNode {
	n := model.WorkflowNode{Id: id, Type: t, Name: id}
	switch t {
	case model.NODE_TYPE_TASK:
		n.Config = model.TaskNodeConfig{AssignmentType: model.ASSIGNMENT_MANUAL, Assignee: "u1"}
	case model.NODE_TYPE_SERVICE:
		n.Config = model.ServiceNodeConfig{ServiceName: "svc"}
	case model.NODE_TYPE_PARALLEL:
		n.Config = model.ParallelNodeConfig{}
	}
	return n
}

func edge(id, from, to string, cond ...string) model.WorkflowEdge {
	e := model.WorkflowEdge{Id: id, Source: from, Target: to}
	if len(cond) > 0 {
		e.Condition = cond[0]
	}
	return e
}

func approvalDefinition() *model.WorkflowDefinition {
	return &model.WorkflowDefinition{
		Id:   "approval-v1",
		Name: "approval",
		Nodes: []model.WorkflowNode{
			node("start", model.NODE_TYPE_START),
			node("approve", model.NODE_TYPE_TASK),
			node("decide", model.NODE_TYPE_DECISION),
			node("done", model.NODE_TYPE_END),
			node("rejected", model.NODE_TYPE_END),
		},
		Edges: []model.WorkflowEdge{
			edge("e1", "start", "approve"),
			edge("e2", "approve", "decide"),
			edge("e3", "decide", "done", `result == "approved"`),
			edge("e4", "decide", "rejected"),
		},
	}
}

func codes(issues []api.ValidationIssue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Code)
	}
	return out
}

func TestValidateValid(t *testing.T) {
	def := approvalDefinition()
	require.Empty(t, Validate(def))
	require.NoError(t, ValidateDefinition(def))

	f, err := Convert(def)
	require.NoError(t, err)
	require.Equal(t, "start", f.StartNode)
	next, err := f.Next("start")
	require.NoError(t, err)
	require.Equal(t, "approve", next.Target)
	require.Len(t, f.Outgoing("decide"), 2)
	require.Equal(t, "e3", f.Outgoing("decide")[0].Id)
	_, err = f.Node("missing")
	require.Error(t, err)
}

func TestValidateIssues(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, def *model.WorkflowDefinition){
		"no start node": func(t *testing.T, def *model.WorkflowDefinition) {
			def.Nodes[0].Type = model.NODE_TYPE_TASK
			def.Nodes[0].Config = model.TaskNodeConfig{AssignmentType: model.ASSIGNMENT_MANUAL, Assignee: "u"}
			require.Contains(t, codes(Validate(def)), "NO_START")
		},
		"two start nodes": func(t *testing.T, def *model.WorkflowDefinition) {
			def.Nodes = append(def.Nodes, node("start2", model.NODE_TYPE_START))
			def.Edges = append(def.Edges, edge("e9", "start2", "approve"))
			require.Contains(t, codes(Validate(def)), "MULTIPLE_START")
		},
		"no end node": func(t *testing.T, def *model.WorkflowDefinition) {
			def.Nodes = def.Nodes[:3]
			def.Edges = def.Edges[:2]
			issues := codes(Validate(def))
			require.Contains(t, issues, "NO_END")
			require.Contains(t, issues, "DECISION_NO_EDGE")
		},
		"unreachable node": func(t *testing.T, def *model.WorkflowDefinition) {
			def.Nodes = append(def.Nodes, node("orphan", model.NODE_TYPE_END))
			issues := Validate(def)
			require.Equal(t, []string{"UNREACHABLE"}, codes(issues))
			require.Equal(t, "orphan", issues[0].NodeId)
		},
		"decision with two defaults": func(t *testing.T, def *model.WorkflowDefinition) {
			def.Edges[2].Condition = ""
			require.Equal(t, []string{"DECISION_MULTIPLE_DEFAULT"}, codes(Validate(def)))
		},
		"dangling edge": func(t *testing.T, def *model.WorkflowDefinition) {
			def.Edges = append(def.Edges, edge("e9", "decide", "ghost", "true"))
			issues := Validate(def)
			require.Contains(t, codes(issues), "DANGLING_EDGE")
			require.Equal(t, "e9", issues[0].EdgeId)
		},
		"self loop": func(t *testing.T, def *model.WorkflowDefinition) {
			def.Edges = append(def.Edges, edge("e9", "decide", "decide", "false"))
			require.Contains(t, codes(Validate(def)), "SELF_LOOP")
		},
		"cycle": func(t *testing.T, def *model.WorkflowDefinition) {
			def.Edges = append(def.Edges, edge("e9", "decide", "approve", `result == "rework"`))
			issues := Validate(def)
			require.Contains(t, codes(issues), "CYCLE")
		},
		"condition outside decision": func(t *testing.T, def *model.WorkflowDefinition) {
			def.Edges[0].Condition = "true"
			require.Equal(t, []string{"CONDITION_NOT_ON_DECISION"}, codes(Validate(def)))
		},
		"condition does not compile": func(t *testing.T, def *model.WorkflowDefinition) {
			def.Edges[2].Condition = "result =="
			require.Equal(t, []string{"INVALID_CONDITION"}, codes(Validate(def)))
		},
		"task without assignment": func(t *testing.T, def *model.WorkflowDefinition) {
			def.Nodes[1].Config = model.TaskNodeConfig{AssignmentType: model.ASSIGNMENT_ROLE_BASED}
			require.Equal(t, []string{"INVALID_CONFIG"}, codes(Validate(def)))
		},
		"task branching without decision": func(t *testing.T, def *model.WorkflowDefinition) {
			def.Edges = append(def.Edges, edge("e9", "approve", "done"))
			require.Equal(t, []string{"OUT_DEGREE"}, codes(Validate(def)))
		},
		"subprocess referencing itself": func(t *testing.T, def *model.WorkflowDefinition) {
			def.Nodes[1] = model.WorkflowNode{Id: "approve", Type: model.NODE_TYPE_SUBPROCESS,
				Config: model.SubProcessNodeConfig{DefinitionName: "approval"}}
			require.Equal(t, []string{"SUBPROCESS_SELF_REFERENCE"}, codes(Validate(def)))
		},
		"all issues reported together": func(t *testing.T, def *model.WorkflowDefinition) {
			def.Nodes = append(def.Nodes, node("orphan", model.NODE_TYPE_END))
			def.Edges[2].Condition = ""
			def.Edges = append(def.Edges, edge("e9", "done", "ghost"))
			err := ValidateDefinition(def)
			var ve api.ValidationError
			require.ErrorAs(t, err, &ve)
			issues := codes(ve.Issues)
			require.Contains(t, issues, "UNREACHABLE")
			require.Contains(t, issues, "DECISION_MULTIPLE_DEFAULT")
			require.Contains(t, issues, "DANGLING_EDGE")
			require.Contains(t, issues, "END_HAS_OUTGOING")
		},
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, approvalDefinition())
		})
	}
}

func parallelDefinition() *model.WorkflowDefinition {
	return &model.WorkflowDefinition{
		Id: "parallel-v1",
		Nodes: []model.WorkflowNode{
			node("start", model.NODE_TYPE_START),
			node("fork", model.NODE_TYPE_PARALLEL),
			node("a1", model.NODE_TYPE_SERVICE),
			node("a2", model.NODE_TYPE_TASK),
			node("b1", model.NODE_TYPE_TASK),
			node("join", model.NODE_TYPE_TASK),
			node("end", model.NODE_TYPE_END),
		},
		Edges: []model.WorkflowEdge{
			edge("e1", "start", "fork"),
			edge("e2", "fork", "a1"),
			edge("e3", "fork", "b1"),
			edge("e4", "a1", "a2"),
			edge("e5", "a2", "join"),
			edge("e6", "b1", "join"),
			edge("e7", "join", "end"),
		},
	}
}

func TestJoinComputation(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, def *model.WorkflowDefinition){
		"uneven branches": func(t *testing.T, def *model.WorkflowDefinition) {
			f, err := Convert(def)
			require.NoError(t, err)
			require.Equal(t, "join", f.JoinOf("fork"))
		},
		"branch straight to join": func(t *testing.T, def *model.WorkflowDefinition) {
			def.Edges[2] = edge("e3", "fork", "join")
			def.Nodes = append(def.Nodes[:4], def.Nodes[5:]...)
			def.Edges = append(def.Edges[:5], def.Edges[6:]...)
			f, err := Convert(def)
			require.NoError(t, err)
			require.Equal(t, "join", f.JoinOf("fork"))
		},
		"nested fork": func(t *testing.T, def *model.WorkflowDefinition) {
			def.Nodes = append(def.Nodes, node("inner", model.NODE_TYPE_PARALLEL), node("c1", model.NODE_TYPE_TASK),
				node("c2", model.NODE_TYPE_TASK), node("innerJoin", model.NODE_TYPE_TASK))
			def.Edges[5] = edge("e6", "b1", "inner")
			def.Edges = append(def.Edges,
				edge("e8", "inner", "c1"), edge("e9", "inner", "c2"),
				edge("e10", "c1", "innerJoin"), edge("e11", "c2", "innerJoin"),
				edge("e12", "innerJoin", "join"))
			f, err := Convert(def)
			require.NoError(t, err)
			require.Equal(t, "join", f.JoinOf("fork"))
			require.Equal(t, "innerJoin", f.JoinOf("inner"))
		},
		"explicit join override": func(t *testing.T, def *model.WorkflowDefinition) {
			def.Nodes[1].Config = model.ParallelNodeConfig{JoinNodeId: "end"}
			f, err := Convert(def)
			require.NoError(t, err)
			require.Equal(t, "end", f.JoinOf("fork"))
		},
		"invalid join override": func(t *testing.T, def *model.WorkflowDefinition) {
			def.Nodes[1].Config = model.ParallelNodeConfig{JoinNodeId: "a2"}
			require.Equal(t, []string{"PARALLEL_INVALID_JOIN"}, codes(Validate(def)))
		},
		"branches never meet": func(t *testing.T, def *model.WorkflowDefinition) {
			def.Nodes = append(def.Nodes, node("end2", model.NODE_TYPE_END))
			def.Edges[5] = edge("e6", "b1", "end2")
			require.Equal(t, []string{"PARALLEL_NO_JOIN"}, codes(Validate(def)))
		},
		"single branch": func(t *testing.T, def *model.WorkflowDefinition) {
			def.Edges[2] = edge("e3", "a1", "b1")
			issues := codes(Validate(def))
			require.Contains(t, issues, "PARALLEL_TOO_FEW_BRANCHES")
		},
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, parallelDefinition())
		})
	}
}

func TestDefinitionJSON(t *testing.T) {
	doc := `{
		"id": "d1", "name": "onboarding", "status": "Draft", "version": 1,
		"nodes": [
			{"id": "s", "type": "Start"},
			{"id": "t", "type": "Task", "name": "Review", "config": {
				"assignmentType": "LoadBalanced", "candidates": ["a", "b"], "priority": "High", "dueIn": "48h"}},
			{"id": "svc", "type": "Service", "config": {"serviceName": "crm", "maxRetries": 3, "timeout": 5}},
			{"id": "e", "type": "End"}
		],
		"edges": [
			{"id": "e1", "source": "s", "target": "t"},
			{"id": "e2", "source": "t", "target": "svc"},
			{"id": "e3", "source": "svc", "target": "e"}
		]
	}`
	var def model.WorkflowDefinition
	require.NoError(t, json.Unmarshal([]byte(doc), &def))
	task, ok := def.Nodes[1].Config.(model.TaskNodeConfig)
	require.True(t, ok)
	require.Equal(t, model.ASSIGNMENT_LOAD_BALANCED, task.AssignmentType)
	require.Equal(t, "48h0m0s", task.DueIn.Std().String())
	svc, ok := def.Nodes[2].Config.(model.ServiceNodeConfig)
	require.True(t, ok)
	require.Equal(t, 3, svc.MaxRetries)
	require.Equal(t, "5s", svc.Timeout.Std().String())
	_, ok = def.Nodes[0].Config.(model.StartNodeConfig)
	require.True(t, ok)
	require.Empty(t, Validate(&def))
}
