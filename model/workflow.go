package model

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

type DefinitionStatus string

const DEFINITION_DRAFT DefinitionStatus = "Draft"
const DEFINITION_ACTIVE DefinitionStatus = "Active"
const DEFINITION_INACTIVE DefinitionStatus = "Inactive"
const DEFINITION_ARCHIVED DefinitionStatus = "Archived"

type NodeType string

const NODE_TYPE_START NodeType = "Start"
const NODE_TYPE_END NodeType = "End"
const NODE_TYPE_TASK NodeType = "Task"
const NODE_TYPE_DECISION NodeType = "Decision"
const NODE_TYPE_PARALLEL NodeType = "Parallel"
const NODE_TYPE_SUBPROCESS NodeType = "SubProcess"
const NODE_TYPE_SERVICE NodeType = "Service"

func (t NodeType) Valid() bool {
	switch t {
	case NODE_TYPE_START, NODE_TYPE_END, NODE_TYPE_TASK, NODE_TYPE_DECISION,
		NODE_TYPE_PARALLEL, NODE_TYPE_SUBPROCESS, NODE_TYPE_SERVICE:
		return true
	}
	return false
}

type WorkflowDefinition struct {
	Id          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Category    string           `json:"category,omitempty"`
	Status      DefinitionStatus `json:"status"`
	Version     int              `json:"version"`
	Nodes       []WorkflowNode   `json:"nodes"`
	Edges       []WorkflowEdge   `json:"edges"`
	CreatedBy   string           `json:"createdBy,omitempty"`
	UpdatedBy   string           `json:"updatedBy,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
	ActivatedAt *time.Time       `json:"activatedAt,omitempty"`
}

func (d *WorkflowDefinition) Node(id string) (WorkflowNode, bool) {
	for _, n := range d.Nodes {
		if n.Id == id {
			return n, true
		}
	}
	return WorkflowNode{}, false
}

// NodeConfig is the type-specific payload of a node. The concrete type always
// matches the node's Type.
type NodeConfig interface {
	NodeType() NodeType
}

type StartNodeConfig struct{}

type EndNodeConfig struct {
	// Outcome is copied into the instance variables under "outcome" when set.
	Outcome string `json:"outcome,omitempty"`
}

type DecisionNodeConfig struct{}

type ParallelNodeConfig struct {
	// JoinNodeId overrides the computed join. It must be reachable from every branch.
	JoinNodeId string `json:"joinNodeId,omitempty"`
}

type TaskNodeConfig struct {
	Title          string         `json:"title,omitempty"`
	Description    string         `json:"description,omitempty"`
	AssignmentType AssignmentType `json:"assignmentType"`
	Assignee       string         `json:"assignee,omitempty"`
	Candidates     []string       `json:"candidates,omitempty"`
	Role           string         `json:"role,omitempty"`
	AssigneeRule   *AssigneeRule  `json:"assigneeRule,omitempty"`
	Priority       TaskPriority   `json:"priority,omitempty"`
	DueIn          Duration       `json:"dueIn,omitempty"`
	ResultVariable string         `json:"resultVariable,omitempty"`
}

type AssigneeRuleType string

const ASSIGNEE_RULE_VARIABLE AssigneeRuleType = "variable"
const ASSIGNEE_RULE_MANAGER AssigneeRuleType = "manager"

// AssigneeRule resolves a user id from the instance variables. With the
// manager rule the resolved user's manager becomes the assignee.
type AssigneeRule struct {
	Type AssigneeRuleType `json:"type"`
	Path string           `json:"path"`
}

type SubProcessNodeConfig struct {
	DefinitionId   string            `json:"definitionId,omitempty"`
	DefinitionName string            `json:"definitionName,omitempty"`
	InputMapping   map[string]string `json:"inputMapping,omitempty"`
	OutputMapping  map[string]string `json:"outputMapping,omitempty"`
}

type ServiceNodeConfig struct {
	ServiceName    string         `json:"serviceName"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	MaxRetries     int            `json:"maxRetries,omitempty"`
	Async          bool           `json:"async,omitempty"`
	Timeout        Duration       `json:"timeout,omitempty"`
	ResultVariable string         `json:"resultVariable,omitempty"`
}

func (StartNodeConfig) NodeType() NodeType      { return NODE_TYPE_START }
func (EndNodeConfig) NodeType() NodeType        { return NODE_TYPE_END }
func (DecisionNodeConfig) NodeType() NodeType   { return NODE_TYPE_DECISION }
func (ParallelNodeConfig) NodeType() NodeType   { return NODE_TYPE_PARALLEL }
func (TaskNodeConfig) NodeType() NodeType       { return NODE_TYPE_TASK }
func (SubProcessNodeConfig) NodeType() NodeType { return NODE_TYPE_SUBPROCESS }
func (ServiceNodeConfig) NodeType() NodeType    { return NODE_TYPE_SERVICE }

type WorkflowNode struct {
	Id     string
	Type   NodeType
	Name   string
	Config NodeConfig
}

type wireNode struct {
	Id     string          `json:"id"`
	Type   NodeType        `json:"type"`
	Name   string          `json:"name,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

func (n WorkflowNode) MarshalJSON() ([]byte, error) {
	w := wireNode{Id: n.Id, Type: n.Type, Name: n.Name}
	if n.Config != nil {
		raw, err := json.Marshal(n.Config)
		if err != nil {
			return nil, err
		}
		w.Config = raw
	}
	return json.Marshal(w)
}

func (n *WorkflowNode) UnmarshalJSON(data []byte) error {
	var w wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	n.Id, n.Type, n.Name = w.Id, w.Type, w.Name
	cfg, err := decodeNodeConfig(w.Type, w.Config)
	if err != nil {
		return fmt.Errorf("node %s: %w", w.Id, err)
	}
	n.Config = cfg
	return nil
}

func decodeNodeConfig(t NodeType, raw json.RawMessage) (NodeConfig, error) {
	var cfg NodeConfig
	switch t {
	case NODE_TYPE_START:
		cfg = &StartNodeConfig{}
	case NODE_TYPE_END:
		cfg = &EndNodeConfig{}
	case NODE_TYPE_DECISION:
		cfg = &DecisionNodeConfig{}
	case NODE_TYPE_PARALLEL:
		cfg = &ParallelNodeConfig{}
	case NODE_TYPE_TASK:
		cfg = &TaskNodeConfig{}
	case NODE_TYPE_SUBPROCESS:
		cfg = &SubProcessNodeConfig{}
	case NODE_TYPE_SERVICE:
		cfg = &ServiceNodeConfig{}
	default:
		// unknown types are kept without config and reported by validation
		return nil, nil
	}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("invalid %s config: %w", t, err)
		}
	}
	return derefConfig(cfg), nil
}

func derefConfig(cfg NodeConfig) NodeConfig {
	switch c := cfg.(type) {
	case *StartNodeConfig:
		return *c
	case *EndNodeConfig:
		return *c
	case *DecisionNodeConfig:
		return *c
	case *ParallelNodeConfig:
		return *c
	case *TaskNodeConfig:
		return *c
	case *SubProcessNodeConfig:
		return *c
	case *ServiceNodeConfig:
		return *c
	}
	return cfg
}

type WorkflowEdge struct {
	Id        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Label     string `json:"label,omitempty"`
	Condition string `json:"condition,omitempty"`
}

func (e WorkflowEdge) IsDefault() bool {
	return e.Condition == ""
}

// Duration is a time.Duration that reads and writes as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value) * time.Second)
	case string:
		if value == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
