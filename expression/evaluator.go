package expression

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	json "github.com/goccy/go-json"
	api "github.com/mohitkumar/caseflow/api/v1"
	"github.com/mohitkumar/caseflow/model"
)

const DefaultTimeout = 100 * time.Millisecond

var ErrTimeout = errors.New("expression timed out")

// Compile checks that expr is a single javascript expression.
func Compile(expr string) (*goja.Program, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("expression is empty")
	}
	return goja.Compile("condition", "("+expr+"\n)", true)
}

// Evaluator runs edge conditions in a fresh sandboxed VM. Instance variables
// are visible as globals and as the object $. The VM receives a serialized
// copy so an expression can never change the instance.
type Evaluator struct {
	timeout  time.Duration
	programs sync.Map
}

func NewEvaluator(timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Evaluator{timeout: timeout}
}

func (e *Evaluator) program(expr string) (*goja.Program, error) {
	if p, ok := e.programs.Load(expr); ok {
		return p.(*goja.Program), nil
	}
	p, err := Compile(expr)
	if err != nil {
		return nil, err
	}
	e.programs.Store(expr, p)
	return p, nil
}

// Evaluate returns the truthiness of expr. Any error means the condition
// must be treated as false.
func (e *Evaluator) Evaluate(expr string, variables map[string]any) (bool, error) {
	prog, err := e.program(expr)
	if err != nil {
		return false, err
	}
	scope, err := copyVariables(variables)
	if err != nil {
		return false, fmt.Errorf("error loading variables %w", err)
	}
	vm := goja.New()
	timer := time.AfterFunc(e.timeout, func() {
		vm.Interrupt(ErrTimeout)
	})
	defer timer.Stop()

	// bound as properties, so reserved words like case stay reachable through $
	if err := vm.Set("$", scope); err != nil {
		return false, fmt.Errorf("error loading variables %w", err)
	}
	for k, v := range scope {
		if err := vm.Set(k, v); err != nil {
			return false, fmt.Errorf("error loading variable %s %w", k, err)
		}
	}
	val, err := vm.RunProgram(prog)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return false, ErrTimeout
		}
		return false, err
	}
	if val == nil || goja.IsUndefined(val) {
		return false, fmt.Errorf("expression evaluated to undefined")
	}
	return val.ToBoolean(), nil
}

// copyVariables detaches the variables from the instance through a JSON
// round trip.
func copyVariables(variables map[string]any) (map[string]any, error) {
	scope := map[string]any{}
	if len(variables) == 0 {
		return scope, nil
	}
	data, err := json.Marshal(variables)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &scope); err != nil {
		return nil, err
	}
	return scope, nil
}

type Warning struct {
	EdgeId     string
	Expression string
	Message    string
}

type Selection struct {
	Edge     model.WorkflowEdge
	Default  bool
	Warnings []Warning
}

// SelectEdge tests the conditional edges in order and returns the first one
// that holds. Without a match the default edge is taken; without a default
// the result is a BranchingError. Warnings are returned in either case.
func (e *Evaluator) SelectEdge(nodeId string, edges []model.WorkflowEdge, variables map[string]any) (Selection, error) {
	var sel Selection
	var def *model.WorkflowEdge
	for i := range edges {
		edge := edges[i]
		if edge.IsDefault() {
			if def == nil {
				def = &edges[i]
			}
			continue
		}
		ok, err := e.Evaluate(edge.Condition, variables)
		if err != nil {
			sel.Warnings = append(sel.Warnings, Warning{
				EdgeId:     edge.Id,
				Expression: edge.Condition,
				Message:    err.Error(),
			})
			continue
		}
		if ok {
			sel.Edge = edge
			return sel, nil
		}
	}
	if def != nil {
		sel.Edge = *def
		sel.Default = true
		return sel, nil
	}
	return sel, api.BranchingError{NodeId: nodeId}
}
