package api_v1

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	status "google.golang.org/grpc/status"
)

func localizedStatus(code codes.Code, msg string) *status.Status {
	st := status.New(code, msg)
	d := &errdetails.LocalizedMessage{
		Locale:  "en-US",
		Message: msg,
	}
	std, err := st.WithDetails(d)
	if err != nil {
		return st
	}
	return std
}

type ValidationIssue struct {
	Code    string `json:"code"`
	NodeId  string `json:"nodeId,omitempty"`
	EdgeId  string `json:"edgeId,omitempty"`
	Message string `json:"message"`
}

func (i ValidationIssue) String() string {
	switch {
	case i.NodeId != "":
		return fmt.Sprintf("%s (node %s): %s", i.Code, i.NodeId, i.Message)
	case i.EdgeId != "":
		return fmt.Sprintf("%s (edge %s): %s", i.Code, i.EdgeId, i.Message)
	}
	return fmt.Sprintf("%s: %s", i.Code, i.Message)
}

// ValidationError carries every structural violation found in a definition.
type ValidationError struct {
	DefinitionId string            `json:"definitionId"`
	Issues       []ValidationIssue `json:"issues"`
}

func (e ValidationError) GRPCStatus() *status.Status {
	st := status.New(codes.InvalidArgument, e.message())
	details := make([]*errdetails.BadRequest_FieldViolation, 0, len(e.Issues))
	for _, issue := range e.Issues {
		field := issue.NodeId
		if field == "" {
			field = issue.EdgeId
		}
		details = append(details, &errdetails.BadRequest_FieldViolation{
			Field:       field,
			Description: issue.String(),
		})
	}
	std, err := st.WithDetails(&errdetails.BadRequest{FieldViolations: details})
	if err != nil {
		return st
	}
	return std
}

func (e ValidationError) message() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.String())
	}
	return fmt.Sprintf("definition %s is invalid: %s", e.DefinitionId, strings.Join(parts, "; "))
}

func (e ValidationError) Error() string {
	return e.message()
}

type BranchingError struct {
	NodeId string
}

func (e BranchingError) GRPCStatus() *status.Status {
	return localizedStatus(codes.FailedPrecondition, e.Error())
}

func (e BranchingError) Error() string {
	return fmt.Sprintf("no outgoing edge of decision node %s matched and no default edge exists", e.NodeId)
}

type AssignmentError struct {
	NodeId   string
	Strategy string
	Reason   string
}

func (e AssignmentError) GRPCStatus() *status.Status {
	return localizedStatus(codes.FailedPrecondition, e.Error())
}

func (e AssignmentError) Error() string {
	return fmt.Sprintf("no eligible assignee for task node %s using %s assignment: %s", e.NodeId, e.Strategy, e.Reason)
}

// InvocationError is a failed external service attempt. Retryable is false
// for failures another attempt cannot fix, such as a bad request template.
type InvocationError struct {
	ServiceName string
	StatusCode  int
	Message     string
	Retryable   bool
}

func (e InvocationError) GRPCStatus() *status.Status {
	return localizedStatus(codes.Unavailable, e.Error())
}

func (e InvocationError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("service %s failed with status %d: %s", e.ServiceName, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("service %s failed: %s", e.ServiceName, e.Message)
}

type ConcurrencyConflict struct {
	Entity  string
	Id      string
	Message string
}

func (e ConcurrencyConflict) GRPCStatus() *status.Status {
	return localizedStatus(codes.Aborted, e.Error())
}

func (e ConcurrencyConflict) Error() string {
	return fmt.Sprintf("conflict on %s %s: %s", e.Entity, e.Id, e.Message)
}

type PersistenceError struct {
	Message string
}

func (e PersistenceError) GRPCStatus() *status.Status {
	return localizedStatus(codes.Unavailable, e.Error())
}

func (e PersistenceError) Error() string {
	return fmt.Sprintf("error in underlying storage layer: %s", e.Message)
}

type NotFoundError struct {
	Entity string
	Id     string
}

func (e NotFoundError) GRPCStatus() *status.Status {
	return localizedStatus(codes.NotFound, e.Error())
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.Id)
}

type InvalidRequestError struct {
	Message string
}

func (e InvalidRequestError) GRPCStatus() *status.Status {
	return localizedStatus(codes.InvalidArgument, e.Error())
}

func (e InvalidRequestError) Error() string {
	return e.Message
}

func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

func IsConcurrencyConflict(err error) bool {
	var target ConcurrencyConflict
	return errors.As(err, &target)
}

func IsPersistenceError(err error) bool {
	var target PersistenceError
	return errors.As(err, &target)
}

func IsValidationError(err error) bool {
	var target ValidationError
	return errors.As(err, &target)
}

func IsInvalidRequest(err error) bool {
	var target InvalidRequestError
	return errors.As(err, &target)
}
