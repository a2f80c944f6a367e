package api_v1

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestErrorCodes(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{BranchingError{NodeId: "d1"}, codes.FailedPrecondition},
		{AssignmentError{NodeId: "t1", Strategy: "RoleBased"}, codes.FailedPrecondition},
		{InvocationError{ServiceName: "crm", StatusCode: 500}, codes.Unavailable},
		{ConcurrencyConflict{Entity: "task", Id: "1"}, codes.Aborted},
		{PersistenceError{Message: "down"}, codes.Unavailable},
		{NotFoundError{Entity: "instance", Id: "x"}, codes.NotFound},
		{InvalidRequestError{Message: "bad"}, codes.InvalidArgument},
		{ValidationError{Issues: []ValidationIssue{{Code: "x"}}}, codes.InvalidArgument},
	}
	for _, c := range cases {
		st, ok := status.FromError(c.err)
		require.True(t, ok, fmt.Sprintf("%T", c.err))
		require.Equal(t, c.code, st.Code())
	}
}

func TestValidationErrorDetails(t *testing.T) {
	err := ValidationError{
		DefinitionId: "def-1",
		Issues: []ValidationIssue{
			{Code: "NO_START", Message: "definition has no start node"},
			{Code: "SELF_LOOP", EdgeId: "e1", Message: "edge loops"},
		},
	}
	require.Contains(t, err.Error(), "NO_START")
	require.Contains(t, err.Error(), "SELF_LOOP (edge e1)")

	st := err.GRPCStatus()
	require.Len(t, st.Details(), 1)
	br, ok := st.Details()[0].(*errdetails.BadRequest)
	require.True(t, ok)
	require.Len(t, br.FieldViolations, 2)
	require.Equal(t, "e1", br.FieldViolations[1].Field)
}

func TestErrorHelpers(t *testing.T) {
	wrapped := fmt.Errorf("commit: %w", ConcurrencyConflict{Entity: "instance", Id: "1", Message: "stale"})
	require.True(t, IsConcurrencyConflict(wrapped))
	require.False(t, IsNotFound(wrapped))
	require.True(t, IsNotFound(fmt.Errorf("load: %w", NotFoundError{Entity: "task", Id: "t"})))
	require.True(t, IsPersistenceError(PersistenceError{Message: "x"}))
}
