package controlapi

import (
	"context"
	"errors"
	"strings"

	"cyrange/internal/state"
	"cyrange/internal/supervisor"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Client-side errors decoded from gRPC status codes.
var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrPassInProgress = errors.New("pass already running")
	ErrCircuitOpen    = errors.New("circuit breaker open")
)

func toGRPCError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, state.ErrNotFound):
		return status.Error(codes.NotFound, msg)
	case errors.Is(err, state.ErrConflict):
		return status.Error(codes.Aborted, msg)
	case errors.Is(err, state.ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, msg)
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		return status.Error(codes.Unavailable, msg)
	case errors.Is(err, supervisor.ErrCircuitOpen):
		return status.Error(codes.ResourceExhausted, msg)
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, msg)
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, msg)
	}
	if strings.Contains(msg, "is required") || strings.Contains(msg, "is not valid") ||
		strings.Contains(msg, "validate ") {
		return status.Error(codes.InvalidArgument, msg)
	}
	return status.Error(codes.Internal, msg)
}

type apiError struct {
	kind error
	msg  string
}

func (e *apiError) Error() string { return e.msg }
func (e *apiError) Unwrap() error { return e.kind }

func grpcErr(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var kind error
	switch st.Code() {
	case codes.NotFound:
		kind = ErrNotFound
	case codes.Aborted, codes.FailedPrecondition:
		kind = ErrConflict
	case codes.Unavailable:
		if strings.Contains(st.Message(), supervisor.ErrAlreadyRunning.Error()) {
			kind = ErrPassInProgress
		}
	case codes.ResourceExhausted:
		kind = ErrCircuitOpen
	}
	if kind == nil {
		return errors.New(st.Message())
	}
	return &apiError{kind: kind, msg: st.Message()}
}
