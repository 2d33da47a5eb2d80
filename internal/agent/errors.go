package agent

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrInvalidRequest is returned for malformed observations.
	ErrInvalidRequest = errors.New("invalid agent request")
	// ErrNotOpen is returned when Decide arrives before Open.
	ErrNotOpen = errors.New("agent session not open")
	// ErrUnavailable is returned by the bridge when the agent cannot be reached.
	ErrUnavailable = errors.New("agent unavailable")
	// ErrBadDecision is returned when the agent answers with a channel that
	// does not fit the observation's bound.
	ErrBadDecision = errors.New("agent returned an invalid channel")
)

// ToStatusError maps agent errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrNotOpen):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatusError turns a gRPC error seen by the bridge back into one of
// the package sentinels where one fits.
func fromStatusError(op string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("agent %s: %w", op, err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return fmt.Errorf("agent %s: %w: %s", op, ErrUnavailable, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("agent %s: %w: %s", op, ErrInvalidRequest, st.Message())
	case codes.FailedPrecondition:
		return fmt.Errorf("agent %s: %w: %s", op, ErrNotOpen, st.Message())
	default:
		return fmt.Errorf("agent %s: %w", op, err)
	}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidRequest}, args...)...)
}
