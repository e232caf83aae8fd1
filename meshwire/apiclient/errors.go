package apiclient

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrEpochConflict reports a publish rejected because the commit
	// was built against a superseded epoch. Recovered locally by
	// re-ingesting and restaging; never retried as-is.
	ErrEpochConflict = errors.New("apiclient: epoch conflict")
	// ErrRetryBudgetExhausted wraps the last transient failure once
	// the retry budget runs out.
	ErrRetryBudgetExhausted = errors.New("apiclient: retry budget exhausted")
)

// IsRetryable classifies an error as transient. Epoch conflicts and
// validation failures are terminal; resource and availability
// failures retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrEpochConflict) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if s, ok := status.FromError(errors.Cause(err)); ok {
		switch s.Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.Aborted,
			codes.DeadlineExceeded, codes.Internal:
			return true
		}
		return false
	}
	// transport errors without a grpc status (reset connections,
	// dial failures) are worth a retry
	var transient interface{ Temporary() bool }
	if errors.As(err, &transient) {
		return transient.Temporary()
	}
	return false
}
