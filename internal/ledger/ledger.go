// Package ledger talks to the remote ledger, the sole authority on balance
// correctness. Commit is idempotent on the transaction hash: the remote
// either commits once or reports the prior outcome without side effects.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/liangchen812/walletsync/internal/model"
)

// ErrUnavailable wraps transient failures: network errors, timeouts and
// 5xx-equivalent responses. Retryable on a later pass.
var ErrUnavailable = errors.New("remote ledger unavailable")

// RejectedError is a permanent validation rejection (insufficient real
// balance, fraud block). Never retried automatically.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("remote ledger rejected transaction: %s", e.Reason)
}

// IsPermanent reports whether err is a terminal rejection rather than a
// transient failure.
func IsPermanent(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

// CommitResult captures a successful commit. Duplicate is true when the
// remote had already seen the hash; callers treat it identically to a fresh
// success.
type CommitResult struct {
	Duplicate bool
	Reference string
}

// Client is the remote ledger contract.
type Client interface {
	// Commit posts one transaction, keyed by its canonical hash. A nil
	// error means committed (possibly previously). A *RejectedError is
	// permanent; any other error is transient.
	Commit(ctx context.Context, t model.Transaction) (CommitResult, error)
	// Health reports whether the remote is reachable right now.
	Health(ctx context.Context) error
}
