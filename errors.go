package blockstm

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrSuspended is returned by View.Get when the read hit an estimate. The
	// VM should stop and return it; the execution is retried later.
	ErrSuspended = errors.New("read depends on an unfinished transaction")
	// ErrTxnPanicked is recorded as the abort of a transaction whose VM panicked.
	ErrTxnPanicked = errors.New("transaction panicked")
	// ErrInvariantViolation wraps scheduler invariant violations. A run that
	// returns it produced no usable output.
	ErrInvariantViolation = errors.New("block executor invariant violated")
	ErrBadDependency      = errors.New("dependency must point to a lower transaction")
)

type invariantError struct {
	msg string
}

func (e *invariantError) Error() string { return e.msg }

func invariantViolation(msg string) *invariantError {
	return &invariantError{msg: msg}
}

// recoverFatal turns a panic in a worker into the error the whole run fails with.
func recoverFatal(err *error) {
	r := recover()
	if r == nil {
		return
	}
	if x, ok := r.(*invariantError); ok {
		*err = errors.Wrap(ErrInvariantViolation, x.msg)
		return
	}
	*err = errors.Wrap(ErrInvariantViolation, fmt.Sprintf("worker panicked: %v", r))
}
