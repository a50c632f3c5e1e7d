package blockstm

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

var (
	ErrDeltaOverflow      = errors.New("delta application overflows limit")
	ErrDeltaUnderflow     = errors.New("delta application goes below zero")
	ErrDeltaLimitMismatch = errors.New("delta limits do not match")
	ErrDeltaMissingBase   = errors.New("delta applied to a missing value")
)

// DeltaUpdate is a signed amount.
type DeltaUpdate struct {
	Value    uint64
	Negative bool
}

func Add(v uint64) DeltaUpdate { return DeltaUpdate{Value: v} }

func Sub(v uint64) DeltaUpdate { return DeltaUpdate{Value: v, Negative: v != 0} }

func (u DeltaUpdate) neg() DeltaUpdate {
	if u.Value == 0 {
		return u
	}
	return DeltaUpdate{Value: u.Value, Negative: !u.Negative}
}

func (u DeltaUpdate) String() string {
	if u.Negative {
		return fmt.Sprintf("-%d", u.Value)
	}
	return fmt.Sprintf("+%d", u.Value)
}

func addUpdates(a, b DeltaUpdate) (DeltaUpdate, error) {
	if a.Negative == b.Negative {
		if a.Value > math.MaxUint64-b.Value {
			if a.Negative {
				return DeltaUpdate{}, ErrDeltaUnderflow
			}
			return DeltaUpdate{}, ErrDeltaOverflow
		}
		return DeltaUpdate{Value: a.Value + b.Value, Negative: a.Negative && a.Value+b.Value != 0}, nil
	}
	if a.Value >= b.Value {
		v := a.Value - b.Value
		return DeltaUpdate{Value: v, Negative: a.Negative && v != 0}, nil
	}
	return DeltaUpdate{Value: b.Value - a.Value, Negative: b.Negative}, nil
}

// DeltaOp is the combined effect of the updates one transaction applied to
// one location. MaxPositive and MaxNegative are the largest excursions above
// and below the base value reached along the way; every intermediate value
// must stay within [0, Limit].
type DeltaOp struct {
	Update      DeltaUpdate
	MaxPositive uint64
	MaxNegative uint64
	Limit       uint64
}

func NewDeltaOp(update DeltaUpdate, limit uint64) DeltaOp {
	op := DeltaOp{Update: update, Limit: limit}
	if update.Negative {
		op.MaxNegative = update.Value
	} else {
		op.MaxPositive = update.Value
	}
	return op
}

// Apply returns base with the delta applied.
func (op DeltaOp) Apply(base uint64) (uint64, error) {
	if base > op.Limit || op.MaxPositive > op.Limit-base {
		return 0, errors.Wrapf(ErrDeltaOverflow, "base %d, delta %s, limit %d", base, op.Update, op.Limit)
	}
	if base < op.MaxNegative {
		return 0, errors.Wrapf(ErrDeltaUnderflow, "base %d, delta %s", base, op.Update)
	}
	if op.Update.Negative {
		return base - op.Update.Value, nil
	}
	return base + op.Update.Value, nil
}

// Merge returns the op equivalent to applying op and then next.
func (op DeltaOp) Merge(next DeltaOp) (merged DeltaOp, err error) {
	if op.Limit != next.Limit {
		err = errors.Wrapf(ErrDeltaLimitMismatch, "%d != %d", op.Limit, next.Limit)
		return
	}
	merged.Limit = op.Limit

	if merged.Update, err = addUpdates(op.Update, next.Update); err != nil {
		return
	}

	merged.MaxPositive = op.MaxPositive
	pos, err := addUpdates(op.Update, Add(next.MaxPositive))
	if err != nil {
		return
	}
	if !pos.Negative && pos.Value > merged.MaxPositive {
		merged.MaxPositive = pos.Value
	}

	merged.MaxNegative = op.MaxNegative
	neg, err := addUpdates(Add(next.MaxNegative), op.Update.neg())
	if err != nil {
		return
	}
	if !neg.Negative && neg.Value > merged.MaxNegative {
		merged.MaxNegative = neg.Value
	}

	if merged.MaxPositive > merged.Limit {
		err = errors.Wrapf(ErrDeltaOverflow, "delta %s exceeds limit %d", merged.Update, merged.Limit)
	} else if merged.MaxNegative > merged.Limit {
		err = errors.Wrapf(ErrDeltaUnderflow, "delta %s below zero for every base", merged.Update)
	}
	return
}

// foldDeltas applies deltas bottom-up on top of base. A delta that cannot be
// applied, or meets a missing base, is skipped: its transaction reports the
// failure and contributes nothing.
func foldDeltas[V any](codec ValueCodec[V], base WriteOp[V], exists bool, deltas []DeltaOp) (WriteOp[V], bool) {
	for _, d := range deltas {
		if r, err := applyDelta(codec, base, exists, d); err == nil {
			base, exists = WriteOp[V]{Value: codec.FromUint64(r)}, true
		}
	}
	return base, exists
}

func applyDelta[V any](codec ValueCodec[V], base WriteOp[V], exists bool, d DeltaOp) (uint64, error) {
	if !exists || base.Deleted {
		return 0, ErrDeltaMissingBase
	}
	n, err := codec.ToUint64(base.Value)
	if err != nil {
		return 0, err
	}
	return d.Apply(n)
}
