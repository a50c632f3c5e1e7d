package blockstm

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ResolvedDelta is the value a delta of transaction Index produced once every
// lower entry of the location is known, or why it could not apply.
type ResolvedDelta[V any] struct {
	Index int
	Value V
	Err   error
}

// DeltaResolver materializes the deltas of a fully committed block.
type DeltaResolver[K comparable, V any] struct {
	mvm   MVMemory[K, V]
	base  StateReader[K, V]
	codec ValueCodec[V]
}

func NewDeltaResolver[K comparable, V any](mvm MVMemory[K, V], base StateReader[K, V], codec ValueCodec[V]) *DeltaResolver[K, V] {
	return &DeltaResolver[K, V]{mvm: mvm, base: base, codec: codec}
}

// Resolve folds the entries of location in index order. A failing delta
// leaves the running value unchanged.
func (r *DeltaResolver[K, V]) Resolve(location K) (resolved []ResolvedDelta[V]) {
	var (
		cur    WriteOp[V]
		exists bool
	)
	cur.Value, exists = r.base.Get(location)

	for _, entry := range r.mvm.Entries(location) {
		if entry.Estimate {
			panic(invariantViolation(fmt.Sprintf("estimate of txn %d at %v after commit", entry.Index, location)))
		}
		switch entry.Kind {
		case EntryKindWrite:
			cur, exists = entry.Write, true
		case EntryKindDelta:
			n, err := applyDelta(r.codec, cur, exists, entry.Delta)
			if err != nil {
				resolved = append(resolved, ResolvedDelta[V]{Index: entry.Index, Err: errors.Wrapf(err, "txn %d at %v", entry.Index, location)})
				continue
			}
			cur, exists = WriteOp[V]{Value: r.codec.FromUint64(n)}, true
			resolved = append(resolved, ResolvedDelta[V]{Index: entry.Index, Value: cur.Value})
		}
	}
	return
}

// ResolveAll resolves every location that received a delta, up to
// concurrency locations at a time.
func (r *DeltaResolver[K, V]) ResolveAll(ctx context.Context, concurrency int) (_ map[K]map[int]ResolvedDelta[V], err error) {
	defer recoverFatal(&err)

	keys := r.mvm.DeltaKeys()
	var (
		mu  sync.Mutex
		ret = make(map[K]map[int]ResolvedDelta[V], len(keys))
	)

	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for _, key := range keys {
		key := key
		g.Go(func() (err error) {
			defer recoverFatal(&err)
			if err = gctx.Err(); err != nil {
				return
			}
			byIndex := make(map[int]ResolvedDelta[V])
			for _, d := range r.Resolve(key) {
				byIndex[d.Index] = d
			}
			mu.Lock()
			ret[key] = byIndex
			mu.Unlock()
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}
	return ret, nil
}
