package blockstm

import "github.com/pkg/errors"

type cachedRead[V any] struct {
	value   V
	present bool
}

// txnView is the speculative view of one incarnation. Reads go through the
// multi-version memory below txnIndex and are recorded once per location;
// writes and deltas are buffered until the executor records them.
type txnView[K comparable, V any] struct {
	mvm      *mvMemory[K, V]
	txnIndex int

	reads   map[K]cachedRead[V]
	readSet ReadSet[K, V]

	writes     map[K]WriteOp[V]
	writeOrder []K
	deltas     map[K]DeltaOp
	deltaOrder []K

	// index of the transaction whose estimate stopped this execution, -1 if none
	blockingIndex int
}

var _ View[int, []byte] = (*txnView[int, []byte])(nil)

func newTxnView[K comparable, V any](mvm *mvMemory[K, V], txnIndex int) *txnView[K, V] {
	return &txnView[K, V]{
		mvm:           mvm,
		txnIndex:      txnIndex,
		reads:         make(map[K]cachedRead[V]),
		writes:        make(map[K]WriteOp[V]),
		deltas:        make(map[K]DeltaOp),
		blockingIndex: -1,
	}
}

func (v *txnView[K, V]) Get(key K) (value V, present bool, err error) {
	if w, ok := v.writes[key]; ok {
		if w.Deleted {
			return
		}
		return w.Value, true, nil
	}

	if value, present, err = v.read(key); err != nil {
		return
	}

	op, ok := v.deltas[key]
	if !ok {
		return
	}
	if !present {
		var zero V
		return zero, false, errors.Wrapf(ErrDeltaMissingBase, "read of %v", key)
	}
	n, err := v.mvm.codec.ToUint64(value)
	if err != nil {
		var zero V
		return zero, false, err
	}
	r, err := op.Apply(n)
	if err != nil {
		var zero V
		return zero, false, err
	}
	return v.mvm.codec.FromUint64(r), true, nil
}

func (v *txnView[K, V]) read(key K) (value V, present bool, err error) {
	if c, ok := v.reads[key]; ok {
		return c.value, c.present, nil
	}

	result := v.mvm.Read(key, v.txnIndex)
	desc := ReadDescriptor[K, V]{Location: key}
	switch result.Status {
	case ReadStatusDependency:
		if v.blockingIndex < 0 {
			v.blockingIndex = result.BlockingIndex
		}
		err = ErrSuspended
		return
	case ReadStatusNotFound:
		desc.Kind = ReadKindStorage
	case ReadStatusOK:
		desc.Kind = ReadKindVersion
		desc.V = result.Version
	case ReadStatusDelta:
		desc.Kind = ReadKindResolved
	}
	value, present = v.mvm.resolve(key, result)
	if desc.Kind == ReadKindResolved {
		desc.Value, desc.Exists = value, present
	}

	v.reads[key] = cachedRead[V]{value: value, present: present}
	v.readSet = append(v.readSet, desc)
	return
}

func (v *txnView[K, V]) Set(key K, value V) {
	v.put(key, WriteOp[V]{Value: value})
}

func (v *txnView[K, V]) Delete(key K) {
	v.put(key, WriteOp[V]{Deleted: true})
}

func (v *txnView[K, V]) put(key K, w WriteOp[V]) {
	if _, ok := v.writes[key]; !ok {
		v.writeOrder = append(v.writeOrder, key)
	}
	v.writes[key] = w
	// a write overrides the transaction's own pending delta
	delete(v.deltas, key)
}

func (v *txnView[K, V]) AddDelta(key K, delta DeltaUpdate, limit uint64) error {
	op := NewDeltaOp(delta, limit)

	if w, ok := v.writes[key]; ok {
		if w.Deleted {
			return errors.Wrapf(ErrDeltaMissingBase, "delta on deleted %v", key)
		}
		n, err := v.mvm.codec.ToUint64(w.Value)
		if err != nil {
			return err
		}
		r, err := op.Apply(n)
		if err != nil {
			return err
		}
		v.writes[key] = WriteOp[V]{Value: v.mvm.codec.FromUint64(r)}
		return nil
	}

	if prev, ok := v.deltas[key]; ok {
		merged, err := prev.Merge(op)
		if err != nil {
			return err
		}
		v.deltas[key] = merged
		return nil
	}

	v.deltas[key] = op
	v.deltaOrder = append(v.deltaOrder, key)
	return nil
}

func (v *txnView[K, V]) suspended() bool {
	return v.blockingIndex >= 0
}

// sets returns what the execution read and produced. An aborted execution
// keeps its reads only.
func (v *txnView[K, V]) sets(aborted bool) (rs ReadSet[K, V], ws WriteSet[K, V], ds DeltaSet[K]) {
	rs = v.readSet
	if aborted {
		return
	}
	for _, key := range v.writeOrder {
		ws = append(ws, WriteDescriptor[K, V]{Location: key, Val: v.writes[key]})
	}
	for _, key := range v.deltaOrder {
		if op, ok := v.deltas[key]; ok {
			ds = append(ds, DeltaDescriptor[K]{Location: key, Op: op})
		}
	}
	return
}
