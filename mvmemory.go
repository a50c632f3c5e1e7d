package blockstm

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/maps/treemap"
)

type mvMemory[K comparable, V any] struct {
	data         sync.Map
	deltaKeys    sync.Map
	lastWriteSet []atomic.Pointer[[]K]
	lastReadSet  []atomic.Pointer[ReadSet[K, V]]
	base         StateReader[K, V]
	codec        ValueCodec[V]
}

type dataCells struct {
	sync.RWMutex
	tm *treemap.Map
	// indices of transactions that recorded a read of this location
	readers map[int]struct{}
}

type dataCell[V any] struct {
	flag        flag
	kind        EntryKind
	incarnation int
	value       WriteOp[V]
	delta       DeltaOp
}

type flag uint

const (
	flagDone flag = iota
	flagEstimate
)

var _ MVMemory[int, []byte] = (*mvMemory[int, []byte])(nil)

func NewMVMemory[K comparable, V any](blockSize int, base StateReader[K, V], codec ValueCodec[V]) MVMemory[K, V] {
	return &mvMemory[K, V]{
		lastWriteSet: make([]atomic.Pointer[[]K], blockSize),
		lastReadSet:  make([]atomic.Pointer[ReadSet[K, V]], blockSize),
		base:         base,
		codec:        codec}
}

func (mvm *mvMemory[K, V]) Record(version Version, rs ReadSet[K, V], ws WriteSet[K, V], ds DeltaSet[K]) (wroteNewLocation bool, dependents []int) {

	wroteNewLocation, dependents = mvm.applyWriteSet(version, ws, ds)

	mvm.registerReads(version.Index, rs)
	mvm.lastReadSet[version.Index].Store(&rs)

	return
}

func (mvm *mvMemory[K, V]) Read(location K, txnIndex int) (result ReadResult[V]) {
	cells := mvm.getLocationCells(location, func() *dataCells { return nil })
	if cells == nil {
		result.Status = ReadStatusNotFound
		return
	}

	cells.RLock()
	defer cells.RUnlock()

	var deltas []DeltaOp
	floor := txnIndex - 1
	for {
		fk, fv := cells.tm.Floor(floor)
		if fk == nil || fv == nil {
			if len(deltas) == 0 {
				result.Status = ReadStatusNotFound
			} else {
				result.Status = ReadStatusDelta
				result.BaseFromStorage = true
			}
			break
		}

		c := fv.(*dataCell[V])
		if c.flag == flagEstimate {
			result = ReadResult[V]{Status: ReadStatusDependency, BlockingIndex: fk.(int)}
			return
		}
		switch c.kind {
		case EntryKindWrite:
			result.Version = Version{Index: fk.(int), Incarnation: c.incarnation}
			result.Value = c.value
			if len(deltas) == 0 {
				result.Status = ReadStatusOK
			} else {
				result.Status = ReadStatusDelta
			}
		case EntryKindDelta:
			deltas = append(deltas, c.delta)
			floor = fk.(int) - 1
			continue
		default:
			panic("should not happen - unknown entry kind")
		}
		break
	}

	for i, j := 0, len(deltas)-1; i < j; i, j = i+1, j-1 {
		deltas[i], deltas[j] = deltas[j], deltas[i]
	}
	result.Deltas = deltas
	return
}

// resolve returns the value a reader observes for a read result that is not a
// dependency, falling back to the base state.
func (mvm *mvMemory[K, V]) resolve(location K, r ReadResult[V]) (value V, present bool) {
	var (
		op     WriteOp[V]
		exists bool
	)
	switch r.Status {
	case ReadStatusOK:
		op, exists = r.Value, true
	case ReadStatusNotFound:
		op.Value, exists = mvm.base.Get(location)
	case ReadStatusDelta:
		if r.BaseFromStorage {
			op.Value, exists = mvm.base.Get(location)
		} else {
			op, exists = r.Value, true
		}
		op, exists = foldDeltas(mvm.codec, op, exists, r.Deltas)
	default:
		panic(invariantViolation("resolving a dependency read"))
	}
	if !exists || op.Deleted {
		return
	}
	return op.Value, true
}

func (mvm *mvMemory[K, V]) Snapshot() (ret []LocationValue[K, V]) {
	mvm.data.Range(func(location, _ any) bool {
		result := mvm.Read(location.(K), len(mvm.lastReadSet))
		switch result.Status {
		case ReadStatusOK, ReadStatusDelta:
			value, present := mvm.resolve(location.(K), result)
			ret = append(ret, LocationValue[K, V]{Location: location.(K), Value: value, Deleted: !present})
		case ReadStatusDependency:
			panic(invariantViolation(fmt.Sprintf("estimate left at %v by txn %d", location, result.BlockingIndex)))
		}
		return true
	})
	return
}

func (mvm *mvMemory[K, V]) ValidateReadSet(txnIndex int) bool /*valid*/ {
	prevReads := mvm.lastReadSet[txnIndex].Load()
	if prevReads == nil {
		return true
	}
	for _, read := range *prevReads {
		curRead := mvm.Read(read.Location, txnIndex)

		switch {
		case curRead.Status == ReadStatusDependency:
			return false
		case read.Kind == ReadKindStorage:
			if curRead.Status != ReadStatusNotFound {
				return false
			}
		case read.Kind == ReadKindVersion:
			if curRead.Status != ReadStatusOK || curRead.Version != read.V {
				return false
			}
		case read.Kind == ReadKindResolved:
			if curRead.Status != ReadStatusDelta {
				return false
			}
			value, present := mvm.resolve(read.Location, curRead)
			if present != read.Exists || (present && !mvm.codec.Equal(value, read.Value)) {
				return false
			}
		default:
			panic("should not happen - unknown read kind")
		}
	}
	return true
}

func (mvm *mvMemory[K, V]) ConvertWritesToEstimates(txnIndex int) (dependents []int) {
	prevWrites := mvm.lastWriteSet[txnIndex].Load()
	if prevWrites == nil {
		return
	}
	seen := make(map[int]struct{})
	for _, location := range *prevWrites {
		cells := mvm.getLocationCells(location, func() *dataCells { return nil })
		if cells == nil {
			continue
		}
		cells.Lock()
		if ci, ok := cells.tm.Get(txnIndex); ok {
			ci.(*dataCell[V]).flag = flagEstimate
		}
		dependents = collectReaders(cells, txnIndex, seen, dependents)
		cells.Unlock()
	}
	return
}

func (mvm *mvMemory[K, V]) HasEstimates() (found bool) {
	mvm.data.Range(func(_, val any) bool {
		cells := val.(*dataCells)
		cells.RLock()
		it := cells.tm.Iterator()
		for it.Next() {
			if it.Value().(*dataCell[V]).flag == flagEstimate {
				found = true
				break
			}
		}
		cells.RUnlock()
		return !found
	})
	return
}

func (mvm *mvMemory[K, V]) DeltaKeys() (keys []K) {
	mvm.deltaKeys.Range(func(location, _ any) bool {
		keys = append(keys, location.(K))
		return true
	})
	return
}

func (mvm *mvMemory[K, V]) Entries(location K) (entries []Entry[V]) {
	cells := mvm.getLocationCells(location, func() *dataCells { return nil })
	if cells == nil {
		return
	}
	cells.RLock()
	it := cells.tm.Iterator()
	for it.Next() {
		c := it.Value().(*dataCell[V])
		entries = append(entries, Entry[V]{
			Index:       it.Key().(int),
			Incarnation: c.incarnation,
			Kind:        c.kind,
			Estimate:    c.flag == flagEstimate,
			Write:       c.value,
			Delta:       c.delta,
		})
	}
	cells.RUnlock()
	return
}

// Write publishes a concrete write of version at location and returns the
// readers above version.Index registered on it.
func (mvm *mvMemory[K, V]) Write(location K, version Version, value WriteOp[V]) []int {
	return mvm.writeData(location, version, &dataCell[V]{kind: EntryKindWrite, value: value}, true)
}

// Delta publishes a commutative update of version at location.
func (mvm *mvMemory[K, V]) Delta(location K, version Version, op DeltaOp) []int {
	return mvm.writeDelta(location, version, op, true)
}

func (mvm *mvMemory[K, V]) writeDelta(location K, version Version, op DeltaOp, collect bool) []int {
	mvm.deltaKeys.Store(location, struct{}{})
	return mvm.writeData(location, version, &dataCell[V]{kind: EntryKindDelta, delta: op}, collect)
}

func (mvm *mvMemory[K, V]) MarkEstimate(location K, txnIndex int) {
	cells := mvm.getLocationCells(location, func() *dataCells { return nil })
	if cells == nil {
		return
	}
	cells.Lock()
	if ci, ok := cells.tm.Get(txnIndex); ok {
		ci.(*dataCell[V]).flag = flagEstimate
	}
	cells.Unlock()
}

func (mvm *mvMemory[K, V]) Remove(location K, txnIndex int) []int {
	return mvm.removeData(location, txnIndex)
}

func (mvm *mvMemory[K, V]) applyWriteSet(version Version, ws WriteSet[K, V], ds DeltaSet[K]) (wroteNewLocation bool, dependents []int) {
	prevLocationMap := make(map[K]struct{})
	if prevLocations := mvm.lastWriteSet[version.Index].Load(); prevLocations != nil {
		for _, location := range *prevLocations {
			prevLocationMap[location] = struct{}{}
		}
	}

	seen := make(map[int]struct{})
	newLocations := make(map[K]struct{}, len(ws)+len(ds))
	newLocationList := make([]K, 0, len(ws)+len(ds))
	// readers only matter where the previous incarnation did not write
	publish := func(location K) (collect bool) {
		if _, ok := newLocations[location]; !ok {
			newLocations[location] = struct{}{}
			newLocationList = append(newLocationList, location)
		}
		if _, ok := prevLocationMap[location]; ok {
			return false
		}
		wroteNewLocation = true
		return true
	}
	addDependents := func(readers []int) {
		for _, r := range readers {
			if _, ok := seen[r]; !ok {
				seen[r] = struct{}{}
				dependents = append(dependents, r)
			}
		}
	}
	for _, w := range ws {
		collect := publish(w.Location)
		addDependents(mvm.writeData(w.Location, version, &dataCell[V]{kind: EntryKindWrite, value: w.Val}, collect))
	}
	for _, d := range ds {
		collect := publish(d.Location)
		addDependents(mvm.writeDelta(d.Location, version, d.Op, collect))
	}

	for location := range prevLocationMap {
		if _, ok := newLocations[location]; !ok {
			wroteNewLocation = true
			addDependents(mvm.removeData(location, version.Index))
		}
	}

	mvm.lastWriteSet[version.Index].Store(&newLocationList)

	sort.Ints(dependents)
	return
}

func (mvm *mvMemory[K, V]) registerReads(txnIndex int, rs ReadSet[K, V]) {
	for _, read := range rs {
		cells := mvm.getLocationCells(read.Location, mvm.newLocationCells(read.Location))
		cells.Lock()
		cells.readers[txnIndex] = struct{}{}
		cells.Unlock()
	}
}

// writeData publishes cell and, when collect is set, returns the readers
// above version.Index registered on location.
func (mvm *mvMemory[K, V]) writeData(location K, version Version, cell *dataCell[V], collect bool) (readers []int) {
	cells := mvm.getLocationCells(location, mvm.newLocationCells(location))

	cells.Lock()

	if ci, ok := cells.tm.Get(version.Index); ok && ci.(*dataCell[V]).incarnation > version.Incarnation {
		cells.Unlock()
		panic(invariantViolation(fmt.Sprintf("existing transaction value does not have lower incarnation: %v, %v",
			location, version.Index)))
	}
	cell.flag = flagDone
	cell.incarnation = version.Incarnation
	cells.tm.Put(version.Index, cell)
	if collect {
		readers = collectReaders(cells, version.Index, nil, nil)
	}

	cells.Unlock()
	return
}

func (mvm *mvMemory[K, V]) removeData(location K, txnIndex int) (readers []int) {
	cells := mvm.getLocationCells(location, func() (cells *dataCells) {
		return
	})
	if cells == nil {
		return
	}
	cells.Lock()
	cells.tm.Remove(txnIndex)
	readers = collectReaders(cells, txnIndex, nil, nil)
	cells.Unlock()
	return
}

func (mvm *mvMemory[K, V]) newLocationCells(location K) func() *dataCells {
	return func() (cells *dataCells) {
		n := &dataCells{
			tm:      treemap.NewWithIntComparator(),
			readers: make(map[int]struct{}),
		}
		val, _ := mvm.data.LoadOrStore(location, n)
		cells = val.(*dataCells)
		return
	}
}

func (mvm *mvMemory[K, V]) getLocationCells(location K, fGen func() *dataCells) (cells *dataCells) {
	val, ok := mvm.data.Load(location)

	if !ok {
		cells = fGen()
	} else {
		cells = val.(*dataCells)
	}

	return
}

// collectReaders appends the registered readers above txnIndex. Caller holds
// the cells lock.
func collectReaders(cells *dataCells, txnIndex int, seen map[int]struct{}, readers []int) []int {
	for r := range cells.readers {
		if r <= txnIndex {
			continue
		}
		if seen != nil {
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
		}
		readers = append(readers, r)
	}
	return readers
}
