package blockstm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestMemory(blockSize int, base MapState[string, uint64]) *mvMemory[string, uint64] {
	return NewMVMemory[string, uint64](blockSize, base, Uint64Codec{}).(*mvMemory[string, uint64])
}

func TestMVMemoryRead(t *testing.T) {
	mvm := newTestMemory(4, MapState[string, uint64]{"c": 7})

	require.Equal(t, ReadStatusNotFound, mvm.Read("k", 3).Status)

	mvm.Write("k", Version{Index: 0}, WriteOp[uint64]{Value: 10})
	require.Equal(t, ReadStatusNotFound, mvm.Read("k", 0).Status)
	r := mvm.Read("k", 1)
	require.Equal(t, ReadStatusOK, r.Status)
	require.Equal(t, Version{Index: 0}, r.Version)
	require.Equal(t, uint64(10), r.Value.Value)

	mvm.Delta("k", Version{Index: 1}, NewDeltaOp(Add(5), 100))
	r = mvm.Read("k", 3)
	require.Equal(t, ReadStatusDelta, r.Status)
	require.False(t, r.BaseFromStorage)
	require.Len(t, r.Deltas, 1)
	v, present := mvm.resolve("k", r)
	require.True(t, present)
	require.Equal(t, uint64(15), v)

	mvm.MarkEstimate("k", 1)
	r = mvm.Read("k", 3)
	require.Equal(t, ReadStatusDependency, r.Status)
	require.Equal(t, 1, r.BlockingIndex)
	// readers at or below the estimate are unaffected
	require.Equal(t, ReadStatusOK, mvm.Read("k", 1).Status)

	mvm.Delta("c", Version{Index: 0}, NewDeltaOp(Add(3), 100))
	mvm.Delta("c", Version{Index: 2}, NewDeltaOp(Add(1), 100))
	r = mvm.Read("c", 3)
	require.Equal(t, ReadStatusDelta, r.Status)
	require.True(t, r.BaseFromStorage)
	require.Len(t, r.Deltas, 2)
	v, present = mvm.resolve("c", r)
	require.True(t, present)
	require.Equal(t, uint64(11), v)

	mvm.Write("d", Version{Index: 0}, WriteOp[uint64]{Deleted: true})
	r = mvm.Read("d", 1)
	require.Equal(t, ReadStatusOK, r.Status)
	_, present = mvm.resolve("d", r)
	require.False(t, present)
}

func TestMVMemoryRecordDependents(t *testing.T) {
	mvm := newTestMemory(3, MapState[string, uint64]{})

	rs := ReadSet[string, uint64]{{Location: "x", Kind: ReadKindStorage}}
	wrote, dependents := mvm.Record(Version{Index: 2}, rs, nil, nil)
	require.False(t, wrote)
	require.Empty(t, dependents)
	require.True(t, mvm.ValidateReadSet(2))

	ws := WriteSet[string, uint64]{{Location: "x", Val: WriteOp[uint64]{Value: 1}}}
	wrote, dependents = mvm.Record(Version{Index: 1}, nil, ws, nil)
	require.True(t, wrote)
	require.Equal(t, []int{2}, dependents)
	require.False(t, mvm.ValidateReadSet(2))

	// same location again is not new
	wrote, dependents = mvm.Record(Version{Index: 1, Incarnation: 1}, nil, ws, nil)
	require.False(t, wrote)
	require.Empty(t, dependents)

	// the next incarnation drops x
	wrote, dependents = mvm.Record(Version{Index: 1, Incarnation: 2}, nil, nil, nil)
	require.True(t, wrote)
	require.Equal(t, []int{2}, dependents)
	require.Equal(t, ReadStatusNotFound, mvm.Read("x", 2).Status)
	require.True(t, mvm.ValidateReadSet(2))
}

func TestMVMemoryRewriteSkipsReaders(t *testing.T) {
	mvm := newTestMemory(4, MapState[string, uint64]{})
	mvm.registerReads(3, ReadSet[string, uint64]{{Location: "x", Kind: ReadKindStorage}})
	mvm.registerReads(2, ReadSet[string, uint64]{{Location: "y", Kind: ReadKindStorage}})

	cell := func(v uint64) *dataCell[uint64] { return &dataCell[uint64]{kind: EntryKindWrite, value: WriteOp[uint64]{Value: v}} }
	require.Equal(t, []int{3}, mvm.writeData("x", Version{Index: 1}, cell(1), true))
	require.Nil(t, mvm.writeData("x", Version{Index: 1, Incarnation: 1}, cell(2), false))
	require.Nil(t, mvm.writeDelta("y", Version{Index: 1}, NewDeltaOp(Add(1), 10), false))
	require.Equal(t, []int{2}, mvm.writeDelta("y", Version{Index: 1, Incarnation: 1}, NewDeltaOp(Add(1), 10), true))

	// a rewrite of x with a new delta on y only reports the readers of y
	ws := WriteSet[string, uint64]{{Location: "x", Val: WriteOp[uint64]{Value: 1}}}
	wrote, dependents := mvm.Record(Version{Index: 0}, nil, ws, nil)
	require.True(t, wrote)
	require.Equal(t, []int{3}, dependents)
	ds := DeltaSet[string]{{Location: "y", Op: NewDeltaOp(Add(1), 10)}}
	wrote, dependents = mvm.Record(Version{Index: 0, Incarnation: 1}, nil, ws, ds)
	require.True(t, wrote)
	require.Equal(t, []int{2}, dependents)
}

func TestMVMemoryEstimates(t *testing.T) {
	mvm := newTestMemory(3, MapState[string, uint64]{})

	ws := WriteSet[string, uint64]{{Location: "x", Val: WriteOp[uint64]{Value: 1}}}
	mvm.Record(Version{Index: 0}, nil, ws, nil)
	rs := ReadSet[string, uint64]{{Location: "x", Kind: ReadKindVersion, V: Version{Index: 0}}}
	mvm.Record(Version{Index: 1}, rs, nil, nil)
	require.True(t, mvm.ValidateReadSet(1))
	require.False(t, mvm.HasEstimates())

	require.Equal(t, []int{1}, mvm.ConvertWritesToEstimates(0))
	require.True(t, mvm.HasEstimates())
	require.False(t, mvm.ValidateReadSet(1))

	mvm.Record(Version{Index: 0, Incarnation: 1}, nil, ws, nil)
	require.False(t, mvm.HasEstimates())
	// same value, new version
	require.False(t, mvm.ValidateReadSet(1))
}

func TestMVMemoryResolvedReadsValidateByValue(t *testing.T) {
	mvm := newTestMemory(4, MapState[string, uint64]{"c": 7})
	mvm.Delta("c", Version{Index: 0}, NewDeltaOp(Add(3), 100))

	view := newTxnView(mvm, 3)
	v, ok, err := view.Get("c")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(10), v)
	rs, _, _ := view.sets(false)
	require.Equal(t, ReadKindResolved, rs[0].Kind)
	mvm.Record(Version{Index: 3}, rs, nil, nil)
	require.True(t, mvm.ValidateReadSet(3))

	mvm.Delta("c", Version{Index: 2}, NewDeltaOp(Add(0), 100))
	require.True(t, mvm.ValidateReadSet(3))

	mvm.Delta("c", Version{Index: 2, Incarnation: 1}, NewDeltaOp(Add(1), 100))
	require.False(t, mvm.ValidateReadSet(3))
}

func TestMVMemorySnapshot(t *testing.T) {
	mvm := newTestMemory(3, MapState[string, uint64]{"c": 7})
	mvm.Write("a", Version{Index: 0}, WriteOp[uint64]{Value: 1})
	mvm.Write("a", Version{Index: 2}, WriteOp[uint64]{Value: 2})
	mvm.Write("b", Version{Index: 1}, WriteOp[uint64]{Deleted: true})
	mvm.Delta("c", Version{Index: 1}, NewDeltaOp(Add(3), 100))

	got := make(map[string]LocationValue[string, uint64])
	for _, lv := range mvm.Snapshot() {
		got[lv.Location] = lv
	}
	require.Equal(t, map[string]LocationValue[string, uint64]{
		"a": {Location: "a", Value: 2},
		"b": {Location: "b", Deleted: true},
		"c": {Location: "c", Value: 10},
	}, got)
	require.ElementsMatch(t, []string{"c"}, mvm.DeltaKeys())

	entries := mvm.Entries("a")
	require.Len(t, entries, 2)
	require.Equal(t, 0, entries[0].Index)
	require.Equal(t, 2, entries[1].Index)

	mvm.MarkEstimate("a", 2)
	require.Panics(t, func() { mvm.Snapshot() })
}

func TestMVMemoryIncarnationNeverDecreases(t *testing.T) {
	mvm := newTestMemory(1, MapState[string, uint64]{})
	mvm.Write("k", Version{Incarnation: 1}, WriteOp[uint64]{Value: 1})
	require.Panics(t, func() {
		mvm.Write("k", Version{Incarnation: 0}, WriteOp[uint64]{Value: 0})
	})

	require.Empty(t, mvm.Remove("k", 0))
	require.Equal(t, ReadStatusNotFound, mvm.Read("k", 1).Status)
}
