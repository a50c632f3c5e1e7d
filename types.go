package blockstm

import "context"

type Version struct {
	// transaction index in block
	Index       int
	Incarnation int
}

type ReadKind int

const (
	// nothing below the reader, served by the base state
	ReadKindStorage ReadKind = iota
	// a write entry at an exact version
	ReadKindVersion
	// folded from delta entries, validated by value
	ReadKindResolved
)

type ReadSet[K comparable, V any] []ReadDescriptor[K, V]

type ReadDescriptor[K comparable, V any] struct {
	Location K
	Kind     ReadKind
	V        Version
	// set for ReadKindResolved
	Value  V
	Exists bool
}

// WriteOp is a concrete write, or a deletion when Deleted is set.
type WriteOp[V any] struct {
	Value   V
	Deleted bool
}

type WriteDescriptor[K comparable, V any] struct {
	Location K
	Val      WriteOp[V]
}

type WriteSet[K comparable, V any] []WriteDescriptor[K, V]

type DeltaDescriptor[K comparable] struct {
	Location K
	Op       DeltaOp
}

type DeltaSet[K comparable] []DeltaDescriptor[K]

type LocationValue[K comparable, V any] struct {
	Location K
	Value    V
	Deleted  bool
}

type Executor[K comparable, V any] interface {
	Run(ctx context.Context) ([]TransactionOutput[K, V], error)
	Snapshot() ([]LocationValue[K, V], error)
}

// StateReader is the pre-block state.
type StateReader[K comparable, V any] interface {
	Get(key K) (V, bool)
}

// View is what a transaction sees while it executes.
type View[K comparable, V any] interface {
	Get(key K) (V, bool, error)
	Set(key K, value V)
	Delete(key K)
	AddDelta(key K, delta DeltaUpdate, limit uint64) error
}

// VM executes the transaction at txnIndex against view. It must be a pure
// function of what it reads through view: it may be called many times for the
// same index. A non-nil error other than ErrSuspended aborts the transaction.
type VM[K comparable, V any] interface {
	Execute(txnIndex int, view View[K, V]) error
}

type MVMemory[K comparable, V any] interface {
	Record(Version, ReadSet[K, V], WriteSet[K, V], DeltaSet[K]) (wroteNewLocation bool, dependents []int)
	Read(location K, txnIndex int) ReadResult[V]
	Write(location K, version Version, value WriteOp[V]) (dependents []int)
	Delta(location K, version Version, op DeltaOp) (dependents []int)
	MarkEstimate(location K, txnIndex int)
	Remove(location K, txnIndex int) (dependents []int)
	Snapshot() []LocationValue[K, V]
	ValidateReadSet(txnIndex int) bool
	ConvertWritesToEstimates(txnIndex int) (dependents []int)
	HasEstimates() bool
	DeltaKeys() []K
	Entries(location K) []Entry[V]
}

type ReadResult[V any] struct {
	Status  ReadStatus
	Version Version
	Value   WriteOp[V]
	// deltas above the base, lowest index first; base is Value when
	// BaseFromStorage is false
	Deltas          []DeltaOp
	BaseFromStorage bool
	// blocking transaction index
	BlockingIndex int
}

type ReadStatus int

const (
	ReadStatusOK ReadStatus = iota
	ReadStatusNotFound
	ReadStatusDelta
	ReadStatusDependency
)

type EntryKind int

const (
	EntryKindWrite EntryKind = iota
	EntryKindDelta
)

// Entry is one transaction's entry at a location.
type Entry[V any] struct {
	Index       int
	Incarnation int
	Kind        EntryKind
	Estimate    bool
	Write       WriteOp[V]
	Delta       DeltaOp
}

type TaskKind int

const (
	TaskKindE TaskKind = iota
	TaskKindV
	TaskKindWait
	TaskKindDone
)

func (k TaskKind) String() string {
	switch k {
	case TaskKindE:
		return "execute"
	case TaskKindV:
		return "validate"
	case TaskKindWait:
		return "wait"
	case TaskKindDone:
		return "done"
	}
	return "unknown"
}

type Task struct {
	Kind    TaskKind
	Version Version
	// scheduler generation observed before TaskKindWait was decided
	gen uint64
}

type TxnStatus int

const (
	StatusReadyToExecute TxnStatus = iota
	StatusExecuting
	StatusExecuted
	StatusReadyToValidate
	StatusValidating
	StatusAborting
	StatusCommitted
)

func (s TxnStatus) String() string {
	switch s {
	case StatusReadyToExecute:
		return "ReadyToExecute"
	case StatusExecuting:
		return "Executing"
	case StatusExecuted:
		return "Executed"
	case StatusReadyToValidate:
		return "ReadyToValidate"
	case StatusValidating:
		return "Validating"
	case StatusAborting:
		return "Aborting"
	case StatusCommitted:
		return "Committed"
	}
	return "Unknown"
}

type Scheduler interface {
	Done() bool
	NextTask() *Task
	Wait(task *Task)
	AddDependency(index, blockingIndex int) bool
	FinishExecution(version Version, wroteNewLocation bool, dependents []int) *Task
	TryValidationAbort(Version) bool
	FinishValidation(version Version, aborted bool) *Task
	Invalidate(indices []int)
	CommitCandidate() (Version, bool)
	TryCommitAbort(Version) bool
	FinishAbort(txnIndex int) *Task
	Commit(Version) bool
	CommitIndex() int
	Status(txnIndex int) (TxnStatus, int)
	Halt()
	Halted() bool
}
