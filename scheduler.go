package blockstm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/trees/binaryheap"
	"github.com/pkg/errors"
)

type scheduler struct {
	doneMarker       atomic.Bool
	haltMarker       atomic.Bool
	executionIndex   atomic.Int64
	commitIndex      atomic.Int64
	allTxnStatus     []*txnStatus
	allTxnDependency []*txnDependency // blocked transactions on each index
	validationQueue  *validationQueue
	blockSize        int

	// bumped on every transition that may create work
	gen      atomic.Uint64
	waiting  atomic.Int32
	waitMu   sync.Mutex
	waitCond *sync.Cond
}

type txnStatus struct {
	sync.RWMutex
	status      TxnStatus
	incarnation int
	// a validation of the current incarnation passed since the last request
	validated bool
	// a validation was requested while one was running
	revalidate bool
	// outstanding transactions this one waits for
	blockers int
}

type txnDependency struct {
	sync.Mutex
	dependencies map[int]struct{}
}

// validationQueue holds the indices pending re-validation, lowest first.
type validationQueue struct {
	sync.Mutex
	h *binaryheap.Heap
}

func (q *validationQueue) push(txnIndex int) {
	q.Lock()
	q.h.Push(txnIndex)
	q.Unlock()
}

func (q *validationQueue) pop() (int, bool) {
	q.Lock()
	defer q.Unlock()
	v, ok := q.h.Pop()
	if !ok {
		return 0, false
	}
	return v.(int), true
}

func (q *validationQueue) peek(empty int) int {
	q.Lock()
	defer q.Unlock()
	v, ok := q.h.Peek()
	if !ok {
		return empty
	}
	return v.(int)
}

var _ Scheduler = (*scheduler)(nil)

func NewScheduler(blockSize int) Scheduler {
	return newScheduler(blockSize)
}

func newScheduler(blockSize int) *scheduler {
	allTxnStatus := make([]*txnStatus, blockSize)
	allTxnDependency := make([]*txnDependency, blockSize)
	for i := 0; i < blockSize; i++ {
		allTxnStatus[i] = &txnStatus{}
		allTxnDependency[i] = &txnDependency{}
	}

	s := &scheduler{
		blockSize:        blockSize,
		allTxnStatus:     allTxnStatus,
		allTxnDependency: allTxnDependency,
		validationQueue:  &validationQueue{h: binaryheap.NewWithIntComparator()},
	}
	s.waitCond = sync.NewCond(&s.waitMu)
	if blockSize == 0 {
		s.doneMarker.Store(true)
	}
	return s
}

func (s *scheduler) Done() bool {
	return s.doneMarker.Load()
}

func (s *scheduler) Halted() bool {
	return s.haltMarker.Load()
}

// Halt makes every NextTask return TaskKindDone. Work in flight finishes.
func (s *scheduler) Halt() {
	s.haltMarker.Store(true)
	s.notify()
}

func (s *scheduler) NextTask() *Task {
	gen := s.gen.Load()
	for {
		if s.doneMarker.Load() || s.haltMarker.Load() {
			return &Task{Kind: TaskKindDone}
		}

		validationIndex := s.validationQueue.peek(s.blockSize)
		executionIndex := int(s.executionIndex.Load())
		if validationIndex < executionIndex && validationIndex < s.blockSize {
			if versionToValidate := s.nextVersionToValidate(); versionToValidate != nil {
				return &Task{Version: *versionToValidate, Kind: TaskKindV}
			}
			continue
		}
		if executionIndex < s.blockSize {
			if versionToExecute := s.nextVersionToExecute(); versionToExecute != nil {
				return &Task{Version: *versionToExecute, Kind: TaskKindE}
			}
			continue
		}

		return &Task{Kind: TaskKindWait, gen: gen}
	}
}

// Wait blocks the caller of a TaskKindWait task until the scheduler state
// changed since that task was handed out.
func (s *scheduler) Wait(task *Task) {
	if task.Kind != TaskKindWait {
		return
	}
	s.waitMu.Lock()
	s.waiting.Add(1)
	for s.gen.Load() == task.gen && !s.doneMarker.Load() && !s.haltMarker.Load() {
		s.waitCond.Wait()
	}
	s.waiting.Add(-1)
	s.waitMu.Unlock()
}

func (s *scheduler) notify() {
	s.gen.Add(1)
	if s.waiting.Load() > 0 {
		s.waitMu.Lock()
		s.waitCond.Broadcast()
		s.waitMu.Unlock()
	}
}

func (s *scheduler) AddDependency(index, blockingIndex int) bool {
	if blockingIndex >= index {
		panic(invariantViolation(fmt.Sprintf("txn %d depends on txn %d", index, blockingIndex)))
	}

	txnDependency := s.allTxnDependency[blockingIndex]
	txnDependency.Lock()

	blocking := s.allTxnStatus[blockingIndex]
	blocking.RLock()
	// dependency resolved
	if finished(blocking.status) {
		blocking.RUnlock()
		txnDependency.Unlock()
		return false
	}
	blocking.RUnlock()

	txnStatus := s.allTxnStatus[index]
	txnStatus.Lock()
	if txnStatus.status != StatusExecuting {
		status := txnStatus.status
		txnStatus.Unlock()
		txnDependency.Unlock()
		panic(invariantViolation(fmt.Sprintf("suspending txn %d in status %s", index, status)))
	}
	txnStatus.status = StatusAborting
	txnStatus.blockers++
	txnStatus.Unlock()

	if txnDependency.dependencies == nil {
		txnDependency.dependencies = make(map[int]struct{})
	}
	txnDependency.dependencies[index] = struct{}{}

	txnDependency.Unlock()

	return true
}

// addHint parks txnIndex until every blocker finished its first execution.
// Only valid before the run starts.
func (s *scheduler) addHint(txnIndex int, blockers []int) error {
	for _, b := range blockers {
		if b < 0 || b >= txnIndex {
			return errors.Wrapf(ErrBadDependency, "txn %d on txn %d", txnIndex, b)
		}
	}
	for _, b := range blockers {
		txnDependency := s.allTxnDependency[b]
		if txnDependency.dependencies == nil {
			txnDependency.dependencies = make(map[int]struct{})
		}
		if _, ok := txnDependency.dependencies[txnIndex]; ok {
			continue
		}
		txnDependency.dependencies[txnIndex] = struct{}{}
		s.allTxnStatus[txnIndex].status = StatusAborting
		s.allTxnStatus[txnIndex].blockers++
	}
	return nil
}

// FinishExecution publishes the end of an incarnation and hands the caller
// the validation of it. dependents are the higher transactions that read a
// location whose writer changed; they are re-validated when wroteNewLocation.
func (s *scheduler) FinishExecution(version Version, wroteNewLocation bool, dependents []int) *Task {

	txnStatus := s.allTxnStatus[version.Index]
	txnStatus.Lock()
	if txnStatus.status != StatusExecuting || txnStatus.incarnation != version.Incarnation {
		status := txnStatus.status
		txnStatus.Unlock()
		panic(invariantViolation(fmt.Sprintf("finishing execution of %v in status %s", version, status)))
	}
	// finished executions go straight to validation
	txnStatus.status = StatusValidating
	txnStatus.validated = false
	txnStatus.revalidate = false
	txnStatus.Unlock()

	txnDependency := s.allTxnDependency[version.Index]
	txnDependency.Lock()
	dependencies := txnDependency.dependencies
	txnDependency.dependencies = nil
	txnDependency.Unlock()

	s.resumeDependencies(dependencies)

	if wroteNewLocation {
		s.Invalidate(dependents)
	}

	return &Task{Version: version, Kind: TaskKindV}
}

func (s *scheduler) TryValidationAbort(version Version) bool {
	txnStatus := s.allTxnStatus[version.Index]
	txnStatus.Lock()
	defer txnStatus.Unlock()
	if txnStatus.incarnation == version.Incarnation && txnStatus.status == StatusValidating {
		txnStatus.status = StatusAborting
		return true
	}

	return false
}

func (s *scheduler) FinishValidation(version Version, aborted bool) *Task {
	if aborted {
		return s.FinishAbort(version.Index)
	}

	txnStatus := s.allTxnStatus[version.Index]
	txnStatus.Lock()
	if txnStatus.status != StatusValidating || txnStatus.incarnation != version.Incarnation {
		status := txnStatus.status
		txnStatus.Unlock()
		panic(invariantViolation(fmt.Sprintf("finishing validation of %v in status %s", version, status)))
	}
	if txnStatus.revalidate {
		txnStatus.revalidate = false
		txnStatus.Unlock()
		return &Task{Version: version, Kind: TaskKindV}
	}
	txnStatus.status = StatusExecuted
	txnStatus.validated = true
	txnStatus.Unlock()

	return nil
}

// FinishAbort makes an aborting transaction ready for its next incarnation,
// returning the execution task when the execution sweep already passed it.
func (s *scheduler) FinishAbort(txnIndex int) *Task {
	txnStatus := s.allTxnStatus[txnIndex]
	txnStatus.Lock()
	if txnStatus.status != StatusAborting {
		status := txnStatus.status
		txnStatus.Unlock()
		panic(invariantViolation(fmt.Sprintf("finishing abort of txn %d in status %s", txnIndex, status)))
	}
	txnStatus.incarnation += 1
	txnStatus.status = StatusReadyToExecute
	txnStatus.validated = false
	txnStatus.revalidate = false
	txnStatus.Unlock()

	if int(s.executionIndex.Load()) > txnIndex {
		if newVersion := s.tryIncarnate(txnIndex); newVersion != nil {
			// return re-execution task to the caller
			return &Task{Version: *newVersion, Kind: TaskKindE}
		}
	}
	s.notify()
	return nil
}

// Invalidate schedules re-validation of the given transactions.
func (s *scheduler) Invalidate(indices []int) {
	queued := false
	for _, txnIndex := range indices {
		txnStatus := s.allTxnStatus[txnIndex]
		txnStatus.Lock()
		switch txnStatus.status {
		case StatusExecuted:
			txnStatus.status = StatusReadyToValidate
			txnStatus.validated = false
			s.validationQueue.push(txnIndex)
			queued = true
		case StatusValidating:
			txnStatus.revalidate = true
		}
		txnStatus.Unlock()
	}
	if queued {
		s.notify()
	}
}

func (s *scheduler) CommitIndex() int {
	return int(s.commitIndex.Load())
}

// CommitCandidate returns the version at the commit frontier when it is
// validated.
func (s *scheduler) CommitCandidate() (Version, bool) {
	txnIndex := int(s.commitIndex.Load())
	if txnIndex >= s.blockSize {
		return Version{}, false
	}
	txnStatus := s.allTxnStatus[txnIndex]
	txnStatus.RLock()
	defer txnStatus.RUnlock()
	return Version{Index: txnIndex, Incarnation: txnStatus.incarnation},
		txnStatus.status == StatusExecuted && txnStatus.validated
}

func (s *scheduler) TryCommitAbort(version Version) bool {
	txnStatus := s.allTxnStatus[version.Index]
	txnStatus.Lock()
	defer txnStatus.Unlock()
	if txnStatus.incarnation == version.Incarnation && committable(txnStatus.status) {
		txnStatus.status = StatusAborting
		return true
	}
	return false
}

// Commit marks the frontier transaction committed and advances the frontier.
// Callers serialize commits.
func (s *scheduler) Commit(version Version) bool {
	if txnIndex := int(s.commitIndex.Load()); txnIndex != version.Index {
		panic(invariantViolation(fmt.Sprintf("committing txn %d at frontier %d", version.Index, txnIndex)))
	}

	txnStatus := s.allTxnStatus[version.Index]
	txnStatus.Lock()
	if txnStatus.incarnation != version.Incarnation || !committable(txnStatus.status) {
		txnStatus.Unlock()
		return false
	}
	txnStatus.status = StatusCommitted
	txnStatus.Unlock()

	if int(s.commitIndex.Add(1)) == s.blockSize {
		s.doneMarker.Store(true)
	}
	s.notify()
	return true
}

func (s *scheduler) Status(txnIndex int) (TxnStatus, int) {
	txnStatus := s.allTxnStatus[txnIndex]
	txnStatus.RLock()
	defer txnStatus.RUnlock()
	return txnStatus.status, txnStatus.incarnation
}

func (s *scheduler) resumeDependencies(dependencies map[int]struct{}) {
	if len(dependencies) == 0 {
		return
	}
	minDepTxnIndex := -1
	for depTxnIndex := range dependencies {
		txnStatus := s.allTxnStatus[depTxnIndex]
		txnStatus.Lock()
		txnStatus.blockers--
		canResume := txnStatus.blockers == 0 && txnStatus.status == StatusAborting
		if canResume {
			// same incarnation: the suspended attempt never published anything
			txnStatus.status = StatusReadyToExecute
		}
		txnStatus.Unlock()
		if canResume && (minDepTxnIndex == -1 || depTxnIndex < minDepTxnIndex) {
			minDepTxnIndex = depTxnIndex
		}
	}

	if minDepTxnIndex != -1 {
		// ensure dependent indices get re-executed
		s.decreaseExecutionIndex(minDepTxnIndex)
	}
}

func (s *scheduler) nextVersionToValidate() *Version {
	txnIndex, ok := s.validationQueue.pop()
	if !ok {
		return nil
	}

	txnStatus := s.allTxnStatus[txnIndex]
	txnStatus.Lock()
	defer txnStatus.Unlock()
	if txnStatus.status == StatusReadyToValidate {
		txnStatus.status = StatusValidating
		return &Version{Index: txnIndex, Incarnation: txnStatus.incarnation}
	}
	// stale entry: re-executed, committed or already validating
	return nil
}

func (s *scheduler) nextVersionToExecute() *Version {
	if int(s.executionIndex.Load()) >= s.blockSize {
		return nil
	}

	executionIndex := int(s.executionIndex.Add(1) - 1)

	return s.tryIncarnate(executionIndex)
}

func (s *scheduler) tryIncarnate(txnIndex int) *Version {
	if txnIndex < s.blockSize {
		txnStatus := s.allTxnStatus[txnIndex]
		txnStatus.Lock()
		defer txnStatus.Unlock()
		if txnStatus.status == StatusReadyToExecute {
			txnStatus.status = StatusExecuting
			return &Version{Index: txnIndex, Incarnation: txnStatus.incarnation}
		}
	}

	return nil
}

func (s *scheduler) decreaseExecutionIndex(txnIndexInt int) {
	txnIndex := int64(txnIndexInt)
RETRY:
	executionIndex := s.executionIndex.Load()
	if executionIndex > txnIndex {
		if !s.executionIndex.CompareAndSwap(executionIndex, txnIndex) {
			goto RETRY
		}
	}
	s.notify()
}

// finished reports whether the current incarnation has published its writes.
func finished(status TxnStatus) bool {
	switch status {
	case StatusExecuted, StatusReadyToValidate, StatusValidating, StatusCommitted:
		return true
	}
	return false
}

func committable(status TxnStatus) bool {
	return status == StatusExecuted || status == StatusReadyToValidate
}
