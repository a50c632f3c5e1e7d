package blockstm

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type executor[K comparable, V any] struct {
	concurrency int
	blockSize   int
	fallbackAt  int64
	vm          VM[K, V]
	scheduler   Scheduler
	mvmemory    *mvMemory[K, V]
	logger      *zap.Logger
	metrics     *Metrics

	commitMu    sync.Mutex
	lastOutputs []atomic.Pointer[execOutput[K, V]]
	outputs     []TransactionOutput[K, V]
	deltaSets   []DeltaSet[K]
	aborts      atomic.Int64
}

type execOutput[K comparable, V any] struct {
	err    error
	writes WriteSet[K, V]
	deltas DeltaSet[K]
}

var _ Executor[int, []byte] = (*executor[int, []byte])(nil)

func NewExecutor[K comparable, V any](vm VM[K, V], blockSize int, base StateReader[K, V], codec ValueCodec[V], opts Options) Executor[K, V] {
	return newExecutor(vm, blockSize, base, codec, opts, NewScheduler(blockSize))
}

// NewExecutorWithDeps is NewExecutor with known dependencies: allDeps[i] lists
// lower transactions that must finish executing before transaction i starts.
func NewExecutorWithDeps[K comparable, V any](vm VM[K, V], blockSize int, base StateReader[K, V], codec ValueCodec[V], opts Options, allDeps [][]int) (Executor[K, V], error) {
	s := newScheduler(blockSize)
	for index, deps := range allDeps {
		if index >= blockSize {
			return nil, errors.Wrapf(ErrBadDependency, "txn %d outside block of %d", index, blockSize)
		}
		if err := s.addHint(index, deps); err != nil {
			return nil, err
		}
	}
	return newExecutor(vm, blockSize, base, codec, opts, s), nil
}

func newExecutor[K comparable, V any](vm VM[K, V], blockSize int, base StateReader[K, V], codec ValueCodec[V], opts Options, s Scheduler) *executor[K, V] {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics
	}
	return &executor[K, V]{
		concurrency: concurrency,
		blockSize:   blockSize,
		fallbackAt:  int64(opts.SequentialFallbackThreshold),
		vm:          vm,
		scheduler:   s,
		mvmemory:    NewMVMemory[K, V](blockSize, base, codec).(*mvMemory[K, V]),
		logger:      logger,
		metrics:     metrics,
		lastOutputs: make([]atomic.Pointer[execOutput[K, V]], blockSize),
		outputs:     make([]TransactionOutput[K, V], blockSize),
		deltaSets:   make([]DeltaSet[K], blockSize),
	}
}

func (e *executor[K, V]) Run(ctx context.Context) ([]TransactionOutput[K, V], error) {
	start := time.Now()
	e.logger.Info("executing block", zap.Int("size", e.blockSize), zap.Int("concurrency", e.concurrency))

	stop := context.AfterFunc(ctx, e.scheduler.Halt)
	var g errgroup.Group
	for i := 0; i < e.concurrency; i++ {
		g.Go(e.run)
	}
	err := g.Wait()
	stop()
	if err != nil {
		e.logger.Error("block execution failed", zap.Error(err))
		return nil, err
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}

	if !e.scheduler.Done() {
		from := e.scheduler.CommitIndex()
		e.logger.Warn("falling back to sequential execution",
			zap.Int("from", from), zap.Int64("aborts", e.aborts.Load()))
		e.metrics.SequentialFallbacks.Inc()
		if err = e.runSequentialFrom(ctx, from); err != nil {
			return nil, err
		}
	}

	if err = e.resolveDeltas(ctx); err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	e.metrics.BlockDuration.Observe(elapsed.Seconds())
	e.logger.Info("block executed", zap.Int("size", e.blockSize),
		zap.Int64("aborts", e.aborts.Load()), zap.Duration("took", elapsed))
	return e.outputs, nil
}

// Snapshot returns the final value of every location the block wrote, deleted
// ones included. Only meaningful after Run succeeded.
func (e *executor[K, V]) Snapshot() (_ []LocationValue[K, V], err error) {
	defer recoverFatal(&err)
	return e.mvmemory.Snapshot(), nil
}

func (e *executor[K, V]) run() (err error) {
	defer func() {
		if err != nil {
			e.scheduler.Halt()
		}
	}()
	defer recoverFatal(&err)

	var task *Task
	for {
		if e.scheduler.Halted() {
			return nil
		}
		if task == nil {
			task = e.scheduler.NextTask()
		}

		switch task.Kind {
		case TaskKindE:
			task = e.tryExecute(task.Version)
		case TaskKindV:
			task = e.tryValidate(task.Version)
		case TaskKindWait:
			wait := task
			if task = e.tryCommit(); task == nil {
				e.scheduler.Wait(wait)
			}
		case TaskKindDone:
			return nil
		default:
			panic("invalid task kind")
		}
	}
}

func (e *executor[K, V]) tryExecute(version Version) *Task {
	for {
		view := newTxnView(e.mvmemory, version.Index)
		vmErr := e.execute(version.Index, view)
		e.metrics.Executions.Inc()

		if view.suspended() {
			e.metrics.Suspensions.Inc()
			if e.scheduler.AddDependency(version.Index, view.blockingIndex) {
				e.logger.Debug("txn suspended", zap.Int("txn", version.Index),
					zap.Int("incarnation", version.Incarnation), zap.Int("blocking", view.blockingIndex))
				return nil
			}
			// blocking transaction finished meanwhile, read again
			continue
		}

		rs, ws, ds := view.sets(vmErr != nil)
		e.lastOutputs[version.Index].Store(&execOutput[K, V]{err: vmErr, writes: ws, deltas: ds})
		wroteNewLocation, dependents := e.mvmemory.Record(version, rs, ws, ds)
		return e.scheduler.FinishExecution(version, wroteNewLocation, dependents)
	}
}

func (e *executor[K, V]) execute(txnIndex int, view View[K, V]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if ie, ok := r.(*invariantError); ok {
				panic(ie)
			}
			err = errors.Wrapf(ErrTxnPanicked, "txn %d: %v", txnIndex, r)
		}
	}()
	return e.vm.Execute(txnIndex, view)
}

func (e *executor[K, V]) tryValidate(version Version) *Task {
	e.metrics.Validations.Inc()

	if !e.mvmemory.ValidateReadSet(version.Index) {
		if !e.scheduler.TryValidationAbort(version) {
			panic(invariantViolation(fmt.Sprintf("validator of %v lost its claim", version)))
		}
		e.abort(version)
		return e.scheduler.FinishValidation(version, true)
	}

	if task := e.scheduler.FinishValidation(version, false); task != nil {
		return task
	}
	return e.tryCommit()
}

// abort turns the writes of an aborting incarnation into estimates and
// re-validates their readers.
func (e *executor[K, V]) abort(version Version) {
	dependents := e.mvmemory.ConvertWritesToEstimates(version.Index)
	e.scheduler.Invalidate(dependents)

	aborts := e.aborts.Add(1)
	e.metrics.Aborts.Inc()
	e.logger.Debug("txn aborted", zap.Int("txn", version.Index),
		zap.Int("incarnation", version.Incarnation), zap.Int("dependents", len(dependents)))

	if e.fallbackAt > 0 && aborts == e.fallbackAt {
		e.scheduler.Halt()
	}
}

func (e *executor[K, V]) tryCommit() *Task {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	for {
		committed, task := e.commitNext()
		if !committed {
			return task
		}
	}
}

// commitNext advances the commit frontier by one when the transaction at the
// frontier is validated. Every lower transaction is final by then, so its read
// set is checked a last time; a failed check aborts it and returns its
// re-execution task when there is one.
func (e *executor[K, V]) commitNext() (committed bool, task *Task) {
	version, ok := e.scheduler.CommitCandidate()
	if !ok {
		return
	}

	if !e.mvmemory.ValidateReadSet(version.Index) {
		if e.scheduler.TryCommitAbort(version) {
			e.abort(version)
			task = e.scheduler.FinishAbort(version.Index)
		}
		return
	}

	if !e.scheduler.Commit(version) {
		return
	}
	out := e.lastOutputs[version.Index].Load()
	e.outputs[version.Index] = TransactionOutput[K, V]{
		Writes:       out.writes,
		Err:          out.err,
		Incarnations: version.Incarnation + 1,
	}
	e.deltaSets[version.Index] = out.deltas
	e.metrics.Commits.Inc()
	e.metrics.Incarnations.Observe(float64(version.Incarnation + 1))
	return true, nil
}

func (e *executor[K, V]) resolveDeltas(ctx context.Context) error {
	resolver := NewDeltaResolver[K, V](e.mvmemory, e.mvmemory.base, e.mvmemory.codec)
	resolved, err := resolver.ResolveAll(ctx, e.concurrency)
	if err != nil {
		return err
	}

	for i, ds := range e.deltaSets {
		out := &e.outputs[i]
		for _, d := range ds {
			r, ok := resolved[d.Location][i]
			if !ok {
				return errors.Wrapf(ErrInvariantViolation, "no resolution for delta of txn %d at %v", i, d.Location)
			}
			if r.Err != nil {
				if out.DeltaErrors == nil {
					out.DeltaErrors = make(map[K]error)
				}
				out.DeltaErrors[d.Location] = r.Err
				continue
			}
			out.Writes = append(out.Writes, WriteDescriptor[K, V]{Location: d.Location, Val: WriteOp[V]{Value: r.Value}})
		}
	}
	return nil
}
