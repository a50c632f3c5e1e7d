package blockstm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RunSequential executes the block one transaction after another through the
// same memory and delta resolution as the parallel executor.
func RunSequential[K comparable, V any](ctx context.Context, vm VM[K, V], blockSize int, base StateReader[K, V], codec ValueCodec[V], opts Options) ([]TransactionOutput[K, V], error) {
	opts.Concurrency = 1
	e := newExecutor(vm, blockSize, base, codec, opts, NewScheduler(blockSize))

	start := time.Now()
	if err := e.runSequentialFrom(ctx, 0); err != nil {
		return nil, err
	}
	if err := e.resolveDeltas(ctx); err != nil {
		return nil, err
	}
	e.metrics.BlockDuration.Observe(time.Since(start).Seconds())
	e.logger.Info("block executed sequentially", zap.Int("size", blockSize), zap.Duration("took", time.Since(start)))
	return e.outputs, nil
}

// runSequentialFrom executes and commits every transaction from index on, in
// order. Transactions below index must be committed.
func (e *executor[K, V]) runSequentialFrom(ctx context.Context, index int) (err error) {
	defer recoverFatal(&err)

	for txnIndex := index; txnIndex < e.blockSize; txnIndex++ {
		if err = ctx.Err(); err != nil {
			return
		}

		status, incarnation := e.scheduler.Status(txnIndex)
		if finished(status) {
			incarnation++
		}
		version := Version{Index: txnIndex, Incarnation: incarnation}

		view := newTxnView(e.mvmemory, txnIndex)
		vmErr := e.execute(txnIndex, view)
		e.metrics.Executions.Inc()
		if view.suspended() {
			panic(invariantViolation(fmt.Sprintf("txn %d blocked on txn %d in order", txnIndex, view.blockingIndex)))
		}

		rs, ws, ds := view.sets(vmErr != nil)
		e.mvmemory.Record(version, rs, ws, ds)

		e.outputs[txnIndex] = TransactionOutput[K, V]{
			Writes:       ws,
			Err:          vmErr,
			Incarnations: incarnation + 1,
		}
		e.deltaSets[txnIndex] = ds
		e.metrics.Commits.Inc()
		e.metrics.Incarnations.Observe(float64(incarnation + 1))
	}
	return nil
}
