package blockstm

import (
	"context"

	"go.uber.org/zap"
)

// Transaction is one entry of a block.
type Transaction[K comparable, V any] interface {
	Execute(view View[K, V]) error
}

// TransactionOutput is the committed result of one transaction.
type TransactionOutput[K comparable, V any] struct {
	// writes in issue order, followed by the materialized deltas
	Writes WriteSet[K, V]
	// non-nil when the transaction aborted; Writes is empty then
	Err error
	// deltas that failed to apply at their position in the block
	DeltaErrors map[K]error
	// attempts it took to commit
	Incarnations int
}

type Options struct {
	// worker goroutines, runtime.NumCPU() when <= 0
	Concurrency int
	// abort count after which the rest of the block runs sequentially, 0 disables
	SequentialFallbackThreshold int
	Logger                      *zap.Logger
	Metrics                     *Metrics
}

type txnVM[K comparable, V any] []Transaction[K, V]

func (txns txnVM[K, V]) Execute(txnIndex int, view View[K, V]) error {
	return txns[txnIndex].Execute(view)
}

// RunBlock executes txns in parallel and returns one output per transaction,
// equal to executing them one after another in order.
func RunBlock[K comparable, V any](ctx context.Context, txns []Transaction[K, V], base StateReader[K, V], codec ValueCodec[V], opts Options) ([]TransactionOutput[K, V], error) {
	return NewExecutor[K, V](txnVM[K, V](txns), len(txns), base, codec, opts).Run(ctx)
}
