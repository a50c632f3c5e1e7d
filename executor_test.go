package blockstm

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

var testConcurrency = []int{1, 2, 4, 8}

type txnFunc func(view View[string, uint64]) error

func (f txnFunc) Execute(view View[string, uint64]) error { return f(view) }

func writeTxn(key string, value uint64) Transaction[string, uint64] {
	return txnFunc(func(view View[string, uint64]) error {
		view.Set(key, value)
		return nil
	})
}

func deltaTxn(key string, amount, limit uint64) Transaction[string, uint64] {
	return txnFunc(func(view View[string, uint64]) error {
		return view.AddDelta(key, Add(amount), limit)
	})
}

// incrementTxn reads key and writes it back plus one.
func incrementTxn(key string) Transaction[string, uint64] {
	return txnFunc(func(view View[string, uint64]) error {
		v, _, err := view.Get(key)
		if err != nil {
			return err
		}
		view.Set(key, v+1)
		return nil
	})
}

func runTest(t *testing.T, txns []Transaction[string, uint64], base MapState[string, uint64], opts Options) []TransactionOutput[string, uint64] {
	t.Helper()
	e := newExecutor[string, uint64](txnVM[string, uint64](txns), len(txns), base, Uint64Codec{}, opts, NewScheduler(len(txns)))
	outputs, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, outputs, len(txns))
	require.False(t, e.mvmemory.HasEstimates())
	return outputs
}

func singleWrite(key string, value uint64) WriteSet[string, uint64] {
	return WriteSet[string, uint64]{{Location: key, Val: WriteOp[uint64]{Value: value}}}
}

func TestExecutorDeltasBetweenWrites(t *testing.T) {
	txns := []Transaction[string, uint64]{
		writeTxn("k", 10),
		deltaTxn("k", 5, 100),
		deltaTxn("k", 5, 100),
		writeTxn("k", 999),
	}
	for _, concurrency := range testConcurrency {
		for round := 0; round < 20; round++ {
			outputs := runTest(t, txns, MapState[string, uint64]{}, Options{Concurrency: concurrency})
			for i, want := range []uint64{10, 15, 20, 999} {
				require.Equal(t, singleWrite("k", want), outputs[i].Writes, "txn %d concurrency %d", i, concurrency)
				require.NoError(t, outputs[i].Err)
				require.Empty(t, outputs[i].DeltaErrors)
			}
		}
	}
}

func TestExecutorDelayedDeltaBetweenWrites(t *testing.T) {
	txns := []Transaction[string, uint64]{
		writeTxn("k", 10),
		txnFunc(func(view View[string, uint64]) error {
			time.Sleep(20 * time.Millisecond)
			return view.AddDelta("k", Add(5), 100)
		}),
		deltaTxn("k", 5, 100),
		writeTxn("k", 999),
	}
	for _, concurrency := range []int{2, 4, 8} {
		outputs := runTest(t, txns, MapState[string, uint64]{}, Options{Concurrency: concurrency})
		for i, want := range []uint64{10, 15, 20, 999} {
			require.Equal(t, singleWrite("k", want), outputs[i].Writes, "txn %d concurrency %d", i, concurrency)
			require.NoError(t, outputs[i].Err)
			require.Empty(t, outputs[i].DeltaErrors)
		}
	}
}

func TestExecutorDeltaOverflow(t *testing.T) {
	txns := []Transaction[string, uint64]{
		writeTxn("k", 95),
		deltaTxn("k", 10, 100),
	}
	for _, concurrency := range testConcurrency {
		outputs := runTest(t, txns, MapState[string, uint64]{}, Options{Concurrency: concurrency})
		require.Equal(t, singleWrite("k", 95), outputs[0].Writes)
		require.Empty(t, outputs[1].Writes)
		require.NoError(t, outputs[1].Err)
		require.ErrorIs(t, outputs[1].DeltaErrors["k"], ErrDeltaOverflow)
	}
}

func TestExecutorReExecutesStaleRead(t *testing.T) {
	var runs atomic.Int32
	txns := []Transaction[string, uint64]{
		txnFunc(func(view View[string, uint64]) error {
			time.Sleep(20 * time.Millisecond)
			view.Set("k", 1)
			return nil
		}),
		txnFunc(func(view View[string, uint64]) error {
			runs.Add(1)
			v, _, err := view.Get("k")
			if err != nil {
				return err
			}
			view.Set("j", v*2)
			return nil
		}),
	}

	outputs := runTest(t, txns, MapState[string, uint64]{}, Options{Concurrency: 2})
	require.Equal(t, singleWrite("k", 1), outputs[0].Writes)
	require.Equal(t, singleWrite("j", 2), outputs[1].Writes)
	require.Equal(t, int32(outputs[1].Incarnations), runs.Load())
}

func TestExecutorReadModifyWriteChain(t *testing.T) {
	const n = 64
	txns := make([]Transaction[string, uint64], n)
	deps := make([][]int, n)
	for i := range txns {
		txns[i] = incrementTxn("c")
		if i > 0 {
			deps[i] = []int{i - 1}
		}
	}

	check := func(outputs []TransactionOutput[string, uint64]) {
		for i, out := range outputs {
			require.Equal(t, singleWrite("c", uint64(i+1)), out.Writes, "txn %d", i)
		}
	}

	for _, concurrency := range testConcurrency {
		check(runTest(t, txns, MapState[string, uint64]{}, Options{Concurrency: concurrency}))

		e, err := NewExecutorWithDeps[string, uint64](txnVM[string, uint64](txns), n, MapState[string, uint64]{}, Uint64Codec{},
			Options{Concurrency: concurrency}, deps)
		require.NoError(t, err)
		outputs, err := e.Run(context.Background())
		require.NoError(t, err)
		check(outputs)
	}
}

func TestExecutorRejectsBadDependencies(t *testing.T) {
	txns := txnVM[string, uint64]{writeTxn("a", 1), writeTxn("b", 2)}

	_, err := NewExecutorWithDeps[string, uint64](txns, 2, MapState[string, uint64]{}, Uint64Codec{}, Options{}, [][]int{nil, {1}})
	require.ErrorIs(t, err, ErrBadDependency)

	_, err = NewExecutorWithDeps[string, uint64](txns, 2, MapState[string, uint64]{}, Uint64Codec{}, Options{}, [][]int{nil, nil, {0}})
	require.ErrorIs(t, err, ErrBadDependency)
}

func TestExecutorSequentialFallback(t *testing.T) {
	const n = 50
	txns := make([]Transaction[string, uint64], n)
	for i := range txns {
		txns[i] = incrementTxn("c")
	}

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	outputs := runTest(t, txns, MapState[string, uint64]{"c": 100}, Options{
		Concurrency:                 8,
		SequentialFallbackThreshold: 1,
		Metrics:                     metrics,
	})
	for i, out := range outputs {
		require.Equal(t, singleWrite("c", uint64(101+i)), out.Writes)
		require.GreaterOrEqual(t, out.Incarnations, 1)
	}
	require.Equal(t, float64(n), testutil.ToFloat64(metrics.Commits))
	require.LessOrEqual(t, testutil.ToFloat64(metrics.SequentialFallbacks), float64(1))
}

func TestExecutorTransactionAborts(t *testing.T) {
	errRejected := errors.New("rejected")
	txns := []Transaction[string, uint64]{
		writeTxn("a", 1),
		txnFunc(func(view View[string, uint64]) error {
			view.Set("a", 2)
			return errRejected
		}),
		txnFunc(func(view View[string, uint64]) error {
			view.Set("b", 3)
			panic("boom")
		}),
		incrementTxn("a"),
	}
	for _, concurrency := range testConcurrency {
		outputs := runTest(t, txns, MapState[string, uint64]{}, Options{Concurrency: concurrency})
		require.ErrorIs(t, outputs[1].Err, errRejected)
		require.Empty(t, outputs[1].Writes)
		require.ErrorIs(t, outputs[2].Err, ErrTxnPanicked)
		require.Empty(t, outputs[2].Writes)
		require.Equal(t, singleWrite("a", 2), outputs[3].Writes)
	}
}

func TestExecutorInvariantViolation(t *testing.T) {
	txns := []Transaction[string, uint64]{
		writeTxn("a", 1),
		txnFunc(func(view View[string, uint64]) error {
			panic(invariantViolation("broken"))
		}),
	}
	_, err := NewExecutor[string, uint64](txnVM[string, uint64](txns), len(txns), MapState[string, uint64]{}, Uint64Codec{},
		Options{Concurrency: 2}).Run(context.Background())
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestExecutorCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	txns := make([]Transaction[string, uint64], 100)
	for i := range txns {
		txns[i] = writeTxn(fmt.Sprint(i), uint64(i))
	}
	_, err := RunBlock[string, uint64](ctx, txns, MapState[string, uint64]{}, Uint64Codec{}, Options{Concurrency: 4})
	require.ErrorIs(t, err, context.Canceled)
}

func TestExecutorMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	txns := []Transaction[string, uint64]{
		writeTxn("k", 10),
		deltaTxn("k", 5, 100),
		writeTxn("j", 1),
	}
	runTest(t, txns, MapState[string, uint64]{}, Options{Concurrency: 2, Metrics: metrics})

	require.Equal(t, float64(3), testutil.ToFloat64(metrics.Commits))
	require.GreaterOrEqual(t, testutil.ToFloat64(metrics.Executions), float64(3))
	require.GreaterOrEqual(t, testutil.ToFloat64(metrics.Validations), float64(3))
	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	require.Equal(t, 8, count)
}

func TestExecutorEmptyBlock(t *testing.T) {
	outputs := runTest(t, nil, MapState[string, uint64]{}, Options{})
	require.Empty(t, outputs)
}

func TestRunSequential(t *testing.T) {
	txns := []Transaction[string, uint64]{
		writeTxn("k", 10),
		deltaTxn("k", 5, 100),
		incrementTxn("k"),
	}
	outputs, err := RunSequential[string, uint64](context.Background(), txnVM[string, uint64](txns), len(txns),
		MapState[string, uint64]{}, Uint64Codec{}, Options{})
	require.NoError(t, err)
	require.Equal(t, singleWrite("k", 10), outputs[0].Writes)
	require.Equal(t, singleWrite("k", 15), outputs[1].Writes)
	require.Equal(t, singleWrite("k", 16), outputs[2].Writes)
	for _, out := range outputs {
		require.Equal(t, 1, out.Incarnations)
	}
}
