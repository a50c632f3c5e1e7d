package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zhiqiangxu/blockstm"
)

type write struct {
	key   string
	value uint64
}

func (w write) Execute(view blockstm.View[string, uint64]) error {
	view.Set(w.key, w.value)
	return nil
}

type add struct {
	key    string
	amount uint64
	limit  uint64
}

func (a add) Execute(view blockstm.View[string, uint64]) error {
	return view.AddDelta(a.key, blockstm.Add(a.amount), a.limit)
}

func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	txns := []blockstm.Transaction[string, uint64]{
		write{key: "k", value: 10},
		add{key: "k", amount: 5, limit: 100},
		add{key: "k", amount: 5, limit: 100},
		write{key: "k", value: 999},
	}

	start := time.Now()
	outputs, err := blockstm.RunBlock[string, uint64](context.Background(), txns, blockstm.MapState[string, uint64]{},
		blockstm.Uint64Codec{}, blockstm.Options{Concurrency: 4, Logger: logger})
	if err != nil {
		logger.Fatal("run block", zap.Error(err))
	}
	fmt.Println("execution took", time.Since(start))

	for i, out := range outputs {
		for _, w := range out.Writes {
			fmt.Printf("after T%d: %s=%d\n", i, w.Location, w.Val.Value)
		}
	}
}
