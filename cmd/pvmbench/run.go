package main

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhiqiangxu/blockstm"
	"github.com/zhiqiangxu/blockstm/config"
	"github.com/zhiqiangxu/blockstm/internal/workload"
)

func runCommandFunc(cmd *cobra.Command, _ []string) error {
	conf, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	logger, err := conf.Logger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	w := conf.Workload
	txns, base := workload.Generate(workload.Config{
		BlockSize:    w.BlockSize,
		Accounts:     w.Accounts,
		Counters:     w.Counters,
		CounterLimit: w.CounterLimit,
		Seed:         w.Seed,
		WriteRatio:   w.WriteRatio,
		DeltaRatio:   w.DeltaRatio,
	})

	reg := prometheus.NewRegistry()
	opts := conf.Options(logger, blockstm.NewMetrics(reg))

	vm := blockVM(txns)
	start := time.Now()
	e := blockstm.NewExecutor[string, []byte](vm, len(txns), base, blockstm.BytesCodec{}, opts)
	parallel, err := e.Run(cmd.Context())
	if err != nil {
		return errors.Wrap(err, "parallel run")
	}
	parallelTook := time.Since(start)
	snapshot, err := e.Snapshot()
	if err != nil {
		return errors.Wrap(err, "snapshot")
	}

	start = time.Now()
	sequential, err := blockstm.RunSequential[string, []byte](cmd.Context(), vm, len(txns), base, blockstm.BytesCodec{},
		blockstm.Options{Logger: logger.With(zap.String("run", "sequential"))})
	if err != nil {
		return errors.Wrap(err, "sequential run")
	}
	sequentialTook := time.Since(start)

	if err = compareOutputs(parallel, sequential); err != nil {
		return err
	}
	if err = compareState(base.ApplySnapshot(snapshot), base.Apply(sequential)); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "block of %d transactions, outputs agree\n", len(txns))
	fmt.Fprintf(out, "parallel   %s\n", parallelTook)
	fmt.Fprintf(out, "sequential %s\n", sequentialTook)
	if parallelTook > 0 {
		fmt.Fprintf(out, "speedup    %.2fx\n", float64(sequentialTook)/float64(parallelTook))
	}

	if showMetrics {
		return printMetrics(out, reg)
	}
	return nil
}

type blockVM []workload.Transaction

func (b blockVM) Execute(txnIndex int, view blockstm.View[string, []byte]) error {
	return b[txnIndex].Execute(view)
}

func compareOutputs(parallel, sequential []blockstm.TransactionOutput[string, []byte]) error {
	if len(parallel) != len(sequential) {
		return errors.Errorf("%d parallel outputs, %d sequential", len(parallel), len(sequential))
	}
	for i := range parallel {
		p, s := parallel[i], sequential[i]
		if (p.Err == nil) != (s.Err == nil) {
			return errors.Errorf("txn %d: parallel error %v, sequential error %v", i, p.Err, s.Err)
		}
		if len(p.Writes) != len(s.Writes) {
			return errors.Errorf("txn %d: %d parallel writes, %d sequential", i, len(p.Writes), len(s.Writes))
		}
		for j := range p.Writes {
			pw, sw := p.Writes[j], s.Writes[j]
			if pw.Location != sw.Location || pw.Val.Deleted != sw.Val.Deleted || !bytes.Equal(pw.Val.Value, sw.Val.Value) {
				return errors.Errorf("txn %d: write %d differs at %s", i, j, pw.Location)
			}
		}
		if len(p.DeltaErrors) != len(s.DeltaErrors) {
			return errors.Errorf("txn %d: %d parallel delta errors, %d sequential", i, len(p.DeltaErrors), len(s.DeltaErrors))
		}
	}
	return nil
}

func compareState(parallel, sequential blockstm.MapState[string, []byte]) error {
	if len(parallel) != len(sequential) {
		return errors.Errorf("%d keys after parallel run, %d after sequential", len(parallel), len(sequential))
	}
	for k, v := range sequential {
		if !bytes.Equal(parallel[k], v) {
			return errors.Errorf("final state differs at %s", k)
		}
	}
	return nil
}

func printConfig(w io.Writer, conf *config.Config) error {
	return toml.NewEncoder(w).Encode(conf)
}

func printMetrics(w io.Writer, reg *prometheus.Registry) error {
	mfs, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		if _, err = expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
