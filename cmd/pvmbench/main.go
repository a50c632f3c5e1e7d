package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/zhiqiangxu/blockstm/config"
)

var (
	configPath  string
	concurrency int
	blockSize   int
	seed        int64
	fallback    int
	showMetrics bool
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := &cobra.Command{
		Use:   "pvmbench",
		Short: "Parallel block execution benchmark",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")

	rootCmd.AddCommand(
		newRunCommand(),
		newConfigCommand(),
	)

	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		os.Exit(1)
	}
}

func newRunCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "run",
		Short: "Execute a generated block in parallel and sequentially and compare",
		RunE:  runCommandFunc,
	}
	initRunFlags(m.Flags())
	return m
}

func newConfigCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			return printConfig(cmd.OutOrStdout(), conf)
		},
	}
	initRunFlags(m.Flags())
	return m
}

func initRunFlags(fs *pflag.FlagSet) {
	fs.IntVarP(&concurrency, "concurrency", "p", 0, "worker goroutines, 0 for all CPUs")
	fs.IntVarP(&blockSize, "block-size", "n", 0, "transactions in the block")
	fs.Int64Var(&seed, "seed", 0, "workload seed")
	fs.IntVar(&fallback, "fallback", 0, "aborts before falling back to sequential execution, 0 disables")
	fs.BoolVar(&showMetrics, "metrics", false, "print engine metrics after the run")
}

// loadConfig reads the config file and applies the flags set explicitly.
func loadConfig(fs *pflag.FlagSet) (*config.Config, error) {
	conf, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if fs.Changed("concurrency") {
		conf.Concurrency = concurrency
	}
	if fs.Changed("block-size") {
		conf.Workload.BlockSize = blockSize
	}
	if fs.Changed("seed") {
		conf.Workload.Seed = seed
	}
	if fs.Changed("fallback") {
		conf.SequentialFallbackThreshold = fallback
	}
	if err = conf.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid flags")
	}
	return conf, nil
}
