// allocbench runs reproducible allocation workloads against the heap and pool allocators and
// prints what the allocators looked like at the end as JSON.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"github.com/vkngwrapper/rawalloc/heap"
	"github.com/vkngwrapper/rawalloc/internal/workload"
	"golang.org/x/exp/slog"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "TOML workload file",
	}
	strategyFlag = &cli.StringFlag{
		Name:  "strategy",
		Usage: "heap search strategy (first_fit, next_fit, free_list)",
	}
	regionFlag = &cli.StringFlag{
		Name:  "region",
		Usage: "heap region backing (reserved, mapped)",
	}
	operationsFlag = &cli.IntFlag{
		Name:  "operations",
		Usage: "number of allocate or free steps per allocator",
	}
	seedFlag = &cli.Int64Flag{
		Name:  "seed",
		Usage: "random seed",
	}
	heapOnlyFlag = &cli.BoolFlag{
		Name:  "heap-only",
		Usage: "skip the pool workload",
	}
	poolOnlyFlag = &cli.BoolFlag{
		Name:  "pool-only",
		Usage: "skip the heap workload",
	}
	detailedFlag = &cli.BoolFlag{
		Name:  "detailed",
		Usage: "include the heap chunk map in the output",
	}
)

var workloadFlags = []cli.Flag{
	configFlag,
	strategyFlag,
	regionFlag,
	operationsFlag,
	seedFlag,
	heapOnlyFlag,
	poolOnlyFlag,
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "allocbench",
		Usage: "drive the heap and pool allocators with random workloads",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run a workload and print the resulting statistics",
				Flags:  append(workloadFlags, detailedFlag),
				Action: runWorkload,
			},
			{
				Name:   "compare",
				Usage:  "run the same heap workload under every strategy",
				Flags:  workloadFlags,
				Action: compareStrategies,
			},
			{
				Name:   "dumpconfig",
				Usage:  "print the effective workload as TOML",
				Flags:  workloadFlags,
				Action: dumpConfig,
			},
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the workload file, if any, and applies the command line overrides on top
func loadConfig(ctx *cli.Context) (workload.Config, error) {
	cfg := workload.DefaultConfig()

	if path := ctx.String(configFlag.Name); path != "" {
		var err error
		cfg, err = workload.Load(path)
		if err != nil {
			return workload.Config{}, err
		}
	}

	if ctx.IsSet(strategyFlag.Name) {
		cfg.Heap.Strategy = ctx.String(strategyFlag.Name)
	}
	if ctx.IsSet(regionFlag.Name) {
		cfg.Heap.Region = workload.RegionKind(ctx.String(regionFlag.Name))
	}
	if ctx.IsSet(operationsFlag.Name) {
		cfg.Run.Operations = ctx.Int(operationsFlag.Name)
	}
	if ctx.IsSet(seedFlag.Name) {
		cfg.Run.Seed = ctx.Int64(seedFlag.Name)
	}
	if ctx.Bool(heapOnlyFlag.Name) {
		cfg.Pool.Enabled = false
	}
	if ctx.Bool(poolOnlyFlag.Name) {
		cfg.Heap.Enabled = false
	}

	return cfg, cfg.Validate()
}

func runWorkload(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	report, err := workload.Run(slog.Default(), cfg)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(ctx.App.Writer, string(report.JSON(ctx.Bool(detailedFlag.Name))))
	return err
}

func compareStrategies(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	cfg.Pool.Enabled = false
	cfg.Heap.Enabled = true

	for _, strategy := range []heap.Strategy{heap.StrategyFirstFit, heap.StrategyNextFit, heap.StrategyFreeList} {
		cfg.Heap.Strategy = strategy.String()

		report, err := workload.Run(slog.Default(), cfg)
		if err != nil {
			return err
		}

		_, err = fmt.Fprintln(ctx.App.Writer, string(report.JSON(false)))
		if err != nil {
			return err
		}
	}

	return nil
}

func dumpConfig(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	return cfg.Encode(ctx.App.Writer)
}
