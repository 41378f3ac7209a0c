package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/parallel-trace/ovniemu"
)

type opts struct {
	clockOffsetFile string
	linter          bool
	enableAll       bool
	outdir          string
}

func main() {
	var o opts

	root := &cobra.Command{
		Use:   "ovniemu <tracedir>",
		Short: "Offline trace emulator for parallel-runtime instrumentation",
		Long: `ovniemu replays a directory of per-thread binary event streams in a single
globally time-ordered sequence, reconstructs the evolving state of the
abstract machine the streams describe (loom/process/thread, physical and
virtual CPUs), and emits a timestamped PRV/PCF visualization trace.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(o, args[0])
		},
		SilenceUsage: true,
	}

	root.Flags().StringVarP(&o.clockOffsetFile, "clock-offset", "c", "", "clock offset table file")
	root.Flags().BoolVarP(&o.linter, "linter", "l", false, "linter mode: treat clock regressions, unknown models and bad transitions as fatal")
	root.Flags().BoolVarP(&o.enableAll, "all-models", "a", false, "enable every registered model regardless of its probe verdict")
	root.Flags().StringVarP(&o.outdir, "output", "o", ".", "directory to write thread.prv/cpu.prv/.pcf into")

	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func run(o opts, tracedir string) error {
	logger := slog.Default()

	emu, err := ovniemu.NewEmulator(ovniemu.Config{
		TraceDir:        tracedir,
		OutDir:          o.outdir,
		ClockOffsetFile: o.clockOffsetFile,
		Strict:          o.linter,
		EnableAll:       o.enableAll,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	if err := emu.Run(); err != nil {
		return errors.Join(err, emu.Finish())
	}
	return emu.Finish()
}
