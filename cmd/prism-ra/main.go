// prism-ra is a developer driver for the Prism register allocator: it
// loads an IR dump, runs liveness and allocation, and prints the
// resulting assignments. A watch mode re-runs allocation whenever the
// dump changes, for iterating on allocator bugs against captured
// shaders.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/prism-gpu/prism/internal/regalloc"
)

var (
	flagTrace      bool
	flagJSON       bool
	flagMergedRegs bool
)

func main() {
	root := &cobra.Command{
		Use:           "prism-ra",
		Short:         "Prism shader register allocator driver",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&flagTrace, "trace", false, "log placement decisions")
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "emit assignments as JSON")
	root.PersistentFlags().BoolVar(&flagMergedRegs, "merged-regs", false, "override the dump's merged-regs flag")

	root.AddCommand(newAllocCmd())
	root.AddCommand(newWatchCmd())

	if err := root.Execute(); err != nil {
		if err == regalloc.ErrPressureExceeded {
			fmt.Fprintln(os.Stderr, "prism-ra:", err)
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, "prism-ra:", err)
		os.Exit(2)
	}
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if flagTrace {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}
	log.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
		ForceColors:      stdoutIsTerminal(),
	})
	return log
}
