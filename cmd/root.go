// cmd/root.go
package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	sim "github.com/ejecta-sim/ejecta-sim/sim"
)

var (
	inputDir    string
	optionsFile string
	logLevel    string
	rank        int
	nprocs      int
	nthreads    int
	seed        int64
	npackets    int
)

var rootCmd = &cobra.Command{
	Use:   "ejecta-sim",
	Short: "Monte Carlo radiative transfer for supernova ejecta",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the radiative transfer simulation",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		opts := GetOptions(optionsFile)
		if npackets > 0 {
			opts.NPackets = npackets
		}
		logrus.Infof("Starting run: rank %d/%d, %d threads, %d packets, input %s",
			rank, nprocs, nthreads, opts.NPackets, inputDir)

		engine, err := sim.NewEngine(inputDir, opts, seed, rank, nprocs, nthreads)
		if err != nil {
			logrus.Fatalf("[fatal] %v", err)
		}
		if err := engine.Run(); err != nil {
			logrus.Fatalf("[fatal] %v", err)
		}
		engine.WriteDiagnostics(os.Stdout)
		logrus.Info("Run complete.")
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	runCmd.Flags().StringVar(&inputDir, "input-dir", ".", "Directory holding input.txt, model.txt and the atomic data files")
	runCmd.Flags().StringVar(&optionsFile, "options", "", "Engine options YAML file (defaults when empty)")
	runCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (debug, info, warn, error)")
	runCmd.Flags().IntVar(&rank, "rank", 0, "MPI-style rank of this process")
	runCmd.Flags().IntVar(&nprocs, "nprocs", 1, "Total number of ranks")
	runCmd.Flags().IntVar(&nthreads, "threads", 1, "Worker threads per rank")
	runCmd.Flags().Int64Var(&seed, "seed", 0, "Override the random seed from input.txt (0 keeps the file value)")
	runCmd.Flags().IntVar(&npackets, "packets", 0, "Override the packet count from the options file")

	rootCmd.AddCommand(runCmd)
}
