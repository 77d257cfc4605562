// Command syncsim runs the chain sync state machine against a set of
// simulated peers, all in one process. It is a development tool for
// observing sync behavior (full sync, warp sync, fork handling) without a
// network.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/karstlabs/karst/module/chainsync"
	"github.com/karstlabs/karst/module/metrics"
)

var (
	flagPeers       int
	flagHeight      uint64
	flagMode        string
	flagLogLevel    string
	flagMetricsAddr string
	flagForkDepth   uint64
)

var rootCmd = &cobra.Command{
	Use:   "syncsim",
	Short: "Simulate a chain sync run against in-process peers",
	RunE:  run,
}

func init() {
	bindFlags(rootCmd.Flags())
}

func bindFlags(flags *pflag.FlagSet) {
	flags.IntVar(&flagPeers, "peers", 8, "number of simulated peers")
	flags.Uint64Var(&flagHeight, "height", 2048, "height of the simulated remote chain")
	flags.StringVar(&flagMode, "mode", "full", "sync mode to simulate: full or warp")
	flags.StringVar(&flagLogLevel, "loglevel", "info", "log level (trace, debug, info, warn, error)")
	flags.StringVar(&flagMetricsAddr, "metrics-addr", "", "address to serve prometheus metrics on, empty to disable")
	flags.Uint64Var(&flagForkDepth, "fork-depth", 0, "announce a fork of this depth mid-sync, 0 to disable")
}

func run(cmd *cobra.Command, args []string) error {

	level, err := zerolog.ParseLevel(flagLogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}).
		Level(level).
		With().Timestamp().Logger()

	var mode chainsync.SyncMode
	switch flagMode {
	case "full":
		mode = chainsync.ModeFull
	case "warp":
		mode = chainsync.ModeWarp
	default:
		return fmt.Errorf("unknown sync mode: %s", flagMode)
	}

	collector := metrics.NewChainSyncCollector()
	if flagMetricsAddr != "" {
		go func() {
			log.Info().Str("addr", flagMetricsAddr).Msg("serving metrics")
			err := http.ListenAndServe(flagMetricsAddr, promhttp.Handler())
			log.Warn().Err(err).Msg("metrics server stopped")
		}()
	}

	sim, err := newSimulation(log, simulationConfig{
		peers:     flagPeers,
		height:    flagHeight,
		mode:      mode,
		forkDepth: flagForkDepth,
	}, collector)
	if err != nil {
		return fmt.Errorf("could not set up simulation: %w", err)
	}

	return sim.run()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
