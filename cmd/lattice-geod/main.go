// Command lattice-geod wires the tail-follower, state aggregator,
// calibration job supervisor, and HTTP snapshot/metrics server into a
// runnable binary.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/svdrecbd/lattice/internal/aggregator"
	"github.com/svdrecbd/lattice/internal/calibration"
	"github.com/svdrecbd/lattice/internal/config"
	"github.com/svdrecbd/lattice/internal/geoip"
	"github.com/svdrecbd/lattice/internal/httpapi"
	"github.com/svdrecbd/lattice/internal/ingest"
	"github.com/svdrecbd/lattice/internal/logging"
	"github.com/svdrecbd/lattice/internal/store"
	"github.com/svdrecbd/lattice/internal/supervisor"
)

const defaultPollInterval = 2 * time.Second

var (
	logPath             string
	endpointPath        string
	calibrationPath     string
	baselinePath        string
	listenAddr          string
	geoipDBPath         string
	windowMinutes       int
	autoBaselineMinutes int
	autoBaselineOut     string
	logLevel            string
	verbose             bool

	version = "dev"
	commit  = "none"
)

var rootCmd = &cobra.Command{
	Use:   "lattice-geod",
	Short: "Constraint-based geolocation analyzer over one-way/round-trip latency samples",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("lattice-geod %s (commit: %s)\n", version, commit)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ingestion/estimation loop and HTTP snapshot server",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logging.New(logging.Level(logLevel), verbose)

		endpointSet, err := loadEndpointSet(endpointPath)
		if err != nil {
			return fmt.Errorf("load endpoint config: %w", err)
		}

		if geoipDBPath != "" {
			if db, err := geoip.Open(log, geoipDBPath); err != nil {
				log.Warn("geoip enrichment unavailable", "path", geoipDBPath, "error", err)
			} else {
				defer db.Close()
				endpointSet.Endpoints = geoip.Enrich(db, endpointSet.Endpoints)
			}
		}

		params := config.DefaultParams()
		params.WindowMinutes = windowMinutes
		params.AutoBaselineMinutes = autoBaselineMinutes
		if err := params.Validate(); err != nil {
			return fmt.Errorf("invalid params: %w", err)
		}

		clock := clockwork.NewRealClock()
		st := store.New(params.WindowMinutes)
		tailer := ingest.New(logPath, clock)
		agg := aggregator.New(log, clock, params, endpointSet.Endpoints, endpointSet.SamplesPerEndpoint, tailer, st)
		defer agg.Close()
		if autoBaselineOut != "" {
			agg.SetAutoBaselineOutput(autoBaselineOut)
		}
		if baselinePath != "" {
			if samples, err := ingest.LoadRecords(baselinePath); err != nil {
				log.Warn("no baseline loaded", "path", baselinePath, "error", err)
			} else {
				agg.SetBaseline(samples)
			}
		}

		if calibrationPath != "" {
			if c, err := calibration.Load(calibrationPath); err != nil {
				log.Warn("no calibration loaded", "path", calibrationPath, "error", err)
			} else {
				agg.SetCalibration(c)
			}
		}

		jobs := supervisor.New(log, clock)
		defer jobs.Stop()

		server := httpapi.New(agg, httpapi.WithLogger(log), httpapi.WithListenAddr(listenAddr))
		go func() {
			if err := server.Run(); err != nil {
				log.Error("http server stopped", "error", err)
			}
		}()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		log.Info("lattice-geod running", "log_path", logPath, "listen_addr", listenAddr)
		ticker := time.NewTicker(defaultPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Info("shutting down")
				return server.Shutdown()
			case <-ticker.C:
				if err := agg.Poll(ctx); err != nil {
					log.Error("poll failed", "error", err)
				}
			}
		}
	},
}

var (
	calibrateLat float64
	calibrateLon float64
)

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Fit an affine RTT correction against the current window and save it",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logging.New(logging.Level(logLevel), verbose)

		endpointSet, err := loadEndpointSet(endpointPath)
		if err != nil {
			return fmt.Errorf("load endpoint config: %w", err)
		}

		params := config.DefaultParams()
		params.WindowMinutes = windowMinutes

		clock := clockwork.NewRealClock()
		st := store.New(params.WindowMinutes)
		tailer := ingest.New(logPath, clock)
		agg := aggregator.New(log, clock, params, endpointSet.Endpoints, endpointSet.SamplesPerEndpoint, tailer, st)
		defer agg.Close()

		if err := tailer.Poll(cmd.Context(), st); err != nil {
			return fmt.Errorf("read measurement log: %w", err)
		}
		st.Trim(clock.Now().UnixMilli())

		jobs := supervisor.New(log, clock)
		defer jobs.Stop()

		done := make(chan struct{})
		if err := jobs.Submit(supervisor.KindGenerate, func() (any, error) {
			defer close(done)
			calib, err := agg.GenerateCalibration(calibrateLat, calibrateLon)
			if err != nil {
				return nil, err
			}
			if err := calibration.Save(calibrationPath, calib); err != nil {
				return nil, err
			}
			agg.SetCalibration(calib)
			return calib, nil
		}); err != nil {
			return err
		}
		<-done

		status := jobs.Status()
		if status.Error != "" {
			return fmt.Errorf("calibration failed: %s", status.Error)
		}
		log.Info("calibration saved", "path", calibrationPath)
		return nil
	},
}

// loadEndpointSet reads an endpoint configuration document, accepting the
// CSV form when the path carries a .csv extension and JSON otherwise.
func loadEndpointSet(path string) (config.EndpointSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return config.EndpointSet{}, err
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".csv") {
		endpoints, err := config.ParseEndpointsCSV(f)
		if err != nil {
			return config.EndpointSet{}, err
		}
		return config.EndpointSet{Endpoints: endpoints}, nil
	}
	return config.ParseEndpointSetJSON(f)
}

// addCoreFlags registers the flags the run and calibrate commands share.
func addCoreFlags(fs *pflag.FlagSet) {
	fs.StringVar(&logPath, "log-path", "", "Path to the append-only measurement log (required)")
	fs.StringVar(&endpointPath, "endpoints", "", "Path to the endpoint configuration JSON document (required)")
	fs.IntVar(&windowMinutes, "window-minutes", config.DefaultWindowMinutes, "Rolling window size in minutes")
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Use a human-readable colorized log handler instead of JSON")

	addCoreFlags(runCmd.Flags())
	runCmd.Flags().StringVar(&calibrationPath, "calibration", "", "Path to a calibration file to load at startup")
	runCmd.Flags().StringVar(&listenAddr, "listen-addr", ":8090", "HTTP listen address for /snapshot and /metrics")
	runCmd.Flags().StringVar(&geoipDBPath, "geoip-db", "", "Optional path to a MaxMind City database for region-hint enrichment")
	runCmd.Flags().StringVar(&baselinePath, "baseline", "", "Optional path to a measurement log to load as the baseline sample set")
	runCmd.Flags().IntVar(&autoBaselineMinutes, "auto-baseline-minutes", config.DefaultAutoBaselineMinutes, "Capture the first N minutes of samples as the baseline when none is supplied (0 disables)")
	runCmd.Flags().StringVar(&autoBaselineOut, "auto-baseline-out", "", "Optional path to persist the captured auto-baseline raw lines to")
	_ = runCmd.MarkFlagRequired("log-path")
	_ = runCmd.MarkFlagRequired("endpoints")

	addCoreFlags(calibrateCmd.Flags())
	calibrateCmd.Flags().StringVar(&calibrationPath, "calibration", "", "Path to write the fitted calibration file (required)")
	calibrateCmd.Flags().Float64Var(&calibrateLat, "lat", 0, "Operator's self-reported latitude")
	calibrateCmd.Flags().Float64Var(&calibrateLon, "lon", 0, "Operator's self-reported longitude")
	_ = calibrateCmd.MarkFlagRequired("log-path")
	_ = calibrateCmd.MarkFlagRequired("endpoints")
	_ = calibrateCmd.MarkFlagRequired("calibration")

	rootCmd.AddCommand(versionCmd, runCmd, calibrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
