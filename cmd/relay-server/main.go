package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arenacast/relay/internal/config"
	"github.com/arenacast/relay/internal/framestore"
	"github.com/arenacast/relay/internal/health"
	"github.com/arenacast/relay/internal/inference"
	"github.com/arenacast/relay/internal/logging"
	"github.com/arenacast/relay/internal/server"
	"github.com/arenacast/relay/internal/session"
	"github.com/arenacast/relay/internal/watchdog"
)

var (
	version = "0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "relay-server",
	Short: "ArenaCast relay server",
	Long:  `ArenaCast relay - receives broadcast frames over HTTP, serves viewers over WebRTC, and streams frame analysis over WebSockets`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the relay server",
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ArenaCast relay v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/arenacast/relay.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	// Validation clamps dangerous values and logs the rest as warnings.
	cfg.Validate()

	var logOut io.Writer
	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, 50, 3)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		logOut = logging.TeeWriter(os.Stdout, rw)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, logOut)

	log := logging.L("main")
	log.Info("starting relay",
		"version", version,
		"addr", cfg.Addr(),
		"detector", cfg.Detector,
		"codec", cfg.Codec,
	)

	frames := framestore.New()
	registry := session.NewRegistry(cfg.MaxSessions, cfg.MaxViewersPerSession)
	results := inference.NewStore(cfg.InferenceTTL)
	fanout := inference.NewFanout(results)

	detector := inference.NewDetector(cfg.Detector)
	timer := inference.NewTimerReader(cfg.Detector)
	dispatcher := inference.NewDispatcher(detector, timer, frames, results, fanout, cfg.InferenceWorkers, cfg.InferenceInterval)

	monitor := health.NewMonitor()

	wd := watchdog.New(registry, frames, results, dispatcher, fanout, monitor, watchdog.Config{
		Interval:       cfg.WatchdogInterval,
		FrameTimeout:   cfg.FrameTimeout,
		SessionTimeout: cfg.SessionTimeout,
	})
	wd.Start()

	srv := server.New(cfg, registry, frames, results, dispatcher, fanout, monitor)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error("server failed", logging.KeyError, err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", logging.KeyError, err)
	}
	wd.Stop()
	registry.CloseAll()
	fanout.CloseAll()
	// Dispatcher shutdown also closes the detector back-end.
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		log.Warn("dispatcher shutdown", logging.KeyError, err)
	}

	log.Info("relay stopped")
}
