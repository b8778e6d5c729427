package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/barotrack/internal/server"
	"github.com/shaunagostinho/barotrack/internal/session"
	"github.com/shaunagostinho/barotrack/internal/track"
	"github.com/shaunagostinho/barotrack/web"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		demo       bool
		listenAddr string
	)

	root := &cobra.Command{
		Use:   "barotrack",
		Short: "Record GPS tracks with barometric altitude and export them as GPX",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
			log.Printf("[main] barotrack %s starting", version)

			cfg := server.LoadConfig(configPath)
			if demo {
				cfg.GPS.Type = "demo"
				cfg.Barometer.Type = "demo"
			}
			if listenAddr != "" {
				cfg.Server.ListenAddr = listenAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	root.Flags().StringVar(&configPath, "config", "/etc/barotrack/config.yaml", "Path to config file")
	root.Flags().BoolVar(&demo, "demo", false, "Run with simulated GPS and barometer data")
	root.Flags().StringVar(&listenAddr, "listen", "", "Override listen address (e.g. :8080)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return root
}

func run(ctx context.Context, cfg *server.Config) error {
	src, err := buildSources(cfg)
	if err != nil {
		return err
	}
	defer src.close()

	// The dashboard starts regardless; fetches report the provider state
	// until the connection is up.
	go connectWithRetry(ctx, "GPS", src.location, 10)

	ctrl := session.New(session.Options{
		Interval:  cfg.Interval(),
		Location:  src.location,
		Barometer: src.barometer,
		Exporter:  track.NewExporter(cfg.Export.Dir, cfg.Export.Creator),
	})

	srv := server.New(cfg, ctrl, web.FS)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
		return err
	}
	log.Println("[main] shut down")
	return nil
}
