// Command server runs the Syncline sync relay: the Update Store, Broadcast
// Hub, Session Handler and Compaction Engine behind one HTTP listener
// (spec.md §6 "Server CLI").
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tomas789/syncline/internal/relay"
	"github.com/tomas789/syncline/internal/xlog"
)

func main() {
	v := viper.New()
	v.SetEnvPrefix("SYNCLINE")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:          "server",
		Short:        "Syncline sync relay",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}
	flags := root.Flags()
	flags.Int("port", 3030, "TCP port to listen on")
	flags.String("db-path", "./syncline.db", "path to the single-file sqlite database")
	flags.String("log-format", "console", "log output format: console or json")
	flags.Int("compaction-threshold", 50, "updates since snapshot before a doc is compacted")
	flags.Duration("compaction-interval", 30*time.Second, "how often the compaction scan runs")
	v.BindPFlags(flags)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(v *viper.Viper) error {
	log := xlog.New(v.GetString("log-format"), "server")

	r, err := relay.New(relay.Config{
		DBPath: v.GetString("db-path"),
		// Re-read on every scan tick so a live config change takes effect
		// without a restart (spec.md §4.3 "reconfigured at runtime").
		CompactionThreshold: func() int { return v.GetInt("compaction-threshold") },
		CompactionInterval:  v.GetDuration("compaction-interval"),
	}, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to open store")
		return err
	}
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.RunCompaction(ctx)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", v.GetInt("port")),
		Handler: r.Router(),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", httpSrv.Addr).Msg("listening")
		serveErr <- httpSrv.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("listener failed")
			return err
		}
	case <-sig:
		log.Info().Msg("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown failed")
		}
	}
	return nil
}
