package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/optimode/mailverify/internal/httpapi"
)

func init() {
	serveCmd.Flags().String("listen", "", "listen address (default :8080)")
	_ = v.BindPFlag("listen_addr", serveCmd.Flags().Lookup("listen"))
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the validation API over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	e, log, err := openEngine(reg)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			log.Error().Err(err).Msg("closing engine")
		}
	}()

	srv := httpapi.New(e, httpapi.WithGatherer(reg), httpapi.WithLogger(log))
	err = srv.ListenAndServe(ctx, v.GetString("listen_addr"))
	log.Info().Msg("http server stopped")
	return err
}
