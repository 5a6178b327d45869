// Command hermes-client runs the client-side event applier (spec §4.H-I):
// it subscribes to the transport, re-maps every incoming event through the
// client's local attribute mapping, dispatches it to the configured
// handlers, and routes handler failures into the persistent error queue.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dsi-insa-strasbourg/hermes-go/internal/testfixtures"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/client"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/client/nullhandlers"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/config"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/errqueue"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/event"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/notify"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/schema"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/telemetry"
)

var (
	configPath  string
	metricsAddr string
	sweepEvery  time.Duration
	retryEvery  time.Duration
	dev         bool
)

func main() {
	root := &cobra.Command{
		Use:   "hermes-client",
		Short: "Hermes CDC client: applies server datamodel events locally",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "hermes-client.yaml", "path to client configuration")
	root.PersistentFlags().BoolVar(&dev, "dev", false, "use development (console) logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the event application loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9091", "listen address for the Prometheus /metrics endpoint")
	runCmd.Flags().DurationVar(&sweepEvery, "sweep-interval", time.Minute, "trashbin sweep interval")
	runCmd.Flags().DurationVar(&retryEvery, "errqueue-retry-interval", time.Minute, "minimum interval between error-queue retry drains")
	root.AddCommand(runCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "hermes-client: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log, err := telemetry.NewLogger(dev)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	schemaReg, err := schema.NewRegistry(cfg.TypeOrder, cfg.TypeSpecs())
	if err != nil {
		return fmt.Errorf("schema: %w", err)
	}

	notifier := notify.NewNotifier(notify.NewConsole())

	queue, err := errqueue.Open(cfg.ErrorQueuePath, cfg.AutoremediationPolicy(), notifier)
	if err != nil {
		return fmt.Errorf("error queue: %w", err)
	}
	defer queue.Close()
	queue.SetLogger(log)

	handlers := nullhandlers.For(log, schemaReg.Order()...)
	applier := client.NewApplier(schemaReg, queue, notifier, handlers, cfg.TrashbinRetention, log)

	go queue.RunRetryLoop(ctx, retryEvery, applier.RetryEntry)

	tr := testfixtures.NewChannelTransport()
	frames, errs := tr.Subscribe(ctx)

	srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("metrics server failed", "error", err)
		}
	}()

	sweepTicker := time.NewTicker(sweepEvery)
	defer sweepTicker.Stop()

	log.Infow("hermes-client starting", "types", schemaReg.Order())

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)

		case err, ok := <-errs:
			if !ok {
				continue
			}
			if err != nil {
				log.Errorw("transport error", "error", err)
			}

		case frame, ok := <-frames:
			if !ok {
				continue
			}
			ev := event.FromFrame(frame)
			if err := applier.Apply(ctx, ev); err != nil {
				log.Errorw("apply event failed", "objtype", ev.ObjType, "pkey", ev.ObjPKey, "error", err)
				metrics.HandlerFailuresTotal.WithLabelValues(ev.ObjType).Inc()
			}
			metrics.EventsEmittedTotal.WithLabelValues(ev.ObjType, string(ev.Type)).Inc()
			metrics.ErrorQueueSizeGauge.WithLabelValues(ev.ObjType).Set(float64(queue.Len()))

		case <-sweepTicker.C:
			applier.Sweep(ctx)
		}
	}
}
