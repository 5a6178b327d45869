// Command hermes-server runs the server-side datamodel consolidator and
// event producer (spec §4.E-G): it periodically fetches every configured
// source fragment, consolidates them into one view per object type, and
// emits the diff against the last published cache onto the transport.
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
	"go.uber.org/zap"

	"github.com/dsi-insa-strasbourg/hermes-go/pkg/adapter"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/cache"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/config"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/consolidator"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/dataobject"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/event"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/fragment"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/schema"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/telemetry"
	"github.com/dsi-insa-strasbourg/hermes-go/pkg/transport"

	"github.com/dsi-insa-strasbourg/hermes-go/internal/testfixtures"
)

var (
	configPath string
	interval   time.Duration
	metricsAddr string
	dev        bool
)

func main() {
	root := &cobra.Command{
		Use:   "hermes-server",
		Short: "Hermes CDC server: consolidates sources and emits datamodel events",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "hermes-server.yaml", "path to server configuration")
	root.PersistentFlags().BoolVar(&dev, "dev", false, "use development (console) logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the consolidation loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	runCmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "delay between consolidation passes")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "listen address for the Prometheus /metrics endpoint")
	root.AddCommand(runCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "hermes-server: %v\n", err)
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

	drivers := adapter.NewRegistry()
	testfixtures.RegisterDriver(drivers, testfixtures.NewScenario())

	fragments, err := buildFragments(schemaReg, cfg, drivers)
	if err != nil {
		return fmt.Errorf("fragments: %w", err)
	}

	cacheDB, err := cache.Open(cfg.CachePath)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer cacheDB.Close()

	tr := testfixtures.NewChannelTransport()

	producer, err := event.NewProducer(tr, cacheDB, schemaReg, fragments, log)
	if err != nil {
		return fmt.Errorf("producer: %w", err)
	}
	producer.RequestInitialSync()

	cons := consolidator.New(schemaReg, fragments, log)

	srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("metrics server failed", "error", err)
		}
	}()

	log.Infow("hermes-server starting", "interval", interval, "types", schemaReg.Order())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := consolidationPass(ctx, cons, producer, cacheDB, schemaReg, metrics, log); err != nil {
		log.Errorw("initial consolidation pass failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		case <-ticker.C:
			if err := consolidationPass(ctx, cons, producer, cacheDB, schemaReg, metrics, log); err != nil {
				log.Errorw("consolidation pass failed", "error", err)
			}
		}
	}
}

func consolidationPass(ctx context.Context, cons *consolidator.Consolidator, producer *event.Producer, cacheDB *cache.DB, reg *schema.Registry, metrics *telemetry.Metrics, log *zap.SugaredLogger) error {
	start := time.Now()
	defer func() { metrics.ConsolidationDuration.Observe(time.Since(start).Seconds()) }()

	caches := map[string]*dataobject.List{}
	for _, typeName := range reg.Order() {
		t := reg.Type(typeName)
		snap, _, err := cacheDB.Load(ctx, typeName)
		if err != nil {
			return fmt.Errorf("load cache for %s: %w", typeName, err)
		}
		caches[typeName] = cache.ToList(t, snap)
	}

	merged, err := cons.Run(ctx, caches)
	if err != nil {
		return fmt.Errorf("consolidate: %w", err)
	}

	for typeName, list := range merged {
		metrics.MergeFilteredGauge.WithLabelValues(typeName).Set(float64(len(list.MergeFiltered)))
		metrics.IntegrityFilteredGauge.WithLabelValues(typeName).Set(float64(len(list.IntegrityFiltered)))
	}

	if err := producer.EmitPass(ctx, merged); err != nil {
		return fmt.Errorf("emit: %w", err)
	}
	log.Debugw("consolidation pass complete", "duration", time.Since(start))
	return nil
}

func buildFragments(reg *schema.Registry, cfg *config.Config, drivers *adapter.Registry) (map[string]map[string]*fragment.Fragment, error) {
	out := map[string]map[string]*fragment.Fragment{}
	for typeName, tc := range cfg.Datamodel {
		t := reg.Type(typeName)
		if t == nil {
			continue
		}
		out[typeName] = map[string]*fragment.Fragment{}
		for sourceName, sc := range tc.Sources {
			if sc.Driver == "" {
				continue
			}
			adp, err := drivers.Build(sc.Driver, sourceName, sc.DriverConfig)
			if err != nil {
				return nil, fmt.Errorf("type %s source %s: %w", typeName, sourceName, err)
			}
			out[typeName][sourceName] = fragment.New(t, sourceName, adp)
		}
	}
	return out, nil
}

var _ transport.Transport = (*testfixtures.ChannelTransport)(nil)
