// Copyright 2016 Symantec, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"golang.org/x/sync/errgroup"

	"github.com/Symantec/dao-control/internal/allocator"
	"github.com/Symantec/dao-control/internal/daemon"
	"github.com/Symantec/dao-control/internal/db"
	"github.com/Symantec/dao-control/internal/dhcpdist"
	"github.com/Symantec/dao-control/internal/discovery"
	"github.com/Symantec/dao-control/internal/dns"
	"github.com/Symantec/dao-control/internal/ipmi"
	"github.com/Symantec/dao-control/internal/processor"
	"github.com/Symantec/dao-control/internal/provision"
	"github.com/Symantec/dao-control/internal/sku"
	"github.com/Symantec/dao-control/internal/switchval"
	"github.com/Symantec/dao-control/internal/validation"
	"github.com/Symantec/dao-control/internal/worker"
	"github.com/Symantec/dao-control/internal/workflow/codec"
	wflog "github.com/Symantec/dao-control/internal/workflow/log"
	wfworker "github.com/Symantec/dao-control/internal/workflow/worker"
)

// setupLogger sets the global logger with the provided logLevel.
// If logLevel provided is unknown, then INFO will be used.
func setupLogger(logLevel string) {
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, NoColor: true}
	consoleWriter.PartsOrder = []string{
		zerolog.LevelFieldName,
		zerolog.CallerFieldName,
		zerolog.MessageFieldName,
	}
	log.Logger = zerolog.New(consoleWriter).With().Logger()

	ll, err := zerolog.ParseLevel(logLevel)
	if err != nil || ll == zerolog.NoLevel {
		ll = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(ll)

	log.Info().Msg(fmt.Sprintf("Logger is configured with log level %q", ll.String()))
}

func setupMetrics(meterProvider *metric.MeterProvider, mux *http.ServeMux) error {
	exporter, err := prometheus.New()
	if err != nil {
		return err
	}

	r, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName("dao.worker"),
		),
	)
	if err != nil {
		return err
	}

	*meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(r),
		sdkmetric.WithReader(exporter),
	)

	mux.Handle("/metrics", promhttp.Handler())

	return nil
}

// getTemporalClient dials the Temporal frontend shared with the master,
// retrying for up to a minute so the worker survives a frontend restart.
func getTemporalClient(cfg *daemon.Config,
	metrics client.MetricsHandler) (client.Client, error) {
	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 60 * time.Second

	tracingInterceptor, err := temporalotel.NewTracingInterceptor(
		temporalotel.TracerOptions{
			Tracer: tracenoop.NewTracerProvider().Tracer("temporal"),
		})
	if err != nil {
		return nil, fmt.Errorf("failed setting up tracing interceptor: %w", err)
	}

	dataConverter, err := codec.DataConverter([]byte(cfg.Temporal.Secret))
	if err != nil {
		return nil, fmt.Errorf("failed setting up payload codec: %w", err)
	}

	return backoff.RetryWithData(
		func() (client.Client, error) {
			return client.Dial(client.Options{
				HostPort:  cfg.Temporal.HostPort,
				Namespace: cfg.Temporal.Namespace,
				Identity: fmt.Sprintf("%s@worker:%d",
					cfg.Worker.Name, os.Getpid()),
				Logger:         wflog.NewZerologAdapter(log.Logger),
				Interceptors:   []interceptor.ClientInterceptor{tracingInterceptor},
				DataConverter:  dataConverter,
				MetricsHandler: metrics,
			})
		}, retry,
	)
}

func Run() int {
	fatal := make(chan error)

	cfg, err := daemon.LoadConfig(afero.NewOsFs(), "")
	if err != nil {
		fmt.Printf("Failed starting DAO worker: %s", err)
		return 1
	}

	setupLogger(cfg.Common.LogLevel)

	var meterProvider metric.MeterProvider

	mux := http.NewServeMux()

	//nolint:govet // false positive
	if err := setupMetrics(&meterProvider, mux); err != nil {
		log.Error().Err(err).Msg("Metrics setup error")
		return 1
	}

	temporalClient, err := getTemporalClient(cfg,
		temporalotel.NewMetricsHandler(
			temporalotel.MetricsHandlerOptions{
				Meter: meterProvider.Meter("temporal")},
		),
	)
	if err != nil {
		log.Error().Err(err).Msg("Temporal client error")
		return 1
	}

	sqlDB, err := sql.Open("sqlite3", cfg.Common.DBPath)
	if err != nil {
		log.Error().Err(err).Msg("Inventory database error")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.EnsureSchema(ctx, sqlDB); err != nil {
		log.Error().Err(err).Msg("Inventory schema error")
		return 1
	}

	store := db.NewStore(sqlDB)

	dist, err := dhcpdist.New(cfg.DHCP, store)
	if err != nil {
		log.Error().Err(err).Msg("DHCP distributor error")
		return 1
	}

	alloc := allocator.New(store, dist, cfg.Worker.Net2Vlan,
		cfg.DHCP.FirstIPOffset, cfg.DHCP.LastIPOffset)

	bmc := ipmi.NewClient(cfg.IPMI)

	sw, err := switchval.New(store, cfg.SwitchConf.Tool, cfg.SwitchConf.Enabled)
	if err != nil {
		log.Error().Err(err).Msg("Switch validator error")
		return 1
	}

	prov, err := provision.New("foreman", cfg.Foreman, store,
		provision.NewOrchestrator(cfg.Salt))
	if err != nil {
		log.Error().Err(err).Msg("Provisioning driver error")
		return 1
	}

	maintainer, err := dns.New(cfg.DNS)
	if err != nil {
		log.Error().Err(err).Msg("DNS maintainer error")
		return 1
	}

	dnsHook, err := worker.NewHook("dns", maintainer)
	if err != nil {
		log.Error().Err(err).Msg("Hook error")
		return 1
	}

	engine, err := discovery.NewEngine(store, bmc, sw, alloc, discovery.Config{
		Location:     cfg.Common.Location,
		SpareCluster: cfg.Worker.SpareCluster,
		WorkerName:   cfg.Worker.Name,
		MgmtVlan:     cfg.Worker.Net2Vlan["mgmt"],
		Disabled:     cfg.Worker.DiscoveryDisabled,
	})
	if err != nil {
		log.Error().Err(err).Msg("Discovery engine error")
		return 1
	}

	service := worker.NewService(cfg, worker.Deps{
		Store:  store,
		Proc:   processor.New(store, prov, bmc, sw),
		Prov:   prov,
		Agent:  validation.NewClient(cfg.Worker.ValidationPort),
		SKU:    sku.NewMatcher(store),
		Switch: sw,
		Engine: engine,
		Alloc:  alloc,
		Hooks:  []worker.Hook{dnsHook},
	})

	pool := wfworker.NewWorkerPool(cfg.Worker.Name, temporalClient,
		wfworker.WithConfigurator(service),
	)

	workerPoolBackoff := backoff.NewExponentialBackOff()
	workerPoolBackoff.MaxElapsedTime = 60 * time.Second

	if err := backoff.Retry(pool.Start, workerPoolBackoff); err != nil {
		log.Error().Err(err).Msg("Temporal worker pool failure")
		return 1
	}

	defer pool.Stop()

	if err := service.Register(ctx, pool.TaskQueue()); err != nil {
		log.Error().Err(err).Msg("Worker registration error")
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return service.Run(gctx) })

	g.Go(func() error {
		server := &http.Server{
			Addr:              cfg.Worker.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 60 * time.Second,
		}

		go func() {
			<-gctx.Done()
			server.Close() //nolint:errcheck // ok to ignore this error
		}()

		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}

		return nil
	})

	if !cfg.Worker.SnoopDisabled {
		snooper, err := discovery.NewSnooper(cfg.Worker.SnoopAddr,
			engine.DHCPSighting)
		if err != nil {
			log.Error().Err(err).Msg("DHCP snooper error")
			return 1
		}

		g.Go(func() error { return snooper.Run(gctx) })
	}

	go func() { fatal <- g.Wait() }()

	go func() { fatal <- <-pool.Error() }()

	log.Info().Msg(fmt.Sprintf("DAO worker %q started in %s",
		cfg.Worker.Name, cfg.Common.Location))

	sigs := make(chan os.Signal, 2)

	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGHUP)

	select {
	case err := <-fatal:
		log.Err(err).Msg("Service failure")
		return 1
	case <-sigs:
		return 0
	}
}

func main() {
	os.Exit(Run())
}
