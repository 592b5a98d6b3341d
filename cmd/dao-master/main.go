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
	"os"
	"os/signal"
	"syscall"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"

	"github.com/Symantec/dao-control/internal/daemon"
	"github.com/Symantec/dao-control/internal/db"
	"github.com/Symantec/dao-control/internal/master"
	"github.com/Symantec/dao-control/internal/workflow/codec"
	wflog "github.com/Symantec/dao-control/internal/workflow/log"
	wfworker "github.com/Symantec/dao-control/internal/workflow/worker"
)

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
}

func getTemporalClient(cfg *daemon.Config) (client.Client, error) {
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
				HostPort:      cfg.Temporal.HostPort,
				Namespace:     cfg.Temporal.Namespace,
				Identity:      fmt.Sprintf("master@dao:%d", os.Getpid()),
				Logger:        wflog.NewZerologAdapter(log.Logger),
				Interceptors:  []interceptor.ClientInterceptor{tracingInterceptor},
				DataConverter: dataConverter,
			})
		}, retry,
	)
}

func openDB(cfg *daemon.Config) (*sql.DB, error) {
	return sql.Open("sqlite3", cfg.Common.DBPath)
}

// runMaster serves the coordinator workflows on the master@dao task queue
// until SIGTERM.
func runMaster(ctx context.Context, cfg *daemon.Config) error {
	setupLogger(cfg.Common.LogLevel)

	temporalClient, err := getTemporalClient(cfg)
	if err != nil {
		return fmt.Errorf("temporal client: %w", err)
	}

	sqlDB, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("inventory database: %w", err)
	}
	defer sqlDB.Close()

	if err := db.EnsureSchema(ctx, sqlDB); err != nil {
		return fmt.Errorf("inventory schema: %w", err)
	}

	service := master.NewService(cfg, db.NewStore(sqlDB),
		master.NewTemporalTransport(temporalClient))

	pool := wfworker.NewWorkerPool("master", temporalClient,
		wfworker.WithConfigurator(service),
	)

	poolBackoff := backoff.NewExponentialBackOff()
	poolBackoff.MaxElapsedTime = 60 * time.Second

	if err := backoff.Retry(pool.Start, poolBackoff); err != nil {
		return fmt.Errorf("temporal worker pool: %w", err)
	}

	defer pool.Stop()

	log.Info().Msg(fmt.Sprintf("DAO master started in %s on %q",
		cfg.Common.Location, pool.TaskQueue()))

	sigs := make(chan os.Signal, 2)

	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGHUP)

	select {
	case err := <-pool.Error():
		return err
	case <-sigs:
		return nil
	}
}

func dbCmd(ctx context.Context, cfg **daemon.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "db",
		Short:        "Inventory database maintenance.",
		SilenceUsage: true,
	}

	cmd.AddCommand(&cobra.Command{
		Use:          "version",
		Short:        "Print the applied schema version.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sqlDB, err := openDB(*cfg)
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			version, err := db.CurrentSchemaVersion(ctx, sqlDB)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), version)

			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:          "upgrade",
		Short:        "Apply pending schema migrations.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sqlDB, err := openDB(*cfg)
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			return db.EnsureSchema(ctx, sqlDB)
		},
	})

	return cmd
}

func rootCmd(ctx context.Context) *cobra.Command {
	var (
		configPath string
		cfg        *daemon.Config
	)

	cmd := &cobra.Command{
		Use:               "dao-master",
		Short:             "DAO master - the location-wide lifecycle coordinator.",
		SilenceErrors:     true,
		SilenceUsage:      true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = daemon.LoadConfig(afero.NewOsFs(), configPath)

			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaster(ctx, cfg)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Configuration file path (default /etc/dao/dao.yaml)")

	cmd.AddCommand(dbCmd(ctx, &cfg))

	cmd.InitDefaultHelpCmd()

	return cmd
}

func main() {
	if err := rootCmd(context.Background()).Execute(); err != nil {
		log.Err(err).Msg("DAO master failed")
		os.Exit(1)
	}
}
