// Command modbus-middleware runs the HTTP/MQTT to Modbus gateway service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"modbus-middleware/internal/api"
	"modbus-middleware/internal/cache"
	"modbus-middleware/internal/config"
	"modbus-middleware/internal/logging"
	"modbus-middleware/internal/metrics"
	"modbus-middleware/internal/modbus"
	"modbus-middleware/internal/mqtt"
	"modbus-middleware/internal/poller"
	"modbus-middleware/internal/service"
	"modbus-middleware/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:           "modbus-middleware",
		Short:         "HTTP and MQTT front end for Modbus TCP gateways",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and poller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load()
			if err != nil {
				return err
			}
			log := logging.New(settings.LogLevel, settings.LogJSON)

			st, err := store.Open(settings.DatabaseURL, settings.DatabaseEcho, log)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Migrate(); err != nil {
				return err
			}
			if settings.DeviceSeedFile != "" {
				if err := st.SeedFromFile(cmd.Context(), settings.DeviceSeedFile); err != nil {
					return err
				}
			}
			log.Info("migration complete")
			return nil
		},
	}
}

func runServe() error {
	settings, err := config.Load()
	if err != nil {
		return err
	}
	log := logging.New(settings.LogLevel, settings.LogJSON)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(settings.DatabaseURL, settings.DatabaseEcho, log)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		return err
	}
	if settings.DeviceSeedFile != "" {
		if err := st.SeedFromFile(ctx, settings.DeviceSeedFile); err != nil {
			return err
		}
	}

	configs, err := st.ActiveDeviceConfigs(ctx)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	manager := modbus.NewManager(configs, modbus.BreakerConfig{
		FailureThreshold: settings.BreakerFailureThreshold,
		RecoveryTimeout:  settings.BreakerRecoveryTimeout,
	}, collector, log)
	defer manager.CloseAll()

	var publisher mqtt.Publisher = mqtt.NoopPublisher{}
	if settings.MQTTEnabled() {
		publisher, err = mqtt.NewPublisher(mqtt.Config{
			BrokerHost:  settings.MQTTBrokerHost,
			BrokerPort:  settings.MQTTBrokerPort,
			Username:    settings.MQTTUsername,
			Password:    settings.MQTTPassword,
			TopicPrefix: settings.MQTTTopicPrefix,
		}, collector, log)
		if err != nil {
			return err
		}
		defer publisher.Close()
	} else {
		log.Info("MQTT disabled, no broker configured")
	}

	registerCache := cache.New(settings.CacheTTL)
	registers := service.NewRegisters(manager, registerCache, log)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		poller.New(st, manager, registerCache, publisher, collector,
			settings.PollInterval, log).Run(ctx)
	}()

	server := api.NewServer(st, registers, manager, registerCache,
		collector, publisher, settings.MQTTEnabled(), log)
	httpSrv := &http.Server{
		Addr:              settings.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":    settings.HTTPAddr,
			"devices": len(configs),
		}).Info("server started")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	wg.Wait()
	log.Info("server stopped")
	return nil
}
