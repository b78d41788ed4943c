package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/awaistahir/smart-charge/internal/config"
	"github.com/awaistahir/smart-charge/internal/logging"
	"github.com/awaistahir/smart-charge/internal/metrics"
	"github.com/awaistahir/smart-charge/internal/prices"
	"github.com/awaistahir/smart-charge/internal/refresh"
	"github.com/awaistahir/smart-charge/internal/settings"
	"github.com/awaistahir/smart-charge/internal/store"
	"github.com/awaistahir/smart-charge/internal/uiapi"
)

func main() {
	var cfgFile string
	var port int
	var dbPath string

	rootCmd := &cobra.Command{
		Use:          "smartchargerd",
		Short:        "SmartCharge HTTP server with scheduled price refresh",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.NewViper(cfgFile)
			if err != nil {
				return err
			}
			if err := v.BindPFlag("port", cmd.Flags().Lookup("port")); err != nil {
				return errors.Wrap(err, "binding port flag")
			}
			if err := v.BindPFlag("db", cmd.Flags().Lookup("db")); err != nil {
				return errors.Wrap(err, "binding db flag")
			}

			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logging.Setup(cfg.LogLevel, cfg.LogFormat)

			return run(cfg)
		},
	}

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.smartcharge/config.yaml)")
	rootCmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP port")
	rootCmd.Flags().StringVar(&dbPath, "db", "", "Database path")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	log := logging.Component("daemon")

	st, err := store.NewStore(cfg.DBPath)
	if err != nil {
		return errors.Wrap(err, "opening database")
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	refresher := refresh.New(prices.NewClient(cfg.Feed), st, m)
	if err := refresher.Start(cfg.RefreshSchedule); err != nil {
		return err
	}
	defer refresher.Stop()

	saver := settings.NewSaver(st, store.DefaultProfile, cfg.SettingsDebounce, cfg.Vehicle)
	defer func() {
		if err := saver.Flush(); err != nil {
			log.WithError(err).Error("flushing settings")
		}
	}()

	srv := uiapi.NewServer(st, saver, refresher, m, uiapi.Options{
		PriceArea:       cfg.Feed.PriceArea,
		ExploreHours:    cfg.ExploreHours,
		RefreshInterval: cfg.ManualRefreshInterval,
		Location:        time.Local,
		Gatherer:        reg,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"port": cfg.Port,
			"db":   cfg.DBPath,
			"area": cfg.Feed.PriceArea,
		}).Info("SmartCharge server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err, ok := <-errCh:
		if ok {
			return errors.Wrap(err, "http server")
		}
		return nil
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "server shutdown")
	}
	return nil
}
