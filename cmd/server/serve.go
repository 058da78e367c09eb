package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/drawdown-engine/api"
	"github.com/warp/drawdown-engine/billing"
	"github.com/warp/drawdown-engine/generic"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the billing scheduler",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	handler := api.NewHandler(api.Deps{
		Store:        a.store,
		Contracts:    a.contracts,
		Transactions: a.drawdown,
		Billing:      a.billing,
		Clock:        generic.SystemClock{},
		SystemActor:  a.cfg.SystemActor,
		Logger:       a.log,
	})
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: a.cfg.AllowedOrigins(),
		Metrics:        a.metrics,
		Gatherer:       a.registry,
		Logger:         a.log,
	})

	var sched *billing.Scheduler
	if a.cfg.SchedulerEnabled {
		sched = billing.NewScheduler(a.billing, a.contracts, billing.ScheduleConfig{
			BillingSpec: a.cfg.BillingJobSchedule,
			ExpirySpec:  a.cfg.ExpiryJobSchedule,
			JobTimeout:  30 * time.Minute,
		}, a.log)
		if err := sched.Start(); err != nil {
			return err
		}
	} else {
		a.log.Info().Msg("scheduler disabled")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.log.Info().Int("port", a.cfg.Port).Str("database", a.cfg.DatabasePath).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	a.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if sched != nil {
		sched.Stop(shutdownCtx)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.log.Info().Msg("server stopped")
	return nil
}
