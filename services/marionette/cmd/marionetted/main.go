package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marionette/pkg/telemetry"
	"marionette/services/events"
	"marionette/services/marionette/internal/app"
	"marionette/services/marionette/internal/config"
)

func main() {
	if err := run("marionetted"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer a.Close()

	handler, err := events.Router(a.Dispatcher, events.RouterOptions{
		RequestsPerMinute: cfg.RateLimit,
		Ready:             a.Ready(),
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("init router: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           middleware(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	consumerDone := make(chan error, 1)
	if a.Consumer != nil {
		go func() {
			logger.Printf("INFO consuming restart jobs from %s queue", cfg.Queue)
			err := a.Consumer.Run(ctx, a.Worker.Handle)
			if err != nil {
				stop()
			}
			consumerDone <- err
		}()
	} else {
		close(consumerDone)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: server shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("INFO listening on %s (mode %s, store %s, queue %s)", server.Addr, cfg.Mode, cfg.Store, cfg.Queue)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("ERROR server failed: %v", err)
		stop()
		return err
	}

	if err := <-consumerDone; err != nil {
		logger.Printf("ERROR restart consumer: %v", err)
		return err
	}
	return nil
}
