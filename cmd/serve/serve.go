// Package serve implements the serve command, which exposes the pipeline over
// HTTP and optionally publishes every outcome over MQTT.
package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/rxclassify/internal/api"
	"github.com/tphakala/rxclassify/internal/buildinfo"
	"github.com/tphakala/rxclassify/internal/conf"
	"github.com/tphakala/rxclassify/internal/dispatcher"
	"github.com/tphakala/rxclassify/internal/errors"
	"github.com/tphakala/rxclassify/internal/logger"
	"github.com/tphakala/rxclassify/internal/mqtt"
	"github.com/tphakala/rxclassify/internal/observability"
	"github.com/tphakala/rxclassify/internal/pipeline"
)

// outcomeBuffer bounds the outcomes waiting to be published.
const outcomeBuffer = 64

var (
	pkgLogger     logger.Logger
	pkgLoggerOnce sync.Once
)

// GetLogger returns the serve module logger.
func GetLogger() logger.Logger {
	pkgLoggerOnce.Do(func() {
		pkgLogger = logger.Global().Module("serve")
	})
	return pkgLogger
}

// Command creates the serve command.
func Command(settings *conf.Settings, info *buildinfo.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the classifier over HTTP",
		Long:  "Start the HTTP API. Images posted to /api/v1/classify are classified and answered with the verdict.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return Run(cmd.Context(), settings, info)
		},
	}

	if err := setupFlags(cmd); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

// setupFlags configures flags specific to the serve command.
func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("listen", "", "Listen address and port, e.g. :8080")
	cmd.Flags().Bool("mqtt", false, "Publish outcomes to the configured MQTT broker")

	if err := viper.BindPFlag("webserver.listen", cmd.Flags().Lookup("listen")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	if err := viper.BindPFlag("mqtt.enabled", cmd.Flags().Lookup("mqtt")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}

// Run serves until ctx is done or SIGINT/SIGTERM arrives.
func Run(ctx context.Context, settings *conf.Settings, info *buildinfo.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := observability.NewMetrics()
	if err != nil {
		return err
	}

	// The presentation loop outlives the HTTP server so that in-flight
	// requests still receive their outcomes during shutdown.
	loop := dispatcher.NewMainLoop()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(context.Background())
	}()
	defer func() {
		loop.Stop()
		<-loopDone
	}()

	p, err := pipeline.Build(settings, pipeline.WithPresenter(loop), pipeline.WithMetrics(m))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	opts := []api.ServerOption{
		api.WithDispatcher(p.Dispatcher),
		api.WithMetrics(m),
		api.WithModelInfo(p.ModelInfo()),
		api.WithBuildInfo(info),
	}

	if settings.MQTT.Enabled {
		client, err := mqtt.NewClient(mqtt.ConfigFromSettings(&settings.MQTT), m.MQTT)
		if err != nil {
			_ = p.Close()
			return err
		}
		outcomes := make(chan dispatcher.Outcome, outcomeBuffer)
		publisher := mqtt.NewResultPublisher(client, settings.MQTT.Topic, settings.Main.Name)

		opts = append(opts, api.WithOutcomeHook(func(out dispatcher.Outcome) {
			select {
			case outcomes <- out:
			default:
				GetLogger().Warn("outcome dropped, MQTT publisher is behind",
					logger.String("request_id", out.RequestID))
			}
		}))
		g.Go(func() error {
			publishOutcomes(gctx, client, publisher, outcomes)
			return nil
		})
	}

	srv, err := api.New(settings, opts...)
	if err != nil {
		_ = p.Close()
		return err
	}

	g.Go(srv.Serve)
	g.Go(func() error {
		<-gctx.Done()
		GetLogger().Info("shutting down")
		return errors.Join(srv.Shutdown(), p.Close())
	})

	return g.Wait()
}

// publishOutcomes publishes outcomes until ctx is done. Connection failures
// are logged and retried on the next outcome.
func publishOutcomes(ctx context.Context, client mqtt.Client, publisher *mqtt.ResultPublisher, outcomes <-chan dispatcher.Outcome) {
	defer client.Disconnect()

	if err := client.Connect(ctx); err != nil {
		GetLogger().Warn("MQTT broker unavailable, will retry", logger.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case out := <-outcomes:
			if !client.IsConnected() {
				if err := client.Connect(ctx); err != nil {
					GetLogger().Debug("MQTT reconnect failed", logger.Error(err))
					continue
				}
			}
			// PublishOutcome logs its own failures.
			_ = publisher.PublishOutcome(ctx, out)
		}
	}
}
