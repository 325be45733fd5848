package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/config"
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var noWatch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync scheduler and the metrics endpoint",
		Long: `Run the background sync scheduler until interrupted.

The first pass starts immediately; later passes follow sync.interval_minutes,
which is re-read before every wait. Prometheus metrics are served when
metrics.enabled is set. Changes to the config file's log level are applied
without a restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
				log.Debug().Msgf(format, args...)
			})); err != nil {
				log.Warn().Err(err).Msg("Failed to set GOMAXPROCS")
			}

			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			logger := a.tel.Logger.NewComponentLogger("serve")
			a.tel.Events.Subscribe(
				telemetry.LogEvents(a.tel.Logger.NewComponentLogger("events")),
				telemetry.FilterByLevel(telemetry.EventLevelWarning),
			)

			if !noWatch {
				path := resolvedConfigPath()
				if _, err := os.Stat(path); err == nil {
					if err := config.Watch(ctx, path, a.tel.Logger, func(s *config.Settings) {
						a.tel.Logger.SetLevel(s.LogLevel())
						logger.Infof("log level set to %s", s.LogLevel())
					}); err != nil {
						logger.WithError(err).Warn("config watch disabled")
					}
				}
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return a.tel.Metrics.Serve(gctx, a.tel.Logger)
			})

			if err := a.svc.Start(gctx); err != nil {
				return fmt.Errorf("failed to start scheduler: %w", err)
			}

			<-gctx.Done()
			logger.Info("shutting down")
			a.svc.Stop()

			if err := g.Wait(); err != nil {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not watch the config file for changes")

	return cmd
}
