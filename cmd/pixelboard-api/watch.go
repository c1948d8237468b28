package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/internal/client"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/grid"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/logging"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/projector"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newWatchCommand() *cobra.Command {
	var (
		serverURL string
		token     string
		interval  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a running server and log grid and presence changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.NewLogger(viper.GetString("log.level"), viper.GetString("log.encoding"))
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, serverURL, token, interval, logger)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "Base URL of the pixelboard API")
	cmd.Flags().StringVar(&token, "token", "", "Optional session token sent with every request")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Batch interval of the grid projector")
	return cmd
}

func runWatch(ctx context.Context, serverURL, token string, interval time.Duration, logger *zap.Logger) error {
	api, err := client.New(client.Config{BaseURL: serverURL, Token: token, Logger: logger})
	if err != nil {
		return err
	}

	presenceProjector, err := projector.NewPresenceProjector(projector.PresenceConfig{
		Source: api,
		Loader: api,
		Window: viper.GetDuration("presence.window"),
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer presenceProjector.Close()

	var gridProjector *projector.GridProjector
	gridProjector, err = projector.NewGridProjector(projector.GridConfig{
		Source:   api,
		Loader:   api,
		Interval: interval,
		Logger:   logger,
		OnBatch: func(applied int) {
			stats := gridProjector.Stats()
			logger.Info("grid batch applied",
				zap.Int("events", applied),
				zap.String("filled", humanize.Comma(int64(stats.FilledCells))+" / "+humanize.Comma(grid.Rows*grid.Columns)),
				zap.Int("online", len(presenceProjector.List())),
				zap.String("last_update", humanize.Time(time.UnixMilli(stats.LastUpdateMillis))))
		},
	})
	if err != nil {
		return err
	}
	defer gridProjector.Close()

	if err := presenceProjector.Start(ctx); err != nil {
		return err
	}
	if err := gridProjector.Start(ctx); err != nil {
		return err
	}
	stats := gridProjector.Stats()
	logger.Info("watching",
		zap.String("server", serverURL),
		zap.String("filled", humanize.Comma(int64(stats.FilledCells))),
		zap.Int("online", len(presenceProjector.List())))

	<-ctx.Done()
	return nil
}
