package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/internal/auth"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/config"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/database"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/feed"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/gate"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/grid"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/logging"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/metrics"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/postgres"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/presence"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/rewards"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/server"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/sessions"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/users"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

type cellStore interface {
	gate.CellStore
	server.CellReader
}

type sessionStore interface {
	gate.SessionStore
	server.SessionStore
	presence.StaleMarker
}

// backend is the storage wiring selected by database.driver.
type backend struct {
	cells      cellStore
	sessions   sessionStore
	transactor gate.Transactor
	profiles   users.Resolver
	close      func()
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collectors := metrics.New()
	broker := feed.NewBroker(feed.BrokerConfig{
		BufferSize: appConfig.FeedBufferSize,
		Logger:     logger,
		Observer:   collectors,
	})

	storage, err := openBackend(signalCtx, appConfig, broker, logger)
	if err != nil {
		return err
	}
	defer storage.close()

	var transferrer rewards.Transferrer
	if appConfig.Rewards.Enabled() {
		transferClient, err := rewards.NewTransferClient(rewards.TransferConfig{
			Endpoint:     appConfig.Rewards.Endpoint,
			SecretKey:    appConfig.Rewards.SecretKey,
			ChainID:      appConfig.Rewards.ChainID,
			TokenAddress: appConfig.Rewards.TokenAddress,
			FromAddress:  appConfig.Rewards.FromAddress,
			Timeout:      appConfig.Rewards.Timeout,
			Logger:       logger,
		})
		if err != nil {
			return err
		}
		transferrer = transferClient
	}

	writeGate, err := gate.New(gate.Config{
		Cells:          storage.cells,
		Sessions:       storage.sessions,
		Transactor:     storage.transactor,
		Rewards:        transferrer,
		Recorder:       collectors,
		Cooldown:       appConfig.Cooldown,
		StrictCooldown: appConfig.StrictCooldown,
		WriteTimeout:   appConfig.WriteTimeout,
		AdminUserIDs:   appConfig.AdminUserIDs,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	loginVerifier, loginIssuer, err := newLoginExchange(appConfig, logger)
	if err != nil {
		return err
	}

	limiter := server.NewIPLimiter(server.IPLimiterConfig{
		RPS:   appConfig.RateLimitRPS,
		Burst: appConfig.RateLimitBurst,
	})
	defer limiter.Stop()

	sweeper, err := presence.NewSweeper(presence.SweeperConfig{
		Store:   storage.sessions,
		Window:  appConfig.PresenceWindow,
		Cron:    appConfig.SweepCron,
		Logger:  logger,
		OnSwept: collectors.SessionsSwept,
	})
	if err != nil {
		return err
	}
	go sweeper.Run(signalCtx)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Gate:              writeGate,
		Cells:             storage.cells,
		Sessions:          storage.sessions,
		Validator:         validator,
		Profiles:          storage.profiles,
		Feed:              broker,
		Limiter:           limiter,
		IDTokens:          loginVerifier,
		Issuer:            loginIssuer,
		SessionCookieName: appConfig.TAuthCookieName,
		TrustedProxies:    appConfig.TrustedProxies,
		MetricsHandler:    collectors.Handler(),
		AllowedOrigins:    appConfig.AllowedOrigins,
		PresenceWindow:    appConfig.PresenceWindow,
		HeartbeatInterval: appConfig.HeartbeatInterval,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("driver", appConfig.DatabaseDriver),
			zap.Duration("cooldown", appConfig.Cooldown),
			zap.Bool("strict_cooldown", appConfig.StrictCooldown))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// newLoginExchange builds the ID-token login pieces; both are nil when no OAuth client is configured.
func newLoginExchange(appConfig config.AppConfig, logger *zap.Logger) (server.IDTokenVerifier, server.SessionIssuer, error) {
	if !appConfig.OAuth.Enabled() {
		return nil, nil, nil
	}
	verifier, err := auth.NewIDTokenVerifier(auth.IDTokenVerifierConfig{
		Audience:       appConfig.OAuth.ClientID,
		JWKSURL:        appConfig.OAuth.JWKSURL,
		AllowedIssuers: appConfig.OAuth.Issuers,
		Logger:         logger,
	})
	if err != nil {
		return nil, nil, err
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		TokenTTL:      appConfig.OAuth.SessionTTL,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("oauth login enabled", zap.String("client_id", appConfig.OAuth.ClientID))
	return verifier, issuer, nil
}

func openBackend(ctx context.Context, appConfig config.AppConfig, publisher feed.Publisher, logger *zap.Logger) (backend, error) {
	switch appConfig.DatabaseDriver {
	case config.DriverPostgres:
		return openPostgres(ctx, appConfig, publisher, logger)
	case config.DriverSQLite:
		return openSQLite(appConfig, publisher, logger)
	default:
		return backend{}, fmt.Errorf("unsupported database driver %q", appConfig.DatabaseDriver)
	}
}

func openSQLite(appConfig config.AppConfig, publisher feed.Publisher, logger *zap.Logger) (backend, error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return backend{}, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return backend{}, err
	}
	closeDB := func() { _ = sqlDB.Close() }

	cells, err := grid.NewStore(grid.StoreConfig{Database: db, Publisher: publisher, Logger: logger})
	if err != nil {
		closeDB()
		return backend{}, err
	}
	sessionStore, err := sessions.NewStore(sessions.StoreConfig{Database: db, Publisher: publisher, Logger: logger})
	if err != nil {
		closeDB()
		return backend{}, err
	}
	transactor, err := database.NewTransactor(db)
	if err != nil {
		closeDB()
		return backend{}, err
	}
	profiles, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		closeDB()
		return backend{}, err
	}
	return backend{
		cells:      cells,
		sessions:   sessionStore,
		transactor: transactor,
		profiles:   profiles,
		close:      closeDB,
	}, nil
}

func openPostgres(ctx context.Context, appConfig config.AppConfig, publisher feed.Publisher, logger *zap.Logger) (backend, error) {
	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:      appConfig.DatabaseDSN,
		MaxConns: appConfig.DatabaseMaxConns,
	})
	if err != nil {
		return backend{}, err
	}
	if err := postgres.Migrate(ctx, pool, logger); err != nil {
		pool.Close()
		return backend{}, err
	}
	cells, err := postgres.NewGridStore(postgres.GridStoreConfig{Pool: pool, Publisher: publisher, Logger: logger})
	if err != nil {
		pool.Close()
		return backend{}, err
	}
	sessionStore, err := postgres.NewSessionStore(postgres.SessionStoreConfig{Pool: pool, Publisher: publisher, Logger: logger})
	if err != nil {
		pool.Close()
		return backend{}, err
	}
	return backend{
		cells:      cells,
		sessions:   sessionStore,
		transactor: postgres.NewTxManager(pool),
		profiles:   users.ClaimsResolver{},
		close:      pool.Close,
	}, nil
}
