package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/config"
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/engine"
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/stores"
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/telemetry"
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/transports/n8n"
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/vault"
)

// app holds everything a command needs once settings are loaded.
type app struct {
	settings *config.Settings
	tel      *telemetry.Telemetry
	db       *stores.SQLStore
	config   *config.Store
	svc      *engine.Service
}

// openApp loads settings, opens and migrates the database, and wires the
// engine around it.
func openApp(ctx context.Context) (*app, error) {
	settings, err := config.Load(resolvedConfigPath())
	if err != nil {
		return nil, err
	}

	masterKey, err := settings.ResolveMasterKey()
	if err != nil {
		return nil, err
	}
	v, err := vault.New(masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential vault: %w", err)
	}

	tel, err := telemetry.NewTelemetry(settings.Telemetry(version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	db, err := openStore(ctx, settings)
	if err != nil {
		shutdownTelemetry(tel)
		return nil, err
	}

	cfgStore := config.NewStore(db, v,
		config.WithLogger(tel.Logger),
		config.WithMetrics(tel.Metrics),
		config.WithEvents(tel.Events),
	)
	if err := cfgStore.Initialize(ctx); err != nil {
		_ = db.Close()
		shutdownTelemetry(tel)
		return nil, err
	}

	svc := engine.NewService(db, cfgStore, v, n8n.Factory(tel.Logger), engine.WithTelemetry(tel))

	return &app{
		settings: settings,
		tel:      tel,
		db:       db,
		config:   cfgStore,
		svc:      svc,
	}, nil
}

func openStore(ctx context.Context, settings *config.Settings) (*stores.SQLStore, error) {
	db, err := stores.NewSQLStore(stores.Config{
		DSN:          settings.Database.DSN,
		MaxOpenConns: settings.Database.MaxOpenConns,
		MaxIdleConns: settings.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := db.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	return db, nil
}

// Close releases the database and flushes telemetry.
func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close database")
	}
	shutdownTelemetry(a.tel)
}

// user is the identity the CLI acts as.
func (a *app) user() engine.User {
	return engine.User{ID: operator, Name: operator}
}

// auditMeta attributes a config change made from the CLI.
func auditMeta(reason string) config.AuditMeta {
	return config.AuditMeta{
		ChangeReason: reason,
		UserAgent:    "n8n-analytics-cli/" + version,
	}
}

func shutdownTelemetry(tel *telemetry.Telemetry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to flush telemetry")
	}
}
