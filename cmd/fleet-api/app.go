package main

import (
	"context"
	"errors"

	"github.com/fleetmanager/backend/internal/citizens"
	"github.com/fleetmanager/backend/internal/config"
	"github.com/fleetmanager/backend/internal/database"
	"github.com/fleetmanager/backend/internal/directory"
	"github.com/fleetmanager/backend/internal/events"
	"github.com/fleetmanager/backend/internal/logging"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type application struct {
	config  config.AppConfig
	logger  *zap.Logger
	db      *gorm.DB
	redis   *redis.Client
	broker  *events.Broker
	service *citizens.Service
}

func newApplication(ctx context.Context) (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	app := &application{config: appConfig, logger: logger}

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.db = db

	directoryClient, err := directory.NewClient(directory.Config{
		BaseURL:  appConfig.DirectoryBaseURL,
		Timeout:  appConfig.DirectoryTimeout,
		CacheTTL: appConfig.DirectoryCacheTTL,
		Logger:   logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	app.broker = events.NewBroker()
	notifiers := events.Fanout{events.NewLogNotifier(logger), app.broker}
	if appConfig.RedisEnabled() {
		app.redis = redis.NewClient(&redis.Options{
			Addr:     appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
		})
		if err := app.redis.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, notifications will be retried per publish",
				zap.String("address", appConfig.RedisAddress),
				zap.Error(err))
		}
		notifiers = append(notifiers, events.NewRedisPublisher(app.redis, appConfig.RedisChannelPrefix))
	}

	service, err := citizens.NewService(citizens.ServiceConfig{
		Database:      db,
		IDProvider:    citizens.NewUUIDProvider(),
		Organizations: directoryClient,
		Citizens:      directoryClient,
		Notifier:      notifiers,
		Logger:        logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.service = service
	return app, nil
}

func (a *application) Close() {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown cleanup failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}
