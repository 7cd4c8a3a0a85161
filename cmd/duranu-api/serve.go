package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/duranu/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/config"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/database"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/events"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/knocks"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/rooms"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/server"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/stream"
	"github.com/MarcoPoloResearchLab/duranu/backend/internal/sweeper"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	shutdownTimeout  = 10 * time.Second
	redisPingTimeout = 3 * time.Second
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the presence sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

// application holds the services shared by the serve and sweep commands.
type application struct {
	config     config.AppConfig
	logger     *zap.Logger
	db         *gorm.DB
	events     *events.Log
	rooms      *rooms.Service
	knocks     *knocks.Service
	sweeper    *sweeper.Sweeper
	dispatcher *stream.Dispatcher
}

func loadApplication() (*application, func(), error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	cleanup := func() {
		_ = sqlDB.Close()
		_ = logger.Sync()
	}

	app, err := newApplication(appConfig, db, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return app, cleanup, nil
}

func newApplication(appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger) (*application, error) {
	eventLog, err := events.NewLog(events.LogConfig{
		Database: db,
		Notifier: events.NewNotifier(),
		Logger:   logger.Named("events"),
	})
	if err != nil {
		return nil, err
	}

	knockService, err := knocks.NewService(knocks.ServiceConfig{
		Database:   db,
		Events:     eventLog,
		KeyTTL:     appConfig.KnockKeyTTL,
		PendingTTL: appConfig.KnockPendingTTL,
		Logger:     logger.Named("knocks"),
	})
	if err != nil {
		return nil, err
	}

	roomService, err := rooms.NewService(rooms.ServiceConfig{
		Database:   db,
		Events:     eventLog,
		Gatekeeper: knockService,
		Logger:     logger.Named("rooms"),
	})
	if err != nil {
		return nil, err
	}

	presence := appConfig.Presence
	sweep, err := sweeper.New(sweeper.Config{
		Rooms:  roomService,
		Knocks: knockService,
		Events: eventLog,
		Timeouts: sweeper.Timeouts{
			AFK:              presence.AFKTimeout,
			MemberDisconnect: presence.MemberDisconnectTimeout,
			HostDisconnect:   presence.HostDisconnectTimeout,
			JoinGrace:        presence.JoinGrace,
			OnlineGrace:      presence.OnlineGrace,
			EventRetention:   appConfig.EventRetention,
		},
		Logger: logger.Named("sweeper"),
	})
	if err != nil {
		return nil, err
	}

	dispatcher, err := stream.NewDispatcher(stream.Config{
		Events:   eventLog,
		Rooms:    roomService,
		Knocks:   knockService,
		Notifier: eventLog.Notifier(),
		Thresholds: rooms.Thresholds{
			AFKTimeout:              presence.AFKTimeout,
			MemberDisconnectTimeout: presence.MemberDisconnectTimeout,
			HostDisconnectTimeout:   presence.HostDisconnectTimeout,
		},
		BatchSize:          appConfig.Stream.BatchSize,
		MessageLimit:       appConfig.Stream.MessageLimit,
		MaxDuration:        appConfig.Stream.MaxDuration,
		MaxIterations:      appConfig.Stream.MaxIterations,
		MaxEmptyIterations: appConfig.Stream.MaxEmptyIterations,
		Logger:             logger.Named("stream"),
	})
	if err != nil {
		return nil, err
	}

	return &application{
		config:     appConfig,
		logger:     logger,
		db:         db,
		events:     eventLog,
		rooms:      roomService,
		knocks:     knockService,
		sweeper:    sweep,
		dispatcher: dispatcher,
	}, nil
}

func openRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return client, nil
}

func runServer(ctx context.Context) error {
	app, cleanup, err := loadApplication()
	if err != nil {
		return err
	}
	defer cleanup()
	appConfig := app.config
	logger := app.logger

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var limiter *server.RateLimiter
	if appConfig.RedisURL != "" {
		redisClient, err := openRedis(signalCtx, appConfig.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		counter, err := server.NewRedisWindowCounter(redisClient)
		if err != nil {
			return err
		}
		limiter, err = server.NewRateLimiter(server.RateLimiterConfig{
			Counter:     counter,
			MaxRequests: appConfig.RateLimitMaxRequests,
			Window:      appConfig.RateLimitWindow,
			Logger:      logger.Named("ratelimit"),
		})
		if err != nil {
			return err
		}

		scheduled, err := sweeper.NewScheduled(appConfig.RedisURL, appConfig.Presence.SweepInterval, app.sweeper, logger.Named("sweeper"))
		if err != nil {
			return err
		}
		if err := scheduled.Start(); err != nil {
			return err
		}
		defer scheduled.Shutdown()
	} else {
		runner := sweeper.NewRunner(app.sweeper, appConfig.Presence.SweepInterval, logger.Named("sweeper"))
		go runner.Run(signalCtx)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Rooms:       app.rooms,
		Knocks:      app.knocks,
		Dispatcher:  app.dispatcher,
		Sweeper:     app.sweeper,
		Sessions:    validator,
		RateLimiter: limiter,
		Logger:      logger,
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
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
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
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
