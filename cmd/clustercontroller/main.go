package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/baechuer/clustercontroller/internal/adminapi"
	"github.com/baechuer/clustercontroller/internal/bounceproxyurl"
	"github.com/baechuer/clustercontroller/internal/config"
	"github.com/baechuer/clustercontroller/internal/logger"
	"github.com/baechuer/clustercontroller/internal/message"
	"github.com/baechuer/clustercontroller/internal/persistence/routesnap"
	"github.com/baechuer/clustercontroller/internal/persistence/sendlog"
	"github.com/baechuer/clustercontroller/internal/replycaller"
	"github.com/baechuer/clustercontroller/internal/router"
	"github.com/baechuer/clustercontroller/internal/scheduler"
	"github.com/baechuer/clustercontroller/internal/transport/httpbounce"
	"github.com/baechuer/clustercontroller/internal/transport/mqtt"
	"github.com/baechuer/clustercontroller/internal/urlselector"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		_ = os.Setenv("LOG_LEVEL", cfg.LogLevel)
	}
	if cfg.LogFormat != "" {
		_ = os.Setenv("LOG_FORMAT", cfg.LogFormat)
	}
	logger.Init()
	log := logger.Logger.With().Str("service", "clustercontroller").Str("env", cfg.AppEnv).Logger()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Persistence (optional, crash-recovery only) ----
	var sendLog *sendlog.Repository
	if cfg.PgDSN != "" {
		dbPool, err := pgxpool.New(rootCtx, cfg.PgDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres pool create failed")
		}
		defer dbPool.Close()

		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		if err := dbPool.Ping(pingCtx); err != nil {
			cancel()
			log.Fatal().Err(err).Msg("postgres ping failed")
		}
		cancel()
		log.Info().Msg("postgres connected")
		sendLog = sendlog.New(dbPool)
	} else {
		log.Info().Msg("PG DSN not configured; send-log durability disabled")
	}

	var routeSnapshots *routesnap.Store
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()

		pingCtx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis ping failed (continuing without route snapshots)")
		} else {
			log.Info().Msg("redis connected")
			routeSnapshots = routesnap.NewStore(redisClient)
		}
		cancel()
	} else {
		log.Info().Msg("REDIS_ADDR not configured; route-snapshot durability disabled")
	}

	// ---- Scheduler (Component B) ----
	sched := scheduler.NewPool(log, cfg.WorkerPoolSize)
	defer sched.Shutdown()

	// ---- Correlation directory (built on Component A) ----
	replies := replycaller.NewDirectory(log)
	defer replies.Shutdown()

	// ---- Router (Component E) ----
	r := router.New(log, router.Config{
		QueueUnknownDestinations: true,
		PendingQueueMaxPerDest:   100,
		RoutingTableSweepPeriod:  cfg.RoutingTableCleanupInterval,
	}, message.JSONCodec, sched, replies)

	// ---- URL selector (Component C) ----
	builder := bounceproxyurl.NewBuilder(cfg.BounceProxyBaseURL)
	selector := urlselector.New(log, cfg.URLSelectorPunishmentFactor, cfg.URLSelectorRecoveryPeriod, builder, nil)

	// ---- HTTP bounce-proxy driver ----
	httpDriver := httpbounce.New(log, &http.Client{}, builder, selector, sched, message.JSONCodec, r, httpbounce.Config{
		MaxAttemptTTL:   cfg.MaxAttemptTTL,
		RetryInterval:   cfg.SendRetryInterval,
		LongPollTimeout: 30 * time.Second,
		MinReconnect:    1 * time.Second,
		MaxReconnect:    30 * time.Second,
		OwnChannelID:    cfg.OwnChannelID,
	})
	r.RegisterDriver(message.AddressChannel, httpDriver)
	if err := httpDriver.Start(rootCtx); err != nil {
		log.Fatal().Err(err).Msg("http bounce-proxy driver failed to start")
	}
	defer func() { _ = httpDriver.Stop(context.Background()) }()

	// ---- MQTT driver ----
	mqttDriver := mqtt.New(log, mqtt.Config{
		BrokerURL:      cfg.BrokerURL,
		ClientID:       "clustercontroller",
		OwnChannelID:   cfg.OwnChannelID,
		PriorityLabel:  cfg.MQTTPriorityLabel,
		KeepAlive:      cfg.MQTTKeepAlive,
		ReconnectSleep: cfg.MQTTReconnectSleep,
		QoS:            cfg.MQTTQoS,
		Retain:         cfg.MQTTRetain,
	}, message.JSONCodec, r)
	r.RegisterDriver(message.AddressMQTT, mqttDriver)
	if err := mqttDriver.Start(rootCtx); err != nil {
		log.Error().Err(err).Msg("mqtt driver failed to start; continuing without MQTT transport")
	}
	defer func() { _ = mqttDriver.Stop(context.Background()) }()

	// ---- Warm-restore routing/multicast state, if persisted ----
	if routeSnapshots != nil {
		restoreCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		if saved, err := routeSnapshots.LoadRoutes(restoreCtx, cfg.OwnChannelID); err != nil {
			log.Warn().Err(err).Msg("failed to load persisted routes; starting with an empty routing table")
		} else if len(saved) > 0 {
			r.Restore(saved)
			log.Info().Int("count", len(saved)).Msg("restored routing-table entries")
		}
		if savedSubs, err := routeSnapshots.LoadMulticastSubscriptions(restoreCtx, cfg.OwnChannelID); err != nil {
			log.Warn().Err(err).Msg("failed to load persisted multicast subscriptions")
		} else if len(savedSubs) > 0 {
			r.RestoreMulticast(savedSubs)
			log.Info().Int("count", len(savedSubs)).Msg("restored multicast subscriptions")
		}
		cancel()
	}

	// ---- Routing-table cleanup ----
	go func() {
		ticker := time.NewTicker(cfg.RoutingTableCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				r.SweepRoutingTable()
			}
		}
	}()

	// ---- Periodic snapshot persistence, if enabled ----
	if routeSnapshots != nil {
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-rootCtx.Done():
					return
				case <-ticker.C:
					saveCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
					if err := routeSnapshots.SaveRoutes(saveCtx, cfg.OwnChannelID, r.Snapshot()); err != nil {
						log.Warn().Err(err).Msg("failed to persist routing-table snapshot")
					}
					if err := routeSnapshots.SaveMulticastSubscriptions(saveCtx, cfg.OwnChannelID, r.MulticastSnapshot()); err != nil {
						log.Warn().Err(err).Msg("failed to persist multicast-subscription snapshot")
					}
					cancel()
				}
			}
		}()
	}

	if sendLog != nil {
		r.SetOnDispatch(func(msg *message.Message, addr message.Address) {
			raw, err := message.JSONCodec.Serialize(msg)
			if err != nil {
				return
			}
			exp, _ := msg.ExpiryDate()
			persistCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = sendLog.Persist(persistCtx, sendlog.Record{
				ID:                uuid.New(),
				MessageID:         msg.MessageID(),
				To:                msg.To(),
				AddressKind:       int(addr.Kind),
				SerializedMessage: raw,
				DecayTime:         exp,
			})
		})

		recoverCtx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
		claimed, err := sendLog.ClaimDueBatch(recoverCtx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("failed to claim due send-log records for recovery")
		}
		for _, rec := range claimed {
			msg, err := message.JSONCodec.Deserialize(rec.SerializedMessage)
			if err != nil {
				log.Warn().Err(err).Str("record_id", rec.ID.String()).Msg("dropping unrecoverable send-log record")
				continue
			}
			r.Route(msg)
			markCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = sendLog.MarkSent(markCtx, rec.ID)
			cancel()
		}
		if len(claimed) > 0 {
			log.Info().Int("count", len(claimed)).Msg("resubmitted send-log records after restart")
		}
	}

	// ---- Admin HTTP server ----
	adminHandler := adminapi.NewHandler(r, selector, replies)
	adminSrv := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           adminapi.NewRouter(adminHandler),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.AdminAddr).Msg("admin http server starting")
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("admin http server crashed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	_ = adminSrv.Shutdown(shutdownCtx)
	log.Info().Msg("shutdown complete")
}
