package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"github.com/pagemesh/pagemesh/db"
	"github.com/pagemesh/pagemesh/internal/config"
	"github.com/pagemesh/pagemesh/internal/jobstore"
	"github.com/pagemesh/pagemesh/internal/logging"
	"github.com/pagemesh/pagemesh/services"
	"github.com/pagemesh/pagemesh/workers"
)

func main() {
	log.Println("Starting workers...")

	configPath := os.Getenv("PAGEMESH_CONFIG_PATH")
	if err := config.LoadConfig(configPath); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.New(config.App.LogLevel)

	if config.App.DatabaseURL == "" {
		log.Fatal("DATABASE_URL environment variable (or config) is required")
	}
	pg, err := sql.Open("postgres", config.App.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pg.Close()
	if err := pg.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	if _, err := pg.Exec("SET TIME ZONE 'UTC'"); err != nil {
		log.Printf("Failed to set timezone to UTC: %v", err)
	}
	log.Println("Connected to database successfully")

	if config.App.RedisURL == "" {
		log.Fatal("REDIS_URL environment variable (or config) is required")
	}
	redisOpts, err := redis.ParseURL(config.App.RedisURL)
	if err != nil {
		log.Fatalf("Failed to parse REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to ping redis: %v", err)
	}
	log.Println("Connected to redis successfully")

	// Stores and services.
	incidents := db.NewIncidentStore(pg)
	policies := db.NewPolicyStore(pg)
	notifications := db.NewNotificationStore(pg)
	onCall := db.NewOnCallStore(pg)
	workflows := db.NewWorkflowStore(pg)
	audit := db.NewAuditStore(pg, logger)
	jobs := jobstore.NewRedisStore(rdb)

	issuer := services.NewActionTokenIssuer(config.App.ActionTokenSecret, config.App.PublicURL, 24*time.Hour)

	registry := services.NewChannelRegistry()
	for _, ch := range []services.NotificationChannel{
		services.NewEmailChannel(notifications, issuer, config.App.SMTP),
		services.NewChatChannel(notifications, issuer, config.App.Telegram),
		services.NewPushChannel(notifications, issuer, config.App.PushGateway, logger),
		services.NewSMSChannel(notifications, config.App.Twilio),
		services.NewVoiceChannel(notifications, config.App.Twilio),
	} {
		if err := registry.Register(ch); err != nil {
			logger.WithError(err).Fatal("duplicate notification channel registration")
		}
	}

	sendTimeout := time.Duration(config.App.Workers.ChannelTimeoutSeconds) * time.Second
	dispatcher := services.NewDispatcher(registry, notifications, logger, sendTimeout)

	engine := services.NewEscalationEngine(
		incidents, policies,
		services.NewDBTargetResolver(onCall),
		notifications, jobs, dispatcher, audit, logger)
	executor := services.NewWorkflowExecutor(workflows, audit, logger)

	// One bounded pool per job type.
	escalationPool := workers.NewPool(jobs, services.EscalationQueue,
		config.App.Workers.EscalationConcurrency, workers.NewEscalationHandler(engine), logger)
	workflowPool := workers.NewPool(jobs, services.WorkflowQueue,
		config.App.Workers.WorkflowConcurrency, workers.NewWorkflowHandler(executor), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	escalationPool.Start(ctx)
	workflowPool.Start(ctx)

	<-ctx.Done()
	log.Println("Shutdown signal received, draining workers...")
	escalationPool.Wait()
	workflowPool.Wait()
	log.Println("Workers stopped")
}
