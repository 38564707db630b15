package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"event_claims/internal/config"
	"event_claims/internal/model"
	"event_claims/internal/queue"
	"event_claims/internal/router"
	"event_claims/internal/saga"
	"event_claims/internal/store"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}

	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatal("open database failed", zap.Error(err))
	}
	if err := db.AutoMigrate(
		&model.Event{},
		&model.Reward{},
		&model.ClaimRequest{},
		&model.ClaimAudit{},
	); err != nil {
		log.Fatal("auto migrate failed", zap.Error(err))
	}

	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}
	defer rdb.Close()

	producer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer producer.Close()

	consumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, db, log)
	defer consumer.Close()

	relay := queue.NewRelay(rdb, producer, log,
		cfg.AuditEventStream, cfg.AuditEventGroup, cfg.AuditEventConsumer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go relay.Run(ctx)
	go consumer.Run(ctx)

	claimStore := store.NewClaimStore(db)
	eventStore := store.NewEventStore(db)
	allocator := store.NewAllocator(db)
	users := saga.NewInMemoryUserDirectory()
	conditions := saga.NewRuleConditionEvaluator()
	fulfillment := saga.NewInMemoryFulfillment()

	outbox := queue.NewStreamOutbox(rdb, cfg.AuditEventStream, func() int64 {
		return time.Now().Unix()
	})

	orch := saga.NewOrchestrator(
		claimStore, eventStore, allocator,
		users, conditions, fulfillment,
		log,
		saga.WithAuditSink(outbox),
	)

	r := gin.Default()
	router.Setup(r, orch, claimStore, eventStore, rdb, cfg)

	log.Info("event claim service starting", zap.String("addr", cfg.HTTPAddr))
	if err := r.Run(cfg.HTTPAddr); err != nil {
		log.Fatal("http server exited", zap.Error(err))
	}
}
