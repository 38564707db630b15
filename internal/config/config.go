package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTPAddr string
	DBPath   string

	RedisAddr string
	RedisDB   int

	// Kafka 集群地址（逗号分隔）、审计 Topic、消费者组
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	// Redis Stream outbox（终态审计原子入流，Relay 异步转 Kafka）
	AuditEventStream   string
	AuditEventGroup    string
	AuditEventConsumer string

	// 领奖接口限流与结果缓存策略
	ClaimRateLimit  int
	ClaimRateWindow time.Duration
	ClaimStateTTL   time.Duration
}

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		DBPath:             getEnv("DB_PATH", "event_claims.db"),
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:            0,
		KafkaBrokers:       splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:         getEnv("KAFKA_TOPIC", "event-claim-audits"),
		KafkaGroupID:       getEnv("KAFKA_GROUP_ID", "event-claim-audit-consumer"),
		AuditEventStream:   getEnv("AUDIT_EVENT_STREAM", "event_claims:audit_events"),
		AuditEventGroup:    getEnv("AUDIT_EVENT_GROUP", "event-claim-relay-group"),
		AuditEventConsumer: getEnv("AUDIT_EVENT_CONSUMER", "event-claim-relay-1"),
		ClaimRateLimit:     1000,
		ClaimRateWindow:    time.Second,
		ClaimStateTTL:      24 * time.Hour,
	}

	redisDB, err := getEnvInt("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.RedisDB = redisDB

	rateLimit, err := getEnvInt("CLAIM_RATE_LIMIT", cfg.ClaimRateLimit)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid CLAIM_RATE_LIMIT: %w", err)
	}
	if rateLimit <= 0 {
		return AppConfig{}, fmt.Errorf("CLAIM_RATE_LIMIT must be > 0")
	}
	cfg.ClaimRateLimit = rateLimit

	rateWindowSec, err := getEnvInt("CLAIM_RATE_WINDOW_SEC", int(cfg.ClaimRateWindow.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid CLAIM_RATE_WINDOW_SEC: %w", err)
	}
	if rateWindowSec <= 0 {
		return AppConfig{}, fmt.Errorf("CLAIM_RATE_WINDOW_SEC must be > 0")
	}
	cfg.ClaimRateWindow = time.Duration(rateWindowSec) * time.Second

	stateTTLHour, err := getEnvInt("CLAIM_STATE_TTL_HOUR", int(cfg.ClaimStateTTL.Hours()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid CLAIM_STATE_TTL_HOUR: %w", err)
	}
	if stateTTLHour <= 0 {
		return AppConfig{}, fmt.Errorf("CLAIM_STATE_TTL_HOUR must be > 0")
	}
	cfg.ClaimStateTTL = time.Duration(stateTTLHour) * time.Hour

	if len(cfg.KafkaBrokers) == 0 {
		return AppConfig{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if cfg.KafkaTopic == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_TOPIC must not be empty")
	}
	if cfg.KafkaGroupID == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_GROUP_ID must not be empty")
	}
	if cfg.AuditEventStream == "" {
		return AppConfig{}, fmt.Errorf("AUDIT_EVENT_STREAM must not be empty")
	}
	if cfg.AuditEventGroup == "" {
		return AppConfig{}, fmt.Errorf("AUDIT_EVENT_GROUP must not be empty")
	}
	if cfg.AuditEventConsumer == "" {
		return AppConfig{}, fmt.Errorf("AUDIT_EVENT_CONSUMER must not be empty")
	}

	return cfg, nil
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
