package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"event_claims/internal/model"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Consumer 消费 Kafka 审计事件并落 claim_audits 表。
type Consumer struct {
	r   *kafka.Reader
	db  *gorm.DB
	log *zap.Logger
}

func NewConsumer(brokers []string, topic, groupID string, db *gorm.DB, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		db:  db,
		log: log,
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.ReadMessage(ctx)
		if err != nil {
			return // ctx cancel / 连接断开等
		}

		var msg ClaimAuditMessage
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			c.log.Warn("consumer unmarshal", zap.Error(err))
			continue
		}
		if err := msg.Validate(); err != nil {
			c.log.Warn("consumer skip invalid message", zap.Error(err))
			continue
		}

		audit := &model.ClaimAudit{
			RequestID:     msg.RequestID,
			UserID:        msg.UserID,
			EventID:       msg.EventID,
			Status:        model.ClaimStatus(msg.Status),
			FailureReason: msg.FailureReason,
			OccurredAt:    time.Unix(msg.OccurredAt, 0),
		}

		err = c.db.Create(audit).Error
		if err != nil {
			// 幂等：重复消息导致 UNIQUE 冲突，直接当作成功
			if errorsLikeUnique(err) {
				continue
			}
			c.log.Warn("consumer db create", zap.Error(err))
			continue
		}
	}
}

func errorsLikeUnique(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "unique") || strings.Contains(s, "Duplicate")
}
