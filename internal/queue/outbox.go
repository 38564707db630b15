package queue

import (
	"context"
	"strconv"

	"event_claims/internal/model"

	rd "github.com/redis/go-redis/v9"
)

// StreamOutbox 把终态审计事件原子写入 Redis Stream，
// 由 Relay 异步转发到 Kafka（实现 saga.AuditSink）。
type StreamOutbox struct {
	rdb    *rd.Client
	stream string
	now    func() int64
}

func NewStreamOutbox(rdb *rd.Client, stream string, now func() int64) *StreamOutbox {
	return &StreamOutbox{rdb: rdb, stream: stream, now: now}
}

// PublishTerminal 终态记录入流。XAdd 是单命令原子操作，
// 与台账落库之间不做分布式事务：审计是尽力而为的旁路。
func (o *StreamOutbox) PublishTerminal(ctx context.Context, rec *model.ClaimRequest) error {
	return o.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: o.stream,
		Values: map[string]interface{}{
			"request_id":     rec.RequestID,
			"user_id":        rec.UserID,
			"event_id":       strconv.FormatUint(uint64(rec.EventID), 10),
			"status":         string(rec.Status),
			"failure_reason": rec.FailureReason,
			"occurred_at":    strconv.FormatInt(o.now(), 10),
		},
	}).Err()
}
