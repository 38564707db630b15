package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// ClaimState 对应 Redis 内的领奖请求状态缓存结构。
// 台账（DB）是事实来源，这里只是结果查询接口的快路径。
type ClaimState struct {
	RequestID     string
	Status        string
	FailureReason string
}

// GetClaimState 查询 request_id 当前状态缓存。found=false 表示 key 不存在。
func GetClaimState(ctx context.Context, rdb *rd.Client, requestID string) (ClaimState, bool, error) {
	key := ClaimStateKey(requestID)
	m, err := rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return ClaimState{}, false, err
	}
	if len(m) == 0 {
		return ClaimState{}, false, nil
	}

	return ClaimState{
		RequestID:     requestID,
		Status:        m["status"],
		FailureReason: m["failure_reason"],
	}, true, nil
}

// PutClaimState 更新状态缓存，并刷新 key TTL。
func PutClaimState(ctx context.Context, rdb *rd.Client, requestID, status, failureReason string, ttl time.Duration) error {
	key := ClaimStateKey(requestID)
	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"request_id", requestID,
		"status", status,
		"failure_reason", failureReason,
	)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}
