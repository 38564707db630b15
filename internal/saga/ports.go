package saga

import (
	"context"
	"errors"

	"event_claims/internal/model"
)

var (
	// ErrDuplicateRequest 幂等键唯一约束冲突：两个发起请求在竞争同一个 request_id。
	ErrDuplicateRequest = errors.New("duplicate claim request")
	// ErrEventNotFound 目标活动不存在。
	ErrEventNotFound = errors.New("event not found")
	// ErrRewardNotFound 快照中的奖励在当前活动里已不存在（严重的数据不一致）。
	ErrRewardNotFound = errors.New("reward not found in event")
)

// Ledger 领奖台账：Saga 进度的唯一事实来源。
type Ledger interface {
	// FindByRequestID 按幂等键查找，不存在时返回 (nil, nil)。
	FindByRequestID(ctx context.Context, requestID string) (*model.ClaimRequest, error)
	// Create 插入新台账记录；request_id 唯一冲突时返回 ErrDuplicateRequest。
	Create(ctx context.Context, rec *model.ClaimRequest) error
	// Save 持久化整条记录，每个 Saga 步骤完成后调用一次。
	Save(ctx context.Context, rec *model.ClaimRequest) error
	// HasSucceeded 该 (userID, eventID) 是否已存在领取成功的记录。
	HasSucceeded(ctx context.Context, userID string, eventID uint) (bool, error)
	// Reload 从存储重新读取最新记录，避免覆盖内存副本之外的更新。
	Reload(ctx context.Context, requestID string) (*model.ClaimRequest, error)
}

// EventSource 活动读取口（实时文档，库存字段以它为准）。
type EventSource interface {
	// FindByID 返回含奖励列表的活动；不存在时返回 ErrEventNotFound。
	FindByID(ctx context.Context, id uint) (*model.Event, error)
}

// Allocator 库存分配器。
// Allocate 返回 (false, nil) 表示库存不足——无法区分真实售罄与并发竞争失败，
// 这两种结果对调用方是等价的。
type Allocator interface {
	Allocate(ctx context.Context, eventID, rewardID uint) (bool, error)
	// Release 回补一件库存，封顶 totalStock；超出封顶为无操作。
	Release(ctx context.Context, eventID, rewardID uint) error
}

// UserStatusProvider 回答「该用户是否已认证且处于活跃状态」。
type UserStatusProvider interface {
	IsActive(ctx context.Context, userID string) (bool, error)
}

// ConditionEvaluator 评估快照条件是否达成。
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, userID string, conditions map[string]any) (bool, error)
}

// GrantResult 外部发放服务的调用结果。
type GrantResult struct {
	Success       bool
	TransactionID string
	FailureReason string
}

// RewardFulfillmentProvider 外部奖励发放服务。
type RewardFulfillmentProvider interface {
	Grant(ctx context.Context, userID string, reward model.RewardSnapshot) (GrantResult, error)
}

// AuditSink 接收终态记录的审计事件（尽力而为，失败只记日志）。
type AuditSink interface {
	PublishTerminal(ctx context.Context, rec *model.ClaimRequest) error
}
