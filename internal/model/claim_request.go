package model

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// ClaimStatus 描述领奖 Saga 的宏观状态机。
type ClaimStatus string

const (
	ClaimPendingValidation          ClaimStatus = "PENDING_VALIDATION"
	ClaimValidationFailedInactive   ClaimStatus = "VALIDATION_FAILED_USER_INACTIVE"
	ClaimValidationFailedEvent      ClaimStatus = "VALIDATION_FAILED_EVENT_NOT_ACTIVE"
	ClaimValidationFailedClaimed    ClaimStatus = "VALIDATION_FAILED_ALREADY_CLAIMED"
	ClaimPendingConditionCheck      ClaimStatus = "PENDING_CONDITION_CHECK"
	ClaimConditionCheckFailed       ClaimStatus = "CONDITION_CHECK_FAILED_EXTERNAL"
	ClaimConditionNotMet            ClaimStatus = "CONDITION_NOT_MET"
	ClaimPendingInventoryAllocation ClaimStatus = "PENDING_INVENTORY_ALLOCATION"
	ClaimInventoryFailedOutOfStock  ClaimStatus = "INVENTORY_ALLOCATION_FAILED_OUT_OF_STOCK"
	ClaimInventoryAllocationError   ClaimStatus = "INVENTORY_ALLOCATION_ERROR"
	ClaimPendingRewardGrant         ClaimStatus = "PENDING_REWARD_GRANT"
	ClaimGrantFailedExternal        ClaimStatus = "REWARD_GRANT_FAILED_EXTERNAL"
	ClaimGrantFailedUserInactive    ClaimStatus = "REWARD_GRANT_FAILED_USER_INACTIVE"
	ClaimSuccessAllGranted          ClaimStatus = "SUCCESS_ALL_GRANTED"
	ClaimFailedRolledBack           ClaimStatus = "FAILED_ROLLED_BACK"
	// ClaimCompensationFailed 唯一需要人工介入的状态，系统不会再自动重试。
	ClaimCompensationFailed ClaimStatus = "COMPENSATION_FAILED_MANUAL_INTERVENTION_REQUIRED"
)

// IsTerminal 终态判定：任何终态记录都不允许再被 Saga 推进。
func (s ClaimStatus) IsTerminal() bool {
	switch s {
	case ClaimSuccessAllGranted,
		ClaimFailedRolledBack,
		ClaimCompensationFailed,
		ClaimConditionNotMet,
		ClaimConditionCheckFailed,
		ClaimInventoryAllocationError:
		return true
	}
	return strings.HasPrefix(string(s), "VALIDATION_FAILED_")
}

// GrantStatus 单个奖励的微观处理状态。
type GrantStatus string

const (
	GrantPending              GrantStatus = "PENDING"
	GrantInventoryAllocated   GrantStatus = "INVENTORY_ALLOCATED"
	GrantSuccess              GrantStatus = "SUCCESS"
	GrantFailedOutOfStock     GrantStatus = "FAILED_OUT_OF_STOCK"
	GrantFailedExternal       GrantStatus = "FAILED_EXTERNAL"
	GrantFailedInventoryError GrantStatus = "FAILED_INVENTORY_ERROR"
	GrantRolledBackInventory  GrantStatus = "ROLLED_BACK_INVENTORY"
)

// RewardSnapshot 领奖发起时刻的奖励定义快照。
// 活动后续被修改也不影响进行中的决策，同时作为审计留档。
type RewardSnapshot struct {
	RewardID        uint           `json:"reward_id"`
	RewardType      RewardType     `json:"reward_type"`
	RewardName      string         `json:"reward_name"`
	Details         map[string]any `json:"details,omitempty"`
	QuantityPerUser int            `json:"quantity_per_user"`
	TotalStock      int64          `json:"total_stock"`
	RemainingStock  int64          `json:"remaining_stock"`
}

// Unlimited 快照视角的无限库存判定。
func (r RewardSnapshot) Unlimited() bool { return r.TotalStock == UnlimitedStock }

// EventSnapshot 领奖发起时刻的活动快照。
type EventSnapshot struct {
	EventName  string           `json:"event_name"`
	Conditions map[string]any   `json:"conditions"`
	Rewards    []RewardSnapshot `json:"rewards"`
}

// ProcessedReward 每个奖励一条处理记录，顺序与快照一致。
// 补偿簿记依赖 GrantStatus：只有本次 Saga 推进过的条目才会被回补，且只回补一次。
type ProcessedReward struct {
	Reward        RewardSnapshot `json:"reward"`
	GrantStatus   GrantStatus    `json:"grant_status"`
	FailureReason string         `json:"failure_reason,omitempty"`
	TransactionID string         `json:"transaction_id,omitempty"`
	ProcessedAt   *time.Time     `json:"processed_at,omitempty"`
}

// CompensationEntry 补偿动作留痕。
type CompensationEntry struct {
	Step       string    `json:"step"`
	RewardID   uint      `json:"reward_id"`
	RewardName string    `json:"reward_name"`
	Action     string    `json:"action"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ClaimRequest 领奖请求台账，一次领奖尝试一条，永不删除。
// RequestID 即客户端幂等键，唯一索引保证并发重复提交收敛到同一条记录。
type ClaimRequest struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	RequestID string `gorm:"size:64;uniqueIndex;not null;index:idx_user_event_request,unique,priority:3" json:"request_id"`
	UserID    string `gorm:"size:64;not null;index;index:idx_user_event_request,unique,priority:1" json:"user_id"`
	Username  string `gorm:"size:64" json:"username"`
	// Roles 网关透传的角色列表（逗号分隔），仅作审计留档。
	Roles   string `gorm:"size:255" json:"roles"`
	EventID uint   `gorm:"not null;index;index:idx_user_event_request,unique,priority:2" json:"event_id"`

	EventSnapshot EventSnapshot `gorm:"serializer:json" json:"event_snapshot,omitempty"`

	Status      ClaimStatus `gorm:"size:64;not null;default:PENDING_VALIDATION;index;index:idx_claim_status_created,priority:1" json:"status"`
	CurrentStep string      `gorm:"size:64" json:"current_step"`

	ProcessedRewards []ProcessedReward `gorm:"serializer:json" json:"processed_rewards"`

	FailureReason          string              `gorm:"size:512" json:"failure_reason,omitempty"`
	RetryCount             int                 `gorm:"not null;default:0" json:"retry_count"`
	CompensatingActionsLog []CompensationEntry `gorm:"serializer:json" json:"compensating_actions_log,omitempty"`
	RewardsGrantedAt       *time.Time          `json:"rewards_granted_at,omitempty"`
}

func (ClaimRequest) TableName() string { return "claim_requests" }

// ProcessedRewardSummary 面向查询接口的奖励处理摘要，不携带奖励快照。
type ProcessedRewardSummary struct {
	RewardID      uint        `json:"reward_id"`
	RewardName    string      `json:"reward_name"`
	GrantStatus   GrantStatus `json:"grant_status"`
	FailureReason string      `json:"failure_reason,omitempty"`
	ProcessedAt   *time.Time  `json:"processed_at,omitempty"`
}

// Summary 把完整处理记录压缩为查询摘要。
func (p ProcessedReward) Summary() ProcessedRewardSummary {
	return ProcessedRewardSummary{
		RewardID:      p.Reward.RewardID,
		RewardName:    p.Reward.RewardName,
		GrantStatus:   p.GrantStatus,
		FailureReason: p.FailureReason,
		ProcessedAt:   p.ProcessedAt,
	}
}

// ClaimSummary 列表查询的投影：剔除活动快照、补偿日志等大字段。
type ClaimSummary struct {
	RequestID        string                   `json:"request_id"`
	UserID           string                   `json:"user_id"`
	EventID          uint                     `json:"event_id"`
	Status           ClaimStatus              `json:"status"`
	CurrentStep      string                   `json:"current_step"`
	ProcessedRewards []ProcessedRewardSummary `json:"processed_rewards"`
	FailureReason    string                   `json:"failure_reason,omitempty"`
	RewardsGrantedAt *time.Time               `json:"rewards_granted_at,omitempty"`
	CreatedAt        time.Time                `json:"created_at"`
	UpdatedAt        time.Time                `json:"updated_at"`
}
