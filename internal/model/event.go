package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EventStatus 活动状态的封闭集合。
type EventStatus string

const (
	EventDraft    EventStatus = "DRAFT"
	EventActive   EventStatus = "ACTIVE"
	EventInactive EventStatus = "INACTIVE"
	EventExpired  EventStatus = "EXPIRED"
	EventArchived EventStatus = "ARCHIVED"
)

// ValidEventStatus 校验状态值是否属于封闭集合。
func ValidEventStatus(s EventStatus) bool {
	switch s {
	case EventDraft, EventActive, EventInactive, EventExpired, EventArchived:
		return true
	}
	return false
}

// Event 限时活动：名称、条件、奖励列表、活动时间段
type Event struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	EventName   string `gorm:"size:128;not null;index" json:"event_name"`
	Description string `gorm:"size:512" json:"description"`
	// Conditions 以 JSON 对象灵活存储，例：{"type": "LOGIN_STREAK", "days": 7}
	Conditions datatypes.JSONMap `gorm:"not null" json:"conditions"`
	Status     EventStatus       `gorm:"size:32;not null;default:DRAFT;index" json:"status"`
	StartTime  time.Time         `gorm:"not null" json:"start_time"`
	EndTime    time.Time         `gorm:"not null" json:"end_time"`
	Rewards    []Reward          `gorm:"foreignKey:EventID" json:"rewards"`
	CreatedBy  string            `gorm:"size:64;not null" json:"created_by"`
	UpdatedBy  string            `gorm:"size:64" json:"updated_by"`
}

func (Event) TableName() string { return "events" }

// IsCurrentlyActive 活动处于 ACTIVE 且当前时间落在活动窗口内。
func (e *Event) IsCurrentlyActive(now time.Time) bool {
	return e.Status == EventActive && !now.Before(e.StartTime) && !now.After(e.EndTime)
}

// UnlimitedStock 表示奖励库存无上限。
const UnlimitedStock int64 = -1

// RewardType 奖励种类的封闭集合。
type RewardType string

const (
	RewardPoint           RewardType = "POINT"
	RewardItem            RewardType = "ITEM"
	RewardCoupon          RewardType = "COUPON"
	RewardVirtualCurrency RewardType = "VIRTUAL_CURRENCY"
)

// Reward 活动内嵌的奖励定义。
// RemainingStock 是唯一被多个并发 Saga 修改的字段，读写只走条件更新。
type Reward struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	EventID         uint              `gorm:"not null;index" json:"event_id"`
	RewardType      RewardType        `gorm:"size:32;not null" json:"reward_type"`
	RewardName      string            `gorm:"size:128;not null" json:"reward_name"`
	Details         datatypes.JSONMap `json:"details"`
	QuantityPerUser int               `gorm:"not null;default:1" json:"quantity_per_user"`
	// TotalStock = -1 表示无限库存；有限库存扣减走 Allocator 条件更新。
	TotalStock     int64 `gorm:"not null;default:-1" json:"total_stock"`
	RemainingStock int64 `gorm:"not null;default:-1" json:"remaining_stock"`
}

func (Reward) TableName() string { return "rewards" }

// BeforeCreate 有限库存的奖励在创建时自动把剩余库存补齐为总库存。
func (r *Reward) BeforeCreate(tx *gorm.DB) error {
	if r.TotalStock > 0 && r.RemainingStock == UnlimitedStock {
		r.RemainingStock = r.TotalStock
	}
	return nil
}

// Unlimited 是否为无限库存奖励。
func (r *Reward) Unlimited() bool { return r.TotalStock == UnlimitedStock }
