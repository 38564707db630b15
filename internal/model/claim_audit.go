package model

import (
	"time"

	"gorm.io/gorm"
)

// ClaimAudit 由 Kafka 消费者落库的领奖终态审计记录。
// (request_id, status) 唯一索引保证重复消息幂等。
type ClaimAudit struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	RequestID     string      `gorm:"size:64;not null;index:idx_audit_request_status,unique,priority:1" json:"request_id"`
	UserID        string      `gorm:"size:64;not null;index" json:"user_id"`
	EventID       uint        `gorm:"not null;index" json:"event_id"`
	Status        ClaimStatus `gorm:"size:64;not null;index:idx_audit_request_status,unique,priority:2" json:"status"`
	FailureReason string      `gorm:"size:512" json:"failure_reason,omitempty"`
	OccurredAt    time.Time   `gorm:"not null" json:"occurred_at"`
}

func (ClaimAudit) TableName() string { return "claim_audits" }
