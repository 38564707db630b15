package queue

import "fmt"

// ClaimAuditMessage 是写入 Kafka 的领奖终态审计事件。
type ClaimAuditMessage struct {
	RequestID     string `json:"request_id"`
	UserID        string `json:"user_id"`
	EventID       uint   `json:"event_id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
	OccurredAt    int64  `json:"occurred_at"` // Unix 秒
}

// Validate 做最小字段校验，防止消费者处理脏消息。
func (m ClaimAuditMessage) Validate() error {
	if m.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	if m.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if m.EventID == 0 {
		return fmt.Errorf("event_id is required")
	}
	if m.Status == "" {
		return fmt.Errorf("status is required")
	}
	if m.OccurredAt <= 0 {
		return fmt.Errorf("occurred_at must be > 0")
	}
	return nil
}
