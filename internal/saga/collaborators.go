package saga

import (
	"context"
	"fmt"
	"sync"

	"event_claims/internal/model"

	"github.com/google/uuid"
)

// 外部协作方的内存实现。生产部署时替换为真实服务客户端，
// 接口契约不变；本服务内也作为测试替身使用。

// InactiveTestUserID 固定视为非活跃的测试用户。
const InactiveTestUserID = "inactiveUser_test"

// ConditionMetUserID 满足 USER_SPECIFIC_CONDITION 条件的测试用户。
const ConditionMetUserID = "user_who_meets_condition"

// FailingRewardName 发放必定失败的测试奖励名。
const FailingRewardName = "失败的测试奖励"

// NewInMemoryUserDirectory 构造内存用户状态源。
func NewInMemoryUserDirectory() *InMemoryUserDirectory {
	return &InMemoryUserDirectory{inactive: make(map[string]bool)}
}

// InMemoryUserDirectory 以内存表回答用户活跃状态。
type InMemoryUserDirectory struct {
	mu       sync.Mutex
	inactive map[string]bool
}

// Deactivate 把用户标记为非活跃。
func (d *InMemoryUserDirectory) Deactivate(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inactive[userID] = true
}

// Activate 恢复用户活跃状态。
func (d *InMemoryUserDirectory) Activate(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inactive, userID)
}

func (d *InMemoryUserDirectory) IsActive(ctx context.Context, userID string) (bool, error) {
	if userID == InactiveTestUserID {
		return false, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.inactive[userID], nil
}

// NewRuleConditionEvaluator 构造基于条件类型的简单评估器。
func NewRuleConditionEvaluator() *RuleConditionEvaluator {
	return &RuleConditionEvaluator{}
}

// RuleConditionEvaluator 按条件对象里的 type 字段评估：
// ALWAYS_TRUE / ALWAYS_FALSE / USER_SPECIFIC_CONDITION，其余默认达成。
type RuleConditionEvaluator struct{}

func (RuleConditionEvaluator) Evaluate(ctx context.Context, userID string, conditions map[string]any) (bool, error) {
	condType, _ := conditions["type"].(string)
	switch condType {
	case "ALWAYS_TRUE":
		return true, nil
	case "ALWAYS_FALSE":
		return false, nil
	case "USER_SPECIFIC_CONDITION":
		return userID == ConditionMetUserID, nil
	default:
		return true, nil
	}
}

// NewInMemoryFulfillment 构造内存发放服务。
func NewInMemoryFulfillment() *InMemoryFulfillment {
	return &InMemoryFulfillment{
		granted:   make(map[string][]uint),
		failNames: map[string]bool{FailingRewardName: true},
	}
}

// InMemoryFulfillment 记录每次发放结果，供测试与审计检视。
type InMemoryFulfillment struct {
	mu        sync.Mutex
	granted   map[string][]uint
	failNames map[string]bool
}

// FailRewardName 把某个奖励名配置为必定发放失败。
func (f *InMemoryFulfillment) FailRewardName(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNames[name] = true
}

// Granted 返回某用户已成功发放的奖励 ID 列表。
func (f *InMemoryFulfillment) Granted(userID string) []uint {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint, len(f.granted[userID]))
	copy(out, f.granted[userID])
	return out
}

func (f *InMemoryFulfillment) Grant(ctx context.Context, userID string, reward model.RewardSnapshot) (GrantResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNames[reward.RewardName] {
		return GrantResult{Success: false, FailureReason: "外部系统发放失败 (Mock)"}, nil
	}
	f.granted[userID] = append(f.granted[userID], reward.RewardID)
	return GrantResult{
		Success:       true,
		TransactionID: fmt.Sprintf("mock_tx_%s", uuid.New().String()),
	}, nil
}
