package store

import (
	"context"

	"event_claims/internal/model"
	"event_claims/internal/saga"

	"gorm.io/gorm"
)

// Allocator 基于单条条件更新的库存分配器，实现 saga.Allocator。
// 正确性完全依赖存储层单行条件更新的原子性，不使用应用层锁。
type Allocator struct {
	db *gorm.DB
}

func NewAllocator(db *gorm.DB) *Allocator {
	return &Allocator{db: db}
}

// Allocate 原子扣减一件库存：仅当写入瞬间 remaining_stock >= 1 才 -1。
// 影响 0 行即库存不足——真实售罄还是输掉并发竞争，对调用方无区别。
func (a *Allocator) Allocate(ctx context.Context, eventID, rewardID uint) (bool, error) {
	res := a.db.WithContext(ctx).Model(&model.Reward{}).
		Where("id = ? AND event_id = ? AND total_stock <> ? AND remaining_stock >= 1",
			rewardID, eventID, model.UnlimitedStock).
		UpdateColumn("remaining_stock", gorm.Expr("remaining_stock - 1"))
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	// 区分「库存不足」与「快照奖励已不在活动里」（后者是严重的数据不一致）。
	var count int64
	if err := a.db.WithContext(ctx).Model(&model.Reward{}).
		Where("id = ? AND event_id = ?", rewardID, eventID).
		Count(&count).Error; err != nil {
		return false, err
	}
	if count == 0 {
		return false, saga.ErrRewardNotFound
	}
	return false, nil
}

// Release 对称的 +1 回补，封顶 totalStock；已达封顶时是无操作。
func (a *Allocator) Release(ctx context.Context, eventID, rewardID uint) error {
	return a.db.WithContext(ctx).Model(&model.Reward{}).
		Where("id = ? AND event_id = ? AND total_stock <> ? AND remaining_stock < total_stock",
			rewardID, eventID, model.UnlimitedStock).
		UpdateColumn("remaining_stock", gorm.Expr("remaining_stock + 1")).Error
}
