package store

import (
	"context"
	"errors"
	"math"

	"event_claims/internal/model"
	"event_claims/internal/saga"

	"gorm.io/gorm"
)

// EventStore 活动与奖励目录的 CRUD，实现 saga.EventSource。
type EventStore struct {
	db *gorm.DB
}

func NewEventStore(db *gorm.DB) *EventStore {
	return &EventStore{db: db}
}

// Create 创建活动（含内嵌奖励）。
func (s *EventStore) Create(ctx context.Context, ev *model.Event) error {
	return s.db.WithContext(ctx).Create(ev).Error
}

// FindByID 返回含奖励列表的活动；不存在时返回 saga.ErrEventNotFound。
func (s *EventStore) FindByID(ctx context.Context, id uint) (*model.Event, error) {
	var ev model.Event
	err := s.db.WithContext(ctx).Preload("Rewards").First(&ev, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, saga.ErrEventNotFound
		}
		return nil, err
	}
	return &ev, nil
}

// List 按状态过滤的分页活动列表，创建时间倒序。
func (s *EventStore) List(ctx context.Context, status string, page, limit int) ([]model.Event, int64, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}

	base := s.db.WithContext(ctx).Model(&model.Event{})
	if status != "" {
		base = base.Where("status = ?", status)
	}

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, 0, err
	}

	var events []model.Event
	err := base.Preload("Rewards").
		Order("created_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, 0, 0, err
	}

	totalPages := int(math.Ceil(float64(total) / float64(limit)))
	return events, total, totalPages, nil
}

// Save 保存活动标量字段（不触碰奖励关联，奖励替换走 ReplaceRewards）。
func (s *EventStore) Save(ctx context.Context, ev *model.Event) error {
	return s.db.WithContext(ctx).Omit("Rewards").Save(ev).Error
}

// ReplaceRewards 整组替换活动的奖励定义（活动更新场景）。
func (s *EventStore) ReplaceRewards(ctx context.Context, eventID uint, rewards []model.Reward) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("event_id = ?", eventID).Delete(&model.Reward{}).Error; err != nil {
			return err
		}
		for i := range rewards {
			rewards[i].ID = 0
			rewards[i].EventID = eventID
		}
		if len(rewards) == 0 {
			return nil
		}
		return tx.Create(&rewards).Error
	})
}

// UpdateStatus 更新活动状态与修改人。
func (s *EventStore) UpdateStatus(ctx context.Context, id uint, status model.EventStatus, updatedBy string) (*model.Event, error) {
	ev, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	ev.Status = status
	ev.UpdatedBy = updatedBy
	if err := s.Save(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Delete 删除活动；不存在时返回 saga.ErrEventNotFound。
func (s *EventStore) Delete(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&model.Event{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return saga.ErrEventNotFound
	}
	return nil
}
