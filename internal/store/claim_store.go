package store

import (
	"context"
	"errors"
	"math"
	"strings"

	"event_claims/internal/model"
	"event_claims/internal/saga"

	"gorm.io/gorm"
)

// ClaimStore 领奖台账的 gorm 实现，实现 saga.Ledger。
type ClaimStore struct {
	db *gorm.DB
}

func NewClaimStore(db *gorm.DB) *ClaimStore {
	return &ClaimStore{db: db}
}

// FindByRequestID 按幂等键查找，不存在返回 (nil, nil)。
func (s *ClaimStore) FindByRequestID(ctx context.Context, requestID string) (*model.ClaimRequest, error) {
	var rec model.ClaimRequest
	err := s.db.WithContext(ctx).Where("request_id = ?", requestID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// Create 插入台账记录；request_id 唯一冲突时映射为 ErrDuplicateRequest，
// 让编排器走「别人先建好了」的重读路径。
func (s *ClaimStore) Create(ctx context.Context, rec *model.ClaimRequest) error {
	err := s.db.WithContext(ctx).Create(rec).Error
	if err != nil && errorsLikeUnique(err) {
		return saga.ErrDuplicateRequest
	}
	return err
}

// Save 整条覆盖写，每个 Saga 步骤之后调用。
func (s *ClaimStore) Save(ctx context.Context, rec *model.ClaimRequest) error {
	return s.db.WithContext(ctx).Save(rec).Error
}

// HasSucceeded 该 (userID, eventID) 是否已有领取成功的记录。
func (s *ClaimStore) HasSucceeded(ctx context.Context, userID string, eventID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.ClaimRequest{}).
		Where("user_id = ? AND event_id = ? AND status = ?", userID, eventID, model.ClaimSuccessAllGranted).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Reload 重新读取最新记录。
func (s *ClaimStore) Reload(ctx context.Context, requestID string) (*model.ClaimRequest, error) {
	return s.FindByRequestID(ctx, requestID)
}

// ListQuery 用户领奖历史的查询参数。
type ListQuery struct {
	UserID    string
	Status    string
	Page      int
	Limit     int
	SortBy    string
	SortOrder string
}

// 列表排序字段白名单：对外的 camelCase 参数映射到列名。
var claimSortColumns = map[string]string{
	"createdAt": "created_at",
	"updatedAt": "updated_at",
	"status":    "status",
}

// ListByUser 过滤、分页、排序查询用户自己的领奖记录。
// 投影剔除活动快照与补偿日志等大字段。
func (s *ClaimStore) ListByUser(ctx context.Context, q ListQuery) ([]model.ClaimSummary, int64, int, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = 10
	}
	column, ok := claimSortColumns[q.SortBy]
	if !ok {
		column = "created_at"
	}
	direction := "DESC"
	if strings.EqualFold(q.SortOrder, "asc") {
		direction = "ASC"
	}

	base := s.db.WithContext(ctx).Model(&model.ClaimRequest{}).Where("user_id = ?", q.UserID)
	if q.Status != "" {
		base = base.Where("status = ?", q.Status)
	}

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, 0, err
	}

	var recs []model.ClaimRequest
	err := base.
		Select("request_id", "user_id", "event_id", "status", "current_step",
			"processed_rewards", "failure_reason", "rewards_granted_at", "created_at", "updated_at").
		Order(column + " " + direction).
		Offset((q.Page - 1) * q.Limit).
		Limit(q.Limit).
		Find(&recs).Error
	if err != nil {
		return nil, 0, 0, err
	}

	out := make([]model.ClaimSummary, 0, len(recs))
	for _, rec := range recs {
		summary := model.ClaimSummary{
			RequestID:        rec.RequestID,
			UserID:           rec.UserID,
			EventID:          rec.EventID,
			Status:           rec.Status,
			CurrentStep:      rec.CurrentStep,
			FailureReason:    rec.FailureReason,
			RewardsGrantedAt: rec.RewardsGrantedAt,
			CreatedAt:        rec.CreatedAt,
			UpdatedAt:        rec.UpdatedAt,
		}
		for _, pr := range rec.ProcessedRewards {
			summary.ProcessedRewards = append(summary.ProcessedRewards, pr.Summary())
		}
		out = append(out, summary)
	}

	totalPages := int(math.Ceil(float64(total) / float64(q.Limit)))
	return out, total, totalPages, nil
}

// errorsLikeUnique 判断是否为唯一约束冲突（SQLite/MySQL 的报错文本都包含 UNIQUE/Duplicate）。
func errorsLikeUnique(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "unique") || strings.Contains(s, "Duplicate")
}
