package router

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"event_claims/internal/config"
	"event_claims/internal/middleware"
	"event_claims/internal/model"
	"event_claims/internal/saga"
	"event_claims/internal/store"
	rediskey "event_claims/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"gorm.io/datatypes"
)

// Setup 注册全部 HTTP 路由。
func Setup(
	r *gin.Engine,
	orch *saga.Orchestrator,
	claims *store.ClaimStore,
	events *store.EventStore,
	rdb *rd.Client,
	cfg config.AppConfig,
) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	// Events（运营侧 CRUD）
	r.POST("/events", createEvent(events))
	r.GET("/events", listEvents(events))
	r.GET("/events/:id", getEvent(events))
	r.PUT("/events/:id", updateEvent(events))
	r.PATCH("/events/:id/status", updateEventStatus(events))
	r.DELETE("/events/:id", deleteEvent(events))

	// Event claims（Saga 入口与查询）
	r.POST("/event-claims/:event_id/claim",
		middleware.RedisRateLimit(rdb, cfg.ClaimRateLimit, cfg.ClaimRateWindow),
		claimReward(orch, rdb, cfg))
	r.GET("/event-claims/me", myClaims(claims))
	r.GET("/event-claims/result/:request_id", claimResult(claims, rdb))
}

// claimReward 领奖 Saga 的 HTTP 入口。
// 网关透传的用户信息走 X-User-* 请求头，幂等键走 X-Idempotency-Key。
// 响应 202：返回首轮同步推进结束后的状态（可能已是终态）。
func claimReward(orch *saga.Orchestrator, rdb *rd.Client, cfg config.AppConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID64, err := strconv.ParseUint(c.Param("event_id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "活动ID无效"})
			return
		}

		idemKey := c.GetHeader("X-Idempotency-Key")
		if idemKey == "" {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "缺少必需请求头: X-Idempotency-Key"})
			return
		}
		userID := c.GetHeader("X-User-Id")
		rolesCSV := c.GetHeader("X-User-Roles")
		username := c.GetHeader("X-User-Name")
		if userID == "" || rolesCSV == "" || username == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code": 400,
				"msg":  "缺少必需用户信息请求头 (X-User-Id, X-User-Roles, X-User-Name)，请检查网关配置",
			})
			return
		}
		roles := splitRoles(rolesCSV)
		if len(roles) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "用户角色信息(X-User-Roles)无效"})
			return
		}

		rec, err := orch.InitiateClaim(c.Request.Context(), saga.ClaimInput{
			RequestID: idemKey,
			UserID:    userID,
			Username:  username,
			Roles:     roles,
			EventID:   uint(eventID64),
		})
		if err != nil {
			if errors.Is(err, saga.ErrEventNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "活动不存在"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}

		// 结果查询接口的快路径缓存，写失败不影响主流程。
		if rdb != nil {
			_ = rediskey.PutClaimState(c.Request.Context(), rdb,
				rec.RequestID, string(rec.Status), rec.FailureReason, cfg.ClaimStateTTL)
		}

		c.JSON(http.StatusAccepted, gin.H{
			"message":   "领奖请求已受理，正在处理，最终结果请稍后查询。",
			"requestId": rec.RequestID,
			"status":    rec.Status,
		})
	}
}

// myClaims 查询当前用户自己的领奖历史（过滤 + 分页 + 排序）。
func myClaims(claims *store.ClaimStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-Id")
		if userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "X-User-Id 请求头必填"})
			return
		}

		page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
		if err != nil || page < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "page 参数无效"})
			return
		}
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "limit 参数无效"})
			return
		}
		sortOrder := c.DefaultQuery("sortOrder", "desc")
		if sortOrder != "asc" && sortOrder != "desc" {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "sortOrder 仅支持 asc/desc"})
			return
		}

		data, total, totalPages, err := claims.ListByUser(c.Request.Context(), store.ListQuery{
			UserID:    userID,
			Status:    c.Query("status"),
			Page:      page,
			Limit:     limit,
			SortBy:    c.DefaultQuery("sortBy", "createdAt"),
			SortOrder: sortOrder,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"data":        data,
			"total":       total,
			"currentPage": page,
			"totalPages":  totalPages,
		})
	}
}

// claimResult 按 request_id 查询处理结果：Redis 缓存快路径，未命中回源台账。
func claimResult(claims *store.ClaimStore, rdb *rd.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.Param("request_id")
		if reqID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "request_id 必填"})
			return
		}

		if rdb != nil {
			state, found, err := rediskey.GetClaimState(c.Request.Context(), rdb, reqID)
			if err == nil && found {
				c.JSON(http.StatusOK, gin.H{
					"code": 0,
					"data": gin.H{
						"request_id": state.RequestID,
						"status":     state.Status,
						"reason":     state.FailureReason,
					},
				})
				return
			}
		}

		rec, err := claims.FindByRequestID(c.Request.Context(), reqID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		if rec == nil {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "request_id 不存在"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"code": 0,
			"data": gin.H{
				"request_id": rec.RequestID,
				"status":     rec.Status,
				"reason":     rec.FailureReason,
			},
		})
	}
}

type rewardPayload struct {
	RewardType      string         `json:"reward_type" binding:"required,oneof=POINT ITEM COUPON VIRTUAL_CURRENCY"`
	RewardName      string         `json:"reward_name" binding:"required"`
	Details         map[string]any `json:"details"`
	QuantityPerUser int            `json:"quantity_per_user" binding:"omitempty,min=1"`
	TotalStock      *int64         `json:"total_stock"`
}

func (p rewardPayload) toModel() model.Reward {
	qty := p.QuantityPerUser
	if qty <= 0 {
		qty = 1
	}
	total := model.UnlimitedStock
	if p.TotalStock != nil {
		total = *p.TotalStock
	}
	return model.Reward{
		RewardType:      model.RewardType(p.RewardType),
		RewardName:      p.RewardName,
		Details:         datatypes.JSONMap(p.Details),
		QuantityPerUser: qty,
		TotalStock:      total,
		RemainingStock:  model.UnlimitedStock,
	}
}

// createEvent 创建活动（含时间窗校验），初始状态 DRAFT。
func createEvent(events *store.EventStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			EventName   string          `json:"event_name" binding:"required"`
			Description string          `json:"description"`
			Conditions  map[string]any  `json:"conditions" binding:"required"`
			StartTime   string          `json:"start_time" binding:"required"`
			EndTime     string          `json:"end_time" binding:"required"`
			Rewards     []rewardPayload `json:"rewards"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		start, err := time.Parse(time.RFC3339, req.StartTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "start_time 格式错误，请用 RFC3339"})
			return
		}
		end, err := time.Parse(time.RFC3339, req.EndTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "end_time 格式错误，请用 RFC3339"})
			return
		}
		if !end.After(start) {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "end_time 必须晚于 start_time"})
			return
		}

		ev := &model.Event{
			EventName:   req.EventName,
			Description: req.Description,
			Conditions:  datatypes.JSONMap(req.Conditions),
			Status:      model.EventDraft,
			StartTime:   start,
			EndTime:     end,
			CreatedBy:   operatorID(c),
		}
		for _, rp := range req.Rewards {
			ev.Rewards = append(ev.Rewards, rp.toModel())
		}
		if err := events.Create(c.Request.Context(), ev); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": ev})
	}
}

// listEvents 按状态过滤的分页活动列表。
func listEvents(events *store.EventStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
		data, total, totalPages, err := events.List(c.Request.Context(), c.Query("status"), page, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"data":        data,
			"total":       total,
			"currentPage": page,
			"totalPages":  totalPages,
		})
	}
}

func getEvent(events *store.EventStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseEventID(c)
		if !ok {
			return
		}
		ev, err := events.FindByID(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, saga.ErrEventNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "活动不存在"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": ev})
	}
}

// updateEvent 更新活动基本信息；提供 rewards 时整组替换奖励定义。
func updateEvent(events *store.EventStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseEventID(c)
		if !ok {
			return
		}
		var req struct {
			EventName   *string          `json:"event_name"`
			Description *string          `json:"description"`
			Conditions  map[string]any   `json:"conditions"`
			StartTime   *string          `json:"start_time"`
			EndTime     *string          `json:"end_time"`
			Rewards     *[]rewardPayload `json:"rewards"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}

		ev, err := events.FindByID(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, saga.ErrEventNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "活动不存在"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}

		start, end := ev.StartTime, ev.EndTime
		if req.StartTime != nil {
			if start, err = time.Parse(time.RFC3339, *req.StartTime); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "start_time 格式错误，请用 RFC3339"})
				return
			}
		}
		if req.EndTime != nil {
			if end, err = time.Parse(time.RFC3339, *req.EndTime); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "end_time 格式错误，请用 RFC3339"})
				return
			}
		}
		if !end.After(start) {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "end_time 必须晚于 start_time"})
			return
		}

		if req.EventName != nil {
			ev.EventName = *req.EventName
		}
		if req.Description != nil {
			ev.Description = *req.Description
		}
		if req.Conditions != nil {
			ev.Conditions = datatypes.JSONMap(req.Conditions)
		}
		ev.StartTime, ev.EndTime = start, end
		ev.UpdatedBy = operatorID(c)

		if err := events.Save(c.Request.Context(), ev); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		if req.Rewards != nil {
			rewards := make([]model.Reward, 0, len(*req.Rewards))
			for _, rp := range *req.Rewards {
				rewards = append(rewards, rp.toModel())
			}
			if err := events.ReplaceRewards(c.Request.Context(), ev.ID, rewards); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
				return
			}
		}

		fresh, err := events.FindByID(c.Request.Context(), ev.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": fresh})
	}
}

// updateEventStatus 活动状态流转（DRAFT/ACTIVE/INACTIVE/EXPIRED/ARCHIVED）。
func updateEventStatus(events *store.EventStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseEventID(c)
		if !ok {
			return
		}
		var req struct {
			Status string `json:"status" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		status := model.EventStatus(req.Status)
		if !model.ValidEventStatus(status) {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "无效的活动状态: " + req.Status})
			return
		}
		ev, err := events.UpdateStatus(c.Request.Context(), id, status, operatorID(c))
		if err != nil {
			if errors.Is(err, saga.ErrEventNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "活动不存在"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": ev})
	}
}

func deleteEvent(events *store.EventStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseEventID(c)
		if !ok {
			return
		}
		if err := events.Delete(c.Request.Context(), id); err != nil {
			if errors.Is(err, saga.ErrEventNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "活动不存在"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "已删除"})
	}
}

func parseEventID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "活动ID无效"})
		return 0, false
	}
	return uint(id), true
}

// operatorID 运营操作人：网关透传的 X-User-Id，缺省用占位 ID。
func operatorID(c *gin.Context) string {
	if v := c.GetHeader("X-User-Id"); v != "" {
		return v
	}
	return "temp-operator-id"
}

func splitRoles(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
