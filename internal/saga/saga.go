package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"event_claims/internal/model"

	"go.uber.org/zap"
)

// ClaimInput 网关透传的领奖发起参数。
type ClaimInput struct {
	RequestID string
	UserID    string
	Username  string
	Roles     []string
	EventID   uint
}

// Orchestrator 驱动领奖 Saga：
// 每个步骤都以记录的当前 status 为门禁，步骤完成即落库，
// 因此重复调用会从正确的步骤继续而不是从头执行。
type Orchestrator struct {
	ledger Ledger
	events EventSource
	alloc  Allocator

	users      UserStatusProvider
	conditions ConditionEvaluator
	rewards    RewardFulfillmentProvider

	audit AuditSink
	log   *zap.Logger
	now   func() time.Time
}

// Option 可选装配项。
type Option func(*Orchestrator)

// WithAuditSink 接入终态审计事件出口。
func WithAuditSink(sink AuditSink) Option {
	return func(o *Orchestrator) { o.audit = sink }
}

// WithClock 注入时钟，测试用。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator 构造 Saga 编排器，全部协作方通过构造注入。
func NewOrchestrator(
	ledger Ledger,
	events EventSource,
	alloc Allocator,
	users UserStatusProvider,
	conditions ConditionEvaluator,
	rewards RewardFulfillmentProvider,
	log *zap.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		ledger:     ledger,
		events:     events,
		alloc:      alloc,
		users:      users,
		conditions: conditions,
		rewards:    rewards,
		log:        log,
		now:        time.Now,
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// InitiateClaim 领奖入口（幂等门禁）：
// 1. 按 request_id 查台账，命中则原样返回，不再执行任何步骤
// 2. 校验活动可寻址后做快照并创建 PENDING_VALIDATION 记录
// 3. 插入撞唯一约束视为「别人先建好了」，改为读取并返回
// 4. 同步推进 Saga 一轮，返回最新的记录状态
func (o *Orchestrator) InitiateClaim(ctx context.Context, in ClaimInput) (*model.ClaimRequest, error) {
	existing, err := o.ledger.FindByRequestID(ctx, in.RequestID)
	if err != nil {
		return nil, fmt.Errorf("lookup claim request: %w", err)
	}
	if existing != nil {
		o.log.Warn("idempotency key already processed",
			zap.String("request_id", in.RequestID),
			zap.String("status", string(existing.Status)))
		return existing, nil
	}

	ev, err := o.events.FindByID(ctx, in.EventID)
	if err != nil {
		if errors.Is(err, ErrEventNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("load event %d: %w", in.EventID, err)
	}

	rec := newClaimRequest(in, ev)
	if err := o.ledger.Create(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateRequest) {
			// 两个发起请求在竞争同一个幂等键，读已落库的那条。
			winner, findErr := o.ledger.FindByRequestID(ctx, in.RequestID)
			if findErr != nil || winner == nil {
				return nil, fmt.Errorf("claim request lost idempotency race and re-read failed: %w", err)
			}
			return winner, nil
		}
		return nil, fmt.Errorf("create claim request: %w", err)
	}
	o.log.Info("claim request created",
		zap.String("request_id", rec.RequestID),
		zap.String("user_id", rec.UserID),
		zap.Uint("event_id", rec.EventID))

	o.run(ctx, rec)

	fresh, err := o.ledger.Reload(ctx, rec.RequestID)
	if err != nil {
		return nil, fmt.Errorf("reload claim request: %w", err)
	}
	return fresh, nil
}

// newClaimRequest 以活动当前内容做不可变快照，后续活动变更不影响本次决策。
func newClaimRequest(in ClaimInput, ev *model.Event) *model.ClaimRequest {
	snap := model.EventSnapshot{
		EventName:  ev.EventName,
		Conditions: map[string]any(ev.Conditions),
		Rewards:    make([]model.RewardSnapshot, 0, len(ev.Rewards)),
	}
	processed := make([]model.ProcessedReward, 0, len(ev.Rewards))
	for _, r := range ev.Rewards {
		rs := model.RewardSnapshot{
			RewardID:        r.ID,
			RewardType:      r.RewardType,
			RewardName:      r.RewardName,
			Details:         map[string]any(r.Details),
			QuantityPerUser: r.QuantityPerUser,
			TotalStock:      r.TotalStock,
			RemainingStock:  r.RemainingStock,
		}
		snap.Rewards = append(snap.Rewards, rs)
		processed = append(processed, model.ProcessedReward{Reward: rs, GrantStatus: model.GrantPending})
	}

	return &model.ClaimRequest{
		RequestID:        in.RequestID,
		UserID:           in.UserID,
		Username:         in.Username,
		Roles:            strings.Join(in.Roles, ","),
		EventID:          in.EventID,
		EventSnapshot:    snap,
		Status:           model.ClaimPendingValidation,
		CurrentStep:      "S0_REQUEST_INITIALIZED",
		ProcessedRewards: processed,
	}
}

// run 执行一轮 Saga。任何越过步骤处理器的错误（含 panic）都在这里收口，
// 按兜底规则把记录强制置为需人工介入的终态。
func (o *Orchestrator) run(ctx context.Context, rec *model.ClaimRequest) {
	defer func() {
		if r := recover(); r != nil {
			o.failUnhandled(ctx, rec, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := o.advance(ctx, rec); err != nil {
		o.failUnhandled(ctx, rec, err)
	}
}

// advance 按 status 门禁依次推进各步骤。
// 返回的 error 只代表基础设施级故障（存储、协作方调用失败），
// 业务性失败在步骤内部落成终态并通过 cont=false 停止推进。
func (o *Orchestrator) advance(ctx context.Context, rec *model.ClaimRequest) error {
	o.log.Info("saga run starting",
		zap.String("request_id", rec.RequestID),
		zap.String("step", rec.CurrentStep),
		zap.String("status", string(rec.Status)))

	steps := []func(context.Context, *model.ClaimRequest) (bool, error){
		o.stepValidate,
		o.stepCheckConditions,
		o.stepAllocateInventory,
		o.stepGrantRewards,
		o.stepComplete,
	}
	for _, step := range steps {
		cont, err := step(ctx, rec)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}

	if rec.Status.IsTerminal() {
		o.publishAudit(ctx, rec)
	}
	return nil
}

// stepValidate S1：用户活跃、活动激活且在窗口内、该用户未曾领取成功。
// 三项校验失败均为终态，此时尚未占用任何资源，无需补偿。
func (o *Orchestrator) stepValidate(ctx context.Context, rec *model.ClaimRequest) (bool, error) {
	if rec.Status != model.ClaimPendingValidation {
		return true, nil
	}
	rec.CurrentStep = "S1_VALIDATE_USER_EVENT"

	active, err := o.users.IsActive(ctx, rec.UserID)
	if err != nil {
		return false, fmt.Errorf("user status check: %w", err)
	}
	if !active {
		return false, o.fail(ctx, rec, model.ClaimValidationFailedInactive, "用户处于非活跃状态")
	}

	ev, err := o.events.FindByID(ctx, rec.EventID)
	if err != nil && !errors.Is(err, ErrEventNotFound) {
		return false, fmt.Errorf("load event for validation: %w", err)
	}
	if ev == nil || !ev.IsCurrentlyActive(o.now()) {
		return false, o.fail(ctx, rec, model.ClaimValidationFailedEvent, "活动未激活或不在有效期内")
	}

	claimed, err := o.ledger.HasSucceeded(ctx, rec.UserID, rec.EventID)
	if err != nil {
		return false, fmt.Errorf("already-claimed check: %w", err)
	}
	if claimed {
		return false, o.fail(ctx, rec, model.ClaimValidationFailedClaimed, "已领取过该活动的奖励")
	}

	rec.Status = model.ClaimPendingConditionCheck
	if err := o.ledger.Save(ctx, rec); err != nil {
		return false, fmt.Errorf("persist after S1: %w", err)
	}
	o.log.Info("S1 validation passed", zap.String("request_id", rec.RequestID))
	return true, nil
}

// stepCheckConditions S2：用快照里的条件评估，通过后按是否存在有限库存奖励分流。
func (o *Orchestrator) stepCheckConditions(ctx context.Context, rec *model.ClaimRequest) (bool, error) {
	if rec.Status != model.ClaimPendingConditionCheck {
		return true, nil
	}
	rec.CurrentStep = "S2_CHECK_CONDITIONS"

	// 空条件对象 {} 合法（交给评估器，默认达成）；缺失快照才是异常。
	conds := rec.EventSnapshot.Conditions
	if conds == nil {
		return false, o.fail(ctx, rec, model.ClaimConditionCheckFailed, "快照中缺少活动条件信息")
	}

	met, err := o.conditions.Evaluate(ctx, rec.UserID, conds)
	if err != nil {
		return false, fmt.Errorf("condition evaluation: %w", err)
	}
	if !met {
		return false, o.fail(ctx, rec, model.ClaimConditionNotMet, "未满足活动条件")
	}

	// 全部奖励都是无限库存时跳过库存分配步骤。
	next := model.ClaimPendingRewardGrant
	for _, pr := range rec.ProcessedRewards {
		if !pr.Reward.Unlimited() {
			next = model.ClaimPendingInventoryAllocation
			break
		}
	}
	if next == model.ClaimPendingRewardGrant {
		// 直通发放时这里代替 S3 把无限库存奖励标成已分配，
		// 否则 S4 会把 PENDING 条目当作分配失败。
		for i := range rec.ProcessedRewards {
			rec.ProcessedRewards[i].GrantStatus = model.GrantInventoryAllocated
		}
	}
	rec.Status = next
	if err := o.ledger.Save(ctx, rec); err != nil {
		return false, fmt.Errorf("persist after S2: %w", err)
	}
	o.log.Info("S2 condition check passed",
		zap.String("request_id", rec.RequestID),
		zap.String("status", string(rec.Status)))
	return true, nil
}

// stepAllocateInventory S3：按序为每个奖励做条件扣减。
// 第一个失败即停止（其余保持 PENDING），并回补本轮已扣减的全部奖励。
func (o *Orchestrator) stepAllocateInventory(ctx context.Context, rec *model.ClaimRequest) (bool, error) {
	if rec.Status != model.ClaimPendingInventoryAllocation {
		return true, nil
	}
	rec.CurrentStep = "S3_ALLOCATE_INVENTORY"

	if _, err := o.events.FindByID(ctx, rec.EventID); err != nil {
		if !errors.Is(err, ErrEventNotFound) {
			return false, fmt.Errorf("load event for allocation: %w", err)
		}
		return false, o.fail(ctx, rec, model.ClaimInventoryAllocationError, "库存校验时找不到目标活动")
	}

	allAllocated := true
	for i := range rec.ProcessedRewards {
		pr := &rec.ProcessedRewards[i]
		if pr.Reward.Unlimited() {
			// 无限库存不写存储，直接视为已分配。
			pr.GrantStatus = model.GrantInventoryAllocated
			continue
		}

		ok, err := o.alloc.Allocate(ctx, rec.EventID, pr.Reward.RewardID)
		if errors.Is(err, ErrRewardNotFound) {
			pr.GrantStatus = model.GrantFailedInventoryError
			pr.FailureReason = fmt.Sprintf("原活动中找不到奖励 %d（%s）", pr.Reward.RewardID, pr.Reward.RewardName)
			rec.FailureReason = pr.FailureReason
			allAllocated = false
			break
		}
		if err != nil {
			return false, fmt.Errorf("allocate reward %d: %w", pr.Reward.RewardID, err)
		}
		if !ok {
			o.log.Warn("out of stock or lost allocation race",
				zap.String("request_id", rec.RequestID),
				zap.String("reward", pr.Reward.RewardName))
			pr.GrantStatus = model.GrantFailedOutOfStock
			allAllocated = false
			break
		}
		pr.GrantStatus = model.GrantInventoryAllocated
		o.log.Info("inventory allocated",
			zap.String("request_id", rec.RequestID),
			zap.String("reward", pr.Reward.RewardName))
	}

	if !allAllocated {
		rec.Status = model.ClaimInventoryFailedOutOfStock
		if rec.FailureReason == "" {
			rec.FailureReason = "部分奖励库存不足或分配中发生错误"
		}
		if err := o.compensateInventory(ctx, rec, false); err != nil {
			return false, err
		}
		rec.Status = model.ClaimFailedRolledBack
		if err := o.ledger.Save(ctx, rec); err != nil {
			return false, fmt.Errorf("persist after S3 rollback: %w", err)
		}
		o.log.Warn("S3 failed, inventory compensated",
			zap.String("request_id", rec.RequestID),
			zap.String("reason", rec.FailureReason))
		return false, nil
	}

	rec.Status = model.ClaimPendingRewardGrant
	if err := o.ledger.Save(ctx, rec); err != nil {
		return false, fmt.Errorf("persist after S3: %w", err)
	}
	o.log.Info("S3 inventory allocation complete", zap.String("request_id", rec.RequestID))
	return true, nil
}

// stepGrantRewards S4：逐个调用外部发放。
// 每次发放前重查用户活跃状态；第一个失败即停止并回补本轮
// 所有在 S3 扣减过库存的奖励（含已成功发放和发放失败的那个）。
func (o *Orchestrator) stepGrantRewards(ctx context.Context, rec *model.ClaimRequest) (bool, error) {
	if rec.Status != model.ClaimPendingRewardGrant {
		return true, nil
	}
	rec.CurrentStep = "S4_GRANT_REWARDS"

	allGranted := true
	for i := range rec.ProcessedRewards {
		pr := &rec.ProcessedRewards[i]
		if pr.GrantStatus != model.GrantInventoryAllocated {
			if pr.GrantStatus != model.GrantSuccess {
				allGranted = false
			}
			continue
		}

		active, err := o.users.IsActive(ctx, rec.UserID)
		if err != nil {
			return false, fmt.Errorf("user status re-check: %w", err)
		}
		if !active {
			rec.Status = model.ClaimGrantFailedUserInactive
			rec.FailureReason = "奖励发放前用户已被停用"
			allGranted = false
			break
		}

		res, err := o.rewards.Grant(ctx, rec.UserID, pr.Reward)
		if err != nil {
			return false, fmt.Errorf("grant reward %d: %w", pr.Reward.RewardID, err)
		}
		if !res.Success {
			pr.GrantStatus = model.GrantFailedExternal
			pr.FailureReason = res.FailureReason
			allGranted = false
			o.log.Warn("reward grant failed",
				zap.String("request_id", rec.RequestID),
				zap.String("reward", pr.Reward.RewardName),
				zap.String("reason", res.FailureReason))
			break
		}
		now := o.now()
		pr.GrantStatus = model.GrantSuccess
		pr.TransactionID = res.TransactionID
		pr.ProcessedAt = &now
		o.log.Info("reward granted",
			zap.String("request_id", rec.RequestID),
			zap.String("reward", pr.Reward.RewardName),
			zap.String("transaction_id", res.TransactionID))
	}

	if !allGranted {
		if rec.Status != model.ClaimGrantFailedUserInactive {
			rec.Status = model.ClaimGrantFailedExternal
			if rec.FailureReason == "" {
				rec.FailureReason = "部分奖励发放失败"
			}
		}
		// 已成功发放的外部奖励不做撤销（发放服务无撤销口径），
		// 只回补其库存并落审计日志。
		if err := o.compensateInventory(ctx, rec, true); err != nil {
			return false, err
		}
		rec.Status = model.ClaimFailedRolledBack
		if err := o.ledger.Save(ctx, rec); err != nil {
			return false, fmt.Errorf("persist after S4 rollback: %w", err)
		}
		o.log.Warn("S4 failed, inventory compensated",
			zap.String("request_id", rec.RequestID),
			zap.String("reason", rec.FailureReason))
		return false, nil
	}

	now := o.now()
	rec.Status = model.ClaimSuccessAllGranted
	rec.RewardsGrantedAt = &now
	if err := o.ledger.Save(ctx, rec); err != nil {
		return false, fmt.Errorf("persist after S4: %w", err)
	}
	o.log.Info("S4 all rewards granted", zap.String("request_id", rec.RequestID))
	return true, nil
}

// stepComplete S5：终局标记，可重入。
func (o *Orchestrator) stepComplete(ctx context.Context, rec *model.ClaimRequest) (bool, error) {
	if rec.Status != model.ClaimSuccessAllGranted && rec.Status != model.ClaimFailedRolledBack {
		return true, nil
	}
	rec.CurrentStep = "S5_COMPLETED"
	if err := o.ledger.Save(ctx, rec); err != nil {
		return false, fmt.Errorf("persist after S5: %w", err)
	}
	o.log.Info("saga completed",
		zap.String("request_id", rec.RequestID),
		zap.String("status", string(rec.Status)))
	return false, nil
}

// compensateInventory 回补本轮 Saga 扣减过的库存。
// grantFailureRollback=true 时连同 SUCCESS 和 FAILED_EXTERNAL 的奖励一起回补
//（发放阶段失败的整体回滚：这两种状态的库存都在 S3 被扣减过）。
// 每个条目只会回补一次：回补后 grantStatus 翻到 ROLLED_BACK_INVENTORY，
// 重复补偿调用自然跳过。
func (o *Orchestrator) compensateInventory(ctx context.Context, rec *model.ClaimRequest, grantFailureRollback bool) error {
	o.log.Warn("compensating inventory",
		zap.String("request_id", rec.RequestID),
		zap.Bool("grant_failure_rollback", grantFailureRollback))

	for i := range rec.ProcessedRewards {
		pr := &rec.ProcessedRewards[i]
		touched := pr.GrantStatus == model.GrantInventoryAllocated ||
			(grantFailureRollback &&
				(pr.GrantStatus == model.GrantSuccess || pr.GrantStatus == model.GrantFailedExternal))
		if !touched {
			continue
		}

		if !pr.Reward.Unlimited() {
			if err := o.alloc.Release(ctx, rec.EventID, pr.Reward.RewardID); err != nil {
				return fmt.Errorf("release reward %d: %w", pr.Reward.RewardID, err)
			}
			rec.CompensatingActionsLog = append(rec.CompensatingActionsLog, model.CompensationEntry{
				Step:       rec.CurrentStep,
				RewardID:   pr.Reward.RewardID,
				RewardName: pr.Reward.RewardName,
				Action:     "INVENTORY_RELEASED",
				OccurredAt: o.now(),
			})
			o.log.Info("inventory released",
				zap.String("request_id", rec.RequestID),
				zap.String("reward", pr.Reward.RewardName))
		}
		pr.GrantStatus = model.GrantRolledBackInventory
	}
	return nil
}

// fail 把记录落成业务终态并持久化。
func (o *Orchestrator) fail(ctx context.Context, rec *model.ClaimRequest, status model.ClaimStatus, reason string) error {
	rec.Status = status
	rec.FailureReason = reason
	if err := o.ledger.Save(ctx, rec); err != nil {
		return fmt.Errorf("persist terminal status %s: %w", status, err)
	}
	o.log.Warn("saga terminated",
		zap.String("request_id", rec.RequestID),
		zap.String("status", string(status)),
		zap.String("reason", reason))
	return nil
}

// failUnhandled 兜底：步骤处理器抛出的任何错误到这里收口。
// 先从台账重读最新记录（避免覆盖内存副本之后的更新），
// 非终态才强制置为 COMPENSATION_FAILED_MANUAL_INTERVENTION_REQUIRED。
// 连兜底落库都失败时只记日志，这是最后一道防线。
func (o *Orchestrator) failUnhandled(ctx context.Context, rec *model.ClaimRequest, cause error) {
	o.log.Error("unhandled saga error",
		zap.String("request_id", rec.RequestID),
		zap.String("step", rec.CurrentStep),
		zap.Error(cause))

	target, err := o.ledger.Reload(ctx, rec.RequestID)
	if err != nil || target == nil {
		o.log.Error("CRITICAL: reload failed during unhandled-error finalization",
			zap.String("request_id", rec.RequestID), zap.Error(err))
		target = rec
	}
	if target.Status.IsTerminal() {
		return
	}

	target.Status = model.ClaimCompensationFailed
	target.FailureReason = fmt.Sprintf("Saga 执行中出现未处理的严重错误: %v", cause)
	if target.CurrentStep == "" {
		target.CurrentStep = "UNKNOWN_ERROR_STEP_AT_EXCEPTION"
	}
	if err := o.ledger.Save(ctx, target); err != nil {
		o.log.Error("CRITICAL: failed to persist manual-intervention state",
			zap.String("request_id", target.RequestID), zap.Error(err))
		return
	}
	o.publishAudit(ctx, target)
}

// publishAudit 终态审计事件出口，未接入或失败都不影响主流程。
func (o *Orchestrator) publishAudit(ctx context.Context, rec *model.ClaimRequest) {
	if o.audit == nil {
		return
	}
	if err := o.audit.PublishTerminal(ctx, rec); err != nil {
		o.log.Warn("publish claim audit event",
			zap.String("request_id", rec.RequestID), zap.Error(err))
	}
}
