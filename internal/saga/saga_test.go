package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"event_claims/internal/model"

	"gorm.io/datatypes"
)

// memLedger 内存版台账，语义与 store.ClaimStore 对齐。
type memLedger struct {
	mu      sync.Mutex
	byKey   map[string]*model.ClaimRequest
	nextID  uint
	saveErr error
}

func newMemLedger() *memLedger {
	return &memLedger{byKey: make(map[string]*model.ClaimRequest), nextID: 1}
}

func cloneClaim(rec *model.ClaimRequest) *model.ClaimRequest {
	c := *rec
	c.ProcessedRewards = append([]model.ProcessedReward(nil), rec.ProcessedRewards...)
	c.CompensatingActionsLog = append([]model.CompensationEntry(nil), rec.CompensatingActionsLog...)
	return &c
}

func (l *memLedger) FindByRequestID(ctx context.Context, requestID string) (*model.ClaimRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.byKey[requestID]
	if !ok {
		return nil, nil
	}
	return cloneClaim(rec), nil
}

func (l *memLedger) Create(ctx context.Context, rec *model.ClaimRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byKey[rec.RequestID]; ok {
		return ErrDuplicateRequest
	}
	rec.ID = l.nextID
	l.nextID++
	l.byKey[rec.RequestID] = cloneClaim(rec)
	return nil
}

func (l *memLedger) Save(ctx context.Context, rec *model.ClaimRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.saveErr != nil {
		return l.saveErr
	}
	l.byKey[rec.RequestID] = cloneClaim(rec)
	return nil
}

func (l *memLedger) HasSucceeded(ctx context.Context, userID string, eventID uint) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range l.byKey {
		if rec.UserID == userID && rec.EventID == eventID && rec.Status == model.ClaimSuccessAllGranted {
			return true, nil
		}
	}
	return false, nil
}

func (l *memLedger) Reload(ctx context.Context, requestID string) (*model.ClaimRequest, error) {
	return l.FindByRequestID(ctx, requestID)
}

// memCatalog 内存版活动目录，同时扮演 EventSource 与 Allocator。
// 扣减与回补语义对齐 store.Allocator 的条件更新。
type memCatalog struct {
	mu         sync.Mutex
	events     map[uint]*model.Event
	allocCalls int
}

func newMemCatalog(events ...*model.Event) *memCatalog {
	c := &memCatalog{events: make(map[uint]*model.Event)}
	for _, ev := range events {
		c.events[ev.ID] = ev
	}
	return c
}

func (c *memCatalog) FindByID(ctx context.Context, id uint) (*model.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev, ok := c.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	out := *ev
	out.Rewards = append([]model.Reward(nil), ev.Rewards...)
	return &out, nil
}

func (c *memCatalog) Allocate(ctx context.Context, eventID, rewardID uint) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allocCalls++
	ev, ok := c.events[eventID]
	if !ok {
		return false, ErrRewardNotFound
	}
	for i := range ev.Rewards {
		r := &ev.Rewards[i]
		if r.ID != rewardID {
			continue
		}
		if r.TotalStock == model.UnlimitedStock || r.RemainingStock < 1 {
			return false, nil
		}
		r.RemainingStock--
		return true, nil
	}
	return false, ErrRewardNotFound
}

func (c *memCatalog) Release(ctx context.Context, eventID, rewardID uint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev, ok := c.events[eventID]
	if !ok {
		return nil
	}
	for i := range ev.Rewards {
		r := &ev.Rewards[i]
		if r.ID == rewardID && r.RemainingStock < r.TotalStock {
			r.RemainingStock++
		}
	}
	return nil
}

func (c *memCatalog) remaining(eventID, rewardID uint) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.events[eventID].Rewards {
		if r.ID == rewardID {
			return r.RemainingStock
		}
	}
	return -999
}

// memAudit 记录所有发布的终态审计事件。
type memAudit struct {
	mu   sync.Mutex
	recs []*model.ClaimRequest
}

func (a *memAudit) PublishTerminal(ctx context.Context, rec *model.ClaimRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, cloneClaim(rec))
	return nil
}

func (a *memAudit) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.recs)
}

// flakyUsers 第一次回答活跃，之后回答停用，模拟发放前用户被停用。
type flakyUsers struct {
	mu    sync.Mutex
	calls int
}

func (u *flakyUsers) IsActive(ctx context.Context, userID string) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	return u.calls == 1, nil
}

// errEvaluator 条件评估基础设施故障。
type errEvaluator struct{}

func (errEvaluator) Evaluate(ctx context.Context, userID string, conditions map[string]any) (bool, error) {
	return false, errors.New("condition service unavailable")
}

func activeEvent(id uint, rewards ...model.Reward) *model.Event {
	now := time.Now()
	return &model.Event{
		ID:         id,
		EventName:  fmt.Sprintf("测试活动-%d", id),
		Conditions: datatypes.JSONMap{"type": "ALWAYS_TRUE"},
		Status:     model.EventActive,
		StartTime:  now.Add(-time.Hour),
		EndTime:    now.Add(time.Hour),
		Rewards:    rewards,
	}
}

func finiteReward(id uint, eventID uint, name string, stock int64) model.Reward {
	return model.Reward{
		ID: id, EventID: eventID,
		RewardType: model.RewardPoint, RewardName: name,
		QuantityPerUser: 1, TotalStock: stock, RemainingStock: stock,
	}
}

func unlimitedReward(id uint, eventID uint, name string) model.Reward {
	return model.Reward{
		ID: id, EventID: eventID,
		RewardType: model.RewardCoupon, RewardName: name,
		QuantityPerUser: 1,
		TotalStock:      model.UnlimitedStock, RemainingStock: model.UnlimitedStock,
	}
}

type fixture struct {
	ledger  *memLedger
	catalog *memCatalog
	audit   *memAudit
	users   *InMemoryUserDirectory
	fulfill *InMemoryFulfillment
	orch    *Orchestrator
}

func newFixture(t *testing.T, events ...*model.Event) *fixture {
	t.Helper()
	f := &fixture{
		ledger:  newMemLedger(),
		catalog: newMemCatalog(events...),
		audit:   &memAudit{},
		users:   NewInMemoryUserDirectory(),
		fulfill: NewInMemoryFulfillment(),
	}
	f.orch = NewOrchestrator(
		f.ledger, f.catalog, f.catalog,
		f.users, NewRuleConditionEvaluator(), f.fulfill,
		nil,
		WithAuditSink(f.audit),
	)
	return f
}

func claim(requestID, userID string, eventID uint) ClaimInput {
	return ClaimInput{
		RequestID: requestID,
		UserID:    userID,
		Username:  userID,
		Roles:     []string{"USER"},
		EventID:   eventID,
	}
}

func TestClaimSuccess(t *testing.T) {
	ev := activeEvent(1,
		finiteReward(10, 1, "限量积分", 5),
		unlimitedReward(11, 1, "无限优惠券"),
	)
	f := newFixture(t, ev)

	rec, err := f.orch.InitiateClaim(context.Background(), claim("req-1", "user-1", 1))
	if err != nil {
		t.Fatalf("InitiateClaim: %v", err)
	}
	if rec.Status != model.ClaimSuccessAllGranted {
		t.Fatalf("status = %s, want %s", rec.Status, model.ClaimSuccessAllGranted)
	}
	if rec.CurrentStep != "S5_COMPLETED" {
		t.Errorf("current step = %s, want S5_COMPLETED", rec.CurrentStep)
	}
	if rec.RewardsGrantedAt == nil {
		t.Error("RewardsGrantedAt not set")
	}
	for _, pr := range rec.ProcessedRewards {
		if pr.GrantStatus != model.GrantSuccess {
			t.Errorf("reward %s grant status = %s", pr.Reward.RewardName, pr.GrantStatus)
		}
		if pr.TransactionID == "" {
			t.Errorf("reward %s missing transaction id", pr.Reward.RewardName)
		}
	}
	if got := f.catalog.remaining(1, 10); got != 4 {
		t.Errorf("remaining stock = %d, want 4", got)
	}
	if len(f.fulfill.Granted("user-1")) != 2 {
		t.Errorf("granted rewards = %d, want 2", len(f.fulfill.Granted("user-1")))
	}
	if f.audit.count() != 1 {
		t.Errorf("audit events = %d, want 1", f.audit.count())
	}
}

func TestIdempotentReplay(t *testing.T) {
	ev := activeEvent(1, finiteReward(10, 1, "限量积分", 5))
	f := newFixture(t, ev)
	ctx := context.Background()

	first, err := f.orch.InitiateClaim(ctx, claim("req-1", "user-1", 1))
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	second, err := f.orch.InitiateClaim(ctx, claim("req-1", "user-1", 1))
	if err != nil {
		t.Fatalf("replay claim: %v", err)
	}

	if second.RequestID != first.RequestID || second.Status != first.Status {
		t.Errorf("replay returned different record: %s/%s vs %s/%s",
			second.RequestID, second.Status, first.RequestID, first.Status)
	}
	if got := f.catalog.remaining(1, 10); got != 4 {
		t.Errorf("stock consumed more than once: remaining = %d, want 4", got)
	}
	if len(f.fulfill.Granted("user-1")) != 1 {
		t.Errorf("rewards granted more than once: %d", len(f.fulfill.Granted("user-1")))
	}
}

func TestConcurrentSameIdempotencyKey(t *testing.T) {
	ev := activeEvent(1, finiteReward(10, 1, "限量积分", 100))
	f := newFixture(t, ev)

	const goroutines = 20
	var wg sync.WaitGroup
	errs := make(chan error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.InitiateClaim(context.Background(), claim("req-race", "user-1", 1))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent claim: %v", err)
		}
	}

	if got := f.catalog.remaining(1, 10); got != 99 {
		t.Errorf("remaining stock = %d, want 99 (single consumption)", got)
	}
	if len(f.fulfill.Granted("user-1")) != 1 {
		t.Errorf("granted %d times, want 1", len(f.fulfill.Granted("user-1")))
	}
}

func TestConcurrentDistinctUsersNoOverclaim(t *testing.T) {
	const stock = 3
	ev := activeEvent(1, finiteReward(10, 1, "限量稀有道具", stock))
	f := newFixture(t, ev)

	const users = 12
	var wg sync.WaitGroup
	results := make([]*model.ClaimRequest, users)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			rec, err := f.orch.InitiateClaim(context.Background(),
				claim(fmt.Sprintf("req-%d", idx), fmt.Sprintf("user-%d", idx), 1))
			if err != nil {
				t.Errorf("claim %d: %v", idx, err)
				return
			}
			results[idx] = rec
		}(i)
	}
	wg.Wait()

	succeeded, rolledBack := 0, 0
	for _, rec := range results {
		if rec == nil {
			continue
		}
		switch rec.Status {
		case model.ClaimSuccessAllGranted:
			succeeded++
		case model.ClaimFailedRolledBack:
			rolledBack++
		default:
			t.Errorf("unexpected terminal status %s", rec.Status)
		}
	}
	if succeeded != stock {
		t.Errorf("succeeded = %d, want %d", succeeded, stock)
	}
	if rolledBack != users-stock {
		t.Errorf("rolled back = %d, want %d", rolledBack, users-stock)
	}
	if got := f.catalog.remaining(1, 10); got != 0 {
		t.Errorf("remaining stock = %d, want 0", got)
	}
}

func TestValidationFailures(t *testing.T) {
	tests := []struct {
		name       string
		userID     string
		event      *model.Event
		setup      func(f *fixture)
		wantStatus model.ClaimStatus
	}{
		{
			name:       "inactive user",
			userID:     InactiveTestUserID,
			event:      activeEvent(1, finiteReward(10, 1, "积分", 5)),
			wantStatus: model.ClaimValidationFailedInactive,
		},
		{
			name:   "event not active",
			userID: "user-1",
			event: func() *model.Event {
				ev := activeEvent(1, finiteReward(10, 1, "积分", 5))
				ev.Status = model.EventDraft
				return ev
			}(),
			wantStatus: model.ClaimValidationFailedEvent,
		},
		{
			name:   "event window expired",
			userID: "user-1",
			event: func() *model.Event {
				ev := activeEvent(1, finiteReward(10, 1, "积分", 5))
				ev.StartTime = time.Now().Add(-2 * time.Hour)
				ev.EndTime = time.Now().Add(-time.Hour)
				return ev
			}(),
			wantStatus: model.ClaimValidationFailedEvent,
		},
		{
			name:   "already claimed",
			userID: "user-1",
			event:  activeEvent(1, finiteReward(10, 1, "积分", 5)),
			setup: func(f *fixture) {
				if _, err := f.orch.InitiateClaim(context.Background(), claim("req-prev", "user-1", 1)); err != nil {
					panic(err)
				}
			},
			wantStatus: model.ClaimValidationFailedClaimed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.event)
			if tt.setup != nil {
				tt.setup(f)
			}
			before := f.catalog.remaining(1, 10)

			rec, err := f.orch.InitiateClaim(context.Background(), claim("req-x", tt.userID, 1))
			if err != nil {
				t.Fatalf("InitiateClaim: %v", err)
			}
			if rec.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", rec.Status, tt.wantStatus)
			}
			if !rec.Status.IsTerminal() {
				t.Errorf("status %s should be terminal", rec.Status)
			}
			if got := f.catalog.remaining(1, 10); got != before {
				t.Errorf("stock changed on validation failure: %d -> %d", before, got)
			}
		})
	}
}

func TestEventNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.InitiateClaim(context.Background(), claim("req-1", "user-1", 404))
	if !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("err = %v, want ErrEventNotFound", err)
	}
}

func TestConditionNotMet(t *testing.T) {
	ev := activeEvent(1, finiteReward(10, 1, "积分", 5))
	ev.Conditions = datatypes.JSONMap{"type": "ALWAYS_FALSE"}
	f := newFixture(t, ev)

	rec, err := f.orch.InitiateClaim(context.Background(), claim("req-1", "user-1", 1))
	if err != nil {
		t.Fatalf("InitiateClaim: %v", err)
	}
	if rec.Status != model.ClaimConditionNotMet {
		t.Errorf("status = %s, want %s", rec.Status, model.ClaimConditionNotMet)
	}
	if got := f.catalog.remaining(1, 10); got != 5 {
		t.Errorf("stock touched before allocation step: remaining = %d", got)
	}
}

func TestUserSpecificCondition(t *testing.T) {
	newEvent := func() *model.Event {
		ev := activeEvent(1, unlimitedReward(10, 1, "纪念优惠券"))
		ev.Conditions = datatypes.JSONMap{"type": "USER_SPECIFIC_CONDITION"}
		return ev
	}

	t.Run("qualified user", func(t *testing.T) {
		f := newFixture(t, newEvent())
		rec, err := f.orch.InitiateClaim(context.Background(), claim("req-1", ConditionMetUserID, 1))
		if err != nil {
			t.Fatalf("InitiateClaim: %v", err)
		}
		if rec.Status != model.ClaimSuccessAllGranted {
			t.Errorf("status = %s, want success", rec.Status)
		}
	})

	t.Run("unqualified user", func(t *testing.T) {
		f := newFixture(t, newEvent())
		rec, err := f.orch.InitiateClaim(context.Background(), claim("req-2", "someone_else", 1))
		if err != nil {
			t.Fatalf("InitiateClaim: %v", err)
		}
		if rec.Status != model.ClaimConditionNotMet {
			t.Errorf("status = %s, want %s", rec.Status, model.ClaimConditionNotMet)
		}
	})
}

func TestMissingConditionsSnapshot(t *testing.T) {
	ev := activeEvent(1, finiteReward(10, 1, "积分", 5))
	ev.Conditions = nil
	f := newFixture(t, ev)

	rec, err := f.orch.InitiateClaim(context.Background(), claim("req-1", "user-1", 1))
	if err != nil {
		t.Fatalf("InitiateClaim: %v", err)
	}
	if rec.Status != model.ClaimConditionCheckFailed {
		t.Errorf("status = %s, want %s", rec.Status, model.ClaimConditionCheckFailed)
	}
}

func TestEmptyConditionsObjectDefaultsToMet(t *testing.T) {
	// 空条件对象 {} 不是缺失：交给评估器，默认达成
	ev := activeEvent(1, finiteReward(10, 1, "积分", 5))
	ev.Conditions = datatypes.JSONMap{}
	f := newFixture(t, ev)

	rec, err := f.orch.InitiateClaim(context.Background(), claim("req-1", "user-1", 1))
	if err != nil {
		t.Fatalf("InitiateClaim: %v", err)
	}
	if rec.Status != model.ClaimSuccessAllGranted {
		t.Errorf("status = %s, want %s", rec.Status, model.ClaimSuccessAllGranted)
	}
}

func TestOutOfStockRollsBack(t *testing.T) {
	ev := activeEvent(1,
		finiteReward(10, 1, "充足积分", 5),
		finiteReward(11, 1, "售罄道具", 0),
	)
	f := newFixture(t, ev)

	rec, err := f.orch.InitiateClaim(context.Background(), claim("req-1", "user-1", 1))
	if err != nil {
		t.Fatalf("InitiateClaim: %v", err)
	}
	if rec.Status != model.ClaimFailedRolledBack {
		t.Fatalf("status = %s, want %s", rec.Status, model.ClaimFailedRolledBack)
	}
	if rec.FailureReason == "" {
		t.Error("failure reason empty")
	}
	// 第一个奖励扣减过又回补了
	if got := f.catalog.remaining(1, 10); got != 5 {
		t.Errorf("first reward stock = %d, want 5 after compensation", got)
	}
	if rec.ProcessedRewards[0].GrantStatus != model.GrantRolledBackInventory {
		t.Errorf("first reward status = %s, want %s",
			rec.ProcessedRewards[0].GrantStatus, model.GrantRolledBackInventory)
	}
	if rec.ProcessedRewards[1].GrantStatus != model.GrantFailedOutOfStock {
		t.Errorf("second reward status = %s, want %s",
			rec.ProcessedRewards[1].GrantStatus, model.GrantFailedOutOfStock)
	}
	if len(rec.CompensatingActionsLog) != 1 {
		t.Errorf("compensation log entries = %d, want 1", len(rec.CompensatingActionsLog))
	}
	if len(f.fulfill.Granted("user-1")) != 0 {
		t.Error("rewards granted despite allocation failure")
	}
}

func TestGrantFailureCompensatesAllAllocated(t *testing.T) {
	ev := activeEvent(1,
		finiteReward(10, 1, "先发放的积分", 5),
		finiteReward(11, 1, FailingRewardName, 5),
	)
	f := newFixture(t, ev)

	rec, err := f.orch.InitiateClaim(context.Background(), claim("req-1", "user-1", 1))
	if err != nil {
		t.Fatalf("InitiateClaim: %v", err)
	}
	if rec.Status != model.ClaimFailedRolledBack {
		t.Fatalf("status = %s, want %s", rec.Status, model.ClaimFailedRolledBack)
	}
	// 两个奖励在 S3 都扣减过，回滚后库存全部复原
	if got := f.catalog.remaining(1, 10); got != 5 {
		t.Errorf("first reward stock = %d, want 5", got)
	}
	if got := f.catalog.remaining(1, 11); got != 5 {
		t.Errorf("failing reward stock = %d, want 5", got)
	}
	for i, pr := range rec.ProcessedRewards {
		if pr.GrantStatus != model.GrantRolledBackInventory {
			t.Errorf("reward[%d] status = %s, want %s", i, pr.GrantStatus, model.GrantRolledBackInventory)
		}
	}
	// 失败奖励的失败原因保留在条目上
	if rec.ProcessedRewards[1].FailureReason == "" {
		t.Error("failing reward lost its failure reason")
	}
	if len(rec.CompensatingActionsLog) != 2 {
		t.Errorf("compensation log entries = %d, want 2", len(rec.CompensatingActionsLog))
	}
}

func TestUserDeactivatedBeforeGrant(t *testing.T) {
	ev := activeEvent(1, finiteReward(10, 1, "限量积分", 5))
	f := newFixture(t, ev)
	// S1 放行、S4 复查时发现用户已停用
	f.orch.users = &flakyUsers{}

	rec, err := f.orch.InitiateClaim(context.Background(), claim("req-1", "user-1", 1))
	if err != nil {
		t.Fatalf("InitiateClaim: %v", err)
	}
	if rec.Status != model.ClaimFailedRolledBack {
		t.Fatalf("status = %s, want %s", rec.Status, model.ClaimFailedRolledBack)
	}
	if !strings.Contains(rec.FailureReason, "停用") {
		t.Errorf("failure reason = %q, want user-deactivated reason", rec.FailureReason)
	}
	if got := f.catalog.remaining(1, 10); got != 5 {
		t.Errorf("stock = %d, want 5 after compensation", got)
	}
	if len(f.fulfill.Granted("user-1")) != 0 {
		t.Error("reward granted to deactivated user")
	}
}

func TestAllUnlimitedSkipsAllocation(t *testing.T) {
	ev := activeEvent(1,
		unlimitedReward(10, 1, "优惠券A"),
		unlimitedReward(11, 1, "优惠券B"),
	)
	f := newFixture(t, ev)

	rec, err := f.orch.InitiateClaim(context.Background(), claim("req-1", "user-1", 1))
	if err != nil {
		t.Fatalf("InitiateClaim: %v", err)
	}
	if rec.Status != model.ClaimSuccessAllGranted {
		t.Fatalf("status = %s, want success", rec.Status)
	}
	if f.catalog.allocCalls != 0 {
		t.Errorf("allocator called %d times for all-unlimited event, want 0", f.catalog.allocCalls)
	}
	// 直通发放路径下每个奖励都要真正发放成功
	for _, pr := range rec.ProcessedRewards {
		if pr.GrantStatus != model.GrantSuccess {
			t.Errorf("reward %s grant status = %s, want %s",
				pr.Reward.RewardName, pr.GrantStatus, model.GrantSuccess)
		}
		if pr.TransactionID == "" {
			t.Errorf("reward %s missing transaction id", pr.Reward.RewardName)
		}
	}
	if len(f.fulfill.Granted("user-1")) != 2 {
		t.Errorf("granted rewards = %d, want 2", len(f.fulfill.Granted("user-1")))
	}
}

func TestUnhandledErrorForcesManualIntervention(t *testing.T) {
	ev := activeEvent(1, finiteReward(10, 1, "积分", 5))
	f := newFixture(t, ev)
	f.orch.conditions = errEvaluator{}

	rec, err := f.orch.InitiateClaim(context.Background(), claim("req-1", "user-1", 1))
	if err != nil {
		t.Fatalf("InitiateClaim: %v", err)
	}
	if rec.Status != model.ClaimCompensationFailed {
		t.Fatalf("status = %s, want %s", rec.Status, model.ClaimCompensationFailed)
	}
	if !strings.Contains(rec.FailureReason, "未处理") {
		t.Errorf("failure reason = %q", rec.FailureReason)
	}
	if rec.CurrentStep == "" {
		t.Error("current step empty on manual-intervention record")
	}
	if f.audit.count() != 1 {
		t.Errorf("audit events = %d, want 1", f.audit.count())
	}
}

func TestTerminalRecordNotOverwrittenByFallback(t *testing.T) {
	ev := activeEvent(1, finiteReward(10, 1, "积分", 5))
	ev.Conditions = datatypes.JSONMap{"type": "ALWAYS_FALSE"}
	f := newFixture(t, ev)

	rec, err := f.orch.InitiateClaim(context.Background(), claim("req-1", "user-1", 1))
	if err != nil {
		t.Fatalf("InitiateClaim: %v", err)
	}
	if rec.Status != model.ClaimConditionNotMet {
		t.Fatalf("status = %s", rec.Status)
	}

	// 终态记录再走兜底收口也不会被改写
	f.orch.failUnhandled(context.Background(), rec, errors.New("late failure"))
	fresh, _ := f.ledger.Reload(context.Background(), "req-1")
	if fresh.Status != model.ClaimConditionNotMet {
		t.Errorf("terminal record overwritten: %s", fresh.Status)
	}
}
