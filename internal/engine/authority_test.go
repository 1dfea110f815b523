package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xela07ax/pos-override-authority/internal/audit"
	"github.com/xela07ax/pos-override-authority/internal/credential"
	"github.com/xela07ax/pos-override-authority/internal/domain"
	"github.com/xela07ax/pos-override-authority/internal/infra"
	"github.com/xela07ax/pos-override-authority/internal/policy"
	"github.com/xela07ax/pos-override-authority/internal/ratelimit"
	"github.com/xela07ax/pos-override-authority/internal/repository/memory"
	"github.com/xela07ax/pos-override-authority/internal/risk"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// brokenStore теряет связь с базой на записи.
type brokenStore struct {
	*memory.Store
}

func (s brokenStore) Append(context.Context, *domain.OverrideLogEntry) error {
	return errors.New("connection refused")
}

func (s brokenStore) Resolve(context.Context, domain.Resolution, *domain.OverrideLogEntry) (*domain.OverrideRequest, error) {
	return nil, errors.New("connection refused")
}

// lostAckStore фиксирует первую резолюцию, но теряет ответ базы, как при обрыве после COMMIT.
type lostAckStore struct {
	*memory.Store
	mu   sync.Mutex
	lost bool
}

func (s *lostAckStore) Resolve(ctx context.Context, res domain.Resolution, e *domain.OverrideLogEntry) (*domain.OverrideRequest, error) {
	updated, err := s.Store.Resolve(ctx, res, e)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil && !s.lost {
		s.lost = true
		return nil, errors.New("unexpected EOF")
	}
	return updated, err
}

type backend interface {
	audit.Store
	RequestStore
}

const discountThresholdID = "6f1c2e9a-3b7d-4c1e-9a5b-2d8e7f0a1b3c"

type harness struct {
	store  *memory.Store
	auth   *Authority
	clock  *testClock
	hasher *credential.PinHasher
}

func newHarness(t *testing.T, maxAttempts int, broken bool) *harness {
	t.Helper()
	if broken {
		return newHarnessWith(t, maxAttempts, func(s *memory.Store) backend { return brokenStore{s} })
	}
	return newHarnessWith(t, maxAttempts, nil)
}

// newHarnessWith позволяет подменить хранилище поверх общего memory.Store.
func newHarnessWith(t *testing.T, maxAttempts int, wrap func(*memory.Store) backend) *harness {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()
	clk := &testClock{now: time.Date(2026, 6, 12, 14, 0, 0, 0, time.UTC)}
	store := memory.New().WithClock(clk.Now)

	// Лестница: старший смены до 15%, менеджер до 35%, админ без лимита
	th := &domain.Threshold{
		ID:           discountThresholdID,
		OverrideType: domain.OverrideDiscountPercent,
		IsActive:     true,
		Levels: []domain.ApprovalLevel{
			{Tier: domain.TierShiftLead, MaxValue: decimal.NewFromInt(15)},
			{Tier: domain.TierManager, MaxValue: decimal.NewFromInt(35)},
			{Tier: domain.TierAdmin, IsUnlimited: true},
		},
	}
	if err := store.CreateThreshold(ctx, th); err != nil {
		t.Fatal(err)
	}
	reg := policy.NewRegistry(store, logger)
	if err := reg.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	var db backend = store
	if wrap != nil {
		db = wrap(store)
	}

	guard := infra.NewGuard("test", infra.AuditConfig{
		RetryAttempts: 2,
		RetryDelay:    time.Millisecond,
		CBTimeout:     time.Minute,
		CBFailures:    100,
	}, nil)
	journal := audit.NewJournal(db, guard, logger).WithClock(clk.Now)
	hasher := credential.NewPinHasher("pepper", bcrypt.MinCost)
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore().WithClock(clk.Now), maxAttempts, 15*time.Minute).WithClock(clk.Now)
	verifier := credential.NewVerifier(store, journal, limiter, hasher, logger).WithClock(clk.Now, time.UTC)

	auth := NewAuthority(risk.NewEvaluator(reg, logger), verifier, journal, db, guard, NewLocalNotifier(), nil, logger,
		Options{RequestTTL: 10 * time.Minute, CodeLength: 6}).WithClock(clk.Now)

	return &harness{store: store, auth: auth, clock: clk, hasher: hasher}
}

func (h *harness) addManager(t *testing.T, userID, pin string, tier domain.ApprovalTier) {
	t.Helper()
	hash, lookup, err := h.hasher.Hash(pin)
	if err != nil {
		t.Fatal(err)
	}
	err = h.store.UpsertCredential(context.Background(), &domain.ManagerCredential{
		UserID: userID, ManagerName: strings.ToUpper(userID), PinHash: hash, PinLookup: lookup, ApprovalLevel: tier,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (h *harness) journal(t *testing.T) []domain.OverrideLogEntry {
	t.Helper()
	items, _, err := h.store.History(context.Background(), domain.HistoryFilter{}, domain.Pagination{Limit: 200})
	if err != nil {
		t.Fatal(err)
	}
	return items
}

func TestEndToEnd_DiscountApproval(t *testing.T) {
	h := newHarness(t, 5, false)
	h.addManager(t, "mgr", "5150", domain.TierManager)
	h.addManager(t, "lead", "7272", domain.TierShiftLead)
	ctx := context.Background()

	// 1. 20% требует менеджера
	d, err := h.auth.CheckRequiresApproval(domain.OverrideDiscountPercent, decimal.NewFromInt(20), domain.EvaluationContext{})
	if err != nil {
		t.Fatal(err)
	}
	if !d.RequiresApproval || d.RequiredLevel != domain.TierManager {
		t.Fatalf("20%% must require manager, got %+v", d)
	}

	check := PinCheck{
		RequiredLevel: d.RequiredLevel,
		Origin:        "10.0.0.5",
		OverrideType:  domain.OverrideDiscountPercent,
		ThresholdID:   &d.Threshold.ID,
		Context:       domain.ContextIDs{TransactionID: "tx-42", CashierID: "c-1"},
	}

	// 2. PIN менеджера проходит
	check.PIN = "5150"
	res, err := h.auth.ValidateManagerPin(ctx, check)
	if err != nil {
		t.Fatalf("manager PIN: %v", err)
	}
	if !res.Valid || res.ManagerID != "mgr" || res.LogID == "" {
		t.Fatalf("unexpected result %+v", res)
	}

	// 3. PIN старшего смены - Unauthorized и запись с wasApproved=false
	h.clock.Advance(time.Second)
	check.PIN = "7272"
	_, err = h.auth.ValidateManagerPin(ctx, check)
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("shift lead PIN must be unauthorized, got %v", err)
	}

	entries := h.journal(t)
	if len(entries) != 2 {
		t.Fatalf("journal entries = %d, want 2", len(entries))
	}
	denied := entries[0] // новые сверху
	if denied.WasApproved || denied.DenialReason == nil || *denied.DenialReason != domain.DenialInvalidCredential {
		t.Fatalf("unexpected denial entry %+v", denied)
	}
	if approved := entries[1]; !approved.WasApproved || *approved.ApprovedBy != "mgr" || approved.Context.TransactionID != "tx-42" {
		t.Fatalf("unexpected approval entry %+v", approved)
	}
}

func TestValidateManagerPin_ExactlyOneEntryPerCall(t *testing.T) {
	h := newHarness(t, 2, false)
	h.addManager(t, "mgr", "5150", domain.TierManager)
	ctx := context.Background()

	calls := []struct {
		pin  string
		kind error
	}{
		{"0000", domain.ErrUnauthorized},
		{"5150", nil},
		{"0000", domain.ErrUnauthorized},
		{"0001", domain.ErrRateLimited},
		{"5150", domain.ErrRateLimited},
	}
	for i, c := range calls {
		_, err := h.auth.ValidateManagerPin(ctx, PinCheck{PIN: c.pin, Origin: "10.9.9.9"})
		if c.kind == nil && err != nil || c.kind != nil && !errors.Is(err, c.kind) {
			t.Fatalf("call %d: got %v, want %v", i+1, err, c.kind)
		}
		if n := len(h.journal(t)); n != i+1 {
			t.Fatalf("after call %d journal has %d entries", i+1, n)
		}
	}

	// Ошибка валидации не пишется
	if _, err := h.auth.ValidateManagerPin(ctx, PinCheck{Origin: "10.9.9.9"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("empty PIN: %v", err)
	}
	if n := len(h.journal(t)); n != len(calls) {
		t.Fatalf("validation error must not be journaled, got %d entries", n)
	}
}

func TestValidateManagerPin_FailsClosedWithoutAudit(t *testing.T) {
	h := newHarness(t, 5, true)
	h.addManager(t, "mgr", "5150", domain.TierManager)

	res, err := h.auth.ValidateManagerPin(context.Background(), PinCheck{PIN: "5150", Origin: "10.0.0.1"})
	if !errors.Is(err, domain.ErrAuditUnavailable) || res != nil {
		t.Fatalf("approval must not be granted without an audit entry, got %+v %v", res, err)
	}
}

func createDiscountRequest(t *testing.T, h *harness, value int64) *domain.OverrideRequest {
	t.Helper()
	v := decimal.NewFromInt(value)
	r, err := h.auth.CreateOverrideRequest(context.Background(), domain.CreateRequestInput{
		OverrideType: domain.OverrideDiscountPercent,
		Value:        &v,
		IDs:          domain.ContextIDs{ShiftID: "shift-1", RegisterID: "reg-3"},
		Payload:      []byte(`{"sku":"A-100"}`),
		RequestedBy:  "cashier-7",
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestCreateOverrideRequest(t *testing.T) {
	h := newHarness(t, 5, false)
	r := createDiscountRequest(t, h, 20)

	if r.RequiredLevel != domain.TierManager || r.Status != domain.RequestPending {
		t.Fatalf("unexpected request %+v", r)
	}
	if len(r.Code) != 6 || strings.ContainsAny(r.Code, "01OIL") {
		t.Fatalf("bad code %q", r.Code)
	}
	if want := h.clock.Now().Add(10 * time.Minute); !r.ExpiresAt.Equal(want) {
		t.Fatalf("expires_at = %v, want %v", r.ExpiresAt, want)
	}

	// Ниже младшего лимита - все равно минимум shift_lead
	small := createDiscountRequest(t, h, 5)
	if small.RequiredLevel != domain.TierShiftLead {
		t.Fatalf("required level = %s", small.RequiredLevel)
	}

	// Явный уровень не может понизить вычисленный
	v := decimal.NewFromInt(20)
	lower := domain.TierShiftLead
	r2, err := h.auth.CreateOverrideRequest(context.Background(), domain.CreateRequestInput{
		OverrideType: domain.OverrideDiscountPercent, Value: &v, RequiredLevel: &lower, RequestedBy: "cashier-7",
	})
	if err != nil || r2.RequiredLevel != domain.TierManager {
		t.Fatalf("explicit lower level: %+v %v", r2, err)
	}

	pending, err := h.auth.GetPendingRequests(context.Background(), domain.PendingFilter{ShiftID: "shift-1"})
	if err != nil || len(pending) != 2 {
		t.Fatalf("pending = %d, %v", len(pending), err)
	}
}

func TestResolveRequest_SecondResolutionConflicts(t *testing.T) {
	h := newHarness(t, 5, false)
	h.addManager(t, "mgr", "5150", domain.TierManager)
	ctx := context.Background()
	r := createDiscountRequest(t, h, 20)

	res, err := h.auth.ResolveRequest(ctx, ResolveInput{RequestID: r.ID, PIN: "5150", Approved: true, Origin: "10.0.0.2"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Approved || res.ManagerID != "mgr" || res.ManagerName != "MGR" || res.LogID == "" {
		t.Fatalf("unexpected result %+v", res)
	}

	h.clock.Advance(time.Second)
	_, err = h.auth.ResolveRequest(ctx, ResolveInput{RequestID: r.ID, PIN: "5150", Approved: false, Origin: "10.0.0.2"})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second resolution must conflict, got %v", err)
	}

	got, _ := h.auth.GetRequest(ctx, r.ID)
	if got.Status != domain.RequestApproved {
		t.Fatalf("terminal status changed to %s", got.Status)
	}

	entries := h.journal(t)
	if len(entries) != 2 {
		t.Fatalf("journal entries = %d, want 2", len(entries))
	}
	if entries[0].WasApproved || *entries[0].DenialReason != domain.DenialAlreadyResolved || entries[0].Context.RequestID != r.ID {
		t.Fatalf("conflict entry %+v", entries[0])
	}
	if !entries[1].WasApproved || entries[1].ID != res.LogID {
		t.Fatalf("approval entry %+v", entries[1])
	}
}

func TestResolveRequest_ConcurrentResolutionsHaveOneWinner(t *testing.T) {
	h := newHarness(t, 50, false)
	h.addManager(t, "mgr", "5150", domain.TierManager)
	r := createDiscountRequest(t, h, 20)

	const n = 8
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.auth.ResolveRequest(context.Background(), ResolveInput{
				RequestID: r.ID, PIN: "5150", Approved: i%2 == 0, Origin: "10.0.0.3",
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case !errors.Is(err, domain.ErrConflict):
			t.Fatalf("unexpected error %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
	if n := len(h.journal(t)); n != 8 {
		t.Fatalf("journal entries = %d, want one per call", n)
	}
}

func TestResolveRequest_ExpiredCannotBeResolved(t *testing.T) {
	h := newHarness(t, 5, false)
	h.addManager(t, "mgr", "5150", domain.TierManager)
	ctx := context.Background()
	r := createDiscountRequest(t, h, 20)

	h.clock.Advance(10*time.Minute + time.Second)

	got, err := h.auth.GetRequest(ctx, r.ID)
	if err != nil || got.Status != domain.RequestExpired {
		t.Fatalf("lazy expiry: %+v %v", got, err)
	}
	pending, _ := h.auth.GetPendingRequests(ctx, domain.PendingFilter{})
	if len(pending) != 0 {
		t.Fatalf("expired request is still listed as pending")
	}

	_, err = h.auth.ResolveRequest(ctx, ResolveInput{RequestID: r.ID, PIN: "5150", Approved: true, Origin: "10.0.0.4"})
	if !errors.Is(err, domain.ErrRequestExpired) {
		t.Fatalf("want ErrRequestExpired, got %v", err)
	}
	entries := h.journal(t)
	if len(entries) != 1 || *entries[0].DenialReason != domain.DenialRequestExpired {
		t.Fatalf("expired attempt must be journaled, got %+v", entries)
	}
}

func TestResolveRequest_FailedPinKeepsRequestPending(t *testing.T) {
	h := newHarness(t, 2, false)
	h.addManager(t, "lead", "7272", domain.TierShiftLead)
	h.addManager(t, "mgr", "5150", domain.TierManager)
	ctx := context.Background()
	r := createDiscountRequest(t, h, 20)

	// Уровень ниже требуемого
	_, err := h.auth.ResolveRequest(ctx, ResolveInput{RequestID: r.ID, PIN: "7272", Approved: true, Origin: "a"})
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("shift lead must not resolve manager request, got %v", err)
	}
	// Вторая неудача по той же заявке с другого устройства блокирует заявку
	_, err = h.auth.ResolveRequest(ctx, ResolveInput{RequestID: r.ID, PIN: "0000", Approved: true, Origin: "b"})
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("request key must lock, got %v", err)
	}
	_, err = h.auth.ResolveRequest(ctx, ResolveInput{RequestID: r.ID, PIN: "5150", Approved: true, Origin: "c"})
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("locked request must refuse even a valid PIN, got %v", err)
	}

	got, _ := h.auth.GetRequest(ctx, r.ID)
	if got.Status != domain.RequestPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
}

func TestResolveRequest_ByCode(t *testing.T) {
	h := newHarness(t, 5, false)
	h.addManager(t, "mgr", "5150", domain.TierManager)
	r := createDiscountRequest(t, h, 20)

	typed := strings.ToLower(r.Code[:3]) + "-" + r.Code[3:]
	res, err := h.auth.ResolveRequest(context.Background(), ResolveInput{Code: typed, PIN: "5150", Approved: false, Reason: "customer left", Origin: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Approved || res.Status != domain.RequestDenied || *res.Request.Reason != "customer left" {
		t.Fatalf("unexpected result %+v", res)
	}

	if _, err := h.auth.ResolveRequest(context.Background(), ResolveInput{Code: "ZZZZZZ", PIN: "5150", Origin: "x"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown code: %v", err)
	}
}

func TestResolveRequest_FailsClosed(t *testing.T) {
	h := newHarness(t, 5, true)
	h.addManager(t, "mgr", "5150", domain.TierManager)
	r := createDiscountRequest(t, h, 20)

	_, err := h.auth.ResolveRequest(context.Background(), ResolveInput{RequestID: r.ID, PIN: "5150", Approved: true, Origin: "x"})
	if !errors.Is(err, domain.ErrAuditUnavailable) {
		t.Fatalf("want ErrAuditUnavailable, got %v", err)
	}
	got, _ := h.auth.GetRequest(context.Background(), r.ID)
	if got.Status != domain.RequestPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
}

func TestAwaitDecision(t *testing.T) {
	h := newHarness(t, 5, false)
	h.addManager(t, "mgr", "5150", domain.TierManager)
	r := createDiscountRequest(t, h, 20)

	done := make(chan *domain.OverrideRequest, 1)
	go func() {
		got, err := h.auth.AwaitDecision(context.Background(), r.ID, 5*time.Second)
		if err != nil {
			t.Error(err)
		}
		done <- got
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := h.auth.ResolveRequest(context.Background(), ResolveInput{RequestID: r.ID, PIN: "5150", Approved: true, Origin: "x"}); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-done:
		if got == nil || got.Status != domain.RequestApproved {
			t.Fatalf("await returned %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("await did not wake up on decision")
	}

	// Таймаут без решения возвращает ожидающую заявку
	other := createDiscountRequest(t, h, 20)
	got, err := h.auth.AwaitDecision(context.Background(), other.ID, 30*time.Millisecond)
	if err != nil || got.Status != domain.RequestPending {
		t.Fatalf("timeout: %+v %v", got, err)
	}
}

func TestSweeper(t *testing.T) {
	h := newHarness(t, 5, false)
	r := createDiscountRequest(t, h, 20)

	notifier := NewLocalNotifier()
	signals, unsubscribe := notifier.Subscribe(context.Background(), r.ID)
	defer unsubscribe()

	s := NewSweeper(h.store, notifier, nil, zap.NewNop(), time.Minute)
	s.now = h.clock.Now

	if n, _ := s.SweepOnce(context.Background()); n != 0 {
		t.Fatalf("nothing is overdue yet, swept %d", n)
	}
	h.clock.Advance(11 * time.Minute)
	if n, err := s.SweepOnce(context.Background()); err != nil || n != 1 {
		t.Fatalf("swept %d, %v", n, err)
	}
	select {
	case st := <-signals:
		if st != domain.RequestExpired {
			t.Fatalf("signal %s", st)
		}
	default:
		t.Fatal("waiters must be notified about expiry")
	}

	stored, _ := h.store.GetRequest(context.Background(), r.ID)
	if stored.Status != domain.RequestExpired {
		t.Fatalf("stored status = %s", stored.Status)
	}
}

func TestRequestCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		code, err := NewRequestCode(6)
		if err != nil {
			t.Fatal(err)
		}
		if len(code) != 6 {
			t.Fatalf("len(%q) = %d", code, len(code))
		}
		for _, c := range code {
			if !strings.ContainsRune(codeAlphabet, c) {
				t.Fatalf("code %q has symbol outside the alphabet", code)
			}
		}
		seen[code] = true
	}
	if len(seen) < 195 {
		t.Fatalf("codes repeat too often: %d unique of 200", len(seen))
	}
	if got := NormalizeCode(" ab3-x9k "); got != "AB3X9K" {
		t.Fatalf("NormalizeCode = %q", got)
	}
}

func TestValidateManagerPin_UnstorableInputHasNoSideEffects(t *testing.T) {
	h := newHarness(t, 2, false)
	h.addManager(t, "mgr", "5150", domain.TierManager)
	ctx := context.Background()

	badRef := "th-discount"
	huge := decimal.RequireFromString("1e15")
	checks := []PinCheck{
		{PIN: "0000", Origin: "10.1.1.1", ThresholdID: &badRef},
		{PIN: "0000", Origin: "10.1.1.1", OriginalValue: &huge},
		{PIN: "0000", Origin: "10.1.1.1", OverrideValue: &huge},
	}
	// Больше попыток, чем порог блокировки: ни одна не должна расходовать попытки
	for round := 0; round < 2; round++ {
		for i, c := range checks {
			if _, err := h.auth.ValidateManagerPin(ctx, c); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("round %d check %d: want validation error, got %v", round, i, err)
			}
		}
	}
	if n := len(h.journal(t)); n != 0 {
		t.Fatalf("rejected input must not be journaled, got %d entries", n)
	}

	if _, err := h.auth.ValidateManagerPin(ctx, PinCheck{PIN: "5150", Origin: "10.1.1.1"}); err != nil {
		t.Fatalf("origin must not be locked by rejected input: %v", err)
	}
}

func TestValidateManagerPin_TriggeringAttemptIsInvalidCredential(t *testing.T) {
	h := newHarness(t, 2, false)
	h.addManager(t, "mgr", "5150", domain.TierManager)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Second)
		if _, err := h.auth.ValidateManagerPin(ctx, PinCheck{PIN: "0000", Origin: "10.2.2.2"}); err == nil {
			t.Fatalf("attempt %d: wrong PIN accepted", i+1)
		}
	}

	entries := h.journal(t) // новые сверху
	want := []string{domain.DenialLockedOut, domain.DenialInvalidCredential, domain.DenialInvalidCredential}
	if len(entries) != len(want) {
		t.Fatalf("journal entries = %d, want %d", len(entries), len(want))
	}
	for i, e := range entries {
		if e.DenialReason == nil || *e.DenialReason != want[i] {
			t.Fatalf("entry %d: denial reason %v, want %s", i, e.DenialReason, want[i])
		}
	}
}

func TestDailyCap_CountsOnlyVerifiedApprovals(t *testing.T) {
	h := newHarness(t, 5, false)
	ctx := context.Background()
	limit := 2
	hash, lookup, err := h.hasher.Hash("5150")
	if err != nil {
		t.Fatal(err)
	}
	err = h.store.UpsertCredential(ctx, &domain.ManagerCredential{
		UserID: "mgr", ManagerName: "MGR", PinHash: hash, PinLookup: lookup,
		ApprovalLevel: domain.TierManager, MaxDailyOverrides: &limit,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Внешние записи от имени менеджера не расходуют его лимит
	mgr := "mgr"
	for i := 0; i < limit; i++ {
		_, err := h.auth.LogOverride(ctx, domain.LogOverrideInput{
			OverrideType: domain.OverrideDiscountPercent,
			ApprovedBy:   &mgr,
			WasApproved:  true,
		}, "10.3.3.3")
		if err != nil {
			t.Fatal(err)
		}
	}

	check := PinCheck{PIN: "5150", RequiredLevel: domain.TierManager, OverrideType: domain.OverrideDiscountPercent, Origin: "10.0.0.8"}
	for i := 0; i < limit; i++ {
		res, err := h.auth.ValidateManagerPin(ctx, check)
		if err != nil {
			t.Fatalf("approval %d: %v", i+1, err)
		}
		if res.RemainingOverrides == nil || *res.RemainingOverrides != limit-i-1 {
			t.Fatalf("approval %d: remaining %v", i+1, res.RemainingOverrides)
		}
	}
	if _, err := h.auth.ValidateManagerPin(ctx, check); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("verified approvals must exhaust the cap, got %v", err)
	}

	verified := 0
	for _, e := range h.journal(t) {
		if e.Verified {
			verified++
			if !e.WasApproved || e.ApprovedBy == nil || *e.ApprovedBy != "mgr" {
				t.Fatalf("unexpected verified entry %+v", e)
			}
		}
	}
	if verified != limit {
		t.Fatalf("verified entries = %d, want %d", verified, limit)
	}
}

func TestResolveRequest_LostCommitAckIsNotAConflict(t *testing.T) {
	lost := &lostAckStore{}
	h := newHarnessWith(t, 5, func(s *memory.Store) backend {
		lost.Store = s
		return lost
	})
	h.addManager(t, "mgr", "5150", domain.TierManager)
	ctx := context.Background()
	r := createDiscountRequest(t, h, 20)

	res, err := h.auth.ResolveRequest(ctx, ResolveInput{RequestID: r.ID, PIN: "5150", Approved: true, Origin: "10.0.0.9"})
	if err != nil {
		t.Fatalf("retried resolution must be recognised as our own: %v", err)
	}
	if !res.Approved || res.Status != domain.RequestApproved {
		t.Fatalf("unexpected result %+v", res)
	}

	entries := h.journal(t)
	if len(entries) != 1 {
		t.Fatalf("journal entries = %d, want exactly one", len(entries))
	}
	if e := entries[0]; e.ID != res.LogID || !e.WasApproved || !e.Verified || e.Context.RequestID != r.ID {
		t.Fatalf("unexpected entry %+v", e)
	}
}
