package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/xela07ax/pos-override-authority/internal/credential"
	"github.com/xela07ax/pos-override-authority/internal/domain"
	"github.com/xela07ax/pos-override-authority/internal/infra"
	"github.com/xela07ax/pos-override-authority/internal/infra/auth"
	"github.com/xela07ax/pos-override-authority/internal/policy"
	"github.com/xela07ax/pos-override-authority/internal/repository/memory"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func discountThreshold() *domain.Threshold {
	return &domain.Threshold{
		OverrideType: domain.OverrideDiscountPercent,
		IsActive:     true,
		Levels: []domain.ApprovalLevel{
			{ID: "client-supplied", Tier: domain.TierShiftLead, MaxValue: decimal.NewFromInt(10)},
			{Tier: domain.TierManager, MaxValue: decimal.NewFromInt(25)},
			{Tier: domain.TierAdmin, IsUnlimited: true},
		},
	}
}

func TestThresholdService_WriteRefreshesCacheAndBroadcasts(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()
	sub := rdb.Subscribe(ctx, infra.RedisChanThresholdUpdate)
	t.Cleanup(func() { _ = sub.Close() })
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	store := memory.New()
	registry := policy.NewRegistry(store, zap.NewNop())
	svc := NewThresholdService(store, rdb, registry, zap.NewNop())

	th := discountThreshold()
	if err := svc.Create(ctx, th); err != nil {
		t.Fatalf("create: %v", err)
	}
	if th.ID == "" || th.Levels[0].ID == "client-supplied" {
		t.Fatalf("expected server-assigned ids, got %+v", th)
	}

	// Локальный кэш обновлен сразу, без ожидания Pub/Sub
	if got, ok := registry.Lookup(domain.OverrideDiscountPercent, domain.EvaluationContext{}); !ok || got.ID != th.ID {
		t.Fatalf("registry not refreshed: %+v %v", got, ok)
	}

	select {
	case msg := <-sub.Channel():
		if msg.Payload != "refresh" {
			t.Fatalf("unexpected payload %q", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast on threshold update channel")
	}

	// Второй активный порог в том же скоупе - конфликт
	if err := svc.Create(ctx, discountThreshold()); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if err := svc.Delete(ctx, th.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := registry.Lookup(domain.OverrideDiscountPercent, domain.EvaluationContext{}); ok {
		t.Fatal("deactivated threshold still served from cache")
	}
	stored, err := svc.GetByID(ctx, th.ID)
	if err != nil || stored.IsActive {
		t.Fatalf("expected inactive threshold to remain readable, got %+v %v", stored, err)
	}
}

func TestThresholdService_RejectsInvalidLadder(t *testing.T) {
	svc := NewThresholdService(memory.New(), nil, nil, zap.NewNop())
	th := discountThreshold()
	th.Levels[1].MaxValue = decimal.NewFromInt(5) // меньше, чем у shift_lead

	if err := svc.Create(context.Background(), th); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCredentialService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	hasher := credential.NewPinHasher("pepper", bcrypt.MinCost)
	svc := NewCredentialService(store, hasher, zap.NewNop())

	in := domain.CredentialInput{UserID: "mgr-1", ManagerName: "Anna", PIN: "4821", ApprovalLevel: domain.TierManager}
	c, err := svc.Create(ctx, in, "admin-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.PinHash == "" || c.PinHash == "4821" || c.PinLookup != hasher.Lookup("4821") {
		t.Fatal("pin must be stored hashed with lookup digest")
	}

	if _, err := svc.Create(ctx, in, "admin-1"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict for existing credential, got %v", err)
	}

	// Чужой PIN занять нельзя
	other := domain.CredentialInput{UserID: "mgr-2", PIN: "4821", ApprovalLevel: domain.TierShiftLead}
	if _, err := svc.Create(ctx, other, "admin-1"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict for colliding pin, got %v", err)
	}

	rotated, err := svc.Rotate(ctx, domain.CredentialInput{UserID: "mgr-1", PIN: "7730", ApprovalLevel: domain.TierAreaManager}, "admin-1")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.ManagerName != "Anna" || rotated.ApprovalLevel != domain.TierAreaManager {
		t.Fatalf("unexpected rotated credential %+v", rotated)
	}

	if _, err := svc.Rotate(ctx, domain.CredentialInput{UserID: "ghost", PIN: "1234", ApprovalLevel: domain.TierManager}, "admin-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := svc.Revoke(ctx, "mgr-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	list, err := svc.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %v", list, err)
	}
	if !list[0].IsExpired(time.Now().Add(time.Second)) {
		t.Fatal("revoked credential must be expired")
	}
}

func TestCredentialService_ValidatesPin(t *testing.T) {
	svc := NewCredentialService(memory.New(), credential.NewPinHasher("pepper", bcrypt.MinCost), zap.NewNop())
	_, err := svc.Create(context.Background(), domain.CredentialInput{UserID: "mgr-1", PIN: "12ab", ApprovalLevel: domain.TierManager}, "admin")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAuthService_TokenCarriesRole(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	svc := NewAuthService(memory.New(), key, time.Hour)

	if _, err := svc.RegisterUser(ctx, "anna", "Anna", "correct-horse", "manager"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.RegisterUser(ctx, "bob", "Bob", "correct-horse", "owner"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for unknown role, got %v", err)
	}

	if _, err := svc.GenerateToken(ctx, "anna", "wrong-password"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := svc.GenerateToken(ctx, "nobody", "correct-horse"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	resp, err := svc.GenerateToken(ctx, "anna", "correct-horse")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if resp.TokenType != "Bearer" || resp.ExpiresIn != 3600 {
		t.Fatalf("unexpected token response %+v", resp)
	}

	claims, err := auth.NewBaseValidator(&key.PublicKey).VerifyToken("Bearer " + resp.AccessToken)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Tier() != domain.TierManager || claims.Name != "Anna" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if claims.ExpiresAt == nil || claims.ExpiresAt.Time.Before(time.Now()) {
		t.Fatalf("bad expiry %v", claims.ExpiresAt)
	}
}
