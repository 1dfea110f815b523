package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/pos-override-authority/internal/credential"
	"github.com/xela07ax/pos-override-authority/internal/domain"
	"go.uber.org/zap"
)

type CredentialRepository interface {
	GetCredential(ctx context.Context, userID string) (*domain.ManagerCredential, error)
	ListCredentials(ctx context.Context) ([]domain.ManagerCredential, error)
	UpsertCredential(ctx context.Context, c *domain.ManagerCredential) error
	RevokeCredential(ctx context.Context, userID string, at time.Time) error
}

// CredentialService - выпуск, ротация и отзыв PIN менеджеров.
type CredentialService struct {
	repo   CredentialRepository
	hasher *credential.PinHasher
	logger *zap.Logger
	now    func() time.Time
}

func NewCredentialService(repo CredentialRepository, hasher *credential.PinHasher, logger *zap.Logger) *CredentialService {
	return &CredentialService{
		repo:   repo,
		hasher: hasher,
		logger: logger.Named("credentials"),
		now:    time.Now,
	}
}

func (s *CredentialService) List(ctx context.Context) ([]domain.ManagerCredential, error) {
	return s.repo.ListCredentials(ctx)
}

// Create выпускает PIN пользователю, у которого его еще нет.
func (s *CredentialService) Create(ctx context.Context, in domain.CredentialInput, createdBy string) (*domain.ManagerCredential, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	_, err := s.repo.GetCredential(ctx, in.UserID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("credential for %s already exists: %w", in.UserID, domain.ErrConflict)
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}
	return s.store(ctx, in, createdBy)
}

// Rotate заменяет PIN, уровень, лимит и срок действия существующей учетной записи.
func (s *CredentialService) Rotate(ctx context.Context, in domain.CredentialInput, updatedBy string) (*domain.ManagerCredential, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	cur, err := s.repo.GetCredential(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if in.ManagerName == "" {
		in.ManagerName = cur.ManagerName
	}
	return s.store(ctx, in, updatedBy)
}

// Revoke закрывает срок действия PIN текущим моментом.
func (s *CredentialService) Revoke(ctx context.Context, userID string) error {
	if err := s.repo.RevokeCredential(ctx, userID, s.now().UTC()); err != nil {
		return err
	}
	s.logger.Info("credential revoked", zap.String("user_id", userID))
	return nil
}

func (s *CredentialService) store(ctx context.Context, in domain.CredentialInput, actor string) (*domain.ManagerCredential, error) {
	hash, lookup, err := s.hasher.Hash(in.PIN)
	if err != nil {
		return nil, fmt.Errorf("hash pin: %w", err)
	}
	c := &domain.ManagerCredential{
		UserID:            in.UserID,
		ManagerName:       in.ManagerName,
		PinHash:           hash,
		PinLookup:         lookup,
		ApprovalLevel:     in.ApprovalLevel,
		MaxDailyOverrides: in.MaxDailyOverrides,
		ValidUntil:        in.ValidUntil,
		CreatedBy:         actor,
	}
	if err := s.repo.UpsertCredential(ctx, c); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Один PIN - один менеджер. Чей именно, не раскрываем.
			return nil, fmt.Errorf("pin is not available: %w", domain.ErrConflict)
		}
		return nil, err
	}
	s.logger.Info("credential stored",
		zap.String("user_id", c.UserID),
		zap.Stringer("approval_level", c.ApprovalLevel),
		zap.String("actor", actor))
	return c, nil
}
