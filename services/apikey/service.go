package apikey

import (
	"context"
	"fmt"
	"time"

	"shopkey-licensing/pkg/errutil"
	"shopkey-licensing/pkg/repository"
	"shopkey-licensing/pkg/security"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const keyIDPrefix = "sk_live"

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	repo repository.Repository[APIKey]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
		repo: repository.ProvideStore[APIKey](p.DB),
	}
}

type CreateKeyRequest struct {
	Name      string
	Scopes    []string
	CreatedBy string
	ExpiresAt *time.Time
}

// CreatedKey is the only place the plaintext secret ever appears. It is
// returned once at creation and never stored.
type CreatedKey struct {
	Key    *APIKey
	Secret string
}

func (s *Service) CreateKey(ctx context.Context, req CreateKeyRequest) (*CreatedKey, error) {
	suffix, err := security.GenerateBase64Secret(12)
	if err != nil {
		return nil, errutil.Internal("failed to generate key id", err)
	}

	secret, err := security.GenerateBase64Secret(32)
	if err != nil {
		return nil, errutil.Internal("failed to generate key secret", err)
	}

	hash, err := security.HashArgon2(secret)
	if err != nil {
		return nil, errutil.Internal("failed to hash key secret", err)
	}

	key := &APIKey{
		ID:         s.node.Generate().String(),
		KeyID:      fmt.Sprintf("%s_%s", keyIDPrefix, suffix),
		Name:       req.Name,
		SecretHash: hash,
		Scopes:     pq.StringArray(req.Scopes),
		Status:     APIKeyStatusActive,
		CreatedAt:  time.Now(),
		ExpiresAt:  req.ExpiresAt,
	}
	if req.CreatedBy != "" {
		key.CreatedBy = &req.CreatedBy
	}

	if err := s.repo.Create(ctx, key); err != nil {
		zap.L().Error("failed to create api key", zap.Error(err))
		return nil, errutil.Internal("failed to create api key", err)
	}

	zap.L().Info("api key created", zap.String("key_id", key.KeyID), zap.String("name", key.Name))

	return &CreatedKey{Key: key, Secret: secret}, nil
}

// VerifyKey checks a presented keyID/secret pair. Expired keys are lazily
// flipped to expired status on first use past their expiry.
func (s *Service) VerifyKey(ctx context.Context, keyID, secret string) error {
	key, err := s.repo.FindOne(ctx, &APIKey{KeyID: keyID})
	if err != nil {
		return errutil.Internal("failed to query api key", err)
	}

	if key == nil || key.Status != APIKeyStatusActive {
		return errutil.Unauthorized("invalid api key", nil)
	}

	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		if err := s.repo.Update(ctx, key.ID, map[string]any{"status": APIKeyStatusExpired}); err != nil {
			zap.L().Warn("failed to mark api key expired", zap.Error(err), zap.String("key_id", keyID))
		}
		return errutil.Unauthorized("api key expired", nil)
	}

	if !security.VerifyArgon2(secret, key.SecretHash) {
		return errutil.Unauthorized("invalid api key", nil)
	}

	return nil
}

func (s *Service) RevokeKey(ctx context.Context, keyID string) error {
	key, err := s.repo.FindOne(ctx, &APIKey{KeyID: keyID})
	if err != nil {
		return errutil.Internal("failed to query api key", err)
	}

	if key == nil {
		return errutil.NotFound("api key not found", nil)
	}

	if key.Status == APIKeyStatusRevoked {
		return nil
	}

	if err := s.repo.Update(ctx, key.ID, map[string]any{"status": APIKeyStatusRevoked}); err != nil {
		return errutil.Internal("failed to revoke api key", err)
	}

	zap.L().Info("api key revoked", zap.String("key_id", keyID))
	return nil
}

func (s *Service) ListKeys(ctx context.Context) ([]*APIKey, error) {
	keys, err := s.repo.Find(ctx, &APIKey{})
	if err != nil {
		return nil, errutil.Internal("failed to list api keys", err)
	}
	return keys, nil
}
