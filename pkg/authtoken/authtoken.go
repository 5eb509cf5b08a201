package authtoken

import (
	"fmt"
	"time"

	"shopkey-licensing/pkg/config"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"go.uber.org/fx"
)

// Manager issues and verifies the short-lived bearer tokens used by the
// admin endpoints. The flow is a deliberately standard HS256 JWT.
type Manager struct {
	secret []byte
	ttl    time.Duration
}

var Module = fx.Module("authtoken",
	fx.Provide(NewManager),
)

func NewManager(cfg *config.Config) (*Manager, error) {
	if cfg.Admin.TokenSecret == "" {
		return nil, fmt.Errorf("admin token secret is not configured")
	}

	ttl := cfg.Admin.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &Manager{
		secret: []byte(cfg.Admin.TokenSecret),
		ttl:    ttl,
	}, nil
}

func (m *Manager) Issue(adminID string) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: m.secret},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("failed to build signer: %w", err)
	}

	now := time.Now()
	claims := jwt.Claims{
		Subject:  adminID,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(m.ttl)),
	}

	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return token, nil
}

// Verify returns the admin identifier carried by a valid token.
func (m *Manager) Verify(token string) (string, error) {
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return "", fmt.Errorf("malformed token: %w", err)
	}

	var claims jwt.Claims
	if err := parsed.Claims(m.secret, &claims); err != nil {
		return "", fmt.Errorf("invalid token signature: %w", err)
	}

	if err := claims.Validate(jwt.Expected{Time: time.Now()}); err != nil {
		return "", fmt.Errorf("token expired or not yet valid: %w", err)
	}

	return claims.Subject, nil
}
