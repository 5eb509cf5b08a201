package apikey

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"shopkey-licensing/pkg/errutil"
	"shopkey-licensing/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &APIKey{})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParams{DB: db, Node: node}), db
}

func TestCreateAndVerifyKey(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateKey(ctx, CreateKeyRequest{
		Name:      "pos-installer",
		Scopes:    []string{"licenses.verify"},
		CreatedBy: "admin",
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.Secret)
	require.Contains(t, created.Key.KeyID, "sk_live_")

	// Only the hash is persisted.
	var stored APIKey
	require.NoError(t, db.Where("key_id = ?", created.Key.KeyID).First(&stored).Error)
	require.NotEqual(t, created.Secret, stored.SecretHash)
	require.NotContains(t, stored.SecretHash, created.Secret)

	require.NoError(t, svc.VerifyKey(ctx, created.Key.KeyID, created.Secret))
}

func TestVerifyKeyRejectsBadCredentials(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateKey(ctx, CreateKeyRequest{Name: "pos-installer"})
	require.NoError(t, err)

	err = svc.VerifyKey(ctx, created.Key.KeyID, "wrong-secret")
	requireUnauthorized(t, err)

	err = svc.VerifyKey(ctx, "sk_live_unknown", created.Secret)
	requireUnauthorized(t, err)
}

func TestVerifyKeyRejectsRevoked(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateKey(ctx, CreateKeyRequest{Name: "pos-installer"})
	require.NoError(t, err)

	require.NoError(t, svc.RevokeKey(ctx, created.Key.KeyID))

	err = svc.VerifyKey(ctx, created.Key.KeyID, created.Secret)
	requireUnauthorized(t, err)

	// Revoking twice is a no-op.
	require.NoError(t, svc.RevokeKey(ctx, created.Key.KeyID))
}

func TestVerifyKeyExpires(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	created, err := svc.CreateKey(ctx, CreateKeyRequest{Name: "pos-installer", ExpiresAt: &past})
	require.NoError(t, err)

	err = svc.VerifyKey(ctx, created.Key.KeyID, created.Secret)
	requireUnauthorized(t, err)

	// First use past expiry flips the stored status.
	var stored APIKey
	require.NoError(t, db.Where("key_id = ?", created.Key.KeyID).First(&stored).Error)
	require.Equal(t, APIKeyStatusExpired, stored.Status)
}

func TestRevokeKeyNotFound(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.RevokeKey(context.Background(), "sk_live_missing")

	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Equal(t, errutil.StatusNotFound, be.Status())
}

func requireUnauthorized(t *testing.T, err error) {
	t.Helper()

	var be errutil.BaseError
	require.True(t, errors.As(err, &be), "expected BaseError, got %v", err)
	require.Equal(t, errutil.StatusUnauthorized, be.Status())
}
