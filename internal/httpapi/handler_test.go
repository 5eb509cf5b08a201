package httpapi

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"shopkey-licensing/pkg/authtoken"
	"shopkey-licensing/pkg/config"
	"shopkey-licensing/pkg/health"
	"shopkey-licensing/pkg/signing"
	"shopkey-licensing/services/apikey"
	"shopkey-licensing/services/license"
	"shopkey-licensing/services/submission"
	"shopkey-licensing/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) (http.Handler, *apikey.Service) {
	t.Helper()

	db := testutil.NewTestDB(t,
		&submission.UserSubmission{},
		&license.LicenseKey{},
		&license.LicenseStatusLog{},
		&license.VerificationLog{},
		&apikey.APIKey{},
	)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Admin.Username = "admin"
	cfg.Admin.Password = "swordfish"
	cfg.Admin.TokenSecret = "0123456789abcdef0123456789abcdef"

	licenses := license.NewService(license.ServiceParams{
		DB:     db,
		Node:   node,
		Codec:  license.NewCodec(signing.NewStaticProvider(priv)),
		Config: cfg,
	})

	apikeys := apikey.NewService(apikey.ServiceParams{DB: db, Node: node})

	tokens, err := authtoken.NewManager(cfg)
	require.NoError(t, err)

	handler := NewHandler(HandlerParams{
		Licenses: licenses,
		APIKeys:  apikeys,
		Tokens:   tokens,
		Config:   cfg,
	})

	hs := health.ProvideHealth(health.HealthParams{DB: db})

	return NewRouter(handler, hs), apikeys
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func submissionBody(machineID string) gin.H {
	return gin.H{
		"name":             "Budi Santoso",
		"machineId":        machineID,
		"shopName":         "Toko Sinar Jaya",
		"email":            "budi@example.com",
		"numberOfCashiers": 2,
	}
}

func adminToken(t *testing.T, router http.Handler) string {
	t.Helper()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/admin/token", gin.H{
		"username": "admin",
		"password": "swordfish",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmissionFlow(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/submissions", submissionBody("MACHINE-200"), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		ID         string `json:"id"`
		LicenseKey string `json:"licenseKey"`
		Status     string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	require.NotEmpty(t, created.LicenseKey)
	require.Equal(t, "active", created.Status)

	// Second request for the same machine is rejected.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/submissions", submissionBody("MACHINE-200"), nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmissionValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/submissions", gin.H{"name": "Budi"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyRequiresAPIKey(t *testing.T) {
	router, apikeys := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/licenses/verify?machine_id=MACHINE-201", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	created, err := apikeys.CreateKey(context.Background(), apikey.CreateKeyRequest{Name: "pos"})
	require.NoError(t, err)
	credential := fmt.Sprintf("%s.%s", created.Key.KeyID, created.Secret)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/submissions", submissionBody("MACHINE-201"), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/licenses/verify?machine_id=MACHINE-201", nil, map[string]string{
		"X-API-Key": credential,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		Valid   bool   `json:"valid"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.True(t, result.Valid)
	require.Equal(t, "License is valid", result.Message)

	// Unknown machines answer 404, with the reason in the body.
	rec = doJSON(t, router, http.MethodGet, "/api/v1/licenses/verify?machine_id=MACHINE-999", nil, map[string]string{
		"X-API-Key": credential,
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.False(t, result.Valid)
	require.Equal(t, "No license found for this machine ID", result.Message)
}

func TestVerifyInvalidLicenseAnswers404(t *testing.T) {
	router, apikeys := newTestRouter(t)

	created, err := apikeys.CreateKey(context.Background(), apikey.CreateKeyRequest{Name: "pos"})
	require.NoError(t, err)
	headers := map[string]string{"X-API-Key": created.Key.KeyID + "." + created.Secret}

	rec := doJSON(t, router, http.MethodPost, "/api/v1/submissions", submissionBody("MACHINE-203"), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var lic struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lic))

	auth := map[string]string{"Authorization": "Bearer " + adminToken(t, router)}
	rec = doJSON(t, router, http.MethodPost, "/api/v1/licenses/"+lic.ID+"/revoke", gin.H{"reason": "refund"}, auth)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/licenses/verify?machine_id=MACHINE-203", nil, headers)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var result struct {
		Valid   bool   `json:"valid"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.False(t, result.Valid)
	require.Equal(t, "License is revoked", result.Message)
}

func TestAdminTokenRejectsBadCredentials(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/admin/token", gin.H{
		"username": "admin",
		"password": "wrong",
	}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminEndpointsRequireToken(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/licenses", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/licenses", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminLicenseLifecycle(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/submissions", submissionBody("MACHINE-202"), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	auth := map[string]string{"Authorization": "Bearer " + adminToken(t, router)}

	rec = doJSON(t, router, http.MethodPatch, "/api/v1/licenses/"+created.ID+"/status", gin.H{
		"status": "inactive",
		"reason": "payment overdue",
	}, auth)
	require.Equal(t, http.StatusOK, rec.Code)

	var lic struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lic))
	require.Equal(t, "inactive", lic.Status)

	// Revoke with no body at all: the reason is optional.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/licenses/"+created.ID+"/revoke", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)

	// Revoked is terminal.
	rec = doJSON(t, router, http.MethodPatch, "/api/v1/licenses/"+created.ID+"/status", gin.H{
		"status": "active",
	}, auth)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/licenses?limit=10", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/licenses/"+created.ID, nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/licenses/missing", nil, auth)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminAPIKeyManagement(t *testing.T) {
	router, _ := newTestRouter(t)

	auth := map[string]string{"Authorization": "Bearer " + adminToken(t, router)}

	rec := doJSON(t, router, http.MethodPost, "/api/v1/apikeys", gin.H{
		"name":   "pos-installer",
		"scopes": []string{"licenses.verify"},
	}, auth)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		KeyID  string `json:"keyId"`
		Secret string `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.KeyID)
	require.NotEmpty(t, created.Secret)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/apikeys", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/api/v1/apikeys/"+created.KeyID, nil, auth)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// The revoked key no longer authenticates the verify endpoint.
	rec = doJSON(t, router, http.MethodGet, "/api/v1/licenses/verify?machine_id=M", nil, map[string]string{
		"X-API-Key": created.KeyID + "." + created.Secret,
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
