// Package httpapi exposes the licensing services over HTTP. The public
// surface is intentionally small: one submission endpoint for installers and
// one API-key-guarded verification endpoint. Everything else sits behind the
// admin bearer token.
package httpapi

import (
	"crypto/subtle"
	"net/http"
	"time"

	"shopkey-licensing/pkg/authtoken"
	"shopkey-licensing/pkg/config"
	"shopkey-licensing/pkg/db/pagination"
	"shopkey-licensing/pkg/errutil"
	"shopkey-licensing/pkg/health"
	"shopkey-licensing/pkg/middleware"
	"shopkey-licensing/services/apikey"
	"shopkey-licensing/services/license"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		NewHandler,
		NewRouter,
	),
)

type Handler struct {
	licenses *license.Service
	apikeys  *apikey.Service
	tokens   *authtoken.Manager
	cfg      *config.Config
}

type HandlerParams struct {
	fx.In
	Licenses *license.Service
	APIKeys  *apikey.Service
	Tokens   *authtoken.Manager
	Config   *config.Config
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		licenses: p.Licenses,
		apikeys:  p.APIKeys,
		tokens:   p.Tokens,
		cfg:      p.Config,
	}
}

// NewRouter wires the gin engine consumed by the HTTP server.
func NewRouter(h *Handler, hs health.HealthService) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Error())

	r.GET("/healthz", hs.Liveness)
	r.GET("/readyz", hs.Readiness)

	v1 := r.Group("/api/v1")

	v1.POST("/submissions", h.CreateSubmission)
	v1.POST("/admin/token", h.IssueAdminToken)

	v1.GET("/licenses/verify", middleware.APIKeyAuth(h.apikeys), h.VerifyLicense)

	admin := v1.Group("", middleware.AdminAuth(h.tokens))
	admin.GET("/licenses", h.ListLicenses)
	admin.GET("/licenses/:id", h.GetLicense)
	admin.PATCH("/licenses/:id/status", h.UpdateLicenseStatus)
	admin.POST("/licenses/:id/revoke", h.RevokeLicense)
	admin.GET("/submissions", h.ListSubmissions)
	admin.POST("/apikeys", h.CreateAPIKey)
	admin.GET("/apikeys", h.ListAPIKeys)
	admin.DELETE("/apikeys/:key_id", h.RevokeAPIKey)

	return r
}

type submissionRequest struct {
	Name             string `json:"name" binding:"required"`
	MachineID        string `json:"machineId" binding:"required"`
	Phone            string `json:"phone"`
	ShopName         string `json:"shopName" binding:"required"`
	Email            string `json:"email"`
	NumberOfCashiers int    `json:"numberOfCashiers" binding:"required,min=1"`
	DaysValid        int    `json:"daysValid" binding:"omitempty,min=1"`
}

type licenseResponse struct {
	ID         string     `json:"id"`
	LicenseKey string     `json:"licenseKey"`
	MachineID  string     `json:"machineId"`
	Status     string     `json:"status"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

func toLicenseResponse(l *license.LicenseKey) licenseResponse {
	return licenseResponse{
		ID:         l.ID,
		LicenseKey: l.LicenseKey,
		MachineID:  l.MachineID,
		Status:     l.Status.String(),
		ExpiresAt:  l.ExpiresAt,
		CreatedAt:  l.CreatedAt,
	}
}

func (h *Handler) CreateSubmission(c *gin.Context) {
	var req submissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid submission payload", err))
		return
	}

	lic, err := h.licenses.CreateLicenseWithTransaction(c.Request.Context(), license.CreateLicenseRequest{
		Name:             req.Name,
		MachineID:        req.MachineID,
		Phone:            req.Phone,
		ShopName:         req.ShopName,
		Email:            req.Email,
		NumberOfCashiers: req.NumberOfCashiers,
		IPAddress:        c.ClientIP(),
		DaysValid:        req.DaysValid,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, toLicenseResponse(lic))
}

func (h *Handler) VerifyLicense(c *gin.Context) {
	machineID := c.Query("machine_id")
	if machineID == "" {
		c.Error(errutil.BadRequest("machine_id is required", nil))
		return
	}

	result, err := h.licenses.VerifyLicense(c.Request.Context(), machineID, c.ClientIP())
	if err != nil {
		c.Error(err)
		return
	}

	// An invalid license answers 404 so offline clients can branch on the
	// status code alone; the body still carries the reason.
	status := http.StatusOK
	if !result.Valid {
		status = http.StatusNotFound
	}

	c.JSON(status, result)
}

type adminTokenRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) IssueAdminToken(c *gin.Context) {
	var req adminTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid credentials payload", err))
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.cfg.Admin.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(h.cfg.Admin.Password)) == 1
	if !userOK || !passOK {
		c.Error(errutil.Unauthorized("invalid credentials", nil))
		return
	}

	token, err := h.tokens.Issue(req.Username)
	if err != nil {
		c.Error(errutil.Internal("failed to issue token", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token})
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

func (h *Handler) UpdateLicenseStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid status payload", err))
		return
	}

	lic, err := h.licenses.UpdateLicenseStatus(
		c.Request.Context(),
		c.Param("id"),
		license.LicenseStatus(req.Status),
		c.GetString(middleware.AdminIDKey),
		req.Reason,
	)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, toLicenseResponse(lic))
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) RevokeLicense(c *gin.Context) {
	// The reason is optional, so an empty body is fine.
	var req revokeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(errutil.BadRequest("invalid revoke payload", err))
			return
		}
	}

	lic, err := h.licenses.RevokeLicense(
		c.Request.Context(),
		c.Param("id"),
		c.GetString(middleware.AdminIDKey),
		req.Reason,
	)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, toLicenseResponse(lic))
}

func (h *Handler) GetLicense(c *gin.Context) {
	lic, err := h.licenses.GetLicense(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, toLicenseResponse(lic))
}

func listPagination(c *gin.Context) pagination.Pagination {
	page := pagination.Pagination{Limit: 10}
	_ = c.ShouldBindQuery(&page)
	return page
}

func (h *Handler) ListLicenses(c *gin.Context) {
	rows, page, err := h.licenses.ListLicenses(c.Request.Context(), listPagination(c))
	if err != nil {
		c.Error(err)
		return
	}

	data := make([]licenseResponse, 0, len(rows))
	for _, row := range rows {
		data = append(data, toLicenseResponse(row))
	}

	c.JSON(http.StatusOK, gin.H{"licenses": data, "page": page})
}

func (h *Handler) ListSubmissions(c *gin.Context) {
	rows, page, err := h.licenses.ListSubmissions(c.Request.Context(), listPagination(c))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"submissions": rows, "page": page})
}

type createAPIKeyRequest struct {
	Name      string     `json:"name" binding:"required"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

func (h *Handler) CreateAPIKey(c *gin.Context) {
	var req createAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid api key payload", err))
		return
	}

	created, err := h.apikeys.CreateKey(c.Request.Context(), apikey.CreateKeyRequest{
		Name:      req.Name,
		Scopes:    req.Scopes,
		CreatedBy: c.GetString(middleware.AdminIDKey),
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"keyId": created.Key.KeyID,
		// Returned exactly once. Only the argon2 hash is stored.
		"secret": created.Secret,
		"name":   created.Key.Name,
		"scopes": created.Key.Scopes,
	})
}

func (h *Handler) ListAPIKeys(c *gin.Context) {
	keys, err := h.apikeys.ListKeys(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"apiKeys": keys})
}

func (h *Handler) RevokeAPIKey(c *gin.Context) {
	if err := h.apikeys.RevokeKey(c.Request.Context(), c.Param("key_id")); err != nil {
		c.Error(err)
		return
	}

	c.Status(http.StatusNoContent)
}
