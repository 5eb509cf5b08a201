package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shopkey-licensing/pkg/config"
	"shopkey-licensing/pkg/db/option"
	"shopkey-licensing/pkg/db/pagination"
	"shopkey-licensing/pkg/errutil"
	"shopkey-licensing/pkg/repository"
	"shopkey-licensing/services/submission"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	// SystemActor is recorded as the acting admin for automated transitions.
	SystemActor = "system"

	msgNoLicense      = "No license found for this machine ID"
	msgLicenseExpired = "License has expired"
	msgLicenseValid   = "License is valid"
	msgUnknownParty   = "Unknown"
)

type Service struct {
	db          *gorm.DB
	node        *snowflake.Node
	codec       *Codec
	maxAttempts int

	licenses      repository.Repository[LicenseKey]
	statusLogs    repository.Repository[LicenseStatusLog]
	verifications repository.Repository[VerificationLog]
	submissions   repository.Repository[submission.UserSubmission]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Codec  *Codec
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	maxAttempts := config.DefaultMaxGenerationAttempts
	if p.Config != nil && p.Config.License.MaxGenerationAttempts > 0 {
		maxAttempts = p.Config.License.MaxGenerationAttempts
	}

	return &Service{
		db:          p.DB,
		node:        p.Node,
		codec:       p.Codec,
		maxAttempts: maxAttempts,

		licenses:      repository.ProvideStore[LicenseKey](p.DB),
		statusLogs:    repository.ProvideStore[LicenseStatusLog](p.DB),
		verifications: repository.ProvideStore[VerificationLog](p.DB),
		submissions:   repository.ProvideStore[submission.UserSubmission](p.DB),
	}
}

func traceFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	return []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	}
}

// CheckMachineIDExists returns the governing license row for a machine: the
// most recently created active row when one exists, otherwise the most recent
// row of any status, otherwise nil. A machine whose license was revoked or
// deactivated may therefore request a new one, while requests are blocked as
// long as an active license exists.
func (s *Service) CheckMachineIDExists(ctx context.Context, machineID string) (*LicenseKey, error) {
	sortNewest := option.WithSortBy(option.QuerySortBy{
		SortBy:  "created_at",
		OrderBy: "desc",
		Allow:   map[string]bool{"created_at": true},
	})

	active, err := s.licenses.FindOne(ctx, &LicenseKey{MachineID: machineID, Status: Active}, sortNewest)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return active, nil
	}

	return s.licenses.FindOne(ctx, &LicenseKey{MachineID: machineID}, sortNewest)
}

// generateUniqueSerial runs the collision-retry loop inside tx. Every attempt
// re-encodes, which changes the issue date and therefore the signed payload,
// so a fresh candidate is produced each round.
func (s *Service) generateUniqueSerial(ctx context.Context, tx *gorm.DB, machineID, appName string, maxUsers, daysValid int) (*EncodeResult, error) {
	licenses := s.licenses.WithTrx(tx)

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		encoded, err := s.codec.Encode(machineID, appName, maxUsers, daysValid)
		if err != nil {
			if errors.Is(err, ErrInvalidLicenseParameters) {
				return nil, errutil.ValidationFailed(err.Error(), err)
			}
			return nil, errutil.Internal("failed to encode license payload", err)
		}

		existing, err := licenses.FindOne(ctx, &LicenseKey{LicenseKey: encoded.SerialKey})
		if err != nil {
			return nil, err
		}

		if existing == nil {
			return encoded, nil
		}

		zap.L().With(traceFields(ctx)...).Warn("serial key collision, regenerating",
			zap.String("machine_id", machineID),
			zap.Int("attempt", attempt),
		)
	}

	return nil, errutil.Internal(
		fmt.Sprintf("could not generate a unique serial key in %d attempts", s.maxAttempts),
		ErrLicenseGenerationExhausted)
}

// GenerateAndStoreLicense mints a license for an already-persisted submission.
// The license insert and the submission back-link commit together or not at
// all.
func (s *Service) GenerateAndStoreLicense(ctx context.Context, sub *submission.UserSubmission) (*LicenseKey, error) {
	var created *LicenseKey

	err := s.db.Transaction(func(tx *gorm.DB) error {
		lic, err := s.issueLicense(ctx, tx, sub, 0)
		if err != nil {
			return err
		}
		created = lic
		return nil
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

// issueLicense inserts a new license row for sub and back-links the
// submission. Must run inside an open transaction.
func (s *Service) issueLicense(ctx context.Context, tx *gorm.DB, sub *submission.UserSubmission, daysValid int) (*LicenseKey, error) {
	encoded, err := s.generateUniqueSerial(ctx, tx, sub.MachineID, sub.ShopName, sub.NumberOfCashiers, daysValid)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	lic := &LicenseKey{
		ID:         s.node.Generate().String(),
		LicenseKey: encoded.SerialKey,
		MachineID:  sub.MachineID,
		Status:     Active,
		ExpiresAt:  encoded.ExpiresAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.licenses.WithTrx(tx).Create(ctx, lic); err != nil {
		return nil, err
	}

	if err := s.submissions.WithTrx(tx).Update(ctx, sub.ID, map[string]any{
		"license_key_id": lic.ID,
		"updated_at":     now,
	}); err != nil {
		return nil, err
	}

	sub.LicenseKeyID = &lic.ID
	return lic, nil
}

type CreateLicenseRequest struct {
	Name             string
	MachineID        string
	Phone            string
	ShopName         string
	Email            string
	NumberOfCashiers int
	IPAddress        string
	DaysValid        int
}

// CreateLicenseWithTransaction is the public submission entry point. The
// duplicate check happens before any write, so a rejected request leaves no
// orphan submission row. Submission insert, license insert and back-link then
// run in one transaction; if serial generation exhausts its attempts the
// whole unit rolls back, including the submission. A concurrent duplicate
// that slips past the check is stopped by the unique index on license_key
// and the transactional re-check, which fail the second insert and roll it
// back cleanly.
func (s *Service) CreateLicenseWithTransaction(ctx context.Context, req CreateLicenseRequest) (*LicenseKey, error) {
	zapLog := zap.L().With(traceFields(ctx)...)

	existing, err := s.CheckMachineIDExists(ctx, req.MachineID)
	if err != nil {
		zapLog.Error("failed to check existing license", zap.Error(err), zap.String("machine_id", req.MachineID))
		return nil, errutil.Internal("failed to check existing license", err)
	}

	if existing != nil && existing.Status == Active {
		zapLog.Warn("duplicate machine id", zap.String("machine_id", req.MachineID))
		return nil, errutil.Conflict("an active license already exists for this machine", nil)
	}

	var created *LicenseKey

	err = s.db.Transaction(func(tx *gorm.DB) error {
		// Re-validate inside the transaction: the backstop against a
		// concurrent request passing the check above.
		active, err := s.licenses.WithTrx(tx).FindOne(ctx, &LicenseKey{
			MachineID: req.MachineID,
			Status:    Active,
		})
		if err != nil {
			return err
		}
		if active != nil {
			return errutil.Conflict("an active license already exists for this machine", nil)
		}

		now := time.Now()
		sub := &submission.UserSubmission{
			ID:               s.node.Generate().String(),
			Name:             req.Name,
			MachineID:        req.MachineID,
			Phone:            req.Phone,
			ShopName:         req.ShopName,
			Email:            req.Email,
			NumberOfCashiers: req.NumberOfCashiers,
			SubmissionDate:   now,
			IPAddress:        req.IPAddress,
			CreatedAt:        now,
			UpdatedAt:        now,
		}

		if err := s.submissions.WithTrx(tx).Create(ctx, sub); err != nil {
			return err
		}

		lic, err := s.issueLicense(ctx, tx, sub, req.DaysValid)
		if err != nil {
			return err
		}

		created = lic
		return nil
	})
	if err != nil {
		if errutil.HasStatus(err, errutil.StatusConflict) || errutil.HasStatus(err, errutil.StatusValidationFailed) {
			return nil, err
		}
		zapLog.Error("failed to create license", zap.Error(err), zap.String("machine_id", req.MachineID))
		return nil, err
	}

	zapLog.Info("license issued",
		zap.String("license_id", created.ID),
		zap.String("machine_id", created.MachineID),
	)

	return created, nil
}

// UpdateLicenseStatus moves a license between active and inactive. A request
// for the current status is an idempotent no-op and writes no audit row.
// Revoked is terminal: any change attempt on a revoked license is rejected.
// Every real transition writes exactly one status log row in the same
// transaction as the status mutation.
func (s *Service) UpdateLicenseStatus(ctx context.Context, id string, newStatus LicenseStatus, adminID, reason string) (*LicenseKey, error) {
	if !newStatus.Valid() {
		return nil, errutil.BadRequest(fmt.Sprintf("unsupported license status %q", newStatus), nil)
	}

	zapLog := zap.L().With(traceFields(ctx)...)

	lic, err := s.licenses.FindOne(ctx, &LicenseKey{ID: id})
	if err != nil {
		zapLog.Error("failed to query license", zap.Error(err), zap.String("license_id", id))
		return nil, errutil.Internal("failed to query license", err)
	}

	if lic == nil {
		return nil, errutil.NotFound("license not found", nil)
	}

	if lic.Status == Revoked {
		return nil, errutil.BadRequest("license is already revoked", nil)
	}

	if lic.Status == newStatus {
		return lic, nil
	}

	oldStatus := lic.Status
	now := time.Now()

	if err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.licenses.WithTrx(tx).Update(ctx, lic.ID, map[string]any{
			"status":     newStatus,
			"updated_at": now,
		}); err != nil {
			return err
		}

		return s.statusLogs.WithTrx(tx).Create(ctx, &LicenseStatusLog{
			ID:           s.node.Generate().String(),
			LicenseKeyID: lic.ID,
			OldStatus:    oldStatus,
			NewStatus:    newStatus,
			AdminID:      adminID,
			Reason:       reason,
			CreatedAt:    now,
		})
	}); err != nil {
		zapLog.Error("failed to update license status", zap.Error(err), zap.String("license_id", id))
		return nil, errutil.Internal("failed to update license status", err)
	}

	zapLog.Info("license status changed",
		zap.String("license_id", lic.ID),
		zap.String("old_status", oldStatus.String()),
		zap.String("new_status", newStatus.String()),
		zap.String("admin_id", adminID),
	)

	lic.Status = newStatus
	lic.UpdatedAt = now
	return lic, nil
}

// RevokeLicense performs the terminal transition.
func (s *Service) RevokeLicense(ctx context.Context, id, adminID, reason string) (*LicenseKey, error) {
	return s.UpdateLicenseStatus(ctx, id, Revoked, adminID, reason)
}

type VerifiedLicense struct {
	LicenseKey   string        `json:"licenseKey"`
	Status       LicenseStatus `json:"status"`
	ShopName     string        `json:"shopName"`
	CustomerName string        `json:"customerName"`
}

type VerifyResult struct {
	Valid     bool             `json:"valid"`
	Message   string           `json:"message"`
	ExpiresAt *time.Time       `json:"expiresAt,omitempty"`
	License   *VerifiedLicense `json:"license,omitempty"`
}

// VerifyLicense answers whether a machine holds a currently valid license.
// The lookup prioritizes the active row, falling back to the most recent one,
// mirroring CheckMachineIDExists so both paths agree on the governing row.
// Every attempt is recorded in the verification log; a log write failure is
// swallowed so observability can never change the verification answer.
func (s *Service) VerifyLicense(ctx context.Context, machineID, ipAddress string) (*VerifyResult, error) {
	zapLog := zap.L().With(traceFields(ctx)...)

	lic, err := s.CheckMachineIDExists(ctx, machineID)
	if err != nil {
		zapLog.Error("failed to look up license", zap.Error(err), zap.String("machine_id", machineID))
		return nil, errutil.Internal("failed to look up license", err)
	}

	result := s.evaluate(ctx, lic)

	logStatus := VerificationFailed
	if result.Valid {
		logStatus = VerificationSuccess
	}

	var licenseKeyID *string
	if lic != nil {
		licenseKeyID = &lic.ID
	}

	if err := s.verifications.Create(ctx, &VerificationLog{
		ID:           s.node.Generate().String(),
		LicenseKeyID: licenseKeyID,
		MachineID:    machineID,
		Status:       logStatus,
		Message:      result.Message,
		IPAddress:    ipAddress,
		CreatedAt:    time.Now(),
	}); err != nil {
		// Best effort only. The verification answer stands.
		zapLog.Warn("failed to write verification log", zap.Error(err), zap.String("machine_id", machineID))
	}

	return result, nil
}

func (s *Service) evaluate(ctx context.Context, lic *LicenseKey) *VerifyResult {
	if lic == nil {
		return &VerifyResult{Valid: false, Message: msgNoLicense}
	}

	if lic.Status != Active {
		return &VerifyResult{
			Valid:     false,
			Message:   fmt.Sprintf("License is %s", lic.Status),
			ExpiresAt: lic.ExpiresAt,
		}
	}

	if lic.ExpiresAt != nil && lic.ExpiresAt.Before(time.Now()) {
		return &VerifyResult{
			Valid:     false,
			Message:   msgLicenseExpired,
			ExpiresAt: lic.ExpiresAt,
		}
	}

	shopName := msgUnknownParty
	customerName := msgUnknownParty

	sub, err := s.submissions.FindOne(ctx, &submission.UserSubmission{LicenseKeyID: &lic.ID})
	if err != nil {
		zap.L().Warn("failed to resolve submission for license", zap.Error(err), zap.String("license_id", lic.ID))
	} else if sub != nil {
		if sub.ShopName != "" {
			shopName = sub.ShopName
		}
		if sub.Name != "" {
			customerName = sub.Name
		}
	}

	return &VerifyResult{
		Valid:     true,
		Message:   msgLicenseValid,
		ExpiresAt: lic.ExpiresAt,
		License: &VerifiedLicense{
			LicenseKey:   lic.LicenseKey,
			Status:       lic.Status,
			ShopName:     shopName,
			CustomerName: customerName,
		},
	}
}

// GetLicense returns a license by id, or a not-found error.
func (s *Service) GetLicense(ctx context.Context, id string) (*LicenseKey, error) {
	lic, err := s.licenses.FindOne(ctx, &LicenseKey{ID: id})
	if err != nil {
		return nil, errutil.Internal("failed to query license", err)
	}
	if lic == nil {
		return nil, errutil.NotFound("license not found", nil)
	}
	return lic, nil
}

// ListLicenses returns licenses newest-first with cursor pagination.
func (s *Service) ListLicenses(ctx context.Context, page pagination.Pagination) ([]*LicenseKey, *pagination.PageInfo, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.licenses.Find(ctx, &LicenseKey{}, option.ApplyPagination(page))
	if err != nil {
		return nil, nil, errutil.Internal("failed to list licenses", err)
	}

	rows, info := pagination.BuildCursorPageInfo(rows, limit, func(l *LicenseKey) string {
		cursor, _ := pagination.EncodeCursor(pagination.Cursor{
			CreatedAt: l.CreatedAt.Format(time.RFC3339Nano),
			ID:        l.ID,
		})
		return cursor
	})

	return rows, info, nil
}

// ListSubmissions returns submissions newest-first with cursor pagination.
func (s *Service) ListSubmissions(ctx context.Context, page pagination.Pagination) ([]*submission.UserSubmission, *pagination.PageInfo, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.submissions.Find(ctx, &submission.UserSubmission{}, option.ApplyPagination(page))
	if err != nil {
		return nil, nil, errutil.Internal("failed to list submissions", err)
	}

	rows, info := pagination.BuildCursorPageInfo(rows, limit, func(s *submission.UserSubmission) string {
		cursor, _ := pagination.EncodeCursor(pagination.Cursor{
			CreatedAt: s.CreatedAt.Format(time.RFC3339Nano),
			ID:        s.ID,
		})
		return cursor
	})

	return rows, info, nil
}

// ExpireOverdueLicenses deactivates active licenses whose expiry has passed,
// writing the usual audit row with the system actor. Called from the
// background sweep task.
func (s *Service) ExpireOverdueLicenses(ctx context.Context) (int, error) {
	overdue, err := s.licenses.Find(ctx, &LicenseKey{Status: Active},
		option.ApplyOperator(option.Condition{
			Field:    "expires_at",
			Operator: option.LT,
			Value:    time.Now(),
		}),
	)
	if err != nil {
		return 0, errutil.Internal("failed to query overdue licenses", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, lic := range overdue {
		g.Go(func() error {
			_, err := s.UpdateLicenseStatus(ctx, lic.ID, Inactive, SystemActor, "license expired")
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}

	return len(overdue), nil
}
