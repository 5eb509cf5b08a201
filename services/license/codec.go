package license

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"shopkey-licensing/pkg/signing"
)

var (
	// ErrInvalidLicenseParameters marks bad input to Encode. The caller must
	// fix the input; retrying cannot help.
	ErrInvalidLicenseParameters = errors.New("invalid license parameters")

	// ErrSigningKeyUnavailable marks a deployment defect: the private signing
	// key could not be used.
	ErrSigningKeyUnavailable = errors.New("signing key unavailable")

	// ErrLicenseGenerationExhausted marks the issuance engine giving up after
	// every serial-key candidate collided with an existing row.
	ErrLicenseGenerationExhausted = errors.New("license generation attempts exhausted")
)

// Payload is the signed license grant embedded in every serial key. It is
// plain JSON: integrity and authenticity matter, confidentiality does not.
type Payload struct {
	MachineID string `json:"machineId"`
	AppName   string `json:"appName"`
	MaxUsers  int    `json:"maxUsers"`
	IssueDate string `json:"issueDate"`
	DaysValid int    `json:"daysValid,omitempty"`
}

// Codec turns license grants into signed serial keys and back. It has no
// side effects beyond reading the injected key material.
type Codec struct {
	provider signing.Provider
}

func NewCodec(provider signing.Provider) *Codec {
	return &Codec{provider: provider}
}

func (c *Codec) PublicKey() *rsa.PublicKey {
	return c.provider.PublicKey()
}

type EncodeResult struct {
	SerialKey string
	Payload   Payload
	IssueDate time.Time
	ExpiresAt *time.Time
}

// Encode mints a serial key of the form
//
//	base64(JSON payload) + "." + base64(RSA-SHA256 signature)
//
// where the signature covers the raw JSON bytes. daysValid <= 0 produces a
// perpetual license. The issue date carries nanosecond precision, so repeated
// calls with identical inputs yield distinct serial keys; the issuance
// engine's collision handling relies on this.
func (c *Codec) Encode(machineID, appName string, maxUsers, daysValid int) (*EncodeResult, error) {
	machineID = strings.TrimSpace(machineID)
	appName = strings.TrimSpace(appName)

	if machineID == "" {
		return nil, fmt.Errorf("%w: machine id is required", ErrInvalidLicenseParameters)
	}
	if appName == "" {
		return nil, fmt.Errorf("%w: app name is required", ErrInvalidLicenseParameters)
	}
	if maxUsers < 1 {
		return nil, fmt.Errorf("%w: max users must be >= 1", ErrInvalidLicenseParameters)
	}

	issueDate := time.Now().UTC()

	payload := Payload{
		MachineID: machineID,
		AppName:   appName,
		MaxUsers:  maxUsers,
		IssueDate: issueDate.Format(time.RFC3339Nano),
	}

	var expiresAt *time.Time
	if daysValid > 0 {
		payload.DaysValid = daysValid
		t := issueDate.Add(time.Duration(daysValid) * 24 * time.Hour)
		expiresAt = &t
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize license payload: %w", err)
	}

	sig, err := c.provider.Sign(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningKeyUnavailable, err)
	}

	serial := base64.StdEncoding.EncodeToString(raw) + "." + base64.StdEncoding.EncodeToString(sig)

	return &EncodeResult{
		SerialKey: serial,
		Payload:   payload,
		IssueDate: issueDate,
		ExpiresAt: expiresAt,
	}, nil
}

type DecodeResult struct {
	Valid   bool     `json:"valid"`
	Payload *Payload `json:"payload,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Decode parses and verifies a serial key against the distributed public key.
// It never panics: every failure is reported as Valid=false with the error
// message, so client software can verify licenses offline without special
// casing malformed input.
func Decode(serialKey string, pub *rsa.PublicKey) DecodeResult {
	parts := strings.Split(serialKey, ".")
	if len(parts) != 2 {
		return DecodeResult{Error: "Invalid serial format"}
	}

	raw, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return DecodeResult{Error: fmt.Sprintf("Invalid payload encoding: %v", err)}
	}

	sig, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return DecodeResult{Error: fmt.Sprintf("Invalid signature encoding: %v", err)}
	}

	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return DecodeResult{Error: fmt.Sprintf("Invalid payload: %v", err)}
	}

	if err := signing.Verify(pub, raw, sig); err != nil {
		return DecodeResult{Error: "Signature verification failed"}
	}

	return DecodeResult{Valid: true, Payload: &payload}
}
