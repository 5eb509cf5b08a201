package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"shopkey-licensing/pkg/config"

	"go.uber.org/fx"
)

// KeyBits is the RSA modulus size for generated signing keys.
const KeyBits = 2048

// Provider abstracts the component holding the private signing key. The key
// material is loaded once and read-only afterwards, so a provider may be
// shared across any number of concurrent signing calls.
type Provider interface {
	PublicKey() *rsa.PublicKey
	Sign(data []byte) ([]byte, error)
}

var Module = fx.Module("signing",
	fx.Provide(NewProvider),
)

// NewProvider builds a Provider from configuration: a PEM file provider when
// a private key path is configured, otherwise an in-memory key for
// development and tests.
func NewProvider(cfg *config.Config) (Provider, error) {
	if path := cfg.License.PrivateKeyPath; path != "" {
		return NewFileProvider(path)
	}
	return NewEphemeralProvider()
}

type keyProvider struct {
	priv *rsa.PrivateKey
}

func (p *keyProvider) PublicKey() *rsa.PublicKey { return &p.priv.PublicKey }

func (p *keyProvider) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, p.priv, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign payload: %w", err)
	}
	return sig, nil
}

// NewFileProvider loads a PEM encoded RSA private key from disk.
func NewFileProvider(path string) (Provider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key %s: %w", path, err)
	}

	priv, err := ParsePrivateKeyPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", path, err)
	}

	return &keyProvider{priv: priv}, nil
}

// NewEphemeralProvider generates an in-memory RSA key. Licenses signed by it
// do not survive a restart, so it is only suitable for development.
func NewEphemeralProvider() (Provider, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate rsa key: %w", err)
	}
	return &keyProvider{priv: priv}, nil
}

// NewStaticProvider wraps an existing private key, used by tests.
func NewStaticProvider(priv *rsa.PrivateKey) Provider {
	return &keyProvider{priv: priv}
}

// Verify checks an RSA-SHA256 signature over data against pub.
func Verify(pub *rsa.PublicKey, data, sig []byte) error {
	digest := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig)
}

// ParsePrivateKeyPEM accepts PKCS#1 and PKCS#8 encoded RSA private keys.
func ParsePrivateKeyPEM(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return key, nil
}

// ParsePublicKeyPEM accepts PKIX and PKCS#1 encoded RSA public keys.
func ParsePublicKeyPEM(raw []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		if pub, ok := parsed.(*rsa.PublicKey); ok {
			return pub, nil
		}
		return nil, fmt.Errorf("not an RSA public key")
	}

	return x509.ParsePKCS1PublicKey(block.Bytes)
}

// LoadPublicKey reads a PEM encoded RSA public key from disk.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key %s: %w", path, err)
	}
	return ParsePublicKeyPEM(raw)
}

// WriteKeyPair generates a fresh RSA key pair and writes both halves to disk
// as PEM. The private key is written with owner-only permissions.
func WriteKeyPair(privPath, pubPath string) error {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return fmt.Errorf("failed to generate rsa key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubDER,
	})
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}

	return nil
}
