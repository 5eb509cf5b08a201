package license

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"shopkey-licensing/pkg/signing"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestCodec(t *testing.T) *Codec {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	return NewCodec(signing.NewStaticProvider(priv))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	codec := newTestCodec(t)

	encoded, err := codec.Encode("MACHINE-001", "Toko Sinar Jaya", 3, 0)
	require.NoError(t, err)
	require.NotEmpty(t, encoded.SerialKey)
	require.Nil(t, encoded.ExpiresAt)

	result := Decode(encoded.SerialKey, codec.PublicKey())
	require.True(t, result.Valid)
	require.Empty(t, result.Error)
	require.Equal(t, "MACHINE-001", result.Payload.MachineID)
	require.Equal(t, "Toko Sinar Jaya", result.Payload.AppName)
	require.Equal(t, 3, result.Payload.MaxUsers)
	require.Zero(t, result.Payload.DaysValid)

	issued, err := time.Parse(time.RFC3339Nano, result.Payload.IssueDate)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), issued, time.Minute)
}

func TestEncodeWithExpiry(t *testing.T) {
	codec := newTestCodec(t)

	encoded, err := codec.Encode("MACHINE-002", "Warung Kopi", 2, 30)
	require.NoError(t, err)
	require.NotNil(t, encoded.ExpiresAt)
	require.Equal(t, encoded.IssueDate.Add(30*24*time.Hour), *encoded.ExpiresAt)

	result := Decode(encoded.SerialKey, codec.PublicKey())
	require.True(t, result.Valid)
	require.Equal(t, 30, result.Payload.DaysValid)
}

func TestEncodeValidation(t *testing.T) {
	codec := newTestCodec(t)

	tests := []struct {
		name      string
		machineID string
		appName   string
		maxUsers  int
	}{
		{name: "empty machine id", machineID: "", appName: "Toko", maxUsers: 1},
		{name: "whitespace machine id", machineID: "   ", appName: "Toko", maxUsers: 1},
		{name: "empty app name", machineID: "M-1", appName: "", maxUsers: 1},
		{name: "whitespace app name", machineID: "M-1", appName: "  ", maxUsers: 1},
		{name: "zero max users", machineID: "M-1", appName: "Toko", maxUsers: 0},
		{name: "negative max users", machineID: "M-1", appName: "Toko", maxUsers: -2},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := codec.Encode(tc.machineID, tc.appName, tc.maxUsers, 0)
			require.ErrorIs(t, err, ErrInvalidLicenseParameters)
		})
	}
}

func TestEncodeTrimsInput(t *testing.T) {
	codec := newTestCodec(t)

	encoded, err := codec.Encode("  MACHINE-003  ", "  Toko Baru  ", 1, 0)
	require.NoError(t, err)

	result := Decode(encoded.SerialKey, codec.PublicKey())
	require.True(t, result.Valid)
	require.Equal(t, "MACHINE-003", result.Payload.MachineID)
	require.Equal(t, "Toko Baru", result.Payload.AppName)
}

func TestEncodeUniqueSerials(t *testing.T) {
	codec := newTestCodec(t)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		encoded, err := codec.Encode("MACHINE-004", "Toko", 1, 0)
		require.NoError(t, err)
		require.False(t, seen[encoded.SerialKey], "serial key repeated at iteration %d", i)
		seen[encoded.SerialKey] = true
	}
}

func TestDecodeTamperedSerial(t *testing.T) {
	codec := newTestCodec(t)

	encoded, err := codec.Encode("MACHINE-005", "Toko", 1, 0)
	require.NoError(t, err)

	serial := encoded.SerialKey
	dot := -1
	for i, r := range serial {
		if r == '.' {
			dot = i
			break
		}
	}
	require.Greater(t, dot, 0)

	// One flip in the payload segment, one in the signature segment.
	for _, pos := range []int{dot / 2, dot + 1 + (len(serial)-dot-1)/2} {
		flipped := 'A'
		if serial[pos] == 'A' {
			flipped = 'B'
		}
		tampered := serial[:pos] + string(flipped) + serial[pos+1:]

		result := Decode(tampered, codec.PublicKey())
		require.False(t, result.Valid, "tampered serial at position %d accepted", pos)
		require.NotEmpty(t, result.Error)
	}
}

func TestDecodeMalformedSerial(t *testing.T) {
	codec := newTestCodec(t)

	validJSON := base64.StdEncoding.EncodeToString([]byte(`{"machineId":"M"}`))

	tests := []struct {
		name   string
		serial string
	}{
		{name: "empty", serial: ""},
		{name: "no separator", serial: "abcdef"},
		{name: "extra separator", serial: "a.b.c"},
		{name: "bad payload encoding", serial: "!!!." + validJSON},
		{name: "bad signature encoding", serial: validJSON + ".%%%"},
		{name: "payload not json", serial: base64.StdEncoding.EncodeToString([]byte("not json")) + "." + validJSON},
		{name: "garbage signature", serial: validJSON + "." + validJSON},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := Decode(tc.serial, codec.PublicKey())
			require.False(t, result.Valid)
			require.NotEmpty(t, result.Error)
		})
	}
}

func TestDecodeWrongPublicKey(t *testing.T) {
	codec := newTestCodec(t)
	other := newTestCodec(t)

	encoded, err := codec.Encode("MACHINE-006", "Toko", 1, 0)
	require.NoError(t, err)

	result := Decode(encoded.SerialKey, other.PublicKey())
	require.False(t, result.Valid)
	require.Equal(t, "Signature verification failed", result.Error)
}
