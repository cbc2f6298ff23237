package signature_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/lettermill/webhook/signature"
)

func TestSignKnownVector(t *testing.T) {
	// Cross-implementation compatibility vector: the test-delivery ping
	// payload with a one-byte secret.
	payload := []byte(`{"message":"ping"}`)
	secret := "s"
	timestamp := int64(1700000000)

	got := signature.Sign(payload, secret, timestamp)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", timestamp, payload)))
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if got != expected {
		t.Errorf("Sign() = %q, want %q", got, expected)
	}
}

func TestSignDeterministic(t *testing.T) {
	payload := []byte(`{"message_id":"msg_42","recipient":"a@example.com"}`)
	secret := "whsec_determinismsecret"
	timestamp := int64(1700000001)

	first := signature.Sign(payload, secret, timestamp)
	second := signature.Sign(payload, secret, timestamp)
	if first != second {
		t.Errorf("Sign() not deterministic: %q != %q", first, second)
	}
}

func TestSignSensitivity(t *testing.T) {
	payload := []byte(`{"v":1}`)
	secret := "whsec_base"
	timestamp := int64(1700000002)
	base := signature.Sign(payload, secret, timestamp)

	tests := []struct {
		name    string
		payload []byte
		secret  string
		ts      int64
	}{
		{"payload changed", []byte(`{"v":2}`), secret, timestamp},
		{"secret changed", payload, "whsec_basf", timestamp},
		{"timestamp changed", payload, secret, timestamp + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := signature.Sign(tt.payload, tt.secret, tt.ts); got == base {
				t.Error("signature unchanged after input mutation")
			}
		})
	}
}

func TestSignEmptySecret(t *testing.T) {
	if got := signature.Sign([]byte(`{"message":"ping"}`), "", 1700000000); got != "" {
		t.Errorf("Sign() with empty secret = %q, want empty string", got)
	}
}

func TestSignatureFormat(t *testing.T) {
	sig := signature.Sign([]byte("test"), "secret", 123)

	if len(sig) < 7 || sig[:7] != "sha256=" {
		t.Errorf("signature should start with 'sha256=', got %q", sig)
	}

	// sha256= prefix (7) + 64 hex chars (SHA256 = 32 bytes = 64 hex)
	if len(sig) != 71 {
		t.Errorf("expected signature length 71, got %d", len(sig))
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer := signature.NewSigner()
	payload := []byte(`{"bounce_type":"hard"}`)
	secret := "whsec_roundtripsecret"
	timestamp := int64(1700000003)

	sig := signer.Sign(payload, secret, timestamp)
	if !signer.Verify(payload, secret, timestamp, sig) {
		t.Error("Verify() returned false for valid signature")
	}
}

func TestVerifyTamperedPayload(t *testing.T) {
	payload := []byte(`{"original":true}`)
	secret := "whsec_tampersecret"
	timestamp := int64(1700000004)

	sig := signature.Sign(payload, secret, timestamp)

	if signature.Verify([]byte(`{"original":false}`), secret, timestamp, sig) {
		t.Error("Verify() returned true for tampered payload")
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	payload := []byte(`{"data":"value"}`)
	timestamp := int64(1700000005)

	sig := signature.Sign(payload, "whsec_correct", timestamp)

	if signature.Verify(payload, "whsec_wrong", timestamp, sig) {
		t.Error("Verify() returned true for wrong secret")
	}
}
