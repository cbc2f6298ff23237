// Package signature provides HMAC-SHA256 webhook signing and verification.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Signer computes HMAC-SHA256 signatures for webhook payloads.
type Signer struct{}

// NewSigner returns a new Signer.
func NewSigner() *Signer {
	return &Signer{}
}

// Sign generates the HMAC-SHA256 signature for the given payload.
// The signature base string is "{timestamp}.{payload}".
// Returns the signature in transport format "sha256=<lowercase hex>".
//
// An empty secret yields an empty signature. Registered endpoints always
// carry a secret; the empty case exists for synthetic test requests built
// before a secret is available.
func (s *Signer) Sign(payload []byte, secret string, timestamp int64) string {
	return Sign(payload, secret, timestamp)
}

// Sign generates the HMAC-SHA256 signature for the given payload.
// The signature base string is "{timestamp}.{payload}".
// Returns the signature in transport format "sha256=<lowercase hex>".
func Sign(payload []byte, secret string, timestamp int64) string {
	if secret == "" {
		return ""
	}
	content := fmt.Sprintf("%d.%s", timestamp, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(content))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
