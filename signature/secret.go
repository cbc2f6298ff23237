package signature

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// SecretPrefix marks signing secrets in their serialized form.
const SecretPrefix = "whsec_"

// previewLen is the number of hex characters exposed by Preview.
const previewLen = 8

// GenerateSecret creates a cryptographically random signing secret.
// Format: "whsec_" + 32 bytes hex = 70 characters total.
func GenerateSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("signature: failed to generate random secret: " + err.Error())
	}
	return SecretPrefix + hex.EncodeToString(b)
}

// Preview returns a non-reversible preview of a secret: the first 8 hex
// characters of the secret material followed by an ellipsis. The raw secret
// is surfaced to callers exactly once, at creation or rotation; every
// subsequent read goes through Preview.
func Preview(secret string) string {
	if secret == "" {
		return ""
	}
	material := strings.TrimPrefix(secret, SecretPrefix)
	if len(material) > previewLen {
		material = material[:previewLen]
	}
	return material + "…"
}
