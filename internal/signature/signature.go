// Package signature verifies webhook payload signatures.
//
// The upstream event source signs every delivery with an HMAC-SHA256 over the
// raw request body, sent as "sha256=<hex>" in the X-Hub-Signature-256 header.
// Verification must run on the exact raw bytes as received — re-serializing a
// parsed payload changes whitespace and key order and breaks the check.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Prefix is the scheme marker expected at the start of the signature header.
const Prefix = "sha256="

// Compute returns the expected signature header value for a payload.
func Compute(body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return Prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a provided signature header against the raw payload bytes.
// Returns false on a missing signature, an unknown scheme, malformed hex,
// or any mismatch. The comparison is constant-time.
func Verify(body []byte, provided string, secret []byte) bool {
	if len(secret) == 0 {
		return false
	}
	if !strings.HasPrefix(provided, Prefix) {
		return false
	}
	got, err := hex.DecodeString(provided[len(Prefix):])
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
