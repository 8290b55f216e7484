package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"action":"opened","number":42}`)
	secret := []byte("shhh")

	sig := Compute(body, secret)
	assert.True(t, Verify(body, sig, secret))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"action":"opened"}`)
	sig := Compute(body, []byte("secret-a"))
	assert.False(t, Verify(body, sig, []byte("secret-b")))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	secret := []byte("shhh")
	sig := Compute([]byte(`{"n":1}`), secret)
	assert.False(t, Verify([]byte(`{"n":2}`), sig, secret))
}

func TestVerifyRejectsMalformedHeader(t *testing.T) {
	body := []byte("payload")
	secret := []byte("shhh")

	assert.False(t, Verify(body, "", secret))
	assert.False(t, Verify(body, "sha1=deadbeef", secret))
	assert.False(t, Verify(body, "sha256=not-hex", secret))
	assert.False(t, Verify(body, "sha256=", secret))
}

func TestVerifyRejectsEmptySecret(t *testing.T) {
	body := []byte("payload")
	sig := Compute(body, []byte("shhh"))
	assert.False(t, Verify(body, sig, nil))
}

func TestVerifySensitiveToWhitespace(t *testing.T) {
	secret := []byte("shhh")
	compact := []byte(`{"a":1}`)
	spaced := []byte(`{ "a": 1 }`)

	sig := Compute(compact, secret)
	assert.True(t, Verify(compact, sig, secret))
	assert.False(t, Verify(spaced, sig, secret))
}
