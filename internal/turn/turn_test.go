package turn

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIssueWithoutSecret(t *testing.T) {
	creds := Issuer{TTL: time.Hour}.Issue("arcade.example")
	assert.Empty(t, creds.Username)
	assert.Empty(t, creds.Credential)
	assert.Equal(t, 3600, creds.TTL)
	assert.Empty(t, creds.TURNURLs)
	assert.NotNil(t, creds.TURNURLs)
	assert.Empty(t, creds.STUNURLs)
}

func TestIssue(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	issuer := Issuer{Secret: "hunter2", TTL: 24 * time.Hour, Now: func() time.Time { return now }}
	creds := issuer.Issue("arcade.example")

	assert.Equal(t, "1700086400", creds.Username)
	assert.Equal(t, 86400, creds.TTL)

	mac := hmac.New(sha1.New, []byte("hunter2"))
	mac.Write([]byte("1700086400"))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), creds.Credential)

	assert.Equal(t, []string{"turn:arcade.example:3478"}, creds.TURNURLs)
	assert.Equal(t, []string{"stun:arcade.example:3478"}, creds.STUNURLs)
}

func TestIssueConfiguredURLs(t *testing.T) {
	issuer := Issuer{Secret: "s", URLs: []string{"turns:relay.example:5349"}}
	creds := issuer.Issue("ignored.example")
	assert.Equal(t, []string{"turns:relay.example:5349"}, creds.TURNURLs)
	assert.Empty(t, creds.STUNURLs)
	assert.Equal(t, 86400, creds.TTL)
}

func TestSignIsDeterministic(t *testing.T) {
	assert.Equal(t, Sign("k", "u"), Sign("k", "u"))
	assert.NotEqual(t, Sign("k", "u"), Sign("k2", "u"))
}
