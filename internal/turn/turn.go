// Package turn issues time-limited TURN credentials using the shared-secret
// REST scheme understood by coturn's use-auth-secret mode.
package turn

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net"
	"strconv"
	"time"
)

const DefaultPort = 3478

type Credentials struct {
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
	TTL        int      `json:"ttl"`
	TURNURLs   []string `json:"turn_urls"`
	STUNURLs   []string `json:"stun_urls"`
}

type Issuer struct {
	Secret string
	TTL    time.Duration
	// URLs overrides the TURN URLs derived from the request host.
	URLs []string
	Now  func() time.Time
}

// Issue returns credentials valid until now+TTL. Without a secret it
// returns empty credentials and no servers.
func (i Issuer) Issue(host string) Credentials {
	ttl := i.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	creds := Credentials{TTL: int(ttl / time.Second), TURNURLs: []string{}, STUNURLs: []string{}}
	if i.Secret == "" {
		return creds
	}

	now := time.Now
	if i.Now != nil {
		now = i.Now
	}
	creds.Username = strconv.FormatInt(now().Add(ttl).Unix(), 10)
	creds.Credential = Sign(i.Secret, creds.Username)

	if len(i.URLs) > 0 {
		creds.TURNURLs = append(creds.TURNURLs, i.URLs...)
	} else if host != "" {
		addr := net.JoinHostPort(host, strconv.Itoa(DefaultPort))
		creds.TURNURLs = append(creds.TURNURLs, "turn:"+addr)
		creds.STUNURLs = append(creds.STUNURLs, "stun:"+addr)
	}
	return creds
}

// Sign is base64(HMAC-SHA1(secret, username)).
func Sign(secret, username string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
