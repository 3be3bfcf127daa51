// Package signing issues and checks the expiring download links handed to the
// document service so it can fetch file content without a session.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Signer signs (file, version, expiry) triples with an HMAC.
type Signer struct {
	secret []byte
	now    func() time.Time
}

func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret, now: time.Now}
}

// Sign returns the hex signature of fileID at version, valid until expires.
func (s *Signer) Sign(fileID string, version int, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%d:%d", fileID, version, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// Query returns the query string that authorises a download for ttl.
func (s *Signer) Query(fileID string, version int, ttl time.Duration) url.Values {
	exp := s.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("version", strconv.Itoa(version))
	q.Set("expires", strconv.FormatInt(exp, 10))
	q.Set("signature", s.Sign(fileID, version, exp))
	return q
}

// Validate checks a query produced by Query. It returns the signed version.
func (s *Signer) Validate(fileID string, q url.Values) (int, bool) {
	exp, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil || s.now().Unix() > exp {
		return 0, false
	}
	version, err := strconv.Atoi(q.Get("version"))
	if err != nil {
		return 0, false
	}
	expected := s.Sign(fileID, version, exp)
	if !hmac.Equal([]byte(expected), []byte(q.Get("signature"))) {
		return 0, false
	}
	return version, true
}
