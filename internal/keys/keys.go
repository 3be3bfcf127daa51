// Package keys derives the revision keys that bind editor callbacks to one
// version of a file, and the one-time submit keys used by fill-only sessions.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const submitPrefix = "submit_"

// Codec derives keys salted with a machine-wide secret. The secret is
// configuration, never generated per run, so keys survive restarts.
type Codec struct {
	secret string
}

// NewCodec creates a Codec.
func NewCodec(machineKey string) *Codec {
	return &Codec{secret: machineKey}
}

// DeriveKey returns the revision key for a file version. The modification
// instant is taken at microsecond precision, which is what the metadata
// store keeps.
func (c *Codec) DeriveKey(fileID string, version int, modifiedAt time.Time, extraKey ...string) string {
	var b strings.Builder
	b.WriteString("teamlab_")
	b.WriteString(fileID)
	b.WriteByte('_')
	b.WriteString(strconv.Itoa(version))
	b.WriteByte('_')
	b.WriteString(strconv.FormatInt(modifiedHash(modifiedAt), 10))
	b.WriteByte('_')
	b.WriteString(c.secret)
	for _, extra := range extraKey {
		if extra == "" {
			continue
		}
		b.WriteByte('_')
		b.WriteString(extra)
	}
	sum := sha256.Sum256([]byte(b.String()))
	// RawURLEncoding keeps the key inside the editor's allowed alphabet.
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func modifiedHash(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMicro()
}

// MakeSubmitKey wraps key into a submit key. The random segment is hex so it
// never contains the separator.
func MakeSubmitKey(key string) (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("submit key entropy: %w", err)
	}
	raw := submitPrefix + hex.EncodeToString(buf) + "_" + key
	return base64.URLEncoding.EncodeToString([]byte(raw)), nil
}

// IsSubmitKey reports whether candidate is a submit key minted for docKey.
// Anything that fails to decode is simply not a submit key.
func IsSubmitKey(docKey, candidate string) bool {
	if docKey == "" || candidate == "" {
		return false
	}
	raw, err := base64.URLEncoding.DecodeString(candidate)
	if err != nil {
		return false
	}
	s := string(raw)
	if !strings.HasPrefix(s, submitPrefix) {
		return false
	}
	rest := strings.TrimPrefix(s, submitPrefix)
	middle, ok := strings.CutSuffix(rest, "_"+docKey)
	if !ok {
		return false
	}
	return middle != "" && !strings.Contains(middle, "_")
}

// MakeSubmitKey delegates to the package function.
func (c *Codec) MakeSubmitKey(key string) (string, error) { return MakeSubmitKey(key) }

// IsSubmitKey delegates to the package function.
func (c *Codec) IsSubmitKey(docKey, candidate string) bool { return IsSubmitKey(docKey, candidate) }
