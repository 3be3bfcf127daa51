package signing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignedQuery(t *testing.T) {
	s := NewSigner([]byte("topsecret"))
	q := s.Query("file123", 4, time.Minute)

	version, ok := s.Validate("file123", q)
	require.True(t, ok)
	assert.Equal(t, 4, version)

	_, ok = s.Validate("other", q)
	assert.False(t, ok, "signature is bound to the file")

	tampered := q
	tampered.Set("version", "5")
	_, ok = s.Validate("file123", tampered)
	assert.False(t, ok, "signature is bound to the version")

	_, ok = NewSigner([]byte("different")).Validate("file123", s.Query("file123", 4, time.Minute))
	assert.False(t, ok)
}

func TestSignedQueryExpires(t *testing.T) {
	s := NewSigner([]byte("topsecret"))
	start := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return start }
	q := s.Query("file123", 1, time.Minute)

	s.now = func() time.Time { return start.Add(2 * time.Minute) }
	_, ok := s.Validate("file123", q)
	assert.False(t, ok)
}
