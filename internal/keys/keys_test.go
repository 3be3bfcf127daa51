package keys

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keyAlphabet = regexp.MustCompile(`^[0-9a-zA-Z_=.-]+$`)

func TestDeriveKeyIsDeterministic(t *testing.T) {
	c := NewCodec("machine")
	at := time.Date(2024, 5, 1, 10, 0, 0, 123456000, time.UTC)

	k1 := c.DeriveKey("42", 3, at)
	k2 := NewCodec("machine").DeriveKey("42", 3, at.In(time.FixedZone("x", 3600)))

	assert.Equal(t, k1, k2)
	assert.Regexp(t, keyAlphabet, k1)
	assert.LessOrEqual(t, len(k1), 128)
}

func TestDeriveKeyChangesWithEveryInput(t *testing.T) {
	c := NewCodec("machine")
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	seen := map[string]string{}
	add := func(name, key string) {
		t.Helper()
		if prev, ok := seen[key]; ok {
			t.Fatalf("key collision between %s and %s", prev, name)
		}
		seen[key] = name
	}
	for id := 1; id <= 5; id++ {
		for version := 1; version <= 5; version++ {
			for sec := 0; sec < 5; sec++ {
				name := fmt.Sprintf("%d/%d/%d", id, version, sec)
				add(name, c.DeriveKey(fmt.Sprint(id), version, at.Add(time.Duration(sec)*time.Second)))
			}
		}
	}
	add("other secret", NewCodec("other").DeriveKey("1", 1, at))
	add("extra key", c.DeriveKey("1", 1, at, "room"))
}

func TestDeriveKeyIgnoresEmptyExtra(t *testing.T) {
	c := NewCodec("machine")
	at := time.Unix(1700000000, 0)
	assert.Equal(t, c.DeriveKey("1", 1, at), c.DeriveKey("1", 1, at, ""))
}

func TestSubmitKeyRoundTrip(t *testing.T) {
	c := NewCodec("machine")
	for i := 0; i < 20; i++ {
		key := c.DeriveKey(fmt.Sprint(i), i+1, time.Unix(int64(1700000000+i), 0))
		submit, err := MakeSubmitKey(key)
		require.NoError(t, err)

		assert.True(t, IsSubmitKey(key, submit))
		assert.Regexp(t, keyAlphabet, submit)

		other := c.DeriveKey(fmt.Sprint(i), i+2, time.Unix(int64(1700000000+i), 0))
		assert.False(t, IsSubmitKey(other, submit))
	}
}

func TestSubmitKeysAreNotReused(t *testing.T) {
	a, err := MakeSubmitKey("doc")
	require.NoError(t, err)
	b, err := MakeSubmitKey("doc")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestIsSubmitKeyRejectsMalformed(t *testing.T) {
	enc := func(s string) string { return base64.URLEncoding.EncodeToString([]byte(s)) }
	cases := map[string]string{
		"not base64":     "%%%",
		"empty":          "",
		"plain doc key":  "doc",
		"wrong prefix":   enc("sub_abc_doc"),
		"missing random": enc("submit__doc"),
		"extra segment":  enc("submit_a_b_doc"),
		"other key":      enc("submit_abc_doc2"),
		"no separator":   enc("submit_abcdoc"),
	}
	for name, candidate := range cases {
		t.Run(name, func(t *testing.T) {
			assert.False(t, IsSubmitKey("doc", candidate))
		})
	}
	assert.True(t, IsSubmitKey("doc", enc("submit_abc_doc")))
}

func TestSubmitKeyWithUnderscoreInDocKey(t *testing.T) {
	docKey := "ab_cd-ef"
	submit, err := MakeSubmitKey(docKey)
	require.NoError(t, err)
	assert.True(t, IsSubmitKey(docKey, submit))
	assert.False(t, IsSubmitKey("cd-ef", submit))
}
