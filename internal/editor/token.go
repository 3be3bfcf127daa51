package editor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/apperr"
)

const maxCallbackBody = 1 << 20

// TokenSigner signs and verifies the HS256 tokens exchanged with the document
// service. A signer without a secret is disabled: nothing is signed and
// unsigned callbacks are accepted.
type TokenSigner struct {
	secret []byte
}

// NewTokenSigner creates a TokenSigner; secret may be empty.
func NewTokenSigner(secret []byte) *TokenSigner {
	return &TokenSigner{secret: secret}
}

// Enabled reports whether a shared secret is configured.
func (s *TokenSigner) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// Sign encodes payload as the claims of an HS256 token.
func (s *TokenSigner) Sign(payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	claims := jwt.MapClaims{}
	if err := json.Unmarshal(data, &claims); err != nil {
		return "", fmt.Errorf("claims must be an object: %w", err)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks token and returns its claims.
func (s *TokenSigner) Verify(tokenString string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// DecodeCallback reads a callback body. With a secret configured the event is
// taken from the verified token, found either in the body "token" field or
// in the header (where the event sits under "payload"); the unsigned fields
// of the body are ignored.
func DecodeCallback(r *http.Request, signer *TokenSigner, header string) (*CallbackEvent, error) {
	const op = "editor.DecodeCallback"
	data, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		return nil, apperr.InvalidArgument(op, "read body: %v", err)
	}
	var event CallbackEvent
	if len(data) > 0 {
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, apperr.InvalidArgument(op, "malformed callback: %v", err)
		}
	}
	if !signer.Enabled() {
		return &event, nil
	}

	tokenString := event.Token
	fromHeader := false
	if tokenString == "" {
		tokenString = bearer(r.Header.Get(header))
		fromHeader = true
	}
	if tokenString == "" {
		return nil, apperr.Unauthorized(op, "callback is not signed")
	}
	claims, err := signer.Verify(tokenString)
	if err != nil {
		return nil, apperr.Unauthorized(op, "invalid callback token: %v", err)
	}
	var source any = map[string]any(claims)
	if fromHeader {
		payload, ok := claims["payload"]
		if !ok {
			return nil, apperr.Unauthorized(op, "header token has no payload")
		}
		source = payload
	}
	raw, err := json.Marshal(source)
	if err != nil {
		return nil, apperr.InvalidArgument(op, "re-encode claims: %v", err)
	}
	var signed CallbackEvent
	if err := json.Unmarshal(raw, &signed); err != nil {
		return nil, apperr.InvalidArgument(op, "malformed signed callback: %v", err)
	}
	return &signed, nil
}

func bearer(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	parts := strings.SplitN(v, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return v
}
