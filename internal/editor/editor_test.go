package editor

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/apperr"
)

func testClient(t *testing.T, url string, signer *TokenSigner) *Client {
	t.Helper()
	c := NewClient(ClientConfig{BaseURL: url, Timeout: 5 * time.Second, Retries: 2, MaxDownload: 64}, signer, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return c.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} })
}

func TestCommandSignsBodyAndHeader(t *testing.T) {
	signer := NewTokenSigner([]byte("shared"))
	var got CommandRequest
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, commandPath, r.URL.Path)
		header = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"error":0,"key":"k1"}`))
	}))
	defer srv.Close()

	err := testClient(t, srv.URL, signer).Drop(t.Context(), "k1", []string{"u1"})
	require.NoError(t, err)

	assert.Equal(t, MethodDrop, got.C)
	assert.Equal(t, []string{"u1"}, got.Users)
	require.NotEmpty(t, got.Token)
	claims, err := signer.Verify(got.Token)
	require.NoError(t, err)
	assert.Equal(t, "k1", claims["key"])

	require.True(t, strings.HasPrefix(header, "Bearer "))
	claims, err = signer.Verify(strings.TrimPrefix(header, "Bearer "))
	require.NoError(t, err)
	payload, ok := claims["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "drop", payload["c"])
}

func TestCommandErrorCodes(t *testing.T) {
	tests := []struct {
		code int
		want apperr.Kind
	}{
		{1, apperr.KindNotFound},
		{2, apperr.KindInvalidArgument},
		{4, apperr.KindInvalidState},
		{5, apperr.KindInvalidArgument},
		{6, apperr.KindUnauthorized},
	}
	for _, tt := range tests {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			_ = json.NewEncoder(w).Encode(CommandResponse{Error: tt.code})
		}))
		err := testClient(t, srv.URL, nil).Meta(t.Context(), "k", "new.docx")
		srv.Close()
		require.Error(t, err)
		assert.Equal(t, tt.want, apperr.KindOf(err), "code %d", tt.code)
		assert.EqualValues(t, 1, calls.Load(), "code %d must not be retried", tt.code)
	}
}

func TestCommandRetriesThenGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL, nil).Version(t.Context())
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstreamUnavailable, apperr.KindOf(err))
	assert.EqualValues(t, 3, calls.Load())
}

func TestCommandRecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"error":0,"version":"8.2.0"}`))
	}))
	defer srv.Close()

	v, err := testClient(t, srv.URL, nil).Version(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "8.2.0", v)
}

func TestCommandWithoutURL(t *testing.T) {
	err := testClient(t, "", nil).Info(t.Context(), "k", "http://cb", "")
	assert.Equal(t, apperr.KindUpstreamUnavailable, apperr.KindOf(err))
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte("edited content"))
		case "/big":
			_, _ = w.Write([]byte(strings.Repeat("x", 128)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	c := testClient(t, srv.URL, nil)

	body, n, err := c.Download(t.Context(), srv.URL+"/ok")
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	assert.Equal(t, "edited content", string(data))
	assert.EqualValues(t, len(data), n)

	_, _, err = c.Download(t.Context(), srv.URL+"/gone")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, _, err = c.Download(t.Context(), srv.URL+"/big")
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))

	_, _, err = c.Download(t.Context(), "")
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
}

func callbackRequest(body string) *http.Request {
	return httptest.NewRequest(http.MethodPost, "/callback?fileid=f1", strings.NewReader(body))
}

func TestDecodeCallbackUnsigned(t *testing.T) {
	r := callbackRequest(`{"key":"k1","status":2,"url":"http://x/out","users":["u1"],"forcesavetype":1}`)
	event, err := DecodeCallback(r, NewTokenSigner(nil), "Authorization")
	require.NoError(t, err)
	assert.Equal(t, "k1", event.Key)
	assert.Equal(t, StatusMustSave, event.Status)
	assert.Equal(t, "u1", event.Initiator())
	assert.Equal(t, InitiatorButton, event.ForceSaveType)
}

func TestDecodeCallbackSignedBody(t *testing.T) {
	signer := NewTokenSigner([]byte("shared"))
	token, err := signer.Sign(CallbackEvent{Key: "k1", Status: StatusForceSave, URL: "http://x/out", ForceSaveType: InitiatorForm})
	require.NoError(t, err)

	// Unsigned fields are ignored in favour of the token.
	r := callbackRequest(`{"key":"forged","status":2,"token":"` + token + `"}`)
	event, err := DecodeCallback(r, signer, "Authorization")
	require.NoError(t, err)
	assert.Equal(t, "k1", event.Key)
	assert.Equal(t, StatusForceSave, event.Status)
	assert.Equal(t, InitiatorForm, event.ForceSaveType)
}

func TestDecodeCallbackHeaderPayload(t *testing.T) {
	signer := NewTokenSigner([]byte("shared"))
	token, err := signer.Sign(map[string]any{"payload": CallbackEvent{Key: "k2", Status: StatusEditing}})
	require.NoError(t, err)

	r := callbackRequest(`{"key":"k2","status":1}`)
	r.Header.Set("Authorization", "Bearer "+token)
	event, err := DecodeCallback(r, signer, "Authorization")
	require.NoError(t, err)
	assert.Equal(t, "k2", event.Key)
	assert.Equal(t, StatusEditing, event.Status)
}

func TestDecodeCallbackRejects(t *testing.T) {
	signer := NewTokenSigner([]byte("shared"))
	other := NewTokenSigner([]byte("other"))
	forged, err := other.Sign(CallbackEvent{Key: "k1"})
	require.NoError(t, err)

	_, err = DecodeCallback(callbackRequest(`{"key":"k1","status":1}`), signer, "Authorization")
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))

	_, err = DecodeCallback(callbackRequest(`{"token":"`+forged+`"}`), signer, "Authorization")
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))

	_, err = DecodeCallback(callbackRequest(`{not json`), signer, "Authorization")
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
}
