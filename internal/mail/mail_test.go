package mail

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/smtp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/apperr"
)

func TestComposeWithAttachment(t *testing.T) {
	data := bytes.Repeat([]byte("pdf"), 100)
	raw, err := Compose(Message{
		From: "a@example.com", To: "b@example.com", Subject: "Invoice",
		Body: "see attached", Attachment: &Attachment{Name: "invoice.pdf", ContentType: "application/pdf", Data: data},
	})
	require.NoError(t, err)

	parsed, err := mail.ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", parsed.Header.Get("To"))
	mediaType, params, err := mime.ParseMediaType(parsed.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/mixed", mediaType)

	mr := multipart.NewReader(parsed.Body, params["boundary"])
	body, err := mr.NextPart()
	require.NoError(t, err)
	text, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "see attached", string(text))

	att, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "invoice.pdf", att.FileName())
	encoded, err := io.ReadAll(att)
	require.NoError(t, err)
	for _, line := range strings.Split(strings.TrimSpace(string(encoded)), "\r\n") {
		assert.LessOrEqual(t, len(line), 76)
	}
}

func TestComposeHTML(t *testing.T) {
	raw, err := Compose(Message{From: "a@example.com", To: "b@example.com", Subject: "Hi", Body: "<p>hi</p>", HTML: true})
	require.NoError(t, err)
	parsed, err := mail.ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "text/html; charset=utf-8", parsed.Header.Get("Content-Type"))
}

func TestSMTPMailerSend(t *testing.T) {
	m := NewSMTPMailer("relay.example.com:25", "noreply@example.com", "", "")
	var gotFrom string
	var gotTo []string
	m.send = func(_ string, _ smtp.Auth, from string, to []string, _ []byte) error {
		gotFrom, gotTo = from, to
		return nil
	}
	require.NoError(t, m.Send(t.Context(), Message{To: "b@example.com", Subject: "x"}))
	assert.Equal(t, "noreply@example.com", gotFrom)
	assert.Equal(t, []string{"b@example.com"}, gotTo)

	m.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("connection refused") }
	err := m.Send(t.Context(), Message{To: "b@example.com"})
	assert.Equal(t, apperr.KindUpstreamUnavailable, apperr.KindOf(err))

	err = m.Send(t.Context(), Message{})
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
}
