// Package mail sends mail-merge messages.
package mail

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"strings"

	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/apperr"
)

// Attachment is a file sent with a message.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Message is one outgoing mail.
type Message struct {
	From       string
	To         string
	Subject    string
	Body       string
	HTML       bool
	Attachment *Attachment
}

// Mailer delivers messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPMailer delivers through a relay.
type SMTPMailer struct {
	addr string
	from string
	auth smtp.Auth
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer creates a mailer for addr (host:port). Credentials are
// optional; from is used when a message has no sender.
func NewSMTPMailer(addr, from, user, password string) *SMTPMailer {
	m := &SMTPMailer{addr: addr, from: from, send: smtp.SendMail}
	if user != "" {
		host := addr
		if i := strings.LastIndex(addr, ":"); i >= 0 {
			host = addr[:i]
		}
		m.auth = smtp.PlainAuth("", user, password, host)
	}
	return m
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	const op = "mail.Send"
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.From == "" {
		msg.From = m.from
	}
	if msg.To == "" || msg.From == "" {
		return apperr.InvalidArgument(op, "message needs a sender and a recipient")
	}
	raw, err := Compose(msg)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, op, err)
	}
	if err := m.send(m.addr, m.auth, msg.From, []string{msg.To}, raw); err != nil {
		return apperr.Upstream(op, err)
	}
	return nil
}

// Compose renders msg as a MIME message.
func Compose(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }
	header("From", msg.From)
	header("To", msg.To)
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("MIME-Version", "1.0")

	bodyType := "text/plain; charset=utf-8"
	if msg.HTML {
		bodyType = "text/html; charset=utf-8"
	}
	if msg.Attachment == nil {
		header("Content-Type", bodyType)
		buf.WriteString("\r\n")
		buf.WriteString(msg.Body)
		return buf.Bytes(), nil
	}

	w := multipart.NewWriter(&buf)
	header("Content-Type", "multipart/mixed; boundary="+w.Boundary())
	buf.WriteString("\r\n")

	part, err := w.CreatePart(textproto.MIMEHeader{"Content-Type": {bodyType}})
	if err != nil {
		return nil, err
	}
	if _, err := part.Write([]byte(msg.Body)); err != nil {
		return nil, err
	}

	a := msg.Attachment
	ct := a.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	part, err = w.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {ct},
		"Content-Transfer-Encoding": {"base64"},
		"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": a.Name})},
	})
	if err != nil {
		return nil, err
	}
	enc := base64.NewEncoder(base64.StdEncoding, &lineWrapper{w: part})
	if _, err := enc.Write(a.Data); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// lineWrapper breaks base64 output into 76 character lines.
type lineWrapper struct {
	w   io.Writer
	col int
}

func (l *lineWrapper) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := min(76-l.col, len(p))
		if _, err := l.w.Write(p[:n]); err != nil {
			return written, err
		}
		written += n
		l.col += n
		p = p[n:]
		if l.col == 76 {
			if _, err := l.w.Write([]byte("\r\n")); err != nil {
				return written, err
			}
			l.col = 0
		}
	}
	return written, nil
}

// LogMailer only logs messages. It is used when no relay is configured.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger.With(slog.String("component", "mail"))}
}

func (m *LogMailer) Send(_ context.Context, msg Message) error {
	attrs := []any{
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.Int("body_bytes", len(msg.Body)),
	}
	if msg.Attachment != nil {
		attrs = append(attrs, slog.String("attachment", msg.Attachment.Name))
	}
	m.logger.Info("mail not sent, no relay configured", attrs...)
	return nil
}
