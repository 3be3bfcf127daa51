package editor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/apperr"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/metrics"
)

const commandPath = "/coauthoring/CommandService.ashx"

// Client sends commands to the document service and downloads the content it
// renders. Network failures and 5xx answers are retried a bounded number of
// times before surfacing as UpstreamUnavailable.
type Client struct {
	baseURL     string
	http        *http.Client
	signer      *TokenSigner
	header      string
	retries     int
	maxDownload int64
	newBackOff  func() backoff.BackOff
	logger      *slog.Logger
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL     string
	Timeout     time.Duration
	Retries     int
	MaxDownload int64
	JWTHeader   string
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig, signer *TokenSigner, logger *slog.Logger) *Client {
	header := cfg.JWTHeader
	if header == "" {
		header = "Authorization"
	}
	return &Client{
		baseURL:     cfg.BaseURL,
		http:        &http.Client{Timeout: cfg.Timeout},
		signer:      signer,
		header:      header,
		retries:     cfg.Retries,
		maxDownload: cfg.MaxDownload,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
		logger: logger.With(slog.String("component", "editor_client")),
	}
}

// WithBackOff replaces the retry schedule.
func (c *Client) WithBackOff(fn func() backoff.BackOff) *Client {
	c.newBackOff = fn
	return c
}

// Info asks the service to start tracking key and report to callbackURL.
func (c *Client) Info(ctx context.Context, key, callbackURL, userData string) error {
	_, err := c.command(ctx, CommandRequest{C: MethodInfo, Key: key, Callback: callbackURL, UserData: userData})
	return err
}

// Drop disconnects users from the session of key.
func (c *Client) Drop(ctx context.Context, key string, users []string) error {
	_, err := c.command(ctx, CommandRequest{C: MethodDrop, Key: key, Users: users})
	return err
}

// Meta renames the document open under key.
func (c *Client) Meta(ctx context.Context, key, title string) error {
	_, err := c.command(ctx, CommandRequest{C: MethodMeta, Key: key, Meta: &Meta{Title: title}})
	return err
}

// Version probes the service and returns its version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	resp, err := c.command(ctx, CommandRequest{C: MethodVersion})
	if err != nil {
		return "", err
	}
	return resp.Version, nil
}

func (c *Client) command(ctx context.Context, req CommandRequest) (*CommandResponse, error) {
	op := "editor." + req.C
	if c.baseURL == "" {
		return nil, apperr.Upstream(op, errors.New("document service url is not configured"))
	}
	var headerToken string
	if c.signer.Enabled() {
		token, err := c.signer.Sign(req)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, op, err)
		}
		req.Token = token
		headerToken, err = c.signer.Sign(map[string]any{"payload": req})
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, op, err)
		}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}

	var out CommandResponse
	err = c.retry(ctx, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+commandPath, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(apperr.Wrap(apperr.KindInternal, op, err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if headerToken != "" {
			httpReq.Header.Set(c.header, "Bearer "+headerToken)
		}
		resp, err := c.http.Do(httpReq)
		if err != nil {
			return apperr.Upstream(op, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return apperr.Upstream(op, fmt.Errorf("status %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(apperr.E(apperr.KindInvalidState, op, "unexpected status %d", resp.StatusCode))
		}
		out = CommandResponse{}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return backoff.Permanent(apperr.Wrap(apperr.KindUpstreamUnavailable, op, fmt.Errorf("decode response: %w", err)))
		}
		if cerr := commandError(op, out.Error); cerr != nil {
			if apperr.Retryable(cerr) {
				return cerr
			}
			return backoff.Permanent(cerr)
		}
		return nil
	})
	result := "ok"
	if err != nil {
		result = string(apperr.KindOf(err))
		c.logger.Warn("editor command failed",
			slog.String("method", req.C),
			slog.String("key", req.Key),
			slog.String("error", err.Error()),
		)
	}
	metrics.EditorCommandsTotal.WithLabelValues(req.C, result).Inc()
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// commandError maps the service error codes onto the error taxonomy.
func commandError(op string, code int) error {
	switch code {
	case 0:
		return nil
	case 1:
		return apperr.NotFound(op, "document key is missing or unknown")
	case 2:
		return apperr.InvalidArgument(op, "callback url is not correct")
	case 3:
		return apperr.Upstream(op, errors.New("document service internal error"))
	case 4:
		return apperr.InvalidState(op, "no changes were applied before the force-save")
	case 5:
		return apperr.InvalidArgument(op, "command is not correct")
	case 6:
		return apperr.Unauthorized(op, "invalid token")
	default:
		return apperr.InvalidState(op, "document service error %d", code)
	}
}

// Download opens the content at url. The returned length is -1 when the
// service did not declare one. Bodies larger than the configured limit fail
// while being read.
func (c *Client) Download(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	const op = "editor.Download"
	if url == "" {
		return nil, 0, apperr.InvalidArgument(op, "empty download url")
	}
	var (
		body   io.ReadCloser
		length int64
	)
	err := c.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(apperr.InvalidArgument(op, "bad url: %v", err))
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return apperr.Upstream(op, err)
		}
		switch {
		case resp.StatusCode >= 500:
			resp.Body.Close()
			return apperr.Upstream(op, fmt.Errorf("status %d", resp.StatusCode))
		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return backoff.Permanent(apperr.NotFound(op, "content not found at %s", url))
		case resp.StatusCode != http.StatusOK:
			resp.Body.Close()
			return backoff.Permanent(apperr.InvalidState(op, "unexpected status %d", resp.StatusCode))
		}
		length = resp.ContentLength
		if c.maxDownload > 0 && length > c.maxDownload {
			resp.Body.Close()
			return backoff.Permanent(apperr.InvalidArgument(op, "content of %d bytes exceeds limit %d", length, c.maxDownload))
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	if c.maxDownload > 0 {
		body = &limitedBody{ReadCloser: body, remaining: c.maxDownload}
	}
	return body, length, nil
}

func (c *Client) retry(ctx context.Context, fn func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.retries)), ctx)
	return backoff.Retry(fn, b)
}

// limitedBody fails once more than remaining bytes have been read.
type limitedBody struct {
	io.ReadCloser
	remaining int64
}

func (l *limitedBody) Read(p []byte) (int, error) {
	n, err := l.ReadCloser.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, apperr.InvalidArgument("editor.Download", "content exceeds limit")
	}
	return n, err
}

