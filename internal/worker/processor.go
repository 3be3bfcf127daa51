// Package worker delivers mail-merge records: it fetches the rendered record
// from the document service and mails it to the recipient.
package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/apperr"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/editor"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/mail"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/metrics"
	pdfutil "github.com/ONLYOFFICE/DocSpace-server-sub010/internal/pdf"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/queue"
)

// Downloader fetches rendered records.
type Downloader interface {
	Download(ctx context.Context, url string) (io.ReadCloser, int64, error)
}

// Processor implements processing.Handler and the asynq handler.
type Processor struct {
	download Downloader
	mailer   mail.Mailer
	logger   *slog.Logger
}

func NewProcessor(download Downloader, mailer mail.Mailer, logger *slog.Logger) *Processor {
	return &Processor{
		download: download,
		mailer:   mailer,
		logger:   logger.With(slog.String("component", "mailmerge_worker")),
	}
}

// Handler registers the delivery task.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.MailMergeTask, p.handleTask)
	return mux
}

func (p *Processor) handleTask(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.DecodeMailMerge(task)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	err = p.Deliver(ctx, payload)
	if err != nil && !apperr.Retryable(err) {
		// Retrying cannot fix a bad record.
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	return err
}

// Deliver sends one record.
func (p *Processor) Deliver(ctx context.Context, payload queue.MailMergePayload) error {
	log := p.logger.With(
		slog.String("file_id", payload.FileID),
		slog.Int("record", payload.RecordIndex),
		slog.Int("records", payload.RecordCount),
	)
	msg, err := p.build(ctx, payload)
	if err == nil {
		err = p.mailer.Send(ctx, msg)
	}
	if err != nil {
		metrics.MailMergeJobs.WithLabelValues("deliver", "failed").Inc()
		log.Warn("mail merge record not delivered", slog.String("error", err.Error()))
		return err
	}
	metrics.MailMergeJobs.WithLabelValues("deliver", "ok").Inc()
	log.Info("mail merge record delivered", slog.String("to", payload.To))
	return nil
}

func (p *Processor) build(ctx context.Context, payload queue.MailMergePayload) (mail.Message, error) {
	const op = "worker.build"
	if payload.To == "" {
		return mail.Message{}, apperr.InvalidArgument(op, "record %d has no recipient", payload.RecordIndex)
	}
	body, _, err := p.download.Download(ctx, payload.URL)
	if err != nil {
		return mail.Message{}, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return mail.Message{}, apperr.Upstream(op, fmt.Errorf("read record: %w", err))
	}

	msg := mail.Message{From: payload.From, To: payload.To, Subject: payload.Subject}
	ext := strings.ToLower(strings.TrimPrefix(payload.FileType, "."))
	if editor.MessageType(payload.MessageType) == editor.MessageAttachment {
		msg.Attachment = &mail.Attachment{
			Name:        attachmentName(payload.Title, ext),
			ContentType: contentType(ext),
			Data:        data,
		}
		return msg, nil
	}

	if ext == "pdf" || pdfutil.IsPDF(data) {
		text, err := pdfutil.ExtractText(data)
		if err != nil {
			return mail.Message{}, apperr.Wrap(apperr.KindCorrupted, op, err)
		}
		msg.Body = text
		return msg, nil
	}
	msg.Body = string(data)
	msg.HTML = ext == "html" || ext == "htm" || ext == ""
	return msg, nil
}

func attachmentName(title, ext string) string {
	if title == "" {
		title = "document"
	}
	if ext != "" && path.Ext(title) == "" {
		return title + "." + ext
	}
	return title
}

func contentType(ext string) string {
	switch ext {
	case "pdf":
		return "application/pdf"
	case "docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case "html", "htm":
		return "text/html"
	default:
		return "application/octet-stream"
	}
}
