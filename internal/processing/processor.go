// Package processing delivers mail-merge records in process when no Redis is
// configured: a fixed set of goroutines drains a buffered channel.
package processing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/apperr"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/metrics"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/queue"
)

// Handler delivers one record.
type Handler interface {
	Deliver(ctx context.Context, payload queue.MailMergePayload) error
}

// Pool consumes records and hands them to a Handler.
type Pool struct {
	handler Handler
	queue   chan queue.MailMergePayload
	workers int
	logger  *slog.Logger
}

// New builds a Pool with queue capacity tied to worker count.
func New(handler Handler, workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		handler: handler,
		queue:   make(chan queue.MailMergePayload, workers*16),
		workers: workers,
		logger:  logger.With(slog.String("component", "mailmerge_pool")),
	}
}

// Start launches worker goroutines that run until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		go p.worker(ctx)
	}
}

// Dispatch queues a record. A full queue is reported to the caller instead of
// blocking the callback request.
func (p *Pool) Dispatch(ctx context.Context, payload queue.MailMergePayload) error {
	select {
	case p.queue <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		metrics.MailMergeJobs.WithLabelValues("dispatch", "dropped").Inc()
		return apperr.Upstream("processing.Dispatch", errQueueFull)
	}
}

func (p *Pool) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-p.queue:
			if err := p.handler.Deliver(ctx, payload); err != nil {
				p.logger.Error("mail merge delivery failed",
					slog.String("file_id", payload.FileID),
					slog.Int("record", payload.RecordIndex),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

var errQueueFull = errors.New("mail merge queue full")
