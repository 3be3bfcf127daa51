// Package queue carries mail-merge records from the callback handler to the
// delivery worker, either through asynq or an in-process pool.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// MailMergeTask is scheduled once per rendered mail-merge record.
	MailMergeTask = "mailmerge:deliver"
)

// MailMergePayload is everything the worker needs to deliver one record.
type MailMergePayload struct {
	FileID      string `json:"file_id"`
	URL         string `json:"url"`
	FileType    string `json:"file_type"`
	From        string `json:"from"`
	To          string `json:"to"`
	Subject     string `json:"subject"`
	Title       string `json:"title"`
	MessageType string `json:"message_type"`
	RecordIndex int    `json:"record_index"`
	RecordCount int    `json:"record_count"`
}

// Dispatcher hands a record off for delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload MailMergePayload) error
}

// AsynqDispatcher enqueues records into Redis through asynq.
type AsynqDispatcher struct {
	client *asynq.Client
}

func NewAsynqDispatcher(client *asynq.Client) *AsynqDispatcher {
	return &AsynqDispatcher{client: client}
}

// Dispatch enqueues a mail-merge delivery job.
func (d *AsynqDispatcher) Dispatch(ctx context.Context, payload MailMergePayload) error {
	return EnqueueMailMerge(ctx, d.client, payload)
}

// EnqueueMailMerge enqueues a mail-merge delivery job.
func EnqueueMailMerge(ctx context.Context, client *asynq.Client, payload MailMergePayload) error {
	task, err := NewMailMergeTask(payload)
	if err != nil {
		return err
	}
	if _, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(5)); err != nil {
		return fmt.Errorf("enqueue mail merge task: %w", err)
	}
	return nil
}

// NewMailMergeTask serializes payload into an asynq task.
func NewMailMergeTask(payload MailMergePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(MailMergeTask, data), nil
}

// DecodeMailMerge reads the payload of a task.
func DecodeMailMerge(task *asynq.Task) (MailMergePayload, error) {
	var payload MailMergePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}
