package apperr

import (
	"fmt"
	"strings"
	"sync"
)

// ItemError is the failure of one element of a batch operation.
type ItemError struct {
	Item string `json:"item"`
	Kind Kind   `json:"kind"`
	Err  error  `json:"-"`
}

func (e ItemError) Error() string {
	return fmt.Sprintf("%s: %v", e.Item, e.Err)
}

// Batch collects per-item failures so one bad item does not abort the rest.
// It is safe for concurrent use.
type Batch struct {
	Op    string
	mu    sync.Mutex
	items []ItemError
}

// Add records err for item; nil errors are ignored.
func (b *Batch) Add(item string, err error) {
	if err == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, ItemError{Item: item, Kind: KindOf(err), Err: err})
}

// Failures returns a copy of the recorded failures.
func (b *Batch) Failures() []ItemError {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ItemError(nil), b.items...)
}

// Err returns nil when nothing failed.
func (b *Batch) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return nil
	}
	return &BatchError{Op: b.Op, Items: append([]ItemError(nil), b.items...)}
}

// BatchError reports every failed item of a batch.
type BatchError struct {
	Op    string
	Items []ItemError
}

func (e *BatchError) Error() string {
	parts := make([]string, 0, len(e.Items))
	for _, it := range e.Items {
		parts = append(parts, it.Error())
	}
	return fmt.Sprintf("%s: %d item(s) failed: %s", e.Op, len(e.Items), strings.Join(parts, "; "))
}

func (e *BatchError) Unwrap() []error {
	out := make([]error, 0, len(e.Items))
	for _, it := range e.Items {
		out = append(out, it.Err)
	}
	return out
}
