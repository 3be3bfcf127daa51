// Package coauthoring tracks which principals currently have a file open in
// the external editor.
package coauthoring

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/keylock"
)

// Editor is one principal editing a file.
type Editor struct {
	Principal string `json:"principal"`
	// Alone marks an editor that opened the file without co-authoring, so
	// nobody else may join while it is the only one.
	Alone  bool      `json:"alone"`
	SeenAt time.Time `json:"seenAt"`
}

// Registry is the editing set shared by the access resolver and the callback
// state machine. Removing an absent principal is a no-op.
type Registry interface {
	Add(ctx context.Context, fileID, principal string, alone bool) error
	// Remove drops the listed principals, or every editor when none are given.
	Remove(ctx context.Context, fileID string, principals ...string) error
	List(ctx context.Context, fileID string) ([]Editor, error)
	IsEditingAlone(ctx context.Context, fileID string) (bool, error)
	// Update reads the editors of fileID, asks decide for a Change and applies
	// it with no other mutation of the file in between. decide may be called
	// more than once and must not do I/O.
	Update(ctx context.Context, fileID string, decide func(current []Editor) (Change, error)) error
}

// Change is applied by Update: removals first, then additions. SeenAt of
// added editors is set by the registry.
type Change struct {
	Remove []string
	Add    []Editor
}

// Empty reports whether c changes nothing.
func (c Change) Empty() bool {
	return len(c.Remove) == 0 && len(c.Add) == 0
}

// EditingAlone reports whether editors hold exactly one principal that
// refuses co-authoring.
func EditingAlone(editors []Editor) bool {
	return len(editors) == 1 && editors[0].Alone
}

// Principals returns the principal ids of editors.
func Principals(editors []Editor) []string {
	out := make([]string, 0, len(editors))
	for _, e := range editors {
		out = append(out, e.Principal)
	}
	return out
}

type shard struct {
	mu    sync.Mutex
	files map[string]map[string]Editor
}

// MemoryRegistry keeps the editing set in process. The file map is split into
// shards, each with its own mutex, so mutations of one file serialize while
// unrelated files proceed in parallel.
type MemoryRegistry struct {
	shards []shard
	now    func() time.Time
}

// NewMemoryRegistry creates a registry with n shards (256 when n <= 0).
func NewMemoryRegistry(n int) *MemoryRegistry {
	if n <= 0 {
		n = 256
	}
	r := &MemoryRegistry{shards: make([]shard, n), now: time.Now}
	for i := range r.shards {
		r.shards[i].files = make(map[string]map[string]Editor)
	}
	return r
}

func (r *MemoryRegistry) shard(fileID string) *shard {
	return &r.shards[keylock.Index(fileID, len(r.shards))]
}

// Add records principal as editing fileID; adding twice refreshes the entry.
func (r *MemoryRegistry) Add(_ context.Context, fileID, principal string, alone bool) error {
	s := r.shard(fileID)
	s.mu.Lock()
	defer s.mu.Unlock()
	editors, ok := s.files[fileID]
	if !ok {
		editors = make(map[string]Editor)
		s.files[fileID] = editors
	}
	editors[principal] = Editor{Principal: principal, Alone: alone, SeenAt: r.now().UTC()}
	return nil
}

// Remove drops principals from fileID, or clears the file when none are given.
func (r *MemoryRegistry) Remove(_ context.Context, fileID string, principals ...string) error {
	s := r.shard(fileID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(principals) == 0 {
		delete(s.files, fileID)
		return nil
	}
	editors, ok := s.files[fileID]
	if !ok {
		return nil
	}
	for _, p := range principals {
		delete(editors, p)
	}
	if len(editors) == 0 {
		delete(s.files, fileID)
	}
	return nil
}

// List returns a snapshot of the editors of fileID ordered by principal.
func (r *MemoryRegistry) List(_ context.Context, fileID string) ([]Editor, error) {
	s := r.shard(fileID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot(s.files[fileID]), nil
}

func snapshot(editors map[string]Editor) []Editor {
	out := make([]Editor, 0, len(editors))
	for _, e := range editors {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Principal < out[j].Principal })
	return out
}

// Update holds the file's shard while decide runs and the change is applied.
func (r *MemoryRegistry) Update(_ context.Context, fileID string, decide func([]Editor) (Change, error)) error {
	s := r.shard(fileID)
	s.mu.Lock()
	defer s.mu.Unlock()
	change, err := decide(snapshot(s.files[fileID]))
	if err != nil || change.Empty() {
		return err
	}
	editors, ok := s.files[fileID]
	if !ok {
		editors = make(map[string]Editor)
		s.files[fileID] = editors
	}
	for _, p := range change.Remove {
		delete(editors, p)
	}
	now := r.now().UTC()
	for _, e := range change.Add {
		e.SeenAt = now
		editors[e.Principal] = e
	}
	if len(editors) == 0 {
		delete(s.files, fileID)
	}
	return nil
}

// IsEditingAlone reports whether one non-co-authoring principal holds fileID.
func (r *MemoryRegistry) IsEditingAlone(ctx context.Context, fileID string) (bool, error) {
	editors, err := r.List(ctx, fileID)
	if err != nil {
		return false, err
	}
	return EditingAlone(editors), nil
}

// Prune drops editors not refreshed since cutoff and returns how many went.
func (r *MemoryRegistry) Prune(cutoff time.Time) int {
	removed := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for fileID, editors := range s.files {
			for p, e := range editors {
				if e.SeenAt.Before(cutoff) {
					delete(editors, p)
					removed++
				}
			}
			if len(editors) == 0 {
				delete(s.files, fileID)
			}
		}
		s.mu.Unlock()
	}
	return removed
}
