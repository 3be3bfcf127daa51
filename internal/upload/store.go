// Package upload implements resumable chunked uploads: sessions that collect
// byte ranges across requests and commit a file version once every declared
// byte has arrived.
package upload

import (
	"context"
	"sync"
	"time"

	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/apperr"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/keylock"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/model"
)

// SessionStore persists upload session metadata. Get treats an expired
// session as missing.
type SessionStore interface {
	Create(ctx context.Context, s *model.UploadSession) error
	Get(ctx context.Context, id string) (*model.UploadSession, error)
	// Update applies fn to the stored session and persists the result
	// atomically with respect to other updates of the same session. An error
	// from fn is returned as is and leaves the session unchanged.
	Update(ctx context.Context, id string, fn func(*model.UploadSession) error) (*model.UploadSession, error)
	// Delete is idempotent.
	Delete(ctx context.Context, id string) error
	// Expired returns the ids of sessions past their lifetime at now.
	Expired(ctx context.Context, now time.Time) ([]string, error)
}

type sessionShard struct {
	mu       sync.Mutex
	sessions map[string]*model.UploadSession
}

// MemorySessionStore keeps sessions in sharded maps.
type MemorySessionStore struct {
	shards []sessionShard
	now    func() time.Time
}

func NewMemorySessionStore(n int) *MemorySessionStore {
	if n <= 0 {
		n = 32
	}
	s := &MemorySessionStore{shards: make([]sessionShard, n), now: time.Now}
	for i := range s.shards {
		s.shards[i].sessions = make(map[string]*model.UploadSession)
	}
	return s
}

func (m *MemorySessionStore) shard(id string) *sessionShard {
	return &m.shards[keylock.Index(id, len(m.shards))]
}

func (m *MemorySessionStore) Create(ctx context.Context, s *model.UploadSession) error {
	sh := m.shard(s.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.sessions[s.ID]; exists {
		return apperr.InvalidState("upload.Create", "session %s already exists", s.ID)
	}
	sh.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemorySessionStore) Get(ctx context.Context, id string) (*model.UploadSession, error) {
	sh := m.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[id]
	if !ok || s.Expired(m.now()) {
		return nil, apperr.NotFound("upload.Get", "upload session %s not found", id)
	}
	return s.Clone(), nil
}

func (m *MemorySessionStore) Update(ctx context.Context, id string, fn func(*model.UploadSession) error) (*model.UploadSession, error) {
	sh := m.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.sessions[id]
	if !ok || cur.Expired(m.now()) {
		return nil, apperr.NotFound("upload.Update", "upload session %s not found", id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	sh.sessions[id] = next
	return next.Clone(), nil
}

func (m *MemorySessionStore) Delete(ctx context.Context, id string) error {
	sh := m.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.sessions, id)
	return nil
}

func (m *MemorySessionStore) Expired(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		for id, s := range sh.sessions {
			if s.Expired(now) {
				ids = append(ids, id)
			}
		}
		sh.mu.Unlock()
	}
	return ids, nil
}
