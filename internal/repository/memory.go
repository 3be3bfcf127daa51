package repository

import (
	"context"
	"sync"
	"time"

	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/apperr"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/model"
)

// MemoryRepository keeps records in maps guarded by an RWMutex.
type MemoryRepository struct {
	mu       sync.RWMutex
	files    map[string]*model.File
	versions map[string][]model.FileVersion
	forms    map[string]model.FormFillingProperties
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		files:    make(map[string]*model.File),
		versions: make(map[string][]model.FileVersion),
		forms:    make(map[string]model.FormFillingProperties),
	}
}

// Get returns a copy of the record.
func (m *MemoryRepository) Get(ctx context.Context, id string) (*model.File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[id]
	if !ok {
		return nil, apperr.NotFound("repository.Get", "file %s not found", id)
	}
	out := *f
	return &out, nil
}

func (m *MemoryRepository) Create(ctx context.Context, f *model.File, v *model.FileVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.files[f.ID]; exists {
		return apperr.InvalidState("repository.Create", "file %s already exists", f.ID)
	}
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = f.CreatedAt
	}
	f.Version = 0
	applyVersion(f, v)
	stored := *f
	m.files[f.ID] = &stored
	m.versions[f.ID] = []model.FileVersion{*v}
	return nil
}

func (m *MemoryRepository) AddVersion(ctx context.Context, fileID string, v *model.FileVersion) (*model.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[fileID]
	if !ok {
		return nil, apperr.NotFound("repository.AddVersion", "file %s not found", fileID)
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	applyVersion(f, v)
	m.versions[fileID] = append(m.versions[fileID], *v)
	out := *f
	return &out, nil
}

func (m *MemoryRepository) Versions(ctx context.Context, fileID string) ([]model.FileVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.files[fileID]; !ok {
		return nil, apperr.NotFound("repository.Versions", "file %s not found", fileID)
	}
	return append([]model.FileVersion(nil), m.versions[fileID]...), nil
}

func (m *MemoryRepository) AddComment(ctx context.Context, fileID string, version int, comment string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.versions[fileID]
	for i := range versions {
		if versions[i].Version == version {
			versions[i].Comment = appendComment(versions[i].Comment, comment)
			return nil
		}
	}
	return apperr.NotFound("repository.AddComment", "file %s version %d not found", fileID, version)
}

// SetTitle renames the file. Titles are not part of the revision key, so
// ModifiedAt is left alone.
func (m *MemoryRepository) SetTitle(ctx context.Context, fileID, title string) (*model.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[fileID]
	if !ok {
		return nil, apperr.NotFound("repository.SetTitle", "file %s not found", fileID)
	}
	f.Title = title
	out := *f
	return &out, nil
}

func (m *MemoryRepository) Delete(ctx context.Context, fileID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[fileID]; !ok {
		return nil, apperr.NotFound("repository.Delete", "file %s not found", fileID)
	}
	var keys []string
	for _, v := range m.versions[fileID] {
		keys = append(keys, v.BlobKey)
		if v.ChangesKey != "" {
			keys = append(keys, v.ChangesKey)
		}
	}
	delete(m.files, fileID)
	delete(m.versions, fileID)
	delete(m.forms, fileID)
	return keys, nil
}

func (m *MemoryRepository) FormFilling(ctx context.Context, fileID string) (*model.FormFillingProperties, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.forms[fileID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *MemoryRepository) SetFormFilling(ctx context.Context, p *model.FormFillingProperties) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forms[p.FileID] = *p
	return nil
}
