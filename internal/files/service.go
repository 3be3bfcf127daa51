// Package files is the storage collaborator shared by the callback state
// machine and the upload coordinator: it commits content as file versions and
// hands out offset-addressed partial objects for resumable uploads.
package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/apperr"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/metrics"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/model"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/repository"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/storage"
)

// SaveOptions describe where a new version came from.
type SaveOptions struct {
	Principal     string
	ForcesaveType model.ForcesaveType
	Comment       string
	// Error marks the version as recovered from a damaged session.
	Error *string
	// Changes and History are the editor's change archive and history JSON.
	// Both are dropped for provider entries.
	Changes io.Reader
	History []byte
	// Source labels the commit in metrics (callback, upload).
	Source string
}

// NewFile describes a file created by an upload.
type NewFile struct {
	FolderID  string
	Title     string
	OwnerID   string
	Encrypted bool
}

// Service commits content through the repository and the blob store.
type Service struct {
	repo    repository.FileRepository
	blobs   storage.BlobStore
	maxSize int64
	logger  *slog.Logger
}

// NewService creates a Service. maxSize bounds content of unknown length.
func NewService(repo repository.FileRepository, blobs storage.BlobStore, maxSize int64, logger *slog.Logger) *Service {
	return &Service{
		repo:    repo,
		blobs:   blobs,
		maxSize: maxSize,
		logger:  logger.With(slog.String("component", "files")),
	}
}

func (s *Service) Get(ctx context.Context, fileID string) (*model.File, error) {
	return s.repo.Get(ctx, fileID)
}

func (s *Service) Rename(ctx context.Context, fileID, title string) (*model.File, error) {
	if title == "" {
		return nil, apperr.InvalidArgument("files.Rename", "title is empty")
	}
	return s.repo.SetTitle(ctx, fileID, title)
}

func (s *Service) AddComment(ctx context.Context, fileID string, version int, comment string) error {
	return s.repo.AddComment(ctx, fileID, version, comment)
}

func (s *Service) FormFilling(ctx context.Context, fileID string) (*model.FormFillingProperties, error) {
	return s.repo.FormFilling(ctx, fileID)
}

// SaveNewVersion stores r as the next version of fileID. A length of -1 means
// unknown. The previous version stays current until the new bytes are fully
// persisted; on any failure nothing is recorded.
func (s *Service) SaveNewVersion(ctx context.Context, fileID string, r io.Reader, n int64, opts SaveOptions) (*model.File, error) {
	const op = "files.SaveNewVersion"
	f, err := s.repo.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	blobKey, size, err := s.putContent(ctx, fileID, r, n)
	if err != nil {
		return nil, err
	}
	v := &model.FileVersion{
		BlobKey:       blobKey,
		ContentLength: size,
		ForcesaveType: opts.ForcesaveType,
		Comment:       opts.Comment,
		CreatedBy:     opts.Principal,
		Error:         opts.Error,
	}
	if !f.ProviderEntry {
		if opts.Changes != nil {
			changesKey := fmt.Sprintf("files/%s/changes/%s.zip", fileID, uuid.NewString())
			if err := s.blobs.Put(ctx, changesKey, opts.Changes, -1, "application/zip"); err != nil {
				// The content itself is intact; history is best effort.
				s.logger.Warn("store change archive", slog.String("file_id", fileID), slog.String("error", err.Error()))
			} else {
				v.ChangesKey = changesKey
			}
		}
		v.History = opts.History
	}

	updated, err := s.repo.AddVersion(ctx, fileID, v)
	if err != nil {
		s.discard(ctx, blobKey, v.ChangesKey)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	metrics.VersionsCommitted.WithLabelValues(source(opts.Source)).Inc()
	s.logger.Info("version committed",
		slog.String("file_id", fileID),
		slog.Int("version", updated.Version),
		slog.Int64("bytes", size),
		slog.String("forcesave", opts.ForcesaveType.String()),
	)
	return updated, nil
}

// CreateFile stores r as version 1 of a new file.
func (s *Service) CreateFile(ctx context.Context, nf NewFile, r io.Reader, n int64, opts SaveOptions) (*model.File, error) {
	const op = "files.CreateFile"
	if nf.Title == "" {
		return nil, apperr.InvalidArgument(op, "title is empty")
	}
	id := uuid.NewString()
	blobKey, size, err := s.putContent(ctx, id, r, n)
	if err != nil {
		return nil, err
	}
	f := &model.File{
		ID:        id,
		FolderID:  nf.FolderID,
		Title:     nf.Title,
		OwnerID:   nf.OwnerID,
		Encrypted: nf.Encrypted,
	}
	v := &model.FileVersion{
		BlobKey:       blobKey,
		ContentLength: size,
		Comment:       opts.Comment,
		CreatedBy:     nf.OwnerID,
	}
	if err := s.repo.Create(ctx, f, v); err != nil {
		s.discard(ctx, blobKey)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	metrics.VersionsCommitted.WithLabelValues(source(opts.Source)).Inc()
	s.logger.Info("file created", slog.String("file_id", id), slog.String("title", nf.Title), slog.Int64("bytes", size))
	return f, nil
}

// Open returns the file and a reader over its current content.
func (s *Service) Open(ctx context.Context, fileID string) (*model.File, io.ReadCloser, error) {
	f, err := s.repo.Get(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	rc, _, err := s.blobs.Get(ctx, f.BlobKey)
	if err != nil {
		return nil, nil, err
	}
	return f, rc, nil
}

// OpenVersion returns a reader over a stored version of fileID.
func (s *Service) OpenVersion(ctx context.Context, fileID string, version int) (*model.FileVersion, io.ReadCloser, error) {
	versions, err := s.repo.Versions(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	for _, v := range versions {
		if v.Version != version {
			continue
		}
		rc, _, err := s.blobs.Get(ctx, v.BlobKey)
		if err != nil {
			return nil, nil, err
		}
		return &v, rc, nil
	}
	return nil, nil, apperr.NotFound("files.OpenVersion", "file %s has no version %d", fileID, version)
}

// Delete removes the file record and then its blobs. Blob failures are
// logged; the record is already gone.
func (s *Service) Delete(ctx context.Context, fileID string) error {
	keys, err := s.repo.Delete(ctx, fileID)
	if err != nil {
		return err
	}
	s.discard(ctx, keys...)
	s.logger.Info("file deleted", slog.String("file_id", fileID))
	return nil
}

func (s *Service) putContent(ctx context.Context, fileID string, r io.Reader, n int64) (string, int64, error) {
	const op = "files.putContent"
	if n < 0 {
		tmp, err := s.spool(r)
		if err != nil {
			return "", 0, err
		}
		defer os.Remove(tmp.path)
		defer tmp.f.Close()
		r, n = tmp.f, tmp.size
	} else if s.maxSize > 0 && n > s.maxSize {
		return "", 0, apperr.InvalidArgument(op, "content of %d bytes exceeds limit %d", n, s.maxSize)
	}
	key := fmt.Sprintf("files/%s/%s", fileID, uuid.NewString())
	if err := s.blobs.Put(ctx, key, r, n, "application/octet-stream"); err != nil {
		return "", 0, err
	}
	return key, n, nil
}

// cleanupTimeout bounds blob cleanup that runs after the request context
// may already be cancelled.
const cleanupTimeout = 30 * time.Second

type spooled struct {
	f    *os.File
	path string
	size int64
}

// spool copies r into a temp file so its length is known before the blob
// store sees it.
func (s *Service) spool(r io.Reader) (*spooled, error) {
	const op = "files.spool"
	tmpFile, err := os.CreateTemp("", "docsync-*")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, fmt.Errorf("create temp file: %w", err))
	}
	src := r
	if s.maxSize > 0 {
		src = io.LimitReader(r, s.maxSize+1)
	}
	written, err := io.Copy(tmpFile, src)
	if err == nil && s.maxSize > 0 && written > s.maxSize {
		err = apperr.InvalidArgument(op, "content exceeds limit (%d bytes)", s.maxSize)
	}
	if err == nil {
		_, err = tmpFile.Seek(0, io.SeekStart)
	}
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, apperr.Upstream(op, fmt.Errorf("read content: %w", err))
	}
	return &spooled{f: tmpFile, path: tmpFile.Name(), size: written}, nil
}

func (s *Service) discard(ctx context.Context, keys ...string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	for _, k := range keys {
		if k == "" {
			continue
		}
		if err := s.blobs.Delete(ctx, k); err != nil {
			s.logger.Warn("delete blob", slog.String("key", k), slog.String("error", err.Error()))
		}
	}
}

func source(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

