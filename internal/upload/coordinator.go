package upload

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/apperr"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/files"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/keylock"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/metrics"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/model"
)

// RequestKind is what one request to the upload endpoint asks for.
type RequestKind int

const (
	RequestNone RequestKind = iota
	RequestInitiate
	RequestUpload
	RequestUploadAsync
	RequestFinalize
	RequestAbort
)

func (k RequestKind) String() string {
	switch k {
	case RequestInitiate:
		return "initiate"
	case RequestUpload:
		return "upload"
	case RequestUploadAsync:
		return "upload_async"
	case RequestFinalize:
		return "finalize"
	case RequestAbort:
		return "abort"
	default:
		return "none"
	}
}

// Classify maps the query flags of an upload request onto exactly one kind.
// Flags are checked in a fixed order; anything else that carries an upload
// id is a plain chunk.
func Classify(q url.Values) RequestKind {
	flag := func(name string) bool {
		v, err := strconv.ParseBool(q.Get(name))
		return err == nil && v
	}
	switch {
	case flag("initiate"):
		return RequestInitiate
	case flag("abort"):
		if q.Get("uid") == "" {
			return RequestNone
		}
		return RequestAbort
	case flag("finalize"):
		if q.Get("uid") == "" {
			return RequestNone
		}
		return RequestFinalize
	case flag("upload"):
		if q.Get("uid") == "" || q.Get("chunknumber") == "" {
			return RequestNone
		}
		return RequestUploadAsync
	case q.Get("uid") != "":
		return RequestUpload
	default:
		return RequestNone
	}
}

// InitiateRequest describes a new upload. An empty FileID means a new file.
type InitiateRequest struct {
	FolderID     string
	FileID       string
	FileName     string
	DeclaredSize int64
	Encrypted    bool
}

// Chunk is one piece of an upload. Number is nil for the sequential variant.
type Chunk struct {
	Body         io.Reader
	DeclaredSize int64
	Number       *int64
}

// Config tunes the coordinator.
type Config struct {
	ChunkSize   int64
	MaxFileSize int64
	SessionTTL  time.Duration
}

// Coordinator drives sessions from initiation to a committed file version.
// Session changes go through SessionStore.Update, which is atomic across
// instances; a striped lock additionally orders requests for one session in
// this process and is never held across storage I/O.
type Coordinator struct {
	store  SessionStore
	files  *files.Service
	locks  *keylock.Striped
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

func NewCoordinator(store SessionStore, fs *files.Service, cfg Config, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:  store,
		files:  fs,
		locks:  keylock.New(0),
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With(slog.String("component", "upload")),
	}
}

// Initiate opens a session owned by principal.
func (c *Coordinator) Initiate(ctx context.Context, principal string, req InitiateRequest) (*model.UploadSession, error) {
	const op = "upload.Initiate"
	switch {
	case req.DeclaredSize <= 0:
		return nil, apperr.InvalidArgument(op, "declared size must be positive")
	case req.FileName == "":
		return nil, apperr.InvalidArgument(op, "file name is empty")
	case c.cfg.MaxFileSize > 0 && req.DeclaredSize > c.cfg.MaxFileSize:
		return nil, apperr.InvalidArgument(op, "declared size %d exceeds limit %d", req.DeclaredSize, c.cfg.MaxFileSize)
	case req.FileID == "" && req.FolderID == "":
		return nil, apperr.InvalidArgument(op, "folder id is required for a new file")
	}
	if req.FileID != "" {
		f, err := c.files.Get(ctx, req.FileID)
		if err != nil {
			return nil, err
		}
		if req.FolderID == "" {
			req.FolderID = f.FolderID
		}
	}
	now := c.now().UTC()
	s := &model.UploadSession{
		ID:                 uuid.NewString(),
		OwnerID:            principal,
		TargetFolderID:     req.FolderID,
		TargetFileID:       req.FileID,
		FileName:           req.FileName,
		DeclaredTotalBytes: req.DeclaredSize,
		ChunkSize:          c.cfg.ChunkSize,
		UseChunks:          req.DeclaredSize > c.cfg.ChunkSize,
		Encrypted:          req.Encrypted,
		CreatedAt:          now,
		ExpiresAt:          now.Add(c.cfg.SessionTTL),
	}
	if err := c.store.Create(ctx, s); err != nil {
		return nil, err
	}
	metrics.UploadSessions.WithLabelValues("initiated").Inc()
	c.logger.Info("upload initiated",
		slog.String("session_id", s.ID),
		slog.String("owner", principal),
		slog.Int64("bytes_total", s.DeclaredTotalBytes),
		slog.Bool("use_chunks", s.UseChunks),
	)
	return s, nil
}

// load fetches the session and checks ownership. Callers hold the lock.
func (c *Coordinator) load(ctx context.Context, op, principal, sessionID string) (*model.UploadSession, error) {
	s, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := owned(op, principal, s); err != nil {
		return nil, err
	}
	return s, nil
}

func owned(op, principal string, s *model.UploadSession) error {
	if s.OwnerID != principal {
		return apperr.Unauthorized(op, "session %s belongs to another principal", s.ID)
	}
	return nil
}

func finalizing(op string, s *model.UploadSession) error {
	if s.Finalizing {
		return apperr.InvalidState(op, "session %s is being finalized", s.ID)
	}
	return nil
}

// UploadChunk writes chunk into the session. The sequential variant appends
// at the current end of received data; the multipart variant writes at
// Number*ChunkSize so chunks may arrive in any order. A chunk that would pass
// the declared size fails with InvalidState and leaves the session untouched.
func (c *Coordinator) UploadChunk(ctx context.Context, principal, sessionID string, chunk Chunk) (*model.UploadSession, error) {
	const op = "upload.UploadChunk"
	if chunk.DeclaredSize <= 0 {
		metrics.UploadChunksTotal.WithLabelValues("rejected").Inc()
		return nil, apperr.InvalidArgument(op, "chunk size must be positive")
	}

	unlock := c.locks.Lock(sessionID)
	s, err := c.load(ctx, op, principal, sessionID)
	if err != nil {
		unlock()
		metrics.UploadChunksTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if err := finalizing(op, s); err != nil {
		unlock()
		metrics.UploadChunksTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	var offset int64
	if chunk.Number != nil {
		if *chunk.Number < 0 {
			unlock()
			metrics.UploadChunksTotal.WithLabelValues("rejected").Inc()
			return nil, apperr.InvalidArgument(op, "chunk number must not be negative")
		}
		offset = *chunk.Number * s.ChunkSize
		// Only the last chunk may be short, otherwise chunks would alias.
		if chunk.DeclaredSize != s.ChunkSize && offset+chunk.DeclaredSize != s.DeclaredTotalBytes {
			unlock()
			metrics.UploadChunksTotal.WithLabelValues("rejected").Inc()
			return nil, apperr.InvalidArgument(op, "chunk %d must be %d bytes", *chunk.Number, s.ChunkSize)
		}
	} else {
		offset = s.NextOffset()
	}
	r := model.ByteRange{Start: offset, End: offset + chunk.DeclaredSize}
	if r.End > s.DeclaredTotalBytes {
		unlock()
		metrics.UploadChunksTotal.WithLabelValues("overflow").Inc()
		return nil, apperr.InvalidState(op, "chunk [%d,%d) passes declared size %d", r.Start, r.End, s.DeclaredTotalBytes)
	}
	if covered := s.Covered(r); covered != 0 && covered != r.Len() {
		unlock()
		metrics.UploadChunksTotal.WithLabelValues("rejected").Inc()
		return nil, apperr.InvalidState(op, "chunk [%d,%d) partially overlaps received data", r.Start, r.End)
	}
	unlock()

	// The body is counted so a short or long body is caught before it is
	// recorded as received.
	body := &countingReader{r: io.LimitReader(chunk.Body, chunk.DeclaredSize+1)}
	if err := c.files.OpenPartial(sessionID).WriteAt(ctx, r.Start, body, chunk.DeclaredSize); err != nil {
		metrics.UploadChunksTotal.WithLabelValues("failed").Inc()
		if body.n != chunk.DeclaredSize {
			return nil, apperr.InvalidArgument(op, "chunk body does not match declared size %d", chunk.DeclaredSize)
		}
		return nil, err
	}
	// Backends that stop reading at the declared size leave the excess behind.
	if extra, _ := io.ReadFull(body, make([]byte, 1)); extra > 0 || body.n != chunk.DeclaredSize {
		metrics.UploadChunksTotal.WithLabelValues("rejected").Inc()
		return nil, apperr.InvalidArgument(op, "chunk body does not match declared size %d", chunk.DeclaredSize)
	}

	unlock = c.locks.Lock(sessionID)
	defer unlock()
	// The session may have been aborted, finalized or extended while writing.
	var before int64
	s, err = c.store.Update(ctx, sessionID, func(cur *model.UploadSession) error {
		if err := owned(op, principal, cur); err != nil {
			return err
		}
		if err := finalizing(op, cur); err != nil {
			return err
		}
		if covered := cur.Covered(r); covered != 0 && covered != r.Len() {
			return apperr.InvalidState(op, "chunk [%d,%d) partially overlaps received data", r.Start, r.End)
		}
		before = cur.ReceivedBytes
		cur.AddRange(r)
		return nil
	})
	if err != nil {
		outcome := "rejected"
		if apperr.KindOf(err) == apperr.KindUpstreamUnavailable {
			outcome = "failed"
		}
		metrics.UploadChunksTotal.WithLabelValues(outcome).Inc()
		return nil, err
	}
	metrics.UploadChunksTotal.WithLabelValues("accepted").Inc()
	metrics.UploadBytesTotal.Add(float64(s.ReceivedBytes - before))
	c.logger.Debug("chunk stored",
		slog.String("session_id", sessionID),
		slog.Int64("offset", r.Start),
		slog.Int64("bytes", r.Len()),
		slog.Int64("received", s.ReceivedBytes),
	)
	return s, nil
}

// IsComplete reports whether every declared byte has been received.
func (c *Coordinator) IsComplete(s *model.UploadSession) bool {
	return s.IsComplete()
}

// Session returns the caller's session.
func (c *Coordinator) Session(ctx context.Context, principal, sessionID string) (*model.UploadSession, error) {
	unlock := c.locks.Lock(sessionID)
	defer unlock()
	return c.load(ctx, "upload.Session", principal, sessionID)
}

// Finalize commits a complete session as a new file or a new version of the
// target file and then removes the session and its partial bytes. The session
// is claimed first; while the claim is held every other request on it fails
// with InvalidState. A failed commit releases the claim.
func (c *Coordinator) Finalize(ctx context.Context, principal, sessionID string) (*model.File, error) {
	const op = "upload.Finalize"
	unlock := c.locks.Lock(sessionID)
	s, err := c.store.Update(ctx, sessionID, func(s *model.UploadSession) error {
		if err := owned(op, principal, s); err != nil {
			return err
		}
		if err := finalizing(op, s); err != nil {
			return err
		}
		if !s.IsComplete() {
			return apperr.InvalidState(op, "session %s has %d of %d bytes", sessionID, s.ReceivedBytes, s.DeclaredTotalBytes)
		}
		s.Finalizing = true
		return nil
	})
	unlock()
	if err != nil {
		return nil, err
	}

	f, err := c.commit(ctx, principal, s)
	if err != nil {
		metrics.UploadSessions.WithLabelValues("finalize_failed").Inc()
		c.release(ctx, sessionID)
		return nil, err
	}
	c.cleanup(ctx, sessionID)
	metrics.UploadSessions.WithLabelValues("finalized").Inc()
	c.logger.Info("upload finalized",
		slog.String("session_id", sessionID),
		slog.String("file_id", f.ID),
		slog.Int("version", f.Version),
	)
	return f, nil
}

func (c *Coordinator) commit(ctx context.Context, principal string, s *model.UploadSession) (*model.File, error) {
	partial := c.files.OpenPartial(s.ID)
	content, err := partial.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer content.Close()

	opts := files.SaveOptions{Principal: principal, Source: "upload"}
	var f *model.File
	if s.TargetFileID != "" {
		f, err = c.files.SaveNewVersion(ctx, s.TargetFileID, content, s.DeclaredTotalBytes, opts)
	} else {
		f, err = c.files.CreateFile(ctx, files.NewFile{
			FolderID:  s.TargetFolderID,
			Title:     s.FileName,
			OwnerID:   principal,
			Encrypted: s.Encrypted,
		}, content, s.DeclaredTotalBytes, opts)
	}
	return f, err
}

// release drops the finalize claim so the client can retry.
func (c *Coordinator) release(ctx context.Context, sessionID string) {
	unlock := c.locks.Lock(sessionID)
	defer unlock()
	_, err := c.store.Update(ctx, sessionID, func(s *model.UploadSession) error {
		s.Finalizing = false
		return nil
	})
	if err != nil {
		c.logger.Warn("release finalize claim", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
}

// Abort drops the session and its partial bytes. Aborting an unknown or
// already removed session succeeds; a session being finalized cannot be
// aborted.
func (c *Coordinator) Abort(ctx context.Context, principal, sessionID string) error {
	const op = "upload.Abort"
	unlock := c.locks.Lock(sessionID)
	s, err := c.load(ctx, op, principal, sessionID)
	if err == nil {
		err = finalizing(op, s)
	}
	unlock()
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return err
	}
	c.cleanup(ctx, sessionID)
	metrics.UploadSessions.WithLabelValues("aborted").Inc()
	c.logger.Info("upload aborted", slog.String("session_id", sessionID))
	return nil
}

func (c *Coordinator) cleanup(ctx context.Context, sessionID string) {
	unlock := c.locks.Lock(sessionID)
	err := c.store.Delete(ctx, sessionID)
	unlock()
	if err != nil {
		c.logger.Warn("delete session", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
	if err := c.files.OpenPartial(sessionID).Remove(ctx); err != nil {
		c.logger.Warn("remove partial data", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
}

// PurgeExpired removes sessions past their lifetime and returns how many
// were purged.
func (c *Coordinator) PurgeExpired(ctx context.Context) (int, error) {
	ids, err := c.store.Expired(ctx, c.now())
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		c.cleanup(ctx, id)
	}
	if len(ids) > 0 {
		metrics.UploadSessions.WithLabelValues("expired").Add(float64(len(ids)))
		c.logger.Info("expired upload sessions purged", slog.Int("count", len(ids)))
	}
	return len(ids), nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
