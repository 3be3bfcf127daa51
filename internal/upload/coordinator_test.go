package upload

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/apperr"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/files"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/model"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/repository"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/storage"
)

type fixture struct {
	coord *Coordinator
	store *MemorySessionStore
	files *files.Service
	blobs *storage.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	blobs := storage.NewMemoryStore()
	fs := files.NewService(repository.NewMemoryRepository(), blobs, 1<<20, logger)
	store := NewMemorySessionStore(4)
	coord := NewCoordinator(store, fs, Config{ChunkSize: 100, MaxFileSize: 1 << 20, SessionTTL: time.Hour}, logger)
	return &fixture{coord: coord, store: store, files: fs, blobs: blobs}
}

func chunk(b byte, n int) Chunk {
	return Chunk{Body: strings.NewReader(strings.Repeat(string(b), n)), DeclaredSize: int64(n)}
}

func numbered(b byte, n int, number int64) Chunk {
	c := chunk(b, n)
	c.Number = &number
	return c
}

func content(t *testing.T, fs *files.Service, id string) string {
	t.Helper()
	_, rc, err := fs.Open(context.Background(), id)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestSequentialUploadFinalizes(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	s, err := fx.coord.Initiate(ctx, "alice", InitiateRequest{FolderID: "d1", FileName: "big.bin", DeclaredSize: 300})
	require.NoError(t, err)
	assert.True(t, s.UseChunks)

	var last int64
	for _, b := range []byte{'a', 'b', 'c'} {
		s, err = fx.coord.UploadChunk(ctx, "alice", s.ID, chunk(b, 100))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, s.ReceivedBytes, last)
		last = s.ReceivedBytes
	}
	require.True(t, fx.coord.IsComplete(s))

	f, err := fx.coord.Finalize(ctx, "alice", s.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 300, f.ContentLength)
	assert.Equal(t, "big.bin", f.Title)
	assert.Equal(t, strings.Repeat("a", 100)+strings.Repeat("b", 100)+strings.Repeat("c", 100), content(t, fx.files, f.ID))

	_, err = fx.store.Get(ctx, s.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Equal(t, 1, fx.blobs.Len(), "only the committed version remains")
}

func TestOutOfOrderMultipartUpload(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	s, err := fx.coord.Initiate(ctx, "alice", InitiateRequest{FolderID: "d1", FileName: "big.bin", DeclaredSize: 300})
	require.NoError(t, err)

	s, err = fx.coord.UploadChunk(ctx, "alice", s.ID, numbered('c', 100, 2))
	require.NoError(t, err)
	assert.False(t, s.IsComplete())
	s, err = fx.coord.UploadChunk(ctx, "alice", s.ID, numbered('a', 100, 0))
	require.NoError(t, err)
	assert.False(t, s.IsComplete())
	s, err = fx.coord.UploadChunk(ctx, "alice", s.ID, numbered('b', 100, 1))
	require.NoError(t, err)
	assert.True(t, fx.coord.IsComplete(s))

	f, err := fx.coord.Finalize(ctx, "alice", s.ID)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", 100)+strings.Repeat("b", 100)+strings.Repeat("c", 100), content(t, fx.files, f.ID))
}

func TestRepeatedChunkIsCountedOnce(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	s, err := fx.coord.Initiate(ctx, "alice", InitiateRequest{FolderID: "d1", FileName: "f.bin", DeclaredSize: 250})
	require.NoError(t, err)

	_, err = fx.coord.UploadChunk(ctx, "alice", s.ID, numbered('a', 100, 0))
	require.NoError(t, err)
	s, err = fx.coord.UploadChunk(ctx, "alice", s.ID, numbered('a', 100, 0))
	require.NoError(t, err)
	assert.EqualValues(t, 100, s.ReceivedBytes)

	s, err = fx.coord.UploadChunk(ctx, "alice", s.ID, numbered('c', 50, 2))
	require.NoError(t, err)
	assert.EqualValues(t, 150, s.ReceivedBytes)
	assert.False(t, s.IsComplete())
}

func TestConcurrentMultipartChunks(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	s, err := fx.coord.Initiate(ctx, "alice", InitiateRequest{FolderID: "d1", FileName: "f.bin", DeclaredSize: 1000})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := int64(0); i < 10; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			_, err := fx.coord.UploadChunk(ctx, "alice", s.ID, numbered('x', 100, n))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	s, err = fx.coord.Session(ctx, "alice", s.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, s.ReceivedBytes)
	assert.True(t, s.IsComplete())
}

func TestOverflowLeavesSessionUnmodified(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	s, err := fx.coord.Initiate(ctx, "alice", InitiateRequest{FolderID: "d1", FileName: "f.bin", DeclaredSize: 150})
	require.NoError(t, err)
	_, err = fx.coord.UploadChunk(ctx, "alice", s.ID, chunk('a', 100))
	require.NoError(t, err)

	_, err = fx.coord.UploadChunk(ctx, "alice", s.ID, chunk('b', 100))
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))

	s, err = fx.coord.Session(ctx, "alice", s.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 100, s.ReceivedBytes)

	// Retried with corrected framing.
	s, err = fx.coord.UploadChunk(ctx, "alice", s.ID, chunk('b', 50))
	require.NoError(t, err)
	assert.True(t, s.IsComplete())
}

func TestChunkBodyMustMatchDeclaredSize(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	s, err := fx.coord.Initiate(ctx, "alice", InitiateRequest{FolderID: "d1", FileName: "f.bin", DeclaredSize: 300})
	require.NoError(t, err)

	_, err = fx.coord.UploadChunk(ctx, "alice", s.ID, Chunk{Body: strings.NewReader("short"), DeclaredSize: 100})
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))

	_, err = fx.coord.UploadChunk(ctx, "alice", s.ID, numbered('a', 40, 0))
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))

	s, err = fx.coord.Session(ctx, "alice", s.ID)
	require.NoError(t, err)
	assert.Zero(t, s.ReceivedBytes)
}

func TestFinalizeBeforeComplete(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	s, err := fx.coord.Initiate(ctx, "alice", InitiateRequest{FolderID: "d1", FileName: "f.bin", DeclaredSize: 200})
	require.NoError(t, err)
	_, err = fx.coord.UploadChunk(ctx, "alice", s.ID, chunk('a', 100))
	require.NoError(t, err)

	_, err = fx.coord.Finalize(ctx, "alice", s.ID)
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))

	s, err = fx.coord.UploadChunk(ctx, "alice", s.ID, chunk('b', 100))
	require.NoError(t, err)
	_, err = fx.coord.Finalize(ctx, "alice", s.ID)
	assert.NoError(t, err)
}

func TestOtherPrincipalIsUnauthorized(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	s, err := fx.coord.Initiate(ctx, "alice", InitiateRequest{FolderID: "d1", FileName: "f.bin", DeclaredSize: 100})
	require.NoError(t, err)

	_, err = fx.coord.UploadChunk(ctx, "mallory", s.ID, chunk('a', 100))
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
	_, err = fx.coord.Finalize(ctx, "mallory", s.ID)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(fx.coord.Abort(ctx, "mallory", s.ID)))

	_, err = fx.coord.Session(ctx, "alice", s.ID)
	assert.NoError(t, err)
}

func TestAbortIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	s, err := fx.coord.Initiate(ctx, "alice", InitiateRequest{FolderID: "d1", FileName: "f.bin", DeclaredSize: 300})
	require.NoError(t, err)
	_, err = fx.coord.UploadChunk(ctx, "alice", s.ID, chunk('a', 100))
	require.NoError(t, err)

	require.NoError(t, fx.coord.Abort(ctx, "alice", s.ID))
	require.NoError(t, fx.coord.Abort(ctx, "alice", s.ID))
	assert.Zero(t, fx.blobs.Len())
	_, err = fx.coord.UploadChunk(ctx, "alice", s.ID, chunk('b', 100))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestInitiateValidation(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	tests := []struct {
		name string
		req  InitiateRequest
		want apperr.Kind
	}{
		{"zero size", InitiateRequest{FolderID: "d1", FileName: "f", DeclaredSize: 0}, apperr.KindInvalidArgument},
		{"empty name", InitiateRequest{FolderID: "d1", DeclaredSize: 10}, apperr.KindInvalidArgument},
		{"too large", InitiateRequest{FolderID: "d1", FileName: "f", DeclaredSize: 2 << 20}, apperr.KindInvalidArgument},
		{"unknown target file", InitiateRequest{FileID: "nope", FileName: "f", DeclaredSize: 10}, apperr.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fx.coord.Initiate(ctx, "alice", tt.req)
			assert.Equal(t, tt.want, apperr.KindOf(err))
		})
	}

	s, err := fx.coord.Initiate(ctx, "alice", InitiateRequest{FolderID: "d1", FileName: "small.txt", DeclaredSize: 10})
	require.NoError(t, err)
	assert.False(t, s.UseChunks)
}

func TestFinalizeIntoExistingFile(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	f, err := fx.files.CreateFile(ctx, files.NewFile{FolderID: "d1", Title: "doc.docx"}, strings.NewReader("old"), 3, files.SaveOptions{})
	require.NoError(t, err)

	s, err := fx.coord.Initiate(ctx, "alice", InitiateRequest{FileID: f.ID, FileName: "doc.docx", DeclaredSize: 3})
	require.NoError(t, err)
	assert.Equal(t, "d1", s.TargetFolderID)
	_, err = fx.coord.UploadChunk(ctx, "alice", s.ID, chunk('n', 3))
	require.NoError(t, err)

	updated, err := fx.coord.Finalize(ctx, "alice", s.ID)
	require.NoError(t, err)
	assert.Equal(t, f.ID, updated.ID)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "nnn", content(t, fx.files, f.ID))
}

func TestExpiredSessionsArePurged(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	s, err := fx.coord.Initiate(ctx, "alice", InitiateRequest{FolderID: "d1", FileName: "f.bin", DeclaredSize: 300})
	require.NoError(t, err)
	_, err = fx.coord.UploadChunk(ctx, "alice", s.ID, chunk('a', 100))
	require.NoError(t, err)

	later := time.Now().Add(2 * time.Hour)
	fx.store.now = func() time.Time { return later }
	fx.coord.now = func() time.Time { return later }

	_, err = fx.coord.UploadChunk(ctx, "alice", s.ID, chunk('b', 100))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	n, err := fx.coord.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, fx.blobs.Len())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		query string
		want  RequestKind
	}{
		{"initiate=true&filename=a&filesize=3", RequestInitiate},
		{"abort=true&uid=s1", RequestAbort},
		{"abort=true", RequestNone},
		{"finalize=true&uid=s1", RequestFinalize},
		{"upload=true&uid=s1&chunknumber=2", RequestUploadAsync},
		{"upload=true&uid=s1", RequestNone},
		{"uid=s1", RequestUpload},
		{"initiate=false&uid=s1", RequestUpload},
		{"", RequestNone},
	}
	for _, tt := range tests {
		q, err := url.ParseQuery(tt.query)
		require.NoError(t, err)
		assert.Equal(t, tt.want, Classify(q), tt.query)
	}
}

func TestSessionClonesAreIndependent(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore(2)
	s := &model.UploadSession{ID: "s1", DeclaredTotalBytes: 10, ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, store.Create(ctx, s))
	s.AddRange(model.ByteRange{Start: 0, End: 5})

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, got.ReceivedBytes)
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(store.Create(ctx, s)))
}

func TestConcurrentFinalizeCommitsOnce(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	s, err := fx.coord.Initiate(ctx, "alice", InitiateRequest{FolderID: "d1", FileName: "f.bin", DeclaredSize: 100})
	require.NoError(t, err)
	_, err = fx.coord.UploadChunk(ctx, "alice", s.ID, chunk('a', 100))
	require.NoError(t, err)

	const n = 4
	results := make([]*model.File, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = fx.coord.Finalize(ctx, "alice", s.ID)
		}()
	}
	wg.Wait()

	committed := 0
	for i := range n {
		if errs[i] == nil {
			committed++
			assert.Equal(t, 1, results[i].Version)
			continue
		}
		// A loser either saw the claim or arrived after cleanup.
		assert.Contains(t, []apperr.Kind{apperr.KindInvalidState, apperr.KindNotFound}, apperr.KindOf(errs[i]))
	}
	assert.Equal(t, 1, committed)
}

func TestFinalizeClaimBlocksOtherRequests(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	s, err := fx.coord.Initiate(ctx, "alice", InitiateRequest{FolderID: "d1", FileName: "f.bin", DeclaredSize: 200})
	require.NoError(t, err)
	_, err = fx.coord.UploadChunk(ctx, "alice", s.ID, numbered('a', 100, 0))
	require.NoError(t, err)
	_, err = fx.store.Update(ctx, s.ID, func(cur *model.UploadSession) error {
		cur.AddRange(model.ByteRange{Start: 100, End: 200})
		cur.Finalizing = true
		return nil
	})
	require.NoError(t, err)

	_, err = fx.coord.Finalize(ctx, "alice", s.ID)
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))
	_, err = fx.coord.UploadChunk(ctx, "alice", s.ID, numbered('b', 100, 1))
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))
	assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(fx.coord.Abort(ctx, "alice", s.ID)))
}

func TestFailedFinalizeReleasesClaim(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	target, err := fx.files.CreateFile(ctx, files.NewFile{FolderID: "d1", Title: "t.bin", OwnerID: "alice"}, strings.NewReader("x"), 1, files.SaveOptions{})
	require.NoError(t, err)
	s, err := fx.coord.Initiate(ctx, "alice", InitiateRequest{FileID: target.ID, FileName: "t.bin", DeclaredSize: 100})
	require.NoError(t, err)
	_, err = fx.coord.UploadChunk(ctx, "alice", s.ID, chunk('a', 100))
	require.NoError(t, err)
	require.NoError(t, fx.files.Delete(ctx, target.ID))

	_, err = fx.coord.Finalize(ctx, "alice", s.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	s, err = fx.coord.Session(ctx, "alice", s.ID)
	require.NoError(t, err)
	assert.False(t, s.Finalizing)
	assert.NoError(t, fx.coord.Abort(ctx, "alice", s.ID))
}

// truncatingStore reads only the declared size of each object, the way an
// object store client does when it is given a content length.
type truncatingStore struct {
	*storage.MemoryStore
}

func (s truncatingStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	return s.MemoryStore.Put(ctx, key, io.LimitReader(r, size), size, contentType)
}

func TestOverlongChunkRejectedWhenStoreStopsEarly(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fs := files.NewService(repository.NewMemoryRepository(), truncatingStore{storage.NewMemoryStore()}, 1<<20, logger)
	coord := NewCoordinator(NewMemorySessionStore(4), fs, Config{ChunkSize: 100, MaxFileSize: 1 << 20, SessionTTL: time.Hour}, logger)
	s, err := coord.Initiate(ctx, "alice", InitiateRequest{FolderID: "d1", FileName: "f.bin", DeclaredSize: 200})
	require.NoError(t, err)

	_, err = coord.UploadChunk(ctx, "alice", s.ID, Chunk{Body: strings.NewReader(strings.Repeat("a", 150)), DeclaredSize: 100})
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))

	s, err = coord.Session(ctx, "alice", s.ID)
	require.NoError(t, err)
	assert.Zero(t, s.ReceivedBytes)
}
