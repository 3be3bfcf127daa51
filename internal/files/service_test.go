package files

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/apperr"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/model"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/repository"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/storage"
)

func newService(t *testing.T, maxSize int64) (*Service, *repository.MemoryRepository, *storage.MemoryStore) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	blobs := storage.NewMemoryStore()
	return NewService(repo, blobs, maxSize, slog.New(slog.NewTextHandler(io.Discard, nil))), repo, blobs
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestCreateAndSaveNewVersion(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t, 1<<20)

	f, err := svc.CreateFile(ctx, NewFile{FolderID: "d1", Title: "a.docx", OwnerID: "alice"}, strings.NewReader("v1"), 2, SaveOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, f.Version)
	assert.Equal(t, 1, f.CommittedVersion)

	f2, err := svc.SaveNewVersion(ctx, f.ID, strings.NewReader("version two"), -1, SaveOptions{Principal: "bob", Source: "test"})
	require.NoError(t, err)
	assert.Equal(t, 2, f2.Version)
	assert.Equal(t, 2, f2.CommittedVersion)
	assert.EqualValues(t, len("version two"), f2.ContentLength)
	assert.Equal(t, "bob", f2.ModifiedBy)

	_, rc, err := svc.Open(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "version two", readAll(t, rc))
}

func TestCheckpointKeepsCommittedVersion(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t, 0)
	f, err := svc.CreateFile(ctx, NewFile{Title: "a.docx"}, strings.NewReader("v1"), 2, SaveOptions{})
	require.NoError(t, err)

	cp, err := svc.SaveNewVersion(ctx, f.ID, strings.NewReader("draft"), 5, SaveOptions{ForcesaveType: model.ForcesaveTimer})
	require.NoError(t, err)
	assert.Equal(t, 2, cp.Version)
	assert.Equal(t, 1, cp.CommittedVersion)

	v, at := cp.KeyVersion()
	assert.Equal(t, 1, v)
	assert.Equal(t, f.CommittedAt, at)
}

func TestSaveTooLargeKeepsPreviousVersion(t *testing.T) {
	ctx := context.Background()
	svc, repo, blobs := newService(t, 4)
	f, err := svc.CreateFile(ctx, NewFile{Title: "a.txt"}, strings.NewReader("ok"), 2, SaveOptions{})
	require.NoError(t, err)

	_, err = svc.SaveNewVersion(ctx, f.ID, strings.NewReader("far too long"), -1, SaveOptions{})
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))

	cur, err := repo.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, cur.Version)
	assert.Equal(t, 1, blobs.Len())
}

func TestSaveReadFailureIsUpstream(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t, 0)
	f, err := svc.CreateFile(ctx, NewFile{Title: "a.txt"}, strings.NewReader("ok"), 2, SaveOptions{})
	require.NoError(t, err)

	_, err = svc.SaveNewVersion(ctx, f.ID, io.MultiReader(strings.NewReader("x"), errReader{}), -1, SaveOptions{})
	assert.Equal(t, apperr.KindUpstreamUnavailable, apperr.KindOf(err))
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestChangesDroppedForProviderEntry(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newService(t, 0)
	f, err := svc.CreateFile(ctx, NewFile{Title: "a.docx"}, strings.NewReader("v1"), 2, SaveOptions{})
	require.NoError(t, err)

	_, err = svc.SaveNewVersion(ctx, f.ID, strings.NewReader("v2"), 2, SaveOptions{
		Changes: strings.NewReader("zip"),
		History: []byte(`{"changes":[]}`),
	})
	require.NoError(t, err)
	versions, err := repo.Versions(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.NotEmpty(t, versions[1].ChangesKey)
	assert.JSONEq(t, `{"changes":[]}`, string(versions[1].History))

	provider := &model.File{ID: "p1", Title: "mounted.docx", ProviderEntry: true}
	require.NoError(t, repo.Create(ctx, provider, &model.FileVersion{BlobKey: "ext"}))
	_, err = svc.SaveNewVersion(ctx, "p1", strings.NewReader("v2"), 2, SaveOptions{Changes: strings.NewReader("zip"), History: []byte("{}")})
	require.NoError(t, err)
	versions, err = repo.Versions(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, versions[1].ChangesKey)
	assert.Nil(t, versions[1].History)
}

func TestDeleteRemovesBlobs(t *testing.T) {
	ctx := context.Background()
	svc, _, blobs := newService(t, 0)
	f, err := svc.CreateFile(ctx, NewFile{Title: "a.docx"}, strings.NewReader("v1"), 2, SaveOptions{})
	require.NoError(t, err)
	_, err = svc.SaveNewVersion(ctx, f.ID, strings.NewReader("v2"), 2, SaveOptions{})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, f.ID))
	assert.Zero(t, blobs.Len())
	_, err = svc.Get(ctx, f.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestPartialOutOfOrderWrites(t *testing.T) {
	ctx := context.Background()
	svc, _, blobs := newService(t, 0)
	p := svc.OpenPartial("s1")

	require.NoError(t, p.WriteAt(ctx, 200, strings.NewReader("cc"), 2))
	require.NoError(t, p.WriteAt(ctx, 0, strings.NewReader("aa"), 2))
	require.NoError(t, p.WriteAt(ctx, 100, strings.NewReader("bb"), 2))
	require.NoError(t, p.WriteAt(ctx, 0, strings.NewReader("AA"), 2))

	rc, err := p.Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, "AAbbcc", readAll(t, rc))

	require.NoError(t, p.Remove(ctx))
	require.NoError(t, p.Remove(ctx))
	assert.Zero(t, blobs.Len())
	_, err = p.Open(ctx)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
