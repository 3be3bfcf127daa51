package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/apperr"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/model"
)

// PostgresSessionStore keeps sessions in the upload_sessions table so any
// server instance can continue an upload. Ranges are stored as JSONB.
type PostgresSessionStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresSessionStore(pool *pgxpool.Pool) *PostgresSessionStore {
	return &PostgresSessionStore{pool: pool, now: time.Now}
}

func (p *PostgresSessionStore) Create(ctx context.Context, s *model.UploadSession) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO upload_sessions (id, owner_id, target_folder_id, target_file_id, file_name,
			declared_total_bytes, received_bytes, chunk_size, use_chunks, encrypted, ranges, finalizing, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, s.ID, s.OwnerID, s.TargetFolderID, s.TargetFileID, s.FileName,
		s.DeclaredTotalBytes, s.ReceivedBytes, s.ChunkSize, s.UseChunks, s.Encrypted, rangesOrEmpty(s.Ranges),
		s.Finalizing, s.CreatedAt, s.ExpiresAt)
	if err != nil {
		return apperr.Upstream("upload.Create", fmt.Errorf("insert session: %w", err))
	}
	return nil
}

const sessionColumns = `id, owner_id, target_folder_id, target_file_id, file_name, declared_total_bytes,
	received_bytes, chunk_size, use_chunks, encrypted, ranges, finalizing, created_at, expires_at`

func scanSession(row pgx.Row) (*model.UploadSession, error) {
	var s model.UploadSession
	err := row.Scan(&s.ID, &s.OwnerID, &s.TargetFolderID, &s.TargetFileID, &s.FileName, &s.DeclaredTotalBytes,
		&s.ReceivedBytes, &s.ChunkSize, &s.UseChunks, &s.Encrypted, &s.Ranges, &s.Finalizing, &s.CreatedAt, &s.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *PostgresSessionStore) Get(ctx context.Context, id string) (*model.UploadSession, error) {
	s, err := scanSession(p.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM upload_sessions WHERE id=$1 AND expires_at > $2`, id, p.now()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("upload.Get", "upload session %s not found", id)
		}
		return nil, apperr.Upstream("upload.Get", fmt.Errorf("select session: %w", err))
	}
	return s, nil
}

// Update holds the row lock from the read to the write, so instances
// appending to the same session never overwrite each other's ranges.
func (p *PostgresSessionStore) Update(ctx context.Context, id string, fn func(*model.UploadSession) error) (*model.UploadSession, error) {
	const op = "upload.Update"
	var (
		out   *model.UploadSession
		fnErr error
	)
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		s, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM upload_sessions WHERE id=$1 AND expires_at > $2 FOR UPDATE`, id, p.now()))
		if err != nil {
			return err
		}
		if fnErr = fn(s); fnErr != nil {
			return fnErr
		}
		if _, err := tx.Exec(ctx, `
			UPDATE upload_sessions SET received_bytes=$1, ranges=$2, finalizing=$3 WHERE id=$4
		`, s.ReceivedBytes, rangesOrEmpty(s.Ranges), s.Finalizing, id); err != nil {
			return err
		}
		out = s
		return nil
	})
	switch {
	case fnErr != nil:
		return nil, fnErr
	case errors.Is(err, pgx.ErrNoRows):
		return nil, apperr.NotFound(op, "upload session %s not found", id)
	case err != nil:
		return nil, apperr.Upstream(op, fmt.Errorf("update session: %w", err))
	}
	return out, nil
}

func (p *PostgresSessionStore) Delete(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM upload_sessions WHERE id=$1`, id); err != nil {
		return apperr.Upstream("upload.Delete", fmt.Errorf("delete session: %w", err))
	}
	return nil
}

func (p *PostgresSessionStore) Expired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT id FROM upload_sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return nil, apperr.Upstream("upload.Expired", fmt.Errorf("select expired: %w", err))
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, apperr.Upstream("upload.Expired", fmt.Errorf("scan expired: %w", err))
	}
	return ids, nil
}

func rangesOrEmpty(r []model.ByteRange) []model.ByteRange {
	if r == nil {
		return []model.ByteRange{}
	}
	return r
}
