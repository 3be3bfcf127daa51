package repository

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

// PostgresRepository wraps all SQL for files, versions and form settings.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository constructs a repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const fileColumns = `id, folder_id, title, owner_id, version, committed_version, content_length,
	modified_at, committed_at, modified_by, forcesave_type, error_message, encrypted, provider_entry, blob_key, created_at`

func scanFile(row pgx.Row) (*model.File, error) {
	var f model.File
	err := row.Scan(&f.ID, &f.FolderID, &f.Title, &f.OwnerID, &f.Version, &f.CommittedVersion, &f.ContentLength,
		&f.ModifiedAt, &f.CommittedAt, &f.ModifiedBy, &f.ForcesaveType, &f.Error, &f.Encrypted, &f.ProviderEntry,
		&f.BlobKey, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*model.File, error) {
	f, err := scanFile(r.pool.QueryRow(ctx, `SELECT `+fileColumns+` FROM files WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("repository.Get", "file %s not found", id)
		}
		return nil, apperr.Upstream("repository.Get", fmt.Errorf("select file: %w", err))
	}
	return f, nil
}

func (r *PostgresRepository) Create(ctx context.Context, f *model.File, v *model.FileVersion) error {
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = f.CreatedAt
	}
	f.Version = 0
	applyVersion(f, v)
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO files (`+fileColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		`, f.ID, f.FolderID, f.Title, f.OwnerID, f.Version, f.CommittedVersion, f.ContentLength,
			f.ModifiedAt, f.CommittedAt, f.ModifiedBy, f.ForcesaveType, f.Error, f.Encrypted, f.ProviderEntry,
			f.BlobKey, f.CreatedAt)
		if err != nil {
			return apperr.Upstream("repository.Create", fmt.Errorf("insert file: %w", err))
		}
		return insertVersion(ctx, tx, v)
	})
}

func insertVersion(ctx context.Context, tx pgx.Tx, v *model.FileVersion) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO file_versions (file_id, version, blob_key, content_length, forcesave_type, comment,
			created_by, created_at, changes_key, history, error_message)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, v.FileID, v.Version, v.BlobKey, v.ContentLength, v.ForcesaveType, v.Comment,
		v.CreatedBy, v.CreatedAt, v.ChangesKey, v.History, v.Error)
	if err != nil {
		return apperr.Upstream("repository.insertVersion", fmt.Errorf("insert version: %w", err))
	}
	return nil
}

// AddVersion locks the file row so concurrent saves get distinct version
// numbers.
func (r *PostgresRepository) AddVersion(ctx context.Context, fileID string, v *model.FileVersion) (*model.File, error) {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	var out *model.File
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		f, err := scanFile(tx.QueryRow(ctx, `SELECT `+fileColumns+` FROM files WHERE id=$1 FOR UPDATE`, fileID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperr.NotFound("repository.AddVersion", "file %s not found", fileID)
			}
			return apperr.Upstream("repository.AddVersion", fmt.Errorf("lock file: %w", err))
		}
		applyVersion(f, v)
		if err := insertVersion(ctx, tx, v); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE files
			SET version=$1, committed_version=$2, content_length=$3, modified_at=$4, committed_at=$5,
				modified_by=$6, forcesave_type=$7, error_message=$8, blob_key=$9
			WHERE id=$10
		`, f.Version, f.CommittedVersion, f.ContentLength, f.ModifiedAt, f.CommittedAt,
			f.ModifiedBy, f.ForcesaveType, f.Error, f.BlobKey, f.ID)
		if err != nil {
			return apperr.Upstream("repository.AddVersion", fmt.Errorf("update file: %w", err))
		}
		out = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PostgresRepository) Versions(ctx context.Context, fileID string) ([]model.FileVersion, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT file_id, version, blob_key, content_length, forcesave_type, comment, created_by, created_at,
			changes_key, history, error_message
		FROM file_versions WHERE file_id=$1 ORDER BY version
	`, fileID)
	if err != nil {
		return nil, apperr.Upstream("repository.Versions", fmt.Errorf("select versions: %w", err))
	}
	versions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.FileVersion, error) {
		var v model.FileVersion
		err := row.Scan(&v.FileID, &v.Version, &v.BlobKey, &v.ContentLength, &v.ForcesaveType, &v.Comment,
			&v.CreatedBy, &v.CreatedAt, &v.ChangesKey, &v.History, &v.Error)
		return v, err
	})
	if err != nil {
		return nil, apperr.Upstream("repository.Versions", fmt.Errorf("scan versions: %w", err))
	}
	if len(versions) == 0 {
		return nil, apperr.NotFound("repository.Versions", "file %s not found", fileID)
	}
	return versions, nil
}

func (r *PostgresRepository) AddComment(ctx context.Context, fileID string, version int, comment string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE file_versions
		SET comment = CASE WHEN comment = '' THEN $1 ELSE comment || '; ' || $1 END
		WHERE file_id=$2 AND version=$3
	`, comment, fileID, version)
	if err != nil {
		return apperr.Upstream("repository.AddComment", fmt.Errorf("update comment: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("repository.AddComment", "file %s version %d not found", fileID, version)
	}
	return nil
}

func (r *PostgresRepository) SetTitle(ctx context.Context, fileID, title string) (*model.File, error) {
	f, err := scanFile(r.pool.QueryRow(ctx, `UPDATE files SET title=$1 WHERE id=$2 RETURNING `+fileColumns, title, fileID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("repository.SetTitle", "file %s not found", fileID)
		}
		return nil, apperr.Upstream("repository.SetTitle", fmt.Errorf("update title: %w", err))
	}
	return f, nil
}

// Delete relies on ON DELETE CASCADE for versions and form settings.
func (r *PostgresRepository) Delete(ctx context.Context, fileID string) ([]string, error) {
	var keys []string
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT blob_key FROM file_versions WHERE file_id=$1
			UNION ALL
			SELECT changes_key FROM file_versions WHERE file_id=$1 AND changes_key <> ''
		`, fileID)
		if err != nil {
			return apperr.Upstream("repository.Delete", fmt.Errorf("select blobs: %w", err))
		}
		keys, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return apperr.Upstream("repository.Delete", fmt.Errorf("scan blobs: %w", err))
		}
		tag, err := tx.Exec(ctx, `DELETE FROM files WHERE id=$1`, fileID)
		if err != nil {
			return apperr.Upstream("repository.Delete", fmt.Errorf("delete file: %w", err))
		}
		if tag.RowsAffected() == 0 {
			return apperr.NotFound("repository.Delete", "file %s not found", fileID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *PostgresRepository) FormFilling(ctx context.Context, fileID string) (*model.FormFillingProperties, error) {
	var p model.FormFillingProperties
	err := r.pool.QueryRow(ctx, `
		SELECT file_id, in_progress_folder_id, discard_unsubmitted FROM form_filling WHERE file_id=$1
	`, fileID).Scan(&p.FileID, &p.InProgressFolderID, &p.DiscardUnsubmitted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Upstream("repository.FormFilling", fmt.Errorf("select form filling: %w", err))
	}
	return &p, nil
}

func (r *PostgresRepository) SetFormFilling(ctx context.Context, p *model.FormFillingProperties) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO form_filling (file_id, in_progress_folder_id, discard_unsubmitted)
		VALUES ($1,$2,$3)
		ON CONFLICT (file_id) DO UPDATE
		SET in_progress_folder_id = EXCLUDED.in_progress_folder_id,
			discard_unsubmitted = EXCLUDED.discard_unsubmitted
	`, p.FileID, p.InProgressFolderID, p.DiscardUnsubmitted)
	if err != nil {
		return apperr.Upstream("repository.SetFormFilling", fmt.Errorf("upsert form filling: %w", err))
	}
	return nil
}
