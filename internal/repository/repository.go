// Package repository persists file records, their versions and form-filling
// properties.
package repository

import (
	"context"

	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/model"
)

// FileRepository is the metadata side of the storage collaborator.
type FileRepository interface {
	Get(ctx context.Context, id string) (*model.File, error)
	// Create stores f with v as its first version.
	Create(ctx context.Context, f *model.File, v *model.FileVersion) error
	// AddVersion appends v to the file atomically, assigning the next
	// version number, and returns the updated record. Only versions without
	// a force-save type move the committed version.
	AddVersion(ctx context.Context, fileID string, v *model.FileVersion) (*model.File, error)
	Versions(ctx context.Context, fileID string) ([]model.FileVersion, error)
	// AddComment appends to the comment of an existing version.
	AddComment(ctx context.Context, fileID string, version int, comment string) error
	SetTitle(ctx context.Context, fileID, title string) (*model.File, error)
	// Delete removes the file and returns the blob keys it referenced.
	Delete(ctx context.Context, fileID string) ([]string, error)
	// FormFilling returns nil when the file is not a form.
	FormFilling(ctx context.Context, fileID string) (*model.FormFillingProperties, error)
	SetFormFilling(ctx context.Context, p *model.FormFillingProperties) error
}

// applyVersion moves f forward to v. Shared by the implementations so both
// agree on checkpoint semantics.
func applyVersion(f *model.File, v *model.FileVersion) {
	v.FileID = f.ID
	v.Version = f.Version + 1
	f.Version = v.Version
	f.ContentLength = v.ContentLength
	f.ModifiedAt = v.CreatedAt
	f.ModifiedBy = v.CreatedBy
	f.ForcesaveType = v.ForcesaveType
	f.BlobKey = v.BlobKey
	f.Error = v.Error
	if v.ForcesaveType == model.ForcesaveNone {
		f.CommittedVersion = v.Version
		f.CommittedAt = v.CreatedAt
	}
}

func appendComment(existing, comment string) string {
	if existing == "" {
		return comment
	}
	return existing + "; " + comment
}
