// Package model contains the struct definitions shared across packages.
package model

import (
	"time"
)

// ForcesaveType records what produced a version. A value other than
// ForcesaveNone marks a checkpoint written while the edit session was still
// open, not an authoritative commit.
type ForcesaveType int

const (
	ForcesaveNone ForcesaveType = iota
	ForcesaveCommand
	ForcesaveUser
	ForcesaveTimer
	ForcesaveUserSubmit
)

func (t ForcesaveType) String() string {
	switch t {
	case ForcesaveNone:
		return "none"
	case ForcesaveCommand:
		return "command"
	case ForcesaveUser:
		return "user"
	case ForcesaveTimer:
		return "timer"
	case ForcesaveUserSubmit:
		return "user-submit"
	default:
		return "unknown"
	}
}

// File is the authoritative record of a document. Version grows by one with
// every stored version; CommittedVersion and CommittedAt follow only the
// authoritative ones and are what revision keys are derived from.
type File struct {
	ID               string        `json:"id"`
	FolderID         string        `json:"folderId"`
	Title            string        `json:"title"`
	OwnerID          string        `json:"ownerId"`
	Version          int           `json:"version"`
	CommittedVersion int           `json:"committedVersion"`
	ContentLength    int64         `json:"contentLength"`
	ModifiedAt       time.Time     `json:"modifiedAt"`
	CommittedAt      time.Time     `json:"committedAt"`
	ModifiedBy       string        `json:"modifiedBy,omitempty"`
	ForcesaveType    ForcesaveType `json:"forcesaveType"`
	// Error is set when the stored content is known to be damaged.
	Error         *string `json:"error,omitempty"`
	Encrypted     bool    `json:"encrypted"`
	ProviderEntry bool    `json:"providerEntry"`
	// BlobKey addresses the content of the current version.
	BlobKey   string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// KeyVersion returns the version number and modification instant that
// identify the current edit session.
func (f *File) KeyVersion() (int, time.Time) {
	if f.CommittedVersion == 0 {
		return f.Version, f.ModifiedAt
	}
	return f.CommittedVersion, f.CommittedAt
}

// FileVersion is one stored revision of a file.
type FileVersion struct {
	FileID        string        `json:"fileId"`
	Version       int           `json:"version"`
	BlobKey       string        `json:"-"`
	ContentLength int64         `json:"contentLength"`
	ForcesaveType ForcesaveType `json:"forcesaveType"`
	Comment       string        `json:"comment,omitempty"`
	CreatedBy     string        `json:"createdBy,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	// ChangesKey and History describe the edit history attached by the editor.
	ChangesKey string  `json:"-"`
	History    []byte  `json:"history,omitempty"`
	Error      *string `json:"error,omitempty"`
}

// FormFillingProperties describe how a form being filled is handled.
type FormFillingProperties struct {
	FileID string `json:"fileId"`
	// InProgressFolderID is where per-user working copies of a form live.
	InProgressFolderID string `json:"inProgressFolderId"`
	// DiscardUnsubmitted drops a working copy that was closed without submitting.
	DiscardUnsubmitted bool `json:"discardUnsubmitted"`
}

// DiscardsOnSave reports whether saving f should delete the working copy
// instead of committing a version.
func (p *FormFillingProperties) DiscardsOnSave(f *File) bool {
	if p == nil || f == nil || !p.DiscardUnsubmitted || p.InProgressFolderID == "" {
		return false
	}
	return f.FolderID == p.InProgressFolderID
}
