// Package editing opens files in the document service and propagates title
// changes and forced disconnects to live edit sessions.
package editing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/access"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/apperr"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/coauthoring"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/editor"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/keys"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/model"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/signing"
)

// Commander is the subset of the document service commands used here.
type Commander interface {
	Info(ctx context.Context, key, callbackURL, userData string) error
	Drop(ctx context.Context, key string, users []string) error
	Meta(ctx context.Context, key, title string) error
}

// Files is the storage collaborator as seen by the open flow.
type Files interface {
	Get(ctx context.Context, fileID string) (*model.File, error)
	Rename(ctx context.Context, fileID, title string) (*model.File, error)
}

// Presigner issues direct download links to the blob store.
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Policy answers the security questions for a principal. ACL storage lives
// outside this service.
type Policy interface {
	Check(ctx context.Context, principal string, f *model.File) (access.Rights, access.Location, error)
}

// AllowAll grants every right to any authenticated principal.
type AllowAll struct{}

func (AllowAll) Check(context.Context, string, *model.File) (access.Rights, access.Location, error) {
	return access.Rights{Read: true, Edit: true, Review: true, Comment: true, FillForms: true, Rename: true, Download: true}, access.Location{}, nil
}

// Options wires a Service.
type Options struct {
	Files     Files
	Registry  coauthoring.Registry
	Resolver  *access.Resolver
	Policy    Policy
	Keys      *keys.Codec
	Commands  Commander
	Tokens    *editor.TokenSigner
	URLs      *signing.Signer
	Presigner Presigner
	PublicURL string
	LinkTTL   time.Duration
	Logger    *slog.Logger
}

// Service implements the open, rename and drop flows.
type Service struct {
	opts   Options
	logger *slog.Logger
}

func NewService(opts Options) *Service {
	if opts.Policy == nil {
		opts.Policy = AllowAll{}
	}
	if opts.LinkTTL <= 0 {
		opts.LinkTTL = 5 * time.Minute
	}
	return &Service{opts: opts, logger: opts.Logger.With(slog.String("component", "editing"))}
}

// OpenRequest is what a client asks for when opening a file.
type OpenRequest struct {
	Principal string        `json:"-"`
	Intent    access.Intent `json:"intent"`
	TryEdit   bool          `json:"tryEdit"`
	TryCoauth bool          `json:"tryCoauth"`
	// Version selects a historical version; zero means the current one.
	Version int `json:"version,omitempty"`
	// Submit opens a fill-only session whose saves are form submissions.
	Submit bool `json:"submit,omitempty"`
}

// Document is the document section of the editor config.
type Document struct {
	Key         string             `json:"key"`
	Title       string             `json:"title"`
	FileType    string             `json:"fileType"`
	URL         string             `json:"url"`
	Permissions access.Permissions `json:"permissions"`
}

// EditorConfig is what the client passes to the document service.
type EditorConfig struct {
	Document    Document `json:"document"`
	Mode        string   `json:"mode"`
	CallbackURL string   `json:"callbackUrl,omitempty"`
	User        string   `json:"user"`
	Reason      string   `json:"reason,omitempty"`
	EditingBy   []string `json:"editingBy,omitempty"`
	CoAuthoring bool     `json:"coAuthoring"`
	Token       string   `json:"token,omitempty"`
}

// Open resolves what principal may do with fileID and returns the editor
// config. A principal allowed to write is registered as an editor.
func (s *Service) Open(ctx context.Context, fileID string, req OpenRequest) (*EditorConfig, error) {
	const op = "editing.Open"
	f, err := s.opts.Files.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if req.Version != 0 && (req.Version < 1 || req.Version > f.Version) {
		return nil, apperr.NotFound(op, "file %s has no version %d", fileID, req.Version)
	}
	rights, loc, err := s.opts.Policy.Check(ctx, req.Principal, f)
	if err != nil {
		return nil, err
	}

	// Resolving and registering happen in one registry update, so two
	// principals opening an exclusive format at once cannot both get edit.
	var (
		res        access.Result
		resolveErr error
	)
	err = s.opts.Registry.Update(ctx, fileID, func(editors []coauthoring.Editor) (coauthoring.Change, error) {
		res, resolveErr = s.opts.Resolver.Resolve(access.Input{
			File:        f,
			Principal:   req.Principal,
			Intent:      req.Intent,
			TryEdit:     req.TryEdit,
			TryCoauth:   req.TryCoauth,
			LastVersion: req.Version == 0 || req.Version == f.Version,
			Rights:      rights,
			Location:    loc,
			Editors:     editors,
		})
		if resolveErr != nil || !res.Track {
			return coauthoring.Change{}, resolveErr
		}
		return coauthoring.Change{Add: []coauthoring.Editor{{Principal: req.Principal, Alone: res.Alone}}}, nil
	})
	if resolveErr != nil {
		return nil, resolveErr
	}
	if err != nil {
		return nil, apperr.Upstream(op, err)
	}

	key := s.currentKey(f)
	if req.Version != 0 && req.Version != f.Version {
		// Historical versions are read-only and never share the live key.
		key = s.opts.Keys.DeriveKey(f.ID, req.Version, f.ModifiedAt, "history")
	} else if req.Submit && res.Permissions.FillForms {
		if key, err = s.opts.Keys.MakeSubmitKey(key); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, op, err)
		}
	}

	callbackURL := s.callbackURL(fileID)
	if res.Track {
		if s.opts.Commands != nil {
			if err := s.opts.Commands.Info(ctx, key, callbackURL, req.Principal); err != nil && !errors.Is(err, apperr.ErrNotFound) {
				// The editor registers the session itself on first load.
				s.logger.Warn("info command failed", slog.String("file_id", fileID), slog.String("error", err.Error()))
			}
		}
	}

	docURL, err := s.documentURL(ctx, f, req.Version)
	if err != nil {
		return nil, err
	}
	cfg := &EditorConfig{
		Document: Document{
			Key:         key,
			Title:       f.Title,
			FileType:    access.Ext(f.Title),
			URL:         docURL,
			Permissions: res.Permissions,
		},
		Mode:        res.Mode,
		User:        req.Principal,
		Reason:      res.Reason,
		EditingBy:   res.EditingBy,
		CoAuthoring: res.CoAuthoring,
	}
	if res.Mode == access.ModeEdit {
		cfg.CallbackURL = callbackURL
	}
	if s.opts.Tokens != nil && s.opts.Tokens.Enabled() {
		if cfg.Token, err = s.opts.Tokens.Sign(cfg); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, op, err)
		}
	}
	s.logger.Info("file opened",
		slog.String("file_id", fileID),
		slog.String("principal", req.Principal),
		slog.String("mode", res.Mode),
		slog.Bool("tracked", res.Track),
	)
	return cfg, nil
}

// authorize loads fileID and checks that principal holds the right picked by
// allowed.
func (s *Service) authorize(ctx context.Context, op, principal, fileID string, allowed func(access.Rights) bool) (*model.File, error) {
	f, err := s.opts.Files.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	rights, _, err := s.opts.Policy.Check(ctx, principal, f)
	if err != nil {
		return nil, err
	}
	if !allowed(rights) {
		return nil, apperr.Unauthorized(op, "%s may not change file %s", principal, fileID)
	}
	return f, nil
}

// Rename changes the title and tells a live session about it. The principal
// needs the rename right.
func (s *Service) Rename(ctx context.Context, principal, fileID, title string) (*model.File, error) {
	if _, err := s.authorize(ctx, "editing.Rename", principal, fileID, func(r access.Rights) bool { return r.Rename }); err != nil {
		return nil, err
	}
	f, err := s.opts.Files.Rename(ctx, fileID, title)
	if err != nil {
		return nil, err
	}
	editors, err := s.opts.Registry.List(ctx, fileID)
	if err != nil || len(editors) == 0 || s.opts.Commands == nil {
		return f, nil
	}
	if err := s.opts.Commands.Meta(ctx, s.currentKey(f), f.Title); err != nil {
		s.logger.Warn("meta command failed", slog.String("file_id", fileID), slog.String("error", err.Error()))
	}
	return f, nil
}

// DropUsers disconnects principals from the live session of fileID, or every
// editor when none are listed. Each principal is dropped independently. The
// caller needs the edit right on the file.
func (s *Service) DropUsers(ctx context.Context, caller, fileID string, principals []string) error {
	const op = "editing.DropUsers"
	f, err := s.authorize(ctx, op, caller, fileID, func(r access.Rights) bool { return r.Edit })
	if err != nil {
		return err
	}
	if len(principals) == 0 {
		editors, err := s.opts.Registry.List(ctx, fileID)
		if err != nil {
			return apperr.Upstream(op, err)
		}
		principals = coauthoring.Principals(editors)
	}
	key := s.currentKey(f)
	batch := apperr.Batch{Op: op}
	for _, p := range principals {
		if s.opts.Commands != nil {
			err := s.opts.Commands.Drop(ctx, key, []string{p})
			// An unknown key means the session is already gone.
			if err != nil && !errors.Is(err, apperr.ErrNotFound) {
				batch.Add(p, err)
				continue
			}
		}
		if err := s.opts.Registry.Remove(ctx, fileID, p); err != nil {
			batch.Add(p, apperr.Upstream(op, err))
		}
	}
	return batch.Err()
}

// DropFiles disconnects every editor of each file.
func (s *Service) DropFiles(ctx context.Context, caller string, fileIDs []string) error {
	batch := apperr.Batch{Op: "editing.DropFiles"}
	for _, id := range fileIDs {
		if err := s.DropUsers(ctx, caller, id, nil); err != nil {
			batch.Add(id, err)
		}
	}
	return batch.Err()
}

func (s *Service) currentKey(f *model.File) string {
	v, at := f.KeyVersion()
	return s.opts.Keys.DeriveKey(f.ID, v, at)
}

func (s *Service) callbackURL(fileID string) string {
	return fmt.Sprintf("%s/callback?fileid=%s", s.opts.PublicURL, url.QueryEscape(fileID))
}

func (s *Service) documentURL(ctx context.Context, f *model.File, version int) (string, error) {
	if version == 0 {
		version = f.Version
	}
	if s.opts.Presigner != nil && version == f.Version {
		u, err := s.opts.Presigner.PresignGet(ctx, f.BlobKey, s.opts.LinkTTL)
		if err != nil {
			return "", err
		}
		return u, nil
	}
	q := s.opts.URLs.Query(f.ID, version, s.opts.LinkTTL)
	return fmt.Sprintf("%s/files/%s/download?%s", s.opts.PublicURL, url.PathEscape(f.ID), q.Encode()), nil
}
