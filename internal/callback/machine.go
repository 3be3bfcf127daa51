// Package callback reconciles file records with the status callbacks posted
// by the document service. Each file id is an independent state machine
// instance; the revision key in a callback decides whether it still refers to
// the live edit session.
package callback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/apperr"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/coauthoring"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/editor"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/files"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/metrics"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/model"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/queue"
)

// KeyCodec derives and recognises revision keys.
type KeyCodec interface {
	DeriveKey(fileID string, version int, modifiedAt time.Time, extraKey ...string) string
	IsSubmitKey(docKey, candidate string) bool
}

// Downloader fetches the content the document service rendered.
type Downloader interface {
	Download(ctx context.Context, url string) (io.ReadCloser, int64, error)
}

// Storage is the part of the storage collaborator the state machine drives.
type Storage interface {
	Get(ctx context.Context, fileID string) (*model.File, error)
	SaveNewVersion(ctx context.Context, fileID string, r io.Reader, n int64, opts files.SaveOptions) (*model.File, error)
	AddComment(ctx context.Context, fileID string, version int, comment string) error
	FormFilling(ctx context.Context, fileID string) (*model.FormFillingProperties, error)
	Delete(ctx context.Context, fileID string) error
}

// Outcome summarises what a callback did.
type Outcome string

const (
	OutcomeAccepted   Outcome = "accepted"
	OutcomeSaved      Outcome = "saved"
	OutcomeDiscarded  Outcome = "discarded"
	OutcomeDispatched Outcome = "dispatched"
	OutcomeStale      Outcome = "stale"
	OutcomeFailed     Outcome = "failed"
)

// Result is returned for every handled callback.
type Result struct {
	Outcome Outcome
	// File is the record after a committed version, nil otherwise.
	File *model.File
}

// Stale reports whether the callback referred to a superseded session.
func (r Result) Stale() bool { return r.Outcome == OutcomeStale }

// Options wires a StateMachine.
type Options struct {
	Keys       KeyCodec
	Registry   coauthoring.Registry
	Storage    Storage
	Downloader Downloader
	// MailMerge may be nil; mail-merge callbacks then fail.
	MailMerge queue.Dispatcher
	// SubmitKeyCache bounds how many consumed submit keys are remembered.
	SubmitKeyCache int
	Logger         *slog.Logger
}

// StateMachine processes callbacks. Registry reconciliation for one file is
// atomic in the registry itself; at most one save per file is in flight, and
// the revision key is checked again once the save is claimed.
type StateMachine struct {
	keys      KeyCodec
	registry  coauthoring.Registry
	storage   Storage
	download  Downloader
	mailMerge queue.Dispatcher
	saving    sync.Map
	consumed  *lru.Cache[string, struct{}]
	logger    *slog.Logger
}

func New(opts Options) (*StateMachine, error) {
	size := opts.SubmitKeyCache
	if size <= 0 {
		size = 4096
	}
	consumed, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("submit key cache: %w", err)
	}
	return &StateMachine{
		keys:      opts.Keys,
		registry:  opts.Registry,
		storage:   opts.Storage,
		download:  opts.Downloader,
		mailMerge: opts.MailMerge,
		consumed:  consumed,
		logger:    opts.Logger.With(slog.String("component", "callback")),
	}, nil
}

// CurrentKey returns the revision key of the live edit session of f.
func (m *StateMachine) CurrentKey(f *model.File) string {
	v, at := f.KeyVersion()
	return m.keys.DeriveKey(f.ID, v, at)
}

// Handle applies one callback to fileID. Stale callbacks are not errors:
// they come back as an OutcomeStale result and change nothing.
func (m *StateMachine) Handle(ctx context.Context, fileID string, ev *editor.CallbackEvent) (Result, error) {
	if ev == nil {
		return Result{}, apperr.InvalidArgument("callback.Handle", "empty callback")
	}
	res, err := m.handle(ctx, fileID, ev)
	outcome := res.Outcome
	if err != nil {
		outcome = OutcomeFailed
	}
	metrics.CallbacksTotal.WithLabelValues(ev.Status.String(), string(outcome)).Inc()
	log := m.logger.With(
		slog.String("file_id", fileID),
		slog.String("key", ev.Key),
		slog.String("status", ev.Status.String()),
	)
	switch {
	case err != nil:
		log.Error("callback failed", slog.String("error", err.Error()))
	case res.Stale():
		log.Info("stale callback ignored")
	default:
		log.Debug("callback handled", slog.String("outcome", string(outcome)))
	}
	return res, err
}

func (m *StateMachine) handle(ctx context.Context, fileID string, ev *editor.CallbackEvent) (Result, error) {
	switch ev.Status {
	case editor.StatusNotFound:
		if err := m.registry.Remove(ctx, fileID); err != nil {
			return Result{}, apperr.Upstream("callback.NotFound", err)
		}
		return Result{Outcome: OutcomeAccepted}, nil
	case editor.StatusMailMerge:
		return m.mailMergeRecord(ctx, fileID, ev)
	}

	f, err := m.storage.Get(ctx, fileID)
	if err != nil {
		return Result{}, err
	}
	submit, ok := m.checkKey(f, ev)
	if !ok {
		return Result{Outcome: OutcomeStale}, nil
	}
	res, err := m.apply(ctx, f, ev, submit)
	if errors.Is(err, errStale) {
		return Result{Outcome: OutcomeStale}, nil
	}
	return res, err
}

func (m *StateMachine) apply(ctx context.Context, f *model.File, ev *editor.CallbackEvent, submit bool) (Result, error) {
	fileID := f.ID
	switch ev.Status {
	case editor.StatusEditing:
		return m.track(ctx, fileID, ev)
	case editor.StatusMustSave:
		return m.mustSave(ctx, f, ev)
	case editor.StatusClosed:
		if err := m.registry.Remove(ctx, fileID); err != nil {
			return Result{}, apperr.Upstream("callback.Closed", err)
		}
		if ev.URL == "" {
			// Closed without changes.
			return Result{Outcome: OutcomeAccepted}, nil
		}
		return m.mustSave(ctx, f, ev)
	case editor.StatusCorrupted:
		return m.corrupted(ctx, f, ev, submit)
	case editor.StatusForceSave, editor.StatusCorruptedForceSave:
		return m.forceSave(ctx, f, ev, submit)
	default:
		return Result{}, apperr.InvalidArgument("callback.Handle", "unknown status %d", int(ev.Status))
	}
}

// checkKey reports whether ev belongs to the live session of f, and whether
// it did so through a submit key. Editing and saving statuses accept a submit
// key minted for the current key; force-save and corruption statuses accept
// one only for a form submission. A consumed submit key is stale.
func (m *StateMachine) checkKey(f *model.File, ev *editor.CallbackEvent) (submit bool, ok bool) {
	current := m.CurrentKey(f)
	if ev.Key == current {
		return false, true
	}
	if !m.keys.IsSubmitKey(current, ev.Key) || m.consumed.Contains(ev.Key) {
		return false, false
	}
	switch ev.Status {
	case editor.StatusEditing, editor.StatusMustSave, editor.StatusClosed:
		return true, true
	default:
		return true, ev.ForceSaveType.ForcesaveType() == model.ForcesaveUserSubmit
	}
}

// track reconciles the registry with the users the editor reports. Users the
// registry holds but the callback omits are dropped; connect and disconnect
// actions adjust the reported set first.
func (m *StateMachine) track(ctx context.Context, fileID string, ev *editor.CallbackEvent) (Result, error) {
	const op = "callback.Editing"
	want := make(map[string]bool, len(ev.Users))
	for _, u := range ev.Users {
		if u != "" {
			want[u] = true
		}
	}
	for _, a := range ev.Actions {
		switch a.Type {
		case editor.ActionConnect:
			want[a.UserID] = true
		case editor.ActionDisconnect:
			delete(want, a.UserID)
		}
	}

	err := m.registry.Update(ctx, fileID, func(current []coauthoring.Editor) (coauthoring.Change, error) {
		var change coauthoring.Change
		alone := make(map[string]bool, len(current))
		for _, e := range current {
			alone[e.Principal] = e.Alone
			if !want[e.Principal] {
				change.Remove = append(change.Remove, e.Principal)
			}
		}
		for u := range want {
			// Re-adding refreshes the entry and keeps its co-authoring mode.
			change.Add = append(change.Add, coauthoring.Editor{Principal: u, Alone: alone[u]})
		}
		return change, nil
	})
	if err != nil {
		return Result{}, apperr.Upstream(op, err)
	}
	return Result{Outcome: OutcomeAccepted}, nil
}

func (m *StateMachine) mustSave(ctx context.Context, f *model.File, ev *editor.CallbackEvent) (Result, error) {
	props, err := m.storage.FormFilling(ctx, f.ID)
	if err != nil {
		return Result{}, err
	}
	if props.DiscardsOnSave(f) {
		if err := m.storage.Delete(ctx, f.ID); err != nil {
			return Result{}, err
		}
		if err := m.registry.Remove(ctx, f.ID); err != nil {
			return Result{}, apperr.Upstream("callback.MustSave", err)
		}
		return Result{Outcome: OutcomeDiscarded}, nil
	}
	updated, err := m.save(ctx, f, ev, saveSpec{forcesave: model.ForcesaveNone, clearRegistry: true})
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeSaved, File: updated}, nil
}

// corrupted commits what the editor could recover, marked as damaged, and
// still reports the save as failed. The previous version is untouched.
func (m *StateMachine) corrupted(ctx context.Context, f *model.File, ev *editor.CallbackEvent, submit bool) (Result, error) {
	const op = "callback.Corrupted"
	spec := saveSpec{forcesave: model.ForcesaveNone, clearRegistry: true, damaged: true}
	if submit {
		spec.forcesave = model.ForcesaveUserSubmit
		spec.clearRegistry = false
		spec.consumeKey = true
	}
	updated, err := m.save(ctx, f, ev, spec)
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeSaved, File: updated},
		apperr.Corrupted(op, "document service reported file %s as corrupted; recovered content stored as version %d", f.ID, updated.Version)
}

// forceSave stores a checkpoint. The edit session stays open, so the
// registry is kept and the revision key does not move.
func (m *StateMachine) forceSave(ctx context.Context, f *model.File, ev *editor.CallbackEvent, submit bool) (Result, error) {
	damaged := ev.Status == editor.StatusCorruptedForceSave
	spec := saveSpec{forcesave: ev.ForceSaveType.ForcesaveType(), damaged: damaged, consumeKey: submit}
	updated, err := m.save(ctx, f, ev, spec)
	if err != nil {
		return Result{}, err
	}
	if damaged {
		return Result{Outcome: OutcomeSaved, File: updated},
			apperr.Corrupted("callback.ForceSave", "document service reported a corrupted force-save for file %s", f.ID)
	}
	return Result{Outcome: OutcomeSaved, File: updated}, nil
}

type saveSpec struct {
	forcesave     model.ForcesaveType
	clearRegistry bool
	damaged       bool
	// consumeKey retires the submit key that carried the callback.
	consumeKey bool
}

var (
	errSaveInFlight = errors.New("another save of this file is in progress")
	// errStale is returned when the session moved on while the callback
	// waited for its save; handle turns it into OutcomeStale.
	errStale = errors.New("revision key superseded")
)

// save fetches the edited content and commits it as a new version. Without a
// url nothing is committed: the failure is noted on the current version.
func (m *StateMachine) save(ctx context.Context, f *model.File, ev *editor.CallbackEvent, spec saveSpec) (*model.File, error) {
	const op = "callback.save"
	if ev.URL == "" {
		note := fmt.Sprintf("save failed: document service sent %s without content", ev.Status)
		if err := m.storage.AddComment(ctx, f.ID, f.Version, note); err != nil {
			m.logger.Warn("record save failure", slog.String("file_id", f.ID), slog.String("error", err.Error()))
		}
		if spec.damaged {
			return nil, apperr.Corrupted(op, "file %s is corrupted and no content was recovered", f.ID)
		}
		return nil, apperr.InvalidState(op, "no content url for file %s", f.ID)
	}

	// A second save of the same session waits for the editor's retry, by
	// which time its key is usually stale.
	if _, busy := m.saving.LoadOrStore(f.ID, struct{}{}); busy {
		return nil, apperr.Wrap(apperr.KindInvalidState, op, errSaveInFlight)
	}
	defer m.saving.Delete(f.ID)

	// The key was checked before the claim; a save that committed in
	// between has moved it.
	f, err := m.storage.Get(ctx, f.ID)
	if err != nil {
		return nil, err
	}
	if _, ok := m.checkKey(f, ev); !ok {
		return nil, errStale
	}

	body, n, err := m.download.Download(ctx, ev.URL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	opts := files.SaveOptions{
		Principal:     ev.Initiator(),
		ForcesaveType: spec.forcesave,
		History:       ev.History,
		Source:        "callback",
	}
	if spec.damaged {
		msg := fmt.Sprintf("recovered from %s session", ev.Status)
		opts.Error = &msg
		opts.Comment = msg
	}
	if ev.ChangesURL != "" && !f.ProviderEntry {
		changes, _, err := m.download.Download(ctx, ev.ChangesURL)
		if err != nil {
			m.logger.Warn("fetch change archive", slog.String("file_id", f.ID), slog.String("error", err.Error()))
		} else {
			defer changes.Close()
			opts.Changes = changes
		}
	}

	updated, err := m.storage.SaveNewVersion(ctx, f.ID, body, n, opts)
	if err != nil {
		return nil, err
	}
	if spec.consumeKey {
		m.consumed.Add(ev.Key, struct{}{})
	}
	if spec.clearRegistry {
		if err := m.registry.Remove(ctx, f.ID); err != nil {
			// The version is committed; a leftover entry only delays the next
			// exclusive open until it is pruned.
			m.logger.Warn("clear editors after save", slog.String("file_id", f.ID), slog.String("error", err.Error()))
		}
	}
	return updated, nil
}

func (m *StateMachine) mailMergeRecord(ctx context.Context, fileID string, ev *editor.CallbackEvent) (Result, error) {
	const op = "callback.MailMerge"
	if ev.MailMerge == nil || ev.URL == "" {
		return Result{}, apperr.InvalidArgument(op, "mail merge callback without record")
	}
	if m.mailMerge == nil {
		return Result{}, apperr.InvalidState(op, "mail merge delivery is not configured")
	}
	mm := ev.MailMerge
	payload := queue.MailMergePayload{
		FileID:      fileID,
		URL:         ev.URL,
		FileType:    ev.FileType,
		From:        mm.From,
		To:          mm.To,
		Subject:     mm.Subject,
		Title:       mm.Title,
		MessageType: string(mm.MessageType),
		RecordIndex: mm.RecordIndex,
		RecordCount: mm.RecordCount,
	}
	if err := m.mailMerge.Dispatch(ctx, payload); err != nil {
		metrics.MailMergeJobs.WithLabelValues("dispatch", "failed").Inc()
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	metrics.MailMergeJobs.WithLabelValues("dispatch", "ok").Inc()
	return Result{Outcome: OutcomeDispatched}, nil
}
