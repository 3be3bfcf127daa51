// Package editor speaks the document service protocol: it signs and sends
// commands, downloads edited content, and decodes the status callbacks the
// service posts back.
package editor

import (
	"encoding/json"

	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/model"
)

// Status is the state reported by a callback.
type Status int

const (
	StatusNotFound           Status = 0
	StatusEditing            Status = 1
	StatusMustSave           Status = 2
	StatusCorrupted          Status = 3
	StatusClosed             Status = 4
	StatusMailMerge          Status = 5
	StatusForceSave          Status = 6
	StatusCorruptedForceSave Status = 7
)

func (s Status) String() string {
	switch s {
	case StatusNotFound:
		return "not_found"
	case StatusEditing:
		return "editing"
	case StatusMustSave:
		return "must_save"
	case StatusCorrupted:
		return "corrupted"
	case StatusClosed:
		return "closed"
	case StatusMailMerge:
		return "mail_merge"
	case StatusForceSave:
		return "force_save"
	case StatusCorruptedForceSave:
		return "corrupted_force_save"
	default:
		return "unknown"
	}
}

// ActionType is the kind of a user action reported alongside a callback.
type ActionType int

const (
	ActionDisconnect ActionType = 0
	ActionConnect    ActionType = 1
	ActionForceSave  ActionType = 2
)

// Action is one user action.
type Action struct {
	Type   ActionType `json:"type"`
	UserID string     `json:"userid"`
}

// ForceSaveInitiator is who triggered a force-save.
type ForceSaveInitiator int

const (
	InitiatorCommand ForceSaveInitiator = 0
	InitiatorButton  ForceSaveInitiator = 1
	InitiatorTimer   ForceSaveInitiator = 2
	InitiatorForm    ForceSaveInitiator = 3
)

// ForcesaveType maps the initiator onto the file record's force-save type.
func (i ForceSaveInitiator) ForcesaveType() model.ForcesaveType {
	switch i {
	case InitiatorButton:
		return model.ForcesaveUser
	case InitiatorTimer:
		return model.ForcesaveTimer
	case InitiatorForm:
		return model.ForcesaveUserSubmit
	default:
		return model.ForcesaveCommand
	}
}

// MessageType selects how a mail-merge record is delivered.
type MessageType string

const (
	MessageHTML       MessageType = "html"
	MessageAttachment MessageType = "attachment"
)

// MailMerge describes one rendered mail-merge record.
type MailMerge struct {
	From             string      `json:"from"`
	To               string      `json:"to"`
	Subject          string      `json:"subject"`
	Title            string      `json:"title"`
	MessageType      MessageType `json:"type"`
	RecordCount      int         `json:"recordCount"`
	RecordIndex      int         `json:"recordIndex"`
	RecordErrorCount int         `json:"recordErrorCount"`
}

// CallbackEvent is the body of a status callback. It lives only for the
// duration of one request.
type CallbackEvent struct {
	Key           string             `json:"key"`
	Status        Status             `json:"status"`
	URL           string             `json:"url,omitempty"`
	ChangesURL    string             `json:"changesurl,omitempty"`
	History       json.RawMessage    `json:"history,omitempty"`
	Users         []string           `json:"users,omitempty"`
	Actions       []Action           `json:"actions,omitempty"`
	ForceSaveType ForceSaveInitiator `json:"forcesavetype"`
	LastSave      string             `json:"lastsave,omitempty"`
	FileType      string             `json:"filetype,omitempty"`
	UserData      string             `json:"userdata,omitempty"`
	MailMerge     *MailMerge         `json:"mailmerge,omitempty"`
	Token         string             `json:"token,omitempty"`
}

// Initiator returns the principal the save is attributed to: the first
// reported user, or the last action's user.
func (e *CallbackEvent) Initiator() string {
	if len(e.Users) > 0 {
		return e.Users[0]
	}
	if n := len(e.Actions); n > 0 {
		return e.Actions[n-1].UserID
	}
	return ""
}

// CallbackResponse is what the document service expects back. Any nonzero
// Error makes it retry or report the failure to its user.
type CallbackResponse struct {
	Error   int    `json:"error"`
	Message string `json:"message"`
}

// Command methods.
const (
	MethodInfo    = "info"
	MethodDrop    = "drop"
	MethodMeta    = "meta"
	MethodVersion = "version"
)

// Meta carries document metadata updates.
type Meta struct {
	Title string `json:"title"`
}

// CommandRequest is the body of a command.
type CommandRequest struct {
	C        string   `json:"c"`
	Key      string   `json:"key,omitempty"`
	Users    []string `json:"users,omitempty"`
	Meta     *Meta    `json:"meta,omitempty"`
	Callback string   `json:"callback,omitempty"`
	UserData string   `json:"userdata,omitempty"`
	Token    string   `json:"token,omitempty"`
}

// CommandResponse is the document service answer to a command.
type CommandResponse struct {
	Error   int    `json:"error"`
	Key     string `json:"key,omitempty"`
	Version string `json:"version,omitempty"`
}
