// Package access computes what a principal may do with a file in the editor.
//
// Resolve is a pure function of the file, the security layer's answers and a
// snapshot of the editing set. Every capability starts from the security
// answer intersected with the requested intent and is then reduced, in order,
// by the trash, lock, format, encryption and live co-authoring gates. Viewing
// a historical version strips the remaining write capabilities.
package access

import (
	"fmt"
	"strings"

	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/apperr"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/coauthoring"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/model"
)

// Intent is what the caller asks to do.
type Intent struct {
	Edit      bool `json:"edit"`
	Review    bool `json:"review"`
	Comment   bool `json:"comment"`
	FillForms bool `json:"fillForms"`
}

// Rights are the answers of the security layer (ACL) for the principal.
type Rights struct {
	Read      bool
	Edit      bool
	Review    bool
	Comment   bool
	FillForms bool
	Rename    bool
	Download  bool
}

// Location describes where the file lives and who holds its lock.
type Location struct {
	InTrash bool
	// InPrivateRoom is true when the file sits in the private room that owns
	// its encryption keys.
	InPrivateRoom bool
	LockedBy      string
}

// Input gathers everything the resolver looks at.
type Input struct {
	File      *model.File
	Principal string
	Intent    Intent
	// TryEdit means the caller is about to take the file for editing; only
	// then is it registered as an editor.
	TryEdit     bool
	TryCoauth   bool
	LastVersion bool
	Rights      Rights
	Location    Location
	Editors     []coauthoring.Editor
}

// Permissions is the capability set handed to the editor.
type Permissions struct {
	Edit      bool `json:"edit"`
	Review    bool `json:"review"`
	Comment   bool `json:"comment"`
	FillForms bool `json:"fillForms"`
	Rename    bool `json:"rename"`
	Download  bool `json:"download"`
	Print     bool `json:"print"`
}

func (p Permissions) writable() bool {
	return p.Edit || p.Review || p.Comment || p.FillForms
}

func (p *Permissions) dropWrites() {
	p.Edit, p.Review, p.Comment, p.FillForms = false, false, false, false
}

// Mode values of the editor.
const (
	ModeEdit = "edit"
	ModeView = "view"
)

// Result is the outcome of Resolve.
type Result struct {
	Permissions Permissions `json:"permissions"`
	Mode        string      `json:"mode"`
	// Reason explains why editing was refused; empty when it was not.
	Reason    string   `json:"reason,omitempty"`
	EditingBy []string `json:"editingBy,omitempty"`
	// CoAuthoring is true when this session joins others in the same key.
	CoAuthoring bool `json:"coAuthoring"`
	// Track and Alone tell the caller how to register the principal.
	Track bool `json:"-"`
	Alone bool `json:"-"`
}

// Resolver holds the format tables.
type Resolver struct {
	formats Formats
}

// NewResolver creates a Resolver.
func NewResolver(formats Formats) *Resolver {
	return &Resolver{formats: formats}
}

// Resolve computes the effective permissions. It fails only when the file
// cannot be opened at all.
func (r *Resolver) Resolve(in Input) (Result, error) {
	const op = "access.Resolve"
	if in.File == nil {
		return Result{}, apperr.InvalidArgument(op, "file is required")
	}
	title := in.File.Title

	if !in.Rights.Read {
		return Result{}, apperr.Unauthorized(op, "no read access to file %s", in.File.ID)
	}
	p := Permissions{
		Edit:      in.Rights.Edit && in.Intent.Edit,
		Review:    in.Rights.Review && in.Intent.Review,
		Comment:   in.Rights.Comment && in.Intent.Comment,
		FillForms: in.Rights.FillForms && in.Intent.FillForms,
		Rename:    in.Rights.Rename,
		Download:  in.Rights.Download,
		Print:     in.Rights.Download,
	}
	var reason string
	wantsEdit := in.Intent.Edit || in.TryEdit

	if in.Location.InTrash {
		return Result{}, apperr.Unauthorized(op, "file %s is in the trash", in.File.ID)
	}

	if locker := in.Location.LockedBy; locker != "" && locker != in.Principal && p.writable() {
		p.dropWrites()
		if wantsEdit {
			reason = fmt.Sprintf("the file is locked by %s", locker)
		}
	}

	if !r.formats.CanView(title) && !r.formats.CanEdit(title) {
		return Result{}, apperr.InvalidArgument(op, "format of %q is not supported", title)
	}
	p.Edit = p.Edit && r.formats.CanEdit(title)
	p.Review = p.Review && r.formats.CanReview(title)
	p.Comment = p.Comment && r.formats.CanComment(title)
	p.FillForms = p.FillForms && r.formats.CanFill(title)

	if in.File.Encrypted && !in.Location.InPrivateRoom {
		p.dropWrites()
	}

	coauth := in.TryCoauth && r.formats.CanCoAuthor(title)
	others := otherEditors(in.Editors, in.Principal)
	if p.writable() && len(others) > 0 {
		if !coauth || coauthoring.EditingAlone(in.Editors) {
			p.dropWrites()
			if wantsEdit {
				reason = fmt.Sprintf("the file is being edited by %s", strings.Join(others, ", "))
			}
		}
	}

	if !in.LastVersion {
		p.dropWrites()
		p.Rename = false
	}

	res := Result{
		Permissions: p,
		Mode:        ModeView,
		Reason:      reason,
		EditingBy:   others,
	}
	if p.writable() {
		res.Mode = ModeEdit
		res.CoAuthoring = coauth && len(others) > 0
		res.Track = in.TryEdit
		res.Alone = !coauth
	}
	return res, nil
}

func otherEditors(editors []coauthoring.Editor, principal string) []string {
	var out []string
	for _, e := range editors {
		if e.Principal != principal {
			out = append(out, e.Principal)
		}
	}
	return out
}
