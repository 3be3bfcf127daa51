package access

import (
	"path/filepath"
	"strings"
)

// Formats lists, per editor capability, the file extensions that support it.
type Formats struct {
	Viewable    map[string]bool
	Editable    map[string]bool
	Reviewable  map[string]bool
	Commentable map[string]bool
	Fillable    map[string]bool
	CoAuthoring map[string]bool
}

func set(exts ...string) map[string]bool {
	m := make(map[string]bool, len(exts))
	for _, e := range exts {
		m[e] = true
	}
	return m
}

// DefaultFormats mirrors what the document service handles out of the box.
// Formats edited through conversion (txt, csv, rtf, odf) cannot co-author.
func DefaultFormats() Formats {
	return Formats{
		Viewable: set(".docx", ".doc", ".odt", ".rtf", ".txt", ".html", ".epub", ".docxf", ".oform",
			".xlsx", ".xls", ".ods", ".csv", ".pptx", ".ppt", ".odp", ".pdf", ".djvu", ".xps"),
		Editable:    set(".docx", ".odt", ".rtf", ".txt", ".docxf", ".xlsx", ".ods", ".csv", ".pptx", ".odp", ".pdf"),
		Reviewable:  set(".docx", ".odt", ".docxf"),
		Commentable: set(".docx", ".odt", ".docxf", ".xlsx", ".ods", ".pptx", ".odp", ".pdf"),
		Fillable:    set(".docx", ".docxf", ".oform", ".pdf"),
		CoAuthoring: set(".docx", ".docxf", ".xlsx", ".pptx", ".pdf"),
	}
}

// Ext returns the lower-cased extension of title.
func Ext(title string) string {
	return strings.ToLower(filepath.Ext(title))
}

func (f Formats) CanView(title string) bool { return f.Viewable[Ext(title)] }
func (f Formats) CanEdit(title string) bool { return f.Editable[Ext(title)] }
func (f Formats) CanReview(title string) bool { return f.Reviewable[Ext(title)] }
func (f Formats) CanComment(title string) bool { return f.Commentable[Ext(title)] }
func (f Formats) CanFill(title string) bool { return f.Fillable[Ext(title)] }
func (f Formats) CanCoAuthor(title string) bool { return f.CoAuthoring[Ext(title)] }
