// Package patch contains the pure business logic for mailing-list patches.
// This is part of the Functional Core - no I/O, only pure functions.
package patch

import "time"

// LineOp is the operation a diff line performs.
type LineOp byte

const (
	OpContext LineOp = ' '
	OpAdd     LineOp = '+'
	OpRemove  LineOp = '-'
)

// Line is a single line of a hunk body, without its op prefix.
type Line struct {
	Op   LineOp
	Text string
}

// Hunk is one contiguous change region of a file.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Section  string
	Lines    []Line

	// OldNoNewline and NewNoNewline record "\ No newline at end of file"
	// markers for the respective side.
	OldNoNewline bool
	NewNoNewline bool
}

// oldSide returns the lines the hunk expects to find in the original file.
func (h Hunk) oldSide() []string {
	out := make([]string, 0, h.OldLines)
	for _, l := range h.Lines {
		if l.Op != OpAdd {
			out = append(out, l.Text)
		}
	}
	return out
}

// newSide returns the lines the hunk leaves behind.
func (h Hunk) newSide() []string {
	out := make([]string, 0, h.NewLines)
	for _, l := range h.Lines {
		if l.Op != OpRemove {
			out = append(out, l.Text)
		}
	}
	return out
}

// FileChange is the ordered set of hunks targeting one file.
// OldPath is empty for file creations, NewPath is empty for deletions.
type FileChange struct {
	OldPath string
	NewPath string
	Hunks   []Hunk
}

// IsNew reports whether the change creates the file.
func (f FileChange) IsNew() bool { return f.OldPath == "" }

// IsDelete reports whether the change removes the file.
func (f FileChange) IsDelete() bool { return f.NewPath == "" }

// IsRename reports whether the file moves to a different path.
func (f FileChange) IsRename() bool {
	return f.OldPath != "" && f.NewPath != "" && f.OldPath != f.NewPath
}

// Path returns the path the change is known by after it is applied.
func (f FileChange) Path() string {
	if f.NewPath != "" {
		return f.NewPath
	}
	return f.OldPath
}

// Patch is a parsed mailing-list patch.
type Patch struct {
	// ID is the content fingerprint. See Fingerprint.
	ID string

	// MessageID is informational only; it never participates in identity.
	MessageID   string
	Author      string
	AuthorEmail string
	Subject     string
	Date        time.Time
	Files       []FileChange

	// Diff is the diff text as extracted from the message, LF line endings.
	Diff string

	// SourceRef locates the message in its source (file name, mbox offset).
	SourceRef string
}

// ShortID returns an abbreviated identity for display.
func (p *Patch) ShortID() string {
	return ShortID(p.ID)
}

// HunkCount returns the total number of hunks across all files.
func (p *Patch) HunkCount() int {
	n := 0
	for _, f := range p.Files {
		n += len(f.Hunks)
	}
	return n
}

// ShortID abbreviates a fingerprint to 12 characters.
func ShortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
