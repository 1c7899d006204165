package patch

import (
	"fmt"
	"strings"
)

// HunkRejection describes a hunk that could not be applied.
type HunkRejection struct {
	Path   string `json:"path"`
	Hunk   int    `json:"hunk"` // 1-based index within the file, 0 for the whole file
	Reason string `json:"reason"`
}

func (r HunkRejection) String() string {
	if r.Hunk == 0 {
		return fmt.Sprintf("%s: %s", r.Path, r.Reason)
	}
	return fmt.Sprintf("%s: hunk #%d: %s", r.Path, r.Hunk, r.Reason)
}

// ApplyError reports a patch whose hunks do not fit the target tree.
type ApplyError struct {
	Applied  int
	Rejected []HunkRejection
}

func (e *ApplyError) Error() string {
	if len(e.Rejected) == 0 {
		return "patch does not apply"
	}
	return fmt.Sprintf("patch does not apply: %d hunk(s) rejected, first: %s", len(e.Rejected), e.Rejected[0])
}

// maxOffset bounds how far from its declared line a hunk may be found.
const maxOffset = 2000

// FileApplyResult is the outcome of applying one FileChange to file content.
type FileApplyResult struct {
	Content  []byte
	Deleted  bool
	Applied  int
	Rejected []HunkRejection
}

// Clean reports whether every hunk applied.
func (r FileApplyResult) Clean() bool {
	return len(r.Rejected) == 0
}

// ApplyFile applies the hunks of fc to original. exists reports whether the
// target file is present at all, which distinguishes an empty file from a
// missing one.
//
// Each hunk's old side must match exactly. The declared position is tried
// first, then the nearest offset that does not overlap an earlier hunk. A
// hunk that matches nowhere is rejected and the remaining hunks still run,
// so callers learn the full extent of the conflict.
func ApplyFile(original []byte, exists bool, fc FileChange) FileApplyResult {
	path := fc.Path()
	if fc.IsNew() && exists {
		return rejectAll(fc, path, "file already exists")
	}
	if !fc.IsNew() && !exists {
		return rejectAll(fc, path, "file does not exist")
	}

	lines, finalNewline := splitLines(string(original))
	out := make([]string, 0, len(lines))
	var res FileApplyResult
	pos, offset := 0, 0

	for i, h := range fc.Hunks {
		old := h.oldSide()
		expected := h.OldStart - 1 + offset
		if h.OldLines == 0 {
			expected = h.OldStart + offset
		}

		at, ok := locate(lines, old, pos, expected)
		if ok && h.OldNoNewline && at+len(old) != len(lines) {
			ok = false
		}
		if !ok {
			res.Rejected = append(res.Rejected, HunkRejection{
				Path:   path,
				Hunk:   i + 1,
				Reason: fmt.Sprintf("context does not match at line %d", h.OldStart),
			})
			continue
		}

		out = append(out, lines[pos:at]...)
		out = append(out, h.newSide()...)
		pos = at + len(old)
		offset = at - (expected - offset)
		if pos == len(lines) {
			finalNewline = !h.NewNoNewline
		}
		res.Applied++
	}
	out = append(out, lines[pos:]...)

	if fc.IsDelete() && res.Clean() {
		if len(out) != 0 {
			res.Applied--
			res.Rejected = append(res.Rejected, HunkRejection{
				Path:   path,
				Hunk:   len(fc.Hunks),
				Reason: "file not empty after removal",
			})
		} else {
			res.Deleted = true
			return res
		}
	}

	res.Content = joinLines(out, finalNewline)
	return res
}

func rejectAll(fc FileChange, path, reason string) FileApplyResult {
	res := FileApplyResult{}
	for i := range fc.Hunks {
		res.Rejected = append(res.Rejected, HunkRejection{Path: path, Hunk: i + 1, Reason: reason})
	}
	if len(fc.Hunks) == 0 {
		res.Rejected = append(res.Rejected, HunkRejection{Path: path, Hunk: 0, Reason: reason})
	}
	return res
}

// locate finds the index at which want occurs in lines, at or after min,
// preferring the position closest to expected.
func locate(lines, want []string, min, expected int) (int, bool) {
	last := len(lines) - len(want)
	if last < min {
		return 0, false
	}
	if expected < min {
		expected = min
	}
	if expected > last {
		expected = last
	}
	for delta := 0; ; delta++ {
		before, after := expected-delta, expected+delta
		if (before < min && after > last) || delta > maxOffset {
			return 0, false
		}
		if after <= last && matchAt(lines, want, after) {
			return after, true
		}
		if delta > 0 && before >= min && matchAt(lines, want, before) {
			return before, true
		}
	}
}

func matchAt(lines, want []string, at int) bool {
	for i, w := range want {
		if lines[at+i] != w {
			return false
		}
	}
	return true
}

// splitLines splits content into lines and reports whether the last line was
// newline-terminated. Empty content has no lines and counts as terminated.
func splitLines(content string) ([]string, bool) {
	if content == "" {
		return nil, true
	}
	terminated := strings.HasSuffix(content, "\n")
	content = strings.TrimSuffix(content, "\n")
	return strings.Split(content, "\n"), terminated
}

func joinLines(lines []string, finalNewline bool) []byte {
	if len(lines) == 0 {
		return []byte{}
	}
	s := strings.Join(lines, "\n")
	if finalNewline {
		s += "\n"
	}
	return []byte(s)
}
