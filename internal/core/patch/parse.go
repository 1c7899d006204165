package patch

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"regexp"
	"strconv"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// ParseError reports a message that cannot be turned into a Patch.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "malformed patch: " + e.Reason
}

func parseErrorf(format string, args ...any) *ParseError {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

// maxMultipartDepth bounds recursion into nested multipart bodies.
const maxMultipartDepth = 3

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// diffHeaderPrefixes are the lines that may appear between hunks of a git or
// unified diff. Anything else after the last hunk ends the diff.
var diffHeaderPrefixes = []string{
	"diff ", "--- ", "+++ ", "@@ ", `\`, "index ",
	"new file mode", "deleted file mode", "old mode", "new mode",
	"similarity index", "dissimilarity index",
	"rename from", "rename to", "copy from", "copy to",
}

// Parse turns a raw RFC 5322 message into a Patch.
// It is pure: the same bytes always yield the same Patch or the same error.
func Parse(raw []byte) (*Patch, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, parseErrorf("empty message")
	}

	text := stripMboxFromLine(normalizeNewlines(raw))
	msg, err := mail.ReadMessage(strings.NewReader(text))
	if err != nil {
		return nil, parseErrorf("unrecognizable header section: %v", err)
	}

	from := strings.TrimSpace(msg.Header.Get("From"))
	if from == "" {
		return nil, parseErrorf("missing From header")
	}
	subject := decodeHeader(msg.Header.Get("Subject"))
	if strings.TrimSpace(subject) == "" {
		return nil, parseErrorf("missing Subject header")
	}

	body, err := decodeEntity(msg.Header.Get("Content-Type"), msg.Header.Get("Content-Transfer-Encoding"), msg.Body, 0)
	if err != nil {
		return nil, parseErrorf("unreadable body: %v", err)
	}

	diffText, binary := extractDiff(body)
	if binary {
		return nil, parseErrorf("binary patches are not supported")
	}
	if diffText == "" {
		return nil, parseErrorf("no diff found in message body")
	}

	files, err := parseFiles(diffText)
	if err != nil {
		return nil, err
	}

	p := &Patch{
		MessageID: strings.Trim(strings.TrimSpace(msg.Header.Get("Message-Id")), "<>"),
		Author:    decodeHeader(from),
		Subject:   strings.Join(strings.Fields(subject), " "),
		Files:     files,
		Diff:      diffText,
	}
	if p.HunkCount() == 0 {
		return nil, parseErrorf("diff contains no hunks")
	}

	p.AuthorEmail = strings.ToLower(p.Author)
	if addr, err := mail.ParseAddress(from); err == nil {
		p.AuthorEmail = strings.ToLower(addr.Address)
		if addr.Name != "" {
			p.Author = fmt.Sprintf("%s <%s>", addr.Name, addr.Address)
		} else {
			p.Author = addr.Address
		}
	}
	if date, err := msg.Header.Date(); err == nil {
		p.Date = date.UTC()
	}

	p.ID = Fingerprint(p.AuthorEmail, p.Subject, p.Diff)
	return p, nil
}

// stripMboxFromLine drops the "From <sha> <date>" envelope line that
// git format-patch and mbox archives put before the headers.
func stripMboxFromLine(text string) string {
	if strings.HasPrefix(text, "From ") {
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			return text[i+1:]
		}
	}
	return text
}

func decodeHeader(value string) string {
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// decodeEntity returns the text of a message entity, undoing transfer
// encodings and descending into multipart bodies to find the part that
// carries a diff.
func decodeEntity(contentType, encoding string, r io.Reader, depth int) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		data, err := io.ReadAll(transferDecoder(encoding, r))
		if err != nil {
			return "", err
		}
		return normalizeNewlines(data), nil
	}

	if depth >= maxMultipartDepth {
		return "", fmt.Errorf("multipart nesting deeper than %d", maxMultipartDepth)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return "", fmt.Errorf("multipart body without boundary")
	}

	mr := multipart.NewReader(r, boundary)
	var first string
	for i := 0; ; i++ {
		part, err := mr.NextRawPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		text, err := decodeEntity(part.Header.Get("Content-Type"), part.Header.Get("Content-Transfer-Encoding"), part, depth+1)
		if err != nil {
			return "", err
		}
		if d, _ := extractDiff(text); d != "" {
			return text, nil
		}
		if i == 0 {
			first = text
		}
	}
	return first, nil
}

func transferDecoder(encoding string, r io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, &base64LineReader{r: r})
	default:
		return r
	}
}

// base64LineReader strips line breaks, which the base64 decoder rejects.
type base64LineReader struct {
	r io.Reader
}

func (b *base64LineReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	out := 0
	for _, c := range p[:n] {
		if c != '\n' && c != '\r' {
			p[out] = c
			out++
		}
	}
	return out, err
}

// extractDiff locates the diff inside a message body. It starts at the first
// "diff --git" line (or a "---"/"+++" header pair) and ends at the
// format-patch signature separator or at the first line after the last hunk
// that cannot belong to a diff. Hunk line counts are tracked so that a
// removed line reading "- " is never mistaken for the signature.
func extractDiff(body string) (text string, binary bool) {
	lines := strings.SplitAfter(body, "\n")
	start := -1
	for i, l := range lines {
		if strings.HasPrefix(l, "diff --git ") {
			start = i
			break
		}
		if strings.HasPrefix(l, "--- ") && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ ") {
			start = i
			break
		}
	}
	if start < 0 {
		return "", false
	}

	end := len(lines)
	oldLeft, newLeft := 0, 0
	seenHunk := false
	for i := start; i < len(lines); i++ {
		l := strings.TrimSuffix(lines[i], "\n")
		if oldLeft > 0 || newLeft > 0 {
			switch {
			case strings.HasPrefix(l, "+"):
				newLeft--
			case strings.HasPrefix(l, "-"):
				oldLeft--
			case strings.HasPrefix(l, `\`):
			default:
				oldLeft--
				newLeft--
			}
			continue
		}
		if strings.HasPrefix(l, "GIT binary patch") || strings.HasPrefix(l, "Binary files ") {
			return "", true
		}
		if m := hunkHeader.FindStringSubmatch(l); m != nil {
			oldLeft, newLeft = rangeCount(m[2]), rangeCount(m[4])
			seenHunk = true
			continue
		}
		if l == "-- " || (seenHunk && !hasDiffHeaderPrefix(l)) {
			end = i
			break
		}
	}
	return strings.Join(lines[start:end], ""), false
}

func hasDiffHeaderPrefix(line string) bool {
	for _, p := range diffHeaderPrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

func rangeCount(s string) int {
	if s == "" {
		return 1
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// parseFiles converts the extracted diff into FileChanges and verifies each
// hunk's body against the line counts declared in its header.
func parseFiles(text string) ([]FileChange, error) {
	fileDiffs, err := diff.ParseMultiFileDiff([]byte(text))
	if err != nil {
		return nil, parseErrorf("invalid diff: %v", err)
	}
	if len(fileDiffs) == 0 {
		return nil, parseErrorf("diff contains no files")
	}

	files := make([]FileChange, 0, len(fileDiffs))
	for _, fd := range fileDiffs {
		fc := FileChange{
			OldPath: cleanDiffPath(fd.OrigName, "a/"),
			NewPath: cleanDiffPath(fd.NewName, "b/"),
		}
		if fc.OldPath == "" && fc.NewPath == "" {
			return nil, parseErrorf("file header without a path")
		}
		for i, h := range fd.Hunks {
			hunk, err := convertHunk(h)
			if err != nil {
				return nil, parseErrorf("hunk %d of %s: %v", i+1, fc.Path(), err)
			}
			fc.Hunks = append(fc.Hunks, hunk)
		}
		if len(fc.Hunks) == 0 && !fc.IsRename() {
			// Mode-only changes carry nothing to apply.
			continue
		}
		files = append(files, fc)
	}
	return files, nil
}

func cleanDiffPath(name, prefix string) string {
	name = strings.TrimSpace(name)
	if name == "" || name == "/dev/null" {
		return ""
	}
	return strings.TrimPrefix(name, prefix)
}

func convertHunk(h *diff.Hunk) (Hunk, error) {
	hunk := Hunk{
		OldStart: int(h.OrigStartLine),
		OldLines: int(h.OrigLines),
		NewStart: int(h.NewStartLine),
		NewLines: int(h.NewLines),
		Section:  h.Section,
	}

	// The diff reader drops the "\ No newline at end of file" markers. An
	// unterminated final body line stands in for the new side's marker and
	// OrigNoNewlineAt for the old side's.
	unterminated := len(h.Body) > 0 && h.Body[len(h.Body)-1] != '\n'
	body := strings.TrimSuffix(string(h.Body), "\n")
	if body != "" {
		for _, raw := range strings.Split(body, "\n") {
			if strings.HasPrefix(raw, `\`) {
				markNoNewline(&hunk)
				continue
			}
			op, text := OpContext, ""
			if raw != "" {
				op, text = LineOp(raw[0]), raw[1:]
			}
			switch op {
			case OpContext, OpAdd, OpRemove:
			default:
				return Hunk{}, fmt.Errorf("unexpected line %q", raw)
			}
			hunk.Lines = append(hunk.Lines, Line{Op: op, Text: text})
		}
	}

	if unterminated {
		markNoNewline(&hunk)
	}
	if h.OrigNoNewlineAt > 0 {
		hunk.OldNoNewline = true
	}

	oldCount, newCount := 0, 0
	for _, l := range hunk.Lines {
		if l.Op != OpAdd {
			oldCount++
		}
		if l.Op != OpRemove {
			newCount++
		}
	}
	if oldCount != hunk.OldLines || newCount != hunk.NewLines {
		return Hunk{}, fmt.Errorf("body has -%d/+%d lines, header declares -%d/+%d",
			oldCount, newCount, hunk.OldLines, hunk.NewLines)
	}
	return hunk, nil
}

// markNoNewline attributes a "\ No newline at end of file" marker to the side
// of the line it follows.
func markNoNewline(h *Hunk) {
	if len(h.Lines) == 0 {
		return
	}
	switch h.Lines[len(h.Lines)-1].Op {
	case OpRemove:
		h.OldNoNewline = true
	case OpAdd:
		h.NewNoNewline = true
	default:
		h.OldNoNewline = true
		h.NewNoNewline = true
	}
}
