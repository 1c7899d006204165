package filesystem

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"

	"github.com/example/malipat/internal/ports/secondary"
)

// escapedFrom matches mboxrd-quoted "From " lines inside a message body.
var escapedFrom = regexp.MustCompile(`(?m)^>(>*From )`)

// MboxSource reads messages appended to a single mbox file. The checkpoint
// is the byte offset just past the last message returned. A trailing
// message is only returned once it is followed by a blank line, so a
// message still being appended is picked up by a later fetch.
type MboxSource struct {
	path string
}

// NewMboxSource creates a source for the mbox file at path.
func NewMboxSource(path string) *MboxSource {
	return &MboxSource{path: path}
}

// Name identifies the source in the checkpoint table.
func (s *MboxSource) Name() string {
	return "mbox:" + s.path
}

// Path returns the mbox file.
func (s *MboxSource) Path() string {
	return s.path
}

// FetchSince returns up to limit complete messages after the byte offset
// in checkpoint.
func (s *MboxSource) FetchSince(ctx context.Context, checkpoint string, limit int) (*secondary.FetchResult, error) {
	var offset int64
	if checkpoint != "" {
		n, err := strconv.ParseInt(checkpoint, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid mbox checkpoint %q", checkpoint)
		}
		offset = n
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mbox %s: %w", s.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat mbox %s: %w", s.path, err)
	}
	if info.Size() < offset {
		return nil, fmt.Errorf("mbox %s shrank below checkpoint %d; it was truncated or replaced", s.path, offset)
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek mbox %s: %w", s.path, err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read mbox %s: %w", s.path, err)
	}

	result := &secondary.FetchResult{Checkpoint: strconv.FormatInt(offset, 10)}
	for _, m := range splitMbox(data) {
		if limit > 0 && len(result.Messages) >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := offset + int64(m.start)
		result.Messages = append(result.Messages, secondary.RawMessage{
			Ref:  fmt.Sprintf("%s@%d", s.path, start),
			Data: unescapeFrom(m.body),
		})
		result.Checkpoint = strconv.FormatInt(offset+int64(m.end), 10)
	}
	return result, nil
}

type mboxMessage struct {
	start, end int
	body       []byte
}

// splitMbox splits data at "From " separator lines, which start the data
// or follow a blank line. Only messages followed
// by another separator, or by a blank line at the end of data, are
// returned.
func splitMbox(data []byte) []mboxMessage {
	var starts []int
	for pos := 0; pos < len(data); {
		if bytes.HasPrefix(data[pos:], []byte("From ")) && (pos == 0 || bytes.HasSuffix(data[:pos], []byte("\n\n"))) {
			starts = append(starts, pos)
		}
		i := bytes.IndexByte(data[pos:], '\n')
		if i < 0 {
			break
		}
		pos += i + 1
	}

	var msgs []mboxMessage
	for i, start := range starts {
		end := len(data)
		if i+1 < len(starts) {
			end = starts[i+1]
		} else if !bytes.HasSuffix(data, []byte("\n\n")) {
			break
		}
		msgs = append(msgs, mboxMessage{start: start, end: end, body: data[start:end]})
	}
	return msgs
}

func unescapeFrom(body []byte) []byte {
	return escapedFrom.ReplaceAll(body, []byte("$1"))
}

var _ secondary.PatchSource = (*MboxSource)(nil)
