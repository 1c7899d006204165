package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/malipat/internal/core/outcome"
	"github.com/example/malipat/internal/ports/secondary"
)

// ============================================================================
// Mock Implementations
// ============================================================================

// mockPatchSource implements secondary.PatchSource over an in-memory list.
// Checkpoints are decimal indexes into messages.
type mockPatchSource struct {
	mu       sync.Mutex
	messages []secondary.RawMessage
	fetchErr error
	fetches  int
}

var _ secondary.PatchSource = (*mockPatchSource)(nil)

func newMockPatchSource(raws ...string) *mockPatchSource {
	s := &mockPatchSource{}
	for _, r := range raws {
		s.add(r)
	}
	return s
}

func (s *mockPatchSource) add(raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, secondary.RawMessage{
		Ref:  fmt.Sprintf("msg-%03d", len(s.messages)+1),
		Data: []byte(raw),
	})
}

func (s *mockPatchSource) Name() string { return "mock" }

func (s *mockPatchSource) FetchSince(ctx context.Context, checkpoint string, limit int) (*secondary.FetchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	start := 0
	if checkpoint != "" {
		if _, err := fmt.Sscanf(checkpoint, "%d", &start); err != nil {
			return nil, err
		}
	}
	end := len(s.messages)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	if start > end {
		start = end
	}
	res := &secondary.FetchResult{Checkpoint: checkpoint}
	res.Messages = append(res.Messages, s.messages[start:end]...)
	if end > start {
		res.Checkpoint = fmt.Sprintf("%d", end)
	}
	return res, nil
}

// mockPatchRepository implements secondary.PatchRepository in memory.
type mockPatchRepository struct {
	mu       sync.Mutex
	records  map[string]*secondary.PatchRecord
	attempts map[string][]*secondary.AttemptRecord
	raw      map[string][]byte

	isKnownErr       error
	recordStartErr   error
	recordResultErr  error
	recordInvalidErr error
	markErr          error
	// failResultFor makes RecordResult fail for one identity only.
	failResultFor string
	// failStartFor makes RecordAttemptStart fail for one identity only.
	failStartFor string
	// startFailureBreaksStore makes every read fail after a failed start.
	startFailureBreaksStore bool
}

var _ secondary.PatchRepository = (*mockPatchRepository)(nil)

func newMockPatchRepository() *mockPatchRepository {
	return &mockPatchRepository{
		records:  make(map[string]*secondary.PatchRecord),
		attempts: make(map[string][]*secondary.AttemptRecord),
		raw:      make(map[string][]byte),
	}
}

func (m *mockPatchRepository) IsKnown(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isKnownErr != nil {
		return false, m.isKnownErr
	}
	_, ok := m.records[id]
	return ok, nil
}

func (m *mockPatchRepository) RecordAttemptStart(ctx context.Context, start *secondary.AttemptStart) (*secondary.AttemptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	startErr := m.recordStartErr
	if m.failStartFor != "" && m.failStartFor == start.PatchID {
		startErr = errors.New("database is locked")
	}
	if startErr != nil {
		if m.startFailureBreaksStore {
			m.isKnownErr = errors.New("unable to open database file")
		}
		return nil, startErr
	}
	rec, ok := m.records[start.PatchID]
	if !ok {
		rec = &secondary.PatchRecord{
			ID:          start.PatchID,
			MessageID:   start.MessageID,
			Author:      start.Author,
			AuthorEmail: start.AuthorEmail,
			Subject:     start.Subject,
			SourceRef:   start.SourceRef,
		}
		m.records[start.PatchID] = rec
	}
	rec.Attempts++
	rec.Outcome = outcome.OutcomePending
	rec.RetryRequested = false
	if len(start.Raw) > 0 {
		m.raw[start.PatchID] = start.Raw
		rec.HasMessage = true
	}
	a := &secondary.AttemptRecord{
		ID:           fmt.Sprintf("%s-%d", start.PatchID, rec.Attempts),
		PatchID:      start.PatchID,
		Number:       rec.Attempts,
		BaseRevision: start.BaseRevision,
		Outcome:      outcome.OutcomePending,
	}
	m.attempts[start.PatchID] = append(m.attempts[start.PatchID], a)
	cp := *a
	return &cp, nil
}

func (m *mockPatchRepository) RecordResult(ctx context.Context, id string, attempt int, result *outcome.ExecutionResult) (*secondary.PatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordResultErr != nil {
		return nil, m.recordResultErr
	}
	if m.failResultFor != "" && m.failResultFor == id {
		return nil, errors.New("disk full")
	}
	rec, ok := m.records[id]
	if !ok {
		return nil, secondary.ErrNotFound
	}
	rec.Outcome = result.Outcome
	rec.LastError = result.Summary()
	for _, a := range m.attempts[id] {
		if a.Number == attempt {
			a.Outcome = result.Outcome
			a.ApplyStatus = result.Apply
			a.TestStatus = result.Test
			a.TimedOut = result.TimedOut
			a.ExitCode = result.ExitCode
			a.Output = result.Output
			a.Error = result.Error
			a.Rejected = result.Rejected
		}
	}
	cp := *rec
	return &cp, nil
}

func (m *mockPatchRepository) RecordInvalid(ctx context.Context, msg *secondary.InvalidMessage) (*secondary.PatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordInvalidErr != nil {
		return nil, m.recordInvalidErr
	}
	if rec, ok := m.records[msg.PatchID]; ok {
		cp := *rec
		return &cp, nil
	}
	rec := &secondary.PatchRecord{
		ID:         msg.PatchID,
		MessageID:  msg.MessageID,
		Author:     msg.Author,
		Subject:    msg.Subject,
		SourceRef:  msg.SourceRef,
		Outcome:    outcome.OutcomeInvalid,
		LastError:  msg.Reason,
		HasMessage: len(msg.Raw) > 0,
	}
	m.records[msg.PatchID] = rec
	m.raw[msg.PatchID] = msg.Raw
	cp := *rec
	return &cp, nil
}

func (m *mockPatchRepository) Query(ctx context.Context, filters secondary.PatchFilters) ([]*secondary.PatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*secondary.PatchRecord
	for _, r := range m.records {
		if filters.Outcome != "" && r.Outcome != filters.Outcome {
			continue
		}
		if filters.Fault != "" && outcome.FaultOf(r.Outcome) != filters.Fault {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if filters.Limit > 0 && len(result) > filters.Limit {
		result = result[:filters.Limit]
	}
	return result, nil
}

func (m *mockPatchRepository) GetByID(ctx context.Context, idOrPrefix string) (*secondary.PatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *secondary.PatchRecord
	for id, r := range m.records {
		if strings.HasPrefix(id, idOrPrefix) {
			if found != nil {
				return nil, fmt.Errorf("ambiguous prefix %q", idOrPrefix)
			}
			found = r
		}
	}
	if found == nil {
		return nil, secondary.ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (m *mockPatchRepository) GetRawMessage(ctx context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.raw[id]
	if !ok {
		return nil, secondary.ErrNotFound
	}
	return raw, nil
}

func (m *mockPatchRepository) ListAttempts(ctx context.Context, id string) ([]*secondary.AttemptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*secondary.AttemptRecord
	for _, a := range m.attempts[id] {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockPatchRepository) RequestRetry(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return secondary.ErrNotFound
	}
	rec.RetryRequested = true
	return nil
}

func (m *mockPatchRepository) ListRetryRequested(ctx context.Context) ([]*secondary.PatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*secondary.PatchRecord
	for _, r := range m.records {
		if r.RetryRequested {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockPatchRepository) MarkInterrupted(ctx context.Context, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return 0, m.markErr
	}
	n := 0
	for _, r := range m.records {
		if r.Outcome == outcome.OutcomePending {
			r.Outcome = outcome.OutcomeError
			r.LastError = reason
			n++
		}
	}
	return n, nil
}

func (m *mockPatchRepository) record(id string) *secondary.PatchRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id]; ok {
		cp := *r
		return &cp
	}
	return nil
}

// mockCheckpointRepository implements secondary.CheckpointRepository.
type mockCheckpointRepository struct {
	mu          sync.Mutex
	checkpoints map[string]string
	getErr      error
	advanceErr  error
}

var _ secondary.CheckpointRepository = (*mockCheckpointRepository)(nil)

func newMockCheckpointRepository() *mockCheckpointRepository {
	return &mockCheckpointRepository{checkpoints: make(map[string]string)}
}

func (m *mockCheckpointRepository) Get(ctx context.Context, source string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return "", m.getErr
	}
	return m.checkpoints[source], nil
}

func (m *mockCheckpointRepository) Advance(ctx context.Context, source, checkpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.advanceErr != nil {
		return m.advanceErr
	}
	m.checkpoints[source] = checkpoint
	return nil
}

func (m *mockCheckpointRepository) get(source string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoints[source]
}

// mockBatchRepository implements secondary.BatchRepository.
type mockBatchRepository struct {
	mu      sync.Mutex
	batches []*secondary.BatchRecord
}

var _ secondary.BatchRepository = (*mockBatchRepository)(nil)

func newMockBatchRepository() *mockBatchRepository {
	return &mockBatchRepository{}
}

func (m *mockBatchRepository) Start(ctx context.Context, batch *secondary.BatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *batch
	cp.Status = secondary.BatchRunning
	m.batches = append(m.batches, &cp)
	return nil
}

func (m *mockBatchRepository) Finish(ctx context.Context, batch *secondary.BatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, b := range m.batches {
		if b.ID == batch.ID {
			cp := *batch
			m.batches[i] = &cp
			return nil
		}
	}
	return secondary.ErrNotFound
}

func (m *mockBatchRepository) Latest(ctx context.Context) (*secondary.BatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.batches) == 0 {
		return nil, secondary.ErrNotFound
	}
	cp := *m.batches[len(m.batches)-1]
	return &cp, nil
}

func (m *mockBatchRepository) List(ctx context.Context, limit int) ([]*secondary.BatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*secondary.BatchRecord
	for i := len(m.batches) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		cp := *m.batches[i]
		out = append(out, &cp)
	}
	return out, nil
}

// mockWorkspaceAdapter implements secondary.WorkspaceAdapter with an
// in-memory tree that every provisioned workspace copies.
type mockWorkspaceAdapter struct {
	mu       sync.Mutex
	base     map[string]string
	spaces   map[string]map[string]string
	revision string
	next     int

	provisioned int
	released    int
	maxLive     int
	updates     int

	resolveErr   error
	provisionErr error
	writeErr     error
	updateErr    error
}

var _ secondary.WorkspaceAdapter = (*mockWorkspaceAdapter)(nil)

func newMockWorkspaceAdapter(files map[string]string) *mockWorkspaceAdapter {
	base := make(map[string]string, len(files))
	for k, v := range files {
		base[k] = v
	}
	return &mockWorkspaceAdapter{
		base:     base,
		spaces:   make(map[string]map[string]string),
		revision: "0123456789abcdef0123456789abcdef01234567",
	}
}

func (m *mockWorkspaceAdapter) ResolveBase(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resolveErr != nil {
		return "", m.resolveErr
	}
	return m.revision, nil
}

func (m *mockWorkspaceAdapter) UpdateBase(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	return m.updateErr
}

func (m *mockWorkspaceAdapter) Provision(ctx context.Context, revision string) (*secondary.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.provisionErr != nil {
		return nil, m.provisionErr
	}
	m.next++
	id := fmt.Sprintf("ws-%d", m.next)
	tree := make(map[string]string, len(m.base))
	for k, v := range m.base {
		tree[k] = v
	}
	m.spaces[id] = tree
	m.provisioned++
	if live := len(m.spaces); live > m.maxLive {
		m.maxLive = live
	}
	return &secondary.Workspace{ID: id, Path: "/tmp/malipat/" + id, Revision: revision}, nil
}

func (m *mockWorkspaceAdapter) Release(ctx context.Context, ws *secondary.Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.spaces, ws.ID)
	m.released++
	return nil
}

func (m *mockWorkspaceAdapter) Prune(ctx context.Context) (int, error) {
	return 0, nil
}

func (m *mockWorkspaceAdapter) ReadFile(ctx context.Context, ws *secondary.Workspace, path string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.HasPrefix(path, "../") || strings.HasPrefix(path, "/") {
		return nil, false, fmt.Errorf("%s: %w", path, secondary.ErrPathEscape)
	}
	data, ok := m.spaces[ws.ID][path]
	if !ok {
		return nil, false, nil
	}
	return []byte(data), true, nil
}

func (m *mockWorkspaceAdapter) WriteFile(ctx context.Context, ws *secondary.Workspace, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.spaces[ws.ID][path] = string(data)
	return nil
}

func (m *mockWorkspaceAdapter) RemoveFile(ctx context.Context, ws *secondary.Workspace, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.spaces[ws.ID], path)
	return nil
}

func (m *mockWorkspaceAdapter) file(ws *secondary.Workspace, path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.spaces[ws.ID][path]
	return data, ok
}

func (m *mockWorkspaceAdapter) live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.spaces)
}

// mockProcessRunner implements secondary.ProcessRunner with a callback.
type mockProcessRunner struct {
	mu    sync.Mutex
	calls []secondary.ProcessSpec
	run   func(ctx context.Context, spec secondary.ProcessSpec) (*secondary.ProcessResult, error)
}

var _ secondary.ProcessRunner = (*mockProcessRunner)(nil)

// exitWith returns a runner whose procedure always exits with code.
func exitWith(code int) *mockProcessRunner {
	return &mockProcessRunner{
		run: func(ctx context.Context, spec secondary.ProcessSpec) (*secondary.ProcessResult, error) {
			return &secondary.ProcessResult{Started: true, ExitCode: code, Output: []byte("ok\n"), Duration: time.Millisecond}, nil
		},
	}
}

func (m *mockProcessRunner) Run(ctx context.Context, spec secondary.ProcessSpec) (*secondary.ProcessResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, spec)
	m.mu.Unlock()
	return m.run(ctx, spec)
}

func (m *mockProcessRunner) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// mockReporter implements secondary.Reporter and remembers every report.
type mockReporter struct {
	mu      sync.Mutex
	reports []outcome.ExecutionResult
	ids     []string
	err     error
}

var _ secondary.Reporter = (*mockReporter)(nil)

func (m *mockReporter) Report(ctx context.Context, id string, result outcome.ExecutionResult, record *secondary.PatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, result)
	m.ids = append(m.ids, id)
	return m.err
}

func (m *mockReporter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reports)
}
