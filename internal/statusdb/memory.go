package statusdb

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store with the same revision-conflict semantics as
// the CouchDB client. It backs tests and dry runs.
type Memory struct {
	mu       sync.Mutex
	projects map[string]*memDoc
	samples  map[string]*memDoc
	failWith error
}

type memDoc struct {
	fields map[string]any
	rev    int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		projects: make(map[string]*memDoc),
		samples:  make(map[string]*memDoc),
	}
}

// SeedProject inserts or replaces a project document.
func (m *Memory) SeedProject(entry ProjectEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fields := map[string]any{
		"name":      entry.Name,
		"uppnex_id": entry.UppnexID,
	}
	if entry.DeliveryStatus != "" {
		fields[FieldDeliveryStatus] = string(entry.DeliveryStatus)
	}
	if entry.DeliveryToken != "" {
		fields[FieldDeliveryToken] = entry.DeliveryToken
	}
	if len(entry.DeliveryProjects) > 0 {
		fields[FieldDeliveryProjects] = toAnySlice(entry.DeliveryProjects)
	}
	m.projects[entry.ProjectID] = &memDoc{fields: fields, rev: 1}
}

// SeedSample inserts or replaces a sample document.
func (m *Memory) SeedSample(entry SampleEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fields := map[string]any{}
	if entry.SampleStatus != "" {
		fields["status"] = entry.SampleStatus
	}
	if entry.AnalysisStatus != "" {
		fields["analysis_status"] = entry.AnalysisStatus
	}
	if entry.DeliveryStatus != "" {
		fields[FieldDeliveryStatus] = string(entry.DeliveryStatus)
	}
	if entry.DeliveryToken != "" {
		fields[FieldDeliveryToken] = entry.DeliveryToken
	}
	if len(entry.DeliveryProjects) > 0 {
		fields[FieldDeliveryProjects] = toAnySlice(entry.DeliveryProjects)
	}
	m.samples[sampleKey(entry.ProjectID, entry.SampleID)] = &memDoc{fields: fields, rev: 1}
}

// FailWith makes every subsequent call return err, simulating an unreachable
// store. Pass nil to restore normal operation.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// Project implements Store.
func (m *Memory) Project(_ context.Context, projectID string) (ProjectEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return ProjectEntry{}, m.failWith
	}
	doc, ok := m.projects[projectID]
	if !ok {
		return ProjectEntry{}, fmt.Errorf("%w: %s", ErrNotFound, projectID)
	}
	return decodeProject(projectID, doc.snapshot()), nil
}

// Sample implements Store.
func (m *Memory) Sample(_ context.Context, projectID, sampleID string) (SampleEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return SampleEntry{}, m.failWith
	}
	doc, ok := m.samples[sampleKey(projectID, sampleID)]
	if !ok {
		return SampleEntry{}, fmt.Errorf("%w: %s:%s", ErrNotFound, projectID, sampleID)
	}
	return decodeSample(projectID, sampleID, doc.snapshot()), nil
}

// ProjectSamples implements Store.
func (m *Memory) ProjectSamples(_ context.Context, projectID string) ([]SampleEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	prefix := projectID + ":"
	var keys []string
	for key := range m.samples {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	entries := make([]SampleEntry, 0, len(keys))
	for _, key := range keys {
		entries = append(entries, decodeSample(projectID, key[len(prefix):], m.samples[key].snapshot()))
	}
	return entries, nil
}

// UpdateProject implements Store.
func (m *Memory) UpdateProject(_ context.Context, projectID string, fields Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	doc, ok := m.projects[projectID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, projectID)
	}
	doc.apply(fields)
	return nil
}

// UpdateSample implements Store.
func (m *Memory) UpdateSample(_ context.Context, projectID, sampleID string, fields Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	doc, ok := m.samples[sampleKey(projectID, sampleID)]
	if !ok {
		return fmt.Errorf("%w: %s:%s", ErrNotFound, projectID, sampleID)
	}
	doc.apply(fields)
	return nil
}

// AcquireInProgress implements Store.
func (m *Memory) AcquireInProgress(_ context.Context, observed SampleEntry, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	doc, ok := m.samples[sampleKey(observed.ProjectID, observed.SampleID)]
	if !ok {
		return fmt.Errorf("%w: %s:%s", ErrNotFound, observed.ProjectID, observed.SampleID)
	}
	if fmt.Sprintf("%d", doc.rev) != observed.rev {
		return ErrBusy
	}
	if status, _ := doc.fields[FieldDeliveryStatus].(string); DeliveryStatus(status) == InProgress &&
		observed.DeliveryStatus != InProgress {
		return ErrBusy
	}
	doc.apply(Fields{
		FieldDeliveryStatus:  InProgress,
		FieldDeliveryStarted: startedAt,
	})
	return nil
}

func (d *memDoc) apply(fields Fields) {
	for k, v := range fields {
		d.fields[k] = normalizeField(v)
	}
	d.rev++
}

func (d *memDoc) snapshot() map[string]any {
	out := make(map[string]any, len(d.fields)+1)
	for k, v := range d.fields {
		out[k] = v
	}
	out["_rev"] = fmt.Sprintf("%d", d.rev)
	return out
}

func toAnySlice(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
