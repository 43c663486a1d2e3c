// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/streamvault/core/internal/model"
)

// MemStore is an in-process Store implementation backed by plain maps
// guarded by a single mutex. It is used by package tests and by the
// reconciler's own test harness; it is not wired into the production
// composition root (postgres.Store is), but it satisfies the exact same
// interface so tests exercise real component code against it.
type MemStore struct {
	mu sync.Mutex

	channels  map[int64]model.Channel
	streams   map[int64]model.Stream
	nextSID   int64
	episode   map[string]int // "channelID:YYYY-MM" -> count
	recs      map[string]model.Recording
	segments  map[string][]model.Segment
	metadata  map[int64]model.StreamMetadata
	events    map[int64][]model.StreamEvent
	tasks     map[string]model.PostProcessingTask
	taskOrder []string // insertion order, used to break priority ties FIFO
}

// NewMemStore creates an empty in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{
		channels: make(map[int64]model.Channel),
		streams:  make(map[int64]model.Stream),
		episode:  make(map[string]int),
		recs:     make(map[string]model.Recording),
		segments: make(map[string][]model.Segment),
		metadata: make(map[int64]model.StreamMetadata),
		events:   make(map[int64][]model.StreamEvent),
		tasks:    make(map[string]model.PostProcessingTask),
		nextSID:  1,
	}
}

// SeedChannel inserts or replaces a Channel row directly; used by tests.
func (m *MemStore) SeedChannel(c model.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[c.ID] = c
}

func (m *MemStore) GetChannel(_ context.Context, channelID int64) (model.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.channels[channelID]
	if !ok {
		return model.Channel{}, fmt.Errorf("store: channel %d not found", channelID)
	}
	return c, nil
}

func (m *MemStore) UpsertChannelLiveness(_ context.Context, channelID int64, live bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.channels[channelID]
	c.ID = channelID
	c.Live = live
	c.UpdatedAt = at
	m.channels[channelID] = c
	return nil
}

func (m *MemStore) ListChannels(_ context.Context) ([]model.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Channel, 0, len(m.channels))
	for _, c := range m.channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) IsRecording(_ context.Context, channelID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.recs {
		if r.ChannelID == channelID && r.Status == model.RecordingStatusRecording {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) OpenStream(_ context.Context, s model.Stream) (model.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = m.nextSID
	m.nextSID++
	m.streams[s.ID] = s
	return s, nil
}

func (m *MemStore) GetOpenStream(_ context.Context, channelID int64) (model.Stream, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.streams {
		if s.ChannelID == channelID && s.IsOpen() {
			return s, true, nil
		}
	}
	return model.Stream{}, false, nil
}

func (m *MemStore) CloseStream(_ context.Context, streamID int64, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return fmt.Errorf("store: stream %d not found", streamID)
	}
	t := endedAt
	s.EndedAt = &t
	m.streams[streamID] = s
	return nil
}

func (m *MemStore) UpdateStreamInfo(_ context.Context, streamID int64, title, category, language string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return fmt.Errorf("store: stream %d not found", streamID)
	}
	s.Title, s.Category, s.Language = title, category, language
	m.streams[streamID] = s
	return nil
}

func (m *MemStore) NextEpisodeNumber(_ context.Context, channelID int64, month time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%d:%04d-%02d", channelID, month.Year(), month.Month())
	m.episode[key]++
	return m.episode[key], nil
}

func (m *MemStore) AppendStreamEvent(_ context.Context, ev model.StreamEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.StreamID] = append(m.events[ev.StreamID], ev)
	return nil
}

func (m *MemStore) ListChapterMarkers(_ context.Context, streamID int64) ([]model.StreamEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.StreamEvent, len(m.events[streamID]))
	copy(out, m.events[streamID])
	return out, nil
}

func (m *MemStore) InsertRecording(_ context.Context, r model.Recording) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.recs[r.ID]; exists {
		return fmt.Errorf("store: recording %s already exists", r.ID)
	}
	m.recs[r.ID] = r
	return nil
}

func (m *MemStore) GetRecording(_ context.Context, recordingID string) (model.Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[recordingID]
	if !ok {
		return model.Recording{}, fmt.Errorf("store: recording %s not found", recordingID)
	}
	return r, nil
}

func (m *MemStore) UpdateRecordingStatus(_ context.Context, recordingID string, status model.RecordingStatus, endedAt *time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[recordingID]
	if !ok {
		return fmt.Errorf("store: recording %s not found", recordingID)
	}
	r.Status = status
	if endedAt != nil {
		r.EndedAt = endedAt
	}
	r.LastError = lastError
	m.recs[recordingID] = r
	return nil
}

func (m *MemStore) UpdateRecordingSegmentCount(_ context.Context, recordingID string, segmentCount, lastIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[recordingID]
	if !ok {
		return fmt.Errorf("store: recording %s not found", recordingID)
	}
	r.SegmentCount = segmentCount
	r.LastSegmentIndex = lastIndex
	m.recs[recordingID] = r
	return nil
}

func (m *MemStore) UpdateRecordingPath(_ context.Context, recordingID string, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[recordingID]
	if !ok {
		return fmt.Errorf("store: recording %s not found", recordingID)
	}
	r.OutputPath = path
	m.recs[recordingID] = r
	return nil
}

func (m *MemStore) ListRecordingsByStatus(_ context.Context, status model.RecordingStatus) ([]model.Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Recording
	for _, r := range m.recs {
		if r.Status == status {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) MarkRecordingDeleted(_ context.Context, recordingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[recordingID]
	if !ok {
		return fmt.Errorf("store: recording %s not found", recordingID)
	}
	r.Deleted = true
	m.recs[recordingID] = r
	return nil
}

func (m *MemStore) ListRecordingsByChannel(_ context.Context, channelID int64) ([]model.Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Recording
	for _, r := range m.recs {
		if r.ChannelID == channelID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemStore) InsertSegment(_ context.Context, seg model.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.segments[seg.RecordingID] {
		if existing.Index == seg.Index {
			return fmt.Errorf("store: segment (%s, %d) already exists", seg.RecordingID, seg.Index)
		}
	}
	m.segments[seg.RecordingID] = append(m.segments[seg.RecordingID], seg)
	return nil
}

func (m *MemStore) ListSegments(_ context.Context, recordingID string) ([]model.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Segment, len(m.segments[recordingID]))
	copy(out, m.segments[recordingID])
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (m *MemStore) UpsertStreamMetadata(_ context.Context, md model.StreamMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.metadata[md.StreamID]
	if !ok {
		m.metadata[md.StreamID] = md
		return nil
	}
	if md.ThumbnailPath != "" {
		existing.ThumbnailPath = md.ThumbnailPath
	}
	if md.CategoryImage != "" {
		existing.CategoryImage = md.CategoryImage
	}
	if md.DurationSeconds != 0 {
		existing.DurationSeconds = md.DurationSeconds
	}
	if md.FileSizeBytes != 0 {
		existing.FileSizeBytes = md.FileSizeBytes
	}
	if md.ChaptersVTTPath != "" {
		existing.ChaptersVTTPath = md.ChaptersVTTPath
	}
	m.metadata[md.StreamID] = existing
	return nil
}

// StreamMetadataFor returns the metadata row for streamID directly; used by
// tests to assert on the merged result of multiple UpsertStreamMetadata
// calls without growing the Store interface for a read no production
// caller needs yet.
func (m *MemStore) StreamMetadataFor(streamID int64) (model.StreamMetadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.metadata[streamID]
	return md, ok
}

func (m *MemStore) EnqueueTask(_ context.Context, t model.PostProcessingTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	m.taskOrder = append(m.taskOrder, t.ID)
	return nil
}

func (m *MemStore) ClaimNextTask(_ context.Context) (model.PostProcessingTask, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	best := ""
	for _, id := range m.taskOrder {
		t, ok := m.tasks[id]
		if !ok || t.Status != model.TaskStatusPending {
			continue
		}
		if best == "" || t.Priority > m.tasks[best].Priority {
			best = id
		}
	}
	if best == "" {
		return model.PostProcessingTask{}, false, nil
	}
	t := m.tasks[best]
	t.Status = model.TaskStatusRunning
	m.tasks[best] = t
	return t, true, nil
}

func (m *MemStore) UpdateTaskStatus(_ context.Context, taskID string, status model.TaskStatus, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("store: task %s not found", taskID)
	}
	t.Status = status
	t.LastError = lastError
	m.tasks[taskID] = t
	return nil
}

func (m *MemStore) IncrementTaskAttempts(_ context.Context, taskID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return 0, fmt.Errorf("store: task %s not found", taskID)
	}
	t.Attempts++
	m.tasks[taskID] = t
	return t.Attempts, nil
}

func (m *MemStore) ListTasksByStatus(_ context.Context, status model.TaskStatus) ([]model.PostProcessingTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PostProcessingTask
	for _, id := range m.taskOrder {
		if t := m.tasks[id]; t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemStore) ListTasksByTarget(_ context.Context, target string) ([]model.PostProcessingTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PostProcessingTask
	for _, id := range m.taskOrder {
		if t := m.tasks[id]; t.Target == target {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}

func (m *MemStore) RevertRunningTasksToPending(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tasks {
		if t.Status == model.TaskStatusRunning {
			t.Status = model.TaskStatusPending
			m.tasks[id] = t
			n++
		}
	}
	return n, nil
}

var _ Store = (*MemStore)(nil)
