// SPDX-License-Identifier: MIT

// Package state is StreamVault's Recording State Manager (C4): the
// thread-safe, in-memory registry of in-flight recordings keyed by channel,
// and the single authoritative point enforcing at-most-one active
// recording per channel.
package state

import (
	"sync"
	"time"

	"github.com/streamvault/core/internal/capture"
	"github.com/streamvault/core/internal/svcerr"
)

// Descriptor is the in-memory record of one active recording.
type Descriptor struct {
	RecordingID   string
	StreamID      int64
	ChannelID     int64
	ProcessHandle *capture.ProcessHandle
	StartedAt     time.Time
	SegmentCount  int
}

// Manager is the registry of active recordings. All reads and writes pass
// through a single mutex; contention is bounded by channels-going-live-per-second.
type Manager struct {
	mu       sync.Mutex
	byChannel map[int64]*Descriptor
	byRecID   map[string]int64 // recording id -> channel id, for unregister-by-recording-id
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{
		byChannel: make(map[int64]*Descriptor),
		byRecID:   make(map[string]int64),
	}
}

// Register adds a descriptor for channelID. Fails with
// svcerr.ErrDuplicateActiveRecording if the channel already has an entry —
// this is the single authoritative duplicate-prevention point (§4.2).
func (m *Manager) Register(channelID int64, d Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byChannel[channelID]; exists {
		return svcerr.ErrDuplicateActiveRecording
	}

	copied := d
	m.byChannel[channelID] = &copied
	m.byRecID[d.RecordingID] = channelID
	return nil
}

// Unregister removes the descriptor for recordingID. No-op if absent.
func (m *Manager) Unregister(recordingID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	channelID, ok := m.byRecID[recordingID]
	if !ok {
		return
	}
	delete(m.byRecID, recordingID)
	delete(m.byChannel, channelID)
}

// GetActive returns the active descriptor for channelID, if any.
func (m *Manager) GetActive(channelID int64) (Descriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.byChannel[channelID]
	if !ok {
		return Descriptor{}, false
	}
	return *d, true
}

// ListActive returns a snapshot of every active descriptor.
func (m *Manager) ListActive() []Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Descriptor, 0, len(m.byChannel))
	for _, d := range m.byChannel {
		out = append(out, *d)
	}
	return out
}

// UpdateSegment atomically updates a descriptor's process handle and
// segment counter under the state lock (used by rotate_segment, §4.3 step 4).
func (m *Manager) UpdateSegment(recordingID string, handle *capture.ProcessHandle, segmentCount int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	channelID, ok := m.byRecID[recordingID]
	if !ok {
		return false
	}
	d := m.byChannel[channelID]
	d.ProcessHandle = handle
	d.SegmentCount = segmentCount
	return true
}

// IsActive reports whether channelID currently has a registered descriptor.
func (m *Manager) IsActive(channelID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byChannel[channelID]
	return ok
}

// GetByRecording returns the active descriptor for recordingID, if any.
func (m *Manager) GetByRecording(recordingID string) (Descriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	channelID, ok := m.byRecID[recordingID]
	if !ok {
		return Descriptor{}, false
	}
	d := m.byChannel[channelID]
	return *d, true
}
