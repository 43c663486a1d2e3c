// SPDX-License-Identifier: MIT

package state

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamvault/core/internal/svcerr"
)

func TestRegisterThenGetActive(t *testing.T) {
	m := NewManager()

	err := m.Register(1, Descriptor{RecordingID: "rec_1", StreamID: 10, ChannelID: 1, StartedAt: time.Now(), SegmentCount: 1})
	require.NoError(t, err)

	d, ok := m.GetActive(1)
	require.True(t, ok)
	assert.Equal(t, "rec_1", d.RecordingID)
	assert.Equal(t, 1, d.SegmentCount)
}

func TestRegisterDuplicateChannelFails(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Register(1, Descriptor{RecordingID: "rec_1", ChannelID: 1}))

	err := m.Register(1, Descriptor{RecordingID: "rec_2", ChannelID: 1})

	assert.ErrorIs(t, err, svcerr.ErrDuplicateActiveRecording)
}

func TestUnregisterRemovesByRecordingID(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Register(1, Descriptor{RecordingID: "rec_1", ChannelID: 1}))

	m.Unregister("rec_1")

	_, ok := m.GetActive(1)
	assert.False(t, ok)
	assert.False(t, m.IsActive(1))
}

func TestUnregisterAbsentIsNoop(t *testing.T) {
	m := NewManager()
	assert.NotPanics(t, func() { m.Unregister("nope") })
}

func TestUnregisterThenReregisterSameChannelSucceeds(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Register(1, Descriptor{RecordingID: "rec_1", ChannelID: 1}))
	m.Unregister("rec_1")

	err := m.Register(1, Descriptor{RecordingID: "rec_2", ChannelID: 1})

	assert.NoError(t, err)
}

func TestListActiveReturnsSnapshot(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Register(1, Descriptor{RecordingID: "rec_1", ChannelID: 1}))
	require.NoError(t, m.Register(2, Descriptor{RecordingID: "rec_2", ChannelID: 2}))

	all := m.ListActive()

	assert.Len(t, all, 2)
}

func TestUpdateSegmentUpdatesCounterAndHandle(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Register(1, Descriptor{RecordingID: "rec_1", ChannelID: 1, SegmentCount: 1}))

	ok := m.UpdateSegment("rec_1", nil, 2)

	require.True(t, ok)
	d, _ := m.GetActive(1)
	assert.Equal(t, 2, d.SegmentCount)
}

func TestUpdateSegmentUnknownRecordingReturnsFalse(t *testing.T) {
	m := NewManager()
	assert.False(t, m.UpdateSegment("nope", nil, 2))
}

func TestManagerConcurrentRegisterUnregister(t *testing.T) {
	m := NewManager()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := int64(i % 10)
			recID := "rec"
			_ = m.Register(id, Descriptor{RecordingID: recID, ChannelID: id})
			m.Unregister(recID)
		}(i)
	}
	wg.Wait()
}
