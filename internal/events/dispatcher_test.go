// SPDX-License-Identifier: MIT

package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamvault/core/internal/config"
	"github.com/streamvault/core/internal/ids"
	"github.com/streamvault/core/internal/model"
	"github.com/streamvault/core/internal/store"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type stubLifecycle struct {
	mu        sync.Mutex
	started   []string
	stopped   []string
	startErr  error
}

func (s *stubLifecycle) StartRecording(_ context.Context, stream model.Stream, channel model.Channel, force bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return "", s.startErr
	}
	id := "rec_x"
	s.started = append(s.started, channel.Login)
	return id, nil
}

func (s *stubLifecycle) StopRecording(_ context.Context, recordingID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, recordingID)
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.MemStore, *stubLifecycle) {
	t.Helper()
	db := store.NewMemStore()
	channel := model.Channel{ID: 1, Login: "teststreamer"}
	db.SeedChannel(channel)

	lc := &stubLifecycle{}
	gen := ids.NewGenerator(ids.SystemClock{})
	clock := fixedClock{t: time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)}
	globals := config.DefaultGlobals()

	return New(db, lc, gen, clock, globals, nil, 50*time.Millisecond), db, lc
}

func TestOnlineEventOpensStreamAndStartsRecording(t *testing.T) {
	d, db, lc := newTestDispatcher(t)

	err := d.Dispatch(context.Background(), Event{ChannelID: 1, Kind: model.EventKindOnline, Title: "T", ArrivedAt: time.Now()})
	require.NoError(t, err)

	assert.Len(t, lc.started, 1)

	_, open, err := db.GetOpenStream(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, open)
}

func TestOnlineEventDuplicateIsDropped(t *testing.T) {
	d, _, lc := newTestDispatcher(t)
	ev := Event{ChannelID: 1, Kind: model.EventKindOnline, PlatformStreamID: "s1", ArrivedAt: time.Now()}

	require.NoError(t, d.Dispatch(context.Background(), ev))
	require.NoError(t, d.Dispatch(context.Background(), ev))

	assert.Len(t, lc.started, 1)
}

func TestOnlineEventSkipsStartWhenAutoRecordDisabled(t *testing.T) {
	d, db, lc := newTestDispatcher(t)
	channel, _ := db.GetChannel(context.Background(), 1)
	disabled := false
	channel.Policy.AutoRecord = &disabled
	db.SeedChannel(channel)

	err := d.Dispatch(context.Background(), Event{ChannelID: 1, Kind: model.EventKindOnline, ArrivedAt: time.Now()})

	require.NoError(t, err)
	assert.Empty(t, lc.started)
}

func TestOfflineEventStopsRecordingAndClosesStream(t *testing.T) {
	d, db, lc := newTestDispatcher(t)
	require.NoError(t, d.Dispatch(context.Background(), Event{ChannelID: 1, Kind: model.EventKindOnline, ArrivedAt: time.Now()}))

	s, _, _ := db.GetOpenStream(context.Background(), 1)
	require.NoError(t, db.InsertRecording(context.Background(), model.Recording{
		ID: "rec_x", StreamID: s.ID, ChannelID: 1, Status: model.RecordingStatusRecording,
	}))

	err := d.Dispatch(context.Background(), Event{ChannelID: 1, Kind: model.EventKindOffline, ArrivedAt: time.Now()})

	require.NoError(t, err)
	assert.Len(t, lc.stopped, 1)

	_, open, _ := db.GetOpenStream(context.Background(), 1)
	assert.False(t, open)
}

func TestChannelUpdateAppendsChapterMarker(t *testing.T) {
	d, db, _ := newTestDispatcher(t)
	require.NoError(t, d.Dispatch(context.Background(), Event{ChannelID: 1, Kind: model.EventKindOnline, ArrivedAt: time.Now()}))

	s, _, _ := db.GetOpenStream(context.Background(), 1)

	err := d.Dispatch(context.Background(), Event{
		ChannelID: 1, Kind: model.EventKindChannelUpdate, Title: "New Title", Category: "New Game", ArrivedAt: s.StartedAt.Add(5 * time.Minute),
	})
	require.NoError(t, err)

	markers, err := db.ListChapterMarkers(context.Background(), s.ID)
	require.NoError(t, err)
	require.Len(t, markers, 1)
	assert.Equal(t, "New Title", markers[0].Title)
}

func TestChannelUpdateWithNoOpenStreamIsNoop(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	err := d.Dispatch(context.Background(), Event{ChannelID: 1, Kind: model.EventKindChannelUpdate, Title: "x", ArrivedAt: time.Now()})

	assert.NoError(t, err)
}
