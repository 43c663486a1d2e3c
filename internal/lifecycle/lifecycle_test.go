// SPDX-License-Identifier: MIT

package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamvault/core/internal/capture"
	"github.com/streamvault/core/internal/config"
	"github.com/streamvault/core/internal/ids"
	"github.com/streamvault/core/internal/model"
	"github.com/streamvault/core/internal/state"
	"github.com/streamvault/core/internal/store"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func fakeCaptureBinary(t *testing.T, sleepFor time.Duration) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakecapture.sh")
	script := fmt.Sprintf("#!/bin/sh\nsleep %f\nexit 0\n", sleepFor.Seconds())
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

// fakeCaptureBinaryExitCode produces no output and exits with the given
// nonzero code almost immediately, so its segment is discarded as too short.
func fakeCaptureBinaryExitCode(t *testing.T, code int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakecapture_fail.sh")
	script := fmt.Sprintf("#!/bin/sh\nexit %d\n", code)
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func newTestLifecycle(t *testing.T, sleepFor time.Duration) (*Lifecycle, *store.MemStore, model.Channel, model.Stream) {
	t.Helper()

	db := store.NewMemStore()
	channel := model.Channel{ID: 1, PlatformID: "p1", Login: "teststreamer"}
	db.SeedChannel(channel)

	s, err := db.OpenStream(context.Background(), model.Stream{ChannelID: channel.ID, Title: "Ranked", Category: "Example Game"})
	require.NoError(t, err)

	globals := config.DefaultGlobals()
	globals.RecordingsRoot = t.TempDir()
	globals.FilenameTemplate = "{streamer}/{streamer}_{datetime}"

	runner := capture.NewRunner(fakeCaptureBinary(t, sleepFor), t.TempDir(), nil)
	states := state.NewManager()
	gen := ids.NewGenerator(ids.SystemClock{})
	clock := fixedClock{t: time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)}

	lc := New(runner, states, db, gen, clock, globals, nil)
	lc.pollInterval = 10 * time.Millisecond
	lc.stopGrace = 200 * time.Millisecond
	lc.rotationGrace = 200 * time.Millisecond

	return lc, db, channel, s
}

func TestStartRecordingInsertsRowAndRegistersDescriptor(t *testing.T) {
	lc, db, channel, s := newTestLifecycle(t, time.Second)

	recordingID, err := lc.StartRecording(context.Background(), s, channel, false)
	require.NoError(t, err)
	assert.NotEmpty(t, recordingID)

	rec, err := db.GetRecording(context.Background(), recordingID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordingStatusRecording, rec.Status)
	assert.Equal(t, 1, rec.SegmentCount)

	assert.True(t, lc.states.IsActive(channel.ID))
}

func TestStartRecordingDuplicateFailsFast(t *testing.T) {
	lc, _, channel, s := newTestLifecycle(t, time.Second)

	_, err := lc.StartRecording(context.Background(), s, channel, false)
	require.NoError(t, err)

	_, err = lc.StartRecording(context.Background(), s, channel, false)
	require.Error(t, err)
}

func TestMonitorRunsStopPathOnExit(t *testing.T) {
	lc, db, channel, s := newTestLifecycle(t, 30*time.Millisecond)

	recordingID, err := lc.StartRecording(context.Background(), s, channel, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !lc.states.IsActive(channel.ID)
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := db.GetRecording(context.Background(), recordingID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordingStatusStopped, rec.Status)

	tasks, err := db.ListTasksByTarget(context.Background(), recordingID)
	require.NoError(t, err)
	require.NotEmpty(t, tasks)
	assert.Equal(t, model.TaskKindTransmux, tasks[0].Kind, "single-segment recording skips merge")
}

func TestMonitorMarksFailedOnNonzeroExitWithNoUsableSegments(t *testing.T) {
	lc, db, channel, s := newTestLifecycle(t, time.Second)
	lc.minSegmentBytes = 1 // the segment is discarded either way: it is empty and, under the fixed clock, zero seconds long
	lc.runner = capture.NewRunner(fakeCaptureBinaryExitCode(t, 1), t.TempDir(), nil)

	recordingID, err := lc.StartRecording(context.Background(), s, channel, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !lc.states.IsActive(channel.ID)
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := db.GetRecording(context.Background(), recordingID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordingStatusFailed, rec.Status)

	segs, err := db.ListSegments(context.Background(), recordingID)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.True(t, segs[0].Discarded, "sub-second segment must be discarded")
}

func TestStopRecordingTerminatesAndRunsStopPath(t *testing.T) {
	lc, db, channel, s := newTestLifecycle(t, 5*time.Second)

	recordingID, err := lc.StartRecording(context.Background(), s, channel, false)
	require.NoError(t, err)

	err = lc.StopRecording(context.Background(), recordingID, "offline")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, _ := db.GetRecording(context.Background(), recordingID)
		return rec.Status == model.RecordingStatusStopped
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRotateSegmentIncrementsSegmentCount(t *testing.T) {
	lc, db, channel, s := newTestLifecycle(t, 5*time.Second)

	recordingID, err := lc.StartRecording(context.Background(), s, channel, false)
	require.NoError(t, err)

	err = lc.RotateSegment(context.Background(), recordingID)
	require.NoError(t, err)

	rec, err := db.GetRecording(context.Background(), recordingID)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.SegmentCount)
	assert.True(t, lc.states.IsActive(channel.ID), "rotated recording stays active")
}

func TestEnqueuePostProcessingOrderingWithMerge(t *testing.T) {
	lc, db, _, _ := newTestLifecycle(t, time.Second)

	lc.enqueuePostProcessing(context.Background(), "rec_multi", 1, 3)

	tasks, err := db.ListTasksByTarget(context.Background(), "rec_multi")
	require.NoError(t, err)
	require.Len(t, tasks, 6)

	kinds := make([]model.TaskKind, len(tasks))
	for i, task := range tasks {
		kinds[i] = task.Kind
	}
	assert.Equal(t, []model.TaskKind{
		model.TaskKindMerge,
		model.TaskKindTransmux,
		model.TaskKindMetadataEmbed,
		model.TaskKindThumbnail,
		model.TaskKindChaptersEmbed,
		model.TaskKindCleanup,
	}, kinds)
}
