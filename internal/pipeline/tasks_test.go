// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamvault/core/internal/model"
)

// fakeFFmpegWithProbe extends fakeFFmpeg with a sibling "ffprobe" script
// reporting a fixed duration, since Thumbnail shells out to ffprobe to read
// the container duration before extracting a frame.
func fakeFFmpegWithProbe(t *testing.T, durationSeconds string) string {
	t.Helper()
	ffmpegPath := fakeFFmpeg(t)

	probePath := filepath.Join(filepath.Dir(ffmpegPath), "ffprobe")
	probeScript := fmt.Sprintf("#!/bin/sh\necho %s\nexit 0\n", durationSeconds)
	require.NoError(t, os.WriteFile(probePath, []byte(probeScript), 0755))

	return ffmpegPath
}

// TestThumbnailThenChaptersEmbedMergeMetadataWithoutConflict is a regression
// test for the real task ordering of §4.6 (thumbnail runs before
// chapters_embed, per lifecycle.enqueuePostProcessing): both tasks target
// the same StreamMetadata row, and the second call must merge into the
// first's row rather than fail on a duplicate-primary-key insert.
func TestThumbnailThenChaptersEmbedMergeMetadataWithoutConflict(t *testing.T) {
	ctx := context.Background()
	db := newMemStoreWithRecording(t)

	require.NoError(t, db.AppendStreamEvent(ctx, model.StreamEvent{
		StreamID: 0, OffsetSeconds: 0, Title: "Intro", Category: "Just Chatting", RecordedAt: time.Now(),
	}))

	ffmpeg := fakeFFmpegWithProbe(t, "123.45")
	tasks := NewTasks(ffmpeg, db)

	require.NoError(t, tasks.Thumbnail(ctx, "rec_1"))
	require.NoError(t, tasks.ChaptersEmbed(ctx, "rec_1"))

	md, ok := db.StreamMetadataFor(0)
	require.True(t, ok)
	assert.NotEmpty(t, md.ThumbnailPath, "thumbnail's write must survive chapters_embed's write")
	assert.NotEmpty(t, md.ChaptersVTTPath)
	assert.InDelta(t, 123.45, md.DurationSeconds, 0.01)
	assert.Positive(t, md.FileSizeBytes)
}

// TestChaptersEmbedThenThumbnailMergeMetadataWithoutConflict exercises the
// reverse call order to confirm the merge is order-independent.
func TestChaptersEmbedThenThumbnailMergeMetadataWithoutConflict(t *testing.T) {
	ctx := context.Background()
	db := newMemStoreWithRecording(t)

	require.NoError(t, db.AppendStreamEvent(ctx, model.StreamEvent{
		StreamID: 0, OffsetSeconds: 0, Title: "Intro", Category: "Just Chatting", RecordedAt: time.Now(),
	}))

	ffmpeg := fakeFFmpegWithProbe(t, "60")
	tasks := NewTasks(ffmpeg, db)

	require.NoError(t, tasks.ChaptersEmbed(ctx, "rec_1"))
	require.NoError(t, tasks.Thumbnail(ctx, "rec_1"))

	md, ok := db.StreamMetadataFor(0)
	require.True(t, ok)
	assert.NotEmpty(t, md.ThumbnailPath)
	assert.NotEmpty(t, md.ChaptersVTTPath)
}
