// SPDX-License-Identifier: MIT

// Package store defines the persistence adapter boundary: the thin,
// SQL-like interface every other component uses to read and write Channel,
// Stream, Recording, Segment, StreamMetadata, StreamEvent and
// PostProcessingTask rows. Two implementations exist: memstore (in-process,
// used in tests and by the reconciler's own harness) and postgres (the
// production boundary). Schema migration execution is out of scope; both
// implementations assume the schema already exists.
package store

import (
	"context"
	"time"

	"github.com/streamvault/core/internal/model"
)

// Store is the persistence boundary. Every method that can fail returns an
// error satisfying errors.Is(err, svcerr.ErrPersistence) on adapter faults.
type Store interface {
	// Channels

	GetChannel(ctx context.Context, channelID int64) (model.Channel, error)
	UpsertChannelLiveness(ctx context.Context, channelID int64, live bool, at time.Time) error
	ListChannels(ctx context.Context) ([]model.Channel, error)

	// IsRecording is a derived view (§9): whether the channel currently has
	// a Recording row with status=recording. Always queries the store; the
	// State Manager remains the single in-memory source of truth, this is
	// for API/diagnostic consumers that only have store access.
	IsRecording(ctx context.Context, channelID int64) (bool, error)

	// Streams

	OpenStream(ctx context.Context, s model.Stream) (model.Stream, error)
	GetOpenStream(ctx context.Context, channelID int64) (model.Stream, bool, error)
	CloseStream(ctx context.Context, streamID int64, endedAt time.Time) error
	UpdateStreamInfo(ctx context.Context, streamID int64, title, category, language string) error
	NextEpisodeNumber(ctx context.Context, channelID int64, month time.Time) (int, error)
	AppendStreamEvent(ctx context.Context, ev model.StreamEvent) error
	ListChapterMarkers(ctx context.Context, streamID int64) ([]model.StreamEvent, error)

	// Recordings

	InsertRecording(ctx context.Context, r model.Recording) error
	GetRecording(ctx context.Context, recordingID string) (model.Recording, error)
	UpdateRecordingStatus(ctx context.Context, recordingID string, status model.RecordingStatus, endedAt *time.Time, lastError string) error
	UpdateRecordingSegmentCount(ctx context.Context, recordingID string, segmentCount, lastIndex int) error
	UpdateRecordingPath(ctx context.Context, recordingID string, path string) error
	ListRecordingsByStatus(ctx context.Context, status model.RecordingStatus) ([]model.Recording, error)
	ListRecordingsByChannel(ctx context.Context, channelID int64) ([]model.Recording, error)

	// MarkRecordingDeleted records that the cleanup task (§4.6) has removed a
	// recording's output file, so later cleanup passes never re-select it.
	MarkRecordingDeleted(ctx context.Context, recordingID string) error

	// Segments

	InsertSegment(ctx context.Context, seg model.Segment) error
	ListSegments(ctx context.Context, recordingID string) ([]model.Segment, error)

	// StreamMetadata

	// UpsertStreamMetadata creates the stream's metadata row on first call
	// and merges fields into the existing row on every subsequent call: a
	// zero-valued field in md (empty string / 0) leaves the corresponding
	// column untouched rather than clobbering it. This is required because
	// thumbnail and chapters_embed (§4.6) both populate the same
	// one-row-per-stream table independently and in either order.
	UpsertStreamMetadata(ctx context.Context, md model.StreamMetadata) error

	// PostProcessingTask

	EnqueueTask(ctx context.Context, t model.PostProcessingTask) error
	ClaimNextTask(ctx context.Context) (model.PostProcessingTask, bool, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status model.TaskStatus, lastError string) error
	IncrementTaskAttempts(ctx context.Context, taskID string) (int, error)
	ListTasksByStatus(ctx context.Context, status model.TaskStatus) ([]model.PostProcessingTask, error)
	ListTasksByTarget(ctx context.Context, target string) ([]model.PostProcessingTask, error)
	RevertRunningTasksToPending(ctx context.Context) (int, error)
}
