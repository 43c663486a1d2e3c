// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/streamvault/core/internal/model"
	"github.com/streamvault/core/internal/svcerr"
)

// Postgres is the production Store implementation over database/sql and
// lib/pq. It assumes the schema in schema.sql already exists; running
// migrations is out of scope for this adapter.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres opens a connection pool against dsn and verifies
// connectivity with a ping.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open postgres: %v", svcerr.ErrPersistence, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping postgres: %v", svcerr.ErrPersistence, err)
	}
	return &Postgres{db: db}, nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

func wrapPersistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", svcerr.ErrPersistence, op, err)
}

func (p *Postgres) GetChannel(ctx context.Context, channelID int64) (model.Channel, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, platform_id, login, display_name, live, recording_enabled, created_at, updated_at
		FROM channels WHERE id = $1`, channelID)

	var c model.Channel
	if err := row.Scan(&c.ID, &c.PlatformID, &c.Login, &c.DisplayName, &c.Live, &c.RecordingEnabled, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return model.Channel{}, wrapPersistence("get channel", err)
	}
	return c, nil
}

func (p *Postgres) UpsertChannelLiveness(ctx context.Context, channelID int64, live bool, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE channels SET live = $2, updated_at = $3 WHERE id = $1`, channelID, live, at)
	return wrapPersistence("upsert channel liveness", err)
}

func (p *Postgres) ListChannels(ctx context.Context) ([]model.Channel, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, platform_id, login, display_name, live, recording_enabled, created_at, updated_at
		FROM channels ORDER BY id`)
	if err != nil {
		return nil, wrapPersistence("list channels", err)
	}
	defer rows.Close()

	var out []model.Channel
	for rows.Next() {
		var c model.Channel
		if err := rows.Scan(&c.ID, &c.PlatformID, &c.Login, &c.DisplayName, &c.Live, &c.RecordingEnabled, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, wrapPersistence("list channels scan", err)
		}
		out = append(out, c)
	}
	return out, wrapPersistence("list channels rows", rows.Err())
}

func (p *Postgres) IsRecording(ctx context.Context, channelID int64) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM recordings WHERE channel_id = $1 AND status = 'recording')`, channelID).Scan(&exists)
	return exists, wrapPersistence("is recording", err)
}

func (p *Postgres) OpenStream(ctx context.Context, s model.Stream) (model.Stream, error) {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO streams (channel_id, started_at, title, category, language, platform_stream_id, episode_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		s.ChannelID, s.StartedAt, s.Title, s.Category, s.Language, s.PlatformStreamID, s.EpisodeNumber).Scan(&s.ID)
	if err != nil {
		return model.Stream{}, wrapPersistence("open stream", err)
	}
	return s, nil
}

func (p *Postgres) GetOpenStream(ctx context.Context, channelID int64) (model.Stream, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, channel_id, started_at, ended_at, title, category, language, platform_stream_id, episode_number
		FROM streams WHERE channel_id = $1 AND ended_at IS NULL LIMIT 1`, channelID)

	var s model.Stream
	err := row.Scan(&s.ID, &s.ChannelID, &s.StartedAt, &s.EndedAt, &s.Title, &s.Category, &s.Language, &s.PlatformStreamID, &s.EpisodeNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Stream{}, false, nil
	}
	if err != nil {
		return model.Stream{}, false, wrapPersistence("get open stream", err)
	}
	return s, true, nil
}

func (p *Postgres) CloseStream(ctx context.Context, streamID int64, endedAt time.Time) error {
	_, err := p.db.ExecContext(ctx, `UPDATE streams SET ended_at = $2 WHERE id = $1`, streamID, endedAt)
	return wrapPersistence("close stream", err)
}

func (p *Postgres) UpdateStreamInfo(ctx context.Context, streamID int64, title, category, language string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE streams SET title = $2, category = $3, language = $4 WHERE id = $1`,
		streamID, title, category, language)
	return wrapPersistence("update stream info", err)
}

func (p *Postgres) NextEpisodeNumber(ctx context.Context, channelID int64, month time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) + 1 FROM streams
		WHERE channel_id = $1
		  AND date_trunc('month', started_at) = date_trunc('month', $2::timestamptz)`,
		channelID, month).Scan(&n)
	return n, wrapPersistence("next episode number", err)
}

func (p *Postgres) AppendStreamEvent(ctx context.Context, ev model.StreamEvent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO stream_events (stream_id, offset_seconds, title, category, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`,
		ev.StreamID, ev.OffsetSeconds, ev.Title, ev.Category, ev.RecordedAt)
	return wrapPersistence("append stream event", err)
}

func (p *Postgres) ListChapterMarkers(ctx context.Context, streamID int64) ([]model.StreamEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT stream_id, offset_seconds, title, category, recorded_at
		FROM stream_events WHERE stream_id = $1 ORDER BY offset_seconds`, streamID)
	if err != nil {
		return nil, wrapPersistence("list chapter markers", err)
	}
	defer rows.Close()

	var out []model.StreamEvent
	for rows.Next() {
		var e model.StreamEvent
		if err := rows.Scan(&e.StreamID, &e.OffsetSeconds, &e.Title, &e.Category, &e.RecordedAt); err != nil {
			return nil, wrapPersistence("list chapter markers scan", err)
		}
		out = append(out, e)
	}
	return out, wrapPersistence("list chapter markers rows", rows.Err())
}

func (p *Postgres) InsertRecording(ctx context.Context, r model.Recording) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO recordings (id, stream_id, channel_id, started_at, status, output_path, segment_count, last_segment_index, negotiated_quality, last_error, category, favorite)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.StreamID, r.ChannelID, r.StartedAt, r.Status.String(), r.OutputPath, r.SegmentCount, r.LastSegmentIndex, r.NegotiatedQuality, r.LastError, r.Category, r.Favorite)
	return wrapPersistence("insert recording", err)
}

func (p *Postgres) GetRecording(ctx context.Context, recordingID string) (model.Recording, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, stream_id, channel_id, started_at, ended_at, status, output_path, segment_count, last_segment_index, negotiated_quality, last_error, category, favorite, deleted
		FROM recordings WHERE id = $1`, recordingID)

	var r model.Recording
	var status string
	if err := row.Scan(&r.ID, &r.StreamID, &r.ChannelID, &r.StartedAt, &r.EndedAt, &status, &r.OutputPath, &r.SegmentCount, &r.LastSegmentIndex, &r.NegotiatedQuality, &r.LastError, &r.Category, &r.Favorite, &r.Deleted); err != nil {
		return model.Recording{}, wrapPersistence("get recording", err)
	}
	r.Status = parseRecordingStatus(status)
	return r, nil
}

func (p *Postgres) MarkRecordingDeleted(ctx context.Context, recordingID string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE recordings SET deleted = true WHERE id = $1`, recordingID)
	return wrapPersistence("mark recording deleted", err)
}

func (p *Postgres) UpdateRecordingStatus(ctx context.Context, recordingID string, status model.RecordingStatus, endedAt *time.Time, lastError string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE recordings SET status = $2, ended_at = COALESCE($3, ended_at), last_error = $4 WHERE id = $1`,
		recordingID, status.String(), endedAt, lastError)
	return wrapPersistence("update recording status", err)
}

func (p *Postgres) UpdateRecordingSegmentCount(ctx context.Context, recordingID string, segmentCount, lastIndex int) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE recordings SET segment_count = $2, last_segment_index = $3 WHERE id = $1`,
		recordingID, segmentCount, lastIndex)
	return wrapPersistence("update recording segment count", err)
}

func (p *Postgres) UpdateRecordingPath(ctx context.Context, recordingID string, path string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE recordings SET output_path = $2 WHERE id = $1`, recordingID, path)
	return wrapPersistence("update recording path", err)
}

func (p *Postgres) ListRecordingsByStatus(ctx context.Context, status model.RecordingStatus) ([]model.Recording, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, stream_id, channel_id, started_at, ended_at, status, output_path, segment_count, last_segment_index, negotiated_quality, last_error, category, favorite, deleted
		FROM recordings WHERE status = $1 ORDER BY started_at`, status.String())
	if err != nil {
		return nil, wrapPersistence("list recordings by status", err)
	}
	defer rows.Close()
	return scanRecordings(rows)
}

func (p *Postgres) ListRecordingsByChannel(ctx context.Context, channelID int64) ([]model.Recording, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, stream_id, channel_id, started_at, ended_at, status, output_path, segment_count, last_segment_index, negotiated_quality, last_error, category, favorite, deleted
		FROM recordings WHERE channel_id = $1 ORDER BY started_at`, channelID)
	if err != nil {
		return nil, wrapPersistence("list recordings by channel", err)
	}
	defer rows.Close()
	return scanRecordings(rows)
}

func scanRecordings(rows *sql.Rows) ([]model.Recording, error) {
	var out []model.Recording
	for rows.Next() {
		var r model.Recording
		var status string
		if err := rows.Scan(&r.ID, &r.StreamID, &r.ChannelID, &r.StartedAt, &r.EndedAt, &status, &r.OutputPath, &r.SegmentCount, &r.LastSegmentIndex, &r.NegotiatedQuality, &r.LastError, &r.Category, &r.Favorite, &r.Deleted); err != nil {
			return nil, wrapPersistence("scan recording", err)
		}
		r.Status = parseRecordingStatus(status)
		out = append(out, r)
	}
	return out, wrapPersistence("recording rows", rows.Err())
}

func parseRecordingStatus(s string) model.RecordingStatus {
	switch s {
	case "recording":
		return model.RecordingStatusRecording
	case "stopped":
		return model.RecordingStatusStopped
	case "failed":
		return model.RecordingStatusFailed
	case "completed":
		return model.RecordingStatusCompleted
	default:
		return model.RecordingStatusFailed
	}
}

func (p *Postgres) InsertSegment(ctx context.Context, seg model.Segment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO segments (recording_id, index, path, size_bytes, duration_sec, discarded)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		seg.RecordingID, seg.Index, seg.Path, seg.SizeBytes, seg.DurationSec, seg.Discarded)
	return wrapPersistence("insert segment", err)
}

func (p *Postgres) ListSegments(ctx context.Context, recordingID string) ([]model.Segment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT recording_id, index, path, size_bytes, duration_sec, discarded
		FROM segments WHERE recording_id = $1 ORDER BY index`, recordingID)
	if err != nil {
		return nil, wrapPersistence("list segments", err)
	}
	defer rows.Close()

	var out []model.Segment
	for rows.Next() {
		var s model.Segment
		if err := rows.Scan(&s.RecordingID, &s.Index, &s.Path, &s.SizeBytes, &s.DurationSec, &s.Discarded); err != nil {
			return nil, wrapPersistence("list segments scan", err)
		}
		out = append(out, s)
	}
	return out, wrapPersistence("list segments rows", rows.Err())
}

func (p *Postgres) UpsertStreamMetadata(ctx context.Context, md model.StreamMetadata) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO stream_metadata (stream_id, thumbnail_path, category_image, duration_seconds, file_size_bytes, chapters_vtt_path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (stream_id) DO UPDATE SET
			thumbnail_path = CASE WHEN EXCLUDED.thumbnail_path <> '' THEN EXCLUDED.thumbnail_path ELSE stream_metadata.thumbnail_path END,
			category_image = CASE WHEN EXCLUDED.category_image <> '' THEN EXCLUDED.category_image ELSE stream_metadata.category_image END,
			duration_seconds = CASE WHEN EXCLUDED.duration_seconds <> 0 THEN EXCLUDED.duration_seconds ELSE stream_metadata.duration_seconds END,
			file_size_bytes = CASE WHEN EXCLUDED.file_size_bytes <> 0 THEN EXCLUDED.file_size_bytes ELSE stream_metadata.file_size_bytes END,
			chapters_vtt_path = CASE WHEN EXCLUDED.chapters_vtt_path <> '' THEN EXCLUDED.chapters_vtt_path ELSE stream_metadata.chapters_vtt_path END`,
		md.StreamID, md.ThumbnailPath, md.CategoryImage, md.DurationSeconds, md.FileSizeBytes, md.ChaptersVTTPath, md.CreatedAt)
	return wrapPersistence("upsert stream metadata", err)
}

func (p *Postgres) EnqueueTask(ctx context.Context, t model.PostProcessingTask) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO post_processing_tasks (id, kind, target, channel_id, status, attempts, last_error, enqueued_at, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.Kind.String(), t.Target, t.ChannelID, t.Status.String(), t.Attempts, t.LastError, t.EnqueuedAt, t.Priority.String())
	return wrapPersistence("enqueue task", err)
}

// ClaimNextTask atomically claims the highest-priority pending task using
// SELECT ... FOR UPDATE SKIP LOCKED so multiple worker goroutines (and, in a
// future multi-process deployment, multiple processes) never double-claim.
func (p *Postgres) ClaimNextTask(ctx context.Context) (model.PostProcessingTask, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.PostProcessingTask{}, false, wrapPersistence("claim task begin", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, kind, target, channel_id, status, attempts, last_error, enqueued_at, priority
		FROM post_processing_tasks
		WHERE status = 'pending'
		ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END, enqueued_at
		FOR UPDATE SKIP LOCKED LIMIT 1`)

	var t model.PostProcessingTask
	var kind, status, priority string
	if err := row.Scan(&t.ID, &kind, &t.Target, &t.ChannelID, &status, &t.Attempts, &t.LastError, &t.EnqueuedAt, &priority); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PostProcessingTask{}, false, nil
		}
		return model.PostProcessingTask{}, false, wrapPersistence("claim task scan", err)
	}
	t.Kind = parseTaskKind(kind)
	t.Status = model.TaskStatusRunning
	t.Priority = parseTaskPriority(priority)

	if _, err := tx.ExecContext(ctx, `UPDATE post_processing_tasks SET status = 'running' WHERE id = $1`, t.ID); err != nil {
		return model.PostProcessingTask{}, false, wrapPersistence("claim task update", err)
	}
	if err := tx.Commit(); err != nil {
		return model.PostProcessingTask{}, false, wrapPersistence("claim task commit", err)
	}
	return t, true, nil
}

func (p *Postgres) UpdateTaskStatus(ctx context.Context, taskID string, status model.TaskStatus, lastError string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE post_processing_tasks SET status = $2, last_error = $3 WHERE id = $1`,
		taskID, status.String(), lastError)
	return wrapPersistence("update task status", err)
}

func (p *Postgres) IncrementTaskAttempts(ctx context.Context, taskID string) (int, error) {
	var attempts int
	err := p.db.QueryRowContext(ctx, `
		UPDATE post_processing_tasks SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`, taskID).Scan(&attempts)
	return attempts, wrapPersistence("increment task attempts", err)
}

func (p *Postgres) ListTasksByStatus(ctx context.Context, status model.TaskStatus) ([]model.PostProcessingTask, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, kind, target, channel_id, status, attempts, last_error, enqueued_at, priority
		FROM post_processing_tasks WHERE status = $1 ORDER BY enqueued_at`, status.String())
	if err != nil {
		return nil, wrapPersistence("list tasks by status", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (p *Postgres) ListTasksByTarget(ctx context.Context, target string) ([]model.PostProcessingTask, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, kind, target, channel_id, status, attempts, last_error, enqueued_at, priority
		FROM post_processing_tasks WHERE target = $1 ORDER BY enqueued_at`, target)
	if err != nil {
		return nil, wrapPersistence("list tasks by target", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]model.PostProcessingTask, error) {
	var out []model.PostProcessingTask
	for rows.Next() {
		var t model.PostProcessingTask
		var kind, status, priority string
		if err := rows.Scan(&t.ID, &kind, &t.Target, &t.ChannelID, &status, &t.Attempts, &t.LastError, &t.EnqueuedAt, &priority); err != nil {
			return nil, wrapPersistence("scan task", err)
		}
		t.Kind = parseTaskKind(kind)
		t.Status = parseTaskStatus(status)
		t.Priority = parseTaskPriority(priority)
		out = append(out, t)
	}
	return out, wrapPersistence("task rows", rows.Err())
}

func (p *Postgres) RevertRunningTasksToPending(ctx context.Context) (int, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE post_processing_tasks SET status = 'pending' WHERE status = 'running'`)
	if err != nil {
		return 0, wrapPersistence("revert running tasks", err)
	}
	n, err := res.RowsAffected()
	return int(n), wrapPersistence("revert running tasks rows affected", err)
}

func parseTaskKind(s string) model.TaskKind {
	switch s {
	case "merge":
		return model.TaskKindMerge
	case "transmux":
		return model.TaskKindTransmux
	case "metadata_embed":
		return model.TaskKindMetadataEmbed
	case "thumbnail":
		return model.TaskKindThumbnail
	case "chapters_embed":
		return model.TaskKindChaptersEmbed
	case "cleanup":
		return model.TaskKindCleanup
	default:
		return model.TaskKindMerge
	}
}

func parseTaskStatus(s string) model.TaskStatus {
	switch s {
	case "pending":
		return model.TaskStatusPending
	case "running":
		return model.TaskStatusRunning
	case "done":
		return model.TaskStatusDone
	case "failed":
		return model.TaskStatusFailed
	default:
		return model.TaskStatusFailed
	}
}

func parseTaskPriority(s string) model.TaskPriority {
	switch s {
	case "high":
		return model.PriorityHigh
	case "low":
		return model.PriorityLow
	default:
		return model.PriorityNormal
	}
}

var _ Store = (*Postgres)(nil)
