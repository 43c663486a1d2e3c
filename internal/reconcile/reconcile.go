// SPDX-License-Identifier: MIT

// Package reconcile is StreamVault's Startup Reconciler (C8): a one-shot
// pass that restores a consistent view of the world after a cold start,
// before the event dispatcher starts accepting traffic.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/streamvault/core/internal/config"
	"github.com/streamvault/core/internal/ids"
	"github.com/streamvault/core/internal/model"
	"github.com/streamvault/core/internal/store"
)

// Lifecycle is the subset of internal/lifecycle.Lifecycle the reconciler
// depends on to restart recordings for channels that are still live.
type Lifecycle interface {
	StartRecording(ctx context.Context, s model.Stream, channel model.Channel, force bool) (string, error)
}

// Reconciler runs the 4-step startup reconciliation of §4.7.
type Reconciler struct {
	db        store.Store
	lifecycle Lifecycle
	gen       *ids.Generator
	clock     ids.Clock
	globals   config.GlobalDefaults
	logger    *slog.Logger
}

// New creates a Reconciler.
func New(db store.Store, lifecycle Lifecycle, gen *ids.Generator, clock ids.Clock, globals config.GlobalDefaults, logger *slog.Logger) *Reconciler {
	return &Reconciler{db: db, lifecycle: lifecycle, gen: gen, clock: clock, globals: globals, logger: logger}
}

func (r *Reconciler) logf(format string, args ...interface{}) {
	if r.logger != nil {
		r.logger.Info(fmt.Sprintf(format, args...))
	}
}

// Run executes all four reconciliation steps in order. It must run exactly
// once, before the Event Dispatcher opens, and is idempotent on repeat
// invocation since every step only acts on rows in a stale state.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.quarantineZombieRecordings(ctx); err != nil {
		return fmt.Errorf("quarantine zombie recordings: %w", err)
	}
	if err := r.resumeLiveStreams(ctx); err != nil {
		return fmt.Errorf("resume live streams: %w", err)
	}
	if err := r.revertRunningTasks(ctx); err != nil {
		return fmt.Errorf("revert running tasks: %w", err)
	}
	if err := r.closeOfflineStreams(ctx); err != nil {
		return fmt.Errorf("close offline streams: %w", err)
	}
	return nil
}

// quarantineZombieRecordings is step 1: every Recording the database still
// thinks is `recording` cannot have a live subprocess after a cold start
// (the runner's handle map is always empty on boot), so it is quarantined.
func (r *Reconciler) quarantineZombieRecordings(ctx context.Context) error {
	recs, err := r.db.ListRecordingsByStatus(ctx, model.RecordingStatusRecording)
	if err != nil {
		return err
	}

	for _, rec := range recs {
		segs, err := r.db.ListSegments(ctx, rec.ID)
		if err != nil {
			return err
		}

		endedAt := r.clock.Now()
		hasUsableSegments := false
		for _, s := range segs {
			if !s.Discarded && s.SizeBytes > 0 {
				hasUsableSegments = true
				break
			}
		}

		status := model.RecordingStatusStopped
		if !hasUsableSegments {
			status = model.RecordingStatusFailed
		}
		if err := r.db.UpdateRecordingStatus(ctx, rec.ID, status, &endedAt, "quarantined at startup"); err != nil {
			return err
		}

		if status == model.RecordingStatusStopped {
			r.enqueuePostProcessing(ctx, rec)
		}
		r.logf("quarantined zombie recording=%s status=%s", rec.ID, status)
	}
	return nil
}

func (r *Reconciler) enqueuePostProcessing(ctx context.Context, rec model.Recording) {
	kinds := make([]model.TaskKind, 0, 6)
	if rec.SegmentCount > 1 {
		kinds = append(kinds, model.TaskKindMerge)
	}
	kinds = append(kinds,
		model.TaskKindTransmux,
		model.TaskKindMetadataEmbed,
		model.TaskKindThumbnail,
		model.TaskKindChaptersEmbed,
		model.TaskKindCleanup,
	)
	now := r.clock.Now()
	for _, kind := range kinds {
		task := model.PostProcessingTask{
			ID:         r.gen.NewTaskID(),
			Kind:       kind,
			Target:     rec.ID,
			ChannelID:  rec.ChannelID,
			Status:     model.TaskStatusPending,
			EnqueuedAt: now,
			Priority:   model.PriorityNormal,
		}
		if err := r.db.EnqueueTask(ctx, task); err != nil {
			r.logf("enqueue %s task for quarantined recording %s failed: %v", kind, rec.ID, err)
		}
	}
}

// resumeLiveStreams is step 2: any open Stream whose Channel is still live
// and whose policy enables auto-record gets a fresh recording started; the
// previous capture subprocess is gone, so this begins a new segment
// sequence against the same Stream row.
func (r *Reconciler) resumeLiveStreams(ctx context.Context) error {
	channels, err := r.db.ListChannels(ctx)
	if err != nil {
		return err
	}

	for _, channel := range channels {
		if !channel.Live {
			continue
		}
		s, open, err := r.db.GetOpenStream(ctx, channel.ID)
		if err != nil {
			return err
		}
		if !open {
			continue
		}

		policy := config.Resolve(r.globals, channel.Policy)
		if !policy.AutoRecord {
			continue
		}

		if _, err := r.lifecycle.StartRecording(ctx, s, channel, false); err != nil {
			r.logf("resume live stream for channel=%s failed: %v", channel.Login, err)
		}
	}
	return nil
}

// revertRunningTasks is step 3: a `running` task at cold-start boot means
// the worker that claimed it died with it; revert to pending for re-pickup.
func (r *Reconciler) revertRunningTasks(ctx context.Context) error {
	n, err := r.db.RevertRunningTasksToPending(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		r.logf("reverted %d running tasks to pending", n)
	}
	return nil
}

// closeOfflineStreams is step 4: any open Stream whose Channel is offline
// gets ended_at stamped from the channel's last known liveness-change time.
func (r *Reconciler) closeOfflineStreams(ctx context.Context) error {
	channels, err := r.db.ListChannels(ctx)
	if err != nil {
		return err
	}

	for _, channel := range channels {
		if channel.Live {
			continue
		}
		s, open, err := r.db.GetOpenStream(ctx, channel.ID)
		if err != nil {
			return err
		}
		if !open {
			continue
		}

		endedAt := channel.UpdatedAt
		if endedAt.IsZero() {
			endedAt = r.clock.Now()
		}
		if err := r.db.CloseStream(ctx, s.ID, endedAt); err != nil {
			return err
		}
	}
	return nil
}

