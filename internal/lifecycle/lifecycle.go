// SPDX-License-Identifier: MIT

// Package lifecycle is StreamVault's Recording Lifecycle (C5): it wires the
// Capture Process Runner, the Recording State Manager, the Config Resolver
// and the filename template engine into the start/stop/rotate contract that
// turns a live Stream into a durable Recording row plus a running capture
// subprocess.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/streamvault/core/internal/capture"
	"github.com/streamvault/core/internal/config"
	"github.com/streamvault/core/internal/ids"
	"github.com/streamvault/core/internal/model"
	"github.com/streamvault/core/internal/pathsafe"
	"github.com/streamvault/core/internal/state"
	"github.com/streamvault/core/internal/store"
	"github.com/streamvault/core/internal/svcerr"
	"github.com/streamvault/core/internal/template"
	"github.com/streamvault/core/internal/util"
)

// Defaults for the poll/grace timers named in §4.3.
const (
	DefaultPollInterval        = 2 * time.Second
	DefaultStopGrace           = 10 * time.Second
	DefaultRotationGrace       = 5 * time.Second
	DefaultRotationCheckInterval = 30 * time.Second
	DefaultMinSegmentBytes     = 65536
)

// segmentInfo tracks the on-disk file and start time of the segment a
// recording is currently writing, so it can be measured and persisted once
// it closes (on stop or on rotation).
type segmentInfo struct {
	path      string
	startedAt time.Time
	index     int
}

// Lifecycle coordinates start/stop/rotate across the capture runner, the
// in-memory state manager and the persistence adapter.
type Lifecycle struct {
	runner  *capture.Runner
	states  *state.Manager
	db      store.Store
	ids     *ids.Generator
	clock   ids.Clock
	globals config.GlobalDefaults
	logger  *slog.Logger

	pollInterval  time.Duration
	stopGrace     time.Duration
	rotationGrace time.Duration
	minSegmentBytes int64

	segMu    sync.Mutex
	segments map[string]segmentInfo // recording id -> current open segment

	startGroup singleflight.Group

	// onStopped is invoked at the end of the stop path with the recording id
	// after post-processing tasks have been enqueued, so the pipeline/caller
	// can react without Lifecycle importing the pipeline package.
	onStopped func(recordingID string)
}

// New creates a Lifecycle. globals supplies the default policy merged with
// each channel's override by config.Resolve.
func New(runner *capture.Runner, states *state.Manager, db store.Store, gen *ids.Generator, clock ids.Clock, globals config.GlobalDefaults, logger *slog.Logger) *Lifecycle {
	minSegmentBytes := globals.MinSegmentBytes
	if minSegmentBytes <= 0 {
		minSegmentBytes = DefaultMinSegmentBytes
	}
	return &Lifecycle{
		runner:          runner,
		states:          states,
		db:              db,
		ids:             gen,
		clock:           clock,
		globals:         globals,
		logger:          logger,
		pollInterval:    DefaultPollInterval,
		stopGrace:       DefaultStopGrace,
		rotationGrace:   DefaultRotationGrace,
		minSegmentBytes: minSegmentBytes,
		segments:        make(map[string]segmentInfo),
	}
}

// OnStopped registers a callback run once the stop path has finished
// enqueuing post-processing tasks for a recording.
func (l *Lifecycle) OnStopped(fn func(recordingID string)) {
	l.onStopped = fn
}

func (l *Lifecycle) logf(format string, args ...interface{}) {
	if l.logger != nil {
		l.logger.Info(fmt.Sprintf(format, args...))
	}
}

// logWriter adapts l.logger to io.Writer so util.SafeGo can log a recovered
// panic through the same structured logger as everything else in Lifecycle.
type logWriter struct {
	logger *slog.Logger
}

func (w logWriter) Write(p []byte) (int, error) {
	if w.logger != nil {
		w.logger.Warn(strings.TrimRight(string(p), "\n"))
	}
	return len(p), nil
}

// StartRecording implements the 8-step start_recording ordering of §4.3.
// Concurrent calls for the same channel (e.g. a duplicate online event
// racing an operator-triggered start) are collapsed onto a single attempt
// by a per-channel singleflight key; the state manager's Register check
// remains the sole authority on duplicate-active detection.
func (l *Lifecycle) StartRecording(ctx context.Context, s model.Stream, channel model.Channel, force bool) (string, error) {
	key := fmt.Sprintf("channel:%d", channel.ID)
	v, err, _ := l.startGroup.Do(key, func() (interface{}, error) {
		return l.startRecording(ctx, s, channel, force)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (l *Lifecycle) startRecording(ctx context.Context, s model.Stream, channel model.Channel, force bool) (string, error) {
	// Step 1: fail-fast on an already-active channel unless forced.
	if !force && l.states.IsActive(channel.ID) {
		return "", svcerr.ErrDuplicateActiveRecording
	}

	// Step 2: resolve effective policy.
	policy := config.Resolve(l.globals, channel.Policy)

	// Step 3: compute output path.
	recordingID := l.ids.NewRecordingID()
	at := l.clock.Now()
	outputPath, err := l.outputPath(policy, channel, s, at, recordingID, 1)
	if err != nil {
		return "", err
	}

	// Step 4: durable audit row before spawning, so a host crash mid-start
	// still leaves a record.
	rec := model.Recording{
		ID:                recordingID,
		StreamID:          s.ID,
		ChannelID:         channel.ID,
		StartedAt:         at,
		Status:            model.RecordingStatusRecording,
		OutputPath:        outputPath,
		SegmentCount:      1,
		NegotiatedQuality: policy.Quality,
		Category:          s.Category,
	}
	if err := l.db.InsertRecording(ctx, rec); err != nil {
		return "", err
	}

	// Step 5: spawn.
	handle, err := l.runner.Start(ctx, capture.StartRequest{
		RecordingID: recordingID,
		Channel:     channel,
		OutputPath:  outputPath,
		Policy:      policy,
		AuthToken:   l.globals.PlatformOAuthToken,
	})
	if err != nil {
		failErr := err.Error()
		_ = l.db.UpdateRecordingStatus(ctx, recordingID, model.RecordingStatusFailed, &at, failErr)
		return "", err
	}

	l.segMu.Lock()
	l.segments[recordingID] = segmentInfo{path: outputPath, startedAt: at, index: 1}
	l.segMu.Unlock()

	// Step 6: register descriptor.
	if regErr := l.states.Register(channel.ID, state.Descriptor{
		RecordingID:   recordingID,
		StreamID:      s.ID,
		ChannelID:     channel.ID,
		ProcessHandle: handle,
		StartedAt:     at,
		SegmentCount:  1,
	}); regErr != nil {
		// Another start won the race between our fail-fast check and here;
		// tear down the process we just spawned rather than leak it.
		l.runner.Terminate(handle, l.stopGrace)
		l.runner.Release(recordingID)
		l.segMu.Lock()
		delete(l.segments, recordingID)
		l.segMu.Unlock()
		return "", regErr
	}

	// Step 7: launch monitor task. A panic inside monitor must never take
	// down the daemon's other active recordings.
	util.SafeGo("recording-monitor", logWriter{l.logger}, func() {
		l.monitor(recordingID, channel.ID, handle)
	}, nil)

	l.logf("recording started: recording=%s channel=%s stream=%d", recordingID, channel.Login, s.ID)
	return recordingID, nil
}

// outputPath renders the channel's filename template for segment index idx.
func (l *Lifecycle) outputPath(policy config.ResolvedPolicy, channel model.Channel, s model.Stream, at time.Time, recordingID string, segmentIndex int) (string, error) {
	vars := template.Vars{
		Streamer: pathsafe.SanitizeChannelLogin(channel.Login),
		Title:    s.Title,
		Game:     s.Category,
		TwitchID: channel.PlatformID,
		At:       at,
		ID:       recordingID,
		Season:   template.Season(at),
		Episode:  template.Episode(s.EpisodeNumber),
		Unique:   fmt.Sprintf("%d", segmentIndex),
	}
	rel, err := template.Render(policy.FilenameTemplate, vars)
	if err != nil {
		return "", err
	}
	path := filepath.Join(l.globals.RecordingsRoot, rel)
	if segmentIndex > 1 {
		path = fmt.Sprintf("%s.part%d.ts", path, segmentIndex)
	} else {
		path += ".ts"
	}
	return path, nil
}

// monitor polls the process handle every pollInterval and runs the stop path
// once the process exits. A handle that is no longer the recording's
// registered one (rotated out by RotateSegment, or already released) exits
// without running the stop path.
func (l *Lifecycle) monitor(recordingID string, channelID int64, handle *capture.ProcessHandle) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for range ticker.C {
		if status, done := l.runner.Poll(handle); done {
			if current, ok := l.runner.Handle(recordingID); !ok || current != handle {
				return
			}
			l.stopPath(recordingID, channelID, status)
			return
		}
	}
}

// finalizeSegment closes the book on a recording's currently open segment:
// it stats the file on disk, computes its duration since it started, marks
// it Discarded when it falls under minSegmentBytes or lasted under a
// second (a rotation or stop that lands mid-handshake), and persists the
// row. No-op if the recording has no tracked open segment.
func (l *Lifecycle) finalizeSegment(ctx context.Context, recordingID string, endedAt time.Time) {
	l.segMu.Lock()
	info, ok := l.segments[recordingID]
	delete(l.segments, recordingID)
	l.segMu.Unlock()
	if !ok {
		return
	}

	var sizeBytes int64
	if fi, err := os.Stat(info.path); err == nil {
		sizeBytes = fi.Size()
	}
	duration := endedAt.Sub(info.startedAt).Seconds()
	if duration < 0 {
		duration = 0
	}
	discarded := sizeBytes < l.minSegmentBytes || duration < 1

	seg := model.Segment{
		RecordingID: recordingID,
		Index:       info.index,
		Path:        info.path,
		SizeBytes:   sizeBytes,
		DurationSec: duration,
		Discarded:   discarded,
	}
	if err := l.db.InsertSegment(ctx, seg); err != nil {
		l.logf("finalize segment: insert recording=%s index=%d failed: %v", recordingID, info.index, err)
	}
}

// hasUsableSegments reports whether a recording captured at least one
// segment that survived finalizeSegment's size/duration discard check.
// Used to decide stopped vs. failed on a nonzero capture exit (§4.3: "failed
// (nonzero exit + no usable segments)").
func (l *Lifecycle) hasUsableSegments(ctx context.Context, recordingID string) bool {
	segs, err := l.db.ListSegments(ctx, recordingID)
	if err != nil {
		l.logf("stop path: list segments for %s failed: %v", recordingID, err)
		return false
	}
	for _, s := range segs {
		if !s.Discarded {
			return true
		}
	}
	return false
}

// stopPath is the shared tail of monitor, StopRecording and failed rotation:
// compute end time, update the Recording row, unregister the descriptor and
// enqueue post-processing tasks.
func (l *Lifecycle) stopPath(recordingID string, channelID int64, status capture.ExitStatus) {
	ctx := context.Background()
	endedAt := l.clock.Now()

	l.finalizeSegment(ctx, recordingID, endedAt)

	rec, err := l.db.GetRecording(ctx, recordingID)
	if err != nil {
		l.logf("stop path: load recording %s failed: %v", recordingID, err)
	}

	finalStatus := model.RecordingStatusStopped
	lastError := ""
	if status.ExitCode != 0 && !l.hasUsableSegments(ctx, recordingID) {
		finalStatus = model.RecordingStatusFailed
	}
	if status.Err != nil {
		lastError = status.Err.Error()
	}

	if err := l.db.UpdateRecordingStatus(ctx, recordingID, finalStatus, &endedAt, lastError); err != nil {
		l.logf("stop path: update recording %s failed: %v", recordingID, err)
	}

	l.states.Unregister(recordingID)
	l.runner.Release(recordingID)

	l.enqueuePostProcessing(ctx, recordingID, channelID, rec.SegmentCount)

	if l.onStopped != nil {
		l.onStopped(recordingID)
	}

	l.logf("recording stopped: recording=%s status=%s external_death=%v", recordingID, finalStatus, status.ExternalDeath)
}

// enqueuePostProcessing enqueues the §4.6 task chain in order. merge is
// skipped when there is only one segment (nothing to concatenate).
func (l *Lifecycle) enqueuePostProcessing(ctx context.Context, recordingID string, channelID int64, segmentCount int) {
	kinds := make([]model.TaskKind, 0, 6)
	if segmentCount > 1 {
		kinds = append(kinds, model.TaskKindMerge)
	}
	kinds = append(kinds,
		model.TaskKindTransmux,
		model.TaskKindMetadataEmbed,
		model.TaskKindThumbnail,
		model.TaskKindChaptersEmbed,
		model.TaskKindCleanup,
	)

	now := l.clock.Now()
	for _, kind := range kinds {
		task := model.PostProcessingTask{
			ID:         l.ids.NewTaskID(),
			Kind:       kind,
			Target:     recordingID,
			ChannelID:  channelID,
			Status:     model.TaskStatusPending,
			EnqueuedAt: now,
			Priority:   model.PriorityNormal,
		}
		if err := l.db.EnqueueTask(ctx, task); err != nil {
			l.logf("enqueue %s task for %s failed: %v", kind, recordingID, err)
		}
	}
}

// StopRecording is the explicit stop entry point (offline event, operator
// request). It terminates the subprocess with grace then runs the stop path.
func (l *Lifecycle) StopRecording(ctx context.Context, recordingID string, reason string) error {
	handle, ok := l.runner.Handle(recordingID)
	if !ok {
		return svcerr.ErrNoActiveRecording
	}

	l.logf("stopping recording=%s reason=%s", recordingID, reason)
	l.runner.Terminate(handle, l.stopGrace)
	// The monitor goroutine observes the exit on its next poll tick and runs
	// the stop path; Terminate has already blocked until the process exited.
	return nil
}

// RotateSegment implements the 5-step rotate_segment ordering of §4.3. It is
// fail-forward: cleanup trouble in steps 2-3 never blocks step 4.
func (l *Lifecycle) RotateSegment(ctx context.Context, recordingID string) error {
	desc, ok := l.states.GetByRecording(recordingID)
	if !ok {
		return svcerr.ErrNoActiveRecording
	}

	oldHandle := desc.ProcessHandle
	nextIndex := desc.SegmentCount + 1

	// Steps 2-3: best-effort terminate of the current process. Whatever
	// happens here, proceed to spawn the next segment.
	l.runner.Terminate(oldHandle, l.rotationGrace)
	l.runner.Release(desc.RecordingID)
	l.finalizeSegment(ctx, recordingID, l.clock.Now())

	channel, err := l.db.GetChannel(ctx, desc.ChannelID)
	if err != nil {
		return l.failRecording(ctx, recordingID, err)
	}
	rec, err := l.db.GetRecording(ctx, recordingID)
	if err != nil {
		return l.failRecording(ctx, recordingID, err)
	}

	s, open, err := l.db.GetOpenStream(ctx, desc.ChannelID)
	if err != nil {
		return l.failRecording(ctx, recordingID, err)
	}
	if !open {
		s = model.Stream{ID: rec.StreamID}
	}

	policy := config.Resolve(l.globals, channel.Policy)
	at := l.clock.Now()
	outputPath, err := l.outputPath(policy, channel, s, at, recordingID, nextIndex)
	if err != nil {
		return l.failRecording(ctx, recordingID, err)
	}

	newHandle, err := l.runner.Start(ctx, capture.StartRequest{
		RecordingID: recordingID,
		Channel:     channel,
		OutputPath:  outputPath,
		Policy:      policy,
		AuthToken:   l.globals.PlatformOAuthToken,
	})
	if err != nil {
		// Step 5: spawn failure transitions to the normal stop path.
		l.stopPath(recordingID, desc.ChannelID, capture.ExitStatus{ExitCode: -1, Err: err})
		return err
	}

	l.segMu.Lock()
	l.segments[recordingID] = segmentInfo{path: outputPath, startedAt: at, index: nextIndex}
	l.segMu.Unlock()

	// Step 4: atomic descriptor update under the state lock.
	l.states.UpdateSegment(recordingID, newHandle, nextIndex)
	if err := l.db.UpdateRecordingSegmentCount(ctx, recordingID, nextIndex, nextIndex); err != nil {
		l.logf("rotate_segment: update segment count for %s failed: %v", recordingID, err)
	}
	if err := l.db.UpdateRecordingPath(ctx, recordingID, outputPath); err != nil {
		l.logf("rotate_segment: update path for %s failed: %v", recordingID, err)
	}

	util.SafeGo("recording-monitor", logWriter{l.logger}, func() {
		l.monitor(recordingID, desc.ChannelID, newHandle)
	}, nil)

	l.logf("recording rotated: recording=%s segment=%d", recordingID, nextIndex)
	return nil
}

func (l *Lifecycle) failRecording(ctx context.Context, recordingID string, cause error) error {
	at := l.clock.Now()
	_ = l.db.UpdateRecordingStatus(ctx, recordingID, model.RecordingStatusFailed, &at, cause.Error())
	l.states.Unregister(recordingID)
	l.segMu.Lock()
	delete(l.segments, recordingID)
	l.segMu.Unlock()
	return cause
}

// checkRotations evaluates every active recording against the configured
// time- and size-based rotation thresholds and rotates those that are due.
// A zero threshold disables that axis entirely (§4.3: rotation triggers are
// configurable and never conflated with a stop).
func (l *Lifecycle) checkRotations(ctx context.Context) {
	if l.globals.RotationInterval <= 0 && l.globals.RotationMaxBytes <= 0 {
		return
	}

	now := l.clock.Now()
	for _, desc := range l.states.ListActive() {
		l.segMu.Lock()
		info, ok := l.segments[desc.RecordingID]
		l.segMu.Unlock()
		if !ok {
			continue
		}

		due := l.globals.RotationInterval > 0 && now.Sub(info.startedAt) >= l.globals.RotationInterval
		if !due && l.globals.RotationMaxBytes > 0 {
			if fi, err := os.Stat(info.path); err == nil && fi.Size() >= l.globals.RotationMaxBytes {
				due = true
			}
		}
		if !due {
			continue
		}
		if err := l.RotateSegment(ctx, desc.RecordingID); err != nil {
			l.logf("rotation monitor: rotate recording=%s failed: %v", desc.RecordingID, err)
		}
	}
}

// RotationMonitor is a supervised service that periodically evaluates every
// active recording against Lifecycle's size/time rotation thresholds. It
// satisfies internal/supervisor.Service.
type RotationMonitor struct {
	lc       *Lifecycle
	Interval time.Duration
}

// NewRotationMonitor creates a RotationMonitor polling at
// DefaultRotationCheckInterval.
func NewRotationMonitor(lc *Lifecycle) *RotationMonitor {
	return &RotationMonitor{lc: lc, Interval: DefaultRotationCheckInterval}
}

// Name identifies this service to the supervisor.
func (m *RotationMonitor) Name() string { return "rotation-monitor" }

// Run runs the rotation check loop until ctx is cancelled.
func (m *RotationMonitor) Run(ctx context.Context) error {
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultRotationCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.lc.checkRotations(ctx)
		}
	}
}

// Shutdown terminates every active recording concurrently, fanning out with
// an errgroup so one slow subprocess never delays another's graceful stop,
// then waits for all of them to finish running their stop path.
func (l *Lifecycle) Shutdown(ctx context.Context) error {
	active := l.states.ListActive()
	if len(active) == 0 {
		return nil
	}

	grace := l.globals.ShutdownGrace
	if grace <= 0 {
		grace = DefaultStopGrace
	}

	g, _ := errgroup.WithContext(ctx)
	for _, desc := range active {
		desc := desc
		g.Go(func() error {
			handle := desc.ProcessHandle
			l.runner.Terminate(handle, grace)
			status, _ := l.runner.Poll(handle)
			l.stopPath(desc.RecordingID, desc.ChannelID, status)
			return nil
		})
	}
	return g.Wait()
}
