// SPDX-License-Identifier: MIT

// Package pipeline is StreamVault's Post-Processing Pipeline (C7): a durable
// priority task queue drained by a bounded worker pool, with strict
// per-target serialization and retry up to a configured attempt limit. A
// failed task goes back to pending at once: its exponential backoff delay is
// computed and logged but not waited out before the next claim.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/streamvault/core/internal/config"
	"github.com/streamvault/core/internal/model"
	"github.com/streamvault/core/internal/store"
)

// DefaultWorkers is N_workers from §4.6.
const DefaultWorkers = 2

// DefaultPollInterval is how often an idle worker checks for a claimable task.
const DefaultPollInterval = 1 * time.Second

// Pipeline drains PostProcessingTask rows with a bounded worker pool,
// serializing same-target tasks via per-target advisory locks so merge →
// transmux → ... never races itself for one recording.
type Pipeline struct {
	db      store.Store
	tasks   *Tasks
	globals config.GlobalDefaults
	logger  *slog.Logger

	workers      int
	pollInterval time.Duration
	backoffBase  time.Duration
	backoffMax   time.Duration
	maxAttempts  int

	targetLocks sync.Map // target -> *sync.Mutex
}

// New creates a Pipeline. globals supplies TaskMaxAttempts/TaskBackoffBase/
// TaskBackoffMax/PipelineWorkers.
func New(db store.Store, tasks *Tasks, globals config.GlobalDefaults, logger *slog.Logger) *Pipeline {
	workers := globals.PipelineWorkers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	maxAttempts := globals.TaskMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoffBase := globals.TaskBackoffBase
	if backoffBase <= 0 {
		backoffBase = 30 * time.Second
	}
	backoffMax := globals.TaskBackoffMax
	if backoffMax <= 0 {
		backoffMax = 10 * time.Minute
	}

	return &Pipeline{
		db:           db,
		tasks:        tasks,
		globals:      globals,
		logger:       logger,
		workers:      workers,
		pollInterval: DefaultPollInterval,
		backoffBase:  backoffBase,
		backoffMax:   backoffMax,
		maxAttempts:  maxAttempts,
	}
}

func (p *Pipeline) logf(format string, args ...interface{}) {
	if p.logger != nil {
		p.logger.Info(fmt.Sprintf(format, args...))
	}
}

func (p *Pipeline) targetLock(target string) *sync.Mutex {
	lock, _ := p.targetLocks.LoadOrStore(target, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Name identifies this service to the supervisor.
func (p *Pipeline) Name() string { return "pipeline" }

// Run starts the worker pool and blocks until ctx is cancelled and every
// worker has returned. A task still running at cancellation runs under the
// same cancelled ctx, so a ctx-bound subprocess it started is killed.
func (p *Pipeline) Run(ctx context.Context) error {
	wp := pool.New().WithMaxGoroutines(p.workers)

	for i := 0; i < p.workers; i++ {
		wp.Go(func() {
			p.workerLoop(ctx)
		})
	}

	wp.Wait()
	return ctx.Err()
}

func (p *Pipeline) workerLoop(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.claimAndRun(ctx)
		}
	}
}

// claimAndRun claims the next pending task (if any) and executes it under
// the per-target lock, serializing same-target tasks strictly.
func (p *Pipeline) claimAndRun(ctx context.Context) {
	task, ok, err := p.db.ClaimNextTask(ctx)
	if err != nil {
		p.logf("claim task failed: %v", err)
		return
	}
	if !ok {
		return
	}

	lock := p.targetLock(task.Target)
	lock.Lock()
	defer lock.Unlock()

	p.execute(ctx, task)
}

func (p *Pipeline) execute(ctx context.Context, task model.PostProcessingTask) {
	err := p.dispatch(ctx, task)
	if err == nil {
		if updateErr := p.db.UpdateTaskStatus(ctx, task.ID, model.TaskStatusDone, ""); updateErr != nil {
			p.logf("mark task %s done failed: %v", task.ID, updateErr)
		}
		return
	}

	attempts, attemptErr := p.db.IncrementTaskAttempts(ctx, task.ID)
	if attemptErr != nil {
		p.logf("increment attempts for task %s failed: %v", task.ID, attemptErr)
	}

	if attempts >= p.maxAttempts {
		p.logf("task %s (%s) exhausted retries: %v", task.ID, task.Kind, err)
		if updateErr := p.db.UpdateTaskStatus(ctx, task.ID, model.TaskStatusFailed, err.Error()); updateErr != nil {
			p.logf("mark task %s failed failed: %v", task.ID, updateErr)
		}
		p.shortCircuitTarget(ctx, task.Target, err)
		return
	}

	delay := p.delayForAttempt(attempts)
	p.logf("task %s (%s) failed, back to pending now (backoff %s not applied): %v", task.ID, task.Kind, delay, err)
	if updateErr := p.db.UpdateTaskStatus(ctx, task.ID, model.TaskStatusPending, err.Error()); updateErr != nil {
		p.logf("revert task %s to pending failed: %v", task.ID, updateErr)
	}
}

// shortCircuitTarget marks every still-pending task for target as failed
// once one of its tasks has exhausted retries. §4.6: a failed task never
// lets its dependents run, since they assume its output exists.
func (p *Pipeline) shortCircuitTarget(ctx context.Context, target string, cause error) {
	pending, err := p.db.ListTasksByTarget(ctx, target)
	if err != nil {
		p.logf("short-circuit lookup for target %s failed: %v", target, err)
		return
	}
	for _, t := range pending {
		if t.Status != model.TaskStatusPending {
			continue
		}
		if err := p.db.UpdateTaskStatus(ctx, t.ID, model.TaskStatusFailed, "upstream task failed: "+cause.Error()); err != nil {
			p.logf("short-circuit task %s failed: %v", t.ID, err)
		}
	}
}

// delayForAttempt rebuilds a Backoff sequence up to attempts, since the
// authoritative attempt count lives in the task row rather than in a
// long-lived Backoff instance per task.
func (p *Pipeline) delayForAttempt(attempts int) time.Duration {
	b := NewBackoff(p.backoffBase, p.backoffMax, p.maxAttempts)
	for i := 1; i < attempts; i++ {
		b.RecordFailure()
	}
	return b.CurrentDelay()
}

// dispatch routes a claimed task to its Tasks method. cleanup additionally
// needs the channel's resolved CleanupPolicy, fetched here rather than
// threaded through the task row.
func (p *Pipeline) dispatch(ctx context.Context, task model.PostProcessingTask) error {
	switch task.Kind {
	case model.TaskKindMerge:
		return p.tasks.Merge(ctx, task.Target)
	case model.TaskKindTransmux:
		return p.tasks.Transmux(ctx, task.Target)
	case model.TaskKindThumbnail:
		return p.tasks.Thumbnail(ctx, task.Target)
	case model.TaskKindMetadataEmbed:
		return p.tasks.MetadataEmbed(ctx, task.Target)
	case model.TaskKindChaptersEmbed:
		return p.tasks.ChaptersEmbed(ctx, task.Target)
	case model.TaskKindCleanup:
		channel, err := p.db.GetChannel(ctx, task.ChannelID)
		if err != nil {
			return err
		}
		policy := config.Resolve(p.globals, channel.Policy)
		return p.tasks.Cleanup(ctx, task.ChannelID, policy.CleanupPolicy)
	default:
		return fmt.Errorf("streamvault: unknown task kind %v", task.Kind)
	}
}
