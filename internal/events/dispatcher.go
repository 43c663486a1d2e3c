// SPDX-License-Identifier: MIT

// Package events is StreamVault's Event Dispatcher (C6): it consumes
// validated ingress events (online/offline/channel_update), deduplicates
// them against a short-lived cache, and drives the Recording Lifecycle and
// persistence layer accordingly.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/streamvault/core/internal/config"
	"github.com/streamvault/core/internal/ids"
	"github.com/streamvault/core/internal/model"
	"github.com/streamvault/core/internal/store"
	"github.com/streamvault/core/internal/svcerr"
)

// DefaultDedupTTL is the deduplication cache's time-to-live (§4.4).
const DefaultDedupTTL = 60 * time.Second

// Event is one validated ingress notification, matching the §6 wire
// contract: {channel_id, kind, title, category, language,
// platform_stream_id, arrived_at}.
type Event struct {
	ChannelID        int64
	Kind             model.EventKind
	Title            string
	Category         string
	Language         string
	PlatformStreamID string
	ArrivedAt        time.Time
}

func (e Event) dedupKey() string {
	return fmt.Sprintf("%d|%s|%s", e.ChannelID, e.Kind, e.PlatformStreamID)
}

// Lifecycle is the subset of internal/lifecycle.Lifecycle that the
// dispatcher depends on, so events can be unit tested against a stub.
type Lifecycle interface {
	StartRecording(ctx context.Context, s model.Stream, channel model.Channel, force bool) (string, error)
	StopRecording(ctx context.Context, recordingID string, reason string) error
}

// Dispatcher processes events per §4.4, serializing handler execution
// per channel so that a burst of events for one channel never races itself
// (§5); independent channels proceed concurrently.
type Dispatcher struct {
	db        store.Store
	lifecycle Lifecycle
	gen       *ids.Generator
	clock     ids.Clock
	globals   config.GlobalDefaults
	logger    *slog.Logger

	dedup *expirable.LRU[string, struct{}]

	chanLocks sync.Map // channelID -> *sync.Mutex
}

// New creates a Dispatcher. ttl is the dedup cache lifetime; pass 0 to use
// DefaultDedupTTL.
func New(db store.Store, lifecycle Lifecycle, gen *ids.Generator, clock ids.Clock, globals config.GlobalDefaults, logger *slog.Logger, ttl time.Duration) *Dispatcher {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &Dispatcher{
		db:        db,
		lifecycle: lifecycle,
		gen:       gen,
		clock:     clock,
		globals:   globals,
		logger:    logger,
		dedup:     expirable.NewLRU[string, struct{}](4096, nil, ttl),
	}
}

func (d *Dispatcher) logf(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Info(fmt.Sprintf(format, args...))
	}
}

func (d *Dispatcher) channelLock(channelID int64) *sync.Mutex {
	lock, _ := d.chanLocks.LoadOrStore(channelID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Dispatch routes ev to its kind-specific handler, serialized per channel.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	lock := d.channelLock(ev.ChannelID)
	lock.Lock()
	defer lock.Unlock()

	key := ev.dedupKey()
	if ev.Kind != model.EventKindChannelUpdate {
		if _, dup := d.dedup.Get(key); dup {
			d.logf("event dropped as duplicate: channel=%d kind=%s", ev.ChannelID, ev.Kind)
			return nil
		}
		d.dedup.Add(key, struct{}{})
	}

	switch ev.Kind {
	case model.EventKindOnline:
		return d.handleOnline(ctx, ev)
	case model.EventKindOffline:
		return d.handleOffline(ctx, ev)
	case model.EventKindChannelUpdate:
		return d.handleChannelUpdate(ctx, ev)
	default:
		return fmt.Errorf("streamvault: unknown event kind %v", ev.Kind)
	}
}

func (d *Dispatcher) handleOnline(ctx context.Context, ev Event) error {
	if err := d.db.UpsertChannelLiveness(ctx, ev.ChannelID, true, ev.ArrivedAt); err != nil {
		return err
	}

	channel, err := d.db.GetChannel(ctx, ev.ChannelID)
	if err != nil {
		return err
	}

	s, open, err := d.db.GetOpenStream(ctx, ev.ChannelID)
	if err != nil {
		return err
	}
	if !open {
		episodeMonth := ev.ArrivedAt
		episode, err := d.db.NextEpisodeNumber(ctx, ev.ChannelID, episodeMonth)
		if err != nil {
			return err
		}
		s, err = d.db.OpenStream(ctx, model.Stream{
			ChannelID:        ev.ChannelID,
			StartedAt:        ev.ArrivedAt,
			Title:            ev.Title,
			Category:         ev.Category,
			Language:         ev.Language,
			PlatformStreamID: ev.PlatformStreamID,
			EpisodeNumber:    episode,
		})
		if err != nil {
			return err
		}
	}

	policy := config.Resolve(d.globals, channel.Policy)
	if !policy.AutoRecord {
		d.logf("auto_record disabled for channel=%s, skipping start_recording", channel.Login)
		return nil
	}

	_, err = d.lifecycle.StartRecording(ctx, s, channel, false)
	if err != nil && err != svcerr.ErrDuplicateActiveRecording {
		return err
	}
	return nil
}

func (d *Dispatcher) handleOffline(ctx context.Context, ev Event) error {
	recordings, err := d.db.ListRecordingsByChannel(ctx, ev.ChannelID)
	if err != nil {
		return err
	}
	for _, rec := range recordings {
		if rec.Status == model.RecordingStatusRecording {
			if err := d.lifecycle.StopRecording(ctx, rec.ID, "stream_offline"); err != nil && err != svcerr.ErrNoActiveRecording {
				return err
			}
			break
		}
	}

	if err := d.db.UpsertChannelLiveness(ctx, ev.ChannelID, false, ev.ArrivedAt); err != nil {
		return err
	}

	s, open, err := d.db.GetOpenStream(ctx, ev.ChannelID)
	if err != nil {
		return err
	}
	if open {
		if err := d.db.CloseStream(ctx, s.ID, ev.ArrivedAt); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) handleChannelUpdate(ctx context.Context, ev Event) error {
	s, open, err := d.db.GetOpenStream(ctx, ev.ChannelID)
	if err != nil {
		return err
	}
	if !open {
		return nil
	}

	if err := d.db.UpdateStreamInfo(ctx, s.ID, ev.Title, ev.Category, ev.Language); err != nil {
		return err
	}

	offset := ev.ArrivedAt.Sub(s.StartedAt).Seconds()
	if offset < 0 {
		offset = 0
	}
	return d.db.AppendStreamEvent(ctx, model.StreamEvent{
		StreamID:      s.ID,
		OffsetSeconds: offset,
		Title:         ev.Title,
		Category:      ev.Category,
		RecordedAt:    ev.ArrivedAt,
	})
}
