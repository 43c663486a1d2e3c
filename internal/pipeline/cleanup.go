// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/streamvault/core/internal/model"
)

// Cleanup enforces a channel's cleanup policy (§4.6): select recordings
// eligible for deletion under the configured strategy, skip preserved
// categories and favorites, then delete the losers' files and mark their
// rows. Pure selection logic lives in SelectForDeletion so it can be unit
// tested without touching the filesystem.
func (t *Tasks) Cleanup(ctx context.Context, channelID int64, policy model.CleanupPolicy) error {
	recordings, err := t.db.ListRecordingsByChannel(ctx, channelID)
	if err != nil {
		return err
	}

	sizes := make(map[string]int64, len(recordings))
	for _, r := range recordings {
		segs, err := t.db.ListSegments(ctx, r.ID)
		if err != nil {
			return err
		}
		var total int64
		for _, s := range segs {
			total += s.SizeBytes
		}
		sizes[r.ID] = total
	}

	doomed := SelectForDeletion(recordings, sizes, policy, time.Now())
	for _, rec := range doomed {
		if rec.OutputPath != "" {
			_ = os.Remove(rec.OutputPath)
		}
		if err := t.db.MarkRecordingDeleted(ctx, rec.ID); err != nil {
			return err
		}
	}
	return nil
}

// SelectForDeletion applies a CleanupPolicy to a channel's recordings and
// returns the ones that should be deleted. It never selects a recording
// still in progress (status=recording), an already deleted one, a favorited
// recording when PreserveFavorites is set, or one whose Category is in
// PreserveCategories. sizes maps recording id to total bytes
// across its segments, used only by the by_size/composite strategies.
func SelectForDeletion(recordings []model.Recording, sizes map[string]int64, policy model.CleanupPolicy, now time.Time) []model.Recording {
	eligible := make([]model.Recording, 0, len(recordings))
	for _, r := range recordings {
		if r.Status == model.RecordingStatusRecording || r.Deleted {
			continue
		}
		if policy.PreserveFavorites && r.Favorite {
			continue
		}
		if isPreservedCategory(r.Category, policy.PreserveCategories) {
			continue
		}
		eligible = append(eligible, r)
	}

	// Oldest first so by_count/by_age/by_size trim from the tail.
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].StartedAt.Before(eligible[j].StartedAt) })

	switch policy.Strategy {
	case model.CleanupByCount:
		// by_count with KeepCount 0 keeps none; in composite, selectByCount
		// treats 0 as "no count rule".
		if policy.KeepCount == 0 {
			return eligible
		}
		return selectByCount(eligible, policy)
	case model.CleanupByAge:
		return selectByAge(eligible, policy, now)
	case model.CleanupBySize:
		return selectBySize(eligible, sizes, policy)
	case model.CleanupComposite:
		return unionRecordings(
			selectByCount(eligible, policy),
			selectByAge(eligible, policy, now),
			selectBySize(eligible, sizes, policy),
		)
	default:
		return nil
	}
}

func isPreservedCategory(category string, preserve []string) bool {
	for _, c := range preserve {
		if c == category {
			return true
		}
	}
	return false
}

func selectByCount(sorted []model.Recording, policy model.CleanupPolicy) []model.Recording {
	if policy.KeepCount <= 0 || len(sorted) <= policy.KeepCount {
		return nil
	}
	overflow := len(sorted) - policy.KeepCount
	return sorted[:overflow]
}

func selectByAge(sorted []model.Recording, policy model.CleanupPolicy, now time.Time) []model.Recording {
	if policy.MaxAge <= 0 {
		return nil
	}
	cutoff := now.Add(-policy.MaxAge)
	var doomed []model.Recording
	for _, r := range sorted {
		if r.StartedAt.Before(cutoff) {
			doomed = append(doomed, r)
		}
	}
	return doomed
}

func selectBySize(sorted []model.Recording, sizes map[string]int64, policy model.CleanupPolicy) []model.Recording {
	if policy.MaxTotalBytes <= 0 {
		return nil
	}
	var total int64
	for _, r := range sorted {
		total += sizes[r.ID]
	}
	var doomed []model.Recording
	for _, r := range sorted {
		if total <= policy.MaxTotalBytes {
			break
		}
		doomed = append(doomed, r)
		total -= sizes[r.ID]
	}
	return doomed
}

func unionRecordings(groups ...[]model.Recording) []model.Recording {
	seen := make(map[string]struct{})
	var out []model.Recording
	for _, group := range groups {
		for _, r := range group {
			if _, ok := seen[r.ID]; ok {
				continue
			}
			seen[r.ID] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}
