// SPDX-License-Identifier: MIT

// Package model defines StreamVault's persisted data shapes: Channel,
// Stream, Recording, Segment, StreamMetadata, StreamEvent and
// PostProcessingTask, and the enums that constrain their lifecycles.
package model

import "time"

// RecordingStatus is the lifecycle state of a Recording.
type RecordingStatus int

const (
	RecordingStatusRecording RecordingStatus = iota
	RecordingStatusStopped
	RecordingStatusFailed
	RecordingStatusCompleted
)

func (s RecordingStatus) String() string {
	switch s {
	case RecordingStatusRecording:
		return "recording"
	case RecordingStatusStopped:
		return "stopped"
	case RecordingStatusFailed:
		return "failed"
	case RecordingStatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// TaskKind identifies a post-processing pipeline stage. Tasks for the same
// target must run in this order.
type TaskKind int

const (
	TaskKindMerge TaskKind = iota
	TaskKindTransmux
	TaskKindMetadataEmbed
	TaskKindThumbnail
	TaskKindChaptersEmbed
	TaskKindCleanup
)

func (k TaskKind) String() string {
	switch k {
	case TaskKindMerge:
		return "merge"
	case TaskKindTransmux:
		return "transmux"
	case TaskKindMetadataEmbed:
		return "metadata_embed"
	case TaskKindThumbnail:
		return "thumbnail"
	case TaskKindChaptersEmbed:
		return "chapters_embed"
	case TaskKindCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

// TaskStatus is the lifecycle state of a PostProcessingTask.
type TaskStatus int

const (
	TaskStatusPending TaskStatus = iota
	TaskStatusRunning
	TaskStatusDone
	TaskStatusFailed
)

func (s TaskStatus) String() string {
	switch s {
	case TaskStatusPending:
		return "pending"
	case TaskStatusRunning:
		return "running"
	case TaskStatusDone:
		return "done"
	case TaskStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TaskPriority orders pending tasks within the pipeline queue.
type TaskPriority int

const (
	PriorityLow TaskPriority = iota
	PriorityNormal
	PriorityHigh
)

func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// EventKind is the closed set of validated ingress event variants (§9:
// "runtime-typed event payloads → tagged variants").
type EventKind int

const (
	EventKindOnline EventKind = iota
	EventKindOffline
	EventKindChannelUpdate
)

func (k EventKind) String() string {
	switch k {
	case EventKindOnline:
		return "online"
	case EventKindOffline:
		return "offline"
	case EventKindChannelUpdate:
		return "channel_update"
	default:
		return "unknown"
	}
}

// CleanupStrategy selects how a channel's cleanup policy picks Recordings to
// delete.
type CleanupStrategy int

const (
	CleanupByCount CleanupStrategy = iota
	CleanupBySize
	CleanupByAge
	CleanupComposite
)

// Channel is a monitored broadcaster.
type Channel struct {
	ID              int64
	PlatformID      string
	Login           string
	DisplayName     string
	Live            bool
	RecordingEnabled bool
	Policy          ChannelPolicyOverride
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ChannelPolicyOverride holds per-channel overrides resolved by the Config
// Resolver (C2) against global defaults. Zero values mean "not overridden".
type ChannelPolicyOverride struct {
	Quality          string
	CodecList         []string
	Proxy            string
	AuthHeader       string
	FilenameTemplate string
	UseChapters      *bool
	AutoRecord       *bool
	CleanupPolicy    *CleanupPolicy
}

// CleanupPolicy is the channel's post-processing cleanup directive.
type CleanupPolicy struct {
	Strategy           CleanupStrategy
	KeepCount          int
	MaxAge             time.Duration
	MaxTotalBytes      int64
	PreserveCategories []string
	PreserveFavorites  bool
}

// Stream is one live broadcast instance for a Channel.
type Stream struct {
	ID                int64
	ChannelID         int64
	StartedAt         time.Time
	EndedAt           *time.Time
	Title             string
	Category          string
	Language          string
	PlatformStreamID  string
	EpisodeNumber     int
}

// IsOpen reports whether the stream has not yet ended.
func (s Stream) IsOpen() bool { return s.EndedAt == nil }

// Recording is the intent and state of capturing one Stream.
type Recording struct {
	ID                string
	StreamID          int64
	ChannelID         int64
	StartedAt         time.Time
	EndedAt           *time.Time
	Status            RecordingStatus
	OutputPath        string
	SegmentCount      int
	LastSegmentIndex  int
	NegotiatedQuality string
	LastError         string
	Category          string // copied from Stream at insert time, for cleanup-policy category matching
	Favorite          bool   // operator-set flag; cleanup never selects a favorite recording
	Deleted           bool   // true once the cleanup task has removed its output file
}

// Segment is one on-disk capture chunk belonging to a Recording.
type Segment struct {
	RecordingID string
	Index       int
	Path        string
	SizeBytes   int64
	DurationSec float64
	Discarded   bool
}

// StreamMetadata is post-processing output describing a completed Stream.
type StreamMetadata struct {
	StreamID         int64
	ThumbnailPath    string
	CategoryImage    string
	DurationSeconds  float64
	FileSizeBytes    int64
	ChaptersVTTPath  string
	CreatedAt        time.Time
}

// StreamEvent is a chapter-start marker recorded by a channel_update event.
type StreamEvent struct {
	StreamID        int64
	OffsetSeconds   float64
	Title           string
	Category        string
	RecordedAt      time.Time
}

// PostProcessingTask is a durable unit of deferred pipeline work.
type PostProcessingTask struct {
	ID         string
	Kind       TaskKind
	Target     string // recording id, or stream id for cleanup-by-channel sweeps
	ChannelID  int64
	Status     TaskStatus
	Attempts   int
	LastError  string
	EnqueuedAt time.Time
	Priority   TaskPriority
}
