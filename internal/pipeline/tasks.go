// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/streamvault/core/internal/model"
	"github.com/streamvault/core/internal/store"
	"github.com/streamvault/core/internal/svcerr"
)

// minTransmuxOutputBytes is the minimum size an .mp4 output must reach to be
// considered a valid transmux result rather than a truncated write.
const minTransmuxOutputBytes = 1024

// Tasks implements the six post-processing task kinds (§4.6) against a real
// ffmpeg binary. Each method is grounded on the same argv-building idiom the
// capture subprocess uses: explicit arg slices, exec.Command, no shell.
type Tasks struct {
	ffmpegBinary string
	db           store.Store
}

// NewTasks creates a Tasks executor. ffmpegBinary is the path to ffmpeg
// (FFMPEG_BINARY); db is the persistence adapter task handlers read segment
// lists and channel policy from.
func NewTasks(ffmpegBinary string, db store.Store) *Tasks {
	return &Tasks{ffmpegBinary: ffmpegBinary, db: db}
}

func (t *Tasks) run(ctx context.Context, args []string) error {
	// #nosec G204 -- ffmpegBinary is administrator-configured, argv is built
	// from validated internal paths, not raw user input.
	cmd := exec.CommandContext(ctx, t.ffmpegBinary, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w", string(out), err)
	}
	return nil
}

// Merge concatenates a recording's segments in index order into one .ts.
func (t *Tasks) Merge(ctx context.Context, recordingID string) error {
	segs, err := t.db.ListSegments(ctx, recordingID)
	if err != nil {
		return err
	}
	var eligible []model.Segment
	for _, s := range segs {
		if !s.Discarded {
			eligible = append(eligible, s)
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].Index < eligible[j].Index })

	if len(eligible) == 0 {
		return &svcerr.MergeError{RecordingID: recordingID, Err: fmt.Errorf("no eligible segments")}
	}

	rec, err := t.db.GetRecording(ctx, recordingID)
	if err != nil {
		return err
	}

	listPath := rec.OutputPath + ".concat.txt"
	var listContents string
	for _, s := range eligible {
		listContents += fmt.Sprintf("file '%s'\n", s.Path)
	}
	if err := os.WriteFile(listPath, []byte(listContents), 0640); err != nil {
		return &svcerr.MergeError{RecordingID: recordingID, Err: err}
	}
	defer os.Remove(listPath)

	mergedPath := rec.OutputPath + ".merged.ts"
	args := []string{"-y", "-f", "concat", "-safe", "0", "-i", listPath, "-c", "copy", mergedPath}

	if err := t.run(ctx, args); err != nil {
		_ = os.Remove(mergedPath)
		return &svcerr.MergeError{RecordingID: recordingID, Err: err}
	}

	return t.db.UpdateRecordingPath(ctx, recordingID, mergedPath)
}

// Transmux stream-copies the recording's .ts into an .mp4 without
// re-encoding, validates the output, and marks the recording completed.
func (t *Tasks) Transmux(ctx context.Context, recordingID string) error {
	rec, err := t.db.GetRecording(ctx, recordingID)
	if err != nil {
		return err
	}

	mp4Path := trimExt(rec.OutputPath) + ".mp4"
	args := []string{"-y", "-i", rec.OutputPath, "-c", "copy", mp4Path}

	if err := t.run(ctx, args); err != nil {
		_ = os.Remove(mp4Path)
		return &svcerr.TransmuxError{RecordingID: recordingID, Err: err}
	}

	info, err := os.Stat(mp4Path)
	if err != nil || info.Size() < minTransmuxOutputBytes {
		_ = os.Remove(mp4Path)
		return &svcerr.TransmuxError{RecordingID: recordingID, Err: fmt.Errorf("output missing or too small")}
	}

	if err := t.db.UpdateRecordingPath(ctx, recordingID, mp4Path); err != nil {
		return err
	}
	if err := t.db.UpdateRecordingStatus(ctx, recordingID, model.RecordingStatusCompleted, nil, ""); err != nil {
		return err
	}

	if rec.OutputPath != mp4Path {
		_ = os.Remove(rec.OutputPath)
	}
	return nil
}

// Thumbnail extracts a single frame at 10% of the recording's duration.
func (t *Tasks) Thumbnail(ctx context.Context, recordingID string) error {
	rec, err := t.db.GetRecording(ctx, recordingID)
	if err != nil {
		return err
	}

	duration, err := t.probeDuration(ctx, rec.OutputPath)
	if err != nil {
		return err
	}
	offset := duration * 0.10

	thumbPath := trimExt(rec.OutputPath) + ".jpg"
	args := []string{"-y", "-ss", strconv.FormatFloat(offset, 'f', 2, 64), "-i", rec.OutputPath, "-frames:v", "1", thumbPath}

	if err := t.run(ctx, args); err != nil {
		return fmt.Errorf("streamvault: thumbnail recording %s: %w", recordingID, err)
	}

	var fileSizeBytes int64
	if info, err := os.Stat(rec.OutputPath); err == nil {
		fileSizeBytes = info.Size()
	}

	return t.db.UpsertStreamMetadata(ctx, model.StreamMetadata{
		StreamID:        rec.StreamID,
		ThumbnailPath:   thumbPath,
		DurationSeconds: duration,
		FileSizeBytes:   fileSizeBytes,
		CreatedAt:       time.Now(),
	})
}

// probeDuration shells out to ffprobe (sibling to ffmpeg in most
// installs) to read the container duration in seconds.
func (t *Tasks) probeDuration(ctx context.Context, path string) (float64, error) {
	probeBinary := filepath.Join(filepath.Dir(t.ffmpegBinary), "ffprobe")
	// #nosec G204 -- probeBinary derived from administrator-configured ffmpegBinary
	cmd := exec.CommandContext(ctx, probeBinary, "-v", "error", "-show_entries", "format=duration", "-of", "default=noprint_wrappers=1:nokey=1", path)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("streamvault: probe duration for %s: %w", path, err)
	}
	return strconv.ParseFloat(trimNewline(string(out)), 64)
}

// MetadataEmbed writes title (the recording id), artist (the channel login)
// and date into the MP4 container via in-place rewrite (ffmpeg can't edit in
// place, so it writes to a temp file and renames over the original). It
// writes no genre tag and embeds no cover art.
func (t *Tasks) MetadataEmbed(ctx context.Context, recordingID string) error {
	rec, err := t.db.GetRecording(ctx, recordingID)
	if err != nil {
		return err
	}
	channel, err := t.db.GetChannel(ctx, rec.ChannelID)
	if err != nil {
		return err
	}

	tmpPath := rec.OutputPath + ".meta.mp4"
	args := []string{
		"-y", "-i", rec.OutputPath,
		"-metadata", fmt.Sprintf("title=%s", rec.ID),
		"-metadata", fmt.Sprintf("artist=%s", channel.Login),
		"-metadata", fmt.Sprintf("date=%s", rec.StartedAt.Format("2006-01-02")),
		"-c", "copy", tmpPath,
	}
	if err := t.run(ctx, args); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("streamvault: metadata_embed recording %s: %w", recordingID, err)
	}

	if err := os.Rename(tmpPath, rec.OutputPath); err != nil {
		return fmt.Errorf("streamvault: metadata_embed replace for %s: %w", recordingID, err)
	}
	return nil
}

// ChaptersEmbed produces a WEBVTT sidecar from accumulated chapter markers
// and records its path in the recording's StreamMetadata. The media
// container itself is left unchanged; no chapter entries are muxed into it.
func (t *Tasks) ChaptersEmbed(ctx context.Context, recordingID string) error {
	rec, err := t.db.GetRecording(ctx, recordingID)
	if err != nil {
		return err
	}
	markers, err := t.db.ListChapterMarkers(ctx, rec.StreamID)
	if err != nil {
		return err
	}
	if len(markers) == 0 {
		return nil
	}

	vttPath := trimExt(rec.OutputPath) + ".vtt"
	vtt := "WEBVTT\n\n"
	for i, m := range markers {
		start := formatVTTTimestamp(m.OffsetSeconds)
		end := "99:59:59.999"
		if i+1 < len(markers) {
			end = formatVTTTimestamp(markers[i+1].OffsetSeconds)
		}
		vtt += fmt.Sprintf("%d\n%s --> %s\n%s\n\n", i+1, start, end, m.Title)
	}
	if err := os.WriteFile(vttPath, []byte(vtt), 0640); err != nil {
		return err
	}

	return t.db.UpsertStreamMetadata(ctx, model.StreamMetadata{
		StreamID:        rec.StreamID,
		ChaptersVTTPath: vttPath,
		CreatedAt:       time.Now(),
	})
}

func formatVTTTimestamp(offsetSeconds float64) string {
	d := time.Duration(offsetSeconds * float64(time.Second))
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	ms := int(d.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

func trimExt(path string) string {
	ext := filepath.Ext(path)
	return path[:len(path)-len(ext)]
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
