// SPDX-License-Identifier: MIT

// Package capture is StreamVault's Capture Process Runner (C3): it spawns
// the external capture tool as a child process, streams its stderr to a
// rotating per-channel log file, and exposes poll/terminate/kill/wait
// semantics over an opaque process handle.
package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/streamvault/core/internal/config"
	"github.com/streamvault/core/internal/model"
	"github.com/streamvault/core/internal/svcerr"
)

// ExitStatus describes how a capture subprocess terminated.
type ExitStatus struct {
	ExitCode int
	// ExternalDeath is true when the process was not stopped by a Terminate
	// or Kill call from this runner (crash, OOM, operator `kill -9`, etc).
	ExternalDeath bool
	Err           error
}

// ProcessHandle is an opaque reference to one spawned capture subprocess.
type ProcessHandle struct {
	RecordingID string
	ChannelID   int64
	Pid         int

	cmd       *exec.Cmd
	logWriter io.Closer
	outFile   *os.File

	mu           sync.Mutex
	done         chan struct{}
	exitStatus   ExitStatus
	exited       bool
	terminated   bool // Terminate or Kill was called before exit
}

func (h *ProcessHandle) markExited(status ExitStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return
	}
	h.exited = true
	h.exitStatus = status
	close(h.done)
}

// StartRequest carries everything the runner needs to build argv and route
// output for one capture subprocess.
type StartRequest struct {
	RecordingID string
	Channel     model.Channel
	OutputPath  string
	Policy      config.ResolvedPolicy
	AuthToken   string // propagated PLATFORM_OAUTH_TOKEN, if configured
}

// Runner manages the set of live capture subprocesses, keyed by recording id.
type Runner struct {
	captureBinary string
	logDir        string
	logger        *slog.Logger

	mu      sync.Mutex
	handles map[string]*ProcessHandle
}

// NewRunner creates a Runner. captureBinary is the path to the external
// capture tool (CAPTURE_BINARY); logDir holds per-channel rotating stderr logs.
func NewRunner(captureBinary, logDir string, logger *slog.Logger) *Runner {
	return &Runner{
		captureBinary: captureBinary,
		logDir:        logDir,
		logger:        logger,
		handles:       make(map[string]*ProcessHandle),
	}
}

func (r *Runner) logf(format string, args ...interface{}) {
	if r.logger != nil {
		r.logger.Info(fmt.Sprintf(format, args...))
	}
}

// Start spawns the capture subprocess for req and registers its handle.
// On any failure the handle is never registered, and the returned error
// satisfies errors.As into *svcerr.SpawnError.
func (r *Runner) Start(ctx context.Context, req StartRequest) (*ProcessHandle, error) {
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0750); err != nil {
		return nil, &svcerr.SpawnError{ChannelLogin: req.Channel.Login, Err: fmt.Errorf("create output dir: %w", err)}
	}

	logWriter, err := ChannelLogWriter(r.logDir, req.Channel.Login,
		WithMaxSize(DefaultMaxLogSize), WithMaxFiles(DefaultMaxLogFiles), WithCompression(true))
	if err != nil {
		return nil, &svcerr.SpawnError{ChannelLogin: req.Channel.Login, Err: fmt.Errorf("open log writer: %w", err)}
	}

	outFile, err := os.Create(req.OutputPath) // #nosec G304 -- path built from resolved template, not raw user input
	if err != nil {
		_ = logWriter.Close()
		return nil, &svcerr.SpawnError{ChannelLogin: req.Channel.Login, Err: fmt.Errorf("create output file: %w", err)}
	}

	args := buildCaptureArgs(req)
	// #nosec G204 -- captureBinary is administrator-configured, not user input
	cmd := exec.Command(r.captureBinary, args...)
	cmd.Stderr = logWriter
	cmd.Stdout = outFile
	// Bound how long Wait keeps copying stderr after the process exits, so an
	// orphaned grandchild still holding the pipe cannot delay Terminate.
	cmd.WaitDelay = 500 * time.Millisecond

	if err := cmd.Start(); err != nil {
		_ = logWriter.Close()
		_ = outFile.Close()
		return nil, &svcerr.SpawnError{ChannelLogin: req.Channel.Login, Err: err}
	}

	handle := &ProcessHandle{
		RecordingID: req.RecordingID,
		ChannelID:   req.Channel.ID,
		Pid:         cmd.Process.Pid,
		cmd:         cmd,
		logWriter:   logWriter,
		outFile:     outFile,
		done:        make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		_ = logWriter.Close()
		_ = outFile.Close()

		handle.mu.Lock()
		external := !handle.terminated
		handle.mu.Unlock()

		status := ExitStatus{ExternalDeath: external}
		if err != nil {
			status.ExitCode = -1
			if exitErr, ok := err.(*exec.ExitError); ok {
				status.ExitCode = exitErr.ExitCode()
			}
			status.Err = err
		}
		handle.markExited(status)
	}()

	r.mu.Lock()
	r.handles[req.RecordingID] = handle
	r.mu.Unlock()

	r.logf("capture started: recording=%s channel=%s pid=%d", req.RecordingID, req.Channel.Login, handle.Pid)
	return handle, nil
}

// Poll is a non-blocking, idempotent check of a handle's status.
func (r *Runner) Poll(h *ProcessHandle) (ExitStatus, bool) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.exitStatus, true
	default:
		return ExitStatus{}, false
	}
}

// Wait blocks until the process exits or ctx is cancelled.
func (r *Runner) Wait(ctx context.Context, h *ProcessHandle) (ExitStatus, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.exitStatus, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Terminate sends a graceful shutdown signal and waits up to grace before
// force-killing. It tolerates the process having already exited.
func (r *Runner) Terminate(h *ProcessHandle, grace time.Duration) {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return
	}
	h.terminated = true
	proc := h.cmd.Process
	h.mu.Unlock()

	if proc == nil {
		return
	}

	// Signal error is discarded: ESRCH on an already-reaped process is an
	// expected benign race.
	_ = proc.Signal(os.Interrupt)

	if grace <= 0 {
		grace = 10 * time.Second
	}

	select {
	case <-h.done:
		return
	case <-time.After(grace):
		_ = proc.Kill()
		<-h.done
	}
}

// Kill immediately force-kills the process, tolerating prior exit.
func (r *Runner) Kill(h *ProcessHandle) {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return
	}
	h.terminated = true
	proc := h.cmd.Process
	h.mu.Unlock()

	if proc != nil {
		_ = proc.Kill()
	}
}

// Release removes the handle from the runner's map. Must be called exactly
// once per Start, in a guaranteed-release scope (deferred), regardless of
// how the recording's monitor task exits — a cleanup failure must never
// prevent the map slot from being vacated for the next segment.
func (r *Runner) Release(recordingID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, recordingID)
}

// Handle returns the live handle for a recording, if any.
func (r *Runner) Handle(recordingID string) (*ProcessHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[recordingID]
	return h, ok
}

// buildCaptureArgs constructs argv for the capture binary per the external
// interface contract: channel login, quality ladder, codec list, optional
// proxy, optional auth header, output path. The binary also streams MPEG-TS
// on stdout, which Start redirects to the output file directly.
func buildCaptureArgs(req StartRequest) []string {
	args := []string{req.Channel.Login}

	if req.Policy.Quality != "" {
		args = append(args, "--quality", req.Policy.Quality)
	}
	if len(req.Policy.CodecList) > 0 {
		args = append(args, "--codecs", strings.Join(req.Policy.CodecList, ","))
	}
	if req.Policy.Proxy != "" {
		args = append(args, "--proxy", req.Policy.Proxy)
	}
	if req.Policy.AuthHeader != "" {
		args = append(args, "--header", req.Policy.AuthHeader)
	}
	if req.AuthToken != "" {
		args = append(args, "--token", req.AuthToken)
	}
	args = append(args, "--output", req.OutputPath)

	return args
}
