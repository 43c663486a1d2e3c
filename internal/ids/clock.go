// SPDX-License-Identifier: MIT

// Package ids provides the Clock & IDs component (C1): a monotonic time
// source and a sortable id generator shared by every other component so
// that tests can inject deterministic time without touching time.Now
// directly, matching the teacher's convention of threading dependencies
// explicitly through constructors rather than reaching for package globals.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Clock is the time source every component depends on instead of calling
// time.Now directly. Production code uses SystemClock; tests inject a fake
// for deterministic rotation and backoff timing.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by the wall clock.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// Generator produces sortable, monotonic ids (ULIDs) seeded from a Clock.
// A single Generator is shared across the process; ulid.Monotonic's internal
// entropy ensures ids minted within the same millisecond still sort
// correctly, which matters for "oldest eligible" cleanup ordering (§4.6).
type Generator struct {
	clock Clock

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewGenerator creates an id Generator using clock as its time source.
func NewGenerator(clock Clock) *Generator {
	return &Generator{
		clock:   clock,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// New mints a new ULID string using the generator's clock and entropy.
func (g *Generator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(g.clock.Now()), g.entropy)
	return id.String()
}

// NewRecordingID mints a new Recording id.
func (g *Generator) NewRecordingID() string { return "rec_" + g.New() }

// NewTaskID mints a new PostProcessingTask id.
func (g *Generator) NewTaskID() string { return "task_" + g.New() }

// NewStreamEventID mints an id for a chapter-marker StreamEvent row.
func (g *Generator) NewStreamEventID() string { return "evt_" + g.New() }
