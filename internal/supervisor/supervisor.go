// Package supervisor wraps thejerf/suture's OTP-style supervision tree for
// StreamVault's composition root: the post-processing pipeline worker pool,
// the rotation-timer service and the HTTP servers (health, metrics, optional
// ingress) run as supervised services, restarted automatically on failure.
//
// Example:
//
//	sup := supervisor.New(supervisor.Config{
//	    ShutdownTimeout: 10 * time.Second,
//	})
//
//	sup.Add(pipelineService)
//	sup.Add(rotationMonitorService)
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	if err := sup.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
)

// Service is the interface that supervised services must implement.
// Implementations should block until the context is cancelled or an error
// occurs; a returned error other than context cancellation triggers a
// restart.
type Service interface {
	Run(ctx context.Context) error
	Name() string
}

// ServiceState represents the current state of a supervised service.
type ServiceState int

const (
	ServiceStateIdle     ServiceState = iota // Not started
	ServiceStateRunning                      // Running normally
	ServiceStateStopping                     // Being stopped
	ServiceStateFailed                       // Failed, may restart
	ServiceStateStopped                      // Stopped, terminal
)

func (s ServiceState) String() string {
	switch s {
	case ServiceStateIdle:
		return "idle"
	case ServiceStateRunning:
		return "running"
	case ServiceStateStopping:
		return "stopping"
	case ServiceStateFailed:
		return "failed"
	case ServiceStateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// ServiceStatus contains status information about a supervised service.
type ServiceStatus struct {
	Name      string
	State     ServiceState
	StartTime time.Time
	Uptime    time.Duration
	Restarts  int
	LastError error
}

// Config contains supervisor configuration.
type Config struct {
	// ShutdownTimeout bounds how long suture waits for services to stop
	// gracefully before abandoning them. Default: 10 seconds.
	ShutdownTimeout time.Duration

	// Logger is optional; if set, supervisor events are logged here.
	Logger io.Writer
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ShutdownTimeout: 10 * time.Second,
	}
}

// Supervisor manages a collection of services on top of a suture.Supervisor,
// tracking the per-service status view suture itself does not expose.
type Supervisor struct {
	cfg Config
	sup *suture.Supervisor

	mu      sync.RWMutex
	entries map[string]*serviceEntry
	tokens  map[string]suture.ServiceToken
	running bool

	logMu sync.Mutex
}

// serviceEntry tracks one service's status, mutated by its serviceAdapter as
// suture starts, fails and restarts it.
type serviceEntry struct {
	mu        sync.Mutex
	state     ServiceState
	startTime time.Time
	restarts  int
	lastError error
}

// serviceAdapter bridges a supervisor.Service onto suture.Service, updating
// the shared serviceEntry on every Serve invocation so restarts are visible
// through Supervisor.Status without depending on suture's internal event
// field layout.
type serviceAdapter struct {
	name  string
	svc   Service
	entry *serviceEntry
}

func (a *serviceAdapter) Serve(ctx context.Context) error {
	a.entry.mu.Lock()
	if !a.entry.startTime.IsZero() {
		a.entry.restarts++
	}
	a.entry.state = ServiceStateRunning
	a.entry.startTime = time.Now()
	a.entry.mu.Unlock()

	err := a.svc.Run(ctx)

	a.entry.mu.Lock()
	if ctx.Err() != nil {
		a.entry.state = ServiceStateStopped
	} else {
		a.entry.state = ServiceStateFailed
		a.entry.lastError = err
	}
	a.entry.mu.Unlock()

	return err
}

// String names the service in suture's own internal logging.
func (a *serviceAdapter) String() string { return a.name }

// New creates a new Supervisor with the given configuration, backed by a
// fresh suture.Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Supervisor{
		cfg:     cfg,
		entries: make(map[string]*serviceEntry),
		tokens:  make(map[string]suture.ServiceToken),
	}

	s.sup = suture.New("streamvaultd", suture.Spec{
		Timeout: cfg.ShutdownTimeout,
		EventHook: func(ev suture.Event) {
			s.logf("%s", ev.String())
		},
	})

	return s
}

func (s *Supervisor) logf(format string, args ...interface{}) {
	if s.cfg.Logger != nil {
		s.logMu.Lock()
		_, _ = fmt.Fprintf(s.cfg.Logger, "[Supervisor] "+format+"\n", args...)
		s.logMu.Unlock()
	}
}

// Add registers a service with the supervisor. Safe to call before or after
// Run starts the supervision loop. Returns an error if a service with the
// same name is already registered.
func (s *Supervisor) Add(svc Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := svc.Name()
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("service %q already registered", name)
	}

	entry := &serviceEntry{state: ServiceStateIdle}
	adapter := &serviceAdapter{name: name, svc: svc, entry: entry}

	s.entries[name] = entry
	s.tokens[name] = s.sup.Add(adapter)
	s.logf("added service: %s", name)

	return nil
}

// Remove unregisters and stops a service.
func (s *Supervisor) Remove(name string) error {
	s.mu.Lock()
	token, exists := s.tokens[name]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("service %q not found", name)
	}
	delete(s.tokens, name)
	delete(s.entries, name)
	s.mu.Unlock()

	if err := s.sup.Remove(token); err != nil {
		return fmt.Errorf("remove service %q: %w", name, err)
	}
	s.logf("removed service: %s", name)
	return nil
}

// Status returns the current status of all services.
func (s *Supervisor) Status() []ServiceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	result := make([]ServiceStatus, 0, len(s.entries))
	for name, entry := range s.entries {
		entry.mu.Lock()
		var uptime time.Duration
		if !entry.startTime.IsZero() && entry.state == ServiceStateRunning {
			uptime = now.Sub(entry.startTime)
		}
		result = append(result, ServiceStatus{
			Name:      name,
			State:     entry.state,
			StartTime: entry.startTime,
			Uptime:    uptime,
			Restarts:  entry.restarts,
			LastError: entry.lastError,
		})
		entry.mu.Unlock()
	}
	return result
}

// ServiceCount returns the number of registered services.
func (s *Supervisor) ServiceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Run starts the supervision tree and blocks until ctx is cancelled, at
// which point suture stops every service gracefully (within
// cfg.ShutdownTimeout) before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("supervisor already running")
	}
	s.running = true
	s.mu.Unlock()

	s.logf("supervisor started with %d services", s.ServiceCount())

	err := s.sup.Serve(ctx)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
