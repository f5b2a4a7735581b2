// Package service provides the uniform lifecycle shared by every kernel
// service: start/stop ordering, subscription tracking with automatic cleanup,
// owned-goroutine supervision, and standard status emission on the
// service/status topic.
//
// Services are plain structs that embed a [*Runner] and implement the
// [Service] interface by delegating to [Runner.StartWith] and
// [Runner.StopWith] with their own setup/teardown hooks — composition in
// place of the original base-class inheritance.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cantinaworks/djrex/internal/bus"
	"github.com/cantinaworks/djrex/internal/event"
)

// Status is the lifecycle state a service reports on service/status events.
// Transitions move forward monotonically except ERROR → STARTING on retry.
type Status string

const (
	StatusInitializing Status = "INITIALIZING"
	StatusStarting     Status = "STARTING"
	StatusRunning      Status = "RUNNING"
	StatusDegraded     Status = "DEGRADED"
	StatusError        Status = "ERROR"
	StatusStopping     Status = "STOPPING"
	StatusStopped      Status = "STOPPED"
)

// Severity grades a status message.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// StopGracePeriod bounds how long Stop waits for owned goroutines to exit
// before reporting ServiceStopTimeout and proceeding with teardown.
const StopGracePeriod = 5 * time.Second

// Service is the capability every kernel service exposes to the application
// wiring. Start must not return before the service's subscriptions are live;
// Stop must leave no goroutines or subscriptions behind.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Runner implements the shared lifecycle. Embed a *Runner (created with
// [NewRunner]) in a service struct and route Start/Stop through StartWith and
// StopWith.
type Runner struct {
	name string
	bus  *bus.Bus

	mu      sync.Mutex
	subs    []bus.Subscription
	started bool
	status  Status

	taskCtx    context.Context
	taskCancel context.CancelFunc
	tasks      sync.WaitGroup
}

// NewRunner creates a Runner for the named service on b.
func NewRunner(name string, b *bus.Bus) *Runner {
	return &Runner{name: name, bus: b, status: StatusInitializing}
}

// Name returns the service name used in status events and logs.
func (r *Runner) Name() string { return r.name }

// Bus returns the event bus the runner was created with.
func (r *Runner) Bus() *bus.Bus { return r.bus }

// Status returns the most recently emitted lifecycle status.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// StartWith runs the shared start sequence: emit STARTING, invoke setup (the
// service registers subscriptions and launches tasks there), then emit
// RUNNING. Subscriptions registered through [Runner.Subscribe] are live the
// moment Subscribe returns, so RUNNING is never emitted before the service
// can observe its peers. Starting an already-started runner is a no-op.
func (r *Runner) StartWith(ctx context.Context, setup func(ctx context.Context) error) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.taskCtx, r.taskCancel = context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Unlock()

	r.EmitStatus(ctx, StatusStarting, "", SeverityInfo)

	if setup != nil {
		if err := setup(ctx); err != nil {
			r.EmitStatus(ctx, StatusError, err.Error(), SeverityError)
			r.mu.Lock()
			r.started = false
			r.taskCancel()
			r.mu.Unlock()
			return event.Errf(event.KindServiceStartFailure, r.name, "start: %w", err)
		}
	}

	r.EmitStatus(ctx, StatusRunning, "", SeverityInfo)
	return nil
}

// StopWith runs the shared stop sequence: emit STOPPING, cancel owned tasks
// and await their exit (bounded by [StopGracePeriod]), invoke teardown,
// remove all subscriptions, emit STOPPED. Stopping a never-started or
// already-stopped runner is a no-op.
func (r *Runner) StopWith(ctx context.Context, teardown func(ctx context.Context) error) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	cancel := r.taskCancel
	r.mu.Unlock()

	r.EmitStatus(ctx, StatusStopping, "", SeverityInfo)

	if cancel != nil {
		cancel()
	}
	if !r.waitTasks(StopGracePeriod) {
		err := event.Errf(event.KindServiceStopTimeout, r.name,
			"owned tasks still running after %s", StopGracePeriod)
		slog.Warn("service stop timeout", "service", r.name, "err", err)
		r.EmitStatus(ctx, StatusDegraded, err.Error(), SeverityWarning)
	}

	var teardownErr error
	if teardown != nil {
		teardownErr = teardown(ctx)
	}

	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, s := range subs {
		r.bus.Off(s)
	}

	r.EmitStatus(ctx, StatusStopped, "", SeverityInfo)
	return teardownErr
}

// Subscribe registers handler on the bus and records the subscription for
// automatic removal during Stop.
func (r *Runner) Subscribe(topic string, handler bus.Handler) error {
	sub, err := r.bus.On(topic, handler)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()
	return nil
}

// Go launches fn as an owned goroutine bound to the runner's task context.
// Stop cancels the context and waits for fn to return.
func (r *Runner) Go(fn func(ctx context.Context)) {
	r.mu.Lock()
	ctx := r.taskCtx
	r.mu.Unlock()
	if ctx == nil {
		// Not started; run against a background context so tests can use
		// bare runners, but there is nothing to wait on at stop time.
		ctx = context.Background()
	}

	r.tasks.Add(1)
	go func() {
		defer r.tasks.Done()
		fn(ctx)
	}()
}

// EmitStatus publishes a standard service/status event. Message may be empty.
func (r *Runner) EmitStatus(ctx context.Context, status Status, message string, severity Severity) {
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()

	_ = r.bus.Emit(ctx, event.TopicServiceStatus, event.Payload{
		"service":  r.name,
		"status":   string(status),
		"message":  message,
		"severity": string(severity),
	})
}

// ReportError publishes an ERROR-severity status event carrying the error's
// taxonomy kind without changing the lifecycle status of the service.
func (r *Runner) ReportError(ctx context.Context, kind event.Kind, err error) {
	_ = r.bus.Emit(ctx, event.TopicServiceStatus, event.Payload{
		"service":  r.name,
		"status":   string(r.Status()),
		"message":  err.Error(),
		"severity": string(SeverityError),
		"kind":     string(kind),
	})
}

// waitTasks waits for the task WaitGroup with a timeout. Returns false when
// the timeout fired first.
func (r *Runner) waitTasks(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		r.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
