package health

import (
	"context"
	"fmt"
	"sync"

	"github.com/cantinaworks/djrex/internal/bus"
	"github.com/cantinaworks/djrex/internal/event"
	"github.com/cantinaworks/djrex/internal/service"
)

// Tracker follows service/status events and remembers the latest status per
// service. It backs the readiness probe: the kernel is ready when every
// tracked service reports RUNNING.
type Tracker struct {
	mu       sync.RWMutex
	statuses map[string]service.Status
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{statuses: make(map[string]service.Status)}
}

// Watch subscribes the tracker to service/status on b. Call before services
// start so no transition is missed.
func (t *Tracker) Watch(b *bus.Bus) error {
	_, err := b.On(event.TopicServiceStatus, func(_ context.Context, p event.Payload) error {
		name := p.String("service")
		if name == "" {
			return nil
		}
		t.mu.Lock()
		t.statuses[name] = service.Status(p.String("status"))
		t.mu.Unlock()
		return nil
	})
	return err
}

// Status returns the last reported status for name, or the empty status when
// the service has never reported.
func (t *Tracker) Status(name string) service.Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.statuses[name]
}

// ServiceChecker builds a readiness [Checker] that fails while any of the
// named services is not RUNNING.
func ServiceChecker(t *Tracker, names ...string) Checker {
	return Checker{
		Name: "services",
		Check: func(_ context.Context) error {
			for _, name := range names {
				if st := t.Status(name); st != service.StatusRunning {
					return fmt.Errorf("service %s is %s", name, statusLabel(st))
				}
			}
			return nil
		},
	}
}

func statusLabel(st service.Status) string {
	if st == "" {
		return "not reported"
	}
	return string(st)
}
