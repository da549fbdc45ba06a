package testsupport

import (
	"context"
	"sync"

	"github.com/parisxmas/oxiwarehouse/internal/notify"
)

// Recorder is a notify.Notifier that keeps every event it receives.
type Recorder struct {
	mu     sync.Mutex
	events []notify.Event
	Err    error
}

func (r *Recorder) Notify(ctx context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.Err
}

func (r *Recorder) Events() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the kind of every recorded event in order.
func (r *Recorder) Kinds() []notify.Kind {
	events := r.Events()
	out := make([]notify.Kind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}
