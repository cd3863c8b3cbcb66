// README: Domain events emitted after a unit of work commits. Publishing never
// participates in the commit; failures are logged and dropped.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ambudispatch/internal/types"
)

type Type string

const (
	RequestSubmitted    Type = "request.submitted"
	RequestAccepted     Type = "request.accepted"
	RequestRejected     Type = "request.rejected"
	RequestCancelled    Type = "request.cancelled"
	TripStarted         Type = "trip.started"
	TripCompleted       Type = "trip.completed"
	AvailabilityChanged Type = "availability.changed"
)

type Event struct {
	Type       Type              `json:"type"`
	RequestID  types.ID          `json:"request_id,omitempty"`
	TripID     types.ID          `json:"trip_id,omitempty"`
	VehicleID  types.ID          `json:"vehicle_id,omitempty"`
	ActorID    types.ID          `json:"actor_id,omitempty"`
	Attrs      map[string]string `json:"attrs,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Emit publishes each event in order, logging failures.
func Emit(ctx context.Context, p Publisher, log logrus.FieldLogger, evts ...Event) {
	if p == nil {
		return
	}
	for _, e := range evts {
		if err := p.Publish(ctx, e); err != nil {
			log.WithError(err).WithField("event", string(e.Type)).Warn("publish event failed")
		}
	}
}

type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types lists recorded event types in publish order.
func (r *Recorder) Types() []Type {
	evts := r.Events()
	out := make([]Type, len(evts))
	for i, e := range evts {
		out[i] = e.Type
	}
	return out
}
