package querykit

import "context"

// Event names a model lifecycle point. Handlers registered for an event run
// in registration order when the session executes the corresponding
// operation during flush.
type Event string

const (
	BeforeInsert Event = "before_insert"
	AfterInsert  Event = "after_insert"
	BeforeUpdate Event = "before_update"
	AfterUpdate  Event = "after_update"
	BeforeDelete Event = "before_delete"
	AfterDelete  Event = "after_delete"
)

// Handler observes or mutates a model instance at a lifecycle point. A
// non-nil error aborts the flush.
type Handler func(ctx context.Context, model any) error

func (s *Schema) dispatch(ctx context.Context, event Event, model any) error {
	for _, h := range s.events[event] {
		if err := h(ctx, model); err != nil {
			return err
		}
	}
	return nil
}

// Handlers returns the registered handlers for event, in dispatch order.
func (s *Schema) Handlers(event Event) []Handler {
	out := make([]Handler, len(s.events[event]))
	copy(out, s.events[event])
	return out
}
