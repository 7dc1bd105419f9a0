package progress

import (
	"context"
	"fmt"
)

// eventBuffer bounds the bridge channel; a slow consumer drops engine-level
// updates rather than stalling the engine callback.
const eventBuffer = 64

// Sink is handed to a bridged operation so it can report progress from
// whatever thread the engine invokes its callback on. Safe for use from a
// single callback goroutine.
type Sink struct {
	stage   string
	message string
	events  chan<- Event
	details map[string]any
}

// Report converts cumulative (current, total) callback data into a percentage
// event. When total is not positive the update carries no percentage.
func (s *Sink) Report(current, total int64) {
	details := s.cloneDetails()
	details[DetailCurrent] = current
	details[DetailTotal] = total
	if total > 0 {
		pct := float64(current) / float64(total) * 100
		s.push(NewPercentEvent(s.stage, s.message, pct, details))
		return
	}
	s.push(NewEvent(s.stage, s.message, details))
}

// Milestone reports a named step with no quantifiable progress
func (s *Sink) Milestone(message string) {
	s.push(NewEvent(s.stage, message, s.cloneDetails()))
}

func (s *Sink) cloneDetails() map[string]any {
	details := make(map[string]any, len(s.details)+2)
	for k, v := range s.details {
		details[k] = v
	}
	return details
}

// push never blocks the callback; events beyond the buffer are dropped
func (s *Sink) push(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

// Stream is the consumer side of a bridged operation. Events() is closed when
// the operation returns, which is the completion signal; Wait() then yields
// the operation result.
type Stream struct {
	events chan Event
	done   chan struct{}
	result []byte
	err    error
}

// Events returns the event channel. The channel is closed once the operation
// has finished, after any terminal error event has been delivered.
func (st *Stream) Events() <-chan Event {
	return st.events
}

// Wait blocks until the operation has finished and returns its result.
// Callers normally drain Events() first; Wait alone will not consume them.
func (st *Stream) Wait() ([]byte, error) {
	<-st.done
	return st.result, st.err
}

// Run executes op on its own goroutine and bridges its callback-driven
// progress into a pulled event stream. Exactly one goroutine is spawned per
// call and it always terminates when op returns. An op failure is first
// surfaced as a terminal error event and then returned from Wait so the
// caller can abort.
func Run(ctx context.Context, stage, message string, details map[string]any, op func(context.Context, *Sink) ([]byte, error)) *Stream {
	st := &Stream{
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
	sink := &Sink{
		stage:   stage,
		message: message,
		events:  st.events,
		details: details,
	}
	go func() {
		defer close(st.done)
		defer close(st.events)
		result, err := runGuarded(ctx, sink, op)
		if err != nil {
			errDetails := sink.cloneDetails()
			errDetails[DetailError] = err.Error()
			// terminal event goes out before the channel closes; this send
			// may block until the consumer picks it up, never silently drop
			st.events <- NewEvent(StageError, fmt.Sprintf("%s failed: %v", stage, err), errDetails)
		}
		st.result = result
		st.err = err
	}()
	return st
}

// runGuarded keeps a panicking engine from killing the process; the panic is
// folded into the stream error
func runGuarded(ctx context.Context, sink *Sink, op func(context.Context, *Sink) ([]byte, error)) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return op(ctx, sink)
}
