package voice

import (
	"log/slog"
	"runtime/debug"
)

// EventKind identifies a pipeline lifecycle event.
type EventKind int

const (
	// EventPlay fires once, when the first chunk of decoded audio has been
	// produced — the whole fetch→transcode→transport chain is live.
	EventPlay EventKind = iota

	// EventUpdate fires on a ~100ms cadence while streaming, carrying the
	// previous and current elapsed playback seconds.
	EventUpdate

	// EventStop fires exactly once on any termination path.
	EventStop
)

// String returns the event kind's name.
func (k EventKind) String() string {
	switch k {
	case EventPlay:
		return "play"
	case EventUpdate:
		return "update"
	case EventStop:
		return "stop"
	}
	return "unknown"
}

// Event is delivered to registered handlers. Prev and Cur are only
// meaningful for [EventUpdate].
type Event struct {
	Kind EventKind
	Prev float64
	Cur  float64
}

// handler is one (kind, fn) registration. Dispatch preserves registration
// order across kinds.
type handler struct {
	kind EventKind
	fn   func(Event)
}

// On registers fn for events of the given kind. Returns false if the
// pipeline has already stopped; such handlers would never run and are
// dropped, which is what enforces the no-late-delivery guarantee.
func (p *Pipeline) On(kind EventKind, fn func(Event)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateStopped || p.state == StateStopping {
		return false
	}
	p.handlers = append(p.handlers, handler{kind: kind, fn: fn})
	return true
}

// fire dispatches ev synchronously to all matching handlers in registration
// order. A panicking handler is logged and does not prevent the remaining
// handlers from running. No events are delivered once the handler list has
// been discarded by Stop.
func (p *Pipeline) fire(ev Event) {
	p.mu.Lock()
	snapshot := make([]handler, len(p.handlers))
	copy(snapshot, p.handlers)
	p.mu.Unlock()

	dispatch(ev, snapshot)
}

// dispatch runs ev through the given handler snapshot with per-handler
// panic isolation.
func dispatch(ev Event, handlers []handler) {
	for _, h := range handlers {
		if h.kind != ev.Kind {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("voice: event handler panicked",
						"event", ev.Kind.String(),
						"panic", r,
						"stack", string(debug.Stack()),
					)
				}
			}()
			h.fn(ev)
		}()
	}
}
