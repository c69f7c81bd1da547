// Event dispatch engine.
//
// Two disciplines exist. Pipeline chains thread a payload through every
// handler, each handler free to replace it; Broadcast chains run handlers
// for side effects only. Both preserve registration order exactly, with no
// deduplication and no priorities. Read-side pipeline chains execute in reverse
// registration order so that layered transforms invert symmetrically: if
// write produces L1(L0(data)), read computes L0⁻¹(L1⁻¹(data)).
//
// Chains are built at configuration time and must not be mutated while a
// dispatch on the same chain is in flight.
package vellum

import "reflect"

// Event identifies a named extension point fired around a storage or table
// operation.
type Event string

// Storage-level events. The write/read pairs use the pipeline discipline;
// close uses broadcast.
const (
	EventWritePre  Event = "write.pre"  // document payload, before serialization
	EventWritePost Event = "write.post" // byte payload, after serialization
	EventReadPre   Event = "read.pre"   // byte payload, before deserialization
	EventReadPost  Event = "read.post"  // document payload, after deserialization
	EventClose     Event = "close"
)

// Table-level events, all broadcast discipline.
const (
	EventCreate   Event = "create"
	EventRead     Event = "read"
	EventUpdate   Event = "update"
	EventDelete   Event = "delete"
	EventTruncate Event = "truncate"
)

// PipelineFunc transforms a payload within a pipeline chain. Returning the
// zero value (nil for slices and maps) means "unchanged": the incoming
// payload passes to the next handler untouched. An error aborts the chain;
// side effects of earlier handlers are not rolled back.
type PipelineFunc[T any] func(event Event, source any, payload T) (T, error)

// BroadcastFunc observes an event for side effects. An error aborts the
// remaining handlers in the chain and propagates to the caller of Fire.
type BroadcastFunc func(event Event, source any, payload any) error

// Pipeline is an ordered handler chain that threads a payload of type T.
type Pipeline[T any] struct {
	event    Event
	reverse  bool
	limit    int
	handlers []PipelineFunc[T]
}

func newPipeline[T any](event Event, reverse bool) *Pipeline[T] {
	return &Pipeline[T]{event: event, reverse: reverse}
}

// Register appends a handler to the chain.
func (p *Pipeline[T]) Register(fn PipelineFunc[T]) error {
	if p.limit > 0 && len(p.handlers) >= p.limit {
		return ErrChainLimit
	}
	p.handlers = append(p.handlers, fn)
	return nil
}

// SetLimit caps the number of handlers the chain accepts. Zero means
// unlimited.
func (p *Pipeline[T]) SetLimit(n int) { p.limit = n }

// Len reports the number of registered handlers.
func (p *Pipeline[T]) Len() int { return len(p.handlers) }

// Fire runs the chain, feeding each handler's output to the next. Chains
// constructed for read-side events iterate in reverse registration order.
func (p *Pipeline[T]) Fire(source any, payload T) (T, error) {
	n := len(p.handlers)
	for i := range p.handlers {
		fn := p.handlers[i]
		if p.reverse {
			fn = p.handlers[n-1-i]
		}
		out, err := fn(p.event, source, payload)
		if err != nil {
			return payload, err
		}
		if !unset(out) {
			payload = out
		}
	}
	return payload, nil
}

// Broadcast is an ordered handler chain run for side effects only.
type Broadcast struct {
	event    Event
	limit    int
	handlers []BroadcastFunc
}

func newBroadcast(event Event) *Broadcast {
	return &Broadcast{event: event}
}

// Register appends a handler to the chain.
func (b *Broadcast) Register(fn BroadcastFunc) error {
	if b.limit > 0 && len(b.handlers) >= b.limit {
		return ErrChainLimit
	}
	b.handlers = append(b.handlers, fn)
	return nil
}

// SetLimit caps the number of handlers the chain accepts. Zero means
// unlimited.
func (b *Broadcast) SetLimit(n int) { b.limit = n }

// Len reports the number of registered handlers.
func (b *Broadcast) Len() int { return len(b.handlers) }

// Fire runs every handler in registration order. The first error aborts the
// remainder of the chain.
func (b *Broadcast) Fire(source any, payload any) error {
	for _, fn := range b.handlers {
		if err := fn(b.event, source, payload); err != nil {
			return err
		}
	}
	return nil
}

// unset reports whether a pipeline return value is the "unchanged" sentinel.
// Only nillable kinds can signal unchanged; any other value counts as a
// replacement.
func unset[T any](v T) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Invalid:
		return true
	case reflect.Slice, reflect.Map, reflect.Pointer, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
