// Package session implements the per-connection RakNet/Bedrock pipeline:
// the reliability layer's interaction with the session state machine and
// the dual key-agreement that lets the proxy transparently decrypt and
// re-encrypt the application stream.
package session

import "context"

// Hook is one of the event bus's pre-dispatch interception points.
type Hook string

const (
	HookDataIn     Hook = "data-in"
	HookDataOut    Hook = "data-out"
	HookBedrockIn  Hook = "bedrock-in"
	HookBedrockOut Hook = "bedrock-out"
	HookState      Hook = "state"
)

// Event carries a hook's arguments through its subscriber chain. A
// subscriber may replace Args in place; it signals drop by returning
// cancel=true.
type Event struct {
	Hook    Hook
	Session *Session
	Args    []interface{}
}

// Subscriber observes or intercepts an Event. Returning cancel=true drops
// the event for every downstream stage; returning err aborts emission
// with that error.
type Subscriber func(ctx context.Context, ev *Event) (cancel bool, err error)

// Bus is the session's event bus: a fixed set of hooks, each with its own
// ordered subscriber list.
type Bus struct {
	subs map[Hook][]Subscriber
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Hook][]Subscriber)}
}

// On registers sub on hook, appended after any existing subscribers.
func (b *Bus) On(hook Hook, sub Subscriber) {
	b.subs[hook] = append(b.subs[hook], sub)
}

// Emit awaits each subscriber of ev.Hook in registration order, passing
// ev.Args through untouched unless a subscriber mutates it in place.
// cancelled reports whether a subscriber cancelled the event; err is the
// first subscriber error, which also short-circuits remaining
// subscribers.
func (b *Bus) Emit(ctx context.Context, ev *Event) (cancelled bool, err error) {
	for _, sub := range b.subs[ev.Hook] {
		cancel, err := sub(ctx, ev)
		if err != nil {
			return false, err
		}
		if cancel {
			return true, nil
		}
	}
	return false, nil
}
