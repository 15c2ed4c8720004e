// Package events provides the process-wide publish/subscribe channel that
// decouples the stores from renderers and from each other.
package events

import "sync"

// Kind identifies a named event. The set is closed; renderers and stores
// switch on it rather than on string names.
type Kind int

const (
	AuthChanged Kind = iota
	LoggedIn
	LoggedOut
	RosterChanged
	ThreadSelected
	ThreadCleared
)

func (k Kind) String() string {
	switch k {
	case AuthChanged:
		return "auth-changed"
	case LoggedIn:
		return "logged-in"
	case LoggedOut:
		return "logged-out"
	case RosterChanged:
		return "roster-changed"
	case ThreadSelected:
		return "thread-selected"
	case ThreadCleared:
		return "thread-cleared"
	}
	return "unknown"
}

// Handler receives the optional detail payload published with an event.
type Handler func(detail any)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus delivers events synchronously to all registered handlers in
// registration order, then returns. Publishing from inside a handler is
// allowed; the nested publish completes before the outer one resumes.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[Kind][]subscription
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Kind][]subscription)}
}

// Subscribe registers a handler for one event kind and returns a function
// that removes it. The returned function is safe to call more than once.
func (b *Bus) Subscribe(kind Kind, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[kind]
		for i, sub := range list {
			if sub.id == id {
				b.subs[kind] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish invokes every handler registered for kind, in registration order.
// The handler list is snapshotted first so that handlers may subscribe or
// unsubscribe without corrupting the delivery in progress.
func (b *Bus) Publish(kind Kind, detail any) {
	b.mu.Lock()
	list := make([]subscription, len(b.subs[kind]))
	copy(list, b.subs[kind])
	b.mu.Unlock()

	for _, sub := range list {
		sub.handler(detail)
	}
}
