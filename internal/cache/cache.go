// Package cache provides the persistent local cache shared by every client
// process on the machine. It is the Go analogue of browser local storage:
// guest state lives here, and the roster modification stamp stored here is
// what the race guard in the roster store compares against.
package cache

import "context"

// Well-known keys. Every backend stores plain strings; callers own the
// encoding.
const (
	KeyToken        = "auth_token"
	KeyActiveThread = "active_thread"
	KeyRoster       = "roster_cards"
	KeyRosterStamp  = "roster_modified"
)

// Store is the cache backend. Watch registers a callback for changes made by
// OTHER processes sharing the cache; a process never hears its own writes.
// Watched changes are a re-render signal only — reacting with a write-back
// would make every tab echo every other tab.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Watch(fn func(key string)) (remove func())
	Close() error
}
