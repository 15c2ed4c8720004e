// Package app wires the client together: cache backend selection, session,
// HTTP client, and both stores, constructed once at startup and torn down in
// reverse. Process-wide state lives here as an explicitly owned instance
// rather than package globals.
package app

import (
	"fmt"
	"log"

	"palaver/client/internal/api"
	"palaver/client/internal/auth"
	"palaver/client/internal/cache"
	"palaver/client/internal/config"
	"palaver/client/internal/events"
	"palaver/client/internal/menu"
	"palaver/client/internal/roster"
	"palaver/client/internal/threads"
	"palaver/client/internal/util"
)

type App struct {
	Config  config.Config
	Bus     *events.Bus
	Cache   cache.Store
	Session *auth.Session
	API     *api.Client
	Roster  *roster.Store
	Threads *threads.Store
	Menu    *menu.Controller

	teardown []func()
}

// New builds the container. With a Redis URL configured the cache is shared
// with other client processes on this machine; otherwise it is a file under
// the state dir.
func New(cfg config.Config) (*App, error) {
	bus := events.NewBus()

	var cacheStore cache.Store
	if cfg.RedisURL != "" {
		redisStore, err := cache.NewRedisStore(cfg.RedisURL, util.NewOriginID())
		if err != nil {
			return nil, fmt.Errorf("redis cache: %w", err)
		}
		cacheStore = redisStore
	} else {
		fileStore, err := cache.NewFileStore(cfg.StateDir)
		if err != nil {
			return nil, fmt.Errorf("file cache: %w", err)
		}
		cacheStore = fileStore
	}

	session := auth.NewSession(cacheStore, bus)
	client := api.NewClient(cfg.APIBaseURL, cfg.HTTPTimeout, session)

	a := &App{
		Config:  cfg,
		Bus:     bus,
		Cache:   cacheStore,
		Session: session,
		API:     client,
		Roster:  roster.NewStore(client, cacheStore, session, bus),
		Threads: threads.NewStore(client, cacheStore, session, bus),
		Menu:    &menu.Controller{},
	}

	// Another tab logging in or out is an auth change here too.
	a.teardown = append(a.teardown, cacheStore.Watch(func(key string) {
		if key == cache.KeyToken {
			bus.Publish(events.AuthChanged, nil)
		}
	}))

	return a, nil
}

func (a *App) Close() {
	a.Menu.Close()
	a.Threads.Close()
	a.Roster.Close()
	for _, fn := range a.teardown {
		fn()
	}
	if err := a.Cache.Close(); err != nil {
		log.Printf("close cache: %v", err)
	}
}
