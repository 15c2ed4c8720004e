// Package roster owns the roster-card collection: the in-memory view, its
// local-cache mirror, remote reconciliation, and the race guard that keeps
// an in-flight background pull from clobbering a newer local edit.
package roster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"palaver/client/internal/cache"
	"palaver/client/internal/events"
	"palaver/client/internal/util"
)

// Card is one roster entry. IDs are client-generated UUIDs in guest mode and
// server-assigned once a card has round-tripped while authenticated.
type Card struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Bg   string `json:"bg"`
}

var ErrEmptyName = errors.New("card name must be non-empty")

type httpClient interface {
	Request(ctx context.Context, method, path string, body any, authenticated bool) (json.RawMessage, error)
}

type sessionState interface {
	Authenticated() bool
}

type Store struct {
	api     httpClient
	cache   cache.Store
	session sessionState
	bus     *events.Bus

	mu       sync.Mutex
	cards    []Card
	hydrated bool
	// remoteIDs tracks which card ids the server has confirmed, so Save
	// knows whether to replicate a card with PUT or POST.
	remoteIDs map[string]bool

	teardown []func()
}

func NewStore(api httpClient, cacheStore cache.Store, session sessionState, bus *events.Bus) *Store {
	s := &Store{
		api:       api,
		cache:     cacheStore,
		session:   session,
		bus:       bus,
		remoteIDs: make(map[string]bool),
	}

	s.teardown = append(s.teardown,
		bus.Subscribe(events.LoggedOut, func(any) { s.handleLogout() }),
		bus.Subscribe(events.LoggedIn, func(any) { s.handleLogin() }),
		cacheStore.Watch(func(key string) { s.handleCacheChange(key) }),
	)
	return s
}

// Close removes the store's event and cache subscriptions.
func (s *Store) Close() {
	for _, fn := range s.teardown {
		fn()
	}
	s.teardown = nil
}

// Load returns the current collection, hydrating from the local cache the
// first time it is called on an empty store. Guest users get their cached
// cards with no network involved.
func (s *Store) Load(ctx context.Context) ([]Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.hydrateLocked(ctx); err != nil {
		return nil, err
	}
	return snapshot(s.cards), nil
}

// hydrateLocked fills an empty store from the local cache. Must be called
// with s.mu held.
func (s *Store) hydrateLocked(ctx context.Context) error {
	if s.hydrated || len(s.cards) != 0 {
		return nil
	}
	cards, remote, err := s.readCacheSnapshot(ctx)
	if err != nil {
		return err
	}
	s.cards = cards
	if remote != nil {
		s.remoteIDs = remote
	}
	s.hydrated = true
	return nil
}

// Save overwrites the collection. The modification stamp is written before
// the remote replication starts so that any concurrent pull — in this
// process or another one — sees the edit and discards its fetch. Remote
// failures are logged, never rolled back: remote is eventually consistent
// relative to local.
func (s *Store) Save(ctx context.Context, cards []Card) error {
	cleaned := make([]Card, len(cards))
	for i, card := range cards {
		name := strings.TrimSpace(card.Name)
		if name == "" {
			return ErrEmptyName
		}
		if card.ID == "" {
			card.ID = util.NewCardID()
		}
		card.Name = name
		cleaned[i] = card
	}

	s.mu.Lock()
	// Hydrate first so remoteIDs survives a fresh process saving without a
	// prior Load.
	if err := s.hydrateLocked(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	s.cards = cleaned
	s.hydrated = true
	if err := s.writeStamp(ctx, time.Now().UnixMilli()); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.writeCacheSnapshot(ctx, cleaned); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.bus.Publish(events.RosterChanged, nil)

	if s.session.Authenticated() {
		s.replicate(ctx, cleaned)
	}
	return nil
}

// SyncFromRemote pulls the authoritative collection. The stamp captured
// before the fetch is compared against the cache — not a field — after the
// fetch resolves, so an edit made by another tab during the flight also
// voids the result. Local edits always win this race.
func (s *Store) SyncFromRemote(ctx context.Context) error {
	if !s.session.Authenticated() {
		return nil
	}

	t0, err := s.readStamp(ctx)
	if err != nil {
		return err
	}

	payload, err := s.api.Request(ctx, http.MethodGet, "/api/v1/roster", nil, true)
	if err != nil {
		return err
	}
	var remote []Card
	if payload != nil {
		if err := json.Unmarshal(payload, &remote); err != nil {
			return fmt.Errorf("decode roster list: %w", err)
		}
	}

	t1, err := s.readStamp(ctx)
	if err != nil {
		return err
	}
	if t1 != t0 {
		// A local edit raced the fetch; the fetched payload is stale.
		return nil
	}

	s.mu.Lock()
	s.cards = snapshot(remote)
	s.hydrated = true
	s.remoteIDs = make(map[string]bool, len(remote))
	for _, card := range remote {
		s.remoteIDs[card.ID] = true
	}
	// Mirror to cache without re-stamping: a pull is not a local edit.
	err = s.writeCacheSnapshot(ctx, s.cards)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.bus.Publish(events.RosterChanged, nil)
	return nil
}

// Delete removes a card. The user-visible state reflects the deletion
// immediately and unconditionally; a failed remote delete is logged, not
// surfaced. Deleting an id that is not present is a complete no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	if err := s.hydrateLocked(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	index := -1
	for i, card := range s.cards {
		if card.ID == id {
			index = i
			break
		}
	}
	if index < 0 {
		s.mu.Unlock()
		return nil
	}
	s.cards = append(s.cards[:index:index], s.cards[index+1:]...)
	if err := s.writeStamp(ctx, time.Now().UnixMilli()); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.writeCacheSnapshot(ctx, s.cards); err != nil {
		s.mu.Unlock()
		return err
	}
	wasRemote := s.remoteIDs[id]
	delete(s.remoteIDs, id)
	s.mu.Unlock()

	s.bus.Publish(events.RosterChanged, nil)

	if s.session.Authenticated() && wasRemote {
		if _, err := s.api.Request(ctx, http.MethodDelete, "/api/v1/roster/"+id, nil, true); err != nil {
			log.Printf("roster: remote delete %s failed: %v", id, err)
		}
	}
	return nil
}

// replicate pushes a saved collection remote-side, card by card: PUT for
// cards the server already knows, POST otherwise. A POST response carries
// the server-assigned card, which replaces the local one only if no edit
// landed while the request was in flight.
func (s *Store) replicate(ctx context.Context, cards []Card) {
	t0, err := s.readStamp(ctx)
	if err != nil {
		log.Printf("roster: read stamp before replication: %v", err)
		return
	}

	for _, card := range cards {
		body := map[string]string{"name": card.Name, "bg": card.Bg}

		s.mu.Lock()
		known := s.remoteIDs[card.ID]
		s.mu.Unlock()

		if known {
			if _, err := s.api.Request(ctx, http.MethodPut, "/api/v1/roster/"+card.ID, body, true); err != nil {
				log.Printf("roster: remote update %s failed: %v", card.ID, err)
			}
			continue
		}

		payload, err := s.api.Request(ctx, http.MethodPost, "/api/v1/roster", body, true)
		if err != nil {
			log.Printf("roster: remote create %q failed: %v", card.Name, err)
			continue
		}
		var created Card
		if payload == nil || json.Unmarshal(payload, &created) != nil || created.ID == "" {
			log.Printf("roster: remote create %q returned no id", card.Name)
			continue
		}

		s.adoptServerCard(ctx, t0, card.ID, created)
	}
}

// adoptServerCard swaps a client-generated id for the server-assigned card,
// guarded by the same stamp comparison as the pull path.
func (s *Store) adoptServerCard(ctx context.Context, t0 int64, localID string, created Card) {
	t1, err := s.readStamp(ctx)
	if err != nil || t1 != t0 {
		return
	}

	s.mu.Lock()
	for i, card := range s.cards {
		if card.ID == localID {
			s.cards[i] = created
			break
		}
	}
	s.remoteIDs[created.ID] = true
	err = s.writeCacheSnapshot(ctx, s.cards)
	s.mu.Unlock()
	if err != nil {
		log.Printf("roster: mirror adopted card: %v", err)
		return
	}
	s.bus.Publish(events.RosterChanged, nil)
}

func (s *Store) handleLogout() {
	ctx := context.Background()
	s.mu.Lock()
	s.cards = nil
	s.hydrated = true
	s.remoteIDs = make(map[string]bool)
	_ = s.cache.Delete(ctx, cache.KeyRoster)
	_ = s.cache.Delete(ctx, cache.KeyRosterStamp)
	s.mu.Unlock()
	s.bus.Publish(events.RosterChanged, nil)
}

func (s *Store) handleLogin() {
	if err := s.SyncFromRemote(context.Background()); err != nil {
		log.Printf("roster: sync after login failed: %v", err)
	}
}

// handleCacheChange reacts to writes made by other processes: drop the
// in-memory copy so the next Load re-hydrates, and nudge renderers. No
// write-back — only the tab that made the edit talks to the server.
func (s *Store) handleCacheChange(key string) {
	if key != cache.KeyRoster {
		return
	}
	s.mu.Lock()
	s.cards = nil
	s.hydrated = false
	s.mu.Unlock()
	s.bus.Publish(events.RosterChanged, nil)
}

// cachedCard is the serialized form of a card. Remote marks ids the server
// has confirmed, so a fresh process still replicates with PUT and deletes
// remotely after hydrating from the cache.
type cachedCard struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Bg     string `json:"bg"`
	Remote bool   `json:"remote,omitempty"`
}

func (s *Store) readCacheSnapshot(ctx context.Context) ([]Card, map[string]bool, error) {
	value, ok, err := s.cache.Get(ctx, cache.KeyRoster)
	if err != nil {
		return nil, nil, fmt.Errorf("read roster cache: %w", err)
	}
	if !ok || value == "" {
		return nil, nil, nil
	}
	var records []cachedCard
	if err := json.Unmarshal([]byte(value), &records); err != nil {
		return nil, nil, nil
	}
	cards := make([]Card, len(records))
	remote := make(map[string]bool)
	for i, record := range records {
		cards[i] = Card{ID: record.ID, Name: record.Name, Bg: record.Bg}
		if record.Remote {
			remote[record.ID] = true
		}
	}
	return cards, remote, nil
}

// writeCacheSnapshot must be called with s.mu held: it reads remoteIDs.
func (s *Store) writeCacheSnapshot(ctx context.Context, cards []Card) error {
	records := make([]cachedCard, len(cards))
	for i, card := range cards {
		records[i] = cachedCard{ID: card.ID, Name: card.Name, Bg: card.Bg, Remote: s.remoteIDs[card.ID]}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode roster cache: %w", err)
	}
	if err := s.cache.Set(ctx, cache.KeyRoster, string(data)); err != nil {
		return fmt.Errorf("write roster cache: %w", err)
	}
	return nil
}

func (s *Store) readStamp(ctx context.Context) (int64, error) {
	value, ok, err := s.cache.Get(ctx, cache.KeyRosterStamp)
	if err != nil {
		return 0, fmt.Errorf("read roster stamp: %w", err)
	}
	if !ok {
		return 0, nil
	}
	stamp, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, nil
	}
	return stamp, nil
}

func (s *Store) writeStamp(ctx context.Context, stamp int64) error {
	if err := s.cache.Set(ctx, cache.KeyRosterStamp, strconv.FormatInt(stamp, 10)); err != nil {
		return fmt.Errorf("write roster stamp: %w", err)
	}
	return nil
}

func snapshot(cards []Card) []Card {
	out := make([]Card, len(cards))
	copy(out, cards)
	return out
}
