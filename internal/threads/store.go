// Package threads owns the chat-thread collection: list loading, the fused
// create-then-send message flow with its optimistic placeholder, selection,
// rename and delete. The collection is kept deduplicated by id and ordered
// most-recently-updated first.
package threads

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"palaver/client/internal/api"
	"palaver/client/internal/cache"
	"palaver/client/internal/events"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is immutable once appended; ordering is append order.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Thread is one conversation. Provisional threads carry a negative synthetic
// id and exist only between the user's action and the server's ack; they are
// replaced, never merged, when the authoritative entry arrives.
type Thread struct {
	ID           int64
	Title        string
	Messages     []Message
	CreatedAt    time.Time
	UpdatedAt    time.Time
	RosterCardID string
	Provisional  bool
}

const defaultTitle = "New chat"

var (
	ErrEmptyMessage = errors.New("message must be non-empty")
	ErrEmptyTitle   = errors.New("title must be non-empty")
	ErrGuestOnly    = errors.New("operation requires an authenticated session")
)

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

	mu              sync.Mutex
	threads         []Thread
	selectedID      int64
	loading         bool
	nextProvisional int64

	teardown []func()
}

func NewStore(apiClient httpClient, cacheStore cache.Store, session sessionState, bus *events.Bus) *Store {
	s := &Store{
		api:     apiClient,
		cache:   cacheStore,
		session: session,
		bus:     bus,
	}
	s.teardown = append(s.teardown,
		bus.Subscribe(events.LoggedOut, func(any) { s.handleLogout() }),
		bus.Subscribe(events.LoggedIn, func(any) { s.handleLogin() }),
	)
	return s
}

func (s *Store) Close() {
	for _, fn := range s.teardown {
		fn()
	}
	s.teardown = nil
}

// Threads returns a stable snapshot of the collection. A caller between two
// suspension points always sees a fully applied list.
func (s *Store) Threads() []Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Thread, len(s.threads))
	copy(out, s.threads)
	return out
}

// SelectedID returns the active thread id, or 0 when none is selected.
func (s *Store) SelectedID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedID
}

// LoadThreads fetches the authoritative list and replaces the collection
// atomically: deduplicated by id, missing fields defaulted, sorted by
// updated_at descending with ties keeping their arrival order. A reload
// already in flight makes this call a no-op. Guests keep their in-memory
// list untouched.
func (s *Store) LoadThreads(ctx context.Context) error {
	s.mu.Lock()
	if s.loading {
		s.mu.Unlock()
		return nil
	}
	s.loading = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.loading = false
		s.mu.Unlock()
	}()

	if !s.session.Authenticated() {
		s.restoreSelection(ctx)
		return nil
	}

	payload, err := s.api.Request(ctx, http.MethodGet, "/api/v1/chat", nil, true)
	if err != nil {
		return err
	}
	var raw []threadPayload
	if payload != nil {
		if err := json.Unmarshal(payload, &raw); err != nil {
			return &api.InvalidResponseError{Reason: "decode thread list: " + err.Error()}
		}
	}

	seen := make(map[int64]bool, len(raw))
	fetched := make([]Thread, 0, len(raw))
	for _, item := range raw {
		thread, ok := item.normalize()
		if !ok || seen[thread.ID] {
			continue
		}
		seen[thread.ID] = true
		fetched = append(fetched, thread)
	}
	sort.SliceStable(fetched, func(i, j int) bool {
		return fetched[i].UpdatedAt.After(fetched[j].UpdatedAt)
	})

	s.mu.Lock()
	// Placeholders for in-flight sends are not on the server yet; they stay
	// at the head until their send resolves.
	var next []Thread
	for _, thread := range s.threads {
		if thread.Provisional {
			next = append(next, thread)
		}
	}
	s.threads = append(next, fetched...)
	s.mu.Unlock()

	s.restoreSelection(ctx)
	return nil
}

// CreateThread creates an empty thread remotely and inserts it at the head.
func (s *Store) CreateThread(ctx context.Context) (Thread, error) {
	if !s.session.Authenticated() {
		return Thread{}, ErrGuestOnly
	}

	payload, err := s.api.Request(ctx, http.MethodPost, "/api/v1/chat", nil, true)
	if err != nil {
		return Thread{}, err
	}
	var raw threadPayload
	if payload == nil || json.Unmarshal(payload, &raw) != nil {
		return Thread{}, &api.InvalidResponseError{Reason: "create thread: unreadable payload"}
	}
	thread, ok := raw.normalize()
	if !ok {
		return Thread{}, &api.InvalidResponseError{Reason: "create thread: response missing numeric id"}
	}

	s.mu.Lock()
	s.upsertHeadLocked(thread)
	s.mu.Unlock()
	return thread, nil
}

// SendMessage delivers text to a thread; threadID 0 means no thread exists
// yet, in which case creation and first-message delivery happen as a single
// server-observable action. A provisional placeholder is visible from before
// the network call until the authoritative entry replaces it (success) or
// the failure removes it.
func (s *Store) SendMessage(ctx context.Context, threadID int64, text string) (string, Thread, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", Thread{}, ErrEmptyMessage
	}

	var placeholderID int64
	if threadID == 0 {
		placeholderID = s.insertPlaceholder(text)
	} else {
		s.appendOptimistic(threadID, Message{Role: RoleUser, Content: text})
	}

	body := map[string]any{"message": text}
	if threadID != 0 {
		body["chat_id"] = threadID
	}
	payload, err := s.api.Request(ctx, http.MethodPost, "/api/v1/chat/message", body, true)
	if err != nil {
		s.rollbackSend(threadID, placeholderID)
		return "", Thread{}, err
	}

	var reply struct {
		Response string          `json:"response"`
		ThreadID json.RawMessage `json:"thread_id"`
	}
	if payload == nil || json.Unmarshal(payload, &reply) != nil {
		s.rollbackSend(threadID, placeholderID)
		return "", Thread{}, &api.InvalidResponseError{Reason: "send message: unreadable payload"}
	}
	confirmedID, ok := numericID(reply.ThreadID)
	if !ok {
		s.rollbackSend(threadID, placeholderID)
		return "", Thread{}, &api.InvalidResponseError{Reason: "send message: response missing thread_id"}
	}

	now := time.Now()
	s.mu.Lock()
	var confirmed Thread
	if threadID == 0 {
		// Replace, never merge: only the display title survives from the
		// placeholder.
		title := defaultTitle
		if i := s.indexLocked(placeholderID); i >= 0 {
			title = s.threads[i].Title
			s.removeLocked(placeholderID)
		}
		confirmed = Thread{
			ID:        confirmedID,
			Title:     title,
			Messages:  []Message{{Role: RoleUser, Content: text}, {Role: RoleAssistant, Content: reply.Response}},
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.upsertHeadLocked(confirmed)
	} else {
		if i := s.indexLocked(confirmedID); i >= 0 {
			s.threads[i].Messages = append(s.threads[i].Messages, Message{Role: RoleAssistant, Content: reply.Response})
			s.threads[i].UpdatedAt = now
			confirmed = s.threads[i]
			s.moveToHeadLocked(i)
		} else {
			confirmed = Thread{
				ID:        confirmedID,
				Title:     defaultTitle,
				Messages:  []Message{{Role: RoleUser, Content: text}, {Role: RoleAssistant, Content: reply.Response}},
				CreatedAt: now,
				UpdatedAt: now,
			}
			s.upsertHeadLocked(confirmed)
		}
	}
	s.mu.Unlock()

	s.SelectThread(ctx, confirmedID)
	return reply.Response, confirmed, nil
}

// SelectThread records the active thread and persists it so a later reload
// restores the selection. Selecting 0 clears it.
func (s *Store) SelectThread(ctx context.Context, id int64) {
	s.mu.Lock()
	s.selectedID = id
	s.mu.Unlock()

	if id == 0 {
		if err := s.cache.Delete(ctx, cache.KeyActiveThread); err != nil {
			log.Printf("threads: clear active thread: %v", err)
		}
		s.bus.Publish(events.ThreadCleared, nil)
		return
	}
	if err := s.cache.Set(ctx, cache.KeyActiveThread, strconv.FormatInt(id, 10)); err != nil {
		log.Printf("threads: persist active thread: %v", err)
	}
	s.bus.Publish(events.ThreadSelected, id)
}

// DeleteThread removes a thread remotely, then locally. Local removal waits
// for the server so a failed delete leaves the thread in place.
func (s *Store) DeleteThread(ctx context.Context, id int64) error {
	if !s.session.Authenticated() {
		return ErrGuestOnly
	}
	if _, err := s.api.Request(ctx, http.MethodDelete, "/api/v1/chat/"+strconv.FormatInt(id, 10), nil, true); err != nil {
		return err
	}

	s.mu.Lock()
	s.removeLocked(id)
	wasSelected := s.selectedID == id
	s.mu.Unlock()

	if wasSelected {
		s.SelectThread(ctx, 0)
	}
	return nil
}

// Rename updates a thread's title. Ordering is untouched: a rename is not a
// conversational update.
func (s *Store) Rename(ctx context.Context, id int64, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyTitle
	}
	if !s.session.Authenticated() {
		return ErrGuestOnly
	}

	if _, err := s.api.Request(ctx, http.MethodPut, "/api/v1/chat/"+strconv.FormatInt(id, 10), map[string]string{"title": title}, true); err != nil {
		return err
	}

	s.mu.Lock()
	if i := s.indexLocked(id); i >= 0 {
		s.threads[i].Title = title
	}
	s.mu.Unlock()
	return nil
}

// Messages fetches a thread's full message history and caches it on the
// local entry.
func (s *Store) Messages(ctx context.Context, id int64) ([]Message, error) {
	if !s.session.Authenticated() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if i := s.indexLocked(id); i >= 0 {
			return append([]Message(nil), s.threads[i].Messages...), nil
		}
		return nil, nil
	}

	payload, err := s.api.Request(ctx, http.MethodGet, "/api/v1/chat/"+strconv.FormatInt(id, 10), nil, true)
	if err != nil {
		return nil, err
	}
	var raw threadPayload
	if payload == nil || json.Unmarshal(payload, &raw) != nil {
		return nil, &api.InvalidResponseError{Reason: "get thread: unreadable payload"}
	}

	messages := make([]Message, 0, len(raw.Messages))
	for _, m := range raw.Messages {
		messages = append(messages, Message{Role: Role(m.Role), Content: m.Content})
	}

	s.mu.Lock()
	if i := s.indexLocked(id); i >= 0 {
		s.threads[i].Messages = append([]Message(nil), messages...)
	}
	s.mu.Unlock()
	return messages, nil
}

func (s *Store) insertPlaceholder(text string) int64 {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextProvisional--
	placeholder := Thread{
		ID:          s.nextProvisional,
		Title:       titleFromText(text),
		Messages:    []Message{{Role: RoleUser, Content: text}},
		CreatedAt:   now,
		UpdatedAt:   now,
		Provisional: true,
	}
	s.threads = append([]Thread{placeholder}, s.threads...)
	return placeholder.ID
}

func (s *Store) appendOptimistic(id int64, message Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		s.threads[i].Messages = append(s.threads[i].Messages, message)
	}
}

// rollbackSend undoes the optimistic mutation after a failed send: the
// placeholder goes straight from provisional to gone, or the speculative
// user message is popped off the existing thread.
func (s *Store) rollbackSend(threadID, placeholderID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if threadID == 0 {
		s.removeLocked(placeholderID)
		return
	}
	if i := s.indexLocked(threadID); i >= 0 {
		if n := len(s.threads[i].Messages); n > 0 && s.threads[i].Messages[n-1].Role == RoleUser {
			s.threads[i].Messages = s.threads[i].Messages[:n-1]
		}
	}
}

func (s *Store) restoreSelection(ctx context.Context) {
	value, ok, err := s.cache.Get(ctx, cache.KeyActiveThread)
	if err != nil || !ok {
		return
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return
	}
	s.mu.Lock()
	restored := s.indexLocked(id) >= 0 && s.selectedID != id
	if restored {
		s.selectedID = id
	}
	s.mu.Unlock()
	// Renderers learn about the restored selection the same way they learn
	// about an explicit one.
	if restored {
		s.bus.Publish(events.ThreadSelected, id)
	}
}

func (s *Store) handleLogout() {
	ctx := context.Background()
	s.mu.Lock()
	s.threads = nil
	s.selectedID = 0
	s.mu.Unlock()
	if err := s.cache.Delete(ctx, cache.KeyActiveThread); err != nil {
		log.Printf("threads: clear active thread: %v", err)
	}
	s.bus.Publish(events.ThreadCleared, nil)
}

func (s *Store) handleLogin() {
	if err := s.LoadThreads(context.Background()); err != nil {
		log.Printf("threads: reload after login failed: %v", err)
	}
}

func (s *Store) indexLocked(id int64) int {
	for i, thread := range s.threads {
		if thread.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) removeLocked(id int64) {
	if i := s.indexLocked(id); i >= 0 {
		s.threads = append(s.threads[:i:i], s.threads[i+1:]...)
	}
}

// upsertHeadLocked inserts at the head, replacing any existing entry with
// the same id so the collection never holds duplicates.
func (s *Store) upsertHeadLocked(thread Thread) {
	s.removeLocked(thread.ID)
	s.threads = append([]Thread{thread}, s.threads...)
}

func (s *Store) moveToHeadLocked(i int) {
	thread := s.threads[i]
	s.threads = append(s.threads[:i:i], s.threads[i+1:]...)
	s.threads = append([]Thread{thread}, s.threads...)
}

func titleFromText(text string) string {
	runes := []rune(text)
	if len(runes) <= 40 {
		return text
	}
	return string(runes[:40]) + "…"
}

// threadPayload tolerates the backend's field variations: id or chat_id,
// nullable title, string timestamps.
type threadPayload struct {
	ID           json.RawMessage  `json:"id"`
	ChatID       json.RawMessage  `json:"chat_id"`
	Title        *string          `json:"title"`
	CreatedAt    string           `json:"created_at"`
	UpdatedAt    string           `json:"updated_at"`
	RosterCardID *string          `json:"roster_card_id"`
	Messages     []messagePayload `json:"messages"`
}

type messagePayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (p threadPayload) normalize() (Thread, bool) {
	id, ok := numericID(p.ID)
	if !ok {
		id, ok = numericID(p.ChatID)
	}
	if !ok {
		return Thread{}, false
	}

	title := defaultTitle
	if p.Title != nil && strings.TrimSpace(*p.Title) != "" {
		title = *p.Title
	}
	thread := Thread{
		ID:        id,
		Title:     title,
		CreatedAt: parseTime(p.CreatedAt),
		UpdatedAt: parseTime(p.UpdatedAt),
	}
	if p.RosterCardID != nil {
		thread.RosterCardID = *p.RosterCardID
	}
	for _, m := range p.Messages {
		thread.Messages = append(thread.Messages, Message{Role: Role(m.Role), Content: m.Content})
	}
	return thread, true
}

// numericID accepts a JSON number or a numeric string; anything else is a
// malformed payload.
func numericID(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var asNumber int64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return asNumber, true
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		parsed, err := strconv.ParseInt(asString, 10, 64)
		if err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed
		}
	}
	return time.Time{}
}
