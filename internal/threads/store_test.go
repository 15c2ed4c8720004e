package threads

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"

	"palaver/client/internal/api"
	"palaver/client/internal/cache"
	"palaver/client/internal/events"
)

type fakeAPI struct {
	mu        sync.Mutex
	requestFn func(ctx context.Context, method, path string, body any, authenticated bool) (json.RawMessage, error)
	calls     []string
}

func (f *fakeAPI) Request(ctx context.Context, method, path string, body any, authenticated bool) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method+" "+path)
	fn := f.requestFn
	f.mu.Unlock()
	if fn == nil {
		return nil, errors.New("unexpected request: " + method + " " + path)
	}
	return fn(ctx, method, path, body, authenticated)
}

type fakeSession struct{ authed bool }

func (f *fakeSession) Authenticated() bool { return f.authed }

func newStore(t *testing.T, apiClient *fakeAPI, authed bool) (*Store, cache.Store, *events.Bus) {
	t.Helper()
	fileCache, err := cache.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	bus := events.NewBus()
	store := NewStore(apiClient, fileCache, &fakeSession{authed: authed}, bus)
	t.Cleanup(store.Close)
	return store, fileCache, bus
}

func listPayload(items ...map[string]any) json.RawMessage {
	data, _ := json.Marshal(items)
	return data
}

func TestLoadThreadsDeduplicatesAndSorts(t *testing.T) {
	apiClient := &fakeAPI{
		requestFn: func(_ context.Context, method, path string, _ any, _ bool) (json.RawMessage, error) {
			return listPayload(
				map[string]any{"id": 1, "title": "older", "updated_at": "2026-01-01T10:00:00Z"},
				map[string]any{"id": 2, "title": nil, "updated_at": "2026-01-02T10:00:00Z"},
				map[string]any{"id": 1, "title": "duplicate", "updated_at": "2026-01-03T10:00:00Z"},
				map[string]any{"id": 3, "title": "tied", "updated_at": "2026-01-02T10:00:00Z"},
			), nil
		},
	}
	store, _, _ := newStore(t, apiClient, true)

	if err := store.LoadThreads(context.Background()); err != nil {
		t.Fatalf("LoadThreads failed: %v", err)
	}

	threads := store.Threads()
	if len(threads) != 3 {
		t.Fatalf("expected 3 threads after dedup, got %d", len(threads))
	}
	// 2 and 3 tie on updated_at; arrival order must hold between them.
	if threads[0].ID != 2 || threads[1].ID != 3 || threads[2].ID != 1 {
		t.Fatalf("unexpected order: %d, %d, %d", threads[0].ID, threads[1].ID, threads[2].ID)
	}
	if threads[0].Title != "New chat" {
		t.Fatalf("expected null title to default, got %q", threads[0].Title)
	}
	if threads[2].Title != "older" {
		t.Fatalf("expected first occurrence to win dedup, got %q", threads[2].Title)
	}
}

func TestLoadThreadsSkipsWhileLoading(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	apiClient := &fakeAPI{}
	apiClient.requestFn = func(_ context.Context, _, _ string, _ any, _ bool) (json.RawMessage, error) {
		close(started)
		<-release
		return listPayload(), nil
	}
	store, _, _ := newStore(t, apiClient, true)

	done := make(chan error, 1)
	go func() { done <- store.LoadThreads(context.Background()) }()
	<-started

	// Second call while the first is in flight must be a no-op.
	if err := store.LoadThreads(context.Background()); err != nil {
		t.Fatalf("concurrent LoadThreads failed: %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("LoadThreads failed: %v", err)
	}

	apiClient.mu.Lock()
	calls := len(apiClient.calls)
	apiClient.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected one fetch, got %d", calls)
	}
}

func TestCreateThreadRequiresNumericID(t *testing.T) {
	apiClient := &fakeAPI{
		requestFn: func(_ context.Context, _, _ string, _ any, _ bool) (json.RawMessage, error) {
			return json.RawMessage(`{"title":"no id here"}`), nil
		},
	}
	store, _, _ := newStore(t, apiClient, true)

	_, err := store.CreateThread(context.Background())
	var invalid *api.InvalidResponseError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidResponseError, got %v", err)
	}
	if len(store.Threads()) != 0 {
		t.Fatalf("expected no thread inserted on invalid response")
	}
}

func TestCreateThreadReplacesExistingEntry(t *testing.T) {
	apiClient := &fakeAPI{
		requestFn: func(_ context.Context, method, _ string, _ any, _ bool) (json.RawMessage, error) {
			if method == http.MethodGet {
				return listPayload(map[string]any{"id": 7, "title": "existing", "updated_at": "2026-01-01T00:00:00Z"}), nil
			}
			return json.RawMessage(`{"id": 7, "chat_id": 7, "title": null}`), nil
		},
	}
	store, _, _ := newStore(t, apiClient, true)
	if err := store.LoadThreads(context.Background()); err != nil {
		t.Fatalf("LoadThreads failed: %v", err)
	}

	created, err := store.CreateThread(context.Background())
	if err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}
	if created.ID != 7 {
		t.Fatalf("expected id 7, got %d", created.ID)
	}

	threads := store.Threads()
	if len(threads) != 1 {
		t.Fatalf("expected same-id entry replaced, got %d threads", len(threads))
	}
	if threads[0].Title != "New chat" {
		t.Fatalf("expected replacement, not merge; got title %q", threads[0].Title)
	}
}

func TestSendMessageCreatesThreadAtomically(t *testing.T) {
	var placeholderSeen bool
	apiClient := &fakeAPI{}
	store, _, _ := newStore(t, apiClient, true)
	apiClient.requestFn = func(_ context.Context, method, path string, body any, _ bool) (json.RawMessage, error) {
		// While the call is in flight the optimistic placeholder must be
		// visible, provisional, and carry the draft text as its title.
		threads := store.Threads()
		if len(threads) == 1 && threads[0].Provisional && threads[0].ID < 0 {
			placeholderSeen = true
		}
		fields := body.(map[string]any)
		if _, hasChat := fields["chat_id"]; hasChat {
			return nil, errors.New("no chat_id expected for a fresh send")
		}
		return json.RawMessage(`{"response":"hi","thread_id":42}`), nil
	}

	reply, thread, err := store.SendMessage(context.Background(), 0, "hello")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if reply != "hi" {
		t.Fatalf("expected reply hi, got %q", reply)
	}
	if !placeholderSeen {
		t.Fatalf("expected provisional placeholder during the flight")
	}

	threads := store.Threads()
	if len(threads) != 1 {
		t.Fatalf("expected exactly one thread, got %d", len(threads))
	}
	if threads[0].ID != 42 || threads[0].Provisional {
		t.Fatalf("expected confirmed thread 42, got %+v", threads[0])
	}
	if threads[0].Title != "hello" {
		t.Fatalf("expected title from first message, got %q", threads[0].Title)
	}
	if len(threads[0].Messages) != 2 || threads[0].Messages[1].Content != "hi" {
		t.Fatalf("expected user+assistant messages, got %v", threads[0].Messages)
	}
	if thread.ID != 42 {
		t.Fatalf("expected returned thread 42, got %d", thread.ID)
	}
	if store.SelectedID() != 42 {
		t.Fatalf("expected new thread selected, got %d", store.SelectedID())
	}
}

func TestSendMessageFailureRemovesPlaceholder(t *testing.T) {
	apiClient := &fakeAPI{
		requestFn: func(_ context.Context, _, _ string, _ any, _ bool) (json.RawMessage, error) {
			return nil, &api.QuotaError{Code: "PLAN_MAX_CHATS", Message: "limit reached"}
		},
	}
	store, _, _ := newStore(t, apiClient, true)

	_, _, err := store.SendMessage(context.Background(), 0, "hello")

	var quota *api.QuotaError
	if !errors.As(err, &quota) || quota.Code != "PLAN_MAX_CHATS" {
		t.Fatalf("expected QuotaExceeded PLAN_MAX_CHATS, got %v", err)
	}
	if len(store.Threads()) != 0 {
		t.Fatalf("expected placeholder removed on failure, got %v", store.Threads())
	}
}

func TestSendMessageMissingThreadIDRollsBack(t *testing.T) {
	apiClient := &fakeAPI{
		requestFn: func(_ context.Context, _, _ string, _ any, _ bool) (json.RawMessage, error) {
			return json.RawMessage(`{"response":"hi"}`), nil
		},
	}
	store, _, _ := newStore(t, apiClient, true)

	_, _, err := store.SendMessage(context.Background(), 0, "hello")

	var invalid *api.InvalidResponseError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidResponseError, got %v", err)
	}
	if len(store.Threads()) != 0 {
		t.Fatalf("expected no leftover provisional entity")
	}
}

func TestSendMessageToExistingThreadAppendsAndReorders(t *testing.T) {
	apiClient := &fakeAPI{
		requestFn: func(_ context.Context, method, path string, body any, _ bool) (json.RawMessage, error) {
			if method == http.MethodGet {
				return listPayload(
					map[string]any{"id": 1, "title": "a", "updated_at": "2026-01-02T00:00:00Z"},
					map[string]any{"id": 2, "title": "b", "updated_at": "2026-01-01T00:00:00Z"},
				), nil
			}
			fields := body.(map[string]any)
			if fields["chat_id"] != int64(2) {
				return nil, errors.New("expected chat_id 2")
			}
			return json.RawMessage(`{"response":"sure","thread_id":2}`), nil
		},
	}
	store, _, _ := newStore(t, apiClient, true)
	if err := store.LoadThreads(context.Background()); err != nil {
		t.Fatalf("LoadThreads failed: %v", err)
	}

	if _, _, err := store.SendMessage(context.Background(), 2, "ping"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	threads := store.Threads()
	if threads[0].ID != 2 {
		t.Fatalf("expected thread 2 moved to head, got %d", threads[0].ID)
	}
	messages := threads[0].Messages
	if len(messages) != 2 || messages[0].Content != "ping" || messages[1].Content != "sure" {
		t.Fatalf("unexpected messages %v", messages)
	}
}

func TestSendMessageFailureToExistingThreadRollsBackOptimisticAppend(t *testing.T) {
	apiClient := &fakeAPI{
		requestFn: func(_ context.Context, method, _ string, _ any, _ bool) (json.RawMessage, error) {
			if method == http.MethodGet {
				return listPayload(map[string]any{"id": 5, "title": "t", "updated_at": "2026-01-01T00:00:00Z"}), nil
			}
			return nil, &api.TransportError{Err: errors.New("offline")}
		},
	}
	store, _, _ := newStore(t, apiClient, true)
	if err := store.LoadThreads(context.Background()); err != nil {
		t.Fatalf("LoadThreads failed: %v", err)
	}

	_, _, err := store.SendMessage(context.Background(), 5, "lost")
	var transport *api.TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("expected TransportError, got %v", err)
	}

	if got := len(store.Threads()[0].Messages); got != 0 {
		t.Fatalf("expected optimistic message rolled back, got %d messages", got)
	}
}

func TestSelectThreadPersistsAndPublishes(t *testing.T) {
	store, fileCache, bus := newStore(t, &fakeAPI{}, true)
	ctx := context.Background()

	var selected []any
	cleared := 0
	bus.Subscribe(events.ThreadSelected, func(detail any) { selected = append(selected, detail) })
	bus.Subscribe(events.ThreadCleared, func(any) { cleared++ })

	store.SelectThread(ctx, 9)
	if store.SelectedID() != 9 {
		t.Fatalf("expected selection 9, got %d", store.SelectedID())
	}
	if value, ok, _ := fileCache.Get(ctx, cache.KeyActiveThread); !ok || value != "9" {
		t.Fatalf("expected persisted selection 9, got %q ok=%v", value, ok)
	}
	if len(selected) != 1 || selected[0] != int64(9) {
		t.Fatalf("expected ThreadSelected(9), got %v", selected)
	}

	store.SelectThread(ctx, 0)
	if cleared != 1 {
		t.Fatalf("expected ThreadCleared, got %d", cleared)
	}
	if _, ok, _ := fileCache.Get(ctx, cache.KeyActiveThread); ok {
		t.Fatalf("expected persisted selection removed")
	}
}

func TestLoadThreadsRestoresSelection(t *testing.T) {
	apiClient := &fakeAPI{
		requestFn: func(_ context.Context, _, _ string, _ any, _ bool) (json.RawMessage, error) {
			return listPayload(map[string]any{"id": 9, "title": "t", "updated_at": "2026-01-01T00:00:00Z"}), nil
		},
	}
	store, fileCache, bus := newStore(t, apiClient, true)
	ctx := context.Background()
	if err := fileCache.Set(ctx, cache.KeyActiveThread, "9"); err != nil {
		t.Fatalf("seed selection: %v", err)
	}

	var selected []int64
	bus.Subscribe(events.ThreadSelected, func(detail any) {
		id, _ := detail.(int64)
		selected = append(selected, id)
	})

	if err := store.LoadThreads(ctx); err != nil {
		t.Fatalf("LoadThreads failed: %v", err)
	}
	if store.SelectedID() != 9 {
		t.Fatalf("expected restored selection 9, got %d", store.SelectedID())
	}
	// Restoring announces the selection like an explicit SelectThread, once.
	if len(selected) != 1 || selected[0] != 9 {
		t.Fatalf("expected one ThreadSelected event for 9, got %v", selected)
	}

	// A reload with the selection unchanged stays quiet.
	if err := store.LoadThreads(ctx); err != nil {
		t.Fatalf("second LoadThreads failed: %v", err)
	}
	if len(selected) != 1 {
		t.Fatalf("expected no repeat event, got %v", selected)
	}
}

func TestDeleteThreadWaitsForServerAndClearsSelection(t *testing.T) {
	deleteOK := false
	apiClient := &fakeAPI{
		requestFn: func(_ context.Context, method, path string, _ any, _ bool) (json.RawMessage, error) {
			if method == http.MethodGet {
				return listPayload(map[string]any{"id": 3, "title": "t", "updated_at": "2026-01-01T00:00:00Z"}), nil
			}
			if method == http.MethodDelete && path == "/api/v1/chat/3" {
				if !deleteOK {
					return nil, &api.RequestError{Status: 500, Message: "boom"}
				}
				return nil, nil
			}
			return nil, errors.New("unexpected request")
		},
	}
	store, _, _ := newStore(t, apiClient, true)
	ctx := context.Background()
	if err := store.LoadThreads(ctx); err != nil {
		t.Fatalf("LoadThreads failed: %v", err)
	}
	store.SelectThread(ctx, 3)

	// Remote failure leaves the thread in place.
	if err := store.DeleteThread(ctx, 3); err == nil {
		t.Fatalf("expected delete failure to propagate")
	}
	if len(store.Threads()) != 1 {
		t.Fatalf("expected thread kept after failed delete")
	}

	deleteOK = true
	if err := store.DeleteThread(ctx, 3); err != nil {
		t.Fatalf("DeleteThread failed: %v", err)
	}
	if len(store.Threads()) != 0 {
		t.Fatalf("expected thread removed")
	}
	if store.SelectedID() != 0 {
		t.Fatalf("expected selection cleared, got %d", store.SelectedID())
	}
}

func TestRenameValidatesAndKeepsOrdering(t *testing.T) {
	apiClient := &fakeAPI{
		requestFn: func(_ context.Context, method, path string, _ any, _ bool) (json.RawMessage, error) {
			if method == http.MethodGet {
				return listPayload(
					map[string]any{"id": 1, "title": "first", "updated_at": "2026-01-02T00:00:00Z"},
					map[string]any{"id": 2, "title": "second", "updated_at": "2026-01-01T00:00:00Z"},
				), nil
			}
			if method == http.MethodPut && path == "/api/v1/chat/2" {
				return json.RawMessage(`{"id":2,"title":"renamed"}`), nil
			}
			return nil, errors.New("unexpected request")
		},
	}
	store, _, _ := newStore(t, apiClient, true)
	ctx := context.Background()
	if err := store.LoadThreads(ctx); err != nil {
		t.Fatalf("LoadThreads failed: %v", err)
	}

	if err := store.Rename(ctx, 2, "   "); !errors.Is(err, ErrEmptyTitle) {
		t.Fatalf("expected ErrEmptyTitle, got %v", err)
	}

	if err := store.Rename(ctx, 2, "renamed"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	threads := store.Threads()
	if threads[0].ID != 1 || threads[1].ID != 2 {
		t.Fatalf("rename must not reorder, got %d then %d", threads[0].ID, threads[1].ID)
	}
	if threads[1].Title != "renamed" {
		t.Fatalf("expected title updated, got %q", threads[1].Title)
	}
}

func TestGuestModeSkipsNetworkAndGatesMutations(t *testing.T) {
	apiClient := &fakeAPI{
		requestFn: func(_ context.Context, method, path string, _ any, _ bool) (json.RawMessage, error) {
			if method == http.MethodPost && path == "/api/v1/chat/message" {
				return json.RawMessage(`{"response":"hello guest","thread_id":1}`), nil
			}
			return nil, errors.New("unexpected request: " + method + " " + path)
		},
	}
	store, _, _ := newStore(t, apiClient, false)
	ctx := context.Background()

	if err := store.LoadThreads(ctx); err != nil {
		t.Fatalf("guest LoadThreads failed: %v", err)
	}
	if _, err := store.CreateThread(ctx); !errors.Is(err, ErrGuestOnly) {
		t.Fatalf("expected ErrGuestOnly for create, got %v", err)
	}
	if err := store.Rename(ctx, 1, "x"); !errors.Is(err, ErrGuestOnly) {
		t.Fatalf("expected ErrGuestOnly for rename, got %v", err)
	}

	// Sending still works for guests; the backend accepts anonymous sends.
	reply, thread, err := store.SendMessage(ctx, 0, "hi")
	if err != nil {
		t.Fatalf("guest SendMessage failed: %v", err)
	}
	if reply != "hello guest" || thread.ID != 1 {
		t.Fatalf("unexpected guest send result %q %d", reply, thread.ID)
	}

	// Delete is gated too, and the local entry stays put.
	if err := store.DeleteThread(ctx, thread.ID); !errors.Is(err, ErrGuestOnly) {
		t.Fatalf("expected ErrGuestOnly for delete, got %v", err)
	}
	if got := store.Threads(); len(got) != 1 || got[0].ID != thread.ID {
		t.Fatalf("guest delete must not remove the thread, got %v", got)
	}
}

func TestLogoutClearsThreadsAndSelection(t *testing.T) {
	apiClient := &fakeAPI{
		requestFn: func(_ context.Context, _, _ string, _ any, _ bool) (json.RawMessage, error) {
			return listPayload(map[string]any{"id": 4, "title": "t", "updated_at": "2026-01-01T00:00:00Z"}), nil
		},
	}
	store, fileCache, bus := newStore(t, apiClient, true)
	ctx := context.Background()
	if err := store.LoadThreads(ctx); err != nil {
		t.Fatalf("LoadThreads failed: %v", err)
	}
	store.SelectThread(ctx, 4)

	bus.Publish(events.LoggedOut, nil)

	if len(store.Threads()) != 0 || store.SelectedID() != 0 {
		t.Fatalf("expected cleared state after logout")
	}
	if _, ok, _ := fileCache.Get(ctx, cache.KeyActiveThread); ok {
		t.Fatalf("expected persisted selection cleared after logout")
	}
}
