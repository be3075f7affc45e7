package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/gossip/internal/model"
	"github.com/hitoshi/gossip/internal/repository"
)

type mockRefresher struct {
	refreshFn func(ctx context.Context, session *model.Session) (*model.Session, error)
	calls     int
}

func (m *mockRefresher) Refresh(ctx context.Context, session *model.Session) (*model.Session, error) {
	m.calls++
	return m.refreshFn(ctx, session)
}

type mockAuthCollector struct {
	events []string
}

func (m *mockAuthCollector) RecordUpstreamRequest(string, string, string)        {}
func (m *mockAuthCollector) RecordUpstreamLatency(string, string, time.Duration) {}
func (m *mockAuthCollector) RecordAuthEvent(event string)                        { m.events = append(m.events, event) }
func (m *mockAuthCollector) RecordAlert(string)                                  {}
func (m *mockAuthCollector) SetActiveVisits(int)                                 {}

type recordedEvent struct {
	event   model.AuthEvent
	session *model.Session
}

func record(events *[]recordedEvent) Listener {
	return func(event model.AuthEvent, session *model.Session) {
		*events = append(*events, recordedEvent{event: event, session: session})
	}
}

var fixedNow = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestClient(store repository.AuthSessionRepository, refresher Refresher) *Client {
	return NewClient("visit-1", store, refresher, ClientOptions{
		Now: func() time.Time { return fixedNow },
	})
}

func TestClient_Session_NoSession(t *testing.T) {
	c := newTestClient(repository.NewMemoryAuthSessionRepo(), nil)

	session, err := c.Session(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session != nil {
		t.Errorf("session = %+v, want nil", session)
	}
}

func TestClient_SignIn_StoresAndNotifies(t *testing.T) {
	store := repository.NewMemoryAuthSessionRepo()
	collector := &mockAuthCollector{}
	c := NewClient("visit-1", store, nil, ClientOptions{Metrics: collector, Now: func() time.Time { return fixedNow }})

	var events []recordedEvent
	c.Subscribe(record(&events))

	s := &model.Session{AccessToken: "tok", User: model.User{ID: "u1", Email: "a@b.com"}}
	if err := c.SignIn(context.Background(), s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(events) != 1 || events[0].event != model.AuthEventSignedIn {
		t.Fatalf("events = %+v, want one SIGNED_IN", events)
	}
	if events[0].session.User.ID != "u1" {
		t.Errorf("notified user = %q, want u1", events[0].session.User.ID)
	}

	got, err := c.Session(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.AccessToken != "tok" {
		t.Errorf("Session() = %+v, want stored session", got)
	}
	if len(collector.events) != 1 || collector.events[0] != "SIGNED_IN" {
		t.Errorf("recorded events = %v, want [SIGNED_IN]", collector.events)
	}
}

func TestClient_SignOut_DeletesAndNotifies(t *testing.T) {
	store := repository.NewMemoryAuthSessionRepo()
	c := newTestClient(store, nil)
	c.SignIn(context.Background(), &model.Session{AccessToken: "tok", User: model.User{ID: "u1"}})

	var events []recordedEvent
	c.Subscribe(record(&events))

	if err := c.SignOut(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(events) != 1 || events[0].event != model.AuthEventSignedOut || events[0].session != nil {
		t.Fatalf("events = %+v, want one SIGNED_OUT with nil session", events)
	}
	stored, _ := store.FindByVisitID(context.Background(), "visit-1")
	if stored != nil {
		t.Error("expected session to be deleted")
	}
}

func TestClient_Session_ExpiredRefreshes(t *testing.T) {
	store := repository.NewMemoryAuthSessionRepo()
	refresher := &mockRefresher{
		refreshFn: func(ctx context.Context, s *model.Session) (*model.Session, error) {
			return &model.Session{
				AccessToken:  "new-tok",
				RefreshToken: s.RefreshToken,
				ExpiresAt:    fixedNow.Add(time.Hour),
				User:         s.User,
			}, nil
		},
	}
	c := newTestClient(store, refresher)
	c.SignIn(context.Background(), &model.Session{
		AccessToken:  "old-tok",
		RefreshToken: "r1",
		ExpiresAt:    fixedNow.Add(-time.Minute),
		User:         model.User{ID: "u1"},
	})

	var events []recordedEvent
	c.Subscribe(record(&events))

	session, err := c.Session(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session == nil || session.AccessToken != "new-tok" {
		t.Fatalf("session = %+v, want refreshed session", session)
	}
	if len(events) != 1 || events[0].event != model.AuthEventTokenRefreshed {
		t.Fatalf("events = %+v, want one TOKEN_REFRESHED", events)
	}

	// 更新後のセッションは保存されており、再取得では更新しない
	if _, err := c.Session(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if refresher.calls != 1 {
		t.Errorf("refresh calls = %d, want 1", refresher.calls)
	}
}

type failingTouchStore struct {
	*repository.MemoryAuthSessionRepo
}

func (failingTouchStore) Touch(ctx context.Context, visitID string, at time.Time) error {
	return errors.New("db down")
}

func storeSession(t *testing.T, store repository.AuthSessionRepository, updatedAt time.Time) {
	t.Helper()
	err := store.Save(context.Background(), &model.StoredSession{
		VisitID: "visit-1",
		Session: model.Session{
			AccessToken: "tok",
			ExpiresAt:   fixedNow.Add(time.Hour),
			User:        model.User{ID: "u1"},
		},
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
}

func TestClient_Session_TouchesLongLivedSession(t *testing.T) {
	store := repository.NewMemoryAuthSessionRepo()
	storeSession(t, store, fixedNow.AddDate(0, 0, -40))
	c := newTestClient(store, nil)

	session, err := c.Session(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session == nil || session.User.ID != "u1" {
		t.Fatalf("session = %+v, want u1", session)
	}

	stored, _ := store.FindByVisitID(context.Background(), "visit-1")
	if !stored.UpdatedAt.Equal(fixedNow) {
		t.Errorf("UpdatedAt = %v, want %v", stored.UpdatedAt, fixedNow)
	}

	// 30日保持の削除対象にならない
	n, _ := store.DeleteUpdatedBefore(context.Background(), fixedNow.AddDate(0, 0, -30))
	if n != 0 {
		t.Errorf("deleted = %d, want 0", n)
	}
}

func TestClient_Session_SkipsTouchWithinInterval(t *testing.T) {
	store := repository.NewMemoryAuthSessionRepo()
	recent := fixedNow.Add(-time.Minute)
	storeSession(t, store, recent)
	c := newTestClient(store, nil)

	if _, err := c.Session(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored, _ := store.FindByVisitID(context.Background(), "visit-1")
	if !stored.UpdatedAt.Equal(recent) {
		t.Errorf("UpdatedAt = %v, want unchanged %v", stored.UpdatedAt, recent)
	}
}

func TestClient_Session_TouchFailureStillReturnsSession(t *testing.T) {
	store := failingTouchStore{repository.NewMemoryAuthSessionRepo()}
	storeSession(t, store, fixedNow.AddDate(0, 0, -2))
	c := newTestClient(store, nil)

	session, err := c.Session(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session == nil {
		t.Fatal("expected session")
	}
}

func TestClient_Session_ExpiredRefreshFails(t *testing.T) {
	store := repository.NewMemoryAuthSessionRepo()
	refresher := &mockRefresher{
		refreshFn: func(ctx context.Context, s *model.Session) (*model.Session, error) {
			return nil, errors.New("invalid_grant")
		},
	}
	c := newTestClient(store, refresher)
	c.SignIn(context.Background(), &model.Session{
		AccessToken:  "old-tok",
		RefreshToken: "r1",
		ExpiresAt:    fixedNow.Add(-time.Minute),
		User:         model.User{ID: "u1"},
	})

	var events []recordedEvent
	c.Subscribe(record(&events))

	session, err := c.Session(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session != nil {
		t.Errorf("session = %+v, want nil", session)
	}
	if len(events) != 1 || events[0].event != model.AuthEventSignedOut {
		t.Fatalf("events = %+v, want one SIGNED_OUT", events)
	}
	stored, _ := store.FindByVisitID(context.Background(), "visit-1")
	if stored != nil {
		t.Error("expected expired session to be deleted")
	}
}

func TestClient_Session_ExpiredWithoutRefreshToken(t *testing.T) {
	refresher := &mockRefresher{
		refreshFn: func(ctx context.Context, s *model.Session) (*model.Session, error) {
			t.Fatal("refresh should not be called without a refresh token")
			return nil, nil
		},
	}
	c := newTestClient(repository.NewMemoryAuthSessionRepo(), refresher)
	c.SignIn(context.Background(), &model.Session{
		AccessToken: "old-tok",
		ExpiresAt:   fixedNow.Add(-time.Second),
		User:        model.User{ID: "u1"},
	})

	session, err := c.Session(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session != nil {
		t.Errorf("session = %+v, want nil", session)
	}
}

func TestClient_Unsubscribe(t *testing.T) {
	c := newTestClient(repository.NewMemoryAuthSessionRepo(), nil)

	var first, second []recordedEvent
	sub1 := c.Subscribe(record(&first))
	c.Subscribe(record(&second))
	if c.ListenerCount() != 2 {
		t.Fatalf("ListenerCount() = %d, want 2", c.ListenerCount())
	}

	sub1.Unsubscribe()
	sub1.Unsubscribe()
	if c.ListenerCount() != 1 {
		t.Fatalf("ListenerCount() = %d, want 1", c.ListenerCount())
	}

	c.SignOut(context.Background())
	if len(first) != 0 {
		t.Errorf("unsubscribed listener received %d events", len(first))
	}
	if len(second) != 1 {
		t.Errorf("subscribed listener received %d events, want 1", len(second))
	}
}

func TestClient_ListenerReceivesCopy(t *testing.T) {
	c := newTestClient(repository.NewMemoryAuthSessionRepo(), nil)
	c.Subscribe(func(event model.AuthEvent, session *model.Session) {
		session.User.ID = "mutated"
	})

	original := &model.Session{AccessToken: "tok", User: model.User{ID: "u1"}}
	c.SignIn(context.Background(), original)

	if original.User.ID != "u1" {
		t.Errorf("listener mutated caller's session: %q", original.User.ID)
	}
	got, _ := c.Session(context.Background())
	if got.User.ID != "u1" {
		t.Errorf("stored user id = %q, want u1", got.User.ID)
	}
}
