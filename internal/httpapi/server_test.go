package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/threadline-dev/threadline/internal/history"
	"github.com/threadline-dev/threadline/internal/protocol"
	"github.com/threadline-dev/threadline/internal/session"
)

type nopBackend struct{}

func (nopBackend) OpenSession(ctx context.Context) (string, error) { return "bk-nop", nil }

func (nopBackend) StartTurn(ctx context.Context, backendSessionID, content string, host session.TurnHost) error {
	host.Emit(protocol.TurnStart{})
	host.Emit(protocol.TurnComplete{})
	return nil
}

type nopNotifier struct{}

func (nopNotifier) Notify(sessionID string, msg protocol.ServerMessage) {}

type fixture struct {
	store    *history.Store
	registry *session.Registry
	client   *Client
}

func newFixture(t *testing.T, apiKey string) *fixture {
	t.Helper()

	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := session.NewRegistry(store, nopBackend{}, nopNotifier{})
	t.Cleanup(func() { reg.CloseAll(context.Background()) })

	log := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	mux := http.NewServeMux()
	NewServer(store, reg, apiKey, log).Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &fixture{
		store:    store,
		registry: reg,
		client:   NewClient(srv.URL, apiKey),
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func seedMessage(t *testing.T, store *history.Store, sessionID, role, content string) {
	t.Helper()
	_, err := store.AppendMessage(context.Background(), &history.Message{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestListSessions_SearchAndFilter(t *testing.T) {
	fx := newFixture(t, "")

	a, err := fx.registry.Create(context.Background(), "deploy help")
	if err != nil {
		t.Fatal(err)
	}
	b, err := fx.registry.Create(context.Background(), "recipe ideas")
	if err != nil {
		t.Fatal(err)
	}
	seedMessage(t, fx.store, a.ID, history.RoleUser, "how do I deploy the staging cluster")
	seedMessage(t, fx.store, b.ID, history.RoleUser, "what goes in a carbonara")

	res, err := fx.client.ListSessions(history.SessionFilter{Query: "staging cluster"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 1 || len(res.Sessions) != 1 || res.Sessions[0].ID != a.ID {
		t.Fatalf("search result = %+v", res)
	}
	if res.Sessions[0].Preview != "how do I deploy the staging cluster" {
		t.Errorf("preview = %q", res.Sessions[0].Preview)
	}

	res, err = fx.client.ListSessions(history.SessionFilter{Name: "recipe"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 1 || res.Sessions[0].ID != b.ID {
		t.Fatalf("name filter result = %+v", res)
	}
}

func TestGetMessages_Paging(t *testing.T) {
	fx := newFixture(t, "")

	sess, err := fx.registry.Create(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	for _, content := range []string{"one", "two", "three"} {
		seedMessage(t, fx.store, sess.ID, history.RoleUser, content)
	}

	res, err := fx.client.GetMessages(sess.ID, history.MessageFilter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 3 || len(res.Messages) != 2 {
		t.Fatalf("total=%d len=%d", res.Total, len(res.Messages))
	}
	if res.Messages[0].Content != "two" || res.Messages[1].Content != "three" {
		t.Errorf("page = %q, %q", res.Messages[0].Content, res.Messages[1].Content)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	fx := newFixture(t, "")

	_, err := fx.client.GetSession("ghost")
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Code != "session_not_found" {
		t.Fatalf("got %v, want session_not_found", err)
	}
}

func TestDeleteSession_Idempotent(t *testing.T) {
	fx := newFixture(t, "")

	sess, err := fx.registry.Create(context.Background(), "doomed")
	if err != nil {
		t.Fatal(err)
	}
	seedMessage(t, fx.store, sess.ID, history.RoleUser, "so long")

	deleted, err := fx.client.DeleteSession(sess.ID)
	if err != nil || !deleted {
		t.Fatalf("first delete: deleted=%v err=%v", deleted, err)
	}

	deleted, err = fx.client.DeleteSession(sess.ID)
	if err != nil || deleted {
		t.Fatalf("second delete: deleted=%v err=%v", deleted, err)
	}

	// Search no longer finds the deleted session's messages.
	res, err := fx.client.ListSessions(history.SessionFilter{Query: "so long"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 0 {
		t.Errorf("deleted session still searchable: %+v", res)
	}
}

func TestResumeSession(t *testing.T) {
	fx := newFixture(t, "")

	sess, err := fx.registry.Create(context.Background(), "sleeper")
	if err != nil {
		t.Fatal(err)
	}
	id := sess.ID
	fx.registry.Evict(id)

	res, err := fx.client.ResumeSession(id)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Resumed || res.State != "idle" {
		t.Fatalf("resume = %+v", res)
	}

	// A finished session does not come back.
	if err := fx.registry.Close(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	res, err = fx.client.ResumeSession(id)
	if err != nil {
		t.Fatal(err)
	}
	if res.Resumed || res.State != "finished" {
		t.Fatalf("resume of finished = %+v", res)
	}
}

func TestRenameSession(t *testing.T) {
	fx := newFixture(t, "")

	sess, err := fx.registry.Create(context.Background(), "old name")
	if err != nil {
		t.Fatal(err)
	}
	if err := fx.client.RenameSession(sess.ID, "new name"); err != nil {
		t.Fatal(err)
	}

	got, err := fx.client.GetSession(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "new name" {
		t.Errorf("name = %q", got.Name)
	}
}

func TestAPIKey_Guard(t *testing.T) {
	fx := newFixture(t, "sekrit")

	if err := fx.client.Health(); err != nil {
		t.Fatalf("authorized health: %v", err)
	}

	bad := NewClient(fx.client.baseURL, "wrong")
	err := bad.Health()
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Code != "unauthorized" {
		t.Fatalf("got %v, want unauthorized", err)
	}
}
