package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sessiond/sessiond/internal/store"
	"github.com/sessiond/sessiond/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionCRUD(t *testing.T) {
	s := newTestStore(t)

	sess := &model.Session{ID: "sess0001abcd", RepoPath: "/repos/foo", Title: "fix bug"}
	if err := s.CreateSession(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if sess.Status != model.SessionCreated || sess.SandboxStatus != model.SandboxPending {
		t.Fatalf("unexpected initial statuses: %+v", sess)
	}

	got, err := s.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.RepoPath != sess.RepoPath {
		t.Fatalf("unexpected session: %+v", got)
	}

	if err := s.UpdateSessionStatus(sess.ID, model.SessionActive); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got2, err := s.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("get session after update: %v", err)
	}
	if got2.Status != model.SessionActive {
		t.Fatalf("status not updated: %s", got2.Status)
	}
	if !got2.UpdatedAt.After(got.UpdatedAt) && got2.UpdatedAt != got.UpdatedAt {
		t.Fatalf("updated_at did not advance")
	}
}

func TestUpdateSessionMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateSessionStatus("does-not-exist", model.SessionActive)
	if err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	s := newTestStore(t)
	sess := &model.Session{ID: "sess0002", RepoPath: "/repos/foo"}
	if err := s.CreateSession(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	msg := &model.Message{SessionID: sess.ID, Content: "hi"}
	if err := s.CreateMessage(msg); err != nil {
		t.Fatalf("create message: %v", err)
	}
	if err := s.CreateEvent(&model.Event{SessionID: sess.ID, Type: model.EventTypeToolCall}); err != nil {
		t.Fatalf("create event: %v", err)
	}
	if err := s.CreateArtifact(&model.Artifact{SessionID: sess.ID, Type: "branch"}); err != nil {
		t.Fatalf("create artifact: %v", err)
	}

	if err := s.DeleteSession(sess.ID); err != nil {
		t.Fatalf("delete session: %v", err)
	}

	if _, err := s.GetSession(sess.ID); err != store.ErrNotFound {
		t.Fatalf("expected session gone, got %v", err)
	}
	msgs, err := s.ListMessages(sess.ID, store.MessageFilter{})
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs.Items) != 0 {
		t.Fatalf("expected messages cascaded, got %d", len(msgs.Items))
	}
	events, err := s.ListEvents(sess.ID, "")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected events cascaded, got %d", len(events))
	}
}

func TestMessagePumpCycle(t *testing.T) {
	s := newTestStore(t)
	sess := &model.Session{ID: "sess0003", RepoPath: "/repos/foo"}
	if err := s.CreateSession(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	msg := &model.Message{SessionID: sess.ID, Content: "do thing"}
	if err := s.CreateMessage(msg); err != nil {
		t.Fatalf("create message: %v", err)
	}

	pending, err := s.GetNextPendingMessage(sess.ID)
	if err != nil {
		t.Fatalf("get next pending: %v", err)
	}
	if pending.ID != msg.ID {
		t.Fatalf("unexpected pending message: %+v", pending)
	}

	if err := s.UpdateMessageToProcessing(msg.ID); err != nil {
		t.Fatalf("update to processing: %v", err)
	}
	processing, err := s.GetProcessingMessage(sess.ID)
	if err != nil {
		t.Fatalf("get processing: %v", err)
	}
	if processing.StartedAt.IsZero() {
		t.Fatalf("expected started_at to be set")
	}

	if _, err := s.GetNextPendingMessage(sess.ID); err != store.ErrNotFound {
		t.Fatalf("expected no pending messages, got %v", err)
	}

	if err := s.UpdateMessageCompletion(msg.ID, model.MessageCompleted); err != nil {
		t.Fatalf("complete message: %v", err)
	}
	if _, err := s.GetProcessingMessage(sess.ID); err != store.ErrNotFound {
		t.Fatalf("expected no processing message after completion, got %v", err)
	}
}

func TestEventCoalescing(t *testing.T) {
	s := newTestStore(t)
	sess := &model.Session{ID: "sess0004", RepoPath: "/repos/foo"}
	if err := s.CreateSession(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	for _, content := range []string{"A", "AB", "ABC"} {
		err := s.UpsertEvent(&model.Event{
			SessionID: sess.ID,
			Type:      model.EventTypeToken,
			MessageID: "msg-1",
			Payload:   []byte(`{"content":"` + content + `"}`),
		})
		if err != nil {
			t.Fatalf("upsert token event: %v", err)
		}
	}

	events, err := s.ListEvents(sess.ID, model.EventTypeToken)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one coalesced token event, got %d", len(events))
	}
	if string(events[0].Payload) != `{"content":"ABC"}` {
		t.Fatalf("expected latest payload to win, got %s", events[0].Payload)
	}
	if events[0].ID != "token:msg-1" {
		t.Fatalf("expected synthetic coalescing key, got %s", events[0].ID)
	}
}

func TestGetEventsForReplayExcludesHeartbeatsAndOrders(t *testing.T) {
	s := newTestStore(t)
	sess := &model.Session{ID: "sess0005", RepoPath: "/repos/foo"}
	if err := s.CreateSession(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	for _, typ := range []string{model.EventTypeToolCall, model.EventTypeHeartbeat, model.EventTypeStepFinish} {
		if err := s.CreateEvent(&model.Event{SessionID: sess.ID, Type: typ}); err != nil {
			t.Fatalf("create event: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	events, err := s.GetEventsForReplay(sess.ID, 500)
	if err != nil {
		t.Fatalf("get events for replay: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 non-heartbeat events, got %d", len(events))
	}
	if events[0].Type != model.EventTypeToolCall || events[1].Type != model.EventTypeStepFinish {
		t.Fatalf("unexpected order: %+v", events)
	}
}

func TestGetEventsHistoryPagePaginatesPastCursor(t *testing.T) {
	s := newTestStore(t)
	sess := &model.Session{ID: "sess0006", RepoPath: "/repos/foo"}
	if err := s.CreateSession(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := s.CreateEvent(&model.Event{SessionID: sess.ID, Type: model.EventTypeStepStart}); err != nil {
			t.Fatalf("create event: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	replay, err := s.GetEventsForReplay(sess.ID, 3)
	if err != nil {
		t.Fatalf("get replay: %v", err)
	}
	if len(replay) != 3 {
		t.Fatalf("expected 3 events in replay tail, got %d", len(replay))
	}

	cursor := store.Cursor{Time: fmtTime(replay[0].CreatedAt), ID: replay[0].ID}
	page, err := s.GetEventsHistoryPage(sess.ID, cursor, 10)
	if err != nil {
		t.Fatalf("get history page: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 older events, got %d", len(page.Items))
	}
	if page.HasMore {
		t.Fatalf("expected has_more false")
	}
}

func TestSecretScopeOverride(t *testing.T) {
	s := newTestStore(t)
	if err := s.PutSecret(&model.Secret{Key: "API_KEY", Scope: model.SecretScopeGlobal, Value: "global-val"}); err != nil {
		t.Fatalf("put global secret: %v", err)
	}
	if err := s.PutSecret(&model.Secret{Key: "API_KEY", Scope: "owner/repo", Value: "repo-val"}); err != nil {
		t.Fatalf("put scoped secret: %v", err)
	}

	global, err := s.GetSecret("API_KEY", model.SecretScopeGlobal)
	if err != nil {
		t.Fatalf("get global secret: %v", err)
	}
	if global.Value != "global-val" {
		t.Fatalf("unexpected global value: %s", global.Value)
	}

	scoped, err := s.GetSecret("API_KEY", "owner/repo")
	if err != nil {
		t.Fatalf("get scoped secret: %v", err)
	}
	if scoped.Value != "repo-val" {
		t.Fatalf("unexpected scoped value: %s", scoped.Value)
	}
}
