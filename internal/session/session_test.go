package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sessiond/sessiond/internal/registry"
	"github.com/sessiond/sessiond/internal/sandbox"
	"github.com/sessiond/sessiond/internal/store/sqlite"
	"github.com/sessiond/sessiond/model"
)

// --- fakes ---

type fakeDriver struct {
	mu          sync.Mutex
	created     int
	failNext    bool
	createDelay time.Duration
}

func (f *fakeDriver) CreateSandbox(ctx context.Context, opts sandbox.CreateOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createDelay > 0 {
		time.Sleep(f.createDelay)
	}
	if f.failNext {
		f.failNext = false
		return "", errFake("docker run failed")
	}
	f.created++
	return "container-" + opts.SessionID, nil
}

func (f *fakeDriver) Stop(ctx context.Context, handle string, grace time.Duration) error { return nil }
func (f *fakeDriver) Remove(ctx context.Context, handle string) error                    { return nil }
func (f *fakeDriver) IsRunning(ctx context.Context, handle string) (bool, error)         { return false, nil }

type errFake string

func (e errFake) Error() string { return string(e) }

type fakeWorktree struct {
	mu      sync.Mutex
	created int
	fail    bool
}

func (f *fakeWorktree) Create(ctx context.Context, sessionID, repoPath, baseRef string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errFake("worktree create failed")
	}
	f.created++
	return filepath.Join(repoPath, "..", "worktrees", sessionID), nil
}

func (f *fakeWorktree) Remove(ctx context.Context, sessionID, repoPath string) error { return nil }

// --- setup ---

func newTestCore(t *testing.T) (*Core, *fakeDriver, *fakeWorktree, *registry.Registry) {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	drv := &fakeDriver{}
	wt := &fakeWorktree{}
	reg := registry.New()

	cfg := Config{
		Port:                   8080,
		SandboxImage:           "sessiond/sandbox",
		DefaultModel:           "claude",
		DefaultReasoningEffort: "medium",
		InactivityTimeout:      10 * time.Minute,
		HeartbeatInterval:      30 * time.Second,
		HeartbeatTimeout:       90 * time.Second,
	}
	core := New(cfg, st, drv, wt, reg)
	return core, drv, wt, reg
}

func newTestSession(t *testing.T, core *Core, id string) {
	t.Helper()
	err := core.store.CreateSession(&model.Session{ID: id, RepoPath: "/repos/foo", Title: "test"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
}

var upgrader = websocket.Upgrader{}

func dialClient(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	ch := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		ch <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-ch:
	case <-time.After(time.Second):
		t.Fatal("server never accepted connection")
	}
	t.Cleanup(func() { server.Close() })
	return server, client
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got map[string]any
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return got
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// --- tests ---

func TestHandleClientPromptSpawnsSandboxAndDispatches(t *testing.T) {
	core, _, wt, reg := newTestCore(t)
	newTestSession(t, core, "sess-1")

	bridgeServer, bridgeClient := dialClient(t)
	_, clientSideConn := dialClient(t)
	reg.RegisterClient("sess-1", clientSideConn)

	if err := core.HandleClientPrompt(context.Background(), "sess-1", PromptInput{Content: "hello"}); err != nil {
		t.Fatalf("prompt: %v", err)
	}

	// No bridge yet: pump must spawn instead of dispatching.
	waitFor(t, time.Second, func() bool {
		wt.mu.Lock()
		defer wt.mu.Unlock()
		return wt.created == 1
	})
	sess, err := core.store.GetSession("sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.SandboxStatus != model.SandboxReady {
		t.Fatalf("expected sandbox ready after spawn, got %s", sess.SandboxStatus)
	}
	if sess.ContainerHandle == "" {
		t.Fatal("expected container handle recorded")
	}

	// Now register the bridge and re-trigger the pump by sending another
	// prompt; it should dispatch directly this time.
	reg.RegisterSandbox("sess-1", bridgeServer)
	if err := core.HandleClientPrompt(context.Background(), "sess-1", PromptInput{Content: "second"}); err != nil {
		t.Fatalf("second prompt: %v", err)
	}

	frame := readFrame(t, bridgeClient)
	if frame["type"] != "prompt" {
		t.Fatalf("expected prompt frame sent to bridge, got %v", frame)
	}
}

func TestPumpProcessesOneMessageAtATime(t *testing.T) {
	core, _, _, reg := newTestCore(t)
	newTestSession(t, core, "sess-2")

	bridgeServer, bridgeClient := dialClient(t)
	reg.RegisterSandbox("sess-2", bridgeServer)

	if err := core.HandleClientPrompt(context.Background(), "sess-2", PromptInput{Content: "first"}); err != nil {
		t.Fatalf("prompt 1: %v", err)
	}
	if err := core.HandleClientPrompt(context.Background(), "sess-2", PromptInput{Content: "second"}); err != nil {
		t.Fatalf("prompt 2: %v", err)
	}

	first := readFrame(t, bridgeClient)
	if first["type"] != "prompt" {
		t.Fatalf("expected first prompt dispatched, got %v", first)
	}
	firstID := int64(first["messageId"].(float64))

	// A timed-out read leaves a gorilla websocket connection failed for every
	// later read, so the "nothing dispatched yet" window is observed through
	// a reader goroutine instead of a short read deadline.
	bridgeClient.SetReadDeadline(time.Now().Add(5 * time.Second))
	frames := make(chan map[string]any, 1)
	go func() {
		var f map[string]any
		if err := bridgeClient.ReadJSON(&f); err == nil {
			frames <- f
		}
		close(frames)
	}()
	select {
	case second := <-frames:
		t.Fatalf("expected second message to remain queued while first processes, got %v", second)
	case <-time.After(200 * time.Millisecond):
	}

	payload, _ := json.Marshal(map[string]bool{})
	success := true
	if err := core.IngestSandboxEvent("sess-2", SandboxEvent{
		Type: model.EventTypeExecutionComplete, MessageID: itoa(firstID), Payload: payload, Success: &success,
	}); err != nil {
		t.Fatalf("ingest execution_complete: %v", err)
	}

	secondFrame, ok := <-frames
	if !ok || secondFrame["type"] != "prompt" {
		t.Fatalf("expected second prompt dispatched after completion, got %v", secondFrame)
	}
}

func TestCircuitBreakerStopsRepeatedSpawnAttempts(t *testing.T) {
	core, drv, _, _ := newTestCore(t)
	newTestSession(t, core, "sess-3")

	for i := 0; i < 3; i++ {
		drv.mu.Lock()
		drv.failNext = true
		drv.mu.Unlock()
		core.spawn(context.Background(), "sess-3")
	}

	sess, err := core.store.GetSession("sess-3")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.SpawnFailureCount < circuitBreakerThreshold {
		t.Fatalf("expected failure count >= %d, got %d", circuitBreakerThreshold, sess.SpawnFailureCount)
	}

	before := drv.created
	core.spawn(context.Background(), "sess-3")
	if drv.created != before {
		t.Fatal("expected circuit breaker to suppress spawn attempt within cooldown")
	}
}

func TestHandleStopExecutionClearsProcessingSlot(t *testing.T) {
	core, _, _, reg := newTestCore(t)
	newTestSession(t, core, "sess-4")
	bridgeServer, bridgeClient := dialClient(t)
	reg.RegisterSandbox("sess-4", bridgeServer)

	if err := core.HandleClientPrompt(context.Background(), "sess-4", PromptInput{Content: "hi"}); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	readFrame(t, bridgeClient) // the dispatched prompt

	if err := core.HandleStopExecution("sess-4"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	stopFrame := readFrame(t, bridgeClient)
	if stopFrame["type"] != "stop" {
		t.Fatalf("expected stop frame forwarded to bridge, got %v", stopFrame)
	}

	st := core.state("sess-4")
	st.mu.Lock()
	processing := st.processingMessageID
	st.mu.Unlock()
	if processing != 0 {
		t.Fatalf("expected processing slot cleared, got %d", processing)
	}
}

func TestHandleClientSubscribeSendsNotFoundForMissingSession(t *testing.T) {
	core, _, _, _ := newTestCore(t)
	server, client := dialClient(t)

	if err := core.HandleClientSubscribe("does-not-exist", server); err == nil {
		t.Fatal("expected error for missing session")
	}

	frame := readFrame(t, client)
	if frame["code"] != "not_found" {
		t.Fatalf("expected not_found error frame, got %v", frame)
	}
}

func TestHandleClientSubscribeSendsStateAndReplay(t *testing.T) {
	core, _, _, _ := newTestCore(t)
	newTestSession(t, core, "sess-5")

	userEvent := &model.Event{SessionID: "sess-5", Type: model.EventTypeUserMessage, Payload: json.RawMessage(`{"content":"hi"}`)}
	if err := core.store.CreateEvent(userEvent); err != nil {
		t.Fatalf("create event: %v", err)
	}

	server, client := dialClient(t)
	if err := core.HandleClientSubscribe("sess-5", server); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	frame := readFrame(t, client)
	if frame["type"] != "subscribed" {
		t.Fatalf("expected subscribed frame, got %v", frame)
	}
	replay, ok := frame["replay"].([]any)
	if !ok || len(replay) != 1 {
		t.Fatalf("expected one replayed event, got %v", frame["replay"])
	}
}

func TestArchiveSessionStopsSandboxAndRetainsWorktree(t *testing.T) {
	core, _, wt, _ := newTestCore(t)
	newTestSession(t, core, "sess-6")
	if err := core.store.UpdateSessionContainer("sess-6", "container-sess-6", "/worktrees/sess-6"); err != nil {
		t.Fatalf("set container: %v", err)
	}

	if err := core.ArchiveSession(context.Background(), "sess-6"); err != nil {
		t.Fatalf("archive: %v", err)
	}

	sess, err := core.store.GetSession("sess-6")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != model.SessionArchived || sess.SandboxStatus != model.SandboxStopped {
		t.Fatalf("unexpected post-archive state: %+v", sess)
	}
	if sess.ContainerHandle != "" {
		t.Fatal("expected container handle cleared")
	}
	if wt.created != 0 {
		t.Fatal("archive must not touch the worktree")
	}
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
