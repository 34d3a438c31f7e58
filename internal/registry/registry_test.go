package registry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// dialPair spins up a one-shot websocket server and returns both ends of
// the connection, so registry operations can be exercised against a real
// *websocket.Conn without a full HTTP router.
func dialPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()
	serverCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverCh <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-serverCh:
	case <-time.After(time.Second):
		t.Fatal("server never accepted connection")
	}
	t.Cleanup(func() { server.Close() })
	return server, client
}

func TestRegisterClientBroadcast(t *testing.T) {
	r := New()
	server, client := dialPair(t)
	r.RegisterClient("sess-1", server)

	if r.ClientCount("sess-1") != 1 {
		t.Fatalf("expected 1 client, got %d", r.ClientCount("sess-1"))
	}

	r.Broadcast("sess-1", map[string]string{"type": "hello"})

	client.SetReadDeadline(time.Now().Add(time.Second))
	var got map[string]string
	if err := client.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got["type"] != "hello" {
		t.Fatalf("unexpected message: %v", got)
	}
}

func TestUnregisterClientCleansUpEmptySession(t *testing.T) {
	r := New()
	server, _ := dialPair(t)
	r.RegisterClient("sess-2", server)
	r.UnregisterClient("sess-2", server)

	r.mu.RLock()
	_, exists := r.sessions["sess-2"]
	r.mu.RUnlock()
	if exists {
		t.Fatal("expected session entry to be removed once empty")
	}
}

func TestRegisterSandboxIdempotentDisplacesPrior(t *testing.T) {
	r := New()
	first, _ := dialPair(t)
	second, _ := dialPair(t)

	r.RegisterSandbox("sess-3", first)
	if !r.HasSandbox("sess-3") {
		t.Fatal("expected sandbox registered")
	}

	r.RegisterSandbox("sess-3", second)
	if !r.SendToSandbox("sess-3", map[string]string{"type": "ping"}) {
		t.Fatal("expected send to succeed against the new bridge")
	}
}

func TestUnregisterSandboxOnlyIfMatches(t *testing.T) {
	r := New()
	first, _ := dialPair(t)
	second, _ := dialPair(t)

	r.RegisterSandbox("sess-4", first)
	r.RegisterSandbox("sess-4", second)

	// A stale unregister for the displaced bridge must not clear the
	// winner.
	r.UnregisterSandbox("sess-4", first)
	if !r.HasSandbox("sess-4") {
		t.Fatal("expected current bridge to remain registered")
	}

	r.UnregisterSandbox("sess-4", second)
	if r.HasSandbox("sess-4") {
		t.Fatal("expected bridge to be cleared once the current one unregisters")
	}
}

func TestSendToSandboxFalseWhenAbsent(t *testing.T) {
	r := New()
	if r.SendToSandbox("missing", map[string]string{"type": "x"}) {
		t.Fatal("expected false when no bridge is registered")
	}
}

func TestBroadcastSwallowsDeadSocket(t *testing.T) {
	r := New()
	server, client := dialPair(t)
	r.RegisterClient("sess-5", server)

	client.Close()
	time.Sleep(50 * time.Millisecond)

	// Must not panic even though the underlying connection is dead; the
	// write error is swallowed per the spec's best-effort contract.
	r.Broadcast("sess-5", map[string]string{"type": "hello"})
}
