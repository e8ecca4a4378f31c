package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/store"
)

// chatServer is a minimal chat backend: it greets every websocket client with
// one message from user 8 and records the frames it receives.
type chatServer struct {
	frames chan map[string]any
	mu     sync.Mutex
	tokens []string
}

func newChatServer(t *testing.T) (*httptest.Server, *chatServer) {
	cs := &chatServer{frames: make(chan map[string]any, 32)}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/messages/ws", cs.serveWS)
	mux.HandleFunc("/api/v1/messages/history/42", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, "[]")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, cs
}

func (cs *chatServer) serveWS(w http.ResponseWriter, r *http.Request) {
	cs.mu.Lock()
	cs.tokens = append(cs.tokens, r.URL.Query().Get("token"))
	cs.mu.Unlock()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	greeting := `{"type":"new_message","id":1,"chat_id":42,"sender_id":8,"content":"welcome","message_type":"text","sent_at":"2024-05-01T10:00:00Z"}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(greeting)); err != nil {
		return
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var f map[string]any
		if json.Unmarshal(data, &f) == nil {
			cs.frames <- f
		}
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(serverURL string) *config.Config {
	cfg := config.Default()
	cfg.ServerURL = serverURL
	cfg.UserID = 7
	cfg.Token = "tok"
	cfg.LogLevel = "debug"
	return cfg
}

func waitFrame(t *testing.T, ch chan map[string]any, frameType, content string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f := <-ch:
			if f["type"] == frameType && (content == "" || f["content"] == content) {
				return
			}
		case <-deadline:
			t.Fatalf("server never received %s %q", frameType, content)
		}
	}
}

func TestChatLifecycle(t *testing.T) {
	t.Setenv(profile.HomeEnv, t.TempDir())
	srv, backend := newChatServer(t)

	cfg := testConfig(srv.URL)
	cfg.Metrics.Listen = "127.0.0.1:0"

	stdin, typed := io.Pipe()
	defer func() { _ = typed.Close() }()
	var out syncBuffer

	var metricsSrv *MetricsServer
	app := fxtest.New(t,
		fx.NopLogger,
		Module(Params{ProfileName: "test", Config: cfg, ChatID: 42, In: stdin, Out: &out}),
		fx.Populate(&metricsSrv),
	)
	app.RequireStart()

	// The greeting is acknowledged because the console chat is focused.
	waitFrame(t, backend.frames, "read", "")

	if _, err := io.WriteString(typed, "hello from the console\n"); err != nil {
		t.Fatal(err)
	}
	waitFrame(t, backend.frames, "new_message", "hello from the console")

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), "user 8: welcome") {
		if time.Now().After(deadline) {
			t.Fatalf("console never rendered the greeting:\n%s", out.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get("http://" + metricsSrv.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), "chatsync_events_applied_total") {
		t.Errorf("metrics output missing events counter:\n%s", body)
	}

	app.RequireStop()

	backend.mu.Lock()
	if len(backend.tokens) == 0 || backend.tokens[0] != "tok" {
		t.Errorf("handshake tokens = %v, want tok", backend.tokens)
	}
	backend.mu.Unlock()

	db, err := store.Open(profile.DBPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	snap, err := db.GetSnapshot(context.Background(), 42)
	if err != nil {
		t.Fatal(err)
	}
	if snap == nil || snap.Summary.MessageCount < 1 {
		t.Fatalf("snapshot after stop = %+v, want at least the greeting", snap)
	}
	chats, err := db.ListChats(context.Background(), 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 || chats[0].ID != 42 {
		t.Errorf("chats = %+v, want chat 42", chats)
	}
	if _, err := os.Stat(profile.LogPath("test")); err != nil {
		t.Errorf("log file missing: %v", err)
	}
}

func TestPebbleBackendWithoutConsole(t *testing.T) {
	t.Setenv(profile.HomeEnv, t.TempDir())

	cfg := testConfig("http://127.0.0.1:1")
	cfg.Snapshot.Backend = config.BackendPebble

	app := fxtest.New(t,
		fx.NopLogger,
		Module(Params{ProfileName: "offline", Config: cfg, ChatID: 42}),
	)
	app.RequireStart()
	app.RequireStop()

	if info, err := os.Stat(profile.PebbleDir("offline")); err != nil || !info.IsDir() {
		t.Errorf("pebble directory not created: %v", err)
	}
}

func TestSecondProcessIsLockedOut(t *testing.T) {
	t.Setenv(profile.HomeEnv, t.TempDir())
	cfg := testConfig("http://127.0.0.1:1")

	first := fxtest.New(t, fx.NopLogger, Module(Params{ProfileName: "shared", Config: cfg}))
	first.RequireStart()
	defer first.RequireStop()

	second := fx.New(fx.NopLogger, Module(Params{ProfileName: "shared", Config: cfg}))
	if err := second.Err(); err == nil || !strings.Contains(err.Error(), "profile lock held") {
		t.Errorf("second app error = %v, want lock held", err)
	}
}
