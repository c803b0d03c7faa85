package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidwalker2235/fulgencio-project/internal/caricature"
	"github.com/davidwalker2235/fulgencio-project/internal/config"
	"github.com/davidwalker2235/fulgencio-project/internal/observability"
	"github.com/davidwalker2235/fulgencio-project/internal/protocol"
	"github.com/davidwalker2235/fulgencio-project/internal/relay"
	"github.com/davidwalker2235/fulgencio-project/internal/session"
	"github.com/davidwalker2235/fulgencio-project/internal/userstore"
)

func testConfig() config.Config {
	return config.Config{
		AgentType:     config.AgentRealtime,
		AzureEndpoint: "https://example.openai.azure.com",
		AzureAPIKey:   "secret",
		ModelName:     "gpt-realtime",
		CORSOrigins:   []string{"http://localhost:3000"},
	}
}

func testMetrics() *observability.Metrics {
	return observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", time.Now().UnixNano()))
}

// idleRunner holds the browser socket open until it closes or ctx ends.
type idleRunner struct{}

func (idleRunner) Serve(ctx context.Context, browser *relay.Peer, _ *session.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = browser.Close() })
	defer stop()
	for {
		if _, _, err := browser.ReadMessage(); err != nil {
			return nil
		}
	}
}

type fakeCaricatures struct {
	res caricature.Result
	err error
}

func (f fakeCaricatures) Generate(context.Context, string, string) (caricature.Result, error) {
	return f.res, f.err
}

type fakeSummarizer struct {
	summary string
	err     error

	mu  sync.Mutex
	got []protocol.TranscriptMessage
}

func (f *fakeSummarizer) Summarize(_ context.Context, msgs []protocol.TranscriptMessage) (string, int, error) {
	f.mu.Lock()
	f.got = msgs
	f.mu.Unlock()
	return f.summary, len(protocol.UserContents(msgs)), f.err
}

func (f *fakeSummarizer) received() []protocol.TranscriptMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.got
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	res, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer res.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return res, out
}

func TestRootAndHealth(t *testing.T) {
	srv := New(testConfig(), Deps{Relay: idleRunner{}, StoreMode: "memory", Metrics: testMetrics()})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("root request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("root status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var root map[string]any
	if err := json.NewDecoder(res.Body).Decode(&root); err != nil {
		t.Fatalf("decode root response: %v", err)
	}
	if root["status"] != "ok" || root["configured"] != true || root["model"] != "gpt-realtime" {
		t.Fatalf("unexpected root response: %+v", root)
	}

	healthRes, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request error = %v", err)
	}
	defer healthRes.Body.Close()
	var health map[string]any
	if err := json.NewDecoder(healthRes.Body).Decode(&health); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if health["status"] != "healthy" || health["endpoint_configured"] != true || health["api_key_configured"] != true {
		t.Fatalf("unexpected health response: %+v", health)
	}
}

func TestWebSocketReportsMissingConfiguration(t *testing.T) {
	cfg := testConfig()
	cfg.AzureAPIKey = ""
	srv := New(cfg, Deps{Relay: idleRunner{}})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL)+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, msgNotConfigured, msg["message"])

	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "socket should be closed after the error")
}

func TestCORSPreflight(t *testing.T) {
	cfg := testConfig()
	cfg.CORSOriginRegexp = regexp.MustCompile(`^https://.*\.example\.com$`)
	srv := New(cfg, Deps{Relay: idleRunner{}})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	preflight := func(origin string) *http.Response {
		req, err := http.NewRequest(http.MethodOptions, ts.URL+"/transcriptions/summarize", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		res.Body.Close()
		return res
	}

	res := preflight("http://localhost:3000")
	assert.Equal(t, "http://localhost:3000", res.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", res.Header.Get("Access-Control-Allow-Credentials"))

	res = preflight("https://app.example.com")
	assert.Equal(t, "https://app.example.com", res.Header.Get("Access-Control-Allow-Origin"))

	res = preflight("https://evil.test")
	assert.Empty(t, res.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	srv := New(testConfig(), Deps{Relay: idleRunner{}})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	header := http.Header{"Origin": []string{"https://evil.test"}}
	_, res, err := websocket.DefaultDialer.Dial(wsURL(ts.URL)+"/ws", header)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	header = http.Header{"Origin": []string{"http://localhost:3000"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL)+"/ws", header)
	require.NoError(t, err)
	conn.Close()
}

func TestGenerateCaricatureStatusCodes(t *testing.T) {
	okResult := caricature.Result{OK: true, OrderNumber: "42", StoredInFirebase: true, GeneratedCount: 1}
	tests := []struct {
		name       string
		gen        CaricatureGenerator
		wantStatus int
		check      func(t *testing.T, body map[string]any)
	}{
		{
			name:       "success",
			gen:        fakeCaricatures{res: okResult},
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, true, body["ok"])
				assert.Equal(t, float64(1), body["generatedCount"])
			},
		},
		{
			name:       "invalid request",
			gen:        fakeCaricatures{err: fmt.Errorf("%w: photo is not base64", caricature.ErrInvalidRequest)},
			wantStatus: http.StatusBadRequest,
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "invalid_request", body["code"])
			},
		},
		{
			name:       "generation failure",
			gen:        fakeCaricatures{err: fmt.Errorf("%w: upstream 500", caricature.ErrGeneration)},
			wantStatus: http.StatusInternalServerError,
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "generation_failed", body["code"])
			},
		},
		{
			name: "store failure keeps result",
			gen: fakeCaricatures{
				res: caricature.Result{OrderNumber: "42", GeneratedCount: 2},
				err: fmt.Errorf("%w: timeout", caricature.ErrStore),
			},
			wantStatus: http.StatusInternalServerError,
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "store_failed", body["code"])
				assert.Equal(t, false, body["storedInFirebase"])
				assert.Equal(t, float64(2), body["generatedCount"])
			},
		},
		{
			name:       "not configured",
			wantStatus: http.StatusServiceUnavailable,
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "unavailable", body["code"])
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := New(testConfig(), Deps{Relay: idleRunner{}, Caricatures: tc.gen})
			ts := httptest.NewServer(srv.Router())
			defer ts.Close()

			res, body := postJSON(t, ts.URL+"/photo/generate-caricature", map[string]string{
				"orderNumber": "42",
				"photoBase64": "aGVsbG8=",
			})
			assert.Equal(t, tc.wantStatus, res.StatusCode)
			tc.check(t, body)
		})
	}
}

func TestSummarizeAcceptsBothBodyShapes(t *testing.T) {
	sum := &fakeSummarizer{summary: "Quiere una caricatura."}
	srv := New(testConfig(), Deps{Relay: idleRunner{}, Summarizer: sum})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	msgs := []map[string]string{
		{"role": "user", "content": "hola"},
		{"role": "assistant", "content": "¡Hola!"},
		{"role": "user", "content": "quiero una caricatura"},
	}

	res, body := postJSON(t, ts.URL+"/transcriptions/summarize", msgs)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "Quiere una caricatura.", body["summary"])
	assert.Equal(t, float64(2), body["userMessageCount"])
	assert.NotContains(t, body, "stored")
	assert.Len(t, sum.received(), 3)

	res, body = postJSON(t, ts.URL+"/transcriptions/summarize", map[string]any{"messages": msgs})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, float64(2), body["userMessageCount"])
}

func TestSummarizeStoresUnderUserRecord(t *testing.T) {
	store := userstore.NewInMemoryStore()
	store.Put("42", userstore.Record{"fullName": "Ana"})
	sum := &fakeSummarizer{summary: "Resumen."}
	srv := New(testConfig(), Deps{Relay: idleRunner{}, Summarizer: sum, Users: store})
	srv.now = func() time.Time { return time.UnixMilli(1700000000123) }
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, body := postJSON(t, ts.URL+"/transcriptions/summarize", map[string]any{
		"orderNumber": "42",
		"messages":    []map[string]string{{"role": "user", "content": "hola"}},
	})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, true, body["stored"])

	rec, err := store.GetUser(context.Background(), "42")
	require.NoError(t, err)
	transcriptions, ok := rec["transcriptions"].(map[string]any)
	require.True(t, ok, "transcriptions missing: %+v", rec)
	entry, ok := transcriptions["1700000000123"].(map[string]any)
	require.True(t, ok, "entry missing: %+v", transcriptions)
	assert.Equal(t, "Resumen.", entry["summary"])
	assert.Equal(t, "Ana", rec["fullName"])
}

func TestSummarizeErrors(t *testing.T) {
	srv := New(testConfig(), Deps{Relay: idleRunner{}})
	ts := httptest.NewServer(srv.Router())
	res, _ := postJSON(t, ts.URL+"/transcriptions/summarize", []any{})
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	ts.Close()

	srv = New(testConfig(), Deps{Relay: idleRunner{}, Summarizer: &fakeSummarizer{err: errors.New("upstream closed")}})
	ts = httptest.NewServer(srv.Router())
	defer ts.Close()
	res, body := postJSON(t, ts.URL+"/transcriptions/summarize", []any{})
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Equal(t, "summary_failed", body["code"])

	res, err := http.Post(ts.URL+"/transcriptions/summarize", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestStatusIsReplayedAndBroadcast(t *testing.T) {
	registry := session.NewRegistry()
	registry.SetStatus("busy")
	srv := New(testConfig(), Deps{Relay: idleRunner{}, Registry: registry})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL)+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, string(protocol.TypeStatusUpdate), msg["type"])
	assert.Equal(t, "busy", msg["status"])

	require.Eventually(t, func() bool { return registry.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	sent, failed := registry.Broadcast(protocol.NewStatusUpdate("free"))
	assert.Equal(t, 1, sent)
	assert.Zero(t, failed)

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "free", msg["status"])

	assert.Equal(t, 1, registry.CancelAll())
	assert.Eventually(t, func() bool { return registry.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

// upstreamRecorder is a fake realtime endpoint. Every connection answers the
// opening session.update with session.created and then records what it reads.
func upstreamRecorder(t *testing.T) (*httptest.Server, <-chan map[string]any) {
	t.Helper()
	msgs := make(chan map[string]any, 64)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var first map[string]any
		if err := conn.ReadJSON(&first); err != nil {
			return
		}
		msgs <- first
		_ = conn.WriteJSON(map[string]any{"type": "session.created"})
		for {
			var m map[string]any
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			msgs <- m
		}
	}))
	t.Cleanup(srv.Close)
	return srv, msgs
}

type upstreamDialer struct{ url string }

func (d upstreamDialer) Dial(ctx context.Context) (relay.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func nextOfType(t *testing.T, ch <-chan map[string]any, typ string) map[string]any {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case m := <-ch:
			if m["type"] == typ {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for upstream %s", typ)
			return nil
		}
	}
}

func userItem(text string) map[string]any {
	return map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "message",
			"role":    "user",
			"content": []any{map[string]any{"type": "input_text", "text": text}},
		},
	}
}

func TestSessionIdentityDoesNotOutliveSocket(t *testing.T) {
	store := userstore.NewInMemoryStore()
	store.Put("42", userstore.Record{"fullName": "Ana"})
	up, upstreamMsgs := upstreamRecorder(t)

	logger := zaptest.NewLogger(t)
	resolver := relay.NewResolver(store, nil, relay.ResolverOptions{Timeout: time.Second}, logger, nil)
	rl := relay.New(upstreamDialer{url: wsURL(up.URL)}, resolver, relay.Options{
		Variant:         relay.VariantRealtime,
		ManualResponses: true,
		Instructions:    "Eres un asistente de voz.",
	}, logger, nil)
	registry := session.NewRegistry()
	srv := New(testConfig(), Deps{Relay: rl, Registry: registry, Logger: logger})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	first, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL)+"/ws", nil)
	require.NoError(t, err)
	var ack map[string]any
	require.NoError(t, first.ReadJSON(&ack))
	require.Equal(t, "session.created", ack["type"])

	require.NoError(t, first.WriteJSON(userItem("mi número de pedido es 42")))
	resp := nextOfType(t, upstreamMsgs, "response.create")
	assert.Contains(t, resp["response"].(map[string]any)["instructions"], "Ana")
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return registry.Count() == 0 }, 3*time.Second, 10*time.Millisecond)

	second, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL)+"/ws", nil)
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.ReadJSON(&ack))

	require.NoError(t, second.WriteJSON(userItem("hola, buenas tardes")))
	resp = nextOfType(t, upstreamMsgs, "response.create")
	instructions, _ := resp["response"].(map[string]any)["instructions"].(string)
	assert.NotContains(t, instructions, "Ana")
	resolver.Wait()
}

func TestKeepAlivePingsBrowser(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		peer := relay.NewPeer(conn)
		keepAlive(ctx, peer, 20*time.Millisecond)
		_ = peer.Close()
	}))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	pings := make(chan struct{}, 8)
	conn.SetPingHandler(func(string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-pings:
		case <-time.After(2 * time.Second):
			t.Fatalf("ping %d not received", i+1)
		}
	}
}
