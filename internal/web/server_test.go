package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/greengpt/internal/display"
	"github.com/goodtune/greengpt/internal/gate"
	"github.com/goodtune/greengpt/internal/impact"
	"github.com/goodtune/greengpt/internal/intercept"
	"github.com/goodtune/greengpt/internal/storage/memory"
	"github.com/rs/zerolog"
)

type testEnv struct {
	server     *Server
	aggregator *impact.Aggregator
	upstream   *httptest.Server

	mu       sync.Mutex
	received []*http.Request
}

func (e *testEnv) lastUpstreamRequest() *http.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.received) == 0 {
		return nil
	}
	return e.received[len(e.received)-1]
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{}
	env.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		env.mu.Lock()
		env.received = append(env.received, r)
		env.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"abcdabcd"}}]}`))
	}))
	t.Cleanup(env.upstream.Close)

	store := memory.Open()
	ctx := context.Background()

	if _, err := CreateUser(ctx, store.Users(), "alice", "secret-pass"); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}

	env.aggregator = impact.New(ctx, store.Blobs(), impact.Options{}, zerolog.Nop())

	engine, err := gate.NewEngine("", zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create gate engine: %v", err)
	}

	interceptor := intercept.New(intercept.Options{ChatPaths: []string{"/api/chat"}}, zerolog.Nop())
	detach := interceptor.Attach(env.aggregator)
	t.Cleanup(detach)

	cfg := Config{
		JWTSecret:   "test-secret",
		RateLimit:   1000,
		UpstreamURL: env.upstream.URL,
		Thresholds:  display.DefaultThresholds,
	}

	env.server, err = NewServer(cfg, store, env.aggregator, engine, interceptor, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(env.server.Close)

	return env
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T) string {
	t.Helper()

	rec := e.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: "alice", Password: "secret-pass"})
	if rec.Code != http.StatusOK {
		t.Fatalf("Login failed with status %d: %s", rec.Code, rec.Body.String())
	}

	var resp LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode login response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("Expected token in login response")
	}
	return resp.Token
}

func TestLoginAndMe(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: "alice", Password: "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for bad password, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: "alice", Password: "secret-pass"})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == TokenCookie {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value == "" || !cookie.HttpOnly {
		t.Fatalf("Expected HttpOnly token cookie, got %+v", cookie)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 from /api/auth/me, got %d", rec.Code)
	}
	var user UserInfo
	if err := json.NewDecoder(rec.Body).Decode(&user); err != nil {
		t.Fatalf("Failed to decode user: %v", err)
	}
	if user.Username != "alice" || user.ID == "" {
		t.Errorf("Unexpected user %+v", user)
	}
}

func TestLoginRejectsIncompleteRequest(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: "alice"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestAPIRequiresAuthentication(t *testing.T) {
	env := setupTestServer(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/impact"},
		{http.MethodPost, "/api/impact/reset"},
		{http.MethodGet, "/api/impact/history"},
		{http.MethodGet, "/api/models"},
		{http.MethodPost, "/api/chat"},
	}

	for _, p := range paths {
		rec := env.do(t, p.method, p.path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", p.method, p.path, rec.Code)
		}
		rec = env.do(t, p.method, p.path, "not-a-token", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s with bad token: expected 401, got %d", p.method, p.path, rec.Code)
		}
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	env := setupTestServer(t)
	token := env.login(t)

	if rec := env.do(t, http.MethodPost, "/api/auth/logout", token, nil); rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 from logout, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/auth/me", token, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected revoked token to be rejected, got %d", rec.Code)
	}
}

func TestPageGate(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, http.MethodGet, "/", "", nil)
	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("Expected redirect, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/login" {
		t.Errorf("Expected redirect to /login, got %s", loc)
	}

	rec = env.do(t, http.MethodGet, "/chat/abc", "", nil)
	if rec.Code != http.StatusTemporaryRedirect {
		t.Errorf("Expected chat page to redirect, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/login", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected login page to be public, got %d", rec.Code)
	}

	token := env.login(t)
	rec = env.do(t, http.MethodGet, "/chat/abc", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for signed-in visitor, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "GreenGPT") {
		t.Error("Expected the chat page")
	}
}

func TestGateMiddlewareSetsHeaders(t *testing.T) {
	env := setupTestServer(t)
	token := env.login(t)

	engine, err := gate.NewEngine("", zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create gate engine: %v", err)
	}

	var gotURL, gotCI string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.Header.Get("X-URL")
		gotCI = r.Header.Get("X-Is-CI")
	})
	handler := GateMiddleware(engine, env.server.Auth(), true, zerolog.Nop())(next)

	req := httptest.NewRequest(http.MethodGet, "http://chat.example/chat/42?x=1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if gotURL != "http://chat.example/chat/42?x=1" {
		t.Errorf("Expected X-URL of the request, got %q", gotURL)
	}
	if gotCI != "true" {
		t.Errorf("Expected X-Is-CI true, got %q", gotCI)
	}

	// Exempt paths pass without the headers
	gotURL = ""
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	if gotURL != "" {
		t.Errorf("Expected no X-URL for anonymous exempt request, got %q", gotURL)
	}
}

func TestImpactEndpoints(t *testing.T) {
	env := setupTestServer(t)
	token := env.login(t)

	env.aggregator.AddTokens(100)

	rec := env.do(t, http.MethodGet, "/api/impact", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var view display.View
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("Failed to decode view: %v", err)
	}
	if view.Summary.Tokens != 100 {
		t.Errorf("Expected 100 tokens, got %d", view.Summary.Tokens)
	}
	if view.Water.Value != 0.01 {
		t.Errorf("Expected 0.01 L water, got %v", view.Water.Value)
	}

	rec = env.do(t, http.MethodPost, "/api/impact/reset", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 from reset, got %d", rec.Code)
	}
	var reset ResetResponse
	if err := json.NewDecoder(rec.Body).Decode(&reset); err != nil {
		t.Fatalf("Failed to decode reset: %v", err)
	}
	if !reset.Archived || reset.Session == nil || reset.Session.Tokens != 100 {
		t.Errorf("Expected archived session of 100 tokens, got %+v", reset)
	}
	if reset.Current.Tokens != 0 {
		t.Errorf("Expected zeroed session, got %d tokens", reset.Current.Tokens)
	}

	rec = env.do(t, http.MethodGet, "/api/impact/history", token, nil)
	var history []impact.SessionRecord
	if err := json.NewDecoder(rec.Body).Decode(&history); err != nil {
		t.Fatalf("Failed to decode history: %v", err)
	}
	if len(history) != 1 || history[0].Tokens != 100 {
		t.Errorf("Expected one history record of 100 tokens, got %+v", history)
	}

	rec = env.do(t, http.MethodGet, "/api/impact/daily", token, nil)
	var daily []impact.DailyRecord
	if err := json.NewDecoder(rec.Body).Decode(&daily); err != nil {
		t.Fatalf("Failed to decode daily: %v", err)
	}
	if len(daily) != 1 || daily[0].Tokens != 100 {
		t.Errorf("Expected one daily record of 100 tokens, got %+v", daily)
	}

	// A second reset with nothing recorded archives nothing
	rec = env.do(t, http.MethodPost, "/api/impact/reset", token, nil)
	reset = ResetResponse{}
	_ = json.NewDecoder(rec.Body).Decode(&reset)
	if reset.Archived {
		t.Error("Expected empty session not to be archived")
	}
}

func TestModels(t *testing.T) {
	env := setupTestServer(t)
	token := env.login(t)

	rec := env.do(t, http.MethodGet, "/api/models", token, nil)
	var resp ModelsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode models: %v", err)
	}
	if resp.Default != "gpt-4o" {
		t.Errorf("Expected default gpt-4o, got %s", resp.Default)
	}
	if len(resp.Models) != 4 {
		t.Errorf("Expected 4 models, got %d", len(resp.Models))
	}
	if resp.MaxAttachmentSize != 10<<20 {
		t.Errorf("Expected 10 MiB attachment limit, got %d", resp.MaxAttachmentSize)
	}
}

func TestChatForwardsAndCountsTokens(t *testing.T) {
	env := setupTestServer(t)
	token := env.login(t)

	rec := env.do(t, http.MethodPost, "/api/chat", token, map[string]interface{}{
		"model":    "gpt-4o",
		"messages": []map[string]string{{"role": "user", "content": "abcdabcd"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "abcdabcd") {
		t.Errorf("Expected upstream body, got %s", rec.Body.String())
	}

	// 8 runes each way
	if got := env.aggregator.State().Tokens; got != 4 {
		t.Errorf("Expected 4 tokens, got %d", got)
	}

	upstreamReq := env.lastUpstreamRequest()
	if upstreamReq == nil {
		t.Fatal("Expected request at upstream")
	}
	if upstreamReq.URL.Path != "/api/chat" {
		t.Errorf("Expected upstream path /api/chat, got %s", upstreamReq.URL.Path)
	}
	if upstreamReq.Header.Get("Authorization") != "" {
		t.Error("Authorization header leaked upstream")
	}
}

func TestChatValidation(t *testing.T) {
	env := setupTestServer(t)
	token := env.login(t)

	tests := []struct {
		name string
		body map[string]interface{}
		want int
	}{
		{
			name: "unknown model",
			body: map[string]interface{}{"model": "gpt-99"},
			want: http.StatusBadRequest,
		},
		{
			name: "unsupported attachment",
			body: map[string]interface{}{"attachments": []attachment{{Name: "a.exe", ContentType: "application/x-msdownload", Size: 10}}},
			want: http.StatusBadRequest,
		},
		{
			name: "oversized attachment",
			body: map[string]interface{}{"attachments": []attachment{{Name: "a.png", ContentType: "image/png", Size: 11 << 20}}},
			want: http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/chat", token, tt.body)
			if rec.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, rec.Code)
			}
		})
	}

	if env.lastUpstreamRequest() != nil {
		t.Error("Rejected requests must not reach the upstream")
	}
	if got := env.aggregator.State().Tokens; got != 0 {
		t.Errorf("Expected no tokens for rejected requests, got %d", got)
	}
}

func TestChatWithoutUpstream(t *testing.T) {
	store := memory.Open()
	agg := impact.New(context.Background(), store.Blobs(), impact.Options{}, zerolog.Nop())
	engine, err := gate.NewEngine("", zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create gate engine: %v", err)
	}

	s, err := NewServer(Config{JWTSecret: "x"}, store, agg, engine, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	defer s.Close()

	session := Session{ID: "s1", UserID: "u1", Username: "bob", CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
	s.auth.sessions.Add(session.ID, session)
	token, err := s.auth.GenerateToken(session)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
}

func TestNewServerRejectsBadUpstream(t *testing.T) {
	store := memory.Open()
	agg := impact.New(context.Background(), store.Blobs(), impact.Options{}, zerolog.Nop())
	engine, _ := gate.NewEngine("", zerolog.Nop())
	interceptor := intercept.New(intercept.Options{}, zerolog.Nop())

	if _, err := NewServer(Config{UpstreamURL: "not a url"}, store, agg, engine, interceptor, zerolog.Nop()); err == nil {
		t.Error("Expected error for invalid upstream URL")
	}
}

func TestEventStream(t *testing.T) {
	env := setupTestServer(t)
	token := env.login(t)

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/impact/events", nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Expected text/event-stream, got %s", ct)
	}

	reader := bufio.NewReader(resp.Body)
	first := readEvent(t, reader)
	if first.Summary.Tokens != 0 {
		t.Errorf("Expected initial view with 0 tokens, got %d", first.Summary.Tokens)
	}

	env.aggregator.AddTokens(42)

	next := readEvent(t, reader)
	if next.Summary.Tokens != 42 {
		t.Errorf("Expected 42 tokens in pushed view, got %d", next.Summary.Tokens)
	}
	if next.Version <= first.Version {
		t.Errorf("Expected version to advance, got %d after %d", next.Version, first.Version)
	}
}

func readEvent(t *testing.T, r *bufio.Reader) display.View {
	t.Helper()

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("Failed to read event: %v", err)
		}
		if data, ok := strings.CutPrefix(strings.TrimRight(line, "\n"), "data: "); ok {
			var v display.View
			if err := json.Unmarshal([]byte(data), &v); err != nil {
				t.Fatalf("Failed to decode event: %v", err)
			}
			return v
		}
	}
}

func TestBrokerKeepsLatestView(t *testing.T) {
	b := newBroker()
	views, unsubscribe := b.subscribe()

	b.publish(display.View{Version: 1})
	b.publish(display.View{Version: 2})
	b.publish(display.View{Version: 3})

	if got := (<-views).Version; got != 3 {
		t.Errorf("Expected latest view 3, got %d", got)
	}

	unsubscribe()
	unsubscribe()
	if b.len() != 0 {
		t.Errorf("Expected no clients after unsubscribe, got %d", b.len())
	}

	// Publishing with no clients must not block
	b.publish(display.View{Version: 4})
}

func TestBrokerDropsOlderViews(t *testing.T) {
	b := newBroker()
	views, unsubscribe := b.subscribe()
	defer unsubscribe()

	b.publish(display.View{Version: 5})
	b.publish(display.View{Version: 3})

	if got := (<-views).Version; got != 5 {
		t.Errorf("Expected view 5, got %d", got)
	}

	// Same version again is a refresh, e.g. a dismissed notice
	b.publish(display.View{Version: 5, Water: display.GaugeView{Percent: 100}})
	select {
	case v := <-views:
		if v.Water.Percent != 100 {
			t.Errorf("Expected refreshed view, got %+v", v)
		}
	default:
		t.Error("Expected a refreshed view at the same version")
	}
}

func TestHealth(t *testing.T) {
	env := setupTestServer(t)

	rec := env.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("Unexpected health body: %s", rec.Body.String())
	}
}

func TestStaticAssets(t *testing.T) {
	env := setupTestServer(t)

	for _, path := range []string{"/static/js/app.js", "/static/css/app.css", "/favicon.ico"} {
		rec := env.do(t, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}
