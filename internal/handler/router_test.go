package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/gossip/internal/model"
	"github.com/hitoshi/gossip/internal/repository"
	"github.com/hitoshi/gossip/internal/view"
)

// --- モック定義 ---

type fakeProvider struct {
	mu         sync.Mutex
	verifier   string
	exchangeFn func(ctx context.Context, code string) (*model.Session, error)
}

func (p *fakeProvider) Name() string { return "twitter" }

func (p *fakeProvider) LoginURL(state, verifier string) string {
	p.mu.Lock()
	p.verifier = verifier
	p.mu.Unlock()
	return "https://idp.example.com/authorize?state=" + url.QueryEscape(state)
}

func (p *fakeProvider) Exchange(ctx context.Context, code, verifier string) (*model.Session, error) {
	p.mu.Lock()
	expected := p.verifier
	p.mu.Unlock()
	if verifier != expected {
		return nil, errors.New("verifier mismatch")
	}
	if p.exchangeFn != nil {
		return p.exchangeFn(ctx, code)
	}
	return &model.Session{
		AccessToken: "tok",
		User:        model.User{ID: "u1", Email: "a@b.com"},
	}, nil
}

type mockProfileFetcher struct {
	fetchFn func(ctx context.Context, userID string) (*model.Profile, error)
}

func (m *mockProfileFetcher) Fetch(ctx context.Context, userID string) (*model.Profile, error) {
	if m.fetchFn != nil {
		return m.fetchFn(ctx, userID)
	}
	name := "Alice"
	return &model.Profile{ID: userID, FullName: &name}, nil
}

type mockTweetService struct {
	mu     sync.Mutex
	tweets []model.Tweet
	posted []string
	listed int
	postFn func(ctx context.Context, userID, content string) error
}

func (m *mockTweetService) List(ctx context.Context, userID string) ([]model.Tweet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listed++
	return append([]model.Tweet{}, m.tweets...), nil
}

func (m *mockTweetService) Post(ctx context.Context, userID, content string) error {
	if m.postFn != nil {
		return m.postFn(ctx, userID, content)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posted = append(m.posted, content)
	m.tweets = append([]model.Tweet{{ID: fmt.Sprint(len(m.tweets) + 1), Text: content, CreatedAt: "2026-01-02T03:04:05Z"}}, m.tweets...)
	return nil
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error { return m.err }

// --- テストハーネス ---

type testEnv struct {
	server   *httptest.Server
	client   *http.Client
	provider *fakeProvider
	profiles *mockProfileFetcher
	tweets   *mockTweetService
	registry *view.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		provider: &fakeProvider{},
		profiles: &mockProfileFetcher{},
		tweets:   &mockTweetService{},
	}
	env.registry = view.NewRegistry(view.Deps{
		Sessions: repository.NewMemoryAuthSessionRepo(),
		Profiles: env.profiles,
		Tweets:   env.tweets,
		Provider: "twitter",
	}, view.RegistryConfig{IdleTimeout: time.Hour})
	t.Cleanup(env.registry.Stop)

	router := NewRouter(&RouterDeps{
		Visits:     env.registry,
		Provider:   env.provider,
		AuthConfig: AuthHandlerConfig{BaseURL: "/"},
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "# metrics")
		}),
	})
	env.server = httptest.NewServer(router)
	t.Cleanup(env.server.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("failed to create cookie jar: %v", err)
	}
	env.client = &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return env
}

func (e *testEnv) do(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, e.server.URL+path, nil)
	return e.do(t, req)
}

func (e *testEnv) postForm(t *testing.T, path string, form url.Values) (*http.Response, string) {
	t.Helper()
	if form == nil {
		form = url.Values{}
	}
	if _, ok := form["csrf_token"]; !ok {
		form.Set("csrf_token", e.cookie(t, "csrf_token"))
	}
	req, _ := http.NewRequest(http.MethodPost, e.server.URL+path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return e.do(t, req)
}

func (e *testEnv) cookie(t *testing.T, name string) string {
	t.Helper()
	u, _ := url.Parse(e.server.URL)
	for _, c := range e.client.Jar.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

func (e *testEnv) state(t *testing.T) stateResponse {
	t.Helper()
	resp, body := e.get(t, "/api/state")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/state status = %d, body = %s", resp.StatusCode, body)
	}
	var s stateResponse
	if err := json.Unmarshal([]byte(body), &s); err != nil {
		t.Fatalf("failed to decode state: %v", err)
	}
	return s
}

// signIn はログインからコールバックまでを実行する。
func (e *testEnv) signIn(t *testing.T) {
	t.Helper()
	e.get(t, "/")

	resp, _ := e.get(t, "/auth/twitter/login")
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("login status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("invalid Location: %v", err)
	}
	state := loc.Query().Get("state")

	resp, body := e.get(t, "/auth/twitter/callback?code=auth-code&state="+url.QueryEscape(state))
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("callback status = %d, body = %s", resp.StatusCode, body)
	}
}

// --- テスト ---

func TestRouter_Home_Unauthenticated(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.get(t, "/")

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(body, `href="/auth/twitter/login"`) {
		t.Error("expected login link for the configured provider")
	}
	if !strings.Contains(body, "Sign in with Twitter") {
		t.Error("expected provider label on login button")
	}
	if env.cookie(t, "visit_id") == "" {
		t.Error("expected visit_id cookie")
	}
	if env.cookie(t, "csrf_token") == "" {
		t.Error("expected csrf_token cookie")
	}
	if resp.Header.Get("X-Frame-Options") != "DENY" {
		t.Error("expected security headers")
	}
}

func TestRouter_Login_UnknownProvider(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.get(t, "/auth/github/login")

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if !strings.Contains(body, model.ErrCodeUnknownProvider) {
		t.Errorf("body = %s, want %s", body, model.ErrCodeUnknownProvider)
	}
}

func TestRouter_Login_SetsFlowCookies(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.get(t, "/auth/twitter/login")

	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want 307", resp.StatusCode)
	}
	if !strings.HasPrefix(resp.Header.Get("Location"), "https://idp.example.com/authorize") {
		t.Errorf("Location = %q", resp.Header.Get("Location"))
	}

	names := map[string]bool{}
	for _, c := range resp.Cookies() {
		names[c.Name] = true
		if (c.Name == oauthStateCookie || c.Name == oauthVerifierCookie) && !c.HttpOnly {
			t.Errorf("%s cookie should be HttpOnly", c.Name)
		}
	}
	if !names[oauthStateCookie] || !names[oauthVerifierCookie] {
		t.Errorf("cookies = %v, want state and verifier", names)
	}
}

func TestRouter_Callback_StateMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.get(t, "/auth/twitter/login")

	resp, body := env.get(t, "/auth/twitter/callback?code=c&state=forged")

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if !strings.Contains(body, model.ErrCodeInvalidState) {
		t.Errorf("body = %s, want %s", body, model.ErrCodeInvalidState)
	}
}

func TestRouter_Callback_MissingCode(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.get(t, "/auth/twitter/login")
	loc, _ := url.Parse(resp.Header.Get("Location"))

	resp, body := env.get(t, "/auth/twitter/callback?state="+url.QueryEscape(loc.Query().Get("state")))

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if !strings.Contains(body, model.ErrCodeMissingCode) {
		t.Errorf("body = %s, want %s", body, model.ErrCodeMissingCode)
	}
}

func TestRouter_Callback_ExchangeFailure(t *testing.T) {
	env := newTestEnv(t)
	env.provider.exchangeFn = func(ctx context.Context, code string) (*model.Session, error) {
		return nil, errors.New("invalid_grant")
	}
	resp, _ := env.get(t, "/auth/twitter/login")
	loc, _ := url.Parse(resp.Header.Get("Location"))

	resp, body := env.get(t, "/auth/twitter/callback?code=c&state="+url.QueryEscape(loc.Query().Get("state")))

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if !strings.Contains(body, model.ErrCodeAuthFailed) {
		t.Errorf("body = %s, want %s", body, model.ErrCodeAuthFailed)
	}
	if env.state(t).Authenticated {
		t.Error("visit should stay unauthenticated")
	}
}

func TestRouter_SignInFlow(t *testing.T) {
	env := newTestEnv(t)
	env.tweets.tweets = []model.Tweet{{ID: "t1", Text: "first", CreatedAt: "2026-01-02T03:04:05Z", Likes: 3, Retweets: 1, URL: "https://x.com/i/status/1"}}

	env.signIn(t)

	s := env.state(t)
	if !s.Authenticated || s.UserID != "u1" {
		t.Fatalf("state = %+v, want authenticated u1", s)
	}
	if s.Greeting != "Welcome, Alice" {
		t.Errorf("Greeting = %q, want %q", s.Greeting, "Welcome, Alice")
	}
	if len(s.Tweets) != 1 || s.Tweets[0].ID != "t1" {
		t.Errorf("tweets = %+v, want [t1]", s.Tweets)
	}
	if s.MaxLength != model.MaxTweetLength {
		t.Errorf("MaxLength = %d, want %d", s.MaxLength, model.MaxTweetLength)
	}

	resp, body := env.get(t, "/")
	_, nonce, ok := strings.Cut(resp.Header.Get("Content-Security-Policy"), "'nonce-")
	nonce, _, _ = strings.Cut(nonce, "'")
	if !ok || !strings.Contains(body, `<script nonce="`+nonce+`">`) {
		t.Error("inline script should carry the CSP nonce")
	}
	for _, want := range []string{
		"Welcome, Alice",
		`data-max-length="280"`,
		"0</span>/280 characters",
		"2026/01/02",
		"❤️ 3",
		"🔁 1",
		"View Tweet",
		"Sign Out",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("page does not contain %q", want)
		}
	}
	// ブラウザのmaxlengthはUTF-16単位で数えるため使わない
	if strings.Contains(body, "maxlength=") {
		t.Error("compose box should not carry a UTF-16 maxlength")
	}
	if !strings.Contains(body, `id="tweet-submit" type="submit" disabled`) {
		t.Error("submit button should be disabled for an empty draft")
	}
}

func TestRouter_PostTweet(t *testing.T) {
	env := newTestEnv(t)
	env.signIn(t)
	env.state(t)
	listedBefore := env.tweets.listed

	resp, _ := env.postForm(t, "/tweets", url.Values{"content": {"hello\r\nworld"}})

	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", resp.StatusCode)
	}
	if len(env.tweets.posted) != 1 || env.tweets.posted[0] != "hello\nworld" {
		t.Errorf("posted = %q, want [\"hello\\nworld\"]", env.tweets.posted)
	}
	if env.tweets.listed != listedBefore+1 {
		t.Errorf("list calls after post = %d, want exactly one refetch", env.tweets.listed-listedBefore)
	}

	s := env.state(t)
	if s.Draft != "" {
		t.Errorf("Draft = %q, want empty after success", s.Draft)
	}
	if len(s.Tweets) != 1 || s.Tweets[0].Text != "hello\nworld" {
		t.Errorf("tweets = %+v", s.Tweets)
	}
}

func TestRouter_PostTweet_BlankIsNoop(t *testing.T) {
	env := newTestEnv(t)
	env.signIn(t)

	env.postForm(t, "/tweets", url.Values{"content": {"   "}})

	if len(env.tweets.posted) != 0 {
		t.Errorf("posted = %v, want no request for a blank draft", env.tweets.posted)
	}
}

func TestRouter_PostTweet_FailureAlertsOnce(t *testing.T) {
	env := newTestEnv(t)
	env.tweets.postFn = func(ctx context.Context, userID, content string) error {
		return &model.PostError{StatusCode: 400, Detail: "Tweet too long"}
	}
	env.signIn(t)

	env.postForm(t, "/tweets", url.Values{"content": {"keep me"}})

	if s := env.state(t); s.Draft != "keep me" {
		t.Errorf("Draft = %q, want draft kept after failure", s.Draft)
	}

	_, body := env.get(t, "/")
	if !strings.Contains(body, "<dialog open") || !strings.Contains(body, "Tweet too long") {
		t.Error("expected alert dialog with server detail")
	}
	if !strings.Contains(body, ">keep me</textarea>") {
		t.Error("expected draft to be rendered back into the compose box")
	}

	_, body = env.get(t, "/")
	if strings.Contains(body, "Tweet too long") {
		t.Error("alert should be shown only once")
	}
}

func TestRouter_PostTweet_JSON(t *testing.T) {
	env := newTestEnv(t)
	env.signIn(t)

	req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/tweets", strings.NewReader(`{"content":"from json"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-CSRF-Token", env.cookie(t, "csrf_token"))
	resp, body := env.do(t, req)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var s stateResponse
	if err := json.Unmarshal([]byte(body), &s); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(s.Tweets) != 1 || s.Tweets[0].Text != "from json" {
		t.Errorf("tweets = %+v", s.Tweets)
	}
}

func TestRouter_PostTweet_WithoutCSRF(t *testing.T) {
	env := newTestEnv(t)
	env.signIn(t)

	resp, _ := env.postForm(t, "/tweets", url.Values{"content": {"hi"}, "csrf_token": {"wrong"}})

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if len(env.tweets.posted) != 0 {
		t.Error("tweet should not be posted")
	}
}

func TestRouter_PostTweet_Unauthenticated(t *testing.T) {
	env := newTestEnv(t)
	env.get(t, "/")

	req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/tweets", strings.NewReader(`{"content":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-CSRF-Token", env.cookie(t, "csrf_token"))
	resp, _ := env.do(t, req)

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRouter_RefreshTweets(t *testing.T) {
	env := newTestEnv(t)
	env.signIn(t)
	env.state(t)
	listedBefore := env.tweets.listed

	resp, _ := env.postForm(t, "/tweets/refresh", nil)

	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", resp.StatusCode)
	}
	if env.tweets.listed != listedBefore+1 {
		t.Errorf("list calls = %d, want one more", env.tweets.listed-listedBefore)
	}
}

func TestRouter_Logout(t *testing.T) {
	env := newTestEnv(t)
	env.signIn(t)

	resp, _ := env.postForm(t, "/auth/logout", nil)

	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", resp.StatusCode)
	}
	s := env.state(t)
	if s.Authenticated || s.UserID != "" || len(s.Tweets) != 0 {
		t.Errorf("state = %+v, want unauthenticated with cleared panel", s)
	}
}

func TestRouter_ProfileFailure_FallsBackToEmail(t *testing.T) {
	env := newTestEnv(t)
	env.profiles.fetchFn = func(ctx context.Context, userID string) (*model.Profile, error) {
		return nil, &model.StatusError{StatusCode: 500}
	}

	env.signIn(t)

	_, body := env.get(t, "/")
	if !strings.Contains(body, "Welcome, a@b.com") {
		t.Error("expected greeting to fall back to email")
	}
	if !strings.Contains(body, model.AlertProfileFetchFailed) {
		t.Error("expected profile fetch alert")
	}
}

func TestRouter_EscapesRemoteText(t *testing.T) {
	env := newTestEnv(t)
	env.tweets.tweets = []model.Tweet{
		{ID: "t1", Text: `<img src=x onerror="steal()">safe text`, URL: "javascript:steal()"},
		{ID: "t2", Text: "vector<int> is fine & so is a < b", URL: "https://x.com/i/status/2"},
	}

	env.signIn(t)

	_, body := env.get(t, "/")
	if strings.Contains(body, "<img src=x") || strings.Contains(body, "javascript:") {
		t.Error("remote content should not be rendered as markup")
	}
	for _, want := range []string{
		"&lt;img src=x onerror=&#34;steal()&#34;&gt;safe text",
		"vector&lt;int&gt; is fine &amp; so is a &lt; b",
		`href="https://x.com/i/status/2"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("page does not contain %q", want)
		}
	}
}

func TestRouter_StateKeepsRemoteTextVerbatim(t *testing.T) {
	env := newTestEnv(t)
	env.tweets.tweets = []model.Tweet{{ID: "t1", Text: "vector<int> is fine"}}

	env.signIn(t)

	s := env.state(t)
	if len(s.Tweets) != 1 || s.Tweets[0].Text != "vector<int> is fine" {
		t.Errorf("tweets = %+v, want text kept as posted", s.Tweets)
	}
}

func TestRouter_Health(t *testing.T) {
	tests := []struct {
		name    string
		checker HealthChecker
		want    int
	}{
		{"no checker", nil, http.StatusOK},
		{"healthy", &mockHealthChecker{}, http.StatusOK},
		{"unhealthy", &mockHealthChecker{err: errors.New("db down")}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter(&RouterDeps{HealthChecker: tt.checker, Provider: &fakeProvider{}})
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestRouter_Metrics(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.get(t, "/metrics")

	if resp.StatusCode != http.StatusOK || body != "# metrics" {
		t.Errorf("status = %d, body = %q", resp.StatusCode, body)
	}
	if env.cookie(t, "visit_id") != "" {
		t.Error("/metrics should not create a visit")
	}
}
