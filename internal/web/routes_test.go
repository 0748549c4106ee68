package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/chandlo/internal/authapi"
	"github.com/tyemirov/chandlo/internal/session"
	"github.com/tyemirov/chandlo/internal/tokenstore"
	"go.uber.org/zap/zaptest"
)

func mintToken(t *testing.T, subject string, lifetime time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   subject,
		"exp":   time.Now().Add(lifetime).Unix(),
		"roles": []string{"admin"},
	})
	signed, err := token.SignedString([]byte("backend-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

type fakeBackend struct {
	mutex         sync.Mutex
	issued        string
	renewed       string
	accepted      string
	refreshFails  bool
	refreshCalls  int
	resourceCalls int
}

func (backend *fakeBackend) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/token/", func(writer http.ResponseWriter, request *http.Request) {
		var credentials map[string]string
		_ = json.NewDecoder(request.Body).Decode(&credentials)
		if credentials["password"] != "secret" {
			writer.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(writer, `{"detail":"No active account found with the given credentials"}`)
			return
		}
		backend.mutex.Lock()
		backend.accepted = backend.issued
		backend.mutex.Unlock()
		_ = json.NewEncoder(writer).Encode(map[string]string{"access": backend.issued, "refresh": "refresh-1"})
	})
	mux.HandleFunc("/api/token/refresh/", func(writer http.ResponseWriter, request *http.Request) {
		backend.mutex.Lock()
		defer backend.mutex.Unlock()
		backend.refreshCalls++
		if backend.refreshFails {
			writer.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(writer, `{"detail":"Token is invalid or expired"}`)
			return
		}
		backend.accepted = backend.renewed
		_ = json.NewEncoder(writer).Encode(map[string]string{"access": backend.renewed, "refresh": "refresh-2"})
	})
	mux.HandleFunc("/api/userProfile/", func(writer http.ResponseWriter, request *http.Request) {
		_, _ = io.WriteString(writer, `{"username":"host"}`)
	})
	resource := func(writer http.ResponseWriter, request *http.Request) {
		backend.mutex.Lock()
		backend.resourceCalls++
		accepted := backend.accepted
		backend.mutex.Unlock()
		if accepted == "" || request.Header.Get("Authorization") != "Bearer "+accepted {
			writer.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(writer, `{"detail":"Given token not valid for any token type"}`)
			return
		}
		switch {
		case request.Method == http.MethodPost:
			body, _ := io.ReadAll(request.Body)
			writer.WriteHeader(http.StatusCreated)
			_, _ = writer.Write(body)
		case request.URL.Query().Get("page") != "":
			_, _ = io.WriteString(writer, `{"results":[{"id":1}],"count":1,"next":null,"previous":null}`)
		default:
			_, _ = io.WriteString(writer, `{"id":7,"path":"`+request.URL.Path+`"}`)
		}
	}
	mux.HandleFunc("/api/events/", resource)
	mux.HandleFunc("/api/guest/", resource)
	return mux
}

func (backend *fakeBackend) revoke() {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	backend.accepted = ""
}

func (backend *fakeBackend) counts() (int, int) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	return backend.refreshCalls, backend.resourceCalls
}

type routeFixture struct {
	router  *gin.Engine
	manager *session.Manager
	history *session.History
	notices *session.NoticeCenter
	metrics *session.CounterMetrics
	backend *fakeBackend
}

func newRouteFixture(t *testing.T) *routeFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	backend := &fakeBackend{
		issued:  mintToken(t, "host", time.Hour),
		renewed: mintToken(t, "host-renewed", 2*time.Hour),
	}
	server := httptest.NewServer(backend.handler(t))
	t.Cleanup(server.Close)

	logger := zaptest.NewLogger(t)
	client, err := authapi.New(authapi.Config{Host: server.URL}, logger)
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	history := session.NewHistory("/")
	notices := session.NewNoticeCenter(nil)
	metrics := session.NewCounterMetrics()
	manager, err := session.NewManager(session.Config{
		Store:         tokenstore.New(nil),
		API:           client,
		Navigator:     history,
		Notifier:      notices,
		Metrics:       metrics,
		Logger:        logger,
		VerifyAccount: true,
	})
	if err != nil {
		t.Fatalf("failed to build manager: %v", err)
	}

	router := gin.New()
	mountErr := MountRoutes(router, Dependencies{
		Sessions:  manager,
		Resources: client,
		Locations: history,
		Notices:   notices,
		Metrics:   metrics,
		Assets: fstest.MapFS{
			"shell.html":        {Data: []byte("<main id=\"app\"></main>")},
			"session-client.js": {Data: []byte("void 0;")},
		},
		Logger: logger,
	})
	if mountErr != nil {
		t.Fatalf("failed to mount routes: %v", mountErr)
	}
	return &routeFixture{router: router, manager: manager, history: history, notices: notices, metrics: metrics, backend: backend}
}

func (fixture *routeFixture) do(method string, path string, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, request)
	return recorder
}

func (fixture *routeFixture) login(t *testing.T) {
	t.Helper()
	if recorder := fixture.do(http.MethodPost, "/login", `{"username":"host","password":"secret"}`); recorder.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", recorder.Code, recorder.Body.String())
	}
}

func decodeView(t *testing.T, recorder *httptest.ResponseRecorder) sessionView {
	t.Helper()
	var view sessionView
	if err := json.Unmarshal(recorder.Body.Bytes(), &view); err != nil {
		t.Fatalf("failed to decode session view %q: %v", recorder.Body.String(), err)
	}
	return view
}

func TestMountRoutesRequiresDependencies(t *testing.T) {
	t.Parallel()

	if err := MountRoutes(gin.New(), Dependencies{}); !errors.Is(err, ErrMissingDependency) {
		t.Fatalf("expected ErrMissingDependency, got %v", err)
	}
}

func TestPagesShowPlaceholderWhileAuthenticating(t *testing.T) {
	fixture := newRouteFixture(t)

	recorder := fixture.do(http.MethodGet, "/events", "")
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected placeholder before initialization, got %d", recorder.Code)
	}
	if recorder := fixture.do(http.MethodGet, "/api/events", ""); recorder.Code != http.StatusAccepted {
		t.Fatalf("expected placeholder for api before initialization, got %d", recorder.Code)
	}
}

func TestLoginFlowThroughRoutes(t *testing.T) {
	fixture := newRouteFixture(t)
	fixture.manager.Initialize(context.Background())

	if fixture.history.Location() != "/login" {
		t.Fatalf("expected initialization to land on /login, got %s", fixture.history.Location())
	}
	recorder := fixture.do(http.MethodGet, "/events", "")
	if recorder.Code != http.StatusSeeOther || recorder.Header().Get("Location") != "/login" {
		t.Fatalf("expected redirect to login, got %d %q", recorder.Code, recorder.Header().Get("Location"))
	}
	if recorder := fixture.do(http.MethodGet, "/login", ""); recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), "app") {
		t.Fatalf("expected login page shell, got %d", recorder.Code)
	}

	rejected := fixture.do(http.MethodPost, "/login", `{"username":"host","password":"nope"}`)
	if rejected.Code != http.StatusUnauthorized || !strings.Contains(rejected.Body.String(), "No active account found") {
		t.Fatalf("expected backend message on rejected login, got %d %s", rejected.Code, rejected.Body.String())
	}

	accepted := fixture.do(http.MethodPost, "/login", `{"username":"host","password":"secret"}`)
	if accepted.Code != http.StatusOK {
		t.Fatalf("expected login to succeed, got %d %s", accepted.Code, accepted.Body.String())
	}
	view := decodeView(t, accepted)
	if view.State != "authenticated" || view.Location != "/" || view.Subject != "host" || view.ExpiresAt == nil {
		t.Fatalf("unexpected session view: %#v", view)
	}
	if strings.Contains(accepted.Body.String(), "refresh-1") {
		t.Fatalf("session view must not expose tokens")
	}

	if recorder := fixture.do(http.MethodGet, "/events", ""); recorder.Code != http.StatusOK {
		t.Fatalf("expected protected page after login, got %d", recorder.Code)
	}
	if recorder := fixture.do(http.MethodGet, "/signup", ""); recorder.Code != http.StatusSeeOther || recorder.Header().Get("Location") != "/" {
		t.Fatalf("expected public page to redirect home, got %d", recorder.Code)
	}

	notices := fixture.do(http.MethodGet, "/notices", "")
	var drained struct {
		Notices []session.Notice `json:"notices"`
	}
	if err := json.Unmarshal(notices.Body.Bytes(), &drained); err != nil {
		t.Fatalf("failed to decode notices: %v", err)
	}
	if len(drained.Notices) != 2 || drained.Notices[1].Message != "Login successful! Welcome back!" {
		t.Fatalf("unexpected notices: %#v", drained.Notices)
	}

	logout := fixture.do(http.MethodPost, "/logout", "")
	if view := decodeView(t, logout); view.State != "unauthenticated" || view.Location != "/login" {
		t.Fatalf("unexpected view after logout: %#v", view)
	}
	if recorder := fixture.do(http.MethodGet, "/api/events", ""); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected api to reject after logout, got %d", recorder.Code)
	}
}

func TestMetricsEndpointFiltersByPrefix(t *testing.T) {
	fixture := newRouteFixture(t)
	fixture.manager.Initialize(context.Background())
	fixture.login(t)
	fixture.do(http.MethodPost, "/logout", "")

	decodeCounters := func(recorder *httptest.ResponseRecorder) map[string]int64 {
		t.Helper()
		if recorder.Code != http.StatusOK {
			t.Fatalf("expected metrics, got %d", recorder.Code)
		}
		var payload struct {
			Counters map[string]int64 `json:"counters"`
		}
		if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
			t.Fatalf("failed to decode metrics: %v", err)
		}
		return payload.Counters
	}

	all := decodeCounters(fixture.do(http.MethodGet, "/metrics", ""))
	if all[session.MetricLoginSuccess] != 1 || all[session.MetricLogout] < 1 {
		t.Fatalf("unexpected counters: %v", all)
	}
	login := decodeCounters(fixture.do(http.MethodGet, "/metrics?prefix=session.login", ""))
	if len(login) != 1 || login[session.MetricLoginSuccess] != 1 {
		t.Fatalf("expected only login counters, got %v", login)
	}
}

func TestForwardAttachesBearerToken(t *testing.T) {
	fixture := newRouteFixture(t)
	fixture.manager.Initialize(context.Background())
	fixture.login(t)

	recorder := fixture.do(http.MethodGet, "/api/events/7", "")
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), `"path":"/api/events/7/"`) {
		t.Fatalf("unexpected forwarded response: %d %s", recorder.Code, recorder.Body.String())
	}

	created := fixture.do(http.MethodPost, "/api/events", `{"name":"Wedding"}`)
	if created.Code != http.StatusCreated || !strings.Contains(created.Body.String(), "Wedding") {
		t.Fatalf("unexpected forwarded create: %d %s", created.Code, created.Body.String())
	}

	if recorder := fixture.do(http.MethodPost, "/api/events", `{broken`); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected invalid json to be rejected, got %d", recorder.Code)
	}
	if recorder := fixture.do(http.MethodDelete, "/api/events", ""); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected delete without id to be rejected, got %d", recorder.Code)
	}
	if recorder := fixture.do(http.MethodGet, "/api/unknown", ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected unknown resource to be rejected, got %d", recorder.Code)
	}
}

func TestForwardPaginatedListing(t *testing.T) {
	fixture := newRouteFixture(t)
	fixture.manager.Initialize(context.Background())
	fixture.login(t)
	_, callsBefore := fixture.backend.counts()

	empty := fixture.do(http.MethodGet, "/api/guest?page=0", "")
	var emptyPage authapi.Page
	if err := json.Unmarshal(empty.Body.Bytes(), &emptyPage); err != nil || len(emptyPage.Results) != 0 || emptyPage.TotalCount != 0 {
		t.Fatalf("unexpected empty page: %s", empty.Body.String())
	}
	if _, callsAfter := fixture.backend.counts(); callsAfter != callsBefore {
		t.Fatalf("expected page zero to skip the backend")
	}

	listed := fixture.do(http.MethodGet, "/api/guest?page=2&search=anna&event=3", "")
	var page authapi.Page
	if err := json.Unmarshal(listed.Body.Bytes(), &page); err != nil || len(page.Results) != 1 || page.TotalCount != 1 {
		t.Fatalf("unexpected page: %d %s", listed.Code, listed.Body.String())
	}
}

func TestForwardRefreshesOnceAfterUnauthorized(t *testing.T) {
	fixture := newRouteFixture(t)
	fixture.manager.Initialize(context.Background())
	fixture.login(t)
	fixture.backend.revoke()

	recorder := fixture.do(http.MethodGet, "/api/events/7", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected retried call to succeed, got %d %s", recorder.Code, recorder.Body.String())
	}
	refreshCalls, _ := fixture.backend.counts()
	if refreshCalls != 1 {
		t.Fatalf("expected one refresh, got %d", refreshCalls)
	}
	if fixture.manager.Snapshot().Claims.Subject != "host-renewed" {
		t.Fatalf("expected renewed session, got %#v", fixture.manager.Snapshot().Claims)
	}
}

func TestForwardExpiresSessionWhenRefreshFails(t *testing.T) {
	fixture := newRouteFixture(t)
	fixture.manager.Initialize(context.Background())
	fixture.login(t)
	fixture.history.Visit("/events")
	fixture.notices.Drain()
	fixture.backend.revoke()
	fixture.backend.mutex.Lock()
	fixture.backend.refreshFails = true
	fixture.backend.mutex.Unlock()

	recorder := fixture.do(http.MethodGet, "/api/events/7", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after failed refresh, got %d", recorder.Code)
	}
	if fixture.manager.State() != session.Unauthenticated || fixture.history.Location() != "/login" {
		t.Fatalf("expected logout to /login, got %v at %s", fixture.manager.State(), fixture.history.Location())
	}
	notices := fixture.notices.Drain()
	if len(notices) != 1 || notices[0].Message != "Session expired." {
		t.Fatalf("expected session expired notice, got %#v", notices)
	}
}
