package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/chandlo/internal/tokenstore"
	"go.uber.org/zap/zaptest"
)

type fixedClock struct {
	current time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.current
}

type fakeAPI struct {
	mutex         sync.Mutex
	obtain        func(username string, password string) (tokenstore.TokenPair, error)
	refresh       func(ctx context.Context, refreshToken string) (tokenstore.TokenPair, error)
	createUser    func(payload map[string]any) (string, error)
	verify        func(accessToken string) error
	refreshCalls  int
	verifyCalls   int
	obtainCalls   int
	lastRefreshed string
}

func (api *fakeAPI) ObtainTokens(ctx context.Context, username string, password string) (tokenstore.TokenPair, error) {
	api.mutex.Lock()
	api.obtainCalls++
	api.mutex.Unlock()
	if api.obtain == nil {
		return tokenstore.TokenPair{}, errors.New("obtain not configured")
	}
	return api.obtain(username, password)
}

func (api *fakeAPI) RefreshTokens(ctx context.Context, refreshToken string) (tokenstore.TokenPair, error) {
	api.mutex.Lock()
	api.refreshCalls++
	api.lastRefreshed = refreshToken
	api.mutex.Unlock()
	if api.refresh == nil {
		return tokenstore.TokenPair{}, errors.New("refresh not configured")
	}
	return api.refresh(ctx, refreshToken)
}

func (api *fakeAPI) CreateUser(ctx context.Context, payload map[string]any) (string, error) {
	if api.createUser == nil {
		return "", errors.New("create user not configured")
	}
	return api.createUser(payload)
}

func (api *fakeAPI) VerifyAccount(ctx context.Context, accessToken string) error {
	api.mutex.Lock()
	api.verifyCalls++
	api.mutex.Unlock()
	if api.verify == nil {
		return nil
	}
	return api.verify(accessToken)
}

func (api *fakeAPI) RefreshCalls() int {
	api.mutex.Lock()
	defer api.mutex.Unlock()
	return api.refreshCalls
}

func mintAccessToken(t *testing.T, subject string, expiresAt time.Time, roles ...string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   subject,
		"exp":   expiresAt.Unix(),
		"roles": roles,
	})
	signed, err := token.SignedString([]byte("backend-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

type testHarness struct {
	manager  *Manager
	api      *fakeAPI
	store    *tokenstore.Store
	medium   *tokenstore.MemoryMedium
	history  *History
	notices  *NoticeCenter
	metrics  *CounterMetrics
	clock    fixedClock
	observed []State
}

func newHarness(t *testing.T, location string, verify bool) *testHarness {
	t.Helper()
	harness := &testHarness{
		api:     &fakeAPI{},
		medium:  tokenstore.NewMemoryMedium(),
		history: NewHistory(location),
		metrics: NewCounterMetrics(),
		clock:   fixedClock{current: time.Unix(1700000000, 0).UTC()},
	}
	harness.store = tokenstore.New(harness.medium)
	harness.notices = NewNoticeCenter(harness.clock)
	manager, err := NewManager(Config{
		Store:         harness.store,
		API:           harness.api,
		Navigator:     harness.history,
		Notifier:      harness.notices,
		Clock:         harness.clock,
		Metrics:       harness.metrics,
		Logger:        zaptest.NewLogger(t),
		VerifyAccount: verify,
		Observer: func(snapshot Snapshot) {
			harness.observed = append(harness.observed, snapshot.State)
		},
	})
	if err != nil {
		t.Fatalf("failed to build manager: %v", err)
	}
	harness.manager = manager
	return harness
}

func (harness *testHarness) seed(t *testing.T, pair tokenstore.TokenPair) {
	t.Helper()
	if err := harness.store.Save(context.Background(), pair); err != nil {
		t.Fatalf("failed to seed store: %v", err)
	}
}

func (harness *testHarness) storedPair(t *testing.T) (tokenstore.TokenPair, bool) {
	t.Helper()
	pair, found, err := harness.store.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	return pair, found
}
