package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tyemirov/chandlo/internal/tokenstore"
)

func TestRefresherTick(t *testing.T) {
	testCases := []struct {
		name          string
		seed          func(t *testing.T, harness *testHarness) tokenstore.TokenPair
		expectApplied bool
		expectCalls   int
	}{
		{
			name:          "nothing stored",
			seed:          func(t *testing.T, harness *testHarness) tokenstore.TokenPair { return tokenstore.TokenPair{} },
			expectApplied: false,
			expectCalls:   0,
		},
		{
			name: "far from expiry",
			seed: func(t *testing.T, harness *testHarness) tokenstore.TokenPair {
				return tokenstore.TokenPair{Access: mintAccessToken(t, "host", harness.clock.Now().Add(30*time.Minute)), Refresh: "r"}
			},
			expectApplied: false,
			expectCalls:   0,
		},
		{
			name: "within threshold",
			seed: func(t *testing.T, harness *testHarness) tokenstore.TokenPair {
				return tokenstore.TokenPair{Access: mintAccessToken(t, "host", harness.clock.Now().Add(90*time.Second)), Refresh: "r"}
			},
			expectApplied: true,
			expectCalls:   1,
		},
		{
			name: "undecodable access token",
			seed: func(t *testing.T, harness *testHarness) tokenstore.TokenPair {
				return tokenstore.TokenPair{Access: "opaque", Refresh: "r"}
			},
			expectApplied: true,
			expectCalls:   1,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			harness := newHarness(t, "/", false)
			renewed := mintAccessToken(t, "host", harness.clock.Now().Add(time.Hour))
			harness.api.refresh = func(ctx context.Context, refreshToken string) (tokenstore.TokenPair, error) {
				return tokenstore.TokenPair{Access: renewed, Refresh: "r2"}, nil
			}
			if pair := testCase.seed(t, harness); !pair.IsZero() {
				harness.seed(t, pair)
			}
			refresher := NewRefresher(harness.manager, RefresherConfig{})

			if applied := refresher.Tick(context.Background()); applied != testCase.expectApplied {
				t.Fatalf("expected applied=%v, got %v", testCase.expectApplied, applied)
			}
			if calls := harness.api.RefreshCalls(); calls != testCase.expectCalls {
				t.Fatalf("expected %d refresh calls, got %d", testCase.expectCalls, calls)
			}
			if harness.metrics.Count(MetricRefresherTick) != 1 {
				t.Fatalf("expected tick metric")
			}
		})
	}
}

func TestRefresherTickFailureLeavesSession(t *testing.T) {
	harness := newHarness(t, "/", false)
	access := mintAccessToken(t, "host", harness.clock.Now().Add(time.Minute))
	harness.seed(t, tokenstore.TokenPair{Access: access, Refresh: "r"})
	harness.manager.Initialize(context.Background())
	harness.api.refresh = func(ctx context.Context, refreshToken string) (tokenstore.TokenPair, error) {
		return tokenstore.TokenPair{}, errors.New("backend down")
	}
	refresher := NewRefresher(harness.manager, RefresherConfig{Threshold: 5 * time.Minute})

	if refresher.Tick(context.Background()) {
		t.Fatalf("expected failed tick")
	}
	if harness.manager.State() != Authenticated || harness.manager.AccessToken() != access {
		t.Fatalf("expected session to survive a failed background refresh")
	}
	if harness.metrics.Count(MetricRefreshFailure) != 1 {
		t.Fatalf("expected refresh failure metric")
	}
}

func TestRefresherLoopRenewsAndStopsOnce(t *testing.T) {
	harness := newHarness(t, "/", false)
	harness.seed(t, tokenstore.TokenPair{Access: mintAccessToken(t, "host", harness.clock.Now().Add(time.Minute)), Refresh: "r1"})
	harness.manager.Initialize(context.Background())
	renewed := mintAccessToken(t, "host", harness.clock.Now().Add(time.Hour))
	harness.api.refresh = func(ctx context.Context, refreshToken string) (tokenstore.TokenPair, error) {
		return tokenstore.TokenPair{Access: renewed, Refresh: "r2"}, nil
	}

	refresher := NewRefresher(harness.manager, RefresherConfig{Interval: 5 * time.Millisecond})
	refresher.Start(context.Background())
	refresher.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for harness.manager.Snapshot().Tokens.Refresh != "r2" {
		if time.Now().After(deadline) {
			t.Fatalf("expected background refresh to renew the session")
		}
		time.Sleep(5 * time.Millisecond)
	}

	refresher.Stop()
	refresher.Stop()

	if harness.api.RefreshCalls() != 1 {
		t.Fatalf("expected exactly one refresh after renewal, got %d", harness.api.RefreshCalls())
	}
	refresher.Start(context.Background())
	if harness.manager.AccessToken() != renewed {
		t.Fatalf("expected renewed token to be current")
	}
}

func TestRefresherStopWithoutStart(t *testing.T) {
	harness := newHarness(t, "/", false)
	refresher := NewRefresher(harness.manager, RefresherConfig{})
	refresher.Stop()
	refresher.Start(context.Background())
	refresher.Stop()
}
