package session

import (
	"context"
	"sync"
	"time"

	"github.com/tyemirov/chandlo/pkg/tokenclaims"
	"go.uber.org/zap"
)

// Defaults for the background refresh loop.
const (
	DefaultRefreshInterval  = 60 * time.Second
	DefaultRefreshThreshold = 2 * time.Minute
)

// RefresherConfig configures the background refresh loop.
type RefresherConfig struct {
	Interval  time.Duration
	Threshold time.Duration
	Clock     Clock
	Metrics   MetricsRecorder
	Logger    *zap.Logger
}

// Refresher renews the persisted token pair shortly before the access token expires.
// It is started once and stopped once; further calls are no-ops.
type Refresher struct {
	manager   *Manager
	interval  time.Duration
	threshold time.Duration
	clock     Clock
	metrics   MetricsRecorder
	logger    *zap.Logger

	mutex   sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRefresher constructs a refresh loop bound to manager.
func NewRefresher(manager *Manager, configuration RefresherConfig) *Refresher {
	refresher := &Refresher{
		manager:   manager,
		interval:  configuration.Interval,
		threshold: configuration.Threshold,
		clock:     configuration.Clock,
		metrics:   configuration.Metrics,
		logger:    configuration.Logger,
	}
	if refresher.interval <= 0 {
		refresher.interval = DefaultRefreshInterval
	}
	if refresher.threshold <= 0 {
		refresher.threshold = DefaultRefreshThreshold
	}
	if refresher.clock == nil {
		refresher.clock = manager.clock
	}
	if refresher.metrics == nil {
		refresher.metrics = manager.metrics
	}
	if refresher.logger == nil {
		refresher.logger = manager.logger
	}
	return refresher
}

// Start launches the loop. It returns immediately.
func (refresher *Refresher) Start(ctx context.Context) {
	refresher.mutex.Lock()
	defer refresher.mutex.Unlock()
	if refresher.started || refresher.stopped {
		return
	}
	refresher.started = true
	loopContext, cancel := context.WithCancel(ctx)
	refresher.cancel = cancel
	refresher.done = make(chan struct{})
	go refresher.run(loopContext, refresher.done)
}

// Stop cancels the loop and waits for it to exit.
func (refresher *Refresher) Stop() {
	refresher.mutex.Lock()
	if refresher.stopped {
		refresher.mutex.Unlock()
		return
	}
	refresher.stopped = true
	cancel := refresher.cancel
	done := refresher.done
	refresher.mutex.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (refresher *Refresher) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(refresher.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresher.Tick(ctx)
		}
	}
}

// Tick performs one check and reports whether a refresh was applied. Failures are logged and
// left for the next tick.
func (refresher *Refresher) Tick(ctx context.Context) bool {
	refresher.metrics.Increment(MetricRefresherTick)
	pair, found, loadErr := refresher.manager.PersistedTokens(ctx)
	if loadErr != nil || !found {
		return false
	}

	remaining, decodeErr := tokenclaims.TimeUntilExpiry(pair.Access, refresher.clock.Now())
	if decodeErr == nil && remaining >= refresher.threshold {
		return false
	}

	if refreshErr := refresher.manager.Refresh(ctx, pair.Refresh); refreshErr != nil {
		refresher.logger.Warn("background refresh failed",
			zap.String("code", "session.refresher.failed"),
			zap.Error(refreshErr))
		return false
	}
	refresher.logger.Debug("background refresh applied",
		zap.String("code", "session.refresher.applied"))
	return true
}
