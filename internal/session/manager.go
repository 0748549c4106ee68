package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tyemirov/chandlo/internal/authapi"
	"github.com/tyemirov/chandlo/internal/tokenstore"
	"github.com/tyemirov/chandlo/pkg/tokenclaims"
	"go.uber.org/zap"
)

// Routes the manager navigates to or treats specially.
const (
	DefaultLoginRoute         = "/login"
	DefaultHomeRoute          = "/"
	DefaultPasswordResetRoute = "/reset-password/:temp_token"

	logoutNoticeID = "logout-toast"

	messageLoginSuccess       = "Login successful! Welcome back!"
	messageLoginFailed        = "Login failed."
	messageInvalidToken       = "Invalid token received."
	messageSignupSuccess      = "Account created successfully. Please log in."
	messageSignupFailed       = "Signup failed."
	messageSessionExpired     = "Session expired."
	messageAccountUnavailable = "Your account is no longer available. Please log in again."
	messageVerifyFailed       = "Unable to verify your session. Please log in again."
)

// DefaultPublicRoutes are reachable without a session.
var DefaultPublicRoutes = []string{"/login", "/signup", "/forgot-password", DefaultPasswordResetRoute}

var (
	// ErrMissingStore indicates a manager built without a token store.
	ErrMissingStore = errors.New("session.missing_store")
	// ErrMissingAPI indicates a manager built without a backend client.
	ErrMissingAPI = errors.New("session.missing_api")
	// ErrNoRefreshToken indicates a refresh attempt without a refresh token.
	ErrNoRefreshToken = errors.New("session.no_refresh_token")
	// ErrStaleResult indicates a result that arrived after the session changed underneath it.
	ErrStaleResult = errors.New("session.stale_result")
)

// TokenStore persists the token pair and the values derived from it.
type TokenStore interface {
	Save(ctx context.Context, pair tokenstore.TokenPair) error
	Load(ctx context.Context) (tokenstore.TokenPair, bool, error)
	Clear(ctx context.Context) error
	SaveRoles(ctx context.Context, roles []string) error
	SaveUserType(ctx context.Context, userType string) error
	Settings(ctx context.Context) (map[string]any, error)
	MarkFirstLoginAfterSettings(ctx context.Context) error
}

// AuthAPI is the backend surface the session depends on.
type AuthAPI interface {
	ObtainTokens(ctx context.Context, username string, password string) (tokenstore.TokenPair, error)
	RefreshTokens(ctx context.Context, refreshToken string) (tokenstore.TokenPair, error)
	CreateUser(ctx context.Context, payload map[string]any) (string, error)
	VerifyAccount(ctx context.Context, accessToken string) error
}

// Navigator exposes the current location and moves the user agent.
type Navigator interface {
	Location() string
	Navigate(path string, replace bool)
}

// Notifier shows user-visible notices. An empty id yields a fresh notice.
type Notifier interface {
	Success(id string, message string)
	Error(id string, message string)
}

// Config wires the manager's collaborators.
type Config struct {
	Store              TokenStore
	API                AuthAPI
	Navigator          Navigator
	Notifier           Notifier
	Clock              Clock
	Metrics            MetricsRecorder
	Logger             *zap.Logger
	VerifyAccount      bool
	PublicRoutes       []string
	PasswordResetRoute string
	LoginRoute         string
	HomeRoute          string
	// Observer receives every committed snapshot. It runs while the manager holds its commit
	// lock and must not call back into the manager.
	Observer func(Snapshot)
}

// Manager owns the token pair and session state for the lifetime of the agent.
type Manager struct {
	store              TokenStore
	api                AuthAPI
	navigator          Navigator
	notifier           Notifier
	clock              Clock
	metrics            MetricsRecorder
	logger             *zap.Logger
	verifyAccount      bool
	publicRoutes       []string
	passwordResetRoute string
	loginRoute         string
	homeRoute          string
	observer           func(Snapshot)

	current     atomic.Pointer[Snapshot]
	commitMutex sync.Mutex
}

type nopMetrics struct{}

func (nopMetrics) Increment(string) {}

// NewManager validates the configuration and starts the session in the Authenticating state.
func NewManager(configuration Config) (*Manager, error) {
	if configuration.Store == nil {
		return nil, fmt.Errorf("session.new: %w", ErrMissingStore)
	}
	if configuration.API == nil {
		return nil, fmt.Errorf("session.new: %w", ErrMissingAPI)
	}
	manager := &Manager{
		store:              configuration.Store,
		api:                configuration.API,
		navigator:          configuration.Navigator,
		notifier:           configuration.Notifier,
		clock:              configuration.Clock,
		metrics:            configuration.Metrics,
		logger:             configuration.Logger,
		verifyAccount:      configuration.VerifyAccount,
		publicRoutes:       configuration.PublicRoutes,
		passwordResetRoute: configuration.PasswordResetRoute,
		loginRoute:         configuration.LoginRoute,
		homeRoute:          configuration.HomeRoute,
		observer:           configuration.Observer,
	}
	if manager.clock == nil {
		manager.clock = NewSystemClock()
	}
	if manager.navigator == nil {
		manager.navigator = NewHistory(DefaultHomeRoute)
	}
	if manager.notifier == nil {
		manager.notifier = NewNoticeCenter(manager.clock)
	}
	if manager.metrics == nil {
		manager.metrics = nopMetrics{}
	}
	if manager.logger == nil {
		manager.logger = zap.NewNop()
	}
	if manager.publicRoutes == nil {
		manager.publicRoutes = DefaultPublicRoutes
	}
	if manager.passwordResetRoute == "" {
		manager.passwordResetRoute = DefaultPasswordResetRoute
	}
	if manager.loginRoute == "" {
		manager.loginRoute = DefaultLoginRoute
	}
	if manager.homeRoute == "" {
		manager.homeRoute = DefaultHomeRoute
	}
	manager.current.Store(&Snapshot{State: Authenticating})
	return manager, nil
}

// Snapshot returns the current session snapshot.
func (manager *Manager) Snapshot() Snapshot {
	return *manager.current.Load()
}

// State returns the current session state.
func (manager *Manager) State() State {
	return manager.current.Load().State
}

// AccessToken returns the current bearer token, or empty when unauthenticated.
func (manager *Manager) AccessToken() string {
	snapshot := manager.current.Load()
	if snapshot.State != Authenticated {
		return ""
	}
	return snapshot.Tokens.Access
}

// PersistedTokens reads the token pair from the store.
func (manager *Manager) PersistedTokens(ctx context.Context) (tokenstore.TokenPair, bool, error) {
	return manager.store.Load(ctx)
}

// IsPublicRoute reports whether path is reachable without a session.
func (manager *Manager) IsPublicRoute(path string) bool {
	for _, pattern := range manager.publicRoutes {
		if MatchRoute(pattern, path) {
			return true
		}
	}
	return false
}

// Initialize resolves the persisted session on startup.
func (manager *Manager) Initialize(ctx context.Context) {
	started := manager.current.Load().Generation
	public := manager.IsPublicRoute(manager.navigator.Location())

	pair, found, loadErr := manager.store.Load(ctx)
	if loadErr != nil {
		manager.metrics.Increment(MetricCorruptTokenStore)
		manager.logger.Warn("stored token pair unreadable",
			zap.String("code", "session.init.corrupt_store"),
			zap.Error(loadErr))
		manager.invalidate(ctx, started, public, "")
		return
	}

	if !found {
		if public {
			manager.commitIfCurrent(started, Snapshot{State: Unauthenticated, Generation: started})
			return
		}
		manager.logout(ctx, "", &started)
		return
	}

	if !tokenclaims.IsExpired(pair.Access, manager.clock.Now()) {
		manager.resumeStoredSession(ctx, started, public, pair)
		return
	}

	manager.logger.Info("stored access token expired, attempting refresh",
		zap.String("code", "session.init.expired"))
	refreshErr := manager.Refresh(ctx, pair.Refresh)
	if refreshErr == nil {
		return
	}
	if errors.Is(refreshErr, ErrStaleResult) {
		manager.logger.Debug("startup refresh overtaken by a newer session",
			zap.String("code", "session.init.stale"))
		return
	}
	manager.logger.Info("refresh of expired session failed",
		zap.String("code", "session.init.refresh_failed"),
		zap.Error(refreshErr))

	if !manager.commitIfCurrent(started, Snapshot{State: Expired, Generation: started}) {
		return
	}
	manager.metrics.Increment(MetricSessionExpired)
	if public {
		manager.invalidate(ctx, started, true, "")
		return
	}
	manager.logout(ctx, messageSessionExpired, &started)
}

func (manager *Manager) resumeStoredSession(ctx context.Context, started uint64, public bool, pair tokenstore.TokenPair) {
	claims, decodeErr := tokenclaims.Decode(pair.Access)
	if decodeErr != nil {
		manager.invalidate(ctx, started, public, "")
		return
	}
	if manager.verifyAccount {
		if verifyErr := manager.api.VerifyAccount(ctx, pair.Access); verifyErr != nil {
			manager.metrics.Increment(MetricVerifyFailure)
			message := messageVerifyFailed
			var authError *authapi.AuthError
			if errors.As(verifyErr, &authError) {
				message = messageAccountUnavailable
			}
			manager.logger.Warn("stored session rejected by backend",
				zap.String("code", "session.init.verify_failed"),
				zap.Error(verifyErr))
			manager.invalidate(ctx, started, public, message)
			return
		}
	}
	if !manager.commitIfCurrent(started, Snapshot{State: Authenticated, Tokens: pair, Claims: claims, Generation: started}) {
		manager.logger.Debug("stored session resumed after a concurrent transition",
			zap.String("code", "session.init.stale"))
	}
}

// invalidate ends the startup session if nothing replaced it since generation started,
// redirecting only when the current route requires a session.
func (manager *Manager) invalidate(ctx context.Context, started uint64, public bool, message string) {
	if !public {
		manager.logout(ctx, message, &started)
		return
	}
	manager.clearSession(ctx, &started)
}

// Login exchanges credentials for a session and navigates home.
func (manager *Manager) Login(ctx context.Context, username string, password string) error {
	return manager.login(ctx, username, password, true)
}

// AutoLogin behaves like Login without user-visible notices.
func (manager *Manager) AutoLogin(ctx context.Context, username string, password string) error {
	return manager.login(ctx, username, password, false)
}

func (manager *Manager) login(ctx context.Context, username string, password string, announce bool) error {
	pair, obtainErr := manager.api.ObtainTokens(ctx, username, password)
	if obtainErr != nil {
		manager.metrics.Increment(MetricLoginFailure)
		manager.logger.Info("login rejected",
			zap.String("code", "session.login.failed"),
			zap.Error(obtainErr))
		if announce {
			manager.notifier.Error("", authapi.ServerMessage(obtainErr, messageLoginFailed))
		}
		return fmt.Errorf("session.login: %w", obtainErr)
	}

	claims, decodeErr := tokenclaims.Decode(pair.Access)
	if decodeErr != nil {
		manager.metrics.Increment(MetricLoginFailure)
		if announce {
			manager.notifier.Error("", messageInvalidToken)
		}
		return fmt.Errorf("session.login: %w", decodeErr)
	}

	manager.commitMutex.Lock()
	if saveErr := manager.store.Save(ctx, pair); saveErr != nil {
		manager.commitMutex.Unlock()
		manager.metrics.Increment(MetricLoginFailure)
		manager.logger.Error("failed to persist token pair",
			zap.String("code", "session.login.persist_failed"),
			zap.Error(saveErr))
		if announce {
			manager.notifier.Error("", messageLoginFailed)
		}
		return fmt.Errorf("session.login: %w", saveErr)
	}
	manager.persistDerivedValues(ctx, claims)
	next := manager.current.Load().Generation + 1
	manager.publish(Snapshot{State: Authenticated, Tokens: pair, Claims: claims, Generation: next})
	manager.commitMutex.Unlock()

	manager.metrics.Increment(MetricLoginSuccess)
	manager.logger.Info("login succeeded",
		zap.String("code", "session.login.success"),
		zap.String("subject", claims.Subject))
	if announce {
		manager.notifier.Success("", messageLoginSuccess)
	}
	manager.navigator.Navigate(manager.homeRoute, false)
	return nil
}

func (manager *Manager) persistDerivedValues(ctx context.Context, claims tokenclaims.Claims) {
	if rolesErr := manager.store.SaveRoles(ctx, claims.Roles); rolesErr != nil {
		manager.logger.Warn("failed to cache roles",
			zap.String("code", "session.persist.roles_failed"),
			zap.Error(rolesErr))
	}
	if claims.UserType != "" {
		if userTypeErr := manager.store.SaveUserType(ctx, claims.UserType); userTypeErr != nil {
			manager.logger.Warn("failed to cache user type",
				zap.String("code", "session.persist.user_type_failed"),
				zap.Error(userTypeErr))
		}
	}
	settings, settingsErr := manager.store.Settings(ctx)
	if settingsErr != nil {
		return
	}
	if preferred, _ := settings["default_login_step_report_page"].(bool); preferred {
		if flagErr := manager.store.MarkFirstLoginAfterSettings(ctx); flagErr != nil {
			manager.logger.Warn("failed to flag first login",
				zap.String("code", "session.persist.first_login_failed"),
				zap.Error(flagErr))
		}
	}
}

// Logout ends the session and navigates to the login route, replacing the current history
// entry. On the password-reset route only the message is shown.
func (manager *Manager) Logout(ctx context.Context, message string) {
	manager.logout(ctx, message, nil)
}

// logout with a non-nil expected generation does nothing once a newer login or logout has
// committed.
func (manager *Manager) logout(ctx context.Context, message string, expected *uint64) {
	if MatchRoute(manager.passwordResetRoute, manager.navigator.Location()) {
		if expected != nil && manager.current.Load().Generation != *expected {
			return
		}
		manager.metrics.Increment(MetricLogoutSuppressed)
		if message != "" {
			manager.notifier.Error(logoutNoticeID, message)
		}
		return
	}

	if !manager.clearSession(ctx, expected) {
		return
	}
	manager.metrics.Increment(MetricLogout)
	if message != "" {
		manager.notifier.Error(logoutNoticeID, message)
	}
	manager.navigator.Navigate(manager.loginRoute, true)
}

// clearSession empties the store and publishes Unauthenticated under a new generation. It
// reports false, leaving everything untouched, when expected no longer matches.
func (manager *Manager) clearSession(ctx context.Context, expected *uint64) bool {
	manager.commitMutex.Lock()
	defer manager.commitMutex.Unlock()
	current := manager.current.Load()
	if expected != nil && current.Generation != *expected {
		manager.logger.Debug("skipping logout for a replaced session",
			zap.String("code", "session.logout.stale"))
		return false
	}
	if clearErr := manager.store.Clear(ctx); clearErr != nil {
		manager.logger.Error("failed to clear token store",
			zap.String("code", "session.clear_failed"),
			zap.Error(clearErr))
	}
	manager.publish(Snapshot{State: Unauthenticated, Generation: current.Generation + 1})
	return true
}

// ExpireSession logs out with the session-expired notice.
func (manager *Manager) ExpireSession(ctx context.Context) {
	manager.Logout(ctx, messageSessionExpired)
}

// Signup registers an account and navigates to the login route. Session state is untouched.
func (manager *Manager) Signup(ctx context.Context, payload map[string]any) error {
	message, createErr := manager.api.CreateUser(ctx, payload)
	if createErr != nil {
		manager.metrics.Increment(MetricSignupFailure)
		manager.notifier.Error("", authapi.ServerMessage(createErr, messageSignupFailed))
		return fmt.Errorf("session.signup: %w", createErr)
	}
	if message == "" {
		message = messageSignupSuccess
	}
	manager.metrics.Increment(MetricSignupSuccess)
	manager.notifier.Success("", message)
	manager.navigator.Navigate(manager.loginRoute, false)
	return nil
}

// Refresh renews the token pair. An empty refreshToken uses the session's current one. The
// result is applied only if no login or logout happened while the call was in flight.
func (manager *Manager) Refresh(ctx context.Context, refreshToken string) error {
	startedSnapshot := manager.current.Load()
	if refreshToken == "" {
		refreshToken = startedSnapshot.Tokens.Refresh
	}
	if refreshToken == "" {
		return fmt.Errorf("session.refresh: %w", ErrNoRefreshToken)
	}

	pair, refreshErr := manager.api.RefreshTokens(ctx, refreshToken)
	if refreshErr != nil {
		manager.metrics.Increment(MetricRefreshFailure)
		return fmt.Errorf("session.refresh: %w", refreshErr)
	}
	claims, decodeErr := tokenclaims.Decode(pair.Access)
	if decodeErr != nil {
		manager.metrics.Increment(MetricRefreshFailure)
		return fmt.Errorf("session.refresh: %w", decodeErr)
	}

	manager.commitMutex.Lock()
	defer manager.commitMutex.Unlock()
	current := manager.current.Load()
	if current.Generation != startedSnapshot.Generation {
		manager.metrics.Increment(MetricRefreshDiscarded)
		manager.logger.Info("discarding refresh result from a previous session",
			zap.String("code", "session.refresh.stale"))
		return fmt.Errorf("session.refresh: %w", ErrStaleResult)
	}
	if saveErr := manager.store.Save(ctx, pair); saveErr != nil {
		manager.metrics.Increment(MetricRefreshFailure)
		return fmt.Errorf("session.refresh: %w", saveErr)
	}
	if rolesErr := manager.store.SaveRoles(ctx, claims.Roles); rolesErr != nil {
		manager.logger.Warn("failed to cache roles",
			zap.String("code", "session.persist.roles_failed"),
			zap.Error(rolesErr))
	}
	manager.publish(Snapshot{State: Authenticated, Tokens: pair, Claims: claims, Generation: current.Generation})
	manager.metrics.Increment(MetricRefreshSuccess)
	return nil
}

func (manager *Manager) commitIfCurrent(started uint64, next Snapshot) bool {
	manager.commitMutex.Lock()
	defer manager.commitMutex.Unlock()
	if manager.current.Load().Generation != started {
		return false
	}
	manager.publish(next)
	return true
}

// publish must run with commitMutex held.
func (manager *Manager) publish(next Snapshot) {
	manager.current.Store(&next)
	if manager.observer != nil {
		manager.observer(next)
	}
}
