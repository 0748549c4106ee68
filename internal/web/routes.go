package web

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/chandlo/internal/authapi"
	"github.com/tyemirov/chandlo/internal/session"
	"github.com/tyemirov/chandlo/pkg/tokenclaims"
	"go.uber.org/zap"
)

const (
	shellAsset  = "shell.html"
	clientAsset = "session-client.js"

	messageLoginFailed  = "Login failed."
	messageInvalidToken = "Invalid token received."
	messageSignupFailed = "Signup failed."
)

// ErrMissingDependency indicates routes mounted without a required collaborator.
var ErrMissingDependency = errors.New("web.missing_dependency")

// Public pages reachable only without a session.
var publicPages = []string{
	"/login",
	"/signup",
	"/forgot-password",
	"/reset-password/:temp_token",
}

// Protected pages reachable only with a session.
var protectedPages = []string{
	"/",
	"/events",
	"/guest-history",
	"/profile",
	"/expenses",
	"/create-event",
	"/add-record",
	"/add-expense",
	"/events/:eventId/invitation",
	"/events/:eventId/expenses",
}

// SessionController is the session surface driven by the HTTP layer.
type SessionController interface {
	StateReader
	Snapshot() session.Snapshot
	AccessToken() string
	Login(ctx context.Context, username string, password string) error
	AutoLogin(ctx context.Context, username string, password string) error
	Signup(ctx context.Context, payload map[string]any) error
	Logout(ctx context.Context, message string)
	Refresh(ctx context.Context, refreshToken string) error
	ExpireSession(ctx context.Context)
}

// NoticeSource hands out pending notices.
type NoticeSource interface {
	Drain() []session.Notice
}

// MetricsSource exposes session counters, optionally narrowed to one dotted prefix.
type MetricsSource interface {
	WithPrefix(prefix string) map[string]int64
}

// Dependencies wires the HTTP surface. Metrics is optional.
type Dependencies struct {
	Sessions  SessionController
	Resources ResourceClient
	Locations LocationRecorder
	Notices   NoticeSource
	Metrics   MetricsSource
	Assets    fs.FS
	Logger    *zap.Logger
}

type handlers struct {
	sessions  SessionController
	resources ResourceClient
	locations LocationRecorder
	notices   NoticeSource
	assets    fs.FS
	logger    *zap.Logger
}

// MountRoutes registers the session endpoints, the guarded pages, and the resource forwarder.
func MountRoutes(router gin.IRouter, dependencies Dependencies) error {
	switch {
	case dependencies.Sessions == nil:
		return fmt.Errorf("%w: sessions", ErrMissingDependency)
	case dependencies.Resources == nil:
		return fmt.Errorf("%w: resources", ErrMissingDependency)
	case dependencies.Locations == nil:
		return fmt.Errorf("%w: locations", ErrMissingDependency)
	case dependencies.Notices == nil:
		return fmt.Errorf("%w: notices", ErrMissingDependency)
	case dependencies.Assets == nil:
		return fmt.Errorf("%w: assets", ErrMissingDependency)
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := &handlers{
		sessions:  dependencies.Sessions,
		resources: dependencies.Resources,
		locations: dependencies.Locations,
		notices:   dependencies.Notices,
		assets:    dependencies.Assets,
		logger:    logger,
	}

	router.GET("/static/"+clientAsset, func(contextGin *gin.Context) {
		ServeEmbeddedAsset(contextGin, handler.assets, clientAsset, "application/javascript; charset=utf-8")
	})
	router.GET("/session", handler.handleSession)
	router.GET("/notices", handler.handleNotices)
	router.POST("/logout", handler.handleLogout)
	if dependencies.Metrics != nil {
		metrics := dependencies.Metrics
		router.GET("/metrics", func(contextGin *gin.Context) {
			contextGin.Header("Cache-Control", "no-store")
			contextGin.JSON(http.StatusOK, gin.H{"counters": metrics.WithPrefix(contextGin.Query("prefix"))})
		})
	}

	track := TrackLocation(handler.locations)
	public := router.Group("", Guard(handler.sessions, UnauthenticatedOnly), track)
	for _, page := range publicPages {
		public.GET(page, handler.servePage)
	}
	public.POST("/login", handler.handleLogin)
	public.POST("/signup", handler.handleSignup)

	protected := router.Group("", Guard(handler.sessions, AuthenticatedOnly), track)
	for _, page := range protectedPages {
		protected.GET(page, handler.servePage)
	}

	api := router.Group("/api", Guard(handler.sessions, APIOnly))
	api.Any("/:resource", handler.forward)
	api.Any("/:resource/:id", handler.forward)
	return nil
}

// ServeEmbeddedAsset writes one embedded file. Missing assets answer 404.
func ServeEmbeddedAsset(contextGin *gin.Context, filesystem fs.FS, path string, contentType string) {
	data, readErr := fs.ReadFile(filesystem, path)
	if readErr != nil {
		contextGin.AbortWithStatus(http.StatusNotFound)
		return
	}
	contextGin.Header("Cache-Control", "no-store")
	contextGin.Data(http.StatusOK, contentType, data)
}

func (handler *handlers) servePage(contextGin *gin.Context) {
	ServeEmbeddedAsset(contextGin, handler.assets, shellAsset, "text/html; charset=utf-8")
}

type sessionView struct {
	State     string     `json:"state"`
	Location  string     `json:"location"`
	Subject   string     `json:"subject,omitempty"`
	UserID    string     `json:"user_id,omitempty"`
	UserType  string     `json:"user_type,omitempty"`
	Roles     []string   `json:"roles"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (handler *handlers) currentView() sessionView {
	snapshot := handler.sessions.Snapshot()
	view := sessionView{
		State:    snapshot.State.String(),
		Location: handler.locations.Location(),
		Roles:    []string{},
	}
	if snapshot.State != session.Authenticated {
		return view
	}
	view.Subject = snapshot.Claims.Subject
	view.UserID = snapshot.Claims.UserID
	view.UserType = snapshot.Claims.UserType
	if snapshot.Claims.Roles != nil {
		view.Roles = snapshot.Claims.Roles
	}
	expiresAt := snapshot.Claims.ExpiresAt
	view.ExpiresAt = &expiresAt
	return view
}

func (handler *handlers) handleSession(contextGin *gin.Context) {
	contextGin.Header("Cache-Control", "no-store")
	contextGin.JSON(http.StatusOK, handler.currentView())
}

func (handler *handlers) handleNotices(contextGin *gin.Context) {
	contextGin.Header("Cache-Control", "no-store")
	contextGin.JSON(http.StatusOK, gin.H{"notices": handler.notices.Drain()})
}

func (handler *handlers) handleLogin(contextGin *gin.Context) {
	var inbound struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Auto     bool   `json:"auto"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Username) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "web.invalid_json"})
		return
	}

	login := handler.sessions.Login
	if inbound.Auto {
		login = handler.sessions.AutoLogin
	}
	if loginErr := login(contextGin.Request.Context(), strings.TrimSpace(inbound.Username), inbound.Password); loginErr != nil {
		message := authapi.ServerMessage(loginErr, messageLoginFailed)
		if errors.Is(loginErr, tokenclaims.ErrDecode) {
			message = messageInvalidToken
		}
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "web.login_failed",
			"message": message,
		})
		return
	}
	contextGin.JSON(http.StatusOK, handler.currentView())
}

func (handler *handlers) handleSignup(contextGin *gin.Context) {
	payload := map[string]any{}
	if err := contextGin.ShouldBindJSON(&payload); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "web.invalid_json"})
		return
	}
	if signupErr := handler.sessions.Signup(contextGin.Request.Context(), payload); signupErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "web.signup_failed",
			"message": authapi.ServerMessage(signupErr, messageSignupFailed),
		})
		return
	}
	contextGin.JSON(http.StatusCreated, handler.currentView())
}

func (handler *handlers) handleLogout(contextGin *gin.Context) {
	handler.sessions.Logout(contextGin.Request.Context(), "")
	contextGin.JSON(http.StatusOK, handler.currentView())
}
