package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/chandlo/internal/session"
)

// StateReader exposes the current session state.
type StateReader interface {
	State() session.State
}

// Policy decides which session states may reach a route. An empty Redirect answers rejected
// requests with 401 instead of redirecting.
type Policy struct {
	Allow    []session.State
	Redirect string
}

func (policy Policy) allows(state session.State) bool {
	for _, allowed := range policy.Allow {
		if allowed == state {
			return true
		}
	}
	return false
}

// Route policies.
var (
	AuthenticatedOnly   = Policy{Allow: []session.State{session.Authenticated}, Redirect: session.DefaultLoginRoute}
	UnauthenticatedOnly = Policy{Allow: []session.State{session.Unauthenticated, session.Expired}, Redirect: session.DefaultHomeRoute}
	APIOnly             = Policy{Allow: []session.State{session.Authenticated}}
)

// Guard gates a route on the session state. While the session is still resolving it answers with a
// neutral placeholder and neither renders nor redirects.
func Guard(sessions StateReader, policy Policy) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		state := sessions.State()
		if state == session.Authenticating {
			contextGin.AbortWithStatusJSON(http.StatusAccepted, gin.H{"state": state.String()})
			return
		}
		if policy.allows(state) {
			contextGin.Next()
			return
		}
		if policy.Redirect == "" {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "web.session_required",
				"state": state.String(),
			})
			return
		}
		contextGin.Redirect(http.StatusSeeOther, policy.Redirect)
		contextGin.Abort()
	}
}

// LocationRecorder tracks where the user agent is.
type LocationRecorder interface {
	Visit(path string)
	Location() string
}

// TrackLocation records each rendered page as the navigator's current location.
func TrackLocation(recorder LocationRecorder) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		recorder.Visit(contextGin.Request.URL.Path)
		contextGin.Next()
	}
}
