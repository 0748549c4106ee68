package session

import (
	"github.com/tyemirov/chandlo/internal/tokenstore"
	"github.com/tyemirov/chandlo/pkg/tokenclaims"
)

// State is the lifecycle stage of the page session.
type State int

// Session states.
const (
	Unauthenticated State = iota
	Authenticating
	Authenticated
	Expired
)

func (state State) String() string {
	switch state {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Snapshot is an immutable view of the session. A transition replaces the whole snapshot.
// Generation changes on login and logout; results of operations started under an older
// generation are discarded.
type Snapshot struct {
	State      State
	Tokens     tokenstore.TokenPair
	Claims     tokenclaims.Claims
	Generation uint64
}
