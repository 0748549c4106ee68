package session

import (
	"strings"
	"sync"
)

// History is an in-memory navigation stack. Replacing navigation swaps the top entry so that
// going back cannot return to the replaced view.
type History struct {
	mutex   sync.Mutex
	entries []string
}

// NewHistory starts a history at the given location.
func NewHistory(initial string) *History {
	if initial == "" {
		initial = "/"
	}
	return &History{entries: []string{initial}}
}

// Location returns the current location.
func (history *History) Location() string {
	history.mutex.Lock()
	defer history.mutex.Unlock()
	return history.entries[len(history.entries)-1]
}

// Navigate moves to path, pushing a new entry or replacing the current one.
func (history *History) Navigate(path string, replace bool) {
	history.mutex.Lock()
	defer history.mutex.Unlock()
	if replace {
		history.entries[len(history.entries)-1] = path
		return
	}
	history.entries = append(history.entries, path)
}

// Visit records a location reached from outside the session, such as an incoming request.
func (history *History) Visit(path string) {
	history.mutex.Lock()
	defer history.mutex.Unlock()
	if history.entries[len(history.entries)-1] == path {
		return
	}
	history.entries = append(history.entries, path)
}

// Back pops the current entry and returns the previous location.
func (history *History) Back() (string, bool) {
	history.mutex.Lock()
	defer history.mutex.Unlock()
	if len(history.entries) < 2 {
		return history.entries[0], false
	}
	history.entries = history.entries[:len(history.entries)-1]
	return history.entries[len(history.entries)-1], true
}

// Entries returns a copy of the stack, oldest first.
func (history *History) Entries() []string {
	history.mutex.Lock()
	defer history.mutex.Unlock()
	return append([]string(nil), history.entries...)
}

// MatchRoute reports whether path matches a pattern such as "/reset-password/:temp_token".
func MatchRoute(pattern string, path string) bool {
	if index := strings.IndexAny(path, "?#"); index >= 0 {
		path = path[:index]
	}
	patternSegments := splitRoute(pattern)
	pathSegments := splitRoute(path)
	if len(patternSegments) != len(pathSegments) {
		return false
	}
	for index, segment := range patternSegments {
		if strings.HasPrefix(segment, ":") {
			if pathSegments[index] == "" {
				return false
			}
			continue
		}
		if segment != pathSegments[index] {
			return false
		}
	}
	return true
}

func splitRoute(route string) []string {
	trimmed := strings.Trim(route, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
