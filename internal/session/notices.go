package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// NoticeLevel classifies a user-visible notice.
type NoticeLevel string

// Notice levels.
const (
	NoticeSuccess NoticeLevel = "success"
	NoticeError   NoticeLevel = "error"
)

// Notice is a transient message shown to the user.
type Notice struct {
	ID        string      `json:"id"`
	Level     NoticeLevel `json:"level"`
	Message   string      `json:"message"`
	CreatedAt time.Time   `json:"created_at"`
}

// NoticeCenter queues notices until the user agent drains them. A notice replaces any pending
// notice with the same id.
type NoticeCenter struct {
	mutex   sync.Mutex
	pending []Notice
	clock   Clock
}

// NewNoticeCenter constructs an empty notice queue.
func NewNoticeCenter(clock Clock) *NoticeCenter {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &NoticeCenter{clock: clock}
}

// Success queues a success notice.
func (center *NoticeCenter) Success(id string, message string) {
	center.push(id, NoticeSuccess, message)
}

// Error queues an error notice.
func (center *NoticeCenter) Error(id string, message string) {
	center.push(id, NoticeError, message)
}

func (center *NoticeCenter) push(id string, level NoticeLevel, message string) {
	if id == "" {
		id = uuid.NewString()
	}
	notice := Notice{ID: id, Level: level, Message: message, CreatedAt: center.clock.Now()}

	center.mutex.Lock()
	defer center.mutex.Unlock()
	for index := range center.pending {
		if center.pending[index].ID == id {
			center.pending[index] = notice
			return
		}
	}
	center.pending = append(center.pending, notice)
}

// Pending returns a copy of the queued notices.
func (center *NoticeCenter) Pending() []Notice {
	center.mutex.Lock()
	defer center.mutex.Unlock()
	return append([]Notice(nil), center.pending...)
}

// Drain returns the queued notices and empties the queue.
func (center *NoticeCenter) Drain() []Notice {
	center.mutex.Lock()
	defer center.mutex.Unlock()
	drained := center.pending
	center.pending = nil
	if drained == nil {
		return []Notice{}
	}
	return drained
}
