package session

import (
	"sync"

	"github.com/clinicflow/videoconsult/internal/domain"
)

// lease owns a room handle and disconnects it exactly once.
type lease struct {
	room domain.RoomHandle
	once sync.Once
}

func newLease(room domain.RoomHandle) *lease {
	return &lease{room: room}
}

// Release disconnects the room on the first call. It is safe on a nil lease.
func (l *lease) Release() {
	if l == nil || l.room == nil {
		return
	}
	l.once.Do(l.room.Disconnect)
}
