package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"clientportal/internal/metrics"
)

// Registry maps conversation ids to their live room coordinators.
// Entries are created lazily on first use and evicted once a room has
// been empty past the idle window; authoritative state lives in the
// store, so an evicted room is rebuilt on the next connection.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room

	store     Store
	log       zerolog.Logger
	idleEvict time.Duration
}

func NewRegistry(store Store, log zerolog.Logger, idleEvict time.Duration) *Registry {
	return &Registry{
		rooms:     make(map[string]*Room),
		store:     store,
		log:       log,
		idleEvict: idleEvict,
	}
}

// get returns the live coordinator for roomID, starting one if needed.
// The returned room may be mid-eviction; callers retry through the
// helpers below when it refuses work.
func (reg *Registry) get(roomID string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if r, ok := reg.rooms[roomID]; ok {
		return r
	}
	r := newRoom(roomID, reg.store, reg.log, reg.idleEvict, reg.evict)
	reg.rooms[roomID] = r
	go r.run()
	metrics.ActiveRooms.Inc()
	return r
}

func (reg *Registry) evict(r *Room) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.rooms[r.ID] == r {
		delete(reg.rooms, r.ID)
		metrics.ActiveRooms.Dec()
	}
	reg.log.Debug().Str("room", r.ID).Msg("idle room evicted")
}

// Join registers a session with its room's coordinator, restarting the
// room if an eviction races the join.
func (reg *Registry) Join(roomID string, s *Session) *Room {
	for {
		r := reg.get(roomID)
		s.room = r
		if r.join(s) {
			return r
		}
	}
}

// Submit routes a REST-originated send through the room's serialized path.
func (reg *Registry) Submit(ctx context.Context, roomID string, draft Draft) (*Message, error) {
	for {
		msg, err := reg.get(roomID).Submit(ctx, draft)
		if !errors.Is(err, ErrRoomClosed) {
			return msg, err
		}
	}
}

// Relay fans an already-persisted message out to the room's live sessions.
func (reg *Registry) Relay(roomID string, msg *Message, excludeSenderID string) {
	for {
		if err := reg.get(roomID).Relay(msg, excludeSenderID); !errors.Is(err, ErrRoomClosed) {
			return
		}
	}
}

// Len reports the number of live coordinators.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}
