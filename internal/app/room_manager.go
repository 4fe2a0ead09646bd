package app

import (
	"sync"

	"github.com/curago/telemed/internal/core"
	"github.com/curago/telemed/internal/domain"
)

type RoomManagerImpl struct {
	mu    sync.RWMutex
	rooms map[domain.ConsultationID]core.RoomService
}

func NewRoomManager() core.RoomManager {
	return &RoomManagerImpl{rooms: make(map[domain.ConsultationID]core.RoomService)}
}

func (f *RoomManagerImpl) GetOrCreate(c *domain.Consultation) core.RoomService {
	f.mu.RLock()
	room, ok := f.rooms[c.ID]
	f.mu.RUnlock()
	if ok {
		return room
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok = f.rooms[c.ID]; ok {
		return room
	}
	room = core.NewRoomService(c)
	f.rooms[c.ID] = room
	return room
}

func (f *RoomManagerImpl) Get(id domain.ConsultationID) (core.RoomService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[id]
	return room, ok
}

func (f *RoomManagerImpl) List() []core.RoomInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]core.RoomInfo, 0, len(f.rooms))
	for id, r := range f.rooms {
		out = append(out, core.RoomInfo{ID: id, MemberCount: r.MemberCount(), Connected: r.ConnectedCount()})
	}
	return out
}

func (f *RoomManagerImpl) Evict(id domain.ConsultationID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, id)
}
