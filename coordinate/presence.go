package coordinate

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

const (
	presenceSaturation = 70
	presenceLightness  = 55
)

type Color struct {
	Hue        int `json:"hue"`
	Saturation int `json:"saturation"`
	Lightness  int `json:"lightness"`
}

func (self Color) String() string {
	return fmt.Sprintf("hsl(%d, %d%%, %d%%)", self.Hue, self.Saturation, self.Lightness)
}

// pure function of the user id. the same user gets the same color
// on every connection and across process restarts.
// distinct users may collide.
func ColorForUser(userId string) Color {
	h := fnv.New32a()
	h.Write([]byte(userId))
	return Color{
		Hue:        int(h.Sum32() % 360),
		Saturation: presenceSaturation,
		Lightness:  presenceLightness,
	}
}

type Participant struct {
	UserId      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	AvatarRef   string    `json:"avatar_ref,omitempty"`
	Color       Color     `json:"color"`
	LastActive  time.Time `json:"last_active"`
}

func NewParticipant(identity *Identity) *Participant {
	return &Participant{
		UserId:      identity.UserId,
		DisplayName: identity.DisplayName,
		AvatarRef:   identity.AvatarRef,
		Color:       ColorForUser(identity.UserId),
		LastActive:  time.Now(),
	}
}

type presenceRoom struct {
	mutex sync.Mutex
	// closed when the room entry has been dropped from the registry.
	// a caller holding a closed room must re-resolve it.
	closed       bool
	participants map[string]*Participant
}

// in-memory only. rebuilt from scratch on process restart.
// rooms are guarded individually so documents do not serialize each other.
type PresenceRegistry struct {
	mutex sync.RWMutex
	rooms map[string]*presenceRoom
}

func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{
		rooms: map[string]*presenceRoom{},
	}
}

func (self *PresenceRegistry) room(documentId string) *presenceRoom {
	self.mutex.RLock()
	defer self.mutex.RUnlock()
	return self.rooms[documentId]
}

func (self *PresenceRegistry) openRoom(documentId string) *presenceRoom {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	room, ok := self.rooms[documentId]
	if !ok {
		room = &presenceRoom{
			participants: map[string]*Participant{},
		}
		self.rooms[documentId] = room
	}
	return room
}

// always succeeds. overwrites any prior record for the user,
// so a rejoin replaces rather than duplicates.
func (self *PresenceRegistry) Add(documentId string, participant *Participant) {
	for {
		room := self.openRoom(documentId)
		room.mutex.Lock()
		if room.closed {
			room.mutex.Unlock()
			continue
		}
		room.participants[participant.UserId] = participant
		room.mutex.Unlock()
		return
	}
}

// no-op when the document or user is absent.
// drops the room entry when the last participant leaves.
func (self *PresenceRegistry) Remove(documentId string, userId string) {
	room := self.room(documentId)
	if room == nil {
		return
	}

	room.mutex.Lock()
	delete(room.participants, userId)
	empty := len(room.participants) == 0
	if empty {
		room.closed = true
	}
	room.mutex.Unlock()

	if empty {
		self.mutex.Lock()
		if self.rooms[documentId] == room {
			delete(self.rooms, documentId)
		}
		self.mutex.Unlock()
	}
}

func (self *PresenceRegistry) Get(documentId string, userId string) *Participant {
	room := self.room(documentId)
	if room == nil {
		return nil
	}

	room.mutex.Lock()
	defer room.mutex.Unlock()

	participant, ok := room.participants[userId]
	if !ok {
		return nil
	}
	c := *participant
	return &c
}

func (self *PresenceRegistry) List(documentId string) []*Participant {
	room := self.room(documentId)
	if room == nil {
		return []*Participant{}
	}

	room.mutex.Lock()
	defer room.mutex.Unlock()

	participants := make([]*Participant, 0, len(room.participants))
	for _, participant := range maps.Values(room.participants) {
		c := *participant
		participants = append(participants, &c)
	}
	return participants
}

// no-op when the document or user is absent
func (self *PresenceRegistry) Touch(documentId string, userId string) {
	room := self.room(documentId)
	if room == nil {
		return
	}

	room.mutex.Lock()
	defer room.mutex.Unlock()

	if participant, ok := room.participants[userId]; ok {
		participant.LastActive = time.Now()
	}
}

func (self *PresenceRegistry) Count(documentId string) int {
	room := self.room(documentId)
	if room == nil {
		return 0
	}

	room.mutex.Lock()
	defer room.mutex.Unlock()
	return len(room.participants)
}
