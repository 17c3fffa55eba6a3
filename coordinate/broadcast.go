package coordinate

import (
	"context"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

// room addressing over the underlying transport.
// delivery is best effort, at most once per message. no retries.
type Broadcast interface {
	BroadcastToRoom(ctx context.Context, documentId string, message *ServerMessage, excludeConnectionId Id) error
	SendToConnection(ctx context.Context, connectionId Id, message *ServerMessage) error
}

// broadcast plus the send-handle registry the session host needs
type ConnectionBroadcast interface {
	Broadcast
	Register(connectionId Id, send chan *ServerMessage)
	Unregister(connectionId Id)
}

// the full surface a coordinator process wires together.
// implemented by LocalBroadcast and RedisBroadcast.
type SessionBroadcast interface {
	RoomBroadcast
	ConnectionBroadcast
}

// fan-out to connections hosted by this process.
// each registered connection has a buffered send channel owned by its
// write pump. a full channel drops the message rather than blocking
// the room on one slow connection.
type LocalBroadcast struct {
	mutex       sync.Mutex
	connections map[Id]chan *ServerMessage
	// documentId -> connection ids joined on this process
	rooms map[string]map[Id]bool
}

func NewLocalBroadcast() *LocalBroadcast {
	return &LocalBroadcast{
		connections: map[Id]chan *ServerMessage{},
		rooms:       map[string]map[Id]bool{},
	}
}

func (self *LocalBroadcast) Register(connectionId Id, send chan *ServerMessage) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.connections[connectionId] = send
}

func (self *LocalBroadcast) Unregister(connectionId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.connections, connectionId)
	for documentId, members := range self.rooms {
		delete(members, connectionId)
		if len(members) == 0 {
			delete(self.rooms, documentId)
		}
	}
}

func (self *LocalBroadcast) EnterRoom(documentId string, connectionId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	members, ok := self.rooms[documentId]
	if !ok {
		members = map[Id]bool{}
		self.rooms[documentId] = members
	}
	members[connectionId] = true
}

func (self *LocalBroadcast) LeaveRoom(documentId string, connectionId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	members, ok := self.rooms[documentId]
	if !ok {
		return
	}
	delete(members, connectionId)
	if len(members) == 0 {
		delete(self.rooms, documentId)
	}
}

func (self *LocalBroadcast) RoomSize(documentId string) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.rooms[documentId])
}

func (self *LocalBroadcast) roomMembers(documentId string) map[Id]chan *ServerMessage {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	members := map[Id]chan *ServerMessage{}
	for _, connectionId := range maps.Keys(self.rooms[documentId]) {
		if send, ok := self.connections[connectionId]; ok {
			members[connectionId] = send
		}
	}
	return members
}

func (self *LocalBroadcast) BroadcastToRoom(ctx context.Context, documentId string, message *ServerMessage, excludeConnectionId Id) error {
	for connectionId, send := range self.roomMembers(documentId) {
		if connectionId == excludeConnectionId {
			continue
		}
		select {
		case send <- message:
			glog.V(2).Infof("[bc]%s %s->\n", message.Type, connectionId)
		default:
			// the connection is not draining its send buffer.
			// a missed broadcast is recovered by the client re-fetching state.
			glog.Infof("[bc]drop %s %s->\n", message.Type, connectionId)
		}
	}
	return nil
}

func (self *LocalBroadcast) SendToConnection(ctx context.Context, connectionId Id, message *ServerMessage) error {
	self.mutex.Lock()
	send, ok := self.connections[connectionId]
	self.mutex.Unlock()
	if !ok {
		return nil
	}
	select {
	case send <- message:
		glog.V(2).Infof("[bc]%s %s->\n", message.Type, connectionId)
	default:
		glog.Infof("[bc]drop %s %s->\n", message.Type, connectionId)
	}
	return nil
}
