package coordinate

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"
)

// broadcast plus the room membership index it needs to address rooms
type RoomBroadcast interface {
	Broadcast
	EnterRoom(documentId string, connectionId Id)
	LeaveRoom(documentId string, connectionId Id)
}

// per-connection membership state.
// unauthenticated connections are never present here.
// `documentId` is empty while the connection is authenticated but unjoined.
type connectionState struct {
	connectionId Id
	identity     *Identity
	documentId   string
}

// moves connections between unjoined and joined, enforcing one active
// room per connection and document-level authorization.
// all room mutations for one document run on that document's sequence,
// linearized with change submissions.
type RoomManager struct {
	ctx context.Context

	store     DocumentStore
	presence  *PresenceRegistry
	broadcast RoomBroadcast
	sequencer *Sequencer

	stateLock   sync.Mutex
	connections map[Id]*connectionState
}

func NewRoomManager(
	ctx context.Context,
	store DocumentStore,
	presence *PresenceRegistry,
	broadcast RoomBroadcast,
	sequencer *Sequencer,
) *RoomManager {
	return &RoomManager{
		ctx:         ctx,
		store:       store,
		presence:    presence,
		broadcast:   broadcast,
		sequencer:   sequencer,
		connections: map[Id]*connectionState{},
	}
}

// attaches the authenticated identity to the connection.
// must be called before any join.
func (self *RoomManager) Admit(connectionId Id, identity *Identity) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.connections[connectionId] = &connectionState{
		connectionId: connectionId,
		identity:     identity,
	}
	glog.V(2).Infof("[room]admit %s %s\n", connectionId, identity.UserId)
}

func (self *RoomManager) lookup(connectionId Id) *connectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connections[connectionId]
}

// the connection's active room, if any
func (self *RoomManager) ActiveRoom(connectionId Id) (documentId string, identity *Identity, ok bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	state, present := self.connections[connectionId]
	if !present {
		return "", nil, false
	}
	if state.documentId == "" {
		return "", state.identity, false
	}
	return state.documentId, state.identity, true
}

func (self *RoomManager) Join(ctx context.Context, connectionId Id, documentId string) error {
	state := self.lookup(connectionId)
	if state == nil {
		return NewAuthenticationError(AuthReasonFailed, "connection not admitted")
	}

	document, err := self.store.GetDocument(ctx, documentId)
	if err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			return err
		}
		return &PersistenceError{Op: "getDocument", Err: err}
	}
	if !document.CanAccess(state.identity.UserId) {
		return &AuthorizationError{DocumentId: documentId, UserId: state.identity.UserId}
	}

	// leave-then-join. the prior membership and presence record are
	// removed before the new one is established.
	// `documentId` is written by Leave and Disconnect under the lock,
	// so the prior room is snapshotted under the lock too.
	self.stateLock.Lock()
	priorDocumentId := state.documentId
	self.stateLock.Unlock()
	if priorDocumentId != "" {
		self.leaveRoom(state, priorDocumentId)
	}

	participant := NewParticipant(state.identity)
	self.sequencer.Do(documentId, func() {
		self.presence.Add(documentId, participant)
		self.broadcast.EnterRoom(documentId, connectionId)
		self.broadcast.BroadcastToRoom(
			self.ctx,
			documentId,
			newUserJoinedMessage(documentId, participant),
			connectionId,
		)
		self.broadcast.SendToConnection(
			self.ctx,
			connectionId,
			newConnectionEstablishedMessage(documentId, self.presence.List(documentId)),
		)
	})

	self.stateLock.Lock()
	state.documentId = documentId
	self.stateLock.Unlock()

	glog.V(2).Infof("[room]join %s %s -> %s\n", connectionId, state.identity.UserId, documentId)
	return nil
}

func (self *RoomManager) Leave(ctx context.Context, connectionId Id) error {
	state := self.lookup(connectionId)
	if state == nil {
		return nil
	}

	self.stateLock.Lock()
	documentId := state.documentId
	state.documentId = ""
	self.stateLock.Unlock()

	if documentId == "" {
		return nil
	}
	self.leaveRoom(state, documentId)
	glog.V(2).Infof("[room]leave %s %s <- %s\n", connectionId, state.identity.UserId, documentId)
	return nil
}

// idempotent. transport-level and application-level disconnect signals
// may both fire for one connection.
func (self *RoomManager) Disconnect(ctx context.Context, connectionId Id) {
	self.stateLock.Lock()
	state, ok := self.connections[connectionId]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	delete(self.connections, connectionId)
	documentId := state.documentId
	state.documentId = ""
	self.stateLock.Unlock()

	if documentId != "" {
		self.leaveRoom(state, documentId)
	}
	glog.V(2).Infof("[room]disconnect %s %s\n", connectionId, state.identity.UserId)
}

func (self *RoomManager) leaveRoom(state *connectionState, documentId string) {
	self.sequencer.Do(documentId, func() {
		self.presence.Remove(documentId, state.identity.UserId)
		self.broadcast.LeaveRoom(documentId, state.connectionId)
		self.broadcast.BroadcastToRoom(
			self.ctx,
			documentId,
			newUserLeftMessage(documentId, state.identity.UserId),
			state.connectionId,
		)
	})
}
