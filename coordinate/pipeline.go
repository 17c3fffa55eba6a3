package coordinate

import (
	"context"
	"time"

	"github.com/golang/glog"
)

// validates, versions, persists, and fans out submitted changes.
//
// versions are allocated here, not taken from the client. the version
// carried in the submission is an optimistic-concurrency precondition:
// when present it must equal the allocated next version, otherwise the
// submission is rejected with a conflict and nothing is persisted.
//
// a change is broadcast only after both store calls succeed.
type ChangePipeline struct {
	ctx context.Context

	store     DocumentStore
	presence  *PresenceRegistry
	broadcast Broadcast
	rooms     *RoomManager
	sequencer *Sequencer
}

func NewChangePipeline(
	ctx context.Context,
	store DocumentStore,
	presence *PresenceRegistry,
	broadcast Broadcast,
	rooms *RoomManager,
	sequencer *Sequencer,
) *ChangePipeline {
	return &ChangePipeline{
		ctx:       ctx,
		store:     store,
		presence:  presence,
		broadcast: broadcast,
		rooms:     rooms,
		sequencer: sequencer,
	}
}

func (self *ChangePipeline) SubmitChange(ctx context.Context, connectionId Id, data *ChangeData) error {
	documentId, identity, ok := self.rooms.ActiveRoom(connectionId)
	if !ok {
		return &NotInRoomError{ConnectionId: connectionId}
	}

	if data == nil {
		return &ValidationError{Message: "missing change payload"}
	}
	if data.TopicId == "" {
		return &ValidationError{Message: "change requires a topic_id"}
	}
	if !ValidChangeType(data.ChangeType) {
		return &ValidationError{Message: "unrecognized change_type"}
	}

	var err error
	var change *Change
	self.sequencer.Do(documentId, func() {
		change, err = self.apply(ctx, documentId, identity.UserId, data)
		if err != nil {
			return
		}
		// persisted. fan out to the room, never back to the sender.
		// kept on the sequence so peers observe changes in version order.
		self.broadcast.BroadcastToRoom(
			self.ctx,
			documentId,
			newTopicChangeMessage(change),
			connectionId,
		)
	})
	if err != nil {
		return err
	}
	glog.V(2).Infof("[pipe]%s v%d %s\n", documentId, change.Version, change.ChangeType)
	return nil
}

// runs on the document sequence. reads the head, allocates the next
// version, appends and advances the head. append and head update are
// two store calls with no transaction between them.
//
// the change log is authoritative for allocation. a submission whose
// append succeeded but whose head update failed leaves a logged
// version above the head; allocating from the log tail instead of the
// head keeps versions unique and advances the head past the orphan.
func (self *ChangePipeline) apply(ctx context.Context, documentId string, userId string, data *ChangeData) (*Change, error) {
	document, err := self.store.GetDocument(ctx, documentId)
	if err != nil {
		return nil, &PersistenceError{Op: "getDocument", Err: err}
	}

	headVersion := document.Version
	tail, err := self.store.ListChanges(ctx, documentId, headVersion)
	if err != nil {
		return nil, &PersistenceError{Op: "listChanges", Err: err}
	}
	for _, logged := range tail {
		if headVersion < logged.Version {
			headVersion = logged.Version
		}
	}

	nextVersion := headVersion + 1
	if data.Version != 0 && data.Version != nextVersion {
		return nil, &VersionConflictError{
			DocumentId: documentId,
			Expected:   data.Version,
			Head:       headVersion,
		}
	}

	now := time.Now()
	change := &Change{
		DocumentId: documentId,
		TopicId:    data.TopicId,
		ChangeType: data.ChangeType,
		Properties: data.Properties,
		UserId:     userId,
		Version:    nextVersion,
		Timestamp:  now,
	}

	changeId, err := self.store.AppendChange(ctx, documentId, change)
	if err != nil {
		return nil, &PersistenceError{Op: "appendChange", Err: err}
	}
	change.ChangeId = changeId

	if err := self.store.UpdateHead(ctx, documentId, nextVersion, now); err != nil {
		// the change stays in the log with the head behind it.
		// the next submission allocates past it and reconciles the head.
		glog.Infof("[pipe]head lag %s v%d = %s\n", documentId, nextVersion, err)
		return nil, &PersistenceError{Op: "updateHead", Err: err}
	}

	self.presence.Touch(documentId, userId)
	return change, nil
}
