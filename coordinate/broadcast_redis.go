package coordinate

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/golang/glog"
)

type RedisBroadcastSettings struct {
	ChannelPrefix string
}

func DefaultRedisBroadcastSettings() *RedisBroadcastSettings {
	return &RedisBroadcastSettings{
		ChannelPrefix: "coordinate.room.",
	}
}

// room events relayed between coordinator nodes over redis pub/sub,
// so a room can span processes. wraps a LocalBroadcast for final
// delivery to the connections hosted here.
// one subscription per document with local members.
type RedisBroadcast struct {
	ctx    context.Context
	cancel context.CancelFunc

	client redis.UniversalClient
	local  *LocalBroadcast

	// identifies envelopes published by this node so they are not
	// delivered twice locally
	nodeId Id

	settings *RedisBroadcastSettings

	mutex sync.Mutex
	subs  map[string]*redis.PubSub
}

type redisEnvelope struct {
	NodeId     Id             `json:"node_id"`
	DocumentId string         `json:"document_id"`
	Message    *ServerMessage `json:"message"`
}

func NewRedisBroadcastWithDefaults(
	ctx context.Context,
	client redis.UniversalClient,
	local *LocalBroadcast,
) *RedisBroadcast {
	return NewRedisBroadcast(ctx, client, local, DefaultRedisBroadcastSettings())
}

func NewRedisBroadcast(
	ctx context.Context,
	client redis.UniversalClient,
	local *LocalBroadcast,
	settings *RedisBroadcastSettings,
) *RedisBroadcast {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &RedisBroadcast{
		ctx:      cancelCtx,
		cancel:   cancel,
		client:   client,
		local:    local,
		nodeId:   NewId(),
		settings: settings,
		subs:     map[string]*redis.PubSub{},
	}
}

func (self *RedisBroadcast) channel(documentId string) string {
	return self.settings.ChannelPrefix + documentId
}

func (self *RedisBroadcast) Register(connectionId Id, send chan *ServerMessage) {
	self.local.Register(connectionId, send)
}

func (self *RedisBroadcast) Unregister(connectionId Id) {
	self.local.Unregister(connectionId)
}

func (self *RedisBroadcast) EnterRoom(documentId string, connectionId Id) {
	self.local.EnterRoom(documentId, connectionId)

	self.mutex.Lock()
	defer self.mutex.Unlock()
	if _, ok := self.subs[documentId]; ok {
		return
	}
	pubsub := self.client.Subscribe(self.ctx, self.channel(documentId))
	self.subs[documentId] = pubsub
	go self.relay(documentId, pubsub)
}

func (self *RedisBroadcast) LeaveRoom(documentId string, connectionId Id) {
	self.local.LeaveRoom(documentId, connectionId)

	if self.local.RoomSize(documentId) == 0 {
		self.mutex.Lock()
		if pubsub, ok := self.subs[documentId]; ok {
			delete(self.subs, documentId)
			pubsub.Close()
		}
		self.mutex.Unlock()
	}
}

// forwards envelopes from peer nodes to local room members
func (self *RedisBroadcast) relay(documentId string, pubsub *redis.PubSub) {
	for message := range pubsub.Channel() {
		self.deliver(documentId, []byte(message.Payload))
	}
}

// applies one received envelope. envelopes published by this node are
// skipped: they were already delivered locally on publish.
func (self *RedisBroadcast) deliver(documentId string, payload []byte) {
	var envelope redisEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		glog.Infof("[rbc]bad envelope %s = %s\n", documentId, err)
		return
	}
	if envelope.NodeId == self.nodeId {
		return
	}
	// the excluded connection lives on the origin node
	self.local.BroadcastToRoom(self.ctx, envelope.DocumentId, envelope.Message, Id{})
	glog.V(2).Infof("[rbc]relay %s %s\n", documentId, envelope.Message.Type)
}

func (self *RedisBroadcast) BroadcastToRoom(ctx context.Context, documentId string, message *ServerMessage, excludeConnectionId Id) error {
	envelope := &redisEnvelope{
		NodeId:     self.nodeId,
		DocumentId: documentId,
		Message:    message,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	if err := self.client.Publish(ctx, self.channel(documentId), payload).Err(); err != nil {
		// degrade to local delivery. peers recover by re-fetching state.
		glog.Infof("[rbc]publish error %s = %s\n", documentId, err)
	}
	return self.local.BroadcastToRoom(ctx, documentId, message, excludeConnectionId)
}

func (self *RedisBroadcast) SendToConnection(ctx context.Context, connectionId Id, message *ServerMessage) error {
	return self.local.SendToConnection(ctx, connectionId, message)
}

func (self *RedisBroadcast) Close() {
	self.cancel()

	self.mutex.Lock()
	defer self.mutex.Unlock()
	for documentId, pubsub := range self.subs {
		delete(self.subs, documentId)
		pubsub.Close()
	}
}
