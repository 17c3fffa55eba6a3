package coordinate

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/go-playground/assert/v2"
)

// a broadcast with a client pointed at nothing. publish fails, which is
// the degraded single-node mode; deliver and the local path need no server.
func newOfflineRedisBroadcast(ctx context.Context) *RedisBroadcast {
	client := redis.NewClient(&redis.Options{
		Addr:       "127.0.0.1:1",
		MaxRetries: -1,
	})
	return NewRedisBroadcastWithDefaults(ctx, client, NewLocalBroadcast())
}

func peerEnvelope(t *testing.T, documentId string, message *ServerMessage) []byte {
	payload, err := json.Marshal(&redisEnvelope{
		NodeId:     NewId(),
		DocumentId: documentId,
		Message:    message,
	})
	assert.Equal(t, err, nil)
	return payload
}

func TestRedisBroadcastDeliversPeerEnvelopes(t *testing.T) {
	ctx := context.Background()
	broadcast := newOfflineRedisBroadcast(ctx)
	defer broadcast.Close()

	a := NewId()
	send := make(chan *ServerMessage, 4)
	broadcast.Register(a, send)
	broadcast.local.EnterRoom("doc1", a)

	message := newUserLeftMessage("doc1", "user-b")
	broadcast.deliver("doc1", peerEnvelope(t, "doc1", message))

	assert.Equal(t, len(send), 1)
	received := <-send
	assert.Equal(t, received.Type, MessageTypeUserLeft)
	assert.Equal(t, received.UserId, "user-b")
}

func TestRedisBroadcastSkipsOwnEnvelopes(t *testing.T) {
	ctx := context.Background()
	broadcast := newOfflineRedisBroadcast(ctx)
	defer broadcast.Close()

	a := NewId()
	send := make(chan *ServerMessage, 4)
	broadcast.Register(a, send)
	broadcast.local.EnterRoom("doc1", a)

	payload, err := json.Marshal(&redisEnvelope{
		NodeId:     broadcast.nodeId,
		DocumentId: "doc1",
		Message:    newUserLeftMessage("doc1", "user-b"),
	})
	assert.Equal(t, err, nil)

	// an echo of this node's own publication is not delivered again
	broadcast.deliver("doc1", payload)
	assert.Equal(t, len(send), 0)

	// garbage payloads are logged and skipped
	broadcast.deliver("doc1", []byte("not json"))
	assert.Equal(t, len(send), 0)
}

func TestRedisBroadcastDegradesToLocal(t *testing.T) {
	ctx := context.Background()
	broadcast := newOfflineRedisBroadcast(ctx)
	defer broadcast.Close()

	a := NewId()
	b := NewId()
	sendA := make(chan *ServerMessage, 4)
	sendB := make(chan *ServerMessage, 4)
	broadcast.Register(a, sendA)
	broadcast.Register(b, sendB)
	broadcast.local.EnterRoom("doc1", a)
	broadcast.local.EnterRoom("doc1", b)

	// publish fails against the dead address; local members still
	// receive, with the sender excluded
	message := newUserLeftMessage("doc1", "user-c")
	assert.Equal(t, broadcast.BroadcastToRoom(ctx, "doc1", message, a), nil)
	assert.Equal(t, len(sendA), 0)
	assert.Equal(t, len(sendB), 1)

	assert.Equal(t, broadcast.SendToConnection(ctx, a, message), nil)
	assert.Equal(t, len(sendA), 1)
}
