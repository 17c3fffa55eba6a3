package coordinate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// wraps a store to count calls and inject failures
type faultStore struct {
	DocumentStore

	getCount   atomic.Int64
	failAppend atomic.Bool
	failHead   atomic.Bool
}

func (self *faultStore) GetDocument(ctx context.Context, documentId string) (*Document, error) {
	self.getCount.Add(1)
	return self.DocumentStore.GetDocument(ctx, documentId)
}

func (self *faultStore) AppendChange(ctx context.Context, documentId string, change *Change) (string, error) {
	if self.failAppend.Load() {
		return "", errors.New("append refused")
	}
	return self.DocumentStore.AppendChange(ctx, documentId, change)
}

func (self *faultStore) UpdateHead(ctx context.Context, documentId string, version int64, lastModified time.Time) error {
	if self.failHead.Load() {
		return errors.New("head refused")
	}
	return self.DocumentStore.UpdateHead(ctx, documentId, version, lastModified)
}

func testChange(topicId string) *ChangeData {
	return &ChangeData{
		TopicId:    topicId,
		ChangeType: ChangeTypeUpdate,
		Properties: map[string]any{"label": "renamed"},
	}
}

func TestSubmitChangeFansOut(t *testing.T) {
	c := newTestCoordinator(newTestStore(t))
	defer c.cancel()

	a := c.connect("user-a")
	b := c.connect("user-b")
	assert.Equal(t, c.rooms.Join(c.ctx, a.connectionId, "doc1"), nil)
	a.next(t)
	assert.Equal(t, c.rooms.Join(c.ctx, b.connectionId, "doc1"), nil)
	a.next(t)
	b.next(t)

	err := c.pipeline.SubmitChange(c.ctx, a.connectionId, testChange("topic-1"))
	assert.Equal(t, err, nil)

	// the sender never sees its own change
	a.assertNoMessage(t)

	message := b.next(t)
	assert.Equal(t, message.Type, MessageTypeTopicChange)
	assert.Equal(t, message.SenderId, "user-a")
	assert.Equal(t, message.Change.TopicId, "topic-1")
	assert.Equal(t, message.Change.Version, int64(1))
	assert.NotEqual(t, message.Change.ChangeId, "")
	assert.NotEqual(t, message.Timestamp, nil)

	document, err := c.store.GetDocument(c.ctx, "doc1")
	assert.Equal(t, err, nil)
	assert.Equal(t, document.Version, int64(1))
}

func TestSubmitChangeNotInRoom(t *testing.T) {
	store := &faultStore{DocumentStore: newTestStore(t)}
	c := newTestCoordinator(store)
	defer c.cancel()

	a := c.connect("user-a")
	err := c.pipeline.SubmitChange(c.ctx, a.connectionId, testChange("topic-1"))
	_, ok := err.(*NotInRoomError)
	assert.Equal(t, ok, true)
	// rejected before any store call
	assert.Equal(t, store.getCount.Load(), int64(0))
}

func TestSubmitChangeValidation(t *testing.T) {
	store := &faultStore{DocumentStore: newTestStore(t)}
	c := newTestCoordinator(store)
	defer c.cancel()

	a := c.connect("user-a")
	assert.Equal(t, c.rooms.Join(c.ctx, a.connectionId, "doc1"), nil)
	a.next(t)
	gets := store.getCount.Load()

	err := c.pipeline.SubmitChange(c.ctx, a.connectionId, nil)
	_, ok := err.(*ValidationError)
	assert.Equal(t, ok, true)

	err = c.pipeline.SubmitChange(c.ctx, a.connectionId, &ChangeData{
		ChangeType: ChangeTypeUpdate,
	})
	_, ok = err.(*ValidationError)
	assert.Equal(t, ok, true)

	err = c.pipeline.SubmitChange(c.ctx, a.connectionId, &ChangeData{
		TopicId:    "topic-1",
		ChangeType: ChangeType("rename"),
	})
	_, ok = err.(*ValidationError)
	assert.Equal(t, ok, true)

	assert.Equal(t, store.getCount.Load(), gets)
}

func TestSubmitChangeVersionsMonotone(t *testing.T) {
	c := newTestCoordinator(newTestStore(t))
	defer c.cancel()

	a := c.connect("user-a")
	b := c.connect("user-b")
	assert.Equal(t, c.rooms.Join(c.ctx, a.connectionId, "doc1"), nil)
	a.next(t)
	assert.Equal(t, c.rooms.Join(c.ctx, b.connectionId, "doc1"), nil)
	a.next(t)
	b.next(t)

	n := 50
	wg := sync.WaitGroup{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.pipeline.SubmitChange(c.ctx, a.connectionId, testChange("topic-1"))
			assert.Equal(t, err, nil)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.pipeline.SubmitChange(c.ctx, b.connectionId, testChange("topic-2"))
			assert.Equal(t, err, nil)
		}()
	}
	wg.Wait()

	// contiguous 1..2n with no gaps or repeats
	changes, err := c.store.ListChanges(c.ctx, "doc1", 0)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(changes), 2*n)
	seen := map[int64]bool{}
	for _, change := range changes {
		assert.Equal(t, seen[change.Version], false)
		seen[change.Version] = true
	}
	for version := int64(1); version <= int64(2*n); version += 1 {
		assert.Equal(t, seen[version], true)
	}

	document, err := c.store.GetDocument(c.ctx, "doc1")
	assert.Equal(t, err, nil)
	assert.Equal(t, document.Version, int64(2*n))
}

func TestSubmitChangeVersionConflict(t *testing.T) {
	c := newTestCoordinator(newTestStore(t))
	defer c.cancel()

	a := c.connect("user-a")
	assert.Equal(t, c.rooms.Join(c.ctx, a.connectionId, "doc1"), nil)
	a.next(t)

	// precondition matches the allocated version
	data := testChange("topic-1")
	data.Version = 1
	assert.Equal(t, c.pipeline.SubmitChange(c.ctx, a.connectionId, data), nil)

	// stale precondition
	stale := testChange("topic-1")
	stale.Version = 1
	err := c.pipeline.SubmitChange(c.ctx, a.connectionId, stale)
	conflict, ok := err.(*VersionConflictError)
	assert.Equal(t, ok, true)
	assert.Equal(t, conflict.Expected, int64(1))
	assert.Equal(t, conflict.Head, int64(1))

	// nothing persisted for the rejected submission
	changes, err := c.store.ListChanges(c.ctx, "doc1", 0)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(changes), 1)
}

func TestSubmitChangePersistFailure(t *testing.T) {
	store := &faultStore{DocumentStore: newTestStore(t)}
	c := newTestCoordinator(store)
	defer c.cancel()

	a := c.connect("user-a")
	b := c.connect("user-b")
	assert.Equal(t, c.rooms.Join(c.ctx, a.connectionId, "doc1"), nil)
	a.next(t)
	assert.Equal(t, c.rooms.Join(c.ctx, b.connectionId, "doc1"), nil)
	a.next(t)
	b.next(t)

	store.failAppend.Store(true)
	err := c.pipeline.SubmitChange(c.ctx, a.connectionId, testChange("topic-1"))
	persistence, ok := err.(*PersistenceError)
	assert.Equal(t, ok, true)
	assert.Equal(t, persistence.Op, "appendChange")

	// nothing reached the room
	b.assertNoMessage(t)

	// the store recovers and the version is re-allocated
	store.failAppend.Store(false)
	assert.Equal(t, c.pipeline.SubmitChange(c.ctx, a.connectionId, testChange("topic-1")), nil)
	message := b.next(t)
	assert.Equal(t, message.Change.Version, int64(1))
}

func TestSubmitChangeHeadFailure(t *testing.T) {
	store := &faultStore{DocumentStore: newTestStore(t)}
	c := newTestCoordinator(store)
	defer c.cancel()

	a := c.connect("user-a")
	b := c.connect("user-b")
	assert.Equal(t, c.rooms.Join(c.ctx, a.connectionId, "doc1"), nil)
	a.next(t)
	assert.Equal(t, c.rooms.Join(c.ctx, b.connectionId, "doc1"), nil)
	a.next(t)
	b.next(t)

	store.failHead.Store(true)
	err := c.pipeline.SubmitChange(c.ctx, a.connectionId, testChange("topic-1"))
	persistence, ok := err.(*PersistenceError)
	assert.Equal(t, ok, true)
	assert.Equal(t, persistence.Op, "updateHead")
	b.assertNoMessage(t)

	// version 1 is in the log with the head still at 0. the next
	// submission allocates past the orphan rather than colliding with it.
	store.failHead.Store(false)
	assert.Equal(t, c.pipeline.SubmitChange(c.ctx, a.connectionId, testChange("topic-1")), nil)
	message := b.next(t)
	assert.Equal(t, message.Change.Version, int64(2))

	// no version appears twice in the durable log and the head caught up
	changes, err := c.store.ListChanges(c.ctx, "doc1", 0)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(changes), 2)
	seen := map[int64]bool{}
	for _, change := range changes {
		assert.Equal(t, seen[change.Version], false)
		seen[change.Version] = true
	}
	document, err := c.store.GetDocument(c.ctx, "doc1")
	assert.Equal(t, err, nil)
	assert.Equal(t, document.Version, int64(2))
}

func TestSubmitChangeTouchesPresence(t *testing.T) {
	c := newTestCoordinator(newTestStore(t))
	defer c.cancel()

	a := c.connect("user-a")
	assert.Equal(t, c.rooms.Join(c.ctx, a.connectionId, "doc1"), nil)
	a.next(t)

	before := c.presence.Get("doc1", "user-a").LastActive
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, c.pipeline.SubmitChange(c.ctx, a.connectionId, testChange("topic-1")), nil)
	after := c.presence.Get("doc1", "user-a").LastActive
	assert.Equal(t, before.Before(after), true)
}
