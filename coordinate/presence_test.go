package coordinate

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestColorForUser(t *testing.T) {
	a := ColorForUser("user-a")
	for i := 0; i < 10; i += 1 {
		assert.Equal(t, ColorForUser("user-a"), a)
	}
	assert.Equal(t, 0 <= a.Hue, true)
	assert.Equal(t, a.Hue < 360, true)
	assert.Equal(t, a.Saturation, presenceSaturation)
	assert.Equal(t, a.Lightness, presenceLightness)
}

func TestPresenceRegistry(t *testing.T) {
	presence := NewPresenceRegistry()

	// absent keys are no-ops, not errors
	presence.Remove("doc1", "user-a")
	presence.Touch("doc1", "user-a")
	assert.Equal(t, presence.Get("doc1", "user-a"), nil)
	assert.Equal(t, len(presence.List("doc1")), 0)

	a := NewParticipant(&Identity{UserId: "user-a", DisplayName: "A"})
	b := NewParticipant(&Identity{UserId: "user-b", DisplayName: "B"})

	presence.Add("doc1", a)
	presence.Add("doc1", b)
	assert.Equal(t, presence.Count("doc1"), 2)

	got := presence.Get("doc1", "user-a")
	assert.NotEqual(t, got, nil)
	assert.Equal(t, got.DisplayName, "A")

	// add overwrites the prior record for the user
	a2 := NewParticipant(&Identity{UserId: "user-a", DisplayName: "A2"})
	presence.Add("doc1", a2)
	assert.Equal(t, presence.Count("doc1"), 2)
	assert.Equal(t, presence.Get("doc1", "user-a").DisplayName, "A2")

	presence.Remove("doc1", "user-a")
	assert.Equal(t, presence.Count("doc1"), 1)
	assert.Equal(t, presence.Get("doc1", "user-a"), nil)

	// removing the last participant drops the room entry
	presence.Remove("doc1", "user-b")
	assert.Equal(t, presence.Count("doc1"), 0)
	presence.mutex.RLock()
	_, ok := presence.rooms["doc1"]
	presence.mutex.RUnlock()
	assert.Equal(t, ok, false)
}

func TestPresenceTouch(t *testing.T) {
	presence := NewPresenceRegistry()

	a := NewParticipant(&Identity{UserId: "user-a"})
	a.LastActive = time.Now().Add(-time.Hour)
	presence.Add("doc1", a)

	before := presence.Get("doc1", "user-a").LastActive
	presence.Touch("doc1", "user-a")
	after := presence.Get("doc1", "user-a").LastActive
	assert.Equal(t, before.Before(after), true)
}

func TestPresenceRoomsIndependent(t *testing.T) {
	presence := NewPresenceRegistry()

	presence.Add("doc1", NewParticipant(&Identity{UserId: "user-a"}))
	presence.Add("doc2", NewParticipant(&Identity{UserId: "user-a"}))
	presence.Remove("doc1", "user-a")

	assert.Equal(t, presence.Count("doc1"), 0)
	assert.Equal(t, presence.Count("doc2"), 1)
}
