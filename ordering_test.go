package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSortConversations(t *testing.T) {
	base := time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)
	convs := []Conversation{
		{ID: "old", UpdatedAt: base.Add(-time.Hour).Format(time.RFC3339)},
		{ID: "unread-old", UpdatedAt: base.Add(-2 * time.Hour).Format(time.RFC3339)},
		{ID: "fresh", UpdatedAt: base.Add(-3 * time.Hour).Format(time.RFC3339)},
		{ID: "unread-new", LastMessageAt: base.Format(time.RFC3339)},
		{ID: "read", LastReadAt: base.Add(-30 * time.Minute)},
	}
	unread := map[string]int{"unread-old": 2, "unread-new": 1}
	live := map[string]time.Time{"fresh": base.Add(time.Minute)}

	sortConversations(convs,
		func(c *Conversation) int { return unread[c.ID] },
		func(c *Conversation) time.Time { return live[c.ID] },
	)

	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	assert.Equal(t, []string{"unread-new", "unread-old", "fresh", "read", "old"}, ids)
}

func TestSortConversationsIsStable(t *testing.T) {
	convs := []Conversation{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	sortConversations(convs, func(*Conversation) int { return 0 }, func(*Conversation) time.Time { return time.Time{} })
	assert.Equal(t, "a", convs[0].ID)
	assert.Equal(t, "b", convs[1].ID)
	assert.Equal(t, "c", convs[2].ID)
}

func TestNormalizeAvatar(t *testing.T) {
	assert.Equal(t, "http://chat.test/uploads/a.png", normalizeAvatar("/uploads/a.png", "http://chat.test/"))
	assert.Equal(t, "http://chat.test/uploads/a.png", normalizeAvatar("uploads/a.png", "http://chat.test"))
	assert.Equal(t, "https://cdn.test/a.png", normalizeAvatar("https://cdn.test/a.png", "http://chat.test"))
	assert.Equal(t, "data:image/png;base64,AAAA", normalizeAvatar("data:image/png;base64,AAAA", "http://chat.test"))
	assert.Equal(t, "/a.png", normalizeAvatar("/a.png", ""))
	assert.Empty(t, normalizeAvatar("", "http://chat.test"))
}

func TestParseTime(t *testing.T) {
	want := time.Date(2024, 5, 2, 8, 0, 0, 123000000, time.UTC)
	assert.True(t, want.Equal(parseTime("2024-05-02T08:00:00.123Z")))
	assert.True(t, want.Equal(parseTime("1714636800123")))
	assert.True(t, parseTime("").IsZero())
	assert.True(t, parseTime("yesterday").IsZero())
}
