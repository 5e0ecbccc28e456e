package chatsync

import (
	"sort"
	"strings"
	"time"
)

// activityOf is the most recent of the read watermark, the update time, and the last
// message time known for c.
func activityOf(c *Conversation, lastMessage time.Time) time.Time {
	latest := c.LastReadAt
	for _, t := range []time.Time{parseTime(c.UpdatedAt), parseTime(c.LastMessageAt), lastMessage} {
		if t.After(latest) {
			latest = t
		}
	}
	return latest
}

// sortConversations orders unread conversations first, then by activity, newest first.
// Ties keep their previous relative order.
func sortConversations(convs []Conversation, unread func(*Conversation) int, lastMessage func(*Conversation) time.Time) {
	type rank struct {
		unread   bool
		activity time.Time
	}
	ranks := make(map[string]rank, len(convs))
	for i := range convs {
		c := &convs[i]
		ranks[c.ID] = rank{unread: unread(c) > 0, activity: activityOf(c, lastMessage(c))}
	}
	sort.SliceStable(convs, func(i, j int) bool {
		a, b := ranks[convs[i].ID], ranks[convs[j].ID]
		if a.unread != b.unread {
			return a.unread
		}
		return a.activity.After(b.activity)
	})
}

// normalizeAvatar resolves a relative avatar path against base.
func normalizeAvatar(avatar, base string) string {
	if avatar == "" || base == "" {
		return avatar
	}
	lower := strings.ToLower(avatar)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "data:") {
		return avatar
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(avatar, "/")
}
