package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// handle registers a typed handler for event on the engine's transport.
func handle[T any](e *Engine, event string, fn func(ctx context.Context, p T)) {
	e.transport.On(event, func(raw json.RawMessage) {
		var p T
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &p); err != nil {
				e.log.Warn().Err(err).Str("event", event).Msg("malformed event payload")
				return
			}
		}
		fn(e.ctx, p)
	})
	e.mu.Lock()
	e.registered = append(e.registered, event)
	e.mu.Unlock()
}

func (e *Engine) registerHandlers() {
	e.mu.Lock()
	already := len(e.registered) > 0
	e.mu.Unlock()
	if already {
		return
	}

	handle(e, EventConnect, func(context.Context, struct{}) { e.onConnect() })
	handle(e, EventDisconnect, func(context.Context, struct{}) { e.onDisconnect() })

	handle(e, "message_received", e.onMessageReceived)
	handle(e, "reply_received", e.onReplyReceived)
	handle(e, "message_edited", e.onMessageEdited)
	handle(e, "message_deleted", e.onMessageDeleted)
	handle(e, "edit_message_error", e.onServerError("Could not edit message"))
	handle(e, "delete_message_error", e.onServerError("Could not delete message"))

	handle(e, "user_status_update", e.onUserStatusUpdate)
	handle(e, "user_connected", e.onUserConnected)
	handle(e, "user_disconnected", e.onUserDisconnected)
	handle(e, "user_leave", e.onUserLeave)

	handle(e, "unread_message_private", e.onUnreadPrivate)
	handle(e, "unread_message_group", e.onUnreadGroup)
	handle(e, "typing_indicator", e.onTypingIndicator)
	handle(e, "messages_marked_as_read", e.onMessagesMarkedAsRead)

	handle(e, "group_created", e.onGroupCreated)
	handle(e, "user_added_to_group", e.onUserAddedToGroup)
	handle(e, "group_participants_updated", e.onGroupParticipantsUpdated)
	handle(e, "user_left_group", e.onUserLeftGroup)
	handle(e, "user_removed_from_group", e.onUserRemovedFromGroup)
	handle(e, "group_deleted", e.onGroupDeleted)
	handle(e, "leave_group_success", e.onLeaveGroupSuccess)
	handle(e, "leave_group_error", e.onServerError("Could not leave group"))
}

// ============================================================================
// Connection lifecycle
// ============================================================================

func (e *Engine) onConnect() {
	e.mu.Lock()
	e.connected = true
	var convID string
	if e.current != nil {
		convID = e.current.ID
	}
	e.mu.Unlock()

	// Rooms do not survive a reconnect.
	if convID != "" {
		e.transport.JoinRoom(convID, e.me())
	}
	e.changed()
}

func (e *Engine) onDisconnect() {
	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()
	e.changed()
}

// ============================================================================
// Messages
// ============================================================================

func (e *Engine) onMessageReceived(ctx context.Context, m Message) {
	e.applyIncoming(ctx, m, "message_received")
}

func (e *Engine) onReplyReceived(ctx context.Context, m Message) {
	m.IsReply = true
	e.applyIncoming(ctx, m, "reply_received")
}

// applyIncoming appends a live message to the open conversation. It never increments
// unread counters; those come from the unread_message_* events.
func (e *Engine) applyIncoming(ctx context.Context, m Message, event string) {
	me := e.me()

	e.mu.Lock()
	if conv := e.findConversationLocked(m.ConversationID); conv != nil {
		conv.LastMessageAt = m.Timestamp
		conv.LastMessage = NotificationBody(&m)
		if _, key := e.counterLocked(conv); key != "" {
			e.lastMessageAt[key] = e.eventTime(m.Timestamp)
		}
	}

	if e.current == nil || e.current.ID != m.ConversationID {
		e.resortLocked()
		e.mu.Unlock()
		e.changed()
		return
	}
	for _, existing := range e.messages {
		if m.ID != "" && existing.ID == m.ID {
			e.mu.Unlock()
			e.log.Debug().Str("message_id", m.ID).Str("event", event).Msg("duplicate message dropped")
			return
		}
	}
	e.messages = append(e.messages, m)

	convID := e.current.ID
	var markRead, notify bool
	var title string
	if m.SenderID != me {
		if e.visibility.Active() {
			e.zeroUnreadLocked(e.current)
			markRead = true
		} else {
			e.pendingRead = true
			notify = true
			title = e.notificationTitleLocked(m.SenderID, senderName(&m), e.current)
		}
	}
	e.syncCurrentLocked()
	e.resortLocked()
	total := e.totalUnreadLocked()
	e.mu.Unlock()

	if markRead {
		e.transport.MarkMessagesAsRead(convID, me)
	}
	if notify {
		e.notify(ctx, EventKey{Type: event, ConversationID: convID, Actor: m.SenderID, Timestamp: m.Timestamp},
			Notification{Title: title, Body: NotificationBody(&m), ConversationID: convID})
	}
	e.publishUnread(total)
	e.changed()
}

func (e *Engine) onMessageEdited(_ context.Context, m Message) {
	e.mu.Lock()
	found := false
	for i := range e.messages {
		prev := &e.messages[i]
		if prev.ID != m.ID {
			continue
		}
		// The edit payload does not repeat reply annotations.
		m.IsReply = m.IsReply || prev.IsReply
		if m.ReplyPreview == nil {
			m.ReplyPreview = prev.ReplyPreview
		}
		if m.ReplyTo == "" {
			m.ReplyTo = prev.ReplyTo
		}
		if m.Sender == nil {
			m.Sender = prev.Sender
		}
		if m.ConversationID == "" {
			m.ConversationID = prev.ConversationID
		}
		if m.Timestamp == "" {
			m.Timestamp = prev.Timestamp
		}
		if m.MessageType == "" {
			m.MessageType = prev.MessageType
		}
		m.IsEdited = true
		e.messages[i] = m
		found = true
		break
	}
	e.mu.Unlock()

	if found {
		e.changed()
	}
}

func (e *Engine) onMessageDeleted(_ context.Context, p MessageDeletedPayload) {
	e.mu.Lock()
	idx := -1
	for i := range e.messages {
		if e.messages[i].ID == p.MessageID {
			idx = i
			break
		}
	}
	if idx >= 0 {
		e.messages = append(e.messages[:idx:idx], e.messages[idx+1:]...)
	}
	e.mu.Unlock()

	if idx >= 0 {
		e.changed()
	}
}

func (e *Engine) onServerError(title string) func(context.Context, ServerErrorPayload) {
	return func(_ context.Context, p ServerErrorPayload) {
		msg := p.Error
		if msg == "" {
			msg = "Unknown error"
		}
		e.log.Warn().Str("error", msg).Msg(title)
		e.toaster.Toast(Toast{Kind: ToastError, Title: title, Message: msg})
	}
}

// ============================================================================
// Presence
// ============================================================================

func (e *Engine) setPresence(userID, status string, online bool, lastSeen string) {
	if userID == "" {
		return
	}
	e.mu.Lock()
	u := e.findUserLocked(userID)
	if u == nil {
		e.mu.Unlock()
		return
	}
	u.IsOnline = online
	if status != "" {
		u.Status = status
	}
	if lastSeen != "" {
		u.LastSeen = lastSeen
	}
	e.mu.Unlock()
	e.changed()
}

func (e *Engine) onUserStatusUpdate(_ context.Context, p UserStatusUpdatePayload) {
	e.setPresence(p.UserID, p.Status, p.Status == "online", "")
}

// onUserConnected marks the user online, inserting users the bootstrap has not listed yet.
func (e *Engine) onUserConnected(_ context.Context, p UserConnectedPayload) {
	p.normalize()
	if p.UserID == "" {
		return
	}
	status := p.Status
	if status == "" {
		status = "online"
	}

	e.mu.Lock()
	if u := e.findUserLocked(p.UserID); u != nil {
		u.IsOnline = true
		u.Status = status
		if u.Name == "" {
			u.Name = p.Name
		}
		if u.Email == "" {
			u.Email = p.Email
		}
	} else {
		u := User{
			ID:       p.UserID,
			Name:     p.Name,
			Email:    p.Email,
			Roles:    []string{"user"},
			Filials:  []string{},
			Status:   status,
			IsActive: true,
			IsOnline: true,
		}
		if p.User != nil {
			u.Avatar = p.User.Avatar
			if len(p.User.Roles) > 0 {
				u.Roles = append([]string(nil), p.User.Roles...)
			}
			if len(p.User.Filials) > 0 {
				u.Filials = append([]string(nil), p.User.Filials...)
			}
		}
		e.normalizeUserLocked(&u)
		e.users = append(e.users, u)
	}
	e.mu.Unlock()
	e.changed()
}

func (e *Engine) onUserDisconnected(_ context.Context, p UserDisconnectedPayload) {
	e.setPresence(p.UserID, "offline", false, p.LastSeen)
}

func (e *Engine) onUserLeave(_ context.Context, p UserLeavePayload) {
	e.setPresence(p.UserID, "offline", false, "")
}

// ============================================================================
// Unread notifications and read confirmations
// ============================================================================

func (e *Engine) onUnreadPrivate(ctx context.Context, p UnreadPrivatePayload) {
	me := e.me()
	if p.SenderID == "" || p.SenderID == me {
		return
	}

	e.mu.Lock()
	open := e.current != nil && (e.current.ID == p.ConversationID ||
		(!e.current.IsGroup() && e.current.HasParticipant(p.SenderID)))

	e.lastMessageAt[p.SenderID] = e.eventTime(p.Timestamp)
	conv := e.findConversationLocked(p.ConversationID)
	if conv == nil {
		conv = e.findPrivateWithLocked(p.SenderID)
	}
	convID := p.ConversationID
	unknown := false
	if conv != nil {
		conv.LastMessageAt = p.Timestamp
		conv.LastMessage = previewBody(p.MessageType, p.MessagePreview)
		convID = conv.ID
	} else if convID != "" {
		// first message of a conversation created elsewhere
		e.privatePeers[convID] = p.SenderID
		unknown = true
	}
	if !open {
		e.unread[p.SenderID]++
	}
	title := e.notificationTitleLocked(p.SenderID, p.SenderName, nil)
	e.syncCurrentLocked()
	e.resortLocked()
	total := e.totalUnreadLocked()
	e.mu.Unlock()

	if !open {
		e.notify(ctx, EventKey{Type: "unread_message_private", ConversationID: convID, Actor: p.SenderID, Timestamp: p.Timestamp},
			Notification{Title: title, Body: previewBody(p.MessageType, p.MessagePreview), ConversationID: convID, Icon: p.SenderAvatar})
	}
	e.publishUnread(total)
	e.changed()
	if unknown {
		e.reloadAsync("unknown conversation")
	}
}

func (e *Engine) onUnreadGroup(ctx context.Context, p UnreadGroupPayload) {
	me := e.me()
	if p.ConversationID == "" || p.SenderID == me {
		return
	}

	e.mu.Lock()
	open := e.current != nil && e.current.ID == p.ConversationID

	e.lastMessageAt[p.ConversationID] = e.eventTime(p.Timestamp)
	conv := e.findConversationLocked(p.ConversationID)
	if conv != nil {
		conv.LastMessageAt = p.Timestamp
		conv.LastMessage = previewBody(p.MessageType, p.MessagePreview)
	}
	if !open {
		e.groupUnread[p.ConversationID]++
	}
	group := p.ConversationName
	if group == "" && conv != nil {
		group = conv.Name
	}
	title := e.notificationTitleLocked(p.SenderID, p.SenderName, &Conversation{Type: ConversationGroup, Name: group})
	e.syncCurrentLocked()
	e.resortLocked()
	total := e.totalUnreadLocked()
	e.mu.Unlock()

	if !open {
		e.notify(ctx, EventKey{Type: "unread_message_group", ConversationID: p.ConversationID, Actor: p.SenderID, Timestamp: p.Timestamp},
			Notification{Title: title, Body: previewBody(p.MessageType, p.MessagePreview), ConversationID: p.ConversationID, Icon: p.SenderAvatar})
	}
	e.publishUnread(total)
	e.changed()
}

func (e *Engine) onTypingIndicator(_ context.Context, p TypingIndicatorPayload) {
	e.mu.Lock()
	if e.current == nil || p.ConversationID != e.current.ID || p.UserID == "" || p.UserID == e.me() {
		e.mu.Unlock()
		return
	}
	if p.IsTyping {
		e.typing[p.UserID] = struct{}{}
	} else {
		delete(e.typing, p.UserID)
	}
	e.mu.Unlock()
	e.changed()
}

// onMessagesMarkedAsRead applies a read confirmation for the current user. The watermark
// moves at most once per watermarkMinStep.
func (e *Engine) onMessagesMarkedAsRead(_ context.Context, p MessagesMarkedAsReadPayload) {
	if p.UserID != e.me() || p.ConversationID == "" {
		return
	}

	e.mu.Lock()
	conv := e.findConversationLocked(p.ConversationID)
	if conv == nil {
		e.readUnknownLocked(p.ConversationID)
		total := e.totalUnreadLocked()
		e.mu.Unlock()

		e.publishUnread(total)
		e.changed()
		e.reloadAsync("read confirmation for unknown conversation")
		return
	}
	e.zeroUnreadLocked(conv)
	now := e.now()
	if now.Sub(conv.LastReadAt) > watermarkMinStep {
		conv.LastReadAt = now
	}
	e.syncCurrentLocked()
	e.resortLocked()
	total := e.totalUnreadLocked()
	e.mu.Unlock()

	e.publishUnread(total)
	e.changed()
}

// readUnknownLocked zeroes whatever counter a not yet loaded conversation may have
// and remembers the read for the next load.
func (e *Engine) readUnknownLocked(convID string) {
	if peer, ok := e.privatePeers[convID]; ok {
		e.unread[peer] = 0
	}
	if _, ok := e.groupUnread[convID]; ok {
		e.groupUnread[convID] = 0
	}
	e.pendingReads[convID] = struct{}{}
}

// ============================================================================
// Helpers
// ============================================================================

func (e *Engine) eventTime(ts string) time.Time {
	if t := parseTime(ts); !t.IsZero() {
		return t
	}
	return e.now()
}

func senderName(m *Message) string {
	if m.Sender != nil {
		return m.Sender.Name
	}
	return ""
}

// notificationTitleLocked names the sender, adding the group name for group conversations.
func (e *Engine) notificationTitleLocked(senderID, name string, conv *Conversation) string {
	if name == "" {
		if u := e.findUserLocked(senderID); u != nil {
			name = u.Name
		}
	}
	if name == "" {
		name = "New message"
	}
	if conv != nil && conv.IsGroup() && conv.Name != "" {
		return fmt.Sprintf("%s in %s", name, conv.Name)
	}
	return name
}

// notify delivers a desktop notification once per event key.
func (e *Engine) notify(ctx context.Context, key EventKey, n Notification) {
	if e.visibility.Active() {
		return
	}
	if !e.dedup.ShouldProcess(ctx, key) {
		return
	}
	e.visibility.Deliver(ctx, n)
}

// toast shows t once per event key.
func (e *Engine) toast(ctx context.Context, key EventKey, t Toast) {
	if !e.dedup.ShouldProcess(ctx, key) {
		return
	}
	e.toaster.Toast(t)
}
