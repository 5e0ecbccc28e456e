package chatsync

import (
	"context"
	"fmt"
)

// ============================================================================
// Group actions
// ============================================================================

// CreateGroup emits create_group. The creator is always included in the participants.
// The conversation list is refreshed when the server announces the group.
func (e *Engine) CreateGroup(name, description string, participants []string) error {
	me := e.me()
	if me == "" {
		return ErrNoIdentity
	}
	members := make([]string, 0, len(participants)+1)
	for _, p := range participants {
		if p != "" && !containsString(members, p) {
			members = append(members, p)
		}
	}
	if !containsString(members, me) {
		members = append(members, me)
	}
	e.transport.CreateGroup(CreateGroupPayload{
		Name:         name,
		Description:  description,
		Participants: members,
		CreatedBy:    me,
	})
	return nil
}

// AddUserToGroup invites userID to the open group.
func (e *Engine) AddUserToGroup(userID string) error {
	me := e.me()
	if me == "" {
		return ErrNoIdentity
	}
	e.mu.Lock()
	cur := e.current
	e.mu.Unlock()
	if cur == nil || !cur.IsGroup() {
		return ErrNoConversation
	}
	e.transport.AddUserToGroup(cur.ID, userID, me)
	return nil
}

// RemoveParticipant removes userID from a group over REST, acting as the current user.
// Local state is updated once the request succeeds; on failure nothing changes.
func (e *Engine) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	me := e.me()
	if me == "" {
		return ErrNoIdentity
	}
	if err := e.backend.RemoveParticipant(ctx, conversationID, userID, me); err != nil {
		e.log.Error().Err(err).
			Str("conversation_id", conversationID).
			Str("user_id", userID).
			Msg("remove participant")
		return fmt.Errorf("remove participant: %w", err)
	}

	e.mu.Lock()
	cleared := false
	if userID == me {
		cleared = e.removeConversationLocked(conversationID)
	} else if conv := e.findConversationLocked(conversationID); conv != nil {
		conv.Participants = removeString(conv.Participants, userID)
		conv.UpdatedAt = e.now().UTC().Format(timeLayout)
		e.syncCurrentLocked()
	}
	e.resortLocked()
	total := e.totalUnreadLocked()
	e.mu.Unlock()

	if cleared {
		e.clearSelection()
	}
	e.publishUnread(total)
	e.changed()
	return nil
}

// LeaveGroup emits leave_group. The conversation is dropped on leave_group_success.
func (e *Engine) LeaveGroup(conversationID string) error {
	me := e.me()
	if me == "" {
		return ErrNoIdentity
	}
	if conversationID == "" {
		return ErrNoConversation
	}
	e.transport.LeaveGroup(conversationID, me)
	return nil
}

// ============================================================================
// Group events
// ============================================================================

func (e *Engine) onGroupCreated(ctx context.Context, p GroupCreatedPayload) {
	me := e.me()
	switch {
	case p.CreatedBy == me:
		// The echo is not trusted for state; reload from the server.
		e.toast(ctx, EventKey{Type: "group_created", ConversationID: p.ID, Actor: p.CreatedBy, Timestamp: p.CreatedAt},
			Toast{Kind: ToastSuccess, Title: "Group created", Message: fmt.Sprintf("Group %q was created", p.Name)})
		e.reloadAsync("group_created")
	case containsString(p.Participants, me):
		e.toast(ctx, EventKey{Type: "group_created", ConversationID: p.ID, Actor: p.CreatedBy, Timestamp: p.CreatedAt},
			Toast{Kind: ToastInfo, Title: "New group", Message: fmt.Sprintf("You were added to %q", p.Name)})
		e.reloadAsync("group_created")
	}
}

func (e *Engine) onUserAddedToGroup(ctx context.Context, p UserAddedToGroupPayload) {
	me := e.me()

	e.mu.Lock()
	conv := e.findConversationLocked(p.ConversationID)
	group := p.ConversationName
	if conv != nil {
		if len(p.UpdatedParticipants) > 0 {
			conv.Participants = append([]string(nil), p.UpdatedParticipants...)
		} else if !conv.HasParticipant(p.UserID) {
			conv.Participants = append(conv.Participants, p.UserID)
		}
		conv.UpdatedAt = e.stampOrNow(p.Timestamp)
		if group == "" {
			group = conv.Name
		}
		e.syncCurrentLocked()
		e.resortLocked()
	}
	added := e.displayNameLocked(p.UserID)
	e.mu.Unlock()

	key := EventKey{Type: "user_added_to_group", ConversationID: p.ConversationID, Actor: p.UserID, Timestamp: p.Timestamp}
	switch {
	case p.UserID == me:
		e.toast(ctx, key, Toast{Kind: ToastInfo, Title: "Added to group", Message: fmt.Sprintf("You were added to %q", group)})
	case p.AddedBy == me:
		e.toast(ctx, key, Toast{Kind: ToastSuccess, Title: "Member added", Message: fmt.Sprintf("%s was added to %q", added, group)})
	default:
		e.toast(ctx, key, Toast{Kind: ToastInfo, Title: "New member", Message: fmt.Sprintf("%s joined %q", added, group)})
	}

	if p.UserID == me || conv == nil {
		e.reloadAsync("user_added_to_group")
		return
	}
	e.changed()
}

// onGroupParticipantsUpdated replaces the participant set with the server's and applies
// an ownership transfer when one is reported.
func (e *Engine) onGroupParticipantsUpdated(ctx context.Context, p GroupParticipantsUpdatedPayload) {
	me := e.me()

	e.mu.Lock()
	conv := e.findConversationLocked(p.ConversationID)
	if conv == nil {
		e.mu.Unlock()
		if containsString(p.Participants, me) {
			e.reloadAsync("group_participants_updated")
		}
		return
	}
	group := p.ConversationName
	if group == "" {
		group = conv.Name
	}
	conv.Participants = append([]string(nil), p.Participants...)
	conv.UpdatedAt = e.stampOrNow(p.UpdatedAt)
	if p.OwnershipTransferred && p.NewOwnerID != "" {
		conv.CreatedBy = p.NewOwnerID
	}

	cleared, removed := false, false
	if !containsString(p.Participants, me) {
		cleared = e.removeConversationLocked(p.ConversationID)
		removed = true
	} else {
		e.syncCurrentLocked()
	}
	e.resortLocked()
	total := e.totalUnreadLocked()
	newOwner := p.NewOwnerName
	if newOwner == "" {
		newOwner = e.displayNameLocked(p.NewOwnerID)
	}
	e.mu.Unlock()

	if cleared {
		e.clearSelection()
	}
	if p.OwnershipTransferred && p.NewOwnerID != "" && !removed {
		key := EventKey{Type: "group_participants_updated", ConversationID: p.ConversationID, Actor: string(p.Action), Timestamp: p.UpdatedAt}
		if p.NewOwnerID == me {
			e.toast(ctx, key, Toast{Kind: ToastInfo, Title: "You are now the admin", Message: fmt.Sprintf("You are the new admin of %q", group)})
		} else {
			e.toast(ctx, key, Toast{Kind: ToastInfo, Title: "New admin", Message: fmt.Sprintf("%s is the new admin of %q", newOwner, group)})
		}
	}
	e.publishUnread(total)
	e.changed()
}

func (e *Engine) onUserLeftGroup(ctx context.Context, p UserLeftGroupPayload) {
	me := e.me()

	e.mu.Lock()
	conv := e.findConversationLocked(p.ConversationID)
	group := p.ConversationName
	if group == "" && conv != nil {
		group = conv.Name
	}
	cleared := false
	if p.UserID == me {
		cleared = e.removeConversationLocked(p.ConversationID)
	} else if conv != nil {
		conv.Participants = removeString(conv.Participants, p.UserID)
		conv.UpdatedAt = e.now().UTC().Format(timeLayout)
		if p.OwnershipTransferred && p.NewOwnerID != "" {
			conv.CreatedBy = p.NewOwnerID
		}
		e.syncCurrentLocked()
	}
	e.resortLocked()
	total := e.totalUnreadLocked()
	name := p.UserName
	if name == "" {
		name = e.displayNameLocked(p.UserID)
	}
	e.mu.Unlock()

	if cleared {
		e.clearSelection()
	}
	if p.UserID != me {
		key := EventKey{Type: "user_left_group", ConversationID: p.ConversationID, Actor: p.UserID}
		msg := fmt.Sprintf("%s left %q", name, group)
		if p.OwnershipTransferred && p.NewOwnerID == me {
			msg += ". You are now the admin"
		} else if p.OwnershipTransferred && p.NewOwnerName != "" {
			msg += fmt.Sprintf(". %s is the new admin", p.NewOwnerName)
		}
		e.toast(ctx, key, Toast{Kind: ToastInfo, Title: "Member left", Message: msg})
	}
	e.publishUnread(total)
	e.changed()
}

func (e *Engine) onUserRemovedFromGroup(ctx context.Context, p UserRemovedFromGroupPayload) {
	me := e.me()

	e.mu.Lock()
	conv := e.findConversationLocked(p.ConversationID)
	group := p.ConversationName
	if group == "" && conv != nil {
		group = conv.Name
	}
	cleared := false
	if p.UserID == me {
		cleared = e.removeConversationLocked(p.ConversationID)
	} else if conv != nil {
		conv.Participants = removeString(conv.Participants, p.UserID)
		conv.UpdatedAt = e.now().UTC().Format(timeLayout)
		e.syncCurrentLocked()
	}
	e.resortLocked()
	total := e.totalUnreadLocked()
	name := p.UserName
	if name == "" {
		name = e.displayNameLocked(p.UserID)
	}
	by := p.RemovedByName
	if by == "" {
		by = e.displayNameLocked(p.RemovedBy)
	}
	e.mu.Unlock()

	if cleared {
		e.clearSelection()
	}
	key := EventKey{Type: "user_removed_from_group", ConversationID: p.ConversationID, Actor: p.UserID}
	switch {
	case p.UserID == me:
		e.toast(ctx, key, Toast{Kind: ToastWarning, Title: "Removed from group", Message: fmt.Sprintf("%s removed you from %q", by, group)})
	case p.RemovedBy == me:
		e.toast(ctx, key, Toast{Kind: ToastSuccess, Title: "Member removed", Message: fmt.Sprintf("%s was removed from %q", name, group)})
	default:
		e.toast(ctx, key, Toast{Kind: ToastInfo, Title: "Member removed", Message: fmt.Sprintf("%s removed %s from %q", by, name, group)})
	}
	e.publishUnread(total)
	e.changed()
}

func (e *Engine) onGroupDeleted(ctx context.Context, p GroupDeletedPayload) {
	e.mu.Lock()
	group := p.ConversationName
	if conv := e.findConversationLocked(p.ConversationID); conv != nil && group == "" {
		group = conv.Name
	}
	cleared := e.removeConversationLocked(p.ConversationID)
	e.resortLocked()
	total := e.totalUnreadLocked()
	e.mu.Unlock()

	if cleared {
		e.clearSelection()
	}
	e.toast(ctx, EventKey{Type: "group_deleted", ConversationID: p.ConversationID, Actor: "deleted"},
		Toast{Kind: ToastWarning, Title: "Group deleted", Message: fmt.Sprintf("%q was deleted", group)})
	e.publishUnread(total)
	e.changed()
}

func (e *Engine) onLeaveGroupSuccess(ctx context.Context, p LeaveGroupSuccessPayload) {
	e.mu.Lock()
	group := p.ConversationName
	if conv := e.findConversationLocked(p.ConversationID); conv != nil && group == "" {
		group = conv.Name
	}
	cleared := e.removeConversationLocked(p.ConversationID)
	e.resortLocked()
	total := e.totalUnreadLocked()
	e.mu.Unlock()

	if cleared {
		e.clearSelection()
	}
	msg := fmt.Sprintf("You left %q", group)
	if p.GroupDeleted {
		msg = fmt.Sprintf("You left %q and the group was deleted", group)
	}
	e.toast(ctx, EventKey{Type: "leave_group_success", ConversationID: p.ConversationID, Actor: e.me()},
		Toast{Kind: ToastSuccess, Title: "Left group", Message: msg})
	e.publishUnread(total)
	e.changed()
}

// ============================================================================
// Helpers
// ============================================================================

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func (e *Engine) stampOrNow(ts string) string {
	if ts != "" {
		return ts
	}
	return e.now().UTC().Format(timeLayout)
}

func (e *Engine) displayNameLocked(userID string) string {
	if u := e.findUserLocked(userID); u != nil && u.Name != "" {
		return u.Name
	}
	if userID == "" {
		return "Someone"
	}
	return userID
}
