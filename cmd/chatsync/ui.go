package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/intrachat/chatsync"
)

// chatUI renders engine snapshots as an append-only terminal transcript.
// Messages are printed once and printed again only when their rendering changes
// (edit, delete); each carries its position in the open conversation as #n.
type chatUI struct {
	mu      sync.Mutex
	out     io.Writer
	me      chatsync.Identity
	resolve func(chatsync.Message) chatsync.ReplyPreview
	source  func() chatsync.Snapshot

	last      chatsync.Snapshot
	names     map[string]string
	convID    string
	shown     map[string]string
	typing    string
	errText   string
	connected bool
	seenState bool
	unread    int
}

func newChatUI(out io.Writer, me chatsync.Identity) *chatUI {
	return &chatUI{
		out:   out,
		me:    me,
		names: map[string]string{me.ID: me.Name},
		shown: make(map[string]string),
	}
}

func (u *chatUI) printf(format string, args ...interface{}) {
	fmt.Fprintf(u.out, format+"\n", args...)
}

// notice prints a session line outside of rendering.
func (u *chatUI) notice(format string, args ...interface{}) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.printf(format, args...)
}

// toast prints engine toasts.
func (u *chatUI) toast(t chatsync.Toast) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if t.Message == "" {
		u.printf("[%s] %s", t.Kind, t.Title)
		return
	}
	u.printf("[%s] %s: %s", t.Kind, t.Title, t.Message)
}

// render is the engine OnChange subscriber.
func (u *chatUI) render(snap chatsync.Snapshot) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.last = snap

	for _, usr := range snap.Users {
		u.names[usr.ID] = usr.Name
	}

	if !u.seenState || snap.Connected != u.connected {
		if snap.Connected {
			u.printf("* connected")
		} else if u.seenState {
			u.printf("* disconnected, reconnecting...")
		}
		u.connected = snap.Connected
		u.seenState = true
	}

	if snap.Error != u.errText {
		u.errText = snap.Error
		if snap.Error != "" {
			u.printf("! %s (type /retry)", snap.Error)
		}
	}

	currentID := ""
	if snap.Current != nil {
		currentID = snap.Current.ID
	}
	if currentID != u.convID {
		u.convID = currentID
		u.shown = make(map[string]string)
		u.typing = ""
		if snap.Current != nil {
			u.printf("== %s ==", conversationLabel(snap.Current, u.me.ID, u.names))
		}
	}

	for i := range snap.Messages {
		m := snap.Messages[i]
		if m.ReplyTo != "" && u.resolve != nil {
			p := u.resolve(m)
			m.ReplyPreview = &p
		}
		line := fmt.Sprintf("#%d %s", i+1, formatMessage(&m, u.names))
		if u.shown[m.ID] == line {
			continue
		}
		u.shown[m.ID] = line
		u.printf("%s", line)
	}

	typing := u.typingLine(snap.TypingUsers)
	if typing != u.typing {
		u.typing = typing
		if typing != "" {
			u.printf("  %s", typing)
		}
	}

	total := 0
	for _, n := range snap.UnreadCounts {
		total += n
	}
	for _, n := range snap.GroupUnreadCounts {
		total += n
	}
	if total != u.unread {
		u.unread = total
		if total > 0 {
			u.printf("* %d unread", total)
		}
	}
}

func (u *chatUI) typingLine(ids []string) string {
	var who []string
	for _, id := range ids {
		if id == u.me.ID {
			continue
		}
		who = append(who, valueOrDefault(u.names[id], id))
	}
	switch len(who) {
	case 0:
		return ""
	case 1:
		return who[0] + " is typing..."
	default:
		return strings.Join(who, ", ") + " are typing..."
	}
}

// snapshot returns the live engine state, or the last rendered snapshot without a source.
func (u *chatUI) snapshot() chatsync.Snapshot {
	if u.source != nil {
		return u.source()
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.last
}

// message resolves a #n position or a message id in the open conversation.
func (u *chatUI) message(ref string) (chatsync.Message, error) {
	snap := u.snapshot()
	ref = strings.TrimPrefix(ref, "#")
	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 || n > len(snap.Messages) {
			return chatsync.Message{}, fmt.Errorf("no message #%d", n)
		}
		return snap.Messages[n-1], nil
	}
	for _, m := range snap.Messages {
		if m.ID == ref {
			return m, nil
		}
	}
	return chatsync.Message{}, fmt.Errorf("no message %q in this conversation", ref)
}

// user resolves a user by id or case-insensitive name.
func (u *chatUI) user(ref string) (chatsync.User, error) {
	snap := u.snapshot()
	for _, usr := range snap.Users {
		if usr.ID == ref {
			return usr, nil
		}
	}
	for _, usr := range snap.Users {
		if strings.EqualFold(usr.Name, ref) {
			return usr, nil
		}
	}
	return chatsync.User{}, fmt.Errorf("unknown user %q", ref)
}

// conversation resolves a conversation by id, /list position or label.
func (u *chatUI) conversation(ref string) (chatsync.Conversation, error) {
	snap := u.snapshot()
	if n, err := strconv.Atoi(ref); err == nil && n >= 1 && n <= len(snap.Conversations) {
		return snap.Conversations[n-1], nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, c := range snap.Conversations {
		if c.ID == ref || strings.EqualFold(conversationLabel(&c, u.me.ID, u.names), ref) {
			return c, nil
		}
	}
	return chatsync.Conversation{}, fmt.Errorf("unknown conversation %q", ref)
}

// printConversations lists conversations in engine order with their unread badges.
func (u *chatUI) printConversations() {
	snap := u.snapshot()
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(snap.Conversations) == 0 {
		u.printf("No conversations.")
		return
	}
	for i := range snap.Conversations {
		c := &snap.Conversations[i]
		n := snap.GroupUnreadCounts[c.ID]
		if !c.IsGroup() {
			n = snap.UnreadCounts[c.OtherParticipant(u.me.ID)]
		}
		marker := " "
		if snap.Current != nil && snap.Current.ID == c.ID {
			marker = ">"
		}
		badge := ""
		if n > 0 {
			badge = fmt.Sprintf(" (%d)", n)
		}
		u.printf("%s %2d. %s%s", marker, i+1, conversationLabel(c, u.me.ID, u.names), badge)
	}
}

func (u *chatUI) printUsers() {
	snap := u.snapshot()
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, usr := range snap.Users {
		if usr.ID == u.me.ID {
			continue
		}
		status := "offline"
		if usr.IsOnline {
			status = "online"
		}
		u.printf("  %-20s %-8s %s", usr.Name, status, usr.ID)
	}
}

// ============================================================================
// Message formatting
// ============================================================================

// formatMessage renders one message line. names maps user ids to display names.
func formatMessage(m *chatsync.Message, names map[string]string) string {
	var b strings.Builder

	if ts, err := time.Parse(time.RFC3339, m.Timestamp); err == nil {
		b.WriteString("[" + ts.Local().Format("15:04") + "] ")
	}

	sender := names[m.SenderID]
	if sender == "" && m.Sender != nil {
		sender = m.Sender.Name
	}
	b.WriteString(valueOrDefault(sender, m.SenderID) + ": ")

	if m.IsDeleted {
		b.WriteString("(message deleted)")
		return b.String()
	}

	if p := m.ReplyPreview; p != nil && m.ReplyTo != "" {
		if p.Unavailable {
			b.WriteString("(reply to an unavailable message) ")
		} else {
			who := valueOrDefault(p.SenderName, names[p.SenderID])
			b.WriteString(fmt.Sprintf("(reply to %s: %q) ", who, truncate(previewText(p), 40)))
		}
	}

	switch m.MessageType {
	case chatsync.MessageFile, chatsync.MessageAudio:
		kind := "file"
		if m.MessageType == chatsync.MessageAudio {
			kind = "audio"
		}
		if fd, ok := m.File(); ok {
			b.WriteString(fmt.Sprintf("[%s] %s %s", kind, fd.FileName, fd.FileURL))
		} else {
			b.WriteString("[" + kind + "]")
		}
	default:
		b.WriteString(m.Content)
	}

	if m.IsEdited {
		b.WriteString(" (edited)")
	}
	return b.String()
}

func previewText(p *chatsync.ReplyPreview) string {
	return chatsync.NotificationBody(&chatsync.Message{MessageType: p.MessageType, Content: p.Content})
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
