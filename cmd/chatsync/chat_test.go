package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/intrachat/chatsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ana = chatsync.Identity{ID: "u1", Name: "Ana", Email: "ana@corp.test"}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line     string
		wantName string
		wantRest string
	}{
		{"hello there", "", "hello there"},
		{"  padded  ", "", "padded"},
		{"/quit", "quit", ""},
		{"/EDIT 3 new text ", "edit", "3 new text"},
		{"/group Ops  bruno,carla", "group", "Ops  bruno,carla"},
	}
	for _, tt := range tests {
		name, rest := parseCommand(tt.line)
		assert.Equal(t, tt.wantName, name, tt.line)
		assert.Equal(t, tt.wantRest, rest, tt.line)
	}
}

func TestFormatMessage(t *testing.T) {
	names := map[string]string{"u1": "Ana", "u2": "Bruno"}
	tests := []struct {
		name string
		msg  chatsync.Message
		want string
	}{
		{"text", chatsync.Message{SenderID: "u2", Content: "hi"}, "Bruno: hi"},
		{"edited", chatsync.Message{SenderID: "u1", Content: "fixed", IsEdited: true}, "Ana: fixed (edited)"},
		{"deleted", chatsync.Message{SenderID: "u2", Content: "gone", IsDeleted: true}, "Bruno: (message deleted)"},
		{"unknown sender", chatsync.Message{SenderID: "u9", Sender: &chatsync.MessageSender{ID: "u9", Name: "Nina"}, Content: "oi"}, "Nina: oi"},
		{"file", chatsync.Message{SenderID: "u2", MessageType: chatsync.MessageFile, Content: `{"fileUrl":"/uploads/a.pdf","fileName":"a.pdf"}`}, "Bruno: [file] a.pdf /uploads/a.pdf"},
		{"reply", chatsync.Message{
			SenderID: "u1", Content: "sure", ReplyTo: "m1",
			ReplyPreview: &chatsync.ReplyPreview{SenderID: "u2", Content: "lunch?"},
		}, `Ana: (reply to Bruno: "lunch?") sure`},
		{"reply unavailable", chatsync.Message{
			SenderID: "u1", Content: "sure", ReplyTo: "m1",
			ReplyPreview: &chatsync.ReplyPreview{Unavailable: true},
		}, "Ana: (reply to an unavailable message) sure"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatMessage(&tt.msg, names))
		})
	}

	ts := time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)
	m := chatsync.Message{SenderID: "u2", Content: "hi", Timestamp: ts.Format(time.RFC3339)}
	assert.Equal(t, "["+ts.Local().Format("15:04")+"] Bruno: hi", formatMessage(&m, names))
}

func TestChatUIRendersIncrementally(t *testing.T) {
	var out bytes.Buffer
	ui := newChatUI(&out, ana)

	conv := chatsync.Conversation{ID: "c2", Type: chatsync.ConversationPrivate, Participants: []string{"u1", "u2"}}
	snap := chatsync.Snapshot{
		Users:     []chatsync.User{{ID: "u1", Name: "Ana"}, {ID: "u2", Name: "Bruno"}},
		Current:   &conv,
		Connected: true,
		Messages: []chatsync.Message{
			{ID: "m1", SenderID: "u2", Content: "hi"},
			{ID: "m2", SenderID: "u1", Content: "yo"},
		},
	}
	ui.render(snap)
	assert.Equal(t, "* connected\n== Bruno ==\n#1 Bruno: hi\n#2 Ana: yo\n", out.String())

	out.Reset()
	ui.render(snap)
	assert.Empty(t, out.String())

	snap.Messages = []chatsync.Message{
		{ID: "m1", SenderID: "u2", Content: "hi there", IsEdited: true},
		{ID: "m2", SenderID: "u1", Content: "yo"},
	}
	snap.TypingUsers = []string{"u2"}
	snap.GroupUnreadCounts = map[string]int{"g1": 2}
	ui.render(snap)
	assert.Equal(t, "#1 Bruno: hi there (edited)\n  Bruno is typing...\n* 2 unread\n", out.String())

	out.Reset()
	snap.Connected = false
	snap.Error = "Could not load users and conversations. Try again."
	ui.render(snap)
	assert.Contains(t, out.String(), "* disconnected")
	assert.Contains(t, out.String(), "(type /retry)")
}

func TestChatUIResolvesReferences(t *testing.T) {
	ui := newChatUI(&bytes.Buffer{}, ana)
	ui.render(chatsync.Snapshot{
		Users: []chatsync.User{{ID: "u1", Name: "Ana"}, {ID: "u2", Name: "Bruno"}},
		Conversations: []chatsync.Conversation{
			{ID: "c2", Type: chatsync.ConversationPrivate, Participants: []string{"u1", "u2"}},
			{ID: "g1", Type: chatsync.ConversationGroup, Name: "Ops", Participants: []string{"u1", "u2"}},
		},
		Messages: []chatsync.Message{{ID: "m1", SenderID: "u2"}, {ID: "m2", SenderID: "u1"}},
	})

	m, err := ui.message("#2")
	require.NoError(t, err)
	assert.Equal(t, "m2", m.ID)
	m, err = ui.message("m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)
	_, err = ui.message("3")
	assert.Error(t, err)

	u, err := ui.user("bruno")
	require.NoError(t, err)
	assert.Equal(t, "u2", u.ID)
	_, err = ui.user("nobody")
	assert.Error(t, err)

	c, err := ui.conversation("2")
	require.NoError(t, err)
	assert.Equal(t, "g1", c.ID)
	c, err = ui.conversation("bruno")
	require.NoError(t, err)
	assert.Equal(t, "c2", c.ID)
	c, err = ui.conversation("ops")
	require.NoError(t, err)
	assert.Equal(t, "g1", c.ID)
	_, err = ui.conversation("nowhere")
	assert.Error(t, err)
}

// ============================================================================
// Session commands against a real engine
// ============================================================================

type sentIntent struct {
	name    string
	payload interface{}
}

type recordingTransport struct {
	mu      sync.Mutex
	intents []sentIntent
}

func (r *recordingTransport) record(name string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents = append(r.intents, sentIntent{name, payload})
}

func (r *recordingTransport) named(name string) []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []interface{}
	for _, in := range r.intents {
		if in.name == name {
			out = append(out, in.payload)
		}
	}
	return out
}

func (r *recordingTransport) On(string, chatsync.EventHandler) {}

func (r *recordingTransport) JoinRoom(c, u string) {
	r.record("join_room", [2]string{c, u})
}

func (r *recordingTransport) LeaveRoom(c, u string) {
	r.record("leave_room", [2]string{c, u})
}

func (r *recordingTransport) SendMessage(p chatsync.SendMessagePayload) {
	r.record("send_message", p)
}

func (r *recordingTransport) SendReply(p chatsync.SendReplyPayload) {
	r.record("send_reply", p)
}

func (r *recordingTransport) StartTyping(c, u string) {
	r.record("typing_start", [2]string{c, u})
}

func (r *recordingTransport) StopTyping(c, u string) {
	r.record("typing_stop", [2]string{c, u})
}

func (r *recordingTransport) MarkMessagesAsRead(c, u string) {
	r.record("mark_messages_as_read", [2]string{c, u})
}

func (r *recordingTransport) CreateGroup(p chatsync.CreateGroupPayload) {
	r.record("create_group", p)
}

func (r *recordingTransport) AddUserToGroup(c, u, by string) {
	r.record("add_user_to_group", [3]string{c, u, by})
}

func (r *recordingTransport) LeaveGroup(c, u string) {
	r.record("leave_group", [2]string{c, u})
}

func (r *recordingTransport) EditMessage(id, content, u string) {
	r.record("edit_message", [3]string{id, content, u})
}

func (r *recordingTransport) DeleteMessage(id, u string) {
	r.record("delete_message", [2]string{id, u})
}

func serveJSON(v interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
}

func newTestSession(t *testing.T) (*chatSession, *recordingTransport, *bytes.Buffer) {
	t.Helper()
	now := time.Now().UTC()
	mux := http.NewServeMux()
	mux.Handle("/api/users", serveJSON([]chatsync.User{
		{ID: "u1", Name: "Ana"}, {ID: "u2", Name: "Bruno"}, {ID: "u3", Name: "Carla"},
	}))
	mux.Handle("/api/conversations/user/u1", serveJSON([]chatsync.Conversation{
		{ID: "c2", Type: chatsync.ConversationPrivate, Participants: []string{"u1", "u2"}},
	}))
	mux.Handle("/api/messages/c2", serveJSON([]chatsync.Message{
		{ID: "m1", ConversationID: "c2", SenderID: "u2", Content: "lunch?", Timestamp: now.Add(-time.Hour).Format(time.RFC3339)},
		{ID: "m2", ConversationID: "c2", SenderID: "u1", Content: "sure", Timestamp: now.Format(time.RFC3339)},
	}))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := &Config{Default: ConfigDefault{APIURL: srv.URL + "/api", LogLevel: "error"}}
	tr := &recordingTransport{}
	var out bytes.Buffer
	ui := newChatUI(&out, ana)
	e := chatsync.NewEngine(newClient(cfg).Backend(), tr,
		chatsync.WithIdentity(ana),
		chatsync.WithToaster(chatsync.ToasterFunc(ui.toast)),
	)
	ui.resolve = e.ResolveReply
	ui.source = e.Snapshot
	unsub := e.OnChange(ui.render)
	t.Cleanup(func() {
		unsub()
		e.Close()
	})
	require.NoError(t, e.Start(context.Background()))

	return &chatSession{log: newLogger("error"), engine: e, ui: ui}, tr, &out
}

func TestChatSessionCommands(t *testing.T) {
	s, tr, out := newTestSession(t)
	ctx := context.Background()

	quit, err := s.handle(ctx, "hello")
	assert.False(t, quit)
	assert.ErrorIs(t, err, chatsync.ErrNoConversation)

	_, err = s.handle(ctx, "/open bruno")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "== Bruno ==")
	assert.Contains(t, out.String(), "Bruno: lunch?")
	assert.Len(t, tr.named("join_room"), 1)

	_, err = s.handle(ctx, "hello there")
	require.NoError(t, err)
	sent := tr.named("send_message")
	require.Len(t, sent, 1)
	assert.Equal(t, "hello there", sent[0].(chatsync.SendMessagePayload).Content)
	assert.Equal(t, "c2", sent[0].(chatsync.SendMessagePayload).ConversationID)

	_, err = s.handle(ctx, "/reply #1 see you at noon")
	require.NoError(t, err)
	replies := tr.named("send_reply")
	require.Len(t, replies, 1)
	assert.Equal(t, "m1", replies[0].(chatsync.SendReplyPayload).ReplyTo)

	_, err = s.handle(ctx, "/edit 2 sure!")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{[3]string{"m2", "sure!", "u1"}}, tr.named("edit_message"))

	_, err = s.handle(ctx, "/edit 1 not mine")
	assert.Error(t, err)
	_, err = s.handle(ctx, "/edit 2")
	assert.Error(t, err)

	_, err = s.handle(ctx, "/delete 2")
	require.NoError(t, err)
	assert.Len(t, tr.named("delete_message"), 1)

	_, err = s.handle(ctx, "/leave")
	assert.EqualError(t, err, "open a group first")

	_, err = s.handle(ctx, "/group Ops bruno,Carla")
	require.NoError(t, err)
	groups := tr.named("create_group")
	require.Len(t, groups, 1)
	g := groups[0].(chatsync.CreateGroupPayload)
	assert.Equal(t, "Ops", g.Name)
	assert.ElementsMatch(t, []string{"u1", "u2", "u3"}, g.Participants)

	_, err = s.handle(ctx, "/group Ops nobody")
	assert.Error(t, err)

	_, err = s.handle(ctx, "/away")
	require.NoError(t, err)
	assert.False(t, s.engine.Snapshot().PageActive)
	_, err = s.handle(ctx, "/back")
	require.NoError(t, err)
	assert.True(t, s.engine.Snapshot().PageActive)

	_, err = s.handle(ctx, "/frobnicate")
	assert.ErrorContains(t, err, "unknown command /frobnicate")

	quit, err = s.handle(ctx, "/quit")
	assert.NoError(t, err)
	assert.True(t, quit)
}

func TestChatSessionRunStopsOnQuitAndEOF(t *testing.T) {
	s, tr, out := newTestSession(t)

	require.NoError(t, s.run(context.Background(), strings.NewReader("/open c2\nhi\n/nope\n/quit\nnever sent\n")))
	assert.Len(t, tr.named("send_message"), 1)
	assert.Contains(t, out.String(), "! unknown command /nope")

	require.NoError(t, s.run(context.Background(), strings.NewReader("")))
}
