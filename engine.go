package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotConnected   = errors.New("chatsync: realtime channel not connected")
	ErrNoIdentity     = errors.New("chatsync: no identity")
	ErrNoConversation = errors.New("chatsync: no open conversation")
	ErrLoadTimeout    = errors.New("chatsync: loading users and conversations timed out")
)

const (
	DefaultLoadTimeout = 30 * time.Second

	// EditWindow is how long after sending a message its author may edit or delete it.
	EditWindow = 5 * time.Minute

	watermarkMinStep = 5 * time.Second
)

const (
	loadTimeoutMessage = "Loading is taking longer than expected. Check your connection and try again."
	loadFailedMessage  = "Could not load users and conversations. Try again."
)

// Backend is the REST surface the Engine depends on. (*Client).Backend() implements it.
type Backend interface {
	GetUsers(ctx context.Context) ([]User, error)
	GetUserConversations(ctx context.Context, userID string) ([]Conversation, error)
	CreateConversation(ctx context.Context, opts *CreateConversationOptions) (*Conversation, error)
	RemoveParticipant(ctx context.Context, conversationID, userID, adminID string) error
	GetMessages(ctx context.Context, conversationID string) ([]Message, error)
	UploadFile(ctx context.Context, opts *UploadOptions) (*FileUploadResult, error)
}

// ============================================================================
// Toasts
// ============================================================================

type ToastKind string

const (
	ToastInfo    ToastKind = "info"
	ToastSuccess ToastKind = "success"
	ToastWarning ToastKind = "warning"
	ToastError   ToastKind = "error"
)

type Toast struct {
	Kind    ToastKind
	Title   string
	Message string
}

// Toaster shows transient user-facing messages.
type Toaster interface {
	Toast(t Toast)
}

type ToasterFunc func(Toast)

func (f ToasterFunc) Toast(t Toast) { f(t) }

// ============================================================================
// Snapshot
// ============================================================================

// Snapshot is a copy of the engine state. It is safe to keep and read after the call.
type Snapshot struct {
	Users             []User
	Conversations     []Conversation
	Current           *Conversation
	Messages          []Message
	UnreadCounts      map[string]int
	GroupUnreadCounts map[string]int
	TypingUsers       []string
	LastMessageTimes  map[string]time.Time
	IsLoading         bool
	Error             string
	Connected         bool
	PageActive        bool
}

// ============================================================================
// Engine
// ============================================================================

// Engine owns the client-side chat state and reconciles user actions, REST results
// and realtime events into it. All state is guarded by one mutex; REST calls run
// outside it and their results are dropped when they are stale.
type Engine struct {
	backend     Backend
	transport   Transport
	identity    *Identity
	log         zerolog.Logger
	toaster     Toaster
	visibility  *Visibility
	dedup       *Deduper
	storage     Storage
	metrics     *Metrics
	loadTimeout time.Duration
	avatarBase  string
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	users         []User
	conversations []Conversation
	current       *Conversation
	messages      []Message
	unread        map[string]int // private, keyed by peer user id
	groupUnread   map[string]int // group, keyed by conversation id
	typing        map[string]struct{}
	lastMessageAt map[string]time.Time // keyed like the counters
	privatePeers  map[string]string    // conversation id to peer, for conversations not loaded yet
	pendingReads  map[string]struct{}  // read confirmations for conversations not loaded yet
	loading       bool
	loadErr       string
	loadGen       uint64
	selectSeq     uint64
	pendingRead   bool
	connected     bool
	registered    []string

	subMu     sync.Mutex
	subs      map[int]func(Snapshot)
	nextSubID int
}

type EngineOption func(*Engine)

func WithIdentity(id Identity) EngineOption {
	return func(e *Engine) { e.identity = &id }
}

func WithLogger(log zerolog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

func WithToaster(t Toaster) EngineOption {
	return func(e *Engine) { e.toaster = t }
}

func WithVisibility(v *Visibility) EngineOption {
	return func(e *Engine) { e.visibility = v }
}

func WithDeduper(d *Deduper) EngineOption {
	return func(e *Engine) { e.dedup = d }
}

// WithStorage sets the persistent store for the selected conversation pointer.
func WithStorage(s Storage) EngineOption {
	return func(e *Engine) { e.storage = s }
}

func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

func WithLoadTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.loadTimeout = d }
}

// WithAvatarBaseURL resolves relative avatar paths against base.
func WithAvatarBaseURL(base string) EngineOption {
	return func(e *Engine) { e.avatarBase = base }
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine over backend and transport. Call Start to register
// the realtime handlers and run the initial load.
func NewEngine(backend Backend, transport Transport, opts ...EngineOption) *Engine {
	e := &Engine{
		backend:       backend,
		transport:     transport,
		log:           zerolog.Nop(),
		loadTimeout:   DefaultLoadTimeout,
		now:           time.Now,
		unread:        make(map[string]int),
		groupUnread:   make(map[string]int),
		typing:        make(map[string]struct{}),
		lastMessageAt: make(map[string]time.Time),
		privatePeers:  make(map[string]string),
		pendingReads:  make(map[string]struct{}),
		subs:          make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With().Str("component", "engine").Logger()
	if e.toaster == nil {
		e.toaster = ToasterFunc(func(Toast) {})
	}
	if e.visibility == nil {
		e.visibility = NewVisibility("Chat", nil, nil)
	}
	if e.dedup == nil {
		e.dedup = NewDeduper(nil, WithDedupClock(e.now), WithDedupLogger(e.log), WithDedupMetrics(e.metrics))
	}
	if e.storage == nil {
		e.storage = NewMemoryStorage()
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.visibility.OnActivate(e.onActivate)
	return e
}

// Identity returns the session identity, or the zero value when none is set.
func (e *Engine) Identity() Identity {
	if e.identity == nil {
		return Identity{}
	}
	return *e.identity
}

func (e *Engine) me() string {
	if e.identity == nil {
		return ""
	}
	return e.identity.ID
}

// Start registers all realtime handlers, asks for notification permission and runs
// the bootstrap load.
func (e *Engine) Start(ctx context.Context) error {
	if e.identity == nil || e.identity.ID == "" {
		return ErrNoIdentity
	}
	e.registerHandlers()
	e.visibility.EnsurePermission(ctx)
	return e.LoadUsersAndConversations(ctx)
}

// Close unregisters the realtime handlers and waits for background reloads.
func (e *Engine) Close() {
	e.cancel()
	e.mu.Lock()
	events := e.registered
	e.registered = nil
	e.mu.Unlock()
	for _, ev := range events {
		e.transport.On(ev, nil)
	}
	e.wg.Wait()
}

// OnChange subscribes fn to state changes. The returned func unsubscribes.
func (e *Engine) OnChange(fn func(Snapshot)) func() {
	e.subMu.Lock()
	id := e.nextSubID
	e.nextSubID++
	e.subs[id] = fn
	e.subMu.Unlock()
	return func() {
		e.subMu.Lock()
		delete(e.subs, id)
		e.subMu.Unlock()
	}
}

// changed notifies subscribers. It must be called without e.mu held.
func (e *Engine) changed() {
	e.subMu.Lock()
	if len(e.subs) == 0 {
		e.subMu.Unlock()
		return
	}
	ids := make([]int, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]func(Snapshot), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, e.subs[id])
	}
	e.subMu.Unlock()

	snap := e.Snapshot()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error().Interface("panic", r).Msg("change subscriber panicked")
				}
			}()
			h(snap)
		}()
	}
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Snapshot{
		Users:             append([]User(nil), e.users...),
		Conversations:     make([]Conversation, len(e.conversations)),
		Messages:          append([]Message(nil), e.messages...),
		UnreadCounts:      copyCounts(e.unread),
		GroupUnreadCounts: copyCounts(e.groupUnread),
		TypingUsers:       make([]string, 0, len(e.typing)),
		LastMessageTimes:  make(map[string]time.Time, len(e.lastMessageAt)),
		IsLoading:         e.loading,
		Error:             e.loadErr,
		Connected:         e.connected,
		PageActive:        e.visibility.Active(),
	}
	for i := range e.conversations {
		s.Conversations[i] = e.conversations[i].clone()
	}
	if e.current != nil {
		c := e.current.clone()
		s.Current = &c
	}
	for id := range e.typing {
		s.TypingUsers = append(s.TypingUsers, id)
	}
	sort.Strings(s.TypingUsers)
	for k, v := range e.lastMessageAt {
		s.LastMessageTimes[k] = v
	}
	return s
}

// TotalUnread is the sum of all private and group counters.
func (e *Engine) TotalUnread() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalUnreadLocked()
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ============================================================================
// Internal state helpers (e.mu held)
// ============================================================================

func (e *Engine) findConversationLocked(id string) *Conversation {
	for i := range e.conversations {
		if e.conversations[i].ID == id {
			return &e.conversations[i]
		}
	}
	return nil
}

func (e *Engine) findPrivateWithLocked(userID string) *Conversation {
	for i := range e.conversations {
		c := &e.conversations[i]
		if !c.IsGroup() && c.HasParticipant(userID) && c.HasParticipant(e.me()) {
			return c
		}
	}
	return nil
}

func (e *Engine) findUserLocked(id string) *User {
	for i := range e.users {
		if e.users[i].ID == id {
			return &e.users[i]
		}
	}
	return nil
}

// counterLocked returns the counter map and key for c.
func (e *Engine) counterLocked(c *Conversation) (map[string]int, string) {
	if c.IsGroup() {
		return e.groupUnread, c.ID
	}
	return e.unread, c.OtherParticipant(e.me())
}

func (e *Engine) unreadOfLocked(c *Conversation) int {
	counts, key := e.counterLocked(c)
	if n := counts[key]; n > c.UnreadCount {
		return n
	}
	return c.UnreadCount
}

// otherUnreadLocked reports whether anything except conversation c is unread.
func (e *Engine) otherUnreadLocked(c *Conversation) bool {
	_, key := e.counterLocked(c)
	for peer, n := range e.unread {
		if n > 0 && (c.IsGroup() || peer != key) {
			return true
		}
	}
	for id, n := range e.groupUnread {
		if n > 0 && (!c.IsGroup() || id != key) {
			return true
		}
	}
	for i := range e.conversations {
		other := &e.conversations[i]
		if other.ID != c.ID && e.unreadOfLocked(other) > 0 {
			return true
		}
	}
	return false
}

// zeroUnreadLocked clears every unread marker of c and its list entry.
func (e *Engine) zeroUnreadLocked(c *Conversation) {
	counts, key := e.counterLocked(c)
	if key != "" {
		counts[key] = 0
	}
	c.UnreadCount = 0
	if entry := e.findConversationLocked(c.ID); entry != nil && entry != c {
		entry.UnreadCount = 0
	}
	if e.current != nil && e.current.ID == c.ID && e.current != c {
		e.current.UnreadCount = 0
	}
}

func (e *Engine) totalUnreadLocked() int {
	total := 0
	for _, n := range e.unread {
		total += n
	}
	for _, n := range e.groupUnread {
		total += n
	}
	return total
}

func (e *Engine) lastMessageOfLocked(c *Conversation) time.Time {
	_, key := e.counterLocked(c)
	return e.lastMessageAt[key]
}

func (e *Engine) resortLocked() {
	sortConversations(e.conversations, e.unreadOfLocked, e.lastMessageOfLocked)
}

// syncCurrentLocked refreshes the open conversation mirror from the list.
func (e *Engine) syncCurrentLocked() {
	if e.current == nil {
		return
	}
	if entry := e.findConversationLocked(e.current.ID); entry != nil {
		c := entry.clone()
		e.current = &c
	}
}

// removeConversationLocked drops a conversation the user no longer belongs to.
// It reports whether it was the open one.
func (e *Engine) removeConversationLocked(id string) bool {
	kept := e.conversations[:0]
	for _, c := range e.conversations {
		if c.ID != id {
			kept = append(kept, c)
		}
	}
	e.conversations = kept
	delete(e.groupUnread, id)
	delete(e.lastMessageAt, id)

	if e.current == nil || e.current.ID != id {
		return false
	}
	e.current = nil
	e.messages = nil
	e.typing = make(map[string]struct{})
	e.pendingRead = false
	e.selectSeq++
	return true
}

func (e *Engine) normalizeUserLocked(u *User) {
	u.Avatar = normalizeAvatar(u.Avatar, e.avatarBase)
}

// publishUnread pushes the aggregate unread count to the title badge and metrics.
func (e *Engine) publishUnread(total int) {
	e.visibility.UpdateUnread(total)
	e.metrics.SetUnread(total)
}

func (e *Engine) clearSelection() {
	if err := e.storage.Remove(KeySelectedConversation); err != nil {
		e.log.Warn().Err(err).Msg("clear selected conversation")
	}
}

// ============================================================================
// Bootstrap
// ============================================================================

type loadResult struct {
	users []User
	convs []Conversation
	err   error
}

// LoadUsersAndConversations fetches users and the user's conversations concurrently.
// When the load takes longer than the load timeout the engine stops waiting, records a
// user-facing error and returns ErrLoadTimeout; a result arriving later is discarded.
func (e *Engine) LoadUsersAndConversations(ctx context.Context) error {
	me := e.me()
	if me == "" {
		return ErrNoIdentity
	}

	e.mu.Lock()
	e.loadGen++
	gen := e.loadGen
	e.loading = true
	e.loadErr = ""
	e.mu.Unlock()
	e.changed()

	start := e.now()
	done := make(chan loadResult, 1)
	go func() {
		var res loadResult
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			users, err := e.backend.GetUsers(gctx)
			if err != nil {
				return fmt.Errorf("get users: %w", err)
			}
			res.users = users
			return nil
		})
		g.Go(func() error {
			convs, err := e.backend.GetUserConversations(gctx, me)
			if err != nil {
				return fmt.Errorf("get conversations: %w", err)
			}
			res.convs = convs
			return nil
		})
		res.err = g.Wait()
		done <- res
	}()

	timer := time.NewTimer(e.loadTimeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return e.applyLoad(gen, start, res)
	case <-timer.C:
		e.failLoad(gen, loadTimeoutMessage)
		e.metrics.ObserveBootstrap(e.now().Sub(start), "timeout")
		e.log.Error().Dur("timeout", e.loadTimeout).Msg("bootstrap load timed out")
		return ErrLoadTimeout
	case <-ctx.Done():
		e.failLoad(gen, loadFailedMessage)
		return ctx.Err()
	}
}

// Retry reruns the bootstrap load after a failure.
func (e *Engine) Retry(ctx context.Context) error {
	return e.LoadUsersAndConversations(ctx)
}

func (e *Engine) failLoad(gen uint64, message string) {
	e.mu.Lock()
	if e.loadGen != gen {
		e.mu.Unlock()
		return
	}
	// invalidate the in-flight load
	e.loadGen++
	e.loading = false
	e.loadErr = message
	e.mu.Unlock()
	e.changed()
}

func (e *Engine) applyLoad(gen uint64, start time.Time, res loadResult) error {
	if res.err != nil {
		e.failLoad(gen, loadFailedMessage)
		e.metrics.ObserveBootstrap(e.now().Sub(start), "error")
		e.log.Error().Err(res.err).Msg("bootstrap load failed")
		return res.err
	}

	e.mu.Lock()
	if e.loadGen != gen {
		e.mu.Unlock()
		e.log.Debug().Msg("discarding stale bootstrap result")
		return nil
	}

	users := append([]User(nil), res.users...)
	for i := range users {
		e.normalizeUserLocked(&users[i])
	}
	e.users = users

	previous := make(map[string]time.Time, len(e.conversations))
	for _, c := range e.conversations {
		previous[c.ID] = c.LastReadAt
	}
	convs := make([]Conversation, len(res.convs))
	for i, c := range res.convs {
		c = c.clone()
		c.LastReadAt = previous[c.ID]
		convs[i] = c
	}
	e.conversations = convs

	for i := range e.conversations {
		c := &e.conversations[i]
		counts, key := e.counterLocked(c)
		if key == "" {
			continue
		}
		if e.current != nil && e.current.ID == c.ID {
			counts[key] = 0
			c.UnreadCount = 0
			continue
		}
		// Only raise: a socket increment may be newer than this snapshot.
		if c.UnreadCount > counts[key] {
			counts[key] = c.UnreadCount
		}
		if t := parseTime(c.LastMessageAt); t.After(e.lastMessageAt[key]) {
			e.lastMessageAt[key] = t
		}
	}

	// Reads confirmed before their conversation was loaded win over the snapshot.
	for id := range e.pendingReads {
		if c := e.findConversationLocked(id); c != nil {
			e.zeroUnreadLocked(c)
		}
	}
	e.pendingReads = make(map[string]struct{})
	for id := range e.privatePeers {
		if e.findConversationLocked(id) != nil {
			delete(e.privatePeers, id)
		}
	}

	clearedOpen := false
	if e.current != nil && e.findConversationLocked(e.current.ID) == nil {
		e.current = nil
		e.messages = nil
		e.typing = make(map[string]struct{})
		e.pendingRead = false
		e.selectSeq++
		clearedOpen = true
	}
	e.syncCurrentLocked()
	e.resortLocked()
	e.loading = false
	e.loadErr = ""
	total := e.totalUnreadLocked()
	nUsers, nConvs := len(e.users), len(e.conversations)
	e.mu.Unlock()

	if clearedOpen {
		e.clearSelection()
	}
	e.publishUnread(total)
	e.metrics.ObserveBootstrap(e.now().Sub(start), "ok")
	e.log.Info().Int("users", nUsers).Int("conversations", nConvs).Msg("bootstrap loaded")
	e.changed()
	return nil
}

// reloadAsync runs a full reload in the background, tracked by Close.
func (e *Engine) reloadAsync(reason string) {
	select {
	case <-e.ctx.Done():
		return
	default:
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.LoadUsersAndConversations(e.ctx); err != nil {
			e.log.Warn().Err(err).Str("reason", reason).Msg("reload failed")
		}
	}()
}

// ============================================================================
// Opening conversations
// ============================================================================

// StartPrivateChat opens (creating when needed) the private conversation with otherUserID.
func (e *Engine) StartPrivateChat(ctx context.Context, otherUserID string) error {
	me := e.me()
	if me == "" {
		return ErrNoIdentity
	}

	e.mu.Lock()
	ticket := e.selectSeq
	e.mu.Unlock()

	conv, err := e.backend.CreateConversation(ctx, &CreateConversationOptions{
		Type:         ConversationPrivate,
		Participants: []string{me, otherUserID},
		CreatedBy:    me,
	})
	if err != nil {
		e.log.Error().Err(err).Str("user_id", otherUserID).Msg("start private chat")
		return fmt.Errorf("start private chat: %w", err)
	}

	e.mu.Lock()
	if e.selectSeq != ticket {
		e.mu.Unlock()
		e.log.Debug().Str("conversation_id", conv.ID).Msg("selection changed while creating conversation")
		return nil
	}
	if existing := e.findConversationLocked(conv.ID); existing == nil {
		e.conversations = append(e.conversations, conv.clone())
	}
	e.mu.Unlock()

	return e.openConversation(ctx, *conv)
}

// JoinConversation opens an already known conversation.
func (e *Engine) JoinConversation(ctx context.Context, conv Conversation) error {
	if e.me() == "" {
		return ErrNoIdentity
	}
	return e.openConversation(ctx, conv)
}

// RestoreSelection reopens the conversation saved by the last session, if it is still listed.
func (e *Engine) RestoreSelection(ctx context.Context) error {
	id, ok, err := e.storage.Get(KeySelectedConversation)
	if err != nil {
		return fmt.Errorf("read selected conversation: %w", err)
	}
	if !ok || id == "" {
		return nil
	}

	e.mu.Lock()
	var conv *Conversation
	if c := e.findConversationLocked(id); c != nil {
		cc := c.clone()
		conv = &cc
	}
	e.mu.Unlock()

	if conv == nil {
		e.clearSelection()
		return nil
	}
	return e.openConversation(ctx, *conv)
}

func (e *Engine) openConversation(ctx context.Context, conv Conversation) error {
	me := e.me()

	e.mu.Lock()
	if entry := e.findConversationLocked(conv.ID); entry != nil {
		conv = entry.clone()
	}
	target := &conv
	prev := e.current

	markRead := e.unreadOfLocked(target) > 0
	if markRead {
		e.zeroUnreadLocked(target)
		// The watermark only advances when nothing else is unread.
		if !e.otherUnreadLocked(target) {
			target.LastReadAt = e.now()
			if entry := e.findConversationLocked(target.ID); entry != nil {
				entry.LastReadAt = target.LastReadAt
			}
		}
	}

	e.current = target
	e.messages = nil
	e.typing = make(map[string]struct{})
	e.pendingRead = false
	e.selectSeq++
	seq := e.selectSeq
	e.resortLocked()
	total := e.totalUnreadLocked()
	e.mu.Unlock()

	if prev != nil && prev.ID != conv.ID {
		e.transport.LeaveRoom(prev.ID, me)
	}
	e.transport.JoinRoom(conv.ID, me)
	if markRead {
		e.transport.MarkMessagesAsRead(conv.ID, me)
	}
	if err := e.storage.Set(KeySelectedConversation, conv.ID); err != nil {
		e.log.Warn().Err(err).Msg("persist selected conversation")
	}
	e.publishUnread(total)
	e.changed()

	e.loadMessages(ctx, conv.ID, seq)
	return nil
}

// loadMessages replaces the message list with the server history, keeping any live
// messages that arrived while the request was in flight.
func (e *Engine) loadMessages(ctx context.Context, conversationID string, seq uint64) {
	msgs, err := e.backend.GetMessages(ctx, conversationID)
	if err != nil {
		e.log.Error().Err(err).Str("conversation_id", conversationID).Msg("load messages")
		return
	}

	e.mu.Lock()
	if e.selectSeq != seq || e.current == nil || e.current.ID != conversationID {
		e.mu.Unlock()
		return
	}
	seen := make(map[string]struct{}, len(msgs))
	merged := make([]Message, 0, len(msgs)+len(e.messages))
	for _, m := range msgs {
		if _, dup := seen[m.ID]; dup && m.ID != "" {
			continue
		}
		seen[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	for _, m := range e.messages {
		if _, dup := seen[m.ID]; !dup {
			merged = append(merged, m)
		}
	}
	e.messages = merged
	e.mu.Unlock()
	e.changed()
}

// onActivate runs when the view becomes visible and focused again.
func (e *Engine) onActivate() {
	e.mu.Lock()
	var convID string
	if e.pendingRead && e.current != nil {
		e.pendingRead = false
		convID = e.current.ID
		e.zeroUnreadLocked(e.current)
	}
	total := e.totalUnreadLocked()
	e.mu.Unlock()

	if convID != "" {
		e.transport.MarkMessagesAsRead(convID, e.me())
	}
	e.publishUnread(total)
	e.changed()
}

// SetPageVisible forwards the visibility signal of the hosting view.
func (e *Engine) SetPageVisible(visible bool) {
	e.visibility.SetVisible(visible)
	e.changed()
}

// SetPageFocused forwards the focus signal of the hosting view.
func (e *Engine) SetPageFocused(focused bool) {
	e.visibility.SetFocused(focused)
	e.changed()
}

// ============================================================================
// Outbound actions
// ============================================================================

// openTarget returns the open conversation id and the user id, or an error when either is missing.
func (e *Engine) openTarget() (string, string, error) {
	me := e.me()
	if me == "" {
		return "", "", ErrNoIdentity
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return "", "", ErrNoConversation
	}
	return e.current.ID, me, nil
}

// SendMessage emits send_message for the open conversation. Local state changes only
// when the server echoes the message back.
func (e *Engine) SendMessage(content string, messageType MessageType) error {
	convID, me, err := e.openTarget()
	if err != nil {
		return err
	}
	if messageType == "" {
		messageType = MessageText
	}
	e.transport.SendMessage(SendMessagePayload{
		ConversationID: convID,
		SenderID:       me,
		Content:        content,
		MessageType:    messageType,
	})
	return nil
}

// SendReply emits send_reply quoting replyTo.
func (e *Engine) SendReply(content string, messageType MessageType, replyTo string) error {
	convID, me, err := e.openTarget()
	if err != nil {
		return err
	}
	if messageType == "" {
		messageType = MessageText
	}
	e.transport.SendReply(SendReplyPayload{
		ConversationID: convID,
		SenderID:       me,
		Content:        content,
		MessageType:    messageType,
		ReplyTo:        replyTo,
	})
	return nil
}

// StartTyping and StopTyping are no-ops without an open conversation.
// Debouncing the stop is up to the caller.
func (e *Engine) StartTyping() {
	if convID, me, err := e.openTarget(); err == nil {
		e.transport.StartTyping(convID, me)
	}
}

func (e *Engine) StopTyping() {
	if convID, me, err := e.openTarget(); err == nil {
		e.transport.StopTyping(convID, me)
	}
}

// EditMessage asks the server to edit a message; the list changes on message_edited.
func (e *Engine) EditMessage(messageID, content string) error {
	me := e.me()
	if me == "" {
		return ErrNoIdentity
	}
	e.transport.EditMessage(messageID, content, me)
	return nil
}

// DeleteMessage asks the server to delete a message; the list changes on message_deleted.
func (e *Engine) DeleteMessage(messageID string) error {
	me := e.me()
	if me == "" {
		return ErrNoIdentity
	}
	e.transport.DeleteMessage(messageID, me)
	return nil
}

// CanModify reports whether the current user may still edit or delete m.
func (e *Engine) CanModify(m Message) bool {
	if m.SenderID == "" || m.SenderID != e.me() || m.IsDeleted {
		return false
	}
	sent := parseTime(m.Timestamp)
	if sent.IsZero() {
		return false
	}
	return e.now().Sub(sent) <= EditWindow
}

// UploadFile uploads an attachment to the open conversation (or opts.ConversationID).
// The resulting message arrives through the realtime channel.
func (e *Engine) UploadFile(ctx context.Context, opts UploadOptions) (*FileUploadResult, error) {
	me := e.me()
	if me == "" {
		return nil, ErrNoIdentity
	}
	if opts.ConversationID == "" {
		convID, _, err := e.openTarget()
		if err != nil {
			return nil, err
		}
		opts.ConversationID = convID
	}
	opts.SenderID = me
	res, err := e.backend.UploadFile(ctx, &opts)
	if err != nil {
		e.log.Error().Err(err).Str("conversation_id", opts.ConversationID).Msg("upload file")
		return nil, fmt.Errorf("upload file: %w", err)
	}
	return res, nil
}

// ResolveReply returns the preview of the message m replies to. The target is looked
// up in the loaded messages first; when it is not loaded (or deleted) the stored preview
// is returned marked Unavailable.
func (e *Engine) ResolveReply(m Message) ReplyPreview {
	if m.ReplyTo == "" {
		return ReplyPreview{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.messages {
		target := &e.messages[i]
		if target.ID != m.ReplyTo || target.IsDeleted {
			continue
		}
		p := ReplyPreview{
			MessageID:   target.ID,
			SenderID:    target.SenderID,
			Content:     NotificationBody(target),
			MessageType: target.MessageType,
		}
		if target.Sender != nil {
			p.SenderName = target.Sender.Name
		} else if u := e.findUserLocked(target.SenderID); u != nil {
			p.SenderName = u.Name
		}
		return p
	}

	if m.ReplyPreview != nil {
		p := *m.ReplyPreview
		if p.MessageID == "" {
			p.MessageID = m.ReplyTo
		}
		p.Unavailable = true
		return p
	}
	return ReplyPreview{MessageID: m.ReplyTo, Unavailable: true}
}
