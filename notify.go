package chatsync

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Notifier contracts
// ============================================================================

// Permission mirrors the desktop notification permission states.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

type Notification struct {
	Title          string
	Body           string
	ConversationID string
	Icon           string
}

// Notifier delivers desktop notifications and the audio cue.
type Notifier interface {
	Permission() Permission
	RequestPermission(ctx context.Context) (Permission, error)
	Notify(ctx context.Context, n Notification) error
	PlaySound(ctx context.Context) error
}

// TitleSetter updates the window or tab title.
type TitleSetter interface {
	SetTitle(title string)
}

// ============================================================================
// Visibility
// ============================================================================

// Visibility tracks whether the chat view is visible and focused, gates notifications
// on it, and keeps the title badge in sync with the aggregate unread count.
type Visibility struct {
	appName  string
	notifier Notifier
	title    TitleSetter
	log      zerolog.Logger

	mu         sync.Mutex
	visible    bool
	focused    bool
	requested  bool
	unread     int
	current    string
	onActivate func()
}

type VisibilityOption func(*Visibility)

func WithVisibilityLogger(log zerolog.Logger) VisibilityOption {
	return func(v *Visibility) { v.log = log }
}

// NewVisibility starts visible and focused. notifier and title may be nil.
func NewVisibility(appName string, notifier Notifier, title TitleSetter, opts ...VisibilityOption) *Visibility {
	v := &Visibility{
		appName:  appName,
		notifier: notifier,
		title:    title,
		log:      zerolog.Nop(),
		visible:  true,
		focused:  true,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.log = v.log.With().Str("component", "visibility").Logger()
	v.setTitleLocked(appName)
	return v
}

// OnActivate registers the callback run when the view becomes active again.
func (v *Visibility) OnActivate(fn func()) {
	v.mu.Lock()
	v.onActivate = fn
	v.mu.Unlock()
}

// Active reports whether the view is both visible and focused.
func (v *Visibility) Active() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.visible && v.focused
}

func (v *Visibility) SetVisible(visible bool) {
	v.mu.Lock()
	wasActive := v.visible && v.focused
	v.visible = visible
	if visible {
		v.setTitleLocked(v.appName)
	}
	activated := !wasActive && v.visible && v.focused
	fn := v.onActivate
	v.mu.Unlock()

	if activated && fn != nil {
		fn()
	}
}

func (v *Visibility) SetFocused(focused bool) {
	v.mu.Lock()
	wasActive := v.visible && v.focused
	v.focused = focused
	activated := !wasActive && v.visible && v.focused
	fn := v.onActivate
	v.mu.Unlock()

	if activated && fn != nil {
		fn()
	}
}

// EnsurePermission asks for notification permission once, and only while it is undecided.
func (v *Visibility) EnsurePermission(ctx context.Context) Permission {
	if v.notifier == nil {
		return PermissionDenied
	}
	v.mu.Lock()
	current := v.notifier.Permission()
	if v.requested || current != PermissionDefault {
		v.mu.Unlock()
		return current
	}
	v.requested = true
	v.mu.Unlock()

	p, err := v.notifier.RequestPermission(ctx)
	if err != nil {
		v.log.Warn().Err(err).Msg("notification permission request failed")
		return v.notifier.Permission()
	}
	return p
}

// Deliver shows n and plays the sound while the view is inactive.
// It reports whether anything was delivered.
func (v *Visibility) Deliver(ctx context.Context, n Notification) bool {
	if v.Active() || v.notifier == nil {
		return false
	}
	if v.notifier.Permission() == PermissionGranted {
		if err := v.notifier.Notify(ctx, n); err != nil {
			v.log.Warn().Err(err).Msg("desktop notification failed")
		}
	}
	if err := v.notifier.PlaySound(ctx); err != nil {
		v.log.Debug().Err(err).Msg("notification sound failed")
	}
	return true
}

// UpdateUnread sets the title badge for total unread messages.
func (v *Visibility) UpdateUnread(total int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.unread = total
	if total > 0 {
		v.setTitleLocked(fmt.Sprintf("(%d) %s", total, v.appName))
		return
	}
	v.setTitleLocked(v.appName)
}

// Title returns the last title set.
func (v *Visibility) Title() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

func (v *Visibility) setTitleLocked(t string) {
	if t == v.current {
		return
	}
	v.current = t
	if v.title != nil {
		v.title.SetTitle(t)
	}
}

// ============================================================================
// Notification text
// ============================================================================

const audioNotificationBody = "sent an audio"

// NotificationBody derives the body text for a message.
func NotificationBody(m *Message) string {
	switch m.MessageType {
	case MessageFile:
		if fd, ok := m.File(); ok && fd.FileName != "" {
			return fd.FileName
		}
		return "sent a file"
	case MessageAudio:
		return audioNotificationBody
	default:
		return m.Content
	}
}

// previewBody derives the body for an unread notification that only carries a preview.
func previewBody(t MessageType, preview string) string {
	return NotificationBody(&Message{MessageType: t, Content: preview})
}

// ============================================================================
// TerminalNotifier
// ============================================================================

// TerminalNotifier renders notifications on a terminal: the bell is the sound,
// the OSC 0 escape sets the title, and notifications are printed as lines.
type TerminalNotifier struct {
	mu         sync.Mutex
	w          io.Writer
	permission Permission
	disabled   bool
}

// NewTerminalNotifier writes to w. When disabled, permission requests are denied.
func NewTerminalNotifier(w io.Writer, disabled bool) *TerminalNotifier {
	return &TerminalNotifier{w: w, permission: PermissionDefault, disabled: disabled}
}

func (t *TerminalNotifier) Permission() Permission {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.permission
}

func (t *TerminalNotifier) RequestPermission(context.Context) (Permission, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disabled {
		t.permission = PermissionDenied
	} else {
		t.permission = PermissionGranted
	}
	return t.permission, nil
}

func (t *TerminalNotifier) Notify(_ context.Context, n Notification) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := fmt.Fprintf(t.w, "\r[%s] %s\n", n.Title, n.Body)
	return err
}

func (t *TerminalNotifier) PlaySound(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := io.WriteString(t.w, "\a")
	return err
}

func (t *TerminalNotifier) SetTitle(title string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, "\x1b]0;%s\x07", title)
}
