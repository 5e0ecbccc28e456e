package chatsync

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a non-2xx response from the REST API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Identity is the authenticated user a session acts as.
type Identity struct {
	ID    string `json:"userId"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ============================================================================
// Domain Entities
// ============================================================================

type ConversationType string

const (
	ConversationPrivate ConversationType = "private"
	ConversationGroup   ConversationType = "group"
)

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageFile  MessageType = "file"
	MessageAudio MessageType = "audio"
)

type User struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Email     string   `json:"email"`
	Roles     []string `json:"roles"`
	Filials   []string `json:"filials"`
	Status    string   `json:"status"`
	LastSeen  string   `json:"lastSeen,omitempty"`
	Avatar    string   `json:"avatar,omitempty"`
	CreatedAt string   `json:"createdAt,omitempty"`
	UpdatedAt string   `json:"updatedAt,omitempty"`
	IsActive  bool     `json:"isActive"`
	IsOnline  bool     `json:"isOnline"`
}

type Conversation struct {
	ID            string           `json:"id"`
	Type          ConversationType `json:"type"`
	Name          string           `json:"name,omitempty"`
	Description   string           `json:"description,omitempty"`
	Participants  []string         `json:"participants"`
	CreatedBy     string           `json:"createdBy"`
	CreatedAt     string           `json:"createdAt,omitempty"`
	UpdatedAt     string           `json:"updatedAt,omitempty"`
	LastMessage   string           `json:"lastMessage,omitempty"`
	LastMessageAt string           `json:"lastMessageAt,omitempty"`
	UnreadCount   int              `json:"unreadCount,omitempty"`

	// LastReadAt is maintained by the client only.
	LastReadAt time.Time `json:"-"`
}

func (c *Conversation) IsGroup() bool { return c.Type == ConversationGroup }

// HasParticipant reports whether userID is a member of the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// OtherParticipant returns the peer of a private conversation.
func (c *Conversation) OtherParticipant(selfID string) string {
	for _, p := range c.Participants {
		if p != selfID {
			return p
		}
	}
	return ""
}

func (c Conversation) clone() Conversation {
	c.Participants = append([]string(nil), c.Participants...)
	return c
}

type MessageSender struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	RecipientID    string         `json:"recipientId,omitempty"`
	Content        string         `json:"content"`
	MessageType    MessageType    `json:"messageType"`
	FileURL        string         `json:"fileUrl,omitempty"`
	FileName       string         `json:"fileName,omitempty"`
	FileSize       int64          `json:"fileSize,omitempty"`
	FileType       string         `json:"fileType,omitempty"`
	Timestamp      string         `json:"timestamp"`
	IsEdited       bool           `json:"isEdited"`
	IsDeleted      bool           `json:"isDeleted"`
	EditedAt       string         `json:"editedAt,omitempty"`
	ReplyTo        string         `json:"replyTo,omitempty"`
	ReplyPreview   *ReplyPreview  `json:"replyPreview,omitempty"`
	IsReply        bool           `json:"isReply,omitempty"`
	Sender         *MessageSender `json:"sender,omitempty"`
}

// ReplyPreview is the denormalized snapshot of the message a reply points at.
type ReplyPreview struct {
	MessageID   string      `json:"id,omitempty"`
	SenderID    string      `json:"senderId,omitempty"`
	SenderName  string      `json:"senderName,omitempty"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"messageType,omitempty"`
	Unavailable bool        `json:"-"`
}

// FileDescriptor is the JSON document carried in the content of file and audio messages.
type FileDescriptor struct {
	FileURL  string  `json:"fileUrl"`
	FileName string  `json:"fileName"`
	FileSize int64   `json:"fileSize,omitempty"`
	FileType string  `json:"fileType,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// File decodes the attachment descriptor of a file or audio message.
// Messages that carry the descriptor in dedicated fields are handled too.
func (m *Message) File() (*FileDescriptor, bool) {
	if m.MessageType != MessageFile && m.MessageType != MessageAudio {
		return nil, false
	}
	var fd FileDescriptor
	if err := json.Unmarshal([]byte(m.Content), &fd); err == nil && (fd.FileURL != "" || fd.FileName != "") {
		return &fd, true
	}
	if m.FileURL != "" || m.FileName != "" {
		return &FileDescriptor{FileURL: m.FileURL, FileName: m.FileName, FileSize: m.FileSize, FileType: m.FileType}, true
	}
	return nil, false
}

// ============================================================================
// REST Types
// ============================================================================

type CreateUserOptions struct {
	Name     string   `json:"name"`
	Email    string   `json:"email"`
	Roles    []string `json:"roles,omitempty"`
	Filials  []string `json:"filials,omitempty"`
	Status   string   `json:"status,omitempty"`
	Avatar   string   `json:"avatar,omitempty"`
	IsActive bool     `json:"isActive"`
}

type CreateConversationOptions struct {
	Type         ConversationType `json:"type"`
	Name         string           `json:"name,omitempty"`
	Description  string           `json:"description,omitempty"`
	Participants []string         `json:"participants"`
	CreatedBy    string           `json:"createdBy"`
}

type AddParticipantResult struct {
	Success        bool   `json:"success"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type FileUploadResult struct {
	FileURL      string `json:"fileUrl"`
	FileName     string `json:"fileName"`
	FileSize     int64  `json:"fileSize"`
	FileType     string `json:"fileType"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

// UploadOptions describes a file upload. Data or Path must be set.
type UploadOptions struct {
	ConversationID string
	SenderID       string
	FileName       string
	Data           []byte
	Path           string
}

// ============================================================================
// Realtime Payloads (outbound)
// ============================================================================

type SendMessagePayload struct {
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"messageType"`
}

type SendReplyPayload struct {
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"messageType"`
	ReplyTo        string      `json:"replyTo"`
}

type CreateGroupPayload struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Participants []string `json:"participants"`
	CreatedBy    string   `json:"createdBy"`
}

type roomPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type addUserPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	AddedBy        string `json:"addedBy"`
}

type editMessagePayload struct {
	MessageID  string `json:"messageId"`
	NewContent string `json:"newContent"`
	UserID     string `json:"userId"`
}

type deleteMessagePayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

type userLeavePayload struct {
	UserID string `json:"userId"`
}

// ============================================================================
// Realtime Payloads (inbound)
// ============================================================================

type UserStatusUpdatePayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// UserConnectedPayload accepts both the flat shape and the legacy {user:{...}} envelope.
type UserConnectedPayload struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Status string `json:"status,omitempty"`
	User   *User  `json:"user,omitempty"`
}

func (p *UserConnectedPayload) normalize() {
	if p.User == nil {
		return
	}
	if p.UserID == "" {
		p.UserID = p.User.ID
	}
	if p.Name == "" {
		p.Name = p.User.Name
	}
	if p.Email == "" {
		p.Email = p.User.Email
	}
	if p.Status == "" {
		p.Status = p.User.Status
	}
}

type UserDisconnectedPayload struct {
	UserID   string `json:"userId"`
	LastSeen string `json:"lastSeen"`
}

type UserLeavePayload struct {
	UserID string `json:"userId"`
}

type UnreadPrivatePayload struct {
	SenderID       string      `json:"senderId"`
	SenderName     string      `json:"senderName"`
	SenderAvatar   string      `json:"senderAvatar,omitempty"`
	ConversationID string      `json:"conversationId,omitempty"`
	MessagePreview string      `json:"messagePreview"`
	MessageType    MessageType `json:"messageType,omitempty"`
	Timestamp      string      `json:"timestamp"`
}

type UnreadGroupPayload struct {
	ConversationID   string      `json:"conversationId"`
	ConversationName string      `json:"conversationName"`
	SenderID         string      `json:"senderId"`
	SenderName       string      `json:"senderName"`
	SenderAvatar     string      `json:"senderAvatar,omitempty"`
	MessagePreview   string      `json:"messagePreview"`
	MessageType      MessageType `json:"messageType,omitempty"`
	Timestamp        string      `json:"timestamp"`
}

type TypingIndicatorPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

type GroupCreatedPayload struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Participants []string `json:"participants"`
	CreatedBy    string   `json:"createdBy"`
	CreatedAt    string   `json:"createdAt,omitempty"`
	UpdatedAt    string   `json:"updatedAt,omitempty"`
}

type UserAddedToGroupPayload struct {
	ConversationID      string   `json:"conversationId"`
	ConversationName    string   `json:"conversationName"`
	UserID              string   `json:"userId"`
	AddedBy             string   `json:"addedBy"`
	UpdatedParticipants []string `json:"updatedParticipants"`
	Timestamp           string   `json:"timestamp"`
}

// ParticipantsAction is the kind of change reported by group_participants_updated.
type ParticipantsAction string

const (
	ParticipantsAdd    ParticipantsAction = "add"
	ParticipantsRemove ParticipantsAction = "remove"
	ParticipantsBulk   ParticipantsAction = "bulk"
)

type GroupParticipantsUpdatedPayload struct {
	ConversationID       string             `json:"conversationId"`
	ConversationName     string             `json:"conversationName,omitempty"`
	Participants         []string           `json:"participants"`
	Action               ParticipantsAction `json:"action"`
	OwnershipTransferred bool               `json:"ownershipTransferred,omitempty"`
	NewOwnerID           string             `json:"newOwnerId,omitempty"`
	NewOwnerName         string             `json:"newOwnerName,omitempty"`
	UpdatedAt            string             `json:"updatedAt"`
}

type MessagesMarkedAsReadPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type MessageDeletedPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

type ServerErrorPayload struct {
	Error string `json:"error"`
}

type LeaveGroupSuccessPayload struct {
	ConversationID       string `json:"conversationId"`
	ConversationName     string `json:"conversationName"`
	GroupDeleted         bool   `json:"groupDeleted,omitempty"`
	DeletedMessagesCount int    `json:"deletedMessagesCount,omitempty"`
}

type UserLeftGroupPayload struct {
	ConversationID       string `json:"conversationId"`
	ConversationName     string `json:"conversationName,omitempty"`
	UserID               string `json:"userId"`
	UserName             string `json:"userName"`
	OwnershipTransferred bool   `json:"ownershipTransferred,omitempty"`
	NewOwnerID           string `json:"newOwnerId,omitempty"`
	NewOwnerName         string `json:"newOwnerName,omitempty"`
}

type UserRemovedFromGroupPayload struct {
	ConversationID   string `json:"conversationId"`
	ConversationName string `json:"conversationName,omitempty"`
	UserID           string `json:"userId"`
	UserName         string `json:"userName"`
	RemovedBy        string `json:"removedBy"`
	RemovedByName    string `json:"removedByName"`
}

type GroupDeletedPayload struct {
	ConversationID   string `json:"conversationId"`
	ConversationName string `json:"conversationName"`
}

// ============================================================================
// Helpers
// ============================================================================

// parseTime accepts RFC3339 (with or without fractional seconds) and epoch milliseconds.
func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	var ms int64
	if err := json.Unmarshal([]byte(s), &ms); err == nil && ms > 0 {
		return time.UnixMilli(ms)
	}
	return time.Time{}
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func removeString(list []string, v string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
