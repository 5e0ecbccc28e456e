// Package chatsync is a Go client for the internal chat service.
//
// It covers the REST API (users, conversations, messages, uploads), the Socket.IO realtime
// channel, and the Engine that keeps a consistent local view of both.
//
// Example:
//
//	client := chatsync.NewClient("http://chat.internal:3001/api")
//	socket := chatsync.NewSocketService("ws://chat.internal:3001", &chatsync.RealtimeConfig{})
//
//	engine := chatsync.NewEngine(client.Backend(), socket,
//		chatsync.WithIdentity(chatsync.Identity{ID: "u1", Name: "Ana", Email: "ana@corp"}),
//	)
//	_ = socket.Connect(ctx, engine.Identity())
//	_ = engine.Start(ctx)
//	engine.SendMessage("hello", chatsync.MessageText)
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const DefaultTimeout = 30 * time.Second

// ============================================================================
// Client
// ============================================================================

type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
	http       *resty.Client
	log        zerolog.Logger

	Users         *UsersClient
	Conversations *ConversationsClient
	Messages      *MessagesClient
	Files         *FilesClient
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithToken sets a bearer token sent on every request.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithClientLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a REST client rooted at baseURL (e.g. "http://host:3001/api").
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: DefaultTimeout,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "rest-client").Logger()

	if c.httpClient != nil {
		c.http = resty.NewWithClient(c.httpClient)
	} else {
		c.http = resty.New()
	}
	c.http.
		SetBaseURL(c.baseURL).
		SetTimeout(c.timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json").
		OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			r.SetHeader("X-Request-ID", uuid.NewString())
			if c.token != "" {
				r.SetAuthToken(c.token)
			}
			return nil
		})

	c.Users = &UsersClient{c: c}
	c.Conversations = &ConversationsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Files = &FilesClient{c: c}
	return c
}

// SetToken sets or replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().SetContext(ctx)
}

// do executes the request and decodes a 2xx JSON body into out (when non-nil).
func (c *Client) do(req *resty.Request, method, path string, out interface{}) error {
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		apiErr := decodeAPIError(resp.StatusCode(), resp.Body())
		c.log.Debug().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode()).
			Msg(apiErr.Message)
		return apiErr
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	var raw struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	apiErr := &APIError{Status: status}
	if json.Unmarshal(body, &raw) == nil {
		apiErr.Code = raw.Code
		apiErr.Message = raw.Message
		if apiErr.Message == "" {
			apiErr.Message = raw.Error
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = fmt.Sprintf("HTTP %d: %s", status, strings.TrimSpace(string(body)))
	}
	return apiErr
}

// ============================================================================
// Sub-Clients
// ============================================================================

// UsersClient handles the user directory.
type UsersClient struct{ c *Client }

func (u *UsersClient) List(ctx context.Context) ([]User, error) {
	var users []User
	if err := u.c.do(u.c.request(ctx), http.MethodGet, "/users", &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (u *UsersClient) Create(ctx context.Context, opts *CreateUserOptions) (*User, error) {
	var user User
	if err := u.c.do(u.c.request(ctx).SetBody(opts), http.MethodPost, "/users", &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ConversationsClient handles conversation lookup and membership.
type ConversationsClient struct{ c *Client }

// Create returns the conversation matching opts, creating it when needed.
// Private conversations are created lazily on first contact.
func (cv *ConversationsClient) Create(ctx context.Context, opts *CreateConversationOptions) (*Conversation, error) {
	var conv Conversation
	if err := cv.c.do(cv.c.request(ctx).SetBody(opts), http.MethodPost, "/conversations", &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (cv *ConversationsClient) ListForUser(ctx context.Context, userID string) ([]Conversation, error) {
	var convs []Conversation
	req := cv.c.request(ctx).SetPathParam("userId", userID)
	if err := cv.c.do(req, http.MethodGet, "/conversations/user/{userId}", &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func (cv *ConversationsClient) AddParticipant(ctx context.Context, conversationID, userID, addedBy string) (*AddParticipantResult, error) {
	var res AddParticipantResult
	req := cv.c.request(ctx).
		SetPathParam("id", conversationID).
		SetBody(map[string]string{"userId": userID, "addedBy": addedBy})
	if err := cv.c.do(req, http.MethodPost, "/conversations/{id}/participants", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RemoveParticipant removes userID from a group. adminID, when set, is the acting admin.
func (cv *ConversationsClient) RemoveParticipant(ctx context.Context, conversationID, userID, adminID string) error {
	req := cv.c.request(ctx).
		SetPathParam("id", conversationID).
		SetPathParam("userId", userID)
	if adminID != "" {
		req.SetQueryParam("adminId", adminID)
	}
	return cv.c.do(req, http.MethodDelete, "/conversations/{id}/participants/{userId}", nil)
}

// MessagesClient handles message history.
type MessagesClient struct{ c *Client }

func (m *MessagesClient) List(ctx context.Context, conversationID string) ([]Message, error) {
	var msgs []Message
	req := m.c.request(ctx).SetPathParam("conversationId", conversationID)
	if err := m.c.do(req, http.MethodGet, "/messages/{conversationId}", &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// FilesClient handles attachment uploads.
type FilesClient struct{ c *Client }

// Upload posts a multipart form. The server fans the resulting message out over the
// realtime channel; nothing is inserted locally.
func (f *FilesClient) Upload(ctx context.Context, opts *UploadOptions) (*FileUploadResult, error) {
	if opts == nil {
		return nil, fmt.Errorf("upload options are required")
	}
	data := opts.Data
	fileName := opts.FileName
	if data == nil {
		if opts.Path == "" {
			return nil, fmt.Errorf("upload needs data or a path")
		}
		b, err := os.ReadFile(opts.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		data = b
		if fileName == "" {
			fileName = filepath.Base(opts.Path)
		}
	}
	if fileName == "" {
		return nil, fmt.Errorf("fileName is required when uploading bytes")
	}

	form := map[string]string{}
	if opts.ConversationID != "" {
		form["conversationId"] = opts.ConversationID
	}
	if opts.SenderID != "" {
		form["senderId"] = opts.SenderID
	}

	var res FileUploadResult
	req := f.c.request(ctx).
		SetFileReader("file", fileName, bytes.NewReader(data)).
		SetFormData(form)
	if err := f.c.do(req, http.MethodPost, "/upload", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ============================================================================
// Backend adapter
// ============================================================================

// Backend returns the client as the Engine's REST collaborator.
func (c *Client) Backend() Backend {
	return restBackend{c: c}
}

type restBackend struct{ c *Client }

func (b restBackend) GetUsers(ctx context.Context) ([]User, error) {
	return b.c.Users.List(ctx)
}

func (b restBackend) GetUserConversations(ctx context.Context, userID string) ([]Conversation, error) {
	return b.c.Conversations.ListForUser(ctx, userID)
}

func (b restBackend) CreateConversation(ctx context.Context, opts *CreateConversationOptions) (*Conversation, error) {
	return b.c.Conversations.Create(ctx, opts)
}

func (b restBackend) RemoveParticipant(ctx context.Context, conversationID, userID, adminID string) error {
	return b.c.Conversations.RemoveParticipant(ctx, conversationID, userID, adminID)
}

func (b restBackend) GetMessages(ctx context.Context, conversationID string) ([]Message, error) {
	return b.c.Messages.List(ctx, conversationID)
}

func (b restBackend) UploadFile(ctx context.Context, opts *UploadOptions) (*FileUploadResult, error) {
	return b.c.Files.Upload(ctx, opts)
}
