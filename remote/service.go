// Package remote defines the Remote Data Service contract consumed by the
// synchronizers. Implementations live in network (websocket transport) and
// remotetest (in-memory fake).
package remote

import (
	"context"

	"chatsync/models"
)

// Subscription is an open push stream. Close stops delivery; it is safe to
// call more than once. The context passed to a Subscribe call bounds opening
// the stream only; the stream lives until Close.
type Subscription interface {
	Close() error
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func() error

// Close calls f.
func (f SubscriptionFunc) Close() error {
	return f()
}

// SendMessageInput addresses a message either to a known conversation or to
// the other party of a direct chat that may not exist yet.
type SendMessageInput struct {
	ConversationID string  `json:"conversation_id,omitempty"`
	OtherUserID    string  `json:"other_user_id,omitempty"`
	Content        *string `json:"content,omitempty"`
	ImageRef       *string `json:"image_ref,omitempty"`
}

// NewMessageFilter scopes the live message stream.
type NewMessageFilter struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// TypingFilter scopes typing streams.
type TypingFilter struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// CommentsQuery requests one cursor page of comments.
type CommentsQuery struct {
	PostID string `json:"post_id"`
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit"`
}

// CreateCommentInput creates a comment or, with ParentID, a reply.
type CreateCommentInput struct {
	PostID   string `json:"post_id"`
	Content  string `json:"content"`
	ParentID string `json:"parent_id,omitempty"`
}

// ConversationService covers the conversation list operations.
type ConversationService interface {
	FetchConversations(ctx context.Context) ([]models.Conversation, error)
	SubscribeConversationCreated(ctx context.Context, userID string, handle func(models.ConversationCreated)) (Subscription, error)
	SubscribeUserAddedToConversation(ctx context.Context, userID string, handle func(models.UserAddedToConversation)) (Subscription, error)
}

// MessageService covers message history, sending and the live message stream.
type MessageService interface {
	FetchMessages(ctx context.Context, otherUserOrConversationID string, limit int) ([]models.Message, error)
	SendMessage(ctx context.Context, input SendMessageInput) (models.Message, error)
	SubscribeNewMessage(ctx context.Context, filter NewMessageFilter, handle func(models.Message)) (Subscription, error)
}

// TypingService covers typing signals.
type TypingService interface {
	StartTyping(ctx context.Context, conversationID string) error
	StopTyping(ctx context.Context, conversationID string) error
	SubscribeTypingStarted(ctx context.Context, filter TypingFilter, handle func(models.TypingSignal)) (Subscription, error)
	SubscribeTypingStopped(ctx context.Context, filter TypingFilter, handle func(models.TypingSignal)) (Subscription, error)
}

// PresenceService covers per-user online/offline streams.
type PresenceService interface {
	SubscribeOnline(ctx context.Context, userID string, handle func(models.PresenceEvent)) (Subscription, error)
	SubscribeOffline(ctx context.Context, userID string, handle func(models.PresenceEvent)) (Subscription, error)
}

// ReactionService covers post reactions.
type ReactionService interface {
	AddReaction(ctx context.Context, postID string, reaction models.ReactionType) error
	RemoveReaction(ctx context.Context, postID string) error
}

// CommentService covers post comments.
type CommentService interface {
	FetchPostComments(ctx context.Context, query CommentsQuery) (models.CommentPage, error)
	CreateComment(ctx context.Context, input CreateCommentInput) (models.CommentNode, error)
}

// Service is the full Remote Data Service.
type Service interface {
	ConversationService
	MessageService
	TypingService
	PresenceService
	ReactionService
	CommentService
}
