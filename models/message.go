package models

import "errors"

// ErrEmptyMessage indicates a message carries neither text nor an image.
var ErrEmptyMessage = errors.New("models: message has no content or image")

// Message is one chat message as seen by the client.
//
// ConversationID is empty until the server has assigned the message to a
// conversation; a direct chat does not exist server-side before its first message.
type Message struct {
	ID             string  `json:"id" yaml:"id"`
	ConversationID string  `json:"conversation_id,omitempty" yaml:"conversation_id,omitempty"`
	SenderID       string  `json:"sender_id" yaml:"sender_id"`
	Content        *string `json:"content,omitempty" yaml:"content,omitempty"`
	ImageRef       *string `json:"image_ref,omitempty" yaml:"image_ref,omitempty"`
	CreatedAt      int64   `json:"created_at" yaml:"created_at"`
	UpdatedAt      int64   `json:"updated_at" yaml:"updated_at"`
	IsEdited       bool    `json:"is_edited" yaml:"is_edited"`

	// Conversation is the nested conversation payload returned by a send.
	Conversation *Conversation `json:"conversation,omitempty" yaml:"conversation,omitempty"`
}

// Validate checks the content invariant.
func (m Message) Validate() error {
	if (m.Content == nil || *m.Content == "") && (m.ImageRef == nil || *m.ImageRef == "") {
		return ErrEmptyMessage
	}
	return nil
}

// Text returns the message content or "" when the message is image-only.
func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
