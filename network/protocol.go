package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted websocket message size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// DefaultConnectionTimeout bounds dial and handshake duration.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultKeepAliveInterval sends ping on idle connections.
	DefaultKeepAliveInterval = 60 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultRequestTimeout bounds one request/response round trip.
	DefaultRequestTimeout = 15 * time.Second
	// DefaultWriteTimeout bounds one websocket write.
	DefaultWriteTimeout = 10 * time.Second
)

const (
	TypeHello       = "hello"
	TypeWelcome     = "welcome"
	TypeRequest     = "request"
	TypeResponse    = "response"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeEvent       = "event"
	TypeError       = "error"
)

// Request operations.
const (
	OpFetchConversations = "fetchConversations"
	OpFetchMessages      = "fetchMessages"
	OpSendMessage        = "sendMessage"
	OpStartTyping        = "startTyping"
	OpStopTyping         = "stopTyping"
	OpAddReaction        = "addReaction"
	OpRemoveReaction     = "removeReaction"
	OpFetchPostComments  = "fetchPostComments"
	OpCreateComment      = "createComment"
	OpUploadImage        = "uploadImage"
)

// Subscription topics.
const (
	TopicNewMessage              = "newMessage"
	TopicConversationCreated     = "conversationCreated"
	TopicUserAddedToConversation = "userAddedToConversation"
	TopicTypingStarted           = "typingStarted"
	TopicTypingStopped           = "typingStopped"
	TopicOnline                  = "online"
	TopicOffline                 = "offline"
)

// Error codes carried by ErrorMessage.
const (
	CodeRejected           = "rejected"
	CodeNoData             = "no_data"
	CodeUnavailable        = "unavailable"
	CodeBadRequest         = "bad_request"
	CodeUnauthorized       = "unauthorized"
	CodeUnsupportedVersion = "unsupported_version"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrRequestTimeout indicates no response arrived in time.
	ErrRequestTimeout = errors.New("network: request timed out")
)

// Envelope is the frame shared by requests, responses, subscriptions and
// events. ID correlates a response with its request and an event with its
// subscription.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Op        string          `json:"op,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *ErrorMessage   `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// HelloMessage opens a session.
type HelloMessage struct {
	Type            string `json:"type"`
	ClientID        string `json:"client_id"`
	UserID          string `json:"user_id"`
	Token           string `json:"token,omitempty"`
	ProtocolVersion int    `json:"protocol_version"`
	Timestamp       int64  `json:"timestamp"`
}

// WelcomeMessage accepts a session.
type WelcomeMessage struct {
	Type            string `json:"type"`
	SessionID       string `json:"session_id"`
	UserID          string `json:"user_id"`
	ProtocolVersion int    `json:"protocol_version"`
	Timestamp       int64  `json:"timestamp"`
}

// ErrorMessage reports a failed request or a refused session.
type ErrorMessage struct {
	Type              string `json:"type,omitempty"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
	Timestamp         int64  `json:"timestamp,omitempty"`
}

func (e *ErrorMessage) Error() string {
	return fmt.Sprintf("remote error [%s]: %s", e.Code, e.Message)
}

// FetchMessagesParams is the payload of OpFetchMessages.
type FetchMessagesParams struct {
	Target string `json:"target"`
	Limit  int    `json:"limit"`
}

// ConversationParams is the payload of the typing operations.
type ConversationParams struct {
	ConversationID string `json:"conversation_id"`
}

// ReactionParams is the payload of the reaction operations.
type ReactionParams struct {
	PostID string `json:"post_id"`
	Type   string `json:"type,omitempty"`
}

// UserParams scopes the per-user topics.
type UserParams struct {
	UserID string `json:"user_id"`
}

// UploadParams is the payload of OpUploadImage. Data is base64 on the wire.
type UploadParams struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// UploadResult is the response of OpUploadImage.
type UploadResult struct {
	URL string `json:"url"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return payload, nil
}

// DecodeEnvelope parses a frame and checks its type is set.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return Envelope{}, ErrInvalidMessageType
	}
	return envelope, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	envelope, err := DecodeEnvelope(payload)
	if err != nil {
		return "", err
	}
	return envelope.Type, nil
}

func newEnvelope(messageType, id string, payload any) (Envelope, error) {
	envelope := Envelope{Type: messageType, ID: id, Timestamp: time.Now().UnixMilli()}
	if payload == nil {
		return envelope, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", messageType, err)
	}
	envelope.Payload = raw
	return envelope, nil
}

func emptyPayload(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
