package models

// TypingSignal reports that a user started or stopped typing in a conversation.
type TypingSignal struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	ObservedAt     int64  `json:"observed_at"`
}
