package models

// Member is a participant profile carried with conversation payloads.
type Member struct {
	UserID      string `json:"user_id" yaml:"user_id"`
	DisplayName string `json:"display_name" yaml:"display_name"`
	AvatarRef   string `json:"avatar_ref,omitempty" yaml:"avatar_ref,omitempty"`
	// LastSeenAt is the server's best-known last seen time, if it sent one.
	LastSeenAt *int64 `json:"last_seen_at,omitempty" yaml:"last_seen_at,omitempty"`
}

// Conversation is one entry of the conversation list.
type Conversation struct {
	ID             string   `json:"id" yaml:"id"`
	IsGroup        bool     `json:"is_group" yaml:"is_group"`
	DisplayName    string   `json:"display_name" yaml:"display_name"`
	AvatarRef      string   `json:"avatar_ref,omitempty" yaml:"avatar_ref,omitempty"`
	Members        []Member `json:"members" yaml:"members"`
	LastMessage    *Message `json:"last_message,omitempty" yaml:"last_message,omitempty"`
	LastActivityAt int64    `json:"last_activity_at" yaml:"last_activity_at"`
}

// MemberIDs returns member user ids in payload order with duplicates removed.
func (c Conversation) MemberIDs() []string {
	seen := make(map[string]bool, len(c.Members))
	out := make([]string, 0, len(c.Members))
	for _, member := range c.Members {
		if member.UserID == "" || seen[member.UserID] {
			continue
		}
		seen[member.UserID] = true
		out = append(out, member.UserID)
	}
	return out
}

// ConversationCreated is pushed when another user starts a chat with the local user.
type ConversationCreated struct {
	Conversation Conversation `json:"conversation"`
	FirstMessage Message      `json:"first_message"`
}

// UserAddedToConversation is pushed when the local user is added to a group.
type UserAddedToConversation struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
}
