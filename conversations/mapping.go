package conversations

import "chatsync/models"

// FromCreated maps a conversation-created push payload to a list entry.
func FromCreated(event models.ConversationCreated, selfUserID string) models.Conversation {
	first := event.FirstMessage
	return normalize(event.Conversation, &first, selfUserID)
}

// FromUserAdded maps a user-added-to-group push payload to a list entry. The
// newest carried message becomes the entry's last message.
func FromUserAdded(event models.UserAddedToConversation, selfUserID string) models.Conversation {
	var latest *models.Message
	for i := range event.Messages {
		if latest == nil || event.Messages[i].CreatedAt > latest.CreatedAt {
			latest = &event.Messages[i]
		}
	}
	return normalize(event.Conversation, latest, selfUserID)
}

// FromMessage builds a list entry from a message and its nested conversation
// payload. It returns false when the message does not identify a conversation.
func FromMessage(message models.Message, selfUserID string) (models.Conversation, bool) {
	conversation := models.Conversation{ID: message.ConversationID}
	if message.Conversation != nil {
		conversation = *message.Conversation
		if conversation.ID == "" {
			conversation.ID = message.ConversationID
		}
	}
	if conversation.ID == "" {
		return models.Conversation{}, false
	}
	return normalize(conversation, &message, selfUserID), true
}

// Normalize applies the list invariants to a snapshot entry.
func Normalize(conversation models.Conversation, selfUserID string) models.Conversation {
	return normalize(conversation, conversation.LastMessage, selfUserID)
}

func normalize(conversation models.Conversation, lastMessage *models.Message, selfUserID string) models.Conversation {
	out := conversation

	seen := make(map[string]bool, len(conversation.Members))
	out.Members = make([]models.Member, 0, len(conversation.Members))
	for _, member := range conversation.Members {
		if member.UserID == "" || seen[member.UserID] {
			continue
		}
		seen[member.UserID] = true
		out.Members = append(out.Members, member)
	}

	if !out.IsGroup {
		for _, member := range out.Members {
			if member.UserID == selfUserID {
				continue
			}
			out.DisplayName = member.DisplayName
			out.AvatarRef = member.AvatarRef
			break
		}
	}

	if lastMessage != nil {
		message := *lastMessage
		message.Conversation = nil
		if message.ConversationID == "" {
			message.ConversationID = out.ID
		}
		out.LastMessage = &message
		if message.CreatedAt > out.LastActivityAt {
			out.LastActivityAt = message.CreatedAt
		}
	}
	return out
}
