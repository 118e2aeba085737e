package conversations

import (
	"testing"

	"chatsync/models"
)

func TestNormalizeDerivesDirectChatIdentity(t *testing.T) {
	created := models.ConversationCreated{
		Conversation: models.Conversation{
			ID:          "c1",
			DisplayName: "server name",
			Members: []models.Member{
				{UserID: "self", DisplayName: "Me"},
				{UserID: "bob", DisplayName: "Bob", AvatarRef: "bob.png"},
				{UserID: "bob", DisplayName: "Bob dup"},
			},
		},
		FirstMessage: models.Message{ID: "m1", CreatedAt: 42, Content: models.StringPtr("hey")},
	}

	got := FromCreated(created, "self")
	if got.DisplayName != "Bob" || got.AvatarRef != "bob.png" {
		t.Fatalf("expected identity of non-self member, got %q %q", got.DisplayName, got.AvatarRef)
	}
	if len(got.Members) != 2 {
		t.Fatalf("expected duplicate members removed, got %d", len(got.Members))
	}
	if got.LastActivityAt != 42 || got.LastMessage == nil || got.LastMessage.ConversationID != "c1" {
		t.Fatalf("unexpected last message mapping: %+v", got)
	}
}

func TestNormalizeKeepsGroupIdentity(t *testing.T) {
	group := models.Conversation{
		ID:          "g1",
		IsGroup:     true,
		DisplayName: "Team",
		Members:     []models.Member{{UserID: "self"}, {UserID: "bob", DisplayName: "Bob"}},
	}
	if got := Normalize(group, "self"); got.DisplayName != "Team" {
		t.Fatalf("group display name overwritten: %q", got.DisplayName)
	}
}

func TestFromMessageUsesNestedPayload(t *testing.T) {
	msg := models.Message{
		ID:             "m1",
		ConversationID: "c9",
		CreatedAt:      7,
		Content:        models.StringPtr("first"),
		Conversation: &models.Conversation{
			Members: []models.Member{{UserID: "self"}, {UserID: "ann", DisplayName: "Ann"}},
		},
	}
	got, ok := FromMessage(msg, "self")
	if !ok {
		t.Fatalf("expected entry from message")
	}
	if got.ID != "c9" || got.DisplayName != "Ann" || got.LastMessage.Conversation != nil {
		t.Fatalf("unexpected entry: %+v", got)
	}

	if _, ok := FromMessage(models.Message{ID: "m2"}, "self"); ok {
		t.Fatalf("expected no entry without a conversation id")
	}
}
