package messages

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"chatsync/conversations"
	"chatsync/models"
	"chatsync/remote"
	"chatsync/remote/remotetest"
)

func msg(id, conversationID string, createdAt int64) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       "bob",
		Content:        models.StringPtr("text " + id),
		CreatedAt:      createdAt,
	}
}

type testStream struct {
	stream *Stream
	fake   *remotetest.Fake
	list   *conversations.List
	errs   []error
}

func newTestStream(t *testing.T, options Options) *testStream {
	t.Helper()
	ts := &testStream{fake: remotetest.New()}
	list, err := conversations.New(conversations.Options{SelfUserID: "self"})
	if err != nil {
		t.Fatalf("conversations.New failed: %v", err)
	}
	ts.list = list

	options.SelfUserID = "self"
	options.Service = ts.fake
	options.Uploader = ts.fake
	options.Conversations = list
	options.OnError = func(err error) { ts.errs = append(ts.errs, err) }
	stream, err := New(options)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(stream.Close)
	ts.stream = stream
	return ts
}

func assertOrdered(t *testing.T, messages []models.Message) {
	t.Helper()
	seen := make(map[string]bool)
	for i, message := range messages {
		if seen[message.ID] {
			t.Fatalf("duplicate message %q", message.ID)
		}
		seen[message.ID] = true
		if i > 0 && messages[i-1].CreatedAt > message.CreatedAt {
			t.Fatalf("messages out of order at %d", i)
		}
	}
}

func TestNewRequiresTarget(t *testing.T) {
	if _, err := New(Options{Service: remotetest.New()}); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("expected ErrNoTarget, got %v", err)
	}
}

func TestAddMessageDedupesAndOrders(t *testing.T) {
	ts := newTestStream(t, Options{ConversationID: "c1"})
	rng := rand.New(rand.NewSource(42))

	unique := make(map[string]bool)
	for i := 0; i < 300; i++ {
		n := rng.Intn(40)
		id := fmt.Sprintf("m%d", n)
		unique[id] = true
		ts.stream.AddMessage(msg(id, "c1", int64(n*10)))
		assertOrdered(t, ts.stream.Messages())
	}
	if got := len(ts.stream.Messages()); got != len(unique) {
		t.Fatalf("expected %d unique messages, got %d", len(unique), got)
	}
}

func TestAddMessageIgnoresOtherConversationAndInvalid(t *testing.T) {
	ts := newTestStream(t, Options{ConversationID: "c1"})
	if ts.stream.AddMessage(msg("m1", "c2", 1)) {
		t.Fatalf("expected message for another conversation to be ignored")
	}
	if ts.stream.AddMessage(models.Message{ID: "m2", ConversationID: "c1"}) {
		t.Fatalf("expected message without content to be ignored")
	}
	if ts.stream.AddMessage(models.Message{ConversationID: "c1", Content: models.StringPtr("x")}) {
		t.Fatalf("expected message without id to be ignored")
	}
}

func TestLoadDiscoversConversationAndSubscribes(t *testing.T) {
	ts := newTestStream(t, Options{OtherUserID: "bob"})
	ts.fake.Messages["bob"] = []models.Message{msg("m2", "c1", 20), msg("m1", "", 10)}

	if ts.stream.Subscribed() {
		t.Fatalf("stream must not subscribe before the conversation id is known")
	}
	if err := ts.stream.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if ts.stream.ConversationID() != "c1" {
		t.Fatalf("expected discovered c1, got %q", ts.stream.ConversationID())
	}
	if n := ts.fake.OpenSubscriptions(remotetest.TopicNewMessage, "c1/self"); n != 1 {
		t.Fatalf("expected one live stream for c1/self, got %d", n)
	}

	ts.fake.EmitMessage("c1", "self", msg("m3", "c1", 30))
	ts.fake.EmitMessage("c1", "self", msg("m3", "c1", 30))
	got := ts.stream.Messages()
	if len(got) != 3 || got[0].ID != "m1" || got[2].ID != "m3" {
		t.Fatalf("unexpected history: %+v", got)
	}
}

func TestLoadDropsInvalidAndForeignSnapshotMessages(t *testing.T) {
	ts := newTestStream(t, Options{ConversationID: "c1"})
	ts.fake.Messages["c1"] = []models.Message{
		msg("m1", "c1", 10),
		{ID: "m2", ConversationID: "c1", CreatedAt: 20},
		msg("m3", "c2", 30),
	}

	if err := ts.stream.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	got := ts.stream.Messages()
	if len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("expected only m1, got %+v", got)
	}
	if ts.stream.ConversationID() != "c1" {
		t.Fatalf("expected c1, got %q", ts.stream.ConversationID())
	}
}

func TestLoadKeepsMessagesDeliveredBeforeFetchResolved(t *testing.T) {
	ts := newTestStream(t, Options{ConversationID: "c1"})
	if err := ts.stream.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ts.fake.EmitMessage("c1", "self", msg("m9", "c1", 90))
	ts.fake.Messages["c1"] = []models.Message{msg("m1", "c1", 10), msg("m9", "c1", 90)}

	if err := ts.stream.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	got := ts.stream.Messages()
	assertOrdered(t, got)
	if len(got) != 2 {
		t.Fatalf("expected m1 and m9 once each, got %+v", got)
	}
}

func TestSendToNewChatCreatesListEntryAndSubscribes(t *testing.T) {
	ts := newTestStream(t, Options{OtherUserID: "bob"})
	ts.fake.SendMessageFunc = func(input remote.SendMessageInput) (models.Message, error) {
		if input.OtherUserID != "bob" || input.ConversationID != "" {
			return models.Message{}, fmt.Errorf("unexpected first send input %+v", input)
		}
		return models.Message{
			ID:             "m1",
			ConversationID: "c-new",
			SenderID:       "self",
			Content:        input.Content,
			CreatedAt:      100,
			Conversation: &models.Conversation{
				ID:      "c-new",
				Members: []models.Member{{UserID: "self"}, {UserID: "bob", DisplayName: "Bob"}},
			},
		}, nil
	}

	sent, err := ts.stream.Send(context.Background(), Draft{Text: "  hello  "})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if sent.Text() != "hello" {
		t.Fatalf("expected trimmed content, got %q", sent.Text())
	}
	if ts.stream.ConversationID() != "c-new" {
		t.Fatalf("expected conversation id discovered from send")
	}
	entry, ok := ts.list.Get("c-new")
	if !ok || entry.DisplayName != "Bob" || entry.LastActivityAt != 100 {
		t.Fatalf("expected list entry derived from message, got %+v ok=%v", entry, ok)
	}
	if n := ts.fake.OpenSubscriptions(remotetest.TopicNewMessage, "c-new/self"); n != 1 {
		t.Fatalf("expected live stream after discovery, got %d", n)
	}
	if !ts.stream.Draft().Empty() {
		t.Fatalf("expected draft cleared after success")
	}

	// the echo from the live stream must not duplicate the sent message
	ts.fake.EmitMessage("c-new", "self", sent)
	if len(ts.stream.Messages()) != 1 {
		t.Fatalf("expected echo to be ignored")
	}

	ts.fake.SendMessageFunc = func(input remote.SendMessageInput) (models.Message, error) {
		if input.ConversationID != "c-new" {
			return models.Message{}, fmt.Errorf("expected conversation id on second send, got %+v", input)
		}
		return models.Message{ID: "m2", ConversationID: "c-new", Content: input.Content, CreatedAt: 200}, nil
	}
	if _, err := ts.stream.Send(context.Background(), Draft{Text: "again"}); err != nil {
		t.Fatalf("second Send failed: %v", err)
	}
	entry, _ = ts.list.Get("c-new")
	if entry.LastMessage == nil || entry.LastMessage.ID != "m2" {
		t.Fatalf("expected list entry touched by second send, got %+v", entry.LastMessage)
	}
	if len(ts.list.Conversations()) != 1 {
		t.Fatalf("expected a single list entry")
	}
}

func TestSendFailurePreservesDraft(t *testing.T) {
	ts := newTestStream(t, Options{ConversationID: "c1"})
	ts.fake.FailNext(remotetest.OpSendMessage, errors.New("timeout"))

	draft := Draft{Text: "keep me"}
	if _, err := ts.stream.Send(context.Background(), draft); !remote.IsTransport(err) {
		t.Fatalf("expected transport failure, got %v", err)
	}
	if ts.stream.Draft().Text != "keep me" {
		t.Fatalf("expected draft preserved, got %+v", ts.stream.Draft())
	}
	if len(ts.stream.Messages()) != 0 || len(ts.list.Conversations()) != 0 {
		t.Fatalf("failed send must not commit state")
	}
	if len(ts.errs) != 1 {
		t.Fatalf("expected error surfaced once, got %v", ts.errs)
	}
}

func TestSendRejectsEmptyResponse(t *testing.T) {
	ts := newTestStream(t, Options{ConversationID: "c1"})
	ts.fake.SendMessageFunc = func(remote.SendMessageInput) (models.Message, error) {
		return models.Message{}, nil
	}
	if _, err := ts.stream.Send(context.Background(), Draft{Text: "x"}); !remote.IsRejected(err) {
		t.Fatalf("expected rejection for empty response, got %v", err)
	}
}

func TestSendValidatesBeforeRemoteCall(t *testing.T) {
	ts := newTestStream(t, Options{ConversationID: "c1"})
	if _, err := ts.stream.Send(context.Background(), Draft{Text: "   "}); !errors.Is(err, ErrEmptyDraft) {
		t.Fatalf("expected ErrEmptyDraft, got %v", err)
	}
	if ts.fake.CallCount("") != 0 {
		t.Fatalf("validation must not reach the remote service")
	}
}

func TestSendWithImage(t *testing.T) {
	ts := newTestStream(t, Options{ConversationID: "c1"})
	ts.fake.SetUploadURL("cat.png", "https://cdn.test/cat")

	sent, err := ts.stream.Send(context.Background(), Draft{Image: &remote.File{Name: "cat.png", Data: []byte("png")}})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if sent.ImageRef == nil || *sent.ImageRef != "https://cdn.test/cat" || sent.Content != nil {
		t.Fatalf("unexpected image message: %+v", sent)
	}
}

func TestSendImageUploadFailureAborts(t *testing.T) {
	ts := newTestStream(t, Options{ConversationID: "c1"})
	ts.fake.FailNext(remotetest.OpUploadImage, errors.New("quota"))

	draft := Draft{Text: "look", Image: &remote.File{Name: "cat.png", Data: []byte("png")}}
	if _, err := ts.stream.Send(context.Background(), draft); err == nil {
		t.Fatalf("expected upload failure")
	}
	if ts.fake.CallCount(remotetest.OpSendMessage) != 0 {
		t.Fatalf("send must not be issued after a failed upload")
	}
	if ts.stream.Draft().Image == nil {
		t.Fatalf("expected draft image preserved")
	}
}

func TestUserChangeReopensStream(t *testing.T) {
	ts := newTestStream(t, Options{ConversationID: "c1"})
	if err := ts.stream.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ts.stream.SetUserID(context.Background(), "self-2")

	if got := ts.fake.SubscribedKeys(remotetest.TopicNewMessage); len(got) != 1 || got[0] != "c1/self-2" {
		t.Fatalf("expected only c1/self-2 open, got %v", got)
	}

	ts.stream.SetUserID(context.Background(), "")
	if n := ts.fake.OpenSubscriptions(remotetest.TopicNewMessage, ""); n != 0 {
		t.Fatalf("expected no stream without a user id, got %d", n)
	}
}

func TestCloseTearsDownStream(t *testing.T) {
	ts := newTestStream(t, Options{ConversationID: "c1"})
	if err := ts.stream.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ts.stream.Close()
	if n := ts.fake.OpenSubscriptions(remotetest.TopicNewMessage, ""); n != 0 {
		t.Fatalf("expected stream closed, got %d", n)
	}
	if _, err := ts.stream.Send(context.Background(), Draft{Text: "late"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestApplyEditReplacesNewerRevision(t *testing.T) {
	ts := newTestStream(t, Options{ConversationID: "c1"})
	original := msg("m1", "c1", 10)
	original.UpdatedAt = 10
	ts.stream.AddMessage(original)

	stale := original
	stale.Content = models.StringPtr("stale")
	if ts.stream.ApplyEdit(stale) {
		t.Fatalf("expected same revision to be ignored")
	}

	edited := original
	edited.Content = models.StringPtr("edited")
	edited.UpdatedAt = 20
	if !ts.stream.ApplyEdit(edited) {
		t.Fatalf("expected newer revision to apply")
	}
	got := ts.stream.Messages()[0]
	if got.Text() != "edited" || !got.IsEdited {
		t.Fatalf("unexpected edited message: %+v", got)
	}
}
