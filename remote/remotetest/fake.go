// Package remotetest provides an in-memory remote.Service for tests.
package remotetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"chatsync/models"
	"chatsync/remote"
)

const (
	OpFetchConversations         = "fetchConversations"
	OpFetchMessages              = "fetchMessages"
	OpSendMessage                = "sendMessage"
	OpStartTyping                = "startTyping"
	OpStopTyping                 = "stopTyping"
	OpAddReaction                = "addReaction"
	OpRemoveReaction             = "removeReaction"
	OpFetchPostComments          = "fetchPostComments"
	OpCreateComment              = "createComment"
	OpUploadImage                = "uploadImage"
	TopicNewMessage              = "newMessage"
	TopicConversationCreated     = "conversationCreated"
	TopicUserAddedToConversation = "userAddedToConversation"
	TopicTypingStarted           = "typingStarted"
	TopicTypingStopped           = "typingStopped"
	TopicOnline                  = "online"
	TopicOffline                 = "offline"
)

// Call is one recorded request.
type Call struct {
	Op   string
	Args []string
}

type subscriber struct {
	id      int
	topic   string
	key     string
	handler any
}

// Fake records calls, returns canned data and lets tests push events.
type Fake struct {
	mu sync.Mutex

	Conversations []models.Conversation
	Messages      map[string][]models.Message
	CommentPages  map[string][]models.CommentPage

	// SendMessageFunc builds the response of SendMessage; nil echoes the input.
	SendMessageFunc func(remote.SendMessageInput) (models.Message, error)
	// CreateCommentFunc builds the response of CreateComment; nil echoes the input.
	CreateCommentFunc func(remote.CreateCommentInput) (models.CommentNode, error)
	// OnFetchConversations runs before FetchConversations returns its snapshot.
	OnFetchConversations func()

	calls    []Call
	failures map[string][]error
	sticky   map[string]error
	subs     map[int]*subscriber
	nextSub  int
	nextID   int
	uploads  map[string]string
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		Messages:     make(map[string][]models.Message),
		CommentPages: make(map[string][]models.CommentPage),
		failures:     make(map[string][]error),
		sticky:       make(map[string]error),
		subs:         make(map[int]*subscriber),
		uploads:      make(map[string]string),
	}
}

// FailNext makes the next call of op return err.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

// FailAlways makes every call of op return err until cleared with a nil err.
func (f *Fake) FailAlways(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.sticky, op)
		return
	}
	f.sticky[op] = err
}

// FailNextSubscribe makes the next subscription on topic fail with err.
func (f *Fake) FailNextSubscribe(topic string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures["subscribe:"+topic] = append(f.failures["subscribe:"+topic], err)
}

// SetUploadURL fixes the URL returned for an uploaded file name.
func (f *Fake) SetUploadURL(name, url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[name] = url
}

// Calls returns recorded calls, optionally filtered by op.
func (f *Fake) Calls(op string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, 0, len(f.calls))
	for _, call := range f.calls {
		if op == "" || call.Op == op {
			out = append(out, call)
		}
	}
	return out
}

// CallCount returns how many times op was called.
func (f *Fake) CallCount(op string) int {
	return len(f.Calls(op))
}

// OpenSubscriptions returns how many streams of topic are open. An empty key
// counts every key of the topic.
func (f *Fake) OpenSubscriptions(topic, key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, sub := range f.subs {
		if sub.topic == topic && (key == "" || sub.key == key) {
			count++
		}
	}
	return count
}

// SubscribedKeys returns the sorted keys with an open stream on topic.
func (f *Fake) SubscribedKeys(topic string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0)
	for _, sub := range f.subs {
		if sub.topic == topic {
			keys = append(keys, sub.key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (f *Fake) record(op string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: op, Args: args})
	if queued := f.failures[op]; len(queued) > 0 {
		f.failures[op] = queued[1:]
		return queued[0]
	}
	if err, ok := f.sticky[op]; ok {
		return err
	}
	return nil
}

func (f *Fake) subscribe(topic, key string, handler any) remote.Subscription {
	f.mu.Lock()
	f.nextSub++
	id := f.nextSub
	f.subs[id] = &subscriber{id: id, topic: topic, key: key, handler: handler}
	f.mu.Unlock()

	var once sync.Once
	return remote.SubscriptionFunc(func() error {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
		return nil
	})
}

func (f *Fake) handlers(topic, key string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int, 0)
	for id, sub := range f.subs {
		if sub.topic == topic && sub.key == key {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.subs[id].handler)
	}
	return out
}

func (f *Fake) newID(prefix string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

// FetchConversations returns a copy of Conversations.
func (f *Fake) FetchConversations(ctx context.Context) ([]models.Conversation, error) {
	if err := f.record(OpFetchConversations); err != nil {
		return nil, err
	}
	f.mu.Lock()
	snapshot := append([]models.Conversation(nil), f.Conversations...)
	hook := f.OnFetchConversations
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return snapshot, nil
}

// SetConversations replaces the canned conversation snapshot.
func (f *Fake) SetConversations(conversations []models.Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Conversations = append([]models.Conversation(nil), conversations...)
}

// FetchMessages returns Messages[otherUserOrConversationID] truncated to limit.
func (f *Fake) FetchMessages(ctx context.Context, otherUserOrConversationID string, limit int) ([]models.Message, error) {
	if err := f.record(OpFetchMessages, otherUserOrConversationID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	messages := append([]models.Message(nil), f.Messages[otherUserOrConversationID]...)
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

// SendMessage records the call and returns SendMessageFunc's result.
func (f *Fake) SendMessage(ctx context.Context, input remote.SendMessageInput) (models.Message, error) {
	target := input.ConversationID
	if target == "" {
		target = input.OtherUserID
	}
	if err := f.record(OpSendMessage, target); err != nil {
		return models.Message{}, err
	}
	f.mu.Lock()
	build := f.SendMessageFunc
	f.mu.Unlock()
	if build != nil {
		return build(input)
	}
	conversationID := input.ConversationID
	if conversationID == "" {
		conversationID = "conv-" + input.OtherUserID
	}
	return models.Message{
		ID:             f.newID("msg"),
		ConversationID: conversationID,
		Content:        input.Content,
		ImageRef:       input.ImageRef,
	}, nil
}

// SubscribeNewMessage opens a stream keyed by conversation id and user id.
func (f *Fake) SubscribeNewMessage(ctx context.Context, filter remote.NewMessageFilter, handle func(models.Message)) (remote.Subscription, error) {
	return f.subscribe(TopicNewMessage, filter.ConversationID+"/"+filter.UserID, handle), nil
}

// EmitMessage delivers message to streams opened for conversationID and userID.
func (f *Fake) EmitMessage(conversationID, userID string, message models.Message) int {
	handlers := f.handlers(TopicNewMessage, conversationID+"/"+userID)
	for _, handler := range handlers {
		handler.(func(models.Message))(message)
	}
	return len(handlers)
}

// SubscribeConversationCreated opens a stream keyed by user id.
func (f *Fake) SubscribeConversationCreated(ctx context.Context, userID string, handle func(models.ConversationCreated)) (remote.Subscription, error) {
	return f.subscribe(TopicConversationCreated, userID, handle), nil
}

// EmitConversationCreated delivers event to userID's stream.
func (f *Fake) EmitConversationCreated(userID string, event models.ConversationCreated) int {
	handlers := f.handlers(TopicConversationCreated, userID)
	for _, handler := range handlers {
		handler.(func(models.ConversationCreated))(event)
	}
	return len(handlers)
}

// SubscribeUserAddedToConversation opens a stream keyed by user id.
func (f *Fake) SubscribeUserAddedToConversation(ctx context.Context, userID string, handle func(models.UserAddedToConversation)) (remote.Subscription, error) {
	return f.subscribe(TopicUserAddedToConversation, userID, handle), nil
}

// EmitUserAdded delivers event to userID's stream.
func (f *Fake) EmitUserAdded(userID string, event models.UserAddedToConversation) int {
	handlers := f.handlers(TopicUserAddedToConversation, userID)
	for _, handler := range handlers {
		handler.(func(models.UserAddedToConversation))(event)
	}
	return len(handlers)
}

// StartTyping records the call.
func (f *Fake) StartTyping(ctx context.Context, conversationID string) error {
	return f.record(OpStartTyping, conversationID)
}

// StopTyping records the call.
func (f *Fake) StopTyping(ctx context.Context, conversationID string) error {
	return f.record(OpStopTyping, conversationID)
}

// SubscribeTypingStarted opens a stream keyed by conversation id.
func (f *Fake) SubscribeTypingStarted(ctx context.Context, filter remote.TypingFilter, handle func(models.TypingSignal)) (remote.Subscription, error) {
	return f.subscribe(TopicTypingStarted, filter.ConversationID, handle), nil
}

// SubscribeTypingStopped opens a stream keyed by conversation id.
func (f *Fake) SubscribeTypingStopped(ctx context.Context, filter remote.TypingFilter, handle func(models.TypingSignal)) (remote.Subscription, error) {
	return f.subscribe(TopicTypingStopped, filter.ConversationID, handle), nil
}

// EmitTyping delivers signal on the started or stopped stream of its conversation.
func (f *Fake) EmitTyping(started bool, signal models.TypingSignal) int {
	topic := TopicTypingStopped
	if started {
		topic = TopicTypingStarted
	}
	handlers := f.handlers(topic, signal.ConversationID)
	for _, handler := range handlers {
		handler.(func(models.TypingSignal))(signal)
	}
	return len(handlers)
}

// SubscribeOnline opens a stream keyed by user id.
func (f *Fake) SubscribeOnline(ctx context.Context, userID string, handle func(models.PresenceEvent)) (remote.Subscription, error) {
	if err := f.subscribeError(TopicOnline); err != nil {
		return nil, err
	}
	return f.subscribe(TopicOnline, userID, handle), nil
}

// SubscribeOffline opens a stream keyed by user id.
func (f *Fake) SubscribeOffline(ctx context.Context, userID string, handle func(models.PresenceEvent)) (remote.Subscription, error) {
	if err := f.subscribeError(TopicOffline); err != nil {
		return nil, err
	}
	return f.subscribe(TopicOffline, userID, handle), nil
}

func (f *Fake) subscribeError(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if queued := f.failures["subscribe:"+topic]; len(queued) > 0 {
		f.failures["subscribe:"+topic] = queued[1:]
		return queued[0]
	}
	return nil
}

// EmitPresence delivers event on the online or offline stream of event.UserID.
func (f *Fake) EmitPresence(online bool, event models.PresenceEvent) int {
	topic := TopicOffline
	if online {
		topic = TopicOnline
	}
	handlers := f.handlers(topic, event.UserID)
	for _, handler := range handlers {
		handler.(func(models.PresenceEvent))(event)
	}
	return len(handlers)
}

// AddReaction records the call.
func (f *Fake) AddReaction(ctx context.Context, postID string, reaction models.ReactionType) error {
	return f.record(OpAddReaction, postID, string(reaction))
}

// RemoveReaction records the call.
func (f *Fake) RemoveReaction(ctx context.Context, postID string) error {
	return f.record(OpRemoveReaction, postID)
}

// FetchPostComments serves CommentPages[postID] by cursor. Cursor "" is page
// 0, and page i advertises cursor "<postID>:<i+1>".
func (f *Fake) FetchPostComments(ctx context.Context, query remote.CommentsQuery) (models.CommentPage, error) {
	if err := f.record(OpFetchPostComments, query.PostID, query.Cursor); err != nil {
		return models.CommentPage{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pages := f.CommentPages[query.PostID]
	index := 0
	if query.Cursor != "" {
		if _, err := fmt.Sscanf(strings.TrimPrefix(query.Cursor, query.PostID+":"), "%d", &index); err != nil {
			return models.CommentPage{}, remote.Rejected(OpFetchPostComments, errors.New("bad cursor"))
		}
	}
	if index >= len(pages) {
		return models.CommentPage{}, nil
	}
	page := pages[index]
	page.HasMore = index+1 < len(pages)
	page.NextCursor = ""
	if page.HasMore {
		page.NextCursor = fmt.Sprintf("%s:%d", query.PostID, index+1)
	}
	return page, nil
}

// CreateComment records the call and returns CreateCommentFunc's result.
func (f *Fake) CreateComment(ctx context.Context, input remote.CreateCommentInput) (models.CommentNode, error) {
	if err := f.record(OpCreateComment, input.PostID, input.ParentID); err != nil {
		return models.CommentNode{}, err
	}
	f.mu.Lock()
	build := f.CreateCommentFunc
	f.mu.Unlock()
	if build != nil {
		return build(input)
	}
	return models.CommentNode{
		ID:       f.newID("comment"),
		PostID:   input.PostID,
		Content:  input.Content,
		ParentID: input.ParentID,
	}, nil
}

// UploadImage implements remote.Uploader.
func (f *Fake) UploadImage(ctx context.Context, file remote.File, onProgress remote.ProgressFunc) (string, error) {
	if err := f.record(OpUploadImage, file.Name); err != nil {
		return "", err
	}
	if onProgress != nil {
		onProgress(int64(len(file.Data)), int64(len(file.Data)))
	}
	f.mu.Lock()
	url, ok := f.uploads[file.Name]
	f.mu.Unlock()
	if !ok {
		url = "https://cdn.test/" + file.Name
	}
	return url, nil
}

var (
	_ remote.Service  = (*Fake)(nil)
	_ remote.Uploader = (*Fake)(nil)
)
