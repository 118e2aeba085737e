// Package messages owns one conversation's message history and merges the
// snapshot fetch, the live message stream and local sends into it.
package messages

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/sync/singleflight"

	"chatsync/metrics"
	"chatsync/models"
	"chatsync/remote"
	"chatsync/subscription"
	"chatsync/upload"
)

const (
	component = "messages"

	// DefaultFetchLimit is the snapshot size when none is configured.
	DefaultFetchLimit = 50
)

var (
	// ErrEmptyDraft indicates a send without text or image.
	ErrEmptyDraft = errors.New("messages: draft has no text or image")
	// ErrNoTarget indicates neither a conversation id nor another party is known.
	ErrNoTarget = errors.New("messages: conversation id or other user id is required")
	// ErrClosed indicates the stream was torn down.
	ErrClosed = errors.New("messages: stream closed")
)

// ConversationSink is the part of the conversation list a stream feeds.
type ConversationSink interface {
	Has(id string) bool
	UpsertFromMessage(message models.Message) bool
	Touch(message models.Message) bool
}

// Draft is the local composer input.
type Draft struct {
	Text  string
	Image *remote.File
}

// Empty reports whether the draft has nothing to send.
func (d Draft) Empty() bool {
	return strings.TrimSpace(d.Text) == "" && (d.Image == nil || len(d.Image.Data) == 0)
}

// Options configures a Stream. Either ConversationID or OtherUserID is required.
type Options struct {
	SelfUserID     string
	ConversationID string
	OtherUserID    string
	FetchLimit     int

	Service       remote.MessageService
	Uploader      remote.Uploader
	Conversations ConversationSink
	Metrics       *metrics.Metrics

	OnChange         func([]models.Message)
	OnError          func(error)
	OnUploadProgress remote.ProgressFunc
}

// Stream is the message history of one conversation.
type Stream struct {
	options Options

	loads singleflight.Group
	subs  *subscription.Registry[string]

	mu             sync.Mutex
	messages       []models.Message
	ids            map[string]bool
	conversationID string
	userID         string
	draft          Draft
	closed         bool
}

// New creates a stream. It does not fetch or subscribe.
func New(options Options) (*Stream, error) {
	if options.ConversationID == "" && options.OtherUserID == "" {
		return nil, ErrNoTarget
	}
	if options.Service == nil {
		return nil, errors.New("messages: service is required")
	}
	if options.FetchLimit <= 0 {
		options.FetchLimit = DefaultFetchLimit
	}
	return &Stream{
		options:        options,
		subs:           subscription.New[string](component, options.Metrics.SubscriptionObserver(component)),
		ids:            make(map[string]bool),
		conversationID: options.ConversationID,
		userID:         options.SelfUserID,
	}, nil
}

// Load fetches the history and merges it into the in-memory list. Messages
// already delivered by the live stream or a send are kept.
func (s *Stream) Load(ctx context.Context) error {
	target := s.target()
	_, err, _ := s.loads.Do(target, func() (any, error) {
		snapshot, err := s.options.Service.FetchMessages(ctx, target, s.options.FetchLimit)
		if err != nil {
			return nil, remote.Wrap("fetchMessages", err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		merged := make([]models.Message, 0, len(snapshot)+len(s.messages))
		ids := make(map[string]bool, len(snapshot)+len(s.messages))
		pinned := s.conversationID
		for _, message := range snapshot {
			if message.ID == "" || ids[message.ID] {
				continue
			}
			if err := message.Validate(); err != nil {
				glog.V(2).Infof("[msgsync]drop invalid %s: %v\n", message.ID, err)
				continue
			}
			if message.ConversationID != "" {
				if pinned == "" {
					pinned = message.ConversationID
				} else if message.ConversationID != pinned {
					continue
				}
			}
			message.Conversation = nil
			ids[message.ID] = true
			merged = append(merged, message)
		}
		for _, message := range s.messages {
			if !ids[message.ID] {
				ids[message.ID] = true
				merged = append(merged, message)
			}
		}
		sortMessages(merged)
		s.messages = merged
		s.ids = ids
		discovered := false
		if s.conversationID == "" {
			for _, message := range merged {
				if message.ConversationID != "" {
					s.conversationID = message.ConversationID
					discovered = true
					break
				}
			}
		}
		view := s.copyLocked()
		s.mu.Unlock()

		glog.V(1).Infof("[msgsync]loaded %d messages for %s\n", len(view), target)
		s.changed(view)
		if discovered {
			s.resubscribe(ctx)
		}
		return nil, nil
	})
	return err
}

// AddMessage appends message unless its id is already present. It reports
// whether the list changed.
func (s *Stream) AddMessage(message models.Message) bool {
	return s.add(context.Background(), message)
}

// ApplyEdit replaces an existing message with a newer revision.
func (s *Stream) ApplyEdit(message models.Message) bool {
	s.mu.Lock()
	index := s.indexLocked(message.ID)
	if index < 0 || message.UpdatedAt <= s.messages[index].UpdatedAt {
		s.mu.Unlock()
		return false
	}
	message.IsEdited = true
	message.Conversation = nil
	s.messages[index] = message
	sortMessages(s.messages)
	view := s.copyLocked()
	s.mu.Unlock()

	s.changed(view)
	return true
}

// SetDraft records the composer input.
func (s *Stream) SetDraft(draft Draft) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft = draft
}

// Draft returns the composer input. A failed send leaves it untouched.
func (s *Stream) Draft() Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// Send uploads the draft image if any, creates the message remotely and
// appends the confirmed message. On failure nothing is committed and the
// draft stays in place for a retry.
func (s *Stream) Send(ctx context.Context, draft Draft) (models.Message, error) {
	if draft.Empty() {
		return models.Message{}, ErrEmptyDraft
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.Message{}, ErrClosed
	}
	s.draft = draft
	s.mu.Unlock()

	input := remote.SendMessageInput{Content: models.StringPtr(strings.TrimSpace(draft.Text))}
	if draft.Image != nil && len(draft.Image.Data) > 0 {
		url, err := upload.Required(ctx, s.options.Uploader, *draft.Image, s.options.OnUploadProgress)
		if err != nil {
			s.fail(err)
			return models.Message{}, err
		}
		input.ImageRef = models.StringPtr(url)
	}

	if conversationID := s.ConversationID(); conversationID != "" {
		input.ConversationID = conversationID
	} else {
		input.OtherUserID = s.options.OtherUserID
	}

	message, err := s.options.Service.SendMessage(ctx, input)
	if err == nil && message.ID == "" {
		err = remote.ErrNoData
	}
	if err != nil {
		err = remote.Wrap("sendMessage", err)
		s.fail(err)
		return models.Message{}, err
	}
	if message.ConversationID == "" {
		message.ConversationID = input.ConversationID
	}

	s.mu.Lock()
	s.draft = Draft{}
	s.mu.Unlock()

	s.add(ctx, message)
	glog.V(1).Infof("[msgsync]sent %s to %s\n", message.ID, message.ConversationID)
	return message, nil
}

// SetUserID changes the local user id and reopens the live stream for it.
func (s *Stream) SetUserID(ctx context.Context, userID string) {
	s.mu.Lock()
	if s.userID == userID {
		s.mu.Unlock()
		return
	}
	s.userID = userID
	s.mu.Unlock()
	s.resubscribe(ctx)
}

// Start opens the live message stream once both the conversation id and the
// local user id are known. Until then it is a no-op.
func (s *Stream) Start(ctx context.Context) error {
	return s.resubscribe(ctx)
}

// Messages returns a copy of the history in ascending createdAt order.
func (s *Stream) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

// ConversationID returns the conversation id, or "" while undiscovered.
func (s *Stream) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Subscribed reports whether the live stream is open.
func (s *Stream) Subscribed() bool {
	return s.subs.Len() > 0
}

// Close closes the live stream. Later sends fail with ErrClosed.
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.subs.CloseAll()
}

func (s *Stream) add(ctx context.Context, message models.Message) bool {
	if message.ID == "" {
		return false
	}
	if err := message.Validate(); err != nil {
		glog.V(2).Infof("[msgsync]drop invalid %s: %v\n", message.ID, err)
		return false
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.conversationID != "" && message.ConversationID != "" && message.ConversationID != s.conversationID {
		s.mu.Unlock()
		return false
	}
	if s.ids[message.ID] {
		s.mu.Unlock()
		s.options.Metrics.DuplicateDropped(component)
		glog.V(2).Infof("[msgsync]drop duplicate %s\n", message.ID)
		return false
	}

	nested := message
	message.Conversation = nil
	s.ids[message.ID] = true
	index := sort.Search(len(s.messages), func(i int) bool {
		return lessMessage(message, s.messages[i])
	})
	s.messages = append(s.messages, models.Message{})
	copy(s.messages[index+1:], s.messages[index:])
	s.messages[index] = message

	discovered := false
	if s.conversationID == "" && message.ConversationID != "" {
		s.conversationID = message.ConversationID
		discovered = true
	}
	view := s.copyLocked()
	s.mu.Unlock()

	s.changed(view)
	s.forward(nested)
	if discovered {
		glog.V(1).Infof("[msgsync]discovered conversation %s\n", message.ConversationID)
		s.resubscribe(ctx)
	}
	return true
}

func (s *Stream) forward(message models.Message) {
	sink := s.options.Conversations
	if sink == nil || message.ConversationID == "" {
		return
	}
	if !sink.Has(message.ConversationID) {
		sink.UpsertFromMessage(message)
		return
	}
	sink.Touch(message)
}

func (s *Stream) resubscribe(ctx context.Context) error {
	s.mu.Lock()
	conversationID, userID, closed := s.conversationID, s.userID, s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	var desired []string
	if conversationID != "" && userID != "" {
		desired = []string{conversationID + "/" + userID}
	}
	_, _, err := s.subs.Reconcile(desired, func(string) (remote.Subscription, error) {
		return s.options.Service.SubscribeNewMessage(ctx, remote.NewMessageFilter{
			ConversationID: conversationID,
			UserID:         userID,
		}, func(message models.Message) {
			s.add(context.Background(), message)
		})
	})
	if err != nil {
		s.fail(err)
	}
	return err
}

func (s *Stream) target() string {
	if conversationID := s.ConversationID(); conversationID != "" {
		return conversationID
	}
	return s.options.OtherUserID
}

func (s *Stream) indexLocked(id string) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Stream) copyLocked() []models.Message {
	return append([]models.Message(nil), s.messages...)
}

func (s *Stream) changed(view []models.Message) {
	if s.options.OnChange != nil {
		s.options.OnChange(view)
	}
}

func (s *Stream) fail(err error) {
	glog.Infof("[msgsync]%v\n", err)
	if s.options.OnError != nil {
		s.options.OnError(err)
	}
}

func lessMessage(a, b models.Message) bool {
	if a.CreatedAt == b.CreatedAt {
		return a.ID < b.ID
	}
	return a.CreatedAt < b.CreatedAt
}

func sortMessages(messages []models.Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return lessMessage(messages[i], messages[j])
	})
}
