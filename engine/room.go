package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"

	"chatsync/messages"
	"chatsync/models"
	"chatsync/typing"
)

// ErrNoConversation indicates a typing call before the room's conversation exists.
var ErrNoConversation = errors.New("engine: conversation not created yet")

// RoomOptions selects the conversation of a Room. Either ConversationID or
// OtherUserID is required.
type RoomOptions struct {
	ConversationID string
	OtherUserID    string

	OnMessages func([]models.Message)
	OnTyping   func(userIDs []string)
}

// Room is one open conversation view: its message stream plus, once the
// conversation exists, its typing coordinator.
type Room struct {
	session *Session
	key     string
	options RoomOptions
	stream  *messages.Stream

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	typing *typing.Coordinator
	closed bool
}

// OpenRoom returns the room for the given conversation, creating it, loading
// its history and opening its live streams on first use.
func (s *Session) OpenRoom(ctx context.Context, options RoomOptions) (*Room, error) {
	if options.ConversationID == "" && options.OtherUserID == "" {
		return nil, messages.ErrNoTarget
	}
	key := roomKey(options)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if room, ok := s.rooms[key]; ok {
		s.mu.Unlock()
		return room, nil
	}

	roomCtx, cancel := context.WithCancel(s.ctx)
	room := &Room{
		session: s,
		key:     key,
		options: options,
		ctx:     roomCtx,
		cancel:  cancel,
	}
	stream, err := messages.New(messages.Options{
		SelfUserID:     s.cfg.UserID,
		ConversationID: options.ConversationID,
		OtherUserID:    options.OtherUserID,
		FetchLimit:     s.cfg.MessageFetchLimit,
		Service:        s.options.Service,
		Uploader:       s.options.Uploader,
		Conversations:  s.conversations,
		Metrics:        s.options.Metrics,
		OnChange:       room.messagesChanged,
		OnError:        s.fail,
	})
	if err != nil {
		s.mu.Unlock()
		cancel()
		return nil, err
	}
	room.stream = stream
	s.rooms[key] = room
	s.mu.Unlock()

	if err := stream.Load(ctx); err != nil {
		return room, err
	}
	if err := stream.Start(ctx); err != nil {
		return room, err
	}
	if err := room.ensureTyping(); err != nil {
		return room, err
	}
	glog.V(1).Infof("[engine]room %s open\n", key)
	return room, nil
}

// Key identifies the room within its session.
func (r *Room) Key() string {
	return r.key
}

// ConversationID returns the conversation id, or "" before the first message.
func (r *Room) ConversationID() string {
	return r.stream.ConversationID()
}

// Messages returns the message history in ascending createdAt order.
func (r *Room) Messages() []models.Message {
	return r.stream.Messages()
}

// Stream returns the underlying message stream.
func (r *Room) Stream() *messages.Stream {
	return r.stream
}

// Send ends the local typing burst and sends draft.
func (r *Room) Send(ctx context.Context, draft messages.Draft) (models.Message, error) {
	if coordinator := r.coordinator(); coordinator != nil && coordinator.LocalTyping() {
		if err := coordinator.StopTyping(ctx); err != nil {
			glog.V(1).Infof("[engine]stop typing before send: %v\n", err)
		}
	}
	return r.stream.Send(ctx, draft)
}

// NotifyTyping reports a local keystroke.
func (r *Room) NotifyTyping(ctx context.Context) error {
	coordinator := r.coordinator()
	if coordinator == nil {
		return ErrNoConversation
	}
	return coordinator.NotifyTyping(ctx)
}

// TypingUsers returns the remote users currently typing in the room.
func (r *Room) TypingUsers() []string {
	coordinator := r.coordinator()
	if coordinator == nil {
		return nil
	}
	return coordinator.TypingUsers()
}

// Close closes the room's streams and cancels its typing timers.
func (r *Room) Close() {
	r.session.removeRoom(r.key, r)
	r.close()
}

func (r *Room) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	coordinator := r.typing
	r.mu.Unlock()

	if coordinator != nil {
		coordinator.Close()
	}
	r.stream.Close()
	r.cancel()
	glog.V(1).Infof("[engine]room %s closed\n", r.key)
}

func (r *Room) coordinator() *typing.Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typing
}

func (r *Room) messagesChanged(view []models.Message) {
	if r.options.OnMessages != nil {
		r.options.OnMessages(view)
	}
	if err := r.ensureTyping(); err != nil {
		r.session.fail(err)
	}
}

// ensureTyping creates and starts the typing coordinator once the
// conversation id is known.
func (r *Room) ensureTyping() error {
	conversationID := r.stream.ConversationID()
	if conversationID == "" {
		return nil
	}

	r.mu.Lock()
	if r.closed || r.typing != nil {
		r.mu.Unlock()
		return nil
	}
	cfg := r.session.cfg
	coordinator, err := typing.New(typing.Options{
		SelfUserID:     cfg.UserID,
		ConversationID: conversationID,
		Service:        r.session.options.Service,
		Timeout:        cfg.TypingTimeout(),
		RemoteTTL:      cfg.RemoteTypingTTL(),
		Metrics:        r.session.options.Metrics,
		OnChange:       r.options.OnTyping,
		OnError:        r.session.fail,
	})
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.typing = coordinator
	r.mu.Unlock()

	return coordinator.Start(r.ctx)
}

func roomKey(options RoomOptions) string {
	if options.ConversationID != "" {
		return options.ConversationID
	}
	return "user:" + options.OtherUserID
}
