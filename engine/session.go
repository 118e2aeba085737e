// Package engine composes the synchronizers for one signed-in user.
package engine

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"chatsync/comments"
	"chatsync/config"
	"chatsync/conversations"
	"chatsync/metrics"
	"chatsync/models"
	"chatsync/presence"
	"chatsync/reactions"
	"chatsync/remote"
	"chatsync/upload"
)

var (
	// ErrClosed indicates the session was closed.
	ErrClosed = errors.New("engine: session closed")
	// ErrUserRequired indicates the config carries no user id.
	ErrUserRequired = errors.New("engine: user id is required")
)

// Options configures a Session.
type Options struct {
	Config   *config.Config
	Service  remote.Service
	Uploader remote.Uploader
	Metrics  *metrics.Metrics

	// FlushReactionsOnClose commits outstanding reaction choices on Close
	// instead of dropping them.
	FlushReactionsOnClose bool

	OnConversations func([]models.Conversation)
	OnPresence      func(models.PresenceState)
	OnReaction      func(models.ReactionState)
	OnError         func(error)
}

// Session owns the conversation list, presence tracker and reaction engine of
// one user, plus the rooms and comment threads opened through it.
type Session struct {
	options Options
	cfg     config.Config

	conversations *conversations.List
	presence      *presence.Tracker
	reactions     *reactions.Engine

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	rooms    map[string]*Room
	threads  map[string]*comments.Thread
	tracking bool
	closed   bool
}

// New builds a session. It does not touch the network until Start.
func New(options Options) (*Session, error) {
	if options.Service == nil {
		return nil, errors.New("engine: service is required")
	}
	var cfg config.Config
	if options.Config != nil {
		cfg = *options.Config
	}
	if cfg.UserID == "" {
		return nil, ErrUserRequired
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		options: options,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		rooms:   make(map[string]*Room),
		threads: make(map[string]*comments.Thread),
	}

	list, err := conversations.New(conversations.Options{
		SelfUserID: cfg.UserID,
		Service:    options.Service,
		Metrics:    options.Metrics,
		OnChange:   s.conversationsChanged,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	tracker, err := presence.New(presence.Options{
		Service:  options.Service,
		Metrics:  options.Metrics,
		OnChange: options.OnPresence,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	engine, err := reactions.New(reactions.Options{
		Service:      options.Service,
		Debounce:     cfg.ReactionDebounce(),
		Metrics:      options.Metrics,
		FlushOnClose: options.FlushReactionsOnClose,
		OnChange:     options.OnReaction,
		OnError:      s.fail,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	s.conversations = list
	s.presence = tracker
	s.reactions = engine
	return s, nil
}

// Start opens the conversation push streams, loads the list snapshot and then
// tracks presence of every listed peer. From then on presence follows the
// list as conversations arrive.
func (s *Session) Start(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.conversations.Start(groupCtx)
	})
	group.Go(func() error {
		return s.conversations.Load(groupCtx)
	})
	if err := group.Wait(); err != nil {
		s.fail(err)
		return err
	}

	glog.V(1).Infof("[engine]session %s started with %d conversations\n", s.cfg.UserID, len(s.conversations.Conversations()))

	s.mu.Lock()
	s.tracking = true
	s.mu.Unlock()
	return s.trackPeers(ctx, s.conversations.Conversations())
}

// ConversationPeers returns the sorted non-self member ids of the listed
// conversations.
func (s *Session) ConversationPeers() []string {
	return s.peersOf(s.conversations.Conversations())
}

func (s *Session) peersOf(list []models.Conversation) []string {
	seen := make(map[string]bool)
	var peers []string
	for _, conversation := range list {
		for _, id := range conversation.MemberIDs() {
			if id == s.cfg.UserID || seen[id] {
				continue
			}
			seen[id] = true
			peers = append(peers, id)
		}
	}
	sort.Strings(peers)
	return peers
}

// Conversations returns the conversation list synchronizer.
func (s *Session) Conversations() *conversations.List {
	return s.conversations
}

// Presence returns the presence tracker.
func (s *Session) Presence() *presence.Tracker {
	return s.presence
}

// Reactions returns the reaction engine.
func (s *Session) Reactions() *reactions.Engine {
	return s.reactions
}

// Thread returns the comment thread of postID, loading its first page when
// it is opened for the first time.
func (s *Session) Thread(ctx context.Context, postID string, onChange func([]models.CommentNode)) (*comments.Thread, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if thread, ok := s.threads[postID]; ok {
		s.mu.Unlock()
		return thread, nil
	}
	thread, err := comments.NewThread(comments.ThreadOptions{
		PostID:   postID,
		PageSize: s.cfg.CommentPageSize,
		Service:  s.options.Service,
		Metrics:  s.options.Metrics,
		OnChange: onChange,
		OnError:  s.fail,
	})
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.threads[postID] = thread
	s.mu.Unlock()

	if err := thread.Load(ctx); err != nil {
		return thread, err
	}
	return thread, nil
}

// CloseThread forgets the thread of postID.
func (s *Session) CloseThread(postID string) {
	s.mu.Lock()
	delete(s.threads, postID)
	s.mu.Unlock()
}

// Upload stores several images in parallel. Files that fail are reported
// individually; the URLs of the others are returned in input order.
func (s *Session) Upload(ctx context.Context, files []remote.File, onProgress upload.BatchProgressFunc) ([]string, []upload.Failure) {
	return upload.Batch(ctx, s.options.Uploader, files, upload.DefaultParallelism, onProgress)
}

// Rooms returns the keys of the open rooms in sorted order.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.rooms))
	for key := range s.rooms {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Close tears down every room, thread and stream the session opened.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.tracking = false
	rooms := make([]*Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		rooms = append(rooms, room)
	}
	s.rooms = make(map[string]*Room)
	s.threads = make(map[string]*comments.Thread)
	s.mu.Unlock()

	for _, room := range rooms {
		room.close()
	}
	s.reactions.Close()
	s.presence.Close()
	s.conversations.Close()
	s.cancel()
	glog.V(1).Infof("[engine]session %s closed\n", s.cfg.UserID)
}

func (s *Session) conversationsChanged(view []models.Conversation) {
	if s.options.OnConversations != nil {
		s.options.OnConversations(view)
	}
	s.mu.Lock()
	tracking := s.tracking && !s.closed
	s.mu.Unlock()
	if tracking {
		s.trackPeers(s.ctx, view)
	}
}

// trackPeers points presence at the peers of view and seeds the ones with no
// state yet from the last seen times carried by the member payloads.
func (s *Session) trackPeers(ctx context.Context, view []models.Conversation) error {
	err := s.presence.Track(ctx, s.peersOf(view))
	for userID, lastSeenAt := range s.lastSeenOf(view) {
		if _, known := s.presence.State(userID); !known {
			s.presence.Seed(userID, lastSeenAt)
		}
	}
	if err != nil {
		s.fail(err)
		return err
	}
	return nil
}

func (s *Session) lastSeenOf(view []models.Conversation) map[string]*int64 {
	out := make(map[string]*int64)
	for _, conversation := range view {
		for _, member := range conversation.Members {
			if member.UserID == s.cfg.UserID || member.LastSeenAt == nil {
				continue
			}
			if current, ok := out[member.UserID]; !ok || *member.LastSeenAt > *current {
				out[member.UserID] = member.LastSeenAt
			}
		}
	}
	return out
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) removeRoom(key string, room *Room) {
	s.mu.Lock()
	if s.rooms[key] == room {
		delete(s.rooms, key)
	}
	s.mu.Unlock()
}

func (s *Session) fail(err error) {
	if err == nil {
		return
	}
	glog.Infof("[engine]%v\n", err)
	if s.options.OnError != nil {
		s.options.OnError(err)
	}
}
