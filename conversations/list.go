// Package conversations keeps the local user's conversation list sorted by
// recency while merging the snapshot fetch with creation-style push events.
package conversations

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/sync/singleflight"

	"chatsync/metrics"
	"chatsync/models"
	"chatsync/remote"
	"chatsync/subscription"
)

const (
	component = "conversations"

	streamCreated = "conversation_created"
	streamAdded   = "user_added"
)

// ErrUserRequired indicates the local user id is missing.
var ErrUserRequired = errors.New("conversations: self user id is required")

// Options configures a List.
type Options struct {
	SelfUserID string
	Service    remote.ConversationService
	Metrics    *metrics.Metrics

	// OnChange receives a copy of the list after every mutation.
	OnChange func([]models.Conversation)
}

// List owns the conversation list. All mutations go through its merge rules.
type List struct {
	options Options

	loads singleflight.Group
	subs  *subscription.Registry[string]

	mu    sync.Mutex
	items []models.Conversation
	// loading counts in-flight snapshot fetches; pushed collects entries that
	// arrived meanwhile so the snapshot cannot drop them.
	loading int
	pushed  map[string]models.Conversation
	loaded  bool
}

// New creates an empty list.
func New(options Options) (*List, error) {
	if options.SelfUserID == "" {
		return nil, ErrUserRequired
	}
	return &List{
		options: options,
		subs:    subscription.New[string](component, options.Metrics.SubscriptionObserver(component)),
		pushed:  make(map[string]models.Conversation),
	}, nil
}

// Load fetches the snapshot and replaces the list with it. Concurrent calls
// share one fetch. Entries upserted while the fetch was in flight survive
// even when the snapshot predates them.
func (l *List) Load(ctx context.Context) error {
	if l.options.Service == nil {
		return errors.New("conversations: service is required")
	}
	_, err, _ := l.loads.Do("snapshot", func() (any, error) {
		l.mu.Lock()
		l.loading++
		l.mu.Unlock()

		snapshot, err := l.options.Service.FetchConversations(ctx)

		l.mu.Lock()
		l.loading--
		if err != nil {
			if l.loading == 0 {
				l.pushed = make(map[string]models.Conversation)
			}
			l.mu.Unlock()
			return nil, remote.Wrap("fetchConversations", err)
		}
		l.replaceLocked(snapshot)
		view := l.copyLocked()
		l.mu.Unlock()

		glog.V(1).Infof("[convlist]loaded %d conversations\n", len(view))
		l.changed(view)
		return nil, nil
	})
	return err
}

// Replace replaces the list with snapshot and applies the sort invariant.
func (l *List) Replace(snapshot []models.Conversation) {
	l.mu.Lock()
	l.replaceLocked(snapshot)
	view := l.copyLocked()
	l.mu.Unlock()
	l.changed(view)
}

// Upsert inserts or replaces conversation by id and re-sorts. It is used for
// locally derived entries whose content should win.
func (l *List) Upsert(conversation models.Conversation) {
	if conversation.ID == "" {
		return
	}
	conversation = Normalize(conversation, l.options.SelfUserID)

	l.mu.Lock()
	l.upsertLocked(conversation)
	l.trackPushedLocked(conversation)
	view := l.copyLocked()
	l.mu.Unlock()
	l.changed(view)
}

// UpsertIfAbsent inserts conversation only when no entry with its id exists.
// It reports whether the list changed.
func (l *List) UpsertIfAbsent(conversation models.Conversation) bool {
	if conversation.ID == "" {
		return false
	}
	conversation = Normalize(conversation, l.options.SelfUserID)

	l.mu.Lock()
	if l.indexLocked(conversation.ID) >= 0 {
		l.mu.Unlock()
		l.options.Metrics.DuplicateDropped(component)
		glog.V(2).Infof("[convlist]drop duplicate %s\n", conversation.ID)
		return false
	}
	l.upsertLocked(conversation)
	l.trackPushedLocked(conversation)
	view := l.copyLocked()
	l.mu.Unlock()

	l.changed(view)
	return true
}

// UpsertFromMessage adds an entry derived from message and its nested
// conversation payload when the conversation is not listed yet.
func (l *List) UpsertFromMessage(message models.Message) bool {
	conversation, ok := FromMessage(message, l.options.SelfUserID)
	if !ok {
		return false
	}
	return l.UpsertIfAbsent(conversation)
}

// Touch records message as the newest activity of its conversation when the
// conversation is listed and message is not older than its last activity.
func (l *List) Touch(message models.Message) bool {
	if message.ConversationID == "" {
		return false
	}

	l.mu.Lock()
	index := l.indexLocked(message.ConversationID)
	if index < 0 || message.CreatedAt < l.items[index].LastActivityAt {
		l.mu.Unlock()
		return false
	}
	if last := l.items[index].LastMessage; last != nil && last.ID == message.ID {
		l.mu.Unlock()
		return false
	}
	touched := normalize(l.items[index], &message, l.options.SelfUserID)
	l.items[index] = touched
	l.sortLocked()
	view := l.copyLocked()
	l.mu.Unlock()

	l.changed(view)
	return true
}

// Get returns the entry with id.
func (l *List) Get(id string) (models.Conversation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	index := l.indexLocked(id)
	if index < 0 {
		return models.Conversation{}, false
	}
	return l.items[index], true
}

// Has reports whether an entry with id exists.
func (l *List) Has(id string) bool {
	_, ok := l.Get(id)
	return ok
}

// Conversations returns a copy of the sorted list.
func (l *List) Conversations() []models.Conversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.copyLocked()
}

// Loaded reports whether a snapshot has been applied.
func (l *List) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}

// Start opens the conversation-created and user-added streams for the local
// user. Calling it again is a no-op while the streams are open.
func (l *List) Start(ctx context.Context) error {
	if l.options.Service == nil {
		return errors.New("conversations: service is required")
	}
	_, _, err := l.subs.Reconcile([]string{streamCreated, streamAdded}, func(stream string) (remote.Subscription, error) {
		switch stream {
		case streamCreated:
			return l.options.Service.SubscribeConversationCreated(ctx, l.options.SelfUserID, l.handleCreated)
		default:
			return l.options.Service.SubscribeUserAddedToConversation(ctx, l.options.SelfUserID, l.handleUserAdded)
		}
	})
	return err
}

// Close closes the push streams.
func (l *List) Close() {
	l.subs.CloseAll()
}

func (l *List) handleCreated(event models.ConversationCreated) {
	if l.UpsertIfAbsent(FromCreated(event, l.options.SelfUserID)) {
		glog.V(1).Infof("[convlist]created %s\n", event.Conversation.ID)
	}
}

func (l *List) handleUserAdded(event models.UserAddedToConversation) {
	if l.UpsertIfAbsent(FromUserAdded(event, l.options.SelfUserID)) {
		glog.V(1).Infof("[convlist]added to %s\n", event.Conversation.ID)
	}
}

func (l *List) replaceLocked(snapshot []models.Conversation) {
	items := make([]models.Conversation, 0, len(snapshot)+len(l.pushed))
	seen := make(map[string]bool, len(snapshot))
	for _, conversation := range snapshot {
		if conversation.ID == "" || seen[conversation.ID] {
			continue
		}
		seen[conversation.ID] = true
		items = append(items, Normalize(conversation, l.options.SelfUserID))
	}
	for id, conversation := range l.pushed {
		if !seen[id] {
			seen[id] = true
			items = append(items, conversation)
		}
	}
	if l.loading == 0 {
		l.pushed = make(map[string]models.Conversation)
	}
	l.items = items
	l.loaded = true
	l.sortLocked()
}

func (l *List) trackPushedLocked(conversation models.Conversation) {
	if l.loading > 0 {
		l.pushed[conversation.ID] = conversation
	}
}

func (l *List) upsertLocked(conversation models.Conversation) {
	if index := l.indexLocked(conversation.ID); index >= 0 {
		l.items[index] = conversation
	} else {
		l.items = append(l.items, conversation)
	}
	l.sortLocked()
}

func (l *List) indexLocked(id string) int {
	for i := range l.items {
		if l.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (l *List) sortLocked() {
	sort.SliceStable(l.items, func(i, j int) bool {
		if l.items[i].LastActivityAt == l.items[j].LastActivityAt {
			return l.items[i].ID < l.items[j].ID
		}
		return l.items[i].LastActivityAt > l.items[j].LastActivityAt
	})
}

func (l *List) copyLocked() []models.Conversation {
	return append([]models.Conversation(nil), l.items...)
}

func (l *List) changed(view []models.Conversation) {
	if l.options.OnChange != nil {
		l.options.OnChange(view)
	}
}
