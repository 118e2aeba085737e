// Package presence tracks the online status of a changing set of users,
// holding one online stream and one offline stream per tracked user.
package presence

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"

	"chatsync/metrics"
	"chatsync/models"
	"chatsync/remote"
	"chatsync/subscription"
)

const component = "presence"

// ErrClosed is returned by Track after Close.
var ErrClosed = errors.New("presence: tracker closed")

// Options configures a Tracker.
type Options struct {
	Service remote.PresenceService
	Metrics *metrics.Metrics

	// OnChange receives the new state of a user after every transition.
	OnChange func(state models.PresenceState)
}

type entry struct {
	state models.PresenceState
	// live is set once an online or offline event arrived.
	live bool
}

// Tracker holds the presence map of the tracked users.
type Tracker struct {
	options Options
	subs    *subscription.Registry[string]

	mu      sync.Mutex
	tracked map[string]bool
	entries map[string]*entry
	closed  bool
}

// New creates a tracker with an empty tracked set.
func New(options Options) (*Tracker, error) {
	if options.Service == nil {
		return nil, errors.New("presence: service is required")
	}
	return &Tracker{
		options: options,
		subs:    subscription.New[string](component, options.Metrics.SubscriptionObserver(component)),
		tracked: make(map[string]bool),
		entries: make(map[string]*entry),
	}, nil
}

// Track makes userIDs the tracked set. Users new to the set get a stream
// pair, users gone from it lose theirs along with their entry. Calling Track
// again with the same set opens nothing.
func (t *Tracker) Track(ctx context.Context, userIDs []string) error {
	desired := make([]string, 0, len(userIDs))
	seen := make(map[string]bool, len(userIDs))
	for _, userID := range userIDs {
		if userID == "" || seen[userID] {
			continue
		}
		seen[userID] = true
		desired = append(desired, userID)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.tracked = seen
	t.mu.Unlock()

	opened, closed, err := t.subs.Reconcile(desired, func(userID string) (remote.Subscription, error) {
		return t.open(ctx, userID)
	})

	t.mu.Lock()
	for userID := range t.entries {
		if !t.tracked[userID] {
			delete(t.entries, userID)
		}
	}
	t.mu.Unlock()

	if len(opened) > 0 || len(closed) > 0 {
		glog.V(1).Infof("[presence]track %d users: +%d -%d\n", len(desired), len(opened), len(closed))
	}
	if err != nil {
		glog.Warningf("[presence]track: %v", err)
	}
	return err
}

func (t *Tracker) open(ctx context.Context, userID string) (remote.Subscription, error) {
	online, err := t.options.Service.SubscribeOnline(ctx, userID, t.HandleOnline)
	if err != nil {
		return nil, remote.Wrap("subscribeOnline", err)
	}
	offline, err := t.options.Service.SubscribeOffline(ctx, userID, t.HandleOffline)
	if err != nil {
		_ = online.Close()
		return nil, remote.Wrap("subscribeOffline", err)
	}
	return subscription.Join(online, offline), nil
}

// HandleOnline marks the user online and clears its last seen time.
func (t *Tracker) HandleOnline(event models.PresenceEvent) {
	t.apply(models.PresenceState{UserID: event.UserID, IsOnline: true})
}

// HandleOffline marks the user offline as of the event's last seen time.
func (t *Tracker) HandleOffline(event models.PresenceEvent) {
	t.apply(models.PresenceState{UserID: event.UserID, IsOnline: false, LastSeenAt: copyTime(event.LastSeenAt)})
}

func (t *Tracker) apply(state models.PresenceState) {
	t.mu.Lock()
	if t.closed || !t.tracked[state.UserID] {
		// late delivery on a stream that was already closed
		t.mu.Unlock()
		return
	}
	t.entries[state.UserID] = &entry{state: state, live: true}
	t.mu.Unlock()

	glog.V(2).Infof("[presence]%s online=%t\n", state.UserID, state.IsOnline)
	t.changed(state)
}

// Seed records a best-known last seen time from snapshot data. It only
// fills tracked users that have not received a live event yet.
func (t *Tracker) Seed(userID string, lastSeenAt *int64) bool {
	if userID == "" {
		return false
	}
	t.mu.Lock()
	if t.closed || !t.tracked[userID] {
		t.mu.Unlock()
		return false
	}
	if current, ok := t.entries[userID]; ok && current.live {
		t.mu.Unlock()
		return false
	}
	state := models.PresenceState{UserID: userID, LastSeenAt: copyTime(lastSeenAt)}
	t.entries[userID] = &entry{state: state}
	t.mu.Unlock()

	t.changed(state)
	return true
}

// State returns the known state of userID.
func (t *Tracker) State(userID string) (models.PresenceState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	current, ok := t.entries[userID]
	if !ok {
		return models.PresenceState{}, false
	}
	return cloneState(current.state), true
}

// Snapshot returns the known state of every user.
func (t *Tracker) Snapshot() map[string]models.PresenceState {
	t.mu.Lock()
	entries := maps.Clone(t.entries)
	t.mu.Unlock()

	out := make(map[string]models.PresenceState, len(entries))
	for userID, current := range entries {
		out[userID] = cloneState(current.state)
	}
	return out
}

// Tracked returns the tracked user ids in order.
func (t *Tracker) Tracked() []string {
	t.mu.Lock()
	userIDs := maps.Keys(t.tracked)
	t.mu.Unlock()
	sort.Strings(userIDs)
	return userIDs
}

// OpenCount returns the number of open stream pairs.
func (t *Tracker) OpenCount() int {
	return t.subs.Len()
}

// Close closes every stream pair and forgets all state.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.tracked = make(map[string]bool)
	t.entries = make(map[string]*entry)
	t.mu.Unlock()

	t.subs.CloseAll()
}

func (t *Tracker) changed(state models.PresenceState) {
	if t.options.OnChange != nil {
		t.options.OnChange(cloneState(state))
	}
}

func cloneState(state models.PresenceState) models.PresenceState {
	state.LastSeenAt = copyTime(state.LastSeenAt)
	return state
}

func copyTime(value *int64) *int64 {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}
