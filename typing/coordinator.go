// Package typing runs the typing-indicator protocol for one conversation:
// local keystrokes become one started call and one stopped call per burst,
// and remote signals maintain the set of users currently typing.
package typing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"

	"chatsync/metrics"
	"chatsync/models"
	"chatsync/remote"
	"chatsync/subscription"
)

const (
	component = "typing"

	// DefaultTimeout is the idle window after the last keystroke before the
	// local user is reported as stopped.
	DefaultTimeout = 2 * time.Second
	// DefaultRemoteTTL is how long a remote started signal stays live
	// without a refresh or an explicit stop.
	DefaultRemoteTTL = 5 * time.Second

	streamStarted = "started"
	streamStopped = "stopped"
)

// ErrClosed indicates the coordinator was torn down.
var ErrClosed = errors.New("typing: coordinator closed")

// Options configures a Coordinator.
type Options struct {
	SelfUserID     string
	ConversationID string
	Service        remote.TypingService
	Timeout        time.Duration
	RemoteTTL      time.Duration
	Metrics        *metrics.Metrics

	// OnChange receives the remote users currently typing.
	OnChange func(userIDs []string)
	OnError  func(error)
}

type remoteEntry struct {
	signal models.TypingSignal
	timer  *time.Timer
	gen    uint64
}

// Coordinator is the typing state of one conversation.
type Coordinator struct {
	options Options
	subs    *subscription.Registry[string]

	// ctx scopes calls issued from timers; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	localTyping bool
	localTimer  *time.Timer
	localGen    uint64
	remote      map[string]*remoteEntry
	remoteGen   uint64
	closed      bool
}

// New creates a coordinator.
func New(options Options) (*Coordinator, error) {
	if options.ConversationID == "" {
		return nil, errors.New("typing: conversation id is required")
	}
	if options.Service == nil {
		return nil, errors.New("typing: service is required")
	}
	if options.Timeout <= 0 {
		options.Timeout = DefaultTimeout
	}
	if options.RemoteTTL <= 0 {
		options.RemoteTTL = DefaultRemoteTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		options: options,
		subs:    subscription.New[string](component, options.Metrics.SubscriptionObserver(component)),
		ctx:     ctx,
		cancel:  cancel,
		remote:  make(map[string]*remoteEntry),
	}, nil
}

// NotifyTyping reports a local keystroke. The first call of a burst issues
// the started call immediately; every call re-arms the idle timer so a burst
// ends with exactly one stopped call.
func (c *Coordinator) NotifyTyping(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	wasTyping := c.localTyping
	c.localTyping = true
	gen := c.armLocalLocked()
	c.mu.Unlock()

	if wasTyping {
		return nil
	}

	glog.V(2).Infof("[typing]%s started\n", c.options.ConversationID)
	if err := c.options.Service.StartTyping(ctx, c.options.ConversationID); err != nil {
		// forget the burst so the next keystroke retries the started call
		c.mu.Lock()
		if c.localGen == gen {
			c.stopLocalLocked()
		}
		c.mu.Unlock()
		err = remote.Wrap("startTyping", err)
		c.fail(err)
		return err
	}
	return nil
}

// StopTyping ends the local burst now, e.g. when the draft is sent.
func (c *Coordinator) StopTyping(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || !c.localTyping {
		c.mu.Unlock()
		return nil
	}
	c.stopLocalLocked()
	c.mu.Unlock()
	return c.sendStop(ctx)
}

// LocalTyping reports whether the local user is in a typing burst.
func (c *Coordinator) LocalTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localTyping
}

// Start opens the started and stopped streams for the conversation.
func (c *Coordinator) Start(ctx context.Context) error {
	filter := remote.TypingFilter{ConversationID: c.options.ConversationID, UserID: c.options.SelfUserID}
	_, _, err := c.subs.Reconcile([]string{streamStarted, streamStopped}, func(stream string) (remote.Subscription, error) {
		if stream == streamStarted {
			return c.options.Service.SubscribeTypingStarted(ctx, filter, c.HandleStarted)
		}
		return c.options.Service.SubscribeTypingStopped(ctx, filter, c.HandleStopped)
	})
	return err
}

// HandleStarted applies a remote started signal. Repeated signals for the
// same user refresh its expiry without changing the visible set or its order:
// the first ObservedAt of a burst is kept.
func (c *Coordinator) HandleStarted(signal models.TypingSignal) {
	if !c.accepts(signal) {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	entry, exists := c.remote[signal.UserID]
	if !exists {
		entry = &remoteEntry{signal: signal}
		c.remote[signal.UserID] = entry
	} else if entry.timer != nil {
		entry.timer.Stop()
	}
	c.remoteGen++
	entry.gen = c.remoteGen
	userID, gen := signal.UserID, entry.gen
	entry.timer = time.AfterFunc(c.options.RemoteTTL, func() {
		c.expireRemote(userID, gen)
	})
	var view []string
	if !exists {
		view = c.typingLocked()
	}
	c.mu.Unlock()

	if !exists {
		glog.V(2).Infof("[typing]%s: %s typing\n", c.options.ConversationID, userID)
		c.changed(view)
	} else {
		c.options.Metrics.DuplicateDropped(component)
	}
}

// HandleStopped applies a remote stopped signal.
func (c *Coordinator) HandleStopped(signal models.TypingSignal) {
	if !c.accepts(signal) {
		return
	}

	c.mu.Lock()
	entry, exists := c.remote[signal.UserID]
	if !exists || c.closed {
		c.mu.Unlock()
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(c.remote, signal.UserID)
	view := c.typingLocked()
	c.mu.Unlock()

	c.changed(view)
}

// TypingUsers returns the remote users currently typing, oldest signal first.
func (c *Coordinator) TypingUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typingLocked()
}

// Close cancels every pending timer and closes the streams. No stopped call
// is issued after Close.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopLocalLocked()
	for userID, entry := range c.remote {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(c.remote, userID)
	}
	c.mu.Unlock()

	c.cancel()
	c.subs.CloseAll()
}

func (c *Coordinator) accepts(signal models.TypingSignal) bool {
	if signal.UserID == "" || signal.UserID == c.options.SelfUserID {
		return false
	}
	return signal.ConversationID == "" || signal.ConversationID == c.options.ConversationID
}

func (c *Coordinator) armLocalLocked() uint64 {
	if c.localTimer != nil {
		c.localTimer.Stop()
	}
	c.localGen++
	gen := c.localGen
	c.localTimer = time.AfterFunc(c.options.Timeout, func() {
		c.expireLocal(gen)
	})
	return gen
}

func (c *Coordinator) stopLocalLocked() {
	if c.localTimer != nil {
		c.localTimer.Stop()
		c.localTimer = nil
	}
	c.localGen++
	c.localTyping = false
}

func (c *Coordinator) expireLocal(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.localGen || !c.localTyping {
		c.mu.Unlock()
		return
	}
	c.localTyping = false
	c.localTimer = nil
	c.mu.Unlock()

	_ = c.sendStop(c.ctx)
}

func (c *Coordinator) sendStop(ctx context.Context) error {
	glog.V(2).Infof("[typing]%s stopped\n", c.options.ConversationID)
	if err := c.options.Service.StopTyping(ctx, c.options.ConversationID); err != nil {
		err = remote.Wrap("stopTyping", err)
		c.fail(err)
		return err
	}
	return nil
}

func (c *Coordinator) expireRemote(userID string, gen uint64) {
	c.mu.Lock()
	entry, exists := c.remote[userID]
	if c.closed || !exists || entry.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.remote, userID)
	view := c.typingLocked()
	c.mu.Unlock()

	glog.V(2).Infof("[typing]%s: %s expired\n", c.options.ConversationID, userID)
	c.changed(view)
}

func (c *Coordinator) typingLocked() []string {
	entries := make([]*remoteEntry, 0, len(c.remote))
	for _, entry := range c.remote {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].signal.ObservedAt == entries[j].signal.ObservedAt {
			return entries[i].signal.UserID < entries[j].signal.UserID
		}
		return entries[i].signal.ObservedAt < entries[j].signal.ObservedAt
	})
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.signal.UserID)
	}
	return out
}

func (c *Coordinator) changed(view []string) {
	if c.options.OnChange != nil {
		c.options.OnChange(view)
	}
}

func (c *Coordinator) fail(err error) {
	glog.Infof("[typing]%v\n", err)
	if c.options.OnError != nil {
		c.options.OnError(err)
	}
}
