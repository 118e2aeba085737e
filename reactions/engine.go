// Package reactions keeps the local user's reaction on each post, applying
// choices optimistically and committing only the last choice of a burst.
package reactions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"chatsync/metrics"
	"chatsync/models"
	"chatsync/remote"
)

const (
	component = "reactions"

	// DefaultDebounce is the idle window before a choice is committed.
	DefaultDebounce = 2 * time.Second
)

var (
	// ErrInvalidReaction indicates a reaction type outside the known set.
	ErrInvalidReaction = errors.New("reactions: invalid reaction type")
	// ErrUnknownPost indicates a choice without a post id.
	ErrUnknownPost = errors.New("reactions: unknown post")
	// ErrClosed indicates the engine was closed.
	ErrClosed = errors.New("reactions: engine closed")
)

// Options configures an Engine.
type Options struct {
	Service  remote.ReactionService
	Debounce time.Duration
	Metrics  *metrics.Metrics

	// FlushOnClose commits outstanding choices during Close instead of
	// dropping them.
	FlushOnClose bool

	OnChange func(state models.ReactionState)
	OnError  func(err error)
}

type post struct {
	committed models.ReactionType
	pending   models.ReactionType
	// baseCount is the server count, including committed.
	baseCount int

	timer      *time.Timer
	gen        uint64
	committing bool
	again      bool
}

func (p *post) state(postID string) models.ReactionState {
	state := models.ReactionState{
		PostID:    postID,
		Committed: p.committed,
		Pending:   p.pending,
		BaseCount: p.baseCount,
	}
	state.DisplayCount = DisplayCount(p.baseCount, p.committed, p.pending)
	switch {
	case p.pending != p.committed:
		state.Phase = models.ReactionPhasePending
	case p.committed != models.ReactionNone:
		state.Phase = models.ReactionPhaseCommitted
	default:
		state.Phase = models.ReactionPhaseNone
	}
	return state
}

// DisplayCount derives the shown count from the server baseline. At most one
// optimistic adjustment is applied however many toggles happened.
func DisplayCount(baseCount int, committed, pending models.ReactionType) int {
	count := baseCount
	if pending != models.ReactionNone && committed == models.ReactionNone {
		count++
	}
	if pending == models.ReactionNone && committed != models.ReactionNone {
		count--
	}
	return count
}

func countDelta(from, to models.ReactionType) int {
	switch {
	case from == models.ReactionNone && to != models.ReactionNone:
		return 1
	case from != models.ReactionNone && to == models.ReactionNone:
		return -1
	default:
		return 0
	}
}

// Engine owns the reaction state of every post the user interacted with.
type Engine struct {
	options Options

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	posts  map[string]*post
	closed bool
}

// New creates an engine with no known posts.
func New(options Options) (*Engine, error) {
	if options.Service == nil {
		return nil, errors.New("reactions: service is required")
	}
	if options.Debounce <= 0 {
		options.Debounce = DefaultDebounce
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		options: options,
		ctx:     ctx,
		cancel:  cancel,
		posts:   make(map[string]*post),
	}, nil
}

// Seed records the server-confirmed reaction and count of a post. A post
// with an outstanding choice keeps its local state.
func (e *Engine) Seed(postID string, committed models.ReactionType, baseCount int) bool {
	if committed != models.ReactionNone && !committed.Valid() {
		return false
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	p, ok := e.posts[postID]
	if ok && (p.pending != p.committed || p.committing || p.timer != nil) {
		e.mu.Unlock()
		return false
	}
	if !ok {
		p = &post{}
		e.posts[postID] = p
	}
	p.committed = committed
	p.pending = committed
	p.baseCount = baseCount
	state := p.state(postID)
	e.mu.Unlock()

	e.changed(state)
	return true
}

// Choose applies a reaction choice. Choosing the active reaction again
// removes it. The commit happens once no choice was made for the debounce
// window.
func (e *Engine) Choose(postID string, reaction models.ReactionType) (models.ReactionState, error) {
	if !reaction.Valid() {
		return models.ReactionState{}, ErrInvalidReaction
	}
	if postID == "" {
		return models.ReactionState{}, ErrUnknownPost
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return models.ReactionState{}, ErrClosed
	}
	p, ok := e.posts[postID]
	if !ok {
		p = &post{}
		e.posts[postID] = p
	}
	if p.pending == reaction {
		p.pending = models.ReactionNone
	} else {
		p.pending = reaction
	}
	e.scheduleLocked(postID, p)
	state := p.state(postID)
	e.mu.Unlock()

	glog.V(2).Infof("[reactions]%s: pending %q committed %q\n", postID, state.Pending, state.Committed)
	e.changed(state)
	return state, nil
}

func (e *Engine) scheduleLocked(postID string, p *post) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.gen++
	gen := p.gen
	p.timer = time.AfterFunc(e.options.Debounce, func() {
		_ = e.commit(e.ctx, postID, gen)
	})
}

// Flush commits the outstanding choice of postID now.
func (e *Engine) Flush(ctx context.Context, postID string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	p, ok := e.posts[postID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownPost
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.gen++
	gen := p.gen
	e.mu.Unlock()

	return e.commit(ctx, postID, gen)
}

func (e *Engine) commit(ctx context.Context, postID string, gen uint64) error {
	e.mu.Lock()
	p, ok := e.posts[postID]
	if e.closed || !ok || p.gen != gen {
		e.mu.Unlock()
		return nil
	}
	p.timer = nil
	if p.committing {
		// the running commit picks up the latest choice when it returns
		p.again = true
		e.mu.Unlock()
		return nil
	}
	p.committing = true

	var err error
	for {
		from, to := p.committed, p.pending
		if from == to {
			break
		}
		e.mu.Unlock()
		reached, resolveErr := e.resolve(ctx, postID, from, to)
		e.mu.Lock()

		p.baseCount += countDelta(from, reached)
		p.committed = reached
		e.options.Metrics.Commit(component, resolveErr)
		if resolveErr != nil {
			err = resolveErr
			if p.timer != nil {
				p.timer.Stop()
				p.timer = nil
			}
			p.gen++
			p.pending = p.committed
			p.again = false
			e.options.Metrics.RolledBack(component)
			break
		}
		if !p.again {
			break
		}
		p.again = false
	}
	p.committing = false
	state := p.state(postID)
	e.mu.Unlock()

	if err != nil {
		glog.Infof("[reactions]%s: rolled back to %q: %v\n", postID, state.Committed, err)
		e.fail(err)
	} else {
		glog.V(2).Infof("[reactions]%s: committed %q\n", postID, state.Committed)
	}
	e.changed(state)
	return err
}

// resolve issues the remote calls moving the server from one reaction to
// another. It returns the reaction the server is known to hold afterwards.
func (e *Engine) resolve(ctx context.Context, postID string, from, to models.ReactionType) (models.ReactionType, error) {
	service := e.options.Service
	switch {
	case from == to:
		return to, nil
	case from == models.ReactionNone:
		if err := service.AddReaction(ctx, postID, to); err != nil {
			return from, remote.Wrap("addReaction", err)
		}
		return to, nil
	case to == models.ReactionNone:
		if err := service.RemoveReaction(ctx, postID); err != nil {
			return from, remote.Wrap("removeReaction", err)
		}
		return to, nil
	}

	if err := service.RemoveReaction(ctx, postID); err != nil {
		return from, remote.Wrap("removeReaction", err)
	}
	addErr := service.AddReaction(ctx, postID, to)
	if addErr == nil {
		return to, nil
	}
	addErr = remote.Wrap("addReaction", addErr)
	// restore the old reaction so the switch fails as a whole
	if err := service.AddReaction(ctx, postID, from); err != nil {
		glog.Warningf("[reactions]%s: restore %q failed: %v", postID, from, err)
		return models.ReactionNone, fmt.Errorf("switch %s to %s: %w", from, to, errors.Join(addErr, remote.Wrap("addReaction", err)))
	}
	return from, addErr
}

// State returns the current reaction state of postID.
func (e *Engine) State(postID string) (models.ReactionState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.posts[postID]
	if !ok {
		return models.ReactionState{}, false
	}
	return p.state(postID), true
}

// Close cancels every commit timer. With FlushOnClose, outstanding choices
// are committed first.
func (e *Engine) Close() {
	if e.options.FlushOnClose {
		e.mu.Lock()
		outstanding := make([]string, 0)
		for postID, p := range e.posts {
			if p.pending != p.committed && !e.closed {
				outstanding = append(outstanding, postID)
			}
		}
		e.mu.Unlock()
		for _, postID := range outstanding {
			_ = e.Flush(e.ctx, postID)
		}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, p := range e.posts {
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
	}
	e.mu.Unlock()
	e.cancel()
}

func (e *Engine) changed(state models.ReactionState) {
	if e.options.OnChange != nil {
		e.options.OnChange(state)
	}
}

func (e *Engine) fail(err error) {
	if e.options.OnError != nil {
		e.options.OnError(err)
	}
}
