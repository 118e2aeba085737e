package comments

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	"chatsync/metrics"
	"chatsync/models"
	"chatsync/remote"
)

const (
	component     = "comments"
	localIDPrefix = "local-"

	// DefaultPageSize is the page size when none is configured.
	DefaultPageSize = 20
)

var (
	// ErrEmptyContent indicates a reply with blank content.
	ErrEmptyContent = errors.New("comments: empty content")
	// ErrUnknownParent indicates a reply to a comment not in the thread.
	ErrUnknownParent = errors.New("comments: unknown parent comment")
)

// ThreadOptions configures a Thread.
type ThreadOptions struct {
	PostID   string
	PageSize int
	Service  remote.CommentService
	Metrics  *metrics.Metrics

	OnChange func(tree []models.CommentNode)
	OnError  func(err error)
}

type localReply struct {
	parentID string
	node     models.CommentNode
}

// Thread is the comment tree of one post, loaded page by page.
type Thread struct {
	options ThreadOptions
	group   singleflight.Group

	mu      sync.Mutex
	raw     []models.CommentNode
	seen    map[string]bool
	cursor  string
	hasMore bool
	loaded  bool
	locals  []localReply
	tree    []models.CommentNode
}

// NewThread creates an empty thread for a post. Nothing is fetched until Load.
func NewThread(options ThreadOptions) (*Thread, error) {
	if options.PostID == "" {
		return nil, errors.New("comments: post id is required")
	}
	if options.Service == nil {
		return nil, errors.New("comments: service is required")
	}
	if options.PageSize <= 0 {
		options.PageSize = DefaultPageSize
	}
	return &Thread{
		options: options,
		seen:    make(map[string]bool),
	}, nil
}

// Load fetches the first page and replaces every server comment.
func (t *Thread) Load(ctx context.Context) error {
	_, err, _ := t.group.Do("load", func() (any, error) {
		page, err := t.fetch(ctx, "")
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		t.raw = nil
		t.seen = make(map[string]bool)
		t.mergePageLocked(page)
		t.loaded = true
		tree := t.rebuildLocked()
		t.mu.Unlock()

		t.changed(tree)
		return nil, nil
	})
	return err
}

// LoadMore fetches the next page. It reports false when there was nothing
// left to load.
func (t *Thread) LoadMore(ctx context.Context) (bool, error) {
	t.mu.Lock()
	if !t.loaded {
		t.mu.Unlock()
		err := t.Load(ctx)
		return err == nil, err
	}
	if !t.hasMore {
		t.mu.Unlock()
		return false, nil
	}
	cursor := t.cursor
	t.mu.Unlock()

	v, err, _ := t.group.Do("more:"+cursor, func() (any, error) {
		page, err := t.fetch(ctx, cursor)
		if err != nil {
			return false, err
		}
		t.mu.Lock()
		if t.cursor != cursor {
			// a reload replaced the pages meanwhile
			t.mu.Unlock()
			return false, nil
		}
		t.mergePageLocked(page)
		tree := t.rebuildLocked()
		t.mu.Unlock()

		t.changed(tree)
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (t *Thread) fetch(ctx context.Context, cursor string) (models.CommentPage, error) {
	page, err := t.options.Service.FetchPostComments(ctx, remote.CommentsQuery{
		PostID: t.options.PostID,
		Cursor: cursor,
		Limit:  t.options.PageSize,
	})
	if err != nil {
		err = remote.Wrap("fetchPostComments", err)
		glog.Infof("[comments]%s: %v\n", t.options.PostID, err)
		t.fail(err)
		return models.CommentPage{}, err
	}
	glog.V(2).Infof("[comments]%s: page of %d, more=%t\n", t.options.PostID, len(page.Comments), page.HasMore)
	return page, nil
}

func (t *Thread) mergePageLocked(page models.CommentPage) {
	for _, node := range Flatten(Build(page.Comments)) {
		t.addRawLocked(node)
	}
	t.cursor = page.NextCursor
	t.hasMore = page.HasMore && page.NextCursor != ""
}

func (t *Thread) addRawLocked(node models.CommentNode) bool {
	if node.ID == "" || t.seen[node.ID] {
		t.options.Metrics.DuplicateDropped(component)
		return false
	}
	t.seen[node.ID] = true
	node.Local = false
	t.raw = append(t.raw, node)
	return true
}

func (t *Thread) rebuildLocked() []models.CommentNode {
	tree := Build(t.raw)
	for _, local := range t.locals {
		tree, _ = MergeLocalReply(tree, local.parentID, local.node)
	}
	t.tree = tree
	return copyTree(tree)
}

// Reply shows a comment under parentID immediately and creates it
// remotely. An empty parentID comments on the post itself. On success the
// local node is replaced by the server's; on failure it is removed and the
// error surfaced.
func (t *Thread) Reply(ctx context.Context, parentID, content string) (models.CommentNode, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return models.CommentNode{}, ErrEmptyContent
	}

	local := models.CommentNode{
		ID:       localIDPrefix + ulid.Make().String(),
		PostID:   t.options.PostID,
		Content:  content,
		ParentID: parentID,
		Local:    true,
	}
	t.mu.Lock()
	if parentID != "" && !t.seen[parentID] {
		t.mu.Unlock()
		return models.CommentNode{}, ErrUnknownParent
	}
	t.locals = append(t.locals, localReply{parentID: parentID, node: local})
	tree := t.rebuildLocked()
	t.mu.Unlock()
	t.changed(tree)

	created, err := t.options.Service.CreateComment(ctx, remote.CreateCommentInput{
		PostID:   t.options.PostID,
		Content:  content,
		ParentID: parentID,
	})
	if err == nil && created.ID == "" {
		err = remote.ErrNoData
	}
	t.options.Metrics.Commit(component, err)

	t.mu.Lock()
	t.dropLocalLocked(local.ID)
	if err == nil {
		if created.ParentID == "" {
			created.ParentID = parentID
		}
		created.Replies = nil
		t.addRawLocked(created)
	} else {
		t.options.Metrics.RolledBack(component)
	}
	tree = t.rebuildLocked()
	t.mu.Unlock()
	t.changed(tree)

	if err != nil {
		err = remote.Wrap("createComment", err)
		glog.Infof("[comments]%s: reply dropped: %v\n", t.options.PostID, err)
		t.fail(err)
		return models.CommentNode{}, err
	}
	return created, nil
}

func (t *Thread) dropLocalLocked(id string) {
	for i, local := range t.locals {
		if local.node.ID == id {
			t.locals = append(t.locals[:i], t.locals[i+1:]...)
			return
		}
	}
}

// Comments returns a copy of the current tree.
func (t *Thread) Comments() []models.CommentNode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyTree(t.tree)
}

// HasMore reports whether the server has another page.
func (t *Thread) HasMore() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasMore
}

// Pending returns the number of replies awaiting confirmation.
func (t *Thread) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locals)
}

func (t *Thread) changed(tree []models.CommentNode) {
	if t.options.OnChange != nil {
		t.options.OnChange(tree)
	}
}

func (t *Thread) fail(err error) {
	if t.options.OnError != nil {
		t.options.OnError(err)
	}
}
