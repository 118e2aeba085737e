package comments

import (
	"reflect"
	"testing"

	"chatsync/models"
)

func ids(level []models.CommentNode) []string {
	out := make([]string, 0, len(level))
	for _, node := range level {
		out = append(out, node.ID)
	}
	return out
}

func TestBuildFlatOrdersReplies(t *testing.T) {
	tree := Build([]models.CommentNode{
		{ID: "1", CreatedAt: 1},
		{ID: "2", ParentID: "1", CreatedAt: 3},
		{ID: "3", ParentID: "1", CreatedAt: 2},
	})
	if len(tree) != 1 || tree[0].ID != "1" {
		t.Fatalf("expected one root 1, got %v", ids(tree))
	}
	if got := ids(tree[0].Replies); !reflect.DeepEqual(got, []string{"3", "2"}) {
		t.Fatalf("expected replies [3 2], got %v", got)
	}
}

func TestBuildOrphansBecomeRoots(t *testing.T) {
	tree := Build([]models.CommentNode{
		{ID: "a", ParentID: "gone", CreatedAt: 5},
		{ID: "b", CreatedAt: 9},
		{ID: "c", ParentID: "a", CreatedAt: 1},
		{ID: "b", CreatedAt: 100},
	})
	if got := ids(tree); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("unexpected roots: %v", got)
	}
	if tree[1].CreatedAt != 9 {
		t.Fatalf("duplicate id replaced the first occurrence")
	}
	if got := ids(tree[0].Replies); !reflect.DeepEqual(got, []string{"c"}) {
		t.Fatalf("unexpected replies of a: %v", got)
	}
}

func TestBuildBreaksCycles(t *testing.T) {
	tree := Build([]models.CommentNode{
		{ID: "x", ParentID: "y", CreatedAt: 1},
		{ID: "y", ParentID: "x", CreatedAt: 2},
		{ID: "z", ParentID: "z", CreatedAt: 3},
	})
	if Count(tree) != 3 {
		t.Fatalf("nodes lost while breaking cycles: %d", Count(tree))
	}
	if got := ids(tree); !reflect.DeepEqual(got, []string{"x", "z"}) {
		t.Fatalf("unexpected roots: %v", got)
	}
	if got := ids(tree[0].Replies); !reflect.DeepEqual(got, []string{"y"}) {
		t.Fatalf("expected y kept under x, got %v", got)
	}
}

func TestBuildAttachesUnderCycleMembers(t *testing.T) {
	tree := Build([]models.CommentNode{
		{ID: "z", ParentID: "x", CreatedAt: 5},
		{ID: "x", ParentID: "y", CreatedAt: 1},
		{ID: "y", ParentID: "x", CreatedAt: 2},
	})
	if got := ids(tree); !reflect.DeepEqual(got, []string{"x"}) {
		t.Fatalf("expected only the earliest cycle member as root, got %v", got)
	}
	if got := ids(tree[0].Replies); !reflect.DeepEqual(got, []string{"y", "z"}) {
		t.Fatalf("expected y and z under x, got %v", got)
	}
	if twice := Build(Flatten(tree)); !reflect.DeepEqual(tree, twice) {
		t.Fatalf("rebuild changed the tree:\n%+v\n%+v", tree, twice)
	}
}

func TestBuildLinksMixedShapes(t *testing.T) {
	tree := Build([]models.CommentNode{
		{ID: "a", CreatedAt: 1, Replies: []models.CommentNode{
			{ID: "b", CreatedAt: 2},
		}},
		{ID: "c", ParentID: "a", CreatedAt: 3},
		{ID: "d", ParentID: "b", CreatedAt: 4},
	})
	if got := ids(tree); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("expected a single root a, got %v", got)
	}
	if got := ids(tree[0].Replies); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("expected replies [b c], got %v", got)
	}
	if got := ids(tree[0].Replies[0].Replies); !reflect.DeepEqual(got, []string{"d"}) {
		t.Fatalf("expected d under nested b, got %v", got)
	}
	if tree[0].Replies[0].ParentID != "a" {
		t.Fatalf("nested reply parent not set: %q", tree[0].Replies[0].ParentID)
	}
}

func TestBuildNestedSortsEveryLevel(t *testing.T) {
	tree := Build([]models.CommentNode{
		{ID: "r2", CreatedAt: 20},
		{ID: "r1", CreatedAt: 10, Replies: []models.CommentNode{
			{ID: "c2", CreatedAt: 15, Replies: []models.CommentNode{
				{ID: "g2", CreatedAt: 19},
				{ID: "g1", CreatedAt: 17},
			}},
			{ID: "c1", CreatedAt: 11},
		}},
	})
	if got := ids(tree); !reflect.DeepEqual(got, []string{"r1", "r2"}) {
		t.Fatalf("unexpected roots: %v", got)
	}
	if got := ids(tree[0].Replies); !reflect.DeepEqual(got, []string{"c1", "c2"}) {
		t.Fatalf("unexpected replies: %v", got)
	}
	grand := tree[0].Replies[1]
	if got := ids(grand.Replies); !reflect.DeepEqual(got, []string{"g1", "g2"}) {
		t.Fatalf("unexpected grand replies: %v", got)
	}
	if grand.Replies[0].ParentID != "c2" {
		t.Fatalf("nested reply parent not set: %q", grand.Replies[0].ParentID)
	}
}

func TestBuildIsIdempotent(t *testing.T) {
	inputs := [][]models.CommentNode{
		{
			{ID: "1", CreatedAt: 1},
			{ID: "2", ParentID: "1", CreatedAt: 3},
			{ID: "3", ParentID: "1", CreatedAt: 2},
			{ID: "4", ParentID: "3", CreatedAt: 4},
			{ID: "5", ParentID: "missing", CreatedAt: 0},
		},
		{
			{ID: "r", CreatedAt: 1, Replies: []models.CommentNode{
				{ID: "b", CreatedAt: 3},
				{ID: "a", CreatedAt: 2, Replies: []models.CommentNode{{ID: "aa", CreatedAt: 5}}},
			}},
			{ID: "s", CreatedAt: 0},
		},
		{
			{ID: "a", CreatedAt: 1, Replies: []models.CommentNode{{ID: "b", CreatedAt: 2}}},
			{ID: "c", ParentID: "a", CreatedAt: 3},
		},
		{
			{ID: "x", ParentID: "y", CreatedAt: 1},
			{ID: "y", ParentID: "x", CreatedAt: 2},
			{ID: "z", ParentID: "x", CreatedAt: 3},
		},
	}
	for i, input := range inputs {
		once := Build(input)
		twice := Build(Flatten(once))
		if !reflect.DeepEqual(once, twice) {
			t.Fatalf("input %d: build not idempotent:\n%+v\n%+v", i, once, twice)
		}
	}
}

func TestMergeLocalReplyAppendsAtEnd(t *testing.T) {
	tree := Build([]models.CommentNode{
		{ID: "1", CreatedAt: 10},
		{ID: "2", ParentID: "1", CreatedAt: 30},
	})

	merged, ok := MergeLocalReply(tree, "1", models.CommentNode{ID: "local", CreatedAt: 5})
	if !ok {
		t.Fatalf("expected merge to find parent")
	}
	if got := ids(merged[0].Replies); !reflect.DeepEqual(got, []string{"2", "local"}) {
		t.Fatalf("local reply not appended at end: %v", got)
	}
	if !merged[0].Replies[1].Local || merged[0].Replies[1].ParentID != "1" {
		t.Fatalf("local reply not marked: %+v", merged[0].Replies[1])
	}
	if len(tree[0].Replies) != 1 {
		t.Fatalf("input tree was modified")
	}

	if _, ok := MergeLocalReply(tree, "nope", models.CommentNode{ID: "x"}); ok {
		t.Fatalf("expected merge to fail for unknown parent")
	}
}
