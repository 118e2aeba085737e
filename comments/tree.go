// Package comments turns server comment records into ordered reply trees
// and keeps a paginated thread with optimistic replies.
package comments

import (
	"sort"

	"chatsync/models"
)

// Build normalizes raw comments into a tree. Nested input is flattened first
// with each reply's ParentID taken from its position, so both shapes link
// the same way: a comment attaches under its parent when the parent is in
// the set and becomes a root otherwise. Every level is sorted ascending by
// CreatedAt.
func Build(raw []models.CommentNode) []models.CommentNode {
	return link(Flatten(raw))
}

func link(raw []models.CommentNode) []models.CommentNode {
	byID := make(map[string]models.CommentNode, len(raw))
	order := make([]string, 0, len(raw))
	for _, node := range raw {
		if _, dup := byID[node.ID]; dup {
			continue
		}
		node.Replies = nil
		byID[node.ID] = node
		order = append(order, node.ID)
	}

	broken := cycleBreaks(byID, order)
	children := make(map[string][]string)
	roots := make([]string, 0)
	for _, id := range order {
		parentID := byID[id].ParentID
		if _, present := byID[parentID]; present && parentID != "" && !broken[id] {
			children[parentID] = append(children[parentID], id)
		} else {
			roots = append(roots, id)
		}
	}

	var assemble func(id string) models.CommentNode
	assemble = func(id string) models.CommentNode {
		node := byID[id]
		for _, childID := range children[id] {
			node.Replies = append(node.Replies, assemble(childID))
		}
		sortLevel(node.Replies)
		return node
	}

	out := make([]models.CommentNode, 0, len(roots))
	for _, id := range roots {
		out = append(out, assemble(id))
	}
	sortLevel(out)
	return out
}

// cycleBreaks returns one node per parent cycle, the earliest by CreatedAt
// then ID. That node becomes a root; the rest of the cycle and anything
// hanging off it attach normally.
func cycleBreaks(byID map[string]models.CommentNode, order []string) map[string]bool {
	broken := make(map[string]bool)
	done := make(map[string]bool, len(order))
	for _, start := range order {
		var path []string
		onPath := make(map[string]int)
		for current := start; current != "" && !done[current]; {
			node, ok := byID[current]
			if !ok {
				break
			}
			if index, seen := onPath[current]; seen {
				broken[earliest(byID, path[index:])] = true
				break
			}
			onPath[current] = len(path)
			path = append(path, current)
			current = node.ParentID
		}
		for _, id := range path {
			done[id] = true
		}
	}
	return broken
}

func earliest(byID map[string]models.CommentNode, cycle []string) string {
	first := cycle[0]
	for _, id := range cycle[1:] {
		a, b := byID[id], byID[first]
		if a.CreatedAt < b.CreatedAt || (a.CreatedAt == b.CreatedAt && a.ID < b.ID) {
			first = id
		}
	}
	return first
}

// MergeLocalReply returns a copy of tree with reply appended to the end of
// the replies of parentID, or to the roots when parentID is empty. It
// reports false when parentID is not in the tree.
func MergeLocalReply(tree []models.CommentNode, parentID string, reply models.CommentNode) ([]models.CommentNode, bool) {
	reply.ParentID = parentID
	reply.Local = true
	if parentID == "" {
		out := copyTree(tree)
		return append(out, reply), true
	}
	out := copyTree(tree)
	if appendReply(out, parentID, reply) {
		return out, true
	}
	return tree, false
}

func appendReply(level []models.CommentNode, parentID string, reply models.CommentNode) bool {
	for i := range level {
		if level[i].ID == parentID {
			level[i].Replies = append(level[i].Replies, reply)
			return true
		}
		if appendReply(level[i].Replies, parentID, reply) {
			return true
		}
	}
	return false
}

// Flatten lists every node of tree in pre-order with replies detached.
// Replies get ParentID set from the tree structure; roots keep theirs.
func Flatten(tree []models.CommentNode) []models.CommentNode {
	out := make([]models.CommentNode, 0, len(tree))
	var walk func(level []models.CommentNode, parentID string)
	walk = func(level []models.CommentNode, parentID string) {
		for _, node := range level {
			replies := node.Replies
			node.Replies = nil
			if parentID != "" {
				node.ParentID = parentID
			}
			out = append(out, node)
			walk(replies, node.ID)
		}
	}
	walk(tree, "")
	return out
}

// Count returns the number of nodes in tree.
func Count(tree []models.CommentNode) int {
	total := len(tree)
	for _, node := range tree {
		total += Count(node.Replies)
	}
	return total
}

func copyTree(tree []models.CommentNode) []models.CommentNode {
	if len(tree) == 0 {
		return nil
	}
	out := make([]models.CommentNode, len(tree))
	for i, node := range tree {
		node.Replies = copyTree(node.Replies)
		out[i] = node
	}
	return out
}

func sortLevel(level []models.CommentNode) {
	sort.SliceStable(level, func(i, j int) bool {
		if level[i].CreatedAt == level[j].CreatedAt {
			return level[i].ID < level[j].ID
		}
		return level[i].CreatedAt < level[j].CreatedAt
	})
}
