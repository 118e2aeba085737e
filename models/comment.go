package models

// CommentNode is one comment with its ordered replies.
//
// ParentID is empty for top-level comments. Replies may be populated by the
// server (nested shape) or left empty with ParentID set (flat shape).
type CommentNode struct {
	ID        string        `json:"id"`
	PostID    string        `json:"post_id,omitempty"`
	AuthorID  string        `json:"author_id,omitempty"`
	Content   string        `json:"content"`
	CreatedAt int64         `json:"created_at"`
	ParentID  string        `json:"parent_id,omitempty"`
	Replies   []CommentNode `json:"replies,omitempty"`

	// Local marks a reply that the server has not confirmed yet.
	Local bool `json:"local,omitempty"`
}

// CommentPage is one cursor page of post comments.
type CommentPage struct {
	Comments   []CommentNode `json:"comments"`
	NextCursor string        `json:"next_cursor,omitempty"`
	HasMore    bool          `json:"has_more"`
}
