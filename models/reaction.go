package models

// ReactionType is an emoji-style reaction. ReactionNone means no reaction.
type ReactionType string

const (
	ReactionNone  ReactionType = ""
	ReactionLike  ReactionType = "LIKE"
	ReactionLove  ReactionType = "LOVE"
	ReactionHaha  ReactionType = "HAHA"
	ReactionWow   ReactionType = "WOW"
	ReactionSad   ReactionType = "SAD"
	ReactionAngry ReactionType = "ANGRY"
)

// Valid reports whether t is a known, non-empty reaction type.
func (t ReactionType) Valid() bool {
	switch t {
	case ReactionLike, ReactionLove, ReactionHaha, ReactionWow, ReactionSad, ReactionAngry:
		return true
	default:
		return false
	}
}

// ReactionPhase is the commit phase of a post's local reaction.
type ReactionPhase string

const (
	// ReactionPhaseNone means nothing is committed and nothing is pending.
	ReactionPhaseNone ReactionPhase = "none"
	// ReactionPhasePending means the local choice differs from the committed value.
	ReactionPhasePending ReactionPhase = "pending"
	// ReactionPhaseCommitted means the local choice matches the server-confirmed reaction.
	ReactionPhaseCommitted ReactionPhase = "committed"
)

// ReactionState is the local user's reaction on one post.
type ReactionState struct {
	PostID       string        `json:"post_id"`
	Committed    ReactionType  `json:"committed"`
	Pending      ReactionType  `json:"pending"`
	BaseCount    int           `json:"base_count"`
	DisplayCount int           `json:"display_count"`
	Phase        ReactionPhase `json:"phase"`
}
