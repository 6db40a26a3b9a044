// internal/matching/dto.go
package matching

// DTOs for API requests/responses

type RecordInteractionDTO struct {
	TargetUserID    int64  `json:"target_user_id" validate:"required,gt=0"`
	InteractionType string `json:"interaction_type" validate:"required,oneof=like pass block"`
}

type PotentialMatchesResponse struct {
	Matches []*ScoredCandidate `json:"matches"`
	Count   int                `json:"count"`
}

type MatchesResponse struct {
	Matches []*MatchSummary `json:"matches"`
	Count   int             `json:"count"`
}

type ReceivedLikesResponse struct {
	Likes []*ReceivedLike `json:"likes"`
	Count int             `json:"count"`
}
