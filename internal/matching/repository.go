package matching

import (
	"context"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// CandidateQuery is the store-side part of candidate selection.
type CandidateQuery struct {
	// Requester identity for the orientation filter.
	UserID  int64
	Gender  string
	SexPref string

	MinAge int
	MaxAge int

	// Requester position. With an origin the pool is filled nearest first
	// and MaxDistanceKm is enforced before Limit applies; without one the
	// newest profiles come first and MaxDistanceKm is ignored.
	Latitude      *float64
	Longitude     *float64
	MaxDistanceKm *float64

	// Exclude holds ids that must never be returned.
	Exclude *roaring64.Bitmap

	Limit int
}

func (q *CandidateQuery) HasOrigin() bool {
	return q.Latitude != nil && q.Longitude != nil
}

// DistanceKm measures p from the origin. p must carry coordinates.
func (q *CandidateQuery) DistanceKm(p *UserProfile) float64 {
	return DistanceKm(*q.Latitude, *q.Longitude, *p.Latitude, *p.Longitude)
}

// Accepts applies the orientation, age, exclusion and distance filters to
// one profile. Candidates without coordinates or age are never returned.
func (q *CandidateQuery) Accepts(p *UserProfile) bool {
	if p.ID == q.UserID || !p.HasLocation() || p.Age == nil {
		return false
	}
	if *p.Age < q.MinAge || *p.Age > q.MaxAge {
		return false
	}
	if q.Exclude != nil && q.Exclude.Contains(uint64(p.ID)) {
		return false
	}
	if q.MaxDistanceKm != nil && q.HasOrigin() && q.DistanceKm(p) > *q.MaxDistanceKm {
		return false
	}
	return orientationCompatible(q.Gender, q.SexPref, p)
}

// orientationCompatible checks the candidate's declared preference against
// the requester's gender and, unless the requester accepts both, the
// candidate's gender against the requester's preference.
func orientationCompatible(gender, sexPref string, candidate *UserProfile) bool {
	if candidate.SexPref != gender && candidate.SexPref != sexPrefBoth {
		return false
	}
	if sexPref == sexPrefBoth {
		return true
	}
	return candidate.Gender == sexPref
}

const sexPrefBoth = "both"

// Repository is the durable store behind the matching engine.
type Repository interface {
	// Profiles (read-only)
	GetProfile(ctx context.Context, userID int64) (*UserProfile, error)
	// FindCandidates returns at most q.Limit profiles accepted by q, in the
	// order described on CandidateQuery.
	FindCandidates(ctx context.Context, q *CandidateQuery) ([]*UserProfile, error)

	// Preferences
	GetPreference(ctx context.Context, userID int64) (*Preference, error)
	// CreatePreference inserts p unless the user already has a record.
	CreatePreference(ctx context.Context, p *Preference) (bool, error)
	UpdatePreference(ctx context.Context, p *Preference) error

	// Interactions
	UpsertInteraction(ctx context.Context, in *Interaction) error
	GetInteraction(ctx context.Context, userID, targetUserID int64) (*Interaction, error)
	DeleteInteraction(ctx context.Context, userID, targetUserID int64) error
	// ListReceivedLikes returns the likes pointing at userID, newest first.
	ListReceivedLikes(ctx context.Context, userID int64) ([]*Interaction, error)
	ListInteractedIDs(ctx context.Context, userID int64) ([]int64, error)
	// ListBlockerIDs returns the users whose latest interaction towards userID is a block.
	ListBlockerIDs(ctx context.Context, userID int64) ([]int64, error)

	// Matches
	GetMatchByPair(ctx context.Context, a, b int64) (*Match, error)
	// CreateMatch returns ErrMatchExists when the pair already has a row.
	CreateMatch(ctx context.Context, m *Match) error
	SetMatchActive(ctx context.Context, matchID int64, active bool, by *int64) error
	ListMatches(ctx context.Context, userID int64, activeOnly bool) ([]*Match, error)

	// LockPair serializes transactions touching the same unordered pair.
	LockPair(ctx context.Context, a, b int64) error
	// RunInTx runs fn against a transactional view; any error rolls back.
	RunInTx(ctx context.Context, fn func(tx Repository) error) error

	Stats(ctx context.Context) (*Stats, error)
}
