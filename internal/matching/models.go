package matching

import (
	"database/sql/driver"
	"time"

	"github.com/lib/pq"
)

// UserProfile is the read-only view of a user owned by the profile service.
// Nullable columns are pointers; an absent attribute encodes to a neutral 0.
type UserProfile struct {
	ID          int64   `json:"id" db:"id"`
	Username    string  `json:"username" db:"username"`
	FirstName   string  `json:"first_name" db:"first_name"`
	Age         *int    `json:"age,omitempty" db:"age"`
	Height      *int    `json:"height,omitempty" db:"height"`
	Fame        int     `json:"fame" db:"fame"`
	Bio         *string `json:"bio,omitempty" db:"bio"`
	CurrentCity *string `json:"current_city,omitempty" db:"current_city"`
	Gender      string  `json:"gender" db:"gender"`
	SexPref     string  `json:"sex_pref" db:"sex_pref"`

	AlcoholConsumption  *string `json:"alcohol_consumption,omitempty" db:"alcohol_consumption"`
	Smoking             *string `json:"smoking,omitempty" db:"smoking"`
	Cannabis            *string `json:"cannabis,omitempty" db:"cannabis"`
	Drugs               *string `json:"drugs,omitempty" db:"drugs"`
	Pets                *string `json:"pets,omitempty" db:"pets"`
	SocialActivityLevel *string `json:"social_activity_level,omitempty" db:"social_activity_level"`
	SportActivity       *string `json:"sport_activity,omitempty" db:"sport_activity"`
	EducationLevel      *string `json:"education_level,omitempty" db:"education_level"`
	Religion            *string `json:"religion,omitempty" db:"religion"`
	PoliticalView       *string `json:"political_view,omitempty" db:"political_view"`
	HairColor           *string `json:"hair_color,omitempty" db:"hair_color"`
	SkinColor           *string `json:"skin_color,omitempty" db:"skin_color"`
	EyeColor            *string `json:"eye_color,omitempty" db:"eye_color"`
	RelationshipType    *string `json:"relationship_type,omitempty" db:"relationship_type"`
	ChildrenStatus      *string `json:"children_status,omitempty" db:"children_status"`

	Latitude  *float64  `json:"latitude,omitempty" db:"latitude"`
	Longitude *float64  `json:"longitude,omitempty" db:"longitude"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

func (p *UserProfile) HasLocation() bool {
	return p.Latitude != nil && p.Longitude != nil
}

// Vector is a dense feature or preference vector. It is stored in Postgres
// as DOUBLE PRECISION[].
type Vector []float64

func (v *Vector) Scan(src interface{}) error {
	var arr pq.Float64Array
	if err := arr.Scan(src); err != nil {
		return err
	}
	*v = Vector(arr)
	return nil
}

func (v Vector) Value() (driver.Value, error) {
	return pq.Float64Array(v).Value()
}

func (v Vector) Clone() Vector {
	if v == nil {
		return nil
	}
	out := make(Vector, len(v))
	copy(out, v)
	return out
}

// AttributeWeights are the five named weights a user's scoring uses. Only
// their relative size matters.
type AttributeWeights struct {
	Age          float64 `json:"age_weight" db:"age_weight"`
	Distance     float64 `json:"distance_weight" db:"distance_weight"`
	Interests    float64 `json:"interests_weight" db:"interests_weight"`
	Habits       float64 `json:"habits_weight" db:"habits_weight"`
	Relationship float64 `json:"relationship_weight" db:"relationship_weight"`
}

func DefaultAttributeWeights() AttributeWeights {
	return AttributeWeights{
		Age:          0.2,
		Distance:     0.3,
		Interests:    0.25,
		Habits:       0.15,
		Relationship: 0.1,
	}
}

// Preference is the learned preference record, one per user.
type Preference struct {
	UserID int64  `json:"user_id" db:"user_id"`
	Vector Vector `json:"preference_vector" db:"preference_vector"`
	AttributeWeights
	TotalLikes  int       `json:"total_likes" db:"total_likes"`
	TotalPasses int       `json:"total_passes" db:"total_passes"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"last_updated" db:"last_updated"`
}

func (p *Preference) clone() *Preference {
	c := *p
	c.Vector = p.Vector.Clone()
	return &c
}

type InteractionKind string

const (
	KindLike  InteractionKind = "like"
	KindPass  InteractionKind = "pass"
	KindBlock InteractionKind = "block"
)

func (k InteractionKind) Valid() bool {
	switch k {
	case KindLike, KindPass, KindBlock:
		return true
	}
	return false
}

// Interaction is the latest interaction of UserID towards TargetUserID.
type Interaction struct {
	ID              int64           `json:"id" db:"id"`
	UserID          int64           `json:"user_id" db:"user_id"`
	TargetUserID    int64           `json:"target_user_id" db:"target_user_id"`
	InteractionType InteractionKind `json:"interaction_type" db:"interaction_type"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

const MatchTypeMutualLike = "mutual_like"

// Match links two users; User1ID < User2ID always holds.
type Match struct {
	ID                 int64      `json:"id" db:"id"`
	User1ID            int64      `json:"user1_id" db:"user1_id"`
	User2ID            int64      `json:"user2_id" db:"user2_id"`
	MatchType          string     `json:"match_type" db:"match_type"`
	CompatibilityScore *float64   `json:"compatibility_score,omitempty" db:"compatibility_score"`
	IsActive           bool       `json:"is_active" db:"is_active"`
	UnmatchedBy        *int64     `json:"unmatched_by,omitempty" db:"unmatched_by"`
	UnmatchedAt        *time.Time `json:"unmatched_at,omitempty" db:"unmatched_at"`
	MatchedAt          time.Time  `json:"matched_at" db:"matched_at"`
}

// Partner returns the other side of the match.
func (m *Match) Partner(userID int64) int64 {
	if m.User1ID == userID {
		return m.User2ID
	}
	return m.User1ID
}

// CanonicalPair orders two ids so the pair maps to a single match row.
func CanonicalPair(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}

const AlgorithmVectorBased = "vector_based"

// ScoredCandidate is one row of a potential-matches answer.
type ScoredCandidate struct {
	ID                 int64    `json:"id"`
	Username           string   `json:"username"`
	FirstName          string   `json:"first_name"`
	Age                *int     `json:"age,omitempty"`
	Bio                *string  `json:"bio,omitempty"`
	Fame               int      `json:"fame"`
	CurrentCity        *string  `json:"current_city,omitempty"`
	CompatibilityScore float64  `json:"compatibility_score"`
	DistanceKm         *float64 `json:"distance_km,omitempty"`
	AlgorithmType      string   `json:"algorithm_type"`
}

type InteractionResult struct {
	UserID          int64           `json:"user_id"`
	TargetUserID    int64           `json:"target_user_id"`
	InteractionType InteractionKind `json:"interaction_type"`
	Match           bool            `json:"match"`
	MatchID         *int64          `json:"match_id,omitempty"`
	// Created is true only for the call that inserted the match row.
	Created bool `json:"created"`
}

type UnlikeResult struct {
	UserID       int64 `json:"user_id"`
	TargetUserID int64 `json:"target_user_id"`
	Unmatched    bool  `json:"unmatched"`
}

// ReceivedLike is a like pointing at the requester, with the liker's details.
type ReceivedLike struct {
	InteractionID int64     `json:"interaction_id"`
	UserID        int64     `json:"user_id"`
	Username      string    `json:"username"`
	FirstName     string    `json:"first_name"`
	Age           *int      `json:"age,omitempty"`
	Bio           *string   `json:"bio,omitempty"`
	Fame          int       `json:"fame"`
	CurrentCity   *string   `json:"current_city,omitempty"`
	LikedAt       time.Time `json:"created_at"`
	// IsMutual is set once the requester liked back.
	IsMutual bool `json:"is_mutual"`
}

// CompatibleMatrix lists the users orientation-compatible with UserID and
// their encoded feature vectors, row i belonging to UserIDs[i].
type CompatibleMatrix struct {
	UserID  int64    `json:"user_id"`
	Vector  Vector   `json:"vector"`
	UserIDs []int64  `json:"user_ids"`
	Vectors []Vector `json:"vectors"`
}

// PerformanceStats is the admin view of store and cache state.
type PerformanceStats struct {
	Store          *Stats `json:"store"`
	CacheBackend   string `json:"cache_backend"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	Algorithm      string `json:"algorithm"`
	Dimensions     int    `json:"feature_dimensions"`
}

// MatchSummary is an active match as seen by one of its users.
type MatchSummary struct {
	MatchID     int64     `json:"match_id"`
	UserID      int64     `json:"user_id"`
	Username    string    `json:"username"`
	FirstName   string    `json:"first_name"`
	Age         *int      `json:"age,omitempty"`
	CurrentCity *string   `json:"current_city,omitempty"`
	MatchedAt   time.Time `json:"matched_at"`
}

// Stats are store-wide counters exported as gauges.
type Stats struct {
	ActiveMatches int64 `json:"active_matches" db:"active_matches"`
	Preferences   int64 `json:"preferences" db:"preferences"`
	Interactions  int64 `json:"interactions" db:"interactions"`
}
