package matching

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

type postgresRepository struct {
	db   *sqlx.DB
	ext  sqlx.ExtContext
	inTx bool
}

func NewPostgresRepository(db *sqlx.DB) Repository {
	return &postgresRepository{db: db, ext: db}
}

const profileColumns = `
	u.id, u.username, u.first_name, u.age, u.height, COALESCE(u.fame, 0) AS fame,
	u.bio, u.current_city, u.gender, COALESCE(u.sex_pref, 'both') AS sex_pref,
	u.alcohol_consumption, u.smoking, u.cannabis, u.drugs, u.pets,
	u.social_activity_level, u.sport_activity, u.education_level, u.religion,
	u.political_view, u.hair_color, u.skin_color, u.eye_color,
	u.relationship_type, u.children_status,
	u.latitude, u.longitude, u.created_at`

// Profile methods

func (r *postgresRepository) GetProfile(ctx context.Context, userID int64) (*UserProfile, error) {
	var p UserProfile
	query := `SELECT ` + profileColumns + ` FROM users u WHERE u.id = $1`

	err := sqlx.GetContext(ctx, r.ext, &p, query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("user", userID)
	}
	if err != nil {
		return nil, storeError("get profile", err)
	}
	return &p, nil
}

func (r *postgresRepository) FindCandidates(ctx context.Context, q *CandidateQuery) ([]*UserProfile, error) {
	excluded := make([]int64, 0)
	if q.Exclude != nil {
		for _, id := range q.Exclude.ToArray() {
			excluded = append(excluded, int64(id))
		}
	}

	args := []interface{}{q.UserID, q.Gender, q.SexPref, q.MinAge, q.MaxAge, pq.Array(excluded)}
	query := `
		SELECT ` + profileColumns + `
		FROM users u
		WHERE u.id <> $1
		  AND u.latitude IS NOT NULL
		  AND u.longitude IS NOT NULL
		  AND u.age BETWEEN $4 AND $5
		  AND (u.sex_pref = $2 OR u.sex_pref = 'both')
		  AND ($3 = 'both' OR u.gender = $3)
		  AND NOT (u.id = ANY($6))
	`
	order := `ORDER BY u.created_at DESC, u.id`

	if q.HasOrigin() {
		args = append(args, *q.Latitude, *q.Longitude)
		distance := distanceSQL(len(args)-1, len(args))
		order = `ORDER BY ` + distance + `, u.id`

		if q.MaxDistanceKm != nil {
			minLat, maxLat, minLng, maxLng, lngOK := boundingBox(*q.Latitude, *q.Longitude, *q.MaxDistanceKm)
			args = append(args, minLat, maxLat)
			query += fmt.Sprintf("  AND u.latitude BETWEEN $%d AND $%d\n", len(args)-1, len(args))
			if lngOK {
				args = append(args, minLng, maxLng)
				query += fmt.Sprintf("  AND u.longitude BETWEEN $%d AND $%d\n", len(args)-1, len(args))
			}
			args = append(args, *q.MaxDistanceKm)
			query += fmt.Sprintf("  AND %s <= $%d\n", distance, len(args))
		}
	}

	query += order
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	var profiles []*UserProfile
	if err := sqlx.SelectContext(ctx, r.ext, &profiles, query, args...); err != nil {
		return nil, storeError("find candidates", err)
	}
	return profiles, nil
}

// distanceSQL is the haversine distance in km between u and the origin held
// in the numbered placeholders.
func distanceSQL(latArg, lngArg int) string {
	return fmt.Sprintf(`(2 * %g * ASIN(LEAST(1, SQRT(
		POWER(SIN(RADIANS(u.latitude - $%[2]d::float8) / 2), 2) +
		COS(RADIANS($%[2]d::float8)) * COS(RADIANS(u.latitude)) *
		POWER(SIN(RADIANS(u.longitude - $%[3]d::float8) / 2), 2)
	))))`, earthRadiusKm, latArg, lngArg)
}

// Preference methods

func (r *postgresRepository) GetPreference(ctx context.Context, userID int64) (*Preference, error) {
	var p Preference
	query := `
		SELECT user_id, preference_vector, age_weight, distance_weight, interests_weight,
		       habits_weight, relationship_weight, total_likes, total_passes,
		       created_at, last_updated
		FROM user_preferences
		WHERE user_id = $1
	`

	err := sqlx.GetContext(ctx, r.ext, &p, query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("preference for user", userID)
	}
	if err != nil {
		return nil, storeError("get preference", err)
	}
	return &p, nil
}

func (r *postgresRepository) CreatePreference(ctx context.Context, p *Preference) (bool, error) {
	query := `
		INSERT INTO user_preferences (
			user_id, preference_vector, age_weight, distance_weight, interests_weight,
			habits_weight, relationship_weight, total_likes, total_passes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id) DO NOTHING
		RETURNING created_at, last_updated
	`

	err := r.ext.QueryRowxContext(ctx, query,
		p.UserID, p.Vector, p.Age, p.Distance, p.Interests, p.Habits, p.Relationship,
		p.TotalLikes, p.TotalPasses,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storeError("create preference", err)
	}
	return true, nil
}

func (r *postgresRepository) UpdatePreference(ctx context.Context, p *Preference) error {
	query := `
		UPDATE user_preferences
		SET preference_vector = $2, age_weight = $3, distance_weight = $4,
		    interests_weight = $5, habits_weight = $6, relationship_weight = $7,
		    total_likes = $8, total_passes = $9, last_updated = $10
		WHERE user_id = $1
	`

	res, err := r.ext.ExecContext(ctx, query,
		p.UserID, p.Vector, p.Age, p.Distance, p.Interests, p.Habits, p.Relationship,
		p.TotalLikes, p.TotalPasses, p.UpdatedAt,
	)
	if err != nil {
		return storeError("update preference", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound("preference for user", p.UserID)
	}
	return nil
}

// Interaction methods

func (r *postgresRepository) UpsertInteraction(ctx context.Context, in *Interaction) error {
	query := `
		INSERT INTO user_interactions (user_id, target_user_id, interaction_type, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, target_user_id)
		DO UPDATE SET
			interaction_type = EXCLUDED.interaction_type,
			created_at = EXCLUDED.created_at
		RETURNING id
	`

	err := r.ext.QueryRowxContext(ctx, query,
		in.UserID, in.TargetUserID, in.InteractionType, in.CreatedAt,
	).Scan(&in.ID)
	if err != nil {
		return storeError("upsert interaction", err)
	}
	return nil
}

func (r *postgresRepository) GetInteraction(ctx context.Context, userID, targetUserID int64) (*Interaction, error) {
	var in Interaction
	query := `
		SELECT id, user_id, target_user_id, interaction_type, created_at
		FROM user_interactions
		WHERE user_id = $1 AND target_user_id = $2
	`

	err := sqlx.GetContext(ctx, r.ext, &in, query, userID, targetUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("interaction from user", userID)
	}
	if err != nil {
		return nil, storeError("get interaction", err)
	}
	return &in, nil
}

func (r *postgresRepository) DeleteInteraction(ctx context.Context, userID, targetUserID int64) error {
	query := `DELETE FROM user_interactions WHERE user_id = $1 AND target_user_id = $2`

	res, err := r.ext.ExecContext(ctx, query, userID, targetUserID)
	if err != nil {
		return storeError("delete interaction", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeError("delete interaction", err)
	}
	if n == 0 {
		return notFound("interaction from user", userID)
	}
	return nil
}

func (r *postgresRepository) ListReceivedLikes(ctx context.Context, userID int64) ([]*Interaction, error) {
	var likes []*Interaction
	query := `
		SELECT id, user_id, target_user_id, interaction_type, created_at
		FROM user_interactions
		WHERE target_user_id = $1 AND interaction_type = 'like'
		ORDER BY created_at DESC, id DESC
	`

	if err := sqlx.SelectContext(ctx, r.ext, &likes, query, userID); err != nil {
		return nil, storeError("list received likes", err)
	}
	return likes, nil
}

func (r *postgresRepository) ListInteractedIDs(ctx context.Context, userID int64) ([]int64, error) {
	var ids []int64
	query := `SELECT target_user_id FROM user_interactions WHERE user_id = $1`

	if err := sqlx.SelectContext(ctx, r.ext, &ids, query, userID); err != nil {
		return nil, storeError("list interacted users", err)
	}
	return ids, nil
}

func (r *postgresRepository) ListBlockerIDs(ctx context.Context, userID int64) ([]int64, error) {
	var ids []int64
	query := `
		SELECT user_id FROM user_interactions
		WHERE target_user_id = $1 AND interaction_type = 'block'
	`

	if err := sqlx.SelectContext(ctx, r.ext, &ids, query, userID); err != nil {
		return nil, storeError("list blockers", err)
	}
	return ids, nil
}

// Match methods

const matchColumns = `id, user1_id, user2_id, match_type, compatibility_score,
	is_active, unmatched_by, unmatched_at, matched_at`

func (r *postgresRepository) GetMatchByPair(ctx context.Context, a, b int64) (*Match, error) {
	lo, hi := CanonicalPair(a, b)
	var m Match
	query := `SELECT ` + matchColumns + ` FROM matches WHERE user1_id = $1 AND user2_id = $2`

	err := sqlx.GetContext(ctx, r.ext, &m, query, lo, hi)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("match for user", a)
	}
	if err != nil {
		return nil, storeError("get match", err)
	}
	return &m, nil
}

// CreateMatch inserts behind a savepoint inside transactions so a unique
// violation leaves the surrounding transaction usable.
func (r *postgresRepository) CreateMatch(ctx context.Context, m *Match) error {
	m.User1ID, m.User2ID = CanonicalPair(m.User1ID, m.User2ID)

	query := `
		INSERT INTO matches (user1_id, user2_id, match_type, compatibility_score)
		VALUES ($1, $2, $3, $4)
		RETURNING id, is_active, matched_at
	`

	if r.inTx {
		if _, err := r.ext.ExecContext(ctx, `SAVEPOINT create_match`); err != nil {
			return storeError("create match", err)
		}
	}

	err := r.ext.QueryRowxContext(ctx, query,
		m.User1ID, m.User2ID, m.MatchType, m.CompatibilityScore,
	).Scan(&m.ID, &m.IsActive, &m.MatchedAt)

	if r.inTx {
		release := `RELEASE SAVEPOINT create_match`
		if err != nil {
			release = `ROLLBACK TO SAVEPOINT create_match`
		}
		if _, spErr := r.ext.ExecContext(ctx, release); spErr != nil {
			return storeError("create match", spErr)
		}
	}

	if isUniqueViolation(err) {
		return ErrMatchExists
	}
	if err != nil {
		return storeError("create match", err)
	}
	return nil
}

func (r *postgresRepository) SetMatchActive(ctx context.Context, matchID int64, active bool, by *int64) error {
	var query string
	var args []interface{}
	if active {
		query = `
			UPDATE matches
			SET is_active = TRUE, unmatched_by = NULL, unmatched_at = NULL,
			    matched_at = CURRENT_TIMESTAMP
			WHERE id = $1
		`
		args = []interface{}{matchID}
	} else {
		query = `
			UPDATE matches
			SET is_active = FALSE, unmatched_by = $2, unmatched_at = CURRENT_TIMESTAMP
			WHERE id = $1
		`
		args = []interface{}{matchID, by}
	}

	res, err := r.ext.ExecContext(ctx, query, args...)
	if err != nil {
		return storeError("set match active", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound("match", matchID)
	}
	return nil
}

func (r *postgresRepository) ListMatches(ctx context.Context, userID int64, activeOnly bool) ([]*Match, error) {
	var matches []*Match
	query := `
		SELECT ` + matchColumns + `
		FROM matches
		WHERE (user1_id = $1 OR user2_id = $1)
		  AND ($2 = FALSE OR is_active = TRUE)
		ORDER BY matched_at DESC
	`

	if err := sqlx.SelectContext(ctx, r.ext, &matches, query, userID, activeOnly); err != nil {
		return nil, storeError("list matches", err)
	}
	return matches, nil
}

// Transactions

func (r *postgresRepository) LockPair(ctx context.Context, a, b int64) error {
	if _, err := r.ext.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, pairLockKey(a, b)); err != nil {
		return storeError("lock pair", err)
	}
	return nil
}

func (r *postgresRepository) RunInTx(ctx context.Context, fn func(tx Repository) error) (err error) {
	if r.inTx {
		return fn(r)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeError("begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(&postgresRepository{db: r.db, ext: tx, inTx: true}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return storeError("commit transaction", err)
	}
	return nil
}

func (r *postgresRepository) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	query := `
		SELECT
			(SELECT COUNT(*) FROM matches WHERE is_active = TRUE) AS active_matches,
			(SELECT COUNT(*) FROM user_preferences) AS preferences,
			(SELECT COUNT(*) FROM user_interactions) AS interactions
	`

	if err := sqlx.GetContext(ctx, r.ext, &st, query); err != nil {
		return nil, storeError("collect stats", err)
	}
	return &st, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// pairLockKey derives the advisory lock key of an unordered pair.
func pairLockKey(a, b int64) int64 {
	lo, hi := CanonicalPair(a, b)
	h := fnv.New64a()
	fmt.Fprintf(h, "%d:%d", lo, hi)
	return int64(h.Sum64())
}
