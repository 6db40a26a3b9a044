package matching

import (
	"context"
	"sort"
	"sync"
	"time"
)

type pairKey struct{ a, b int64 }

type memoryState struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	profiles     map[int64]UserProfile
	preferences  map[int64]*Preference
	interactions map[pairKey]Interaction
	matches      map[pairKey]Match
	nextID       int64
}

func (s *memoryState) snapshot() *memoryState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := &memoryState{
		profiles:     s.profiles,
		preferences:  make(map[int64]*Preference, len(s.preferences)),
		interactions: make(map[pairKey]Interaction, len(s.interactions)),
		matches:      make(map[pairKey]Match, len(s.matches)),
		nextID:       s.nextID,
	}
	for k, v := range s.preferences {
		c.preferences[k] = v.clone()
	}
	for k, v := range s.interactions {
		c.interactions[k] = v
	}
	for k, v := range s.matches {
		c.matches[k] = v
	}
	return c
}

func (s *memoryState) restore(from *memoryState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferences = from.preferences
	s.interactions = from.interactions
	s.matches = from.matches
	s.nextID = from.nextID
}

// MemoryRepository keeps everything in process memory. Transactions are
// serialized and roll back by restoring a snapshot. It backs tests and
// STORE_DRIVER=memory.
type MemoryRepository struct {
	s    *memoryState
	inTx bool
	now  func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		s: &memoryState{
			profiles:     make(map[int64]UserProfile),
			preferences:  make(map[int64]*Preference),
			interactions: make(map[pairKey]Interaction),
			matches:      make(map[pairKey]Match),
		},
		now: time.Now,
	}
}

// AddProfile seeds or replaces a profile.
func (r *MemoryRepository) AddProfile(p UserProfile) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = r.now()
	}
	r.s.profiles[p.ID] = p
}

// writeLock serializes writes made outside a transaction with running
// transactions so a rollback cannot discard them.
func (r *MemoryRepository) writeLock() func() {
	if r.inTx {
		return func() {}
	}
	r.s.txMu.Lock()
	return r.s.txMu.Unlock
}

func (r *MemoryRepository) GetProfile(ctx context.Context, userID int64) (*UserProfile, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	p, ok := r.s.profiles[userID]
	if !ok {
		return nil, notFound("user", userID)
	}
	return &p, nil
}

func (r *MemoryRepository) FindCandidates(ctx context.Context, q *CandidateQuery) ([]*UserProfile, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*UserProfile, 0)
	for _, p := range r.s.profiles {
		if q.Accepts(&p) {
			p := p
			out = append(out, &p)
		}
	}
	if q.HasOrigin() {
		sort.Slice(out, func(i, j int) bool {
			di, dj := q.DistanceKm(out[i]), q.DistanceKm(out[j])
			if di != dj {
				return di < dj
			}
			return out[i].ID < out[j].ID
		})
	} else {
		sort.Slice(out, func(i, j int) bool {
			if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].CreatedAt.After(out[j].CreatedAt)
			}
			return out[i].ID < out[j].ID
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) GetPreference(ctx context.Context, userID int64) (*Preference, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	p, ok := r.s.preferences[userID]
	if !ok {
		return nil, notFound("preference for user", userID)
	}
	return p.clone(), nil
}

func (r *MemoryRepository) CreatePreference(ctx context.Context, p *Preference) (bool, error) {
	defer r.writeLock()()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.preferences[p.UserID]; ok {
		return false, nil
	}
	now := r.now()
	p.CreatedAt, p.UpdatedAt = now, now
	r.s.preferences[p.UserID] = p.clone()
	return true, nil
}

func (r *MemoryRepository) UpdatePreference(ctx context.Context, p *Preference) error {
	defer r.writeLock()()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.preferences[p.UserID]; !ok {
		return notFound("preference for user", p.UserID)
	}
	r.s.preferences[p.UserID] = p.clone()
	return nil
}

func (r *MemoryRepository) UpsertInteraction(ctx context.Context, in *Interaction) error {
	defer r.writeLock()()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := pairKey{in.UserID, in.TargetUserID}
	if existing, ok := r.s.interactions[key]; ok {
		in.ID = existing.ID
	} else {
		r.s.nextID++
		in.ID = r.s.nextID
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = r.now()
	}
	r.s.interactions[key] = *in
	return nil
}

func (r *MemoryRepository) GetInteraction(ctx context.Context, userID, targetUserID int64) (*Interaction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	in, ok := r.s.interactions[pairKey{userID, targetUserID}]
	if !ok {
		return nil, notFound("interaction from user", userID)
	}
	return &in, nil
}

func (r *MemoryRepository) DeleteInteraction(ctx context.Context, userID, targetUserID int64) error {
	defer r.writeLock()()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := pairKey{userID, targetUserID}
	if _, ok := r.s.interactions[key]; !ok {
		return notFound("interaction from user", userID)
	}
	delete(r.s.interactions, key)
	return nil
}

func (r *MemoryRepository) ListReceivedLikes(ctx context.Context, userID int64) ([]*Interaction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var likes []*Interaction
	for key, in := range r.s.interactions {
		if key.b == userID && in.InteractionType == KindLike {
			in := in
			likes = append(likes, &in)
		}
	}
	sort.Slice(likes, func(i, j int) bool {
		if !likes[i].CreatedAt.Equal(likes[j].CreatedAt) {
			return likes[i].CreatedAt.After(likes[j].CreatedAt)
		}
		return likes[i].ID > likes[j].ID
	})
	return likes, nil
}

func (r *MemoryRepository) ListInteractedIDs(ctx context.Context, userID int64) ([]int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var ids []int64
	for key := range r.s.interactions {
		if key.a == userID {
			ids = append(ids, key.b)
		}
	}
	return ids, nil
}

func (r *MemoryRepository) ListBlockerIDs(ctx context.Context, userID int64) ([]int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var ids []int64
	for key, in := range r.s.interactions {
		if key.b == userID && in.InteractionType == KindBlock {
			ids = append(ids, key.a)
		}
	}
	return ids, nil
}

func (r *MemoryRepository) GetMatchByPair(ctx context.Context, a, b int64) (*Match, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	lo, hi := CanonicalPair(a, b)
	m, ok := r.s.matches[pairKey{lo, hi}]
	if !ok {
		return nil, notFound("match for user", a)
	}
	return &m, nil
}

func (r *MemoryRepository) CreateMatch(ctx context.Context, m *Match) error {
	defer r.writeLock()()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	m.User1ID, m.User2ID = CanonicalPair(m.User1ID, m.User2ID)
	key := pairKey{m.User1ID, m.User2ID}
	if _, ok := r.s.matches[key]; ok {
		return ErrMatchExists
	}
	r.s.nextID++
	m.ID = r.s.nextID
	m.IsActive = true
	m.MatchedAt = r.now()
	r.s.matches[key] = *m
	return nil
}

func (r *MemoryRepository) SetMatchActive(ctx context.Context, matchID int64, active bool, by *int64) error {
	defer r.writeLock()()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for key, m := range r.s.matches {
		if m.ID != matchID {
			continue
		}
		m.IsActive = active
		if active {
			m.UnmatchedBy, m.UnmatchedAt = nil, nil
			m.MatchedAt = r.now()
		} else {
			now := r.now()
			m.UnmatchedBy, m.UnmatchedAt = by, &now
		}
		r.s.matches[key] = m
		return nil
	}
	return notFound("match", matchID)
}

func (r *MemoryRepository) ListMatches(ctx context.Context, userID int64, activeOnly bool) ([]*Match, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*Match
	for _, m := range r.s.matches {
		if m.User1ID != userID && m.User2ID != userID {
			continue
		}
		if activeOnly && !m.IsActive {
			continue
		}
		m := m
		out = append(out, &m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MatchedAt.After(out[j].MatchedAt) })
	return out, nil
}

// LockPair is a no-op: memory transactions are already serialized.
func (r *MemoryRepository) LockPair(ctx context.Context, a, b int64) error {
	return nil
}

func (r *MemoryRepository) RunInTx(ctx context.Context, fn func(tx Repository) error) (err error) {
	if r.inTx {
		return fn(r)
	}

	r.s.txMu.Lock()
	defer r.s.txMu.Unlock()

	saved := r.s.snapshot()
	tx := &MemoryRepository{s: r.s, inTx: true, now: r.now}

	defer func() {
		if p := recover(); p != nil {
			r.s.restore(saved)
			panic(p)
		}
		if err != nil {
			r.s.restore(saved)
		}
	}()

	return fn(tx)
}

func (r *MemoryRepository) Stats(ctx context.Context) (*Stats, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	st := &Stats{
		Preferences:  int64(len(r.s.preferences)),
		Interactions: int64(len(r.s.interactions)),
	}
	for _, m := range r.s.matches {
		if m.IsActive {
			st.ActiveMatches++
		}
	}
	return st, nil
}
