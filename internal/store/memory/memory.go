// Package memory is an in-process Store implementation used by unit
// tests for components that only need a Store, not a database file.
// It follows internal/storage/memory.go's RWMutex-guarded map style.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentserver/agentserver/internal/models"
	"github.com/agentserver/agentserver/internal/store"
)

type Store struct {
	mu sync.RWMutex

	sessions map[string]*models.Session
	settings map[string]*models.SessionSettings
	turns    map[string]*models.Turn
	steps    map[string]*models.Step
	events   []*models.Event
	seqs     map[string]int64
	policies map[string]*models.ToolPolicy
	mode     models.PermissionGlobalMode
	perms    map[string]*models.PermissionRequest
	changes  []*models.FileChange
	versions map[string][]*models.FileVersion // keyed by sessionID+"\x00"+path
	context  map[string]*models.ContextItem
}

func New() *Store {
	return &Store{
		sessions: map[string]*models.Session{},
		settings: map[string]*models.SessionSettings{},
		turns:    map[string]*models.Turn{},
		steps:    map[string]*models.Step{},
		seqs:     map[string]int64{},
		policies: map[string]*models.ToolPolicy{},
		mode:     models.ModeAsk,
		perms:    map[string]*models.PermissionRequest{},
		versions: map[string][]*models.FileVersion{},
		context:  map[string]*models.ContextItem{},
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *sess
	s.sessions[sess.ID] = &c
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *sess
	return &c, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		c := *sess
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) UpdateSession(ctx context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return store.ErrNotFound
	}
	c := *sess
	s.sessions[sess.ID] = &c
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	delete(s.settings, id)
	turnIDs := map[string]bool{}
	for tid, t := range s.turns {
		if t.SessionID == id {
			turnIDs[tid] = true
			delete(s.turns, tid)
		}
	}
	for stid, st := range s.steps {
		if turnIDs[st.TurnID] {
			delete(s.steps, stid)
		}
	}
	filtered := s.events[:0]
	for _, e := range s.events {
		if e.SessionID != id {
			filtered = append(filtered, e)
		}
	}
	s.events = filtered
	delete(s.seqs, id)
	for pid, p := range s.perms {
		if p.SessionID == id {
			delete(s.perms, pid)
		}
	}
	for k := range s.versions {
		if len(k) >= len(id) && k[:len(id)] == id {
			delete(s.versions, k)
		}
	}
	for cid, c := range s.context {
		if c.SessionID == id {
			delete(s.context, cid)
		}
	}
	return nil
}

func (s *Store) GetSessionSettings(ctx context.Context, sessionID string) (*models.SessionSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.settings[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *set
	return &c, nil
}

func (s *Store) UpsertSessionSettings(ctx context.Context, set *models.SessionSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *set
	s.settings[set.SessionID] = &c
	return nil
}

func (s *Store) DeleteSessionSettings(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.settings, sessionID)
	return nil
}

func (s *Store) CreateTurn(ctx context.Context, t *models.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *t
	s.turns[t.ID] = &c
	return nil
}

func (s *Store) GetTurn(ctx context.Context, id string) (*models.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.turns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]*models.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Turn
	for _, t := range s.turns {
		if t.SessionID == sessionID {
			c := *t
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateStep(ctx context.Context, st *models.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *st
	s.steps[st.ID] = &c
	return nil
}

func (s *Store) UpdateStep(ctx context.Context, st *models.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.steps[st.ID]; !ok {
		return store.ErrNotFound
	}
	c := *st
	s.steps[st.ID] = &c
	return nil
}

func (s *Store) ListSteps(ctx context.Context, turnID string) ([]*models.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Step
	for _, st := range s.steps {
		if st.TurnID == turnID {
			c := *st
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Idx < out[j].Idx })
	return out, nil
}

// AppendEvent allocates the global id and per-session seq and appends
// the event under a single lock, so ids stay strictly increasing
// across sessions publishing concurrently (§4.3).
func (s *Store) AppendEvent(ctx context.Context, d store.EventDraft) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var maxID int64
	for _, e := range s.events {
		if e.ID > maxID {
			maxID = e.ID
		}
	}
	s.seqs[d.SessionID]++

	e := &models.Event{
		ID:        maxID + 1,
		Seq:       s.seqs[d.SessionID],
		SessionID: d.SessionID,
		TurnID:    d.TurnID,
		StepID:    d.StepID,
		Ts:        d.Ts,
		Type:      d.Type,
		Payload:   d.Payload,
	}
	c := *e
	s.events = append(s.events, &c)
	return e, nil
}

func (s *Store) EventsSince(ctx context.Context, sessionID string, sinceID int64) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Event
	for _, e := range s.events {
		if e.SessionID == sessionID && e.ID > sinceID {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) EventsSinceSeq(ctx context.Context, sessionID string, sinceSeq int64) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Event
	for _, e := range s.events {
		if e.SessionID == sessionID && e.Seq > sinceSeq {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) LatestEventID(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max int64
	for _, e := range s.events {
		if e.ID > max {
			max = e.ID
		}
	}
	return max, nil
}

func (s *Store) GetToolPolicy(ctx context.Context, name string) (*models.ToolPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *p
	return &c, nil
}

func (s *Store) ListToolPolicies(ctx context.Context) ([]*models.ToolPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ToolPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		c := *p
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolName < out[j].ToolName })
	return out, nil
}

func (s *Store) UpsertToolPolicy(ctx context.Context, p *models.ToolPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *p
	s.policies[p.ToolName] = &c
	return nil
}

func (s *Store) GetPermissionMode(ctx context.Context) (models.PermissionGlobalMode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode, nil
}

func (s *Store) SetPermissionMode(ctx context.Context, mode models.PermissionGlobalMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
	return nil
}

func (s *Store) CreatePermissionRequest(ctx context.Context, r *models.PermissionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *r
	s.perms[r.ID] = &c
	return nil
}

func (s *Store) GetPermissionRequest(ctx context.Context, id string) (*models.PermissionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.perms[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *r
	return &c, nil
}

func (s *Store) ListPendingPermissionRequests(ctx context.Context, sessionID string) ([]*models.PermissionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.PermissionRequest
	for _, r := range s.perms {
		if r.SessionID == sessionID && r.Status == models.PermissionPending {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ResolvePermissionRequest(ctx context.Context, id string, status models.PermissionRequestStatus, scope models.PermissionScope, resolvedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.perms[id]
	if !ok {
		return store.ErrNotFound
	}
	if r.Status != models.PermissionPending {
		return store.ErrConflict
	}
	r.Status = status
	r.Scope = scope
	r.ResolvedAt = resolvedAt
	return nil
}

func (s *Store) ExpirePendingOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, r := range s.perms {
		if r.Status == models.PermissionPending && r.CreatedAt.Before(cutoff) {
			r.Status = models.PermissionExpired
			r.Scope = models.ScopeOnce
			r.ResolvedAt = time.Now()
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

func (s *Store) CreateFileChange(ctx context.Context, c *models.FileChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc := *c
	s.changes = append(s.changes, &cc)
	return nil
}

func versionKey(sessionID, path string) string { return sessionID + "\x00" + path }

func (s *Store) CreateFileVersion(ctx context.Context, v *models.FileVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *v
	key := versionKey(v.SessionID, v.Path)
	s.versions[key] = append(s.versions[key], &c)
	return nil
}

func (s *Store) NextFileVersionIdx(ctx context.Context, sessionID, path string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.versions[versionKey(sessionID, path)]) + 1, nil
}

func (s *Store) ListFileVersions(ctx context.Context, sessionID, path string) ([]*models.FileVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.versions[versionKey(sessionID, path)]
	out := make([]*models.FileVersion, len(src))
	for i, v := range src {
		c := *v
		out[i] = &c
	}
	return out, nil
}

func (s *Store) GetFileVersion(ctx context.Context, id string) (*models.FileVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, versions := range s.versions {
		for _, v := range versions {
			if v.ID == id {
				c := *v
				return &c, nil
			}
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) LatestFileVersion(ctx context.Context, sessionID, path string) (*models.FileVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.versions[versionKey(sessionID, path)]
	if len(src) == 0 {
		return nil, store.ErrNotFound
	}
	c := *src[len(src)-1]
	return &c, nil
}

func (s *Store) CreateContextItem(ctx context.Context, c *models.ContextItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc := *c
	s.context[c.ID] = &cc
	return nil
}

func (s *Store) GetContextItem(ctx context.Context, id string) (*models.ContextItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.context[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cc := *c
	return &cc, nil
}

func (s *Store) ListContextItems(ctx context.Context, sessionID string) ([]*models.ContextItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ContextItem
	for _, c := range s.context {
		if c.SessionID == sessionID {
			cc := *c
			out = append(out, &cc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateContextItem(ctx context.Context, c *models.ContextItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.context[c.ID]; !ok {
		return store.ErrNotFound
	}
	cc := *c
	s.context[c.ID] = &cc
	return nil
}

func (s *Store) DeleteContextItem(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.context, id)
	return nil
}

var _ store.Store = (*Store)(nil)
