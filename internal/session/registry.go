package session

import (
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/codefionn/captchaharvester/internal/logger"
)

// DefaultShards is the shard count used when NewRegistry is given a non-positive value
const DefaultShards = 16

// Registry is the table of active sessions keyed by correlation id.
// Sessions are spread over shards by hashing the id so unrelated ids never
// contend for the same lock.
type Registry struct {
	shards []*shard
	log    *logger.Logger
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// Info is a point-in-time description of a pending session
type Info struct {
	ID        string    `json:"captchaId"`
	PageURL   string    `json:"pageUrl"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewRegistry creates an empty registry with the given number of shards
func NewRegistry(shards int) *Registry {
	if shards <= 0 {
		shards = DefaultShards
	}
	r := &Registry{
		shards: make([]*shard, shards),
		log:    logger.Global().WithPrefix("registry"),
	}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	return r.shards[xxhash.Sum64String(id)%uint64(len(r.shards))]
}

// Create admits req as a new pending session whose outcome will be handed to
// sink. It fails with *ValidationError when a required field is empty and with
// *DuplicateIDError when the correlation id already has an active session; in
// both cases nothing is added and any existing session is left untouched.
func (r *Registry) Create(req ChallengeRequest, sink Sink) (*Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, ErrNilSink
	}

	sh := r.shardFor(req.CorrelationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.sessions[req.CorrelationID]; exists {
		return nil, &DuplicateIDError{ID: req.CorrelationID}
	}

	s := &Session{
		request:   req,
		createdAt: time.Now(),
		sink:      sink,
		state:     StatePending,
	}
	sh.sessions[req.CorrelationID] = s
	r.log.Debug("Session %s created", req.CorrelationID)
	return s, nil
}

// CompleteOnce delivers o to the session's sink if the session is still
// pending, removes it and returns true. For an unknown or already completed
// id it returns false without side effects.
func (r *Registry) CompleteOnce(id string, o Outcome) bool {
	return r.complete(id, nil, o)
}

// Complete is CompleteOnce for a specific session. It returns false when s
// has already completed, even if a newer session reuses its id.
func (r *Registry) Complete(s *Session, o Outcome) bool {
	return r.complete(s.ID(), s, o)
}

func (r *Registry) complete(id string, expected *Session, o Outcome) bool {
	sh := r.shardFor(id)
	sh.mu.Lock()
	s, ok := sh.sessions[id]
	if !ok || (expected != nil && s != expected) || !s.responded.CompareAndSwap(false, true) {
		sh.mu.Unlock()
		r.log.Debug("Ignoring %s for session %s: already completed", o, id)
		return false
	}
	delete(sh.sessions, id)
	sh.mu.Unlock()

	s.finish(o)
	r.log.Debug("Session %s completed: %s", id, o)
	return true
}

// Get returns the pending session for id
func (r *Registry) Get(id string) (*Session, bool) {
	sh := r.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[id]
	return s, ok
}

// Len returns the number of pending sessions
func (r *Registry) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		n += len(sh.sessions)
		sh.mu.Unlock()
	}
	return n
}

// Snapshot lists pending sessions, oldest first
func (r *Registry) Snapshot() []Info {
	var infos []Info
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, s := range sh.sessions {
			infos = append(infos, Info{
				ID:        s.ID(),
				PageURL:   s.request.PageURL,
				CreatedAt: s.createdAt,
			})
		}
		sh.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Drain completes every pending session with o and returns how many were delivered
func (r *Registry) Drain(o Outcome) int {
	delivered := 0
	for _, info := range r.Snapshot() {
		if r.CompleteOnce(info.ID, o) {
			delivered++
		}
	}
	return delivered
}
