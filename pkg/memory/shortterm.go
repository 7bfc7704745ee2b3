package memory

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ShortTermOptions bounds per-session short-term state.
type ShortTermOptions struct {
	TokenBudget  int
	MaxQueueSize int
	MaxAccessLog int
	RejectOnFull bool
	Counter      TokenCounter
	// OnEvict is called after the store drops state to stay under a bound.
	// Kind is "turns" or "pending". Called outside session locks.
	OnEvict func(sess Session, kind string, count int)
}

// ShortTermStore holds ephemeral per-session state: the conversation buffer,
// the working context, and the pending promotion queue. Each session's state
// lives behind its own mutex and is reachable only through this registry, so
// two sessions' short-term state can never alias.
type ShortTermStore struct {
	opts ShortTermOptions

	mu       sync.Mutex
	sessions map[string]*sessionMemory
}

type sessionMemory struct {
	mu        sync.Mutex
	startedAt time.Time

	turns      []Turn
	usedTokens int

	ctx map[string]ContextEntry

	accessLog  []AccessRecord
	accessNext int
	accessFull bool

	pending []Item
}

// NewShortTermStore creates a registry with the given bounds. Zero options
// fall back to safe defaults.
func NewShortTermStore(opts ShortTermOptions) *ShortTermStore {
	if opts.TokenBudget <= 0 {
		opts.TokenBudget = 4096
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = 100
	}
	if opts.MaxAccessLog <= 0 {
		opts.MaxAccessLog = 1000
	}
	if opts.Counter == nil {
		opts.Counter = EstimateTokens
	}
	return &ShortTermStore{
		opts:     opts,
		sessions: make(map[string]*sessionMemory),
	}
}

func (s *ShortTermStore) session(sess Session) (*sessionMemory, error) {
	if !sess.Valid() {
		return nil, &ValidationError{Field: "session", Reason: "zero handle"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sm, ok := s.sessions[sess.ID()]
	if !ok {
		sm = &sessionMemory{
			startedAt: time.Now(),
			ctx:       make(map[string]ContextEntry),
			accessLog: make([]AccessRecord, s.opts.MaxAccessLog),
		}
		s.sessions[sess.ID()] = sm
	}
	return sm, nil
}

// Sessions lists handles for every session with live short-term state.
func (s *ShortTermStore) Sessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, Session{id: id})
	}
	return out
}

// SessionStart reports when the session's short-term state was created. Items
// created after this instant earn the promotion recency bonus.
func (s *ShortTermStore) SessionStart(sess Session) (time.Time, error) {
	sm, err := s.session(sess)
	if err != nil {
		return time.Time{}, err
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.startedAt, nil
}

// EndSession destroys the session's short-term state. Long-term entries are
// unaffected.
func (s *ShortTermStore) EndSession(sess Session) {
	if !sess.Valid() {
		return
	}
	s.mu.Lock()
	delete(s.sessions, sess.ID())
	s.mu.Unlock()
}

// AddTurn appends a conversation turn and evicts oldest turns until the
// buffer is back under its token budget. The running token accumulator makes
// eviction a single pass with no per-removal recount.
func (s *ShortTermStore) AddTurn(sess Session, role, content string) error {
	sm, err := s.session(sess)
	if err != nil {
		return err
	}
	turn := Turn{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
		Tokens:    s.opts.Counter(content),
	}

	sm.mu.Lock()
	sm.turns = append(sm.turns, turn)
	sm.usedTokens += turn.Tokens
	drop := 0
	for sm.usedTokens > s.opts.TokenBudget && drop < len(sm.turns) {
		sm.usedTokens -= sm.turns[drop].Tokens
		drop++
	}
	if drop > 0 {
		sm.turns = append(sm.turns[:0], sm.turns[drop:]...)
	}
	sm.mu.Unlock()

	if drop > 0 && s.opts.OnEvict != nil {
		s.opts.OnEvict(sess, "turns", drop)
	}
	return nil
}

// Conversation returns a snapshot of the buffered turns, oldest first.
func (s *ShortTermStore) Conversation(sess Session) ([]Turn, error) {
	sm, err := s.session(sess)
	if err != nil {
		return nil, err
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]Turn, len(sm.turns))
	copy(out, sm.turns)
	return out, nil
}

// BufferTokens reports the running token total of the conversation buffer.
func (s *ShortTermStore) BufferTokens(sess Session) (int, error) {
	sm, err := s.session(sess)
	if err != nil {
		return 0, err
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.usedTokens, nil
}

// SetContext writes a working-context entry, recording its inferred type and
// an access-log record.
func (s *ShortTermStore) SetContext(sess Session, key string, value any) error {
	sm, err := s.session(sess)
	if err != nil {
		return err
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.ctx[key] = ContextEntry{
		Value:         value,
		LastAccess:    time.Now(),
		SuggestedType: InferType(key),
	}
	sm.logAccess(key, "set")
	return nil
}

// GetContext reads a working-context value, bumping its last-access time.
func (s *ShortTermStore) GetContext(sess Session, key string) (any, bool, error) {
	sm, err := s.session(sess)
	if err != nil {
		return nil, false, err
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	entry, ok := sm.ctx[key]
	if !ok {
		return nil, false, nil
	}
	entry.LastAccess = time.Now()
	sm.ctx[key] = entry
	sm.logAccess(key, "get")
	return entry.Value, true, nil
}

// ListContext snapshots every working-context entry for inspection or
// serialization.
func (s *ShortTermStore) ListContext(sess Session) (map[string]ContextEntry, error) {
	sm, err := s.session(sess)
	if err != nil {
		return nil, err
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make(map[string]ContextEntry, len(sm.ctx))
	for k, v := range sm.ctx {
		out[k] = v
	}
	return out, nil
}

// SuggestType returns the type the working context would infer for key
// without mutating any state.
func (s *ShortTermStore) SuggestType(sess Session, key string, _ any) (ItemType, error) {
	if !sess.Valid() {
		return "", &ValidationError{Field: "session", Reason: "zero handle"}
	}
	return InferType(key), nil
}

// AccessLog returns the working-context access records, oldest first. The log
// is a fixed-capacity ring; once full the oldest records are overwritten.
func (s *ShortTermStore) AccessLog(sess Session) ([]AccessRecord, error) {
	sm, err := s.session(sess)
	if err != nil {
		return nil, err
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if !sm.accessFull {
		out := make([]AccessRecord, sm.accessNext)
		copy(out, sm.accessLog[:sm.accessNext])
		return out, nil
	}
	out := make([]AccessRecord, 0, len(sm.accessLog))
	out = append(out, sm.accessLog[sm.accessNext:]...)
	out = append(out, sm.accessLog[:sm.accessNext]...)
	return out, nil
}

func (sm *sessionMemory) logAccess(key, op string) {
	if len(sm.accessLog) == 0 {
		return
	}
	sm.accessLog[sm.accessNext] = AccessRecord{Key: key, Op: op, At: time.Now()}
	sm.accessNext++
	if sm.accessNext == len(sm.accessLog) {
		sm.accessNext = 0
		sm.accessFull = true
	}
}

// EnqueuePending appends an item to the bounded FIFO promotion queue. Missing
// id and timestamps are stamped here; a session id that disagrees with the
// handle is rejected. On overflow the oldest entry is evicted unless the
// store was configured reject-on-full, in which case ErrCapacity is returned.
func (s *ShortTermStore) EnqueuePending(sess Session, item Item) error {
	sm, err := s.session(sess)
	if err != nil {
		return err
	}
	if item.SessionID == "" {
		item.SessionID = sess.ID()
	} else if item.SessionID != sess.ID() {
		return &ValidationError{Field: "session_id", Reason: "item belongs to another session"}
	}
	if item.ID == "" {
		item.ID = ulid.Make().String()
	}
	now := time.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if item.Type != "" {
		item.Explicit = true
	}

	sm.mu.Lock()
	evicted := false
	if len(sm.pending) >= s.opts.MaxQueueSize {
		if s.opts.RejectOnFull {
			sm.mu.Unlock()
			return ErrCapacity
		}
		sm.pending = append(sm.pending[:0], sm.pending[1:]...)
		evicted = true
	}
	sm.pending = append(sm.pending, item)
	sm.mu.Unlock()

	if evicted && s.opts.OnEvict != nil {
		s.opts.OnEvict(sess, "pending", 1)
	}
	return nil
}

// DequeuePending pops the oldest pending item.
func (s *ShortTermStore) DequeuePending(sess Session) (Item, bool, error) {
	sm, err := s.session(sess)
	if err != nil {
		return Item{}, false, err
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if len(sm.pending) == 0 {
		return Item{}, false, nil
	}
	item := sm.pending[0]
	sm.pending = append(sm.pending[:0], sm.pending[1:]...)
	return item, true, nil
}

// ReEnqueuePending moves the identified item to the back of the queue.
func (s *ShortTermStore) ReEnqueuePending(sess Session, id string) (bool, error) {
	sm, err := s.session(sess)
	if err != nil {
		return false, err
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for i, item := range sm.pending {
		if item.ID == id {
			sm.pending = append(sm.pending[:i], sm.pending[i+1:]...)
			sm.pending = append(sm.pending, item)
			return true, nil
		}
	}
	return false, nil
}

// PendingItems snapshots the queue, oldest first.
func (s *ShortTermStore) PendingItems(sess Session) ([]Item, error) {
	sm, err := s.session(sess)
	if err != nil {
		return nil, err
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]Item, len(sm.pending))
	copy(out, sm.pending)
	return out, nil
}

// PendingLen reports the queue depth.
func (s *ShortTermStore) PendingLen(sess Session) (int, error) {
	sm, err := s.session(sess)
	if err != nil {
		return 0, err
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.pending), nil
}

// enqueueBack returns an already-dequeued item to the back of the queue.
// Used by the promotion engine for implicit skips and failed persists. The
// queue can refill concurrently while the item is being evaluated; if it is
// back at capacity the oldest queued entry is evicted so the returning item
// is never destroyed.
func (s *ShortTermStore) enqueueBack(sess Session, item Item) {
	sm, err := s.session(sess)
	if err != nil {
		return
	}
	sm.mu.Lock()
	evicted := false
	if len(sm.pending) >= s.opts.MaxQueueSize && len(sm.pending) > 0 {
		sm.pending = append(sm.pending[:0], sm.pending[1:]...)
		evicted = true
	}
	sm.pending = append(sm.pending, item)
	sm.mu.Unlock()

	if evicted && s.opts.OnEvict != nil {
		s.opts.OnEvict(sess, "pending", 1)
	}
}

// enqueueFront restores an already-dequeued item to the front of the queue,
// preserving its position when a promotion batch stops early. Same overflow
// policy as enqueueBack: the oldest queued entry makes room.
func (s *ShortTermStore) enqueueFront(sess Session, item Item) {
	sm, err := s.session(sess)
	if err != nil {
		return
	}
	sm.mu.Lock()
	evicted := false
	if len(sm.pending) >= s.opts.MaxQueueSize && len(sm.pending) > 0 {
		sm.pending = sm.pending[1:]
		evicted = true
	}
	sm.pending = append([]Item{item}, sm.pending...)
	sm.mu.Unlock()

	if evicted && s.opts.OnEvict != nil {
		s.opts.OnEvict(sess, "pending", 1)
	}
}
