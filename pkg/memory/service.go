package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dotsetgreg/agentmem/pkg/events"
)

// Config configures the memory subsystem. All knobs are per-deployment
// overridable; zero values take the documented defaults.
type Config struct {
	// StorePath locates the sqlite long-term database. Ignored when Store is
	// provided.
	StorePath string
	// Store overrides the long-term backend (embedding, tests).
	Store Store

	TokenBudget  int
	MaxQueueSize int
	MaxAccessLog int
	RejectOnFull bool

	Promotion Options

	CandidateLimit int
	CacheTTL       time.Duration
	MaxCacheSize   int

	// JanitorSpec is a cron expression for background maintenance (implicit
	// promotion sweeps, cache purge). Empty disables the janitor.
	JanitorSpec string

	Counter TokenCounter
	Logger  *slog.Logger
}

// Service is the orchestrator-facing facade over the short-term store, the
// promotion engine, the long-term client, and retrieval.
type Service struct {
	cfg       Config
	store     Store
	client    *Client
	stm       *ShortTermStore
	promoter  *Engine
	retriever *RetrievalEngine
	log       *slog.Logger

	events *events.Feed
	cron   *cron.Cron

	closeOnce sync.Once
	closeErr  error
}

// NewService opens the long-term store and wires every engine. Close releases
// the store and stops the janitor.
func NewService(cfg Config) (*Service, error) {
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = 4096
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 100
	}
	if cfg.MaxAccessLog <= 0 {
		cfg.MaxAccessLog = 1000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.MaxCacheSize <= 0 {
		cfg.MaxCacheSize = 100
	}
	if cfg.Counter == nil {
		cfg.Counter = EstimateTokens
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Promotion = cfg.Promotion.withDefaults()

	store := cfg.Store
	if store == nil {
		if strings.TrimSpace(cfg.StorePath) == "" {
			return nil, fmt.Errorf("memory store path is required")
		}
		var err error
		store, err = NewSQLiteStore(cfg.StorePath)
		if err != nil {
			return nil, err
		}
	}

	client := NewClient(store)
	feed := events.NewFeed()
	stm := NewShortTermStore(ShortTermOptions{
		TokenBudget:  cfg.TokenBudget,
		MaxQueueSize: cfg.MaxQueueSize,
		MaxAccessLog: cfg.MaxAccessLog,
		RejectOnFull: cfg.RejectOnFull,
		Counter:      cfg.Counter,
		OnEvict: func(sess Session, kind string, count int) {
			ev := events.Event{SessionID: sess.ID(), Count: count}
			switch kind {
			case "turns":
				ev.Kind = events.KindTurnEvicted
			case "pending":
				ev.Kind = events.KindPendingEvicted
			}
			feed.Publish(ev)
		},
	})

	svc := &Service{
		cfg:      cfg,
		store:    store,
		client:   client,
		stm:      stm,
		promoter: NewEngine(stm, client),
		retriever: NewRetrievalEngine(client, RetrievalOptions{
			CandidateLimit: cfg.CandidateLimit,
			CacheTTL:       cfg.CacheTTL,
			MaxCacheSize:   cfg.MaxCacheSize,
			Counter:        cfg.Counter,
		}),
		log:    cfg.Logger,
		events: feed,
	}

	if spec := strings.TrimSpace(cfg.JanitorSpec); spec != "" {
		svc.cron = cron.New()
		if _, err := svc.cron.AddFunc(spec, svc.sweep); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("invalid janitor spec %q: %w", spec, err)
		}
		svc.cron.Start()
	}
	return svc, nil
}

// Close stops the janitor and releases the long-term store. Idempotent.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
		s.events.Close()
		s.closeErr = s.store.Close()
	})
	return s.closeErr
}

// AddMessage appends a conversation turn; the buffer is evicted back under
// its token budget before the call returns.
func (s *Service) AddMessage(sess Session, role, content string) error {
	return s.stm.AddTurn(sess, role, content)
}

// GetConversation snapshots the session's buffered turns.
func (s *Service) GetConversation(sess Session) ([]Turn, error) {
	return s.stm.Conversation(sess)
}

// SetContext writes a working-context entry.
func (s *Service) SetContext(sess Session, key string, value any) error {
	return s.stm.SetContext(sess, key, value)
}

// GetContext reads a working-context entry.
func (s *Service) GetContext(sess Session, key string) (any, bool, error) {
	return s.stm.GetContext(sess, key)
}

// ListContext snapshots the session's working context.
func (s *Service) ListContext(sess Session) (map[string]ContextEntry, error) {
	return s.stm.ListContext(sess)
}

// SuggestType returns the inferred type for a working-context key without
// mutating state.
func (s *Service) SuggestType(sess Session, key string, value any) (ItemType, error) {
	return s.stm.SuggestType(sess, key, value)
}

// Remember queues an item for promotion evaluation.
func (s *Service) Remember(sess Session, item Item) error {
	return s.stm.EnqueuePending(sess, item)
}

// Pending snapshots the session's promotion queue.
func (s *Service) Pending(sess Session) ([]Item, error) {
	return s.stm.PendingItems(sess)
}

// TriggerPromotion runs one promotion batch in the given mode.
func (s *Service) TriggerPromotion(ctx context.Context, sess Session, opts Options, mode Mode) (PromotionReport, error) {
	report, err := s.promoter.EvaluateAndPromote(ctx, sess, opts, mode)
	if err == nil {
		s.publishOutcomes(sess, report)
	}
	return report, err
}

// PromoteAll forces every pending item into long-term storage.
func (s *Service) PromoteAll(ctx context.Context, sess Session) (PromotionReport, error) {
	report, err := s.promoter.PromoteAll(ctx, sess)
	if err == nil {
		s.publishOutcomes(sess, report)
	}
	return report, err
}

// Search ranks long-term memories for the session.
func (s *Service) Search(ctx context.Context, sess Session, q SearchQuery) ([]ScoredMemory, error) {
	return s.retriever.SearchWithCache(ctx, sess, q)
}

// BuildContext assembles an enriched context block within maxTokens.
func (s *Service) BuildContext(ctx context.Context, sess Session, q SearchQuery, maxTokens int) (Context, error) {
	return s.retriever.EnrichContext(ctx, sess, q, maxTokens)
}

// LongTerm exposes the validated long-term client for direct CRUD.
func (s *Service) LongTerm() *Client { return s.client }

// Events exposes the lifecycle event feed. Consumers that fall behind cost
// dropped events, never stalled memory operations.
func (s *Service) Events() *events.Feed { return s.events }

// EndSession destroys the session's short-term state; long-term entries
// persist independently.
func (s *Service) EndSession(sess Session) {
	s.stm.EndSession(sess)
	s.events.Publish(events.Event{Kind: events.KindSessionEnded, SessionID: sess.ID()})
}

func (s *Service) publishOutcomes(sess Session, report PromotionReport) {
	for _, out := range report.Outcomes {
		ev := events.Event{SessionID: sess.ID(), ItemID: out.ID}
		switch out.Decision {
		case DecisionPromoted:
			ev.Kind = events.KindItemPromoted
		case DecisionRejected:
			ev.Kind = events.KindItemRejected
		case DecisionFailed:
			ev.Kind = events.KindPromoteFailed
		default:
			continue
		}
		s.events.Publish(ev)
	}
}

// sweep runs implicit promotion over every live session and purges expired
// cache entries. Aging promotion fires here even when the orchestrator idles.
func (s *Service) sweep() {
	ctx := context.Background()
	for _, sess := range s.stm.Sessions() {
		report, err := s.promoter.EvaluateAndPromote(ctx, sess, s.cfg.Promotion, ModeImplicit)
		if err != nil {
			s.log.Warn("memory janitor promotion failed", "session_id", sess.ID(), "error", err)
			continue
		}
		s.publishOutcomes(sess, report)
		if report.Promoted > 0 || report.Failed > 0 {
			s.log.Debug("memory janitor promotion", "session_id", sess.ID(),
				"promoted", report.Promoted, "skipped", report.Skipped, "failed", report.Failed)
		}
	}
	if purged := s.retriever.PurgeExpired(); purged > 0 {
		s.events.Publish(events.Event{Kind: events.KindCachePurged, Count: purged})
		s.log.Debug("memory janitor cache purge", "purged", purged)
	}
}
