package memory

import "time"

// ItemType classifies memory items.
type ItemType string

const (
	TypeFact          ItemType = "fact"
	TypeDecision      ItemType = "decision"
	TypeLessonLearned ItemType = "lesson_learned"
	TypeAnalysis      ItemType = "analysis"
	TypeConversation  ItemType = "conversation"
	TypeFileContext   ItemType = "file_context"
)

// ValidTypes enumerates every accepted item type.
var ValidTypes = map[ItemType]bool{
	TypeFact:          true,
	TypeDecision:      true,
	TypeLessonLearned: true,
	TypeAnalysis:      true,
	TypeConversation:  true,
	TypeFileContext:   true,
}

// MaxPayloadBytes is the hard cap on an item's encoded Data payload.
const MaxPayloadBytes = 100 * 1024

// Item is the unit of memory flowing through every tier. An item belongs to
// exactly one session for its entire lifetime.
type Item struct {
	ID         string
	SessionID  string
	Type       ItemType
	Data       map[string]any
	Importance float64
	Confidence float64
	Explicit   bool
	Failed     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Turn is one conversation buffer entry. Tokens is computed once at append
// time so eviction never recounts content.
type Turn struct {
	Role      string
	Content   string
	Timestamp time.Time
	Tokens    int
}

// ContextEntry is a working-context value with access bookkeeping.
type ContextEntry struct {
	Value         any
	LastAccess    time.Time
	SuggestedType ItemType
}

// AccessRecord is one entry in the working-context access log.
type AccessRecord struct {
	Key string
	Op  string
	At  time.Time
}

// Filter narrows long-term store queries. Zero values mean "any".
type Filter struct {
	Type          ItemType
	MinImportance float64
	Limit         int
	Offset        int
}

// Patch carries partial item updates. Nil pointer fields are left untouched.
type Patch struct {
	Type       *ItemType
	Data       map[string]any
	Importance *float64
	Confidence *float64
}

// apply writes the patch onto item and stamps the update time. Setting a
// type marks the item explicit.
func (p Patch) apply(item *Item) {
	if p.Type != nil {
		item.Type = *p.Type
		item.Explicit = true
	}
	if p.Data != nil {
		item.Data = p.Data
	}
	if p.Importance != nil {
		item.Importance = *p.Importance
	}
	if p.Confidence != nil {
		item.Confidence = *p.Confidence
	}
	item.UpdatedAt = time.Now()
}

// SearchQuery drives retrieval ranking.
type SearchQuery struct {
	Keywords      []string
	Type          ItemType
	MinImportance float64
	Limit         int
	RecencyBoost  bool
}

// ScoredMemory is a retrieval result with its blended relevance score.
type ScoredMemory struct {
	Item  Item
	Score float64
}

// Context is the enriched retrieval output handed back to the orchestrator.
type Context struct {
	Memories      []ScoredMemory
	Summary       string
	Count         int
	LastRetrieved time.Time
}

// Decision labels the outcome of one promotion evaluation.
type Decision string

const (
	DecisionPromoted Decision = "promoted"
	DecisionSkipped  Decision = "skipped"
	DecisionRejected Decision = "rejected"
	DecisionFailed   Decision = "failed"
)

// PromotionOutcome records the fate of a single evaluated item. Item carries a
// copy of the evaluated item so explicit-mode callers can decide what to do
// with skipped entries.
type PromotionOutcome struct {
	ID         string
	Decision   Decision
	Confidence float64
	Reason     string
	Item       Item
}

// PromotionReport summarizes one promotion batch.
type PromotionReport struct {
	Evaluated int
	Promoted  int
	Skipped   int
	Rejected  int
	Failed    int
	Outcomes  []PromotionOutcome
}
