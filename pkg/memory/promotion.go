package memory

import (
	"context"
	"fmt"
	"time"
)

// Mode selects who owns the fate of skipped items during promotion. It is an
// explicit argument on every call; there is no ambient default.
type Mode string

const (
	// ModeImplicit re-enqueues skipped items for a later batch.
	ModeImplicit Mode = "implicit"
	// ModeExplicit leaves skipped items out of the queue; the caller asked
	// for these specific items and decides their disposition from the report.
	ModeExplicit Mode = "explicit"
)

// Options tunes promotion thresholds. Zero values take the deployment
// defaults.
type Options struct {
	MinImportance float64
	MinConfidence float64
	MaxAge        time.Duration
	BatchSize     int
}

// Importance at or above this promotes unconditionally.
const highValueOverride = 0.8

func (o Options) withDefaults() Options {
	if o.MinImportance <= 0 {
		o.MinImportance = 0.5
	}
	if o.MinConfidence <= 0 {
		o.MinConfidence = 0.3
	}
	if o.MaxAge <= 0 {
		o.MaxAge = 5 * time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	return o
}

// Engine evaluates pending items and moves qualifying ones into long-term
// storage with a computed confidence score.
type Engine struct {
	stm    *ShortTermStore
	client *Client
	now    func() time.Time
}

// NewEngine wires the promotion engine to a short-term registry and a
// validated long-term client.
func NewEngine(stm *ShortTermStore, client *Client) *Engine {
	return &Engine{stm: stm, client: client, now: time.Now}
}

// EvaluateAndPromote drains up to opts.BatchSize items from the session's
// pending queue and decides promote/skip/reject for each. A processed set
// guarantees each item in the queue at call start is visited at most once,
// so implicit re-enqueues cannot loop the batch forever. A validation
// failure rejects only that item; a persistence failure marks the item
// failed and returns it to the queue.
func (e *Engine) EvaluateAndPromote(ctx context.Context, sess Session, opts Options, mode Mode) (PromotionReport, error) {
	if mode != ModeImplicit && mode != ModeExplicit {
		return PromotionReport{}, &ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", mode)}
	}
	return e.evaluate(ctx, sess, opts.withDefaults(), mode, false)
}

// PromoteAll forces every currently-pending item through without threshold
// checks. Operator or agent triggered override; runs in explicit mode.
func (e *Engine) PromoteAll(ctx context.Context, sess Session) (PromotionReport, error) {
	depth, err := e.stm.PendingLen(sess)
	if err != nil {
		return PromotionReport{}, err
	}
	opts := Options{BatchSize: depth}.withDefaults()
	opts.BatchSize = depth
	return e.evaluate(ctx, sess, opts, ModeExplicit, true)
}

func (e *Engine) evaluate(ctx context.Context, sess Session, opts Options, mode Mode, force bool) (PromotionReport, error) {
	epoch, err := e.stm.SessionStart(sess)
	if err != nil {
		return PromotionReport{}, err
	}

	var report PromotionReport
	seen := make(map[string]struct{}, opts.BatchSize)

	for report.Evaluated < opts.BatchSize {
		item, ok, err := e.stm.DequeuePending(sess)
		if err != nil {
			return report, err
		}
		if !ok {
			break
		}
		if _, dup := seen[item.ID]; dup {
			// Cycled back to a re-enqueued item: the whole queue has been
			// visited once this call. Restore and stop.
			e.stm.enqueueFront(sess, item)
			break
		}
		seen[item.ID] = struct{}{}
		report.Evaluated++

		if reason, bad := rejectPending(item); bad {
			report.Rejected++
			report.Outcomes = append(report.Outcomes, PromotionOutcome{
				ID: item.ID, Decision: DecisionRejected, Reason: reason, Item: item,
			})
			continue
		}
		if item.Type == "" {
			item.Type = inferItemType(item)
			item.Explicit = false
		}

		now := e.now()
		conf := confidenceScore(item, epoch, now)
		promote := force ||
			item.Importance >= highValueOverride ||
			(item.Importance >= opts.MinImportance && conf >= opts.MinConfidence) ||
			now.Sub(item.CreatedAt) >= opts.MaxAge

		if !promote {
			report.Skipped++
			report.Outcomes = append(report.Outcomes, PromotionOutcome{
				ID: item.ID, Decision: DecisionSkipped, Confidence: conf,
				Reason: "below promotion thresholds", Item: item,
			})
			if mode == ModeImplicit {
				e.stm.enqueueBack(sess, item)
			}
			continue
		}

		item.Confidence = conf
		item.Failed = false
		item.UpdatedAt = now
		if _, err := e.client.Persist(ctx, sess, item); err != nil {
			item.Failed = true
			e.stm.enqueueBack(sess, item)
			report.Failed++
			report.Outcomes = append(report.Outcomes, PromotionOutcome{
				ID: item.ID, Decision: DecisionFailed, Confidence: conf,
				Reason: err.Error(), Item: item,
			})
			continue
		}
		report.Promoted++
		report.Outcomes = append(report.Outcomes, PromotionOutcome{
			ID: item.ID, Decision: DecisionPromoted, Confidence: conf, Item: item,
		})
	}

	_ = e.client.store.AddMetric(ctx, "memory.promotion.promoted", float64(report.Promoted), map[string]string{"session_id": sess.ID(), "mode": string(mode)})
	if report.Failed > 0 {
		_ = e.client.store.AddMetric(ctx, "memory.promotion.failed", float64(report.Failed), map[string]string{"session_id": sess.ID()})
	}
	return report, nil
}

// rejectPending screens required fields and bounds before scoring. Type is
// exempt here; a missing type is inferred instead.
func rejectPending(item Item) (string, bool) {
	if item.ID == "" {
		return "missing id", true
	}
	if len(item.Data) == 0 {
		return "missing data payload", true
	}
	if item.Importance < 0 || item.Importance > 1 {
		return "importance outside [0,1]", true
	}
	if item.Type != "" && !ValidTypes[item.Type] {
		return fmt.Sprintf("unknown type %q", item.Type), true
	}
	if _, err := encodePayload(item.Data); err != nil {
		return err.Error(), true
	}
	return "", false
}

// confidenceScore blends importance, payload quality, type specificity, and
// recency into [0,1]. Monotonic in importance with the other factors fixed.
func confidenceScore(item Item, epoch, now time.Time) float64 {
	quality := dataQuality(item.Data)
	specificity := 0.3
	if item.Explicit {
		specificity = 1.0
	}
	recency := 0.0
	if !item.CreatedAt.Before(epoch) && !item.CreatedAt.After(now) {
		recency = 1.0
	}
	conf := item.Importance*0.4 + quality*0.3 + specificity*0.2 + recency*0.1
	if conf < 0 {
		return 0
	}
	if conf > 1 {
		return 1
	}
	return conf
}

// dataQuality rewards non-empty structured payloads, graded by field count.
func dataQuality(data map[string]any) float64 {
	switch n := len(data); {
	case n == 0:
		return 0
	case n == 1:
		return 0.6
	case n <= 3:
		return 0.8
	default:
		return 1.0
	}
}

// inferItemType applies the working-context rule table to the payload keys,
// honoring the same precedence order.
func inferItemType(item Item) ItemType {
	best := TypeFact
	bestRank := 3
	for key := range item.Data {
		rank := typeRank(InferType(key))
		if rank < bestRank {
			bestRank = rank
			best = InferType(key)
		}
	}
	return best
}

func typeRank(t ItemType) int {
	switch t {
	case TypeFileContext:
		return 0
	case TypeAnalysis:
		return 1
	case TypeConversation:
		return 2
	default:
		return 3
	}
}
