package memory

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Weights for the retrieval score blend.
const (
	keywordWeight    = 0.4
	recencyWeight    = 0.2
	importanceWeight = 0.2
	typeWeight       = 0.2
)

// RetrievalOptions bounds the retrieval engine and its cache.
type RetrievalOptions struct {
	CandidateLimit int
	CacheTTL       time.Duration
	MaxCacheSize   int
	Counter        TokenCounter
}

// RetrievalEngine ranks long-term memories for re-injection into live
// context. Keyword and heuristic scoring only; no embeddings.
type RetrievalEngine struct {
	client         *Client
	cache          *queryCache
	counter        TokenCounter
	candidateLimit int
	now            func() time.Time
}

// NewRetrievalEngine wires retrieval to a validated long-term client.
func NewRetrievalEngine(client *Client, opts RetrievalOptions) *RetrievalEngine {
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = 200
	}
	if opts.Counter == nil {
		opts.Counter = EstimateTokens
	}
	return &RetrievalEngine{
		client:         client,
		cache:          newQueryCache(opts.MaxCacheSize, opts.CacheTTL),
		counter:        opts.Counter,
		candidateLimit: opts.CandidateLimit,
		now:            time.Now,
	}
}

// Search fetches session-scoped candidates, drops items with zero keyword
// matches when keywords are given, scores the survivors, and returns the top
// results ordered by score with recency as the tie-break.
func (r *RetrievalEngine) Search(ctx context.Context, sess Session, q SearchQuery) ([]ScoredMemory, error) {
	if q.Limit <= 0 {
		q.Limit = 10
	}
	candidates, err := r.client.Query(ctx, sess, Filter{
		Type:          q.Type,
		MinImportance: q.MinImportance,
		Limit:         r.candidateLimit,
	})
	if err != nil {
		return nil, err
	}

	keywords := normalizeKeywords(q.Keywords)
	now := r.now()
	scored := make([]ScoredMemory, 0, len(candidates))
	for _, item := range candidates {
		kw := keywordScore(item, keywords)
		if len(keywords) > 0 && kw == 0 {
			continue
		}
		score := kw*keywordWeight +
			recencyScore(now, item.UpdatedAt, q.RecencyBoost)*recencyWeight +
			item.Importance*importanceWeight +
			typeRelevance(q.Type, item.Type)*typeWeight
		scored = append(scored, ScoredMemory{Item: item, Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score == scored[j].Score {
			return scored[i].Item.UpdatedAt.After(scored[j].Item.UpdatedAt)
		}
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > q.Limit {
		scored = scored[:q.Limit]
	}
	_ = r.client.store.AddMetric(ctx, "memory.retrieval.results", float64(len(scored)), map[string]string{"session_id": sess.ID()})
	return scored, nil
}

// SearchWithCache serves repeated identical queries from the bounded cache.
// Hits may be up to the cache TTL stale.
func (r *RetrievalEngine) SearchWithCache(ctx context.Context, sess Session, q SearchQuery) ([]ScoredMemory, error) {
	key := cacheKey(sess, q)
	if results, ok := r.cache.get(key); ok {
		_ = r.client.store.AddMetric(ctx, "memory.retrieval.cache_hit", 1, map[string]string{"session_id": sess.ID()})
		return results, nil
	}
	results, err := r.Search(ctx, sess, q)
	if err != nil {
		return nil, err
	}
	r.cache.put(key, results)
	_ = r.client.store.AddMetric(ctx, "memory.retrieval.cache_miss", 1, map[string]string{"session_id": sess.ID()})
	return results, nil
}

// EnrichContext runs a cached search and formats the results into a context
// block, keeping memories until the token budget runs out.
func (r *RetrievalEngine) EnrichContext(ctx context.Context, sess Session, q SearchQuery, maxTokens int) (Context, error) {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	results, err := r.SearchWithCache(ctx, sess, q)
	if err != nil {
		return Context{}, err
	}

	var b strings.Builder
	kept := make([]ScoredMemory, 0, len(results))
	used := 0
	for _, sm := range results {
		line := fmt.Sprintf("- [%s] %s", sm.Item.Type, summarizeData(sm.Item.Data))
		tokens := r.counter(line)
		if used+tokens > maxTokens && used > 0 {
			break
		}
		b.WriteString(line)
		b.WriteString("\n")
		used += tokens
		kept = append(kept, sm)
	}

	return Context{
		Memories:      kept,
		Summary:       strings.TrimSpace(b.String()),
		Count:         len(kept),
		LastRetrieved: r.now(),
	}, nil
}

// PurgeExpired drops cache entries past their TTL.
func (r *RetrievalEngine) PurgeExpired() int { return r.cache.purgeExpired() }

func normalizeKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

// keywordScore is the fraction of keywords found in the item's payload.
func keywordScore(item Item, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	haystack := itemText(item)
	matched := 0
	for _, kw := range keywords {
		if strings.Contains(haystack, kw) {
			matched++
		}
	}
	return float64(matched) / float64(len(keywords))
}

func itemText(item Item) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(string(item.Type)))
	for k, v := range item.Data {
		b.WriteString(" ")
		b.WriteString(strings.ToLower(k))
		if s, ok := v.(string); ok {
			b.WriteString(" ")
			b.WriteString(strings.ToLower(s))
		}
	}
	return b.String()
}

// recencyScore decays with a half-life of 14 days, or 24 hours when the
// query asks for a recency boost.
func recencyScore(now, updated time.Time, boost bool) float64 {
	halfLife := 14 * 24 * time.Hour
	if boost {
		halfLife = 24 * time.Hour
	}
	delta := now.Sub(updated)
	if delta < 0 {
		delta = 0
	}
	return math.Exp(-math.Ln2 * float64(delta) / float64(halfLife))
}

func typeRelevance(want, got ItemType) float64 {
	if want == "" {
		return 0.5
	}
	if want == got {
		return 1.0
	}
	return 0
}

func summarizeData(data map[string]any) string {
	for _, key := range []string{"text", "content", "summary", "description"} {
		if s, ok := data[key].(string); ok && s != "" {
			return clip(s, 200)
		}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	return clip(string(raw), 200)
}

// clip truncates to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// cacheKey normalizes the query so logically identical searches share an
// entry, then hashes it with the session id.
func cacheKey(sess Session, q SearchQuery) string {
	keywords := normalizeKeywords(q.Keywords)
	sort.Strings(keywords)
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	payload := fmt.Sprintf("%s|%s|%s|%.3f|%d|%t",
		sess.ID(), strings.Join(keywords, ","), q.Type, q.MinImportance, limit, q.RecencyBoost)
	h := sha1.Sum([]byte(payload))
	return "search:" + hex.EncodeToString(h[:])
}
