package memory

import (
	"context"
	"encoding/json"
	"fmt"
)

// Store is the session-scoped CRUD contract against a persistent long-term
// backend. Every operation takes a Session handle; implementations key rows by
// (session id, item id) and must never let one session observe another's
// data. Persist is an upsert: re-persisting an id overwrites rather than
// duplicates, which makes promotion batches safe to retry. Concurrent calls
// across distinct sessions are safe; writes to the same (session, id) are
// serialized by the implementation.
type Store interface {
	Close() error

	Persist(ctx context.Context, sess Session, item Item) (Item, error)
	Get(ctx context.Context, sess Session, id string) (Item, error)
	Query(ctx context.Context, sess Session, f Filter) ([]Item, error)
	Update(ctx context.Context, sess Session, id string, patch Patch) (Item, error)
	Delete(ctx context.Context, sess Session, id string) error
	Count(ctx context.Context, sess Session) (int, error)
	Clear(ctx context.Context, sess Session) error

	AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error
}

// Client wraps a Store with item validation so malformed payloads are
// rejected before they reach the backend.
type Client struct {
	store Store
}

// NewClient wraps store with write-side validation.
func NewClient(store Store) *Client {
	return &Client{store: store}
}

// Persist validates the item then upserts it.
func (c *Client) Persist(ctx context.Context, sess Session, item Item) (Item, error) {
	if err := ValidateItem(sess, item); err != nil {
		return Item{}, err
	}
	out, err := c.store.Persist(ctx, sess, item)
	if err != nil {
		return Item{}, &PersistenceError{ID: item.ID, Err: err}
	}
	return out, nil
}

// Get fetches one item by id.
func (c *Client) Get(ctx context.Context, sess Session, id string) (Item, error) {
	if !sess.Valid() {
		return Item{}, &ValidationError{Field: "session", Reason: "zero handle"}
	}
	return c.store.Get(ctx, sess, id)
}

// Query lists session items matching the filter.
func (c *Client) Query(ctx context.Context, sess Session, f Filter) ([]Item, error) {
	if !sess.Valid() {
		return nil, &ValidationError{Field: "session", Reason: "zero handle"}
	}
	if f.MinImportance < 0 || f.MinImportance > 1 {
		return nil, &ValidationError{Field: "min_importance", Reason: "outside [0,1]"}
	}
	return c.store.Query(ctx, sess, f)
}

// Update applies a partial patch to an existing item.
func (c *Client) Update(ctx context.Context, sess Session, id string, patch Patch) (Item, error) {
	if !sess.Valid() {
		return Item{}, &ValidationError{Field: "session", Reason: "zero handle"}
	}
	if patch.Type != nil && !ValidTypes[*patch.Type] {
		return Item{}, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown type %q", *patch.Type)}
	}
	if patch.Importance != nil && (*patch.Importance < 0 || *patch.Importance > 1) {
		return Item{}, &ValidationError{Field: "importance", Reason: "outside [0,1]"}
	}
	if patch.Confidence != nil && (*patch.Confidence < 0 || *patch.Confidence > 1) {
		return Item{}, &ValidationError{Field: "confidence", Reason: "outside [0,1]"}
	}
	if patch.Data != nil {
		if _, err := encodePayload(patch.Data); err != nil {
			return Item{}, err
		}
	}
	return c.store.Update(ctx, sess, id, patch)
}

// Delete removes one item.
func (c *Client) Delete(ctx context.Context, sess Session, id string) error {
	if !sess.Valid() {
		return &ValidationError{Field: "session", Reason: "zero handle"}
	}
	return c.store.Delete(ctx, sess, id)
}

// Count reports how many items the session owns.
func (c *Client) Count(ctx context.Context, sess Session) (int, error) {
	if !sess.Valid() {
		return 0, &ValidationError{Field: "session", Reason: "zero handle"}
	}
	return c.store.Count(ctx, sess)
}

// Clear removes every item the session owns.
func (c *Client) Clear(ctx context.Context, sess Session) error {
	if !sess.Valid() {
		return &ValidationError{Field: "session", Reason: "zero handle"}
	}
	return c.store.Clear(ctx, sess)
}

// ValidateItem checks required fields, ownership, bounds, and payload size.
func ValidateItem(sess Session, item Item) error {
	if !sess.Valid() {
		return &ValidationError{Field: "session", Reason: "zero handle"}
	}
	if item.ID == "" {
		return &ValidationError{Field: "id", Reason: "missing"}
	}
	if item.SessionID != sess.ID() {
		return &ValidationError{Field: "session_id", Reason: "item belongs to another session"}
	}
	if !ValidTypes[item.Type] {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown type %q", item.Type)}
	}
	if len(item.Data) == 0 {
		return &ValidationError{Field: "data", Reason: "missing"}
	}
	if item.Importance < 0 || item.Importance > 1 {
		return &ValidationError{Field: "importance", Reason: "outside [0,1]"}
	}
	if item.Confidence < 0 || item.Confidence > 1 {
		return &ValidationError{Field: "confidence", Reason: "outside [0,1]"}
	}
	if _, err := encodePayload(item.Data); err != nil {
		return err
	}
	return nil
}

func encodePayload(data map[string]any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, &ValidationError{Field: "data", Reason: "not JSON-encodable"}
	}
	if len(raw) > MaxPayloadBytes {
		return nil, &ValidationError{Field: "data", Reason: fmt.Sprintf("payload %d bytes exceeds %d byte cap", len(raw), MaxPayloadBytes)}
	}
	return raw, nil
}
