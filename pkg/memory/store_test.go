package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func storeBackends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state", "memory.db"))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	mem := NewInMemoryStore()
	t.Cleanup(func() { _ = mem.Close() })
	return map[string]Store{"sqlite": sqlite, "inmemory": mem}
}

func TestStore_RoundTripIsByteIdentical(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			sess := testSession(t, "roundtrip")
			in := Item{
				ID:         "m1",
				SessionID:  sess.ID(),
				Type:       TypeDecision,
				Data:       map[string]any{"text": "use sqlite", "files": []any{"a.go", "b.go"}, "depth": float64(3)},
				Importance: 0.7,
				Confidence: 0.55,
				Explicit:   true,
			}
			if _, err := store.Persist(ctx, sess, in); err != nil {
				t.Fatalf("persist: %v", err)
			}
			out, err := store.Get(ctx, sess, "m1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}

			wantRaw, _ := json.Marshal(in.Data)
			gotRaw, _ := json.Marshal(out.Data)
			if !bytes.Equal(wantRaw, gotRaw) {
				t.Fatalf("payload changed in round trip:\n in: %s\nout: %s", wantRaw, gotRaw)
			}
			if out.Type != in.Type || out.Importance != in.Importance || out.Confidence != in.Confidence {
				t.Fatalf("scalar fields changed: %+v", out)
			}
			if !out.Explicit {
				t.Fatalf("explicit flag lost")
			}
		})
	}
}

func TestStore_PersistIsIdempotentPerID(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			sess := testSession(t, "idempotent")
			for i := 0; i < 3; i++ {
				_, err := store.Persist(ctx, sess, Item{
					ID:   "m1",
					Type: TypeFact,
					Data: map[string]any{"rev": float64(i)},
				})
				if err != nil {
					t.Fatalf("persist rev %d: %v", i, err)
				}
			}
			if n, _ := store.Count(ctx, sess); n != 1 {
				t.Fatalf("re-persist must overwrite, count %d", n)
			}
			out, err := store.Get(ctx, sess, "m1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if out.Data["rev"] != float64(2) {
				t.Fatalf("expected latest revision, got %v", out.Data["rev"])
			}
		})
	}
}

func TestStore_SessionIsolationRandomized(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			const sessions = 50
			owned := make(map[string]map[string]bool, sessions)
			handles := make([]Session, 0, sessions)

			for i := 0; i < sessions; i++ {
				sess := testSession(t, fmt.Sprintf("iso-%s-%02d", name, i))
				handles = append(handles, sess)
				owned[sess.ID()] = map[string]bool{}
				for j := 0; j < 1+rng.Intn(5); j++ {
					id := fmt.Sprintf("item-%02d-%d", i, j)
					_, err := store.Persist(ctx, sess, Item{
						ID:         id,
						Type:       TypeFact,
						Data:       map[string]any{"n": float64(rng.Intn(1000))},
						Importance: rng.Float64(),
					})
					if err != nil {
						t.Fatalf("persist: %v", err)
					}
					owned[sess.ID()][id] = true
				}
			}

			// Interleave reads, updates, and deletes across all sessions and
			// confirm nothing ever crosses a session boundary.
			for round := 0; round < 3; round++ {
				for _, sess := range handles {
					items, err := store.Query(ctx, sess, Filter{})
					if err != nil {
						t.Fatalf("query: %v", err)
					}
					if len(items) != len(owned[sess.ID()]) {
						t.Fatalf("session %s sees %d items, owns %d", sess.ID(), len(items), len(owned[sess.ID()]))
					}
					for _, item := range items {
						if !owned[sess.ID()][item.ID] {
							t.Fatalf("session %s observed foreign item %s (session %s)", sess.ID(), item.ID, item.SessionID)
						}
						if item.SessionID != sess.ID() {
							t.Fatalf("item %s reports wrong owner %s", item.ID, item.SessionID)
						}
					}
				}
			}

			// Deleting via one handle never touches another session's rows.
			victim := handles[0]
			if err := store.Clear(ctx, victim); err != nil {
				t.Fatalf("clear: %v", err)
			}
			for _, sess := range handles[1:] {
				n, err := store.Count(ctx, sess)
				if err != nil {
					t.Fatalf("count: %v", err)
				}
				if n != len(owned[sess.ID()]) {
					t.Fatalf("clear of %s leaked into %s", victim.ID(), sess.ID())
				}
			}
		})
	}
}

func TestStore_ConcurrentSameKeyUpdatesAreAtomic(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			sess := testSession(t, "contended-"+name)
			_, err := store.Persist(ctx, sess, Item{
				ID: "m1", Type: TypeFact, Data: map[string]any{"text": "contended"},
			})
			if err != nil {
				t.Fatalf("persist: %v", err)
			}

			// One writer moves importance strictly upward while another
			// patches only confidence. If either update writes back a stale
			// snapshot, a reader sees importance move backwards or the final
			// row loses one writer's field.
			const steps = 100
			errCh := make(chan error, 3)
			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				for i := 1; i <= steps; i++ {
					imp := float64(i) / steps
					if _, err := store.Update(ctx, sess, "m1", Patch{Importance: &imp}); err != nil {
						errCh <- err
						return
					}
				}
			}()
			go func() {
				defer wg.Done()
				for i := 1; i <= steps; i++ {
					conf := float64(i) / steps
					if _, err := store.Update(ctx, sess, "m1", Patch{Confidence: &conf}); err != nil {
						errCh <- err
						return
					}
				}
			}()

			stop := make(chan struct{})
			readerDone := make(chan struct{})
			go func() {
				defer close(readerDone)
				high := -1.0
				for {
					select {
					case <-stop:
						return
					default:
					}
					item, err := store.Get(ctx, sess, "m1")
					if err != nil {
						errCh <- err
						return
					}
					if item.Importance < high {
						errCh <- fmt.Errorf("importance went backwards: saw %.4f after %.4f", item.Importance, high)
						return
					}
					high = item.Importance
				}
			}()

			wg.Wait()
			close(stop)
			<-readerDone
			select {
			case err := <-errCh:
				t.Fatal(err)
			default:
			}

			final, err := store.Get(ctx, sess, "m1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if final.Importance != 1.0 {
				t.Fatalf("importance writer's last update lost, got %.4f", final.Importance)
			}
			if final.Confidence != 1.0 {
				t.Fatalf("confidence writer's last update lost, got %.4f", final.Confidence)
			}
		})
	}
}

func TestStore_ReturnedItemsDoNotAliasStoredState(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			sess := testSession(t, "aliasing")
			original := map[string]any{
				"files": []any{"a.go", "b.go"},
				"meta":  map[string]any{"depth": float64(1)},
			}
			_, err := store.Persist(ctx, sess, Item{ID: "m1", Type: TypeFact, Data: original})
			if err != nil {
				t.Fatalf("persist: %v", err)
			}

			// Mutating the caller's map after persist must not reach the store.
			original["files"].([]any)[0] = "mutated-input.go"

			got, err := store.Get(ctx, sess, "m1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Data["files"].([]any)[0] != "a.go" {
				t.Fatalf("stored payload aliases the caller's input: %+v", got.Data)
			}

			// Mutating a returned item's nested payload must not edit the store.
			got.Data["files"].([]any)[1] = "mutated-output.go"
			got.Data["meta"].(map[string]any)["depth"] = float64(9)

			again, err := store.Get(ctx, sess, "m1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if again.Data["files"].([]any)[1] != "b.go" {
				t.Fatalf("stored slice aliases a returned item: %+v", again.Data)
			}
			if again.Data["meta"].(map[string]any)["depth"] != float64(1) {
				t.Fatalf("stored nested map aliases a returned item: %+v", again.Data)
			}
		})
	}
}

func TestStore_QueryMinImportance(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			sess := testSession(t, "importance")
			for id, imp := range map[string]float64{"weak": 0.5, "strong": 0.9} {
				_, err := store.Persist(ctx, sess, Item{
					ID: id, Type: TypeFact, Importance: imp,
					Data: map[string]any{"text": id},
				})
				if err != nil {
					t.Fatalf("persist: %v", err)
				}
			}
			items, err := store.Query(ctx, sess, Filter{MinImportance: 0.8})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(items) != 1 || items[0].ID != "strong" {
				t.Fatalf("expected only the 0.9 item, got %+v", items)
			}
		})
	}
}

func TestStore_QueryTypeAndPagination(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			sess := testSession(t, "paging")
			base := time.Now().Add(-time.Hour)
			for i := 0; i < 6; i++ {
				typ := TypeFact
				if i%2 == 0 {
					typ = TypeAnalysis
				}
				_, err := store.Persist(ctx, sess, Item{
					ID: fmt.Sprintf("m%d", i), Type: typ,
					Data:      map[string]any{"n": float64(i)},
					CreatedAt: base.Add(time.Duration(i) * time.Minute),
					UpdatedAt: base.Add(time.Duration(i) * time.Minute),
				})
				if err != nil {
					t.Fatalf("persist: %v", err)
				}
			}

			analyses, err := store.Query(ctx, sess, Filter{Type: TypeAnalysis})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(analyses) != 3 {
				t.Fatalf("expected 3 analyses, got %d", len(analyses))
			}

			page, err := store.Query(ctx, sess, Filter{Limit: 2, Offset: 2})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(page) != 2 {
				t.Fatalf("expected page of 2, got %d", len(page))
			}
			// Newest-first ordering: offset 2 skips the two most recent.
			if page[0].ID != "m3" || page[1].ID != "m2" {
				t.Fatalf("unexpected page %s,%s", page[0].ID, page[1].ID)
			}
		})
	}
}

func TestStore_UpdatePatchesAndNotFound(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			sess := testSession(t, "update")
			_, err := store.Persist(ctx, sess, Item{
				ID: "m1", Type: TypeFact, Importance: 0.4,
				Data: map[string]any{"text": "draft"},
			})
			if err != nil {
				t.Fatalf("persist: %v", err)
			}

			imp := 0.9
			typ := TypeDecision
			out, err := store.Update(ctx, sess, "m1", Patch{Importance: &imp, Type: &typ})
			if err != nil {
				t.Fatalf("update: %v", err)
			}
			if out.Importance != 0.9 || out.Type != TypeDecision {
				t.Fatalf("patch not applied: %+v", out)
			}
			if out.Data["text"] != "draft" {
				t.Fatalf("untouched field lost: %+v", out.Data)
			}

			_, err = store.Update(ctx, sess, "ghost", Patch{Importance: &imp})
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			var nf *NotFoundError
			if !errors.As(err, &nf) || nf.ID != "ghost" {
				t.Fatalf("expected NotFoundError with id, got %v", err)
			}
		})
	}
}

func TestStore_DeleteCountClear(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			sess := testSession(t, "lifecycle")
			for i := 0; i < 3; i++ {
				_, err := store.Persist(ctx, sess, Item{
					ID: fmt.Sprintf("m%d", i), Type: TypeFact,
					Data: map[string]any{"n": float64(i)},
				})
				if err != nil {
					t.Fatalf("persist: %v", err)
				}
			}
			if err := store.Delete(ctx, sess, "m1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if err := store.Delete(ctx, sess, "m1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("double delete should be not-found, got %v", err)
			}
			if n, _ := store.Count(ctx, sess); n != 2 {
				t.Fatalf("count after delete = %d", n)
			}
			if err := store.Clear(ctx, sess); err != nil {
				t.Fatalf("clear: %v", err)
			}
			if n, _ := store.Count(ctx, sess); n != 0 {
				t.Fatalf("count after clear = %d", n)
			}
		})
	}
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "memory.db")

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	sess := testSession(t, "durable")
	if _, err := store.Persist(ctx, sess, Item{ID: "m1", Type: TypeFact, Data: map[string]any{"text": "kept"}}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store2.Close()
	out, err := store2.Get(ctx, sess, "m1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if out.Data["text"] != "kept" {
		t.Fatalf("payload lost across reopen: %+v", out.Data)
	}
}

func TestClient_ValidatesBeforeWrite(t *testing.T) {
	ctx := context.Background()
	client := NewClient(NewInMemoryStore())
	sess := testSession(t, "client-validate")

	cases := []struct {
		name string
		item Item
	}{
		{"missing id", Item{SessionID: sess.ID(), Type: TypeFact, Data: map[string]any{"v": 1}}},
		{"missing data", Item{ID: "m1", SessionID: sess.ID(), Type: TypeFact}},
		{"unknown type", Item{ID: "m1", SessionID: sess.ID(), Type: "vibe", Data: map[string]any{"v": 1}}},
		{"foreign session", Item{ID: "m1", SessionID: "other", Type: TypeFact, Data: map[string]any{"v": 1}}},
		{"importance out of range", Item{ID: "m1", SessionID: sess.ID(), Type: TypeFact, Importance: 1.5, Data: map[string]any{"v": 1}}},
		{"confidence out of range", Item{ID: "m1", SessionID: sess.ID(), Type: TypeFact, Confidence: -0.1, Data: map[string]any{"v": 1}}},
	}
	for _, tc := range cases {
		_, err := client.Persist(ctx, sess, tc.item)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected ValidationError, got %v", tc.name, err)
		}
	}
}

func TestClient_RejectsOversizedPayload(t *testing.T) {
	ctx := context.Background()
	client := NewClient(NewInMemoryStore())
	sess := testSession(t, "oversize")

	big := make([]byte, MaxPayloadBytes+1)
	for i := range big {
		big[i] = 'a'
	}
	_, err := client.Persist(ctx, sess, Item{
		ID: "m1", SessionID: sess.ID(), Type: TypeFact,
		Data: map[string]any{"blob": string(big)},
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for oversized payload, got %v", err)
	}
	if n, _ := client.Count(ctx, sess); n != 0 {
		t.Fatalf("oversized payload reached the store")
	}
}
