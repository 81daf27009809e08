package impact

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/greengpt/internal/storage"
	"github.com/goodtune/greengpt/internal/storage/memory"
	"github.com/rs/zerolog"
)

// fakeClock hands out a settable time
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestAggregator(t *testing.T, store storage.BlobStore) (*Aggregator, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)}
	ids := 0
	opts := Options{
		Now: clock.Now,
		NewID: func() string {
			ids++
			return fmt.Sprintf("session-%d", ids)
		},
	}
	return New(context.Background(), store, opts, zerolog.Nop()), clock
}

func storedDocument(t *testing.T, store storage.BlobStore) (Document, uint64) {
	t.Helper()
	blob, err := store.Get(context.Background(), DefaultStorageKey)
	if err != nil {
		t.Fatalf("get stored state: %v", err)
	}
	doc, err := Restore(blob.Data, DefaultRatios)
	if err != nil {
		t.Fatalf("restore stored state: %v", err)
	}
	return doc, blob.Version
}

func TestAddTokensKeepsDerivedFieldsConsistent(t *testing.T) {
	a, _ := newTestAggregator(t, nil)

	var sum int64
	for _, n := range []int64{1, 7, 100, 0, -3, 42} {
		a.AddTokens(n)
		if n > 0 {
			sum += n
		}

		s := a.State()
		if s.Tokens != sum {
			t.Fatalf("after AddTokens(%d): tokens = %d, want %d", n, s.Tokens, sum)
		}
		if !approxEqual(s.WaterUsageLiters, float64(sum)*DefaultRatios.WaterPerToken) {
			t.Fatalf("water = %v, want %v", s.WaterUsageLiters, float64(sum)*DefaultRatios.WaterPerToken)
		}
		if !approxEqual(s.CO2Grams, float64(sum)*DefaultRatios.CO2PerToken) {
			t.Fatalf("co2 = %v, want %v", s.CO2Grams, float64(sum)*DefaultRatios.CO2PerToken)
		}
	}
}

func TestEndToEndAddAndReset(t *testing.T) {
	store := memory.Open().Blobs()
	a, _ := newTestAggregator(t, store)

	a.AddTokens(100)
	s := a.State()
	if s.Tokens != 100 || !approxEqual(s.WaterUsageLiters, 0.01) || !approxEqual(s.CO2Grams, 2.0) {
		t.Fatalf("state after AddTokens(100) = %+v", s)
	}

	record, ok := a.Reset()
	if !ok {
		t.Fatal("Reset() archived nothing")
	}
	if record.ID != "session-1" || record.Tokens != 100 || !approxEqual(record.CO2Grams, 2.0) {
		t.Errorf("record = %+v", record)
	}

	if got := a.State(); got.Tokens != 0 || got.WaterUsageLiters != 0 || got.CO2Grams != 0 {
		t.Errorf("state after reset = %+v, want zero", got)
	}

	history := a.History()
	if len(history) != 1 || history[0].Tokens != 100 {
		t.Fatalf("history = %+v", history)
	}

	doc, _ := storedDocument(t, store)
	if doc.CurrentSession.Tokens != 0 || len(doc.SessionHistory) != 1 {
		t.Errorf("persisted document = %+v", doc)
	}
}

func TestResetWithoutTokensAppendsNothing(t *testing.T) {
	a, _ := newTestAggregator(t, nil)

	if _, ok := a.Reset(); ok {
		t.Fatal("Reset() with zero tokens reported an archive")
	}
	if got := len(a.History()); got != 0 {
		t.Errorf("history length = %d, want 0", got)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	a, _ := newTestAggregator(t, nil)

	for i := 1; i <= DefaultHistoryLimit+5; i++ {
		a.AddTokens(int64(i))
		a.Reset()
	}

	history := a.History()
	if len(history) != DefaultHistoryLimit {
		t.Fatalf("history length = %d, want %d", len(history), DefaultHistoryLimit)
	}
	if history[0].Tokens != 6 {
		t.Errorf("oldest kept record tokens = %d, want 6", history[0].Tokens)
	}
	if last := history[len(history)-1]; last.Tokens != int64(DefaultHistoryLimit+5) {
		t.Errorf("newest record tokens = %d", last.Tokens)
	}
}

func TestDailyRecords(t *testing.T) {
	a, clock := newTestAggregator(t, nil)

	a.AddTokens(10)
	a.AddTokens(5)
	clock.Set(clock.Now().Add(24 * time.Hour))
	a.AddTokens(1)
	a.Reset()

	daily := a.Daily()
	if len(daily) != 2 {
		t.Fatalf("daily = %+v", daily)
	}
	if daily[0].Date != "2024-04-01" || daily[0].Tokens != 15 {
		t.Errorf("first day = %+v", daily[0])
	}
	if daily[1].Date != "2024-04-02" || daily[1].Tokens != 1 {
		t.Errorf("second day = %+v", daily[1])
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	store := memory.Open().Blobs()

	first, _ := newTestAggregator(t, store)
	first.AddTokens(40)
	first.Reset()
	first.AddTokens(8)

	second, _ := newTestAggregator(t, store)
	if got := second.State().Tokens; got != 8 {
		t.Errorf("restored tokens = %d, want 8", got)
	}
	if h := second.History(); len(h) != 1 || h[0].Tokens != 40 {
		t.Errorf("restored history = %+v", h)
	}

	// Writes continue from the stored version
	second.AddTokens(2)
	doc, version := storedDocument(t, store)
	if doc.CurrentSession.Tokens != 10 {
		t.Errorf("persisted tokens = %d, want 10", doc.CurrentSession.Tokens)
	}
	if version != 4 {
		t.Errorf("persisted version = %d, want 4", version)
	}
}

func TestMalformedStoredStateFailsOpen(t *testing.T) {
	store := memory.Open().Blobs()
	ctx := context.Background()
	if err := store.Put(ctx, storage.Blob{Key: DefaultStorageKey, Data: []byte("{not json"), Version: 7}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	a, _ := newTestAggregator(t, store)
	if s := a.State(); s.Tokens != 0 {
		t.Errorf("tokens = %d, want 0", s.Tokens)
	}
	if h := a.History(); len(h) != 0 {
		t.Errorf("history = %+v, want empty", h)
	}

	// The corrupt blob is replaced on the next write
	a.AddTokens(3)
	doc, version := storedDocument(t, store)
	if doc.CurrentSession.Tokens != 3 || version != 8 {
		t.Errorf("stored = %+v@%d", doc.CurrentSession, version)
	}
}

func TestPersistRebasesOverForeignWriter(t *testing.T) {
	store := memory.Open().Blobs()
	a, _ := newTestAggregator(t, store)

	// Another process wrote a newer version after this one loaded
	foreign, _ := json.Marshal(Document{SessionHistory: []SessionRecord{}})
	if err := store.Put(context.Background(), storage.Blob{Key: DefaultStorageKey, Data: foreign, Version: 10}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	a.AddTokens(5)

	doc, version := storedDocument(t, store)
	if version != 11 {
		t.Errorf("stored version = %d, want 11", version)
	}
	if doc.CurrentSession.Tokens != 5 {
		t.Errorf("stored tokens = %d, want 5", doc.CurrentSession.Tokens)
	}
	if got := a.Snapshot().Version; got != 11 {
		t.Errorf("local version = %d, want 11", got)
	}
}

func TestAddTokensKeepsForeignReset(t *testing.T) {
	store := memory.Open().Blobs()
	server, _ := newTestAggregator(t, store)
	server.AddTokens(100)

	// A second process archives the session the server still holds
	cli, _ := newTestAggregator(t, store)
	if _, ok := cli.Reset(); !ok {
		t.Fatal("expected the cli reset to archive a session")
	}

	var seen []Snapshot
	var mu sync.Mutex
	server.Subscribe(func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	server.AddTokens(4)

	doc, version := storedDocument(t, store)
	if doc.CurrentSession.Tokens != 4 {
		t.Errorf("stored tokens = %d, want 4", doc.CurrentSession.Tokens)
	}
	if len(doc.SessionHistory) != 1 || doc.SessionHistory[0].Tokens != 100 {
		t.Errorf("stored history = %+v, want the archived 100 tokens", doc.SessionHistory)
	}
	if len(doc.Daily) != 1 || doc.Daily[0].Tokens != 104 {
		t.Errorf("stored daily = %+v, want 104 tokens", doc.Daily)
	}
	if version != 3 {
		t.Errorf("stored version = %d, want 3", version)
	}

	if got := server.State().Tokens; got != 4 {
		t.Errorf("server tokens = %d, want 4", got)
	}
	if h := server.History(); len(h) != 1 || h[0].Tokens != 100 {
		t.Errorf("server history = %+v", h)
	}

	mu.Lock()
	last := seen[len(seen)-1]
	mu.Unlock()
	if last.Tokens != 4 || last.Sessions != 1 || last.Version != 3 {
		t.Errorf("last published snapshot = %+v", last)
	}

	// Later writes build on the merged state
	server.AddTokens(2)
	doc, version = storedDocument(t, store)
	if doc.CurrentSession.Tokens != 6 || version != 4 {
		t.Errorf("stored = %d@%d, want 6@4", doc.CurrentSession.Tokens, version)
	}
}

func TestResetKeepsForeignTokens(t *testing.T) {
	store := memory.Open().Blobs()
	server, _ := newTestAggregator(t, store)
	server.AddTokens(100)

	cli, _ := newTestAggregator(t, store)
	server.AddTokens(5)

	record, ok := cli.Reset()
	if !ok || record.Tokens != 100 {
		t.Fatalf("reset = %+v, %v", record, ok)
	}

	doc, version := storedDocument(t, store)
	if doc.CurrentSession.Tokens != 5 {
		t.Errorf("stored tokens = %d, want the 5 added after the cli loaded", doc.CurrentSession.Tokens)
	}
	if len(doc.SessionHistory) != 1 || doc.SessionHistory[0].Tokens != 100 {
		t.Errorf("stored history = %+v", doc.SessionHistory)
	}
	if version != 3 {
		t.Errorf("stored version = %d, want 3", version)
	}
}

type failingStore struct {
	storage.BlobStore
	puts int
}

func (f *failingStore) Get(ctx context.Context, key string) (*storage.Blob, error) {
	return nil, fmt.Errorf("connection refused")
}

func (f *failingStore) Put(ctx context.Context, blob storage.Blob) error {
	f.puts++
	return fmt.Errorf("connection refused")
}

func TestStorageFailuresAreSwallowed(t *testing.T) {
	store := &failingStore{}
	a, _ := newTestAggregator(t, store)

	a.AddTokens(12)
	if got := a.State().Tokens; got != 12 {
		t.Errorf("tokens = %d, want 12", got)
	}
	if store.puts != 1 {
		t.Errorf("puts = %d, want 1 (no retries)", store.puts)
	}
}

func TestConcurrentAddTokensLosesNothing(t *testing.T) {
	a, _ := newTestAggregator(t, memory.Open().Blobs())

	const workers, perWorker = 20, 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				a.AddTokens(1)
			}
		}()
	}
	wg.Wait()

	if got := a.State().Tokens; got != workers*perWorker {
		t.Errorf("tokens = %d, want %d", got, workers*perWorker)
	}
	if got := a.Snapshot().Version; got < workers*perWorker {
		t.Errorf("version = %d, want at least %d", got, workers*perWorker)
	}
}

func TestSubscribe(t *testing.T) {
	a, _ := newTestAggregator(t, nil)

	var (
		mu    sync.Mutex
		snaps []Snapshot
	)
	unsubscribe := a.Subscribe(func(s Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})

	a.AddTokens(4)
	a.Reset()
	unsubscribe()
	unsubscribe()
	a.AddTokens(1)

	mu.Lock()
	defer mu.Unlock()
	if len(snaps) != 2 {
		t.Fatalf("received %d snapshots, want 2", len(snaps))
	}
	if snaps[0].Tokens != 4 || snaps[0].Sessions != 0 {
		t.Errorf("first snapshot = %+v", snaps[0])
	}
	if snaps[1].Tokens != 0 || snaps[1].Sessions != 1 {
		t.Errorf("second snapshot = %+v", snaps[1])
	}
	if snaps[1].Version <= snaps[0].Version {
		t.Errorf("versions not increasing: %d then %d", snaps[0].Version, snaps[1].Version)
	}
}

func TestSubscriberMayReadAggregator(t *testing.T) {
	a, _ := newTestAggregator(t, nil)

	done := make(chan int64, 1)
	a.Subscribe(func(Snapshot) {
		done <- a.State().Tokens
	})

	a.AddTokens(9)
	select {
	case got := <-done:
		if got != 9 {
			t.Errorf("tokens seen by subscriber = %d, want 9", got)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber deadlocked")
	}
}
