package impact

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/greengpt/internal/metrics"
	"github.com/goodtune/greengpt/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultStorageKey is the blob key the state is persisted under
	DefaultStorageKey = "green-gpt-environmental-impact"

	// DefaultHistoryLimit bounds the archived session list
	DefaultHistoryLimit = 30

	// DefaultDailyLimit bounds the per-day list
	DefaultDailyLimit = 30

	persistTimeout = 5 * time.Second
)

// Options configures an Aggregator
type Options struct {
	Ratios       Ratios
	HistoryLimit int
	DailyLimit   int
	StorageKey   string

	// Now and NewID are replaceable for tests
	Now   func() time.Time
	NewID func() string
}

// Aggregator owns the impact state for the process. It is safe for
// concurrent use.
type Aggregator struct {
	store   storage.BlobStore
	opts    Options
	logger  zerolog.Logger
	mu      sync.Mutex
	tokens  int64
	history []SessionRecord
	daily   []DailyRecord
	version uint64

	// synced is the document last read from or written to the store; the
	// local changes since then are replayed over a foreign write.
	persistMu sync.Mutex
	synced    Document

	subMu   sync.Mutex
	subs    map[int]func(Snapshot)
	nextSub int
}

// New creates an aggregator and restores persisted state from store. Any
// load failure yields a fresh zero state; store may be nil to disable
// persistence.
func New(ctx context.Context, store storage.BlobStore, opts Options, logger zerolog.Logger) *Aggregator {
	opts.Ratios = opts.Ratios.orDefault()
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.DailyLimit <= 0 {
		opts.DailyLimit = DefaultDailyLimit
	}
	if opts.StorageKey == "" {
		opts.StorageKey = DefaultStorageKey
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	a := &Aggregator{
		store:   store,
		opts:    opts,
		logger:  logger.With().Str("component", "impact-aggregator").Logger(),
		history: []SessionRecord{},
		subs:    make(map[int]func(Snapshot)),
	}
	a.load(ctx)
	current := a.State()
	metrics.SetSession(current.Tokens, current.WaterUsageLiters, current.CO2Grams)
	return a
}

func (a *Aggregator) load(ctx context.Context) {
	if a.store == nil {
		return
	}

	blob, err := a.store.Get(ctx, a.opts.StorageKey)
	if errors.Is(err, storage.ErrNotFound) {
		a.logger.Debug().Str("key", a.opts.StorageKey).Msg("No persisted impact state, starting fresh")
		return
	}
	if err != nil {
		metrics.StorageErrors.WithLabelValues("load").Inc()
		a.logger.Warn().Err(err).Msg("Failed to load impact state, starting fresh")
		return
	}

	// Keep the stored version even if the data is unusable so the next
	// write is not rejected as stale.
	a.version = blob.Version

	doc, err := Restore(blob.Data, a.opts.Ratios)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("load").Inc()
		a.logger.Warn().Err(err).Msg("Discarding unreadable impact state")
		return
	}

	a.tokens = doc.CurrentSession.Tokens
	a.history = trimHistory(doc.SessionHistory, a.opts.HistoryLimit)
	a.daily = trimDaily(doc.Daily, a.opts.DailyLimit)
	a.synced = a.documentLocked()

	a.logger.Info().
		Int64("tokens", a.tokens).
		Int("sessions", len(a.history)).
		Uint64("version", a.version).
		Msg("Restored impact state")
}

// AddTokens adds n tokens to the current session. n <= 0 is ignored.
func (a *Aggregator) AddTokens(n int64) {
	if n <= 0 {
		return
	}

	a.mu.Lock()
	a.tokens += n
	today := a.opts.Now().Format("2006-01-02")
	if last := len(a.daily) - 1; last >= 0 && a.daily[last].Date == today {
		a.daily[last].Tokens += n
	} else {
		a.daily = trimDaily(append(a.daily, DailyRecord{Date: today, Tokens: n}), a.opts.DailyLimit)
	}
	snap, doc := a.commitLocked()
	a.mu.Unlock()

	metrics.TokensAdded.Add(float64(n))
	metrics.SetSession(snap.Tokens, snap.WaterUsageLiters, snap.CO2Grams)

	a.notify(snap)
	a.persist(doc, snap.Version)
}

// Reset archives the current session and zeroes it. When there are no
// tokens nothing is archived and ok is false.
func (a *Aggregator) Reset() (record SessionRecord, ok bool) {
	a.mu.Lock()
	if a.tokens == 0 {
		a.mu.Unlock()
		return SessionRecord{}, false
	}

	current := a.opts.Ratios.State(a.tokens)
	record = SessionRecord{
		ID:               a.opts.NewID(),
		Timestamp:        a.opts.Now(),
		Tokens:           current.Tokens,
		WaterUsageLiters: current.WaterUsageLiters,
		CO2Grams:         current.CO2Grams,
	}
	a.history = trimHistory(append(a.history, record), a.opts.HistoryLimit)
	a.tokens = 0
	snap, doc := a.commitLocked()
	a.mu.Unlock()

	metrics.SessionsArchived.Inc()
	metrics.SetSession(0, 0, 0)

	a.logger.Info().
		Str("session_id", record.ID).
		Int64("tokens", record.Tokens).
		Msg("Archived impact session")

	a.notify(snap)
	a.persist(doc, snap.Version)
	return record, true
}

// State returns the current totals.
func (a *Aggregator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opts.Ratios.State(a.tokens)
}

// Snapshot returns the current totals with version metadata.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// History returns a copy of the archived sessions, oldest first.
func (a *Aggregator) History() []SessionRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]SessionRecord{}, a.history...)
}

// Daily returns a copy of the per-day totals, oldest first.
func (a *Aggregator) Daily() []DailyRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]DailyRecord{}, a.daily...)
}

// Ratios returns the conversion ratios in use.
func (a *Aggregator) Ratios() Ratios {
	return a.opts.Ratios
}

// Subscribe registers fn to be called with a snapshot after every mutation.
// Calls happen outside the aggregator lock, possibly concurrently.
func (a *Aggregator) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	a.subMu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = fn
	a.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.subMu.Lock()
			delete(a.subs, id)
			a.subMu.Unlock()
		})
	}
}

func (a *Aggregator) notify(snap Snapshot) {
	a.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(a.subs))
	for _, fn := range a.subs {
		fns = append(fns, fn)
	}
	a.subMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// commitLocked bumps the version and captures what must be published.
func (a *Aggregator) commitLocked() (Snapshot, Document) {
	a.version++
	return a.snapshotLocked(), a.documentLocked()
}

func (a *Aggregator) snapshotLocked() Snapshot {
	return Snapshot{
		State:    a.opts.Ratios.State(a.tokens),
		Sessions: len(a.history),
		Version:  a.version,
		At:       a.opts.Now(),
	}
}

func (a *Aggregator) documentLocked() Document {
	current := a.opts.Ratios.State(a.tokens)
	return Document{
		SessionHistory: append([]SessionRecord{}, a.history...),
		CurrentSession: &current,
		Daily:          append([]DailyRecord{}, a.daily...),
	}
}

// persist writes doc at version. A stale rejection means either a newer
// local write got there first (ignored) or another writer advanced the
// stored version, in which case the local changes are merged over the
// stored document, written once more and published.
func (a *Aggregator) persist(doc Document, version uint64) {
	if a.store == nil {
		return
	}

	a.persistMu.Lock()
	merged := a.write(doc, version)
	a.persistMu.Unlock()

	if merged != nil {
		metrics.SetSession(merged.Tokens, merged.WaterUsageLiters, merged.CO2Grams)
		a.notify(*merged)
	}
}

func (a *Aggregator) write(doc Document, version uint64) (merged *Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	err := a.put(ctx, doc, version)
	if errors.Is(err, storage.ErrStale) {
		doc, version, merged, err = a.rebase(ctx, version)
		if err == nil && version != 0 {
			err = a.put(ctx, doc, version)
		}
	}

	switch {
	case err == nil && version != 0:
		a.synced = doc
	case err != nil && !errors.Is(err, storage.ErrStale):
		metrics.StorageErrors.WithLabelValues("save").Inc()
		a.logger.Warn().Err(err).Uint64("version", version).Msg("Failed to persist impact state")
	}
	return merged
}

// rebase merges the local changes since the last sync over the stored
// document. It returns a zero version when a newer local write supersedes
// this one.
func (a *Aggregator) rebase(ctx context.Context, version uint64) (Document, uint64, *Snapshot, error) {
	a.mu.Lock()
	latest := a.version == version
	a.mu.Unlock()
	if !latest {
		return Document{}, 0, nil, nil
	}

	blob, err := a.store.Get(ctx, a.opts.StorageKey)
	if err != nil {
		return Document{}, 0, nil, err
	}
	stored, err := Restore(blob.Data, a.opts.Ratios)
	if err != nil {
		// Unreadable stored data is replaced by the local state
		stored = a.synced
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.version != version {
		return Document{}, 0, nil, nil
	}

	a.mergeLocked(stored)
	a.version = max(a.version, blob.Version) + 1
	snap := a.snapshotLocked()

	a.logger.Info().
		Uint64("stored_version", blob.Version).
		Uint64("version", a.version).
		Int64("tokens", a.tokens).
		Int("sessions", len(a.history)).
		Msg("Merged impact state over newer stored version")

	return a.documentLocked(), a.version, &snap, nil
}

// mergeLocked replaces the local state with stored plus the local changes
// made since the last sync: tokens added, sessions archived and per-day
// totals. A local archive consumes the synced session unless the stored
// document archived it too.
func (a *Aggregator) mergeLocked(stored Document) {
	base := make(map[string]bool, len(a.synced.SessionHistory))
	for _, r := range a.synced.SessionHistory {
		base[r.ID] = true
	}
	have := make(map[string]bool, len(stored.SessionHistory))
	foreignArchived := false
	for _, r := range stored.SessionHistory {
		have[r.ID] = true
		if !base[r.ID] {
			foreignArchived = true
		}
	}

	history := append([]SessionRecord{}, stored.SessionHistory...)
	localArchived := false
	for _, r := range a.history {
		if base[r.ID] {
			continue
		}
		localArchived = true
		if !have[r.ID] {
			history = append(history, r)
		}
	}

	syncedTokens := sessionTokens(a.synced)
	session := sessionTokens(stored)
	delta := a.tokens - syncedTokens
	if localArchived {
		delta = a.tokens
		if !foreignArchived {
			session = max(session-syncedTokens, 0)
		}
	}

	syncedDaily := make(map[string]int64, len(a.synced.Daily))
	for _, d := range a.synced.Daily {
		syncedDaily[d.Date] = d.Tokens
	}
	daily := append([]DailyRecord{}, stored.Daily...)
	for _, d := range a.daily {
		added := d.Tokens - syncedDaily[d.Date]
		if added <= 0 {
			continue
		}
		found := false
		for i := range daily {
			if daily[i].Date == d.Date {
				daily[i].Tokens += added
				found = true
				break
			}
		}
		if !found {
			daily = append(daily, DailyRecord{Date: d.Date, Tokens: added})
		}
	}
	sort.Slice(daily, func(i, j int) bool { return daily[i].Date < daily[j].Date })

	a.tokens = max(session+delta, 0)
	a.history = trimHistory(history, a.opts.HistoryLimit)
	a.daily = trimDaily(daily, a.opts.DailyLimit)
	a.synced = stored
}

func sessionTokens(doc Document) int64 {
	if doc.CurrentSession == nil {
		return 0
	}
	return doc.CurrentSession.Tokens
}

func (a *Aggregator) put(ctx context.Context, doc Document, version uint64) error {
	data, err := Persist(doc)
	if err != nil {
		return err
	}
	return a.store.Put(ctx, storage.Blob{
		Key:       a.opts.StorageKey,
		Data:      data,
		Version:   version,
		UpdatedAt: a.opts.Now(),
	})
}

func trimHistory(history []SessionRecord, limit int) []SessionRecord {
	if len(history) > limit {
		history = append([]SessionRecord{}, history[len(history)-limit:]...)
	}
	return history
}

func trimDaily(daily []DailyRecord, limit int) []DailyRecord {
	if len(daily) > limit {
		daily = append([]DailyRecord{}, daily[len(daily)-limit:]...)
	}
	return daily
}
