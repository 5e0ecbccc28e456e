package chatsync

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
)

// DedupWindow is how long an event key suppresses repeats.
const DedupWindow = 5 * time.Second

// defaultLedgerSize is the initial ledger capacity. The ledger grows past it
// rather than evict a key that is still inside the window.
const defaultLedgerSize = 1024

// EventKey identifies one semantic event for deduplication.
type EventKey struct {
	Type           string
	ConversationID string
	Actor          string // actor id, or the action name when there is no actor
	Timestamp      string // timestamp or updatedAt
}

func (k EventKey) String() string {
	ts := k.Timestamp
	if ts == "" {
		ts = "unknown"
	}
	return strings.Join([]string{k.Type, k.ConversationID, k.Actor, ts}, ":")
}

// EventLedger records event keys. CheckAndRecord reports whether key was already
// recorded within the window, and records it when it was not.
type EventLedger interface {
	CheckAndRecord(ctx context.Context, key string, now time.Time) (duplicate bool, err error)
}

// ============================================================================
// Deduper
// ============================================================================

// Deduper suppresses repeated side effects (toasts, notifications) for the same event.
// It dampens noise; it does not give exactly-once delivery.
type Deduper struct {
	ledger  EventLedger
	clock   func() time.Time
	log     zerolog.Logger
	metrics *Metrics
}

type DeduperOption func(*Deduper)

func WithDedupClock(clock func() time.Time) DeduperOption {
	return func(d *Deduper) { d.clock = clock }
}

func WithDedupLogger(log zerolog.Logger) DeduperOption {
	return func(d *Deduper) { d.log = log }
}

func WithDedupMetrics(m *Metrics) DeduperOption {
	return func(d *Deduper) { d.metrics = m }
}

// NewDeduper creates a filter over ledger. A nil ledger gets an unpersisted MemoryLedger.
func NewDeduper(ledger EventLedger, opts ...DeduperOption) *Deduper {
	d := &Deduper{
		ledger: ledger,
		clock:  time.Now,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.ledger == nil {
		d.ledger = NewMemoryLedger(nil, d.log, WithLedgerClock(d.clock))
	}
	d.log = d.log.With().Str("component", "dedup").Logger()
	return d
}

// ShouldProcess returns false when key was seen within DedupWindow.
// Ledger errors fail open.
func (d *Deduper) ShouldProcess(ctx context.Context, key EventKey) bool {
	dup, err := d.ledger.CheckAndRecord(ctx, key.String(), d.clock())
	if err != nil {
		d.log.Warn().Err(err).Str("key", key.String()).Msg("dedup ledger unavailable")
		return true
	}
	if dup {
		d.metrics.DuplicateSuppressed(key.Type)
		d.log.Debug().Str("key", key.String()).Msg("duplicate event suppressed")
		return false
	}
	return true
}

// ============================================================================
// MemoryLedger
// ============================================================================

// MemoryLedger keeps recent keys in an LRU, optionally mirrored to a session Storage.
// Only expired keys are ever dropped; a full cache is resized instead.
type MemoryLedger struct {
	mu      sync.Mutex
	cache   *lru.Cache
	size    int
	window  time.Duration
	clock   func() time.Time
	session Storage
	log     zerolog.Logger
}

type MemoryLedgerOption func(*MemoryLedger)

// WithLedgerClock sets the clock used to expire entries restored from the session.
// It should match the clock of the Deduper using the ledger.
func WithLedgerClock(clock func() time.Time) MemoryLedgerOption {
	return func(l *MemoryLedger) { l.clock = clock }
}

// NewMemoryLedger creates a ledger and restores unexpired entries from session, if given.
func NewMemoryLedger(session Storage, log zerolog.Logger, opts ...MemoryLedgerOption) *MemoryLedger {
	cache, err := lru.New(defaultLedgerSize)
	if err != nil {
		// only fails for a non-positive size
		panic(err)
	}
	l := &MemoryLedger{
		cache:   cache,
		size:    defaultLedgerSize,
		window:  DedupWindow,
		clock:   time.Now,
		session: session,
		log:     log.With().Str("component", "dedup-ledger").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.restore(l.clock())
	return l
}

func (l *MemoryLedger) CheckAndRecord(_ context.Context, key string, now time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(now)

	if v, ok := l.cache.Peek(key); ok {
		if now.Sub(v.(time.Time)) < l.window {
			return true, nil
		}
	}
	l.add(key, now)
	l.persist()
	return false, nil
}

// add records key, doubling the capacity when every slot holds a live entry.
// Callers prune first, so a full cache has nothing left to evict.
func (l *MemoryLedger) add(key string, at time.Time) {
	if !l.cache.Contains(key) && l.cache.Len() >= l.size {
		l.size *= 2
		l.cache.Resize(l.size)
		l.log.Debug().Int("size", l.size).Msg("ledger grown")
	}
	l.cache.Add(key, at)
}

// Len returns the number of live entries.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cache.Len()
}

func (l *MemoryLedger) prune(now time.Time) {
	for _, k := range l.cache.Keys() {
		v, ok := l.cache.Peek(k)
		if !ok {
			continue
		}
		if now.Sub(v.(time.Time)) >= l.window {
			l.cache.Remove(k)
		}
	}
}

func (l *MemoryLedger) persist() {
	if l.session == nil {
		return
	}
	snapshot := make(map[string]int64, l.cache.Len())
	for _, k := range l.cache.Keys() {
		if v, ok := l.cache.Peek(k); ok {
			snapshot[k.(string)] = v.(time.Time).UnixMilli()
		}
	}
	b, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	if err := l.session.Set(KeyRecentEvents, string(b)); err != nil {
		l.log.Warn().Err(err).Msg("persist recent events")
	}
}

func (l *MemoryLedger) restore(now time.Time) {
	if l.session == nil {
		return
	}
	raw, ok, err := l.session.Get(KeyRecentEvents)
	if err != nil || !ok {
		return
	}
	var snapshot map[string]int64
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		l.log.Warn().Err(err).Msg("discarding corrupt recent events")
		return
	}
	for k, ms := range snapshot {
		at := time.UnixMilli(ms)
		if now.Sub(at) < l.window {
			l.add(k, at)
		}
	}
}
