// Package blackboard implements the namespaced key/value working-memory
// store shared by every saga and stage in tripsaga. It generalizes the
// teacher's PersistentState/Cache TTL-and-invalidation shape
// (infrastructure/cache or similar) to per-namespace consistency classes
// and ETag-fingerprinted entries.
package blackboard

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/r3e-network/tripsaga/pkg/bus"
	"github.com/r3e-network/tripsaga/pkg/logger"
	"github.com/r3e-network/tripsaga/pkg/metrics"
	"github.com/r3e-network/tripsaga/pkg/workflowerr"
)

// Namespace is one of the fixed blackboard partitions.
type Namespace string

const (
	NamespaceUserInput  Namespace = "user_input"
	NamespacePrefs       Namespace = "prefs"
	NamespaceIntent      Namespace = "intent"
	NamespaceConstraints Namespace = "constraints"
	NamespaceCandidates  Namespace = "candidates"
	NamespaceEvals       Namespace = "evals"
	NamespaceSelections  Namespace = "selections"
	NamespaceItinerary   Namespace = "itinerary"
	NamespaceAffiliate   Namespace = "affiliate"
	NamespaceMedia       Namespace = "media"
	NamespaceCache       Namespace = "cache"
	NamespaceErrors      Namespace = "errors"
	NamespaceAudit       Namespace = "audit"
)

// Consistency is the propagation guarantee a namespace's writes carry.
type Consistency string

const (
	ConsistencyStrong   Consistency = "strong"
	ConsistencyEventual Consistency = "eventual"
)

var knownNamespaces = map[Namespace]Consistency{
	NamespaceUserInput:  ConsistencyEventual,
	NamespacePrefs:       ConsistencyEventual,
	NamespaceIntent:      ConsistencyEventual,
	NamespaceConstraints: ConsistencyEventual,
	NamespaceCandidates:  ConsistencyEventual,
	NamespaceEvals:       ConsistencyEventual,
	NamespaceSelections:  ConsistencyStrong,
	NamespaceItinerary:   ConsistencyStrong,
	NamespaceAffiliate:   ConsistencyEventual,
	NamespaceMedia:       ConsistencyEventual,
	NamespaceCache:       ConsistencyEventual,
	NamespaceErrors:      ConsistencyEventual,
	NamespaceAudit:       ConsistencyEventual,
}

// Entry is a single blackboard record.
type Entry struct {
	Namespace    Namespace
	Key          string
	Data         map[string]any
	CreatedAt    time.Time
	LastModified time.Time
	LastAccessed time.Time
	ExpiresAt    *time.Time
	Version      int
	ETag         string
	Consistency  Consistency
}

// clone returns a deep-enough copy safe to hand to callers.
func (e *Entry) clone() *Entry {
	cp := *e
	if e.Data != nil {
		cp.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			cp.Data[k] = v
		}
	}
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}

// WriteOptions customizes a Write call.
type WriteOptions struct {
	TTL     time.Duration // explicit TTL; zero means "use configured rule"
	Version int           // caller-supplied version, stored as-is if > 0
}

// QueryFilter narrows Query results. Zero-value fields are ignored.
// Multiple set fields combine with AND semantics (spec's Open Question
// on filter combination is resolved in favor of conjunction).
type QueryFilter struct {
	KeyPattern    string
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

type entryKey struct {
	ns  Namespace
	key string
}

// Blackboard is the shared state substrate. Zero value is not usable;
// construct with New.
type Blackboard struct {
	log *logger.Logger
	bus *bus.Bus

	mu      sync.RWMutex
	entries map[entryKey]*Entry
	timers  map[entryKey]*time.Timer

	namespaceTTLs map[string]time.Duration
	invalidateRules []InvalidateRule

	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepOnce     sync.Once

	metrics Metrics
}

// InvalidateRule binds a state-invalidate reason pattern to the
// namespaces/key-patterns it clears, mirroring spec.md §4.2's
// "reason string matched against configured rules".
type InvalidateRule struct {
	Reason     string // matched verbatim, or "*" to match any reason
	Namespace  Namespace
	KeyPattern string
}

// Metrics accumulates per-namespace access counters (spec.md §3
// "access metrics", detailed in SPEC_FULL.md §11).
type Metrics struct {
	mu      sync.Mutex
	Reads   map[Namespace]int64
	Writes  map[Namespace]int64
	Hits    map[Namespace]int64
	Misses  map[Namespace]int64
	Expires map[Namespace]int64
}

func newMetrics() Metrics {
	return Metrics{
		Reads:   make(map[Namespace]int64),
		Writes:  make(map[Namespace]int64),
		Hits:    make(map[Namespace]int64),
		Misses:  make(map[Namespace]int64),
		Expires: make(map[Namespace]int64),
	}
}

// inc increments both the local counter map (read back via
// MetricsSnapshot) and the process-wide Prometheus series, keeping the
// two views consistent without requiring a caller to reconcile them.
func (m *Metrics) inc(counter map[Namespace]int64, ns Namespace, kind string) {
	m.mu.Lock()
	counter[ns]++
	m.mu.Unlock()
	metrics.BlackboardOps.WithLabelValues(string(ns), kind).Inc()
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := newMetrics()
	for k, v := range m.Reads {
		cp.Reads[k] = v
	}
	for k, v := range m.Writes {
		cp.Writes[k] = v
	}
	for k, v := range m.Hits {
		cp.Hits[k] = v
	}
	for k, v := range m.Misses {
		cp.Misses[k] = v
	}
	for k, v := range m.Expires {
		cp.Expires[k] = v
	}
	return cp
}

// Config controls blackboard construction.
type Config struct {
	Logger        *logger.Logger
	Bus           *bus.Bus
	NamespaceTTLs map[string]time.Duration
	SweepInterval time.Duration
	Rules         []InvalidateRule
}

// New constructs a Blackboard and starts its TTL sweep goroutine.
func New(cfg Config) *Blackboard {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("blackboard")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	b := &Blackboard{
		log:             cfg.Logger,
		bus:             cfg.Bus,
		entries:         make(map[entryKey]*Entry),
		timers:          make(map[entryKey]*time.Timer),
		namespaceTTLs:   cfg.NamespaceTTLs,
		invalidateRules: cfg.Rules,
		sweepInterval:   cfg.SweepInterval,
		stopSweep:       make(chan struct{}),
		metrics:         newMetrics(),
	}
	go b.runSweeper()
	if b.bus != nil {
		b.bus.Subscribe("state-invalidate", b.onStateInvalidate)
	}
	return b
}

// Close stops the TTL sweeper. Safe to call once.
func (b *Blackboard) Close() {
	b.sweepOnce.Do(func() { close(b.stopSweep) })
}

func validateNamespace(ns Namespace) error {
	if _, ok := knownNamespaces[ns]; !ok {
		return workflowerr.UnknownNamespace(string(ns))
	}
	return nil
}

// Read returns the current payload for (ns, key), or InvalidInput-class
// workflowerr if ns is unknown, or a nil entry if the key is absent or
// expired. Updates LastAccessed and access metrics.
func (b *Blackboard) Read(ctx context.Context, ns Namespace, key string) (map[string]any, bool, error) {
	if err := validateNamespace(ns); err != nil {
		return nil, false, err
	}
	b.metrics.inc(b.metrics.Reads, ns, "read")

	ek := entryKey{ns, key}

	b.mu.Lock()
	e, ok := b.entries[ek]
	if ok && e.ExpiresAt != nil && !e.ExpiresAt.After(time.Now()) {
		b.removeLocked(ek)
		ok = false
	}
	if ok {
		e.LastAccessed = time.Now()
	}
	b.mu.Unlock()

	if !ok {
		b.metrics.inc(b.metrics.Misses, ns, "miss")
		return nil, false, nil
	}
	b.metrics.inc(b.metrics.Hits, ns, "hit")
	return e.clone().Data, true, nil
}

// Write installs or replaces the entry for (ns, key) and returns its
// new ETag. Strong-consistency namespaces block until the
// strong-consistency-write notification has been delivered on the bus.
func (b *Blackboard) Write(ctx context.Context, ns Namespace, key string, data map[string]any, opts WriteOptions) (string, error) {
	if err := validateNamespace(ns); err != nil {
		return "", err
	}
	b.metrics.inc(b.metrics.Writes, ns, "write")

	etag := fingerprint(data)
	now := time.Now()
	ek := entryKey{ns, key}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = b.ruleTTL(ns, key)
	}
	var expiresAt *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		expiresAt = &t
	}

	consistency := knownNamespaces[ns]

	b.mu.Lock()
	existing, had := b.entries[ek]
	version := 1
	createdAt := now
	if had {
		version = existing.Version + 1
		createdAt = existing.CreatedAt
	}
	if opts.Version > 0 {
		version = opts.Version
	}

	entry := &Entry{
		Namespace:    ns,
		Key:          key,
		Data:         data,
		CreatedAt:    createdAt,
		LastModified: now,
		LastAccessed: now,
		ExpiresAt:    expiresAt,
		Version:      version,
		ETag:         etag,
		Consistency:  consistency,
	}
	b.entries[ek] = entry
	b.armTimerLocked(ek, expiresAt)
	b.mu.Unlock()

	b.emitStateChanged(ctx, ns, key, "write", etag, consistency)

	return etag, nil
}

// Delete removes the entry for (ns, key), cancelling any pending TTL
// timer. Returns whether an entry was actually removed.
func (b *Blackboard) Delete(ctx context.Context, ns Namespace, key string) (bool, error) {
	if err := validateNamespace(ns); err != nil {
		return false, err
	}
	ek := entryKey{ns, key}

	b.mu.Lock()
	_, existed := b.entries[ek]
	if existed {
		b.removeLocked(ek)
	}
	b.mu.Unlock()

	if existed {
		b.emitStateChanged(ctx, ns, key, "delete", "", knownNamespaces[ns])
	}
	return existed, nil
}

// Invalidate deletes every key in ns matching the `*`-wildcard pattern
// and returns the count removed.
func (b *Blackboard) Invalidate(ctx context.Context, ns Namespace, pattern string) (int, error) {
	if err := validateNamespace(ns); err != nil {
		return 0, err
	}

	var removed []string
	b.mu.Lock()
	for ek := range b.entries {
		if ek.ns != ns {
			continue
		}
		if globMatch(pattern, ek.key) {
			removed = append(removed, ek.key)
		}
	}
	for _, k := range removed {
		b.removeLocked(entryKey{ns, k})
	}
	b.mu.Unlock()

	for _, k := range removed {
		b.emitStateChanged(ctx, ns, k, "delete", "", knownNamespaces[ns])
	}
	return len(removed), nil
}

// Query returns metadata for every non-expired entry in ns matching
// filter. Expired entries encountered along the way are removed.
func (b *Blackboard) Query(ctx context.Context, ns Namespace, filter QueryFilter) ([]*Entry, error) {
	if err := validateNamespace(ns); err != nil {
		return nil, err
	}

	now := time.Now()
	var expired []entryKey
	var out []*Entry

	b.mu.Lock()
	for ek, e := range b.entries {
		if ek.ns != ns {
			continue
		}
		if e.ExpiresAt != nil && !e.ExpiresAt.After(now) {
			expired = append(expired, ek)
			continue
		}
		if filter.KeyPattern != "" && !globMatch(filter.KeyPattern, ek.key) {
			continue
		}
		if !filter.CreatedAfter.IsZero() && !e.CreatedAt.After(filter.CreatedAfter) {
			continue
		}
		if !filter.CreatedBefore.IsZero() && !e.CreatedAt.Before(filter.CreatedBefore) {
			continue
		}
		out = append(out, e.clone())
	}
	for _, ek := range expired {
		b.removeLocked(ek)
	}
	b.mu.Unlock()

	for _, ek := range expired {
		b.emitStateChanged(ctx, ek.ns, ek.key, "delete", "", knownNamespaces[ek.ns])
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// MetricsSnapshot returns current access counters.
func (b *Blackboard) MetricsSnapshot() Metrics {
	return b.metrics.Snapshot()
}

func (b *Blackboard) ruleTTL(ns Namespace, key string) time.Duration {
	if b.namespaceTTLs == nil {
		return 0
	}
	if d, ok := b.namespaceTTLs[string(ns)]; ok {
		return d
	}
	if d, ok := b.namespaceTTLs[key]; ok {
		return d
	}
	return 0
}

// removeLocked deletes the entry and cancels its timer. Caller must
// hold b.mu.
func (b *Blackboard) removeLocked(ek entryKey) {
	delete(b.entries, ek)
	if t, ok := b.timers[ek]; ok {
		t.Stop()
		delete(b.timers, ek)
	}
}

// armTimerLocked installs a deferred-delete timer for ek, replacing any
// existing one. Caller must hold b.mu.
func (b *Blackboard) armTimerLocked(ek entryKey, expiresAt *time.Time) {
	if t, ok := b.timers[ek]; ok {
		t.Stop()
		delete(b.timers, ek)
	}
	if expiresAt == nil {
		return
	}
	d := time.Until(*expiresAt)
	if d <= 0 {
		d = time.Millisecond
	}
	b.timers[ek] = time.AfterFunc(d, func() {
		b.mu.Lock()
		e, ok := b.entries[ek]
		stillExpired := ok && e.ExpiresAt != nil && !e.ExpiresAt.After(time.Now())
		if stillExpired {
			b.removeLocked(ek)
		}
		b.mu.Unlock()
		if stillExpired {
			b.metrics.inc(b.metrics.Expires, ek.ns, "expire")
			b.emitStateChanged(context.Background(), ek.ns, ek.key, "delete", "", knownNamespaces[ek.ns])
		}
	})
}

// runSweeper is the defensive periodic scan that catches any entry the
// deferred timers missed (e.g. a timer that never got scheduled
// because the process was busy at write time).
func (b *Blackboard) runSweeper() {
	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.sweepOnePass()
		case <-b.stopSweep:
			return
		}
	}
}

func (b *Blackboard) sweepOnePass() {
	now := time.Now()
	var expired []entryKey

	b.mu.Lock()
	for ek, e := range b.entries {
		if e.ExpiresAt != nil && !e.ExpiresAt.After(now) {
			expired = append(expired, ek)
		}
	}
	for _, ek := range expired {
		b.removeLocked(ek)
	}
	b.mu.Unlock()

	for _, ek := range expired {
		b.metrics.inc(b.metrics.Expires, ek.ns, "expire")
		b.emitStateChanged(context.Background(), ek.ns, ek.key, "delete", "", knownNamespaces[ek.ns])
	}
}

func (b *Blackboard) emitStateChanged(ctx context.Context, ns Namespace, key, operation, etag string, consistency Consistency) {
	if b.bus == nil {
		return
	}
	env := &bus.Envelope{
		Payload: map[string]any{
			"namespace": string(ns),
			"key":       key,
			"operation": operation,
		},
	}
	if etag != "" {
		env.Payload["etag"] = etag
	}

	if consistency == ConsistencyStrong && operation == "write" {
		b.bus.PublishSync(ctx, "strong-consistency-write", &bus.Envelope{
			Payload: map[string]any{"namespace": string(ns), "key": key, "etag": etag},
		})
	}
	b.bus.Publish(ctx, "state-changed", env)
}

// onStateInvalidate evaluates an incoming invalidation reason against
// the configured rule table (spec.md §4.2 "Invalidation policy").
func (b *Blackboard) onStateInvalidate(ctx context.Context, env *bus.Envelope) error {
	reason, _ := env.Payload["reason"].(string)
	for _, rule := range b.invalidateRules {
		if rule.Reason != "*" && rule.Reason != reason {
			continue
		}
		if _, err := b.Invalidate(ctx, rule.Namespace, rule.KeyPattern); err != nil {
			b.log.WithError(err).Warn("state-invalidate rule failed")
		}
	}
	return nil
}

// fingerprint computes a fixed-width, non-cryptographic-strength hex
// digest over the canonical JSON encoding of data: the SHA-1 sum
// truncated to its first 16 hex characters (64 bits). Replaces the
// teacher's short-base64 checksum per spec.md §9's redesign note:
// equality comparison is all callers need.
func fingerprint(data map[string]any) string {
	canonical, _ := json.Marshal(sortedMap(data))
	sum := sha1.Sum(canonical)
	return hex.EncodeToString(sum[:])[:16]
}

// sortedMap returns data unchanged, or an empty map for nil data, so
// that nil and empty payloads share one fingerprint. Key order needs no
// handling here: encoding/json sorts map keys, nested maps included.
func sortedMap(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	return data
}

// globMatch reports whether name matches a `*`-wildcard pattern. An
// empty pattern matches everything.
func globMatch(pattern, name string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, name)
	if err != nil {
		return false
	}
	return ok
}
