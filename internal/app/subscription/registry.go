package subscription

import (
	"sort"
	"sync"
	"time"

	"github.com/coachpo/subhub/internal/domain/exchange"
	"github.com/coachpo/subhub/internal/domain/schema"
)

// Resources are the live exchange-side artefacts owned by a registry entry.
type Resources struct {
	// Handle is the poll timer; present iff the method is pull.
	Handle  Handle
	Adapter exchange.Adapter
	// Stream is the exchange-side stream target; set iff the method is push.
	Stream string
}

// Info is a read-only snapshot of a subscription.
type Info struct {
	ID            string          `json:"id"`
	Key           schema.Key      `json:"-"`
	Exchange      string          `json:"exchange"`
	Symbol        string          `json:"symbol"`
	Type          schema.DataType `json:"type"`
	Params        schema.Params   `json:"params,omitempty"`
	RefCount      int             `json:"refCount"`
	Strategies    []string        `json:"strategies"`
	Method        schema.Method   `json:"method"`
	PollInterval  time.Duration   `json:"pollIntervalNs,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	LastUpdatedAt time.Time       `json:"lastUpdatedAt"`
}

// Release reports the outcome of removing a strategy from a subscription.
type Release struct {
	// Found is false when no entry exists for the key.
	Found bool
	// Member is false when the strategy did not hold the subscription.
	Member bool
	// Removed is set when the last holder left and the entry was deleted.
	// The caller then owns Resources and must tear them down.
	Removed   bool
	Info      Info
	Resources Resources
}

// RegistryStats aggregates live subscriptions.
type RegistryStats struct {
	Total      int                     `json:"total"`
	ByType     map[schema.DataType]int `json:"byType"`
	ByMethod   map[schema.Method]int   `json:"byMethod"`
	ByExchange map[string]int          `json:"byExchange"`
}

type entry struct {
	key          schema.Key
	strategies   map[string]struct{}
	refCount     int
	method       schema.Method
	resources    Resources
	pollInterval time.Duration
	createdAt    time.Time
	updatedAt    time.Time
}

func (e *entry) info(id string) Info {
	strategies := make([]string, 0, len(e.strategies))
	for name := range e.strategies {
		strategies = append(strategies, name)
	}
	sort.Strings(strategies)
	key := e.key.Clone()
	return Info{
		ID:            id,
		Key:           key,
		Exchange:      key.Exchange,
		Symbol:        key.Symbol,
		Type:          key.Type,
		Params:        key.Params.Clone(),
		RefCount:      e.refCount,
		Strategies:    strategies,
		Method:        e.method,
		PollInterval:  e.pollInterval,
		CreatedAt:     e.createdAt,
		LastUpdatedAt: e.updatedAt,
	}
}

// Registry is the reference-counted map from subscription identity to live state.
// refCount always equals the number of distinct strategies holding the entry.
type Registry struct {
	clock Clock

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry constructs an empty registry.
func NewRegistry(clock Clock) *Registry {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Registry{clock: clock, entries: make(map[string]*entry)}
}

// Subscribe adds strategy to the entry for key, creating it with method and res when absent.
// res is ignored when the entry already exists; a repeated strategy does not change the count.
func (r *Registry) Subscribe(strategy string, key schema.Key, method schema.Method, pollInterval time.Duration, res Resources) (Info, bool) {
	id := key.ID()
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if ok {
		if _, member := e.strategies[strategy]; !member {
			e.strategies[strategy] = struct{}{}
			e.refCount++
		}
		e.updatedAt = now
		return e.info(id), false
	}

	if method != schema.MethodPull {
		pollInterval = 0
	}
	e = &entry{
		key:          key.Clone(),
		strategies:   map[string]struct{}{strategy: {}},
		refCount:     1,
		method:       method,
		resources:    res,
		pollInterval: pollInterval,
		createdAt:    now,
		updatedAt:    now,
	}
	r.entries[id] = e
	return e.info(id), true
}

// Unsubscribe removes strategy from the entry for id. The count only drops when the
// strategy was actually a holder.
func (r *Registry) Unsubscribe(strategy, id string) Release {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Release{}
	}
	if _, member := e.strategies[strategy]; !member {
		return Release{Found: true, Info: e.info(id)}
	}
	delete(e.strategies, strategy)
	if e.refCount > 0 {
		e.refCount--
	}
	e.updatedAt = r.clock.Now()
	rel := Release{Found: true, Member: true, Info: e.info(id)}
	if e.refCount == 0 {
		delete(r.entries, id)
		rel.Removed = true
		rel.Resources = e.resources
	}
	return rel
}

// Evict removes the entry for id regardless of holders and hands back its resources.
func (r *Registry) Evict(id string) (Release, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Release{}, false
	}
	delete(r.entries, id)
	return Release{
		Found:     true,
		Member:    true,
		Removed:   true,
		Info:      e.info(id),
		Resources: e.resources,
	}, true
}

// Get returns a snapshot of the entry for id.
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Info{}, false
	}
	return e.info(id), true
}

// Has reports whether an entry exists for id.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// All returns snapshots of every entry ordered by id.
func (r *Registry) All() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, e.info(id))
	}
	r.mu.RUnlock()
	sortInfos(out)
	return out
}

// ByStrategy returns snapshots of the entries held by strategy.
func (r *Registry) ByStrategy(strategy string) []Info {
	r.mu.RLock()
	out := make([]Info, 0)
	for id, e := range r.entries {
		if _, ok := e.strategies[strategy]; ok {
			out = append(out, e.info(id))
		}
	}
	r.mu.RUnlock()
	sortInfos(out)
	return out
}

// IDs returns the identity of every entry.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats aggregates entries by type, method and exchange. Every data type and both
// concrete methods are always present.
func (r *Registry) Stats() RegistryStats {
	stats := RegistryStats{
		ByType:     make(map[schema.DataType]int, len(schema.DataTypes)),
		ByMethod:   map[schema.Method]int{schema.MethodPush: 0, schema.MethodPull: 0},
		ByExchange: make(map[string]int),
	}
	for _, typ := range schema.DataTypes {
		stats.ByType[typ] = 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		stats.Total++
		stats.ByType[e.key.Type]++
		stats.ByMethod[e.method]++
		stats.ByExchange[e.key.Exchange]++
	}
	return stats
}

func sortInfos(infos []Info) {
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
}
