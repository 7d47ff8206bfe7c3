package federation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/engindearing-projects/omniTAK-mobile-sub001/connection"
	"github.com/engindearing-projects/omniTAK-mobile-sub001/cot"
	"github.com/engindearing-projects/omniTAK-mobile-sub001/errors"
	"github.com/engindearing-projects/omniTAK-mobile-sub001/metric"
)

// DefaultCacheCapacity bounds the federation cache; oldest entries are
// evicted once it fills.
const DefaultCacheCapacity = 4096

// LocalSource is the pseudo connection id for caller-originated broadcasts.
const LocalSource = "local"

// Link is the connection surface the router needs; *connection.Manager and
// *connection.MeshConnection both satisfy it.
type Link interface {
	ID() string
	Connected() bool
	SendCoT(ctx context.Context, e *cot.Event) error
}

// StatusReporter is the optional link surface exposing session statistics.
type StatusReporter interface {
	Status() connection.Status
}

// Subscriber receives every event the router accepts, with its source
// connection id.
type Subscriber func(sourceID string, event *cot.Event)

// federatedEvent is one cache entry: the newest revision of a uid and the
// connections it has already been shared to.
type federatedEvent struct {
	event       *cot.Event
	sourceID    string
	sharedTo    map[string]bool
	lastUpdated time.Time
}

// RouterDeps holds runtime dependencies for the federation router.
type RouterDeps struct {
	// CacheCapacity bounds the dedup cache; zero selects the default
	CacheCapacity int
	// MetricsRegistry enables instrumentation; nil disables it
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Router owns the connections and the routing decisions. All ingest and
// broadcast calls funnel through one mutex, giving at most one dedup
// decision per event; the cache and the per-connection shared-to sets are
// too contended for anything looser.
type Router struct {
	mu          sync.Mutex
	links       map[string]Link
	policies    map[string]Policy
	cache       *lru.Cache[string, *federatedEvent]
	subscribers []Subscriber
	logger      *slog.Logger
	metrics     *metric.Metrics
}

// NewRouter builds a router with an empty connection table.
func NewRouter(deps RouterDeps) (*Router, error) {
	capacity := deps.CacheCapacity
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "federation-router")
	}

	r := &Router{
		links:    make(map[string]Link),
		policies: make(map[string]Policy),
		logger:   logger,
	}
	if deps.MetricsRegistry != nil {
		r.metrics = deps.MetricsRegistry.CoreMetrics()
	}

	cache, err := lru.NewWithEvict[string, *federatedEvent](capacity, func(uid string, _ *federatedEvent) {
		if r.metrics != nil {
			r.metrics.CacheEvictions.Inc()
		}
	})
	if err != nil {
		return nil, errors.WrapFatal(err, "federation", "NewRouter", "cache creation")
	}
	r.cache = cache
	return r, nil
}

// AddConnection registers a link under its policy. Re-adding an id replaces
// its policy and link.
func (r *Router) AddConnection(link Link, policy Policy) error {
	if link == nil || link.ID() == "" {
		return errors.WrapInvalid(
			errors.New("link with a non-empty id is required"),
			"federation.Router", "AddConnection", "link check")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links[link.ID()] = link
	r.policies[link.ID()] = policy
	return nil
}

// UpdatePolicy replaces the policy for a registered connection.
func (r *Router) UpdatePolicy(id string, policy Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.links[id]; !ok {
		return errors.WrapInvalid(
			fmt.Errorf("unknown connection %q", id),
			"federation.Router", "UpdatePolicy", "connection lookup")
	}
	r.policies[id] = policy
	return nil
}

// RemoveConnection drops a link from the routing table. Cache entries
// survive so a re-added connection does not get historical re-shares.
func (r *Router) RemoveConnection(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.links, id)
	delete(r.policies, id)
}

// Subscribe registers a callback for every accepted event.
func (r *Router) Subscribe(fn Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

// Ingest runs the routing algorithm for one inbound event: receive filter,
// dedup against the cache, then policy-gated re-share to every other
// connected link. Events from a source id with no registered policy are
// dropped; an unregistered source must never bypass the receive gates.
// Safe for concurrent use from every connection's read loop.
func (r *Router) Ingest(sourceID string, e *cot.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sourcePolicy, known := r.policies[sourceID]
	if !known {
		r.logger.Warn("dropping event from unregistered source",
			"uid", e.UID, "source", sourceID)
		if r.metrics != nil {
			r.metrics.EventsFiltered.WithLabelValues("unregistered_source").Inc()
		}
		return
	}
	if !sourcePolicy.ReceiveTypes.Matches(e) {
		r.logger.Debug("dropping filtered event",
			"uid", e.UID, "type", e.Type, "source", sourceID)
		if r.metrics != nil {
			r.metrics.EventsFiltered.WithLabelValues("receive_types").Inc()
		}
		return
	}

	entry, exists := r.cache.Get(e.UID)
	fresh := false
	switch {
	case !exists:
		entry = &federatedEvent{
			event:       e,
			sourceID:    sourceID,
			sharedTo:    make(map[string]bool),
			lastUpdated: e.Time.Time,
		}
		r.cache.Add(e.UID, entry)
		fresh = true
	case !e.Time.Before(entry.lastUpdated):
		entry.event = e
		entry.sourceID = sourceID
		entry.lastUpdated = e.Time.Time
		fresh = true
	default:
		// Out-of-order duplicate: keep the newer cached revision, but still
		// re-evaluate sharing below — sharedTo blocks re-broadcast.
		if r.metrics != nil {
			r.metrics.EventsDeduped.Inc()
		}
	}

	if fresh {
		for _, fn := range r.subscribers {
			fn(sourceID, e)
		}
	}

	if !sourcePolicy.AutoShare {
		return
	}
	r.share(entry, sourceID)
}

// Broadcast sends a caller-originated event out through every connected
// link whose policy accepts it, skipping excludeID when non-empty.
func (r *Router) Broadcast(e *cot.Event, excludeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.cache.Get(e.UID)
	if !exists || !e.Time.Before(entry.lastUpdated) {
		if !exists {
			entry = &federatedEvent{sharedTo: make(map[string]bool)}
			r.cache.Add(e.UID, entry)
		}
		entry.event = e
		entry.sourceID = LocalSource
		entry.lastUpdated = e.Time.Time
	}
	if excludeID != "" {
		// Treat the exclusion like a completed share so later broadcasts of
		// the same uid also skip it.
		entry.sharedTo[excludeID] = true
	}
	r.share(entry, LocalSource)
}

// share is step 5 of the ingest algorithm; callers hold r.mu.
func (r *Router) share(entry *federatedEvent, sourceID string) {
	for id, link := range r.links {
		if id == sourceID {
			continue // never share back to the origin
		}
		if entry.sharedTo[id] {
			continue
		}
		if !link.Connected() {
			continue
		}
		policy := r.policies[id]
		if !policy.SendTypes.Matches(entry.event) {
			if r.metrics != nil {
				r.metrics.EventsFiltered.WithLabelValues("send_types").Inc()
			}
			continue
		}
		if policy.BlueTeamOnly && entry.event.Category() != cot.CategoryFriendly {
			if r.metrics != nil {
				r.metrics.EventsFiltered.WithLabelValues("blue_team_only").Inc()
			}
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := link.SendCoT(ctx, entry.event)
		cancel()
		if err != nil {
			// The connection surfaces its own failure through status; the
			// router moves on and may retry on the next revision of the uid.
			r.logger.Warn("share failed",
				"uid", entry.event.UID, "target", id, "error", err)
			continue
		}
		entry.sharedTo[id] = true
		if r.metrics != nil {
			r.metrics.EventsShared.Inc()
		}
	}
}

// Status snapshots every link that reports session statistics, keyed by
// connection id.
func (r *Router) Status() map[string]connection.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]connection.Status, len(r.links))
	for id, link := range r.links {
		if reporter, ok := link.(StatusReporter); ok {
			out[id] = reporter.Status()
		}
	}
	return out
}

// CachedEventCount reports how many uids the federation cache holds.
func (r *Router) CachedEventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len()
}
