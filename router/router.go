// Package router maintains the client's view of cluster topology: which
// broker leads each (topic, partition), which broker coordinates each
// consumer group, and the pool of connections those answers route through.
// It is the only component that issues MetadataRequest or
// FindCoordinatorRequest calls; the producer, consumer, and coordinator
// packages never talk to a broker they didn't get from a Router.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mkocikowski/kafkacore/api/Metadata"
	"github.com/mkocikowski/kafkacore/client"
	"github.com/mkocikowski/kafkacore/endpoint"
	kerrors "github.com/mkocikowski/kafkacore/errors"
	"github.com/mkocikowski/kafkacore/retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Config holds the router's tunables. Zero value is usable.
type Config struct {
	ClientId        string
	CacheExpiration time.Duration
	RefreshTimeout  time.Duration
	RefreshRetry    retry.Policy
	Selector        PartitionSelector
	Conn            client.Config

	// ConnIdleTimeout, if positive, reaps a pooled connection that has
	// carried no traffic for at least this long the next time a metadata
	// refresh runs. Zero disables reaping; connections live until a
	// refresh reports their broker at another address or the router is
	// closed.
	ConnIdleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.CacheExpiration <= 0 {
		c.CacheExpiration = 10 * time.Millisecond
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = 200 * time.Second
	}
	if c.RefreshRetry.MaxAttempts == 0 {
		c.RefreshRetry = retry.Default()
	}
	if c.Selector == nil {
		c.Selector = &DefaultSelector{}
	}
	c.Conn.ClientId = c.ClientId
	return c
}

type cachedTopic struct {
	meta      Metadata.TopicMetadata
	fetchedAt time.Time
}

type cachedGroup struct {
	brokerId  int32
	fetchedAt time.Time
}

// snapshot is an immutable view of the router's caches and connection
// pools. A refresh builds a new snapshot and publishes it with a single
// atomic pointer store; readers never take a lock to consult one.
type snapshot struct {
	// connByEndpoint is keyed by Endpoint.Addr(), not the Endpoint value
	// itself: two endpoints with different URIs but the same resolved
	// host:port must reuse one connection.
	connByEndpoint map[string]*client.Connection
	connByBroker   map[int32]*client.Connection
	topics         map[string]*cachedTopic
	groups         map[string]*cachedGroup
}

// Route is the answer to "which connection should this (topic, partition)
// or group go through".
type Route struct {
	Topic      string
	Partition  int32
	Group      string
	Connection *client.Connection
}

// Router is the client's topology cache plus the connection pool it keys
// off of. Safe for concurrent use.
type Router struct {
	cfg Config
	log *logrus.Entry

	state atomic.Pointer[snapshot]
	sf    singleflight.Group

	// poolMu serializes connection-pool reconciliation (applyMetadata,
	// doRefreshGroup) so two concurrent refreshes never both decide a
	// broker needs dialing and open two sockets for it.
	poolMu sync.Mutex
}

// New resolves seeds, dials a connection to each one that resolves, and
// returns a Router ready to serve lookups once a refresh populates its
// caches. Construction fails only if not a single seed both resolves and
// connects; individual failures are logged and the rest proceed.
func New(ctx context.Context, seeds []string, cfg Config, log *logrus.Entry) (*Router, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	resolved, resolveErrs := endpoint.ResolveAll(seeds)
	for _, e := range resolveErrs {
		log.WithError(e).Warn("seed endpoint did not resolve")
	}
	connByEndpoint := make(map[string]*client.Connection)
	for _, ep := range resolved {
		conn, err := client.Dial(ctx, ep, cfg.Conn, log)
		if err != nil {
			log.WithError(err).Warn("seed connection failed")
			continue
		}
		connByEndpoint[ep.Addr()] = conn
	}
	if len(connByEndpoint) == 0 {
		return nil, fmt.Errorf("router: no seed endpoint could be resolved and connected (resolve errors: %v)", resolveErrs)
	}
	r := &Router{cfg: cfg, log: log}
	r.state.Store(&snapshot{
		connByEndpoint: connByEndpoint,
		connByBroker:   make(map[int32]*client.Connection),
		topics:         make(map[string]*cachedTopic),
		groups:         make(map[string]*cachedGroup),
	})
	// Seed connections have no known broker id yet; they're reachable
	// only through connByEndpoint until the first metadata refresh
	// assigns them one in connByBroker.
	return r, nil
}

// GetTopicBroker returns the route for (topic, partition) if it is in the
// cache, not mid-election, and its leader's connection isn't still
// honoring a broker-requested throttle. Returns CachedMetadataError or
// ThrottledError otherwise, or RequestError if the cached topic carries a
// broker error code; the caller decides whether to fall back to
// GetTopicBrokerAsync.
func (r *Router) GetTopicBroker(topic string, partition int32) (Route, error) {
	s := r.state.Load()
	t, ok := s.topics[topic]
	if !ok {
		return Route{}, &kerrors.CachedMetadataError{Topic: topic, Partition: partition, Reason: "topic not cached"}
	}
	if t.meta.ErrorCode != 0 {
		return Route{}, &kerrors.RequestError{Code: t.meta.ErrorCode}
	}
	var pm *Metadata.PartitionMetadata
	for i := range t.meta.PartitionMetadata {
		if t.meta.PartitionMetadata[i].Partition == partition {
			pm = &t.meta.PartitionMetadata[i]
			break
		}
	}
	if pm == nil {
		return Route{}, &kerrors.CachedMetadataError{Topic: topic, Partition: partition, Reason: "partition not in cached metadata"}
	}
	if pm.Leader < 0 {
		return Route{}, &kerrors.CachedMetadataError{Topic: topic, Partition: partition, Reason: "leader election in progress"}
	}
	conn, ok := s.connByBroker[pm.Leader]
	if !ok {
		return Route{}, &kerrors.CachedMetadataError{Topic: topic, Partition: partition, Reason: fmt.Sprintf("no connection for broker %d", pm.Leader)}
	}
	if until := conn.ThrottledUntil(); time.Now().Before(until) {
		return Route{}, &kerrors.ThrottledError{Endpoint: conn.Endpoint.Addr(), Until: until}
	}
	return Route{Topic: topic, Partition: partition, Connection: conn}, nil
}

// GetTopicBrokerByKey picks a partition for topic using the router's
// PartitionSelector and resolves it to a route. An empty key selects
// round-robin; a non-empty key hashes to a partition.
func (r *Router) GetTopicBrokerByKey(topic string, key []byte) (Route, error) {
	s := r.state.Load()
	t, ok := s.topics[topic]
	if !ok {
		return Route{}, &kerrors.CachedMetadataError{Topic: topic, Reason: "topic not cached"}
	}
	partitions := make([]int32, 0, len(t.meta.PartitionMetadata))
	for _, pm := range t.meta.PartitionMetadata {
		if pm.Leader >= 0 {
			partitions = append(partitions, pm.Partition)
		}
	}
	if len(partitions) == 0 {
		return Route{}, &kerrors.CachedMetadataError{Topic: topic, Reason: "no partition with an elected leader"}
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
	p := r.cfg.Selector.Select(topic, key, partitions)
	return r.GetTopicBroker(topic, p)
}

// GetGroupBroker returns the route to groupId's coordinator, if cached and
// not still honoring a broker-requested throttle.
func (r *Router) GetGroupBroker(groupId string) (Route, error) {
	s := r.state.Load()
	g, ok := s.groups[groupId]
	if !ok {
		return Route{}, &kerrors.CachedMetadataError{Group: groupId, Reason: "group not cached"}
	}
	conn, ok := s.connByBroker[g.brokerId]
	if !ok {
		return Route{}, &kerrors.CachedMetadataError{Group: groupId, Reason: fmt.Sprintf("no connection for broker %d", g.brokerId)}
	}
	if until := conn.ThrottledUntil(); time.Now().Before(until) {
		return Route{}, &kerrors.ThrottledError{Endpoint: conn.Endpoint.Addr(), Until: until}
	}
	return Route{Group: groupId, Connection: conn}, nil
}

// GetTopicBrokerAsync looks up (topic, partition); on a cache miss it
// triggers (and waits for) a metadata refresh, then looks up again.
func (r *Router) GetTopicBrokerAsync(ctx context.Context, topic string, partition int32) (Route, error) {
	route, err := r.GetTopicBroker(topic, partition)
	if err == nil {
		return route, nil
	}
	if !isCachedMetadataErr(err) {
		return route, err
	}
	r.refreshTopics(ctx, []string{topic})
	return r.GetTopicBroker(topic, partition)
}

// GetTopicBrokerByKeyAsync is GetTopicBrokerByKey with a refresh-on-miss.
func (r *Router) GetTopicBrokerByKeyAsync(ctx context.Context, topic string, key []byte) (Route, error) {
	route, err := r.GetTopicBrokerByKey(topic, key)
	if err == nil {
		return route, nil
	}
	if !isCachedMetadataErr(err) {
		return route, err
	}
	r.refreshTopics(ctx, []string{topic})
	return r.GetTopicBrokerByKey(topic, key)
}

// GetGroupBrokerAsync is GetGroupBroker with a refresh-on-miss.
func (r *Router) GetGroupBrokerAsync(ctx context.Context, groupId string) (Route, error) {
	route, err := r.GetGroupBroker(groupId)
	if err == nil {
		return route, nil
	}
	if !isCachedMetadataErr(err) {
		return route, err
	}
	r.refreshGroup(ctx, groupId)
	return r.GetGroupBroker(groupId)
}

// InvalidateTopic drops topic from the cache, forcing the next lookup to
// refresh. Callers (the coordinator) do this after a stale-metadata
// response so a subsequent retry doesn't reuse the bad route.
func (r *Router) InvalidateTopic(topic string) {
	for {
		old := r.state.Load()
		if _, ok := old.topics[topic]; !ok {
			return
		}
		next := cloneSnapshot(old)
		delete(next.topics, topic)
		if r.state.CompareAndSwap(old, next) {
			return
		}
	}
}

// InvalidateGroup drops groupId's coordinator from the cache.
func (r *Router) InvalidateGroup(groupId string) {
	for {
		old := r.state.Load()
		if _, ok := old.groups[groupId]; !ok {
			return
		}
		next := cloneSnapshot(old)
		delete(next.groups, groupId)
		if r.state.CompareAndSwap(old, next) {
			return
		}
	}
}

// RefreshTopics forces a metadata refresh for the given topics, coalescing
// concurrent callers asking for the same set into one broker round trip.
// Cached entries for the named topics are first marked stale (they stay
// routable meanwhile) so the refresh is not skipped as already fresh. An
// empty topics is sent as given: nil asks the broker for every topic in
// the cluster, a non-nil empty slice for none.
func (r *Router) RefreshTopics(ctx context.Context, topics []string) error {
	for len(topics) > 0 {
		old := r.state.Load()
		next := cloneSnapshot(old)
		for _, t := range topics {
			if c, ok := next.topics[t]; ok {
				next.topics[t] = &cachedTopic{meta: c.meta}
			}
		}
		if r.state.CompareAndSwap(old, next) {
			break
		}
	}
	return r.refreshTopics(ctx, topics)
}

// RefreshGroup forces a FindCoordinator lookup for groupId. A cached
// coordinator is first marked stale (it stays routable meanwhile) so the
// lookup is not skipped as already fresh.
func (r *Router) RefreshGroup(ctx context.Context, groupId string) error {
	for {
		old := r.state.Load()
		g, ok := old.groups[groupId]
		if !ok {
			break
		}
		next := cloneSnapshot(old)
		next.groups[groupId] = &cachedGroup{brokerId: g.brokerId}
		if r.state.CompareAndSwap(old, next) {
			break
		}
	}
	return r.refreshGroup(ctx, groupId)
}

// Close closes every connection currently in the pool. Callers (producer,
// consumer, coordinator) must be stopped first; Close does not wait for
// in-flight sends, it just tears down the sockets out from under them.
// Safe to call more than once.
func (r *Router) Close() error {
	s := r.state.Load()
	seen := make(map[*client.Connection]bool, len(s.connByEndpoint))
	var errs []error
	for _, c := range s.connByEndpoint {
		if seen[c] {
			continue
		}
		seen[c] = true
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func cloneSnapshot(s *snapshot) *snapshot {
	next := &snapshot{
		connByEndpoint: make(map[string]*client.Connection, len(s.connByEndpoint)),
		connByBroker:   make(map[int32]*client.Connection, len(s.connByBroker)),
		topics:         make(map[string]*cachedTopic, len(s.topics)),
		groups:         make(map[string]*cachedGroup, len(s.groups)),
	}
	for k, v := range s.connByEndpoint {
		next.connByEndpoint[k] = v
	}
	for k, v := range s.connByBroker {
		next.connByBroker[k] = v
	}
	for k, v := range s.topics {
		next.topics[k] = v
	}
	for k, v := range s.groups {
		next.groups[k] = v
	}
	return next
}

func isCachedMetadataErr(err error) bool {
	_, ok := err.(*kerrors.CachedMetadataError)
	return ok
}

// connections returns a snapshot of every distinct connection currently in
// the broker pool (failed ones included; a send on one just fails), used
// to pick one to send the MetadataRequest/
// FindCoordinatorRequest over — any broker can answer either.
func (r *Router) connections() []*client.Connection {
	s := r.state.Load()
	seen := make(map[*client.Connection]bool, len(s.connByEndpoint))
	conns := make([]*client.Connection, 0, len(s.connByEndpoint))
	for _, c := range s.connByEndpoint {
		if seen[c] {
			continue
		}
		seen[c] = true
		conns = append(conns, c)
	}
	return conns
}

func refreshKey(prefix string, names []string) string {
	if len(names) == 0 {
		return prefix + ":*"
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return prefix + ":" + strings.Join(sorted, ",")
}
