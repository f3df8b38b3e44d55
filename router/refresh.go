package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mkocikowski/kafkacore/api/FindCoordinator"
	"github.com/mkocikowski/kafkacore/api/Metadata"
	"github.com/mkocikowski/kafkacore/client"
	"github.com/mkocikowski/kafkacore/endpoint"
	kerrors "github.com/mkocikowski/kafkacore/errors"
)

// refreshTopics runs the six-step metadata refresh for the given topics
// (a nil topics asks the broker for every topic in the cluster). Concurrent
// calls for the same topic set coalesce into a single broker round trip
// via singleflight; calls for disjoint topic sets can still fetch
// metadata concurrently, but applyMetadata serializes the part that
// actually touches the connection pool (see Router.poolMu), so two
// refreshes never race to dial the same broker.
func (r *Router) refreshTopics(ctx context.Context, topics []string) error {
	key := refreshKey("topics", topics)
	_, err, _ := r.sf.Do(key, func() (interface{}, error) {
		return nil, r.doRefreshTopics(ctx, topics)
	})
	return err
}

func (r *Router) doRefreshTopics(ctx context.Context, topics []string) error {
	// Step 1: recheck cache. Another refresh may have just satisfied us
	// while we were waiting to acquire the singleflight call.
	if len(topics) > 0 && r.topicsFresh(topics) {
		return nil
	}

	var resp *Metadata.Response
	var lastErr error
	for attempt := 0; attempt < r.cfg.RefreshRetry.Attempts(); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.cfg.RefreshRetry.Delay(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		resp, lastErr = r.sendMetadataRequest(ctx, topics)
		if lastErr != nil {
			continue
		}
		if retryTopics := retryableTopicErrors(resp); len(retryTopics) > 0 {
			lastErr = &kerrors.RequestError{Code: retryTopics[0]}
			continue
		}
		break
	}
	if lastErr != nil && resp == nil {
		return lastErr
	}
	if resp == nil {
		return fmt.Errorf("router: metadata refresh exhausted retries: %w", lastErr)
	}

	return r.applyMetadata(ctx, resp)
}

// topicsFresh reports whether every named topic is cached and younger than
// CacheExpiration.
func (r *Router) topicsFresh(topics []string) bool {
	s := r.state.Load()
	now := time.Now()
	for _, t := range topics {
		c, ok := s.topics[t]
		if !ok || now.Sub(c.fetchedAt) >= r.cfg.CacheExpiration {
			return false
		}
	}
	return true
}

// sendMetadataRequest tries every known connection in turn until one
// answers; any connection in the pool can serve a MetadataRequest.
func (r *Router) sendMetadataRequest(ctx context.Context, topics []string) (*Metadata.Response, error) {
	conns := r.connections()
	if len(conns) == 0 {
		return nil, &kerrors.ConnectionError{Err: fmt.Errorf("no connections available to refresh metadata")}
	}
	sctx, cancel := context.WithTimeout(ctx, r.cfg.RefreshTimeout)
	defer cancel()
	var errs []error
	for _, conn := range conns {
		req := Metadata.NewRequest(topics)
		resp := &Metadata.Response{}
		if err := conn.Send(sctx, req, resp); err != nil {
			errs = append(errs, err)
			continue
		}
		conn.UpdateThrottle(resp)
		return resp, nil
	}
	return nil, &kerrors.ConnectionError{Err: errors.Join(errs...)}
}

// retryableTopicErrors returns the broker error codes for any topic whose
// ErrorCode is retryable-but-not-stale (a stale-metadata code on a topic
// is not itself a refresh failure — it just means that topic is still
// converging, which step 4 below handles by leaving it uncached).
func retryableTopicErrors(resp *Metadata.Response) []int16 {
	var codes []int16
	for _, t := range resp.TopicMetadata {
		if t.ErrorCode != 0 && kerrors.IsRetryable(t.ErrorCode) && !kerrors.IsStaleMetadata(t.ErrorCode) {
			codes = append(codes, t.ErrorCode)
		}
	}
	return codes
}

// applyMetadata validates the response, detects in-progress elections,
// reconciles the connection pool against the brokers the response named,
// and publishes a new snapshot. The reconcile-and-swap runs under
// poolMu so two concurrent refreshes never both decide broker N is
// missing and each dial their own connection for it. When a broker's
// advertised endpoint changes, the old connection is closed once the new
// snapshot is live and nothing else still points at its address.
func (r *Router) applyMetadata(ctx context.Context, resp *Metadata.Response) error {
	brokerEndpoints := make(map[int32]endpoint.Endpoint, len(resp.Brokers))
	for _, b := range resp.Brokers {
		if b.Host == "" || b.Port <= 0 {
			r.log.Warnf("metadata response: broker %d has invalid address %s:%d, skipping", b.NodeId, b.Host, b.Port)
			continue
		}
		ep, err := endpoint.Resolve(b.Addr())
		if err != nil {
			r.log.WithError(err).Warnf("metadata response: broker %d address did not resolve", b.NodeId)
			continue
		}
		brokerEndpoints[b.NodeId] = ep
	}

	var electing []error
	now := time.Now()

	r.poolMu.Lock()
	defer r.poolMu.Unlock()

	for {
		old := r.state.Load()
		next := cloneSnapshot(old)
		var dialedThisAttempt []*client.Connection
		var replacedThisAttempt []*client.Connection

		// Reconcile the connection pool: dial any broker we don't have
		// a live connection to yet, or whose advertised endpoint
		// changed. Brokers the response does not name keep whatever
		// connection they have.
		for id, ep := range brokerEndpoints {
			replaced, hadOld := next.connByBroker[id]
			if hadOld && replaced.Err() == nil && replaced.Endpoint.Equal(ep) {
				continue
			}
			if existing, ok := next.connByEndpoint[ep.Addr()]; ok && existing.Err() == nil {
				next.connByBroker[id] = existing
			} else {
				conn, err := client.Dial(ctx, ep, r.cfg.Conn, r.log)
				if err != nil {
					r.log.WithError(err).Warnf("failed to dial broker %d at %s", id, ep)
					continue
				}
				next.connByBroker[id] = conn
				next.connByEndpoint[ep.Addr()] = conn
				dialedThisAttempt = append(dialedThisAttempt, conn)
			}
			if hadOld {
				replacedThisAttempt = append(replacedThisAttempt, replaced)
			}
		}

		// Validate topics, skip ones mid-leader-election (a partition
		// with no leader, or a stale-metadata code on the topic itself)
		// without touching their existing cache entry.
		electing = electing[:0]
		for _, t := range resp.TopicMetadata {
			stillElecting := kerrors.IsStaleMetadata(t.ErrorCode)
			for _, pm := range t.PartitionMetadata {
				if pm.Leader < 0 {
					stillElecting = true
					break
				}
			}
			if stillElecting {
				electing = append(electing, &kerrors.CachedMetadataError{Topic: t.Topic, Reason: "leader election in progress"})
				continue
			}
			next.topics[t.Topic] = &cachedTopic{meta: t, fetchedAt: now}
		}

		// A replaced connection's old address drops out of
		// connByEndpoint once nothing in the new broker map still
		// points at it.
		referenced := make(map[string]bool, len(next.connByBroker))
		for _, c := range next.connByBroker {
			referenced[c.Endpoint.Addr()] = true
		}
		for _, conn := range replacedThisAttempt {
			addr := conn.Endpoint.Addr()
			if !referenced[addr] {
				delete(next.connByEndpoint, addr)
			}
		}

		reapedThisAttempt := r.reapIdleConnections(next)

		if r.state.CompareAndSwap(old, next) {
			for _, conn := range replacedThisAttempt {
				if !referenced[conn.Endpoint.Addr()] {
					conn.Close()
				}
			}
			for _, conn := range reapedThisAttempt {
				conn.Close()
			}
			break
		}
		// Lost the race against some other mutator of state (an
		// Invalidate call, say); the connections dialed this attempt
		// never made it into a published snapshot, so close them
		// before rebuilding from the fresh one. Replaced connections
		// are left alone: they're still whatever the fresh snapshot
		// says they are, and will be reconsidered next attempt.
		for _, conn := range dialedThisAttempt {
			conn.Close()
		}
	}

	if len(electing) > 0 {
		return fmt.Errorf("router: metadata refresh: %w", errors.Join(electing...))
	}
	return nil
}

// refreshGroup resolves groupId's coordinator via FindCoordinator and
// caches the result.
func (r *Router) refreshGroup(ctx context.Context, groupId string) error {
	key := refreshKey("group", []string{groupId})
	_, err, _ := r.sf.Do(key, func() (interface{}, error) {
		return nil, r.doRefreshGroup(ctx, groupId)
	})
	return err
}

func (r *Router) doRefreshGroup(ctx context.Context, groupId string) error {
	if r.groupFresh(groupId) {
		return nil
	}
	conns := r.connections()
	if len(conns) == 0 {
		return &kerrors.ConnectionError{Err: fmt.Errorf("no connections available to find coordinator")}
	}
	sctx, cancel := context.WithTimeout(ctx, r.cfg.RefreshTimeout)
	defer cancel()

	var resp *FindCoordinator.Response
	var errs []error
	for _, conn := range conns {
		req := FindCoordinator.NewRequest(groupId)
		rr := &FindCoordinator.Response{}
		if err := conn.Send(sctx, req, rr); err != nil {
			errs = append(errs, err)
			continue
		}
		resp = rr
		break
	}
	if resp == nil {
		return &kerrors.ConnectionError{Err: errors.Join(errs...)}
	}
	if resp.ErrorCode != 0 {
		return &kerrors.RequestError{Code: resp.ErrorCode}
	}
	if resp.Host == "" || resp.Port <= 0 {
		return &kerrors.CachedMetadataError{Group: groupId, Reason: "coordinator not yet elected"}
	}
	ep, err := endpoint.Resolve(resp.Addr())
	if err != nil {
		return fmt.Errorf("router: coordinator address for group %q did not resolve: %w", groupId, err)
	}

	now := time.Now()

	r.poolMu.Lock()
	defer r.poolMu.Unlock()

	for {
		old := r.state.Load()
		next := cloneSnapshot(old)
		var dialed *client.Connection
		var replaced *client.Connection
		if conn, ok := next.connByBroker[resp.NodeId]; !ok || conn.Err() != nil || !conn.Endpoint.Equal(ep) {
			if ok {
				replaced = conn
			}
			if existing, ok := next.connByEndpoint[ep.Addr()]; ok && existing.Err() == nil {
				next.connByBroker[resp.NodeId] = existing
			} else {
				conn, err := client.Dial(ctx, ep, r.cfg.Conn, r.log)
				if err != nil {
					return &kerrors.ConnectionError{Endpoint: ep.Addr(), Err: err}
				}
				next.connByBroker[resp.NodeId] = conn
				next.connByEndpoint[ep.Addr()] = conn
				dialed = conn
			}
		}
		next.groups[groupId] = &cachedGroup{brokerId: resp.NodeId, fetchedAt: now}
		replacedIsOrphaned := replaced != nil && !connReferenced(next, replaced.Endpoint.Addr())
		if replacedIsOrphaned {
			delete(next.connByEndpoint, replaced.Endpoint.Addr())
		}
		if r.state.CompareAndSwap(old, next) {
			if replacedIsOrphaned {
				replaced.Close()
			}
			return nil
		}
		if dialed != nil {
			dialed.Close()
		}
	}
}

func (r *Router) groupFresh(groupId string) bool {
	s := r.state.Load()
	c, ok := s.groups[groupId]
	return ok && time.Since(c.fetchedAt) < r.cfg.CacheExpiration
}

// connReferenced reports whether some broker id in s still resolves to the
// connection at addr, used to decide whether a replaced connection's old
// connByEndpoint entry is safe to drop.
func connReferenced(s *snapshot, addr string) bool {
	for _, c := range s.connByBroker {
		if c.Endpoint.Addr() == addr {
			return true
		}
	}
	return false
}

// reapIdleConnections removes from next every pooled connection that has
// carried no traffic for at least Config.ConnIdleTimeout, returning the
// removed connections so the caller can close them once the snapshot they
// were dropped from is actually published. A no-op when ConnIdleTimeout is
// unset.
func (r *Router) reapIdleConnections(next *snapshot) []*client.Connection {
	if r.cfg.ConnIdleTimeout <= 0 {
		return nil
	}
	var reaped []*client.Connection
	seen := make(map[*client.Connection]bool, len(next.connByEndpoint))
	for addr, conn := range next.connByEndpoint {
		if seen[conn] {
			continue
		}
		seen[conn] = true
		if !conn.Idle(r.cfg.ConnIdleTimeout) {
			continue
		}
		delete(next.connByEndpoint, addr)
		for id, c := range next.connByBroker {
			if c == conn {
				delete(next.connByBroker, id)
			}
		}
		reaped = append(reaped, conn)
	}
	return reaped
}
