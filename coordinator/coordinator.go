// Package coordinator implements the generic retrying send used by
// everything that talks to a topic-scoped or group-scoped broker through
// the router: resolve a route, send, classify the response, and retry
// against a fresh route when the failure looks like stale metadata.
package coordinator

import (
	"context"
	"time"

	"github.com/mkocikowski/kafkacore/api"
	kerrors "github.com/mkocikowski/kafkacore/errors"
	"github.com/mkocikowski/kafkacore/retry"
	"github.com/mkocikowski/kafkacore/router"
)

// RequestFunc builds the request to send once a route has been resolved;
// it gets another chance to run, against a (possibly different) route, on
// every retry.
type RequestFunc func(route router.Route) *api.Request

// Coordinator pairs a Router with the retry policy governing how hard to
// try before giving up.
type Coordinator struct {
	Router *router.Router
	Retry  retry.Policy
}

func New(r *router.Router, policy retry.Policy) *Coordinator {
	if policy.MaxAttempts == 0 {
		policy = retry.Default()
	}
	return &Coordinator{Router: r, Retry: policy}
}

// Send resolves (topic, partition) to a broker, sends the request build
// produces, and classifies the result. resp is populated on success (and,
// for a classify-as-retryable response, on every intermediate attempt too
// — callers should only trust it after Send returns nil).
func (c *Coordinator) Send(ctx context.Context, topic string, partition int32, build RequestFunc, resp interface{}) error {
	return c.send(ctx, func(metadataInvalid bool) (router.Route, error) {
		if metadataInvalid {
			return c.Router.GetTopicBrokerAsync(ctx, topic, partition)
		}
		return c.Router.GetTopicBroker(topic, partition)
	}, func() { c.Router.InvalidateTopic(topic) }, build, resp)
}

// SendToGroup is Send's analogue for group-coordinator-scoped requests
// (FindCoordinator-routed OffsetCommit/OffsetFetch/Heartbeat/...). This
// package only routes them; the protocol semantics of group membership are
// out of scope here.
func (c *Coordinator) SendToGroup(ctx context.Context, groupId string, build RequestFunc, resp interface{}) error {
	return c.send(ctx, func(metadataInvalid bool) (router.Route, error) {
		if metadataInvalid {
			return c.Router.GetGroupBrokerAsync(ctx, groupId)
		}
		return c.Router.GetGroupBroker(groupId)
	}, func() { c.Router.InvalidateGroup(groupId) }, build, resp)
}

func (c *Coordinator) send(ctx context.Context, resolve func(metadataInvalid bool) (router.Route, error), invalidate func(), build RequestFunc, resp interface{}) error {
	metadataInvalid := true
	var lastErr error

	for attempt := 0; attempt < c.Retry.Attempts(); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.Retry.Delay(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		route, err := resolve(metadataInvalid)
		if err != nil {
			lastErr = err
			if kerrors.Recoverable(err) {
				metadataInvalid = true
				continue
			}
			return err
		}
		metadataInvalid = false

		req := build(route)
		if err := route.Connection.Send(ctx, req, resp); err != nil {
			lastErr = err
			if kerrors.Recoverable(err) {
				metadataInvalid = true
				continue
			}
			return err
		}
		route.Connection.UpdateThrottle(resp)

		codes := kerrors.CollectErrorCodes(resp)
		if len(codes) == 0 {
			return nil
		}

		allStale := true
		anyRetryable := false
		for _, code := range codes {
			if !kerrors.IsStaleMetadata(code) {
				allStale = false
			}
			if kerrors.IsRetryable(code) {
				anyRetryable = true
			}
		}
		lastErr = &kerrors.RequestError{Endpoint: route.Connection.Endpoint.Addr(), Code: codes[0]}
		if allStale {
			invalidate()
			metadataInvalid = true
			continue
		}
		if anyRetryable {
			continue
		}
		return lastErr
	}
	return lastErr
}
