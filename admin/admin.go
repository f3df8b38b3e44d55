// Package admin implements one-off, non-pooled calls used to bootstrap or
// inspect a cluster: ApiVersions, Metadata, and CreateTopics. These are
// not part of the routed request path — there is no caching, no retry,
// and the connection is dialed and closed per call — because they are
// typically run once, by a human or a setup script, not from the hot
// path the router/producer/consumer own.
package admin

import (
	"context"

	"github.com/mkocikowski/kafkacore/api/ApiVersions"
	"github.com/mkocikowski/kafkacore/api/CreateTopics"
	"github.com/mkocikowski/kafkacore/api/Metadata"
	"github.com/mkocikowski/kafkacore/client"
	"github.com/mkocikowski/kafkacore/endpoint"
)

func dial(ctx context.Context, addr string, cfg client.Config) (*client.Connection, error) {
	ep, err := endpoint.Resolve(addr)
	if err != nil {
		return nil, err
	}
	return client.Dial(ctx, ep, cfg, nil)
}

// ApiVersionsCall asks addr which ApiKey versions it supports.
func ApiVersionsCall(ctx context.Context, addr string, cfg client.Config) (*ApiVersions.Response, error) {
	conn, err := dial(ctx, addr, cfg)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	resp := &ApiVersions.Response{}
	if err := conn.Send(ctx, ApiVersions.NewRequest(), resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// MetadataCall fetches metadata for topics (or the whole cluster if
// topics is empty) from addr, without going through a Router's cache.
func MetadataCall(ctx context.Context, addr string, topics []string, cfg client.Config) (*Metadata.Response, error) {
	conn, err := dial(ctx, addr, cfg)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	resp := &Metadata.Response{}
	if err := conn.Send(ctx, Metadata.NewRequest(topics), resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CreateTopicCall creates a topic on whichever broker addr points to
// (brokers forward CreateTopics to the controller themselves).
func CreateTopicCall(ctx context.Context, addr, topic string, numPartitions int32, replicationFactor int16, cfg client.Config) (*CreateTopics.Response, error) {
	conn, err := dial(ctx, addr, cfg)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	resp := &CreateTopics.Response{}
	req := CreateTopics.NewRequest(topic, numPartitions, replicationFactor, []CreateTopics.Config{})
	if err := conn.Send(ctx, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
