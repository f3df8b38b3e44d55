// Package group implements consumer group offset management: fetching
// and committing the last-read offset for a (group, topic, partition).
// Group membership choreography (JoinGroup/SyncGroup/Heartbeat) stays out
// of scope — only the coordinator-routed offset calls are implemented,
// since the router and coordinator already have to resolve and retry
// FindCoordinator-routed requests for them.
package group

import (
	"context"
	"fmt"

	"github.com/mkocikowski/kafkacore/api"
	"github.com/mkocikowski/kafkacore/api/OffsetCommit"
	"github.com/mkocikowski/kafkacore/api/OffsetFetch"
	"github.com/mkocikowski/kafkacore/coordinator"
	kerrors "github.com/mkocikowski/kafkacore/errors"
	"github.com/mkocikowski/kafkacore/retry"
	"github.com/mkocikowski/kafkacore/router"
)

// Manager commits and fetches offsets for one consumer group, through
// whichever broker the router resolves as that group's coordinator.
type Manager struct {
	GroupId string
	coord   *coordinator.Coordinator
}

func New(r *router.Router, c *coordinator.Coordinator, groupId string) *Manager {
	if c == nil {
		c = coordinator.New(r, retry.Default())
	}
	return &Manager{GroupId: groupId, coord: c}
}

// FetchOffset returns the last committed offset for (topic, partition),
// or -1 with no error if the group has never committed one.
func (m *Manager) FetchOffset(ctx context.Context, topic string, partition int32) (int64, error) {
	resp := &OffsetFetch.Response{}
	build := func(router.Route) *api.Request {
		return OffsetFetch.NewRequest(m.GroupId, topic, partition)
	}
	if err := m.coord.SendToGroup(ctx, m.GroupId, build, resp); err != nil {
		return -1, fmt.Errorf("error fetching offset: %w", err)
	}
	if resp.ErrorCode != kerrors.ERR_NONE {
		return -1, &kerrors.KafkaError{Code: resp.ErrorCode}
	}
	p := findOffsetFetchPartition(resp, topic, partition)
	if p == nil {
		return -1, fmt.Errorf("offset fetch response missing %s[%d]", topic, partition)
	}
	if p.ErrorCode != kerrors.ERR_NONE {
		return -1, &kerrors.KafkaError{Code: p.ErrorCode}
	}
	return p.CommitedOffset, nil
}

// CommitOffset commits offset for (topic, partition). retentionMs <= 0
// uses the broker's configured default retention.
func (m *Manager) CommitOffset(ctx context.Context, topic string, partition int32, offset, retentionMs int64) error {
	if retentionMs <= 0 {
		retentionMs = -1 // the broker reads -1 as "use the configured default"
	}
	resp := &OffsetCommit.Response{}
	build := func(router.Route) *api.Request {
		return OffsetCommit.NewRequest(m.GroupId, topic, partition, offset, retentionMs)
	}
	if err := m.coord.SendToGroup(ctx, m.GroupId, build, resp); err != nil {
		return fmt.Errorf("error committing offset: %w", err)
	}
	return firstOffsetCommitError(resp, topic, partition)
}

func findOffsetFetchPartition(r *OffsetFetch.Response, topic string, partition int32) *OffsetFetch.PartitionResponse {
	for i := range r.Topics {
		t := &r.Topics[i]
		if t.Name != topic {
			continue
		}
		for j := range t.Partitions {
			if t.Partitions[j].PartitionIndex == partition {
				return &t.Partitions[j]
			}
		}
	}
	return nil
}

func firstOffsetCommitError(r *OffsetCommit.Response, topic string, partition int32) error {
	for _, t := range r.Topics {
		if t.Name != topic {
			continue
		}
		for _, p := range t.Partitions {
			if p.PartitionIndex != partition {
				continue
			}
			if p.ErrorCode != kerrors.ERR_NONE {
				return &kerrors.KafkaError{Code: p.ErrorCode}
			}
			return nil
		}
	}
	return fmt.Errorf("offset commit response missing %s[%d]", topic, partition)
}
