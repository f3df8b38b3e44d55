package Produce

import (
	"github.com/mkocikowski/kafkacore/api"
)

// Args carries the parts of a ProduceRequest that are shared by every
// topic/partition batch in the request: every batch an endpoint group
// contains is sent with the same acks and timeout.
type Args struct {
	ClientId  string
	Acks      int16 // 0: no, 1: leader only, -1: all ISRs (min.insync.replicas)
	TimeoutMs int32
}

// TopicPartitionBatch is one already-marshaled (and possibly compressed)
// record batch destined for a single topic/partition.
type TopicPartitionBatch struct {
	Topic     string
	Partition int32
	RecordSet []byte
}

// NewRequest builds a single ProduceRequest out of batches for possibly
// many topics and partitions, as long as they all share the broker the
// request is being sent to. Batches are grouped by topic, preserving the
// order topics first appear in.
func NewRequest(args *Args, batches []TopicPartitionBatch) *api.Request {
	order := make([]string, 0, len(batches))
	byTopic := make(map[string][]Data, len(batches))
	for _, b := range batches {
		if _, ok := byTopic[b.Topic]; !ok {
			order = append(order, b.Topic)
		}
		byTopic[b.Topic] = append(byTopic[b.Topic], Data{
			Partition: b.Partition,
			RecordSet: b.RecordSet,
		})
	}
	topicData := make([]TopicData, 0, len(order))
	for _, topic := range order {
		topicData = append(topicData, TopicData{Topic: topic, Data: byTopic[topic]})
	}
	return &api.Request{
		ApiKey:     api.Produce,
		ApiVersion: 7,
		ClientId:   args.ClientId,
		NoResponse: args.Acks == 0,
		Body: Request{
			TransactionalId: "",
			Acks:            args.Acks,
			TimeoutMs:       args.TimeoutMs,
			TopicData:       topicData,
		},
	}
}

type Request struct {
	TransactionalId string // NULLABLE_STRING
	Acks            int16  // 0: no, 1: leader only, -1: all ISRs (as specified by min.insync.replicas)
	TimeoutMs       int32
	TopicData       []TopicData
}

type TopicData struct {
	Topic string
	Data  []Data
}

type Data struct {
	Partition int32
	RecordSet []byte
}
