package Produce

import (
	"bytes"
	"reflect"

	"github.com/mkocikowski/kafkacore/wire"
)

func UnmarshalResponse(b []byte) (*Response, error) {
	r := &Response{}
	buf := bytes.NewBuffer(b)
	err := wire.Read(buf, reflect.ValueOf(r))
	return r, err
}

type Response struct {
	TopicResponses []TopicResponse
	ThrottleTimeMs int32
}

type TopicResponse struct {
	Topic              string
	PartitionResponses []PartitionResponse
}

type PartitionResponse struct {
	Partition      int32
	ErrorCode      int16
	BaseOffset     int64
	LogAppendTime  int64
	LogStartOffset int64
}

// Partition looks up the partition response for (topic, partition), the
// join key the producer uses to assign offsets back to the tasks that
// produced a batch. Returns nil if absent.
func (r *Response) Partition(topic string, partition int32) *PartitionResponse {
	for i := range r.TopicResponses {
		tr := &r.TopicResponses[i]
		if tr.Topic != topic {
			continue
		}
		for j := range tr.PartitionResponses {
			if tr.PartitionResponses[j].Partition == partition {
				return &tr.PartitionResponses[j]
			}
		}
	}
	return nil
}
