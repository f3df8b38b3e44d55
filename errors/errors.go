// Package errors defines the Kafka broker error code table and the core
// client error kinds used to classify responses and failures: which ones
// are retryable, which indicate stale metadata, and which are fatal.
//
// https://kafka.apache.org/protocol#protocol_error_codes
package errors

import (
	"fmt"
	"reflect"
	"time"
)

// Broker error codes. Only the subset referenced by the core (Produce,
// Fetch, Metadata, GroupCoordinator, OffsetCommit, OffsetFetch) is listed;
// the rest decode to KafkaError with no symbolic name.
const (
	ERR_NONE                          int16 = 0
	ERR_UNKNOWN                       int16 = -1
	ERR_OFFSET_OUT_OF_RANGE           int16 = 1
	ERR_CORRUPT_MESSAGE               int16 = 2
	ERR_UNKNOWN_TOPIC_OR_PARTITION    int16 = 3
	ERR_INVALID_FETCH_SIZE            int16 = 4
	ERR_LEADER_NOT_AVAILABLE          int16 = 5
	ERR_NOT_LEADER_FOR_PARTITION      int16 = 6
	ERR_REQUEST_TIMED_OUT             int16 = 7
	ERR_BROKER_NOT_AVAILABLE          int16 = 8
	ERR_MESSAGE_TOO_LARGE             int16 = 10
	ERR_NETWORK_EXCEPTION             int16 = 13
	ERR_GROUP_LOAD_IN_PROGRESS        int16 = 14
	ERR_GROUP_COORDINATOR_NOT_AVAIL   int16 = 15
	ERR_NOT_COORDINATOR_FOR_GROUP     int16 = 16
	ERR_INVALID_TOPIC_EXCEPTION       int16 = 17
	ERR_RECORD_LIST_TOO_LARGE         int16 = 18
	ERR_NOT_ENOUGH_REPLICAS           int16 = 19
	ERR_NOT_ENOUGH_REPLICAS_AFTER_APP int16 = 20
	ERR_INVALID_REQUIRED_ACKS         int16 = 21
	ERR_UNKNOWN_MEMBER_ID             int16 = 25
	ERR_INVALID_SESSION_TIMEOUT       int16 = 26
	ERR_REBALANCE_IN_PROGRESS         int16 = 27
	ERR_INVALID_COMMIT_OFFSET_SIZE    int16 = 28
	ERR_TOPIC_AUTHORIZATION_FAILED    int16 = 29
	ERR_GROUP_AUTHORIZATION_FAILED    int16 = 30
	ERR_DUPLICATE_SEQUENCE_NUMBER     int16 = 46
	ERR_INVALID_PARTITIONS            int16 = 37
)

var names = map[int16]string{
	ERR_NONE:                          "NONE",
	ERR_OFFSET_OUT_OF_RANGE:           "OFFSET_OUT_OF_RANGE",
	ERR_CORRUPT_MESSAGE:               "CORRUPT_MESSAGE",
	ERR_UNKNOWN_TOPIC_OR_PARTITION:    "UNKNOWN_TOPIC_OR_PARTITION",
	ERR_INVALID_FETCH_SIZE:            "INVALID_FETCH_SIZE",
	ERR_LEADER_NOT_AVAILABLE:          "LEADER_NOT_AVAILABLE",
	ERR_NOT_LEADER_FOR_PARTITION:      "NOT_LEADER_FOR_PARTITION",
	ERR_REQUEST_TIMED_OUT:             "REQUEST_TIMED_OUT",
	ERR_BROKER_NOT_AVAILABLE:          "BROKER_NOT_AVAILABLE",
	ERR_MESSAGE_TOO_LARGE:             "MESSAGE_TOO_LARGE",
	ERR_NETWORK_EXCEPTION:             "NETWORK_EXCEPTION",
	ERR_GROUP_LOAD_IN_PROGRESS:        "GROUP_LOAD_IN_PROGRESS",
	ERR_GROUP_COORDINATOR_NOT_AVAIL:   "GROUP_COORDINATOR_NOT_AVAILABLE",
	ERR_NOT_COORDINATOR_FOR_GROUP:     "NOT_COORDINATOR_FOR_GROUP",
	ERR_INVALID_TOPIC_EXCEPTION:       "INVALID_TOPIC_EXCEPTION",
	ERR_RECORD_LIST_TOO_LARGE:         "RECORD_LIST_TOO_LARGE",
	ERR_NOT_ENOUGH_REPLICAS:           "NOT_ENOUGH_REPLICAS",
	ERR_NOT_ENOUGH_REPLICAS_AFTER_APP: "NOT_ENOUGH_REPLICAS_AFTER_APPEND",
	ERR_INVALID_REQUIRED_ACKS:         "INVALID_REQUIRED_ACKS",
	ERR_UNKNOWN_MEMBER_ID:             "UNKNOWN_MEMBER_ID",
	ERR_INVALID_SESSION_TIMEOUT:       "INVALID_SESSION_TIMEOUT",
	ERR_REBALANCE_IN_PROGRESS:         "REBALANCE_IN_PROGRESS",
	ERR_INVALID_COMMIT_OFFSET_SIZE:    "INVALID_COMMIT_OFFSET_SIZE",
	ERR_TOPIC_AUTHORIZATION_FAILED:    "TOPIC_AUTHORIZATION_FAILED",
	ERR_GROUP_AUTHORIZATION_FAILED:    "GROUP_AUTHORIZATION_FAILED",
	ERR_DUPLICATE_SEQUENCE_NUMBER:     "DUPLICATE_SEQUENCE_NUMBER",
	ERR_INVALID_PARTITIONS:            "INVALID_PARTITIONS",
}

// KafkaError wraps a broker-returned error code.
type KafkaError struct {
	Code int16
}

func (e *KafkaError) Error() string {
	if name, ok := names[e.Code]; ok {
		return fmt.Sprintf("kafka error %d (%s)", e.Code, name)
	}
	return fmt.Sprintf("kafka error %d", e.Code)
}

// staleMetadata is the set of broker error codes that mean "your mapping
// of leaders to brokers is out of date".
var staleMetadata = map[int16]bool{
	ERR_BROKER_NOT_AVAILABLE:        true,
	ERR_LEADER_NOT_AVAILABLE:        true,
	ERR_NOT_LEADER_FOR_PARTITION:    true,
	ERR_GROUP_COORDINATOR_NOT_AVAIL: true,
	ERR_NOT_COORDINATOR_FOR_GROUP:   true,
}

// retryable is the broader set of codes worth retrying without necessarily
// forcing a metadata refresh.
var retryable = map[int16]bool{
	ERR_GROUP_LOAD_IN_PROGRESS: true,
	ERR_REQUEST_TIMED_OUT:      true,
	ERR_NOT_ENOUGH_REPLICAS:    true,
	ERR_REBALANCE_IN_PROGRESS:  true,
}

// IsStaleMetadata reports whether code signals a stale topology.
func IsStaleMetadata(code int16) bool { return staleMetadata[code] }

// IsRetryable reports whether code is worth retrying at all (stale-metadata
// codes are also retryable).
func IsRetryable(code int16) bool { return staleMetadata[code] || retryable[code] }

// ConnectionError covers socket failures, DNS resolution failures, and "no
// broker reachable". Potentially recoverable by a metadata refresh.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("connection error: %v", e.Err)
	}
	return fmt.Sprintf("connection error (%s): %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CachedMetadataError means the topic, partition, or group is absent from
// the cache, or its leader is still being elected. Carries topic/partition
// for diagnostics. Potentially recoverable by a metadata refresh.
type CachedMetadataError struct {
	Topic     string
	Partition int32
	Group     string
	Reason    string
}

func (e *CachedMetadataError) Error() string {
	if e.Group != "" {
		return fmt.Sprintf("cached metadata error: group %q: %s", e.Group, e.Reason)
	}
	return fmt.Sprintf("cached metadata error: %s[%d]: %s", e.Topic, e.Partition, e.Reason)
}

// RequestError surfaces a broker-returned error code that is neither
// retryable nor stale-metadata, together with the endpoint that returned
// it.
type RequestError struct {
	Endpoint string
	Code     int16
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request error from %s: %v", e.Endpoint, &KafkaError{Code: e.Code})
}

func (e *RequestError) Unwrap() error { return &KafkaError{Code: e.Code} }

// FetchOutOfRangeError indicates the requested offset is outside the
// broker's retention window; the consumer handles this by clamping the
// offset into [earliest, latest].
type FetchOutOfRangeError struct {
	Topic     string
	Partition int32
	Offset    int64
}

func (e *FetchOutOfRangeError) Error() string {
	return fmt.Sprintf("fetch out of range: %s[%d]@%d", e.Topic, e.Partition, e.Offset)
}

// BufferUnderrunError indicates a fetch returned an empty record set while
// the partition's high watermark is past the fetch offset: the next record
// batch is larger than the fetch's MaxBytes. The consumer grows MaxBytes
// and fetches again.
type BufferUnderrunError struct {
	MaxBytes int32
}

func (e *BufferUnderrunError) Error() string {
	return fmt.Sprintf("buffer underrun: response exceeded %d bytes", e.MaxBytes)
}

// ThrottledError means the broker that leads a route has asked callers to
// back off and the deadline hasn't passed yet. Recoverable: the caller's
// retry policy supplies the wait, and the route is worth trying again once
// it does.
type ThrottledError struct {
	Endpoint string
	Until    time.Time
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled by %s until %s", e.Endpoint, e.Until.Format(time.RFC3339))
}

// TimeoutError indicates a per-operation deadline elapsed.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("timeout: %s", e.Op) }

func (e *TimeoutError) Timeout() bool { return true }

// CancelledError indicates cooperative cancellation was signalled.
type CancelledError struct {
	Op string
}

func (e *CancelledError) Error() string { return fmt.Sprintf("cancelled: %s", e.Op) }

// Recoverable reports whether err is one of the kinds potentially
// recoverable by a metadata refresh or a retry: FetchOutOfRangeError,
// TimeoutError, ConnectionError, CachedMetadataError, ThrottledError.
func Recoverable(err error) bool {
	switch err.(type) {
	case *FetchOutOfRangeError, *TimeoutError, *ConnectionError, *CachedMetadataError, *ThrottledError:
		return true
	default:
		return false
	}
}

// CollectErrorCodes walks v (a decoded response) looking for every field
// named ErrorCode, at any depth through structs and slices, and returns
// the non-zero ones it finds. Response bodies nest a per-topic and a
// per-partition ErrorCode (Produce, Fetch, ...); this is how the send
// coordinator classifies a response without knowing its concrete shape.
func CollectErrorCodes(v interface{}) []int16 {
	var codes []int16
	collectErrorCodes(reflect.ValueOf(v), &codes)
	return codes
}

func collectErrorCodes(v reflect.Value, out *[]int16) {
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return
		}
		collectErrorCodes(v.Elem(), out)
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			field := v.Type().Field(i)
			fv := v.Field(i)
			if field.Name == "ErrorCode" && fv.Kind() == reflect.Int16 {
				if code := int16(fv.Int()); code != 0 {
					*out = append(*out, code)
				}
				continue
			}
			collectErrorCodes(fv, out)
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			collectErrorCodes(v.Index(i), out)
		}
	}
}
