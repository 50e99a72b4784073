package kgo

import (
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// TopicSpec describes one topic to create.
type TopicSpec struct {
	Topic             string
	NumPartitions     int32
	ReplicationFactor int16
	Configs           map[string]string
}

// CreateTopicResult is one element of CreateTopics's reply.
type CreateTopicResult struct {
	Topic string
	Err   error
}

// CreateTopics issues a CreateTopicsRequest against the cluster
// controller (spec.md's controller-routed administrative Calls use
// Controller() so they always land on the node currently able to
// perform the write).
func (cl *Client) CreateTopics(timeout time.Duration, specs []TopicSpec) ([]CreateTopicResult, error) {
	return doCall(cl, "create-topics", Controller(), timeout,
		func(timeoutMs int32) (kmsg.Request, error) {
			req := &kmsg.CreateTopicsRequest{TimeoutMillis: timeoutMs}
			for _, s := range specs {
				t := kmsg.CreateTopicsRequestTopic{
					Topic:             s.Topic,
					NumPartitions:     s.NumPartitions,
					ReplicationFactor: s.ReplicationFactor,
				}
				for k, v := range s.Configs {
					val := v
					t.Configs = append(t.Configs, kmsg.CreateTopicsRequestTopicConfig{Name: k, Value: &val})
				}
				req.Topics = append(req.Topics, t)
			}
			return req, nil
		},
		func(resp kmsg.Response) ([]CreateTopicResult, error) {
			r, ok := resp.(*kmsg.CreateTopicsResponse)
			if !ok {
				return nil, &InternalError{Op: "create topics", Cause: errUnexpectedResponseType}
			}
			out := make([]CreateTopicResult, 0, len(r.Topics))
			for _, t := range r.Topics {
				out = append(out, CreateTopicResult{Topic: t.Topic, Err: kerrFromCode(t.ErrorCode)})
			}
			return out, nil
		},
	)
}

// DeleteTopicResult is one element of DeleteTopics's reply.
type DeleteTopicResult struct {
	Topic string
	Err   error
}

// DeleteTopics issues a DeleteTopicsRequest for the given topic names.
func (cl *Client) DeleteTopics(timeout time.Duration, topics []string) ([]DeleteTopicResult, error) {
	return doCall(cl, "delete-topics", Controller(), timeout,
		func(timeoutMs int32) (kmsg.Request, error) {
			req := &kmsg.DeleteTopicsRequest{TimeoutMillis: timeoutMs}
			for _, t := range topics {
				req.TopicNames = append(req.TopicNames, t)
			}
			return req, nil
		},
		func(resp kmsg.Response) ([]DeleteTopicResult, error) {
			r, ok := resp.(*kmsg.DeleteTopicsResponse)
			if !ok {
				return nil, &InternalError{Op: "delete topics", Cause: errUnexpectedResponseType}
			}
			out := make([]DeleteTopicResult, 0, len(r.Topics))
			for _, t := range r.Topics {
				out = append(out, DeleteTopicResult{Topic: t.Topic, Err: kerrFromCode(t.ErrorCode)})
			}
			return out, nil
		},
	)
}

// PartitionsSpec adds partitions to an existing topic.
type PartitionsSpec struct {
	Topic      string
	Count      int32
	Assignment [][]int32 // per new partition, the replica node ids; nil lets the controller assign
}

// CreatePartitionsResult is one element of CreatePartitions's reply.
type CreatePartitionsResult struct {
	Topic string
	Err   error
}

// CreatePartitions issues a CreatePartitionsRequest for the given
// topics. A NOT_CONTROLLER response means the cached controller moved
// out from under us (spec.md §7, §8 scenario 2): rather than report it
// as a per-topic result, the cached controller is dropped and the
// wire error is returned so the call retries against a freshly
// resolved controller instead of bouncing off the stale one again.
func (cl *Client) CreatePartitions(timeout time.Duration, specs []PartitionsSpec) ([]CreatePartitionsResult, error) {
	return doCall(cl, "create-partitions", Controller(), timeout,
		func(timeoutMs int32) (kmsg.Request, error) {
			req := &kmsg.CreatePartitionsRequest{TimeoutMillis: timeoutMs}
			for _, s := range specs {
				t := kmsg.CreatePartitionsRequestTopic{Topic: s.Topic, Count: s.Count}
				for _, replicas := range s.Assignment {
					t.Assignment = append(t.Assignment, kmsg.CreatePartitionsRequestTopicAssignment{Replicas: replicas})
				}
				req.Topics = append(req.Topics, t)
			}
			return req, nil
		},
		func(resp kmsg.Response) ([]CreatePartitionsResult, error) {
			r, ok := resp.(*kmsg.CreatePartitionsResponse)
			if !ok {
				return nil, &InternalError{Op: "create partitions", Cause: errUnexpectedResponseType}
			}
			for _, t := range r.Topics {
				if t.ErrorCode == kerr.NotController.Code {
					cl.w.meta.ClearController()
					return nil, kerrFromCode(t.ErrorCode)
				}
			}
			out := make([]CreatePartitionsResult, 0, len(r.Topics))
			for _, t := range r.Topics {
				out = append(out, CreatePartitionsResult{Topic: t.Topic, Err: kerrFromCode(t.ErrorCode)})
			}
			return out, nil
		},
	)
}
