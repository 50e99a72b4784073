package kgo

import (
	"time"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// PartitionReassignment specifies a new replica set for one partition.
type PartitionReassignment struct {
	Topic     string
	Partition int32
	Replicas  []int32 // nil cancels a pending reassignment for this partition
}

// ReassignmentResult is one element of
// AlterPartitionReassignments's reply.
type ReassignmentResult struct {
	Topic     string
	Partition int32
	Err       error
}

// AlterPartitionReassignments issues an AlterPartitionAssignmentsRequest,
// routed to the controller.
func (cl *Client) AlterPartitionReassignments(timeout time.Duration, reassignments []PartitionReassignment) ([]ReassignmentResult, error) {
	return doCall(cl, "alter-partition-reassignments", Controller(), timeout,
		func(timeoutMs int32) (kmsg.Request, error) {
			req := &kmsg.AlterPartitionAssignmentsRequest{TimeoutMillis: timeoutMs}
			byTopic := map[string]*kmsg.AlterPartitionAssignmentsRequestTopic{}
			for _, r := range reassignments {
				t, ok := byTopic[r.Topic]
				if !ok {
					req.Topics = append(req.Topics, kmsg.AlterPartitionAssignmentsRequestTopic{Topic: r.Topic})
					t = &req.Topics[len(req.Topics)-1]
					byTopic[r.Topic] = t
				}
				t.Partitions = append(t.Partitions, kmsg.AlterPartitionAssignmentsRequestTopicPartition{
					Partition: r.Partition,
					Replicas:  r.Replicas,
				})
			}
			return req, nil
		},
		func(resp kmsg.Response) ([]ReassignmentResult, error) {
			r, ok := resp.(*kmsg.AlterPartitionAssignmentsResponse)
			if !ok {
				return nil, &InternalError{Op: "alter partition reassignments", Cause: errUnexpectedResponseType}
			}
			if err := kerrFromCode(r.ErrorCode); err != nil {
				return nil, err
			}
			var out []ReassignmentResult
			for _, t := range r.Topics {
				for _, p := range t.Partitions {
					out = append(out, ReassignmentResult{Topic: t.Topic, Partition: p.Partition, Err: kerrFromCode(p.ErrorCode)})
				}
			}
			return out, nil
		},
	)
}

// PendingReassignment describes one in-progress reassignment, as
// reported by ListPartitionReassignments.
type PendingReassignment struct {
	Topic            string
	Partition        int32
	Replicas         []int32
	AddingReplicas   []int32
	RemovingReplicas []int32
}

// ListPartitionReassignments issues a ListPartitionReassignmentsRequest.
// An empty topics argument asks for every in-progress reassignment.
func (cl *Client) ListPartitionReassignments(timeout time.Duration, topics []string) ([]PendingReassignment, error) {
	return doCall(cl, "list-partition-reassignments", LeastLoaded(), timeout,
		func(timeoutMs int32) (kmsg.Request, error) {
			req := &kmsg.ListPartitionReassignmentsRequest{TimeoutMillis: timeoutMs}
			for _, t := range topics {
				req.Topics = append(req.Topics, kmsg.ListPartitionReassignmentsRequestTopic{Topic: t})
			}
			return req, nil
		},
		func(resp kmsg.Response) ([]PendingReassignment, error) {
			r, ok := resp.(*kmsg.ListPartitionReassignmentsResponse)
			if !ok {
				return nil, &InternalError{Op: "list partition reassignments", Cause: errUnexpectedResponseType}
			}
			if err := kerrFromCode(r.ErrorCode); err != nil {
				return nil, err
			}
			var out []PendingReassignment
			for _, t := range r.Topics {
				for _, p := range t.Partitions {
					out = append(out, PendingReassignment{
						Topic: t.Topic, Partition: p.Partition, Replicas: p.Replicas,
						AddingReplicas: p.AddingReplicas, RemovingReplicas: p.RemovingReplicas,
					})
				}
			}
			return out, nil
		},
	)
}
