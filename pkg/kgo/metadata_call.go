package kgo

import "github.com/twmb/franz-go/pkg/kmsg"

// newMetadataRefreshCall builds the Worker's own internal Call used to
// keep cluster topology current (spec.md §4.4). It is never handed to
// Submit: metadataTick enqueues it directly, and it carries internal =
// true so shutdown drain does not wait on it and Client.Close does not
// report it as outstanding user work.
//
// Topics is left empty so the request asks only for broker and
// controller topology, never per-topic partition metadata; an
// administrative client has no notion of "the topics I'm consuming"
// to ask about.
func (w *Worker) newMetadataRefreshCall(nowMs int64) *call {
	c := newCall("metadata-refresh", nowMs+w.cfg.defaultTimeoutMs, metadataBootstrap())
	c.internal = true

	c.createRequest = func(timeoutMs int32) (kmsg.Request, error) {
		return &kmsg.MetadataRequest{
			Topics:                 []kmsg.MetadataRequestTopic{},
			AllowAutoTopicCreation: false,
		}, nil
	}

	c.onResponse = func(resp kmsg.Response) error {
		mr, ok := resp.(*kmsg.MetadataResponse)
		if !ok {
			return &InternalError{Op: "metadata refresh", Cause: errUnexpectedResponseType}
		}

		snap := ClusterSnapshot{
			Nodes:   make(map[int32]Node, len(mr.Brokers)),
			Leaders: map[TopicPartition]int32{},
		}
		for _, b := range mr.Brokers {
			snap.Nodes[b.NodeID] = Node{ID: b.NodeID, Host: b.Host, Port: b.Port}
		}
		if mr.ControllerID >= 0 {
			if n, ok := snap.Nodes[mr.ControllerID]; ok {
				snap.Controller = &n
			}
		}
		for _, t := range mr.Topics {
			if t.ErrorCode != 0 {
				continue
			}
			for _, p := range t.Partitions {
				if p.ErrorCode != 0 {
					continue
				}
				snap.Leaders[TopicPartition{Topic: t.Topic, Partition: p.Partition}] = p.Leader
			}
		}

		now := w.clock.NowMs()
		w.meta.Update(snap, now)
		w.requeueSendQueues(now)
		return nil
	}

	c.onFailure = func(err error) { w.meta.UpdateFailed(err) }

	return c
}
