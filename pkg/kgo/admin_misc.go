package kgo

import (
	"time"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// LogDirDescription is one partition's entry in a broker's
// DescribeLogDirs results.
type LogDirDescription struct {
	NodeID  int32
	Dir     string
	Topic   string
	Part    int32
	SizeBts int64
	Err     error
}

// DescribeLogDirs issues a DescribeLogDirsRequest against the given
// node, pinned with ConstantID since log directory usage is inherently
// per-broker and has no cluster-wide aggregation on the wire.
func (cl *Client) DescribeLogDirs(timeout time.Duration, nodeID int32, topics []string) ([]LogDirDescription, error) {
	return doCall(cl, "describe-log-dirs", ConstantID(nodeID), timeout,
		func(timeoutMs int32) (kmsg.Request, error) {
			req := &kmsg.DescribeLogDirsRequest{}
			for _, t := range topics {
				req.Topics = append(req.Topics, kmsg.DescribeLogDirsRequestTopic{Topic: t})
			}
			return req, nil
		},
		func(resp kmsg.Response) ([]LogDirDescription, error) {
			r, ok := resp.(*kmsg.DescribeLogDirsResponse)
			if !ok {
				return nil, &InternalError{Op: "describe log dirs", Cause: errUnexpectedResponseType}
			}
			var out []LogDirDescription
			for _, d := range r.Dirs {
				derr := kerrFromCode(d.ErrorCode)
				for _, t := range d.Topics {
					for _, p := range t.Partitions {
						out = append(out, LogDirDescription{
							NodeID: nodeID, Dir: d.Dir, Topic: t.Topic, Part: p.Partition,
							SizeBts: p.Size, Err: derr,
						})
					}
				}
			}
			return out, nil
		},
	)
}

// QuotaEntityComponent names one part of a client-quota entity, e.g.
// {Type: "user", Name: "alice"} or {Type: "client-id", Name: nil} for
// the default client-id quota.
type QuotaEntityComponent struct {
	Type string
	Name *string
}

// QuotaValue is one key/value pair within a described quota entity.
type QuotaValue struct {
	Key   string
	Value float64
}

// ClientQuotaDescription is one element of DescribeClientQuotas's
// reply.
type ClientQuotaDescription struct {
	Entity []QuotaEntityComponent
	Values []QuotaValue
}

// DescribeClientQuotas issues a DescribeClientQuotasRequest matching
// every entity (components and match are left empty), which is the
// shape an administrative client needs most often: "show me every
// configured quota."
func (cl *Client) DescribeClientQuotas(timeout time.Duration) ([]ClientQuotaDescription, error) {
	return doCall(cl, "describe-client-quotas", LeastLoaded(), timeout,
		func(timeoutMs int32) (kmsg.Request, error) {
			return &kmsg.DescribeClientQuotasRequest{}, nil
		},
		func(resp kmsg.Response) ([]ClientQuotaDescription, error) {
			r, ok := resp.(*kmsg.DescribeClientQuotasResponse)
			if !ok {
				return nil, &InternalError{Op: "describe client quotas", Cause: errUnexpectedResponseType}
			}
			if err := kerrFromCode(r.ErrorCode); err != nil {
				return nil, err
			}
			out := make([]ClientQuotaDescription, 0, len(r.Entries))
			for _, e := range r.Entries {
				d := ClientQuotaDescription{}
				for _, ec := range e.Entity {
					d.Entity = append(d.Entity, QuotaEntityComponent{Type: ec.Type, Name: ec.Name})
				}
				for _, v := range e.Values {
					d.Values = append(d.Values, QuotaValue{Key: v.Key, Value: v.Value})
				}
				out = append(out, d)
			}
			return out, nil
		},
	)
}

// ClientQuotaAlteration sets or removes (Remove=true) one quota key
// for one entity.
type ClientQuotaAlteration struct {
	Entity []QuotaEntityComponent
	Key    string
	Value  float64
	Remove bool
}

// AlterClientQuotas issues an AlterClientQuotasRequest, routed to the
// controller.
func (cl *Client) AlterClientQuotas(timeout time.Duration, alterations []ClientQuotaAlteration) error {
	_, err := doCall(cl, "alter-client-quotas", Controller(), timeout,
		func(timeoutMs int32) (kmsg.Request, error) {
			req := &kmsg.AlterClientQuotasRequest{}
			for _, a := range alterations {
				e := kmsg.AlterClientQuotasRequestEntry{}
				for _, ec := range a.Entity {
					e.Entity = append(e.Entity, kmsg.AlterClientQuotasRequestEntryEntity{Type: ec.Type, Name: ec.Name})
				}
				e.Ops = append(e.Ops, kmsg.AlterClientQuotasRequestEntryOp{Key: a.Key, Value: a.Value, Remove: a.Remove})
				req.Entries = append(req.Entries, e)
			}
			return req, nil
		},
		func(resp kmsg.Response) (struct{}, error) {
			r, ok := resp.(*kmsg.AlterClientQuotasResponse)
			if !ok {
				return struct{}{}, &InternalError{Op: "alter client quotas", Cause: errUnexpectedResponseType}
			}
			for _, e := range r.Entries {
				if err := kerrFromCode(e.ErrorCode); err != nil {
					return struct{}{}, err
				}
			}
			return struct{}{}, nil
		},
	)
	return err
}
