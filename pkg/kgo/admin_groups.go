package kgo

import (
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// coordinatorCache remembers which node id last answered as a
// consumer group's coordinator, so repeated group operations skip the
// FindCoordinator round trip. Entries are invalidated, not refreshed
// in place: the next operation against a stale entry resolves it
// fresh and overwrites it, rather than this cache trying to detect
// staleness itself.
type coordinatorCache struct {
	mu      sync.Mutex
	byGroup map[string]int32
}

func newCoordinatorCache() *coordinatorCache {
	return &coordinatorCache{byGroup: map[string]int32{}}
}

func (c *coordinatorCache) get(group string) (int32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byGroup[group]
	return id, ok
}

func (c *coordinatorCache) set(group string, nodeID int32) {
	c.mu.Lock()
	c.byGroup[group] = nodeID
	c.mu.Unlock()
}

func (c *coordinatorCache) invalidate(group string) {
	c.mu.Lock()
	delete(c.byGroup, group)
	c.mu.Unlock()
}

// groupCoordinatorSelector resolves to the cached coordinator for
// group if known, otherwise falls back to LeastLoaded so the initial
// FindCoordinatorRequest itself can go out; the response handler is
// expected to call groupCoord.set once it learns the real answer.
func (cl *Client) groupCoordinatorSelector(group string) NodeSelector {
	if id, ok := cl.groupCoord.get(group); ok {
		return ConstantID(id)
	}
	return LeastLoaded()
}

// resolveGroupCoordinator issues a FindCoordinatorRequest for group
// and caches the answer, unless it is already cached.
func (cl *Client) resolveGroupCoordinator(timeout time.Duration, group string) (int32, error) {
	if id, ok := cl.groupCoord.get(group); ok {
		return id, nil
	}
	id, err := doCall(cl, "find-coordinator", LeastLoaded(), timeout,
		func(timeoutMs int32) (kmsg.Request, error) {
			return &kmsg.FindCoordinatorRequest{CoordinatorKey: group, CoordinatorType: 0}, nil
		},
		func(resp kmsg.Response) (int32, error) {
			r, ok := resp.(*kmsg.FindCoordinatorResponse)
			if !ok {
				return 0, &InternalError{Op: "find coordinator", Cause: errUnexpectedResponseType}
			}
			if err := kerrFromCode(r.ErrorCode); err != nil {
				return 0, err
			}
			return r.NodeID, nil
		},
	)
	if err != nil {
		return 0, err
	}
	cl.groupCoord.set(group, id)
	return id, nil
}

// GroupListing is one entry of ListConsumerGroups's reply.
type GroupListing struct {
	GroupID string
	State   string
}

// ListConsumerGroups issues a ListGroupsRequest against a single
// broker. Real clusters scatter consumer groups across every broker's
// coordinator role, so a thorough listing fans this out to every
// known node and unions the results; this keeps the single-broker
// request as the unit of work and leaves that fan-out to the caller,
// which picks the target broker through the node argument (for
// example ConstantID); the Client does not expose the cluster's node
// list itself.
func (cl *Client) ListConsumerGroups(timeout time.Duration, node NodeSelector) ([]GroupListing, error) {
	return doCall(cl, "list-groups", node, timeout,
		func(timeoutMs int32) (kmsg.Request, error) {
			return &kmsg.ListGroupsRequest{}, nil
		},
		func(resp kmsg.Response) ([]GroupListing, error) {
			r, ok := resp.(*kmsg.ListGroupsResponse)
			if !ok {
				return nil, &InternalError{Op: "list groups", Cause: errUnexpectedResponseType}
			}
			if err := kerrFromCode(r.ErrorCode); err != nil {
				return nil, err
			}
			out := make([]GroupListing, 0, len(r.Groups))
			for _, g := range r.Groups {
				out = append(out, GroupListing{GroupID: g.Group, State: g.GroupState})
			}
			return out, nil
		},
	)
}

// GroupMember describes one member of a consumer group, as reported
// by DescribeConsumerGroups.
type GroupMember struct {
	MemberID   string
	ClientID   string
	ClientHost string
}

// GroupDescription is DescribeConsumerGroups's result for one group.
type GroupDescription struct {
	GroupID string
	State   string
	Members []GroupMember
	Err     error
}

// DescribeConsumerGroups resolves each group's coordinator (using the
// cache where possible) and issues a DescribeGroupsRequest to it.
func (cl *Client) DescribeConsumerGroups(timeout time.Duration, groups []string) ([]GroupDescription, error) {
	out := make([]GroupDescription, 0, len(groups))
	for _, g := range groups {
		coordID, err := cl.resolveGroupCoordinator(timeout, g)
		if err != nil {
			out = append(out, GroupDescription{GroupID: g, Err: err})
			continue
		}
		desc, err := doCall(cl, "describe-groups:"+g, ConstantID(coordID), timeout,
			func(timeoutMs int32) (kmsg.Request, error) {
				return &kmsg.DescribeGroupsRequest{Groups: []string{g}}, nil
			},
			func(resp kmsg.Response) (GroupDescription, error) {
				r, ok := resp.(*kmsg.DescribeGroupsResponse)
				if !ok || len(r.Groups) == 0 {
					return GroupDescription{}, &InternalError{Op: "describe groups", Cause: errUnexpectedResponseType}
				}
				gr := r.Groups[0]
				d := GroupDescription{GroupID: gr.Group, State: gr.State, Err: kerrFromCode(gr.ErrorCode)}
				for _, m := range gr.Members {
					d.Members = append(d.Members, GroupMember{MemberID: m.MemberID, ClientID: m.ClientID, ClientHost: m.ClientHost})
				}
				return d, nil
			},
		)
		if err != nil {
			cl.groupCoord.invalidate(g)
			out = append(out, GroupDescription{GroupID: g, Err: err})
			continue
		}
		out = append(out, desc)
	}
	return out, nil
}
