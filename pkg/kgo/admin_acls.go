package kgo

import (
	"time"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// ACLEntry describes one access control entry, matching the wire
// shape closely enough that callers can build one directly from
// values they already have rather than through a builder type the
// teacher never uses elsewhere in this codebase.
type ACLEntry struct {
	ResourceType   int8
	ResourceName   string
	PatternType    int8 // 3 = literal, 4 = prefixed
	Principal      string
	Host           string
	Operation      int8
	PermissionType int8 // 2 = deny, 3 = allow
}

// CreateAclsResult is one element of CreateAcls's reply.
type CreateAclsResult struct {
	Err error
}

// CreateAcls issues a CreateAclsRequest, routed to the controller.
func (cl *Client) CreateAcls(timeout time.Duration, entries []ACLEntry) ([]CreateAclsResult, error) {
	return doCall(cl, "create-acls", Controller(), timeout,
		func(timeoutMs int32) (kmsg.Request, error) {
			req := &kmsg.CreateACLsRequest{}
			for _, e := range entries {
				req.Creations = append(req.Creations, kmsg.CreateACLsRequestCreation{
					ResourceType:        e.ResourceType,
					ResourceName:        e.ResourceName,
					ResourcePatternType: e.PatternType,
					Principal:           e.Principal,
					Host:                e.Host,
					Operation:           e.Operation,
					PermissionType:      e.PermissionType,
				})
			}
			return req, nil
		},
		func(resp kmsg.Response) ([]CreateAclsResult, error) {
			r, ok := resp.(*kmsg.CreateACLsResponse)
			if !ok {
				return nil, &InternalError{Op: "create acls", Cause: errUnexpectedResponseType}
			}
			out := make([]CreateAclsResult, 0, len(r.Results))
			for _, res := range r.Results {
				out = append(out, CreateAclsResult{Err: kerrFromCode(res.ErrorCode)})
			}
			return out, nil
		},
	)
}

// ACLFilter narrows which existing ACLs DescribeAcls or DeleteAcls
// apply to; a zero-value field matches anything for that dimension.
type ACLFilter struct {
	ResourceType   int8
	ResourceName   *string
	PatternType    int8
	Principal      *string
	Host           *string
	Operation      int8
	PermissionType int8
}

// DescribeAcls issues a DescribeAclsRequest for the given filter.
func (cl *Client) DescribeAcls(timeout time.Duration, filter ACLFilter) ([]ACLEntry, error) {
	return doCall(cl, "describe-acls", LeastLoaded(), timeout,
		func(timeoutMs int32) (kmsg.Request, error) {
			return &kmsg.DescribeACLsRequest{
				ResourceType:        filter.ResourceType,
				ResourceName:        filter.ResourceName,
				ResourcePatternType: filter.PatternType,
				Principal:           filter.Principal,
				Host:                filter.Host,
				Operation:           filter.Operation,
				PermissionType:      filter.PermissionType,
			}, nil
		},
		func(resp kmsg.Response) ([]ACLEntry, error) {
			r, ok := resp.(*kmsg.DescribeACLsResponse)
			if !ok {
				return nil, &InternalError{Op: "describe acls", Cause: errUnexpectedResponseType}
			}
			if err := kerrFromCode(r.ErrorCode); err != nil {
				return nil, err
			}
			var out []ACLEntry
			for _, res := range r.Resources {
				for _, a := range res.ACLs {
					out = append(out, ACLEntry{
						ResourceType: res.ResourceType, ResourceName: res.ResourceName, PatternType: res.PatternType,
						Principal: a.Principal, Host: a.Host, Operation: a.Operation, PermissionType: a.PermissionType,
					})
				}
			}
			return out, nil
		},
	)
}

// DeleteAcls issues a DeleteAclsRequest for the given filters, routed
// to the controller.
func (cl *Client) DeleteAcls(timeout time.Duration, filters []ACLFilter) ([]ACLEntry, error) {
	return doCall(cl, "delete-acls", Controller(), timeout,
		func(timeoutMs int32) (kmsg.Request, error) {
			req := &kmsg.DeleteACLsRequest{}
			for _, f := range filters {
				req.Filters = append(req.Filters, kmsg.DeleteACLsRequestFilter{
					ResourceType:        f.ResourceType,
					ResourceName:        f.ResourceName,
					ResourcePatternType: f.PatternType,
					Principal:           f.Principal,
					Host:                f.Host,
					Operation:           f.Operation,
					PermissionType:      f.PermissionType,
				})
			}
			return req, nil
		},
		func(resp kmsg.Response) ([]ACLEntry, error) {
			r, ok := resp.(*kmsg.DeleteACLsResponse)
			if !ok {
				return nil, &InternalError{Op: "delete acls", Cause: errUnexpectedResponseType}
			}
			var out []ACLEntry
			for _, f := range r.Filters {
				if err := kerrFromCode(f.ErrorCode); err != nil {
					continue
				}
				for _, m := range f.MatchingACLs {
					out = append(out, ACLEntry{
						ResourceType: m.ResourceType, ResourceName: m.ResourceName, PatternType: m.ResourcePatternType,
						Principal: m.Principal, Host: m.Host, Operation: m.Operation, PermissionType: m.PermissionType,
					})
				}
			}
			return out, nil
		},
	)
}
