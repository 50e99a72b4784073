package kgo

import (
	"time"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// ConfigResourceType mirrors the wire enum: 2 = topic, 4 = broker.
type ConfigResourceType int8

const (
	ConfigResourceTopic  ConfigResourceType = 2
	ConfigResourceBroker ConfigResourceType = 4
)

// ConfigResource names one resource to describe or alter configs for.
type ConfigResource struct {
	Type ConfigResourceType
	Name string
}

// ConfigEntry is one key/value pair reported by DescribeConfigs.
type ConfigEntry struct {
	Name      string
	Value     string
	ReadOnly  bool
	Sensitive bool
	Source    int8
}

// DescribeConfigsResult is one element of DescribeConfigs's reply.
type DescribeConfigsResult struct {
	Resource ConfigResource
	Entries  []ConfigEntry
	Err      error
}

// DescribeConfigs issues a DescribeConfigsRequest for the given
// resources. Like every read-only administrative Call that is not
// pinned to a specific broker, it uses LeastLoaded rather than
// Controller: reading configuration does not require the controller.
func (cl *Client) DescribeConfigs(timeout time.Duration, resources []ConfigResource) ([]DescribeConfigsResult, error) {
	return doCall(cl, "describe-configs", LeastLoaded(), timeout,
		func(timeoutMs int32) (kmsg.Request, error) {
			req := &kmsg.DescribeConfigsRequest{IncludeSynonyms: true}
			for _, r := range resources {
				req.Resources = append(req.Resources, kmsg.DescribeConfigsRequestResource{
					ResourceType: int8(r.Type),
					ResourceName: r.Name,
				})
			}
			return req, nil
		},
		func(resp kmsg.Response) ([]DescribeConfigsResult, error) {
			r, ok := resp.(*kmsg.DescribeConfigsResponse)
			if !ok {
				return nil, &InternalError{Op: "describe configs", Cause: errUnexpectedResponseType}
			}
			out := make([]DescribeConfigsResult, 0, len(r.Resources))
			for _, res := range r.Resources {
				dr := DescribeConfigsResult{
					Resource: ConfigResource{Type: ConfigResourceType(res.ResourceType), Name: res.ResourceName},
					Err:      kerrFromCode(res.ErrorCode),
				}
				for _, e := range res.Configs {
					dr.Entries = append(dr.Entries, ConfigEntry{
						Name: e.Name, Value: e.Value, ReadOnly: e.ReadOnly,
						Sensitive: e.IsSensitive, Source: e.Source,
					})
				}
				out = append(out, dr)
			}
			return out, nil
		},
	)
}

// ConfigAlteration is one key set-to-value (or, when Value is nil, a
// delete) within an AlterConfigs call.
type ConfigAlteration struct {
	Name  string
	Value *string
}

// AlterConfigsResult is one element of AlterConfigs's reply.
type AlterConfigsResult struct {
	Resource ConfigResource
	Err      error
}

// AlterConfigs issues an IncrementalAlterConfigsRequest, routed to the
// controller since it is a cluster write.
func (cl *Client) AlterConfigs(timeout time.Duration, resource ConfigResource, alterations []ConfigAlteration) (AlterConfigsResult, error) {
	return doCall(cl, "alter-configs", Controller(), timeout,
		func(timeoutMs int32) (kmsg.Request, error) {
			req := &kmsg.IncrementalAlterConfigsRequest{}
			res := kmsg.IncrementalAlterConfigsRequestResource{
				ResourceType: int8(resource.Type),
				ResourceName: resource.Name,
			}
			for _, a := range alterations {
				op := int8(0) // SET
				val := ""
				if a.Value != nil {
					val = *a.Value
				} else {
					op = 1 // DELETE
				}
				res.Configs = append(res.Configs, kmsg.IncrementalAlterConfigsRequestResourceConfig{
					Name: a.Name, Value: val, Op: op,
				})
			}
			req.Resources = append(req.Resources, res)
			return req, nil
		},
		func(resp kmsg.Response) (AlterConfigsResult, error) {
			r, ok := resp.(*kmsg.IncrementalAlterConfigsResponse)
			if !ok || len(r.Resources) == 0 {
				return AlterConfigsResult{}, &InternalError{Op: "alter configs", Cause: errUnexpectedResponseType}
			}
			res := r.Resources[0]
			return AlterConfigsResult{
				Resource: ConfigResource{Type: ConfigResourceType(res.ResourceType), Name: res.ResourceName},
				Err:      kerrFromCode(res.ErrorCode),
			}, nil
		},
	)
}
