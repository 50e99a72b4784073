package kgo

import (
	"time"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// DelegationToken is the material returned by CreateDelegationToken.
type DelegationToken struct {
	TokenID      string
	HMAC         []byte
	Principal    string
	IssueMs      int64
	ExpiryMs     int64
	MaxTimestamp int64
}

// CreateDelegationToken issues a CreateDelegationTokenRequest, routed
// to the controller since token issuance is a cluster write.
func (cl *Client) CreateDelegationToken(timeout time.Duration, renewers []string, maxLifetime time.Duration) (DelegationToken, error) {
	return doCall(cl, "create-delegation-token", Controller(), timeout,
		func(timeoutMs int32) (kmsg.Request, error) {
			req := &kmsg.CreateDelegationTokenRequest{MaxLifetimeMillis: maxLifetime.Milliseconds()}
			for _, r := range renewers {
				req.Renewers = append(req.Renewers, kmsg.CreateDelegationTokenRequestRenewer{PrincipalName: r})
			}
			return req, nil
		},
		func(resp kmsg.Response) (DelegationToken, error) {
			r, ok := resp.(*kmsg.CreateDelegationTokenResponse)
			if !ok {
				return DelegationToken{}, &InternalError{Op: "create delegation token", Cause: errUnexpectedResponseType}
			}
			if err := kerrFromCode(r.ErrorCode); err != nil {
				return DelegationToken{}, err
			}
			return DelegationToken{
				TokenID: r.TokenID, HMAC: r.HMAC, Principal: r.PrincipalName,
				IssueMs: r.IssueTimestamp, ExpiryMs: r.ExpiryTimestamp, MaxTimestamp: r.MaxTimestamp,
			}, nil
		},
	)
}

// DelegationTokenDescription is one element of
// DescribeDelegationTokens's reply.
type DelegationTokenDescription struct {
	TokenID   string
	Principal string
	ExpiryMs  int64
}

// DescribeDelegationTokens issues a DescribeDelegationTokenRequest for
// tokens owned by the given principals, or every token if owners is
// empty.
func (cl *Client) DescribeDelegationTokens(timeout time.Duration, owners []string) ([]DelegationTokenDescription, error) {
	return doCall(cl, "describe-delegation-tokens", LeastLoaded(), timeout,
		func(timeoutMs int32) (kmsg.Request, error) {
			req := &kmsg.DescribeDelegationTokenRequest{}
			for _, o := range owners {
				req.Owners = append(req.Owners, kmsg.DescribeDelegationTokenRequestOwner{PrincipalName: o})
			}
			return req, nil
		},
		func(resp kmsg.Response) ([]DelegationTokenDescription, error) {
			r, ok := resp.(*kmsg.DescribeDelegationTokenResponse)
			if !ok {
				return nil, &InternalError{Op: "describe delegation tokens", Cause: errUnexpectedResponseType}
			}
			if err := kerrFromCode(r.ErrorCode); err != nil {
				return nil, err
			}
			out := make([]DelegationTokenDescription, 0, len(r.TokenDetails))
			for _, t := range r.TokenDetails {
				out = append(out, DelegationTokenDescription{TokenID: t.TokenID, Principal: t.PrincipalName, ExpiryMs: t.ExpiryTimestamp})
			}
			return out, nil
		},
	)
}

// ExpireDelegationToken issues an ExpireDelegationTokenRequest.
// expireAtMs is sent as the request's ExpiryPeriodMillis, a period in
// milliseconds that the broker counts from its own current time; it is
// not an absolute timestamp, and the Worker's own Clock is not involved.
func (cl *Client) ExpireDelegationToken(timeout time.Duration, hmac []byte, expireAtMs int64) error {
	_, err := doCall(cl, "expire-delegation-token", Controller(), timeout,
		func(timeoutMs int32) (kmsg.Request, error) {
			return &kmsg.ExpireDelegationTokenRequest{HMAC: hmac, ExpiryPeriodMillis: expireAtMs}, nil
		},
		func(resp kmsg.Response) (struct{}, error) {
			r, ok := resp.(*kmsg.ExpireDelegationTokenResponse)
			if !ok {
				return struct{}{}, &InternalError{Op: "expire delegation token", Cause: errUnexpectedResponseType}
			}
			return struct{}{}, kerrFromCode(r.ErrorCode)
		},
	)
	return err
}
