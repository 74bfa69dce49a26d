// Package iamclient consumes the IAM service's public certificate
// provider as a certificate and subject source only (spec.md §1: "the
// IAM identity/credential/permissions services, consumed only as
// certificate and subject providers"): GetCert for the initial load and
// SubscribeCertChanged for C10's rotation stream.
//
// Grounded on original_source's src/common/iamclient tests/stubs
// (IAMPublicCertServiceStub): GetCert(type) -> {type, certUrl, keyUrl}
// and a server-streaming SubscribeCertChanged(type) -> stream CertInfo.
// The wire shape is reproduced here hand-built in the same style as
// rpc/smfleet, since no .proto survived retrieval for this service.
package iamclient

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"
	"google.golang.org/grpc"
)

const serviceName = "iamanager.v6.IAMPublicCertService"

// CertInfo is the certificate/key location pair IAM reports for a storage
// ("online", "offline", ...).
type CertInfo struct {
	Type    string `json:"type"`
	CertURL string `json:"certUrl"`
	KeyURL  string `json:"keyUrl"`
}

type getCertRequest struct {
	Type string `json:"type"`
}

type subscribeCertChangedRequest struct {
	Type string `json:"type"`
}

// Client is a thin hand-built gRPC client for IAMPublicCertService.
type Client struct {
	cc *grpc.ClientConn
}

// Dial connects to the IAM public service at addr.
func Dial(ctx context.Context, addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)))

	cc, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("iamclient: dial %s: %w", addr, err)
	}

	return &Client{cc: cc}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.cc.Close()
}

// GetCert resolves certType's current certificate/key location.
func (c *Client) GetCert(ctx context.Context, certType string) (CertInfo, error) {
	var out CertInfo

	if err := c.cc.Invoke(ctx, serviceName+"/GetCert", getCertRequest{Type: certType}, &out); err != nil {
		return CertInfo{}, fmt.Errorf("iamclient: GetCert %q: %w", certType, err)
	}

	return out, nil
}

// Subscribe satisfies certwatch.CertSource: it opens SubscribeCertChanged
// for storage and calls onChanged on every notification, blocking until
// ctx is cancelled or the stream ends.
func (c *Client) Subscribe(ctx context.Context, storage string, onChanged func()) error {
	desc := &grpc.StreamDesc{StreamName: "SubscribeCertChanged", ServerStreams: true}

	stream, err := c.cc.NewStream(ctx, desc, serviceName+"/SubscribeCertChanged")
	if err != nil {
		return fmt.Errorf("iamclient: subscribe %q: %w", storage, err)
	}

	if err := stream.SendMsg(subscribeCertChangedRequest{Type: storage}); err != nil {
		return fmt.Errorf("iamclient: subscribe %q: send request: %w", storage, err)
	}

	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("iamclient: subscribe %q: close send: %w", storage, err)
	}

	for {
		var info CertInfo
		if err := stream.RecvMsg(&info); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("iamclient: subscribe %q: recv: %w", storage, err)
		}

		dlog.Debugf(ctx, "iamclient: cert changed for %q: %s", storage, info.CertURL)
		onChanged()
	}
}
