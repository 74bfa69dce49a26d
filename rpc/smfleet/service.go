package smfleet

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully-qualified gRPC service name, matching the
// layout protoc would derive from a `package smfleet;` .proto file.
const ServiceName = "smfleet.SMService"

// SMServiceServer is implemented by internal/fleet/controller.
type SMServiceServer interface {
	// RegisterSM is the bidirectional stream a node opens once at startup
	// and keeps open for the lifetime of its session.
	RegisterSM(SMService_RegisterSMServer) error
	// GetBlobsInfos resolves OCI blob digests to fetch URLs for a node.
	GetBlobsInfos(context.Context, *BlobsInfosRequest) (*BlobsInfos, error)
}

// SMServiceClient is implemented by the hand-written client stub below and
// by test doubles.
type SMServiceClient interface {
	RegisterSM(ctx context.Context, opts ...grpc.CallOption) (SMService_RegisterSMClient, error)
	GetBlobsInfos(ctx context.Context, in *BlobsInfosRequest, opts ...grpc.CallOption) (*BlobsInfos, error)
}

type SMService_RegisterSMServer interface {
	Send(*SMIncomingMessages) error
	Recv() (*SMOutgoingMessages, error)
	grpc.ServerStream
}

type SMService_RegisterSMClient interface {
	Send(*SMOutgoingMessages) error
	Recv() (*SMIncomingMessages, error)
	grpc.ClientStream
}

type smServiceClient struct {
	cc *grpc.ClientConn
}

// NewSMServiceClient wraps an established *grpc.ClientConn. Callers must
// dial with grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName))
// so the connection uses the json codec registered in codec.go.
func NewSMServiceClient(cc *grpc.ClientConn) SMServiceClient {
	return &smServiceClient{cc: cc}
}

func (c *smServiceClient) RegisterSM(ctx context.Context, opts ...grpc.CallOption) (SMService_RegisterSMClient, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], ServiceName+"/RegisterSM", opts...)
	if err != nil {
		return nil, err
	}

	return &registerSMClientStream{stream}, nil
}

func (c *smServiceClient) GetBlobsInfos(ctx context.Context, in *BlobsInfosRequest, opts ...grpc.CallOption) (*BlobsInfos, error) {
	out := new(BlobsInfos)
	if err := c.cc.Invoke(ctx, ServiceName+"/GetBlobsInfos", in, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

type registerSMClientStream struct {
	grpc.ClientStream
}

func (s *registerSMClientStream) Send(m *SMOutgoingMessages) error {
	return s.ClientStream.SendMsg(m)
}

func (s *registerSMClientStream) Recv() (*SMIncomingMessages, error) {
	m := new(SMIncomingMessages)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}

	return m, nil
}

type registerSMServerStream struct {
	grpc.ServerStream
}

func (s *registerSMServerStream) Send(m *SMIncomingMessages) error {
	return s.ServerStream.SendMsg(m)
}

func (s *registerSMServerStream) Recv() (*SMOutgoingMessages, error) {
	m := new(SMOutgoingMessages)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}

	return m, nil
}

func registerSMHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(SMServiceServer).RegisterSM(&registerSMServerStream{stream})
}

func getBlobsInfosHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(BlobsInfosRequest)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(SMServiceServer).GetBlobsInfos(ctx, in)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ServiceName + "/GetBlobsInfos",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SMServiceServer).GetBlobsInfos(ctx, req.(*BlobsInfosRequest))
	}

	return interceptor(ctx, in, info, handler)
}

// serviceDesc is assembled by hand in the same shape protoc-gen-go-grpc
// emits for a service with one bidi-streaming and one unary method.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SMServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetBlobsInfos",
			Handler:    getBlobsInfosHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "RegisterSM",
			Handler:       registerSMHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "smfleet.proto",
}

// RegisterSMServiceServer attaches impl to s, the way protoc-gen-go-grpc's
// generated RegisterSMServiceServer would.
func RegisterSMServiceServer(s grpc.ServiceRegistrar, impl SMServiceServer) {
	s.RegisterService(&serviceDesc, impl)
}

// ErrNotFound is returned by GetBlobsInfos when a requested digest has no
// known blob.
func ErrNotFound(digest string) error {
	return status.Errorf(codes.NotFound, "smfleet: no blob for digest %q", digest)
}
