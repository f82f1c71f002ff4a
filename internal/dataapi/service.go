package dataapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "bifrost.v1.DataPlane"

// Full method names, as seen by interceptors and metric labels.
const (
	EvaluateMethod   = "/" + ServiceName + "/Evaluate"
	GetVariantMethod = "/" + ServiceName + "/GetVariant"
)

// DataPlaneServer is the server side of bifrost.v1.DataPlane. Requests and
// responses are google.protobuf.Struct documents; see messages.go for their
// fields.
type DataPlaneServer interface {
	Evaluate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetVariant(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterDataPlaneServer attaches srv to a gRPC server.
func RegisterDataPlaneServer(s grpc.ServiceRegistrar, srv DataPlaneServer) {
	s.RegisterService(&DataPlaneServiceDesc, srv)
}

// DataPlaneServiceDesc describes the service to the gRPC runtime.
var DataPlaneServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DataPlaneServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: evaluateHandler},
		{MethodName: "GetVariant", Handler: getVariantHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bifrost/v1/data_plane.proto",
}

func evaluateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DataPlaneServer).Evaluate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: EvaluateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DataPlaneServer).Evaluate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getVariantHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DataPlaneServer).GetVariant(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetVariantMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DataPlaneServer).GetVariant(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// DataPlaneClient calls bifrost.v1.DataPlane.
type DataPlaneClient struct {
	cc grpc.ClientConnInterface
}

// NewDataPlaneClient wraps a connection.
func NewDataPlaneClient(cc grpc.ClientConnInterface) *DataPlaneClient {
	return &DataPlaneClient{cc: cc}
}

// Evaluate evaluates one flag.
func (c *DataPlaneClient) Evaluate(ctx context.Context, req EvaluateRequest, opts ...grpc.CallOption) (EvaluateResponse, error) {
	in, err := req.toStruct()
	if err != nil {
		return EvaluateResponse{}, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, EvaluateMethod, in, out, opts...); err != nil {
		return EvaluateResponse{}, err
	}
	return parseEvaluateResponse(out), nil
}

// GetVariant returns the A/B variant of a user.
func (c *DataPlaneClient) GetVariant(ctx context.Context, req VariantRequest, opts ...grpc.CallOption) (VariantResponse, error) {
	in, err := req.toStruct()
	if err != nil {
		return VariantResponse{}, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetVariantMethod, in, out, opts...); err != nil {
		return VariantResponse{}, err
	}
	return parseVariantResponse(out), nil
}
