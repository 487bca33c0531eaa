package controlapi

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "cyrange.control.v1.Control"

// Method names of the Control service.
const (
	MethodStatus            = "Status"
	MethodTriggerSync       = "TriggerSync"
	MethodResetFailureCount = "ResetFailureCount"
	MethodResetFailed       = "ResetFailed"
	MethodCleanup           = "Cleanup"
	MethodStats             = "Stats"
	MethodListRecords       = "ListRecords"
	MethodGetRecord         = "GetRecord"
	MethodSetDesired        = "SetDesired"
	MethodResetRecord       = "ResetRecord"
	MethodDeclare           = "Declare"
	MethodForceSyncAsset    = "ForceSyncAsset"
	MethodDiscover          = "Discover"
)

// Control is the server side of the control API.
type Control interface {
	Status(context.Context, *Empty) (*StatusResponse, error)
	TriggerSync(context.Context, *Empty) (*TriggerSyncResponse, error)
	ResetFailureCount(context.Context, *Empty) (*Empty, error)
	ResetFailed(context.Context, *Empty) (*CountResponse, error)
	Cleanup(context.Context, *CleanupRequest) (*CountResponse, error)
	Stats(context.Context, *Empty) (*StatsResponse, error)
	ListRecords(context.Context, *ListRecordsRequest) (*ListRecordsResponse, error)
	GetRecord(context.Context, *RecordRequest) (*Record, error)
	SetDesired(context.Context, *SetDesiredRequest) (*Record, error)
	ResetRecord(context.Context, *RecordRequest) (*Record, error)
	Declare(context.Context, *DeclareRequest) (*DeclareResponse, error)
	ForceSyncAsset(context.Context, *ForceSyncAssetRequest) (*ReconcileResponse, error)
	Discover(context.Context, *Empty) (*DiscoverResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Control)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodStatus, Control.Status),
		unary(MethodTriggerSync, Control.TriggerSync),
		unary(MethodResetFailureCount, Control.ResetFailureCount),
		unary(MethodResetFailed, Control.ResetFailed),
		unary(MethodCleanup, Control.Cleanup),
		unary(MethodStats, Control.Stats),
		unary(MethodListRecords, Control.ListRecords),
		unary(MethodGetRecord, Control.GetRecord),
		unary(MethodSetDesired, Control.SetDesired),
		unary(MethodResetRecord, Control.ResetRecord),
		unary(MethodDeclare, Control.Declare),
		unary(MethodForceSyncAsset, Control.ForceSyncAsset),
		unary(MethodDiscover, Control.Discover),
	},
	Metadata: "cyrange/control",
}

// RegisterControlServer registers impl on s.
func RegisterControlServer(s grpc.ServiceRegistrar, impl Control) {
	s.RegisterService(&serviceDesc, impl)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(Control, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(Control), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(Control), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
