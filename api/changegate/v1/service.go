package changegatev1

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "changegate.v1.Pipeline"

// ErrorKindKey is the trailer carrying pipeline.Kind of a failed call.
const ErrorKindKey = "changegate-error-kind"

// Method names.
const (
	MethodCreateProposal     = "CreateProposal"
	MethodGenerate           = "Generate"
	MethodDeploySandbox      = "DeploySandbox"
	MethodRunTests           = "RunTests"
	MethodCleanupSandbox     = "CleanupSandbox"
	MethodApprove            = "Approve"
	MethodReject             = "Reject"
	MethodApply              = "Apply"
	MethodRollback           = "Rollback"
	MethodGetStatus          = "GetStatus"
	MethodListProposals      = "ListProposals"
	MethodListSecurityEvents = "ListSecurityEvents"
	MethodDiff               = "Diff"
	MethodEndSession         = "EndSession"
)

// FullMethod returns "/changegate.v1.Pipeline/<name>".
func FullMethod(name string) string { return "/" + ServiceName + "/" + name }

// PipelineServer is implemented by the gRPC server.
type PipelineServer interface {
	CreateProposal(context.Context, *CreateProposalRequest) (*ProposalIDResponse, error)
	Generate(context.Context, *GenerateRequest) (*ProposalIDResponse, error)
	DeploySandbox(context.Context, *IDRequest) (*DeploySandboxResponse, error)
	RunTests(context.Context, *IDRequest) (*RunTestsResponse, error)
	CleanupSandbox(context.Context, *CleanupSandboxRequest) (*Empty, error)
	Approve(context.Context, *ApproveRequest) (*ProposalResponse, error)
	Reject(context.Context, *RejectRequest) (*ProposalResponse, error)
	Apply(context.Context, *IDRequest) (*ProposalResponse, error)
	Rollback(context.Context, *IDRequest) (*ProposalResponse, error)
	GetStatus(context.Context, *IDRequest) (*ProposalResponse, error)
	ListProposals(context.Context, *ListProposalsRequest) (*ListProposalsResponse, error)
	ListSecurityEvents(context.Context, *ListSecurityEventsRequest) (*ListSecurityEventsResponse, error)
	Diff(context.Context, *IDRequest) (*DiffResponse, error)
	EndSession(context.Context, *EndSessionRequest) (*Empty, error)
}

// RegisterPipelineServer registers srv on s.
func RegisterPipelineServer(s grpc.ServiceRegistrar, srv PipelineServer) {
	s.RegisterService(&PipelineServiceDesc, srv)
}

// PipelineServiceDesc is the hand-written equivalent of a generated
// descriptor.
var PipelineServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PipelineServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodCreateProposal, PipelineServer.CreateProposal),
		unary(MethodGenerate, PipelineServer.Generate),
		unary(MethodDeploySandbox, PipelineServer.DeploySandbox),
		unary(MethodRunTests, PipelineServer.RunTests),
		unary(MethodCleanupSandbox, PipelineServer.CleanupSandbox),
		unary(MethodApprove, PipelineServer.Approve),
		unary(MethodReject, PipelineServer.Reject),
		unary(MethodApply, PipelineServer.Apply),
		unary(MethodRollback, PipelineServer.Rollback),
		unary(MethodGetStatus, PipelineServer.GetStatus),
		unary(MethodListProposals, PipelineServer.ListProposals),
		unary(MethodListSecurityEvents, PipelineServer.ListSecurityEvents),
		unary(MethodDiff, PipelineServer.Diff),
		unary(MethodEndSession, PipelineServer.EndSession),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "changegate/v1/pipeline",
}

func unary[Req, Resp any](name string, call func(PipelineServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(PipelineServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

// PipelineClient calls the service over conn.
type PipelineClient struct {
	cc grpc.ClientConnInterface
}

// NewPipelineClient wraps cc. Calls use the JSON codec.
func NewPipelineClient(cc grpc.ClientConnInterface) *PipelineClient {
	return &PipelineClient{cc: cc}
}

// Invoke calls method with in and decodes the reply into out.
func (c *PipelineClient) Invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, FullMethod(method), in, out, opts...)
}
