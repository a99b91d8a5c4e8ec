package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	pb "github.com/ppiankov/changegate/api/changegate/v1"
	"github.com/ppiankov/changegate/internal/audit"
	"github.com/ppiankov/changegate/internal/model"
	"github.com/ppiankov/changegate/internal/pipeline"
)

// Config holds gRPC server configuration.
type Config struct {
	Addr     string
	Pipeline pipeline.API
	Logger   *zap.Logger
}

// Server implements changegate.v1.Pipeline over a pipeline.API.
type Server struct {
	api        pipeline.API
	cfg        Config
	log        *zap.Logger
	grpcServer *grpc.Server
}

var _ pb.PipelineServer = (*Server)(nil)

// New creates the gRPC server. It does not listen until Serve.
func New(cfg Config) (*Server, error) {
	if cfg.Pipeline == nil {
		return nil, errors.New("server: pipeline is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Server{
		api: cfg.Pipeline,
		cfg: cfg,
		log: cfg.Logger.Named("grpc"),
	}
	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logCalls))
	pb.RegisterPipelineServer(s.grpcServer, s)
	return s, nil
}

// Serve listens on the configured address. Blocks until stopped.
func (s *Server) Serve() error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.cfg.Addr, err)
	}
	return s.ServeOn(lis)
}

// ServeOn serves on lis. Blocks until stopped.
func (s *Server) ServeOn(lis net.Listener) error {
	s.log.Info("serving", zap.String("addr", lis.Addr().String()))
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// GracefulStop waits for in-flight calls, then stops.
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	fields := []zap.Field{zap.String("method", info.FullMethod), zap.Duration("duration", time.Since(start))}
	switch kind := pipeline.Kind(err); kind {
	case "":
		s.log.Debug("call", fields...)
	case pipeline.KindDeployment, pipeline.KindInternal:
		s.log.Error("call failed", append(fields, zap.String("kind", string(kind)), zap.Error(err))...)
	default:
		s.log.Info("call refused", append(fields, zap.String("kind", string(kind)), zap.Error(err))...)
	}
	return resp, toStatus(ctx, err)
}

// toStatus maps a pipeline error to a gRPC status and records its kind in
// the trailer.
func toStatus(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	kind := pipeline.Kind(err)
	_ = grpc.SetTrailer(ctx, metadata.Pairs(pb.ErrorKindKey, string(kind)))
	return status.Error(codeFor(kind), err.Error())
}

func codeFor(kind pipeline.ErrorKind) codes.Code {
	switch kind {
	case pipeline.KindValidation, pipeline.KindInvalidRequest:
		return codes.InvalidArgument
	case pipeline.KindSecurity:
		return codes.PermissionDenied
	case pipeline.KindTransition:
		return codes.FailedPrecondition
	case pipeline.KindNotFound:
		return codes.NotFound
	case pipeline.KindSandbox:
		return codes.Unavailable
	case pipeline.KindUnparseable:
		return codes.Aborted
	case pipeline.KindCanceled:
		return codes.Canceled
	default:
		return codes.Internal
	}
}

func (s *Server) CreateProposal(ctx context.Context, req *pb.CreateProposalRequest) (*pb.ProposalIDResponse, error) {
	if req.CreatedBy == "" {
		req.CreatedBy = "grpc"
	}
	id, err := s.api.CreateProposal(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &pb.ProposalIDResponse{ID: id}, nil
}

func (s *Server) Generate(ctx context.Context, req *pb.GenerateRequest) (*pb.ProposalIDResponse, error) {
	if req.CreatedBy == "" {
		req.CreatedBy = "grpc"
	}
	id, err := s.api.Generate(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &pb.ProposalIDResponse{ID: id}, nil
}

// DeploySandbox waits for the sandbox. The sandbox task keeps running if
// the caller goes away.
func (s *Server) DeploySandbox(ctx context.Context, req *pb.IDRequest) (*pb.DeploySandboxResponse, error) {
	task, err := s.api.DeploySandbox(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	res, err := task.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return &pb.DeploySandboxResponse{Environment: res.Env}, nil
}

func (s *Server) RunTests(ctx context.Context, req *pb.IDRequest) (*pb.RunTestsResponse, error) {
	results, err := s.api.RunTests(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	resp := &pb.RunTestsResponse{Results: results}
	if p, err := s.api.GetStatus(ctx, req.ID); err == nil {
		resp.Proposal = p
	}
	return resp, nil
}

func (s *Server) CleanupSandbox(ctx context.Context, req *pb.CleanupSandboxRequest) (*pb.Empty, error) {
	if err := s.api.CleanupSandbox(ctx, req.ID, req.KeepLogs); err != nil {
		return nil, err
	}
	return &pb.Empty{}, nil
}

func (s *Server) Approve(ctx context.Context, req *pb.ApproveRequest) (*pb.ProposalResponse, error) {
	return proposal(s.api.Approve(ctx, req.ID, req.Approver))
}

func (s *Server) Reject(ctx context.Context, req *pb.RejectRequest) (*pb.ProposalResponse, error) {
	return proposal(s.api.Reject(ctx, req.ID, req.Reason))
}

func (s *Server) Apply(ctx context.Context, req *pb.IDRequest) (*pb.ProposalResponse, error) {
	return proposal(s.api.Apply(ctx, req.ID))
}

func (s *Server) Rollback(ctx context.Context, req *pb.IDRequest) (*pb.ProposalResponse, error) {
	return proposal(s.api.Rollback(ctx, req.ID))
}

func (s *Server) GetStatus(ctx context.Context, req *pb.IDRequest) (*pb.ProposalResponse, error) {
	return proposal(s.api.GetStatus(ctx, req.ID))
}

func (s *Server) ListProposals(ctx context.Context, req *pb.ListProposalsRequest) (*pb.ListProposalsResponse, error) {
	ps, err := s.api.ListProposals(ctx, req.Status, req.Limit)
	if err != nil {
		return nil, err
	}
	return &pb.ListProposalsResponse{Proposals: ps}, nil
}

func (s *Server) ListSecurityEvents(ctx context.Context, req *pb.ListSecurityEventsRequest) (*pb.ListSecurityEventsResponse, error) {
	evs, err := s.api.ListSecurityEvents(ctx, audit.Filter{
		SessionID:   req.SessionID,
		Type:        req.Type,
		Action:      req.Action,
		MinSeverity: req.MinSeverity,
		From:        req.From,
		To:          req.To,
		Limit:       req.Limit,
	})
	if err != nil {
		return nil, err
	}
	return &pb.ListSecurityEventsResponse{Events: evs}, nil
}

func (s *Server) Diff(ctx context.Context, req *pb.IDRequest) (*pb.DiffResponse, error) {
	diff, stats, err := s.api.Diff(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return &pb.DiffResponse{Diff: diff, Stats: stats}, nil
}

func (s *Server) EndSession(ctx context.Context, req *pb.EndSessionRequest) (*pb.Empty, error) {
	s.api.EndSession(req.SessionID)
	return &pb.Empty{}, nil
}

func proposal(p *model.Proposal, err error) (*pb.ProposalResponse, error) {
	if err != nil {
		return nil, err
	}
	return &pb.ProposalResponse{Proposal: p}, nil
}
