package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	pb "github.com/ppiankov/changegate/api/changegate/v1"
	"github.com/ppiankov/changegate/internal/audit"
	"github.com/ppiankov/changegate/internal/model"
	"github.com/ppiankov/changegate/internal/pipeline"
	"github.com/ppiankov/changegate/internal/sandbox"
)

// DefaultTimeout bounds calls that don't run tests or provision sandboxes.
const DefaultTimeout = 30 * time.Second

// RemoteError is a failed call, with the server's error kind.
type RemoteError struct {
	Method  string
	Kind    pipeline.ErrorKind
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

// Client connects to a changegate gRPC server.
type Client struct {
	conn    *grpc.ClientConn
	rpc     *pb.PipelineClient
	timeout time.Duration
}

// New creates a client for addr. The connection is established lazily.
func New(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("client: connect to %s: %w", addr, err)
	}
	return &Client{
		conn:    conn,
		rpc:     pb.NewPipelineClient(conn),
		timeout: DefaultTimeout,
	}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// call invokes method. Long operations pass bounded=false and rely on ctx.
func (c *Client) call(ctx context.Context, method string, bounded bool, in, out any) error {
	if bounded {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	var trailer metadata.MD
	err := c.rpc.Invoke(ctx, method, in, out, grpc.Trailer(&trailer))
	if err == nil {
		return nil
	}
	re := &RemoteError{Method: method, Message: err.Error()}
	if st, ok := status.FromError(err); ok {
		re.Message = st.Message()
	}
	if v := trailer.Get(pb.ErrorKindKey); len(v) > 0 {
		re.Kind = pipeline.ErrorKind(v[0])
	}
	return re
}

// KindOf returns the server-side error kind of err, if it came from a call.
func KindOf(err error) pipeline.ErrorKind {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind
	}
	return pipeline.Kind(err)
}

func (c *Client) CreateProposal(ctx context.Context, req pipeline.CreateRequest) (string, error) {
	var out pb.ProposalIDResponse
	if err := c.call(ctx, pb.MethodCreateProposal, true, &req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// Generate waits for the model; it is bounded only by ctx.
func (c *Client) Generate(ctx context.Context, req pipeline.GenerateRequest) (string, error) {
	var out pb.ProposalIDResponse
	if err := c.call(ctx, pb.MethodGenerate, false, &req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// DeploySandbox returns once the sandbox is provisioned and the files applied.
func (c *Client) DeploySandbox(ctx context.Context, id string) (model.SandboxEnvironment, error) {
	var out pb.DeploySandboxResponse
	err := c.call(ctx, pb.MethodDeploySandbox, false, &pb.IDRequest{ID: id}, &out)
	return out.Environment, err
}

// RunTests returns the last recorded results and the proposal afterwards.
func (c *Client) RunTests(ctx context.Context, id string) ([]model.TestResult, *model.Proposal, error) {
	var out pb.RunTestsResponse
	if err := c.call(ctx, pb.MethodRunTests, false, &pb.IDRequest{ID: id}, &out); err != nil {
		return nil, nil, err
	}
	return out.Results, out.Proposal, nil
}

func (c *Client) CleanupSandbox(ctx context.Context, id string, keepLogs bool) error {
	return c.call(ctx, pb.MethodCleanupSandbox, true, &pb.CleanupSandboxRequest{ID: id, KeepLogs: keepLogs}, &pb.Empty{})
}

func (c *Client) Approve(ctx context.Context, id, approver string) (*model.Proposal, error) {
	return c.proposal(ctx, pb.MethodApprove, true, &pb.ApproveRequest{ID: id, Approver: approver})
}

func (c *Client) Reject(ctx context.Context, id, reason string) (*model.Proposal, error) {
	return c.proposal(ctx, pb.MethodReject, true, &pb.RejectRequest{ID: id, Reason: reason})
}

// Apply and Rollback wait for the supervisor restart; bounded only by ctx.
func (c *Client) Apply(ctx context.Context, id string) (*model.Proposal, error) {
	return c.proposal(ctx, pb.MethodApply, false, &pb.IDRequest{ID: id})
}

func (c *Client) Rollback(ctx context.Context, id string) (*model.Proposal, error) {
	return c.proposal(ctx, pb.MethodRollback, false, &pb.IDRequest{ID: id})
}

func (c *Client) GetStatus(ctx context.Context, id string) (*model.Proposal, error) {
	return c.proposal(ctx, pb.MethodGetStatus, true, &pb.IDRequest{ID: id})
}

func (c *Client) ListProposals(ctx context.Context, st model.Status, limit int) ([]*model.Proposal, error) {
	var out pb.ListProposalsResponse
	if err := c.call(ctx, pb.MethodListProposals, true, &pb.ListProposalsRequest{Status: st, Limit: limit}, &out); err != nil {
		return nil, err
	}
	return out.Proposals, nil
}

func (c *Client) ListSecurityEvents(ctx context.Context, f audit.Filter) ([]model.SecurityEvent, error) {
	var out pb.ListSecurityEventsResponse
	req := &pb.ListSecurityEventsRequest{
		SessionID:   f.SessionID,
		Type:        f.Type,
		Action:      f.Action,
		MinSeverity: f.MinSeverity,
		From:        f.From,
		To:          f.To,
		Limit:       f.Limit,
	}
	if err := c.call(ctx, pb.MethodListSecurityEvents, true, req, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func (c *Client) Diff(ctx context.Context, id string) (string, []sandbox.FileStat, error) {
	var out pb.DiffResponse
	if err := c.call(ctx, pb.MethodDiff, true, &pb.IDRequest{ID: id}, &out); err != nil {
		return "", nil, err
	}
	return out.Diff, out.Stats, nil
}

func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	return c.call(ctx, pb.MethodEndSession, true, &pb.EndSessionRequest{SessionID: sessionID}, &pb.Empty{})
}

func (c *Client) proposal(ctx context.Context, method string, bounded bool, in any) (*model.Proposal, error) {
	var out pb.ProposalResponse
	if err := c.call(ctx, method, bounded, in, &out); err != nil {
		return nil, err
	}
	return out.Proposal, nil
}
