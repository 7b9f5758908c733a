package client

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

const approvalServicePrefix = "/approvals.v1.ApprovalService/"

// ApprovalsGRPCClient calls the approvals gRPC service.
type ApprovalsGRPCClient struct {
	conn *grpc.ClientConn
}

// NewApprovalsGRPCClient dials the approvals gRPC service and returns a
// client. token, when set, is sent as a Bearer credential on calls that do
// not already carry one from an incoming request.
func NewApprovalsGRPCClient(addr, token string, opts ...grpc.DialOption) (*ApprovalsGRPCClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(forwardMetadata(token)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &ApprovalsGRPCClient{conn: conn}, nil
}

// Close releases the underlying gRPC connection.
func (c *ApprovalsGRPCClient) Close() error {
	return c.conn.Close()
}

// RequestDetail is a request with its action trail.
type RequestDetail struct {
	Request *repository.ApprovalRequest  `json:"request"`
	Actions []*repository.ApprovalAction `json:"actions"`
}

// GetRequest returns a request and its trail.
func (c *ApprovalsGRPCClient) GetRequest(ctx context.Context, id string) (*RequestDetail, error) {
	var out RequestDetail
	if err := c.invoke(ctx, "GetRequest", map[string]any{"id": id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ActOnRequest approves, declines or sends back a request as the caller.
func (c *ApprovalsGRPCClient) ActOnRequest(ctx context.Context, id string, action repository.ActionType, comment string) (*repository.ApprovalRequest, error) {
	var out repository.ApprovalRequest
	in := map[string]any{"id": id, "action": string(action), "comment": comment}
	if err := c.invoke(ctx, "ActOnRequest", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListStuckRequests returns pending requests that have no approver.
func (c *ApprovalsGRPCClient) ListStuckRequests(ctx context.Context) ([]*repository.ApprovalRequest, error) {
	return c.listRequests(ctx, "ListStuckRequests")
}

// ListOverdueRequests returns pending requests past their SLA deadline.
func (c *ApprovalsGRPCClient) ListOverdueRequests(ctx context.Context) ([]*repository.ApprovalRequest, error) {
	return c.listRequests(ctx, "ListOverdueRequests")
}

func (c *ApprovalsGRPCClient) listRequests(ctx context.Context, method string) ([]*repository.ApprovalRequest, error) {
	var out struct {
		Requests []*repository.ApprovalRequest `json:"requests"`
	}
	if err := c.invoke(ctx, method, nil, &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

// invoke sends in as a Struct and decodes the Struct reply into out.
func (c *ApprovalsGRPCClient) invoke(ctx context.Context, method string, in map[string]any, out any) error {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeValidation, "encode request")
	}
	reply := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, approvalServicePrefix+method, req, reply); err != nil {
		return fromStatus(err)
	}
	data, err := protojson.Marshal(reply)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "decode response")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "decode response")
	}
	return nil
}

// fromStatus turns a gRPC status back into an application error.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return errors.Wrap(err, errors.ErrCodeInternal, "approvals call failed")
	}
	switch st.Code() {
	case codes.NotFound:
		return errors.New(errors.ErrCodeNotFound, st.Message())
	case codes.InvalidArgument:
		return errors.New(errors.ErrCodeValidation, st.Message())
	case codes.Unauthenticated:
		return errors.New(errors.ErrCodeUnauthorized, st.Message())
	case codes.PermissionDenied:
		return errors.New(errors.ErrCodeForbidden, st.Message())
	case codes.FailedPrecondition:
		return errors.New(errors.ErrCodeInvalidState, st.Message())
	case codes.Aborted, codes.AlreadyExists:
		return errors.New(errors.ErrCodeConflict, st.Message())
	default:
		return errors.Wrap(err, errors.ErrCodeInternal, "approvals call failed")
	}
}
