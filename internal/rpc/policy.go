package rpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/danielpatrickdp/dbheal/internal/driver"
	"github.com/danielpatrickdp/dbheal/internal/env"
)

// DefaultPolicyTimeout bounds one remote action request.
const DefaultPolicyTimeout = 2 * time.Second

const (
	maxRetries   = 2 // max 2 retries = 3 total attempts
	retryBackoff = 50 * time.Millisecond
)

// #region service-desc
const policyServiceName = "dbheal.Policy"

// PolicyServer is the server API of the dbheal.Policy service: Act takes
// the eight-value observation and answers an action id.
type PolicyServer interface {
	Act(context.Context, *structpb.ListValue) (*wrapperspb.Int32Value, error)
}

func _Policy_Act_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.ListValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PolicyServer).Act(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + policyServiceName + "/Act"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PolicyServer).Act(ctx, req.(*structpb.ListValue))
	}
	return interceptor(ctx, in, info, handler)
}

// PolicyServiceDesc describes dbheal.Policy for grpc.Server.
var PolicyServiceDesc = grpc.ServiceDesc{
	ServiceName: policyServiceName,
	HandlerType: (*PolicyServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Act", Handler: _Policy_Act_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dbheal/policy",
}

// RegisterPolicyServer registers srv on s.
func RegisterPolicyServer(s grpc.ServiceRegistrar, srv PolicyServer) {
	s.RegisterService(&PolicyServiceDesc, srv)
}
// #endregion service-desc

// #region policy-server
// LocalPolicyServer serves a local policy over gRPC.
type LocalPolicyServer struct {
	policy driver.Policy
}

// NewLocalPolicyServer wraps p.
func NewLocalPolicyServer(p driver.Policy) *LocalPolicyServer {
	return &LocalPolicyServer{policy: p}
}

// Act implements PolicyServer.
func (s *LocalPolicyServer) Act(ctx context.Context, obs *structpb.ListValue) (*wrapperspb.Int32Value, error) {
	st, err := listToState(obs)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "observation: %v", err)
	}
	a, err := s.policy.Act(ctx, st)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Int32(int32(a)), nil
}
// #endregion policy-server

// #region policy-client
// PolicyClient asks a remote policy service for actions. It satisfies
// driver.Policy.
type PolicyClient struct {
	conn    *grpc.ClientConn
	cc      grpc.ClientConnInterface
	timeout time.Duration
}

// NewPolicyClient connects to a policy server.
func NewPolicyClient(addr string, timeout time.Duration) (*PolicyClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	c := NewPolicyClientWithConn(conn, timeout)
	c.conn = conn
	return c, nil
}

// NewPolicyClientWithConn uses an existing connection.
func NewPolicyClientWithConn(cc grpc.ClientConnInterface, timeout time.Duration) *PolicyClient {
	if timeout <= 0 {
		timeout = DefaultPolicyTimeout
	}
	return &PolicyClient{cc: cc, timeout: timeout}
}

// Close shuts down a connection opened by NewPolicyClient.
func (c *PolicyClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Act sends the observation and validates the answer. Unavailable errors
// are retried with a linear backoff; each attempt gets its own timeout.
func (c *PolicyClient) Act(ctx context.Context, obs env.State) (env.Action, error) {
	req := stateToList(obs)
	out := new(wrapperspb.Int32Value)
	for attempt := 0; ; attempt++ {
		err := c.invokeAct(ctx, req, out)
		if err == nil {
			break
		}
		if !shouldRetry(err, attempt) {
			return 0, fmt.Errorf("act rpc: %w", fromStatus(err))
		}
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("act rpc: %w", ctx.Err())
		case <-time.After(retryBackoff * time.Duration(attempt+1)):
		}
	}

	a := env.Action(out.GetValue())
	if !a.Valid() {
		return 0, fmt.Errorf("%w: remote policy answered %d", env.ErrInvalidAction, out.GetValue())
	}
	return a, nil
}

func (c *PolicyClient) invokeAct(ctx context.Context, req *structpb.ListValue, out *wrapperspb.Int32Value) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.cc.Invoke(ctx, "/"+policyServiceName+"/Act", req, out)
}

// shouldRetry reports whether a failed attempt may be repeated.
func shouldRetry(err error, attempt int) bool {
	return attempt < maxRetries && status.Code(err) == codes.Unavailable
}
// #endregion policy-client
