package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/danielpatrickdp/dbheal/internal/env"
)

// ErrUnknownSession is returned for session ids the server does not hold.
var ErrUnknownSession = errors.New("unknown session")

// DefaultMaxSessions bounds the live environments one server keeps.
const DefaultMaxSessions = 1024

// #region service-desc
const environmentServiceName = "dbheal.Environment"

// EnvironmentServer is the server API of the dbheal.Environment service.
//
// Reset request fields: session_id (optional, reuses a session), seed,
// anomaly_present, start_state. Response: session_id, state, info.
// Step request fields: session_id, action. Response: state, reward,
// terminated, truncated, info.
type EnvironmentServer interface {
	Reset(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Step(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Close(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
}

func _Environment_Reset_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EnvironmentServer).Reset(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + environmentServiceName + "/Reset"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EnvironmentServer).Reset(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Environment_Step_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EnvironmentServer).Step(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + environmentServiceName + "/Step"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EnvironmentServer).Step(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Environment_Close_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EnvironmentServer).Close(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + environmentServiceName + "/Close"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EnvironmentServer).Close(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// EnvironmentServiceDesc describes dbheal.Environment for grpc.Server.
var EnvironmentServiceDesc = grpc.ServiceDesc{
	ServiceName: environmentServiceName,
	HandlerType: (*EnvironmentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Reset", Handler: _Environment_Reset_Handler},
		{MethodName: "Step", Handler: _Environment_Step_Handler},
		{MethodName: "Close", Handler: _Environment_Close_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dbheal/environment",
}

// RegisterEnvironmentServer registers srv on s.
func RegisterEnvironmentServer(s grpc.ServiceRegistrar, srv EnvironmentServer) {
	s.RegisterService(&EnvironmentServiceDesc, srv)
}
// #endregion service-desc

// #region server
type session struct {
	mu  sync.Mutex
	env *env.Env
}

// EnvironmentService hosts one environment per session. Sessions step
// independently; calls on the same session are serialised.
type EnvironmentService struct {
	cfg         env.Config
	src         env.RecordSource
	logger      *slog.Logger
	maxSessions int

	mu       sync.Mutex
	sessions map[string]*session
}

// NewEnvironmentService creates the service. src may be nil for synthetic
// anomaly labels.
func NewEnvironmentService(cfg env.Config, src env.RecordSource, maxSessions int, logger *slog.Logger) *EnvironmentService {
	if logger == nil {
		logger = slog.Default()
	}
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &EnvironmentService{
		cfg:         cfg,
		src:         src,
		logger:      logger,
		maxSessions: maxSessions,
		sessions:    make(map[string]*session),
	}
}

// Sessions returns the number of live sessions.
func (s *EnvironmentService) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Reset starts an episode, creating a session unless an existing one is named.
func (s *EnvironmentService) Reset(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(req, "session_id")

	var opts env.ResetOptions
	if v, ok := field(req, "seed"); ok {
		n, isNum := asNumber(v)
		if !isNum || n != math.Trunc(n) {
			return nil, status.Error(codes.InvalidArgument, "seed must be an integer")
		}
		seed := int64(n)
		opts.Seed = &seed
	}
	if v, ok := field(req, "anomaly_present"); ok {
		hint, isBool := asBool(v)
		if !isBool {
			return nil, status.Error(codes.InvalidArgument, "anomaly_present must be a bool")
		}
		opts.AnomalyHint = &hint
	}
	if v, ok := field(req, "start_state"); ok {
		st, err := listToState(v.GetListValue())
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "start_state: %v", err)
		}
		opts.Start = &st
	}

	sess, id, err := s.session(id, opts.Seed)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	obs, info, err := sess.env.Reset(ctx, opts)
	sourceID := sess.env.SourceID()
	sess.mu.Unlock()
	if err != nil {
		return nil, toStatus(err)
	}

	s.logger.Debug("session reset", "session_id", id, "source_id", sourceID)
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"session_id": structpb.NewStringValue(id),
		"source_id":  structpb.NewStringValue(sourceID),
		"state":      structpb.NewListValue(stateToList(obs)),
		"info":       structpb.NewStructValue(infoToStruct(info)),
	}}, nil
}

// Step applies one action in a session.
func (s *EnvironmentService) Step(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(req, "session_id")
	sess, ok := s.lookup(id)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "%v: %q", ErrUnknownSession, id)
	}

	v, ok := field(req, "action")
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "action is required")
	}
	n, isNum := asNumber(v)
	if !isNum {
		return nil, status.Errorf(codes.InvalidArgument, "%v: action must be a number", env.ErrInvalidAction)
	}
	if n != math.Trunc(n) {
		return nil, status.Errorf(codes.InvalidArgument, "%v: %g", env.ErrInvalidAction, n)
	}

	sess.mu.Lock()
	res, err := sess.env.Step(env.Action(int(n)))
	sess.mu.Unlock()
	if err != nil {
		return nil, toStatus(err)
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"state":      structpb.NewListValue(stateToList(res.State)),
		"reward":     structpb.NewNumberValue(res.Reward),
		"terminated": structpb.NewBoolValue(res.Terminated),
		"truncated":  structpb.NewBoolValue(res.Truncated),
		"info":       structpb.NewStructValue(infoToStruct(res.Info)),
	}}, nil
}

// Close drops a session.
func (s *EnvironmentService) Close(_ context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[req.GetValue()]; !ok {
		return nil, status.Errorf(codes.NotFound, "%v: %q", ErrUnknownSession, req.GetValue())
	}
	delete(s.sessions, req.GetValue())
	return &emptypb.Empty{}, nil
}

func (s *EnvironmentService) lookup(id string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *EnvironmentService) session(id string, seed *int64) (*session, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		sess, ok := s.sessions[id]
		if !ok {
			return nil, "", status.Errorf(codes.NotFound, "%v: %q", ErrUnknownSession, id)
		}
		return sess, id, nil
	}
	if len(s.sessions) >= s.maxSessions {
		return nil, "", status.Errorf(codes.ResourceExhausted, "session limit %d reached", s.maxSessions)
	}

	var rng *rand.Rand
	if seed != nil {
		rng = rand.New(rand.NewSource(*seed))
	}
	id = uuid.New().String()
	sess := &session{env: env.New(s.cfg, rng, s.src)}
	s.sessions[id] = sess
	return sess, id, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, env.ErrInvalidAction):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, env.ErrEmptySampleSource),
		errors.Is(err, env.ErrEpisodeDone),
		errors.Is(err, env.ErrNotReset):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
// #endregion server

// #region client
// EnvironmentClient drives a remote dbheal.Environment.
type EnvironmentClient struct {
	conn *grpc.ClientConn
	cc   grpc.ClientConnInterface
}

// NewEnvironmentClient connects to an environment server.
func NewEnvironmentClient(addr string) (*EnvironmentClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &EnvironmentClient{conn: conn, cc: conn}, nil
}

// NewEnvironmentClientWithConn uses an existing connection.
func NewEnvironmentClientWithConn(cc grpc.ClientConnInterface) *EnvironmentClient {
	return &EnvironmentClient{cc: cc}
}

// Close shuts down a connection opened by NewEnvironmentClient.
func (c *EnvironmentClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Reset starts an episode. An empty sessionID opens a new session.
func (c *EnvironmentClient) Reset(ctx context.Context, sessionID string, opts env.ResetOptions) (string, env.State, error) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if sessionID != "" {
		req.Fields["session_id"] = structpb.NewStringValue(sessionID)
	}
	if opts.Seed != nil {
		req.Fields["seed"] = structpb.NewNumberValue(float64(*opts.Seed))
	}
	if opts.AnomalyHint != nil {
		req.Fields["anomaly_present"] = structpb.NewBoolValue(*opts.AnomalyHint)
	}
	if opts.Start != nil {
		req.Fields["start_state"] = structpb.NewListValue(stateToList(*opts.Start))
	}

	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+environmentServiceName+"/Reset", req, out); err != nil {
		return "", env.State{}, fmt.Errorf("reset rpc: %w", fromStatus(err))
	}
	v, _ := field(out, "state")
	st, err := listToState(v.GetListValue())
	if err != nil {
		return "", env.State{}, fmt.Errorf("reset rpc: %w", err)
	}
	return stringField(out, "session_id"), st, nil
}

// Step applies one action in a session.
func (c *EnvironmentClient) Step(ctx context.Context, sessionID string, a env.Action) (env.StepResult, error) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"session_id": structpb.NewStringValue(sessionID),
		"action":     structpb.NewNumberValue(float64(a)),
	}}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+environmentServiceName+"/Step", req, out); err != nil {
		return env.StepResult{}, fmt.Errorf("step rpc: %w", fromStatus(err))
	}
	v, _ := field(out, "state")
	st, err := listToState(v.GetListValue())
	if err != nil {
		return env.StepResult{}, fmt.Errorf("step rpc: %w", err)
	}
	info, _ := field(out, "info")
	return env.StepResult{
		State:      st,
		Reward:     numberField(out, "reward"),
		Terminated: boolField(out, "terminated"),
		Truncated:  boolField(out, "truncated"),
		Info:       structToInfo(info.GetStructValue()),
	}, nil
}

// CloseSession drops a session on the server.
func (c *EnvironmentClient) CloseSession(ctx context.Context, sessionID string) error {
	if err := c.cc.Invoke(ctx, "/"+environmentServiceName+"/Close", wrapperspb.String(sessionID), new(emptypb.Empty)); err != nil {
		return fmt.Errorf("close rpc: %w", fromStatus(err))
	}
	return nil
}

// fromStatus maps status codes back onto the sentinels callers check.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var candidates []error
	switch st.Code() {
	case codes.InvalidArgument:
		candidates = []error{env.ErrInvalidAction}
	case codes.NotFound:
		candidates = []error{ErrUnknownSession}
	case codes.FailedPrecondition:
		candidates = []error{env.ErrEmptySampleSource, env.ErrEpisodeDone, env.ErrNotReset}
	}
	for _, sentinel := range candidates {
		if strings.Contains(st.Message(), sentinel.Error()) {
			return fmt.Errorf("%w: %s", sentinel, st.Message())
		}
	}
	return err
}
// #endregion client
