package rpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/danielpatrickdp/dbheal/internal/driver"
	"github.com/danielpatrickdp/dbheal/internal/env"
)

// #region helpers
type emptySource struct{}

func (emptySource) SampleRecord(context.Context) (env.SeedRecord, error) {
	return env.SeedRecord{}, env.ErrEmptySampleSource
}

// dial starts a bufconn server with register applied and returns a client
// connection to it.
func dial(t *testing.T, register func(*grpc.Server)) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(nil)
	register(srv)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func envClient(t *testing.T, src env.RecordSource) (*EnvironmentClient, *EnvironmentService) {
	t.Helper()
	svc := NewEnvironmentService(env.DefaultConfig(), src, 4, nil)
	conn := dial(t, func(s *grpc.Server) { RegisterEnvironmentServer(s, svc) })
	return NewEnvironmentClientWithConn(conn), svc
}

func boolPtr(b bool) *bool { return &b }
func int64Ptr(i int64) *int64 { return &i }
// #endregion helpers

// #region environment-tests
func TestEnvironmentRollbackEpisode(t *testing.T) {
	c, svc := envClient(t, nil)
	ctx := context.Background()

	id, st, err := c.Reset(ctx, "", env.ResetOptions{Seed: int64Ptr(1), AnomalyHint: boolPtr(true)})
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if id == "" {
		t.Fatal("expected session id")
	}
	if st.QueryLatency < 300 || st.QueryLatency > 600 {
		t.Fatalf("expected anomalous latency, got %.1f", st.QueryLatency)
	}
	if svc.Sessions() != 1 {
		t.Fatalf("expected 1 session, got %d", svc.Sessions())
	}

	total := 0.0
	var res env.StepResult
	for i := 0; i < 30; i++ {
		res, err = c.Step(ctx, id, env.Rollback)
		if err != nil {
			t.Fatalf("Step %d: %v", i+1, err)
		}
		if i == 0 && (!res.Info.AnomalyResolved || res.Info.RecoveryTime != 2) {
			t.Fatalf("unexpected first info %+v", res.Info)
		}
		total += res.Reward
	}
	if total != -285 {
		t.Fatalf("expected total -285, got %.1f", total)
	}
	if !res.Terminated || res.Truncated {
		t.Fatalf("expected terminated and not truncated, got %+v", res)
	}

	if _, err := c.Step(ctx, id, env.Rollback); !errors.Is(err, env.ErrEpisodeDone) {
		t.Fatalf("expected ErrEpisodeDone, got %v", err)
	}

	// Reset on the same session starts a fresh episode.
	if _, _, err := c.Reset(ctx, id, env.ResetOptions{AnomalyHint: boolPtr(false)}); err != nil {
		t.Fatalf("second Reset: %v", err)
	}
	if _, err := c.Step(ctx, id, env.ImputeMissing); err != nil {
		t.Fatalf("Step after reset: %v", err)
	}

	if err := c.CloseSession(ctx, id); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if svc.Sessions() != 0 {
		t.Fatalf("expected 0 sessions, got %d", svc.Sessions())
	}
}

func TestEnvironmentStartState(t *testing.T) {
	c, _ := envClient(t, nil)
	ctx := context.Background()
	start := env.StateFromVector([env.StateDim]float64{0.03, 2, 80, 0, 0, 0, 0, 1})

	id, st, err := c.Reset(ctx, "", env.ResetOptions{AnomalyHint: boolPtr(false), Start: &start})
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if st.Vector() != start.Vector() {
		t.Fatalf("expected start state echoed, got %v", st.Vector())
	}
	res, err := c.Step(ctx, id, env.ImputeMissing)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if res.Reward != -4 || res.State.MissingPct != 0.03 {
		t.Fatalf("expected penalised no-op, got %+v", res)
	}
	if res.State.History.Slots() != [env.HistoryLen]float64{0, 0, 0, 1, 1} {
		t.Fatalf("unexpected history %v", res.State.History.Slots())
	}
}

func TestEnvironmentErrors(t *testing.T) {
	c, _ := envClient(t, nil)
	ctx := context.Background()

	if _, err := c.Step(ctx, "nope", env.Rollback); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
	if _, _, err := c.Reset(ctx, "nope", env.ResetOptions{}); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession on reset, got %v", err)
	}
	if err := c.CloseSession(ctx, "nope"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession on close, got %v", err)
	}

	id, _, err := c.Reset(ctx, "", env.ResetOptions{})
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, err := c.Step(ctx, id, env.Action(7)); !errors.Is(err, env.ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}
	// The rejected action did not consume a step.
	for i := 0; i < 30; i++ {
		if _, err := c.Step(ctx, id, env.OptimizeIndexing); err != nil {
			t.Fatalf("Step %d: %v", i+1, err)
		}
	}
}

func TestEnvironmentEmptySource(t *testing.T) {
	c, _ := envClient(t, emptySource{})
	_, _, err := c.Reset(context.Background(), "", env.ResetOptions{})
	if !errors.Is(err, env.ErrEmptySampleSource) {
		t.Fatalf("expected ErrEmptySampleSource, got %v", err)
	}
}

func TestEnvironmentSessionLimit(t *testing.T) {
	c, _ := envClient(t, nil)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, _, err := c.Reset(ctx, "", env.ResetOptions{}); err != nil {
			t.Fatalf("Reset %d: %v", i, err)
		}
	}
	if _, _, err := c.Reset(ctx, "", env.ResetOptions{}); err == nil {
		t.Fatal("expected session limit error")
	}
}

func TestEnvironmentRejectsMistypedFields(t *testing.T) {
	svc := NewEnvironmentService(env.DefaultConfig(), nil, 0, nil)
	ctx := context.Background()
	out, err := svc.Reset(ctx, &structpb.Struct{})
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	id := out.Fields["session_id"]

	actions := map[string]*structpb.Value{
		"fractional": structpb.NewNumberValue(1.5),
		"string":     structpb.NewStringValue("Rollback"),
		"bool":       structpb.NewBoolValue(true),
		"list":       structpb.NewListValue(&structpb.ListValue{}),
	}
	for name, action := range actions {
		t.Run("action "+name, func(t *testing.T) {
			req := &structpb.Struct{Fields: map[string]*structpb.Value{"session_id": id, "action": action}}
			_, err := svc.Step(ctx, req)
			if status.Code(err) != codes.InvalidArgument {
				t.Fatalf("expected InvalidArgument, got %v", err)
			}
		})
	}
	sess, _ := svc.lookup(id.GetStringValue())
	if sess.env.Steps() != 0 {
		t.Fatalf("rejected actions must not step, got %d steps", sess.env.Steps())
	}

	resets := map[string]*structpb.Struct{
		"string seed":     {Fields: map[string]*structpb.Value{"seed": structpb.NewStringValue("7")}},
		"fractional seed": {Fields: map[string]*structpb.Value{"seed": structpb.NewNumberValue(1.5)}},
		"string hint":     {Fields: map[string]*structpb.Value{"anomaly_present": structpb.NewStringValue("true")}},
		"number hint":     {Fields: map[string]*structpb.Value{"anomaly_present": structpb.NewNumberValue(1)}},
	}
	for name, req := range resets {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.Reset(ctx, req); status.Code(err) != codes.InvalidArgument {
				t.Fatalf("expected InvalidArgument, got %v", err)
			}
		})
	}
	if svc.Sessions() != 1 {
		t.Fatalf("rejected resets must not open sessions, got %d", svc.Sessions())
	}
}
// #endregion environment-tests

// #region policy-tests
func TestPolicyClientDrivesEpisode(t *testing.T) {
	conn := dial(t, func(s *grpc.Server) {
		RegisterPolicyServer(s, NewLocalPolicyServer(driver.FixedPolicy(env.Rollback)))
	})
	pc := NewPolicyClientWithConn(conn, time.Second)

	d := driver.New(env.DefaultConfig(), nil, nil, nil)
	hint := true
	ep, err := d.RunEpisode(context.Background(), pc, driver.RunOptions{Seed: 5, Reset: env.ResetOptions{AnomalyHint: &hint}})
	if err != nil {
		t.Fatalf("RunEpisode: %v", err)
	}
	if ep.TotalReward != -285 {
		t.Fatalf("expected -285, got %.1f", ep.TotalReward)
	}
}

func TestPolicyClientRejectsOutOfRange(t *testing.T) {
	bad := driver.PolicyFunc(func(context.Context, env.State) (env.Action, error) { return env.Action(9), nil })
	conn := dial(t, func(s *grpc.Server) { RegisterPolicyServer(s, NewLocalPolicyServer(bad)) })
	pc := NewPolicyClientWithConn(conn, time.Second)

	_, err := pc.Act(context.Background(), env.State{})
	if !errors.Is(err, env.ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}
}

func TestPolicyClientTimeout(t *testing.T) {
	slow := driver.PolicyFunc(func(ctx context.Context, _ env.State) (env.Action, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	conn := dial(t, func(s *grpc.Server) { RegisterPolicyServer(s, NewLocalPolicyServer(slow)) })
	pc := NewPolicyClientWithConn(conn, 50*time.Millisecond)

	if _, err := pc.Act(context.Background(), env.State{}); err == nil {
		t.Fatal("expected timeout error")
	}
}

// flakyConn fails the first `failures` calls with code, then answers action.
type flakyConn struct {
	failures int
	code     codes.Code
	action   int32
	calls    int
}

func (c *flakyConn) Invoke(_ context.Context, _ string, _, reply any, _ ...grpc.CallOption) error {
	c.calls++
	if c.calls <= c.failures {
		return status.Error(c.code, "flaky")
	}
	proto.Merge(reply.(*wrapperspb.Int32Value), wrapperspb.Int32(c.action))
	return nil
}

func (c *flakyConn) NewStream(context.Context, *grpc.StreamDesc, string, ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, errors.New("not supported")
}

func TestPolicyClientRetriesUnavailable(t *testing.T) {
	cc := &flakyConn{failures: 2, code: codes.Unavailable, action: int32(env.OptimizeIndexing)}
	pc := NewPolicyClientWithConn(cc, time.Second)

	a, err := pc.Act(context.Background(), env.State{})
	if err != nil {
		t.Fatalf("Act: %v", err)
	}
	if a != env.OptimizeIndexing || cc.calls != 3 {
		t.Fatalf("expected OptimizeIndexing after 3 calls, got %v after %d", a, cc.calls)
	}
}

func TestPolicyClientGivesUp(t *testing.T) {
	cc := &flakyConn{failures: 5, code: codes.Unavailable}
	pc := NewPolicyClientWithConn(cc, time.Second)
	if _, err := pc.Act(context.Background(), env.State{}); err == nil {
		t.Fatal("expected error after retries")
	}
	if cc.calls != maxRetries+1 {
		t.Fatalf("expected %d calls, got %d", maxRetries+1, cc.calls)
	}

	cc = &flakyConn{failures: 1, code: codes.Internal}
	pc = NewPolicyClientWithConn(cc, time.Second)
	if _, err := pc.Act(context.Background(), env.State{}); err == nil {
		t.Fatal("expected error")
	}
	if cc.calls != 1 {
		t.Fatalf("non-transient errors must not retry, got %d calls", cc.calls)
	}
}

func TestNewPolicyClientLazyDial(t *testing.T) {
	pc, err := NewPolicyClient("localhost:0", 0)
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}
	defer pc.Close()
	if pc.timeout != DefaultPolicyTimeout {
		t.Fatalf("expected default timeout, got %v", pc.timeout)
	}
}
// #endregion policy-tests

// #region convert-tests
func TestListToStateRejectsBadShape(t *testing.T) {
	if _, err := listToState(&structpb.ListValue{}); err == nil {
		t.Fatal("expected error for empty list")
	}
	l := stateToList(env.State{})
	l.Values[2] = structpb.NewStringValue("fast")
	if _, err := listToState(l); err == nil {
		t.Fatal("expected error for non-number")
	}
}
// #endregion convert-tests
