package rpcclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/g960059/tunnelctl/internal/api"
	"github.com/g960059/tunnelctl/internal/codec"
	"github.com/g960059/tunnelctl/internal/model"
	"github.com/g960059/tunnelctl/internal/testutil"
)

var errStale = fmt.Errorf("%w: read: connection reset by peer", ErrStaleConnection)

func TestCallRetriesOnceAfterStaleConnection(t *testing.T) {
	conn := testutil.NewScriptedConn(
		testutil.Outcome{Err: errStale},
		testutil.Outcome{Result: api.BoolResponse{Value: true}},
	)
	client := New(conn, Options{})

	changed, err := client.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !changed {
		t.Fatalf("expected start to report a change")
	}
	if got := conn.Count(api.ActionStart); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestSecondStaleConnectionSurfacesConnectionError(t *testing.T) {
	conn := testutil.NewScriptedConn(
		testutil.Outcome{Err: errStale},
		testutil.Outcome{Err: errStale},
		testutil.Outcome{Result: api.BoolResponse{Value: true}},
	)
	client := New(conn, Options{})

	_, err := client.Stop(context.Background())
	var cerr *ConnectionError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConnectionError, got %T %v", err, err)
	}
	if cerr.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", cerr.Attempts)
	}
	if !errors.Is(err, ErrStaleConnection) {
		t.Fatalf("expected error to wrap ErrStaleConnection: %v", err)
	}
	if got := conn.Count(api.ActionStop); got != 2 {
		t.Fatalf("expected exactly 2 attempts on the wire, got %d", got)
	}
}

func TestOtherTransportErrorIsNotRetried(t *testing.T) {
	conn := testutil.NewScriptedConn(testutil.Outcome{Err: errors.New("dial unix: connection refused")})
	client := New(conn, Options{})

	_, err := client.CheckState(context.Background())
	if !IsConnectionError(err) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if got := conn.Count(api.ActionCheckState); got != 1 {
		t.Fatalf("expected 1 attempt, got %d", got)
	}
}

func TestServiceErrorIsNotRetried(t *testing.T) {
	conn := testutil.NewScriptedConn(testutil.Outcome{Err: &ServiceError{Action: api.ActionEnableRules, Code: api.CodeUnknownRule, Message: "unknown rule"}})
	client := New(conn, Options{})

	err := client.EnableRules(context.Background(), []string{"missing"})
	if !IsServiceError(err) {
		t.Fatalf("expected service error, got %v", err)
	}
	if IsConnectionError(err) {
		t.Fatalf("service error must not be reported as a connection error")
	}
	if got := conn.Count(api.ActionEnableRules); got != 1 {
		t.Fatalf("expected 1 attempt, got %d", got)
	}
}

func TestMutatingCallRequestsStateCheck(t *testing.T) {
	conn := testutil.NewScriptedConn()
	conn.Default = testutil.Outcome{Result: api.CheckStateResponse{RuleSetTime: 1}}
	client := New(conn, Options{PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := client.Connect(ctx, model.Checkpoints{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	testutil.WaitFor(t, time.Second, func() bool { return conn.Count(api.ActionCheckState) == 1 })
	if err := client.DeleteRules(ctx, []string{"a"}); err != nil {
		t.Fatalf("delete rules: %v", err)
	}
	testutil.WaitFor(t, time.Second, func() bool { return conn.Count(api.ActionCheckState) == 2 })
}

func TestReadOnlyCallDoesNotRequestStateCheck(t *testing.T) {
	conn := testutil.NewScriptedConn()
	conn.Default = testutil.Outcome{Result: api.LogLevelPayload{Level: "info"}}
	client := New(conn, Options{PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := client.Connect(ctx, model.Checkpoints{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	testutil.WaitFor(t, time.Second, func() bool { return conn.Count(api.ActionCheckState) == 1 })
	if _, err := client.GetLogLevel(ctx); err != nil {
		t.Fatalf("get log level: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := conn.Count(api.ActionCheckState); got != 1 {
		t.Fatalf("expected no extra state check, got %d", got)
	}
}

func TestConnectTwiceFails(t *testing.T) {
	conn := testutil.NewScriptedConn()
	client := New(conn, Options{PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := client.Connect(ctx, model.Checkpoints{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	if err := client.Connect(ctx, model.Checkpoints{}); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

// blockingConn records whether two calls were ever on the wire at once.
type blockingConn struct {
	mu       sync.Mutex
	inFlight int
	overlap  bool
}

func (c *blockingConn) Call(context.Context, api.Action, any, any) error {
	c.mu.Lock()
	c.inFlight++
	if c.inFlight > 1 {
		c.overlap = true
	}
	c.mu.Unlock()
	time.Sleep(2 * time.Millisecond)
	c.mu.Lock()
	c.inFlight--
	c.mu.Unlock()
	return nil
}

func TestCallsAreSerialized(t *testing.T) {
	conn := &blockingConn{}
	client := New(conn, Options{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = client.CheckState(context.Background())
		}()
	}
	wg.Wait()
	if conn.overlap {
		t.Fatalf("expected calls to be serialized")
	}
}

// gateConn holds every start call until release is closed.
type gateConn struct {
	entered chan struct{}
	release chan struct{}

	mu     sync.Mutex
	checks int
}

func newGateConn() *gateConn {
	return &gateConn{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (c *gateConn) Call(_ context.Context, action api.Action, _, _ any) error {
	if action == api.ActionStart {
		c.entered <- struct{}{}
		<-c.release
		return nil
	}
	c.mu.Lock()
	c.checks++
	c.mu.Unlock()
	return nil
}

func TestQueuedCallHonorsCancellation(t *testing.T) {
	conn := newGateConn()
	client := New(conn, Options{})
	started := make(chan error, 1)
	go func() {
		_, err := client.Start(context.Background())
		started <- err
	}()
	<-conn.entered

	ctx, cancel := context.WithCancel(context.Background())
	queued := make(chan error, 1)
	go func() {
		_, err := client.CheckState(ctx)
		queued <- err
	}()
	cancel()
	select {
	case err := <-queued:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("queued call did not observe cancellation")
	}

	close(conn.release)
	if err := <-started; err != nil {
		t.Fatalf("start: %v", err)
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.checks != 0 {
		t.Fatalf("expected canceled call never sent, got %d", conn.checks)
	}
}

func TestCloseDoesNotWaitForForegroundCall(t *testing.T) {
	conn := newGateConn()
	client := New(conn, Options{PollInterval: time.Hour, FailureLimit: 3})
	started := make(chan error, 1)
	go func() {
		_, err := client.Start(context.Background())
		started <- err
	}()
	<-conn.entered

	if err := client.Connect(context.Background(), model.Checkpoints{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	closed := make(chan struct{})
	go func() {
		client.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("close waited for the foreground call")
	}

	close(conn.release)
	if err := <-started; err != nil {
		t.Fatalf("start: %v", err)
	}
}

func TestHTTPConnAgainstMockService(t *testing.T) {
	svc := testutil.NewService(t)
	conn, err := Dial(svc.Address(), 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseIdle()
	client := New(conn, Options{})
	ctx := context.Background()

	rs := model.RuleSet{}
	rs.Add(model.NewTunnelRule("t1", "web", false, model.TunnelConfig{
		Protocol: model.ProtocolTCP, ListenPort: 8080, TargetHost: "10.0.0.2", TargetPort: 80,
	}))
	if err := client.UpdateRules(ctx, rs); err != nil {
		t.Fatalf("update rules: %v", err)
	}
	got, err := client.GetRuleSet(ctx)
	if err != nil {
		t.Fatalf("get rule set: %v", err)
	}
	if len(got.Tunnels) != 1 || got.Tunnels[0].Name != "web" || got.Tunnels[0].Tunnel.TargetPort != 80 {
		t.Fatalf("unexpected rule set: %+v", got)
	}
	cp, err := client.CheckState(ctx)
	if err != nil {
		t.Fatalf("check state: %v", err)
	}
	if cp.RuleSetTime == 0 || cp.LogSize == 0 {
		t.Fatalf("expected rule set time and log size to advance: %+v", cp)
	}

	err = client.EnableRules(ctx, []string{"missing"})
	var se *ServiceError
	if !errors.As(err, &se) || se.Code != api.CodeUnknownRule {
		t.Fatalf("expected unknown rule service error, got %v", err)
	}
	if n := svc.Calls(api.ActionEnableRules); n != 1 {
		t.Fatalf("expected one enable call, got %d", n)
	}
}

func TestHTTPConnRetriesDroppedConnection(t *testing.T) {
	svc := testutil.NewService(t)
	conn, err := Dial(svc.Address(), 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseIdle()
	client := New(conn, Options{})

	svc.DropNext(1)
	if _, err := client.GetLogLevel(context.Background()); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if n := svc.Calls(api.ActionGetLogLevel); n != 2 {
		t.Fatalf("expected 2 calls, got %d", n)
	}

	svc.DropNext(2)
	_, err = client.GetLogLevel(context.Background())
	var cerr *ConnectionError
	if !errors.As(err, &cerr) || cerr.Attempts != 2 {
		t.Fatalf("expected connection error after 2 attempts, got %v", err)
	}
	if n := svc.Calls(api.ActionGetLogLevel); n != 4 {
		t.Fatalf("expected 4 calls, got %d", n)
	}
}

func TestHTTPConnErrorStatusWithoutEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()
	conn := NewHTTPConn(srv.URL, srv.Client(), time.Second)

	err := conn.Call(context.Background(), api.ActionCheckState, nil, nil)
	if err == nil || IsServiceError(err) {
		t.Fatalf("expected plain transport error, got %v", err)
	}
}

func TestHTTPConnSendsCBOR(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/v1/rpc/set_log_level" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != codec.ContentType {
			t.Errorf("unexpected content type %q", ct)
		}
		var req api.LogLevelPayload
		if err := codec.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Level != "debug" {
			t.Errorf("expected level debug, got %q", req.Level)
		}
		data, _ := codec.Marshal(api.Response{SchemaVersion: api.SchemaVersion, OK: true})
		_, _ = w.Write(data)
	}))
	defer srv.Close()
	client := New(NewHTTPConn(srv.URL, srv.Client(), time.Second), Options{})

	if err := client.SetLogLevel(context.Background(), model.LogLevelDebug); err != nil {
		t.Fatalf("set log level: %v", err)
	}
}

func TestDialRejectsUnknownScheme(t *testing.T) {
	if _, err := Dial("ftp://example.com", time.Second); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
	if _, err := Dial("unix://", time.Second); err == nil {
		t.Fatalf("expected error for empty socket path")
	}
}
