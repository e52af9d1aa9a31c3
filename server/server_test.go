package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"mini-jsonrpc/logging"
	"mini-jsonrpc/message"
	"mini-jsonrpc/middleware"
	"mini-jsonrpc/transport"
)

func TestMain(m *testing.M) {
	logging.ConfigureTests()
	os.Exit(m.Run())
}

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Div(ctx context.Context, args *Args, reply *Reply) error {
	if args.B == 0 {
		return message.NewError(message.CodeInvalidParams, "division by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

// peer is the far end of a served transport, driven line by line.
type peer struct {
	conn net.Conn
	r    *bufio.Reader
}

type reply struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *message.Error  `json:"error"`
}

func serve(t *testing.T, srv *Server) *peer {
	t.Helper()
	a, b := net.Pipe()
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(context.Background(), transport.NewStream(a, a)) }()

	t.Cleanup(func() {
		b.Close()
		select {
		case err := <-errc:
			if err != nil && !errors.Is(err, ErrServerClosed) {
				t.Errorf("Serve returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after the peer hung up")
		}
	})
	return &peer{conn: b, r: bufio.NewReader(b)}
}

func (p *peer) send(t *testing.T, line string) {
	t.Helper()
	if _, err := p.conn.Write([]byte(line + "\n")); err != nil {
		t.Fatal(err)
	}
}

func (p *peer) line(t *testing.T) string {
	t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := p.r.ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return line
}

func (p *peer) recv(t *testing.T) reply {
	t.Helper()
	var r reply
	if err := json.Unmarshal([]byte(p.line(t)), &r); err != nil {
		t.Fatal(err)
	}
	return r
}

func newArithServer(t *testing.T) *Server {
	t.Helper()
	srv := NewServer()
	err := srv.Register("add", Typed(func(ctx context.Context, p [2]int) (int, error) {
		return p[0] + p[1], nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	return srv
}

func TestServeAdd(t *testing.T) {
	p := serve(t, newArithServer(t))

	p.send(t, `{"jsonrpc":"2.0","id":7,"method":"add","params":[2,3]}`)
	if got := p.line(t); got != "{\"jsonrpc\":\"2.0\",\"id\":7,\"result\":5}\n" {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestServeErrors(t *testing.T) {
	srv := newArithServer(t)
	srv.Register("fail", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, errors.New("disk on fire")
	})
	srv.Register("teapot", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, fmt.Errorf("wrapped: %w", message.NewError(-32099, "short and stout"))
	})
	srv.Register("panic", func(ctx context.Context, params json.RawMessage) (any, error) {
		panic("boom")
	})
	p := serve(t, srv)

	tests := []struct {
		line string
		id   string
		code int
	}{
		{`{"jsonrpc":"2.0","id":1,"method":"nope"}`, `1`, message.CodeMethodNotFound},
		{`{"jsonrpc":"2.0","id":"s","method":"fail"}`, `"s"`, message.CodeInternalError},
		{`{"jsonrpc":"2.0","id":3,"method":"teapot"}`, `3`, -32099},
		{`{"jsonrpc":"2.0","id":4,"method":"add","params":{"a":1}}`, `4`, message.CodeInvalidParams},
		{`{"jsonrpc":"2.0","id":5,"method":"panic"}`, `5`, message.CodeInternalError},
		{`{"jsonrpc":"2.0","id":6,"method":"rpc.discover"}`, `6`, message.CodeInvalidRequest},
	}
	for _, tt := range tests {
		p.send(t, tt.line)
		r := p.recv(t)
		if string(r.ID) != tt.id {
			t.Fatalf("%s: expect id %s, got %s", tt.line, tt.id, r.ID)
		}
		if r.Error == nil || r.Error.Code != tt.code {
			t.Fatalf("%s: expect code %d, got %+v", tt.line, tt.code, r.Error)
		}
	}
}

func TestNotificationsGetNoReply(t *testing.T) {
	srv := newArithServer(t)
	seen := make(chan string, 2)
	srv.Register("log", func(ctx context.Context, params json.RawMessage) (any, error) {
		seen <- string(params)
		return nil, errors.New("ignored")
	})
	p := serve(t, srv)

	p.send(t, `{"jsonrpc":"2.0","method":"log","params":["hi"]}`)
	p.send(t, `{"jsonrpc":"2.0","method":"missing"}`)
	p.send(t, `not json at all`)
	p.send(t, `{"jsonrpc":"2.0","method":"rpc.x"}`)
	p.send(t, `{"jsonrpc":"2.0","id":9,"method":"add","params":[1,1]}`)

	r := p.recv(t)
	if string(r.ID) != "9" || string(r.Result) != "2" {
		t.Fatalf("first reply should answer request 9, got %+v", r)
	}
	select {
	case params := <-seen:
		if params != `["hi"]` {
			t.Fatalf("unexpected params %s", params)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification handler never ran")
	}
}

func TestStrayResponsesDropped(t *testing.T) {
	p := serve(t, newArithServer(t))

	p.send(t, `{"jsonrpc":"2.0","id":1,"result":true}`)
	p.send(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse error"}}`)
	p.send(t, `{"jsonrpc":"2.0","id":2,"method":"add","params":[2,2]}`)

	if r := p.recv(t); string(r.ID) != "2" {
		t.Fatalf("expect only the reply to request 2, got %+v", r)
	}
}

func TestRequestsRunConcurrently(t *testing.T) {
	srv := NewServer()
	release := make(chan struct{})
	srv.Register("slow", func(ctx context.Context, params json.RawMessage) (any, error) {
		<-release
		return "slow", nil
	})
	srv.Register("fast", func(ctx context.Context, params json.RawMessage) (any, error) {
		return "fast", nil
	})
	p := serve(t, srv)

	p.send(t, `{"jsonrpc":"2.0","id":1,"method":"slow"}`)
	p.send(t, `{"jsonrpc":"2.0","id":2,"method":"fast"}`)
	if r := p.recv(t); string(r.ID) != "2" {
		t.Fatalf("fast request should not wait behind slow one, got id %s", r.ID)
	}
	close(release)
	if r := p.recv(t); string(r.ID) != "1" || string(r.Result) != `"slow"` {
		t.Fatalf("unexpected reply %+v", r)
	}
}

func TestRegisterService(t *testing.T) {
	srv := NewServer()
	if err := srv.RegisterService(&Arith{}); err != nil {
		t.Fatal(err)
	}
	if srv.Methods() != 2 {
		t.Fatalf("expect 2 methods, got %d", srv.Methods())
	}
	p := serve(t, srv)

	p.send(t, `{"jsonrpc":"2.0","id":1,"method":"Arith.Add","params":{"A":1,"B":2}}`)
	if r := p.recv(t); string(r.Result) != `{"Result":3}` {
		t.Fatalf("expect {\"Result\":3}, got %s", r.Result)
	}
	p.send(t, `{"jsonrpc":"2.0","id":2,"method":"Arith.Div","params":{"A":1,"B":0}}`)
	if r := p.recv(t); r.Error == nil || r.Error.Code != message.CodeInvalidParams {
		t.Fatalf("expect invalid params, got %+v", r)
	}

	if err := srv.RegisterService(Arith{}); err == nil {
		t.Fatal("expect error for non-pointer receiver")
	}
}

func TestRegister(t *testing.T) {
	srv := NewServer()
	noop := func(ctx context.Context, params json.RawMessage) (any, error) { return 1, nil }

	if err := srv.Register("rpc.ping", noop); !errors.Is(err, message.ErrReservedMethod) {
		t.Fatalf("expect ErrReservedMethod, got %v", err)
	}
	if err := srv.Register("", noop); err == nil {
		t.Fatal("expect error for empty method")
	}
	if err := srv.Register("x", nil); err == nil {
		t.Fatal("expect error for nil handler")
	}

	srv.Register("v", noop)
	srv.Register("v", func(ctx context.Context, params json.RawMessage) (any, error) { return 2, nil })
	p := serve(t, srv)
	p.send(t, `{"jsonrpc":"2.0","id":1,"method":"v"}`)
	if r := p.recv(t); string(r.Result) != "2" {
		t.Fatalf("re-registering should replace the handler, got %s", r.Result)
	}

	srv.Unregister("v")
	p.send(t, `{"jsonrpc":"2.0","id":2,"method":"v"}`)
	if r := p.recv(t); r.Error == nil || r.Error.Code != message.CodeMethodNotFound {
		t.Fatalf("expect method not found, got %+v", r)
	}
}

func TestMiddlewareSeesRequest(t *testing.T) {
	srv := newArithServer(t)
	var seen []string
	srv.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, method string, params json.RawMessage) (any, error) {
			seen = append(seen, method)
			return next(ctx, method, params)
		}
	})
	p := serve(t, srv)

	p.send(t, `{"jsonrpc":"2.0","id":1,"method":"add","params":[1,2]}`)
	p.recv(t)
	if strings.Join(seen, ",") != "add" {
		t.Fatalf("middleware saw %v", seen)
	}
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	srv := NewServer()
	started := make(chan struct{})
	release := make(chan struct{})
	srv.Register("work", func(ctx context.Context, params json.RawMessage) (any, error) {
		close(started)
		<-release
		return "done", nil
	})
	p := serve(t, srv)

	p.send(t, `{"jsonrpc":"2.0","id":1,"method":"work"}`)
	<-started

	shut := make(chan error, 1)
	go func() { shut <- srv.Shutdown(5 * time.Second) }()
	select {
	case err := <-shut:
		t.Fatalf("Shutdown returned before the handler finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if r := p.recv(t); string(r.Result) != `"done"` {
		t.Fatalf("unexpected reply %+v", r)
	}
	if err := <-shut; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	a, _ := net.Pipe()
	if err := srv.Serve(context.Background(), transport.NewStream(a, a)); !errors.Is(err, ErrServerClosed) {
		t.Fatalf("expect ErrServerClosed, got %v", err)
	}
}

func TestShutdownTimeoutCancelsHandlers(t *testing.T) {
	srv := NewServer()
	cancelled := make(chan struct{})
	srv.Register("stuck", func(ctx context.Context, params json.RawMessage) (any, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	})
	p := serve(t, srv)

	p.send(t, `{"jsonrpc":"2.0","method":"stuck"}`)
	time.Sleep(20 * time.Millisecond)

	if err := srv.Shutdown(50 * time.Millisecond); err == nil {
		t.Fatal("expect a timeout error")
	}
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("handler context was not cancelled")
	}
}

func TestShutdownWaitsForTimedOutHandler(t *testing.T) {
	srv := NewServer()
	srv.Use(middleware.Timeout(20 * time.Millisecond))
	release := make(chan struct{})
	finished := make(chan struct{})
	srv.Register("slow", func(ctx context.Context, params json.RawMessage) (any, error) {
		defer close(finished)
		<-release
		return nil, nil
	})
	p := serve(t, srv)

	p.send(t, `{"jsonrpc":"2.0","id":1,"method":"slow"}`)
	if r := p.recv(t); r.Error == nil || r.Error.Code != message.CodeRequestTimeout {
		t.Fatalf("expect a timeout error, got %+v", r)
	}

	shut := make(chan error, 1)
	go func() { shut <- srv.Shutdown(5 * time.Second) }()
	select {
	case err := <-shut:
		t.Fatalf("Shutdown returned while the timed-out handler was still running: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-shut; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-finished:
	default:
		t.Fatal("Shutdown returned before the handler did")
	}
}

type discardSender struct{}

func (discardSender) Send(context.Context, message.Message) error { return nil }

func TestSessionCloseDetachesFromServer(t *testing.T) {
	srv := NewServer()
	sess := srv.NewSession(context.Background(), discardSender{})
	sess.Close()

	if sess.stop() {
		t.Fatal("Close must stop the shutdown hook")
	}
	select {
	case <-sess.ctx.Done():
	default:
		t.Fatal("Close must cancel the session context")
	}
}
