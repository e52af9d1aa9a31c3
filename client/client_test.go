package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"mini-jsonrpc/logging"
	"mini-jsonrpc/message"
	"mini-jsonrpc/server"
	"mini-jsonrpc/transport"
)

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

func newArithServer(t testing.TB) *server.Server {
	t.Helper()
	srv := server.NewServer()
	if err := srv.RegisterService(&Arith{}); err != nil {
		t.Fatal(err)
	}
	err := srv.Register("add", server.Typed(func(ctx context.Context, p [2]int) (int, error) {
		return p[0] + p[1], nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	return srv
}

// connect serves srv on one end of a pipe and returns a started client on
// the other.
func connect(t testing.TB, srv *server.Server, opts ...Option) *Client {
	t.Helper()
	a, b := net.Pipe()
	go srv.Serve(context.Background(), transport.NewStream(a, a))

	c := NewClient(transport.NewStream(b, b), opts...)
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// fakePeer is the raw far end of a client's transport.
type fakePeer struct {
	conn net.Conn
	r    *bufio.Reader
}

func connectFake(t *testing.T, opts ...Option) (*Client, *fakePeer) {
	t.Helper()
	a, b := net.Pipe()
	c := NewClient(transport.NewStream(a, a), opts...)
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		c.Close()
		b.Close()
	})
	return c, &fakePeer{conn: b, r: bufio.NewReader(b)}
}

func (p *fakePeer) readRequest(t *testing.T) *message.Request {
	t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := p.r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	msg, err := message.Parse(line)
	if err != nil {
		t.Fatal(err)
	}
	req, ok := msg.(*message.Request)
	if !ok {
		t.Fatalf("expect a request, got %T", msg)
	}
	return req
}

func (p *fakePeer) write(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(p.conn, line+"\n"); err != nil {
		t.Fatal(err)
	}
}

func TestMain(m *testing.M) {
	if os.Getenv("MINIRPC_CLIENT_HELPER") == "1" {
		runHelperServer()
		os.Exit(0)
	}
	logging.ConfigureTests()
	os.Exit(m.Run())
}

func TestCallAdd(t *testing.T) {
	c := connect(t, newArithServer(t))

	var sum int
	if err := c.Call(context.Background(), "add", []int{2, 3}, &sum); err != nil {
		t.Fatal(err)
	}
	if sum != 5 {
		t.Fatalf("expect 5, got %d", sum)
	}

	reply := &Reply{}
	if err := c.Call(context.Background(), "Arith.Add", &Args{A: 10, B: 20}, reply); err != nil {
		t.Fatal(err)
	}
	if reply.Result != 30 {
		t.Fatalf("expect 30, got %v", reply.Result)
	}
}

func TestCallErrors(t *testing.T) {
	c := connect(t, newArithServer(t))

	err := c.Call(context.Background(), "subtract", []int{1, 2}, nil)
	var rpcErr *message.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != message.CodeMethodNotFound {
		t.Fatalf("expect method not found, got %v", err)
	}

	err = c.Call(context.Background(), "add", "not an array", nil)
	if !errors.As(err, &rpcErr) || rpcErr.Code != message.CodeInvalidParams {
		t.Fatalf("expect invalid params, got %v", err)
	}

	var wrongType string
	if err := c.Call(context.Background(), "add", []int{1, 1}, &wrongType); err == nil {
		t.Fatal("expect a decode error for a mismatched reply type")
	}
}

func TestConcurrentCalls(t *testing.T) {
	c := connect(t, newArithServer(t))

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var sum int
			if err := c.Call(context.Background(), "add", []int{i, i}, &sum); err != nil {
				errs <- err
				return
			}
			if sum != 2*i {
				errs <- fmt.Errorf("call %d: expect %d, got %d", i, 2*i, sum)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if c.Pending() != 0 {
		t.Fatalf("expect no pending calls, got %d", c.Pending())
	}
}

func TestRepliesInReverseOrder(t *testing.T) {
	c, peer := connectFake(t)

	results := make(chan string, 2)
	for _, method := range []string{"first", "second"} {
		go func(method string) {
			var got string
			if err := c.Call(context.Background(), method, nil, &got); err != nil {
				got = err.Error()
			}
			results <- method + "=" + got
		}(method)
	}

	reqs := []*message.Request{peer.readRequest(t), peer.readRequest(t)}
	for i := len(reqs) - 1; i >= 0; i-- {
		resp, _ := message.NewResponse(reqs[i].ID, reqs[i].Method)
		line, _ := message.Marshal(resp)
		peer.write(t, string(line))
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		seen[<-results] = true
	}
	if !seen["first=first"] || !seen["second=second"] {
		t.Fatalf("replies were not matched by id: %v", seen)
	}
}

func TestTransportCloseFailsPending(t *testing.T) {
	c, peer := connectFake(t)

	done := make(chan error, 1)
	go func() { done <- c.Call(context.Background(), "never", nil, nil) }()
	peer.readRequest(t)
	if c.Pending() != 1 {
		t.Fatalf("expect 1 pending call, got %d", c.Pending())
	}

	peer.conn.Close()
	select {
	case err := <-done:
		if !errors.Is(err, transport.ErrClosed) || !errors.Is(err, io.EOF) {
			t.Fatalf("expect ErrClosed wrapping EOF, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending call was not failed on close")
	}

	if err := c.Call(context.Background(), "again", nil, nil); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expect ErrClosed after close, got %v", err)
	}
}

func TestCallContextCancelRemovesSlot(t *testing.T) {
	c, peer := connectFake(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Call(ctx, "slow", nil, nil) }()
	req := peer.readRequest(t)

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expect context.Canceled, got %v", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("cancelled call left %d pending slots", c.Pending())
	}

	// The late reply is dropped and the client keeps working.
	resp, _ := message.NewResponse(req.ID, "late")
	line, _ := message.Marshal(resp)
	peer.write(t, string(line))

	go func() { done <- c.Call(context.Background(), "next", nil, nil) }()
	next := peer.readRequest(t)
	peer.write(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":null}`, mustJSON(t, next.ID)))
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestCallTimeoutOption(t *testing.T) {
	c, peer := connectFake(t, WithTimeout(50*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- c.Call(context.Background(), "slow", nil, nil) }()
	peer.readRequest(t)
	if err := <-done; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect deadline exceeded, got %v", err)
	}
}

func TestUUIDIDs(t *testing.T) {
	c, peer := connectFake(t, WithIDGenerator(UUIDGenerator()))

	go c.Call(context.Background(), "x", nil, nil)
	req := peer.readRequest(t)
	if !req.ID.IsString() || len(req.ID.String()) != 36 {
		t.Fatalf("expect a uuid string id, got %q", req.ID.String())
	}
}

func TestMaxPending(t *testing.T) {
	c, peer := connectFake(t, WithMaxPending(1))

	go c.Call(context.Background(), "first", nil, nil)
	peer.readRequest(t)
	if err := c.Call(context.Background(), "second", nil, nil); !errors.Is(err, ErrTooManyPending) {
		t.Fatalf("expect ErrTooManyPending, got %v", err)
	}
}

func TestErrorResponseKeepsData(t *testing.T) {
	c, peer := connectFake(t)

	done := make(chan error, 1)
	go func() { done <- c.Call(context.Background(), "x", nil, nil) }()
	req := peer.readRequest(t)
	peer.write(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"error":{"code":-32050,"message":"busy","data":{"retry":3}}}`, mustJSON(t, req.ID)))

	var rpcErr *message.Error
	if err := <-done; !errors.As(err, &rpcErr) {
		t.Fatalf("expect *message.Error, got %v", err)
	}
	if rpcErr.Code != -32050 || string(rpcErr.Data) != `{"retry":3}` {
		t.Fatalf("unexpected error %+v", rpcErr)
	}
}

func TestNotify(t *testing.T) {
	srv := server.NewServer()
	got := make(chan string, 1)
	srv.Register("log", server.Typed(func(ctx context.Context, line string) (any, error) {
		got <- line
		return nil, nil
	}))
	c := connect(t, srv)

	if err := c.Notify(context.Background(), "log", "hello"); err != nil {
		t.Fatal(err)
	}
	select {
	case line := <-got:
		if line != "hello" {
			t.Fatalf("expect hello, got %q", line)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification never arrived")
	}
}

func TestPeerRequests(t *testing.T) {
	// Without a dispatcher the client refuses requests from its peer.
	_, peer := connectFake(t)
	peer.write(t, `{"jsonrpc":"2.0","id":"p1","method":"ping"}`)
	peer.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := peer.r.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "{\"jsonrpc\":\"2.0\",\"id\":\"p1\",\"error\":{\"code\":-32601,\"message\":\"method not found: ping\"}}\n" {
		t.Fatalf("unexpected reply %q", line)
	}

	// With one, they are served.
	srv := server.NewServer()
	srv.Register("ping", func(ctx context.Context, params json.RawMessage) (any, error) {
		return "pong", nil
	})
	_, peer = connectFake(t, WithDispatcher(srv))
	peer.write(t, `{"jsonrpc":"2.0","id":"p2","method":"ping"}`)
	peer.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err = peer.r.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "{\"jsonrpc\":\"2.0\",\"id\":\"p2\",\"result\":\"pong\"}\n" {
		t.Fatalf("unexpected reply %q", line)
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}
