// Package server implements the JSON-RPC dispatcher: method registration,
// the middleware chain, per-request goroutines and graceful shutdown.
//
// Request processing pipeline:
//
//	transport read loop → Session.HandleMessage (one goroutine, stream order)
//	  → for each request: go serveRequest (parallel processing)
//	    → Middleware Chain → dispatch (handler lookup) → Codec.Marshal → Send response
//
// Notifications run the same pipeline but never produce a reply; stray
// responses are logged and dropped.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mini-jsonrpc/codec"
	"mini-jsonrpc/logging"
	"mini-jsonrpc/message"
	"mini-jsonrpc/middleware"
	"mini-jsonrpc/transport"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server closed")

// Handler serves one method. params is the raw "params" member and is nil
// when the peer sent none.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Sender is the outbound half of a transport.
type Sender interface {
	Send(ctx context.Context, msg message.Message) error
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger; the default is the "server" component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithCodec sets the codec used to marshal handler results and to decode
// params of handlers registered through Typed or RegisterService.
func WithCodec(c codec.Codec) Option {
	return func(s *Server) { s.codec = c }
}

// Server routes inbound requests and notifications to registered handlers.
// One Server may serve any number of transports at once.
type Server struct {
	mu          sync.RWMutex
	handlers    map[string]Handler      // method → handler
	middlewares []middleware.Middleware // applied in the order they were added
	chain       middleware.HandlerFunc  // middleware(middleware(...(dispatch))), nil until first use

	codec  codec.Codec
	logger zerolog.Logger

	// lifeMu orders wg.Add against Shutdown's wg.Wait.
	lifeMu     sync.Mutex
	shutdown   bool
	wg         sync.WaitGroup // in-flight handlers
	transports map[transport.Transport]struct{}

	ctx    context.Context // cancelled when Shutdown gives up waiting
	cancel context.CancelFunc
}

// NewServer creates a server with an empty method table.
func NewServer(opts ...Option) *Server {
	s := &Server{
		handlers:   make(map[string]Handler),
		codec:      codec.Default,
		logger:     logging.Component("server"),
		transports: make(map[transport.Transport]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Register binds method to h. Registering a method again replaces the
// previous handler. Names in the reserved "rpc." namespace are refused.
func (s *Server) Register(method string, h Handler) error {
	if method == "" {
		return fmt.Errorf("server: empty method name")
	}
	if message.IsReserved(method) {
		return fmt.Errorf("server: %q: %w", method, message.ErrReservedMethod)
	}
	if h == nil {
		return fmt.Errorf("server: nil handler for %q", method)
	}
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
	return nil
}

// Unregister removes method; later calls get "method not found".
func (s *Server) Unregister(method string) {
	s.mu.Lock()
	delete(s.handlers, method)
	s.mu.Unlock()
}

// Methods returns the number of registered methods.
func (s *Server) Methods() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

// Use appends a middleware. The first middleware added is the outermost.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.chain = nil
	s.mu.Unlock()
}

// handler returns the middleware chain wrapped around dispatch, building
// it once after every Use.
func (s *Server) handler() middleware.HandlerFunc {
	s.mu.RLock()
	h := s.chain
	s.mu.RUnlock()
	if h != nil {
		return h
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chain == nil {
		s.chain = middleware.Chain(s.middlewares...)(s.dispatch)
	}
	return s.chain
}

// dispatch is the innermost handler: it looks the method up and runs it.
func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	s.mu.RLock()
	h, ok := s.handlers[method]
	s.mu.RUnlock()
	if !ok {
		return nil, message.Errorf(message.CodeMethodNotFound, "method not found: %s", method)
	}
	return h(ctx, params)
}

// invoke runs the chain, turning a handler panic into an internal error.
func (s *Server) invoke(ctx context.Context, method string, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("method", method).Interface("panic", r).Msg("handler panicked")
			result, err = nil, message.Errorf(message.CodeInternalError, "handler panicked: %v", r)
		}
	}()
	return s.handler()(ctx, method, params)
}

// Serve starts t and serves it until t closes or ctx ends, in which case
// t is closed. A clean end of the inbound stream returns nil; otherwise the
// transport's close cause is returned.
func (s *Server) Serve(ctx context.Context, t transport.Transport) error {
	if !s.track(t) {
		return ErrServerClosed
	}
	defer s.untrack(t)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	causes := make(chan error, 1)
	t.OnClose(func(cause error) { causes <- cause })

	sess := s.NewSession(ctx, t)
	defer sess.Close()
	if err := t.Start(sess); err != nil {
		return err
	}

	select {
	case <-t.Done():
	case <-ctx.Done():
		t.Close()
	}
	cause := <-causes
	if cause == nil || errors.Is(cause, io.EOF) {
		return nil
	}
	return cause
}

func (s *Server) track(t transport.Transport) bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.shutdown {
		return false
	}
	s.transports[t] = struct{}{}
	return true
}

func (s *Server) untrack(t transport.Transport) {
	s.lifeMu.Lock()
	delete(s.transports, t)
	s.lifeMu.Unlock()
}

// begin registers one unit of in-flight work, failing once Shutdown has
// started.
func (s *Server) begin() bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.shutdown {
		return false
	}
	s.wg.Add(1)
	return true
}

// trackWork counts work a middleware moved off the request goroutine. It
// only runs while that request is itself counted, so the WaitGroup is
// never at zero here.
func (s *Server) trackWork() func() {
	s.wg.Add(1)
	return s.wg.Done
}

// Shutdown performs graceful shutdown:
//  1. Stop accepting work (new requests get CodeTransportClosed)
//  2. Wait for in-flight handlers to finish, up to timeout
//  3. Cancel the contexts of handlers still running and close every
//     transport being served
func (s *Server) Shutdown(timeout time.Duration) error {
	s.lifeMu.Lock()
	s.shutdown = true
	s.lifeMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
	s.cancel()

	s.lifeMu.Lock()
	open := make([]transport.Transport, 0, len(s.transports))
	for t := range s.transports {
		open = append(open, t)
	}
	s.lifeMu.Unlock()
	for _, t := range open {
		t.Close()
	}
	return err
}
