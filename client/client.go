// Package client issues JSON-RPC calls over a transport.
//
// Many goroutines may call concurrently over one transport. Each request
// gets a unique id and a slot in the Pending table before it is written;
// the transport's read goroutine routes every response to the slot with
// the matching id, in whatever order the peer answers.
//
//	goroutine-1 ──Call(id=1)──┐
//	goroutine-2 ──Call(id=2)──┼──→ transport ──→ peer
//	goroutine-3 ──Call(id=3)──┘
//
//	HandleMessage: ←── response(id=2) → pending[2] → goroutine-2 wakes up
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mini-jsonrpc/codec"
	"mini-jsonrpc/logging"
	"mini-jsonrpc/message"
	"mini-jsonrpc/protocol"
	"mini-jsonrpc/server"
	"mini-jsonrpc/transport"
)

// IDGenerator produces request ids. Ids must not repeat while a request
// with the same id is pending.
type IDGenerator func() message.ID

// SequentialIDs returns a generator of increasing numeric ids starting at 1.
func SequentialIDs() IDGenerator {
	var seq atomic.Int64
	return func() message.ID { return message.NumberID(seq.Add(1)) }
}

// UUIDGenerator returns a generator of random string ids, for peers that
// see requests from several clients.
func UUIDGenerator() IDGenerator {
	return func() message.ID { return message.StringID(uuid.NewString()) }
}

type options struct {
	ids        IDGenerator
	codec      codec.Codec
	logger     zerolog.Logger
	maxPending int
	timeout    time.Duration
	dispatcher *server.Server
}

// Option configures a Client.
type Option func(*options)

// WithIDGenerator replaces the default sequential ids.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithCodec sets the codec for params and results.
func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithLogger sets the logger; the default is the "client" component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMaxPending bounds the number of outstanding calls; Call fails with
// ErrTooManyPending beyond it. 0 means unbounded.
func WithMaxPending(n int) Option {
	return func(o *options) { o.maxPending = n }
}

// WithTimeout applies d to calls whose context has no deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithDispatcher serves requests and notifications sent by the peer with
// srv. Without one they are answered with "method not found".
func WithDispatcher(srv *server.Server) Option {
	return func(o *options) { o.dispatcher = srv }
}

// Client is safe for concurrent use.
type Client struct {
	t       transport.Transport
	pending *Pending
	ids     IDGenerator
	codec   codec.Codec
	logger  zerolog.Logger
	timeout time.Duration
	session *server.Session // nil without a dispatcher
}

// NewClient wraps t, which must not be started yet. When t closes, every
// outstanding call fails with an error wrapping transport.ErrClosed.
func NewClient(t transport.Transport, opts ...Option) *Client {
	o := options{
		ids:    SequentialIDs(),
		codec:  codec.Default,
		logger: logging.Component("client"),
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		t:       t,
		pending: NewPending(o.maxPending, o.logger),
		ids:     o.ids,
		codec:   o.codec,
		logger:  o.logger,
		timeout: o.timeout,
	}
	if o.dispatcher != nil {
		c.session = o.dispatcher.NewSession(context.Background(), t)
	}
	t.OnClose(func(cause error) {
		if c.session != nil {
			c.session.Close()
		}
		if n := c.pending.Close(transport.ClosedError(cause)); n > 0 {
			c.logger.Debug().Int("pending", n).Err(cause).Msg("failed pending calls")
		}
	})
	return c
}

// Start begins reading replies.
func (c *Client) Start() error {
	return c.t.Start(c)
}

// Call sends a request and waits for its reply. The result is decoded into
// reply unless reply is nil. An error response is returned as
// *message.Error. If ctx ends first the call is abandoned and a late reply
// is dropped.
func (c *Client) Call(ctx context.Context, method string, params, reply any) error {
	if c.timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
	}

	raw, err := c.marshalParams(params)
	if err != nil {
		return err
	}
	id := c.ids()
	req := &message.Request{Method: method, Params: raw, ID: id}

	// Register before sending so a fast reply still finds its slot.
	slot, err := c.pending.Register(id)
	if err != nil {
		return err
	}
	if err := c.t.Send(ctx, req); err != nil {
		c.pending.Cancel(id)
		return err
	}

	select {
	case res := <-slot:
		if res.Err != nil {
			return res.Err
		}
		switch m := res.Msg.(type) {
		case *message.ErrorResponse:
			return m.Error
		case *message.Response:
			if reply == nil {
				return nil
			}
			if err := c.codec.Unmarshal(m.Result, reply); err != nil {
				return fmt.Errorf("decode result of %s: %w", method, err)
			}
			return nil
		default:
			return fmt.Errorf("unexpected reply %T", res.Msg)
		}
	case <-ctx.Done():
		c.pending.Cancel(id)
		return ctx.Err()
	}
}

// Notify sends a notification; no reply is expected.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	raw, err := c.marshalParams(params)
	if err != nil {
		return err
	}
	return c.t.Send(ctx, &message.Notification{Method: method, Params: raw})
}

func (c *Client) marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := c.codec.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}

// Close closes the transport; pending calls fail with transport.ErrClosed.
func (c *Client) Close() error {
	return c.t.Close()
}

// Done is closed when the underlying transport is closed.
func (c *Client) Done() <-chan struct{} { return c.t.Done() }

// Pending returns the number of calls waiting for a reply.
func (c *Client) Pending() int { return c.pending.Len() }

// HandleMessage routes inbound messages: responses settle pending calls,
// requests and notifications go to the dispatcher.
func (c *Client) HandleMessage(msg message.Message) {
	switch m := msg.(type) {
	case *message.Response, *message.ErrorResponse:
		c.pending.Resolve(msg)
	case *message.Request:
		if c.session != nil {
			c.session.HandleMessage(m)
			return
		}
		go func() {
			resp := message.NewErrorResponse(&m.ID, message.Errorf(message.CodeMethodNotFound, "method not found: %s", m.Method))
			if err := c.t.Send(context.Background(), resp); err != nil {
				c.logger.Debug().Err(err).Msg("reply not delivered")
			}
		}()
	case *message.Notification:
		if c.session != nil {
			c.session.HandleMessage(m)
			return
		}
		c.logger.Debug().Str("method", m.Method).Msg("ignoring notification")
	}
}

// HandleFrameError lets the dispatcher answer malformed requests.
func (c *Client) HandleFrameError(fe *protocol.FrameError) {
	if c.session != nil {
		c.session.HandleFrameError(fe)
	}
}
