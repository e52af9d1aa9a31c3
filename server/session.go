package server

import (
	"context"

	"mini-jsonrpc/message"
	"mini-jsonrpc/middleware"
	"mini-jsonrpc/protocol"
)

// Session serves the messages arriving on one transport and writes replies
// through out. It implements transport.Receiver and
// transport.FrameErrorHandler.
type Session struct {
	srv    *Server
	out    Sender
	ctx    context.Context
	cancel context.CancelFunc
	stop   func() bool // detaches cancel from the server's shutdown
}

// NewSession binds the server to one outbound channel. Handler contexts
// derive from ctx and are also cancelled when Shutdown times out. Close
// the session once its transport is gone.
func (s *Server) NewSession(ctx context.Context, out Sender) *Session {
	ctx, cancel := context.WithCancel(ctx)
	ctx = middleware.WithWorkTracker(ctx, s.trackWork)
	return &Session{
		srv:    s,
		out:    out,
		ctx:    ctx,
		cancel: cancel,
		stop:   context.AfterFunc(s.ctx, cancel),
	}
}

// Close cancels the contexts of handlers still running for this session
// and releases its hold on the server.
func (ss *Session) Close() {
	ss.stop()
	ss.cancel()
}

// HandleMessage is called from the transport's read goroutine. Requests
// and notifications each get their own goroutine so a slow handler never
// holds up the stream.
func (ss *Session) HandleMessage(msg message.Message) {
	switch m := msg.(type) {
	case *message.Request:
		if !ss.srv.begin() {
			go ss.reply(m.ID, nil, message.NewError(message.CodeTransportClosed, "server is shutting down"))
			return
		}
		go ss.serveRequest(m)
	case *message.Notification:
		if !ss.srv.begin() {
			ss.srv.logger.Debug().Str("method", m.Method).Msg("notification dropped during shutdown")
			return
		}
		go ss.serveNotification(m)
	case *message.Response:
		ss.srv.logger.Debug().Str("id", m.ID.String()).Msg("stray response dropped")
	case *message.ErrorResponse:
		ss.srv.logger.Debug().Int("code", m.Error.Code).Msg("stray error response dropped")
	}
}

// HandleFrameError answers a rejected line with "invalid request" when it
// looked like a request and carried an id the peer can correlate.
func (ss *Session) HandleFrameError(fe *protocol.FrameError) {
	id, hasMethod := message.Peek(fe.Line)
	if !hasMethod || id == nil {
		return
	}
	if !ss.srv.begin() {
		return
	}
	go func() {
		defer ss.srv.wg.Done()
		ss.reply(*id, nil, message.NewError(message.CodeInvalidRequest, fe.Err.Error()))
	}()
}

func (ss *Session) serveRequest(req *message.Request) {
	defer ss.srv.wg.Done()

	ctx := middleware.WithRequestID(ss.ctx, req.ID)
	result, err := ss.srv.invoke(ctx, req.Method, req.Params)
	ss.reply(req.ID, result, err)
}

func (ss *Session) serveNotification(n *message.Notification) {
	defer ss.srv.wg.Done()

	if _, err := ss.srv.invoke(ss.ctx, n.Method, n.Params); err != nil {
		ss.srv.logger.Warn().Err(err).Str("method", n.Method).Msg("notification handler failed")
	}
}

// reply writes the response for id. The write blocks while the peer is
// not reading.
func (ss *Session) reply(id message.ID, result any, err error) {
	var msg message.Message
	if err == nil {
		raw, merr := ss.srv.codec.Marshal(result)
		if merr != nil {
			err = message.Errorf(message.CodeInternalError, "marshal result: %v", merr)
		} else {
			msg = &message.Response{Result: raw, ID: id}
		}
	}
	if err != nil {
		msg = message.NewErrorResponse(&id, message.AsError(err))
	}

	if serr := ss.out.Send(context.Background(), msg); serr != nil {
		ss.srv.logger.Debug().Err(serr).Str("id", id.String()).Msg("reply not delivered")
	}
}
