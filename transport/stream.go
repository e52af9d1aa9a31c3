package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"mini-jsonrpc/logging"
	"mini-jsonrpc/message"
	"mini-jsonrpc/protocol"
)

const (
	stateCreated int32 = iota
	stateStarted
	stateClosed
)

const defaultReadSize = 32 * 1024

type options struct {
	logger   zerolog.Logger
	maxLine  int
	readSize int
	name     string
	subproc  subprocessOptions
}

// Option configures a transport.
type Option func(*options)

// WithLogger sets the logger; the default is the global "transport" logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMaxLineBytes bounds a single inbound line. A peer exceeding it is
// treated as a transport failure.
func WithMaxLineBytes(n int) Option {
	return func(o *options) { o.maxLine = n }
}

// WithReadSize sets the size of each read from the inbound side.
func WithReadSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.readSize = n
		}
	}
}

// WithName labels log lines of this transport.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

func buildOptions(opts []Option) options {
	o := options{readSize: defaultReadSize, name: "stream"}
	o.logger = logging.Component("transport")
	o.subproc = defaultSubprocessOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With().Str("transport", o.name).Logger()
	return o
}

// Stream is a transport over any reader/writer pair: pipes, a net.Conn,
// or the process's own standard streams.
type Stream struct {
	r        io.Reader
	w        io.Writer
	closers  []io.Closer
	dec      *protocol.Decoder
	readSize int
	logger   zerolog.Logger

	state   atomic.Int32
	dropped atomic.Uint64
	writeMu sync.Mutex

	mu        sync.Mutex
	hooks     []func(error)
	closed    bool
	closeErr  error
	closeOnce sync.Once
	done      chan struct{}
	readDone  chan struct{}
}

// NewStream builds a transport reading frames from r and writing to w.
// Whichever of r and w implement io.Closer are closed by Close.
func NewStream(r io.Reader, w io.Writer, opts ...Option) *Stream {
	return newStream(r, w, buildOptions(opts))
}

func newStream(r io.Reader, w io.Writer, o options) *Stream {
	s := &Stream{
		r:        r,
		w:        w,
		dec:      protocol.NewDecoder(o.maxLine),
		readSize: o.readSize,
		logger:   o.logger,
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	if c, ok := w.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}
	if c, ok := r.(io.Closer); ok && !sameObject(r, w) {
		s.closers = append(s.closers, c)
	}
	return s
}

// sameObject reports whether r and w are the same value, e.g. one net.Conn
// passed for both sides.
func sameObject(r io.Reader, w io.Writer) bool {
	if r == nil || w == nil {
		return false
	}
	if reflect.TypeOf(r) != reflect.TypeOf(w) || !reflect.TypeOf(r).Comparable() {
		return false
	}
	return any(r) == any(w)
}

// Start launches the read loop delivering inbound messages to recv.
func (s *Stream) Start(recv Receiver) error {
	if recv == nil {
		return fmt.Errorf("transport: nil receiver")
	}
	if !s.state.CompareAndSwap(stateCreated, stateStarted) {
		if s.state.Load() == stateClosed {
			return ErrClosed
		}
		return ErrAlreadyStarted
	}
	go s.readLoop(recv)
	return nil
}

// Send writes msg as one frame, blocking until the sink accepts it.
func (s *Stream) Send(ctx context.Context, msg message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := protocol.AppendFrame(nil, msg)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	if s.state.Load() == stateClosed {
		s.writeMu.Unlock()
		return ErrClosed
	}
	_, err = s.w.Write(frame)
	s.writeMu.Unlock()

	if err != nil {
		if s.state.Load() == stateClosed {
			return ErrClosed
		}
		cause := fmt.Errorf("write: %w", err)
		s.closeWith(cause)
		return ClosedError(cause)
	}
	return nil
}

// Close stops the transport and closes the underlying streams.
func (s *Stream) Close() error {
	return s.closeWith(nil)
}

// OnClose registers fn to run once with the close cause.
func (s *Stream) OnClose(fn func(cause error)) {
	s.mu.Lock()
	if s.closed {
		cause := s.closeErr
		s.mu.Unlock()
		fn(cause)
		return
	}
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// Done is closed once the transport is closed.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err returns the close cause, or nil while open or after a local Close.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// Dropped returns how many inbound lines were rejected by the decoder.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }

func (s *Stream) closeWith(cause error) error {
	var err error
	s.closeOnce.Do(func() {
		s.state.Store(stateClosed)

		s.mu.Lock()
		s.closed = true
		s.closeErr = cause
		hooks := s.hooks
		s.hooks = nil
		s.mu.Unlock()

		var errs []error
		for _, c := range s.closers {
			if cerr := c.Close(); cerr != nil && !errors.Is(cerr, io.ErrClosedPipe) {
				errs = append(errs, cerr)
			}
		}
		err = errors.Join(errs...)
		close(s.done)

		if cause == nil {
			s.logger.Debug().Msg("transport closed")
		} else {
			s.logger.Info().Err(cause).Msg("transport closed")
		}
		for _, fn := range hooks {
			fn(cause)
		}
	})
	return err
}

// readLoop is the only goroutine touching the decoder.
func (s *Stream) readLoop(recv Receiver) {
	defer close(s.readDone)
	defer s.dec.Clear()

	buf := make([]byte, s.readSize)
	for {
		n, err := s.r.Read(buf)
		if n > 0 {
			s.dec.Append(buf[:n])
			if derr := s.drain(recv); derr != nil {
				s.closeWith(derr)
				return
			}
		}
		if err != nil {
			if s.dec.Buffered() > 0 {
				s.logger.Debug().Int("bytes", s.dec.Buffered()).Msg("discarding partial line")
			}
			if errors.Is(err, io.EOF) {
				s.closeWith(io.EOF)
			} else {
				s.closeWith(fmt.Errorf("read: %w", err))
			}
			return
		}
	}
}

func (s *Stream) drain(recv Receiver) error {
	for {
		msg, err := s.dec.Next()
		if err == nil {
			if s.state.Load() == stateClosed {
				return nil
			}
			recv.HandleMessage(msg)
			continue
		}

		var fe *protocol.FrameError
		switch {
		case errors.As(err, &fe):
			s.dropped.Store(s.dec.Dropped())
			s.logger.Warn().
				Err(fe.Err).
				Uint64("dropped", s.dec.Dropped()).
				Msg("dropping malformed frame")
			if h, ok := recv.(FrameErrorHandler); ok {
				h.HandleFrameError(fe)
			}
		case errors.Is(err, protocol.ErrIncomplete):
			return nil
		default:
			return err
		}
	}
}
