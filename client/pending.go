package client

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"mini-jsonrpc/message"
)

var (
	// ErrDuplicateID is returned when an id is registered while an earlier
	// request with the same id is still waiting.
	ErrDuplicateID = errors.New("duplicate request id")
	// ErrTooManyPending is returned once the configured bound is reached.
	ErrTooManyPending = errors.New("too many pending requests")
)

// Result settles one pending request: either the peer's reply (a
// *message.Response or *message.ErrorResponse) or Err when the request
// failed locally.
type Result struct {
	Msg message.Message
	Err error
}

// Pending is the correlation table: outstanding request ids mapped to the
// slot their caller is waiting on. Every slot is settled exactly once, by
// Resolve, Cancel or Close.
type Pending struct {
	mu     sync.Mutex
	slots  map[string]chan Result // id.Key() → slot, buffered so settling never blocks
	max    int                    // 0 means unbounded
	closed error                  // set by Close; later registrations fail with it
	logger zerolog.Logger
}

// NewPending returns an empty table holding at most max requests (0 for
// no bound).
func NewPending(max int, logger zerolog.Logger) *Pending {
	return &Pending{
		slots:  make(map[string]chan Result),
		max:    max,
		logger: logger,
	}
}

// Register reserves a slot for id. It must be called before the request is
// sent, so a reply arriving before Send returns still finds it.
func (p *Pending) Register(id message.ID) (<-chan Result, error) {
	if !id.Valid() {
		return nil, errors.New("request id must not be null")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed != nil {
		return nil, p.closed
	}
	key := id.Key()
	if _, ok := p.slots[key]; ok {
		return nil, ErrDuplicateID
	}
	if p.max > 0 && len(p.slots) >= p.max {
		return nil, ErrTooManyPending
	}
	ch := make(chan Result, 1)
	p.slots[key] = ch
	return ch, nil
}

// Resolve settles the slot matching a response's id and reports whether
// one was waiting. Replies for unknown, late or duplicate ids are dropped.
func (p *Pending) Resolve(msg message.Message) bool {
	var id *message.ID
	switch m := msg.(type) {
	case *message.Response:
		id = &m.ID
	case *message.ErrorResponse:
		id = m.ID
		if id == nil {
			p.logger.Warn().Int("code", m.Error.Code).Str("error", m.Error.Message).
				Msg("peer reported an error without id")
			return false
		}
	default:
		return false
	}

	p.mu.Lock()
	ch, ok := p.slots[id.Key()]
	delete(p.slots, id.Key())
	p.mu.Unlock()

	if !ok {
		p.logger.Debug().Str("id", id.String()).Msg("dropping response for unknown id")
		return false
	}
	ch <- Result{Msg: msg}
	return true
}

// Cancel drops the slot for id without settling it; the caller has
// stopped waiting. A reply arriving later is treated as unknown.
func (p *Pending) Cancel(id message.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.slots[id.Key()]; !ok {
		return false
	}
	delete(p.slots, id.Key())
	return true
}

// FailAll settles every outstanding slot with err and returns how many
// there were. The table stays usable.
func (p *Pending) FailAll(err error) int {
	p.mu.Lock()
	slots := p.slots
	p.slots = make(map[string]chan Result)
	p.mu.Unlock()

	for _, ch := range slots {
		ch <- Result{Err: err}
	}
	return len(slots)
}

// Close fails every outstanding slot with err and makes later Register
// calls fail with it too.
func (p *Pending) Close(err error) int {
	p.mu.Lock()
	p.closed = err
	p.mu.Unlock()
	return p.FailAll(err)
}

// Len returns the number of outstanding requests.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}
