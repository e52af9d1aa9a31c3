package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mini-jsonrpc/message"
	"mini-jsonrpc/server"
)

// addParams accepts both [a, b] and {"a": a, "b": b}.
type addParams struct {
	A, B float64
}

func (p *addParams) UnmarshalJSON(data []byte) error {
	var pair []float64
	if err := json.Unmarshal(data, &pair); err == nil {
		if len(pair) != 2 {
			return fmt.Errorf("expected 2 operands, got %d", len(pair))
		}
		p.A, p.B = pair[0], pair[1]
		return nil
	}
	var named struct {
		A *float64 `json:"a"`
		B *float64 `json:"b"`
	}
	if err := json.Unmarshal(data, &named); err != nil {
		return err
	}
	if named.A == nil || named.B == nil {
		return fmt.Errorf("expected operands a and b")
	}
	p.A, p.B = *named.A, *named.B
	return nil
}

type sleepParams struct {
	Ms int `json:"ms"`
}

func add(ctx context.Context, p addParams) (float64, error) {
	return p.A + p.B, nil
}

func echo(ctx context.Context, params json.RawMessage) (any, error) {
	if len(params) == 0 {
		return nil, nil
	}
	return params, nil
}

// sleep waits for the given number of milliseconds, or until the request is
// cancelled.
func sleep(ctx context.Context, p sleepParams) (int, error) {
	if p.Ms < 0 {
		return 0, message.NewError(message.CodeInvalidParams, "ms must not be negative")
	}
	timer := time.NewTimer(time.Duration(p.Ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return p.Ms, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func registerDemo(srv *server.Server) error {
	if err := srv.Register("add", server.Typed(add)); err != nil {
		return err
	}
	if err := srv.Register("echo", echo); err != nil {
		return err
	}
	return srv.Register("sleep", server.Typed(sleep))
}
