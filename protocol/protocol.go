// Package protocol implements newline-delimited framing for JSON-RPC messages.
//
// JSON values are not self-delimiting on a byte stream, so every message is
// written as one line of UTF-8 text:
//
//	{"jsonrpc":"2.0","method":"add","params":{"a":2,"b":3},"id":7}\n
//	{"jsonrpc":"2.0","id":7,"result":5}\r\n      (a trailing \r is tolerated)
//
// A reader may see any chunking of that stream: half a line, several lines,
// or a split in the middle of a multi-byte character. Decoder accumulates
// bytes and hands out one message per complete line.
package protocol

import (
	"errors"
	"fmt"
	"io"

	"mini-jsonrpc/message"
)

// Delimiter terminates every frame.
const Delimiter byte = '\n'

var (
	// ErrIncomplete means no complete line is buffered yet.
	ErrIncomplete = errors.New("protocol: incomplete frame")
	// ErrLineTooLong means the buffered partial line exceeded the limit.
	ErrLineTooLong = errors.New("protocol: line too long")
)

// FrameError describes a line that was consumed but could not be turned
// into a message. The line is already removed from the decoder.
type FrameError struct {
	Line []byte
	Err  error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("protocol: dropped frame: %v", e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// AppendFrame appends the wire form of msg, including the delimiter, to dst.
func AppendFrame(dst []byte, msg message.Message) ([]byte, error) {
	body, err := message.Marshal(msg)
	if err != nil {
		return dst, err
	}
	dst = append(dst, body...)
	return append(dst, Delimiter), nil
}

// Encode writes one complete frame to w with a single Write call.
// The caller must serialize concurrent writers sharing w, otherwise lines
// from different messages could interleave.
func Encode(w io.Writer, msg message.Message) error {
	frame, err := AppendFrame(nil, msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	return nil
}
