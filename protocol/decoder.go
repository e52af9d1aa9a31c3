package protocol

import (
	"bytes"

	"mini-jsonrpc/message"
)

// Decoder is an incremental line decoder. It is not safe for concurrent
// use; one transport owns one decoder.
type Decoder struct {
	buf     []byte
	r       int    // start of the first unconsumed line in buf
	scanned int    // bytes after r already known to hold no delimiter
	maxLine int    // 0 means unlimited
	dropped uint64 // lines consumed but rejected
}

// NewDecoder returns an empty decoder. maxLine bounds the size of a single
// line in bytes, excluding the delimiter and a trailing '\r'; 0 disables
// the bound.
func NewDecoder(maxLine int) *Decoder {
	return &Decoder{maxLine: maxLine}
}

// Append adds raw bytes to the accumulator. It accepts any input,
// including empty chunks.
func (d *Decoder) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	// Compact once the consumed prefix outweighs what is left, so every
	// byte is moved a bounded number of times.
	if d.r > 0 && d.r >= len(d.buf)-d.r {
		n := copy(d.buf, d.buf[d.r:])
		d.buf = d.buf[:n]
		d.r = 0
	}
	d.buf = append(d.buf, chunk...)
}

// Next extracts the next complete line and parses it.
//
// It returns ErrIncomplete when no newline is buffered (the partial line
// stays for the next Append) and a *FrameError when a line was consumed
// but did not hold a valid message; after a *FrameError the caller should
// call Next again, later lines may still be valid. A line exceeding the
// configured bound yields ErrLineTooLong whether or not its delimiter has
// arrived yet; the stream cannot be trusted after that.
func (d *Decoder) Next() (message.Message, error) {
	for {
		pending := d.buf[d.r:]
		i := bytes.IndexByte(pending[d.scanned:], Delimiter)
		if i < 0 {
			d.scanned = len(pending)
			if d.tooLong(trimCR(pending)) {
				return nil, ErrLineTooLong
			}
			return nil, ErrIncomplete
		}
		i += d.scanned

		line := trimCR(pending[:i])
		d.consume(i + 1)

		if d.tooLong(line) {
			return nil, ErrLineTooLong
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		msg, err := message.Parse(line)
		if err != nil {
			d.dropped++
			return nil, &FrameError{Line: bytes.Clone(line), Err: err}
		}
		return msg, nil
	}
}

// TryReadMessage returns the next valid message, silently skipping
// malformed lines. It returns false when no complete line is left.
func (d *Decoder) TryReadMessage() (message.Message, bool) {
	for {
		msg, err := d.Next()
		if err == nil {
			return msg, true
		}
		if _, ok := err.(*FrameError); ok {
			continue
		}
		return nil, false
	}
}

func (d *Decoder) tooLong(line []byte) bool {
	return d.maxLine > 0 && len(line) > d.maxLine
}

func trimCR(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		return line[:n-1]
	}
	return line
}

// consume drops the first n unconsumed bytes. Lines returned earlier may
// alias buf, so the storage is only reused by a later Append.
func (d *Decoder) consume(n int) {
	d.r += n
	d.scanned = 0
	if d.r == len(d.buf) {
		d.r = 0
		d.buf = d.buf[:0]
		if cap(d.buf) > 64*1024 {
			d.buf = nil
		}
	}
}

// Clear discards all buffered bytes.
func (d *Decoder) Clear() {
	d.buf = nil
	d.r = 0
	d.scanned = 0
}

// Buffered returns the number of bytes waiting for a delimiter.
func (d *Decoder) Buffered() int { return len(d.buf) - d.r }

// Dropped returns how many lines have been rejected so far.
func (d *Decoder) Dropped() uint64 { return d.dropped }
