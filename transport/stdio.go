package transport

import (
	"io"
	"os"
)

// NewStdio returns a transport over the current process's standard input
// and output. The process streams themselves are never closed; Close only
// stops the transport.
func NewStdio(opts ...Option) *Stream {
	o := buildOptions(append([]Option{WithName("stdio")}, opts...))
	return newStream(struct{ io.Reader }{os.Stdin}, struct{ io.Writer }{os.Stdout}, o)
}
