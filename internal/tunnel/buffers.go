package tunnel

import (
	"io"
	"sync"
)

// RelayBufferSize caps a single relay read at 10KB.
const RelayBufferSize = 10240

var relayBufs = sync.Pool{
	New: func() interface{} {
		b := make([]byte, RelayBufferSize)
		return &b
	},
}

// CopyWithBuffer copies src to dst until src ends or either side fails, reading
// at most RelayBufferSize bytes at a time. It returns the bytes written and the
// first error other than io.EOF.
//
// Both ends are hidden behind plain wrappers so io.CopyBuffer always goes
// through the buffer instead of ReadFrom or WriteTo.
func CopyWithBuffer(dst io.Writer, src io.Reader) (int64, error) {
	b := relayBufs.Get().(*[]byte)
	defer relayBufs.Put(b)
	return io.CopyBuffer(struct{ io.Writer }{dst}, struct{ io.Reader }{src}, *b)
}
