package runtime

import (
	"io"
	"sync"
)

// Calls a function once the wrapped reader reports io.EOF.
type eofReader struct {
	r    io.Reader
	once sync.Once
	fn   func()
}

// Wraps r so that fn runs once on the first io.EOF.
//
// Other errors leave fn uncalled.
func onEOF(r io.Reader, fn func()) io.Reader {
	return &eofReader{r: r, fn: fn}
}

func (e *eofReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err == io.EOF {
		e.once.Do(e.fn)
	}
	return n, err
}
