package ingest

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// Source is the byte stream a body is parsed from.
//
// Read returns eof=true once the stream has ended; n may be 0 with
// eof=false and a nil error when no data is pending yet. Available is a
// best-effort hint and may be 0 while data is in flight.
type Source interface {
	Read(p []byte) (n int, eof bool, err error)
	Available() int
}

// deadliner is implemented by sources able to bound a blocking read.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// ConnSource returns a Source reading conn through br, so any surplus
// beyond the body stays buffered for the next request. br may be nil.
func ConnSource(conn net.Conn, br *bufio.Reader) Source {
	if br == nil {
		br = bufio.NewReader(conn)
	}
	return &bufferedSource{br: br, dl: conn}
}

type readResult struct {
	n   int
	err error
}

// readerSource adapts a plain blocking io.Reader such as stdin. Reads run in
// a helper goroutine so that a deadline can be honored; a read that outlives
// its deadline is picked up by the next call instead of being lost.
type readerSource struct {
	r        io.Reader
	mu       sync.Mutex
	deadline time.Time
	pending  chan readResult
	buf      []byte // target of the pending read
	left     []byte // completed bytes not yet handed out
	eof      bool
}

// ReaderSource returns a Source over a blocking reader. After a timeout the
// helper goroutine stays parked in r.Read until r returns; the returned
// source implements io.Closer, which closes r when it is an io.Closer so a
// caller giving up on the parse can release it. A reader that cannot be
// closed, such as a stdin that never ends, keeps one goroutine alive.
func ReaderSource(r io.Reader) Source {
	return &readerSource{r: r}
}

// RequestSource returns a Source over the body of a framework request.
func RequestSource(req *http.Request) Source {
	if req == nil || req.Body == nil {
		return ReaderSource(http.NoBody)
	}
	return ReaderSource(req.Body)
}

func (s *readerSource) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *readerSource) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.deadline = t
	s.mu.Unlock()
	return nil
}

func (s *readerSource) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.left)
}

func (s *readerSource) Read(p []byte) (int, bool, error) {
	s.mu.Lock()
	if len(s.left) > 0 {
		n := copy(p, s.left)
		s.left = s.left[n:]
		s.mu.Unlock()
		return n, false, nil
	}
	if s.eof {
		s.mu.Unlock()
		return 0, true, nil
	}
	if s.pending == nil {
		s.buf = make([]byte, len(p))
		ch := make(chan readResult, 1)
		s.pending = ch
		go func(buf []byte) {
			n, err := s.r.Read(buf)
			ch <- readResult{n, err}
		}(s.buf)
	}
	pending := s.pending
	deadline := s.deadline
	s.mu.Unlock()

	var expired <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case res := <-pending:
		s.mu.Lock()
		defer s.mu.Unlock()
		s.pending = nil
		n := copy(p, s.buf[:res.n])
		s.left = s.buf[n:res.n]
		if res.err == io.EOF {
			s.eof = true
			if n == 0 && len(s.left) == 0 {
				return 0, true, nil
			}
			return n, false, nil
		}
		return n, false, res.err
	case <-expired:
		return 0, false, ErrTimeout
	}
}
