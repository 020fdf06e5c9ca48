package ingest

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// State is the lifecycle state of a session.
type State int32

const (
	StateNew State = iota
	StateListening
	StateBusy
	StateIsolating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateListening:
		return "listening"
	case StateBusy:
		return "busy"
	case StateIsolating:
		return "isolating"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Handler processes one request on an exchange. Errors and panics are
// logged and never end the session.
type Handler func(ex *Exchange) error

// endpoint is the accept or receive side of a session.
type endpoint interface {
	// next waits until deadline for a client, returning nil, nil when the
	// poll slice elapsed without one.
	next(s *Session, deadline time.Time) (*Exchange, error)
	// finish releases the per-request streams.
	finish(ex *Exchange) error
	close() error
	network() string
	addr() net.Addr
}

// Session owns one listening socket and serves its clients one after
// another until it is isolated or destroyed.
type Session struct {
	id      string
	cfg     *Config
	handler Handler
	access  AccessLogger
	parser  *Parser

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	ep         endpoint // nil once retired
	current    *Exchange
	lastActive time.Time
	isolatedAt time.Time
	isolated   int32
	served     int64
	cycles     int64
}

func newSession(id string, ep endpoint, cfg *Config, handler Handler, access AccessLogger) (*Session, error) {
	if handler == nil {
		return nil, ErrHandlerEmpty
	}
	cfg = cfg.normalize()
	s := new(Session)
	s.id = id
	s.cfg = cfg
	s.handler = handler
	s.access = access
	s.ep = ep
	s.parser = &Parser{
		ChunkSize:   cfg.ChunkSize,
		IdleTimeout: cfg.IdleTimeout,
		Namer:       NewNamer(id),
		Logger:      cfg.Logger,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.lastActive = time.Now()
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the listening address, or nil once retired.
func (s *Session) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ep == nil {
		return nil
	}
	return s.ep.addr()
}

// Served returns the number of requests handled so far.
func (s *Session) Served() int64 { return atomic.LoadInt64(&s.served) }

// Transitions returns how many times the session left BUSY.
func (s *Session) Transitions() int64 { return atomic.LoadInt64(&s.cycles) }

// Parser returns the body parser configured for this session.
func (s *Session) Parser() *Parser { return s.parser }

// Isolate asks the session to stop once no client is pending. An in-flight
// request is not interrupted. Safe from any goroutine.
func (s *Session) Isolate() {
	if atomic.CompareAndSwapInt32(&s.isolated, 0, 1) {
		s.mu.Lock()
		s.isolatedAt = time.Now()
		s.mu.Unlock()
	}
}

func (s *Session) Isolated() bool { return atomic.LoadInt32(&s.isolated) == 1 }

// Available reports whether the session is listening with no client and is
// not isolated. A session idle past its timeout is destroyed on the spot.
func (s *Session) Available() bool {
	s.mu.Lock()
	if s.state != StateListening || s.current != nil || s.Isolated() {
		s.mu.Unlock()
		return false
	}
	expired := s.cfg.IdleTimeout > 0 && time.Since(s.lastActive) > s.cfg.IdleTimeout
	s.mu.Unlock()

	if expired {
		s.cfg.Logger.Printf("session %s: idle past %v, retiring", s.id, s.cfg.IdleTimeout)
		s.Destroy()
		return false
	}
	return true
}

// Stuck reports an isolated session that has not closed within grace.
func (s *Session) Stuck(grace time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Isolated() || s.state == StateClosed || s.state == StateBusy {
		return false
	}
	return time.Since(s.isolatedAt) > grace
}

// Serve runs the accept/receive loop until the session is isolated or its
// socket fails. It returns nil on isolation and destruction.
func (s *Session) Serve() error {
	s.mu.Lock()
	if s.state != StateNew {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.state = StateListening
	s.mu.Unlock()

	for {
		if s.Isolated() {
			s.retire()
			return nil
		}

		s.mu.Lock()
		ep := s.ep
		s.mu.Unlock()
		if ep == nil {
			return nil
		}

		ex, err := ep.next(s, time.Now().Add(s.cfg.PollInterval))
		if err != nil {
			if s.State() == StateClosed {
				return nil
			}
			s.cfg.Logger.Printf("session %s: %s endpoint failed: %v", s.id, ep.network(), err)
			s.Destroy()
			return errors.Wrap(err, "session "+s.id)
		}
		if ex == nil {
			s.checkIdle()
			continue
		}
		s.busy(ep, ex)
	}
}

// checkIdle isolates a session flagged to retire after one idle period.
func (s *Session) checkIdle() {
	if !s.cfg.IsolateOnIdle || s.cfg.IdleTimeout <= 0 {
		return
	}
	s.mu.Lock()
	idle := time.Since(s.lastActive)
	s.mu.Unlock()
	if idle > s.cfg.IdleTimeout {
		s.Isolate()
	}
}

func (s *Session) busy(ep endpoint, ex *Exchange) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		ex.closeStreams(s.cfg.Logger)
		return
	}
	s.state = StateBusy
	s.current = ex
	s.mu.Unlock()

	err := s.invoke(ex)
	if IsTimeout(err) {
		ex.timedOut = true
	}
	if ferr := ep.finish(ex); ferr != nil && err == nil {
		err = ferr
	}
	if err != nil {
		s.cfg.Logger.Printf("session %s: request from %v failed: %v", s.id, ex.Remote, err)
	}
	if s.access != nil {
		s.access.Register(s.cfg.LogFormat.Format(ex.entry(err)))
	}

	atomic.AddInt64(&s.served, 1)
	atomic.AddInt64(&s.cycles, 1)
	if ex.timedOut && s.cfg.IsolateOnIdle {
		s.Isolate()
	}

	s.mu.Lock()
	s.current = nil
	s.lastActive = time.Now()
	if s.state != StateClosed {
		if s.Isolated() {
			s.state = StateIsolating
		} else {
			s.state = StateListening
		}
	}
	s.mu.Unlock()
}

// invoke runs the handler, turning a panic into an error.
func (s *Session) invoke(ex *Exchange) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return s.handler(ex)
}

// retire closes the listening socket after isolation.
func (s *Session) retire() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	ep := s.ep
	s.ep = nil
	s.state = StateClosed
	s.mu.Unlock()

	s.cancel()
	if ep != nil {
		if err := ep.close(); err != nil {
			s.cfg.Logger.Printf("session %s: close listener: %v", s.id, err)
		}
	}
}

// Destroy forces the session closed: the listening handle is cleared and the
// streams of an attached client are closed output first, then input, then
// the socket. A failing close does not stop the next one.
func (s *Session) Destroy() {
	atomic.StoreInt32(&s.isolated, 1)
	s.mu.Lock()
	if s.isolatedAt.IsZero() {
		s.isolatedAt = time.Now()
	}
	ep := s.ep
	s.ep = nil
	ex := s.current
	s.state = StateClosed
	s.mu.Unlock()

	s.cancel()
	if ex != nil {
		ex.closeStreams(s.cfg.Logger)
	}
	if ep != nil {
		if err := ep.close(); err != nil {
			s.cfg.Logger.Printf("session %s: close listener: %v", s.id, err)
		}
	}
}

// Exchange is the per-request context handed to a Handler.
type Exchange struct {
	Session *Session
	Conn    net.Conn // nil for datagrams
	Remote  net.Addr
	Reader  *bufio.Reader
	Writer  *bufio.Writer
	Source  Source
	Start   time.Time

	// Status and RequestLine feed the access log.
	Status      int
	RequestLine string

	ctx      context.Context
	in       *countingReader
	out      *countingWriter
	closers  [3]io.Closer  // raw output, input, socket
	reply    *bytes.Buffer // datagram reply
	closed   int32
	timedOut bool
}

func newExchange(s *Session, remote net.Addr, r io.Reader, w io.Writer, dl deadliner) *Exchange {
	ex := new(Exchange)
	ex.Session = s
	ex.Remote = remote
	ex.Start = time.Now()
	ex.ctx = s.ctx
	ex.in = &countingReader{r: r}
	ex.out = &countingWriter{w: w}
	ex.Reader = bufio.NewReader(ex.in)
	ex.Writer = bufio.NewWriter(ex.out)
	ex.Source = &bufferedSource{br: ex.Reader, dl: dl}
	return ex
}

// Context is cancelled when the session is destroyed.
func (ex *Exchange) Context() context.Context { return ex.ctx }

// ReadRequest reads the request head and returns a Request whose body is
// the rest of this exchange's stream.
func (ex *Exchange) ReadRequest() (*Request, error) {
	req, err := ReadHead(ex.Reader)
	if err != nil {
		return nil, err
	}
	ex.RequestLine = req.Method + " " + req.RequestURI + " " + req.Proto
	req.Source = ex.Source
	req.StorageDir = ex.Session.cfg.StorageDir
	return req, nil
}

// ParseBody parses req with the session's parser.
func (ex *Exchange) ParseBody(req *Request) error {
	return req.ParseBody(ex.ctx, ex.Session.parser)
}

func (ex *Exchange) entry(err error) *AccessEntry {
	return &AccessEntry{
		Session:  ex.Session.id,
		Remote:   ex.Remote,
		Start:    ex.Start,
		Duration: time.Since(ex.Start),
		Request:  ex.RequestLine,
		Status:   ex.Status,
		BytesIn:  ex.in.n,
		BytesOut: ex.out.n,
		Err:      err,
	}
}

// closeStreams closes output, input and socket once, each independently.
// It only touches the raw streams, never Reader or Writer, since Destroy may
// run while the handler still uses them; finish flushes before calling it.
func (ex *Exchange) closeStreams(logger interface{ Printf(string, ...interface{}) }) {
	if !atomic.CompareAndSwapInt32(&ex.closed, 0, 1) {
		return
	}
	for _, c := range ex.closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && logger != nil {
			logger.Printf("session %s: close: %v", ex.Session.id, err)
		}
	}
}

// bufferedSource reads a body through the exchange's buffered reader.
type bufferedSource struct {
	br *bufio.Reader
	dl deadliner
}

func (bs *bufferedSource) Read(p []byte) (int, bool, error) {
	n, err := bs.br.Read(p)
	if err == io.EOF {
		return n, true, nil
	}
	return n, false, err
}

func (bs *bufferedSource) Available() int { return bs.br.Buffered() }

func (bs *bufferedSource) SetReadDeadline(t time.Time) error {
	if bs.dl == nil {
		return nil
	}
	return bs.dl.SetReadDeadline(t)
}

// sourceReader turns a Source back into an io.Reader.
type sourceReader struct {
	src Source
}

func (r sourceReader) Read(p []byte) (int, error) {
	n, eof, err := r.src.Read(p)
	if err != nil {
		return n, err
	}
	if eof && n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// idleReader arms a fresh read deadline before every read, so the idle
// timeout slides with each successful read.
type idleReader struct {
	r    io.Reader
	dl   deadliner
	idle time.Duration
}

func (ir *idleReader) Read(p []byte) (int, error) {
	if ir.idle > 0 && ir.dl != nil {
		ir.dl.SetReadDeadline(time.Now().Add(ir.idle))
	}
	return ir.r.Read(p)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
