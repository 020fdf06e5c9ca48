package ingest

import (
	"io"
	"net"
	"time"

	reuseport "github.com/libp2p/go-reuseport"
	"github.com/pkg/errors"
)

type deadlineListener interface {
	net.Listener
	SetDeadline(t time.Time) error
}

// tcpEndpoint accepts one client at a time from a listening socket.
type tcpEndpoint struct {
	ln deadlineListener
}

// NewTCPSession creates a session serving clients accepted from ln.
func NewTCPSession(id string, ln net.Listener, cfg *Config, handler Handler, access AccessLogger) (*Session, error) {
	dln, ok := ln.(deadlineListener)
	if !ok {
		return nil, errors.Errorf("listener %T cannot bound accept", ln)
	}
	return newSession(id, &tcpEndpoint{ln: dln}, cfg, handler, access)
}

// ListenTCPSession binds addr with SO_REUSEPORT, so that many sessions may
// listen on the same port, and creates a session on it.
func ListenTCPSession(id, addr string, cfg *Config, handler Handler, access AccessLogger) (*Session, error) {
	ln, err := reuseport.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "listen tcp")
	}
	s, err := NewTCPSession(id, ln, cfg, handler, access)
	if err != nil {
		ln.Close()
		return nil, err
	}
	return s, nil
}

func (e *tcpEndpoint) network() string { return "tcp" }

func (e *tcpEndpoint) addr() net.Addr { return e.ln.Addr() }

func (e *tcpEndpoint) next(s *Session, deadline time.Time) (*Exchange, error) {
	if err := e.ln.SetDeadline(deadline); err != nil {
		return nil, err
	}
	conn, err := e.ln.Accept()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil // no client yet
		}
		return nil, err
	}

	idle := s.cfg.IdleTimeout
	if idle > 0 {
		conn.SetReadDeadline(time.Now().Add(idle))
	}

	var ex *Exchange
	if s.cfg.AsyncIO {
		ws, err := NewWatcherSource(conn)
		if err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "watcher")
		}
		ex = newExchange(s, conn.RemoteAddr(), &idleReader{r: sourceReader{ws}, dl: ws, idle: idle}, ws, ws)
		ex.closers = [3]io.Closer{closerFunc(func() error { return closeWrite(conn) }), ws, conn}
	} else {
		ex = newExchange(s, conn.RemoteAddr(), &idleReader{r: conn, dl: conn, idle: idle}, conn, conn)
		ex.closers = [3]io.Closer{
			closerFunc(func() error { return closeWrite(conn) }),
			closerFunc(func() error { return closeRead(conn) }),
			conn,
		}
	}
	ex.Conn = conn
	return ex, nil
}

// finish flushes the response and closes the client connection.
func (e *tcpEndpoint) finish(ex *Exchange) error {
	ferr := ex.Writer.Flush()
	ex.closeStreams(ex.Session.cfg.Logger)
	if ferr != nil {
		return errors.Wrap(ferr, "flush")
	}
	return nil
}

func (e *tcpEndpoint) close() error { return e.ln.Close() }

func closeWrite(conn net.Conn) error {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

func closeRead(conn net.Conn) error {
	if cr, ok := conn.(interface{ CloseRead() error }); ok {
		return cr.CloseRead()
	}
	return nil
}
