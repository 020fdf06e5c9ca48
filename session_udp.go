package ingest

import (
	"bytes"
	"net"
	"time"

	reuseport "github.com/libp2p/go-reuseport"
	"github.com/pkg/errors"
)

const maxDatagram = 64 * 1024

// udpEndpoint receives one datagram per request. The reply, if any, goes
// back as a single datagram; there is no per-request socket to close.
type udpEndpoint struct {
	pc  net.PacketConn
	buf []byte
}

// NewUDPSession creates a session serving datagrams received on pc.
func NewUDPSession(id string, pc net.PacketConn, cfg *Config, handler Handler, access AccessLogger) (*Session, error) {
	return newSession(id, &udpEndpoint{pc: pc, buf: make([]byte, maxDatagram)}, cfg, handler, access)
}

// ListenUDPSession binds addr with SO_REUSEPORT and creates a session on it.
func ListenUDPSession(id, addr string, cfg *Config, handler Handler, access AccessLogger) (*Session, error) {
	pc, err := reuseport.ListenPacket("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "listen udp")
	}
	s, err := NewUDPSession(id, pc, cfg, handler, access)
	if err != nil {
		pc.Close()
		return nil, err
	}
	return s, nil
}

func (e *udpEndpoint) network() string { return "udp" }

func (e *udpEndpoint) addr() net.Addr { return e.pc.LocalAddr() }

func (e *udpEndpoint) next(s *Session, deadline time.Time) (*Exchange, error) {
	if err := e.pc.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	n, remote, err := e.pc.ReadFrom(e.buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	payload := make([]byte, n)
	copy(payload, e.buf[:n])

	reply := new(bytes.Buffer)
	ex := newExchange(s, remote, bytes.NewReader(payload), reply, nil)
	ex.reply = reply
	return ex, nil
}

// finish sends the buffered reply back to the peer.
func (e *udpEndpoint) finish(ex *Exchange) error {
	if err := ex.Writer.Flush(); err != nil {
		return err
	}
	ex.closeStreams(ex.Session.cfg.Logger)
	if ex.reply.Len() == 0 {
		return nil
	}
	if _, err := e.pc.WriteTo(ex.reply.Bytes(), ex.Remote); err != nil {
		return errors.Wrap(err, "reply")
	}
	return nil
}

func (e *udpEndpoint) close() error { return e.pc.Close() }
