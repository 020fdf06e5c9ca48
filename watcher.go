package ingest

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/xtaci/gaio"
)

// WatcherSource drives a connection through a gaio watcher. Every read and
// write is submitted to the watcher and completed through WaitIO, so the
// session goroutine never sits in a blocking syscall of its own.
type WatcherSource struct {
	watcher  *gaio.Watcher
	conn     net.Conn
	deadline time.Time
	left     []byte // bytes of a completed read not yet handed out
	eof      bool
}

// NewWatcherSource creates a watcher dedicated to conn.
func NewWatcherSource(conn net.Conn) (*WatcherSource, error) {
	watcher, err := gaio.NewWatcher()
	if err != nil {
		return nil, err
	}
	ws := new(WatcherSource)
	ws.watcher = watcher
	ws.conn = conn
	return ws, nil
}

func (ws *WatcherSource) SetReadDeadline(t time.Time) error {
	ws.deadline = t
	return nil
}

func (ws *WatcherSource) Available() int { return len(ws.left) }

func (ws *WatcherSource) Read(p []byte) (int, bool, error) {
	if len(ws.left) > 0 {
		n := copy(p, ws.left)
		ws.left = ws.left[n:]
		return n, false, nil
	}
	if ws.eof {
		return 0, true, nil
	}

	var err error
	if ws.deadline.IsZero() {
		err = ws.watcher.Read(ws, ws.conn, p)
	} else {
		err = ws.watcher.ReadTimeout(ws, ws.conn, p, ws.deadline)
	}
	if err != nil {
		return 0, false, err
	}

	res, err := ws.await(gaio.OpRead)
	if err != nil {
		return 0, false, err
	}
	switch res.Error {
	case nil:
	case io.EOF:
		ws.eof = true
		return 0, true, nil
	case gaio.ErrDeadline:
		return 0, false, ErrTimeout
	default:
		return 0, false, res.Error
	}

	// the watcher may have used its swap buffer
	n := copy(p, res.Buffer[:res.Size])
	if n < res.Size {
		ws.left = append(ws.left[:0], res.Buffer[n:res.Size]...)
	}
	return n, false, nil
}

// Write submits p and waits for the completion, as the async processor
// does for responses.
func (ws *WatcherSource) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := ws.watcher.Write(ws, ws.conn, p); err != nil {
		return 0, err
	}
	res, err := ws.await(gaio.OpWrite)
	if err != nil {
		return 0, err
	}
	if res.Error != nil {
		return res.Size, res.Error
	}
	return res.Size, nil
}

// Close frees the connection from the watcher and stops it.
func (ws *WatcherSource) Close() error {
	err := ws.watcher.Free(ws.conn)
	if cerr := ws.watcher.Close(); err == nil {
		err = cerr
	}
	return err
}

func (ws *WatcherSource) await(op gaio.OpType) (gaio.OpResult, error) {
	for {
		// loop wait for any IO events
		results, err := ws.watcher.WaitIO()
		if err != nil {
			return gaio.OpResult{}, errors.Wrap(err, "watcher")
		}
		for _, res := range results {
			if res.Operation == op && res.Context == ws {
				return res, nil
			}
		}
	}
}
