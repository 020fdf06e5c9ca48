package ingest

import (
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/eapache/queue"
)

// AccessLogger receives one formatted line per completed or failed request.
type AccessLogger interface {
	Register(message string)
}

// LogFormat carries the formatting choices of access lines.
type LogFormat struct {
	TimeLayout    string
	LineSeparator string
}

func DefaultLogFormat() LogFormat {
	return LogFormat{TimeLayout: "02/Jan/2006:15:04:05 -0700", LineSeparator: "\n"}
}

// AccessEntry describes one request for the access log.
type AccessEntry struct {
	Session  string
	Remote   net.Addr
	Start    time.Time
	Duration time.Duration
	Request  string // request line or a protocol tag
	Status   int
	BytesIn  int64
	BytesOut int64
	Err      error
}

// Format renders an entry in a common-log flavored layout.
func (f LogFormat) Format(e *AccessEntry) string {
	remote := "-"
	if e.Remote != nil {
		remote = e.Remote.String()
	}
	request := e.Request
	if request == "" {
		request = "-"
	}
	line := fmt.Sprintf("%s %s [%s] %q %d %d %d %dms", e.Session, remote,
		e.Start.Format(f.TimeLayout), request, e.Status, e.BytesIn, e.BytesOut,
		e.Duration.Milliseconds())
	if e.Err != nil {
		line += " err=" + oneLine(e.Err.Error())
	}
	return line
}

func oneLine(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\n", " "), "\r", " ")
}

// QueueLogger serializes access lines onto a writer. Register only queues,
// a single writer goroutine does the I/O, so records never interleave and
// sessions never wait on the sink.
type QueueLogger struct {
	w      io.Writer
	sep    string
	mu     sync.Mutex
	q      *queue.Queue
	notify chan struct{}
	die    chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewQueueLogger(w io.Writer, format LogFormat) *QueueLogger {
	l := new(QueueLogger)
	l.w = w
	l.sep = format.LineSeparator
	if l.sep == "" {
		l.sep = "\n"
	}
	l.q = queue.New()
	l.notify = make(chan struct{}, 1)
	l.die = make(chan struct{})
	l.done = make(chan struct{})
	go l.writer()
	return l
}

func (l *QueueLogger) Register(message string) {
	l.mu.Lock()
	l.q.Add(message)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Close flushes queued lines and stops the writer.
func (l *QueueLogger) Close() error {
	l.once.Do(func() { close(l.die) })
	<-l.done
	return nil
}

func (l *QueueLogger) writer() {
	defer close(l.done)
	for {
		select {
		case <-l.notify:
			l.flush()
		case <-l.die:
			l.flush()
			return
		}
	}
}

func (l *QueueLogger) flush() {
	for {
		l.mu.Lock()
		if l.q.Length() == 0 {
			l.mu.Unlock()
			return
		}
		msg := l.q.Remove().(string)
		l.mu.Unlock()
		io.WriteString(l.w, msg+l.sep)
	}
}

// LoggerFunc adapts a function to AccessLogger.
type LoggerFunc func(message string)

func (f LoggerFunc) Register(message string) { f(message) }
