package ingest

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/http/httpguts"
)

// Request is the per-request context handed to body parsing. Header is
// populated before the body is touched and lookups are case-insensitive.
type Request struct {
	Method     string
	RequestURI string
	Proto      string
	URL        *url.URL
	Header     http.Header

	Source     Source
	StorageDir string

	Params    *ParameterTable
	Fragments []*Fragment

	consumed bool
}

// NewRequest builds a request over an already populated header map.
func NewRequest(header http.Header, src Source, storageDir string) *Request {
	if header == nil {
		header = make(http.Header)
	}
	return &Request{Header: header, Source: src, StorageDir: storageDir}
}

// ContentLength returns the declared body length, or -1 when absent or invalid.
func (r *Request) ContentLength() int64 {
	cl := strings.TrimSpace(r.Header.Get("Content-Length"))
	if cl == "" {
		return -1
	}
	n, err := strconv.ParseInt(cl, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

func (r *Request) ContentType() string { return r.Header.Get("Content-Type") }

// Consumed reports whether the body stream has been handed to a parser.
func (r *Request) Consumed() bool { return r.consumed }

// ParseBody parses the body once. Partial results stay in r.Params and
// r.Fragments even when an error is returned. A second call fails with a
// StateError until Reset is called.
func (r *Request) ParseBody(ctx context.Context, p *Parser) error {
	if r.consumed {
		return &StateError{Op: "body already consumed"}
	}
	r.consumed = true
	if p == nil {
		p = defaultParser
	}
	params, fragments, err := p.Parse(ctx, r.Source, r.ContentLength(), r.ContentType(), r.StorageDir)
	r.Params = params
	r.Fragments = fragments
	return err
}

// Param returns the first value of a parameter, or "".
func (r *Request) Param(name string) string {
	if r.Params == nil {
		return ""
	}
	v, _ := r.Params.Get(name)
	return v
}

// Fragment returns the first fragment carrying the given part name.
func (r *Request) Fragment(name string) *Fragment {
	for _, frag := range r.Fragments {
		if strings.EqualFold(frag.Name, name) {
			return frag
		}
	}
	return nil
}

// Reset re-arms ParseBody, for callers that rewound the body stream.
func (r *Request) Reset() {
	r.consumed = false
	r.Params = nil
	r.Fragments = nil
}

// Cleanup removes the overflow files of all fragments.
func (r *Request) Cleanup() {
	for _, frag := range r.Fragments {
		frag.Discard()
	}
}

// splitRequestLine splits "POST /upload HTTP/1.1" into its three parts.
func splitRequestLine(line string) (method, requestURI, proto string, ok bool) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// ReadHead reads a request line and its header block from b, leaving the
// body unread in b. It is the adapter used when a session has to build a
// Request from raw socket bytes.
func ReadHead(b *bufio.Reader) (*Request, error) {
	tp := textproto.NewReader(b)
	line, err := tp.ReadLine()
	if err != nil {
		return nil, err // io.EOF: the client sent nothing
	}

	req := new(Request)
	var ok bool
	if req.Method, req.RequestURI, req.Proto, ok = splitRequestLine(line); !ok {
		return nil, errors.Errorf("malformed request line %q", line)
	}
	if req.Method == "" || strings.IndexFunc(req.Method, isNotToken) >= 0 {
		return nil, errors.Errorf("invalid method %q", req.Method)
	}
	if _, _, ok = http.ParseHTTPVersion(req.Proto); !ok {
		return nil, errors.Errorf("malformed HTTP version %q", req.Proto)
	}
	if req.URL, err = url.ParseRequestURI(req.RequestURI); err != nil {
		return nil, errors.Wrap(err, "request uri")
	}

	header, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, unexpectedEOF(err)
	}
	req.Header = http.Header(header)
	return req, nil
}

func isNotToken(r rune) bool { return !httpguts.IsTokenRune(r) }

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
