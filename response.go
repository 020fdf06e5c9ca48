package ingest

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// Response collects a handler's reply so that it can be written to the
// exchange in one go. It implements http.ResponseWriter.
type Response struct {
	header     http.Header
	statusCode int
	buf        *bytes.Buffer
}

func NewResponse() *Response {
	res := new(Response)
	res.header = make(http.Header)
	res.buf = new(bytes.Buffer)
	return res
}

func (r *Response) Header() http.Header {
	return r.header
}

func (r *Response) Write(bts []byte) (int, error) {
	if r.statusCode == 0 {
		r.statusCode = http.StatusOK
	}
	return r.buf.Write(bts)
}

func (r *Response) WriteHeader(statusCode int) {
	r.statusCode = statusCode
}

func (r *Response) StatusCode() int {
	if r.statusCode == 0 {
		return http.StatusOK
	}
	return r.statusCode
}

func (r *Response) Body() []byte { return r.buf.Bytes() }

// WriteTo writes status line, header and body. The connection is always
// announced as closing since one exchange carries one request.
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	code := r.StatusCode()
	r.header.Set("Content-Length", strconv.Itoa(r.buf.Len()))
	r.header.Set("Connection", "close")

	var head bytes.Buffer
	fmt.Fprintf(&head, "HTTP/1.1 %d %s\r\n", code, http.StatusText(code))
	if err := r.header.Write(&head); err != nil {
		return 0, err
	}
	head.WriteString("\r\n")

	n, err := w.Write(head.Bytes())
	if err != nil {
		return int64(n), err
	}
	m, err := w.Write(r.buf.Bytes())
	return int64(n + m), err
}

// Respond writes res to the exchange and records its status for the access log.
func (ex *Exchange) Respond(res *Response) error {
	ex.Status = res.StatusCode()
	_, err := res.WriteTo(ex.Writer)
	return err
}
