package ingest

import (
	"bufio"
	"context"
	"io/ioutil"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestParseOnce(t *testing.T) {
	body := "a=1&b=2"
	header := make(http.Header)
	header.Set("content-length", strconv.Itoa(len(body)))
	header.Set("CONTENT-TYPE", formType)

	req := NewRequest(header, newMemSource(body, 0), "")
	assert.Equal(t, int64(len(body)), req.ContentLength())
	assert.Equal(t, formType, req.ContentType())

	require.Nil(t, req.ParseBody(context.Background(), nil))
	assert.True(t, req.Consumed())
	assert.Equal(t, "1", req.Param("a"))

	err := req.ParseBody(context.Background(), nil)
	_, ok := err.(*StateError)
	assert.True(t, ok)
	assert.Equal(t, "2", req.Param("b"), "results survive a rejected re-parse")

	req.Reset()
	req.Source = newMemSource(body, 0)
	assert.Nil(t, req.ParseBody(context.Background(), nil))
	assert.Equal(t, "2", req.Param("b"))
}

func TestRequestContentLength(t *testing.T) {
	req := NewRequest(nil, nil, "")
	assert.Equal(t, int64(-1), req.ContentLength())
	req.Header.Set("Content-Length", "abc")
	assert.Equal(t, int64(-1), req.ContentLength())
	req.Header.Set("Content-Length", " 42 ")
	assert.Equal(t, int64(42), req.ContentLength())
}

func TestRequestFragments(t *testing.T) {
	dir := tempDir(t)
	body := multipartBody()
	header := make(http.Header)
	header.Set("Content-Length", strconv.Itoa(len(body)))
	header.Set("Content-Type", "multipart/form-data; boundary=XYZ")

	req := NewRequest(header, newMemSource(body, 0), dir)
	require.Nil(t, req.ParseBody(context.Background(), &Parser{ChunkSize: 4}))
	assert.Equal(t, "Hello", req.Param("title"))

	upload := req.Fragment("UPLOAD")
	require.NotNil(t, upload)
	assert.Equal(t, ModeOverflow, upload.Mode)
	assert.Nil(t, req.Fragment("missing"))

	req.Cleanup()
	files, err := ioutil.ReadDir(dir)
	assert.Nil(t, err)
	assert.Empty(t, files)
}

func TestRequestKeptOverflowFiles(t *testing.T) {
	dir := tempDir(t)
	body := multipartBody()
	header := make(http.Header)
	header.Set("Content-Length", strconv.Itoa(len(body)))
	header.Set("Content-Type", "multipart/form-data; boundary=XYZ")

	paths := make(map[string]bool)
	for i := 0; i < 20; i++ {
		req := NewRequest(header, newMemSource(body, 0), dir)
		require.Nil(t, req.ParseBody(context.Background(), nil), "upload %d", i)
		upload := req.Fragment("upload")
		require.NotNil(t, upload)
		assert.False(t, paths[upload.Path])
		paths[upload.Path] = true
	}

	files, err := ioutil.ReadDir(dir)
	assert.Nil(t, err)
	assert.Len(t, files, 20)
}

func TestReadHead(t *testing.T) {
	raw := "POST /upload?x=1 HTTP/1.1\r\n" +
		"Host: 127.0.0.1\r\n" +
		"Content-Type: application/x-www-form-urlencoded\r\n" +
		"Content-Length: 3\r\n" +
		"\r\n" +
		"a=1"
	br := bufio.NewReader(strings.NewReader(raw))
	req, err := ReadHead(br)
	require.Nil(t, err)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "/upload", req.URL.Path)
	assert.Equal(t, "HTTP/1.1", req.Proto)
	assert.Equal(t, int64(3), req.ContentLength())

	rest, _ := ioutil.ReadAll(br)
	assert.Equal(t, "a=1", string(rest))
}

func TestReadHeadMalformed(t *testing.T) {
	for _, raw := range []string{
		"GARBAGE\r\n\r\n",
		"P(ST / HTTP/1.1\r\n\r\n",
		"GET / HTTX/1.1\r\n\r\n",
		"GET / HTTP/1.1\r\nHost: x\r\n",
	} {
		_, err := ReadHead(bufio.NewReader(strings.NewReader(raw)))
		assert.NotNil(t, err, raw)
	}
}
