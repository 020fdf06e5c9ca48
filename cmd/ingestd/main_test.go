package main

import (
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtaci/ingest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testPool(t *testing.T, limiter *ingest.PathLimiter, access ingest.AccessLogger) (*ingest.Pool, string) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)
	addr := ln.Addr().String()
	ln.Close()

	cfg := ingest.DefaultConfig()
	cfg.Sessions = 1
	cfg.PollInterval = 10 * time.Millisecond
	cfg.StorageDir = t.TempDir()
	cfg.Logger = log.New(ioutil.Discard, "", 0)

	pool := ingest.NewTCPPool(addr, cfg, handler(newRouter(), limiter), access)
	require.Nil(t, pool.Start())
	t.Cleanup(pool.Shutdown)
	return pool, addr
}

func post(t *testing.T, addr, path, contentType, body string) string {
	conn, err := net.Dial("tcp", addr)
	require.Nil(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	fmt.Fprintf(conn, "POST %s HTTP/1.1\r\nHost: test\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n%s",
		path, contentType, len(body), body)
	reply, err := ioutil.ReadAll(conn)
	require.Nil(t, err)
	return string(reply)
}

func TestFormRoute(t *testing.T) {
	_, addr := testPool(t, nil, nil)

	reply := post(t, addr, "/form", "application/x-www-form-urlencoded", "name=Alice&tag=x&tag=y")
	assert.True(t, strings.HasPrefix(reply, "HTTP/1.1 200 OK"), reply)
	assert.Contains(t, reply, `name=["Alice"]`)
	assert.Contains(t, reply, `tag=["x" "y"]`)

	reply = post(t, addr, "/missing", "application/x-www-form-urlencoded", "a=1")
	assert.True(t, strings.HasPrefix(reply, "HTTP/1.1 404"), reply)
}

func TestUploadRoute(t *testing.T) {
	_, addr := testPool(t, nil, nil)

	body := "--XYZ\r\n" +
		"Content-Disposition: form-data; name=\"upload\"; filename=\"a.txt\"\r\n" +
		"Content-Type: text/plain\r\n\r\n" +
		"0123456789\r\n" +
		"--XYZ--\r\n"
	reply := post(t, addr, "/upload", "multipart/form-data; boundary=XYZ", body)
	assert.Contains(t, reply, `upload "a.txt" overflow 10`)

	reply = post(t, addr, "/upload", "multipart/form-data; boundary=XYZ", "garbage--XYZ\r\n")
	assert.True(t, strings.HasPrefix(reply, "HTTP/1.1 400"), reply)
}

func TestRateLimitedRoute(t *testing.T) {
	limiter, err := ingest.ParsePathLimiter(strings.NewReader("^/form$\n1\n"))
	require.Nil(t, err)
	_, addr := testPool(t, limiter, nil)

	reply := post(t, addr, "/form", "application/x-www-form-urlencoded", "a=1")
	assert.True(t, strings.HasPrefix(reply, "HTTP/1.1 200"), reply)
	reply = post(t, addr, "/form", "application/x-www-form-urlencoded", "a=1")
	assert.True(t, strings.HasPrefix(reply, "HTTP/1.1 429"), reply)
}

func TestAdmin(t *testing.T) {
	hub := newAccessHub()
	access := ingest.NewQueueLogger(hub, ingest.DefaultLogFormat())
	defer access.Close()
	pool, addr := testPool(t, nil, access)

	server := httptest.NewServer(newAdmin(pool, hub))
	defer server.Close()

	assert.Eventually(t, func() bool {
		res, err := http.Get(server.URL + "/healthz")
		if err != nil {
			return false
		}
		res.Body.Close()
		return res.StatusCode == http.StatusOK
	}, time.Second, 10*time.Millisecond)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/access"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Nil(t, err)
	defer conn.Close()
	assert.Eventually(t, func() bool { return hub.tails() == 1 }, time.Second, 5*time.Millisecond)

	post(t, addr, "/form", "application/x-www-form-urlencoded", "a=1")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, line, err := conn.ReadMessage()
	require.Nil(t, err)
	assert.Contains(t, string(line), `"POST /form HTTP/1.1" 200`)

	var status []sessionStatus
	require.Eventually(t, func() bool {
		res, err := http.Get(server.URL + "/sessions")
		if err != nil {
			return false
		}
		defer res.Body.Close()
		status = nil
		if err := json.NewDecoder(res.Body).Decode(&status); err != nil {
			return false
		}
		return len(status) == 1 && status[0].Served == 1 && status[0].State == "listening"
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, addr, status[0].Addr)
}

func TestAccessHubDropsSlowTail(t *testing.T) {
	hub := newAccessHub()
	ch := hub.subscribe()
	for i := 0; i < tailBacklog+10; i++ {
		io.WriteString(hub, "line\n")
	}
	assert.Len(t, ch, tailBacklog)
	hub.unsubscribe(ch)
	assert.Equal(t, 0, hub.tails())
}
