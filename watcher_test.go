package ingest

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func watcherPair(t *testing.T) (*WatcherSource, net.Conn) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.Nil(t, err)
	server, err := ln.Accept()
	require.Nil(t, err)

	ws, err := NewWatcherSource(server)
	require.Nil(t, err)
	return ws, client
}

func TestWatcherSourceReadWrite(t *testing.T) {
	ws, client := watcherPair(t)
	defer client.Close()
	defer ws.Close()

	_, err := io.WriteString(client, "ping")
	require.Nil(t, err)

	buf := make([]byte, 16)
	var got []byte
	for len(got) < 4 {
		n, eof, err := ws.Read(buf)
		require.Nil(t, err)
		require.False(t, eof)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, "ping", string(got))

	n, err := ws.Write([]byte("pong"))
	assert.Nil(t, err)
	assert.Equal(t, 4, n)

	reply := make([]byte, 4)
	client.SetReadDeadline(time.Now().Add(time.Second))
	_, err = io.ReadFull(client, reply)
	assert.Nil(t, err)
	assert.Equal(t, "pong", string(reply))

	client.Close()
	var eof bool
	for !eof {
		_, eof, err = ws.Read(buf)
		require.Nil(t, err)
	}
}

func TestWatcherSourceTimeout(t *testing.T) {
	ws, client := watcherPair(t)
	defer client.Close()
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(30 * time.Millisecond))
	start := time.Now()
	_, _, err := ws.Read(make([]byte, 8))
	assert.Equal(t, ErrTimeout, err)
	assert.True(t, IsTimeout(err))
	assert.True(t, time.Since(start) >= 25*time.Millisecond)
}
