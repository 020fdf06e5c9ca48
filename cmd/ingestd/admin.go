package main

import (
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/xtaci/ingest"
)

const tailBacklog = 64

// accessHub fans access lines out to websocket tails. A slow tail loses
// lines instead of stalling the access logger.
type accessHub struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

func newAccessHub() *accessHub {
	return &accessHub{subs: make(map[chan []byte]struct{})}
}

func (h *accessHub) Write(p []byte) (int, error) {
	line := append([]byte(nil), p...)
	h.mu.Lock()
	for ch := range h.subs {
		select {
		case ch <- line:
		default:
		}
	}
	h.mu.Unlock()
	return len(p), nil
}

func (h *accessHub) subscribe() chan []byte {
	ch := make(chan []byte, tailBacklog)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *accessHub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (h *accessHub) tails() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

type sessionStatus struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	Served      int64  `json:"served"`
	Transitions int64  `json:"transitions"`
	Addr        string `json:"addr,omitempty"`
}

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

// newAdmin builds the status surface of a pool:
//   GET /sessions  per-session state and counters
//   GET /healthz   number of available sessions, 503 when none
//   GET /access    websocket stream of access lines
func newAdmin(pool *ingest.Pool, hub *accessHub) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/sessions", func(c *gin.Context) {
		sessions := pool.Sessions()
		sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID() < sessions[j].ID() })
		status := make([]sessionStatus, 0, len(sessions))
		for _, s := range sessions {
			st := sessionStatus{
				ID:          s.ID(),
				State:       s.State().String(),
				Served:      s.Served(),
				Transitions: s.Transitions(),
			}
			if addr := s.Addr(); addr != nil {
				st.Addr = addr.String()
			}
			status = append(status, st)
		}
		c.JSON(http.StatusOK, status)
	})

	r.GET("/healthz", func(c *gin.Context) {
		n := pool.Available()
		code := http.StatusOK
		if n == 0 {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"available": n})
	})

	r.GET("/access", func(c *gin.Context) {
		tailAccess(hub, c.Writer, c.Request)
	})
	return r
}

func tailAccess(hub *accessHub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("access tail:", err)
		return
	}
	defer conn.Close()

	ch := hub.subscribe()
	defer hub.unsubscribe(ch)

	// drain control frames, the tail never expects data
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case line := <-ch:
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
