package ingest

import (
	"strconv"
	"sync"
	"time"
)

// SessionFactory creates a fresh, not yet serving session.
type SessionFactory func(id string) (*Session, error)

// Pool keeps a fixed number of sessions serving. Sessions that close are
// replaced; its availability probe doubles as the idle reaper.
//
//
//  Pool -> Session 1 -> REQ1 REQ2 ... REQn
//    |---> Session 2 -> REQ1 REQ2 ... REQn
//    |---> replacement for a retired session
//
//
type Pool struct {
	die      chan struct{}
	dieOnce  sync.Once
	chClosed chan *Session
	factory  SessionFactory
	cfg      *Config
	size     int

	mu       sync.Mutex
	closed   bool
	sessions map[string]*Session
	seq      uint64
	wg       sync.WaitGroup
}

// NewPool creates a pool of size sessions built by factory.
func NewPool(size int, cfg *Config, factory SessionFactory) *Pool {
	cfg = cfg.normalize()
	if size <= 0 {
		size = cfg.Sessions
	}
	p := new(Pool)
	p.die = make(chan struct{})
	p.chClosed = make(chan *Session)
	p.factory = factory
	p.cfg = cfg
	p.size = size
	p.sessions = make(map[string]*Session)
	return p
}

// NewTCPPool creates a pool of TCP sessions sharing addr through SO_REUSEPORT.
func NewTCPPool(addr string, cfg *Config, handler Handler, access AccessLogger) *Pool {
	cfg = cfg.normalize()
	return NewPool(cfg.Sessions, cfg, func(id string) (*Session, error) {
		return ListenTCPSession(id, addr, cfg, handler, access)
	})
}

// NewUDPPool creates a pool of UDP sessions sharing addr.
func NewUDPPool(addr string, cfg *Config, handler Handler, access AccessLogger) *Pool {
	cfg = cfg.normalize()
	return NewPool(cfg.Sessions, cfg, func(id string) (*Session, error) {
		return ListenUDPSession(id, addr, cfg, handler, access)
	})
}

// Start spawns the sessions and the supervisor.
func (p *Pool) Start() error {
	for i := 0; i < p.size; i++ {
		if err := p.spawn(); err != nil {
			p.Shutdown()
			return err
		}
	}
	go p.supervisor()
	return nil
}

func (p *Pool) spawn() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.seq++
	id := strconv.FormatUint(p.seq, 10)
	p.mu.Unlock()

	s, err := p.factory(id)
	if err != nil {
		return err
	}

	// Shutdown may have started while the factory ran
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		s.Destroy()
		return ErrPoolClosed
	}
	p.sessions[id] = s
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		if err := s.Serve(); err != nil {
			p.cfg.Logger.Println(err)
		}
		select {
		case p.chClosed <- s:
		case <-p.die:
		}
	}()
	return nil
}

func (p *Pool) supervisor() {
	ticker := time.NewTicker(p.cfg.PollInterval * 4)
	defer ticker.Stop()
	grace := p.cfg.PollInterval*4 + p.cfg.IdleTimeout

	for {
		select {
		case s := <-p.chClosed:
			p.mu.Lock()
			delete(p.sessions, s.ID())
			p.mu.Unlock()
		case <-ticker.C:
			for _, s := range p.Sessions() {
				if s.Stuck(grace) {
					p.cfg.Logger.Printf("session %s: stuck after isolation, destroying", s.ID())
					s.Destroy()
					continue
				}
				s.Available()
			}
		case <-p.die:
			return
		}

		p.mu.Lock()
		missing := p.size - len(p.sessions)
		p.mu.Unlock()
		for i := 0; i < missing; i++ {
			if err := p.spawn(); err == ErrPoolClosed {
				return
			} else if err != nil {
				p.cfg.Logger.Printf("pool: replace session: %v", err)
				break
			}
		}
	}
}

// Sessions returns a snapshot of the live sessions.
func (p *Pool) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Available counts the sessions ready to accept.
func (p *Pool) Available() int {
	var n int
	for _, s := range p.Sessions() {
		if s.Available() {
			n++
		}
	}
	return n
}

// Shutdown isolates every session and waits for in-flight requests. No
// session is spawned once it has started.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.dieOnce.Do(func() { close(p.die) })
	for _, s := range p.Sessions() {
		s.Isolate()
	}
	p.wg.Wait()
}
