// Package serverpool implements C1: a set of authenticated upstream
// connections per server tier, handed out to article workers and
// reclaimed when idle (SPEC_FULL.md §4.1).
package serverpool

import (
	"io"
	"sync"
	"time"

	"github.com/NebulousLabs/errors"
	"github.com/google/uuid"
	"github.com/hexfeed/hexfeedd/persist"
	"github.com/hexfeed/hexfeedd/ratelimit"
)

// ErrPoolSaturated is returned by Acquire when every server at or below
// the requested tier is at its connection cap.
var ErrPoolSaturated = errors.New("server pool saturated")

// Dialer opens the raw transport connection to one server. The
// wire-level article transport protocol itself is out of scope
// (SPEC_FULL.md §1); Dialer is the named external collaborator that
// performs it, injected so tests can fake it.
type Dialer interface {
	Dial(host string, port int) (io.ReadWriteCloser, error)
	Authenticate(conn io.ReadWriteCloser, username, password string) error
}

// ServerConfig describes one configured upstream server.
type ServerConfig struct {
	ID          int
	Host        string
	Port        int
	Username    string
	Password    string
	Connections int
	Tier        int
}

// Connection is a pooled, rate-limited handle to one upstream server.
type Connection struct {
	ID            uuid.UUID
	ServerID      int
	rw            *ratelimit.RLReadWriter
	raw           io.ReadWriteCloser
	authenticated bool
	lastUsed      time.Time
}

// Read/Write satisfy io.ReadWriter by way of the rate-limited wrapper
// (SPEC_FULL.md §4.1's ambient detail: every pooled connection is
// wrapped in a ratelimit.RLReadWriter).
func (c *Connection) Read(p []byte) (int, error)  { return c.rw.Read(p) }
func (c *Connection) Write(p []byte) (int, error) { return c.rw.Write(p) }

type server struct {
	cfg   ServerConfig
	dialer Dialer
	mu    sync.Mutex
	free  []*Connection
	open  int
}

// Pool owns every configured server's free-list.
type Pool struct {
	mu      sync.Mutex
	servers map[int]*server
	order   []int // server ids, tier-ascending then configured order
	idle    time.Duration
	log     *persist.Logger
}

// New returns a Pool over the given servers. dialer is shared across
// all servers unless a per-server override is needed, which this
// module does not require.
func New(servers []ServerConfig, dialer Dialer, log *persist.Logger) *Pool {
	p := &Pool{
		servers: make(map[int]*server, len(servers)),
		idle:    10 * time.Minute,
		log:     log,
	}
	for _, cfg := range servers {
		p.servers[cfg.ID] = &server{cfg: cfg, dialer: dialer}
		p.order = append(p.order, cfg.ID)
	}
	return p
}

// Acquire returns the first free connection at or below tier, opening
// and authenticating a new one up to that server's configured cap. It
// never blocks and has no wait option: it returns ErrPoolSaturated at
// once if every eligible server is at capacity, and the coordinator
// retries on its own next tick.
func (p *Pool) Acquire(tier int) (*Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range p.order {
		srv := p.servers[id]
		if srv.cfg.Tier > tier {
			continue
		}
		if c := p.tryAcquireFrom(srv); c != nil {
			return c, nil
		}
	}
	return nil, ErrPoolSaturated
}

func (p *Pool) tryAcquireFrom(srv *server) *Connection {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if len(srv.free) > 0 {
		c := srv.free[len(srv.free)-1]
		srv.free = srv.free[:len(srv.free)-1]
		return c
	}
	if srv.open >= srv.cfg.Connections {
		return nil
	}
	raw, err := srv.dialer.Dial(srv.cfg.Host, srv.cfg.Port)
	if err != nil {
		if p.log != nil {
			p.log.Printf("server %d: dial failed: %v", srv.cfg.ID, err)
		}
		return nil
	}
	if err := srv.dialer.Authenticate(raw, srv.cfg.Username, srv.cfg.Password); err != nil {
		raw.Close()
		if p.log != nil {
			p.log.Printf("server %d: auth failed: %v", srv.cfg.ID, err)
		}
		return nil
	}
	srv.open++
	return &Connection{
		ID:            uuid.New(),
		ServerID:      srv.cfg.ID,
		raw:           raw,
		rw:            ratelimit.NewRLReadWriter(raw),
		authenticated: true,
		lastUsed:      time.Now(),
	}
}

// Release returns c to its server's free-list, or tears it down if
// keepAuthenticated is false.
func (p *Pool) Release(c *Connection, keepAuthenticated bool) {
	p.mu.Lock()
	srv, ok := p.servers[c.ServerID]
	p.mu.Unlock()
	if !ok {
		c.raw.Close()
		return
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if !keepAuthenticated {
		c.authenticated = false
		c.raw.Close()
		srv.open--
		return
	}
	c.lastUsed = time.Now()
	srv.free = append(srv.free, c)
}

// CloseIdle closes free connections unused beyond the pool's idle
// window. Called once per second from the coordinator (SPEC_FULL.md
// §4.5 step 3).
func (p *Pool) CloseIdle() {
	now := time.Now()
	p.mu.Lock()
	ids := append([]int(nil), p.order...)
	p.mu.Unlock()

	for _, id := range ids {
		p.mu.Lock()
		srv := p.servers[id]
		p.mu.Unlock()

		srv.mu.Lock()
		var keep []*Connection
		for _, c := range srv.free {
			if now.Sub(c.lastUsed) > p.idle {
				c.raw.Close()
				srv.open--
				continue
			}
			keep = append(keep, c)
		}
		srv.free = keep
		srv.mu.Unlock()
	}
}

// SetTimeout updates the idle-close window.
func (p *Pool) SetTimeout(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idle = d
}
