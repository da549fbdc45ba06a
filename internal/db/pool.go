package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parisxmas/oxiwarehouse/internal/oxidb"
)

const (
	dialTimeout       = 5 * time.Second
	keepaliveInterval = 10 * time.Second
)

// Pool is a round-robin connection pool for OxiDB with auto-reconnect.
type Pool struct {
	addr    string
	logger  *slog.Logger
	clients []*oxidb.Client
	mu      []sync.RWMutex
	idx     uint64
	stop    chan struct{}
	once    sync.Once
}

// NewPool creates a pool of size OxiDB connections.
func NewPool(ctx context.Context, addr string, size int, logger *slog.Logger) (*Pool, error) {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		addr:    addr,
		logger:  logger,
		clients: make([]*oxidb.Client, size),
		mu:      make([]sync.RWMutex, size),
		stop:    make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		c, err := oxidb.Connect(ctx, addr, dialTimeout)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("pool: connect client %d: %w", i, err)
		}
		p.clients[i] = c
	}
	// Keepalive pings prevent the server's idle timeout from dropping us.
	go p.keepalive()
	return p, nil
}

// Do runs fn with the next client in round-robin order. A transport failure
// reconnects that slot before the error is returned; server-side errors leave
// the connection in place.
func (p *Pool) Do(ctx context.Context, fn func(*oxidb.Client) error) error {
	n := atomic.AddUint64(&p.idx, 1)
	i := int(n % uint64(len(p.clients)))

	p.mu[i].RLock()
	c := p.clients[i]
	p.mu[i].RUnlock()
	if c == nil {
		p.reconnect(i)
		p.mu[i].RLock()
		c = p.clients[i]
		p.mu[i].RUnlock()
		if c == nil {
			return fmt.Errorf("pool: client %d unavailable", i)
		}
	}

	err := fn(c)
	var serverErr *oxidb.Error
	if err != nil && !errors.As(err, &serverErr) && ctx.Err() == nil {
		p.logger.Warn("oxidb transport error, reconnecting", "slot", i, "error", err)
		p.reconnect(i)
	}
	return err
}

// Ping checks one connection.
func (p *Pool) Ping(ctx context.Context) error {
	return p.Do(ctx, func(c *oxidb.Client) error {
		_, err := c.Ping(ctx)
		return err
	})
}

// reconnect replaces a broken client at index i.
func (p *Pool) reconnect(i int) {
	p.mu[i].Lock()
	defer p.mu[i].Unlock()
	if p.clients[i] != nil {
		p.clients[i].Close()
		p.clients[i] = nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	c, err := oxidb.Connect(ctx, p.addr, dialTimeout)
	if err != nil {
		p.logger.Error("oxidb reconnect failed", "slot", i, "error", err)
		return
	}
	p.clients[i] = c
}

func (p *Pool) keepalive() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			for i := range p.clients {
				p.mu[i].RLock()
				c := p.clients[i]
				p.mu[i].RUnlock()
				var err error
				if c == nil {
					err = errors.New("no connection")
				} else {
					ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
					_, err = c.Ping(ctx)
					cancel()
				}
				if err != nil {
					p.logger.Warn("oxidb ping failed, reconnecting", "slot", i, "error", err)
					p.reconnect(i)
				}
			}
		}
	}
}

// Close closes all connections.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.stop)
		for i := range p.clients {
			p.mu[i].Lock()
			if p.clients[i] != nil {
				p.clients[i].Close()
				p.clients[i] = nil
			}
			p.mu[i].Unlock()
		}
	})
}
