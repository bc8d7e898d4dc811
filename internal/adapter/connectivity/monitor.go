// Package connectivity reports whether the rate source is reachable so the
// sync service can skip network attempts while offline.
package connectivity

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/dingzeyu1029/CurrencySpot-sub001/pkg/logger"
)

// Prober dials addr on an interval and remembers the last outcome.
type Prober struct {
	addr      string
	interval  time.Duration
	timeout   time.Duration
	connected atomic.Bool
	dial      func(ctx context.Context, network, addr string) (net.Conn, error)
	log       *logger.Logger
}

func NewProber(addr string, interval time.Duration, log *logger.Logger) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	p := &Prober{
		addr:     addr,
		interval: interval,
		timeout:  3 * time.Second,
		log:      log,
	}
	dialer := &net.Dialer{}
	p.dial = dialer.DialContext
	// Optimistic until the first probe says otherwise.
	p.connected.Store(true)
	return p
}

func (p *Prober) IsConnected() bool {
	return p.connected.Load()
}

// Probe dials once and records the result.
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", p.addr)
	ok := err == nil
	if ok {
		conn.Close()
	}

	if prev := p.connected.Swap(ok); prev != ok {
		if ok {
			p.log.Info("Connectivity restored", "addr", p.addr)
		} else {
			p.log.Warn("Connectivity lost", "addr", p.addr, "error", err)
		}
	}
	return ok
}

// Run probes immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	p.Probe(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Probe(ctx)
		case <-ctx.Done():
			p.log.Info("Stopping connectivity prober")
			return
		}
	}
}

// Static is a monitor with a fixed answer, used in demo mode and tests.
type Static bool

func (s Static) IsConnected() bool { return bool(s) }
